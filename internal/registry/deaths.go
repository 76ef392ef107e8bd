package registry

import "herd"

// handleDeath purges every group membership of a dead local member and
// replicates the removals. The monitor is consumed by the notification
// itself; no demonitor. Runs on the scope task.
func (s *Scope) handleDeath(d Death) {
	entries := s.store.GroupsOf(d.Member)
	if len(entries) == 0 {
		// A death can race a leave that already demonitored; the
		// notification is not recalled, so tolerate it.
		s.log.Warn("death notification for unknown member", "member", d.Member.String(), "reason", d.Reason)
		return
	}

	reason := herd.Exit(d.Reason)
	for _, e := range entries {
		s.store.Remove(e.Group, e.Member)
		s.deps.Events.ProcessLeft(s.name, e.Group, e.Member, e.Meta, reason)
		s.broadcastSyncLeave(SyncLeave{
			Group:  e.Group,
			Member: e.Member,
			Meta:   e.Meta,
			Reason: reason,
		}, "")
	}
	s.log.Debug("purged dead member", "member", d.Member.String(), "groups", len(entries))
}
