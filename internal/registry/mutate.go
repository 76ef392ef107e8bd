package registry

import (
	"bytes"

	"herd"
)

// localJoin performs a join on the owner node's scope task. requester
// is excluded from the broadcast: it has already (or will have, on
// reply) applied the mutation to its own indexes.
func (s *Scope) localJoin(group string, m herd.Member, meta []byte, requester string) (JoinReply, error) {
	existing, exists := s.store.Get(group, m)
	if exists && bytes.Equal(existing.Meta, meta) {
		// Re-join with identical meta: no timestamp bump, no callback.
		return JoinReply{Outcome: OutcomeNoop}, nil
	}

	var watch MonitorRef
	if exists {
		watch = existing.Watch
	} else {
		ref, err := s.ensureMonitor(m)
		if err != nil {
			return JoinReply{}, err
		}
		watch = ref
	}

	at := s.nextStamp(existing.At)
	s.store.Insert(Entry{
		Group:  group,
		Member: m,
		Meta:   meta,
		At:     at,
		Watch:  watch,
		Owner:  s.self,
	})

	outcome := OutcomeJoined
	if exists {
		outcome = OutcomeUpdated
		s.deps.Events.ProcessUpdated(s.name, group, m, meta, herd.Normal())
	} else {
		s.deps.Events.ProcessJoined(s.name, group, m, meta, herd.Normal())
	}

	s.broadcastSyncJoin(SyncJoin{
		Group:  group,
		Member: m,
		Meta:   meta,
		At:     at,
		Reason: herd.Normal(),
	}, requester)

	return JoinReply{Outcome: outcome, At: at}, nil
}

// localLeave performs a leave on the owner node's scope task.
func (s *Scope) localLeave(group string, m herd.Member, requester string) (LeaveReply, error) {
	e, ok := s.store.Remove(group, m)
	if !ok {
		return LeaveReply{}, herd.ErrNotInGroup
	}

	s.maybeDemonitor(m, e.Watch)
	s.deps.Events.ProcessLeft(s.name, group, m, e.Meta, herd.Normal())

	s.broadcastSyncLeave(SyncLeave{
		Group:  group,
		Member: m,
		Meta:   e.Meta,
		Reason: herd.Normal(),
	}, requester)

	return LeaveReply{Meta: e.Meta}, nil
}

// ensureMonitor returns the monitor shared by m's existing local
// entries, subscribing afresh when m holds none. The reference is
// refcounted by presence across groups, not by a counter.
func (s *Scope) ensureMonitor(m herd.Member) (MonitorRef, error) {
	if ref := s.store.WatchOf(m); ref != 0 {
		return ref, nil
	}
	return s.deps.Liveness.Monitor(m, s.deaths)
}

// maybeDemonitor releases the monitor after a local removal if no
// entries remain for m. Demonitor does not recall a death notification
// already dispatched; handleDeath finds no entries for it and only logs.
func (s *Scope) maybeDemonitor(m herd.Member, ref MonitorRef) {
	if ref == 0 {
		return
	}
	if s.store.HasMember(m) {
		return
	}
	s.deps.Liveness.Demonitor(ref)
}
