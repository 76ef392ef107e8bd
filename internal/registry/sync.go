package registry

import (
	"bytes"

	"herd"
)

// broadcastSyncJoin replicates a local join to every peer except the
// requester. Broadcasts happen only after the local mutation succeeds.
func (s *Scope) broadcastSyncJoin(sj SyncJoin, requester string) {
	env, err := NewEnvelope(s.name, s.self, KindSyncJoin, sj)
	if err != nil {
		s.log.Error("encode sync_join", "err", err)
		return
	}
	s.broadcast(env, requester)
}

func (s *Scope) broadcastSyncLeave(sl SyncLeave, requester string) {
	env, err := NewEnvelope(s.name, s.self, KindSyncLeave, sl)
	if err != nil {
		s.log.Error("encode sync_leave", "err", err)
		return
	}
	s.broadcast(env, requester)
}

func (s *Scope) broadcast(env Envelope, requester string) {
	var except []string
	if requester != "" && requester != s.self {
		except = append(except, requester)
	}
	if err := s.deps.Transport.Broadcast(env, except...); err != nil {
		s.log.Warn("broadcast failed", "kind", env.Kind, "err", err)
	}
}

// applySyncEntry applies one replicated (or anti-entropy, or eagerly
// returned) join using last-writer-wins. Runs on the scope task.
func (s *Scope) applySyncEntry(group string, m herd.Member, meta []byte, at int64, reason herd.Reason) {
	owner := m.Node
	if owner == s.self {
		// Only the owner assigns timestamps for its members; a sync for
		// a local member means a peer is confused.
		s.log.Warn("dropping sync for locally owned member", "group", group, "member", m.String())
		return
	}
	if !s.peerUp(owner) {
		// Cross-event race: the owner has since disappeared. The
		// peer-down path has cleaned up or will.
		s.log.Debug("dropping sync from departed owner", "group", group, "member", m.String())
		return
	}

	existing, exists := s.store.Get(group, m)
	if exists && existing.At >= at {
		// Stale, or the exact entry the requester applied eagerly.
		return
	}

	s.store.Insert(Entry{
		Group:  group,
		Member: m,
		Meta:   meta,
		At:     at,
		Owner:  owner,
	})

	switch {
	case !exists:
		s.deps.Events.ProcessJoined(s.name, group, m, meta, reason)
	case !bytes.Equal(existing.Meta, meta):
		s.deps.Events.ProcessUpdated(s.name, group, m, meta, reason)
	}
	// Newer timestamp with identical meta: state refreshed, nothing
	// observable changed.
}

// applySyncLeave removes a replicated leave, firing left with the
// carried reason. Unknown entries are dropped silently.
func (s *Scope) applySyncLeave(group string, m herd.Member, reason herd.Reason) {
	e, ok := s.store.Remove(group, m)
	if !ok {
		return
	}
	s.deps.Events.ProcessLeft(s.name, group, m, e.Meta, reason)
}
