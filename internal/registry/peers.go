package registry

import (
	"context"
	"time"

	"herd"
)

// snapshotExchangeTimeout bounds the peer-up anti-entropy RPC. Generous:
// a full snapshot can be large after a long partition.
const snapshotExchangeTimeout = 30 * time.Second

// handlePeerEvent runs on the scope task.
func (s *Scope) handlePeerEvent(ctx context.Context, ev PeerEvent) {
	if ev.Up {
		s.handlePeerUp(ctx, ev.Node)
		return
	}
	s.handlePeerDown(ev.Node)
}

// handlePeerUp adds the peer and kicks off the full-state anti-entropy
// exchange. The exchange RPC runs off-task so a slow peer cannot stall
// the scope; its result is applied back on the task.
func (s *Scope) handlePeerUp(ctx context.Context, node string) {
	if node == s.self {
		return
	}
	s.peersMu.Lock()
	s.peers[node] = struct{}{}
	s.peersMu.Unlock()
	s.log.Info("peer up", "peer", node)

	snapshot := s.localSnapshot()
	go s.exchangeWith(ctx, node, snapshot)
}

// handlePeerDown purges the departed peer's entries. No broadcast:
// every node observes the peer-down independently.
func (s *Scope) handlePeerDown(node string) {
	s.peersMu.Lock()
	delete(s.peers, node)
	s.peersMu.Unlock()

	entries := s.store.EntriesOwnedBy(node)
	for _, e := range entries {
		s.store.Remove(e.Group, e.Member)
		s.deps.Events.ProcessLeft(s.name, e.Group, e.Member, e.Meta, herd.NodeDown(node))
	}
	s.log.Info("peer down", "peer", node, "purged", len(entries))
}

// localSnapshot is the node's contribution to anti-entropy: exactly the
// set of entries it owns and broadcasts.
func (s *Scope) localSnapshot() []WireEntry {
	entries := s.store.EntriesOwnedBy(s.self)
	out := make([]WireEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, WireEntry{Group: e.Group, Member: e.Member, Meta: e.Meta, At: e.At})
	}
	return out
}

// exchangeWith sends our local snapshot to a newly up peer and applies
// whatever it returns. Removals never travel through anti-entropy:
// entries merely absent from the peer's snapshot are left alone.
func (s *Scope) exchangeWith(ctx context.Context, node string, snapshot []WireEntry) {
	env, err := NewEnvelope(s.name, s.self, KindSnapshot, SnapshotExchange{Entries: snapshot})
	if err != nil {
		s.log.Error("encode snapshot", "err", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, snapshotExchangeTimeout)
	defer cancel()
	reply, err := s.deps.Transport.Call(callCtx, node, env)
	if err != nil {
		s.log.Warn("snapshot exchange failed", "peer", node, "err", err)
		return
	}
	if reply.Kind == KindError {
		var er ErrorReply
		_ = reply.DecodeBody(&er)
		s.log.Warn("snapshot exchange rejected", "peer", node, "code", er.Code)
		return
	}

	var body SnapshotReply
	if err := reply.DecodeBody(&body); err != nil {
		s.log.Warn("snapshot exchange reply malformed", "peer", node, "err", err)
		return
	}

	reason := herd.NodeUp(node)
	applyErr := s.do(ctx, func() {
		for _, we := range body.Entries {
			s.applySyncEntry(we.Group, we.Member, we.Meta, we.At, reason)
		}
	})
	if applyErr != nil {
		s.log.Warn("snapshot apply aborted", "peer", node, "err", applyErr)
		return
	}
	s.log.Debug("anti-entropy complete", "peer", node, "received", len(body.Entries), "sent", len(snapshot))
}

// handleSnapshotExchange applies an incoming peer snapshot and returns
// ours. Runs on the scope task.
func (s *Scope) handleSnapshotExchange(from string, body SnapshotExchange) SnapshotReply {
	reason := herd.NodeUp(from)
	for _, we := range body.Entries {
		s.applySyncEntry(we.Group, we.Member, we.Meta, we.At, reason)
	}
	return SnapshotReply{Entries: s.localSnapshot()}
}
