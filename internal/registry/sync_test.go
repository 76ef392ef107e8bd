package registry

import (
	"context"
	"testing"

	"herd"
)

func syncJoinEnv(t *testing.T, from string, sj SyncJoin) Envelope {
	t.Helper()
	env, err := NewEnvelope("orders", from, KindSyncJoin, sj)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func syncLeaveEnv(t *testing.T, from string, sl SyncLeave) Envelope {
	t.Helper()
	env, err := NewEnvelope("orders", from, KindSyncLeave, sl)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestSyncJoinLWW(t *testing.T) {
	remote := member("b", 1)

	t.Run("fresh insert fires joined", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.peerUpNow(t, "b")

		env := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 100, Reason: herd.Normal()})
		if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
		e, ok := f.store.Get("g", remote)
		if !ok || string(e.Meta) != "v1" || e.At != 100 {
			t.Fatalf("entry = %+v ok=%v, want v1@100", e, ok)
		}
		if e.Watch != 0 {
			t.Fatalf("remote entry Watch = %d, want 0", e.Watch)
		}
		if e.Owner != "b" {
			t.Fatalf("remote entry Owner = %q, want b", e.Owner)
		}
		if f.events.count(herd.EventJoined) != 1 {
			t.Fatalf("joined callbacks = %d, want 1", f.events.count(herd.EventJoined))
		}
	})

	t.Run("stale timestamp dropped without callback", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.peerUpNow(t, "b")

		fresh := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 100, Reason: herd.Normal()})
		if _, err := f.scope.HandleMessage(context.Background(), fresh); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
		stale := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("old"), At: 50, Reason: herd.Normal()})
		if _, err := f.scope.HandleMessage(context.Background(), stale); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}

		e, _ := f.store.Get("g", remote)
		if string(e.Meta) != "v1" {
			t.Fatalf("meta = %q after stale sync, want v1", e.Meta)
		}
		if got := f.events.count(""); got != 1 {
			t.Fatalf("callbacks = %d, want 1 (stale fires nothing)", got)
		}
	})

	t.Run("equal timestamp dropped", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.peerUpNow(t, "b")

		env := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 100, Reason: herd.Normal()})
		for i := 0; i < 2; i++ {
			if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
		}
		if got := f.events.count(""); got != 1 {
			t.Fatalf("callbacks = %d on duplicate sync, want 1", got)
		}
	})

	t.Run("newer meta fires updated", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.peerUpNow(t, "b")

		v1 := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 100, Reason: herd.Normal()})
		v2 := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v2"), At: 200, Reason: herd.Normal()})
		for _, env := range []Envelope{v1, v2} {
			if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
		}
		if f.events.count(herd.EventJoined) != 1 || f.events.count(herd.EventUpdated) != 1 {
			t.Fatalf("callbacks joined=%d updated=%d, want 1/1",
				f.events.count(herd.EventJoined), f.events.count(herd.EventUpdated))
		}
	})

	t.Run("newer timestamp identical meta fires nothing", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.peerUpNow(t, "b")

		v1 := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 100, Reason: herd.Normal()})
		v1Later := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 200, Reason: herd.Normal()})
		for _, env := range []Envelope{v1, v1Later} {
			if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
		}
		e, _ := f.store.Get("g", remote)
		if e.At != 200 {
			t.Fatalf("At = %d, want refreshed to 200", e.At)
		}
		if got := f.events.count(""); got != 1 {
			t.Fatalf("callbacks = %d, want 1 (timestamp refresh is silent)", got)
		}
	})

	t.Run("owner outside peer set dropped", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		// No peer-up for b: the owner is not in the peer set.
		env := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 100, Reason: herd.Normal()})
		if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
		if f.scope.IsMember("g", remote) {
			t.Fatal("sync from departed owner applied, want dropped")
		}
		if got := f.events.count(""); got != 0 {
			t.Fatalf("callbacks = %d, want 0", got)
		}
	})

	t.Run("locally owned member dropped", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.peerUpNow(t, "b")
		local := member("a", 1)
		env := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: local, Meta: []byte("v1"), At: 100, Reason: herd.Normal()})
		if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
		if f.scope.IsMember("g", local) {
			t.Fatal("peer-sourced sync for local member applied")
		}
	})
}

func TestSyncLeave(t *testing.T) {
	remote := member("b", 1)

	t.Run("removes entry with carried reason", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.peerUpNow(t, "b")

		join := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 100, Reason: herd.Normal()})
		if _, err := f.scope.HandleMessage(context.Background(), join); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
		leave := syncLeaveEnv(t, "b", SyncLeave{Group: "g", Member: remote, Meta: []byte("v1"), Reason: herd.Exit("crash")})
		if _, err := f.scope.HandleMessage(context.Background(), leave); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}

		if f.scope.IsMember("g", remote) {
			t.Fatal("entry present after sync_leave")
		}
		lefts := f.events.all(herd.EventLeft)
		if len(lefts) != 1 || lefts[0].Reason.Detail != "crash" {
			t.Fatalf("lefts = %+v, want one exit(crash)", lefts)
		}
	})

	t.Run("unknown entry dropped silently", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		leave := syncLeaveEnv(t, "b", SyncLeave{Group: "g", Member: remote, Reason: herd.Normal()})
		if _, err := f.scope.HandleMessage(context.Background(), leave); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
		if got := f.events.count(""); got != 0 {
			t.Fatalf("callbacks = %d, want 0", got)
		}
	})
}

func TestPeerDownPurgesOwnedEntries(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.peerUpNow(t, "b")
	f.peerUpNow(t, "c")

	mb := member("b", 1)
	mc := member("c", 1)
	for _, sj := range []SyncJoin{
		{Group: "g1", Member: mb, Meta: []byte("b1"), At: 10, Reason: herd.Normal()},
		{Group: "g2", Member: mb, Meta: []byte("b2"), At: 11, Reason: herd.Normal()},
		{Group: "g1", Member: mc, Meta: []byte("c1"), At: 12, Reason: herd.Normal()},
	} {
		env := syncJoinEnv(t, sj.Member.Node, sj)
		if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
	}
	f.events.mu.Lock()
	f.events.events = nil
	f.events.mu.Unlock()

	f.peerCh <- PeerEvent{Node: "b", Up: false}
	f.settle(t)

	if f.scope.IsMember("g1", mb) || f.scope.IsMember("g2", mb) {
		t.Fatal("entries owned by b survived peer-down")
	}
	if !f.scope.IsMember("g1", mc) {
		t.Fatal("entry owned by c purged by b's peer-down")
	}
	lefts := f.events.all(herd.EventLeft)
	if len(lefts) != 2 {
		t.Fatalf("left callbacks = %d, want 2", len(lefts))
	}
	for _, ev := range lefts {
		if ev.Reason.Kind != herd.ReasonNodeDown || ev.Reason.Node != "b" {
			t.Fatalf("reason = %+v, want node_down(b)", ev.Reason)
		}
	}
	// No broadcast: every node observes the peer-down on its own.
	if got := f.transport.broadcastCount(KindSyncLeave); got != 0 {
		t.Fatalf("sync_leave broadcasts on peer-down = %d, want 0", got)
	}
}

func TestSnapshotExchangeHandler(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.peerUpNow(t, "b")

	local := member("a", 1)
	f.liveness.spawn(local)
	if err := f.scope.Join(context.Background(), "g", local, []byte("mine")); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	remote := member("b", 2)
	env, err := NewEnvelope("orders", "b", KindSnapshot, SnapshotExchange{Entries: []WireEntry{
		{Group: "g", Member: remote, Meta: []byte("theirs"), At: 77},
	}})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	reply, err := f.scope.HandleMessage(context.Background(), env)
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if !f.scope.IsMember("g", remote) {
		t.Fatal("snapshot entry not applied")
	}
	lefts := f.events.all(herd.EventJoined)
	found := false
	for _, ev := range lefts {
		if ev.Member == remote && ev.Reason.Kind == herd.ReasonNodeUp && ev.Reason.Node == "b" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no joined callback with node_up(b), got %+v", lefts)
	}

	var body SnapshotReply
	if err := reply.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Member != local {
		t.Fatalf("snapshot reply = %+v, want the local entry", body.Entries)
	}
}

func TestEagerApplyOnRemoteJoin(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.peerUpNow(t, "b")
	remote := member("b", 1)

	f.transport.mu.Lock()
	f.transport.callFn = func(node string, env Envelope) (Envelope, error) {
		if node != "b" || env.Kind != KindJoinOnNode {
			t.Errorf("routed to %s kind %s, want b join_on_node", node, env.Kind)
		}
		var req JoinRequest
		if err := env.DecodeBody(&req); err != nil {
			return Envelope{}, err
		}
		if req.Requester != "a" {
			t.Errorf("requester = %q, want a", req.Requester)
		}
		return NewEnvelope("orders", "b", KindReply, JoinReply{Outcome: OutcomeJoined, At: 500})
	}
	f.transport.mu.Unlock()

	if err := f.scope.Join(context.Background(), "g", remote, []byte("v1")); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	// Eagerly applied before any broadcast arrives.
	e, ok := f.store.Get("g", remote)
	if !ok || e.At != 500 || e.Owner != "b" || e.Watch != 0 {
		t.Fatalf("eager entry = %+v ok=%v, want remote v1@500", e, ok)
	}
	if f.events.count(herd.EventJoined) != 1 {
		t.Fatalf("joined callbacks = %d, want 1", f.events.count(herd.EventJoined))
	}

	// The owner's broadcast races in later with the same stamp: stale.
	env := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: []byte("v1"), At: 500, Reason: herd.Normal()})
	if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if got := f.events.count(""); got != 1 {
		t.Fatalf("callbacks = %d after racing broadcast, want still 1", got)
	}
}

func TestRemoteJoinErrorSurfaces(t *testing.T) {
	f := newFixture(t, "a", "b")
	remote := member("b", 1)

	f.transport.mu.Lock()
	f.transport.callFn = func(string, Envelope) (Envelope, error) {
		return NewEnvelope("orders", "b", KindError, ErrorReply{Code: "not_alive"})
	}
	f.transport.mu.Unlock()

	err := f.scope.Join(context.Background(), "g", remote, nil)
	if err == nil {
		t.Fatal("Join() error = nil, want not_alive")
	}
}

func TestUnknownKindAndBadVersion(t *testing.T) {
	f := newFixture(t, "a")

	bad := Envelope{V: "99", Scope: "orders", From: "b", Kind: KindSyncJoin}
	reply, err := f.scope.HandleMessage(context.Background(), bad)
	if err != nil {
		t.Fatalf("HandleMessage(bad version) error = %v", err)
	}
	if reply.Kind != KindError {
		t.Fatalf("reply kind = %s, want error", reply.Kind)
	}

	unknown := Envelope{V: ProtocolVersion, Scope: "orders", From: "b", Kind: "gossip_hello"}
	reply, err = f.scope.HandleMessage(context.Background(), unknown)
	if err != nil {
		t.Fatalf("HandleMessage(unknown kind) error = %v", err)
	}
	if reply.Kind != KindError {
		t.Fatalf("reply kind = %s, want error", reply.Kind)
	}
	if got := f.store.Len(); got != 0 {
		t.Fatalf("state mutated by unknown message: %d entries", got)
	}
}
