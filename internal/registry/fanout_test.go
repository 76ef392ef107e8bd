package registry

import (
	"context"
	"testing"
	"time"

	"herd"
)

func TestPublishLocalAndRemote(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.peerUpNow(t, "b")

	local := member("a", 1)
	f.liveness.spawn(local)
	if err := f.scope.Join(context.Background(), "g", local, nil); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	remote := member("b", 2)
	env := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: remote, Meta: nil, At: 10, Reason: herd.Normal()})
	if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	inbox := f.delivery.inbox(local)
	n, err := f.scope.Publish("g", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Publish() = %d, want snapshot size 2", n)
	}

	select {
	case msg := <-inbox:
		if string(msg.Payload) != "hello" || msg.Group != "g" || msg.ReplyTo != nil {
			t.Fatalf("local message = %+v, want fire-and-forget hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("local member received nothing")
	}

	f.transport.mu.Lock()
	sends := f.transport.sends["b"]
	f.transport.mu.Unlock()
	if len(sends) != 1 || sends[0].Kind != KindDeliver {
		t.Fatalf("sends to b = %+v, want one deliver batch", sends)
	}
	var batch DeliverBatch
	if err := sends[0].DecodeBody(&batch); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if len(batch.Members) != 1 || batch.Members[0] != remote {
		t.Fatalf("batch members = %v, want [%v]", batch.Members, remote)
	}
}

func TestLocalPublishSkipsRemote(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.peerUpNow(t, "b")

	local := member("a", 1)
	f.liveness.spawn(local)
	if err := f.scope.Join(context.Background(), "g", local, nil); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	env := syncJoinEnv(t, "b", SyncJoin{Group: "g", Member: member("b", 2), At: 10, Reason: herd.Normal()})
	if _, err := f.scope.HandleMessage(context.Background(), env); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	n, err := f.scope.LocalPublish("g", []byte("x"))
	if err != nil {
		t.Fatalf("LocalPublish() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("LocalPublish() = %d, want 1", n)
	}
	f.transport.mu.Lock()
	remoteSends := len(f.transport.sends["b"])
	f.transport.mu.Unlock()
	if remoteSends != 0 {
		t.Fatalf("remote sends = %d on local publish, want 0", remoteSends)
	}
}

// respondFromInbox answers group calls the way a member task would.
func respondFromInbox(f *fixture, m herd.Member, delay time.Duration, answer string) {
	inbox := f.delivery.inbox(m)
	go func() {
		for msg := range inbox {
			if msg.ReplyTo == nil {
				continue
			}
			time.Sleep(delay)
			_ = f.scope.Reply(*msg.ReplyTo, []byte(answer))
		}
	}()
}

func TestMultiCall(t *testing.T) {
	f := newFixture(t, "a")

	responsive := member("a", 1)
	dead := member("a", 2)
	silent := member("a", 3)
	for _, m := range []herd.Member{responsive, dead, silent} {
		f.liveness.spawn(m)
		if err := f.scope.Join(context.Background(), "g", m, []byte(m.String())); err != nil {
			t.Fatalf("Join(%v) error = %v", m, err)
		}
	}
	respondFromInbox(f, responsive, 10*time.Millisecond, "ok")
	f.liveness.kill(dead, "gone")
	waitUntil(t, func() bool { return !f.store.HasMember(dead) })

	// Rejoin the dead member's slot via the snapshot: the call targets
	// whatever the indexes say at snapshot time, so re-add it dead.
	f.store.Insert(Entry{Group: "g", Member: dead, Meta: []byte(dead.String()), At: 1, Owner: "a"})

	replies, bad, err := f.scope.MultiCall(context.Background(), "g", []byte("ping"), 150*time.Millisecond)
	if err != nil {
		t.Fatalf("MultiCall() error = %v", err)
	}

	if len(replies) != 1 {
		t.Fatalf("replies = %+v, want exactly the responsive member", replies)
	}
	if replies[0].Member != responsive || string(replies[0].Reply) != "ok" {
		t.Fatalf("reply = %+v, want ok from %v", replies[0], responsive)
	}
	if len(bad) != 2 {
		t.Fatalf("bad replies = %+v, want dead and silent", bad)
	}
	badSet := map[herd.Member]bool{}
	for _, mi := range bad {
		badSet[mi.Member] = true
	}
	if !badSet[dead] || !badSet[silent] {
		t.Fatalf("bad set = %v, want both %v and %v", badSet, dead, silent)
	}
}

func TestMultiCallEmptyGroup(t *testing.T) {
	f := newFixture(t, "a")
	replies, bad, err := f.scope.MultiCall(context.Background(), "nobody", nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("MultiCall() error = %v", err)
	}
	if len(replies) != 0 || len(bad) != 0 {
		t.Fatalf("MultiCall() on empty group = %v, %v, want nothing", replies, bad)
	}
}

func TestReplyRoutesRemoteTokens(t *testing.T) {
	f := newFixture(t, "a")
	addr := herd.ReplyAddr{Node: "b", Token: "tok-1"}
	if err := f.scope.Reply(addr, []byte("answer")); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	f.transport.mu.Lock()
	sends := f.transport.sends["b"]
	f.transport.mu.Unlock()
	if len(sends) != 1 || sends[0].Kind != KindMemberReply {
		t.Fatalf("sends = %+v, want one member_reply to b", sends)
	}
}

func TestQueriesOnMissingGroup(t *testing.T) {
	f := newFixture(t, "a")
	if got := f.scope.Members("ghost"); len(got) != 0 {
		t.Fatalf("Members(ghost) = %v, want empty", got)
	}
	if f.scope.IsMember("ghost", member("a", 1)) {
		t.Fatal("IsMember(ghost) = true")
	}
	if got := f.scope.Count(""); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
}
