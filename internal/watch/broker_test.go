package watch

import (
	"context"
	"testing"
	"time"

	"herd"
)

func collect(ch <-chan herd.Event, n int, timeout time.Duration) []herd.Event {
	var out []herd.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestBrokerFansOut(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := b.Subscribe(ctx)
	second := b.Subscribe(ctx)

	m := herd.Member{Node: "a", ID: 1}
	b.ProcessJoined("s", "g", m, []byte("x"), herd.Normal())
	b.ProcessUpdated("s", "g", m, []byte("y"), herd.Normal())
	b.ProcessLeft("s", "g", m, []byte("y"), herd.Exit("crash"))

	for name, ch := range map[string]<-chan herd.Event{"first": first, "second": second} {
		got := collect(ch, 3, time.Second)
		if len(got) != 3 {
			t.Fatalf("%s subscriber got %d events, want 3", name, len(got))
		}
		wantKinds := []herd.EventKind{herd.EventJoined, herd.EventUpdated, herd.EventLeft}
		for i, ev := range got {
			if ev.Kind != wantKinds[i] {
				t.Fatalf("%s event[%d] = %s, want %s", name, i, ev.Kind, wantKinds[i])
			}
		}
	}
}

func TestBrokerReplaysToLateSubscriber(t *testing.T) {
	b := NewBroker()
	m := herd.Member{Node: "a", ID: 1}
	b.ProcessJoined("s", "g", m, nil, herd.Normal())
	b.ProcessLeft("s", "g", m, nil, herd.Normal())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	late := b.Subscribe(ctx)

	got := collect(late, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("late subscriber got %d events, want 2 replayed", len(got))
	}
	if got[0].Kind != herd.EventJoined || got[1].Kind != herd.EventLeft {
		t.Fatalf("replay order = %v/%v, want joined then left", got[0].Kind, got[1].Kind)
	}
}

func TestBrokerReplayBounded(t *testing.T) {
	b := NewBroker()
	m := herd.Member{Node: "a", ID: 1}
	total := replayBufferCapacity + 50
	for i := 0; i < total; i++ {
		b.ProcessJoined("s", "g", m, nil, herd.Normal())
	}

	b.mu.Lock()
	replayLen := len(b.replay)
	b.mu.Unlock()
	if replayLen != replayBufferCapacity {
		t.Fatalf("replay length = %d, want capped at %d", replayLen, replayBufferCapacity)
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = b.Subscribe(ctx) // nobody drains it

	m := herd.Member{Node: "a", ID: 1}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferCap*2; i++ {
			b.ProcessJoined("s", "g", m, nil, herd.Normal())
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an undrained subscriber")
	}
}

func TestBrokerUnsubscribeOnContextCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // closed, as promised
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}
