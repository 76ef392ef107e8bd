// Package watch fans registry lifecycle events out to many consumers
// without letting any of them stall the scope task.
package watch

import (
	"context"
	"log/slog"
	"sync"

	"herd"
)

const (
	// subscriberBufferCap is 128: a subscriber that falls further
	// behind starts losing events rather than applying backpressure to
	// the scope task.
	subscriberBufferCap = 128
	// replayBufferCapacity is 256: enough recent history for a late
	// subscriber (the HTTP event feed) to catch up on a busy scope.
	replayBufferCapacity = 256
)

// Broker is a herd.EventHandler that republishes callbacks to
// subscribers. Callbacks return immediately; distribution is
// non-blocking per subscriber.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]chan herd.Event
	nextID uint64
	replay []herd.Event
}

var _ herd.EventHandler = (*Broker)(nil)

func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]chan herd.Event)}
}

func (b *Broker) ProcessJoined(scope, group string, m herd.Member, meta []byte, r herd.Reason) {
	b.publish(herd.Event{Kind: herd.EventJoined, Scope: scope, Group: group, Member: m, Meta: meta, Reason: r})
}

func (b *Broker) ProcessLeft(scope, group string, m herd.Member, meta []byte, r herd.Reason) {
	b.publish(herd.Event{Kind: herd.EventLeft, Scope: scope, Group: group, Member: m, Meta: meta, Reason: r})
}

func (b *Broker) ProcessUpdated(scope, group string, m herd.Member, meta []byte, r herd.Reason) {
	b.publish(herd.Event{Kind: herd.EventUpdated, Scope: scope, Group: group, Member: m, Meta: meta, Reason: r})
}

func (b *Broker) publish(ev herd.Event) {
	b.mu.Lock()
	b.replay = appendReplay(b.replay, ev)
	for id, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			slog.Debug("watch subscriber lagging, event dropped", "subscriber", id, "kind", ev.Kind)
		}
	}
	b.mu.Unlock()
}

// Subscribe returns a channel of future events, preceded by a replay of
// recent ones. The subscription ends when ctx is cancelled; the channel
// is closed then.
func (b *Broker) Subscribe(ctx context.Context) <-chan herd.Event {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan herd.Event, subscriberBufferCap)
	b.subs[id] = ch
	replay := append([]herd.Event(nil), b.replay...)
	b.mu.Unlock()

	go func() {
		for _, ev := range replay {
			select {
			case ch <- ev:
			default:
			}
		}
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

func appendReplay(replay []herd.Event, ev herd.Event) []herd.Event {
	if len(replay) < replayBufferCapacity {
		return append(replay, ev)
	}
	copy(replay, replay[1:])
	replay[len(replay)-1] = ev
	return replay
}
