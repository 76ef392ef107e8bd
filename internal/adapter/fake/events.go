package fake

import (
	"sync"

	"herd"
)

var _ herd.EventHandler = (*EventRecorder)(nil)

// EventRecorder captures lifecycle callbacks for assertion in tests.
type EventRecorder struct {
	mu     sync.Mutex
	events []herd.Event
}

func (r *EventRecorder) record(kind herd.EventKind, scope, group string, m herd.Member, meta []byte, reason herd.Reason) {
	r.mu.Lock()
	r.events = append(r.events, herd.Event{
		Kind: kind, Scope: scope, Group: group, Member: m, Meta: meta, Reason: reason,
	})
	r.mu.Unlock()
}

func (r *EventRecorder) ProcessJoined(scope, group string, m herd.Member, meta []byte, reason herd.Reason) {
	r.record(herd.EventJoined, scope, group, m, meta, reason)
}

func (r *EventRecorder) ProcessLeft(scope, group string, m herd.Member, meta []byte, reason herd.Reason) {
	r.record(herd.EventLeft, scope, group, m, meta, reason)
}

func (r *EventRecorder) ProcessUpdated(scope, group string, m herd.Member, meta []byte, reason herd.Reason) {
	r.record(herd.EventUpdated, scope, group, m, meta, reason)
}

// Events returns recorded events. If kind is "", returns all of them.
func (r *EventRecorder) Events(kind herd.EventKind) []herd.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" {
		out := make([]herd.Event, len(r.events))
		copy(out, r.events)
		return out
	}
	var out []herd.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears all recorded events.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
