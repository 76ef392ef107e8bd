// Package mailbox is the node-local runtime for member tasks: it hands
// out addressable inboxes and implements the registry's liveness and
// delivery ports over them. A monitor delivers exactly one death
// notification per subscription; unsubscribing is idempotent and does
// not recall a notification already dispatched.
package mailbox

import (
	"sync"

	"herd"
	"herd/internal/check"
	"herd/internal/registry"
)

const (
	// inboxCapacity is 128: publish delivery is best-effort, so a full
	// inbox drops rather than blocks the publisher.
	inboxCapacity = 128
	// ExitNormal is the reason reported when a task closes its own
	// mailbox without giving one.
	ExitNormal = "normal"
)

// Mailbox is one live member task's inbox. The task owning it reads C
// and calls Close when done.
type Mailbox struct {
	member herd.Member
	reg    *Registry
	inbox  chan herd.Message
}

// Member returns the cluster-unique handle of this task.
func (b *Mailbox) Member() herd.Member { return b.member }

// C is the task's inbox. It is never closed; detect shutdown through
// the task's own lifecycle.
func (b *Mailbox) C() <-chan herd.Message { return b.inbox }

// Close terminates the task with the given exit reason, waking every
// monitor exactly once. Closing twice is a no-op.
func (b *Mailbox) Close(reason string) {
	if reason == "" {
		reason = ExitNormal
	}
	b.reg.close(b.member, reason)
}

// Registry tracks the live tasks of one node.
type Registry struct {
	node string

	mu      sync.Mutex
	nextID  uint64
	nextRef registry.MonitorRef
	boxes   map[herd.Member]*Mailbox
	watches map[registry.MonitorRef]watch
}

type watch struct {
	member herd.Member
	sink   chan<- registry.Death
}

// NewRegistry creates the task runtime for node.
func NewRegistry(node string) *Registry {
	check.Assert(node != "", "mailbox.NewRegistry: node must not be empty")
	return &Registry{
		node:    node,
		boxes:   make(map[herd.Member]*Mailbox),
		watches: make(map[registry.MonitorRef]watch),
	}
}

// Node returns the node ID this runtime serves.
func (r *Registry) Node() string { return r.node }

// Spawn registers a new live task and returns its mailbox.
func (r *Registry) Spawn() *Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	m := herd.Member{Node: r.node, ID: r.nextID}
	box := &Mailbox{member: m, reg: r, inbox: make(chan herd.Message, inboxCapacity)}
	r.boxes[m] = box
	return box
}

// Lookup returns the mailbox of a live local member.
func (r *Registry) Lookup(m herd.Member) (*Mailbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.boxes[m]
	return box, ok
}

// Alive implements registry.Liveness.
func (r *Registry) Alive(m herd.Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.boxes[m]
	return ok
}

// Monitor implements registry.Liveness: subscribe to m's death. The
// notification lands on sink exactly once, including when m is closed
// concurrently with the subscription.
func (r *Registry) Monitor(m herd.Member, sink chan<- registry.Death) (registry.MonitorRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boxes[m]; !ok {
		return 0, herd.ErrNotAlive
	}
	r.nextRef++
	ref := r.nextRef
	r.watches[ref] = watch{member: m, sink: sink}
	return ref, nil
}

// Demonitor implements registry.Liveness. Idempotent: a reference
// already consumed by a death, or never issued, is ignored.
func (r *Registry) Demonitor(ref registry.MonitorRef) {
	r.mu.Lock()
	delete(r.watches, ref)
	r.mu.Unlock()
}

// Deliver implements registry.Delivery: best-effort push into a local
// inbox. A dead member or a full inbox drops the message.
func (r *Registry) Deliver(m herd.Member, msg herd.Message) error {
	r.mu.Lock()
	box, ok := r.boxes[m]
	r.mu.Unlock()
	if !ok {
		return herd.ErrNotAlive
	}
	select {
	case box.inbox <- msg:
		return nil
	default:
		return &herd.ValidationError{Field: "inbox", Message: "full"}
	}
}

func (r *Registry) close(m herd.Member, reason string) {
	r.mu.Lock()
	if _, ok := r.boxes[m]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.boxes, m)

	type firing struct {
		ref registry.MonitorRef
		w   watch
	}
	var fired []firing
	for ref, w := range r.watches {
		if w.member == m {
			fired = append(fired, firing{ref: ref, w: w})
			delete(r.watches, ref)
		}
	}
	r.mu.Unlock()

	for _, f := range fired {
		d := registry.Death{Ref: f.ref, Member: m, Reason: reason}
		// Sinks are buffered by the scope task; a stalled sink must not
		// block task teardown.
		select {
		case f.w.sink <- d:
		default:
			go func(sink chan<- registry.Death) { sink <- d }(f.w.sink)
		}
	}
}
