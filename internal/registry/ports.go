package registry

import (
	"context"
	"time"

	"herd"
)

// Transport delivers scope-tagged envelopes between nodes. Reliable
// while connected, best-effort across partitions, per-node delivery
// order.
// Production: transport/grpcpeer.Transport
// Testing: adapter/fake.Cluster node transports
type Transport interface {
	// Call sends env to node and blocks for the reply or ctx deadline.
	Call(ctx context.Context, node string, env Envelope) (Envelope, error)
	// Send delivers env to node with no ack. Errors are advisory.
	Send(node string, env Envelope) error
	// Broadcast sends env to every node currently up, minus except.
	// Best-effort, no ack.
	Broadcast(env Envelope, except ...string) error
	// Peers returns the remote nodes currently up.
	Peers() []string
}

// MonitorRef identifies one liveness subscription. Zero means none.
type MonitorRef uint64

// Death is one liveness notification: delivered exactly once per
// subscription when the watched member exits.
type Death struct {
	Ref    MonitorRef
	Member herd.Member
	Reason string
}

// Liveness watches node-local member tasks. Remote member deaths are
// learned via sync_leave from their owner, never monitored here.
// Production: mailbox.Registry
// Testing: adapter/fake.Cluster node runtimes
type Liveness interface {
	// Monitor subscribes to m's death, delivered on sink. Returns
	// herd.ErrNotAlive if m is already dead.
	Monitor(m herd.Member, sink chan<- Death) (MonitorRef, error)
	// Demonitor cancels a subscription. Idempotent; a notification
	// already queued may still arrive and is ignored downstream.
	Demonitor(ref MonitorRef)
	// Alive reports whether the local member task is running.
	Alive(m herd.Member) bool
}

// Delivery pushes an inbox message into a node-local member task.
// Production: mailbox.Registry
// Testing: adapter/fake.Cluster node runtimes
type Delivery interface {
	Deliver(m herd.Member, msg herd.Message) error
}

// Clock supplies the owner-assigned wall-clock timestamps used for
// last-writer-wins ordering.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// PeerEvent reports a remote node entering or leaving the peer set.
type PeerEvent struct {
	Node string
	Up   bool
}
