// Package fake provides deterministic in-memory collaborators for
// registry tests: a fake clock, an event recorder, and a simulated
// cluster whose transport delivers broadcasts only when the test says
// so.
package fake

import (
	"context"
	"fmt"
	"sync"

	"herd/internal/check"
	"herd/internal/mailbox"
	"herd/internal/registry"
)

// peerEventCapacity is 16: tests drive a handful of membership flaps,
// never a flood.
const peerEventCapacity = 16

// Cluster simulates N registry nodes sharing one scope. Calls are
// delivered synchronously; fire-and-forget sends queue until Drain so
// tests control replication timing and ordering.
type Cluster struct {
	scope string
	clock *Clock

	mu      sync.Mutex
	nodes   map[string]*Node
	order   []string
	blocked map[link]bool
	pending []send

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type link struct{ from, to string }

type send struct {
	from, to string
	env      registry.Envelope
}

// Node is one simulated cluster member.
type Node struct {
	ID     string
	Tasks  *mailbox.Registry
	Store  *registry.Store
	Scope  *registry.Scope
	Events *EventRecorder

	cluster *Cluster
	peerCh  chan registry.PeerEvent
}

// NewCluster creates an empty simulated cluster for one scope name.
func NewCluster(scope string, clock *Clock) *Cluster {
	check.Assert(scope != "", "fake.NewCluster: scope must not be empty")
	check.Assert(clock != nil, "fake.NewCluster: clock must not be nil")
	return &Cluster{
		scope:   scope,
		clock:   clock,
		nodes:   make(map[string]*Node),
		blocked: make(map[link]bool),
	}
}

// AddNode registers a node. Call before Start.
func (c *Cluster) AddNode(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	check.Assertf(c.nodes[id] == nil, "fake.AddNode: duplicate node %s", id)

	n := &Node{
		ID:      id,
		Tasks:   mailbox.NewRegistry(id),
		Store:   registry.NewStore(),
		Events:  &EventRecorder{},
		cluster: c,
		peerCh:  make(chan registry.PeerEvent, peerEventCapacity),
	}
	n.Scope = registry.NewScope(c.scope, id, n.Store, registry.Deps{
		Transport:  &nodeTransport{cluster: c, node: id},
		Liveness:   n.Tasks,
		Delivery:   n.Tasks,
		Events:     n.Events,
		Clock:      c.clock,
		PeerEvents: n.peerCh,
	})
	c.nodes[id] = n
	c.order = append(c.order, id)
	return n
}

// Start runs every node's scope task and delivers pairwise peer-up
// events, simulating a cluster that is already connected.
func (c *Cluster) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.mu.Lock()
	nodes := make([]*Node, 0, len(c.order))
	for _, id := range c.order {
		nodes = append(nodes, c.nodes[id])
	}
	c.mu.Unlock()

	for _, n := range nodes {
		c.wg.Add(1)
		go func(n *Node) {
			defer c.wg.Done()
			_ = n.Scope.Run(ctx)
		}(n)
	}
	for _, a := range nodes {
		for _, b := range nodes {
			if a.ID != b.ID {
				a.peerCh <- registry.PeerEvent{Node: b.ID, Up: true}
			}
		}
	}
}

// Stop cancels every scope task and waits for them to exit.
func (c *Cluster) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Node returns a registered node.
func (c *Cluster) Node(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

// Drain synchronously delivers queued fire-and-forget sends in FIFO
// order, preserving per-node delivery order. Sends queued by the
// deliveries themselves are drained too.
func (c *Cluster) Drain() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		s := c.pending[0]
		c.pending = c.pending[1:]
		target := c.nodes[s.to]
		dropped := c.blocked[link{from: s.from, to: s.to}]
		c.mu.Unlock()

		if target == nil || dropped {
			continue
		}
		_, _ = target.Scope.HandleMessage(context.Background(), s.env)
	}
}

// Disconnect blocks the link in both directions and delivers peer-down
// to both sides, simulating a partition.
func (c *Cluster) Disconnect(a, b string) {
	c.mu.Lock()
	c.blocked[link{from: a, to: b}] = true
	c.blocked[link{from: b, to: a}] = true
	na, nb := c.nodes[a], c.nodes[b]
	c.mu.Unlock()

	na.peerCh <- registry.PeerEvent{Node: b, Up: false}
	nb.peerCh <- registry.PeerEvent{Node: a, Up: false}
}

// Reconnect unblocks the link and delivers peer-up to both sides,
// triggering anti-entropy.
func (c *Cluster) Reconnect(a, b string) {
	c.mu.Lock()
	delete(c.blocked, link{from: a, to: b})
	delete(c.blocked, link{from: b, to: a})
	na, nb := c.nodes[a], c.nodes[b]
	c.mu.Unlock()

	na.peerCh <- registry.PeerEvent{Node: b, Up: true}
	nb.peerCh <- registry.PeerEvent{Node: a, Up: true}
}

// PeerDown delivers a one-sided peer-down to node about peer, without
// blocking links. For testing asymmetric observations.
func (c *Cluster) PeerDown(node, peer string) {
	c.Node(node).peerCh <- registry.PeerEvent{Node: peer, Up: false}
}

// nodeTransport implements registry.Transport for one simulated node.
type nodeTransport struct {
	cluster *Cluster
	node    string
}

var _ registry.Transport = (*nodeTransport)(nil)

func (t *nodeTransport) Call(ctx context.Context, node string, env registry.Envelope) (registry.Envelope, error) {
	c := t.cluster
	c.mu.Lock()
	target := c.nodes[node]
	dropped := c.blocked[link{from: t.node, to: node}]
	c.mu.Unlock()

	if target == nil || dropped {
		return registry.Envelope{}, fmt.Errorf("node %s unreachable", node)
	}
	return target.Scope.HandleMessage(ctx, env)
}

func (t *nodeTransport) Send(node string, env registry.Envelope) error {
	c := t.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodes[node] == nil {
		return fmt.Errorf("node %s unknown", node)
	}
	c.pending = append(c.pending, send{from: t.node, to: node, env: env})
	return nil
}

func (t *nodeTransport) Broadcast(env registry.Envelope, except ...string) error {
	skip := make(map[string]bool, len(except)+1)
	skip[t.node] = true
	for _, e := range except {
		skip[e] = true
	}

	c := t.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if skip[id] || c.blocked[link{from: t.node, to: id}] {
			continue
		}
		c.pending = append(c.pending, send{from: t.node, to: id, env: env})
	}
	return nil
}

func (t *nodeTransport) Peers() []string {
	c := t.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, id := range c.order {
		if id != t.node && !c.blocked[link{from: t.node, to: id}] {
			out = append(out, id)
		}
	}
	return out
}
