package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"herd"
	"herd/internal/check"
	"herd/internal/logging"
)

const (
	// defaultCallTimeout bounds owner-routing RPCs when the caller's
	// context has no deadline of its own.
	defaultCallTimeout = 5 * time.Second
	// opQueueCapacity is 64: enough to absorb a burst of incoming syncs
	// without stalling transport handler goroutines.
	opQueueCapacity = 64
	// deathQueueCapacity is 64: a monitor fires once per subscription,
	// so this only needs to cover a burst of simultaneous exits.
	deathQueueCapacity = 64
)

// Deps are the external collaborators of a scope. Transport, Liveness
// and Delivery are ports; Events receives lifecycle callbacks.
type Deps struct {
	Transport  Transport
	Liveness   Liveness
	Delivery   Delivery
	Events     herd.EventHandler
	Clock      Clock
	PeerEvents <-chan PeerEvent

	// CallTimeout bounds owner-routing RPCs. Zero means
	// defaultCallTimeout.
	CallTimeout time.Duration
}

// Scope is one named registry instance on one node. All index
// mutations, monitor subscriptions and peer broadcasts serialize
// through the scope task (Run); queries read the store directly.
type Scope struct {
	name  string
	self  string
	store *Store
	deps  Deps
	log   *slog.Logger

	ops    chan op
	deaths chan Death

	// peers is written only by the scope task; the mutex exists for
	// off-task snapshots (status surfaces).
	peersMu sync.RWMutex
	peers   map[string]struct{}

	pending *replyTable

	runMu  sync.Mutex
	closed chan struct{} // nil until Run starts; closed when Run exits
}

type op struct {
	fn   func()
	done chan struct{}
}

// NewScope builds a scope over an externally owned store. The store
// outlives the scope task, so a restarted task finds the previous
// run's local entries and rebuilds monitors over them.
func NewScope(name, self string, store *Store, deps Deps) *Scope {
	check.Assert(name != "", "NewScope: name must not be empty")
	check.Assert(self != "", "NewScope: self must not be empty")
	check.Assert(store != nil, "NewScope: store must not be nil")
	check.Assert(deps.Transport != nil, "NewScope: Transport must not be nil")
	check.Assert(deps.Liveness != nil, "NewScope: Liveness must not be nil")
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Events == nil {
		deps.Events = herd.NopHandler{}
	}
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = defaultCallTimeout
	}
	return &Scope{
		name:    name,
		self:    self,
		store:   store,
		deps:    deps,
		log:     logging.Component("scope", "scope", name, "node", self),
		ops:     make(chan op, opQueueCapacity),
		deaths:  make(chan Death, deathQueueCapacity),
		peers:   make(map[string]struct{}),
		pending: newReplyTable(),
	}
}

// Name returns the scope name.
func (s *Scope) Name() string { return s.name }

// Self returns the local node ID.
func (s *Scope) Self() string { return s.self }

// Run executes the scope task until ctx is cancelled. On entry it
// performs the restart init: purge remote entries (their timestamps are
// suspect after a restart) and rebuild monitors over surviving local
// entries. Remote state repopulates through peer-up anti-entropy.
func (s *Scope) Run(ctx context.Context) error {
	s.runMu.Lock()
	s.closed = make(chan struct{})
	closed := s.closed
	s.runMu.Unlock()
	defer close(closed)

	s.initTask()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-s.ops:
			o.fn()
			close(o.done)
		case d := <-s.deaths:
			s.handleDeath(d)
		case ev, ok := <-s.deps.PeerEvents:
			if !ok {
				s.log.Warn("peer event channel closed")
				<-ctx.Done()
				return ctx.Err()
			}
			s.handlePeerEvent(ctx, ev)
		}
	}
}

func (s *Scope) initTask() {
	// Purge every entry not owned by this node.
	purged := 0
	for _, g := range s.store.GroupNames("") {
		for _, mi := range s.store.MembersOf(g) {
			if mi.Member.Node != s.self {
				s.store.Remove(g, mi.Member)
				purged++
			}
		}
	}

	// Rebuild monitors for surviving local entries; drop dead members.
	seen := make(map[herd.Member]bool)
	for _, g := range s.store.GroupNames("") {
		for _, mi := range s.store.MembersOf(g) {
			seen[mi.Member] = true
		}
	}
	for m := range seen {
		if s.deps.Liveness.Alive(m) {
			ref, err := s.deps.Liveness.Monitor(m, s.deaths)
			if err != nil {
				s.dropDeadOnInit(m)
				continue
			}
			s.store.SetWatch(m, ref)
			continue
		}
		s.dropDeadOnInit(m)
	}

	s.peersMu.Lock()
	s.peers = make(map[string]struct{})
	s.peersMu.Unlock()

	if purged > 0 || len(seen) > 0 {
		s.log.Info("scope task initialized", "purged_remote", purged, "local_members", len(seen))
	}
}

func (s *Scope) dropDeadOnInit(m herd.Member) {
	for _, e := range s.store.GroupsOf(m) {
		s.store.Remove(e.Group, e.Member)
		s.deps.Events.ProcessLeft(s.name, e.Group, e.Member, e.Meta, herd.Undefined())
	}
}

// do runs fn on the scope task and waits for it to complete.
func (s *Scope) do(ctx context.Context, fn func()) error {
	s.runMu.Lock()
	closed := s.closed
	s.runMu.Unlock()
	if closed == nil {
		// Run not started yet: ops queue until it does.
		closed = make(chan struct{})
	} else {
		select {
		case <-closed:
			return fmt.Errorf("scope %s: %w", s.name, herd.ErrInvalidScope)
		default:
		}
	}

	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-closed:
		return fmt.Errorf("scope %s: %w", s.name, herd.ErrInvalidScope)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-o.done:
		return nil
	case <-closed:
		return fmt.Errorf("scope %s: %w", s.name, herd.ErrInvalidScope)
	}
}

// nextStamp assigns the owner timestamp for (group, m): wall clock,
// bumped past the stored stamp so the per-member sequence is strictly
// increasing even under clock retreat.
func (s *Scope) nextStamp(prev int64) int64 {
	t := s.deps.Clock.Now().UnixNano()
	if t <= prev {
		t = prev + 1
	}
	return t
}

func (s *Scope) peerUp(node string) bool {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	_, ok := s.peers[node]
	return ok
}

// Peers returns a snapshot of the current peer set.
func (s *Scope) Peers() []string {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}
