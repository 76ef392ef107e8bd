// Package scopes bootstraps the configured registry scopes on a node
// and keeps them running: it owns the per-scope stores (which outlive
// scope-task restarts), fans the peer-membership signal into every
// scope, and dispatches inbound envelopes by scope name.
package scopes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"herd"
	"herd/internal/check"
	"herd/internal/logging"
	"herd/internal/registry"
)

const (
	// restartDelay is 1s: a crashed scope task restarts quickly but a
	// hot crash loop cannot spin the CPU.
	restartDelay = 1 * time.Second
	// peerFanCapacity is 64: peer flaps are rare; the buffer only
	// smooths a thundering herd at startup.
	peerFanCapacity = 64
)

// Presence is the peer-membership signal: a snapshot of nodes currently
// up plus a stream of up/down transitions.
// Production: adapter/presence.Tracker (memberlist)
// Testing: a snapshot slice and a test-owned channel
type Presence interface {
	Subscribe(ctx context.Context) ([]string, <-chan registry.PeerEvent, error)
}

// Transport is the shared node transport: the outbound side every scope
// uses, plus inbound handler registration for dispatch.
// Production: transport/grpcpeer.Transport
type Transport interface {
	registry.Transport
	Handle(fn func(ctx context.Context, env registry.Envelope) (registry.Envelope, error))
}

// Config selects the scopes to run on this node.
type Config struct {
	Node        string
	Scopes      []string
	CallTimeout time.Duration
}

// Manager runs one scope task per configured scope.
type Manager struct {
	cfg       Config
	transport Transport
	presence  Presence
	liveness  registry.Liveness
	delivery  registry.Delivery
	events    herd.EventHandler
	clock     registry.Clock
	log       *slog.Logger

	mu     sync.RWMutex
	scopes map[string]*scopeRunner
	up     map[string]struct{}
}

type scopeRunner struct {
	scope  *registry.Scope
	store  *registry.Store
	peerCh chan registry.PeerEvent
}

// New wires a Manager. events may be nil; clock defaults to the real
// clock.
func New(cfg Config, transport Transport, presence Presence, liveness registry.Liveness, delivery registry.Delivery, events herd.EventHandler, clock registry.Clock) *Manager {
	check.Assert(cfg.Node != "", "scopes.New: node must not be empty")
	check.Assert(transport != nil, "scopes.New: transport must not be nil")
	check.Assert(presence != nil, "scopes.New: presence must not be nil")
	check.Assert(liveness != nil, "scopes.New: liveness must not be nil")

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		presence:  presence,
		liveness:  liveness,
		delivery:  delivery,
		events:    events,
		clock:     clock,
		log:       logging.Component("scopes", "node", cfg.Node),
		scopes:    make(map[string]*scopeRunner),
		up:        make(map[string]struct{}),
	}
	for _, name := range cfg.Scopes {
		r := &scopeRunner{
			store:  registry.NewStore(),
			peerCh: make(chan registry.PeerEvent, peerFanCapacity),
		}
		r.scope = registry.NewScope(name, cfg.Node, r.store, registry.Deps{
			Transport:   transport,
			Liveness:    liveness,
			Delivery:    delivery,
			Events:      events,
			Clock:       clock,
			PeerEvents:  r.peerCh,
			CallTimeout: cfg.CallTimeout,
		})
		m.scopes[name] = r
	}
	transport.Handle(m.handleEnvelope)
	return m
}

// Scope resolves a named scope or fails with herd.ErrInvalidScope.
func (m *Manager) Scope(name string) (*registry.Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.scopes[name]
	if !ok {
		return nil, fmt.Errorf("scope %q: %w", name, herd.ErrInvalidScope)
	}
	return r.scope, nil
}

// ScopeNames lists the scopes this node runs, for status surfaces.
func (m *Manager) ScopeNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.scopes))
	for name := range m.scopes {
		out = append(out, name)
	}
	return out
}

// Run blocks until ctx is cancelled, supervising every scope task and
// fanning peer events into each.
func (m *Manager) Run(ctx context.Context) error {
	snapshot, peerCh, err := m.presence.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe peer presence: %w", err)
	}

	var wg sync.WaitGroup
	m.mu.RLock()
	runners := make([]*scopeRunner, 0, len(m.scopes))
	for _, r := range m.scopes {
		runners = append(runners, r)
	}
	m.mu.RUnlock()

	for _, r := range runners {
		wg.Add(1)
		go func(r *scopeRunner) {
			defer wg.Done()
			m.superviseScope(ctx, r)
		}(r)
	}

	for _, peer := range snapshot {
		m.applyPeerEvent(registry.PeerEvent{Node: peer, Up: true})
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case ev, ok := <-peerCh:
			if !ok {
				wg.Wait()
				return fmt.Errorf("peer presence stream closed")
			}
			m.applyPeerEvent(ev)
		}
	}
}

// superviseScope restarts a failed scope task over its surviving store,
// replaying the current peer set so remote state repopulates through
// anti-entropy.
func (m *Manager) superviseScope(ctx context.Context, r *scopeRunner) {
	for {
		err := m.runScopeOnce(ctx, r)
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("scope task exited, restarting", "scope", r.scope.Name(), "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}

		m.mu.RLock()
		for peer := range m.up {
			pushPeerEvent(r.peerCh, registry.PeerEvent{Node: peer, Up: true})
		}
		m.mu.RUnlock()
	}
}

func (m *Manager) runScopeOnce(ctx context.Context, r *scopeRunner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scope task panic: %v", rec)
		}
	}()
	return r.scope.Run(ctx)
}

func (m *Manager) applyPeerEvent(ev registry.PeerEvent) {
	if ev.Node == m.cfg.Node {
		return
	}
	m.mu.Lock()
	if ev.Up {
		m.up[ev.Node] = struct{}{}
	} else {
		delete(m.up, ev.Node)
	}
	runners := make([]*scopeRunner, 0, len(m.scopes))
	for _, r := range m.scopes {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		pushPeerEvent(r.peerCh, ev)
	}
}

func pushPeerEvent(ch chan registry.PeerEvent, ev registry.PeerEvent) {
	select {
	case ch <- ev:
	default:
		slog.Warn("peer event dropped, scope task lagging", "peer", ev.Node, "up", ev.Up)
	}
}

func (m *Manager) handleEnvelope(ctx context.Context, env registry.Envelope) (registry.Envelope, error) {
	m.mu.RLock()
	r, ok := m.scopes[env.Scope]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn("envelope for unknown scope", "scope", env.Scope, "kind", env.Kind, "from", env.From)
		return registry.ErrorEnvelope(env.Scope, m.cfg.Node, herd.ErrInvalidScope), nil
	}
	return r.scope.HandleMessage(ctx, env)
}
