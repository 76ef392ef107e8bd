// Package ntp watches the local clock's NTP offset. Registry ordering
// is last-writer-wins on owner-assigned wall-clock stamps; skew between
// nodes never corrupts a single member's sequence, but it skews
// cross-member ordering observations, so a drifting clock is worth a
// loud signal.
package ntp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"herd/internal/check"
	"herd/internal/logging"
	"herd/internal/registry"
)

const (
	defaultPool     = "pool.ntp.org"
	defaultInterval = 60 * time.Second
	// defaultThreshold is 500ms: well under any realistic group-event
	// spacing, well over NTP jitter.
	defaultThreshold = 500 * time.Millisecond
)

// Phase is the checker's view of local clock health.
type Phase uint8

const (
	PhaseUnchecked Phase = iota + 1
	PhaseHealthy
	PhaseSkewed
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseUnchecked:
		return "unchecked"
	case PhaseHealthy:
		return "healthy"
	case PhaseSkewed:
		return "skewed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the latest probe result.
type Status struct {
	Offset    time.Duration
	Phase     Phase
	Error     string
	CheckedAt time.Time
}

// Checker probes an NTP pool on an interval and warns on skew
// transitions.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     registry.Clock
	log       *slog.Logger

	// QueryFunc overrides the network probe in tests.
	QueryFunc func() (time.Duration, error)
}

func NewChecker(clock registry.Clock) *Checker {
	check.Assert(clock != nil, "ntp.NewChecker: clock must not be nil")
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		status:    Status{Phase: PhaseUnchecked},
		clock:     clock,
		log:       logging.Component("ntp"),
	}
}

// Run probes once immediately, then on the interval, until ctx is
// cancelled.
func (n *Checker) Run(ctx context.Context) {
	n.probe()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.probe()
		}
	}
}

func (n *Checker) probe() {
	offset, err := n.query()

	n.mu.Lock()
	prev := n.status.Phase
	now := n.clock.Now()
	if err != nil {
		n.status = Status{Error: err.Error(), Phase: PhaseError, CheckedAt: now}
	} else {
		phase := PhaseSkewed
		if offset.Abs() < n.threshold {
			phase = PhaseHealthy
		}
		n.status = Status{Offset: offset, Phase: phase, CheckedAt: now}
	}
	status := n.status
	n.mu.Unlock()

	if status.Phase == PhaseSkewed && prev != PhaseSkewed {
		n.log.Warn("local clock skewed, cross-member event ordering may look wrong on peers",
			"offset", status.Offset, "threshold", n.threshold)
	}
	if status.Phase == PhaseHealthy && prev == PhaseSkewed {
		n.log.Info("local clock back within threshold", "offset", status.Offset)
	}
}

func (n *Checker) query() (time.Duration, error) {
	if n.QueryFunc != nil {
		return n.QueryFunc()
	}
	resp, err := ntp.Query(n.pool)
	if err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Status returns the latest probe result.
func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
