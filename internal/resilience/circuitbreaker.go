// Package resilience guards calls to the remote session-start endpoint.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). When
// the negotiation endpoint keeps failing, new calls fail fast with
// [ErrCircuitOpen] instead of each waiting out the full negotiation timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker]. Zero values select defaults.
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close the
	// breaker. Default: 1.
	Probes int
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	probeWins int
}

// New creates a [Breaker] from cfg.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		now:         time.Now,
	}
}

// Do runs fn when the breaker admits the call. Cancellation of ctx is the
// caller's decision and is never counted against the endpoint: if fn fails
// after ctx is done the breaker state does not change.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
	}
	switch {
	case err == nil:
		b.succeeded(probe)
	case ctx.Err() != nil:
	default:
		b.failed(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeWins = 0
		slog.Info("circuit breaker half-open", "name", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.probeWins >= b.probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

// failed must be called with b.mu held.
func (b *Breaker) failed(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.trip("probe failed")
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.trip("consecutive failures")
	}
}

// succeeded must be called with b.mu held.
func (b *Breaker) succeeded(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.probeWins++
	if b.probeWins >= b.probes {
		b.state = StateClosed
		b.failures = 0
		b.probeWins = 0
		slog.Info("circuit breaker closed", "name", b.name)
	}
}

// trip must be called with b.mu held.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probeWins = 0
	slog.Warn("circuit breaker opened", "name", b.name, "reason", reason, "failures", b.failures)
}

// State returns the current state. An open breaker whose cool-down has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeWins = 0
	slog.Info("circuit breaker reset", "name", b.name)
}
