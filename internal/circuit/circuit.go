// Package circuit implements the Dependency Gates component (C1): a
// per-dependency circuit breaker that wraps every outgoing call to the
// Flowise gateway, the embedder, and the vector index, refusing calls
// once a dependency is known unhealthy.
//
// The state machine is deliberately small and mutex-protected rather
// than goroutine-per-dependency, since all circuit transitions are
// in-process and brief.
package circuit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/flowisemcp/internal/clock"
	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/corefail"
)

// Defaults, overridable via Config.
const (
	DefaultFailureThreshold = 3
	DefaultOpenDuration     = 5 * time.Minute
)

// Config tunes the breaker; zero values fall back to the defaults above.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	// Disabled lists dependencies that should never open (e.g. a
	// purely local vector store); calls are always attempted and
	// failures are still logged but never gate subsequent calls.
	Disabled map[core.Dependency]bool
}

// Snapshotter persists and restores circuit state across restarts.
type Snapshotter interface {
	SaveCircuitState(ctx context.Context, state core.CircuitState) error
	LoadCircuitStates(ctx context.Context) (map[core.Dependency]core.CircuitState, error)
}

// Gate is the Dependency Gates component. One Gate instance protects
// all three external dependencies.
type Gate struct {
	clock  clock.Clock
	cfg    Config
	snap   Snapshotter
	mu     sync.Mutex
	states map[core.Dependency]*core.CircuitState
}

// New creates a Gate. snap may be nil to disable on-disk persistence
// (e.g. in tests).
func New(clk clock.Clock, cfg Config, snap Snapshotter) *Gate {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultOpenDuration
	}

	g := &Gate{
		clock:  clk,
		cfg:    cfg,
		snap:   snap,
		states: make(map[core.Dependency]*core.CircuitState),
	}

	for _, dep := range []core.Dependency{core.DependencyGateway, core.DependencyEmbedder, core.DependencyVectorIndex} {
		g.states[dep] = &core.CircuitState{Dependency: dep, Phase: core.PhaseClosed}
	}

	return g
}

// Restore loads persisted circuit state at startup, if a Snapshotter was
// configured. Missing or unreadable snapshots leave the breaker Closed.
func (g *Gate) Restore(ctx context.Context) error {
	if g.snap == nil {
		return nil
	}

	states, err := g.snap.LoadCircuitStates(ctx)
	if err != nil {
		slog.Warn("circuit: failed to load persisted state, starting closed", "error", err)
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for dep, st := range states {
		stCopy := st
		g.states[dep] = &stCopy
	}
	return nil
}

// ErrValidation marks a failure that must never affect circuit state.
// Attempt functions wrap business/validation errors with this so Call
// can distinguish them from transport failures.
var ErrValidation = errors.New("validation failure, not counted against circuit")

// Attempt is an idempotent unit of work gated by the circuit. It
// returns ErrValidation-wrapped errors for business/4xx-class failures
// (never counted against the circuit) and any other error for
// transport-class failures (network, timeout, 5xx).
type Attempt[T any] func(ctx context.Context) (T, error)

// Call gates f behind dep's circuit breaker and returns f's result, a
// CircuitOpen error, or a Transport/Validation error translated from
// f's own return.
func Call[T any](ctx context.Context, g *Gate, dep core.Dependency, f Attempt[T]) (T, error) {
	var zero T

	admitted, retryAfter := g.admit(dep)
	if !admitted {
		return zero, &corefail.CircuitOpen{Dependency: string(dep), RetryAfter: retryAfter}
	}

	result, err := f(ctx)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			g.recordSuccess(ctx, dep) // validation resets failure_count like success
			return zero, err
		}
		g.recordFailure(ctx, dep)
		return zero, &corefail.Transport{Dependency: string(dep), Err: err}
	}

	g.recordSuccess(ctx, dep)
	return result, nil
}

// admit decides whether a call to dep may proceed right now, performing
// the Open->HalfOpen transition as a side effect when the open duration
// has elapsed. Returns (false, retryAfter) when the call must be rejected.
func (g *Gate) admit(dep core.Dependency) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.Disabled[dep] {
		return true, 0
	}

	st := g.states[dep]
	now := g.clock.Now()

	switch st.Phase {
	case core.PhaseClosed:
		return true, 0
	case core.PhaseHalfOpen:
		// A probe is already outstanding; half-open admits exactly one
		// probe request. Subsequent concurrent callers are rejected
		// until the probe resolves.
		return false, 0
	case core.PhaseOpen:
		retryAt := st.OpenedAt.Add(g.cfg.OpenDuration)
		if now.Before(retryAt) {
			return false, retryAt.Sub(now)
		}
		st.Phase = core.PhaseHalfOpen
		slog.Info("circuit half-open, admitting probe", "dependency", dep)
		return true, 0
	default:
		return true, 0
	}
}

func (g *Gate) recordSuccess(ctx context.Context, dep core.Dependency) {
	g.mu.Lock()
	st := g.states[dep]
	prevPhase := st.Phase
	st.Phase = core.PhaseClosed
	st.FailureCount = 0
	snapshot := *st
	g.mu.Unlock()

	if prevPhase != core.PhaseClosed {
		slog.Info("circuit closed", "dependency", dep, "reason", "success")
	}
	g.persist(ctx, snapshot)
}

func (g *Gate) recordFailure(ctx context.Context, dep core.Dependency) {
	g.mu.Lock()
	st := g.states[dep]
	now := g.clock.Now()
	st.LastFailureAt = now

	if g.cfg.Disabled[dep] {
		snapshot := *st
		g.mu.Unlock()
		slog.Warn("circuit disabled for dependency, failure not counted", "dependency", dep)
		g.persist(ctx, snapshot)
		return
	}

	switch st.Phase {
	case core.PhaseHalfOpen:
		st.Phase = core.PhaseOpen
		st.OpenedAt = now
	case core.PhaseClosed:
		st.FailureCount++
		if st.FailureCount >= g.cfg.FailureThreshold {
			st.Phase = core.PhaseOpen
			st.OpenedAt = now
			st.FailureCount = 0
		}
	case core.PhaseOpen:
		// already open; nothing to change beyond LastFailureAt
	}
	snapshot := *st
	g.mu.Unlock()

	slog.Warn("circuit recorded failure", "dependency", dep, "phase", snapshot.Phase, "failure_count", snapshot.FailureCount)
	g.persist(ctx, snapshot)
}

func (g *Gate) persist(ctx context.Context, st core.CircuitState) {
	if g.snap == nil {
		return
	}
	if err := g.snap.SaveCircuitState(ctx, st); err != nil {
		slog.Warn("circuit: failed to persist state", "dependency", st.Dependency, "error", err)
	}
}

// Reset forces dep back to Closed, regardless of its current phase.
func (g *Gate) Reset(ctx context.Context, dep core.Dependency) {
	g.mu.Lock()
	st := g.states[dep]
	st.Phase = core.PhaseClosed
	st.FailureCount = 0
	snapshot := *st
	g.mu.Unlock()

	slog.Info("circuit reset by operator", "dependency", dep)
	g.persist(ctx, snapshot)
}

// Status returns the current state of every dependency in O(1), for the
// get_system_health operation.
func (g *Gate) Status() map[core.Dependency]core.CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[core.Dependency]core.CircuitState, len(g.states))
	for dep, st := range g.states {
		out[dep] = *st
	}
	return out
}

// RetryAfter returns how long until dep would next admit a call, or
// zero if it would admit one now.
func (g *Gate) RetryAfter(dep core.Dependency) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.states[dep]
	if st.Phase != core.PhaseOpen {
		return 0
	}
	retryAt := st.OpenedAt.Add(g.cfg.OpenDuration)
	now := g.clock.Now()
	if now.After(retryAt) {
		return 0
	}
	return retryAt.Sub(now)
}
