// Package memory is the in-memory Storer backend, selected when no
// sqlite or postgres configuration is supplied. State does not survive
// a restart; acceptable for this single-user, no-HA tool, matching the
// fallback for local/dev use and for tests.
package memory

import (
	"context"
	"sync"

	"github.com/rakunlabs/flowisemcp/internal/core"
)

// Memory is a mutex-protected, in-process Storer.
type Memory struct {
	mu       sync.Mutex
	current  *core.CatalogGeneration
	circuits map[core.Dependency]core.CircuitState
}

// New constructs an empty Memory store.
func New() *Memory {
	return &Memory{circuits: make(map[core.Dependency]core.CircuitState)}
}

func (m *Memory) SaveGeneration(_ context.Context, gen core.CatalogGeneration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := gen
	m.current = &g
	return nil
}

func (m *Memory) LoadLatestGeneration(_ context.Context) (*core.CatalogGeneration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, nil
	}
	g := *m.current
	return &g, nil
}

func (m *Memory) SaveCircuitState(_ context.Context, state core.CircuitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuits[state.Dependency] = state
	return nil
}

func (m *Memory) LoadCircuitStates(_ context.Context) (map[core.Dependency]core.CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[core.Dependency]core.CircuitState, len(m.circuits))
	for dep, st := range m.circuits {
		out[dep] = st
	}
	return out, nil
}

func (m *Memory) Close() {}
