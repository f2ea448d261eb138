// Package store defines the persistence interfaces the core depends on
// and selects a concrete backend from configuration (postgres vs sqlite
// vs memory).
package store

import (
	"context"
	"errors"

	"github.com/rakunlabs/flowisemcp/internal/catalog"
	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/config"
	"github.com/rakunlabs/flowisemcp/internal/store/memory"
	"github.com/rakunlabs/flowisemcp/internal/store/postgres"
	"github.com/rakunlabs/flowisemcp/internal/store/sqlite3"
)

// Storer combines every persistence interface the core needs, plus a
// Close method for clean process shutdown.
type Storer interface {
	catalog.GenerationStorer
	circuit.Snapshotter
	Close()
}

// New selects a backend from cfg: postgres when cfg.Postgres is set
// (it takes precedence if both are set), sqlite when only cfg.SQLite is
// set, otherwise an in-memory store (data
// does not survive restarts — fine for this single-user, no-HA tool).
func New(ctx context.Context, cfg config.Store) (Storer, error) {
	switch {
	case cfg.Postgres != nil:
		return postgres.New(ctx, cfg.Postgres)
	case cfg.SQLite != nil:
		return sqlite3.New(ctx, cfg.SQLite)
	default:
		return memory.New(), nil
	}
}

// ErrNotFound is a sentinel for an absent record. No backend returns it
// at present: LoadLatestGeneration reports "no generation yet" as a nil
// generation with a nil error.
var ErrNotFound = errors.New("not found")
