// Package sqlite3 is the sqlite-backed Storer: goqu over database/sql,
// muz migration bootstrap, single-writer pragma tuning. It persists
// CatalogGeneration snapshots (a generation row table plus a singleton
// pointer row) and CircuitState snapshots.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/flowisemcp/internal/config"
	"github.com/rakunlabs/flowisemcp/internal/core"
)

var DefaultTablePrefix = "flowisemcp_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableGenerations       exp.IdentifierExpression
	tableCurrentGeneration exp.IdentifierExpression
	tableCircuitStates     exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:                     db,
		goqu:                   dbGoqu,
		tableGenerations:       goqu.T(tablePrefix + "generations"),
		tableCurrentGeneration: goqu.T(tablePrefix + "current_generation"),
		tableCircuitStates:     goqu.T(tablePrefix + "circuit_states"),
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// ─── Catalog generations ───

// SaveGeneration persists gen and swaps the current-generation pointer
// inside one transaction: readers never observe a generation row
// without its pointer, nor a pointer without its row.
func (s *SQLite) SaveGeneration(ctx context.Context, gen core.CatalogGeneration) error {
	payload, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin generation tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertQuery, insertArgs, err := s.goqu.Insert(s.tableGenerations).Rows(goqu.Record{
		"id":                   gen.GenerationID,
		"fetched_at":           gen.FetchedAt.UTC().Format(time.RFC3339Nano),
		"flowise_version_hint": gen.FlowiseVersionHint,
		"payload":              string(payload),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}

	pointerQuery, pointerArgs, err := s.goqu.Insert(s.tableCurrentGeneration).Rows(goqu.Record{
		"id":            1,
		"generation_id": gen.GenerationID,
	}).OnConflict(goqu.DoUpdate("id", goqu.Record{"generation_id": gen.GenerationID})).ToSQL()
	if err != nil {
		return fmt.Errorf("build pointer swap: %w", err)
	}
	if _, err := tx.ExecContext(ctx, pointerQuery, pointerArgs...); err != nil {
		return fmt.Errorf("swap generation pointer: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite) LoadLatestGeneration(ctx context.Context) (*core.CatalogGeneration, error) {
	query, args, err := s.goqu.From(s.tableGenerations.As("g")).
		Select("g.payload").
		InnerJoin(s.tableCurrentGeneration.As("cur"), goqu.On(goqu.I("g.id").Eq(goqu.I("cur.generation_id")))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build load generation query: %w", err)
	}

	var payload string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load current generation: %w", err)
	}

	var gen core.CatalogGeneration
	if err := json.Unmarshal([]byte(payload), &gen); err != nil {
		return nil, fmt.Errorf("unmarshal generation: %w", err)
	}
	return &gen, nil
}

// ─── Circuit states ───

func (s *SQLite) SaveCircuitState(ctx context.Context, state core.CircuitState) error {
	record := goqu.Record{
		"dependency":      string(state.Dependency),
		"phase":           string(state.Phase),
		"failure_count":   state.FailureCount,
		"opened_at":       nullTime(state.OpenedAt),
		"last_failure_at": nullTime(state.LastFailureAt),
	}

	query, args, err := s.goqu.Insert(s.tableCircuitStates).Rows(record).
		OnConflict(goqu.DoUpdate("dependency", record)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build circuit upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save circuit state: %w", err)
	}
	return nil
}

func (s *SQLite) LoadCircuitStates(ctx context.Context) (map[core.Dependency]core.CircuitState, error) {
	query, args, err := s.goqu.From(s.tableCircuitStates).
		Select("dependency", "phase", "failure_count", "last_failure_at", "opened_at").
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build circuit select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load circuit states: %w", err)
	}
	defer rows.Close()

	out := make(map[core.Dependency]core.CircuitState)
	for rows.Next() {
		var dep, phase string
		var failureCount int
		var lastFailureAt, openedAt types.Null[types.Time]
		if err := rows.Scan(&dep, &phase, &failureCount, &lastFailureAt, &openedAt); err != nil {
			return nil, fmt.Errorf("scan circuit row: %w", err)
		}

		st := core.CircuitState{
			Dependency:   core.Dependency(dep),
			Phase:        core.CircuitPhase(phase),
			FailureCount: failureCount,
		}
		if lastFailureAt.Valid {
			st.LastFailureAt = lastFailureAt.V.Time
		}
		if openedAt.Valid {
			st.OpenedAt = openedAt.V.Time
		}
		out[st.Dependency] = st
	}
	return out, rows.Err()
}

func nullTime(t time.Time) types.Null[types.Time] {
	if t.IsZero() {
		return types.Null[types.Time]{}
	}
	return types.NewTimeNull(t.UTC())
}
