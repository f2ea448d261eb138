// Package postgres is the postgres-backed Storer: pgx driver, goqu
// query builder, muz migrations, shared connection pool tuning.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/flowisemcp/internal/config"
	"github.com/rakunlabs/flowisemcp/internal/core"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "flowisemcp_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableGenerations       exp.IdentifierExpression
	tableCurrentGeneration exp.IdentifierExpression
	tableCircuitStates     exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.StorePostgres) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	connMaxLifetime := ConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}
	maxIdleConns := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdleConns = *cfg.MaxIdleConns
	}
	maxOpenConns := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpenConns = *cfg.MaxOpenConns
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                     db,
		goqu:                   dbGoqu,
		tableGenerations:       goqu.T(tablePrefix + "generations"),
		tableCurrentGeneration: goqu.T(tablePrefix + "current_generation"),
		tableCircuitStates:     goqu.T(tablePrefix + "circuit_states"),
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// ─── Catalog generations ───

func (p *Postgres) SaveGeneration(ctx context.Context, gen core.CatalogGeneration) error {
	payload, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin generation tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertQuery, insertArgs, err := p.goqu.Insert(p.tableGenerations).Rows(goqu.Record{
		"id":                   gen.GenerationID,
		"fetched_at":           gen.FetchedAt.UTC(),
		"flowise_version_hint": gen.FlowiseVersionHint,
		"payload":              string(payload),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}

	pointerQuery, pointerArgs, err := p.goqu.Insert(p.tableCurrentGeneration).Rows(goqu.Record{
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

func (p *Postgres) LoadLatestGeneration(ctx context.Context) (*core.CatalogGeneration, error) {
	query, args, err := p.goqu.From(p.tableGenerations.As("g")).
		Select("g.payload").
		InnerJoin(p.tableCurrentGeneration.As("cur"), goqu.On(goqu.I("g.id").Eq(goqu.I("cur.generation_id")))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build load generation query: %w", err)
	}

	var payload string
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
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

func (p *Postgres) SaveCircuitState(ctx context.Context, state core.CircuitState) error {
	record := goqu.Record{
		"dependency":      string(state.Dependency),
		"phase":           string(state.Phase),
		"failure_count":   state.FailureCount,
		"opened_at":       nullTime(state.OpenedAt),
		"last_failure_at": nullTime(state.LastFailureAt),
	}

	query, args, err := p.goqu.Insert(p.tableCircuitStates).Rows(record).
		OnConflict(goqu.DoUpdate("dependency", record)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build circuit upsert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save circuit state: %w", err)
	}
	return nil
}

func (p *Postgres) LoadCircuitStates(ctx context.Context) (map[core.Dependency]core.CircuitState, error) {
	query, args, err := p.goqu.From(p.tableCircuitStates).
		Select("dependency", "phase", "failure_count", "last_failure_at", "opened_at").
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build circuit select: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
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
