// Package config loads the server's configuration via chu: a tagged
// struct populated from an env file and environment variables. Only the
// local env/file loader is wired; remote secret-store loaders are out
// of scope for a single-user tool.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"
)

// Service identifies this build for telemetry/log attribution, set
// from main's name+version.
var Service = ""

// Config is the full configuration surface of the server.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server    ServerConfig    `cfg:"server"`
	Gateway   Gateway         `cfg:"gateway"`
	Catalog   CatalogConfig   `cfg:"catalog"`
	Circuit   CircuitConfig   `cfg:"circuit"`
	Search    SearchConfig    `cfg:"search"`
	Layout    LayoutConfig    `cfg:"layout"`
	Embedder  EmbedderConfig  `cfg:"embedder"`
	Store     Store           `cfg:"store"`
	Templates TemplatesConfig `cfg:"templates"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// ServerConfig selects the MCP transport: newline-delimited JSON-RPC on
// stdio (the transport an MCP client launches as a subprocess) or an
// HTTP endpoint on Addr.
type ServerConfig struct {
	Stdio bool   `cfg:"stdio"`
	Addr  string `cfg:"addr" default:"localhost:8465"`
}

// Gateway configures the Flowise HTTP API client.
type Gateway struct {
	BaseURL string `cfg:"base_url"`
	APIKey  string `cfg:"api_key" log:"-"`
	// TimeoutS is the per-request timeout in seconds.
	TimeoutS int `cfg:"timeout_s" default:"60"`
}

func (g Gateway) Timeout() time.Duration { return time.Duration(g.TimeoutS) * time.Second }

// CatalogConfig configures the Catalog Cache (C2).
type CatalogConfig struct {
	// StalenessS is how old (in seconds) a generation may get before
	// ensure_fresh triggers a refresh.
	StalenessS int `cfg:"staleness_s" default:"86400"`
}

func (c CatalogConfig) Staleness() time.Duration { return time.Duration(c.StalenessS) * time.Second }

// CircuitConfig configures the Dependency Gates (C1).
type CircuitConfig struct {
	FailureThreshold int `cfg:"failure_threshold" default:"3"`
	OpenDurationS    int `cfg:"open_duration_s" default:"300"`
	// DisabledDeps lets the operator exclude a purely local dependency
	// (e.g. an embedded vector store) from circuit protection.
	DisabledDeps []string `cfg:"disabled_deps"`
}

func (c CircuitConfig) OpenDuration() time.Duration {
	return time.Duration(c.OpenDurationS) * time.Second
}

// SearchConfig configures the Semantic Index's (C3) default ranking
// parameters.
type SearchConfig struct {
	DefaultMaxResults    int     `cfg:"default_max_results" default:"5"`
	DefaultMinSimilarity float64 `cfg:"default_min_similarity" default:"0.7"`
}

// LayoutConfig configures the Chatflow Construction Engine's (C4) canvas
// layout spacing.
type LayoutConfig struct {
	ColumnSpacing float64 `cfg:"column_spacing" default:"300"`
	RowSpacing    float64 `cfg:"row_spacing" default:"200"`
}

// EmbedderConfig configures the Embedder capability.
type EmbedderConfig struct {
	ModelID string `cfg:"model_id" default:"text-embedding-3-small"`
	BaseURL string `cfg:"base_url"`
	APIKey  string `cfg:"api_key" log:"-"`
}

// TemplatesConfig points at the curated FlowTemplate library on disk.
type TemplatesConfig struct {
	Dir string `cfg:"dir" default:"./templates"`
}

// Store selects and configures the persistence backend.
type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// VectorIndex configures the milvus-backed semantic index store,
	// independent of which relational backend holds catalog/circuit state.
	VectorIndex VectorIndexConfig `cfg:"vector_index"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource" default:"./flowisemcp.db"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// VectorIndexConfig configures the milvus client backing the Semantic
// Index (C3).
type VectorIndexConfig struct {
	Address  string `cfg:"address" default:"localhost:19530"`
	Username string `cfg:"username" log:"-"`
	Password string `cfg:"password" log:"-"`
	// Dimension is the embedding vector width; must match EmbedderConfig's model.
	Dimension int `cfg:"dimension" default:"1536"`
}

// Load reads configuration for the named service using chu's env/file
// loader chain.
func Load(ctx context.Context, name string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, name, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("FLOWISEMCP_")))); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
