package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/flowisemcp/internal/catalog"
	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/clock"
	"github.com/rakunlabs/flowisemcp/internal/config"
	"github.com/rakunlabs/flowisemcp/internal/construct"
	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/embedder/langchain"
	"github.com/rakunlabs/flowisemcp/internal/flowise"
	"github.com/rakunlabs/flowisemcp/internal/mcpserver"
	"github.com/rakunlabs/flowisemcp/internal/semantic"
	"github.com/rakunlabs/flowisemcp/internal/store"
	"github.com/rakunlabs/flowisemcp/internal/template"
	"github.com/rakunlabs/flowisemcp/internal/vectorindex/milvus"
	"github.com/rakunlabs/flowisemcp/pkg/mcp"
)

var (
	name    = "flowisemcp"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is not configured")
	}

	storer, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer storer.Close()

	gatewayClient, err := flowise.New(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout())
	if err != nil {
		return fmt.Errorf("failed to create flowise client: %w", err)
	}

	embedderClient, err := langchain.New(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	vectorIndex, err := milvus.New(ctx, cfg.Store.VectorIndex)
	if err != nil {
		return fmt.Errorf("failed to connect to vector index: %w", err)
	}
	defer vectorIndex.Close()

	clk := clock.Real{}

	disabled := make(map[core.Dependency]bool, len(cfg.Circuit.DisabledDeps))
	for _, dep := range cfg.Circuit.DisabledDeps {
		disabled[core.Dependency(dep)] = true
	}

	gate := circuit.New(clk, circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		OpenDuration:     cfg.Circuit.OpenDuration(),
		Disabled:         disabled,
	}, storer)
	if err := gate.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore circuit state: %w", err)
	}

	index := semantic.New(gate, embedderClient, vectorIndex, cfg.Search.DefaultMaxResults, cfg.Search.DefaultMinSimilarity)

	cache := catalog.New(clk, gate, gatewayClient, storer, index, cfg.Catalog.Staleness())
	if err := cache.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore catalog: %w", err)
	}

	templates, err := template.Load(cfg.Templates.Dir)
	if err != nil {
		return fmt.Errorf("failed to load template library: %w", err)
	}

	if err := index.IndexTemplates(ctx, templates.All()); err != nil {
		// Template search degrades until the next successful indexing
		// pass; node search and build_flow are unaffected.
		slog.Warn("failed to index templates at startup", "error", err)
	}

	engine := construct.New(clk, gate, cache, templates, gatewayClient, cfg.Layout.ColumnSpacing, cfg.Layout.RowSpacing)

	m := mcp.New(name, version)
	mcpserver.New(clk, gate, cache, index, engine, vectorIndex, cfg.Catalog.Staleness()).Register(m)

	if cfg.Server.Stdio {
		slog.Info("serving MCP on stdio")
		return m.ServeStdio(ctx, os.Stdin, os.Stdout)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", m)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "error", err)
		}
	}()

	slog.Info("serving MCP over HTTP", "addr", cfg.Server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
