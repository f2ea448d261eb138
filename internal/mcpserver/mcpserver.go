// Package mcpserver registers the server's operations as MCP tools:
// search_nodes, search_templates, build_flow, refresh_node_catalog,
// get_system_health, plus the operator's reset_circuit command. It is
// the only package that knows both the MCP wire surface and the core
// components; everything it does is translation between the two.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rakunlabs/flowisemcp/internal/catalog"
	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/clock"
	"github.com/rakunlabs/flowisemcp/internal/construct"
	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/corefail"
	"github.com/rakunlabs/flowisemcp/internal/semantic"
	"github.com/rakunlabs/flowisemcp/pkg/mcp"
)

// CollectionSizer reports how many records a vector collection holds,
// for get_system_health. Optional; nil leaves collection sizes out of
// the health payload.
type CollectionSizer interface {
	CollectionSize(ctx context.Context, coll core.VectorCollection) (int64, error)
}

// Server glues the core components to the MCP tool surface.
type Server struct {
	clock     clock.Clock
	gate      *circuit.Gate
	cache     *catalog.Cache
	index     *semantic.Index
	engine    *construct.Engine
	sizer     CollectionSizer
	staleness time.Duration
}

func New(clk clock.Clock, gate *circuit.Gate, cache *catalog.Cache, index *semantic.Index, engine *construct.Engine, sizer CollectionSizer, staleness time.Duration) *Server {
	if staleness <= 0 {
		staleness = catalog.DefaultStaleness
	}
	return &Server{
		clock:     clk,
		gate:      gate,
		cache:     cache,
		index:     index,
		engine:    engine,
		sizer:     sizer,
		staleness: staleness,
	}
}

// Register adds every tool to m.
func (s *Server) Register(m *mcp.MCP) {
	m.AddTool(mcp.Tool{
		Name:        "search_nodes",
		Description: "Semantic search over the Flowise node catalog. Returns compact, relevance-ranked node hits.",
		InputSchema: objectSchema(map[string]any{
			"query":                property("string", "Free-text description of the node capability you need."),
			"max_results":          property("integer", "Maximum hits to return (default 5)."),
			"similarity_threshold": property("number", "Minimum cosine similarity, 0-1 (default 0.7)."),
			"category":             property("string", "Restrict hits to one Flowise category."),
		}, []string{"query"}),
	}, s.searchNodes)

	m.AddTool(mcp.Tool{
		Name:        "search_templates",
		Description: "Semantic search over the curated chatflow template library. Returns template metadata, never flow data.",
		InputSchema: objectSchema(map[string]any{
			"query":                property("string", "Free-text description of the workflow you want."),
			"max_results":          property("integer", "Maximum hits to return (default 5)."),
			"similarity_threshold": property("number", "Minimum cosine similarity, 0-1 (default 0.7)."),
		}, []string{"query"}),
	}, s.searchTemplates)

	m.AddTool(mcp.Tool{
		Name:        "build_flow",
		Description: "Build and create a Flowise chatflow, either from a template id with parameter overrides or from a list of node types with automatically inferred connections. Returns only the created chatflow's id and name.",
		InputSchema: objectSchema(map[string]any{
			"name":        property("string", "Name for the created chatflow."),
			"deployed":    property("boolean", "Deploy the chatflow immediately (default false)."),
			"template_id": property("string", "Template to instantiate (tmpl_ prefix). Mutually exclusive with node_list."),
			"parameter_overrides": map[string]any{
				"type":        "object",
				"description": "Template-declared parameter values to override. Unknown keys are rejected.",
			},
			"node_list": map[string]any{
				"type":        "array",
				"description": "Node types to compose, in rough pipeline order. Each entry is a node name string or an object {name, version?, inputs?}.",
				"items":       map[string]any{},
			},
		}, nil),
	}, s.buildFlow)

	m.AddTool(mcp.Tool{
		Name:        "refresh_node_catalog",
		Description: "Force a node catalog refresh from the Flowise API and report added/changed/deprecated counts.",
		InputSchema: objectSchema(map[string]any{}, nil),
	}, s.refreshNodeCatalog)

	m.AddTool(mcp.Tool{
		Name:        "get_system_health",
		Description: "Report circuit breaker states, catalog age, and vector collection sizes. Never fails.",
		InputSchema: objectSchema(map[string]any{}, nil),
	}, s.getSystemHealth)

	m.AddResource(mcp.Resource{
		URI:         "health://status",
		Name:        "System health",
		Description: "Circuit breaker states, catalog age, and vector collection sizes.",
		MimeType:    "application/json",
	}, func(ctx context.Context, _ string) (any, error) {
		return s.healthPayload(ctx), nil
	})

	m.AddTool(mcp.Tool{
		Name:        "reset_circuit",
		Description: "Force one dependency's circuit breaker back to closed: gateway, embedder, or vector_index.",
		InputSchema: objectSchema(map[string]any{
			"dependency": property("string", "Which circuit to reset: gateway, embedder, or vector_index."),
		}, []string{"dependency"}),
	}, s.resetCircuit)
}

func (s *Server) searchNodes(ctx context.Context, args map[string]any) (any, error) {
	query, err := requiredString(args, "query")
	if err != nil {
		return nil, err
	}

	hits, err := s.index.SearchNodes(ctx, query,
		intArg(args, "max_results"),
		floatArg(args, "similarity_threshold"),
		stringArg(args, "category"))
	if err != nil {
		return nil, err
	}

	stale := s.cache.Age(s.clock.Now()) > s.staleness
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		entry := map[string]any{
			"name":        h.Name,
			"label":       h.Label,
			"description": h.Description,
			"category":    h.Category,
			"score":       round3(h.Score),
		}
		if h.Deprecated {
			entry["deprecated"] = true
		}
		if stale {
			entry["stale"] = true
		}
		out = append(out, entry)
	}

	return mcp.JSONResult(map[string]any{"nodes": out}), nil
}

func (s *Server) searchTemplates(ctx context.Context, args map[string]any) (any, error) {
	query, err := requiredString(args, "query")
	if err != nil {
		return nil, err
	}

	hits, err := s.index.SearchTemplates(ctx, query,
		intArg(args, "max_results"),
		floatArg(args, "similarity_threshold"))
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"template_id":    h.TemplateID,
			"name":           h.Name,
			"description":    h.Description,
			"required_nodes": h.RequiredNodeNames,
			"parameters":     h.ParameterSchemaSummary,
			"score":          round3(h.Score),
		})
	}

	return mcp.JSONResult(map[string]any{"templates": out}), nil
}

func (s *Server) buildFlow(ctx context.Context, args map[string]any) (any, error) {
	spec, err := decodeBuildSpec(args)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.BuildFlow(ctx, spec)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"chatflow_id":   result.ChatflowID,
		"chatflow_name": result.ChatflowName,
	}
	if len(result.Warnings) > 0 {
		payload["warnings"] = result.Warnings
	}
	return mcp.JSONResult(payload), nil
}

func (s *Server) refreshNodeCatalog(ctx context.Context, _ map[string]any) (any, error) {
	stats, err := s.cache.Refresh(ctx)
	if err != nil {
		var co *corefail.CircuitOpen
		if errors.As(err, &co) {
			return nil, err
		}
		// A failed refresh with a prior generation is a warning, not an
		// error: the previous generation keeps serving.
		if s.cache.GenerationID() != "" {
			return mcp.JSONResult(map[string]any{
				"stale_retained": true,
				"warning":        err.Error(),
			}), nil
		}
		return nil, err
	}
	return mcp.JSONResult(stats), nil
}

func (s *Server) getSystemHealth(ctx context.Context, _ map[string]any) (any, error) {
	return mcp.JSONResult(s.healthPayload(ctx)), nil
}

func (s *Server) healthPayload(ctx context.Context) map[string]any {
	now := s.clock.Now()

	circuits := make(map[string]map[string]any)
	for dep, st := range s.gate.Status() {
		entry := map[string]any{
			"phase":         string(st.Phase),
			"failure_count": st.FailureCount,
		}
		if !st.OpenedAt.IsZero() {
			entry["opened_at"] = st.OpenedAt.Format(time.RFC3339)
		}
		if retryAfter := s.gate.RetryAfter(dep); retryAfter > 0 {
			entry["retry_after_s"] = int(retryAfter.Seconds())
		}
		circuits[string(dep)] = entry
	}

	health := map[string]any{
		"circuits":           circuits,
		"catalog_age_s":      int64(s.cache.Age(now).Seconds()),
		"catalog_generation": s.cache.GenerationID(),
		"catalog_stale":      s.cache.Age(now) > s.staleness,
	}

	if s.sizer != nil {
		sizes := make(map[string]any)
		for _, coll := range []core.VectorCollection{core.CollectionNodes, core.CollectionTemplates} {
			n, err := s.sizer.CollectionSize(ctx, coll)
			if err != nil {
				sizes[string(coll)] = "unavailable"
				continue
			}
			sizes[string(coll)] = n
		}
		health["collections"] = sizes
	}

	return health
}

func (s *Server) resetCircuit(ctx context.Context, args map[string]any) (any, error) {
	name, err := requiredString(args, "dependency")
	if err != nil {
		return nil, err
	}

	dep := core.Dependency(name)
	switch dep {
	case core.DependencyGateway, core.DependencyEmbedder, core.DependencyVectorIndex:
	default:
		return nil, &corefail.Validation{Reason: fmt.Sprintf("unknown dependency %q", name)}
	}

	s.gate.Reset(ctx, dep)
	return mcp.JSONResult(map[string]any{"dependency": name, "phase": string(core.PhaseClosed)}), nil
}

// decodeBuildSpec translates the tool arguments into a construct.Spec,
// rejecting malformed shapes before they reach the engine.
func decodeBuildSpec(args map[string]any) (construct.Spec, error) {
	spec := construct.Spec{
		Name:       stringArg(args, "name"),
		Deployed:   boolArg(args, "deployed"),
		TemplateID: stringArg(args, "template_id"),
	}

	if raw, ok := args["parameter_overrides"]; ok {
		overrides, ok := raw.(map[string]any)
		if !ok {
			return construct.Spec{}, &corefail.Validation{Reason: "parameter_overrides must be an object"}
		}
		spec.ParameterOverrides = overrides
	}

	raw, ok := args["node_list"]
	if !ok {
		return spec, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return construct.Spec{}, &corefail.Validation{Reason: "node_list must be an array"}
	}

	for i, item := range list {
		switch v := item.(type) {
		case string:
			spec.NodeList = append(spec.NodeList, construct.NodeRequest{DescriptorName: v})
		case map[string]any:
			name := stringArg(v, "name")
			if name == "" {
				return construct.Spec{}, &corefail.Validation{Reason: fmt.Sprintf("node_list[%d] is missing a name", i)}
			}
			req := construct.NodeRequest{
				DescriptorName: name,
				Version:        stringArg(v, "version"),
			}
			if inputs, ok := v["inputs"].(map[string]any); ok {
				req.Literals = inputs
			}
			spec.NodeList = append(spec.NodeList, req)
		default:
			return construct.Spec{}, &corefail.Validation{Reason: fmt.Sprintf("node_list[%d] must be a string or an object", i)}
		}
	}

	return spec, nil
}

// /////////////////////////////////////////////////////////////
// argument decoding helpers

func requiredString(args map[string]any, key string) (string, error) {
	v := stringArg(args, key)
	if v == "" {
		return "", &corefail.Validation{Reason: fmt.Sprintf("%s is required", key)}
	}
	return v, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// intArg tolerates the three encodings a JSON decoder may hand us:
// json.Number, float64, and int.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case json.Number:
		f, _ := v.Float64()
		return f
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func round3(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}

// /////////////////////////////////////////////////////////////
// schema helpers

func objectSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func property(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
