package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rakunlabs/flowisemcp/internal/catalog"
	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/clock"
	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/corefail"
	"github.com/rakunlabs/flowisemcp/pkg/mcp"
)

func TestDecodeBuildSpec(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
		check   func(t *testing.T, args map[string]any)
	}{
		{
			name: "template mode",
			args: map[string]any{
				"template_id":         "tmpl_simple_rag",
				"parameter_overrides": map[string]any{"temperature": 0.2},
			},
		},
		{
			name: "node list of strings",
			args: map[string]any{
				"node_list": []any{"chatOpenAI", "llmChain"},
			},
		},
		{
			name: "node list of objects with inputs",
			args: map[string]any{
				"node_list": []any{
					map[string]any{"name": "chatOpenAI", "version": "2", "inputs": map[string]any{"temperature": 0.1}},
				},
			},
		},
		{
			name:    "node list entry missing name",
			args:    map[string]any{"node_list": []any{map[string]any{"version": "2"}}},
			wantErr: true,
		},
		{
			name:    "node list wrong type",
			args:    map[string]any{"node_list": "chatOpenAI"},
			wantErr: true,
		},
		{
			name:    "overrides wrong type",
			args:    map[string]any{"template_id": "t", "parameter_overrides": "nope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := decodeBuildSpec(tt.args)
			if tt.wantErr {
				var v *corefail.Validation
				if !errors.As(err, &v) {
					t.Fatalf("expected Validation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if tt.args["template_id"] != nil && spec.TemplateID == "" {
				t.Fatalf("template_id lost in decode")
			}
			if raw, ok := tt.args["node_list"].([]any); ok && len(spec.NodeList) != len(raw) {
				t.Fatalf("node_list length mismatch: %d vs %d", len(spec.NodeList), len(raw))
			}
		})
	}
}

func TestDecodeBuildSpec_ObjectEntryFields(t *testing.T) {
	spec, err := decodeBuildSpec(map[string]any{
		"node_list": []any{
			map[string]any{"name": "chatOpenAI", "version": "2", "inputs": map[string]any{"temperature": 0.1}},
		},
	})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	req := spec.NodeList[0]
	if req.DescriptorName != "chatOpenAI" || req.Version != "2" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Literals["temperature"] != 0.1 {
		t.Fatalf("literal inputs lost: %+v", req.Literals)
	}
}

func TestNumericArgDecoding(t *testing.T) {
	args := map[string]any{
		"a": json.Number("7"),
		"b": float64(3),
		"c": 2,
		"f": json.Number("0.25"),
	}
	if intArg(args, "a") != 7 || intArg(args, "b") != 3 || intArg(args, "c") != 2 {
		t.Fatalf("int decoding broken")
	}
	if floatArg(args, "f") != 0.25 {
		t.Fatalf("float decoding broken")
	}
	if intArg(args, "missing") != 0 || floatArg(args, "missing") != 0 {
		t.Fatalf("missing keys must decode to zero")
	}
}

type emptyLister struct{}

func (emptyLister) ListNodes(ctx context.Context) ([]core.NodeDescriptor, error) {
	return nil, nil
}

type nullStorer struct{}

func (nullStorer) SaveGeneration(ctx context.Context, gen core.CatalogGeneration) error { return nil }
func (nullStorer) LoadLatestGeneration(ctx context.Context) (*core.CatalogGeneration, error) {
	return nil, errors.New("empty")
}

func newHealthServer(t *testing.T) (*Server, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(5000, 0))
	gate := circuit.New(clk, circuit.Config{}, nil)
	cache := catalog.New(clk, gate, emptyLister{}, nullStorer{}, nil, time.Hour)
	return New(clk, gate, cache, nil, nil, nil, time.Hour), clk
}

func TestGetSystemHealth_NeverFails(t *testing.T) {
	s, _ := newHealthServer(t)

	res, err := s.getSystemHealth(context.Background(), nil)
	if err != nil {
		t.Fatalf("get_system_health must never fail: %v", err)
	}

	call, ok := res.(mcp.CallResult)
	if !ok || call.IsError {
		t.Fatalf("expected a successful tool result, got %+v", res)
	}

	var health struct {
		Circuits     map[string]map[string]any `json:"circuits"`
		CatalogAgeS  int64                     `json:"catalog_age_s"`
		CatalogStale bool                      `json:"catalog_stale"`
	}
	if err := json.Unmarshal([]byte(call.Content[0].Text), &health); err != nil {
		t.Fatalf("health payload does not parse: %v", err)
	}

	for _, dep := range []string{"gateway", "embedder", "vector_index"} {
		entry, ok := health.Circuits[dep]
		if !ok {
			t.Fatalf("health must cover circuit %q", dep)
		}
		if entry["phase"] != string(core.PhaseClosed) {
			t.Fatalf("fresh circuits start closed, got %v", entry["phase"])
		}
	}
	if !health.CatalogStale {
		t.Fatalf("an empty catalog must report stale")
	}
	if health.CatalogAgeS <= int64(time.Hour.Seconds()) {
		t.Fatalf("an empty catalog's age must exceed the threshold")
	}
}

func TestRegister_ExposesAllOperations(t *testing.T) {
	s, _ := newHealthServer(t)
	m := mcp.New("test", "v0")
	s.Register(m)

	names := make(map[string]bool)
	for _, tool := range m.Tools.List() {
		names[tool.Name] = true
	}
	for _, want := range []string{"search_nodes", "search_templates", "build_flow", "refresh_node_catalog", "get_system_health", "reset_circuit"} {
		if !names[want] {
			t.Fatalf("operation %q not registered; have %v", want, names)
		}
	}
}

func TestResetCircuit_ValidatesDependency(t *testing.T) {
	s, _ := newHealthServer(t)

	_, err := s.resetCircuit(context.Background(), map[string]any{"dependency": "database"})
	var v *corefail.Validation
	if !errors.As(err, &v) {
		t.Fatalf("expected Validation for an unknown dependency, got %v", err)
	}

	res, err := s.resetCircuit(context.Background(), map[string]any{"dependency": "gateway"})
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	call := res.(mcp.CallResult)
	if !strings.Contains(call.Content[0].Text, "closed") {
		t.Fatalf("reset must report the closed phase: %s", call.Content[0].Text)
	}
}
