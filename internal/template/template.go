// Package template loads the curated FlowTemplate library from disk: a
// directory of YAML files, each describing one named flow shape a
// build_flow call can clone. The library
// is loaded once at startup and never mutated afterward, matching the
// usual approach of loading static reference data (like
// chu.Load) once into an immutable in-memory value rather than
// re-reading files per request.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/corefail"
)

// fileTemplate is the on-disk YAML shape of one template file, decoupled
// from core.FlowTemplate so the file format can use plain strings/maps
// without the construction engine's InputValue tagged union leaking into
// a hand-authored YAML document.
type fileTemplate struct {
	TemplateID        string          `yaml:"template_id"`
	Name              string          `yaml:"name"`
	Description       string          `yaml:"description"`
	RequiredNodeNames []string        `yaml:"required_node_names"`
	ParameterSchema   []fileParameter `yaml:"parameter_schema"`
	Graph             fileGraph       `yaml:"graph"`
}

type fileParameter struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"`
	Description    string `yaml:"description"`
	TargetInstance string `yaml:"target_instance"`
	TargetAnchor   string `yaml:"target_anchor"`
}

type fileGraph struct {
	Nodes    []fileNode `yaml:"nodes"`
	Edges    []fileEdge `yaml:"edges"`
	Viewport fileView   `yaml:"viewport"`
}

type fileNode struct {
	ID             string         `yaml:"id"`
	DescriptorName string         `yaml:"descriptor_name"`
	Version        string         `yaml:"version"`
	Inputs         map[string]any `yaml:"inputs"`
	X              float64        `yaml:"x"`
	Y              float64        `yaml:"y"`
	Width          float64        `yaml:"width"`
	Height         float64        `yaml:"height"`
}

type fileEdge struct {
	ID             string `yaml:"id"`
	SourceInstance string `yaml:"source_instance"`
	SourceAnchor   string `yaml:"source_anchor"`
	TargetInstance string `yaml:"target_instance"`
	TargetAnchor   string `yaml:"target_anchor"`
}

type fileView struct {
	X    float64 `yaml:"x"`
	Y    float64 `yaml:"y"`
	Zoom float64 `yaml:"zoom"`
}

// fileRef is the YAML shape of an input value that references another
// node's output, distinguished from a plain literal by its map shape:
// `{ref_instance: ..., ref_anchor: ..., ref_type_chain: [...]}`.
type fileRef struct {
	RefInstance  string   `yaml:"ref_instance"`
	RefAnchor    string   `yaml:"ref_anchor"`
	RefTypeChain []string `yaml:"ref_type_chain"`
}

// Library is the immutable, loaded-once set of curated templates.
type Library struct {
	byID map[string]core.FlowTemplate
}

// Load reads every *.yaml/*.yml file directly under dir and parses it
// into a core.FlowTemplate. Sub-directories are ignored; one file holds
// exactly one template.
func Load(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir %s: %w", dir, err)
	}

	lib := &Library{byID: make(map[string]core.FlowTemplate)}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read template file %s: %w", path, err)
		}

		var ft fileTemplate
		if err := yaml.Unmarshal(raw, &ft); err != nil {
			return nil, fmt.Errorf("parse template file %s: %w", path, err)
		}

		tmpl, err := ft.toCore()
		if err != nil {
			return nil, fmt.Errorf("template file %s: %w", path, err)
		}

		if _, dup := lib.byID[tmpl.TemplateID]; dup {
			return nil, fmt.Errorf("duplicate template_id %q (file %s)", tmpl.TemplateID, path)
		}
		lib.byID[tmpl.TemplateID] = tmpl
	}

	return lib, nil
}

func (ft fileTemplate) toCore() (core.FlowTemplate, error) {
	if ft.TemplateID == "" {
		return core.FlowTemplate{}, fmt.Errorf("template_id is required")
	}

	nodes := make([]core.NodeInstance, 0, len(ft.Graph.Nodes))
	for _, n := range ft.Graph.Nodes {
		inputs := make(map[string]core.InputValue, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = decodeInputValue(v)
		}
		nodes = append(nodes, core.NodeInstance{
			ID:             n.ID,
			DescriptorName: n.DescriptorName,
			Version:        n.Version,
			Inputs:         inputs,
			Position:       core.Position{X: n.X, Y: n.Y},
			Width:          n.Width,
			Height:         n.Height,
		})
	}

	edges := make([]core.Edge, 0, len(ft.Graph.Edges))
	for _, e := range ft.Graph.Edges {
		edges = append(edges, core.Edge{
			ID:             e.ID,
			SourceInstance: e.SourceInstance,
			SourceAnchor:   e.SourceAnchor,
			TargetInstance: e.TargetInstance,
			TargetAnchor:   e.TargetAnchor,
		})
	}

	params := make([]core.TemplateParameter, 0, len(ft.ParameterSchema))
	for _, p := range ft.ParameterSchema {
		params = append(params, core.TemplateParameter{
			Name:           p.Name,
			Kind:           p.Kind,
			Description:    p.Description,
			TargetInstance: p.TargetInstance,
			TargetAnchor:   p.TargetAnchor,
		})
	}

	return core.FlowTemplate{
		TemplateID:        ft.TemplateID,
		Name:              ft.Name,
		Description:       ft.Description,
		RequiredNodeNames: ft.RequiredNodeNames,
		ParameterSchema:   params,
		Graph: core.FlowGraph{
			Nodes:    nodes,
			Edges:    edges,
			Viewport: core.Viewport{X: ft.Graph.Viewport.X, Y: ft.Graph.Viewport.Y, Zoom: ft.Graph.Viewport.Zoom},
		},
	}, nil
}

// decodeInputValue distinguishes a reference map (recognized by its
// ref_instance key) from a plain literal, mirroring
// core.InputValue's tagged union at the YAML boundary.
func decodeInputValue(v any) core.InputValue {
	m, ok := v.(map[string]any)
	if !ok {
		return core.Literal(v)
	}
	refInstance, hasRef := m["ref_instance"].(string)
	if !hasRef {
		return core.Literal(v)
	}
	refAnchor, _ := m["ref_anchor"].(string)

	var typeChain []string
	if raw, ok := m["ref_type_chain"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				typeChain = append(typeChain, s)
			}
		}
	}
	return core.Reference(refInstance, refAnchor, typeChain)
}

// Get resolves a template by id, returning corefail.TemplateNotFound
// when absent.
func (l *Library) Get(id string) (core.FlowTemplate, error) {
	t, ok := l.byID[id]
	if !ok {
		return core.FlowTemplate{}, corefail.TemplateNotFound(id)
	}
	return t, nil
}

// All returns every loaded template, sorted by id, for startup indexing
// into the Semantic Index (internal/semantic's IndexTemplates).
func (l *Library) All() []core.FlowTemplate {
	out := make([]core.FlowTemplate, 0, len(l.byID))
	for _, t := range l.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out
}
