// Package semantic implements the Semantic Index component (C3):
// embedding-backed search over the node catalog and template library
// with compact, relevance-ranked result shaping. It
// depends on the Embedder and VectorIndex capabilities only through
// small interfaces, gated behind the Dependency Gates (C1) exactly
// like the Catalog Cache gates its gateway calls, so the package never
// imports a concrete client.
package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/corefail"
)

// DeprecatedPenalty is the fixed score demotion applied to deprecated
// results rather than excluding them outright.
const DeprecatedPenalty = 0.05

// tieBreakWindow is how close two scores must be before the
// deprecated/required-node-count tie-break rule applies.
const tieBreakWindow = 0.05

// descriptionBudget bounds a node hit's description to a small
// per-result token budget, truncated at a word boundary.
const descriptionBudget = 200

// Embedder produces fixed-dimensional vectors from text, deterministic
// for identical input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the per-collection store the Semantic Index reads and
// writes. Query returns records alongside their
// similarity scores, highest first.
type VectorIndex interface {
	Upsert(ctx context.Context, coll core.VectorCollection, records []core.VectorRecord) error
	Query(ctx context.Context, coll core.VectorCollection, embedding []float32, k int, filter string) ([]core.VectorRecord, []float32, error)
	Delete(ctx context.Context, coll core.VectorCollection, ids []string) error
}

// NodeHit is one compact search_nodes result.
type NodeHit struct {
	Name        string
	Label       string
	Description string
	Category    string
	Deprecated  bool
	Score       float64
	// Stale is never set by this package — the Semantic Index itself has
	// no notion of catalog age. internal/mcpserver reports staleness as a
	// "stale" key in its own search_nodes payload and leaves this field
	// false.
	Stale bool
}

// TemplateHit is one compact search_templates result.
type TemplateHit struct {
	TemplateID             string
	Name                   string
	Description            string
	RequiredNodeNames      []string
	ParameterSchemaSummary []string
	Score                  float64
}

// Index is the Semantic Index component.
type Index struct {
	gate                 *circuit.Gate
	embedder             Embedder
	vector               VectorIndex
	defaultMaxResults    int
	defaultMinSimilarity float64
}

// New constructs an Index.
func New(gate *circuit.Gate, embedder Embedder, vector VectorIndex, defaultMaxResults int, defaultMinSimilarity float64) *Index {
	if defaultMaxResults <= 0 {
		defaultMaxResults = 5
	}
	if defaultMinSimilarity <= 0 {
		defaultMinSimilarity = 0.7
	}
	return &Index{
		gate:                 gate,
		embedder:             embedder,
		vector:               vector,
		defaultMaxResults:    defaultMaxResults,
		defaultMinSimilarity: defaultMinSimilarity,
	}
}

// renderNode builds the canonical textual rendering an embedding is
// computed from: label, category, description, and a tag per
// baseClasses entry. This determinism is what makes re-embedding an
// unchanged descriptor a no-op.
func renderNode(d core.NodeDescriptor) string {
	var b strings.Builder
	b.WriteString(d.Label)
	b.WriteString(" (")
	b.WriteString(d.Category)
	b.WriteString("): ")
	b.WriteString(d.Description)
	for _, bc := range d.BaseClasses {
		b.WriteString(" #")
		b.WriteString(bc)
	}
	return b.String()
}

func renderTemplate(t core.FlowTemplate) string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteString(": ")
	b.WriteString(t.Description)
	for _, n := range t.RequiredNodeNames {
		b.WriteString(" #")
		b.WriteString(n)
	}
	return b.String()
}

func nodeRecordID(name string) string   { return "node:" + name }
func templateRecordID(id string) string { return "template:" + id }

// IndexNodeDelta re-embeds and upserts the changed/new descriptors
// from a catalog refresh, implementing catalog.VectorIndexer. Re-
// embedding is batched in one Embed call per delta set.
func (x *Index) IndexNodeDelta(ctx context.Context, changed []core.NodeDescriptor) error {
	if len(changed) == 0 {
		return nil
	}

	texts := make([]string, len(changed))
	for i, d := range changed {
		texts[i] = renderNode(d)
	}

	vectors, err := circuit.Call(ctx, x.gate, core.DependencyEmbedder, func(ctx context.Context) ([][]float32, error) {
		return x.embedder.Embed(ctx, texts)
	})
	if err != nil {
		return err
	}
	if len(vectors) != len(changed) {
		return fmt.Errorf("semantic: embedder returned %d vectors for %d texts", len(vectors), len(changed))
	}

	records := make([]core.VectorRecord, len(changed))
	for i, d := range changed {
		records[i] = core.VectorRecord{
			RecordID:   nodeRecordID(d.Name),
			Collection: core.CollectionNodes,
			Embedding:  vectors[i],
			Payload: map[string]any{
				"name":        d.Name,
				"label":       d.Label,
				"category":    d.Category,
				"description": d.Description,
				"deprecated":  d.Deprecated,
			},
		}
	}

	_, err = circuit.Call(ctx, x.gate, core.DependencyVectorIndex, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, x.vector.Upsert(ctx, core.CollectionNodes, records)
	})
	return err
}

// IndexTemplates embeds and upserts the curated template library,
// called once at startup after internal/template loads it from disk.
func (x *Index) IndexTemplates(ctx context.Context, templates []core.FlowTemplate) error {
	if len(templates) == 0 {
		return nil
	}

	texts := make([]string, len(templates))
	for i, t := range templates {
		texts[i] = renderTemplate(t)
	}

	vectors, err := circuit.Call(ctx, x.gate, core.DependencyEmbedder, func(ctx context.Context) ([][]float32, error) {
		return x.embedder.Embed(ctx, texts)
	})
	if err != nil {
		return err
	}
	if len(vectors) != len(templates) {
		return fmt.Errorf("semantic: embedder returned %d vectors for %d texts", len(vectors), len(templates))
	}

	records := make([]core.VectorRecord, len(templates))
	for i, t := range templates {
		schemaNames := make([]string, len(t.ParameterSchema))
		for j, p := range t.ParameterSchema {
			schemaNames[j] = p.Name
		}
		records[i] = core.VectorRecord{
			RecordID:   templateRecordID(t.TemplateID),
			Collection: core.CollectionTemplates,
			Embedding:  vectors[i],
			Payload: map[string]any{
				"template_id":         t.TemplateID,
				"name":                t.Name,
				"description":         t.Description,
				"required_node_names": t.RequiredNodeNames,
				"parameter_schema":    schemaNames,
			},
		}
	}

	_, err = circuit.Call(ctx, x.gate, core.DependencyVectorIndex, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, x.vector.Upsert(ctx, core.CollectionTemplates, records)
	})
	return err
}

type queryOutcome struct {
	records []core.VectorRecord
	scores  []float32
}

// embedQuery embeds a single free-text query through the embedder circuit.
func (x *Index) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := circuit.Call(ctx, x.gate, core.DependencyEmbedder, func(ctx context.Context) ([][]float32, error) {
		return x.embedder.Embed(ctx, []string{query})
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("semantic: embedder returned no vector for query")
	}
	return vectors[0], nil
}

// SearchNodes returns compact, relevance-ranked node hits for a free-text query.
func (x *Index) SearchNodes(ctx context.Context, query string, maxResults int, minSimilarity float64, categoryFilter string) ([]NodeHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &corefail.Validation{Reason: "query must not be empty"}
	}
	maxResults = orDefaultInt(maxResults, x.defaultMaxResults)
	minSimilarity = orDefaultFloat(minSimilarity, x.defaultMinSimilarity)

	vec, err := x.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	filter := ""
	if categoryFilter != "" {
		filter = fmt.Sprintf("category == %q", categoryFilter)
	}

	// Over-fetch so the deprecated-penalty reorder and the
	// lower-threshold-never-removes-results monotonicity property
	// both have enough candidates to work with.
	fetchK := fetchSize(maxResults)

	outcome, err := circuit.Call(ctx, x.gate, core.DependencyVectorIndex, func(ctx context.Context) (queryOutcome, error) {
		records, scores, err := x.vector.Query(ctx, core.CollectionNodes, vec, fetchK, filter)
		return queryOutcome{records: records, scores: scores}, err
	})
	if err != nil {
		return nil, err
	}

	hits := make([]NodeHit, 0, len(outcome.records))
	for i, rec := range outcome.records {
		score := float64(outcome.scores[i])
		// The threshold applies to the raw similarity; the deprecation
		// penalty only demotes ranking, it never excludes a hit.
		if score < minSimilarity {
			continue
		}
		deprecated, _ := rec.Payload["deprecated"].(bool)
		adjusted := score
		if deprecated {
			adjusted -= DeprecatedPenalty
		}

		name, _ := rec.Payload["name"].(string)
		label, _ := rec.Payload["label"].(string)
		category, _ := rec.Payload["category"].(string)
		description, _ := rec.Payload["description"].(string)

		hits = append(hits, NodeHit{
			Name:        name,
			Label:       label,
			Category:    category,
			Description: truncateAtWord(description, descriptionBudget),
			Deprecated:  deprecated,
			Score:       adjusted,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if math.Abs(hits[i].Score-hits[j].Score) <= tieBreakWindow && hits[i].Deprecated != hits[j].Deprecated {
			return !hits[i].Deprecated
		}
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

// SearchTemplates returns compact, relevance-ranked template hits for a free-text query.
func (x *Index) SearchTemplates(ctx context.Context, query string, maxResults int, minSimilarity float64) ([]TemplateHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &corefail.Validation{Reason: "query must not be empty"}
	}
	maxResults = orDefaultInt(maxResults, x.defaultMaxResults)
	minSimilarity = orDefaultFloat(minSimilarity, x.defaultMinSimilarity)

	vec, err := x.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	fetchK := fetchSize(maxResults)

	outcome, err := circuit.Call(ctx, x.gate, core.DependencyVectorIndex, func(ctx context.Context) (queryOutcome, error) {
		records, scores, err := x.vector.Query(ctx, core.CollectionTemplates, vec, fetchK, "")
		return queryOutcome{records: records, scores: scores}, err
	})
	if err != nil {
		return nil, err
	}

	hits := make([]TemplateHit, 0, len(outcome.records))
	for i, rec := range outcome.records {
		score := float64(outcome.scores[i])
		if score < minSimilarity {
			continue
		}

		templateID, _ := rec.Payload["template_id"].(string)
		name, _ := rec.Payload["name"].(string)
		description, _ := rec.Payload["description"].(string)
		required := toStringSlice(rec.Payload["required_node_names"])
		schema := toStringSlice(rec.Payload["parameter_schema"])

		hits = append(hits, TemplateHit{
			TemplateID:             templateID,
			Name:                   name,
			Description:            description,
			RequiredNodeNames:      required,
			ParameterSchemaSummary: schema,
			Score:                  score,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if math.Abs(hits[i].Score-hits[j].Score) <= tieBreakWindow && len(hits[i].RequiredNodeNames) != len(hits[j].RequiredNodeNames) {
			return len(hits[i].RequiredNodeNames) < len(hits[j].RequiredNodeNames)
		}
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

func fetchSize(maxResults int) int {
	k := maxResults * 4
	if k < 20 {
		k = 20
	}
	return k
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func truncateAtWord(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	cut := s[:budget]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
