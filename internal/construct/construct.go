// Package construct implements the Chatflow Construction Engine (C4):
// the component that validates a build_flow request, resolves it to a
// concrete FlowGraph (by cloning a template or by inferring edges over
// an unordered node list), lays it out left-to-right, serializes it to
// Flowise's wire shape, and submits it through the gateway circuit.
//
// The algorithm is a sequence of small, independently testable
// functions over plain data rather than a single monolithic method.
package construct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/clock"
	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/corefail"
	"github.com/rakunlabs/flowisemcp/internal/flowise"
)

const (
	defaultNodeWidth  = 300
	defaultNodeHeight = 460

	// Canvas origin: the first column/row starts here rather than at
	// 0,0 so the diagram doesn't hug the viewport corner.
	columnLeft = 100
	columnTop  = 100
)

// categoryHeights is a suggested-default lookup, not a contract
//: real Flowise categories vary in actual
// rendered height and the engine's layout tolerates any value here.
var categoryHeights = map[string]float64{
	"Chat Models":       670,
	"Prompts":           513,
	"Tools":             508,
	"Memory":            334,
	"Agents":            486,
	"Chains":            486,
	"Document Loaders":  453,
	"Embeddings":        334,
	"Vector Stores":     508,
	"Retrievers":        379,
	"Sticky Note":       163,
}

// tierOrder is the stable ordering heuristic applied to each
// descriptor's base classes (any entry of BaseClasses, see tierOf)
// before edge inference.
var tierOrder = [][]string{
	{"Document", "file", "retriever-source"},
	{"BaseLanguageModel", "BaseChatModel", "Embeddings"},
	{"BaseMemory"},
	{"Tool", "Retriever", "VectorStore"},
	{"BaseChain", "AgentExecutor", "LLMChain"},
}

// CatalogLookup is the subset of the Catalog Cache (C2) the engine
// needs. Pin hands back one immutable generation; a build uses that
// single generation for every descriptor lookup, so a concurrent
// refresh can never mix two generations into one flow.
type CatalogLookup interface {
	EnsureFresh(ctx context.Context, now time.Time) error
	Pin() *core.CatalogGeneration
}

// TemplateResolver is the subset of the template library the engine needs.
type TemplateResolver interface {
	Get(templateID string) (core.FlowTemplate, error)
}

// GatewayClient is the subset of the Flowise gateway the engine needs to submit a built graph.
type GatewayClient interface {
	CreateChatflow(ctx context.Context, name, flowData string, typ flowise.ChatflowType, deployed bool) (flowise.Chatflow, error)
}

// NodeRequest is one entry of a composition-mode node_list. Literals,
// when present, bypass edge inference for that anchor entirely —
// Binding each literal to the request that introduces the node keeps
// the two together, instead of a separate parallel map keyed by id.
type NodeRequest struct {
	DescriptorName string
	Version        string // optional pin; empty selects the latest non-deprecated version
	Literals       map[string]any
}

// Spec is the build_flow input: exactly one of TemplateID or NodeList must be set.
type Spec struct {
	Name     string // chatflow name; defaults to the template's name or a name derived from the node list
	Deployed bool

	TemplateID         string
	ParameterOverrides map[string]any

	NodeList []NodeRequest
}

// Result is build_flow's output: only the created chatflow's identity,
// plus any non-fatal warnings (deprecated node usage, stale catalog).
// flowData is never returned upward.
type Result struct {
	ChatflowID   string
	ChatflowName string
	Warnings     []string
}

// Engine is the Chatflow Construction Engine (C4).
type Engine struct {
	clock     clock.Clock
	gate      *circuit.Gate
	catalog   CatalogLookup
	templates TemplateResolver
	gateway   GatewayClient

	columnSpacing float64
	rowSpacing    float64
}

// New constructs an Engine.
func New(clk clock.Clock, gate *circuit.Gate, catalog CatalogLookup, templates TemplateResolver, gateway GatewayClient, columnSpacing, rowSpacing float64) *Engine {
	if columnSpacing <= 0 {
		columnSpacing = 300
	}
	if rowSpacing <= 0 {
		rowSpacing = 200
	}
	return &Engine{
		clock:         clk,
		gate:          gate,
		catalog:       catalog,
		templates:     templates,
		gateway:       gateway,
		columnSpacing: columnSpacing,
		rowSpacing:    rowSpacing,
	}
}

// BuildFlow builds, validates, lays out, and submits one chatflow.
func (e *Engine) BuildFlow(ctx context.Context, spec Spec) (Result, error) {
	if err := validateSpecShape(spec); err != nil {
		return Result{}, err
	}

	var staleWarning error
	if err := e.catalog.EnsureFresh(ctx, e.clock.Now()); err != nil {
		var stale *corefail.StaleCatalog
		if !errors.As(err, &stale) {
			return Result{}, err
		}
		staleWarning = err
	}

	// One pinned generation serves the whole build; a refresh landing
	// mid-build cannot swap descriptors under us.
	gen := e.catalog.Pin()

	var (
		graph core.FlowGraph
		name  string
		err   error
	)

	if spec.TemplateID != "" {
		graph, name, err = e.buildFromTemplate(spec)
	} else {
		graph, name, err = e.buildFromComposition(spec, gen)
	}
	if err != nil {
		return Result{}, err
	}

	descByID, err := resolveDescriptors(graph, gen)
	if err != nil {
		return Result{}, err
	}

	if err := validateGraph(graph, descByID); err != nil {
		return Result{}, err
	}

	e.layout(&graph, descByID)

	flowData, err := serializeFlowData(graph, descByID)
	if err != nil {
		return Result{}, err
	}

	warnings := deprecationWarnings(descByID)
	if staleWarning != nil {
		warnings = append(warnings, staleWarning.Error())
	}

	cf, err := e.submit(ctx, name, flowData, spec.Deployed)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &corefail.SubmissionAmbiguous{Name: name}
		}
		return Result{}, translateSubmitError(err)
	}

	return Result{ChatflowID: cf.ID, ChatflowName: cf.Name, Warnings: warnings}, nil
}

func validateSpecShape(spec Spec) error {
	hasTemplate := spec.TemplateID != ""
	hasNodes := len(spec.NodeList) > 0

	switch {
	case !hasTemplate && !hasNodes:
		return &corefail.Validation{Reason: "spec must set either template_id or node_list"}
	case hasTemplate && hasNodes:
		return &corefail.Validation{Reason: "spec must not set both template_id and node_list"}
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, name, flowData string, deployed bool) (flowise.Chatflow, error) {
	return circuit.Call(ctx, e.gate, core.DependencyGateway, func(ctx context.Context) (flowise.Chatflow, error) {
		cf, err := e.gateway.CreateChatflow(ctx, name, flowData, flowise.TypeChatflow, deployed)
		return cf, flowise.ClassifyError(err)
	})
}

// translateSubmitError turns a circuit.Call error into the closed error
// set build_flow promises: CircuitOpen passes through, a validation-
// wrapped (4xx) gateway failure becomes GatewayRejection, anything else
// (a Transport failure) passes through unchanged.
func translateSubmitError(err error) error {
	var circuitOpen *corefail.CircuitOpen
	if errors.As(err, &circuitOpen) {
		return err
	}
	if errors.Is(err, circuit.ErrValidation) {
		return &corefail.GatewayRejection{Message: err.Error()}
	}
	return err
}

func resolveDescriptors(graph core.FlowGraph, gen *core.CatalogGeneration) (map[string]core.NodeDescriptor, error) {
	out := make(map[string]core.NodeDescriptor, len(graph.Nodes))
	for _, n := range graph.Nodes {
		d, err := lookupDescriptor(gen, n.DescriptorName, n.Version)
		if err != nil {
			return nil, err
		}
		out[n.ID] = d
	}
	return out, nil
}

func lookupDescriptor(gen *core.CatalogGeneration, name, version string) (core.NodeDescriptor, error) {
	d, ok := gen.Lookup(name, version)
	if !ok {
		return core.NodeDescriptor{}, corefail.UnknownNode(name)
	}
	return d, nil
}

func deprecationWarnings(descByID map[string]core.NodeDescriptor) []string {
	ids := make([]string, 0, len(descByID))
	for id := range descByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var warnings []string
	for _, id := range ids {
		if d := descByID[id]; d.Deprecated {
			warnings = append(warnings, fmt.Sprintf("node %q (%s) is deprecated in the current catalog", id, d.Name))
		}
	}
	return warnings
}

// --- Template mode ---

func (e *Engine) buildFromTemplate(spec Spec) (core.FlowGraph, string, error) {
	tmpl, err := e.templates.Get(spec.TemplateID)
	if err != nil {
		return core.FlowGraph{}, "", err
	}

	graph := cloneGraph(tmpl.Graph)
	oldToNew := regenerateIDs(&graph)

	if err := applyParameterOverrides(&graph, tmpl, oldToNew, spec.ParameterOverrides); err != nil {
		return core.FlowGraph{}, "", err
	}

	name := spec.Name
	if name == "" {
		name = tmpl.Name
	}
	return graph, name, nil
}

func cloneGraph(g core.FlowGraph) core.FlowGraph {
	nodes := make([]core.NodeInstance, len(g.Nodes))
	for i, n := range g.Nodes {
		inputs := make(map[string]core.InputValue, len(n.Inputs))
		for k, v := range n.Inputs {
			if v.IsRef() {
				tc := append([]string(nil), v.Ref.TypeChain...)
				inputs[k] = core.Reference(v.Ref.InstanceID, v.Ref.OutputAnchor, tc)
			} else {
				inputs[k] = core.Literal(v.Literal)
			}
		}
		nodes[i] = core.NodeInstance{
			ID:             n.ID,
			DescriptorName: n.DescriptorName,
			Version:        n.Version,
			Inputs:         inputs,
			Position:       n.Position,
			Width:          n.Width,
			Height:         n.Height,
		}
	}

	edges := make([]core.Edge, len(g.Edges))
	copy(edges, g.Edges)

	return core.FlowGraph{Nodes: nodes, Edges: edges, Viewport: g.Viewport}
}

// regenerateIDs assigns every node a fresh id using the
// `{descriptor_name}_{k}` convention, rewriting every
// edge endpoint and input reference that pointed at the old id. Returns
// the old->new mapping so template-parameter targets (authored against
// the template's original ids) can be relocated.
func regenerateIDs(g *core.FlowGraph) map[string]string {
	used := make(map[string]bool, len(g.Nodes))
	oldToNew := make(map[string]string, len(g.Nodes))

	for i := range g.Nodes {
		n := &g.Nodes[i]
		newID := nextUnusedID(n.DescriptorName, used)
		used[newID] = true
		oldToNew[n.ID] = newID
		n.ID = newID
	}

	for i := range g.Edges {
		e := &g.Edges[i]
		e.SourceInstance = oldToNew[e.SourceInstance]
		e.TargetInstance = oldToNew[e.TargetInstance]
	}

	for i := range g.Nodes {
		for anchor, v := range g.Nodes[i].Inputs {
			if v.IsRef() {
				v.Ref.InstanceID = oldToNew[v.Ref.InstanceID]
				g.Nodes[i].Inputs[anchor] = v
			}
		}
	}

	return oldToNew
}

func nextUnusedID(descriptorName string, used map[string]bool) string {
	for k := 0; ; k++ {
		candidate := fmt.Sprintf("%s_%d", descriptorName, k)
		if !used[candidate] {
			return candidate
		}
	}
}

func applyParameterOverrides(g *core.FlowGraph, tmpl core.FlowTemplate, oldToNew map[string]string, overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}

	schemaByName := make(map[string]core.TemplateParameter, len(tmpl.ParameterSchema))
	for _, p := range tmpl.ParameterSchema {
		schemaByName[p.Name] = p
	}

	for key, val := range overrides {
		param, ok := schemaByName[key]
		if !ok {
			return &corefail.Validation{Reason: fmt.Sprintf("unknown template parameter %q", key)}
		}

		newInstanceID, ok := oldToNew[param.TargetInstance]
		if !ok {
			return fmt.Errorf("construct: template parameter %q targets unknown instance %q", key, param.TargetInstance)
		}

		node := findNode(g, newInstanceID)
		if node == nil {
			return fmt.Errorf("construct: template parameter %q targets missing instance %q", key, newInstanceID)
		}
		node.Inputs[param.TargetAnchor] = core.Literal(val)
	}
	return nil
}

func findNode(g *core.FlowGraph, id string) *core.NodeInstance {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// --- Composition mode ---

type availableOutput struct {
	instanceID string
	anchor     string
	typeChain  []string
	addedAt    int
	consumed   bool
}

func (e *Engine) buildFromComposition(spec Spec, gen *core.CatalogGeneration) (core.FlowGraph, string, error) {
	if len(spec.NodeList) == 0 {
		return core.FlowGraph{}, "", &corefail.Validation{Reason: "node_list must not be empty"}
	}

	type item struct {
		req  NodeRequest
		desc core.NodeDescriptor
	}

	items := make([]item, len(spec.NodeList))
	for i, req := range spec.NodeList {
		desc, err := lookupDescriptor(gen, req.DescriptorName, req.Version)
		if err != nil {
			return core.FlowGraph{}, "", err
		}
		items[i] = item{req: req, desc: desc}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return tierOf(items[i].desc) < tierOf(items[j].desc)
	})

	used := make(map[string]bool, len(items))
	var graph core.FlowGraph
	var pool []*availableOutput

	for step, it := range items {
		id := nextUnusedID(it.desc.Name, used)
		used[id] = true

		inputs := make(map[string]core.InputValue, len(it.req.Literals))
		for anchor, lit := range it.req.Literals {
			inputs[anchor] = core.Literal(lit)
		}

		for _, anchor := range it.desc.InputAnchors {
			if _, hasLiteral := inputs[anchor.Name]; hasLiteral {
				continue
			}

			// A list anchor takes every compatible producer; a plain
			// anchor takes the single best one and consumes it.
			var producers []*availableOutput
			if anchor.List {
				producers = selectProducers(pool, anchor.RequiredType)
			} else if p := selectProducer(pool, anchor.RequiredType); p != nil {
				producers = []*availableOutput{p}
			}

			if len(producers) == 0 {
				if anchor.Optional {
					continue
				}
				return core.FlowGraph{}, "", &corefail.StructuralIncompatibility{
					Reason:     fmt.Sprintf("no producer found for required input of type %q", anchor.RequiredType),
					InstanceID: id,
					Anchor:     anchor.Name,
				}
			}

			for _, producer := range producers {
				if wouldCreateCycle(graph.Edges, producer.instanceID, id) {
					return core.FlowGraph{}, "", &corefail.StructuralIncompatibility{
						Reason:     "would_create_cycle",
						InstanceID: id,
						Anchor:     anchor.Name,
					}
				}

				graph.Edges = append(graph.Edges, core.Edge{
					ID:             fmt.Sprintf("edge_%d", len(graph.Edges)),
					SourceInstance: producer.instanceID,
					SourceAnchor:   producer.anchor,
					TargetInstance: id,
					TargetAnchor:   anchor.Name,
				})

				if !anchor.List {
					producer.consumed = true
				}
			}
		}

		graph.Nodes = append(graph.Nodes, core.NodeInstance{
			ID:             id,
			DescriptorName: it.desc.Name,
			Version:        it.desc.Version,
			Inputs:         inputs,
		})

		for _, out := range it.desc.OutputAnchors {
			pool = append(pool, &availableOutput{instanceID: id, anchor: out.Name, typeChain: out.TypeChain, addedAt: step})
		}
	}

	name := spec.Name
	if name == "" {
		names := make([]string, len(items))
		for i, it := range items {
			names[i] = it.desc.Name
		}
		name = strings.Join(names, "-")
	}
	return graph, name, nil
}

// tierOf places a descriptor in the ordering heuristic by scanning its
// full base-class chain against each tier, earliest tier winning. Tiers
// are spaced by two so descriptors matching no tier (prompt templates,
// parsers) slot in just before the consumer tier: they are suppliers to
// chains and agents, not terminals.
func tierOf(d core.NodeDescriptor) int {
	for tier, names := range tierOrder {
		for _, name := range names {
			for _, base := range d.BaseClasses {
				if base == name {
					return tier * 2
				}
			}
		}
	}
	return len(tierOrder)*2 - 3
}

// selectProducer picks the most recently added pool entry whose type
// chain contains t; among entries added at the same step (multiple
// output anchors of one node), prefers one not yet consumed by a
// non-list anchor.
func selectProducer(pool []*availableOutput, t string) *availableOutput {
	var best *availableOutput
	for _, p := range pool {
		if !containsType(p.typeChain, t) {
			continue
		}
		switch {
		case best == nil:
			best = p
		case p.addedAt > best.addedAt:
			best = p
		case p.addedAt == best.addedAt && best.consumed && !p.consumed:
			best = p
		}
	}
	return best
}

// selectProducers returns every pool entry whose type chain contains t,
// in the order the entries were added.
func selectProducers(pool []*availableOutput, t string) []*availableOutput {
	var out []*availableOutput
	for _, p := range pool {
		if containsType(p.typeChain, t) {
			out = append(out, p)
		}
	}
	return out
}

func containsType(chain []string, t string) bool {
	for _, c := range chain {
		if c == t {
			return true
		}
	}
	return false
}

// wouldCreateCycle reports whether a path v -> ... -> u already exists,
// which an edge u->v would close into a cycle. Iterative BFS per
// user-controlled graph sizes must not bound recursion depth.
func wouldCreateCycle(edges []core.Edge, u, v string) bool {
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.SourceInstance] = append(adj[e.SourceInstance], e.TargetInstance)
	}

	// Seed with v's successors rather than v itself: only a path of at
	// least one existing edge counts, so an empty graph reports nothing.
	visited := make(map[string]bool)
	queue := append([]string(nil), adj[v]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == u {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		queue = append(queue, adj[cur]...)
	}
	return false
}

// --- Graph validation ---

func validateGraph(graph core.FlowGraph, descByID map[string]core.NodeDescriptor) error {
	seen := make(map[string]bool, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("construct: duplicate instance id %q", n.ID)
		}
		seen[n.ID] = true
	}

	for _, e := range graph.Edges {
		if e.SourceInstance == e.TargetInstance {
			return &corefail.StructuralIncompatibility{Reason: "self-loop", InstanceID: e.SourceInstance, Anchor: e.TargetAnchor}
		}
		if !seen[e.SourceInstance] || !seen[e.TargetInstance] {
			return fmt.Errorf("construct: edge references an unknown instance")
		}
	}

	if hasCycle(graph) {
		return &corefail.StructuralIncompatibility{Reason: "graph contains a cycle"}
	}

	incoming := make(map[string][]core.Edge, len(graph.Nodes))
	for _, e := range graph.Edges {
		incoming[e.TargetInstance] = append(incoming[e.TargetInstance], e)
	}

	for _, n := range graph.Nodes {
		desc := descByID[n.ID]

		edgeCount := make(map[string]int, len(incoming[n.ID]))
		for _, e := range incoming[n.ID] {
			edgeCount[e.TargetAnchor]++
		}

		for _, a := range desc.InputAnchors {
			count := edgeCount[a.Name]
			if v, ok := n.Inputs[a.Name]; ok && !v.IsRef() {
				count++
			}

			if !a.List && count > 1 {
				return &corefail.StructuralIncompatibility{Reason: "anchor accepts only one connection", InstanceID: n.ID, Anchor: a.Name}
			}
			if !a.Optional && count == 0 {
				return &corefail.StructuralIncompatibility{Reason: "required input not satisfied", InstanceID: n.ID, Anchor: a.Name}
			}
		}
	}

	return nil
}

// hasCycle runs Kahn's algorithm; any node left unvisited after the
// queue drains is part of a cycle.
func hasCycle(graph core.FlowGraph) bool {
	indegree := make(map[string]int, len(graph.Nodes))
	adj := make(map[string][]string, len(graph.Nodes))
	for _, n := range graph.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range graph.Edges {
		adj[e.SourceInstance] = append(adj[e.SourceInstance], e.TargetInstance)
		indegree[e.TargetInstance]++
	}

	queue := make([]string, 0, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited < len(graph.Nodes)
}

// --- Canvas layout ---

func (e *Engine) layout(graph *core.FlowGraph, descByID map[string]core.NodeDescriptor) {
	depth := computeDepths(*graph)

	hasDegree := make(map[string]bool, len(graph.Nodes))
	for _, edge := range graph.Edges {
		hasDegree[edge.SourceInstance] = true
		hasDegree[edge.TargetInstance] = true
	}

	columnRows := make(map[int]int)
	maxRow := 0

	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		n.Width = defaultNodeWidth
		n.Height = heightForCategory(descByID[n.ID].Category)

		if !hasDegree[n.ID] {
			continue
		}

		d := depth[n.ID]
		row := columnRows[d]
		columnRows[d] = row + 1
		if row+1 > maxRow {
			maxRow = row + 1
		}

		n.Position = core.Position{X: columnLeft + float64(d)*e.columnSpacing, Y: columnTop + float64(row)*e.rowSpacing}
	}

	// Disconnected nodes go in a final row below the diagram.
	finalRowY := columnTop + float64(maxRow)*e.rowSpacing
	finalRowX := float64(columnLeft)
	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		if hasDegree[n.ID] {
			continue
		}
		n.Position = core.Position{X: finalRowX, Y: finalRowY}
		finalRowX += e.columnSpacing
	}
}

func heightForCategory(category string) float64 {
	if h, ok := categoryHeights[category]; ok {
		return h
	}
	return defaultNodeHeight
}

// computeDepths assigns each node the length of the longest path from
// any source, via Kahn's algorithm with a running max instead of
// recursion.
func computeDepths(graph core.FlowGraph) map[string]int {
	indegree := make(map[string]int, len(graph.Nodes))
	adj := make(map[string][]string, len(graph.Nodes))
	for _, n := range graph.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range graph.Edges {
		adj[e.SourceInstance] = append(adj[e.SourceInstance], e.TargetInstance)
		indegree[e.TargetInstance]++
	}

	depth := make(map[string]int, len(graph.Nodes))
	queue := make([]string, 0, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if indegree[n.ID] == 0 {
			depth[n.ID] = 0
			queue = append(queue, n.ID)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if cand := depth[id] + 1; cand > depth[next] {
				depth[next] = cand
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return depth
}

// --- Wire serialization ---

type wireFlow struct {
	Nodes    []wireNode   `json:"nodes"`
	Edges    []wireEdge   `json:"edges"`
	Viewport wireViewport `json:"viewport"`
}

type wireViewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

type wirePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type wireAnchor struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	List bool   `json:"list,omitempty"`
}

type wireNode struct {
	ID               string       `json:"id"`
	Type             string       `json:"type"`
	Position         wirePosition `json:"position"`
	PositionAbsolute wirePosition `json:"positionAbsolute"`
	Width            float64      `json:"width"`
	Height           float64      `json:"height"`
	Selected         bool         `json:"selected"`
	Data             wireNodeData `json:"data"`
}

type wireNodeData struct {
	ID            string         `json:"id"`
	Label         string         `json:"label"`
	Name          string         `json:"name"`
	Version       string         `json:"version,omitempty"`
	Category      string         `json:"category"`
	BaseClasses   []string       `json:"baseClasses"`
	Description   string         `json:"description,omitempty"`
	InputAnchors  []wireAnchor   `json:"inputAnchors"`
	OutputAnchors []wireAnchor   `json:"outputAnchors"`
	Inputs        map[string]any `json:"inputs"`
}

type wireEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle"`
	TargetHandle string `json:"targetHandle"`
	Type         string `json:"type"`
}

// serializeFlowData emits the wire shape: the only place a node
// reference is rendered into the legacy `{{instanceId.data.instance}}`
// interpolation string.
func serializeFlowData(graph core.FlowGraph, descByID map[string]core.NodeDescriptor) (string, error) {
	wf := wireFlow{Viewport: wireViewport{X: graph.Viewport.X, Y: graph.Viewport.Y, Zoom: nonZeroOr(graph.Viewport.Zoom, 1)}}

	incoming := make(map[string][]core.Edge, len(graph.Nodes))
	for _, e := range graph.Edges {
		incoming[e.TargetInstance] = append(incoming[e.TargetInstance], e)
	}

	for _, n := range graph.Nodes {
		desc := descByID[n.ID]

		listAnchor := make(map[string]bool, len(desc.InputAnchors))
		inputAnchors := make([]wireAnchor, len(desc.InputAnchors))
		for i, a := range desc.InputAnchors {
			inputAnchors[i] = wireAnchor{Name: a.Name, Type: a.RequiredType, List: a.List}
			listAnchor[a.Name] = a.List
		}
		outputAnchors := make([]wireAnchor, len(desc.OutputAnchors))
		for i, a := range desc.OutputAnchors {
			outputAnchors[i] = wireAnchor{Name: a.Name, Type: strings.Join(a.TypeChain, "|")}
		}

		// Literals come from the instance; references come from the
		// edge set, so inputs and edges can never disagree. Only here
		// does a reference become the `{{id.data.instance}}` string.
		inputs := make(map[string]any, len(n.Inputs))
		for anchor, v := range n.Inputs {
			if !v.IsRef() {
				inputs[anchor] = v.Literal
			}
		}
		for _, e := range incoming[n.ID] {
			ref := fmt.Sprintf("{{%s.data.instance}}", e.SourceInstance)
			if listAnchor[e.TargetAnchor] {
				prev, _ := inputs[e.TargetAnchor].([]any)
				inputs[e.TargetAnchor] = append(prev, ref)
			} else {
				inputs[e.TargetAnchor] = ref
			}
		}

		pos := wirePosition{X: n.Position.X, Y: n.Position.Y}
		wf.Nodes = append(wf.Nodes, wireNode{
			ID:               n.ID,
			Type:             "customNode",
			Position:         pos,
			PositionAbsolute: pos,
			Width:            n.Width,
			Height:           n.Height,
			Data: wireNodeData{
				ID:            n.ID,
				Label:         desc.Label,
				Name:          desc.Name,
				Version:       desc.Version,
				Category:      desc.Category,
				BaseClasses:   desc.BaseClasses,
				Description:   desc.Description,
				InputAnchors:  inputAnchors,
				OutputAnchors: outputAnchors,
				Inputs:        inputs,
			},
		})
	}

	for _, e := range graph.Edges {
		sourceChain := anchorTypeChain(descByID[e.SourceInstance], e.SourceAnchor)
		targetType := anchorRequiredType(descByID[e.TargetInstance], e.TargetAnchor)

		wf.Edges = append(wf.Edges, wireEdge{
			ID:           e.ID,
			Source:       e.SourceInstance,
			Target:       e.TargetInstance,
			SourceHandle: fmt.Sprintf("%s-output-%s-%s", e.SourceInstance, e.SourceAnchor, strings.Join(sourceChain, "|")),
			TargetHandle: fmt.Sprintf("%s-input-%s-%s", e.TargetInstance, e.TargetAnchor, targetType),
			Type:         "buttonedge",
		})
	}

	raw, err := json.Marshal(wf)
	if err != nil {
		return "", fmt.Errorf("marshal flow data: %w", err)
	}
	return string(raw), nil
}

func anchorTypeChain(d core.NodeDescriptor, anchor string) []string {
	for _, a := range d.OutputAnchors {
		if a.Name == anchor {
			return a.TypeChain
		}
	}
	return nil
}

func anchorRequiredType(d core.NodeDescriptor, anchor string) string {
	for _, a := range d.InputAnchors {
		if a.Name == anchor {
			return a.RequiredType
		}
	}
	return ""
}

func nonZeroOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
