// Package core defines the domain types shared by every component of the
// chatflow construction engine: node descriptors from the catalog, the
// node instances and edges of a constructed flow graph, curated templates,
// circuit-breaker state, catalog generations, and vector index records.
//
// These types carry no behavior beyond small invariant-checking helpers;
// the algorithms that build and validate them live in internal/construct,
// internal/catalog, internal/circuit, and internal/semantic.
package core

import "time"

// NodeDescriptor is a Flowise node type as observable by the engine.
// One descriptor exists per (Name, Version) pair within a catalog
// generation; BaseClasses[0] is the concrete type, the remaining
// entries are supertypes/interfaces it also satisfies.
type NodeDescriptor struct {
	Name        string
	Version     string
	Label       string
	Category    string
	BaseClasses []string

	InputAnchors  []InputAnchor
	OutputAnchors []OutputAnchor

	Description     string
	Deprecated      bool
	CredentialTypes []string
}

// InputAnchor is a typed connection point that accepts incoming data.
type InputAnchor struct {
	Name         string
	RequiredType string
	Optional     bool
	List         bool
}

// OutputAnchor is a typed connection point that produces data. TypeChain
// is the ordered list of types/interfaces the output satisfies; the
// engine treats a target input as satisfied when its RequiredType appears
// anywhere in TypeChain.
type OutputAnchor struct {
	Name      string
	TypeChain []string
}

// Produces reports whether this output anchor's type chain contains the
// given required type.
func (o OutputAnchor) Produces(requiredType string) bool {
	for _, t := range o.TypeChain {
		if t == requiredType {
			return true
		}
	}
	return false
}

// InputValue is a tagged union for a node instance's input: either a
// literal value baked into the flow, or a reference to another node's
// output anchor. Exactly one of Literal/Ref is meaningful; IsRef reports
// which. Keeping this as a Go-native sum type (rather than Flowise's
// "{{nodeId.data.instance}}" interpolation string, which only appears
// at the wire boundary) makes validation structural and makes the
// id-duality invariant automatic: references are rewritten wherever an
// id changes, instead of being re-parsed out of a string.
type InputValue struct {
	Literal any
	Ref     *NodeRef
}

// NodeRef points at a specific output anchor of another node instance.
type NodeRef struct {
	InstanceID   string
	OutputAnchor string
	// TypeChain records the producing anchor's type chain as authored.
	// The wire serializer does not read it: sourceHandle strings are
	// built from the producing descriptor's output anchors.
	TypeChain []string
}

// IsRef reports whether this value is a node reference rather than a literal.
func (v InputValue) IsRef() bool { return v.Ref != nil }

// Literal constructs an InputValue wrapping a literal value.
func Literal(v any) InputValue { return InputValue{Literal: v} }

// Reference constructs an InputValue pointing at another node's output.
func Reference(instanceID, outputAnchor string, typeChain []string) InputValue {
	return InputValue{Ref: &NodeRef{InstanceID: instanceID, OutputAnchor: outputAnchor, TypeChain: typeChain}}
}

// Position is the x/y canvas coordinate of a node instance.
type Position struct {
	X float64
	Y float64
}

// NodeInstance is a concrete placement of a NodeDescriptor inside a flow.
//
// The id-duality invariant (ID == the id embedded in the serialized data
// payload) is enforced structurally: NodeInstance exposes a single ID
// field, and the wire serializer (internal/construct) is the only place
// that writes both the outer id and data.id, always from this one field.
type NodeInstance struct {
	ID             string
	DescriptorName string
	Version        string
	Inputs         map[string]InputValue
	Position       Position
	Width          float64
	Height         float64
}

// Edge is a directed, typed connection between two node instances.
type Edge struct {
	ID             string
	SourceInstance string
	SourceAnchor   string
	TargetInstance string
	TargetAnchor   string
}

// Viewport is the canvas pan/zoom state Flowise persists alongside a graph.
type Viewport struct {
	X    float64
	Y    float64
	Zoom float64
}

// FlowGraph is the constructed artifact submitted to Flowise.
type FlowGraph struct {
	Nodes    []NodeInstance
	Edges    []Edge
	Viewport Viewport
}

// FlowTemplate is a frozen, curated FlowGraph shape, exposed to callers
// only via its metadata and template_id; its Graph is never returned by
// search and is only ever read by the construction engine.
type FlowTemplate struct {
	TemplateID        string
	Name              string
	Description       string
	RequiredNodeNames []string
	ParameterSchema   []TemplateParameter
	Graph             FlowGraph
}

// TemplateParameter describes one customizable literal in a template.
type TemplateParameter struct {
	Name        string
	Kind        string // "string", "number", "bool"
	Description string
	// TargetInstance/TargetAnchor identify which literal input the
	// parameter overrides when applied.
	TargetInstance string
	TargetAnchor   string
}

// CircuitPhase is the state of a single dependency's circuit breaker.
type CircuitPhase string

const (
	PhaseClosed   CircuitPhase = "closed"
	PhaseOpen     CircuitPhase = "open"
	PhaseHalfOpen CircuitPhase = "half_open"
)

// Dependency identifies one of the three external collaborators gated
// by the circuit breaker layer.
type Dependency string

const (
	DependencyGateway     Dependency = "gateway"
	DependencyEmbedder    Dependency = "embedder"
	DependencyVectorIndex Dependency = "vector_index"
)

// CircuitState is the per-dependency health state.
type CircuitState struct {
	Dependency    Dependency
	Phase         CircuitPhase
	FailureCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// CatalogGeneration is an immutable, durable snapshot of the node catalog.
type CatalogGeneration struct {
	GenerationID       string
	FetchedAt          time.Time
	FlowiseVersionHint string
	Descriptors        map[string]NodeDescriptor   // keyed by Name, latest non-deprecated version (latest overall if all are deprecated)
	AllVersions        map[string][]NodeDescriptor // keyed by Name, every known version
}

// Lookup resolves a descriptor within this generation. An empty version
// selects the representative (latest non-deprecated) version for the
// name; a non-empty version must match exactly. Safe on a nil receiver,
// which stands for "no generation committed yet".
func (g *CatalogGeneration) Lookup(name, version string) (NodeDescriptor, bool) {
	if g == nil {
		return NodeDescriptor{}, false
	}
	if version == "" {
		d, ok := g.Descriptors[name]
		return d, ok
	}
	for _, d := range g.AllVersions[name] {
		if d.Version == version {
			return d, true
		}
	}
	return NodeDescriptor{}, false
}

// VectorCollection names one of the fixed collections the vector index
// is partitioned into.
type VectorCollection string

const (
	CollectionNodes           VectorCollection = "nodes"
	CollectionTemplates       VectorCollection = "templates"
	CollectionSDDArtifacts    VectorCollection = "sdd_artifacts"    // reserved for spec-driven artifact reuse
	CollectionFailedArtifacts VectorCollection = "failed_artifacts" // reserved for failed-pattern learning
	CollectionSessions        VectorCollection = "sessions"         // reserved for past-session storage
)

// VectorRecord is one indexed entry in the semantic index.
type VectorRecord struct {
	RecordID   string
	Collection VectorCollection
	Embedding  []float32
	Payload    map[string]any
}
