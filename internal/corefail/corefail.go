// Package corefail implements the closed set of error kinds every core
// component raises. Each kind is a distinct Go type so
// callers can recover it with errors.As instead of string matching, and
// every error carries a short, single-sentence explanation suitable for
// surfacing to an AI assistant caller.
package corefail

import (
	"fmt"
	"time"
)

// Validation means the caller's input was rejected: unknown field,
// empty required value, unknown template, unknown node name. Never
// counted against a circuit.
type Validation struct {
	Reason string
	Detail string
}

func (e *Validation) Error() string {
	return "validation: " + e.Reason
}

// StructuralIncompatibility means the requested composition cannot be
// realized: a type mismatch, an unsatisfied required input, or a
// would-be cycle. Callers get the offending anchor/node back so they
// can correct the request.
type StructuralIncompatibility struct {
	Reason     string
	InstanceID string
	Anchor     string
}

func (e *StructuralIncompatibility) Error() string {
	if e.InstanceID == "" {
		return "structural incompatibility: " + e.Reason
	}
	return fmt.Sprintf("structural incompatibility: %s (node %q, anchor %q)", e.Reason, e.InstanceID, e.Anchor)
}

// CircuitOpen means a dependency is known-unhealthy; RetryAfter is the
// earliest time a new attempt might succeed.
type CircuitOpen struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("%s is unavailable, retry after %s", e.Dependency, e.RetryAfter.Round(time.Second))
}

// Transport means a network error, a timeout, or a dependency 5xx.
// Retriable at the caller's discretion; internally affects the circuit
// for whichever dependency raised it.
type Transport struct {
	Dependency string
	Err        error
}

func (e *Transport) Error() string {
	return fmt.Sprintf("%s transport failure: %s", e.Dependency, e.Err)
}

func (e *Transport) Unwrap() error { return e.Err }

// GatewayRejection means Flowise accepted the request syntactically but
// refused it for reasons beyond the engine's own validation. Rare;
// surfaced verbatim.
type GatewayRejection struct {
	Message string
}

func (e *GatewayRejection) Error() string {
	return "gateway rejected request: " + e.Message
}

// StaleCatalog is a warning, never a fatal error: the catalog is older
// than its staleness threshold and the most recent refresh failed. It
// accompanies a successful result rather than replacing it.
type StaleCatalog struct {
	Age       time.Duration
	Threshold time.Duration
}

func (e *StaleCatalog) Error() string {
	return fmt.Sprintf("catalog is stale (age %s, threshold %s) and refresh failed", e.Age.Round(time.Second), e.Threshold)
}

// NotFoundError covers the two lookup misses a caller can correct:
// an unknown template id and an unknown node name.
type NotFoundError struct {
	Kind string // "template" or "node"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %q", e.Kind, e.ID)
}

// Unwrap exposes the miss as a Validation, so errors.As with a
// *Validation target also matches an unknown template or node name.
func (e *NotFoundError) Unwrap() error { return &Validation{Reason: e.Error()} }

// TemplateNotFound builds a NotFoundError for a missing template id.
func TemplateNotFound(id string) error { return &NotFoundError{Kind: "template", ID: id} }

// UnknownNode builds a NotFoundError for a node name absent from the catalog.
func UnknownNode(name string) error { return &NotFoundError{Kind: "node", ID: name} }

// SubmissionAmbiguous is returned when a build_flow call was cancelled
// while the create_chatflow request was in flight: the core does not
// retry and cannot say whether the gateway applied it.
type SubmissionAmbiguous struct {
	Name string
}

func (e *SubmissionAmbiguous) Error() string {
	return fmt.Sprintf("submission of chatflow %q is ambiguous: cancelled in flight, outcome unknown", e.Name)
}
