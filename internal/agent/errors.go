package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the agentic loop exceeded its iteration limit
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrContextCancelled indicates the context was cancelled
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")
)

// LoopErrorKind classifies a LoopError by how the orchestrator must react to
// it: ProviderTransport/PersistenceError escape as terminal errors, the
// ToolError/Approval/Hook kinds are converted into ToolResult blocks or
// Interrupts instead, and WireInvariantViolation means abort-without-retry.
// It unifies C4's tool-level failures and C5's own structural failures under
// one type so callers can use errors.Is/errors.As regardless of which layer
// raised them.
type LoopErrorKind string

const (
	// KindUnclassified is the zero value: a LoopError with no assigned kind.
	KindUnclassified LoopErrorKind = ""

	// KindProviderTransport is a network/HTTP/parsing error from the
	// provider API. Terminal: turn ends, AgentState -> Idle.
	KindProviderTransport LoopErrorKind = "provider_transport"

	// KindProviderRateLimit is a 429/retryable-5xx from the provider.
	KindProviderRateLimit LoopErrorKind = "provider_rate_limit"

	// KindWireInvariantViolation means pair repair or another internal
	// invariant failed. Log, abort turn, do not retry.
	KindWireInvariantViolation LoopErrorKind = "wire_invariant_violation"

	// KindToolError is a non-error-kind tool failure, surfaced as a
	// ToolResult with is_error=true; the loop continues.
	KindToolError LoopErrorKind = "tool_error"

	// KindApprovalDenied and KindApprovalTimeout are treated as
	// KindToolError but classified separately for repeated-failure
	// detection.
	KindApprovalDenied  LoopErrorKind = "approval_denied"
	KindApprovalTimeout LoopErrorKind = "approval_timeout"

	// KindHookBlocked is a user hook exiting with status 2; ToolError with
	// the hook's stderr as the message.
	KindHookBlocked LoopErrorKind = "hook_blocked"

	// KindPersistenceError is a session-store write failure. The loop
	// SHOULD fail-fast rather than continue with an inconsistent log.
	KindPersistenceError LoopErrorKind = "persistence_error"

	// KindPushDeliveryError is a notification fan-out failure. Recorded in
	// the delivery attempt log, never surfaced to the loop as a terminal
	// error.
	KindPushDeliveryError LoopErrorKind = "push_delivery_error"
)

// LoopError represents an error that occurred during the agentic loop execution
// with context about which phase and iteration the error occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Kind classifies the error for propagation and retry decisions.
	// Zero value (KindUnclassified) is valid for errors that don't need it.
	Kind LoopErrorKind

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	prefix := fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
	if e.Kind != KindUnclassified {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Kind)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Cause)
	}
	return prefix
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the agentic loop lifecycle.
type LoopPhase string

const (
	// PhaseInit is the initialization phase
	PhaseInit LoopPhase = "init"

	// PhaseStream is the LLM streaming phase
	PhaseStream LoopPhase = "stream"

	// PhaseExecuteTools is the tool execution phase
	PhaseExecuteTools LoopPhase = "execute_tools"

	// PhaseContinue is the continuation phase after tool results
	PhaseContinue LoopPhase = "continue"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)
