package loom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	// ErrRunAlreadyTerminal is returned when a terminal run is mutated.
	ErrRunAlreadyTerminal = errors.New("loom: run already terminal")

	// ErrRunNotFound is returned when a run id is unknown to the store.
	ErrRunNotFound = errors.New("loom: run not found")

	// ErrOutcomeTerminal is returned when an outcome leaves a terminal status.
	ErrOutcomeTerminal = errors.New("loom: node outcome already terminal")

	// ErrNodeNotFound is returned when a referenced node doesn't exist.
	ErrNodeNotFound = errors.New("loom: node not found")

	// ErrInvalidSettings marks malformed node settings. Never retried.
	ErrInvalidSettings = errors.New("loom: invalid settings")

	// ErrInvalidInput marks input values a behavior cannot use. Never retried.
	ErrInvalidInput = errors.New("loom: invalid input")

	// ErrInvalidOutput is returned when a behavior omits a declared output port.
	ErrInvalidOutput = errors.New("loom: invalid output")

	// ErrCapabilityUnavailable is returned when a behavior needs a capability
	// the engine was not configured with.
	ErrCapabilityUnavailable = errors.New("loom: capability unavailable")

	// ErrEmptyEmbedding is returned by vector indexes given a zero-length
	// embedding. Retrying the same input cannot succeed.
	ErrEmptyEmbedding = errors.New("loom: empty embedding")

	// ErrNothingToUndo and ErrNothingToRedo are returned by Document history moves.
	ErrNothingToUndo = errors.New("loom: nothing to undo")
	ErrNothingToRedo = errors.New("loom: nothing to redo")
)

// ValidationError carries every violation found in a graph.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "loom: invalid graph: " + e.Violations[0].String()
	}
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("loom: invalid graph (%d violations): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// UnregisteredNodeTypeError is returned when no behavior exists for a type tag.
type UnregisteredNodeTypeError struct {
	Type NodeType
}

func (e *UnregisteredNodeTypeError) Error() string {
	return fmt.Sprintf("loom: unregistered node type %q", e.Type)
}

// CycleError names the nodes left over after topological removal.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("loom: graph contains a cycle through %s", strings.Join(e.Nodes, ", "))
}

// CapabilityError wraps a failure reported by an external capability.
// Capability errors are retryable unless Permanent is set.
type CapabilityError struct {
	Capability string
	Err        error
	Permanent  bool
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("loom: %s capability: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// TimeoutError reports a capability call or node attempt that exceeded its
// latency budget. It matches *CapabilityError under errors.As.
type TimeoutError struct {
	Capability string
	After      time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("loom: %s timed out after %s", e.Capability, e.After)
}

// As lets errors.As treat a TimeoutError as a CapabilityError.
func (e *TimeoutError) As(target any) bool {
	if ce, ok := target.(**CapabilityError); ok {
		*ce = &CapabilityError{Capability: e.Capability, Err: e}
		return true
	}
	return false
}

// Is reports context.DeadlineExceeded equivalence.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// GraphLockedError rejects document edits while a run holds the graph.
type GraphLockedError struct {
	GraphID string
	RunID   string
}

func (e *GraphLockedError) Error() string {
	return fmt.Sprintf("loom: graph %q is locked by run %s", e.GraphID, e.RunID)
}

// GraphEditError is returned when an edit would break a graph invariant.
// The graph the edit was applied to is left unchanged.
type GraphEditError struct {
	Op  string
	Err error
}

func (e *GraphEditError) Error() string {
	return fmt.Sprintf("loom: %s: %v", e.Op, e.Err)
}

func (e *GraphEditError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsRetryable reports whether the retry policy may try again after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrInvalidSettings) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidOutput) ||
		errors.Is(err, ErrCapabilityUnavailable) ||
		errors.Is(err, ErrEmptyEmbedding) {
		return false
	}
	var verr *ValidationError
	var uerr *UnregisteredNodeTypeError
	if errors.As(err, &verr) || errors.As(err, &uerr) {
		return false
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var cerr *CapabilityError
	if errors.As(err, &cerr) {
		return !cerr.Permanent
	}
	return true
}

// Error kinds recorded in ErrorRecord.Kind.
const (
	KindValidation       = "validation"
	KindUnregisteredType = "unregistered_type"
	KindCapability       = "capability"
	KindTimeout          = "timeout"
	KindInvalidSettings  = "invalid_settings"
	KindInvalidInput     = "invalid_input"
	KindInvalidOutput    = "invalid_output"
	KindUnavailable      = "unavailable"
	KindCancelled        = "cancelled"
	KindInternal         = "internal"
)

// ErrorKind classifies err for an ErrorRecord.
func ErrorKind(err error) string {
	var (
		verr    *ValidationError
		uerr    *UnregisteredNodeTypeError
		timeout *TimeoutError
		cerr    *CapabilityError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &uerr):
		return KindUnregisteredType
	case errors.Is(err, ErrInvalidSettings):
		return KindInvalidSettings
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrInvalidOutput):
		return KindInvalidOutput
	case errors.Is(err, ErrCapabilityUnavailable):
		return KindUnavailable
	case errors.As(err, &cerr):
		return KindCapability
	default:
		return KindInternal
	}
}
