package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of a task runner failure.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure, e.g. a dropped connection.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the node refused work because it is busy.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a node state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the node the failing operation targeted, if any.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Node != "" && e.Operation != "":
		fmt.Fprintf(&b, " (node=%s, operation=%s)", e.Node, e.Operation)
	case e.Node != "":
		fmt.Fprintf(&b, " (node=%s)", e.Node)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithNode adds node context to an error.
func (e *EngineError) WithNode(node string) *EngineError {
	e.Node = node
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, defaulting to permanent for
// unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == ErrorClassTransient
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == ErrorClassPermanent
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRunnerFailed     = "RUNNER_FAILED"
	ErrCodeCycle            = "CIRCULAR_DEPENDENCY"
	ErrCodeCrossNode        = "CROSS_NODE_DEPENDENCY"
	ErrCodeInvalidReference = "INVALID_DEPENDENCY_REFERENCE"
	ErrCodeDoNothing        = "DO_NOTHING_PLAN"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeInvalidPlan      = "INVALID_PLAN"
	ErrCodePolicyViolation  = "POLICY_VIOLATION"
)

// ErrNotFound is returned by stores when no current plan exists.
var ErrNotFound = errors.New("not found")

// DoNothingPlanError is returned when create_plan would produce no tasks.
type DoNothingPlanError struct{}

func (e *DoNothingPlanError) Error() string {
	return "Create plan failed: no tasks were generated"
}

// Code returns the error code.
func (e *DoNothingPlanError) Code() string { return ErrCodeDoNothing }

// CyclicDependencyError reports a dependency cycle. Path lists the cycle
// members in traversal order, with the first member repeated at the end.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "A circular dependency has been detected: " + strings.Join(e.Path, " -> ")
}

// Code returns the error code.
func (e *CyclicDependencyError) Code() string { return ErrCodeCycle }

// OrderedGroupCycleError reports an explicit dependency that contradicts the
// declared order of an ordered group.
type OrderedGroupCycleError struct {
	Group string
	Cycle CyclicDependencyError
}

func (e *OrderedGroupCycleError) Error() string {
	return fmt.Sprintf("%s (ordered group %q)", e.Cycle.Error(), e.Group)
}

// Unwrap exposes the underlying cycle so callers matching on
// *CyclicDependencyError also match group cycles.
func (e *OrderedGroupCycleError) Unwrap() error { return &e.Cycle }

// Code returns the error code.
func (e *OrderedGroupCycleError) Code() string { return ErrCodeCycle }

// CrossNodeDependencyError reports a dependency on work owned by another
// node, or an ordered group spanning several nodes.
type CrossNodeDependencyError struct {
	Task       TaskID
	Node       string
	TargetNode string
	Reference  string
	Group      string
}

func (e *CrossNodeDependencyError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("ordered group %q spans nodes %q and %q", e.Group, e.Node, e.TargetNode)
	}
	return fmt.Sprintf("task %s on node %q depends on %s which belongs to node %q",
		e.Task, e.Node, e.Reference, e.TargetNode)
}

// Code returns the error code.
func (e *CrossNodeDependencyError) Code() string { return ErrCodeCrossNode }

// InvalidDependencyReferenceError reports a dependency reference that does
// not resolve to exactly one target.
type InvalidDependencyReferenceError struct {
	Task      TaskID
	Reference DependencyRef
	Matches   int
}

func (e *InvalidDependencyReferenceError) Error() string {
	if e.Matches == 0 {
		return fmt.Sprintf("task %s has an unresolvable dependency %s", e.Task, e.Reference)
	}
	return fmt.Sprintf("task %s has an ambiguous dependency %s (%d matches)", e.Task, e.Reference, e.Matches)
}

// Code returns the error code.
func (e *InvalidDependencyReferenceError) Code() string { return ErrCodeInvalidReference }

// InvalidRequestError is returned when a command does not apply to the
// current plan state.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

// Code returns the error code.
func (e *InvalidRequestError) Code() string { return ErrCodeInvalidRequest }

// InvalidPlanError is returned by run_plan when the model changed after the
// plan was compiled.
type InvalidPlanError struct {
	PlanID string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("plan %s is invalid: model changed since the plan was created", e.PlanID)
}

// Code returns the error code.
func (e *InvalidPlanError) Code() string { return ErrCodeInvalidPlan }

// PolicyViolationError is returned when the plan admission policy denies a
// compiled plan.
type PolicyViolationError struct {
	Violations []string
}

func (e *PolicyViolationError) Error() string {
	return "plan denied by policy: " + strings.Join(e.Violations, "; ")
}

// Code returns the error code.
func (e *PolicyViolationError) Code() string { return ErrCodePolicyViolation }

// ErrorCode extracts the error code from any engine error, or "" when err
// carries none.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsGraphError reports whether err is a structural validation failure of
// the dependency graph.
func IsGraphError(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeCycle, ErrCodeCrossNode, ErrCodeInvalidReference:
		return true
	}
	return false
}
