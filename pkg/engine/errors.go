package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a runtime error and decides how far it propagates.
type ErrorClass string

const (
	// ErrorClassDependency indicates the mod set cannot be ordered.
	// Fatal to startup: missing dependency, version mismatch, cycle.
	ErrorClassDependency ErrorClass = "dependency"

	// ErrorClassParse indicates a malformed version, constraint or manifest.
	// Fatal to the specific parse call only.
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassRegistry indicates a rejected registry mutation.
	// Examples: duplicate id on register, missing id on replace.
	ErrorClassRegistry ErrorClass = "registry"

	// ErrorClassState indicates an operation on a component that is shut down
	// or otherwise in the wrong lifecycle state.
	ErrorClassState ErrorClass = "state"

	// ErrorClassPolicy indicates a mod was rejected by an admission policy.
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassInternal indicates an unexpected failure inside the runtime.
	ErrorClassInternal ErrorClass = "internal"
)

// Error represents a classified runtime error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Mod is the id of the mod that caused the error, if applicable.
	Mod string `json:"mod,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Mod != "" && e.Operation != "":
		msg += fmt.Sprintf(" (mod=%s, operation=%s)", e.Mod, e.Operation)
	case e.Mod != "":
		msg += fmt.Sprintf(" (mod=%s)", e.Mod)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two errors match when both class and code are equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewDependencyError creates a new dependency error.
func NewDependencyError(message string, err error) *Error {
	return &Error{Class: ErrorClassDependency, Message: message, Err: err}
}

// NewParseError creates a new parse error.
func NewParseError(message string, err error) *Error {
	return &Error{Class: ErrorClassParse, Message: message, Err: err}
}

// NewRegistryError creates a new registry error.
func NewRegistryError(message string, err error) *Error {
	return &Error{Class: ErrorClassRegistry, Message: message, Err: err}
}

// NewStateError creates a new lifecycle state error.
func NewStateError(message string, err error) *Error {
	return &Error{Class: ErrorClassState, Message: message, Err: err}
}

// NewPolicyError creates a new policy error.
func NewPolicyError(message string, err error) *Error {
	return &Error{Class: ErrorClassPolicy, Message: message, Err: err}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err}
}

// ErrShutdown returns the error reported by any operation invoked after
// the owning component was shut down.
func ErrShutdown(component, operation string) *Error {
	return NewStateError(fmt.Sprintf("%s is shut down", component), nil).
		WithOperation(operation).
		WithCode(ErrCodeShutdown)
}

// WithMod adds mod context to an error.
func (e *Error) WithMod(modID string) *Error {
	e.Mod = modID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func isClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsDependency returns true if the error is classified as a dependency error.
func IsDependency(err error) bool { return isClass(err, ErrorClassDependency) }

// IsParse returns true if the error is classified as a parse error.
func IsParse(err error) bool { return isClass(err, ErrorClassParse) }

// IsRegistry returns true if the error is classified as a registry error.
func IsRegistry(err error) bool { return isClass(err, ErrorClassRegistry) }

// IsState returns true if the error is classified as a state error.
func IsState(err error) bool { return isClass(err, ErrorClassState) }

// IsPolicy returns true if the error is classified as a policy error.
func IsPolicy(err error) bool { return isClass(err, ErrorClassPolicy) }

// CodeOf returns the code of the first classified error in the chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeMissingDependency = "MISSING_DEPENDENCY"
	ErrCodeVersionMismatch   = "VERSION_MISMATCH"
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeDuplicateMod      = "DUPLICATE_MOD"
	ErrCodeInvalidVersion    = "INVALID_VERSION"
	ErrCodeInvalidConstraint = "INVALID_CONSTRAINT"
	ErrCodeDuplicateID       = "DUPLICATE_ID"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeShutdown          = "SHUT_DOWN"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCanceled          = "CANCELED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
