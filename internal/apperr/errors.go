// Package apperr provides structured, coded errors shared by the gateway,
// its RPC surface and its clients.
package apperr

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInternal          Code = "INTERNAL"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeHashMismatch      Code = "HASH_MISMATCH"
	CodeDuplicateRevision Code = "DUPLICATE_REVISION"
	CodeObjectNotFound    Code = "OBJECT_NOT_FOUND"
	CodeLeaseExpired      Code = "LEASE_EXPIRED"
	CodeLeaseNotHeld      Code = "LEASE_NOT_HELD"
	CodeWorkerExecution   Code = "WORKER_EXECUTION"
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeTaskCancelled     Code = "TASK_CANCELLED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeWorkerNotFound    Code = "WORKER_NOT_FOUND"
)

// rpcCodes maps codes to JSON-RPC application error codes.
var rpcCodes = map[Code]int{
	CodeUnknown:           -32000,
	CodeInternal:          -32001,
	CodeInvalidArgument:   -32602,
	CodeUnavailable:       -32002,
	CodeHashMismatch:      -32010,
	CodeDuplicateRevision: -32011,
	CodeObjectNotFound:    -32012,
	CodeLeaseExpired:      -32020,
	CodeLeaseNotHeld:      -32021,
	CodeWorkerExecution:   -32030,
	CodeTaskNotFound:      -32040,
	CodeTaskCancelled:     -32041,
	CodeInvalidTransition: -32042,
	CodeWorkerNotFound:    -32043,
}

// RPCCode returns the JSON-RPC error code for c.
func (c Code) RPCCode() int {
	if n, ok := rpcCodes[c]; ok {
		return n
	}
	return rpcCodes[CodeUnknown]
}

// CodeFromRPC maps a JSON-RPC error code back to its domain code.
func CodeFromRPC(n int) Code {
	for code, v := range rpcCodes {
		if v == n {
			return code
		}
	}
	return CodeUnknown
}

// Retryable reports whether a caller may safely retry after this code.
func (c Code) Retryable() bool {
	return c == CodeUnavailable
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable message
	Metadata map[string]string // Additional context, sent over the wire
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Targets for errors.Is.
var (
	ErrHashMismatch      = &Error{Code: CodeHashMismatch}
	ErrDuplicateRevision = &Error{Code: CodeDuplicateRevision}
	ErrObjectNotFound    = &Error{Code: CodeObjectNotFound}
	ErrLeaseExpired      = &Error{Code: CodeLeaseExpired}
	ErrLeaseNotHeld      = &Error{Code: CodeLeaseNotHeld}
	ErrWorkerExecution   = &Error{Code: CodeWorkerExecution}
	ErrTaskNotFound      = &Error{Code: CodeTaskNotFound}
	ErrTaskCancelled     = &Error{Code: CodeTaskCancelled}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument}
	ErrUnavailable       = &Error{Code: CodeUnavailable}
	ErrWorkerNotFound    = &Error{Code: CodeWorkerNotFound}
)

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithMetadata creates a domain error carrying metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}

// HashMismatch reports a parent_hash that names no committed revision.
func HashMismatch(parentHash string) *Error {
	return WithMetadata(CodeHashMismatch, "parent revision "+parentHash+" is not committed",
		map[string]string{"parent_hash": parentHash})
}

// ObjectNotFound reports an oid missing from the content store.
func ObjectNotFound(oid string) *Error {
	return WithMetadata(CodeObjectNotFound, "object "+oid+" not found",
		map[string]string{"oid": oid})
}

// TaskNotFound reports an unknown task id.
func TaskNotFound(taskID string) *Error {
	return WithMetadata(CodeTaskNotFound, "task "+taskID+" not found",
		map[string]string{"task_id": taskID})
}
