// Package errors provides the closed persistency error taxonomy: a fixed set
// of storage error kinds with a 1:1 human message map, plus a structured
// error type carrying component/operation/cause context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind is one of the closed set of persistency error kinds. No other values
// are ever produced by this package.
type Kind string

const (
	StorageNotFound        Kind = "STORAGE_NOT_FOUND"
	KeyNotFound            Kind = "KEY_NOT_FOUND"
	IllegalWriteAccess     Kind = "ILLEGAL_WRITE_ACCESS"
	PhysicalStorageFailure Kind = "PHYSICAL_STORAGE_FAILURE"
	IntegrityCorrupted     Kind = "INTEGRITY_CORRUPTED"
	ValidationFailed       Kind = "VALIDATION_FAILED"
	EncryptionFailed       Kind = "ENCRYPTION_FAILED"
	DataTypeMismatch       Kind = "DATA_TYPE_MISMATCH"
	InitValueNotAvailable  Kind = "INIT_VALUE_NOT_AVAILABLE"
	ResourceBusy           Kind = "RESOURCE_BUSY"
	OutOfMemorySpace       Kind = "OUT_OF_MEMORY_SPACE"
	OutOfStorageSpace      Kind = "OUT_OF_STORAGE_SPACE"
	FileNotFound           Kind = "FILE_NOT_FOUND"
	NotInitialized         Kind = "NOT_INITIALIZED"
	InvalidPosition        Kind = "INVALID_POSITION"
	IsEof                  Kind = "IS_EOF"
	InvalidOpenMode        Kind = "INVALID_OPEN_MODE"
	InvalidSize            Kind = "INVALID_SIZE"
	PermissionDenied       Kind = "PERMISSION_DENIED"
	Unsupported            Kind = "UNSUPPORTED"
	WrongDataType          Kind = "WRONG_DATA_TYPE"
	WrongDataSize          Kind = "WRONG_DATA_SIZE"
	InvalidKey             Kind = "INVALID_KEY"
	InvalidArgument        Kind = "INVALID_ARGUMENT"
	ChecksumMismatch       Kind = "CHECKSUM_MISMATCH"
)

// messages is the 1:1 human message map for each kind.
var messages = map[Kind]string{
	StorageNotFound:        "the passed instance specifier does not match any configured storage",
	KeyNotFound:            "the provided key cannot be found in the key-value storage",
	IllegalWriteAccess:     "opening a file for writing or synchronizing a key failed because the storage is configured read-only",
	PhysicalStorageFailure: "access to the storage fails",
	IntegrityCorrupted:     "stored data cannot be read because the structural integrity is corrupted",
	ValidationFailed:       "the validity of stored data cannot be ensured",
	EncryptionFailed:       "the decryption of stored data fails",
	DataTypeMismatch:       "the provided data type does not match the stored data type",
	InitValueNotAvailable:  "the operation could not be performed because no initial value is available",
	ResourceBusy:           "a lifecycle operation is currently being executed for the same storage",
	OutOfMemorySpace:       "the available memory space is insufficient for the operation",
	OutOfStorageSpace:      "the available storage space is insufficient for the added or updated values",
	FileNotFound:           "the requested file cannot be found in the file storage",
	NotInitialized:         "this function was called before initialization or after teardown",
	InvalidPosition:        "the requested position is smaller than zero or greater than the current file size",
	IsEof:                  "the application tried to read from the end of the file or from an empty file",
	InvalidOpenMode:        "opening a file failed because the requested combination of open modes is invalid",
	InvalidSize:            "the requested new size is bigger than the current file size",
	PermissionDenied:       "permission denied",
	Unsupported:            "not supported by this backend",
	WrongDataType:          "the data type provided does not match the expected type",
	WrongDataSize:          "the data size provided does not match the expected size",
	InvalidKey:             "the provided key is invalid or malformed",
	InvalidArgument:        "invalid argument provided to the function",
	ChecksumMismatch:       "checksum verification failed - data integrity compromised",
}

// Message returns the canonical human message for a kind.
func Message(k Kind) string {
	if m, ok := messages[k]; ok {
		return m
	}
	return "unknown error"
}

// retryableByDefault mirrors §7 of the design: kinds that indicate a
// transient condition worth retrying without caller intervention.
var retryableByDefault = map[Kind]bool{
	ResourceBusy:      true,
	OutOfMemorySpace:  true,
	OutOfStorageSpace: false, // surfaced without retry per §7
}

// PersistencyError is the structured error type returned by every fallible
// operation in this module.
type PersistencyError struct {
	Kind      Kind                   `json:"kind"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
	Stack     string                 `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *PersistencyError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PersistencyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a PersistencyError with the same Kind.
func (e *PersistencyError) Is(target error) bool {
	if other, ok := target.(*PersistencyError); ok {
		return e.Kind == other.Kind
	}
	return false
}

// String is a detailed representation suitable for logging.
func (e *PersistencyError) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Kind=%s", e.Kind))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("PersistencyError{%s}", strings.Join(parts, ", "))
}

// New creates a PersistencyError for the given kind with its canonical
// message.
func New(kind Kind) *PersistencyError {
	return &PersistencyError{
		Kind:      kind,
		Message:   Message(kind),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: retryableByDefault[kind],
	}
}

// Newf creates a PersistencyError for the given kind with a custom message,
// preserving the kind's identity for errors.Is matching.
func Newf(kind Kind, format string, args ...interface{}) *PersistencyError {
	e := New(kind)
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// Wrap creates a PersistencyError for the given kind, wrapping cause.
func Wrap(kind Kind, cause error) *PersistencyError {
	e := New(kind)
	e.Cause = cause
	return e
}

// WithComponent sets the component that raised the error.
func (e *PersistencyError) WithComponent(component string) *PersistencyError {
	e.Component = component
	return e
}

// WithOperation sets the operation that was being performed.
func (e *PersistencyError) WithOperation(operation string) *PersistencyError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *PersistencyError) WithCause(cause error) *PersistencyError {
	e.Cause = cause
	return e
}

// WithDetail attaches a diagnostic key/value pair.
func (e *PersistencyError) WithDetail(key string, value interface{}) *PersistencyError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithStack captures the current stack trace.
func (e *PersistencyError) WithStack() *PersistencyError {
	e.Stack = CaptureStack(2)
	return e
}

// Of reports the Kind of err if it is (or wraps) a *PersistencyError.
func Of(err error) (Kind, bool) {
	var pe *PersistencyError
	if As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// As is a thin re-export of errors.As scoped to *PersistencyError, kept
// local so callers don't need a second import for the common case.
func As(err error, target **PersistencyError) bool {
	for err != nil {
		if pe, ok := err.(*PersistencyError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}
