// Package errors provides a structured error system for LowFive with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for LowFive operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Validation errors, returned synchronously and never retried
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeTypeMismatch    ErrorCode = "TYPE_MISMATCH"
	ErrCodeShapeMismatch   ErrorCode = "SHAPE_MISMATCH"
	ErrCodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInvalidHandle   ErrorCode = "INVALID_HANDLE"

	// Data availability
	ErrCodeNotReady ErrorCode = "NOT_READY"
	ErrCodeSealed   ErrorCode = "SEALED"

	// Transport errors, fatal to the current round only
	ErrCodeProtocolMismatch ErrorCode = "PROTOCOL_MISMATCH"
	ErrCodePartialTransfer  ErrorCode = "PARTIAL_TRANSFER"
	ErrCodeTransportTimeout ErrorCode = "TRANSPORT_TIMEOUT"
	ErrCodeSessionDone      ErrorCode = "SESSION_DONE"

	// Channel errors, fatal to the channel
	ErrCodeChannelInvalid ErrorCode = "CHANNEL_INVALID"
	ErrCodeChannelExists  ErrorCode = "CHANNEL_EXISTS"

	// Storage backend errors
	ErrCodeStorageRead        ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite       ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrCodeStorageNotFound    ErrorCode = "STORAGE_NOT_FOUND"
	ErrCodeMirrorFailed       ErrorCode = "MIRROR_FAILED"

	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// State and operation errors
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeAlreadyStarted    ErrorCode = "ALREADY_STARTED"
	ErrCodeMountFailed       ErrorCode = "MOUNT_FAILED"

	// Internal system errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryAvailability  ErrorCategory = "availability"
	CategoryTransport     ErrorCategory = "transport"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// LowFiveError represents a structured error with context and metadata.
type LowFiveError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *LowFiveError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *LowFiveError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *LowFiveError) Is(target error) bool {
	if lfErr, ok := target.(*LowFiveError); ok {
		return e.Code == lfErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *LowFiveError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
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

	return fmt.Sprintf("LowFiveError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *LowFiveError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new LowFive error with default values.
func NewError(code ErrorCode, message string) *LowFiveError {
	return &LowFiveError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf creates a new LowFive error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *LowFiveError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new LowFive error around cause.
func Wrap(code ErrorCode, message string, cause error) *LowFiveError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound, ErrCodeTypeMismatch, ErrCodeShapeMismatch,
		ErrCodeAlreadyExists, ErrCodeInvalidArgument, ErrCodeInvalidHandle:
		return CategoryValidation
	case ErrCodeNotReady, ErrCodeSealed:
		return CategoryAvailability
	case ErrCodeProtocolMismatch, ErrCodePartialTransfer, ErrCodeTransportTimeout,
		ErrCodeSessionDone, ErrCodeChannelInvalid, ErrCodeChannelExists:
		return CategoryTransport
	}

	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "MIRROR_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CIRCUIT_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "ALREADY_") ||
		strings.HasPrefix(codeStr, "MOUNT_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Validation and protocol errors are never retryable.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeStorageUnavailable: true,
		ErrCodeStorageWrite:       true,
		ErrCodeStorageRead:        true,
		ErrCodeTransportTimeout:   true,
	}
	return retryableCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidArgument:    400,
		ErrCodeTypeMismatch:       400,
		ErrCodeShapeMismatch:      400,
		ErrCodeInvalidConfig:      400,
		ErrCodeConfigValidation:   400,
		ErrCodeNotFound:           404,
		ErrCodeStorageNotFound:    404,
		ErrCodeAlreadyExists:      409,
		ErrCodeChannelExists:      409,
		ErrCodeSealed:             409,
		ErrCodeNotReady:           425,
		ErrCodeStorageUnavailable: 503,
		ErrCodeCircuitOpen:        503,
		ErrCodeTransportTimeout:   504,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
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

// WithContext adds contextual information to an error
func (e *LowFiveError) WithContext(key, value string) *LowFiveError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *LowFiveError) WithDetail(key string, value interface{}) *LowFiveError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *LowFiveError) WithComponent(component string) *LowFiveError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *LowFiveError) WithOperation(operation string) *LowFiveError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *LowFiveError) WithCause(cause error) *LowFiveError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *LowFiveError) WithStack() *LowFiveError {
	e.Stack = CaptureStack(2)
	return e
}

// CodeOf returns the code of the first LowFiveError in err's chain, or the
// empty code when there is none.
func CodeOf(err error) ErrorCode {
	var lfErr *LowFiveError
	if stderrors.As(err, &lfErr) {
		return lfErr.Code
	}
	return ""
}

// IsCode reports whether any LowFiveError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var lfErr *LowFiveError
		if !stderrors.As(err, &lfErr) {
			return false
		}
		if lfErr.Code == code {
			return true
		}
		err = lfErr.Cause
	}
	return false
}

// IsRetryable reports whether err is a LowFiveError marked retryable.
func IsRetryable(err error) bool {
	var lfErr *LowFiveError
	return stderrors.As(err, &lfErr) && lfErr.Retryable
}

// Recommendation returns a short operator hint for the error code.
func (e *LowFiveError) Recommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeNotFound:         "Check the object path; intermediate groups must exist before their children.",
		ErrCodeTypeMismatch:     "The path names an object of a different kind, or the element types differ.",
		ErrCodeShapeMismatch:    "The buffer length or selection does not match the dataspace.",
		ErrCodeNotReady:         "No data has been written or received yet for this object.",
		ErrCodeProtocolMismatch: "Producer and consumer disagree on the wire protocol; check both versions.",
		ErrCodePartialTransfer:  "The peer closed or crashed during a round; repeat the synchronization.",
		ErrCodeChannelInvalid:   "The channel link is unusable; re-establish the session.",
		ErrCodeSealed:           "The file is being transmitted; wait for the round to finish.",
		ErrCodeInvalidConfig:    "Check your configuration file syntax and required parameters.",
		ErrCodeCircuitOpen:      "The pass-through store is failing; mirror writes are paused.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}
