// Package errors provides a structured error system for classcache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Input Errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidKey       ErrorCode = "VALIDATION_INVALID_KEY"
	ErrCodeBlacklisted      ErrorCode = "VALIDATION_BLACKLISTED"

	// Transform Errors
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeTransformFailed  ErrorCode = "TRANSFORM_FAILED"
	ErrCodeInvalidOutput    ErrorCode = "TRANSFORM_INVALID_OUTPUT"
	ErrCodePanicRecovered   ErrorCode = "TRANSFORM_PANIC"

	// Storage Errors
	ErrCodeCorruption   ErrorCode = "STORAGE_CORRUPTION"
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"
	ErrCodeNotFound     ErrorCode = "STORAGE_NOT_FOUND"

	// Resource Management Errors
	ErrCodeCacheFull      ErrorCode = "CACHE_FULL"
	ErrCodeMemoryPressure ErrorCode = "RESOURCE_MEMORY_PRESSURE"
	ErrCodeFileTooLarge   ErrorCode = "RESOURCE_FILE_TOO_LARGE"

	// State Management Errors
	ErrCodeCircuitOpen        ErrorCode = "STATE_CIRCUIT_OPEN"
	ErrCodeAlreadyStarted     ErrorCode = "STATE_ALREADY_STARTED"
	ErrCodeShutdownInProgress ErrorCode = "STATE_SHUTDOWN_IN_PROGRESS"
	ErrCodeCancelled          ErrorCode = "STATE_CANCELLED"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryValidation    ErrorCategory = "validation"
	CategoryTransform     ErrorCategory = "transform"
	CategoryStorage       ErrorCategory = "storage"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key=%s)", msg, e.Key)
	}
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
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
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
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%s", e.Key))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *CacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new cache error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Newf creates a new cache error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new cache error around an existing cause.
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryValidation
	case strings.HasPrefix(codeStr, "TRANSFORM_") || strings.HasPrefix(codeStr, "OPERATION_"):
		return CategoryTransform
	case strings.HasPrefix(codeStr, "STORAGE_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "CACHE_") || strings.HasPrefix(codeStr, "RESOURCE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "STATE_"):
		return CategoryState
	default:
		return CategoryInternal
	}
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

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithKey sets the cache key the error relates to
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *CacheError) WithStack() *CacheError {
	e.Stack = CaptureStack(2)
	return e
}

// CodeOf returns the code of the first CacheError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	var cacheErr *CacheError
	if stderr.As(err, &cacheErr) {
		return cacheErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err's chain contains a CacheError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var cacheErr *CacheError
	for err != nil {
		if stderr.As(err, &cacheErr) {
			if cacheErr.Code == code {
				return true
			}
			err = cacheErr.Cause
			continue
		}
		return false
	}
	return false
}

// IsValidation reports whether err rejects the input before any transform ran.
func IsValidation(err error) bool {
	return GetCategory(CodeOf(err)) == CategoryValidation ||
		HasCode(err, ErrCodeMemoryPressure) || HasCode(err, ErrCodeCircuitOpen)
}

// IsTimeout reports whether err is a transform timeout.
func IsTimeout(err error) bool {
	return HasCode(err, ErrCodeOperationTimeout)
}

// IsCorruption reports whether err is a structural mismatch in stored data.
func IsCorruption(err error) bool {
	return HasCode(err, ErrCodeCorruption)
}

// IsCapacity reports whether err only signals a full cache tier.
func IsCapacity(err error) bool {
	return HasCode(err, ErrCodeCacheFull) || HasCode(err, ErrCodeFileTooLarge)
}

// CountsAsFailure reports whether err should be charged to the key's failure
// counter and to the global breaker. Only transform outcomes count.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return GetCategory(CodeOf(err)) == CategoryTransform
}

// GetRecommendation returns an operator-facing recommendation for the error
func (e *CacheError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
		ErrCodeOperationTimeout: "The transform took longer than its budget. " +
			"Consider raising guard.transform_timeout or inspecting the transform for hangs.",
		ErrCodeTransformFailed: "The transform rejected this input. " +
			"Repeated failures blacklist the key for the rest of the process lifetime.",
		ErrCodeInvalidOutput: "The transform produced structurally invalid output. " +
			"The original input is used instead.",
		ErrCodeCorruption: "Cached data failed structural checks and was purged. " +
			"Run 'classcache verify' to self-heal the whole cache.",
		ErrCodeStorageWrite: "The cache root is not writable. " +
			"The cache falls back to memory-only mode.",
		ErrCodeMemoryPressure: "Heap usage is above the configured threshold. " +
			"Optimization resumes once usage drops below the hysteresis margin.",
		ErrCodeCircuitOpen: "Too many transform failures across all keys. " +
			"Optimization stays disabled until the breaker is reset.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}

	return "Please check the error message for details."
}
