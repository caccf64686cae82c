// Package errors provides a structured error system for the tile cache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for tile cache operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Storage Errors
	ErrCodeCacheDirUnusable ErrorCode = "CACHE_DIR_UNUSABLE"
	ErrCodeMmapFailed       ErrorCode = "MMAP_FAILED"
	ErrCodeMmapUnsupported  ErrorCode = "MMAP_UNSUPPORTED"
	ErrCodeStorageWrite     ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead      ErrorCode = "STORAGE_READ"

	// Tile Errors
	ErrCodeTileInvalid      ErrorCode = "TILE_INVALID"
	ErrCodeTileSizeMismatch ErrorCode = "TILE_SIZE_MISMATCH"

	// Entry Protocol Errors
	ErrCodeLockerInvalid ErrorCode = "LOCKER_INVALID"
	ErrCodeEntryExists   ErrorCode = "ENTRY_EXISTS"
	ErrCodeEntryTooLarge ErrorCode = "ENTRY_TOO_LARGE"

	// Serialization Errors
	ErrCodeTOCVersion ErrorCode = "TOC_VERSION"
	ErrCodeTOCCorrupt ErrorCode = "TOC_CORRUPT"

	// State Management Errors
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"

	// Internal System Errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryTile          ErrorCategory = "tile"
	CategoryProtocol      ErrorCategory = "protocol"
	CategorySerialization ErrorCategory = "serialization"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// TileCacheError represents a structured error with context and metadata.
type TileCacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *TileCacheError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *TileCacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *TileCacheError) Is(target error) bool {
	if t, ok := target.(*TileCacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *TileCacheError) String() string {
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

	return fmt.Sprintf("TileCacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *TileCacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new tile cache error with default values.
func NewError(code ErrorCode, message string) *TileCacheError {
	return &TileCacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new tile cache error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *TileCacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error carrying cause.
func Wrap(cause error, code ErrorCode, message string) *TileCacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeCacheDirUnusable, ErrCodeMmapFailed, ErrCodeMmapUnsupported,
		ErrCodeStorageWrite, ErrCodeStorageRead:
		return CategoryStorage
	case ErrCodeTileInvalid, ErrCodeTileSizeMismatch:
		return CategoryTile
	case ErrCodeLockerInvalid, ErrCodeEntryExists, ErrCodeEntryTooLarge:
		return CategoryProtocol
	case ErrCodeTOCVersion, ErrCodeTOCCorrupt:
		return CategorySerialization
	case ErrCodeComponentStopped, ErrCodeInvalidState:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether the caller may sensibly retry, possibly
// with a fallback location.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeCacheDirUnusable, ErrCodeMmapFailed, ErrCodeStorageWrite, ErrCodeStorageRead:
		return true
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

// WithContext adds contextual information to an error
func (e *TileCacheError) WithContext(key, value string) *TileCacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *TileCacheError) WithDetail(key string, value interface{}) *TileCacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *TileCacheError) WithComponent(component string) *TileCacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *TileCacheError) WithOperation(operation string) *TileCacheError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *TileCacheError) WithCause(cause error) *TileCacheError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *TileCacheError) WithStack() *TileCacheError {
	e.Stack = CaptureStack(2)
	return e
}

// HasCode reports whether err is, or wraps, a TileCacheError with the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*TileCacheError); ok && e.Code == code {
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

// GetRecommendation returns an operator-facing hint for fixing the error
func (e *TileCacheError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeCacheDirUnusable: "The cache directory could not be created or written. " +
			"Point directory_containing_cache_path at a writable location.",
		ErrCodeMmapFailed: "A backing tile file could not be memory-mapped. " +
			"Check free disk space and the process address-space limits.",
		ErrCodeMmapUnsupported: "Memory-mapped tile storage is not available on this platform.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
		ErrCodeTOCVersion: "The on-disk cache was written by a different format version and was rebuilt.",
		ErrCodeTOCCorrupt: "The on-disk table of contents was unreadable and the cache was rebuilt.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}
