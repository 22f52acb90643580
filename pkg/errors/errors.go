package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the classified type of a failure
type ErrorType string

const (
	// Failure taxonomy produced by the external classifier
	ErrorTypeNetwork            ErrorType = "network_error"
	ErrorTypeTimeout            ErrorType = "timeout_error"
	ErrorTypeDatabase           ErrorType = "database_error"
	ErrorTypeAuthentication     ErrorType = "authentication_error"
	ErrorTypeAuthorization      ErrorType = "authorization_error"
	ErrorTypeRateLimit          ErrorType = "rate_limit_error"
	ErrorTypeResourceExhaustion ErrorType = "resource_exhaustion"
	ErrorTypeAgentCoordination  ErrorType = "agent_coordination_error"
	ErrorTypeDependency         ErrorType = "dependency_error"
	ErrorTypeDataCorruption     ErrorType = "data_corruption_error"
	ErrorTypeBusinessLogic      ErrorType = "business_logic_error"
	ErrorTypeSystem             ErrorType = "system_error"

	// Kinds produced by the reliability engine itself
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	ErrorTypeInternal    ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewNetworkError(message string) *AppError {
	return NewAppError(ErrorTypeNetwork, "NETWORK_ERROR", message)
}

func NewDatabaseError(message string) *AppError {
	return NewAppError(ErrorTypeDatabase, "DATABASE_ERROR", message)
}

func NewCoordinationError(message string) *AppError {
	return NewAppError(ErrorTypeAgentCoordination, "COORDINATION_ERROR", message)
}

// NewCircuitOpenError marks a call rejected by an open circuit breaker.
// Distinguishable from the guarded operation's own failure.
func NewCircuitOpenError(breakerName string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker %q is open", breakerName)).
		WithDetail("breaker", breakerName)
}

// IsTransient reports whether the type is a failure that tends to clear on
// its own. The adaptive breaker widens its threshold when these dominate
// the recent failure mix.
func IsTransient(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeRateLimit:
		return true
	}
	return false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// IsCircuitOpen reports whether err is a circuit breaker rejection
func IsCircuitOpen(err error) bool {
	return IsType(err, ErrorTypeCircuitOpen)
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}
