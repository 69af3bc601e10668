// Package errors provides the error taxonomy shared by every depkit package.
// It classifies errors so callers can decide whether to surface, retry or
// contain them, and offers helpers for consistent error wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/depkit/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents malformed input: keys, values, filters, definitions
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
	// ErrorState represents an operation on an entity that is already gone
	ErrorState
	// ErrorCallback represents a failure raised by user lifecycle code
	ErrorCallback
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	case ErrorState:
		return "state"
	case ErrorCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Validation errors
	ErrInvalidKey      = errors.New("invalid property key")
	ErrInvalidValue    = errors.New("invalid property value")
	ErrUnsupportedType = errors.New("unsupported property type")
	ErrInvalidFilter   = errors.New("invalid filter expression")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingConfig   = errors.New("missing required configuration")
	ErrDuplicateEntry  = errors.New("duplicate entry")

	// State errors
	ErrNotFound            = errors.New("entity not found")
	ErrAlreadyUnregistered = errors.New("service already unregistered")
	ErrAlreadyDeleted      = errors.New("configuration already deleted")
	ErrComponentRemoved    = errors.New("component removed")
	ErrAlreadyStarted      = errors.New("already started")
	ErrNotStarted          = errors.New("not started")
	ErrShuttingDown        = errors.New("shutting down")

	// Callback errors
	ErrCallbackFailed = errors.New("lifecycle callback failed")
	ErrCallbackPanic  = errors.New("lifecycle callback panicked")

	// Connection and storage errors
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrKeyNotFound        = errors.New("key not found")
	ErrResourceExhausted  = errors.New("resource exhausted")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsInvalid reports whether err was caused by malformed input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrUnsupportedType) ||
		errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrDuplicateEntry)
}

// IsState reports whether err was raised against an entity that no longer exists
func IsState(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorState
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyUnregistered) ||
		errors.Is(err, ErrAlreadyDeleted) ||
		errors.Is(err, ErrComponentRemoved)
}

// IsCallback reports whether err originated in user lifecycle code
func IsCallback(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorCallback
	}
	return errors.Is(err, ErrCallbackFailed) || errors.Is(err, ErrCallbackPanic)
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrMissingConfig)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if class, ok := classOf(err); ok {
		return class
	}
	switch {
	case IsInvalid(err):
		return ErrorInvalid
	case IsState(err):
		return ErrorState
	case IsCallback(err):
		return ErrorCallback
	case IsFatal(err):
		return ErrorFatal
	default:
		// Unknown errors default to transient so infrastructure may retry them
		return ErrorTransient
	}
}

// Is and As re-export the standard library helpers so callers need only one
// errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClass(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, wrappedErr, component, method, wrappedErr.Error())
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapClass(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapClass(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapClass(ErrorInvalid, err, component, method, action)
}

// WrapState wraps an error raised against a removed or deleted entity
func WrapState(err error, component, method, action string) error {
	return wrapClass(ErrorState, err, component, method, action)
}

// WrapCallback wraps an error returned or raised by user lifecycle code
func WrapCallback(err error, component, method, action string) error {
	return wrapClass(ErrorCallback, err, component, method, action)
}

// RetryConfig defines configuration for retrying transient infrastructure errors
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines if an error should be retried based on config
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	return IsTransient(err)
}

// ToRetryConfig converts to the retry package configuration. MaxRetries
// counts additional attempts, so the total is one more.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
