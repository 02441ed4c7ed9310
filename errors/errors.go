package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Configuration errors
	ErrConfigParse   ErrorType = "CONFIG_PARSE_ERROR"
	ErrConfigInvalid ErrorType = "CONFIG_INVALID_ERROR"

	// AWS errors
	ErrAWSClient   ErrorType = "AWS_CLIENT_ERROR"
	ErrAWSInstance ErrorType = "AWS_INSTANCE_ERROR"
	ErrImageLookup ErrorType = "IMAGE_LOOKUP_ERROR"

	// Resolution warnings. These never abort a run.
	ErrUserNotFound   ErrorType = "USER_NOT_FOUND"
	ErrProxyAmbiguous ErrorType = "PROXY_AMBIGUOUS"
	ErrProxyNotFound  ErrorType = "PROXY_NOT_FOUND"

	ErrPatternFile ErrorType = "PATTERN_FILE_ERROR"
	ErrOutput      ErrorType = "OUTPUT_ERROR"
)

// CustomError represents a custom error with additional context
type CustomError struct {
	Type       ErrorType
	Message    string
	Context    map[string]interface{}
	WrappedErr error
}

// New creates a new custom error
func New(errorType ErrorType, message string, context map[string]interface{}, wrappedErr error) *CustomError {
	return &CustomError{
		Type:       errorType,
		Message:    message,
		Context:    context,
		WrappedErr: wrappedErr,
	}
}

// Error implements the error interface
func (e *CustomError) Error() string {
	if e.WrappedErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.WrappedErr)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *CustomError) Unwrap() error {
	return e.WrappedErr
}

// Is checks if the error, or any error it wraps, is of a specific type
func Is(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	var customErr *CustomError
	for stderrors.As(err, &customErr) {
		if customErr.Type == errType {
			return true
		}
		if customErr.WrappedErr == nil {
			return false
		}
		err = customErr.WrappedErr
	}

	return false
}

// TypeOf returns the type of the outermost CustomError in the chain, or an
// empty string when there is none.
func TypeOf(err error) ErrorType {
	var customErr *CustomError
	if stderrors.As(err, &customErr) {
		return customErr.Type
	}
	return ""
}
