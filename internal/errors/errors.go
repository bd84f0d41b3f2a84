// Package errors provides error codes for the offline operation queue.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Sync pass errors
	ErrSyncInProgress      ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline         ErrorCode = "SYNC_OFFLINE"
	ErrSyncDisabled        ErrorCode = "SYNC_DISABLED"
	ErrSyncTransport       ErrorCode = "SYNC_TRANSPORT"
	ErrSyncServerError     ErrorCode = "SYNC_SERVER_ERROR"
	ErrSyncConflict        ErrorCode = "SYNC_CONFLICT"
	ErrSyncRetriesExceeded ErrorCode = "SYNC_RETRIES_EXHAUSTED"
	ErrSyncDependency      ErrorCode = "SYNC_DEPENDENCY_FAILED"

	// Persistence errors
	ErrPersistenceLoad ErrorCode = "PERSISTENCE_LOAD"
	ErrPersistenceSave ErrorCode = "PERSISTENCE_SAVE"
	ErrDatabase        ErrorCode = "DATABASE_ERROR"
	ErrMigration       ErrorCode = "MIGRATION_FAILED"

	// Configuration and crypto errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
	ErrCryptoFailed  ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code, so sentinel
// values declared with New can be matched through errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
