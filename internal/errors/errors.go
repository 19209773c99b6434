// Package errors provides centralized error definitions and error handling utilities
// for the Meridian codebase. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - StorageError: errors from the sqlite stores (queue, registry)
//   - StageError: errors from pipeline stage execution
//   - PublishError: errors from moving products to published storage
//   - LockError: errors related to measurement-set lock acquisition
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ConflictError: operation conflicts with current state
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewStageError("converter exited nonzero", cause).WithGroupID("2026-08-25T01:02:03").WithStage("convert")
//
//	// Semantic error
//	err := errors.NewNotFoundError("group", "2026-08-25T01:02:03")
//
// Checking errors:
//
//	// Check for specific sentinel errors
//	if errors.Is(err, errors.ErrQueueEmpty) { ... }
//
//	// Check for error types
//	var stageErr *errors.StageError
//	if errors.As(err, &stageErr) { ... }
//
//	// Use classification helpers
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// Every error carries a Kind that drives retry and reporting decisions:
//   - KindTransient: may succeed on retry (I/O hiccups, timeouts, contention)
//   - KindFatal: retrying cannot help (missing inputs, corrupt data)
//   - KindConfig, KindValidation, KindStorage, KindResource: subsystem kinds
//
// Errors that carry no explicit kind classify as KindTransient, so an
// unrecognized failure is retried up to the group retry cap rather than
// discarding data.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	// KindTransient is for errors that may succeed on retry. This is the
	// zero value, so unclassified errors are retried rather than dropped.
	KindTransient Kind = iota
	// KindConfig is for errors in configuration loading or validation.
	KindConfig
	// KindValidation is for invalid input, filenames, or request bodies.
	KindValidation
	// KindStorage is for errors from the sqlite stores.
	KindStorage
	// KindResource is for exhausted resources (disk, file handles, workers).
	KindResource
	// KindFatal is for errors where retrying cannot help.
	KindFatal
)

// String returns the string representation of the error kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindResource:
		return "resource"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Queue-related sentinel errors
var (
	// ErrQueueEmpty indicates that no group is ready to claim.
	ErrQueueEmpty = New("no group ready to claim")
	// ErrInvalidTransition indicates a disallowed group state transition.
	ErrInvalidTransition = New("invalid state transition")
	// ErrAlreadyInState indicates the group is already in the requested state.
	ErrAlreadyInState = New("group already in requested state")
	// ErrAttemptsExhausted indicates the group retry cap has been reached.
	ErrAttemptsExhausted = New("retry attempts exhausted")
	// ErrInsufficientSubbands indicates a group timed out below the minimum
	// subband count.
	ErrInsufficientSubbands = New("insufficient subbands")
)

// Registry-related sentinel errors
var (
	// ErrNotFinalized indicates an operation that requires a finalized product.
	ErrNotFinalized = New("product not finalized")
	// ErrPublishExhausted indicates the publish attempt cap has been reached.
	ErrPublishExhausted = New("publish attempts exhausted")
	// ErrSourceMissing indicates a product's source path no longer exists.
	ErrSourceMissing = New("source path missing")
)

// Lock-related sentinel errors
var (
	// ErrLockTimeout indicates that lock acquisition timed out.
	ErrLockTimeout = New("lock acquisition timed out")
	// ErrLockHeld indicates that a lock is held by a live owner.
	ErrLockHeld = New("lock held by another owner")
)

// Watcher-related sentinel errors
var (
	// ErrWatchFailed indicates the filesystem watcher could not be
	// re-established after its retry.
	ErrWatchFailed = New("filesystem watch failed")
)

// General sentinel errors
var (
	// ErrNotFound indicates that a resource could not be found.
	ErrNotFound = New("not found")
	// ErrConflict indicates that an operation conflicts with current state.
	ErrConflict = New("conflict with current state")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// MeridianError is the base interface for all Meridian errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type MeridianError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Kind returns the classification of this error.
	Kind() Kind

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	kind      Kind
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Kind returns the error classification.
func (e *baseError) Kind() Kind {
	return e.kind
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// StorageError represents errors from the sqlite stores.
//
// Example:
//
//	err := errors.NewStorageError("claim update failed", cause).WithTable("groups")
type StorageError struct {
	baseError
	Table string
	Op    string
}

// NewStorageError creates a new StorageError.
func NewStorageError(message string, cause error) *StorageError {
	return &StorageError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			kind:      KindStorage,
			retryable: true,
		},
	}
}

// WithTable adds a table name to the error context.
func (e *StorageError) WithTable(table string) *StorageError {
	e.Table = table
	return e
}

// WithOp adds the failed operation name to the error context.
func (e *StorageError) WithOp(op string) *StorageError {
	e.Op = op
	return e
}

// WithKind sets the error classification.
func (e *StorageError) WithKind(k Kind) *StorageError {
	e.kind = k
	e.retryable = k == KindTransient || k == KindStorage
	return e
}

// Error returns the formatted error message.
func (e *StorageError) Error() string {
	var parts []string
	if e.Table != "" {
		parts = append(parts, fmt.Sprintf("table=%s", e.Table))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	prefix := "storage error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("storage error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StorageError) Is(target error) bool {
	if _, ok := target.(*StorageError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StageError represents errors from pipeline stage execution.
//
// Example:
//
//	err := errors.NewStageError("stage exited nonzero", cause).
//		WithGroupID("2026-08-25T01:02:03").WithStage("calibrate").WithExitCode(1)
type StageError struct {
	baseError
	GroupID  string
	Stage    string
	ExitCode int
}

// NewStageError creates a new StageError.
func NewStageError(message string, cause error) *StageError {
	return &StageError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			kind:      KindTransient,
			retryable: true,
		},
		ExitCode: -1, // -1 indicates not set
	}
}

// WithGroupID adds a group ID to the error context.
func (e *StageError) WithGroupID(id string) *StageError {
	e.GroupID = id
	return e
}

// WithStage adds a stage name to the error context.
func (e *StageError) WithStage(stage string) *StageError {
	e.Stage = stage
	return e
}

// WithExitCode adds the stage process exit code to the error context.
func (e *StageError) WithExitCode(code int) *StageError {
	e.ExitCode = code
	return e
}

// WithKind sets the error classification. A fatal stage error is never
// requeued.
func (e *StageError) WithKind(k Kind) *StageError {
	e.kind = k
	e.retryable = k != KindFatal
	return e
}

// Error returns the formatted error message.
func (e *StageError) Error() string {
	var parts []string
	if e.GroupID != "" {
		parts = append(parts, fmt.Sprintf("group=%s", e.GroupID))
	}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}

	prefix := "stage error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("stage error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StageError) Is(target error) bool {
	if _, ok := target.(*StageError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PublishError represents errors from moving products to published storage.
//
// Example:
//
//	err := errors.NewPublishError("size mismatch after copy", nil).
//		WithDataID("img:2026-08-25T01:02:03").WithAttempt(3)
type PublishError struct {
	baseError
	DataID  string
	Dest    string
	Attempt int
}

// NewPublishError creates a new PublishError.
func NewPublishError(message string, cause error) *PublishError {
	return &PublishError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			kind:      KindTransient,
			retryable: true,
		},
		Attempt: -1, // -1 indicates not set
	}
}

// WithDataID adds a product data ID to the error context.
func (e *PublishError) WithDataID(id string) *PublishError {
	e.DataID = id
	return e
}

// WithDest adds the destination path to the error context.
func (e *PublishError) WithDest(dest string) *PublishError {
	e.Dest = dest
	return e
}

// WithAttempt adds the publish attempt number to the error context.
func (e *PublishError) WithAttempt(n int) *PublishError {
	e.Attempt = n
	return e
}

// WithKind sets the error classification.
func (e *PublishError) WithKind(k Kind) *PublishError {
	e.kind = k
	e.retryable = k != KindFatal
	return e
}

// Error returns the formatted error message.
func (e *PublishError) Error() string {
	var parts []string
	if e.DataID != "" {
		parts = append(parts, fmt.Sprintf("data_id=%s", e.DataID))
	}
	if e.Dest != "" {
		parts = append(parts, fmt.Sprintf("dest=%s", e.Dest))
	}
	if e.Attempt >= 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}

	prefix := "publish error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("publish error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *PublishError) Is(target error) bool {
	if _, ok := target.(*PublishError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// LockError represents errors related to measurement-set lock acquisition.
//
// Example:
//
//	err := errors.NewLockError("lock wait expired", errors.ErrLockTimeout).
//		WithPath("/data/work/obs.ms").WithHolderPID(4242)
type LockError struct {
	baseError
	Path      string
	HolderPID int
}

// NewLockError creates a new LockError.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			kind:      KindTransient,
			retryable: true,
		},
		HolderPID: -1, // -1 indicates not set
	}
}

// WithPath adds the locked path to the error context.
func (e *LockError) WithPath(path string) *LockError {
	e.Path = path
	return e
}

// WithHolderPID adds the holding process ID to the error context.
func (e *LockError) WithHolderPID(pid int) *LockError {
	e.HolderPID = pid
	return e
}

// WithKind sets the error classification.
func (e *LockError) WithKind(k Kind) *LockError {
	e.kind = k
	e.retryable = k != KindFatal
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.HolderPID >= 0 {
		parts = append(parts, fmt.Sprintf("holder_pid=%d", e.HolderPID))
	}

	prefix := "lock error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("lock error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("group", "2026-08-25T01:02:03")
//	fmt.Println(err) // "group '2026-08-25T01:02:03' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:   fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			kind:      KindValidation,
			retryable: false,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if errors.Is(target, ErrNotFound) {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictError represents an operation that conflicts with current state,
// such as resetting a group that is not failed.
//
// Example:
//
//	err := errors.NewConflictError("group", "2026-08-25T01:02:03", "state is in_progress, not failed")
type ConflictError struct {
	baseError
	ResourceType string
	ResourceID   string
	Reason       string
}

// NewConflictError creates a new ConflictError.
func NewConflictError(resourceType, resourceID, reason string) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:   fmt.Sprintf("%s '%s': %s", resourceType, resourceID, reason),
			kind:      KindValidation,
			retryable: false,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Reason:       reason,
	}
}

// WithCause adds a cause to the error.
func (e *ConflictError) WithCause(cause error) *ConflictError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s': %s: %v", e.ResourceType, e.ResourceID, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s '%s': %s", e.ResourceType, e.ResourceID, e.Reason)
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	if errors.Is(target, ErrConflict) {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("timestamp does not match filename grammar")
//	err = err.WithField("filename").WithValue("bad_sb99.hdf5")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:   message,
			kind:      KindValidation,
			retryable: false,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for measurement-set lock", time.Hour)
//	fmt.Println(err) // "timeout error: waiting for measurement-set lock (timeout: 1h0m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			kind:      KindTransient,
			retryable: true, // Timeouts are generally retryable
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// KindOf returns the classification of the error. Errors that do not
// implement MeridianError classify as KindTransient, so an unrecognized
// failure is retried up to the group retry cap rather than discarding data.
//
// Example:
//
//	if errors.KindOf(err) == errors.KindFatal {
//	    return queue.FinishFatal(ctx, groupID, err.Error())
//	}
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var merr MeridianError
	if As(err, &merr) {
		return merr.Kind()
	}

	if Is(err, ErrAttemptsExhausted) || Is(err, ErrSourceMissing) {
		return KindFatal
	}

	return KindTransient
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing MeridianError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout or ErrLockTimeout
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    return queue.FinishFailure(ctx, groupID, err.Error(), backoff)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var merr MeridianError
	if As(err, &merr) {
		return merr.IsRetryable()
	}

	if Is(err, ErrTimeout) || Is(err, ErrLockTimeout) {
		return true
	}

	return KindOf(err) != KindFatal
}

// IsFatal returns true if retrying the failed operation cannot help.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *NotFoundError
	return As(err, &notFound) || Is(err, ErrNotFound)
}

// IsConflict returns true if the error indicates a state conflict.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var conflict *ConflictError
	return As(err, &conflict) || Is(err, ErrConflict) ||
		Is(err, ErrInvalidTransition) || Is(err, ErrAlreadyInState)
}

// IsValidation returns true if the error indicates invalid input.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	return As(err, &validation) || Is(err, ErrInvalidInput)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to claim group")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to claim group %s", groupID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Fatal wraps an error and marks it fatal, so the scheduler fails the group
// without requeueing it.
//
// Example:
//
//	return errors.Fatal(fmt.Errorf("measurement set %s missing", path))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{cause: err}
}

// fatalError pins an arbitrary error to KindFatal.
type fatalError struct {
	cause error
}

func (e *fatalError) Error() string        { return e.cause.Error() }
func (e *fatalError) Unwrap() error        { return e.cause }
func (e *fatalError) Is(target error) bool { return errors.Is(e.cause, target) }
func (e *fatalError) Kind() Kind           { return KindFatal }
func (e *fatalError) IsRetryable() bool    { return false }
