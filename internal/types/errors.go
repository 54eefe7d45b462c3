package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist locally or remotely.
	ErrNotFound = errors.New("record not found")

	// ErrOffline is returned when an operation needs the remote store and the
	// device is offline with no cached copy to fall back on.
	ErrOffline = errors.New("offline and not cached")

	// ErrConflictResolved rejects a second resolution of the same conflict.
	ErrConflictResolved = errors.New("conflict already resolved")

	// ErrUserChoiceRequired rejects a userChoice resolution without a payload.
	ErrUserChoiceRequired = errors.New("userChoice strategy requires resolution payload")
)

// TransientError wraps a retryable failure: the network was unreachable, the
// remote answered 5xx, or the call timed out. Queued actions that fail
// transiently stay queued.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermissionError is non-retryable: the caller is not allowed to perform the
// operation. It is surfaced immediately and never queued.
type PermissionError struct {
	Op     string
	Detail string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %s", e.Op, e.Detail)
}

// ValidationError rejects malformed input before it is committed or queued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// ConflictRequiresDecision signals a critical conflict that must be settled
// by a human. The conflict id points into the active conflict registry.
type ConflictRequiresDecision struct {
	ConflictID string
	Collection string
	TargetID   string
}

func (e *ConflictRequiresDecision) Error() string {
	return fmt.Sprintf("conflict %s on %s/%s requires a decision", e.ConflictID, e.Collection, e.TargetID)
}

// StorageError wraps a local persistence failure. Local storage is
// best-effort: callers log it and degrade to in-memory behavior rather than
// failing the operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: local storage failure: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
