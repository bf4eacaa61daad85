// Package errors defines the error taxonomy shared by the storage tiers,
// the reconciliation engine, and the sharing ledger.
package errors

import "errors"

// Storage tier errors.
var (
	// ErrCapacityExceeded means a storage tier rejected a write because
	// of its size. It triggers router escalation and is never surfaced
	// to the user as fatal.
	ErrCapacityExceeded = errors.New("storage capacity exceeded")
)

// Remote collaborator errors.
var (
	// ErrUnauthenticated means there is no active principal. Blocks the
	// remote-dependent operation.
	ErrUnauthenticated = errors.New("no active principal")

	// ErrNotFound means a referenced entity is absent. Local state is
	// unaffected.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means an ownership check failed on share or revoke.
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyShared is the idempotency guard on duplicate grants.
	// Informational, not an error state.
	ErrAlreadyShared = errors.New("already shared with recipient")

	// ErrAlreadyExists is the idempotency guard on duplicate creates.
	ErrAlreadyExists = errors.New("already exists")
)

// TransientError wraps an error that is likely temporary. Transient
// failures are never retried synchronously inline; the next
// reconciliation pass picks them up.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
