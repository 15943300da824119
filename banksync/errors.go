/*
errors.go - Centralized error types for the sync engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is / errors.As, never by string matching.

ERROR CATEGORIES:
  1. Request errors - tenant isolation, missing records, duplicate links
  2. Upstream errors - aggregator failures, retryable or terminal
  3. Persistence errors - datastore writes that failed mid-sync

USAGE:
  if errors.Is(err, banksync.ErrNotFound) { ... }

  var ue *banksync.UpstreamError
  if errors.As(err, &ue) && !ue.Retryable { ... }

SEE ALSO:
  - orchestrator.go: produces UpstreamError and PersistenceError
  - api/handlers.go: maps these onto HTTP status codes
*/
package banksync

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is returned when the caller's chapter does not match
	// the target chapter or connection. Checked before any side effect.
	ErrUnauthorized = errors.New("caller does not own this chapter")

	// ErrNotFound is returned when a referenced connection or record does
	// not exist for the caller's chapter. Tenant mismatches surface as
	// NotFound, not Unauthorized, so ownership is not probeable.
	ErrNotFound = errors.New("connection not found")

	// ErrConflict is returned when an identical bank item is already linked
	// and active. Duplicates are surfaced, never silently merged.
	ErrConflict = errors.New("bank item already linked")

	// ErrConnectionDisabled is returned when syncing a deactivated connection.
	ErrConnectionDisabled = errors.New("connection is deactivated")

	// ErrDuplicateEntry is returned by the ledger when an entry with the
	// same dedup key already exists. Expected during re-reconciliation.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrUpstream is the sentinel wrapped by every UpstreamError.
	ErrUpstream = errors.New("aggregator call failed")

	// ErrPersistence is the sentinel wrapped by every PersistenceError.
	ErrPersistence = errors.New("datastore write failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UpstreamError describes a failed aggregator call.
//
// Retryable errors (network, rate limit) may succeed on a later attempt from
// the same cursor. Terminal errors (credential revoked, re-auth required)
// will not; the connection is annotated with Code for the user to act on.
type UpstreamError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("aggregator error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("aggregator error: %s", e.Message)
}

// Unwrap exposes both the ErrUpstream sentinel and the underlying cause,
// so errors.Is(err, ErrUpstream) holds whether or not a cause is attached.
func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstream, e.Err}
	}
	return []error{ErrUpstream}
}

// PersistenceError describes a datastore write that failed mid-sync.
// The orchestrator reacts by leaving the connection cursor unchanged.
type PersistenceError struct {
	Op  string // e.g. "stage transaction", "update cursor"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPersistence, e.Err}
	}
	return []error{ErrPersistence}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if a new sync attempt might succeed.
// Persistence failures are always worth retrying; upstream failures only
// when classified so.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return errors.Is(err, ErrPersistence)
}

// IsTerminalUpstream returns true if the aggregator reported a condition
// that requires user action (typically re-authentication).
func IsTerminalUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && !ue.Retryable
}
