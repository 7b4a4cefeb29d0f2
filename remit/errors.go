/*
errors.go - Centralized error types for the remittance pipeline

PURPOSE:
  All behavioural error categories in one place. Services wrap these with
  additional context; callers branch with errors.Is / errors.As.

ERROR CATEGORIES (spec of behaviour, not of origin):
  1. Validation  - malformed input; never retried; claims are consumed with
                   a REJECTED processing log
  2. InvalidState - a transition requested on a bucket/check whose current
                    state disallows it; never retried
  3. NotFound     - a referenced entity does not exist
  4. NoChecksAvailable - no active reservation has numbers left for a payer
  5. PaymentRequired   - generation attempted without the required payment
  6. CheckAssignment   - assignment failed after the reservation sub-step;
                         the caller must roll back and compensate

USAGE:
  if remit.IsInvalidState(err) { ... }

  var ise *remit.InvalidStateError
  if errors.As(err, &ise) { log(ise.Current, ise.Attempted) }
*/
package remit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks malformed caller input (empty id, negative amount,
	// bad template pattern). Surfaced, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState marks a transition requested against the state machine.
	ErrInvalidState = errors.New("invalid state for requested transition")

	// ErrNotFound marks a missing bucket/payer/payee/reservation/check/file.
	ErrNotFound = errors.New("not found")

	// ErrNoChecksAvailable marks an exhausted check inventory for a payer.
	ErrNoChecksAvailable = errors.New("no checks available")

	// ErrPaymentRequired marks a generation attempt without a valid payment
	// while the bucket requires one.
	ErrPaymentRequired = errors.New("payment required before generation")

	// ErrCheckAssignment marks a failure after a check number was already
	// reserved; the surrounding transaction must roll back and the
	// reservation must be compensated.
	ErrCheckAssignment = errors.New("check assignment failed")

	// ErrDuplicateBucket is the store-level signal that another transaction
	// created the same accumulating bucket first. Aggregation retries by
	// adopting the winner; callers outside the store never see it.
	ErrDuplicateBucket = errors.New("accumulating bucket already exists")

	// ErrReservationOverlap marks a new check range colliding with an
	// existing range for the same payer.
	ErrReservationOverlap = errors.New("check number range overlaps an existing reservation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry context, unwrap onto the sentinels
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidStateError reports the observed and attempted states.
type InvalidStateError struct {
	Entity    string // "bucket" or "check"
	ID        string
	Current   string
	Attempted string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s, cannot move to %s", e.Entity, e.ID, e.Current, e.Attempted)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// NotFoundError names which kind of entity was missing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NoChecksAvailableError surfaces the payer whose inventory ran dry.
type NoChecksAvailableError struct {
	PayerID string
}

func (e *NoChecksAvailableError) Error() string {
	return fmt.Sprintf("no checks available for payer %s", e.PayerID)
}

func (e *NoChecksAvailableError) Unwrap() error { return ErrNoChecksAvailable }

// PaymentRequiredError explains why generation was refused.
type PaymentRequiredError struct {
	BucketID string
	Reason   string
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("bucket %s: payment required: %s", e.BucketID, e.Reason)
}

func (e *PaymentRequiredError) Unwrap() error { return ErrPaymentRequired }

// CheckAssignmentError wraps a failure that happened after the check number
// reservation committed (or would have). Cause keeps the original error for
// the operator log line.
type CheckAssignmentError struct {
	BucketID string
	Cause    error
}

func (e *CheckAssignmentError) Error() string {
	return fmt.Sprintf("check assignment for bucket %s failed: %v", e.BucketID, e.Cause)
}

func (e *CheckAssignmentError) Unwrap() error { return ErrCheckAssignment }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsPaymentRequired(err error) bool { return errors.Is(err, ErrPaymentRequired) }

func IsNoChecksAvailable(err error) bool { return errors.Is(err, ErrNoChecksAvailable) }

// IsClientError reports whether the error is the caller's fault and should
// map to a 4xx on the ops surface.
func IsClientError(err error) bool {
	return IsValidation(err) || IsInvalidState(err) || IsNotFound(err) ||
		errors.Is(err, ErrReservationOverlap)
}
