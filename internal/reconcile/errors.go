package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/recsync/internal/record"
)

// ErrorCode categorizes reconciliation errors.
type ErrorCode string

const (
	// ErrCodeTimeoutWaitingForIDs indicates awaited ids were not confirmed in time.
	ErrCodeTimeoutWaitingForIDs ErrorCode = "TIMEOUT_WAITING_FOR_IDS"

	// ErrCodeUnexpectedMutationKind indicates a heterogeneous mutation batch.
	ErrCodeUnexpectedMutationKind ErrorCode = "UNEXPECTED_MUTATION_KIND"

	// ErrCodeSubscriptionFailed indicates the realtime channel failed or dropped.
	ErrCodeSubscriptionFailed ErrorCode = "SUBSCRIPTION_FAILED"

	// ErrCodeSchemaViolation indicates a payload rejected by the configured schema.
	ErrCodeSchemaViolation ErrorCode = "SCHEMA_VIOLATION"
)

// TimeoutWaitingForIDsError is returned by the await gate when some ids were
// not marked seen before the deadline. Writes already issued are not undone.
type TimeoutWaitingForIDsError struct {
	// Missing lists the ids still unconfirmed, in request order.
	Missing []string

	// Timeout is the deadline that elapsed.
	Timeout time.Duration
}

func (e *TimeoutWaitingForIDsError) Error() string {
	return fmt.Sprintf("%s: timeout waiting for ids after %s: %s",
		ErrCodeTimeoutWaitingForIDs, e.Timeout, strings.Join(e.Missing, ", "))
}

// Code returns ErrCodeTimeoutWaitingForIDs.
func (e *TimeoutWaitingForIDsError) Code() ErrorCode { return ErrCodeTimeoutWaitingForIDs }

// UnexpectedMutationKindError rejects a whole batch before any remote write.
type UnexpectedMutationKindError struct {
	Expected record.MutationKind
	Got      record.MutationKind
	// Key of the first offending mutation.
	Key string
}

func (e *UnexpectedMutationKindError) Error() string {
	return fmt.Sprintf("%s: expected %s mutation, got %s (key=%s)",
		ErrCodeUnexpectedMutationKind, e.Expected, e.Got, e.Key)
}

// Code returns ErrCodeUnexpectedMutationKind.
func (e *UnexpectedMutationKindError) Code() ErrorCode { return ErrCodeUnexpectedMutationKind }

// SubscriptionError reports that the realtime channel for a collection could
// not be established or dropped after it was.
type SubscriptionError struct {
	Collection string
	Err        error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s: realtime subscription to %q: %v", ErrCodeSubscriptionFailed, e.Collection, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Code returns ErrCodeSubscriptionFailed.
func (e *SubscriptionError) Code() ErrorCode { return ErrCodeSubscriptionFailed }

// SchemaViolationError rejects a batch whose payload fails schema validation.
type SchemaViolationError struct {
	Key string
	Err error
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("%s: payload for %q: %v", ErrCodeSchemaViolation, e.Key, e.Err)
}

func (e *SchemaViolationError) Unwrap() error { return e.Err }

// Code returns ErrCodeSchemaViolation.
func (e *SchemaViolationError) Code() ErrorCode { return ErrCodeSchemaViolation }

// CodeOf returns the code of the first coded error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var coded interface{ Code() ErrorCode }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// IsTimeout reports whether err is a TimeoutWaitingForIDsError.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	var te *TimeoutWaitingForIDsError
	return errors.As(err, &te)
}

// IsKindMismatch reports whether err is an UnexpectedMutationKindError.
func IsKindMismatch(err error) bool {
	var ke *UnexpectedMutationKindError
	return errors.As(err, &ke)
}

// IsSubscriptionError reports whether err is a SubscriptionError.
func IsSubscriptionError(err error) bool {
	var se *SubscriptionError
	return errors.As(err, &se)
}

// IsSchemaViolation reports whether err is a SchemaViolationError.
func IsSchemaViolation(err error) bool {
	var se *SchemaViolationError
	return errors.As(err, &se)
}
