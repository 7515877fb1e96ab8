package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrNoCredentialSelected    = errors.New("no payment credential selected")
	ErrUnknownCredential       = errors.New("payment credential is not on file")
	ErrNoActiveAttempt         = errors.New("no purchase attempt in progress")
	ErrAttemptInProgress       = errors.New("another purchase attempt is in progress")
	ErrAcknowledgementRequired = errors.New("failed purchase attempt must be acknowledged first")
	ErrStaleQuote              = errors.New("price quote does not match the current configuration")
	ErrQuoteSuperseded         = errors.New("price quote was superseded by a newer configuration")
	ErrStepInProgress          = errors.New("a purchase step is already running")
	ErrConfirmationInFlight    = errors.New("purchase confirmation is in flight and cannot be cancelled")
	ErrPayloadCaptured         = errors.New("purchase parameters are locked for this attempt")
)

// BelowMinimumSeatsError is returned when a seat count is under the target's threshold.
type BelowMinimumSeatsError struct {
	Seats   int
	Minimum int
}

func (e *BelowMinimumSeatsError) Error() string {
	return fmt.Sprintf("seat count %d is below the minimum of %d", e.Seats, e.Minimum)
}

// InvalidOptionError is returned when a configuration field holds an unoffered value.
type InvalidOptionError struct {
	Field string
	Value string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

// PricingUnavailableError is returned when the backend cannot price a tuple.
type PricingUnavailableError struct {
	Key       QuoteKey
	Retryable bool
	Err       error
}

func (e *PricingUnavailableError) Error() string {
	return fmt.Sprintf("pricing unavailable for %s: %v", e.Key, e.Err)
}

func (e *PricingUnavailableError) Unwrap() error { return e.Err }

// TokenizationInitFailedError is returned when no setup secret could be issued.
type TokenizationInitFailedError struct {
	Retryable bool
	Err       error
}

func (e *TokenizationInitFailedError) Error() string {
	return fmt.Sprintf("tokenization session unavailable: %v", e.Err)
}

func (e *TokenizationInitFailedError) Unwrap() error { return e.Err }

// CredentialRejectedError carries a user-displayable processor decline.
// SecretConsumed is set when the processor will not accept the same
// client secret again.
type CredentialRejectedError struct {
	Message        string
	Code           string
	SecretConsumed bool
}

func (e *CredentialRejectedError) Error() string {
	return fmt.Sprintf("credential rejected: %s", e.Message)
}

// DeclinePriceChanged is the decline code for a payload priced against a
// quote the backend no longer honors.
const DeclinePriceChanged = "price_changed"

// ChargeDeclinedError is returned when the backend declined the charge.
// No money moved.
type ChargeDeclinedError struct {
	AttemptID string
	Code      string
	Message   string
}

func (e *ChargeDeclinedError) Error() string {
	return fmt.Sprintf("charge declined for attempt %s: %s", e.AttemptID, e.Message)
}

// CapacityAllocationFailedError is returned when the charge succeeded but
// seats could not be allocated. It requires manual reconciliation.
type CapacityAllocationFailedError struct {
	AttemptID string
	Message   string
}

func (e *CapacityAllocationFailedError) Error() string {
	return fmt.Sprintf("seat allocation failed after charge for attempt %s: %s", e.AttemptID, e.Message)
}

// BackendUnavailableError is returned when the backend could not be reached
// or did not answer in time. Retrying with the same attempt id is safe.
type BackendUnavailableError struct {
	AttemptID string
	Err       error
}

func (e *BackendUnavailableError) Error() string {
	if e.AttemptID == "" {
		return fmt.Sprintf("backend unavailable: %v", e.Err)
	}
	return fmt.Sprintf("backend unavailable for attempt %s: %v", e.AttemptID, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// TransitionError is returned when a state transition is not allowed.
type TransitionError struct {
	Event   Event
	Current State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid from state %q", e.Event, e.Current)
}

// Kind is the caller-facing classification of a purchase error.
type Kind string

const (
	KindUnknown                  Kind = "unknown"
	KindInvalidConfiguration     Kind = "invalid_configuration"
	KindPricingUnavailable       Kind = "pricing_unavailable"
	KindNoCredentialSelected     Kind = "no_credential_selected"
	KindTokenizationInitFailed   Kind = "tokenization_init_failed"
	KindCredentialRejected       Kind = "credential_rejected"
	KindChargeDeclined           Kind = "charge_declined"
	KindCapacityAllocationFailed Kind = "capacity_allocation_failed"
	KindBackendUnavailable       Kind = "backend_unavailable"
)

// KindOf maps err onto the purchase error taxonomy.
func KindOf(err error) Kind {
	var (
		belowMin   *BelowMinimumSeatsError
		invalid    *InvalidOptionError
		pricing    *PricingUnavailableError
		tokenInit  *TokenizationInitFailedError
		rejected   *CredentialRejectedError
		declined   *ChargeDeclinedError
		allocation *CapacityAllocationFailedError
		backend    *BackendUnavailableError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &allocation):
		return KindCapacityAllocationFailed
	case errors.As(err, &declined):
		return KindChargeDeclined
	case errors.As(err, &rejected):
		return KindCredentialRejected
	case errors.As(err, &tokenInit):
		return KindTokenizationInitFailed
	case errors.As(err, &pricing), errors.Is(err, ErrStaleQuote), errors.Is(err, ErrQuoteSuperseded):
		return KindPricingUnavailable
	case errors.As(err, &backend):
		return KindBackendUnavailable
	case errors.Is(err, ErrNoCredentialSelected), errors.Is(err, ErrUnknownCredential):
		return KindNoCredentialSelected
	case errors.As(err, &belowMin), errors.As(err, &invalid):
		return KindInvalidConfiguration
	}
	return KindUnknown
}

// Recoverable reports whether the user may re-attempt without losing the
// configuration or quote. Only capacity allocation failures and fatal
// tokenization failures end the attempt.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindCapacityAllocationFailed, KindUnknown:
		return false
	case KindTokenizationInitFailed:
		var tokenInit *TokenizationInitFailedError
		return errors.As(err, &tokenInit) && tokenInit.Retryable
	}
	return true
}
