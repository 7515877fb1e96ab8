package domain

import (
	"context"
	"time"
)

// PricingClient prices a seat/session/month tuple.
type PricingClient interface {
	Quote(ctx context.Context, key QuoteKey) (PriceQuote, error)
}

// CredentialSource lists the payment credentials on file for the partner.
type CredentialSource interface {
	ListCredentials(ctx context.Context) (CredentialList, error)
}

// SetupSecretIssuer asks the backend for a processor setup session.
type SetupSecretIssuer interface {
	IssueSetupSecret(ctx context.Context) (TokenizationSession, error)
}

// PaymentProcessor confirms a hosted collection against a setup session.
// A decline is reported as *CredentialRejectedError.
type PaymentProcessor interface {
	ConfirmSetup(ctx context.Context, session TokenizationSession, collection Collection) (AcquiredCredential, error)
}

// PurchaseBackend charges the credential and allocates seats atomically.
// Failures are reported as *ChargeDeclinedError,
// *CapacityAllocationFailedError or *BackendUnavailableError.
type PurchaseBackend interface {
	ConfirmPurchase(ctx context.Context, payload PendingPayload) (PurchaseResult, error)
}

// TransitionValidator checks a saga event against the current state and
// returns the destination state.
type TransitionValidator interface {
	Apply(ctx context.Context, current State, event Event) (State, error)
}

// OutcomeKind names a purchase outcome worth telling the rest of the system about.
type OutcomeKind string

const (
	OutcomePurchaseSucceeded OutcomeKind = "purchase.succeeded"
	OutcomeAllocationFailed  OutcomeKind = "purchase.allocation_failed"
	OutcomeCredentialSaved   OutcomeKind = "credential.saved"
)

// Outcome is a snapshot of a purchase attempt at a notable moment.
type Outcome struct {
	Kind             OutcomeKind
	AttemptID        string
	PaymentAttemptID string
	BatchID          string
	BatchName        string
	Seats            int
	Charged          Money
	Message          string
	OccurredAt       time.Time
}

// EventPublisher defines the contract for emitting purchase outcomes.
type EventPublisher interface {
	Publish(ctx context.Context, outcome Outcome) error
}
