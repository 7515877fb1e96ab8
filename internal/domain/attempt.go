package domain

import "time"

// State represents the position of a purchase attempt in the saga.
type State string

const (
	StateConfiguring             State = "configuring"
	StateAwaitingCredential      State = "awaiting_credential"
	StateConfirmingWithProcessor State = "confirming_with_processor"
	StateConfirmingWithBackend   State = "confirming_with_backend"
	StateSucceeded               State = "succeeded"
	StateFailed                  State = "failed"
	StateCancelled               State = "cancelled"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Event represents an outcome that moves an attempt between states.
type Event string

const (
	EventRequireCredential     Event = "require_credential"
	EventSubmitPurchase        Event = "submit_purchase"
	EventSubmitCollection      Event = "submit_collection"
	EventCredentialRejected    Event = "credential_rejected"
	EventCredentialIssued      Event = "credential_issued"
	EventProcessorUnavailable  Event = "processor_unavailable"
	EventTokenizationFailed    Event = "tokenization_failed"
	EventPurchaseCompleted     Event = "purchase_completed"
	EventPurchaseRetryable     Event = "purchase_retryable"
	EventCredentialInvalidated Event = "credential_invalidated"
	EventAllocationFailed      Event = "allocation_failed"
	EventCancel                Event = "cancel"
)

// Transition defines a valid state change: an event moves an attempt from Src to Dst.
type Transition struct {
	Event Event
	Src   State
	Dst   State
}

// Transitions defines all valid state changes of a purchase attempt.
// This is domain knowledge consumed by the FSM adapter.
var Transitions = []Transition{
	{Event: EventRequireCredential, Src: StateConfiguring, Dst: StateAwaitingCredential},
	{Event: EventSubmitPurchase, Src: StateConfiguring, Dst: StateConfirmingWithBackend},
	{Event: EventSubmitCollection, Src: StateAwaitingCredential, Dst: StateConfirmingWithProcessor},
	{Event: EventCredentialRejected, Src: StateConfirmingWithProcessor, Dst: StateAwaitingCredential},
	{Event: EventCredentialIssued, Src: StateConfirmingWithProcessor, Dst: StateConfirmingWithBackend},
	{Event: EventProcessorUnavailable, Src: StateConfirmingWithProcessor, Dst: StateAwaitingCredential},
	{Event: EventTokenizationFailed, Src: StateAwaitingCredential, Dst: StateFailed},
	{Event: EventTokenizationFailed, Src: StateConfirmingWithProcessor, Dst: StateFailed},
	{Event: EventPurchaseCompleted, Src: StateConfirmingWithBackend, Dst: StateSucceeded},
	{Event: EventPurchaseRetryable, Src: StateConfirmingWithBackend, Dst: StateConfiguring},
	{Event: EventCredentialInvalidated, Src: StateConfirmingWithBackend, Dst: StateAwaitingCredential},
	{Event: EventAllocationFailed, Src: StateConfirmingWithBackend, Dst: StateFailed},
	{Event: EventCancel, Src: StateConfiguring, Dst: StateCancelled},
	{Event: EventCancel, Src: StateAwaitingCredential, Dst: StateCancelled},
	{Event: EventCancel, Src: StateConfirmingWithProcessor, Dst: StateCancelled},
}

// FailureReason classifies why an attempt ended in StateFailed.
type FailureReason string

const (
	FailureNone               FailureReason = ""
	FailureTokenization       FailureReason = "tokenization_failed"
	FailureCapacityAllocation FailureReason = "capacity_allocation_failed"
)

// Attempt is the saga's in-memory record of one purchase attempt.
type Attempt struct {
	ID                   string
	State                State
	Failure              FailureReason
	FailureMessage       string
	Config               Configuration
	Quote                *PriceQuote
	SelectedCredentialID string
	Pending              *PendingPayload
	Session              *TokenizationSession
	Acquired             *AcquiredCredential
	Result               *PurchaseResult
	History              []State
	StartedAt            time.Time
}

// NewAttempt creates an attempt in the initial "configuring" state.
func NewAttempt(id string, target Target) *Attempt {
	return &Attempt{
		ID:        id,
		State:     StateConfiguring,
		Config:    DefaultConfiguration(target),
		History:   []State{StateConfiguring},
		StartedAt: time.Now().UTC(),
	}
}

// HasFreshQuote reports whether the held quote matches the current configuration.
func (a *Attempt) HasFreshQuote() bool {
	return a.Quote != nil && a.Quote.Matches(a.Config)
}

// Enter records a state change. Terminal states release the pending payload
// and the tokenization session.
func (a *Attempt) Enter(s State) {
	a.State = s
	a.History = append(a.History, s)
	if s.Terminal() {
		a.Pending = nil
		a.Session = nil
	}
}
