package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// SubmitOptions modifies how Submit resolves the payment credential.
type SubmitOptions struct {
	// UseNewCredential routes through credential acquisition even when
	// credentials are on file.
	UseNewCredential bool
}

// ConfigUpdate carries the fields a user changed; nil fields are kept.
type ConfigUpdate struct {
	SeatCount      *int
	SessionsPerDay *domain.SessionsPerDay
	Months         *domain.Months
	AutoRenew      *bool
}

func (u ConfigUpdate) apply(cfg domain.Configuration) domain.Configuration {
	if u.SeatCount != nil {
		cfg.SeatCount = *u.SeatCount
	}
	if u.SessionsPerDay != nil {
		cfg.SessionsPerDay = *u.SessionsPerDay
	}
	if u.Months != nil {
		cfg.Months = *u.Months
	}
	if u.AutoRenew != nil {
		cfg.AutoRenew = *u.AutoRenew
	}
	return cfg
}

// flight is the orchestrator's bookkeeping around one attempt.
type flight struct {
	attempt *domain.Attempt

	// ctx is cancelled when the attempt is discarded.
	ctx    context.Context
	cancel context.CancelFunc

	busy        bool
	quoteSeq    uint64
	quoteCancel context.CancelFunc
}

// Orchestrator drives a seat purchase from configuration to a terminal
// outcome. It holds at most one attempt at a time.
type Orchestrator struct {
	pricing      *PricingEngine
	credentials  *CredentialStore
	acquisition  *CredentialAcquisition
	confirmation *PurchaseConfirmation
	validator    domain.TransitionValidator
	publisher    domain.EventPublisher

	mu      sync.Mutex
	current *flight
}

// NewOrchestrator creates an orchestrator over the given sub-flows.
func NewOrchestrator(
	pricing *PricingEngine,
	credentials *CredentialStore,
	acquisition *CredentialAcquisition,
	confirmation *PurchaseConfirmation,
	validator domain.TransitionValidator,
	publisher domain.EventPublisher,
) *Orchestrator {
	return &Orchestrator{
		pricing:      pricing,
		credentials:  credentials,
		acquisition:  acquisition,
		confirmation: confirmation,
		validator:    validator,
		publisher:    publisher,
	}
}

// Begin opens a new attempt for target. A previous attempt must have
// finished, and a failed one must have been acknowledged.
func (o *Orchestrator) Begin(ctx context.Context, target domain.Target) (domain.Attempt, error) {
	if err := target.Validate(); err != nil {
		return domain.Attempt{}, err
	}

	id, err := generateID()
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("generating attempt id: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if f := o.current; f != nil {
		switch f.attempt.State {
		case domain.StateFailed:
			return domain.Attempt{}, domain.ErrAcknowledgementRequired
		case domain.StateSucceeded, domain.StateCancelled:
			o.releaseLocked()
		default:
			return domain.Attempt{}, domain.ErrAttemptInProgress
		}
	}

	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{
		attempt: domain.NewAttempt(id, target),
		ctx:     attemptCtx,
		cancel:  cancel,
	}
	o.current = f

	slog.InfoContext(ctx, "purchase attempt started",
		"attempt_id", id,
		"new_batch", target.IsNew(),
		"batch_id", target.BatchID,
	)
	return snapshot(f.attempt), nil
}

// Current returns the attempt in progress.
func (o *Orchestrator) Current() (domain.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current == nil {
		return domain.Attempt{}, domain.ErrNoActiveAttempt
	}
	return snapshot(o.current.attempt), nil
}

// Configure applies a configuration change and recomputes the quote.
// Invalid changes, including seat counts under the minimum, are rejected
// before any network call and leave the configuration untouched.
func (o *Orchestrator) Configure(ctx context.Context, update ConfigUpdate) (domain.Attempt, error) {
	o.mu.Lock()
	f, err := o.activeLocked()
	if err != nil {
		o.mu.Unlock()
		return domain.Attempt{}, err
	}
	a := f.attempt
	if a.State != domain.StateConfiguring || a.Pending != nil {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, domain.ErrPayloadCaptured
	}
	if f.busy {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, domain.ErrStepInProgress
	}

	next := update.apply(a.Config)
	if err := next.Validate(); err != nil {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, err
	}
	a.Config = next
	fresh := a.HasFreshQuote()
	snap := snapshot(a)
	o.mu.Unlock()

	if fresh {
		return snap, nil
	}
	return o.RefreshQuote(ctx)
}

// RefreshQuote fetches a quote for the current configuration. The latest
// request wins: an older fetch still in flight is cancelled, and a result
// that no longer matches the configuration is discarded with
// domain.ErrQuoteSuperseded.
func (o *Orchestrator) RefreshQuote(ctx context.Context) (domain.Attempt, error) {
	o.mu.Lock()
	f, err := o.activeLocked()
	if err != nil {
		o.mu.Unlock()
		return domain.Attempt{}, err
	}
	a := f.attempt
	if a.State != domain.StateConfiguring || a.HasFreshQuote() {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, nil
	}
	if err := a.Config.Validate(); err != nil {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, err
	}

	f.quoteSeq++
	seq := f.quoteSeq
	if f.quoteCancel != nil {
		f.quoteCancel()
	}
	quoteCtx, cancel := bind(ctx, f.ctx)
	f.quoteCancel = cancel
	key := a.Config.Key()
	o.mu.Unlock()

	quote, err := o.pricing.Quote(quoteCtx, key)
	cancel()

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isCurrentLocked(f) {
		return domain.Attempt{}, domain.ErrNoActiveAttempt
	}
	if seq != f.quoteSeq || a.Config.Key() != key {
		slog.DebugContext(ctx, "discarding superseded quote", "attempt_id", a.ID, "key", key.String())
		return snapshot(a), domain.ErrQuoteSuperseded
	}
	f.quoteCancel = nil
	if err != nil {
		return snapshot(a), err
	}
	a.Quote = &quote
	return snapshot(a), nil
}

// SelectCredential chooses a stored credential for the purchase.
func (o *Orchestrator) SelectCredential(ctx context.Context, credentialID string) (domain.Attempt, error) {
	o.mu.Lock()
	f, err := o.activeLocked()
	if err == nil {
		err = selectable(f)
	}
	if err != nil {
		o.mu.Unlock()
		return o.snapshotOf(f), err
	}
	o.mu.Unlock()

	list, err := o.credentials.List(ctx)
	if err != nil {
		return o.snapshotOf(f), err
	}
	if !list.Contains(credentialID) {
		return o.snapshotOf(f), domain.ErrUnknownCredential
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isCurrentLocked(f) {
		return domain.Attempt{}, domain.ErrNoActiveAttempt
	}
	if err := selectable(f); err != nil {
		return snapshot(f.attempt), err
	}
	f.attempt.SelectedCredentialID = credentialID
	return snapshot(f.attempt), nil
}

// Submit finalizes the configuration. With a credential on file it goes
// straight to backend confirmation; otherwise it opens a tokenization
// session and waits in awaiting_credential for SubmitCollection. A payload
// kept from an unanswered confirmation is replayed unchanged.
func (o *Orchestrator) Submit(ctx context.Context, opts SubmitOptions) (domain.Attempt, error) {
	o.mu.Lock()
	f, err := o.activeLocked()
	if err != nil {
		o.mu.Unlock()
		return domain.Attempt{}, err
	}
	a := f.attempt
	if f.busy {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, domain.ErrStepInProgress
	}
	if a.State != domain.StateConfiguring {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, &domain.TransitionError{Event: domain.EventSubmitPurchase, Current: a.State}
	}

	if a.Pending != nil && a.Pending.HasCredential() {
		payload := *a.Pending
		if err := o.transitionLocked(ctx, f, domain.EventSubmitPurchase); err != nil {
			snap := snapshot(a)
			o.mu.Unlock()
			return snap, err
		}
		f.busy = true
		o.mu.Unlock()

		slog.InfoContext(ctx, "replaying purchase confirmation",
			"attempt_id", a.ID,
			"payment_attempt_id", payload.AttemptID,
		)
		return o.confirm(ctx, f, payload)
	}

	if err := a.Config.Validate(); err != nil {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, err
	}
	if !a.HasFreshQuote() {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, domain.ErrStaleQuote
	}
	f.busy = true
	o.mu.Unlock()

	listCtx, cancel := bind(ctx, f.ctx)
	list, listErr := o.credentials.List(listCtx)
	cancel()

	o.mu.Lock()
	if !o.isCurrentLocked(f) {
		o.mu.Unlock()
		return domain.Attempt{}, domain.ErrNoActiveAttempt
	}
	f.busy = false
	if listErr != nil {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, listErr
	}

	paymentAttemptID, err := generateID()
	if err != nil {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, fmt.Errorf("generating payment attempt id: %w", err)
	}
	payload := domain.CapturePayload(paymentAttemptID, a.Config, *a.Quote)

	if opts.UseNewCredential || len(list.Cards) == 0 {
		if err := o.transitionLocked(ctx, f, domain.EventRequireCredential); err != nil {
			snap := snapshot(a)
			o.mu.Unlock()
			return snap, err
		}
		a.Pending = &payload
		f.busy = true
		o.mu.Unlock()

		return o.settle(f, o.beginSession(ctx, f))
	}

	selected := a.SelectedCredentialID
	if selected == "" {
		if def, ok := list.Default(); ok {
			selected = def.ID
		}
	}
	if selected == "" {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, domain.ErrNoCredentialSelected
	}
	if !list.Contains(selected) {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, domain.ErrUnknownCredential
	}

	a.SelectedCredentialID = selected
	bound := payload.WithCredential(selected, "")
	a.Pending = &bound
	if err := o.transitionLocked(ctx, f, domain.EventSubmitPurchase); err != nil {
		a.Pending = nil
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, err
	}
	f.busy = true
	o.mu.Unlock()

	return o.confirm(ctx, f, bound)
}

// SubmitCollection confirms the hosted collection with the processor and,
// on success, chains into backend confirmation with the new credential.
// A processor decline keeps the attempt in awaiting_credential.
func (o *Orchestrator) SubmitCollection(ctx context.Context, collection domain.Collection) (domain.Attempt, error) {
	o.mu.Lock()
	f, err := o.activeLocked()
	if err != nil {
		o.mu.Unlock()
		return domain.Attempt{}, err
	}
	a := f.attempt
	if f.busy {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, domain.ErrStepInProgress
	}
	if a.State != domain.StateAwaitingCredential {
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, &domain.TransitionError{Event: domain.EventSubmitCollection, Current: a.State}
	}
	f.busy = true
	needSession := a.Session == nil || a.Session.Consumed
	o.mu.Unlock()

	if needSession {
		if err := o.beginSession(ctx, f); err != nil {
			return o.settle(f, err)
		}
	}

	o.mu.Lock()
	if !o.isCurrentLocked(f) {
		o.mu.Unlock()
		return domain.Attempt{}, domain.ErrNoActiveAttempt
	}
	if err := o.transitionLocked(ctx, f, domain.EventSubmitCollection); err != nil {
		f.busy = false
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, err
	}
	session := *a.Session
	o.mu.Unlock()

	collectCtx, cancel := bind(ctx, f.ctx)
	acquired, collectErr := o.acquisition.Collect(collectCtx, &session, collection)
	cancel()

	if collectErr == nil {
		// The new credential is on file now, even if the attempt was
		// cancelled meanwhile; other screens must see it.
		o.credentials.Invalidate()
	}

	o.mu.Lock()
	if !o.isCurrentLocked(f) {
		o.mu.Unlock()
		return domain.Attempt{}, domain.ErrNoActiveAttempt
	}
	if a.Session != nil {
		a.Session.Consumed = session.Consumed
	}

	if collectErr != nil {
		f.busy = false
		var (
			rejected *domain.CredentialRejectedError
			initErr  *domain.TokenizationInitFailedError
			terr     error
		)
		switch {
		case errors.As(collectErr, &rejected):
			terr = o.transitionLocked(ctx, f, domain.EventCredentialRejected)
		case errors.As(collectErr, &initErr) && !initErr.Retryable:
			terr = o.failLocked(ctx, f, domain.FailureTokenization, domain.EventTokenizationFailed, collectErr)
		default:
			terr = o.transitionLocked(ctx, f, domain.EventProcessorUnavailable)
		}
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, errors.Join(collectErr, terr)
	}

	a.Acquired = &acquired
	bound := a.Pending.WithCredential(acquired.PaymentMethodID, acquired.SetupIntentID)
	a.Pending = &bound
	if err := o.transitionLocked(ctx, f, domain.EventCredentialIssued); err != nil {
		f.busy = false
		snap := snapshot(a)
		o.mu.Unlock()
		return snap, err
	}
	o.mu.Unlock()

	if acquired.Saved {
		o.publish(ctx, domain.Outcome{
			Kind:             domain.OutcomeCredentialSaved,
			AttemptID:        a.ID,
			PaymentAttemptID: bound.AttemptID,
			OccurredAt:       time.Now().UTC(),
		})
	}

	return o.confirm(ctx, f, bound)
}

// Cancel discards the attempt and its pending requests. It is refused once
// backend confirmation has been sent, including a confirmation that went
// unanswered: that payload may have been charged and only a replay under
// its attempt id settles it. A failed attempt must be acknowledged instead.
func (o *Orchestrator) Cancel(ctx context.Context) (domain.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := o.activeLocked()
	if err != nil {
		return domain.Attempt{}, err
	}
	a := f.attempt

	switch a.State {
	case domain.StateConfirmingWithBackend:
		return snapshot(a), domain.ErrConfirmationInFlight
	case domain.StateFailed:
		return snapshot(a), domain.ErrAcknowledgementRequired
	case domain.StateSucceeded, domain.StateCancelled:
		snap := snapshot(a)
		o.releaseLocked()
		return snap, nil
	}
	if a.Pending != nil && a.Pending.HasCredential() {
		slog.InfoContext(ctx, "cancel refused, confirmation outcome unknown",
			"attempt_id", a.ID,
			"payment_attempt_id", a.Pending.AttemptID,
		)
		return snapshot(a), domain.ErrConfirmationInFlight
	}

	if err := o.transitionLocked(ctx, f, domain.EventCancel); err != nil {
		return snapshot(a), err
	}
	snap := snapshot(a)
	o.releaseLocked()
	return snap, nil
}

// Acknowledge releases a finished attempt so a new one can begin.
func (o *Orchestrator) Acknowledge(ctx context.Context) (domain.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := o.activeLocked()
	if err != nil {
		return domain.Attempt{}, err
	}
	if !f.attempt.State.Terminal() {
		return snapshot(f.attempt), domain.ErrAttemptInProgress
	}

	slog.InfoContext(ctx, "purchase attempt acknowledged",
		"attempt_id", f.attempt.ID,
		"state", f.attempt.State,
		"failure", f.attempt.Failure,
	)
	snap := snapshot(f.attempt)
	o.releaseLocked()
	return snap, nil
}

// confirm runs backend confirmation for payload. The caller has moved the
// attempt to confirming_with_backend and holds f.busy.
func (o *Orchestrator) confirm(ctx context.Context, f *flight, payload domain.PendingPayload) (domain.Attempt, error) {
	result, err := o.confirmation.Confirm(ctx, payload)

	o.mu.Lock()
	a := f.attempt
	f.busy = false

	var (
		outcome    *domain.Outcome
		declined   *domain.ChargeDeclinedError
		allocation *domain.CapacityAllocationFailedError
		terr       error
	)
	switch {
	case err == nil:
		a.Result = &result
		terr = o.transitionLocked(ctx, f, domain.EventPurchaseCompleted)
		outcome = newOutcome(domain.OutcomePurchaseSucceeded, a.ID, payload)
		outcome.BatchID = result.BatchID
		outcome.Seats = result.SeatsAllocated
		outcome.Charged = result.Charged

	case errors.As(err, &allocation):
		// Money may have moved without seats. Never retried from here.
		terr = o.failLocked(ctx, f, domain.FailureCapacityAllocation, domain.EventAllocationFailed, err)
		outcome = newOutcome(domain.OutcomeAllocationFailed, a.ID, payload)
		outcome.Message = allocation.Message
		slog.ErrorContext(ctx, "seat allocation failed after charge",
			"attempt_id", a.ID,
			"payment_attempt_id", payload.AttemptID,
			"error", err,
		)

	case errors.As(err, &declined):
		if a.Acquired != nil && !a.Acquired.Saved && payload.SetupIntentID != "" {
			// The single-use credential is spent; collect a new one for
			// the same purchase under a fresh attempt id.
			nextID, idErr := generateID()
			if idErr != nil {
				a.Pending = nil
				terr = errors.Join(fmt.Errorf("generating payment attempt id: %w", idErr),
					o.transitionLocked(ctx, f, domain.EventPurchaseRetryable))
				break
			}
			unbound := payload.Unbound(nextID)
			a.Pending = &unbound
			a.Acquired = nil
			a.Session = nil
			terr = o.transitionLocked(ctx, f, domain.EventCredentialInvalidated)
		} else {
			a.Pending = nil
			if declined.Code == domain.DeclinePriceChanged {
				a.Quote = nil
				o.pricing.Forget()
			}
			terr = o.transitionLocked(ctx, f, domain.EventPurchaseRetryable)
		}

	default:
		// Outcome unknown: keep the payload so a retry replays the same
		// attempt id and the backend can deduplicate.
		terr = o.transitionLocked(ctx, f, domain.EventPurchaseRetryable)
	}

	snap := snapshot(a)
	o.mu.Unlock()

	if outcome != nil {
		o.publish(ctx, *outcome)
	}
	if terr != nil {
		return snap, errors.Join(err, terr)
	}
	return snap, err
}

// beginSession requests a tokenization session for f. The caller holds f.busy.
func (o *Orchestrator) beginSession(ctx context.Context, f *flight) error {
	sessionCtx, cancel := bind(ctx, f.ctx)
	session, err := o.acquisition.Begin(sessionCtx)
	cancel()

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isCurrentLocked(f) {
		return domain.ErrNoActiveAttempt
	}
	if err != nil {
		var initErr *domain.TokenizationInitFailedError
		if errors.As(err, &initErr) && !initErr.Retryable {
			return errors.Join(err, o.failLocked(ctx, f, domain.FailureTokenization, domain.EventTokenizationFailed, err))
		}
		return err
	}
	f.attempt.Session = &session
	return nil
}

// settle clears f.busy and returns the attempt with err.
func (o *Orchestrator) settle(f *flight, err error) (domain.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isCurrentLocked(f) {
		return domain.Attempt{}, domain.ErrNoActiveAttempt
	}
	f.busy = false
	return snapshot(f.attempt), err
}

func (o *Orchestrator) transitionLocked(ctx context.Context, f *flight, event domain.Event) error {
	from := f.attempt.State
	to, err := o.validator.Apply(ctx, from, event)
	if err != nil {
		return err
	}
	f.attempt.Enter(to)

	slog.InfoContext(ctx, "purchase attempt transitioned",
		"attempt_id", f.attempt.ID,
		"event", event,
		"from", from,
		"to", to,
	)
	return nil
}

func (o *Orchestrator) failLocked(ctx context.Context, f *flight, reason domain.FailureReason, event domain.Event, cause error) error {
	f.attempt.Failure = reason
	f.attempt.FailureMessage = cause.Error()
	return o.transitionLocked(ctx, f, event)
}

func (o *Orchestrator) activeLocked() (*flight, error) {
	if o.current == nil {
		return nil, domain.ErrNoActiveAttempt
	}
	return o.current, nil
}

func (o *Orchestrator) isCurrentLocked(f *flight) bool {
	return o.current == f
}

func (o *Orchestrator) releaseLocked() {
	if o.current == nil {
		return
	}
	if o.current.quoteCancel != nil {
		o.current.quoteCancel()
	}
	o.current.cancel()
	o.current = nil
}

func (o *Orchestrator) snapshotOf(f *flight) domain.Attempt {
	if f == nil {
		return domain.Attempt{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return snapshot(f.attempt)
}

func (o *Orchestrator) publish(ctx context.Context, outcome domain.Outcome) {
	ctx = context.WithoutCancel(ctx)
	if err := o.publisher.Publish(ctx, outcome); err != nil {
		slog.WarnContext(ctx, "publishing purchase outcome failed",
			"kind", outcome.Kind,
			"attempt_id", outcome.AttemptID,
			"error", err,
		)
	}
}

func selectable(f *flight) error {
	switch {
	case f.attempt.State != domain.StateConfiguring || f.attempt.Pending != nil:
		return domain.ErrPayloadCaptured
	case f.busy:
		return domain.ErrStepInProgress
	}
	return nil
}

func newOutcome(kind domain.OutcomeKind, attemptID string, payload domain.PendingPayload) *domain.Outcome {
	return &domain.Outcome{
		Kind:             kind,
		AttemptID:        attemptID,
		PaymentAttemptID: payload.AttemptID,
		BatchID:          payload.BatchID,
		BatchName:        payload.BatchName,
		Seats:            payload.SeatCount,
		OccurredAt:       time.Now().UTC(),
	}
}

// bind derives a context from parent that is also cancelled with scope.
func bind(parent, scope context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(scope, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func snapshot(a *domain.Attempt) domain.Attempt {
	out := *a
	if a.Quote != nil {
		q := *a.Quote
		out.Quote = &q
	}
	if a.Pending != nil {
		p := *a.Pending
		out.Pending = &p
	}
	if a.Session != nil {
		s := *a.Session
		out.Session = &s
	}
	if a.Acquired != nil {
		c := *a.Acquired
		out.Acquired = &c
	}
	if a.Result != nil {
		r := *a.Result
		out.Result = &r
	}
	out.History = append([]domain.State(nil), a.History...)
	return out
}
