package app_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// --- Fakes ---

// gate parks a fake call until it is released or the call's context ends.
type gate struct {
	release chan struct{}
	started chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), started: make(chan struct{}, 4)}
}

func (g *gate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.started <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ctxRecorder remembers the context error a fake call finished with.
type ctxRecorder struct {
	mu  sync.Mutex
	err error
}

func (r *ctxRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *ctxRecorder) CtxErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

type fakePricing struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	block   map[int]chan struct{}
	started chan int
}

func newFakePricing() *fakePricing {
	return &fakePricing{block: make(map[int]chan struct{}), started: make(chan int, 8)}
}

func (f *fakePricing) Quote(ctx context.Context, key domain.QuoteKey) (domain.PriceQuote, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	gate := f.block[key.Seats]
	f.mu.Unlock()

	if gate != nil {
		f.started <- key.Seats
		<-gate
	}
	if err != nil {
		return domain.PriceQuote{}, err
	}
	return domain.PriceQuote{
		Key:          key,
		PerCandidate: 1000,
		Total:        domain.Money(key.Seats) * 1000 * domain.Money(key.Months),
	}, nil
}

func (f *fakePricing) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCredentials struct {
	ctxRecorder
	mu    sync.Mutex
	list  domain.CredentialList
	err   error
	calls int
	gate  *gate
}

func (f *fakeCredentials) ListCredentials(ctx context.Context) (domain.CredentialList, error) {
	f.mu.Lock()
	f.calls++
	list, err, g := f.list, f.err, f.gate
	f.mu.Unlock()

	waitErr := g.wait(ctx)
	f.record(ctx.Err())
	if waitErr != nil {
		return domain.CredentialList{}, waitErr
	}
	if err != nil {
		return domain.CredentialList{}, err
	}
	return list, nil
}

func (f *fakeCredentials) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeIssuer struct {
	ctxRecorder
	mu    sync.Mutex
	calls int
	errs  []error
	gate  *gate
}

func (f *fakeIssuer) IssueSetupSecret(ctx context.Context) (domain.TokenizationSession, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	g := f.gate
	f.mu.Unlock()

	waitErr := g.wait(ctx)
	f.record(ctx.Err())
	if waitErr != nil {
		return domain.TokenizationSession{}, waitErr
	}
	if err != nil {
		return domain.TokenizationSession{}, err
	}
	id := fmt.Sprintf("seti_%d", n)
	return domain.TokenizationSession{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *fakeIssuer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProcessor struct {
	ctxRecorder
	mu       sync.Mutex
	sessions []string
	err      error
	gate     *gate
	// onSuccess runs after the processor has accepted a collection.
	onSuccess func()
}

func (f *fakeProcessor) ConfirmSetup(ctx context.Context, session domain.TokenizationSession, c domain.Collection) (domain.AcquiredCredential, error) {
	f.mu.Lock()
	f.sessions = append(f.sessions, session.ID)
	n := len(f.sessions)
	err, g := f.err, f.gate
	f.mu.Unlock()

	waitErr := g.wait(ctx)
	f.record(ctx.Err())
	if waitErr != nil {
		return domain.AcquiredCredential{}, waitErr
	}
	if err != nil {
		return domain.AcquiredCredential{}, err
	}
	switch c.Handle {
	case "tok_card_declined":
		return domain.AcquiredCredential{}, &domain.CredentialRejectedError{Message: "Your card was declined.", Code: "card_declined"}
	case "tok_secret_consumed":
		return domain.AcquiredCredential{}, &domain.CredentialRejectedError{
			Message:        "This setup session has already been used.",
			Code:           "setup_intent_unexpected_state",
			SecretConsumed: true,
		}
	}
	if f.onSuccess != nil {
		f.onSuccess()
	}
	return domain.AcquiredCredential{
		PaymentMethodID: fmt.Sprintf("pm_%d", n),
		Saved:           c.SaveForFuture,
	}, nil
}

func (f *fakeProcessor) Sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

type fakeBackend struct {
	mu       sync.Mutex
	payloads []domain.PendingPayload
	errs     []error
	ctxErr   error
	gate     *gate
}

func (f *fakeBackend) ConfirmPurchase(ctx context.Context, p domain.PendingPayload) (domain.PurchaseResult, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.ctxErr = ctx.Err()
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	g := f.gate
	f.mu.Unlock()

	if waitErr := g.wait(ctx); waitErr != nil {
		return domain.PurchaseResult{}, waitErr
	}
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	batchID := p.BatchID
	if batchID == "" {
		batchID = "batch_new"
	}
	return domain.PurchaseResult{
		BatchID:        batchID,
		SeatsAllocated: p.SeatCount,
		Charged:        p.QuotedTotal,
	}, nil
}

func (f *fakeBackend) Payloads() []domain.PendingPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PendingPayload(nil), f.payloads...)
}

type fakePublisher struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (f *fakePublisher) Publish(_ context.Context, o domain.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

func (f *fakePublisher) Kinds() []domain.OutcomeKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OutcomeKind, 0, len(f.outcomes))
	for _, o := range f.outcomes {
		out = append(out, o.Kind)
	}
	return out
}
