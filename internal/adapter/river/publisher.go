package river

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

var _ domain.EventPublisher = (*Publisher)(nil)

// OutcomeJobArgs carries a purchase outcome to the worker. It is a snapshot,
// so the worker never needs the attempt that produced it.
type OutcomeJobArgs struct {
	Outcome          string    `json:"outcome"`
	AttemptID        string    `json:"attempt_id"`
	PaymentAttemptID string    `json:"payment_attempt_id"`
	BatchID          string    `json:"batch_id,omitempty"`
	BatchName        string    `json:"batch_name,omitempty"`
	Seats            int       `json:"seats"`
	ChargedCents     int64     `json:"charged_cents"`
	Message          string    `json:"message,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (OutcomeJobArgs) Kind() string { return "purchase.outcome" }

// InsertOpts gives allocation failures their own queue so they are never
// starved by routine invalidations.
func (a OutcomeJobArgs) InsertOpts() river.InsertOpts {
	if a.Outcome == string(domain.OutcomeAllocationFailed) {
		return river.InsertOpts{Queue: QueueReconciliation, MaxAttempts: 10}
	}
	return river.InsertOpts{}
}

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Publisher implements domain.EventPublisher by enqueuing River jobs.
type Publisher struct {
	client *Client
}

// NewPublisher creates a publisher backed by the given River client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Publish enqueues a purchase outcome as an async job in River.
func (p *Publisher) Publish(ctx context.Context, o domain.Outcome) error {
	_, err := p.client.Insert(ctx, OutcomeJobArgs{
		Outcome:          string(o.Kind),
		AttemptID:        o.AttemptID,
		PaymentAttemptID: o.PaymentAttemptID,
		BatchID:          o.BatchID,
		BatchName:        o.BatchName,
		Seats:            o.Seats,
		ChargedCents:     int64(o.Charged),
		Message:          o.Message,
		OccurredAt:       o.OccurredAt,
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing outcome job: %w", err)
	}
	return nil
}
