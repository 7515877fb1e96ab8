package river

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// Invalidator drops a cached view so the next read refetches it.
type Invalidator interface {
	Invalidate()
}

// OutcomeWorker reacts to purchase outcomes: it refreshes the shared
// credential view when a card is saved, signals seat and batch views after
// a purchase, and escalates allocation failures for manual reconciliation.
type OutcomeWorker struct {
	river.WorkerDefaults[OutcomeJobArgs]

	credentials Invalidator
}

// Work processes a single outcome job.
func (w *OutcomeWorker) Work(ctx context.Context, job *river.Job[OutcomeJobArgs]) error {
	args := job.Args
	log := slog.With(
		"outcome", args.Outcome,
		"attempt_id", args.AttemptID,
		"payment_attempt_id", args.PaymentAttemptID,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)

	switch domain.OutcomeKind(args.Outcome) {
	case domain.OutcomeCredentialSaved:
		if w.credentials != nil {
			w.credentials.Invalidate()
		}
		log.InfoContext(ctx, "payment methods changed")

	case domain.OutcomePurchaseSucceeded:
		log.InfoContext(ctx, "seat allocation changed, invalidating batch views",
			"batch_id", args.BatchID,
			"seats", args.Seats,
			"charged", domain.Money(args.ChargedCents).String(),
		)

	case domain.OutcomeAllocationFailed:
		// Money may have moved without seats; support reconciles by payment attempt id.
		log.ErrorContext(ctx, "seat allocation failed after charge, manual reconciliation required",
			"batch_id", args.BatchID,
			"batch_name", args.BatchName,
			"seats", args.Seats,
			"message", args.Message,
			"occurred_at", args.OccurredAt,
		)

	default:
		log.WarnContext(ctx, "ignoring unknown purchase outcome")
	}
	return nil
}
