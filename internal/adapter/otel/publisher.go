package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// TracingPublisher wraps a domain.EventPublisher with OpenTelemetry tracing
// and counts published outcomes by kind.
type TracingPublisher struct {
	next     domain.EventPublisher
	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

var _ domain.EventPublisher = (*TracingPublisher)(nil)

// NewTracingPublisher creates a tracing decorator around the given publisher.
func NewTracingPublisher(next domain.EventPublisher) (*TracingPublisher, error) {
	outcomes, err := otel.Meter(tracerName).Int64Counter(OutcomeMetric,
		metric.WithDescription("Purchase outcomes published, by kind"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outcome counter: %w", err)
	}
	return &TracingPublisher{
		next:     next,
		tracer:   otel.Tracer(tracerName),
		outcomes: outcomes,
	}, nil
}

func (p *TracingPublisher) Publish(ctx context.Context, o domain.Outcome) error {
	ctx, span := p.tracer.Start(ctx, "EventPublisher.Publish",
		trace.WithAttributes(
			attribute.String("outcome.kind", string(o.Kind)),
			attribute.String("purchase.attempt_id", o.AttemptID),
			attribute.String("purchase.payment_attempt_id", o.PaymentAttemptID),
		),
	)
	defer span.End()

	err := p.next.Publish(ctx, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	p.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(o.Kind))))
	return nil
}
