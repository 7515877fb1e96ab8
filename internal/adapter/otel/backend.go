package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

const tracerName = "github.com/neomorfeo/seatdesk/internal/adapter/otel"

// Backend is the set of ports served by the partner backend.
type Backend interface {
	domain.PricingClient
	domain.CredentialSource
	domain.SetupSecretIssuer
	domain.PurchaseBackend
}

// TracingBackend wraps a Backend with OpenTelemetry tracing.
// Each call gets a span and a latency sample; failures record the error and
// the taxonomy kind.
type TracingBackend struct {
	next     Backend
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

var _ Backend = (*TracingBackend)(nil)

// NewTracingBackend creates a tracing decorator around the given backend.
func NewTracingBackend(next Backend) (*TracingBackend, error) {
	duration, err := otel.Meter(tracerName).Float64Histogram(BackendDurationMetric,
		metric.WithDescription("Partner backend call latency, by operation and result"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating backend duration histogram: %w", err)
	}
	return &TracingBackend{
		next:     next,
		tracer:   otel.Tracer(tracerName),
		duration: duration,
	}, nil
}

// observe records how long operation took and how it ended.
func (b *TracingBackend) observe(ctx context.Context, operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	b.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

func (b *TracingBackend) Quote(ctx context.Context, key domain.QuoteKey) (domain.PriceQuote, error) {
	ctx, span := b.tracer.Start(ctx, "Backend.Quote",
		trace.WithAttributes(
			attribute.Int("quote.seats", key.Seats),
			attribute.String("quote.sessions_per_day", key.SessionsPerDay.String()),
			attribute.Int("quote.months", int(key.Months)),
		),
	)
	defer span.End()

	start := time.Now()
	quote, err := b.next.Quote(ctx, key)
	b.observe(ctx, "quote", start, err)
	if err != nil {
		recordError(span, err)
	} else {
		span.SetAttributes(attribute.String("quote.total", quote.Total.String()))
	}
	return quote, err
}

func (b *TracingBackend) ListCredentials(ctx context.Context) (domain.CredentialList, error) {
	ctx, span := b.tracer.Start(ctx, "Backend.ListCredentials")
	defer span.End()

	start := time.Now()
	list, err := b.next.ListCredentials(ctx)
	b.observe(ctx, "list_credentials", start, err)
	if err != nil {
		recordError(span, err)
	} else {
		span.SetAttributes(attribute.Int("result.count", len(list.Cards)))
	}
	return list, err
}

func (b *TracingBackend) IssueSetupSecret(ctx context.Context) (domain.TokenizationSession, error) {
	ctx, span := b.tracer.Start(ctx, "Backend.IssueSetupSecret")
	defer span.End()

	// The client secret is a credential and never goes on the span.
	start := time.Now()
	session, err := b.next.IssueSetupSecret(ctx)
	b.observe(ctx, "issue_setup_secret", start, err)
	if err != nil {
		recordError(span, err)
	} else {
		span.SetAttributes(attribute.String("setup_intent.id", session.ID))
	}
	return session, err
}

func (b *TracingBackend) ConfirmPurchase(ctx context.Context, p domain.PendingPayload) (domain.PurchaseResult, error) {
	ctx, span := b.tracer.Start(ctx, "Backend.ConfirmPurchase",
		trace.WithAttributes(
			attribute.String("purchase.attempt_id", p.AttemptID),
			attribute.Int("purchase.seats", p.SeatCount),
			attribute.Bool("purchase.new_batch", p.BatchID == ""),
			attribute.Bool("purchase.new_credential", p.SetupIntentID != ""),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := b.next.ConfirmPurchase(ctx, p)
	b.observe(ctx, "confirm_purchase", start, err)
	if err != nil {
		recordError(span, err)
	} else {
		span.SetAttributes(
			attribute.String("purchase.batch_id", result.BatchID),
			attribute.Int("purchase.seats_allocated", result.SeatsAllocated),
		)
	}
	return result, err
}

// TracingProcessor wraps a domain.PaymentProcessor with OpenTelemetry tracing.
type TracingProcessor struct {
	next   domain.PaymentProcessor
	tracer trace.Tracer
}

var _ domain.PaymentProcessor = (*TracingProcessor)(nil)

// NewTracingProcessor creates a tracing decorator around the given processor.
func NewTracingProcessor(next domain.PaymentProcessor) *TracingProcessor {
	return &TracingProcessor{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (p *TracingProcessor) ConfirmSetup(ctx context.Context, session domain.TokenizationSession, c domain.Collection) (domain.AcquiredCredential, error) {
	ctx, span := p.tracer.Start(ctx, "Processor.ConfirmSetup",
		trace.WithAttributes(
			attribute.String("setup_intent.id", session.ID),
			attribute.Bool("credential.save", c.SaveForFuture),
		),
	)
	defer span.End()

	acquired, err := p.next.ConfirmSetup(ctx, session, c)
	if err != nil {
		recordError(span, err)
	}
	return acquired, err
}

func recordError(span trace.Span, err error) {
	span.SetAttributes(attribute.String("error.kind", string(domain.KindOf(err))))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
