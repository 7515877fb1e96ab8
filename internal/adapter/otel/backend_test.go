package otel_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	adapter "github.com/neomorfeo/seatdesk/internal/adapter/otel"
	"github.com/neomorfeo/seatdesk/internal/domain"
)

// --- Test tracer setup ---

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func assertAttribute(t *testing.T, span tracetest.SpanStub, key, want string) {
	t.Helper()
	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			if got := attr.Value.Emit(); got != want {
				t.Errorf("attribute %q = %q, want %q", key, got, want)
			}
			return
		}
	}
	t.Errorf("attribute %q not found on span %q", key, span.Name)
}

func newTracingBackend(t *testing.T, next adapter.Backend) *adapter.TracingBackend {
	t.Helper()
	b, err := adapter.NewTracingBackend(next)
	if err != nil {
		t.Fatalf("NewTracingBackend: %v", err)
	}
	return b
}

// --- Mock backend ---

type mockBackend struct {
	err error
}

func (m *mockBackend) Quote(_ context.Context, key domain.QuoteKey) (domain.PriceQuote, error) {
	if m.err != nil {
		return domain.PriceQuote{}, m.err
	}
	return domain.PriceQuote{Key: key, Total: domain.Money(key.Seats) * 1000}, nil
}

func (m *mockBackend) ListCredentials(_ context.Context) (domain.CredentialList, error) {
	if m.err != nil {
		return domain.CredentialList{}, m.err
	}
	return domain.CredentialList{Cards: []domain.StoredCredential{{ID: "pm_1"}, {ID: "pm_2"}}}, nil
}

func (m *mockBackend) IssueSetupSecret(_ context.Context) (domain.TokenizationSession, error) {
	if m.err != nil {
		return domain.TokenizationSession{}, m.err
	}
	return domain.TokenizationSession{ID: "seti_1", ClientSecret: "seti_1_secret_x"}, nil
}

func (m *mockBackend) ConfirmPurchase(_ context.Context, p domain.PendingPayload) (domain.PurchaseResult, error) {
	if m.err != nil {
		return domain.PurchaseResult{}, m.err
	}
	return domain.PurchaseResult{AttemptID: p.AttemptID, BatchID: "batch_1", SeatsAllocated: p.SeatCount}, nil
}

type mockProcessor struct {
	err error
}

func (m *mockProcessor) ConfirmSetup(_ context.Context, s domain.TokenizationSession, _ domain.Collection) (domain.AcquiredCredential, error) {
	if m.err != nil {
		return domain.AcquiredCredential{}, m.err
	}
	return domain.AcquiredCredential{PaymentMethodID: "pm_1", SetupIntentID: s.ID}, nil
}

// --- Tests ---

func TestTracingBackend_Quote(t *testing.T) {
	exporter := setupTestTracer(t)
	b := newTracingBackend(t, &mockBackend{})

	key := domain.QuoteKey{Seats: 10, SessionsPerDay: domain.SessionsUnlimited, Months: 3}
	if _, err := b.Quote(context.Background(), key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "Backend.Quote" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "Backend.Quote")
	}
	assertAttribute(t, spans[0], "quote.seats", "10")
	assertAttribute(t, spans[0], "quote.sessions_per_day", "unlimited")
	assertAttribute(t, spans[0], "quote.total", "100.00")
}

func TestTracingBackend_ListCredentials(t *testing.T) {
	exporter := setupTestTracer(t)
	b := newTracingBackend(t, &mockBackend{})

	if _, err := b.ListCredentials(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	assertAttribute(t, spans[0], "result.count", "2")
}

func TestTracingBackend_SecretNotRecorded(t *testing.T) {
	exporter := setupTestTracer(t)
	b := newTracingBackend(t, &mockBackend{})

	if _, err := b.IssueSetupSecret(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	span := exporter.GetSpans()[0]
	assertAttribute(t, span, "setup_intent.id", "seti_1")
	for _, attr := range span.Attributes {
		if attr.Value.Emit() == "seti_1_secret_x" {
			t.Errorf("client secret leaked into attribute %q", attr.Key)
		}
	}
}

func TestTracingBackend_ConfirmPurchase_RecordsKind(t *testing.T) {
	exporter := setupTestTracer(t)
	b := newTracingBackend(t, &mockBackend{err: &domain.CapacityAllocationFailedError{AttemptID: "pay_1", Message: "locked"}})

	_, err := b.ConfirmPurchase(context.Background(), domain.PendingPayload{AttemptID: "pay_1", SeatCount: 4, BatchID: "locked-1"})
	if err == nil {
		t.Fatal("expected error")
	}

	span := exporter.GetSpans()[0]
	if span.Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", span.Status.Code, codes.Error)
	}
	assertAttribute(t, span, "purchase.attempt_id", "pay_1")
	assertAttribute(t, span, "purchase.new_batch", "false")
	assertAttribute(t, span, "error.kind", string(domain.KindCapacityAllocationFailed))
}

func TestTracingBackend_RecordsLatencyByResult(t *testing.T) {
	reader := setupTestMeter(t)
	b := newTracingBackend(t, &mockBackend{err: &domain.CapacityAllocationFailedError{AttemptID: "pay_1", Message: "locked"}})

	if _, err := b.ConfirmPurchase(context.Background(), domain.PendingPayload{AttemptID: "pay_1", SeatCount: 4}); err == nil {
		t.Fatal("expected error")
	}

	m := collectMetric(t, reader, adapter.BackendDurationMetric)
	h, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", m.Data)
	}
	if len(h.DataPoints) != 1 || h.DataPoints[0].Count != 1 {
		t.Fatalf("data points = %+v, want one sample", h.DataPoints)
	}
	attrs := h.DataPoints[0].Attributes
	if v, _ := attrs.Value("operation"); v.AsString() != "confirm_purchase" {
		t.Errorf("operation = %q, want %q", v.AsString(), "confirm_purchase")
	}
	if v, _ := attrs.Value("result"); v.AsString() != string(domain.KindCapacityAllocationFailed) {
		t.Errorf("result = %q, want %q", v.AsString(), domain.KindCapacityAllocationFailed)
	}
}

func TestTracingProcessor_ConfirmSetup(t *testing.T) {
	exporter := setupTestTracer(t)
	p := adapter.NewTracingProcessor(&mockProcessor{err: errors.New("boom")})

	_, err := p.ConfirmSetup(context.Background(), domain.TokenizationSession{ID: "seti_7"}, domain.Collection{Handle: "tok_visa", SaveForFuture: true})
	if err == nil {
		t.Fatal("expected error")
	}

	span := exporter.GetSpans()[0]
	if span.Name != "Processor.ConfirmSetup" {
		t.Errorf("span name = %q", span.Name)
	}
	assertAttribute(t, span, "setup_intent.id", "seti_7")
	assertAttribute(t, span, "credential.save", "true")
	if span.Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", span.Status.Code, codes.Error)
	}
}
