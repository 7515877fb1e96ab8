package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neomorfeo/seatdesk/internal/adapter/backend"
	"github.com/neomorfeo/seatdesk/internal/adapter/processor"
	"github.com/neomorfeo/seatdesk/internal/domain"
)

// Test handles accepted by the sandbox processor.
const (
	HandleVisa           = "tok_visa"
	HandleMastercard     = "tok_mastercard"
	HandleCardDeclined   = "tok_card_declined"
	HandleChargeDeclined = "tok_charge_declined"
	HandleSecretConsumed = "tok_secret_consumed"
)

// LockedBatchPrefix marks existing batches whose seats can never be
// allocated, so a charge against them ends in an allocation failure.
const LockedBatchPrefix = "locked-"

// Cards tokenized from HandleChargeDeclined carry this last4 and are
// declined at charge time.
const declinedLast4 = "0341"

// Decline codes recorded with a purchase.
const (
	CodePriceChanged = domain.DeclinePriceChanged
	CodeCardConsumed = "payment_method_consumed"
)

// RequestError is a backend request that was rejected before any charge.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// ProcessorError is a decline from the sandbox processor.
type ProcessorError struct {
	Status      int
	Type        string
	Code        string
	DeclineCode string
	Message     string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Service implements the partner backend and the processor over a Ledger.
type Service struct {
	ledger Ledger
	now    func() time.Time
}

// NewService creates a sandbox service.
func NewService(ledger Ledger) *Service {
	return &Service{
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// --- Backend ---

// PaymentMethods lists saved cards and the default card id.
func (s *Service) PaymentMethods(ctx context.Context) ([]PaymentMethod, string, error) {
	methods, err := s.ledger.ListPaymentMethods(ctx)
	if err != nil {
		return nil, "", err
	}
	var defaultID string
	for _, pm := range methods {
		if pm.IsDefault {
			defaultID = pm.ID
		}
	}
	return methods, defaultID, nil
}

// IssueSetupSecret opens a new single-use setup intent.
func (s *Service) IssueSetupSecret(ctx context.Context) (SetupIntent, error) {
	id := newID("seti")
	si := SetupIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Status:       IntentRequiresPaymentMethod,
		CreatedAt:    s.now(),
	}
	if err := s.ledger.CreateSetupIntent(ctx, si); err != nil {
		return SetupIntent{}, fmt.Errorf("creating setup intent: %w", err)
	}
	return si, nil
}

// ConfirmPurchase charges and allocates once per attempt id. A replay
// returns the recorded outcome without charging again.
func (s *Service) ConfirmPurchase(ctx context.Context, req backend.ConfirmPurchaseRequest) (Purchase, error) {
	if req.AttemptID == "" {
		return Purchase{}, &RequestError{Status: http.StatusBadRequest, Message: "attempt_id is required"}
	}

	existing, err := s.ledger.GetPurchase(ctx, req.AttemptID)
	if err == nil {
		slog.InfoContext(ctx, "replaying recorded purchase", "attempt_id", req.AttemptID, "status", existing.Status)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Purchase{}, err
	}

	cfg, err := parseConfiguration(req)
	if err != nil {
		return Purchase{}, &RequestError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	pm, err := s.ledger.GetPaymentMethod(ctx, req.PaymentMethodID)
	if errors.Is(err, ErrNotFound) {
		return Purchase{}, &RequestError{Status: http.StatusBadRequest, Message: "no such payment method: " + req.PaymentMethodID}
	}
	if err != nil {
		return Purchase{}, err
	}

	price, err := Quote(cfg.Key())
	if err != nil {
		return Purchase{}, &RequestError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	now := s.now()
	p := Purchase{
		AttemptID:       req.AttemptID,
		BatchID:         req.BatchID,
		BatchName:       req.BatchName,
		Seats:           cfg.SeatCount,
		SessionsPerDay:  cfg.SessionsPerDay.String(),
		Months:          int(cfg.Months),
		AutoRenew:       cfg.AutoRenew,
		PaymentMethodID: pm.ID,
		CreatedAt:       now,
	}

	switch {
	case domain.MoneyFromFloat(req.QuotedTotal) != price.Total:
		p.Status = PurchaseDeclined
		p.Code = CodePriceChanged
		p.Message = fmt.Sprintf("the price has changed to %s, please review the new total", price.Total)
	case pm.Consumed:
		p = p.DeclineConsumedCard()
	case pm.Last4 == declinedLast4:
		p.Status = PurchaseDeclined
		p.Code = backend.CodeChargeDeclined
		p.Message = "your card was declined"
	case strings.HasPrefix(req.BatchID, LockedBatchPrefix):
		p.Status = PurchaseAllocationFailed
		p.Code = backend.CodeCapacityAllocationFailed
		p.Charged = int64(price.Total)
		p.Message = "payment was taken but seats could not be allocated, support has been notified"
	default:
		p.Status = PurchaseSucceeded
		p.Charged = int64(price.Total)
		p.ExpiresAt = now.AddDate(0, p.Months, 0)
		if p.BatchID == "" {
			p.BatchID = newID("batch")
		}
	}

	stored, created, err := s.ledger.RecordPurchase(ctx, p)
	if err != nil {
		return Purchase{}, fmt.Errorf("recording purchase: %w", err)
	}
	if created {
		slog.InfoContext(ctx, "purchase recorded",
			"attempt_id", stored.AttemptID,
			"status", stored.Status,
			"batch_id", stored.BatchID,
			"seats", stored.Seats,
			"charged", domain.Money(stored.Charged).String(),
		)
	}
	return stored, nil
}

func parseConfiguration(req backend.ConfirmPurchaseRequest) (domain.Configuration, error) {
	sessions, err := domain.ParseSessionsPerDay(req.SessionsPerDay)
	if err != nil {
		return domain.Configuration{}, err
	}
	cfg := domain.Configuration{
		SeatCount:      req.SeatCount,
		SessionsPerDay: sessions,
		Months:         domain.Months(req.Months),
		AutoRenew:      req.AutoRenew,
		Target:         domain.Target{BatchID: req.BatchID, BatchName: req.BatchName},
	}
	if err := cfg.Validate(); err != nil {
		return domain.Configuration{}, err
	}
	return cfg, nil
}

// --- Processor ---

// ConfirmSetup tokenizes handle against the setup intent id. Declines are
// returned as *ProcessorError.
func (s *Service) ConfirmSetup(ctx context.Context, id string, req processor.ConfirmSetupRequest) (SetupIntent, error) {
	si, err := s.ledger.GetSetupIntent(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return SetupIntent{}, &ProcessorError{
			Status: http.StatusNotFound, Type: "invalid_request_error", Code: "resource_missing",
			Message: "no such setup intent: " + id,
		}
	}
	if err != nil {
		return SetupIntent{}, err
	}

	if req.ClientSecret != si.ClientSecret {
		return SetupIntent{}, &ProcessorError{
			Status: http.StatusBadRequest, Type: "invalid_request_error", Code: "setup_intent_authentication_failure",
			Message: "the client secret does not match this setup intent",
		}
	}
	if si.Status != IntentRequiresPaymentMethod {
		return SetupIntent{}, unexpectedState(si.Status)
	}

	var brand, last4 string
	switch req.PaymentMethod {
	case "":
		return SetupIntent{}, &ProcessorError{
			Status: http.StatusBadRequest, Type: "invalid_request_error", Code: "parameter_missing",
			Message: "payment details are incomplete",
		}
	case HandleCardDeclined:
		return SetupIntent{}, &ProcessorError{
			Status: http.StatusPaymentRequired, Type: "card_error", Code: "card_declined", DeclineCode: "generic_decline",
			Message: "your card was declined",
		}
	case HandleSecretConsumed:
		if err := s.ledger.CancelSetupIntent(ctx, si.ID); err != nil {
			return SetupIntent{}, fmt.Errorf("cancelling setup intent: %w", err)
		}
		return SetupIntent{}, unexpectedState(IntentCanceled)
	case HandleChargeDeclined:
		brand, last4 = "visa", declinedLast4
	case HandleMastercard:
		brand, last4 = "mastercard", "4444"
	default:
		brand, last4 = "visa", "4242"
	}

	now := s.now()
	pm, err := s.ledger.CompleteSetupIntent(ctx, si.ID, req.Usage, PaymentMethod{
		ID:        newID("pm"),
		Brand:     brand,
		Last4:     last4,
		ExpMonth:  12,
		ExpYear:   now.Year() + 3,
		Saved:     req.Usage == processor.UsageOffSession,
		CreatedAt: now,
	})
	if errors.Is(err, ErrNotFound) {
		// Lost a race with another confirmation of the same intent.
		return SetupIntent{}, unexpectedState(IntentSucceeded)
	}
	if err != nil {
		return SetupIntent{}, err
	}

	si.Status = IntentSucceeded
	si.PaymentMethodID = pm.ID
	si.Usage = req.Usage
	return si, nil
}

func unexpectedState(status string) *ProcessorError {
	return &ProcessorError{
		Status: http.StatusBadRequest, Type: "invalid_request_error", Code: "setup_intent_unexpected_state",
		Message: "this setup intent is " + status + " and can no longer be confirmed",
	}
}

// SeedCard saves a card tokenized from handle, for local development.
func (s *Service) SeedCard(ctx context.Context, handle string) (PaymentMethod, error) {
	si, err := s.IssueSetupSecret(ctx)
	if err != nil {
		return PaymentMethod{}, err
	}
	si, err = s.ConfirmSetup(ctx, si.ID, processor.ConfirmSetupRequest{
		ClientSecret:  si.ClientSecret,
		PaymentMethod: handle,
		Usage:         processor.UsageOffSession,
	})
	if err != nil {
		return PaymentMethod{}, fmt.Errorf("seeding card: %w", err)
	}
	return s.ledger.GetPaymentMethod(ctx, si.PaymentMethodID)
}
