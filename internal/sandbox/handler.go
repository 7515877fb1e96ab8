package sandbox

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/seatdesk/internal/adapter/backend"
	"github.com/neomorfeo/seatdesk/internal/adapter/processor"
	"github.com/neomorfeo/seatdesk/internal/domain"
)

// --- Pricing ---

type PricingInput struct {
	Seats          int    `query:"seats" required:"true" doc:"Seat count"`
	SessionsPerDay string `query:"sessions_per_day" required:"true" enum:"3,5,10,unlimited" doc:"Daily session allowance"`
	Months         int    `query:"months" required:"true" doc:"Subscription duration"`
}

// PricingBreakdown details how a price was computed.
type PricingBreakdown struct {
	BasePerSeatMonth      float64 `json:"base_per_seat_month"`
	Months                int     `json:"months"`
	VolumeDiscountPercent float64 `json:"volume_discount_percent"`
}

type PricingOutput struct {
	Body struct {
		PerCandidate float64          `json:"per_candidate" doc:"Price of one seat for the whole duration"`
		Total        float64          `json:"total" doc:"Price of all seats"`
		Breakdown    PricingBreakdown `json:"breakdown"`
	}
}

// --- Payment methods ---

// CardResponse is a saved card.
type CardResponse struct {
	ID        string `json:"id"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
	IsDefault bool   `json:"is_default"`
}

type PaymentMethodsOutput struct {
	Body struct {
		Cards                []CardResponse `json:"cards"`
		DefaultPaymentMethod string         `json:"default_payment_method"`
	}
}

// --- Setup secret ---

type SetupSecretOutput struct {
	Body struct {
		ClientSecret  string `json:"client_secret"`
		SetupIntentID string `json:"setup_intent_id"`
	}
}

// --- Confirm purchase ---

type ConfirmPurchaseInput struct {
	IdempotencyKey string `header:"Idempotency-Key" doc:"Must equal attempt_id when present"`
	Body           backend.ConfirmPurchaseRequest
}

type ConfirmPurchaseOutput struct {
	Status int
	Body   backend.Envelope
}

// --- Processor ---

type ConfirmSetupInput struct {
	ID   string `path:"id" doc:"Setup intent ID"`
	Body processor.ConfirmSetupRequest
}

// ProcessorErrorDetail mirrors the processor's error object.
type ProcessorErrorDetail struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code,omitempty"`
	Message     string `json:"message"`
}

// SetupIntentResponse is either a confirmed setup intent or an error.
type SetupIntentResponse struct {
	ID            string                `json:"id,omitempty"`
	Status        string                `json:"status,omitempty"`
	PaymentMethod string                `json:"payment_method,omitempty"`
	Usage         string                `json:"usage,omitempty"`
	Error         *ProcessorErrorDetail `json:"error,omitempty"`
}

type ConfirmSetupOutput struct {
	Status int
	Body   SetupIntentResponse
}

// Register adds the backend and processor routes to the Huma API.
func Register(api huma.API, svc *Service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pricing",
		Method:      http.MethodGet,
		Path:        "/pricing",
		Summary:     "Price a seat purchase",
		Tags:        []string{"Backend"},
	}, func(_ context.Context, input *PricingInput) (*PricingOutput, error) {
		sessions, err := domain.ParseSessionsPerDay(input.SessionsPerDay)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		key := domain.QuoteKey{Seats: input.Seats, SessionsPerDay: sessions, Months: domain.Months(input.Months)}
		price, err := Quote(key)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}

		out := &PricingOutput{}
		out.Body.PerCandidate = price.PerCandidate.Float()
		out.Body.Total = price.Total.Float()
		out.Body.Breakdown = PricingBreakdown{
			BasePerSeatMonth:      price.BasePerSeatMonth.Float(),
			Months:                input.Months,
			VolumeDiscountPercent: price.VolumeDiscountPercent,
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payment-methods",
		Method:      http.MethodGet,
		Path:        "/payment-methods",
		Summary:     "List saved payment methods",
		Tags:        []string{"Backend"},
	}, func(ctx context.Context, _ *struct{}) (*PaymentMethodsOutput, error) {
		methods, defaultID, err := svc.PaymentMethods(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("listing payment methods", err)
		}

		out := &PaymentMethodsOutput{}
		out.Body.Cards = make([]CardResponse, len(methods))
		for i, pm := range methods {
			out.Body.Cards[i] = CardResponse{
				ID:        pm.ID,
				Brand:     pm.Brand,
				Last4:     pm.Last4,
				ExpMonth:  pm.ExpMonth,
				ExpYear:   pm.ExpYear,
				IsDefault: pm.IsDefault,
			}
		}
		out.Body.DefaultPaymentMethod = defaultID
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-setup-secret",
		Method:      http.MethodGet,
		Path:        "/processor/setup-secret",
		Summary:     "Open a single-use setup session",
		Tags:        []string{"Backend"},
	}, func(ctx context.Context, _ *struct{}) (*SetupSecretOutput, error) {
		si, err := svc.IssueSetupSecret(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("issuing setup secret", err)
		}
		out := &SetupSecretOutput{}
		out.Body.ClientSecret = si.ClientSecret
		out.Body.SetupIntentID = si.ID
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-purchase",
		Method:      http.MethodPost,
		Path:        "/seats/confirm-purchase",
		Summary:     "Charge and allocate seats",
		Tags:        []string{"Backend"},
	}, func(ctx context.Context, input *ConfirmPurchaseInput) (*ConfirmPurchaseOutput, error) {
		if input.IdempotencyKey != "" && input.IdempotencyKey != input.Body.AttemptID {
			return envelopeError(http.StatusBadRequest, "invalid_request", "Idempotency-Key does not match attempt_id"), nil
		}

		p, err := svc.ConfirmPurchase(ctx, input.Body)
		if err != nil {
			var reqErr *RequestError
			if errors.As(err, &reqErr) {
				return envelopeError(reqErr.Status, "invalid_request", reqErr.Message), nil
			}
			return nil, huma.Error500InternalServerError("confirming purchase", err)
		}
		return toConfirmPurchaseOutput(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-setup-intent",
		Method:      http.MethodPost,
		Path:        "/v1/setup_intents/{id}/confirm",
		Summary:     "Confirm a setup intent with a collected card",
		Tags:        []string{"Processor"},
	}, func(ctx context.Context, input *ConfirmSetupInput) (*ConfirmSetupOutput, error) {
		si, err := svc.ConfirmSetup(ctx, input.ID, input.Body)
		if err != nil {
			var procErr *ProcessorError
			if errors.As(err, &procErr) {
				return &ConfirmSetupOutput{
					Status: procErr.Status,
					Body: SetupIntentResponse{Error: &ProcessorErrorDetail{
						Type:        procErr.Type,
						Code:        procErr.Code,
						DeclineCode: procErr.DeclineCode,
						Message:     procErr.Message,
					}},
				}, nil
			}
			return nil, huma.Error500InternalServerError("confirming setup intent", err)
		}
		return &ConfirmSetupOutput{
			Status: http.StatusOK,
			Body: SetupIntentResponse{
				ID:            si.ID,
				Status:        si.Status,
				PaymentMethod: si.PaymentMethodID,
				Usage:         si.Usage,
			},
		}, nil
	})
}

func toConfirmPurchaseOutput(p Purchase) *ConfirmPurchaseOutput {
	switch p.Status {
	case PurchaseSucceeded:
		return &ConfirmPurchaseOutput{
			Status: http.StatusOK,
			Body: backend.Envelope{
				Success: true,
				Data: &backend.ConfirmPurchaseData{
					AttemptID:      p.AttemptID,
					BatchID:        p.BatchID,
					SeatsAllocated: p.Seats,
					Charged:        domain.Money(p.Charged).Float(),
					ExpiresAt:      p.ExpiresAt,
				},
			},
		}
	case PurchaseAllocationFailed:
		return envelopeError(http.StatusConflict, p.Code, p.Message)
	default:
		return envelopeError(http.StatusPaymentRequired, p.Code, p.Message)
	}
}

func envelopeError(status int, code, message string) *ConfirmPurchaseOutput {
	return &ConfirmPurchaseOutput{
		Status: status,
		Body:   backend.Envelope{Success: false, Code: code, Message: message},
	}
}

// RequireBearer rejects requests without the given bearer token. An empty
// token disables the check.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"success":false,"code":"unauthorized","message":"missing or invalid token"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
