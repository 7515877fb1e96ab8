package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/seatdesk/internal/app"
	"github.com/neomorfeo/seatdesk/internal/domain"
)

const timeFormat = "2006-01-02T15:04:05Z"

// ConfigurationResponse is the API representation of the purchase selections.
type ConfigurationResponse struct {
	SeatCount      int    `json:"seat_count" doc:"Seats to purchase"`
	MinimumSeats   int    `json:"minimum_seats" doc:"Smallest seat count accepted for the target"`
	SessionsPerDay string `json:"sessions_per_day" doc:"Daily session allowance (3, 5, 10, unlimited)"`
	Months         int    `json:"months" doc:"Subscription duration"`
	AutoRenew      bool   `json:"auto_renew" doc:"Renew at the end of the duration"`
	BatchID        string `json:"batch_id,omitempty" doc:"Existing batch receiving the seats"`
	BatchName      string `json:"batch_name,omitempty" doc:"Name of the batch the purchase creates"`
}

// QuoteResponse is a price snapshot.
type QuoteResponse struct {
	PerCandidate          string  `json:"per_candidate" doc:"Price of one seat for the whole duration"`
	Total                 string  `json:"total" doc:"Price of all seats"`
	VolumeDiscountPercent float64 `json:"volume_discount_percent"`
	Fresh                 bool    `json:"fresh" doc:"Whether the quote matches the current configuration"`
}

// TokenizationResponse carries what the hosted card form needs.
type TokenizationResponse struct {
	SetupIntentID string `json:"setup_intent_id"`
	ClientSecret  string `json:"client_secret" doc:"Single-use secret for the processor's hosted fields"`
}

// ResultResponse is a completed purchase.
type ResultResponse struct {
	BatchID        string `json:"batch_id"`
	SeatsAllocated int    `json:"seats_allocated"`
	Charged        string `json:"charged"`
	ExpiresAt      string `json:"expires_at,omitempty" doc:"Expiry timestamp (ISO 8601)"`
}

// AttemptResponse is the API representation of a purchase attempt.
type AttemptResponse struct {
	ID                   string                `json:"id" doc:"Attempt ID"`
	State                string                `json:"state" doc:"Saga state"`
	FailureReason        string                `json:"failure_reason,omitempty"`
	FailureMessage       string                `json:"failure_message,omitempty"`
	Configuration        ConfigurationResponse `json:"configuration"`
	Quote                *QuoteResponse        `json:"quote,omitempty"`
	SelectedCredentialID string                `json:"selected_credential_id,omitempty"`
	PaymentAttemptID     string                `json:"payment_attempt_id,omitempty" doc:"Idempotency key of the captured payload"`
	Tokenization         *TokenizationResponse `json:"tokenization,omitempty"`
	Result               *ResultResponse       `json:"result,omitempty"`
	History              []string              `json:"history"`
	StartedAt            string                `json:"started_at" doc:"Start timestamp (ISO 8601)"`
}

func toAttemptResponse(a domain.Attempt) AttemptResponse {
	resp := AttemptResponse{
		ID:             a.ID,
		State:          string(a.State),
		FailureReason:  string(a.Failure),
		FailureMessage: a.FailureMessage,
		Configuration: ConfigurationResponse{
			SeatCount:      a.Config.SeatCount,
			MinimumSeats:   a.Config.Target.MinimumSeats(),
			SessionsPerDay: a.Config.SessionsPerDay.String(),
			Months:         int(a.Config.Months),
			AutoRenew:      a.Config.AutoRenew,
			BatchID:        a.Config.Target.BatchID,
			BatchName:      a.Config.Target.BatchName,
		},
		SelectedCredentialID: a.SelectedCredentialID,
		History:              make([]string, len(a.History)),
		StartedAt:            a.StartedAt.Format(timeFormat),
	}
	for i, s := range a.History {
		resp.History[i] = string(s)
	}
	if a.Quote != nil {
		resp.Quote = &QuoteResponse{
			PerCandidate:          a.Quote.PerCandidate.String(),
			Total:                 a.Quote.Total.String(),
			VolumeDiscountPercent: a.Quote.VolumeDiscountPercent,
			Fresh:                 a.HasFreshQuote(),
		}
	}
	if a.Pending != nil {
		resp.PaymentAttemptID = a.Pending.AttemptID
	}
	if a.Session != nil && !a.Session.Consumed {
		resp.Tokenization = &TokenizationResponse{
			SetupIntentID: a.Session.ID,
			ClientSecret:  a.Session.ClientSecret,
		}
	}
	if a.Result != nil {
		resp.Result = &ResultResponse{
			BatchID:        a.Result.BatchID,
			SeatsAllocated: a.Result.SeatsAllocated,
			Charged:        a.Result.Charged.String(),
		}
		if !a.Result.ExpiresAt.IsZero() {
			resp.Result.ExpiresAt = a.Result.ExpiresAt.UTC().Format(timeFormat)
		}
	}
	return resp
}

// AttemptOutput is returned by every purchase operation.
type AttemptOutput struct {
	Body AttemptResponse
}

// --- Begin ---

type BeginInput struct {
	Body struct {
		BatchName string `json:"batch_name,omitempty" maxLength:"255" doc:"Name of a new batch"`
		BatchID   string `json:"batch_id,omitempty" doc:"ID of an existing batch"`
	}
}

// --- Configure ---

type ConfigureInput struct {
	Body struct {
		SeatCount      *int    `json:"seat_count,omitempty" minimum:"1" doc:"Seats to purchase"`
		SessionsPerDay *string `json:"sessions_per_day,omitempty" enum:"3,5,10,unlimited" doc:"Daily session allowance"`
		Months         *int    `json:"months,omitempty" enum:"1,3,6,12" doc:"Subscription duration"`
		AutoRenew      *bool   `json:"auto_renew,omitempty" doc:"Renew at the end of the duration"`
	}
}

// --- Credential selection ---

type SelectCredentialInput struct {
	Body struct {
		PaymentMethodID string `json:"payment_method_id" minLength:"1" doc:"Saved payment method"`
	}
}

// --- Submit ---

type SubmitInput struct {
	Body struct {
		UseNewCredential bool `json:"use_new_credential,omitempty" doc:"Collect a new card even if one is on file"`
	}
}

// --- Collection ---

type CollectionInput struct {
	Body struct {
		Handle        string `json:"handle" minLength:"1" doc:"Opaque reference from the processor's hosted fields"`
		SaveForFuture bool   `json:"save_for_future,omitempty" doc:"Keep the card on file"`
	}
}

// --- Payment methods ---

// PaymentMethodResponse is a saved card.
type PaymentMethodResponse struct {
	ID        string `json:"id"`
	Brand     string `json:"brand"`
	LastFour  string `json:"last_four"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
	IsDefault bool   `json:"is_default"`
}

type PaymentMethodsOutput struct {
	Body struct {
		Cards     []PaymentMethodResponse `json:"cards"`
		DefaultID string                  `json:"default_id,omitempty"`
	}
}

// Register adds the purchase console routes to the Huma API.
func Register(api huma.API, orch *app.Orchestrator, credentials *app.CredentialStore) {
	tags := []string{"Purchase"}

	huma.Register(api, huma.Operation{
		OperationID: "begin-purchase",
		Method:      http.MethodPost,
		Path:        "/api/v1/purchase",
		Summary:     "Open a purchase attempt",
		Tags:        tags,
	}, func(ctx context.Context, input *BeginInput) (*AttemptOutput, error) {
		target := domain.Target{BatchName: input.Body.BatchName, BatchID: input.Body.BatchID}
		return respond(orch.Begin(ctx, target))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-purchase",
		Method:      http.MethodGet,
		Path:        "/api/v1/purchase",
		Summary:     "Get the purchase attempt in progress",
		Tags:        tags,
	}, func(_ context.Context, _ *struct{}) (*AttemptOutput, error) {
		return respond(orch.Current())
	})

	huma.Register(api, huma.Operation{
		OperationID: "configure-purchase",
		Method:      http.MethodPatch,
		Path:        "/api/v1/purchase/configuration",
		Summary:     "Change seats, allowance, duration or renewal",
		Tags:        tags,
	}, func(ctx context.Context, input *ConfigureInput) (*AttemptOutput, error) {
		update := app.ConfigUpdate{
			SeatCount: input.Body.SeatCount,
			AutoRenew: input.Body.AutoRenew,
		}
		if input.Body.SessionsPerDay != nil {
			s, err := domain.ParseSessionsPerDay(*input.Body.SessionsPerDay)
			if err != nil {
				return nil, toHumaError(err)
			}
			update.SessionsPerDay = &s
		}
		if input.Body.Months != nil {
			m := domain.Months(*input.Body.Months)
			update.Months = &m
		}
		return respond(orch.Configure(ctx, update))
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-quote",
		Method:      http.MethodPost,
		Path:        "/api/v1/purchase/quote",
		Summary:     "Re-price the current configuration",
		Tags:        tags,
	}, func(ctx context.Context, _ *struct{}) (*AttemptOutput, error) {
		return respond(orch.RefreshQuote(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-credential",
		Method:      http.MethodPut,
		Path:        "/api/v1/purchase/credential",
		Summary:     "Choose a saved payment method",
		Tags:        tags,
	}, func(ctx context.Context, input *SelectCredentialInput) (*AttemptOutput, error) {
		return respond(orch.SelectCredential(ctx, input.Body.PaymentMethodID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-purchase",
		Method:      http.MethodPost,
		Path:        "/api/v1/purchase/submit",
		Summary:     "Submit the purchase",
		Tags:        tags,
	}, func(ctx context.Context, input *SubmitInput) (*AttemptOutput, error) {
		return respond(orch.Submit(ctx, app.SubmitOptions{UseNewCredential: input.Body.UseNewCredential}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-collection",
		Method:      http.MethodPost,
		Path:        "/api/v1/purchase/collection",
		Summary:     "Submit the hosted card form",
		Tags:        tags,
	}, func(ctx context.Context, input *CollectionInput) (*AttemptOutput, error) {
		return respond(orch.SubmitCollection(ctx, domain.Collection{
			Handle:        input.Body.Handle,
			SaveForFuture: input.Body.SaveForFuture,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-purchase",
		Method:      http.MethodPost,
		Path:        "/api/v1/purchase/cancel",
		Summary:     "Discard the purchase attempt",
		Tags:        tags,
	}, func(ctx context.Context, _ *struct{}) (*AttemptOutput, error) {
		return respond(orch.Cancel(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-purchase",
		Method:      http.MethodPost,
		Path:        "/api/v1/purchase/acknowledge",
		Summary:     "Release a finished purchase attempt",
		Tags:        tags,
	}, func(ctx context.Context, _ *struct{}) (*AttemptOutput, error) {
		return respond(orch.Acknowledge(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payment-methods",
		Method:      http.MethodGet,
		Path:        "/api/v1/payment-methods",
		Summary:     "List saved payment methods",
		Tags:        []string{"Payment methods"},
	}, func(ctx context.Context, _ *struct{}) (*PaymentMethodsOutput, error) {
		list, err := credentials.List(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}

		out := &PaymentMethodsOutput{}
		out.Body.Cards = make([]PaymentMethodResponse, len(list.Cards))
		for i, c := range list.Cards {
			out.Body.Cards[i] = PaymentMethodResponse{
				ID:        c.ID,
				Brand:     c.Brand,
				LastFour:  c.LastFour,
				ExpMonth:  c.ExpMonth,
				ExpYear:   c.ExpYear,
				IsDefault: c.IsDefault,
			}
		}
		if d, ok := list.Default(); ok {
			out.Body.DefaultID = d.ID
		}
		return out, nil
	})
}

func respond(a domain.Attempt, err error) (*AttemptOutput, error) {
	if err != nil {
		return nil, toHumaError(err)
	}
	return &AttemptOutput{Body: toAttemptResponse(a)}, nil
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNoActiveAttempt):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, domain.ErrAttemptInProgress),
		errors.Is(err, domain.ErrAcknowledgementRequired),
		errors.Is(err, domain.ErrStepInProgress),
		errors.Is(err, domain.ErrConfirmationInFlight),
		errors.Is(err, domain.ErrPayloadCaptured),
		errors.Is(err, domain.ErrQuoteSuperseded),
		errors.Is(err, domain.ErrStaleQuote):
		return huma.Error409Conflict(err.Error())
	}

	var trErr *domain.TransitionError
	if errors.As(err, &trErr) {
		return huma.Error422UnprocessableEntity(trErr.Error())
	}

	switch domain.KindOf(err) {
	case domain.KindInvalidConfiguration, domain.KindNoCredentialSelected:
		return huma.Error422UnprocessableEntity(err.Error())
	case domain.KindCredentialRejected, domain.KindChargeDeclined:
		return huma.NewError(http.StatusPaymentRequired, err.Error())
	case domain.KindCapacityAllocationFailed:
		return huma.Error502BadGateway(err.Error())
	case domain.KindPricingUnavailable, domain.KindBackendUnavailable, domain.KindTokenizationInitFailed:
		if domain.Recoverable(err) {
			return huma.Error503ServiceUnavailable(err.Error())
		}
		return huma.Error502BadGateway(err.Error())
	}

	return huma.Error500InternalServerError("internal server error")
}
