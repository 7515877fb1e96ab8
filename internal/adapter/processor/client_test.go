package processor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/neomorfeo/seatdesk/internal/adapter/processor"
	"github.com/neomorfeo/seatdesk/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *processor.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return processor.New(srv.URL, "pk_test", srv.Client())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var session = domain.TokenizationSession{ID: "seti_1", ClientSecret: "seti_1_secret_abc", Mode: domain.ModeSetup}

func TestConfirmSetup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/setup_intents/seti_1/confirm" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body processor.ConfirmSetupRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.ClientSecret != "seti_1_secret_abc" || body.PaymentMethod != "tok_visa" || body.Usage != processor.UsageOffSession {
			t.Errorf("body = %+v", body)
		}
		writeJSON(w, http.StatusOK, processor.SetupIntent{
			ID:            "seti_1",
			Status:        "succeeded",
			PaymentMethod: "pm_9",
			Usage:         processor.UsageOffSession,
		})
	})

	got, err := c.ConfirmSetup(context.Background(), session, domain.Collection{Handle: "tok_visa", SaveForFuture: true})
	if err != nil {
		t.Fatalf("ConfirmSetup: %v", err)
	}
	want := domain.AcquiredCredential{PaymentMethodID: "pm_9", SetupIntentID: "seti_1", Saved: true}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestConfirmSetup_Decline(t *testing.T) {
	cases := []struct {
		name         string
		code         string
		declineCode  string
		wantCode     string
		wantConsumed bool
	}{
		{"card declined", "card_declined", "insufficient_funds", "insufficient_funds", false},
		{"secret used", "setup_intent_unexpected_state", "", "setup_intent_unexpected_state", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				var eb processor.ErrorBody
				eb.Error.Type = "card_error"
				eb.Error.Code = tc.code
				eb.Error.DeclineCode = tc.declineCode
				eb.Error.Message = "Your card was declined."
				writeJSON(w, http.StatusPaymentRequired, eb)
			})

			_, err := c.ConfirmSetup(context.Background(), session, domain.Collection{Handle: "tok_card_declined"})
			var rejected *domain.CredentialRejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("expected CredentialRejectedError, got %v", err)
			}
			if rejected.Code != tc.wantCode {
				t.Errorf("Code = %q, want %q", rejected.Code, tc.wantCode)
			}
			if rejected.SecretConsumed != tc.wantConsumed {
				t.Errorf("SecretConsumed = %v, want %v", rejected.SecretConsumed, tc.wantConsumed)
			}
			if rejected.Message != "Your card was declined." {
				t.Errorf("Message = %q", rejected.Message)
			}
		})
	}
}

func TestConfirmSetup_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.ConfirmSetup(context.Background(), session, domain.Collection{Handle: "tok_visa"})
	var unavailable *domain.BackendUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected BackendUnavailableError, got %v", err)
	}
}
