package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

var _ domain.PaymentProcessor = (*Client)(nil)

// Decline codes that mean the client secret cannot be confirmed again.
var consumedCodes = map[string]bool{
	"setup_intent_unexpected_state":       true,
	"setup_intent_authentication_failure": true,
	"resource_missing":                    true,
}

// Client performs the processor's client-side setup confirmation. It only
// relays the opaque collection handle and the session's client secret.
type Client struct {
	baseURL        string
	publishableKey string
	client         *http.Client
}

// New creates a processor client.
func New(baseURL, publishableKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		publishableKey: publishableKey,
		client:         httpClient,
	}
}

// ConfirmSetupRequest is the body of POST /v1/setup_intents/{id}/confirm.
type ConfirmSetupRequest struct {
	ClientSecret  string `json:"client_secret"`
	PaymentMethod string `json:"payment_method"`
	Usage         string `json:"usage"`
}

// SetupIntent is the processor's view of a confirmed setup session.
type SetupIntent struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentMethod string `json:"payment_method"`
	Usage         string `json:"usage"`
}

// ErrorBody is the processor's structured decline.
type ErrorBody struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code,omitempty"`
		Message     string `json:"message"`
	} `json:"error"`
}

// Usage values. Off-session usage saves the credential for later charges.
const (
	UsageOffSession = "off_session"
	UsageOnSession  = "on_session"
)

// ConfirmSetup confirms session with the hosted collection.
func (c *Client) ConfirmSetup(ctx context.Context, session domain.TokenizationSession, collection domain.Collection) (domain.AcquiredCredential, error) {
	usage := UsageOnSession
	if collection.SaveForFuture {
		usage = UsageOffSession
	}
	body, err := json.Marshal(ConfirmSetupRequest{
		ClientSecret:  session.ClientSecret,
		PaymentMethod: collection.Handle,
		Usage:         usage,
	})
	if err != nil {
		return domain.AcquiredCredential{}, fmt.Errorf("encoding setup confirmation: %w", err)
	}

	endpoint := c.baseURL + "/v1/setup_intents/" + url.PathEscape(session.ID) + "/confirm"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.AcquiredCredential{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.publishableKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.publishableKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.AcquiredCredential{}, &domain.BackendUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AcquiredCredential{}, &domain.BackendUnavailableError{Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return domain.AcquiredCredential{}, &domain.BackendUnavailableError{
			Err: fmt.Errorf("processor returned %d", resp.StatusCode),
		}
	}

	if resp.StatusCode != http.StatusOK {
		var eb ErrorBody
		if err := json.Unmarshal(raw, &eb); err != nil || eb.Error.Message == "" {
			return domain.AcquiredCredential{}, fmt.Errorf("processor returned %d", resp.StatusCode)
		}
		return domain.AcquiredCredential{}, &domain.CredentialRejectedError{
			Message:        eb.Error.Message,
			Code:           declineCode(eb),
			SecretConsumed: consumedCodes[eb.Error.Code],
		}
	}

	var intent SetupIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return domain.AcquiredCredential{}, fmt.Errorf("decoding setup intent: %w", err)
	}
	if intent.Status != "succeeded" {
		return domain.AcquiredCredential{}, &domain.CredentialRejectedError{
			Message: "the payment method needs further verification",
			Code:    intent.Status,
		}
	}

	return domain.AcquiredCredential{
		PaymentMethodID: intent.PaymentMethod,
		SetupIntentID:   intent.ID,
		Saved:           intent.Usage == UsageOffSession,
	}, nil
}

func declineCode(eb ErrorBody) string {
	if eb.Error.DeclineCode != "" {
		return eb.Error.DeclineCode
	}
	return eb.Error.Code
}
