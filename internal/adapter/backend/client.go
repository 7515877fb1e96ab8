package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// Compile-time checks: Client implements every backend port.
var (
	_ domain.PricingClient     = (*Client)(nil)
	_ domain.CredentialSource  = (*Client)(nil)
	_ domain.SetupSecretIssuer = (*Client)(nil)
	_ domain.PurchaseBackend   = (*Client)(nil)
)

// Error codes the backend puts in its failure envelope.
const (
	CodeChargeDeclined           = "charge_declined"
	CodeCapacityAllocationFailed = "capacity_allocation_failed"
)

const maxErrorBody = 64 << 10

// Client talks to the partner backend. Timeouts are owned by the caller's
// context; the HTTP client itself has none.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a backend client for baseURL, authenticating with token.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// --- Wire types ---

type pricingResponse struct {
	PerCandidate float64 `json:"per_candidate"`
	Total        float64 `json:"total"`
	Breakdown    struct {
		VolumeDiscountPercent float64 `json:"volume_discount_percent"`
	} `json:"breakdown"`
}

type cardResponse struct {
	ID        string `json:"id"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
	IsDefault bool   `json:"is_default"`
}

type paymentMethodsResponse struct {
	Cards                []cardResponse `json:"cards"`
	DefaultPaymentMethod string         `json:"default_payment_method"`
}

type setupSecretResponse struct {
	ClientSecret  string `json:"client_secret"`
	SetupIntentID string `json:"setup_intent_id,omitempty"`
}

// ConfirmPurchaseRequest is the body of POST /seats/confirm-purchase.
type ConfirmPurchaseRequest struct {
	SeatCount       int     `json:"seat_count"`
	SessionsPerDay  string  `json:"sessions_per_day"`
	Months          int     `json:"months"`
	AutoRenew       bool    `json:"auto_renew"`
	BatchID         string  `json:"batch_id,omitempty"`
	BatchName       string  `json:"batch_name,omitempty"`
	PaymentMethodID string  `json:"payment_method_id"`
	SetupIntentID   string  `json:"setup_intent_id,omitempty"`
	AttemptID       string  `json:"attempt_id"`
	QuotedTotal     float64 `json:"quoted_total"`
}

// ConfirmPurchaseData is the success payload of a confirmation.
type ConfirmPurchaseData struct {
	AttemptID      string    `json:"attempt_id"`
	BatchID        string    `json:"batch_id"`
	SeatsAllocated int       `json:"seats_allocated"`
	Charged        float64   `json:"charged"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Envelope wraps confirm-purchase responses.
type Envelope struct {
	Success bool                 `json:"success"`
	Message string               `json:"message,omitempty"`
	Code    string               `json:"code,omitempty"`
	Data    *ConfirmPurchaseData `json:"data,omitempty"`
}

// --- Ports ---

// Quote prices one seat/allowance/duration tuple.
func (c *Client) Quote(ctx context.Context, key domain.QuoteKey) (domain.PriceQuote, error) {
	q := url.Values{}
	q.Set("seats", strconv.Itoa(key.Seats))
	q.Set("sessions_per_day", key.SessionsPerDay.String())
	q.Set("months", strconv.Itoa(int(key.Months)))

	var resp pricingResponse
	if err := c.getJSON(ctx, "/pricing?"+q.Encode(), &resp); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("fetching price for %s: %w", key, err)
	}

	return domain.PriceQuote{
		Key:                   key,
		PerCandidate:          domain.MoneyFromFloat(resp.PerCandidate),
		Total:                 domain.MoneyFromFloat(resp.Total),
		VolumeDiscountPercent: resp.Breakdown.VolumeDiscountPercent,
		FetchedAt:             time.Now().UTC(),
	}, nil
}

// ListCredentials returns the saved payment methods.
func (c *Client) ListCredentials(ctx context.Context) (domain.CredentialList, error) {
	var resp paymentMethodsResponse
	if err := c.getJSON(ctx, "/payment-methods", &resp); err != nil {
		return domain.CredentialList{}, fmt.Errorf("listing payment methods: %w", err)
	}

	list := domain.CredentialList{
		Cards:     make([]domain.StoredCredential, 0, len(resp.Cards)),
		DefaultID: resp.DefaultPaymentMethod,
	}
	for _, card := range resp.Cards {
		list.Cards = append(list.Cards, domain.StoredCredential{
			ID:        card.ID,
			Brand:     card.Brand,
			LastFour:  card.Last4,
			IsDefault: card.IsDefault || card.ID == resp.DefaultPaymentMethod,
			ExpMonth:  card.ExpMonth,
			ExpYear:   card.ExpYear,
		})
	}
	return list, nil
}

// IssueSetupSecret asks the backend for a single-use setup session.
func (c *Client) IssueSetupSecret(ctx context.Context) (domain.TokenizationSession, error) {
	var resp setupSecretResponse
	if err := c.getJSON(ctx, "/processor/setup-secret", &resp); err != nil {
		return domain.TokenizationSession{}, fmt.Errorf("requesting setup secret: %w", err)
	}

	id := resp.SetupIntentID
	if id == "" {
		id = SetupIntentIDFromSecret(resp.ClientSecret)
	}
	return domain.TokenizationSession{
		ID:           id,
		ClientSecret: resp.ClientSecret,
		Mode:         domain.ModeSetup,
	}, nil
}

// ConfirmPurchase charges the payload's credential and allocates seats.
func (c *Client) ConfirmPurchase(ctx context.Context, p domain.PendingPayload) (domain.PurchaseResult, error) {
	body, err := json.Marshal(ConfirmPurchaseRequest{
		SeatCount:       p.SeatCount,
		SessionsPerDay:  p.SessionsPerDay.String(),
		Months:          int(p.Months),
		AutoRenew:       p.AutoRenew,
		BatchID:         p.BatchID,
		BatchName:       p.BatchName,
		PaymentMethodID: p.PaymentMethodID,
		SetupIntentID:   p.SetupIntentID,
		AttemptID:       p.AttemptID,
		QuotedTotal:     p.QuotedTotal.Float(),
	})
	if err != nil {
		return domain.PurchaseResult{}, fmt.Errorf("encoding confirmation: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/seats/confirm-purchase", bytes.NewReader(body))
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.AttemptID)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.PurchaseResult{}, &domain.BackendUnavailableError{AttemptID: p.AttemptID, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PurchaseResult{}, &domain.BackendUnavailableError{AttemptID: p.AttemptID, Err: fmt.Errorf("reading response: %w", err)}
	}

	var env Envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.PurchaseResult{}, &domain.BackendUnavailableError{
			AttemptID: p.AttemptID,
			Err:       fmt.Errorf("backend returned %d: %s", resp.StatusCode, messageOr(env.Message, raw)),
		}
	}
	if decodeErr != nil {
		// The charge outcome is unknown when the answer cannot be read.
		return domain.PurchaseResult{}, &domain.BackendUnavailableError{AttemptID: p.AttemptID, Err: fmt.Errorf("decoding response: %w", decodeErr)}
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return domain.PurchaseResult{}, confirmError(p.AttemptID, resp.StatusCode, env)
	}
	if env.Data == nil {
		return domain.PurchaseResult{}, &domain.BackendUnavailableError{AttemptID: p.AttemptID, Err: errors.New("confirmation succeeded without data")}
	}

	return domain.PurchaseResult{
		AttemptID:      env.Data.AttemptID,
		BatchID:        env.Data.BatchID,
		SeatsAllocated: env.Data.SeatsAllocated,
		Charged:        domain.MoneyFromFloat(env.Data.Charged),
		ExpiresAt:      env.Data.ExpiresAt,
	}, nil
}

// confirmError maps a failure envelope. Unrecognized client errors are
// treated as declines: the backend rejected the request, so nothing was
// charged.
func confirmError(attemptID string, status int, env Envelope) error {
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	if env.Code == CodeCapacityAllocationFailed {
		return &domain.CapacityAllocationFailedError{AttemptID: attemptID, Message: msg}
	}
	return &domain.ChargeDeclinedError{AttemptID: attemptID, Code: env.Code, Message: msg}
}

// SetupIntentIDFromSecret extracts the setup intent id from a client secret
// of the form "<id>_secret_<nonce>".
func SetupIntentIDFromSecret(secret string) string {
	id, _, found := strings.Cut(secret, "_secret_")
	if !found {
		return ""
	}
	return id
}

// --- Transport ---

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// getJSON performs a read. Transport failures and 5xx answers become
// *domain.BackendUnavailableError; other non-2xx answers are plain errors.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &domain.BackendUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var env Envelope
		_ = json.Unmarshal(raw, &env)
		err := fmt.Errorf("backend returned %d: %s", resp.StatusCode, messageOr(env.Message, raw))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return &domain.BackendUnavailableError{Err: err}
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func messageOr(msg string, raw []byte) string {
	if msg != "" {
		return msg
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
