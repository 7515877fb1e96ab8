package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// CredentialAcquisition collects and tokenizes a new payment credential
// through the processor's setup flow. It never charges.
type CredentialAcquisition struct {
	issuer         domain.SetupSecretIssuer
	processor      domain.PaymentProcessor
	initTimeout    time.Duration
	confirmTimeout time.Duration
}

// NewCredentialAcquisition creates the sub-flow with bounded step timeouts.
func NewCredentialAcquisition(issuer domain.SetupSecretIssuer, processor domain.PaymentProcessor, initTimeout, confirmTimeout time.Duration) *CredentialAcquisition {
	if initTimeout <= 0 {
		initTimeout = 10 * time.Second
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	return &CredentialAcquisition{
		issuer:         issuer,
		processor:      processor,
		initTimeout:    initTimeout,
		confirmTimeout: confirmTimeout,
	}
}

// Begin requests a single-use setup session from the backend.
func (a *CredentialAcquisition) Begin(ctx context.Context) (domain.TokenizationSession, error) {
	ctx, cancel := context.WithTimeout(ctx, a.initTimeout)
	defer cancel()

	session, err := a.issuer.IssueSetupSecret(ctx)
	if err != nil {
		var initErr *domain.TokenizationInitFailedError
		if errors.As(err, &initErr) {
			return domain.TokenizationSession{}, initErr
		}
		var unavailable *domain.BackendUnavailableError
		retryable := errors.As(err, &unavailable) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Canceled)
		return domain.TokenizationSession{}, &domain.TokenizationInitFailedError{Retryable: retryable, Err: err}
	}
	if session.ClientSecret == "" {
		return domain.TokenizationSession{}, &domain.TokenizationInitFailedError{
			Err: errors.New("backend returned an empty client secret"),
		}
	}

	session.Mode = domain.ModeSetup
	session.Consumed = false
	return session, nil
}

// Collect submits the hosted collection for session. On success the session
// is marked consumed and the new credential reference is returned. A
// processor decline leaves the session usable unless the processor reports
// the secret as consumed.
func (a *CredentialAcquisition) Collect(ctx context.Context, session *domain.TokenizationSession, collection domain.Collection) (domain.AcquiredCredential, error) {
	if session == nil || session.Consumed {
		return domain.AcquiredCredential{}, &domain.CredentialRejectedError{
			Message:        "the payment form has expired, please re-enter your details",
			Code:           "setup_session_consumed",
			SecretConsumed: true,
		}
	}
	if collection.Handle == "" {
		return domain.AcquiredCredential{}, &domain.CredentialRejectedError{
			Message: "payment details are incomplete",
			Code:    "incomplete",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()

	acquired, err := a.processor.ConfirmSetup(ctx, *session, collection)
	if err != nil {
		var rejected *domain.CredentialRejectedError
		if errors.As(err, &rejected) {
			if rejected.SecretConsumed {
				session.Consumed = true
			}
			slog.InfoContext(ctx, "processor rejected credential",
				"setup_intent_id", session.ID,
				"code", rejected.Code,
				"secret_consumed", rejected.SecretConsumed,
			)
			return domain.AcquiredCredential{}, rejected
		}

		var unavailable *domain.BackendUnavailableError
		if errors.As(err, &unavailable) || errors.Is(err, context.DeadlineExceeded) {
			return domain.AcquiredCredential{}, &domain.BackendUnavailableError{Err: fmt.Errorf("confirming setup: %w", err)}
		}
		if errors.Is(err, context.Canceled) {
			return domain.AcquiredCredential{}, err
		}
		return domain.AcquiredCredential{}, &domain.TokenizationInitFailedError{Err: fmt.Errorf("confirming setup: %w", err)}
	}

	if acquired.PaymentMethodID == "" {
		return domain.AcquiredCredential{}, &domain.TokenizationInitFailedError{
			Err: errors.New("processor confirmed setup without a credential reference"),
		}
	}

	session.Consumed = true
	if acquired.SetupIntentID == "" {
		acquired.SetupIntentID = session.ID
	}
	return acquired, nil
}
