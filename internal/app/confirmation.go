package app

import (
	"context"
	"errors"
	"time"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// PurchaseConfirmation submits a finalized payload to the backend, which
// charges the credential and allocates seats.
type PurchaseConfirmation struct {
	backend domain.PurchaseBackend
	timeout time.Duration
}

// NewPurchaseConfirmation creates the sub-flow with a bounded timeout.
func NewPurchaseConfirmation(backend domain.PurchaseBackend, timeout time.Duration) *PurchaseConfirmation {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PurchaseConfirmation{backend: backend, timeout: timeout}
}

// Confirm sends payload once. The call ignores the caller's cancellation:
// an in-flight charge cannot be abandoned client-side, so it always runs to
// a response or to the timeout. A timeout is reported as
// *domain.BackendUnavailableError because the charge may have gone through.
func (c *PurchaseConfirmation) Confirm(ctx context.Context, payload domain.PendingPayload) (domain.PurchaseResult, error) {
	if !payload.HasCredential() {
		return domain.PurchaseResult{}, domain.ErrNoCredentialSelected
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	result, err := c.backend.ConfirmPurchase(ctx, payload)
	if err != nil {
		return domain.PurchaseResult{}, classifyConfirmError(payload.AttemptID, err)
	}

	if result.AttemptID == "" {
		result.AttemptID = payload.AttemptID
	}
	return result, nil
}

func classifyConfirmError(attemptID string, err error) error {
	var (
		declined   *domain.ChargeDeclinedError
		allocation *domain.CapacityAllocationFailedError
		backend    *domain.BackendUnavailableError
	)
	switch {
	case errors.As(err, &allocation):
		if allocation.AttemptID == "" {
			allocation.AttemptID = attemptID
		}
		return allocation
	case errors.As(err, &declined):
		if declined.AttemptID == "" {
			declined.AttemptID = attemptID
		}
		return declined
	case errors.As(err, &backend):
		if backend.AttemptID == "" {
			backend.AttemptID = attemptID
		}
		return backend
	}
	// Anything else leaves the charge outcome unknown; the attempt id makes
	// a replay safe.
	return &domain.BackendUnavailableError{AttemptID: attemptID, Err: err}
}
