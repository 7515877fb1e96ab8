package sandbox

import (
	"context"
	"errors"
	"time"
)

// Ledger errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// PaymentMethod is a tokenized card held by the sandbox processor.
// Cards that were not saved for future use are single-use: they are never
// listed and cannot be charged after their first successful purchase.
type PaymentMethod struct {
	ID        string
	Brand     string
	Last4     string
	ExpMonth  int
	ExpYear   int
	IsDefault bool
	Saved     bool
	Consumed  bool
	CreatedAt time.Time
}

// Setup intent statuses.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentSucceeded             = "succeeded"
	IntentCanceled              = "canceled"
)

// SetupIntent is a single-use session for tokenizing one card.
type SetupIntent struct {
	ID              string
	ClientSecret    string
	Status          string
	PaymentMethodID string
	Usage           string
	CreatedAt       time.Time
}

// PurchaseStatus is the recorded outcome of a confirmation.
type PurchaseStatus string

const (
	PurchaseSucceeded        PurchaseStatus = "succeeded"
	PurchaseDeclined         PurchaseStatus = "declined"
	PurchaseAllocationFailed PurchaseStatus = "allocation_failed"
)

// Purchase is one confirmation keyed by its attempt id. Charged is in cents.
type Purchase struct {
	AttemptID       string
	BatchID         string
	BatchName       string
	Seats           int
	SessionsPerDay  string
	Months          int
	AutoRenew       bool
	PaymentMethodID string
	Charged         int64
	Status          PurchaseStatus
	Code            string
	Message         string
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// DeclineConsumedCard turns p into a decline for a single-use card that was
// already charged.
func (p Purchase) DeclineConsumedCard() Purchase {
	p.Status = PurchaseDeclined
	p.Code = CodeCardConsumed
	p.Message = "this payment method has already been used"
	p.Charged = 0
	p.ExpiresAt = time.Time{}
	return p
}

// Batch is a group of seats owned by the partner.
type Batch struct {
	ID             string
	Name           string
	Seats          int
	SessionsPerDay string
	Months         int
	AutoRenew      bool
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ledger persists the sandbox's processor and purchase records.
type Ledger interface {
	ListPaymentMethods(ctx context.Context) ([]PaymentMethod, error)
	GetPaymentMethod(ctx context.Context, id string) (PaymentMethod, error)

	CreateSetupIntent(ctx context.Context, si SetupIntent) error
	GetSetupIntent(ctx context.Context, id string) (SetupIntent, error)
	CancelSetupIntent(ctx context.Context, id string) error
	// CompleteSetupIntent stores pm and marks the intent succeeded in one
	// transaction. A saved card becomes the default when none exists.
	CompleteSetupIntent(ctx context.Context, intentID, usage string, pm PaymentMethod) (PaymentMethod, error)

	GetPurchase(ctx context.Context, attemptID string) (Purchase, error)
	// RecordPurchase stores p unless a purchase with the same attempt id
	// exists, in which case the stored one is returned with created=false.
	// A succeeded purchase allocates its seats and consumes a single-use
	// card in the same transaction; if that card was consumed already, p is
	// stored as a decline instead.
	RecordPurchase(ctx context.Context, p Purchase) (stored Purchase, created bool, err error)

	GetBatch(ctx context.Context, id string) (Batch, error)
}
