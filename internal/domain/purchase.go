package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SessionsPerDay is the daily practice-session allowance bought with each seat.
type SessionsPerDay int

const (
	Sessions3         SessionsPerDay = 3
	Sessions5         SessionsPerDay = 5
	Sessions10        SessionsPerDay = 10
	SessionsUnlimited SessionsPerDay = -1
)

// Valid reports whether s is one of the offered allowances.
func (s SessionsPerDay) Valid() bool {
	switch s {
	case Sessions3, Sessions5, Sessions10, SessionsUnlimited:
		return true
	}
	return false
}

// String returns the wire form used by the backend ("3", "5", "10", "unlimited").
func (s SessionsPerDay) String() string {
	if s == SessionsUnlimited {
		return "unlimited"
	}
	return strconv.Itoa(int(s))
}

// ParseSessionsPerDay parses the wire form of a daily allowance.
func ParseSessionsPerDay(v string) (SessionsPerDay, error) {
	if strings.EqualFold(v, "unlimited") {
		return SessionsUnlimited, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || !SessionsPerDay(n).Valid() {
		return 0, &InvalidOptionError{Field: "sessions_per_day", Value: v}
	}
	return SessionsPerDay(n), nil
}

// Months is the subscription duration.
type Months int

// Valid reports whether m is one of the offered durations.
func (m Months) Valid() bool {
	switch m {
	case 1, 3, 6, 12:
		return true
	}
	return false
}

// Minimum seat counts per target kind.
const (
	MinSeatsNewBatch      = 10
	MinSeatsExistingBatch = 1
)

// Target identifies where purchased seats land. Exactly one of BatchName
// (new batch) or BatchID (existing batch) is set.
type Target struct {
	BatchName string
	BatchID   string
}

// NewBatchTarget targets a batch that the purchase will create.
func NewBatchTarget(name string) Target {
	return Target{BatchName: name}
}

// ExistingBatchTarget targets a batch that already exists.
func ExistingBatchTarget(id string) Target {
	return Target{BatchID: id}
}

// IsNew reports whether the purchase creates a new batch.
func (t Target) IsNew() bool {
	return t.BatchID == ""
}

// MinimumSeats returns the smallest seat count accepted for this target.
func (t Target) MinimumSeats() int {
	if t.IsNew() {
		return MinSeatsNewBatch
	}
	return MinSeatsExistingBatch
}

// Validate checks that exactly one variant is populated.
func (t Target) Validate() error {
	name := strings.TrimSpace(t.BatchName)
	switch {
	case name == "" && t.BatchID == "":
		return &InvalidOptionError{Field: "target", Value: ""}
	case name != "" && t.BatchID != "":
		return &InvalidOptionError{Field: "target", Value: t.BatchID + "/" + t.BatchName}
	}
	return nil
}

// QuoteKey is the input tuple the backend prices.
type QuoteKey struct {
	Seats          int
	SessionsPerDay SessionsPerDay
	Months         Months
}

func (k QuoteKey) String() string {
	return fmt.Sprintf("%d/%s/%d", k.Seats, k.SessionsPerDay, k.Months)
}

// Configuration holds the user's in-progress selections for one purchase.
type Configuration struct {
	SeatCount      int
	SessionsPerDay SessionsPerDay
	Months         Months
	AutoRenew      bool
	Target         Target
}

// DefaultConfiguration returns the starting selections for a target.
func DefaultConfiguration(target Target) Configuration {
	return Configuration{
		SeatCount:      target.MinimumSeats(),
		SessionsPerDay: Sessions5,
		Months:         1,
		Target:         target,
	}
}

// Key returns the pricing tuple of the configuration.
func (c Configuration) Key() QuoteKey {
	return QuoteKey{Seats: c.SeatCount, SessionsPerDay: c.SessionsPerDay, Months: c.Months}
}

// MeetsMinimum reports whether the seat count reaches the target's threshold.
func (c Configuration) MeetsMinimum() bool {
	return c.SeatCount >= c.Target.MinimumSeats()
}

// Validate checks every field; it never touches the network.
func (c Configuration) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if !c.MeetsMinimum() {
		return &BelowMinimumSeatsError{Seats: c.SeatCount, Minimum: c.Target.MinimumSeats()}
	}
	if !c.SessionsPerDay.Valid() {
		return &InvalidOptionError{Field: "sessions_per_day", Value: c.SessionsPerDay.String()}
	}
	if !c.Months.Valid() {
		return &InvalidOptionError{Field: "months", Value: strconv.Itoa(int(c.Months))}
	}
	return nil
}

// Money is an amount in minor currency units (cents).
type Money int64

// MoneyFromFloat converts a backend decimal amount to cents.
func MoneyFromFloat(v float64) Money {
	return Money(math.Round(v * 100))
}

// Float returns the amount in major units, for the wire.
func (m Money) Float() float64 {
	return float64(m) / 100
}

func (m Money) String() string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s%d.%02d", sign, m/100, m%100)
}

// PriceQuote is an immutable price snapshot for one QuoteKey.
type PriceQuote struct {
	Key                   QuoteKey
	PerCandidate          Money
	Total                 Money
	VolumeDiscountPercent float64
	FetchedAt             time.Time
}

// Matches reports whether the quote was produced for cfg's current tuple.
func (q PriceQuote) Matches(cfg Configuration) bool {
	return q.Key == cfg.Key()
}

// StoredCredential is a payment method already on file with the backend.
type StoredCredential struct {
	ID        string
	Brand     string
	LastFour  string
	IsDefault bool
	ExpMonth  int
	ExpYear   int
}

// CredentialList is the backend's view of the partner's saved credentials.
type CredentialList struct {
	Cards     []StoredCredential
	DefaultID string
}

// Default returns the default credential, if one is on file.
func (l CredentialList) Default() (StoredCredential, bool) {
	for _, c := range l.Cards {
		if c.ID == l.DefaultID || (l.DefaultID == "" && c.IsDefault) {
			return c, true
		}
	}
	return StoredCredential{}, false
}

// Contains reports whether id is one of the listed credentials.
func (l CredentialList) Contains(id string) bool {
	for _, c := range l.Cards {
		if c.ID == id {
			return true
		}
	}
	return false
}

// TokenizationMode distinguishes collect-and-save from direct charges.
// Seat purchases only ever use ModeSetup.
type TokenizationMode string

const ModeSetup TokenizationMode = "setup"

// TokenizationSession is a single-use processor setup session.
type TokenizationSession struct {
	ID           string
	ClientSecret string
	Mode         TokenizationMode
	Consumed     bool
}

// Collection references the processor's hosted collection surface result.
// Handle is opaque; raw card data never passes through this module.
type Collection struct {
	Handle        string
	SaveForFuture bool
}

// AcquiredCredential is the outcome of a successful tokenization.
type AcquiredCredential struct {
	PaymentMethodID string
	SetupIntentID   string
	Saved           bool
}

// PendingPayload is the exact confirmation request captured once per attempt.
// It is a value: binding a credential yields a copy.
type PendingPayload struct {
	AttemptID       string
	SeatCount       int
	SessionsPerDay  SessionsPerDay
	Months          Months
	AutoRenew       bool
	BatchID         string
	BatchName       string
	PaymentMethodID string
	SetupIntentID   string
	QuotedTotal     Money
}

// CapturePayload snapshots a validated configuration and its fresh quote.
func CapturePayload(attemptID string, cfg Configuration, quote PriceQuote) PendingPayload {
	return PendingPayload{
		AttemptID:      attemptID,
		SeatCount:      cfg.SeatCount,
		SessionsPerDay: cfg.SessionsPerDay,
		Months:         cfg.Months,
		AutoRenew:      cfg.AutoRenew,
		BatchID:        cfg.Target.BatchID,
		BatchName:      cfg.Target.BatchName,
		QuotedTotal:    quote.Total,
	}
}

// WithCredential returns a copy bound to the given credential.
func (p PendingPayload) WithCredential(paymentMethodID, setupIntentID string) PendingPayload {
	p.PaymentMethodID = paymentMethodID
	p.SetupIntentID = setupIntentID
	return p
}

// Unbound returns a copy without a credential, under a new attempt id.
func (p PendingPayload) Unbound(attemptID string) PendingPayload {
	p.AttemptID = attemptID
	p.PaymentMethodID = ""
	p.SetupIntentID = ""
	return p
}

// HasCredential reports whether the payload is ready for confirmation.
func (p PendingPayload) HasCredential() bool {
	return p.PaymentMethodID != ""
}

// PurchaseResult is the backend's confirmation of a completed purchase.
type PurchaseResult struct {
	AttemptID      string
	BatchID        string
	SeatsAllocated int
	Charged        Money
	ExpiresAt      time.Time
}
