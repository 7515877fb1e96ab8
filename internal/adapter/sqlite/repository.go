package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/neomorfeo/seatdesk/internal/sandbox"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ sandbox.Ledger = (*Ledger)(nil)

// Ledger implements sandbox.Ledger using SQLite.
type Ledger struct {
	db *sql.DB
}

// New opens a SQLite database, runs migrations, and returns a ready ledger.
func New(dataSourceName string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return NewFromDB(db)
}

// NewFromDB wraps an existing database connection, runs migrations, and returns a ready ledger.
// Use this when the *sql.DB has been pre-configured (e.g., with otelsql instrumentation).
func NewFromDB(db *sql.DB) (*Ledger, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

const timeFormat = "2006-01-02T15:04:05Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// --- Payment methods ---

const paymentMethodColumns = `id, brand, last4, exp_month, exp_year, is_default, saved, consumed, created_at`

func (l *Ledger) ListPaymentMethods(ctx context.Context) ([]sandbox.PaymentMethod, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods
		 WHERE saved = 1 ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing payment methods: %w", err)
	}
	defer rows.Close()

	var methods []sandbox.PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, pm)
	}

	return methods, rows.Err()
}

func (l *Ledger) GetPaymentMethod(ctx context.Context, id string) (sandbox.PaymentMethod, error) {
	return scanPaymentMethod(l.db.QueryRowContext(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE id = ?`, id))
}

// --- Setup intents ---

func (l *Ledger) CreateSetupIntent(ctx context.Context, si sandbox.SetupIntent) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO setup_intents (id, client_secret, status, usage, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		si.ID, si.ClientSecret, si.Status, si.Usage, formatTime(si.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sandbox.ErrConflict
		}
		return fmt.Errorf("inserting setup intent: %w", err)
	}
	return nil
}

func (l *Ledger) GetSetupIntent(ctx context.Context, id string) (sandbox.SetupIntent, error) {
	var si sandbox.SetupIntent
	var pmID sql.NullString
	var createdAt string

	err := l.db.QueryRowContext(ctx,
		`SELECT id, client_secret, status, payment_method_id, usage, created_at
		 FROM setup_intents WHERE id = ?`, id,
	).Scan(&si.ID, &si.ClientSecret, &si.Status, &pmID, &si.Usage, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sandbox.SetupIntent{}, sandbox.ErrNotFound
		}
		return sandbox.SetupIntent{}, fmt.Errorf("scanning setup intent: %w", err)
	}

	si.PaymentMethodID = pmID.String
	si.CreatedAt = parseTime(createdAt)
	return si, nil
}

func (l *Ledger) CancelSetupIntent(ctx context.Context, id string) error {
	result, err := l.db.ExecContext(ctx,
		`UPDATE setup_intents SET status = ? WHERE id = ?`, sandbox.IntentCanceled, id)
	if err != nil {
		return fmt.Errorf("cancelling setup intent: %w", err)
	}
	return requireRow(result)
}

func (l *Ledger) CompleteSetupIntent(ctx context.Context, intentID, usage string, pm sandbox.PaymentMethod) (sandbox.PaymentMethod, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return sandbox.PaymentMethod{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if pm.Saved {
		var defaults int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM payment_methods WHERE saved = 1 AND is_default = 1`,
		).Scan(&defaults); err != nil {
			return sandbox.PaymentMethod{}, fmt.Errorf("counting default payment methods: %w", err)
		}
		pm.IsDefault = defaults == 0
	} else {
		pm.IsDefault = false
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO payment_methods (`+paymentMethodColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pm.ID, pm.Brand, pm.Last4, pm.ExpMonth, pm.ExpYear,
		pm.IsDefault, pm.Saved, pm.Consumed, formatTime(pm.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return sandbox.PaymentMethod{}, sandbox.ErrConflict
		}
		return sandbox.PaymentMethod{}, fmt.Errorf("inserting payment method: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE setup_intents SET status = ?, payment_method_id = ?, usage = ?
		 WHERE id = ? AND status = ?`,
		sandbox.IntentSucceeded, pm.ID, usage, intentID, sandbox.IntentRequiresPaymentMethod,
	)
	if err != nil {
		return sandbox.PaymentMethod{}, fmt.Errorf("completing setup intent: %w", err)
	}
	if err := requireRow(result); err != nil {
		return sandbox.PaymentMethod{}, err
	}

	if err := tx.Commit(); err != nil {
		return sandbox.PaymentMethod{}, fmt.Errorf("committing setup intent: %w", err)
	}
	return pm, nil
}

// --- Purchases ---

const purchaseColumns = `attempt_id, batch_id, batch_name, seats, sessions_per_day, months, auto_renew,
	payment_method_id, charged_cents, status, code, message, expires_at, created_at`

func (l *Ledger) GetPurchase(ctx context.Context, attemptID string) (sandbox.Purchase, error) {
	return scanPurchase(l.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE attempt_id = ?`, attemptID))
}

func (l *Ledger) RecordPurchase(ctx context.Context, p sandbox.Purchase) (sandbox.Purchase, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return sandbox.Purchase{}, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanPurchase(tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE attempt_id = ?`, p.AttemptID))
	if err == nil {
		return existing, false, tx.Commit()
	}
	if !errors.Is(err, sandbox.ErrNotFound) {
		return sandbox.Purchase{}, false, err
	}

	if p.Status == sandbox.PurchaseSucceeded {
		usable, err := consumeSingleUse(ctx, tx, p.PaymentMethodID)
		if err != nil {
			return sandbox.Purchase{}, false, err
		}
		if !usable {
			p = p.DeclineConsumedCard()
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO purchases (`+purchaseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AttemptID, p.BatchID, p.BatchName, p.Seats, p.SessionsPerDay, p.Months, p.AutoRenew,
		p.PaymentMethodID, p.Charged, string(p.Status), p.Code, p.Message,
		formatTime(p.ExpiresAt), formatTime(p.CreatedAt),
	)
	if err != nil {
		return sandbox.Purchase{}, false, fmt.Errorf("inserting purchase: %w", err)
	}

	if p.Status == sandbox.PurchaseSucceeded {
		if err := allocateSeats(ctx, tx, p); err != nil {
			return sandbox.Purchase{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return sandbox.Purchase{}, false, fmt.Errorf("committing purchase: %w", err)
	}
	return p, true, nil
}

// consumeSingleUse spends a single-use card. It reports false if the card
// was spent by an earlier purchase. Saved cards are always usable.
func consumeSingleUse(ctx context.Context, tx *sql.Tx, paymentMethodID string) (bool, error) {
	var saved bool
	err := tx.QueryRowContext(ctx,
		`SELECT saved FROM payment_methods WHERE id = ?`, paymentMethodID).Scan(&saved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, sandbox.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reading payment method %s: %w", paymentMethodID, err)
	}
	if saved {
		return true, nil
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE payment_methods SET consumed = 1 WHERE id = ? AND consumed = 0`, paymentMethodID)
	if err != nil {
		return false, fmt.Errorf("consuming payment method: %w", err)
	}
	if err := requireRow(result); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// allocateSeats creates the purchase's batch or adds seats to it. Batches
// the ledger has never seen are adopted.
func allocateSeats(ctx context.Context, tx *sql.Tx, p sandbox.Purchase) error {
	now := formatTime(p.CreatedAt)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO batches (id, name, seats, sessions_per_day, months, auto_renew, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   seats = seats + excluded.seats,
		   sessions_per_day = excluded.sessions_per_day,
		   months = excluded.months,
		   auto_renew = excluded.auto_renew,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		p.BatchID, p.BatchName, p.Seats, p.SessionsPerDay, p.Months, p.AutoRenew,
		formatTime(p.ExpiresAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("allocating seats to batch %s: %w", p.BatchID, err)
	}
	return nil
}

func (l *Ledger) GetBatch(ctx context.Context, id string) (sandbox.Batch, error) {
	var b sandbox.Batch
	var expiresAt, createdAt, updatedAt string

	err := l.db.QueryRowContext(ctx,
		`SELECT id, name, seats, sessions_per_day, months, auto_renew, expires_at, created_at, updated_at
		 FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &b.Seats, &b.SessionsPerDay, &b.Months, &b.AutoRenew, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sandbox.Batch{}, sandbox.ErrNotFound
		}
		return sandbox.Batch{}, fmt.Errorf("scanning batch: %w", err)
	}

	b.ExpiresAt = parseTime(expiresAt)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// --- Scanning ---

type scanner interface {
	Scan(dest ...any) error
}

func scanPaymentMethod(row scanner) (sandbox.PaymentMethod, error) {
	var pm sandbox.PaymentMethod
	var createdAt string

	err := row.Scan(&pm.ID, &pm.Brand, &pm.Last4, &pm.ExpMonth, &pm.ExpYear,
		&pm.IsDefault, &pm.Saved, &pm.Consumed, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sandbox.PaymentMethod{}, sandbox.ErrNotFound
		}
		return sandbox.PaymentMethod{}, fmt.Errorf("scanning payment method: %w", err)
	}

	pm.CreatedAt = parseTime(createdAt)
	return pm, nil
}

func scanPurchase(row scanner) (sandbox.Purchase, error) {
	var p sandbox.Purchase
	var status, expiresAt, createdAt string

	err := row.Scan(&p.AttemptID, &p.BatchID, &p.BatchName, &p.Seats, &p.SessionsPerDay, &p.Months,
		&p.AutoRenew, &p.PaymentMethodID, &p.Charged, &status, &p.Code, &p.Message, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sandbox.Purchase{}, sandbox.ErrNotFound
		}
		return sandbox.Purchase{}, fmt.Errorf("scanning purchase: %w", err)
	}

	p.Status = sandbox.PurchaseStatus(status)
	p.ExpiresAt = parseTime(expiresAt)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return sandbox.ErrNotFound
	}
	return nil
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
