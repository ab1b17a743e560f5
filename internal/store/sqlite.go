package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"PeachCredit/internal/models"

	_ "modernc.org/sqlite"
)

// SQLiteMigrations returns the schema statements. SQLite executes one
// statement per Exec.
func SQLiteMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS credit_balances (
			user_id    TEXT PRIMARY KEY,
			credits    INTEGER NOT NULL CHECK (credits >= 0),
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_payments (
			order_id        TEXT PRIMARY KEY,
			payment_id      TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			credits_granted INTEGER NOT NULL,
			amount          TEXT NOT NULL,
			currency        TEXT NOT NULL,
			gateway         TEXT NOT NULL,
			processed_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_payments_user ON processed_payments(user_id)`,
		`CREATE TABLE IF NOT EXISTS credit_entries (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			kind          TEXT NOT NULL,
			delta         INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			reference     TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_entries_user ON credit_entries(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS payment_attempts (
			order_id            TEXT PRIMARY KEY,
			gateway             TEXT NOT NULL,
			provider_payment_id TEXT NOT NULL DEFAULT '',
			user_id             TEXT NOT NULL,
			credits             INTEGER NOT NULL,
			tier                TEXT NOT NULL,
			status              TEXT NOT NULL,
			checkout_url        TEXT,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_attempts_open ON payment_attempts(status, created_at)`,
	}
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type SQLite struct {
	liteOps
	DB *sql.DB
}

// OpenSQLite opens (or creates) credits.db inside dir and applies the schema.
func OpenSQLite(dir string) (*SQLite, error) {
	return OpenSQLiteDSN("file:" + filepath.Join(dir, "credits.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
}

func OpenSQLiteDSN(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; conditional updates stay atomic
	// and transactions never hit SQLITE_BUSY against each other.
	db.SetMaxOpenConns(1)

	for _, stmt := range SQLiteMigrations() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return &SQLite{liteOps: liteOps{q: db}, DB: db}, nil
}

func (s *SQLite) Close() {
	_ = s.DB.Close()
}

func (s *SQLite) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(liteOps{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type liteOps struct {
	q sqlQuerier
}

func (o liteOps) GetBalance(ctx context.Context, userID string, grant int64) (int64, bool, error) {
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, credits, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, grant, formatTime(time.Now()))
	if err != nil {
		return 0, false, err
	}
	created, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	var balance int64
	err = o.q.QueryRowContext(ctx, `SELECT credits FROM credit_balances WHERE user_id = ?`, userID).Scan(&balance)
	if err != nil {
		return 0, false, err
	}
	return balance, created > 0, nil
}

func (o liteOps) AtomicDecrement(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	var balance int64
	err := o.q.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET credits = credits - ?, updated_at = ?
		WHERE user_id = ? AND credits >= ?
		RETURNING credits
	`, amount, formatTime(time.Now()), userID, amount).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	err = o.q.QueryRowContext(ctx, `SELECT credits FROM credit_balances WHERE user_id = ?`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}
	return balance, false, nil
}

func (o liteOps) AtomicIncrement(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := o.q.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET credits = credits + ?, updated_at = ?
		WHERE user_id = ?
		RETURNING credits
	`, amount, formatTime(time.Now()), userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}

func (o liteOps) InsertIfAbsent(ctx context.Context, p *models.ProcessedPayment) (bool, error) {
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO processed_payments (
			order_id, payment_id, user_id, credits_granted,
			amount, currency, gateway, processed_at
		) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (order_id) DO NOTHING
	`,
		p.OrderID,
		p.PaymentID,
		p.UserID,
		p.CreditsGranted,
		p.Amount,
		p.Currency,
		string(p.Gateway),
		formatTime(p.ProcessedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (o liteOps) AppendEntry(ctx context.Context, e *models.LedgerEntry) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO credit_entries (id, user_id, kind, delta, balance_after, reference, created_at)
		VALUES (?,?,?,?,?,?,?)
	`, e.ID, e.UserID, string(e.Kind), e.Delta, e.BalanceAfter, e.Reference, formatTime(e.CreatedAt))
	return err
}

func (s *SQLite) GetProcessedPayment(ctx context.Context, orderID string) (*models.ProcessedPayment, error) {
	var p models.ProcessedPayment
	var gateway, processedAt string
	err := s.DB.QueryRowContext(ctx, `
		SELECT order_id, payment_id, user_id, credits_granted,
			amount, currency, gateway, processed_at
		FROM processed_payments WHERE order_id = ?
	`, orderID).Scan(
		&p.OrderID,
		&p.PaymentID,
		&p.UserID,
		&p.CreditsGranted,
		&p.Amount,
		&p.Currency,
		&gateway,
		&processedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Gateway = models.Gateway(gateway)
	p.ProcessedAt = parseTime(processedAt)
	return &p, nil
}

func (s *SQLite) ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, kind, delta, balance_after, reference, created_at
		FROM credit_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind, createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Delta, &e.BalanceAfter, &e.Reference, &createdAt); err != nil {
			return nil, err
		}
		e.Kind = models.EntryKind(kind)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	now := formatTime(time.Now())
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO payment_attempts (
			order_id, gateway, provider_payment_id, user_id,
			credits, tier, status, checkout_url, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)
	`,
		a.OrderID,
		string(a.Gateway),
		a.ProviderPaymentID,
		a.UserID,
		a.Credits,
		a.Tier,
		string(a.Status),
		a.CheckoutURL,
		now,
		now,
	)
	return err
}

func (s *SQLite) GetAttempt(ctx context.Context, orderID string) (*models.PaymentAttempt, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT order_id, gateway, provider_payment_id, user_id,
			credits, tier, status, checkout_url, created_at, updated_at
		FROM payment_attempts WHERE order_id = ?
	`, orderID)
	a, err := scanLiteAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLite) TrackAttempt(ctx context.Context, a *models.PaymentAttempt) (models.AttemptStatus, error) {
	now := formatTime(time.Now())
	var status string
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO payment_attempts (
			order_id, gateway, provider_payment_id, user_id,
			credits, tier, status, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (order_id) DO UPDATE SET
			status = excluded.status,
			provider_payment_id = CASE
				WHEN payment_attempts.provider_payment_id = '' THEN excluded.provider_payment_id
				ELSE payment_attempts.provider_payment_id
			END,
			updated_at = excluded.updated_at
		WHERE payment_attempts.status IN ('created','pending')
		RETURNING status
	`,
		a.OrderID,
		string(a.Gateway),
		a.ProviderPaymentID,
		a.UserID,
		a.Credits,
		a.Tier,
		string(a.Status),
		now,
		now,
	).Scan(&status)
	if err == nil {
		return models.AttemptStatus(status), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM payment_attempts WHERE order_id = ?`, a.OrderID).Scan(&status)
	return models.AttemptStatus(status), err
}

func (s *SQLite) ListOpenAttempts(ctx context.Context, createdAfter time.Time, limit int) ([]*models.PaymentAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT order_id, gateway, provider_payment_id, user_id,
			credits, tier, status, checkout_url, created_at, updated_at
		FROM payment_attempts
		WHERE status IN ('created','pending')
			AND provider_payment_id <> ''
			AND created_at > ?
		ORDER BY created_at ASC
		LIMIT ?
	`, formatTime(createdAfter), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PaymentAttempt
	for rows.Next() {
		a, err := scanLiteAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteAttempt(row rowScanner) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	var gateway, status, createdAt, updatedAt string
	var checkoutURL sql.NullString
	err := row.Scan(
		&a.OrderID,
		&gateway,
		&a.ProviderPaymentID,
		&a.UserID,
		&a.Credits,
		&a.Tier,
		&status,
		&checkoutURL,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Gateway = models.Gateway(gateway)
	a.Status = models.AttemptStatus(status)
	a.CheckoutURL = checkoutURL.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// Fixed-width UTC timestamps sort lexically in TEXT columns.
const liteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(liteTimeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(liteTimeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
