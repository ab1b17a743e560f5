package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"PeachCredit/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Postgres struct {
	pgOps
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pgOps: pgOps{q: pool}, Pool: pool}
}

func (s *Postgres) Close() {
	s.Pool.Close()
}

func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return fn(pgOps{q: tx})
	})
}

type pgOps struct {
	q pgQuerier
}

func (o pgOps) GetBalance(ctx context.Context, userID string, grant int64) (int64, bool, error) {
	tag, err := o.q.Exec(ctx, `
		INSERT INTO credit_balances (user_id, credits)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, grant)
	if err != nil {
		return 0, false, err
	}
	var balance int64
	err = o.q.QueryRow(ctx, `SELECT credits FROM credit_balances WHERE user_id=$1`, userID).Scan(&balance)
	if err != nil {
		return 0, false, err
	}
	return balance, tag.RowsAffected() > 0, nil
}

func (o pgOps) AtomicDecrement(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	var balance int64
	err := o.q.QueryRow(ctx, `
		UPDATE credit_balances
		SET credits = credits - $2, updated_at = now()
		WHERE user_id = $1 AND credits >= $2
		RETURNING credits
	`, userID, amount).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	err = o.q.QueryRow(ctx, `SELECT credits FROM credit_balances WHERE user_id=$1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}
	return balance, false, nil
}

func (o pgOps) AtomicIncrement(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := o.q.QueryRow(ctx, `
		UPDATE credit_balances
		SET credits = credits + $2, updated_at = now()
		WHERE user_id = $1
		RETURNING credits
	`, userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}

func (o pgOps) InsertIfAbsent(ctx context.Context, p *models.ProcessedPayment) (bool, error) {
	tag, err := o.q.Exec(ctx, `
		INSERT INTO processed_payments (
			order_id, payment_id, user_id, credits_granted,
			amount, currency, gateway, processed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id) DO NOTHING
	`,
		p.OrderID,
		p.PaymentID,
		p.UserID,
		p.CreditsGranted,
		p.Amount,
		p.Currency,
		p.Gateway,
		p.ProcessedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (o pgOps) AppendEntry(ctx context.Context, e *models.LedgerEntry) error {
	_, err := o.q.Exec(ctx, `
		INSERT INTO credit_entries (id, user_id, kind, delta, balance_after, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.UserID, e.Kind, e.Delta, e.BalanceAfter, e.Reference, e.CreatedAt)
	return err
}

func (s *Postgres) GetProcessedPayment(ctx context.Context, orderID string) (*models.ProcessedPayment, error) {
	var p models.ProcessedPayment
	err := s.Pool.QueryRow(ctx, `
		SELECT order_id, payment_id, user_id, credits_granted,
			amount, currency, gateway, processed_at
		FROM processed_payments WHERE order_id=$1
	`, orderID).Scan(
		&p.OrderID,
		&p.PaymentID,
		&p.UserID,
		&p.CreditsGranted,
		&p.Amount,
		&p.Currency,
		&p.Gateway,
		&p.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Postgres) ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, user_id, kind, delta, balance_after, reference, created_at
		FROM credit_entries
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Delta, &e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_attempts (
			order_id, gateway, provider_payment_id, user_id,
			credits, tier, status, checkout_url
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		a.OrderID,
		a.Gateway,
		a.ProviderPaymentID,
		a.UserID,
		a.Credits,
		a.Tier,
		a.Status,
		a.CheckoutURL,
	)
	return err
}

func (s *Postgres) GetAttempt(ctx context.Context, orderID string) (*models.PaymentAttempt, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT order_id, gateway, provider_payment_id, user_id,
			credits, tier, status, checkout_url, created_at, updated_at
		FROM payment_attempts WHERE order_id=$1
	`, orderID)
	a, err := scanPGAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *Postgres) TrackAttempt(ctx context.Context, a *models.PaymentAttempt) (models.AttemptStatus, error) {
	var status models.AttemptStatus
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO payment_attempts (
			order_id, gateway, provider_payment_id, user_id,
			credits, tier, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_payment_id = CASE
				WHEN payment_attempts.provider_payment_id = '' THEN EXCLUDED.provider_payment_id
				ELSE payment_attempts.provider_payment_id
			END,
			updated_at = now()
		WHERE payment_attempts.status IN ('created','pending')
		RETURNING status
	`,
		a.OrderID,
		a.Gateway,
		a.ProviderPaymentID,
		a.UserID,
		a.Credits,
		a.Tier,
		a.Status,
	).Scan(&status)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}
	err = s.Pool.QueryRow(ctx, `SELECT status FROM payment_attempts WHERE order_id=$1`, a.OrderID).Scan(&status)
	return status, err
}

func (s *Postgres) ListOpenAttempts(ctx context.Context, createdAfter time.Time, limit int) ([]*models.PaymentAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT order_id, gateway, provider_payment_id, user_id,
			credits, tier, status, checkout_url, created_at, updated_at
		FROM payment_attempts
		WHERE status IN ('created','pending')
			AND provider_payment_id <> ''
			AND created_at > $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdAfter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PaymentAttempt
	for rows.Next() {
		a, err := scanPGAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPGAttempt(row pgx.Row) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	var checkoutURL sql.NullString
	err := row.Scan(
		&a.OrderID,
		&a.Gateway,
		&a.ProviderPaymentID,
		&a.UserID,
		&a.Credits,
		&a.Tier,
		&a.Status,
		&checkoutURL,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if checkoutURL.Valid {
		a.CheckoutURL = checkoutURL.String
	}
	return &a, nil
}
