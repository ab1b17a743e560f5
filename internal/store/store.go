// Package store persists balances, the processed-payments guard, the credit
// journal and payment attempts. Postgres is the production backend; SQLite
// serves single-node deployments and tests. Both implement the same contract.
package store

import (
	"context"
	"errors"
	"time"

	"PeachCredit/internal/models"
)

var ErrNotFound = errors.New("store: not found")

// Tx is the set of ledger primitives. Every method is a single statement, so
// it is atomic on its own; InTx groups several into one transaction.
type Tx interface {
	// GetBalance returns the balance for userID, creating the account with
	// grant credits if it does not exist yet.
	GetBalance(ctx context.Context, userID string, grant int64) (balance int64, created bool, err error)
	// AtomicDecrement subtracts amount only if the balance covers it. On
	// insufficient funds ok is false and balance is the current balance.
	AtomicDecrement(ctx context.Context, userID string, amount int64) (balance int64, ok bool, err error)
	AtomicIncrement(ctx context.Context, userID string, amount int64) (int64, error)
	// InsertIfAbsent claims p.OrderID. It returns false if the order was
	// already recorded.
	InsertIfAbsent(ctx context.Context, p *models.ProcessedPayment) (bool, error)
	AppendEntry(ctx context.Context, e *models.LedgerEntry) error
}

type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetProcessedPayment(ctx context.Context, orderID string) (*models.ProcessedPayment, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)

	CreateAttempt(ctx context.Context, a *models.PaymentAttempt) error
	GetAttempt(ctx context.Context, orderID string) (*models.PaymentAttempt, error)
	// TrackAttempt upserts the attempt and moves it to a.Status unless it is
	// already terminal. It returns the status stored after the call.
	TrackAttempt(ctx context.Context, a *models.PaymentAttempt) (models.AttemptStatus, error)
	ListOpenAttempts(ctx context.Context, createdAfter time.Time, limit int) ([]*models.PaymentAttempt, error)

	Close()
}
