// Package ledger owns per-user credit balances. Every mutation is a single
// conditional statement inside a store transaction together with its journal
// entry, so a failed write leaves neither the balance nor the journal changed.
package ledger

import (
	"context"
	"time"

	"PeachCredit/internal/logging"
	"PeachCredit/internal/models"
	"PeachCredit/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier is told about committed balance changes.
type Notifier interface {
	BalanceChanged(userID string, balance int64)
}

// ClaimFunc runs inside the credit transaction before the increment. When it
// returns false the credit is skipped.
type ClaimFunc func(ctx context.Context, tx store.Tx) (bool, error)

type Ledger struct {
	Store        store.Store
	DefaultGrant int64
	Notifier     Notifier
	Log          *zap.Logger
	Now          func() time.Time
}

func New(st store.Store, defaultGrant int64, log *zap.Logger) *Ledger {
	return &Ledger{
		Store:        st,
		DefaultGrant: defaultGrant,
		Log:          logging.OrNop(log),
		Now:          time.Now,
	}
}

// GetBalance returns the user's balance, opening the account with the
// default grant on first access.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, models.ErrMissingUserID
	}
	var balance int64
	err := l.Store.InTx(ctx, func(tx store.Tx) error {
		b, err := l.open(ctx, tx, userID)
		balance = b
		return err
	})
	if err != nil {
		return 0, models.LedgerWriteError("get balance", err)
	}
	return balance, nil
}

// TryDebit removes amount from the balance if it is covered. ok is false on
// insufficient funds, in which case balance is what the user has available.
func (l *Ledger) TryDebit(ctx context.Context, userID string, amount int64, ref string) (ok bool, balance int64, err error) {
	if userID == "" {
		return false, 0, models.ErrMissingUserID
	}
	if amount <= 0 {
		return false, 0, models.ErrInvalidAmount
	}
	err = l.Store.InTx(ctx, func(tx store.Tx) error {
		if _, err := l.open(ctx, tx, userID); err != nil {
			return err
		}
		b, debited, err := tx.AtomicDecrement(ctx, userID, amount)
		if err != nil {
			return err
		}
		ok, balance = debited, b
		if !debited {
			return nil
		}
		return tx.AppendEntry(ctx, l.entry(userID, models.EntryDebit, -amount, b, ref))
	})
	if err != nil {
		return false, 0, models.LedgerWriteError("debit", err)
	}
	if ok {
		l.notify(userID, balance)
	}
	return ok, balance, nil
}

// Credit adds amount to the balance. It is not idempotent: callers that need
// exactly-once semantics use CreditOnce.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, kind models.EntryKind, ref string) (int64, error) {
	balance, _, err := l.CreditOnce(ctx, userID, amount, kind, ref, nil)
	return balance, err
}

// CreditOnce runs claim and the increment in one transaction. If claim
// reports false nothing is credited and claimed is false.
func (l *Ledger) CreditOnce(ctx context.Context, userID string, amount int64, kind models.EntryKind, ref string, claim ClaimFunc) (balance int64, claimed bool, err error) {
	if userID == "" {
		return 0, false, models.ErrMissingUserID
	}
	if amount <= 0 {
		return 0, false, models.ErrInvalidAmount
	}
	err = l.Store.InTx(ctx, func(tx store.Tx) error {
		if claim != nil {
			ok, err := claim(ctx, tx)
			if err != nil || !ok {
				return err
			}
		}
		if _, err := l.open(ctx, tx, userID); err != nil {
			return err
		}
		b, err := tx.AtomicIncrement(ctx, userID, amount)
		if err != nil {
			return err
		}
		balance, claimed = b, true
		return tx.AppendEntry(ctx, l.entry(userID, kind, amount, b, ref))
	})
	if err != nil {
		return 0, false, models.LedgerWriteError("credit", err)
	}
	if claimed {
		l.notify(userID, balance)
	}
	return balance, claimed, nil
}

// History returns the most recent journal entries for userID.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if userID == "" {
		return nil, models.ErrMissingUserID
	}
	return l.Store.ListEntries(ctx, userID, limit)
}

func (l *Ledger) open(ctx context.Context, tx store.Tx, userID string) (int64, error) {
	balance, created, err := tx.GetBalance(ctx, userID, l.DefaultGrant)
	if err != nil {
		return 0, err
	}
	if created && l.DefaultGrant > 0 {
		if err := tx.AppendEntry(ctx, l.entry(userID, models.EntrySignup, l.DefaultGrant, balance, "signup")); err != nil {
			return 0, err
		}
		logging.OrNop(l.Log).Info("credit account opened", zap.String("user_id", userID), zap.Int64("grant", l.DefaultGrant))
	}
	return balance, nil
}

func (l *Ledger) entry(userID string, kind models.EntryKind, delta, balance int64, ref string) *models.LedgerEntry {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return &models.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         kind,
		Delta:        delta,
		BalanceAfter: balance,
		Reference:    ref,
		CreatedAt:    now().UTC(),
	}
}

func (l *Ledger) notify(userID string, balance int64) {
	if l.Notifier != nil {
		l.Notifier.BalanceChanged(userID, balance)
	}
}
