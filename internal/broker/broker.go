// Package broker charges for priced operations: debit first, execute, and
// credit the price back if the operation fails.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PeachCredit/internal/generation"
	"PeachCredit/internal/ledger"
	"PeachCredit/internal/logging"
	"PeachCredit/internal/metrics"
	"PeachCredit/internal/models"
	"PeachCredit/internal/pricing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrOperationPanic = errors.New("operation panicked")

type Operation[T any] func(ctx context.Context) (T, error)

type Broker struct {
	Ledger    *ledger.Ledger
	Prices    pricing.Table
	Generator generation.Service
	Log       *zap.Logger
}

func New(l *ledger.Ledger, prices pricing.Table, gen generation.Service, log *zap.Logger) *Broker {
	if prices == nil {
		prices = pricing.DefaultTable()
	}
	return &Broker{Ledger: l, Prices: prices, Generator: gen, Log: logging.OrNop(log)}
}

// Run debits the tier price from userID and executes op. It returns op's
// result and the balance after the debit.
//
// Errors:
//   - *models.InsufficientCreditsError: nothing was debited and op was not called.
//   - op's own error: op failed and the price was credited back.
//   - *models.RefundFailureError: op failed and the refund could not be written.
func Run[T any](ctx context.Context, b *Broker, userID string, tier pricing.Tier, op Operation[T]) (T, int64, error) {
	var zero T
	log := logging.OrNop(b.Log)

	price, err := b.Prices.Price(tier)
	if err != nil {
		return zero, 0, err
	}
	ref := "op:" + string(tier) + ":" + uuid.NewString()

	ok, balance, err := b.Ledger.TryDebit(ctx, userID, price, ref)
	if err != nil {
		metrics.Debits.WithLabelValues(string(tier), "error").Inc()
		return zero, 0, err
	}
	if !ok {
		metrics.Debits.WithLabelValues(string(tier), "insufficient").Inc()
		return zero, balance, &models.InsufficientCreditsError{Required: price, Available: balance}
	}
	metrics.Debits.WithLabelValues(string(tier), "ok").Inc()

	start := time.Now()
	v, opErr := call(ctx, op)
	if opErr == nil {
		metrics.OperationDuration.WithLabelValues(string(tier), "ok").Observe(time.Since(start).Seconds())
		return v, balance, nil
	}
	metrics.OperationDuration.WithLabelValues(string(tier), "failed").Observe(time.Since(start).Seconds())

	// The refund must land even if the caller went away.
	refunded, refundErr := b.Ledger.Credit(context.WithoutCancel(ctx), userID, price, models.EntryRefund, ref)
	if refundErr != nil {
		metrics.RefundFailures.WithLabelValues(string(tier)).Inc()
		log.Error("refund failed after operation failure",
			zap.String("user_id", userID),
			zap.String("tier", string(tier)),
			zap.Int64("amount", price),
			zap.String("reference", ref),
			zap.NamedError("operation_error", opErr),
			zap.NamedError("refund_error", refundErr),
		)
		return zero, balance, &models.RefundFailureError{
			UserID:    userID,
			Amount:    price,
			OpErr:     opErr,
			RefundErr: refundErr,
		}
	}
	metrics.Refunds.WithLabelValues(string(tier)).Inc()
	log.Warn("operation failed; credits refunded",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.Int64("amount", price),
		zap.Int64("balance", refunded),
		zap.Error(opErr),
	)
	return zero, refunded, opErr
}

// Generate runs one generation request as a priced operation.
func (b *Broker) Generate(ctx context.Context, userID string, tier pricing.Tier, req generation.Request) (*generation.Result, int64, error) {
	return Run(ctx, b, userID, tier, func(ctx context.Context) (*generation.Result, error) {
		return b.Generator.Execute(ctx, tier, req)
	})
}

func call[T any](ctx context.Context, op Operation[T]) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrOperationPanic, p)
		}
	}()
	return op(ctx)
}
