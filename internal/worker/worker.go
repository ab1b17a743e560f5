// Package worker periodically re-checks open payment attempts with their
// gateway, covering webhooks that never arrived.
package worker

import (
	"context"
	"time"

	"PeachCredit/internal/logging"
	"PeachCredit/internal/payments"
	"PeachCredit/internal/store"

	"go.uber.org/zap"
)

type Reconciler interface {
	Reconcile(ctx context.Context, src payments.Source, gatewayName, paymentID string) (*payments.Result, error)
}

type Worker struct {
	Store      store.Store
	Reconciler Reconciler
	Interval   time.Duration
	// AttemptTTL bounds how far back attempts are swept.
	AttemptTTL time.Duration
	BatchSize  int
	Log        *zap.Logger
	Now        func() time.Time
}

// Summary counts one sweep's results by outcome.
type Summary struct {
	Checked  int
	Errors   int
	Outcomes map[payments.Outcome]int
}

func (w *Worker) Run(ctx context.Context) {
	log := logging.OrNop(w.Log)
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sum, err := w.SweepOnce(ctx)
		if err != nil {
			log.Error("sweep failed", zap.Error(err))
		} else if sum.Checked > 0 {
			log.Info("sweep done",
				zap.Int("checked", sum.Checked),
				zap.Int("settled", sum.Outcomes[payments.OutcomeSettled]),
				zap.Int("errors", sum.Errors),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) SweepOnce(ctx context.Context) (Summary, error) {
	sum := Summary{Outcomes: map[payments.Outcome]int{}}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ttl := w.AttemptTTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}

	attempts, err := w.Store.ListOpenAttempts(ctx, now().Add(-ttl), w.BatchSize)
	if err != nil {
		return sum, err
	}
	log := logging.OrNop(w.Log)
	for _, a := range attempts {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Checked++
		res, err := w.Reconciler.Reconcile(ctx, payments.SourceWorker, string(a.Gateway), a.ProviderPaymentID)
		if err != nil {
			sum.Errors++
			log.Warn("reconcile attempt failed",
				zap.String("order_id", a.OrderID),
				zap.String("gateway", string(a.Gateway)),
				zap.String("payment_id", a.ProviderPaymentID),
				zap.Error(err),
			)
			continue
		}
		sum.Outcomes[res.Outcome]++
	}
	return sum, nil
}
