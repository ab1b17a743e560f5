// Package payments reconciles provider notifications with the credit ledger.
//
// Webhooks, redirect returns, the sweep worker and the operator CLI all end
// in Settle. Settle claims the order in processed_payments and credits the
// user in the same transaction, so the unique order id is the only point
// where concurrent deliveries are serialized.
package payments

import (
	"context"
	"errors"
	"time"

	"PeachCredit/internal/gateway"
	"PeachCredit/internal/ledger"
	"PeachCredit/internal/logging"
	"PeachCredit/internal/metrics"
	"PeachCredit/internal/models"
	"PeachCredit/internal/ordertoken"
	"PeachCredit/internal/pricing"
	"PeachCredit/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeSettled     Outcome = "settled"
	OutcomeDuplicate   Outcome = "already_processed"
	OutcomePending     Outcome = "pending"
	OutcomeFailed      Outcome = "failed"
	OutcomeExpired     Outcome = "expired"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeLateSuccess Outcome = "late_success"
)

// Source names the path a settlement arrived through.
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourceRedirect Source = "redirect"
	SourceWorker   Source = "worker"
	SourceOperator Source = "operator"
)

type Result struct {
	Outcome   Outcome `json:"outcome"`
	OrderID   string  `json:"orderId,omitempty"`
	PaymentID string  `json:"paymentId,omitempty"`
	UserID    string  `json:"-"`
	Credits   int64   `json:"credits,omitempty"`
	// Balance is set when this call credited the user.
	Balance int64 `json:"-"`
}

// Err maps outcomes that granted nothing because of the payment itself
// onto the error taxonomy. Other outcomes return nil.
func (r *Result) Err() error {
	switch r.Outcome {
	case OutcomeDuplicate:
		return models.ErrDuplicatePayment
	case OutcomeMalformed:
		return models.ErrMalformedNotification
	}
	return nil
}

type Settlement struct {
	Order     *ordertoken.Order
	PaymentID string
	Amount    decimal.Decimal
	Currency  string
	Gateway   models.Gateway
	Source    Source
}

type Reconciler struct {
	Ledger    *ledger.Ledger
	Store     store.Store
	Gateways  gateway.Registry
	Codec     ordertoken.Codec
	Catalogue *pricing.Catalogue
	Log       *zap.Logger
	Now       func() time.Time
}

func New(l *ledger.Ledger, st store.Store, gws gateway.Registry, codec ordertoken.Codec, cat *pricing.Catalogue, log *zap.Logger) *Reconciler {
	return &Reconciler{
		Ledger:    l,
		Store:     st,
		Gateways:  gws,
		Codec:     codec,
		Catalogue: cat,
		Log:       logging.OrNop(log),
		Now:       time.Now,
	}
}

// VerifySignature reports whether signature authenticates body for the
// named gateway. Unknown gateways and unconfigured secrets fail closed.
func (r *Reconciler) VerifySignature(gatewayName string, body []byte, signature string) bool {
	g, err := r.Gateways.Get(gatewayName)
	if err != nil {
		return false
	}
	return g.VerifySignature(body, signature)
}

// HandleNotification authenticates, parses and applies one provider event.
// Once the event is authenticated and parsed the returned error is non-nil
// only for storage failures, which the provider should redeliver.
func (r *Reconciler) HandleNotification(ctx context.Context, gatewayName string, body []byte, signature string) (*Result, error) {
	g, err := r.Gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	name := string(g.Name())
	if !g.VerifySignature(body, signature) {
		metrics.Notifications.WithLabelValues(name, "invalid_signature").Inc()
		r.log().Warn("notification signature rejected", zap.String("gateway", name), zap.Int("bytes", len(body)))
		return nil, models.ErrInvalidSignature
	}
	n, err := g.ParseNotification(body)
	if err != nil {
		metrics.Notifications.WithLabelValues(name, "unparsable").Inc()
		r.log().Warn("notification payload rejected", zap.String("gateway", name), zap.Error(err))
		return nil, err
	}

	res, err := r.apply(ctx, g, n, SourceWebhook)
	if err != nil {
		metrics.Notifications.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	metrics.Notifications.WithLabelValues(name, string(res.Outcome)).Inc()
	return res, nil
}

// ReconcileByPaymentID asks the gateway for the payment's status and
// settles it if it succeeded. Query failures report pending.
func (r *Reconciler) ReconcileByPaymentID(ctx context.Context, gatewayName, paymentID string) (*Result, error) {
	return r.Reconcile(ctx, SourceRedirect, gatewayName, paymentID)
}

func (r *Reconciler) Reconcile(ctx context.Context, src Source, gatewayName, paymentID string) (*Result, error) {
	g, err := r.Gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	name := string(g.Name())
	if paymentID == "" {
		return &Result{Outcome: OutcomePending}, nil
	}

	n, err := g.QueryStatus(ctx, paymentID)
	if err != nil {
		if errors.Is(err, models.ErrGatewayNotConfigured) {
			return nil, err
		}
		metrics.StatusQueries.WithLabelValues(name, "error").Inc()
		r.log().Warn("payment status query failed; treating as pending",
			zap.String("gateway", name),
			zap.String("payment_id", paymentID),
			zap.String("source", string(src)),
			zap.Error(err),
		)
		return &Result{Outcome: OutcomePending, PaymentID: paymentID}, nil
	}
	metrics.StatusQueries.WithLabelValues(name, n.Status.String()).Inc()
	if n.PaymentID == "" {
		n.PaymentID = paymentID
	}
	return r.apply(ctx, g, n, src)
}

func (r *Reconciler) apply(ctx context.Context, g gateway.Gateway, n *gateway.Notification, src Source) (*Result, error) {
	name := g.Name()
	if n.Status == gateway.StatusIgnored {
		return &Result{Outcome: OutcomeIgnored, PaymentID: n.PaymentID}, nil
	}

	order, err := r.Codec.Decode(n.OrderID)
	if err != nil {
		r.log().Warn("notification with unreadable order",
			zap.String("gateway", string(name)),
			zap.String("payment_id", n.PaymentID),
			zap.String("status", n.RawStatus),
			zap.Error(err),
		)
		return &Result{Outcome: OutcomeMalformed, PaymentID: n.PaymentID}, nil
	}
	base := Result{OrderID: order.ID, PaymentID: n.PaymentID, UserID: order.UserID, Credits: order.Credits}

	if n.Status != gateway.StatusSucceeded {
		stored := r.track(ctx, order, n, name)
		if stored == "" {
			stored = n.Status.Attempt()
		}
		switch stored {
		case models.AttemptSettled:
			base.Outcome = OutcomeDuplicate
		case models.AttemptFailed:
			base.Outcome = OutcomeFailed
		case models.AttemptExpired:
			base.Outcome = OutcomeExpired
		default:
			base.Outcome = OutcomePending
		}
		return &base, nil
	}

	if a, err := r.Store.GetAttempt(ctx, order.ID); err == nil {
		if a.Status == models.AttemptFailed || a.Status == models.AttemptExpired {
			metrics.LateSuccess.WithLabelValues(string(name)).Inc()
			r.log().Error("success reported for terminally failed order; not credited",
				zap.String("gateway", string(name)),
				zap.String("order_id", order.ID),
				zap.String("payment_id", n.PaymentID),
				zap.String("user_id", order.UserID),
				zap.String("attempt_status", string(a.Status)),
				zap.String("amount", n.Amount.String()),
			)
			base.Outcome = OutcomeLateSuccess
			return &base, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if r.Catalogue != nil {
		if err := r.Catalogue.Verify(order.Tier, order.Credits, n.Amount, n.Currency); err != nil {
			metrics.RejectedOrders.WithLabelValues(string(name), rejectReason(err)).Inc()
			r.log().Error("settled payment does not match catalogue; not credited",
				zap.String("gateway", string(name)),
				zap.String("order_id", order.ID),
				zap.String("user_id", order.UserID),
				zap.Int64("credits", order.Credits),
				zap.String("tier", order.Tier),
				zap.String("amount", n.Amount.String()),
				zap.String("currency", n.Currency),
				zap.Error(err),
			)
			base.Outcome = OutcomeMalformed
			return &base, nil
		}
	}

	return r.Settle(ctx, Settlement{
		Order:     order,
		PaymentID: n.PaymentID,
		Amount:    n.Amount,
		Currency:  n.Currency,
		Gateway:   name,
		Source:    src,
	})
}

// Settle grants the order's credits exactly once. A repeated call for the
// same order returns OutcomeDuplicate and changes nothing.
func (r *Reconciler) Settle(ctx context.Context, s Settlement) (*Result, error) {
	o := s.Order
	gw := string(s.Gateway)
	res := &Result{OrderID: o.ID, PaymentID: s.PaymentID, UserID: o.UserID, Credits: o.Credits}

	claim := func(ctx context.Context, tx store.Tx) (bool, error) {
		return tx.InsertIfAbsent(ctx, &models.ProcessedPayment{
			OrderID:        o.ID,
			PaymentID:      s.PaymentID,
			UserID:         o.UserID,
			CreditsGranted: o.Credits,
			Amount:         s.Amount.StringFixed(2),
			Currency:       s.Currency,
			Gateway:        s.Gateway,
			ProcessedAt:    r.now().UTC(),
		})
	}
	balance, claimed, err := r.Ledger.CreditOnce(ctx, o.UserID, o.Credits, models.EntryPurchase, o.ID, claim)
	if err != nil {
		metrics.Settlements.WithLabelValues(gw, string(s.Source), "error").Inc()
		r.log().Error("settle failed",
			zap.String("gateway", gw),
			zap.String("order_id", o.ID),
			zap.String("payment_id", s.PaymentID),
			zap.String("user_id", o.UserID),
			zap.Error(err),
		)
		return nil, err
	}

	if !claimed {
		metrics.Settlements.WithLabelValues(gw, string(s.Source), "duplicate").Inc()
		r.log().Info("payment already processed",
			zap.String("gateway", gw),
			zap.String("order_id", o.ID),
			zap.String("source", string(s.Source)),
		)
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	metrics.Settlements.WithLabelValues(gw, string(s.Source), "settled").Inc()
	metrics.CreditsGranted.WithLabelValues(gw).Add(float64(o.Credits))
	r.log().Info("payment settled",
		zap.String("gateway", gw),
		zap.String("order_id", o.ID),
		zap.String("payment_id", s.PaymentID),
		zap.String("user_id", o.UserID),
		zap.Int64("credits", o.Credits),
		zap.Int64("balance", balance),
		zap.String("source", string(s.Source)),
	)
	r.track(ctx, o, &gateway.Notification{PaymentID: s.PaymentID, Status: gateway.StatusSucceeded}, s.Gateway)

	res.Outcome = OutcomeSettled
	res.Balance = balance
	return res, nil
}

// track records the attempt status. Tracking is bookkeeping for the sweep
// worker, so failures are logged and not returned.
func (r *Reconciler) track(ctx context.Context, o *ordertoken.Order, n *gateway.Notification, gw models.Gateway) models.AttemptStatus {
	stored, err := r.Store.TrackAttempt(ctx, &models.PaymentAttempt{
		OrderID:           o.ID,
		Gateway:           gw,
		ProviderPaymentID: n.PaymentID,
		UserID:            o.UserID,
		Credits:           o.Credits,
		Tier:              o.Tier,
		Status:            n.Status.Attempt(),
	})
	if err != nil {
		r.log().Warn("payment attempt tracking failed",
			zap.String("gateway", string(gw)),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return ""
	}
	return stored
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, pricing.ErrCreditsMismatch):
		return "credits"
	case errors.Is(err, pricing.ErrAmountMismatch):
		return "amount"
	case errors.Is(err, pricing.ErrCurrencyMismatch):
		return "currency"
	case errors.Is(err, models.ErrUnknownPackage):
		return "package"
	}
	return "other"
}

func (r *Reconciler) log() *zap.Logger {
	return logging.OrNop(r.Log)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
