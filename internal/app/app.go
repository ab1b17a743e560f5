// Package app assembles the ledger, gateways and reconciler from config so
// the api, worker and creditctl binaries share one wiring.
package app

import (
	"context"
	"fmt"

	"PeachCredit/internal/broker"
	"PeachCredit/internal/config"
	"PeachCredit/internal/db"
	"PeachCredit/internal/gateway"
	"PeachCredit/internal/generation"
	"PeachCredit/internal/ledger"
	"PeachCredit/internal/notify"
	"PeachCredit/internal/ordertoken"
	"PeachCredit/internal/payments"
	"PeachCredit/internal/pricing"
	"PeachCredit/internal/services"
	"PeachCredit/internal/store"

	"go.uber.org/zap"
)

type App struct {
	Config     *config.Config
	Store      store.Store
	Ledger     *ledger.Ledger
	Hub        *notify.Hub
	Codec      ordertoken.Codec
	Catalogue  *pricing.Catalogue
	Gateways   gateway.Registry
	Reconciler *payments.Reconciler
	Broker     *broker.Broker
	Checkout   services.CheckoutService
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	st, err := db.OpenStore(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	cat, err := pricing.NewCatalogue(cfg.Pricing.Packages)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("pricing packages: %w", err)
	}

	hub := notify.NewHub(log)
	led := ledger.New(st, cfg.Credits.DefaultGrant, log)
	led.Notifier = hub

	retry := cfg.RetryPolicy()
	gws := gateway.NewRegistry(
		gateway.NewStripe(gateway.StripeConfig{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Tolerance:     cfg.StripeTolerance(),
			BaseURL:       cfg.Stripe.BaseURL,
			Retry:         retry,
		}),
		gateway.NewNOWPayments(gateway.NOWPaymentsConfig{
			APIKey:    cfg.NOWPayments.APIKey,
			IPNSecret: cfg.NOWPayments.IPNSecret,
			Sandbox:   cfg.NOWPayments.Sandbox,
			BaseURL:   cfg.NOWPayments.BaseURL,
			Retry:     retry,
		}),
	)
	codec := ordertoken.NewCodec(cfg.Orders.TokenMaxLen)

	gen := generation.NewClient(cfg.Generation.BaseURL, cfg.Generation.APIKey, cfg.GenerationTimeout())

	return &App{
		Config:     cfg,
		Store:      st,
		Ledger:     led,
		Hub:        hub,
		Codec:      codec,
		Catalogue:  cat,
		Gateways:   gws,
		Reconciler: payments.New(led, st, gws, codec, cat, log),
		Broker:     broker.New(led, cfg.PriceTable(), gen, log),
		Checkout: services.CheckoutService{
			Store:     st,
			Codec:     codec,
			Catalogue: cat,
			Gateways:  gws,
			PublicURL: cfg.Server.PublicURL,
			CancelURL: cfg.Server.CancelURL,
			Log:       log,
		},
	}, nil
}

func (a *App) Close() {
	a.Store.Close()
}
