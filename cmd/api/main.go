package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PeachCredit/internal/app"
	"PeachCredit/internal/auth"
	"PeachCredit/internal/config"
	internalhttp "PeachCredit/internal/http"
	"PeachCredit/internal/logging"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic("config load failed: " + err.Error())
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("auth.jwt_secret is required for the api")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer a.Close()

	h := &internalhttp.Handler{
		Ledger:       a.Ledger,
		Payments:     a.Reconciler,
		Checkout:     a.Checkout,
		Catalogue:    a.Catalogue,
		Broker:       a.Broker,
		Hub:          a.Hub,
		HistoryLimit: cfg.Credits.HistoryLimit,
		Log:          log,
	}
	srv := internalhttp.NewServer(h, auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer), log)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api listening", zap.String("addr", cfg.Server.Addr), zap.String("db", cfg.DB.Driver))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	log.Info("api stopped")
}
