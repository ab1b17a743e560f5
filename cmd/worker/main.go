package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"PeachCredit/internal/app"
	"PeachCredit/internal/config"
	"PeachCredit/internal/logging"
	"PeachCredit/internal/worker"

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer a.Close()

	w := &worker.Worker{
		Store:      a.Store,
		Reconciler: a.Reconciler,
		Interval:   cfg.WorkerInterval(),
		AttemptTTL: cfg.AttemptTTL(),
		BatchSize:  cfg.Worker.BatchSize,
		Log:        log,
	}

	log.Info("worker started",
		zap.Duration("interval", w.Interval),
		zap.Duration("attempt_ttl", w.AttemptTTL),
		zap.Int("batch_size", w.BatchSize),
	)
	w.Run(ctx)
	log.Info("worker stopped")
}
