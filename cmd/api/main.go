package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcclellann/microloan/pkg/batch"
	"github.com/mcclellann/microloan/pkg/config"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", os.Getenv("MICROLOAN_CONFIG"), "path to a YAML, JSON or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		logrus.Fatalf("Failed to create logger: %v", err)
	}

	// Initialize store
	storage, err := cfg.OpenStore()
	if err != nil {
		logger.Fatalf("Failed to initialize %s store: %v", cfg.Database.Driver, err)
	}
	defer storage.Close()

	policies, err := cfg.PenaltyPolicies()
	if err != nil {
		logger.Fatalf("Failed to load loan products: %v", err)
	}
	buckets, err := cfg.AgingBuckets()
	if err != nil {
		logger.Fatalf("Failed to load aging buckets: %v", err)
	}
	l := ledger.NewLedger(storage,
		ledger.WithLogger(logger),
		ledger.WithProducts(policies, cfg.DefaultProduct),
		ledger.WithWorkers(cfg.Batch.Workers),
	)

	// Nightly portfolio aging
	scheduler := batch.NewScheduler(logger)
	if err := scheduler.Add(cfg.Batch.AgingCron, batch.NewAgingJob(l, buckets, logger)); err != nil {
		logger.Fatalf("Failed to schedule aging job: %v", err)
	}
	scheduler.Start()

	server := NewServer(l, buckets, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.WithField("signal", sig.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	if err := scheduler.Stop(ctx); err != nil {
		logger.WithError(err).Error("Batch scheduler did not stop in time")
	}
}
