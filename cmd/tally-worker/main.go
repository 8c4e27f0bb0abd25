package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"tally/internal/backend"
	"tally/internal/cache"
	"tally/internal/cli"
	"tally/internal/core"
	"tally/internal/log"
	"tally/internal/sheets/google"
	"tally/internal/worker"
)

func main() {
	cfg, logger := cli.Bootstrap()
	logger.Info("Starting tally-worker", "events", cfg.EventsBackend)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	if backendCfg.Events == backend.NoEvents {
		logger.Error("EVENTS_BACKEND must be amqp or kafka for the worker")
		os.Exit(1)
	}

	factory := backend.NewFactory(logger)
	res, err := factory.CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err)
		os.Exit(1)
	}
	defer res.Cleanup()

	consumer, err := factory.CreateConsumer(backendCfg)
	if err != nil {
		logger.Error("Failed to initialize event consumer", log.FieldError, err)
		os.Exit(1)
	}
	defer consumer.Close()

	var admin core.Sender
	if cfg.AdminPhone != "" {
		admin, _ = core.NormalizeSender(cfg.AdminPhone)
	} else {
		logger.Warn("ADMIN_PHONE is empty; notifications are dropped")
	}
	notifier := worker.LogNotifier{Logger: logger.WithComponent(log.ComponentWorker)}
	w := worker.NewNotifyWorker(admin, notifier, res.Store, logger)
	handler := w.HandleAccepted
	sweepers := []cache.Sweeper{w.Seen()}

	if cfg.GoogleSpreadsheetID != "" {
		client, err := google.New(context.Background(), google.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleCredentialsJSON,
			CredentialsFile: cfg.GoogleCredentialsFile,
		}, logger)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
			os.Exit(1)
		}
		mirror := worker.NewSheetWorker(client, logger)
		handler = worker.Fanout(w.HandleAccepted, mirror.HandleAccepted)
		sweepers = append(sweepers, mirror.Seen())
		logger.Info("Mirroring accepted receipts to Google Sheets", "sheet", cfg.GoogleSheetName)
	}

	ctx, done := cli.GracefulShutdown(logger, 15*time.Second, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Consume(gctx, consumer, handler, 5*time.Second, logger)
	})
	g.Go(func() error {
		cache.NewJanitor(logger, sweepers...).Run(gctx, time.Hour)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.DigestInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := w.DigestRecent(gctx, cfg.DigestSize); err != nil {
					logger.Error("Digest failed", log.FieldError, err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped", log.FieldError, err)
		os.Exit(1)
	}
	<-done
	logger.Info("Worker stopped gracefully")
}
