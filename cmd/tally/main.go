package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"tally/internal/allowlist"
	"tally/internal/backend"
	"tally/internal/cache"
	"tally/internal/cli"
	"tally/internal/core"
	"tally/internal/extract"
	"tally/internal/fetch"
	apphttp "tally/internal/http"
	"tally/internal/log"
	"tally/internal/metrics"
	"tally/internal/middleware/ratelimit"
	"tally/internal/ocr"
	"tally/internal/services"
)

func main() {
	cfg, logger := cli.Bootstrap()
	logger.Info("Starting tally", "port", cfg.Port, "backend", cfg.DataBackend, "events", cfg.EventsBackend)

	allow, err := allowlist.New(cfg.WhitelistNumbers)
	if err != nil {
		logger.Error("Invalid whitelist", log.FieldError, err)
		os.Exit(1)
	}
	if allow.IsEmpty() {
		logger.Warn("WHITELIST_NUMBERS is empty; every sender is authorized")
	}
	var admin core.Sender
	if cfg.AdminPhone != "" {
		admin, _ = core.NormalizeSender(cfg.AdminPhone)
	}
	var creditTo core.Sender
	if cfg.AdminCreditTo != "" {
		creditTo, _ = core.NormalizeSender(cfg.AdminCreditTo)
	}

	recognizer, err := ocr.NewCommandRecognizer(cfg.OCRCommand, cfg.OCRTimeout, logger)
	if err != nil {
		logger.Error("Invalid OCR command", log.FieldError, err)
		os.Exit(1)
	}
	if err := recognizer.Available(); err != nil {
		// Submissions answer UpstreamUnavailable until the binary appears.
		logger.Warn("OCR command not found", log.FieldError, err)
	}

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	factory := backend.NewFactory(logger)
	res, err := factory.CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err)
		os.Exit(1)
	}
	publisher, err := factory.CreatePublisher(backendCfg)
	if err != nil {
		logger.Error("Failed to initialize event publisher", log.FieldError, err)
		os.Exit(1)
	}

	m := metrics.New()
	loc := cfg.Location()

	var fetchOpts []fetch.Option
	fetchOpts = append(fetchOpts, fetch.WithMaxBytes(cfg.MaxImageBytes))
	if cfg.MediaUsername != "" {
		fetchOpts = append(fetchOpts, fetch.WithBasicAuth(cfg.MediaUsername, cfg.MediaPassword))
	}

	ingestion := services.NewIngestionService(services.IngestionDeps{
		Store:      res.Store,
		Source:     fetch.NewHTTPSource(cfg.FetchTimeout, logger, fetchOpts...),
		Recognizer: recognizer,
		AllowList:  allow,
		Extractor:  extract.NewAmountExtractor(cfg.MaxAmountDigits),
		Publisher:  publisher,
		Metrics:    m,
		Logger:     logger,
		Location:   loc,
	})
	reports := services.NewReportService(res.Store, loc)

	srv := apphttp.NewServer(apphttp.Config{
		Addr:          ":" + cfg.Port,
		Admin:         admin,
		CreditAdminTo: creditTo,
		RateLimit: ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitPerMinute,
		},
	}, apphttp.Deps{
		Submitter:    ingestion,
		Reports:      reports,
		Health:       res.Store,
		Fingerprints: res.Store,
		Metrics:      m,
		Logger:       logger,
	})

	janitor := services.NewClaimJanitor(res.Store, services.ClaimJanitorConfig{
		Interval: cfg.JanitorInterval,
		ClaimTTL: cfg.ClaimTTL,
	}, m, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if err := janitor.Stop(ctx); err != nil {
			logger.Warn("Claim janitor stop error", log.FieldError, err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return janitor.Start(gctx)
	})
	if res.Cached != nil {
		sweeper := cache.NewJanitor(logger, res.Cached.Cache())
		g.Go(func() error {
			sweeper.Run(gctx, 10*time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		// Stop the server if a sibling fails before any signal arrives.
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err == nil {
		<-done
	} else {
		logger.Error("Server error", log.FieldError, err)
	}

	if cerr := publisher.Close(); cerr != nil {
		logger.Warn("Publisher close error", log.FieldError, cerr)
	}
	if cerr := res.Cleanup(); cerr != nil {
		logger.Warn("Backend cleanup error", log.FieldError, cerr)
	}
	if err != nil {
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}
