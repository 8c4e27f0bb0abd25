// Package http is the webhook and JSON surface in front of the ingestion
// pipeline.
package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/log"
	"tally/internal/metrics"
	"tally/internal/middleware/ratelimit"
	"tally/internal/middleware/security"
	"tally/internal/middleware/trace"
	"tally/internal/services"
)

// Submitter is the ingestion pipeline as seen by the transport.
type Submitter interface {
	Submit(ctx context.Context, sender core.Sender, imageRef string) (core.Outcome, error)
	SubmitForPeriod(ctx context.Context, sender core.Sender, imageRef string, period core.Period) (core.Outcome, error)
	Authorize(ctx context.Context, sender core.Sender) bool
}

// Reporter answers ledger questions.
type Reporter interface {
	CurrentTotal(ctx context.Context, sender core.Sender) (core.Period, decimal.Decimal, error)
	PreviousTotal(ctx context.Context, sender core.Sender) (core.Period, decimal.Decimal, error)
	History(ctx context.Context, sender core.Sender) (core.History, error)
	Status(ctx context.Context, period core.Period) (services.PeriodStatus, error)
}

// FingerprintReader looks up what is known about one image.
type FingerprintReader interface {
	Get(ctx context.Context, hash core.Fingerprint) (core.FingerprintRecord, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr string
	// Admin may run the status and user commands.
	Admin         core.Sender
	// CreditAdminTo owns the receipts the admin sends, when set.
	CreditAdminTo core.Sender
	RateLimit     ratelimit.Config
}

// Deps are the collaborators behind the routes. Fingerprints is optional;
// without it the lookup route is not mounted.
type Deps struct {
	Submitter    Submitter
	Reports      Reporter
	Fingerprints FingerprintReader
	Health       Pinger
	Metrics      *metrics.Metrics
	Logger       *log.Logger
}

type Server struct {
	http.Server

	submitter Submitter
	reports   Reporter
	prints    FingerprintReader
	health    Pinger
	admin     core.Sender
	creditTo  core.Sender
	limiter   *ratelimit.Limiter
	logger    *log.Logger

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(cfg Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	s := &Server{
		submitter: d.Submitter,
		reports:   d.Reports,
		prints:    d.Fingerprints,
		health:    d.Health,
		admin:     cfg.Admin,
		creditTo:  cfg.CreditAdminTo,
		limiter:   ratelimit.NewLimiter(cfg.RateLimit),
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(trace.Middleware)
	r.Use(log.Middleware(logger, trace.FromRequest))
	r.Use(log.AccessLog(security.ClientIP))
	r.Use(chimw.Recoverer)
	r.Use(security.Headers)

	r.Get("/healthz", s.handleHealth)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware(rateLimitKey, nil))
		r.Post("/sms", s.handleSMS)
		r.Post("/submissions", s.handleSubmission)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(10 * time.Second))
		r.Get("/status", s.handleStatus)
		r.Get("/senders/{sender}/history", s.handleHistory)
		if s.prints != nil {
			r.Get("/fingerprints/{hash}", s.handleFingerprint)
		}
	})

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Long enough for fetch plus recognition.
		WriteTimeout:   90 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 16,
	}
	return s
}

// rateLimitKey budgets webhook traffic per sender, falling back to the
// client address for requests without a form sender.
func rateLimitKey(r *http.Request) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if sender, err := core.NormalizeSender(r.PostFormValue("From")); err == nil {
			return string(sender)
		}
	}
	return security.ClientIP(r)
}

// Shutdown stops the rate limiter and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			log.FromContext(ctx).WarnContext(ctx, "Health check failed", log.FieldError, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
