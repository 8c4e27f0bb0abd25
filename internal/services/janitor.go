package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tally/internal/log"
	"tally/internal/metrics"
	"tally/internal/storage"
)

// ClaimJanitorConfig holds configuration for the claim janitor
type ClaimJanitorConfig struct {
	// Interval is how often to look for stale claims (default: 1m)
	Interval time.Duration

	// ClaimTTL is how long a claim may stay pending before it is treated as
	// abandoned by a crashed process (default: 10m)
	ClaimTTL time.Duration
}

func DefaultClaimJanitorConfig() ClaimJanitorConfig {
	return ClaimJanitorConfig{
		Interval: time.Minute,
		ClaimTTL: 10 * time.Minute,
	}
}

// ClaimJanitor releases fingerprint claims whose submission never settled,
// so the same image can be sent again after a crash.
type ClaimJanitor struct {
	claims  storage.Claims
	config  ClaimJanitorConfig
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewClaimJanitor(claims storage.Claims, config ClaimJanitorConfig, m *metrics.Metrics, logger *log.Logger) *ClaimJanitor {
	def := DefaultClaimJanitorConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = def.ClaimTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ClaimJanitor{
		claims:  claims,
		config:  config,
		metrics: m,
		logger:  logger.WithComponent(log.ComponentJanitor),
		now:     time.Now,
	}
}

// Start begins the sweep loop. Returns an error if already running.
func (j *ClaimJanitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("claim janitor is already running")
	}
	j.running = true
	stopCh, doneCh := make(chan struct{}), make(chan struct{})
	j.stopCh, j.doneCh = stopCh, doneCh
	j.mu.Unlock()

	go j.runLoop(ctx, stopCh, doneCh)

	j.logger.InfoContext(ctx, "Claim janitor started",
		"interval", j.config.Interval,
		"claim_ttl", j.config.ClaimTTL)
	return nil
}

// Stop signals the loop and waits for it, or for ctx.
func (j *ClaimJanitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		j.logger.InfoContext(ctx, "Claim janitor stopped")
		return nil
	case <-ctx.Done():
		j.logger.WarnContext(ctx, "Claim janitor stop timed out")
		return ctx.Err()
	}
}

func (j *ClaimJanitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *ClaimJanitor) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		// A cancelled ctx ends the run without Stop; clear the flag so Start works again.
		j.mu.Lock()
		if j.running && j.doneCh == doneCh {
			j.running = false
		}
		j.mu.Unlock()
	}()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	// Claims left by the previous process are swept immediately.
	j.Sweep(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep releases every claim older than ClaimTTL once and reports how many.
func (j *ClaimJanitor) Sweep(ctx context.Context) int {
	cutoff := j.now().Add(-j.config.ClaimTTL)
	n, err := j.claims.ReleaseStaleClaims(ctx, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to release stale claims", log.FieldError, err)
		return 0
	}
	if n > 0 {
		j.metrics.AddClaimsReleased(n)
		j.logger.WarnContext(ctx, "Released stale fingerprint claims", "count", n, "cutoff", cutoff)
	}
	return n
}
