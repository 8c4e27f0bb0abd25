// Package cache holds small in-process caches used in front of the stores.
package cache

import (
	"context"
	"time"

	"tally/internal/log"
)

// Cache is a keyed cache with expiry.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Len() int
}

// Sweeper is implemented by caches whose expired entries can be dropped in bulk.
type Sweeper interface {
	Sweep() int
}

// Janitor periodically sweeps the registered caches until its context ends.
type Janitor struct {
	caches []Sweeper
	logger *log.Logger
	done   chan struct{}
}

func NewJanitor(logger *log.Logger, caches ...Sweeper) *Janitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Janitor{
		caches: caches,
		logger: logger.WithComponent(log.ComponentCache),
		done:   make(chan struct{}),
	}
}

// Run blocks, sweeping every interval, and returns when ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	defer close(j.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := 0
			for _, c := range j.caches {
				removed += c.Sweep()
			}
			if removed > 0 {
				j.logger.Debug("Swept expired cache entries", "removed", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed once Run has returned.
func (j *Janitor) Done() <-chan struct{} {
	return j.done
}
