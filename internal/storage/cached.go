package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/cache"
	"tally/internal/core"
)

// CachedStore answers positive Exists lookups for settled fingerprints from
// memory. Settled records are never removed, so a hit is always correct;
// misses and pending claims always go to the backend.
type CachedStore struct {
	Store
	seen *cache.LRU[struct{}]
}

func NewCachedStore(inner Store, size int, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, seen: cache.NewLRU[struct{}](size, ttl)}
}

// Cache exposes the LRU so a cache.Janitor can sweep it.
func (c *CachedStore) Cache() *cache.LRU[struct{}] {
	return c.seen
}

func (c *CachedStore) Exists(ctx context.Context, hash core.Fingerprint) (bool, error) {
	if _, ok := c.seen.Get(string(hash)); ok {
		return true, nil
	}
	return c.Store.Exists(ctx, hash)
}

func (c *CachedStore) Insert(ctx context.Context, hash core.Fingerprint, owner core.Sender, metadata map[string]string) error {
	if err := c.Store.Insert(ctx, hash, owner, metadata); err != nil {
		return err
	}
	c.seen.Set(string(hash), struct{}{})
	return nil
}

func (c *CachedStore) Settle(ctx context.Context, hash core.Fingerprint, s Settlement) (decimal.Decimal, error) {
	total, err := c.Store.Settle(ctx, hash, s)
	if err != nil {
		return total, err
	}
	c.seen.Set(string(hash), struct{}{})
	return total, nil
}
