package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// CachedAccounts fronts uid lookups with an in-process cache. Webhook traffic
// resolves the same page account for every event, so the hot path skips the
// database. Misses are not cached so a freshly linked account is seen at once.
type CachedAccounts struct {
	*AccountStore
	cache *ristretto.Cache[string, *Account]
	ttl   time.Duration
}

// NewCachedAccounts wraps s with a bounded uid cache.
func NewCachedAccounts(s *AccountStore, ttl time.Duration) (*CachedAccounts, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Account]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}
	return &CachedAccounts{AccountStore: s, cache: cache, ttl: ttl}, nil
}

// FindByUID returns the account with the given uid, or nil.
func (c *CachedAccounts) FindByUID(ctx context.Context, uid string) (*Account, error) {
	if a, ok := c.cache.Get(uid); ok {
		return a, nil
	}

	a, err := c.AccountStore.FindAccount(ctx, Filter{UID: uid})
	if err != nil || a == nil {
		return a, err
	}

	c.cache.SetWithTTL(uid, a, 1, c.ttl)
	return a, nil
}

// RemoveAccount deletes the account and drops it from the cache.
func (c *CachedAccounts) RemoveAccount(ctx context.Context, id string) error {
	a, err := c.AccountStore.FindAccount(ctx, Filter{ID: id})
	if err != nil {
		return err
	}
	if err := c.AccountStore.RemoveAccount(ctx, id); err != nil {
		return err
	}
	if a != nil {
		c.cache.Del(a.UID)
	}
	return nil
}

// UpdateToken stores refreshed credentials and drops the cached copy.
func (c *CachedAccounts) UpdateToken(ctx context.Context, id, token, secret string, expiry time.Time) error {
	a, err := c.AccountStore.FindAccount(ctx, Filter{ID: id})
	if err != nil {
		return err
	}
	if err := c.AccountStore.UpdateToken(ctx, id, token, secret, expiry); err != nil {
		return err
	}
	if a != nil {
		c.cache.Del(a.UID)
	}
	return nil
}

// Close releases the cache.
func (c *CachedAccounts) Close() {
	c.cache.Close()
}
