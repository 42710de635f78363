package delegate

import (
	"context"
	"sync"
	"time"
)

// TokenCache maps access tokens to local user ids with a bounded lifetime.
// The cache is advisory only; the user store remains authoritative.
type TokenCache interface {
	// Get returns the cached local user id for the token, if present.
	Get(ctx context.Context, token string) (int64, bool, error)
	// Set records the token to local user id mapping with the store's TTL.
	Set(ctx context.Context, token string, userID int64) error
}

type memoryCacheEntry struct {
	userID    int64
	expiresAt time.Time
}

type memoryTokenCache struct {
	mutex   sync.Mutex
	entries map[string]memoryCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryTokenCache constructs an in-memory TokenCache with the provided TTL.
func NewMemoryTokenCache(ttl time.Duration) TokenCache {
	return &memoryTokenCache{
		entries: make(map[string]memoryCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (cache *memoryTokenCache) Get(ctx context.Context, token string) (int64, bool, error) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.purgeExpiredLocked()
	entry, present := cache.entries[token]
	if !present {
		return 0, false, nil
	}
	if cache.now().After(entry.expiresAt) {
		delete(cache.entries, token)
		return 0, false, nil
	}
	return entry.userID, true, nil
}

func (cache *memoryTokenCache) Set(ctx context.Context, token string, userID int64) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.purgeExpiredLocked()
	cache.entries[token] = memoryCacheEntry{
		userID:    userID,
		expiresAt: cache.now().Add(cache.ttl),
	}
	return nil
}

func (cache *memoryTokenCache) purgeExpiredLocked() {
	if len(cache.entries) == 0 {
		return
	}
	now := cache.now()
	for token, entry := range cache.entries {
		if now.After(entry.expiresAt) {
			delete(cache.entries, token)
		}
	}
}
