package presale

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	decimalsCacheMaxEntriesEnv = "PRESALE_CACHE_DECIMALS_MAX_ENTRIES"
	decimalsCacheTTLEnv        = "PRESALE_CACHE_DECIMALS_TTL"
	balanceCacheMaxEntriesEnv  = "PRESALE_CACHE_BALANCE_MAX_ENTRIES"
	balanceCacheTTLEnv         = "PRESALE_CACHE_BALANCE_TTL"
)

const (
	defaultDecimalsMaxEntries = 16
	// Mint decimals are still re-read from chain, just not on every
	// disbursement. Short TTL keeps "never assume configured decimals" honest.
	defaultDecimalsTTL       = 5 * time.Minute
	defaultBalanceMaxEntries = 500
	defaultBalanceTTL        = 15 * time.Second
)

type cacheConfig struct {
	maxEntries int
	ttl        time.Duration
}

func decimalsCacheConfig() cacheConfig {
	return cacheConfig{
		maxEntries: loadIntEnv(decimalsCacheMaxEntriesEnv, defaultDecimalsMaxEntries),
		ttl:        loadDurationEnv(decimalsCacheTTLEnv, defaultDecimalsTTL),
	}
}

func balanceCacheConfig() cacheConfig {
	return cacheConfig{
		maxEntries: loadIntEnv(balanceCacheMaxEntriesEnv, defaultBalanceMaxEntries),
		ttl:        loadDurationEnv(balanceCacheTTLEnv, defaultBalanceTTL),
	}
}

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
}

// methodCache is a TTL-bounded LRU keyed by string. A nil cache is a no-op,
// so callers never branch on whether caching is enabled.
type methodCache[V any] struct {
	ttl   time.Duration
	mu    sync.RWMutex
	store *lru.Cache[string, cacheEntry[V]]
}

func newMethodCache[V any](cfg cacheConfig) *methodCache[V] {
	if cfg.maxEntries <= 0 {
		return nil
	}
	store, _ := lru.New[string, cacheEntry[V]](cfg.maxEntries)
	return &methodCache[V]{
		ttl:   cfg.ttl,
		store: store,
	}
}

func (c *methodCache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil || key == "" {
		return zero, false
	}
	c.mu.RLock()
	entry, ok := c.store.Get(key)
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		c.mu.Lock()
		c.store.Remove(key)
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

func (c *methodCache[V]) Add(key string, value V) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	c.store.Add(key, cacheEntry[V]{value: value, storedAt: time.Now()})
	c.mu.Unlock()
}

func (c *methodCache[V]) Remove(key string) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	c.store.Remove(key)
	c.mu.Unlock()
}
