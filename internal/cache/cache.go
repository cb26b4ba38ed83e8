package cache

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Entity names used as cache key prefixes.
const (
	EntityCurrentShift      = "current-shift"
	EntityCashMovements     = "cash-movements"
	EntitySales             = "sales"
	EntityExpenses          = "expenses"
	EntityStockLevels       = "stock-levels"
	EntityStockTakes        = "stock-takes"
	// Not read by this client; other readers of a shared redis cache
	// populate them and rely on close dropping them.
	EntityStockTransactions = "stock-transactions"
	EntityCustomerBalances  = "customer-balances"
	EntityVarianceReport    = "variance-report"
)

const keyPrefix = "dukapos:q:"

// QueryCache stores encoded query results keyed by entity and scope.
type QueryCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate drops every entry of the entity whose scope contains all of
	// the given params. No params drops the whole entity.
	Invalidate(ctx context.Context, entity string, scope map[string]string) error
}

// Key builds a stable key for an entity query. Params are sorted so the same
// scope always maps to the same key.
func Key(entity string, params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		if v == "" {
			continue
		}
		values.Set(k, v)
	}
	return keyPrefix + entity + "?" + values.Encode()
}

func entityPrefix(entity string) string {
	return keyPrefix + entity + "?"
}

// matchesScope reports whether key belongs to entity and carries every
// param in scope.
func matchesScope(key string, entity string, scope map[string]string) bool {
	prefix := entityPrefix(entity)
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if len(scope) == 0 {
		return true
	}
	values, err := url.ParseQuery(strings.TrimPrefix(key, prefix))
	if err != nil {
		return false
	}
	for k, v := range scope {
		if v == "" {
			continue
		}
		if values.Get(k) != v {
			return false
		}
	}
	return true
}

type NoopQueryCache struct{}

func (NoopQueryCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopQueryCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (NoopQueryCache) Invalidate(_ context.Context, _ string, _ map[string]string) error {
	return nil
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryQueryCache is a process-local cache with per-entry TTL.
type MemoryQueryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryQueryCache() *MemoryQueryCache {
	return &MemoryQueryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryQueryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (c *MemoryQueryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryQueryCache) Invalidate(_ context.Context, entity string, scope map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if matchesScope(key, entity, scope) {
			delete(c.entries, key)
		}
	}
	return nil
}

// Len reports the number of live and expired entries still held.
func (c *MemoryQueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
