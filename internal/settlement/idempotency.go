package settlement

import (
	"MemePerp/internal/observability"
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SettledLookup answers whether an item key was settled by an earlier run.
type SettledLookup interface {
	IsSettled(ctx context.Context, key string) (bool, error)
}

// IdempotencyChecker filters items that were already settled on chain.
// Tier 1 is an in-memory LRU of confirmed keys, warmed at start. Tier 2 is an
// optional database lookup for keys confirmed before a restart; it is only
// consulted for replayed items, since live items carry fresh ids.
type IdempotencyChecker struct {
	mu      sync.Mutex
	lru     *IdempotencyLRU
	db      SettledLookup
	timeout time.Duration
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewIdempotencyChecker(capacity int, db SettledLookup, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		db:      db,
		timeout: 500 * time.Millisecond,
		metrics: metrics,
		log:     logger,
	}
}

// IsDuplicate reports whether key is in the in-memory tier.
func (ic *IdempotencyChecker) IsDuplicate(key string) bool {
	ic.mu.Lock()
	hit := ic.lru.Contains(key)
	ic.mu.Unlock()
	if hit {
		ic.duplicate("lru")
	}
	return hit
}

// IsSettledReplay checks both tiers. Used for replayed items.
func (ic *IdempotencyChecker) IsSettledReplay(ctx context.Context, key string) bool {
	if ic.IsDuplicate(key) {
		return true
	}
	if ic.db == nil {
		return false
	}
	lctx, cancel := context.WithTimeout(ctx, ic.timeout)
	defer cancel()
	settled, err := ic.db.IsSettled(lctx, key)
	if err != nil {
		// a lookup failure must not stall settlement; the contract rejects replays
		ic.log.Warn().Err(err).Str("key", key).Msg("settled-item lookup failed")
		return false
	}
	if settled {
		ic.duplicate("postgres")
		ic.MarkProcessed(key)
		return true
	}
	return false
}

// MarkProcessed records key as settled.
func (ic *IdempotencyChecker) MarkProcessed(key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.Add(key)
}

// Warm loads recently settled keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, k := range keys {
		ic.lru.Add(k)
	}
}

func (ic *IdempotencyChecker) duplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is a bounded set of keys evicting the least recently used.
// Not thread-safe.
type IdempotencyLRU struct {
	capacity  int
	cache     map[string]*list.Element
	order     *list.List
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks for key and promotes it.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts key, or promotes it when present.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

func (lru *IdempotencyLRU) Size() int { return lru.order.Len() }

func (lru *IdempotencyLRU) Evictions() int64 { return lru.evictions }
