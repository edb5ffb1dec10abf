package core

import (
	"PerpSettle/internal/observability"
	"container/list"
	"context"
	"fmt"
	"time"
)

// IdempotencyChecker implements two-tier deduplication of command keys
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker
	dbTimeout time.Duration

	metrics     *observability.Metrics
	tier2Errors int64
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, commandType string, key string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		dbTimeout: 2 * time.Second,
		metrics:   metrics,
	}
}

func compositeKey(commandType, key string) string {
	return fmt.Sprintf("%s:%s", commandType, key)
}

// IsDuplicate checks if the command has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(commandType string, key string) bool {
	ck := compositeKey(commandType, key)

	if ic.lru.Contains(ck) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), ic.dbTimeout)
	defer cancel()

	isDup, err := ic.dbChecker.IsDuplicate(ctx, commandType, key)
	if err != nil {
		// Assume not duplicate: the command log's unique key still rejects
		// a second insert.
		ic.tier2Errors++
		return false
	}
	if isDup {
		ic.recordDuplicate(commandType, "postgres")
		ic.lru.Add(ck)
		return true
	}
	return false
}

// SeenRecently checks the LRU only. Used during replay, where the database
// already holds every key being replayed.
func (ic *IdempotencyChecker) SeenRecently(commandType string, key string) bool {
	return ic.lru.Contains(compositeKey(commandType, key))
}

// MarkProcessed adds the key to the LRU after processing
func (ic *IdempotencyChecker) MarkProcessed(commandType string, key string) {
	ic.lru.Add(compositeKey(commandType, key))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Warm loads recently processed composite keys, oldest first
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

// Tier2Errors returns how many database lookups failed
func (ic *IdempotencyChecker) Tier2Errors() int64 {
	return ic.tier2Errors
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe: only accessed from the single-threaded processor.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads keys without promoting ones already present.
// On restart the most recent keys come from the command log so recent
// redeliveries skip the database lookup.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.cache[key] = lru.lruList.PushFront(key)
		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
