package memory

import (
	"sync"
	"time"

	"bank-ledger/pkg/metrics"
)

// Collector implements metrics.Collector for in-memory testing.
type Collector struct {
	mu sync.RWMutex

	decisions       map[string]int64 // "kind/outcome"
	depositsBlocked int64
	adjustments     map[string]int64 // direction -> cents
	cardsIssued     map[string]int64
	cardAttempts    int64

	storeOps     map[string]int64 // "backend/outcome"
	circuitState map[string]metrics.CircuitState
	circuitOpens map[string]int64

	cacheHits   map[string]int64
	cacheMisses map[string]int64
	cacheSets   map[string]int64
	cacheErrors map[string]int64
}

// NewCollector creates a new in-memory metrics collector.
func NewCollector() *Collector {
	c := &Collector{}
	c.reset()
	return c
}

func (c *Collector) reset() {
	c.decisions = make(map[string]int64)
	c.depositsBlocked = 0
	c.adjustments = make(map[string]int64)
	c.cardsIssued = make(map[string]int64)
	c.cardAttempts = 0
	c.storeOps = make(map[string]int64)
	c.circuitState = make(map[string]metrics.CircuitState)
	c.circuitOpens = make(map[string]int64)
	c.cacheHits = make(map[string]int64)
	c.cacheMisses = make(map[string]int64)
	c.cacheSets = make(map[string]int64)
	c.cacheErrors = make(map[string]int64)
}

// RecordDecision records an approve/reject decision.
func (c *Collector) RecordDecision(kind string, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions[kind+"/"+outcome]++
}

// RecordDepositBlocked records an intercepted deposit.
func (c *Collector) RecordDepositBlocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depositsBlocked++
}

// RecordAdjustment records a committed balance change.
func (c *Collector) RecordAdjustment(direction string, cents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adjustments[direction] += cents
}

// RecordCardIssued records an issued card.
func (c *Collector) RecordCardIssued(cardType string, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cardsIssued[cardType]++
	c.cardAttempts += int64(attempts)
}

// RecordStoreOp records the outcome of a storage unit.
func (c *Collector) RecordStoreOp(backend string, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeOps[backend+"/"+outcome]++
}

// RecordCircuitState records the current circuit breaker state.
func (c *Collector) RecordCircuitState(backend string, state metrics.CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.circuitState[backend]
	c.circuitState[backend] = state

	// Count transitions to open
	if old != metrics.CircuitOpen && state == metrics.CircuitOpen {
		c.circuitOpens[backend]++
	}
}

// RecordCacheGet records a directory cache lookup.
func (c *Collector) RecordCacheGet(layer string, hit bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.cacheHits[layer]++
	} else {
		c.cacheMisses[layer]++
	}
}

// RecordCacheSet records a directory cache write.
func (c *Collector) RecordCacheSet(layer string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheSets[layer]++
	if !success {
		c.cacheErrors[layer]++
	}
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Decisions       map[string]int64
	DepositsBlocked int64
	Adjustments     map[string]int64
	CardsIssued     map[string]int64
	CardAttempts    int64
	StoreOps        map[string]int64
	CircuitState    map[string]metrics.CircuitState
	CircuitOpens    map[string]int64
	CacheHits       map[string]int64
	CacheMisses     map[string]int64
	CacheSets       map[string]int64
	CacheErrors     map[string]int64
}

// Decision returns the count for a kind and outcome.
func (s Snapshot) Decision(kind, outcome string) int64 {
	return s.Decisions[kind+"/"+outcome]
}

// StoreOp returns the count for a backend and outcome.
func (s Snapshot) StoreOp(backend, outcome string) int64 {
	return s.StoreOps[backend+"/"+outcome]
}

// Snapshot returns a copy of the current metrics state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Decisions:       copyMap(c.decisions),
		DepositsBlocked: c.depositsBlocked,
		Adjustments:     copyMap(c.adjustments),
		CardsIssued:     copyMap(c.cardsIssued),
		CardAttempts:    c.cardAttempts,
		StoreOps:        copyMap(c.storeOps),
		CircuitState:    copyMap(c.circuitState),
		CircuitOpens:    copyMap(c.circuitOpens),
		CacheHits:       copyMap(c.cacheHits),
		CacheMisses:     copyMap(c.cacheMisses),
		CacheSets:       copyMap(c.cacheSets),
		CacheErrors:     copyMap(c.cacheErrors),
	}
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
