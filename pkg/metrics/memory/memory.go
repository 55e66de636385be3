// Package memory provides an in-memory metrics collector for tests and
// ad-hoc inspection.
package memory

import (
	"sync"
	"time"

	"settlenet/pkg/metrics"
)

// MemoryCollector implements metrics.Collector with plain counters guarded
// by a mutex. Useful in tests to assert on recorded outcomes.
type MemoryCollector struct {
	mu sync.Mutex

	Settlements   map[string]int64 // "kind/outcome"
	Forwards      map[string]int64
	Pulls         map[string]int64
	Duplicates    int64
	CircuitStates map[string]metrics.CircuitState
	Delivered     int64
	Dropped       int64
	QueueDepth    int
}

// NewMemoryCollector creates an empty collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		Settlements:   make(map[string]int64),
		Forwards:      make(map[string]int64),
		Pulls:         make(map[string]int64),
		CircuitStates: make(map[string]metrics.CircuitState),
	}
}

func (c *MemoryCollector) RecordSettlement(kind, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Settlements[kind+"/"+outcome]++
}

func (c *MemoryCollector) RecordForward(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Forwards[outcome]++
}

func (c *MemoryCollector) RecordPull(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pulls[outcome]++
}

func (c *MemoryCollector) RecordDuplicate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Duplicates++
}

func (c *MemoryCollector) RecordCircuitState(peer string, state metrics.CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CircuitStates[peer] = state
}

func (c *MemoryCollector) RecordNotification(delivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delivered {
		c.Delivered++
	} else {
		c.Dropped++
	}
}

func (c *MemoryCollector) RecordQueueDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.QueueDepth = depth
}

// SettlementCount returns the recorded count for a kind/outcome pair.
func (c *MemoryCollector) SettlementCount(kind, outcome string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Settlements[kind+"/"+outcome]
}
