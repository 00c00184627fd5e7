package metrics

import "sync"

// CounterMap is the per-message-type counter snapshot flushed to the
// external sink. The engine increments it on every decoded inbound and
// every generated outbound packet; the flusher snapshots and resets it.
type CounterMap struct {
	mu sync.Mutex
	m  map[string]int64
}

// NewCounterMap creates an empty counter map.
func NewCounterMap() *CounterMap {
	return &CounterMap{m: make(map[string]int64)}
}

// Inc adds one to a named counter.
func (c *CounterMap) Inc(name string) {
	c.mu.Lock()
	c.m[name]++
	c.mu.Unlock()
}

// Snapshot returns the current counters and resets them to zero.
func (c *CounterMap) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.m
	c.m = make(map[string]int64, len(out))
	return out
}
