package cache

import (
	"sync"
	"time"

	"github.com/tastythames/aedwt-runner/internal/runner"
)

// Entry is the latest known state of one workflow.
type Entry struct {
	At      time.Time
	Last    runner.Result
	Running bool
	Counts  map[runner.Status]uint64
}

// Cache is the interface used by scheduler/metrics.
type Cache interface {
	Seed(workflow string, r runner.Result)
	Start(workflow string)
	Set(workflow string, r runner.Result)
	Snapshot() map[string]Entry
}

// MemCache is an in-memory implementation of Cache.
type MemCache struct {
	mu   sync.RWMutex
	data map[string]Entry
}

func NewMemCache() *MemCache {
	return &MemCache{
		data: make(map[string]Entry),
	}
}

func (c *MemCache) Start(workflow string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.data[workflow]
	e.Running = true
	c.data[workflow] = e
}

// Seed restores a previously recorded result without counting it as a run
// of this process. It never replaces a newer entry.
func (c *MemCache) Seed(workflow string, r runner.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.data[workflow]
	if !e.At.IsZero() && !r.FinishedAt.After(e.At) {
		return
	}
	e.At = r.FinishedAt
	e.Last = r
	c.data[workflow] = e
}

func (c *MemCache) Set(workflow string, r runner.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.data[workflow]
	counts := make(map[runner.Status]uint64, len(e.Counts)+1)
	for k, v := range e.Counts {
		counts[k] = v
	}
	counts[r.Status]++

	// A skipped run never started, so the previous outcome stays current.
	if r.Status == runner.StatusSkipped {
		e.Running = false
		e.Counts = counts
		c.data[workflow] = e
		return
	}

	c.data[workflow] = Entry{
		At:     r.FinishedAt,
		Last:   r,
		Counts: counts,
	}
}

func (c *MemCache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}
