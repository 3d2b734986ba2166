// Package resultcache holds webhook-delivered call results while the
// enrichment pipeline upgrades them to complete records.
package resultcache

import (
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/calls"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// CachedResult wraps a CallResult with its cache lifetime.
type CachedResult struct {
	Result    calls.CallResult
	Timestamp time.Time
	ExpiresAt time.Time
}

// Cache is a TTL-bounded, in-memory store keyed by call id.
//
// It is the only mutable shared resource in-process: the webhook-arrival
// path and the enrichment-poll path both read-then-write whole entries, so
// every composite mutation happens under the mutex. Construct one instance
// at process start and pass it by handle; Shutdown stops the sweeper.
type Cache struct {
	mu      sync.Mutex
	entries map[string]CachedResult

	ttl   time.Duration
	log   *slog.Logger
	clock func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func New(ttl, sweepInterval time.Duration, log *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		entries: make(map[string]CachedResult),
		ttl:     ttl,
		log:     log,
		clock:   time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// Shutdown stops the background sweeper. Entries remain readable until
// they expire lazily.
func (c *Cache) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Set inserts or overwrites an entry with a fresh expiry. A zero ttl uses
// the cache default.
func (c *Cache) Set(callID string, res calls.CallResult, ttl time.Duration) {
	if callID == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[callID] = CachedResult{
		Result:    res,
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Get returns the cached result, or false when absent or expired. Expired
// entries are evicted on read; the sweeper handles the no-read case.
func (c *Cache) Get(callID string) (calls.CallResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[callID]
	if !ok {
		return calls.CallResult{}, false
	}
	if c.clock().After(e.ExpiresAt) {
		delete(c.entries, callID)
		return calls.CallResult{}, false
	}
	return e.Result, true
}

// Delete evicts an entry explicitly.
func (c *Cache) Delete(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, callID)
}

// Len reports live (possibly expired but unswept) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// UpdateFetchStatus transitions the enrichment state machine in place.
//
//	partial -> fetching -> complete | fetch_failed
//
// Entering fetching increments FetchAttempts; complete stamps FetchedAt;
// fetch_failed records the last error. Transitions out of a terminal state
// are refused, and a result with no DataStatus at all is not subject to
// the machine.
func (c *Cache) UpdateFetchStatus(callID string, status calls.DataStatus, fetchErr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[callID]
	if !ok {
		return false
	}
	if e.Result.DataStatus == "" || e.Result.DataStatus.Terminal() {
		return false
	}

	now := c.clock()
	switch status {
	case calls.DataStatusFetching:
		e.Result.FetchAttempts++
	case calls.DataStatusComplete:
		e.Result.FetchedAt = &now
	case calls.DataStatusFetchFailed:
		e.Result.FetchError = fetchErr
	case calls.DataStatusPartial:
		// Allowed: a failed attempt may park the entry back at partial
		// until the next retry.
	default:
		return false
	}
	e.Result.DataStatus = status
	c.entries[callID] = e
	return true
}

// MergeEnrichedData applies the monotonic-completeness merge to a cached
// entry and returns the merged result. The read-modify-write happens under
// the cache lock so a concurrent webhook update cannot be lost.
func (c *Cache) MergeEnrichedData(callID string, incoming calls.CallResult) (calls.CallResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[callID]
	if !ok {
		return calls.CallResult{}, false
	}
	e.Result = calls.MergeResults(e.Result, incoming)
	c.entries[callID] = e
	return e.Result, true
}

func (c *Cache) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if n := c.sweep(); n > 0 {
				c.log.Debug("cache sweep evicted entries", "evicted", n)
			}
		}
	}
}

func (c *Cache) sweep() int {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}
