package pipeline

import (
	"sync"
	"time"
)

// dedupTTL is the operationId replay window of spec §4.5 step 4 / §5:
// "dedup cache keyed by operationId, TTL ≈ 60s". A retry arriving after
// eviction is treated as a new operation, per spec §5 cancellation
// rules.
const dedupTTL = 60 * time.Second

// outcome is whatever Pipeline.Execute decided for one operationId —
// an ack or a rejection — cached so a retried submission replays the
// exact same result without re-running Validate/Apply (spec §8:
// "resubmitting the same operationId within the dedup TTL returns the
// same ack and produces no additional side effects").
type outcome struct {
	ack     *ackOutcome
	rejects *rejectOutcome
}

type ackOutcome struct {
	Seq         uint64
	AssignedIDs map[string]uint64
}

type rejectOutcome struct {
	Reason string
	Error  string
}

type dedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]dedupEntry
}

type dedupEntry struct {
	value      outcome
	expiresAt  time.Time
	retryCount int
}

// newDedupCache mirrors the capacity+expiration shape of the
// ExpiringLRU reference cache (Options{Capacity, Expiration}); canvasd's
// dedup keys are already bounded in practical cardinality by the
// originating connection's in-flight operation count, so unlike that
// cache we don't also bound by capacity — only by TTL sweep.
func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, entries: make(map[string]dedupEntry)}
}

// lookup returns a previously cached outcome for operationID if it has
// not yet expired, along with how many times this operationID has now
// been resubmitted (0 on the first, uncached, submission).
func (c *dedupCache) lookup(operationID string) (outcome, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	e, ok := c.entries[operationID]
	if !ok || time.Now().After(e.expiresAt) {
		return outcome{}, 0, false
	}
	e.retryCount++
	c.entries[operationID] = e
	return e.value, e.retryCount, true
}

// store records the outcome for operationID, starting a fresh TTL.
func (c *dedupCache) store(operationID string, value outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[operationID] = dedupEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// sweepLocked drops expired entries opportunistically on lookup rather
// than running a background goroutine per project; dedup cardinality is
// low enough (one project's in-flight operations) that an unbounded
// sweep-on-read is cheap.
func (c *dedupCache) sweepLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
