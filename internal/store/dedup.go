// Package store provides the persisted bridge configuration, the thread
// correlation map, and the in-memory duplicate suppression cache.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// DefaultDedupCapacity bounds the cache when the configured capacity is invalid.
const DefaultDedupCapacity = 1000

// Fingerprint derives a stable identity for a relayed message from its sender,
// its content (text, or a media payload hash), and its timestamp truncated to
// whole seconds. Identical content from the same sender in the same second is
// considered the same message regardless of which network delivered it first.
func Fingerprint(participant, content string, unixSeconds int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", participant, content, unixSeconds)
	return hex.EncodeToString(h.Sum(nil))
}

// MediaFingerprint is Fingerprint over the hash of a raw media payload.
func MediaFingerprint(participant string, data []byte, unixSeconds int64) string {
	sum := sha256.Sum256(data)
	return Fingerprint(participant, hex.EncodeToString(sum[:]), unixSeconds)
}

// DedupCache is a fixed-capacity set of message fingerprints with
// oldest-inserted-first eviction. Safe for concurrent use.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	ring     []string
	head     int
	full     bool
	seen     map[string]struct{}
}

// NewDedupCache creates a cache holding at most capacity fingerprints.
func NewDedupCache(capacity int) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &DedupCache{
		capacity: capacity,
		ring:     make([]string, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// CheckAndInsert records the fingerprint and reports whether it was already
// present. Check and insert happen under one lock so two racing deliveries of
// the same message cannot both pass.
func (c *DedupCache) CheckAndInsert(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[fp]; ok {
		return true
	}

	if c.full {
		delete(c.seen, c.ring[c.head])
	}
	c.ring[c.head] = fp
	c.seen[fp] = struct{}{}
	c.head = (c.head + 1) % c.capacity
	if c.head == 0 {
		c.full = true
	}
	return false
}

// Len returns the number of fingerprints currently held.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
