package convert

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultSignatureCacheSize = 4096
	defaultSignatureCacheTTL  = 30 * time.Minute
)

// SignatureCache remembers thinking-block signatures keyed by a hash
// of the thinking text. Variants that require signed thinking on
// replayed turns restore signatures from here.
type SignatureCache struct {
	mu      sync.Mutex
	entries map[uint64]signatureEntry
	max     int
	ttl     time.Duration
	now     func() time.Time
}

type signatureEntry struct {
	signature string
	expires   time.Time
}

func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		entries: make(map[uint64]signatureEntry),
		max:     defaultSignatureCacheSize,
		ttl:     defaultSignatureCacheTTL,
		now:     time.Now,
	}
}

func signatureKey(thinking string) uint64 {
	return xxhash.Sum64String(thinking)
}

func (c *SignatureCache) Put(thinking, signature string) {
	if thinking == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.max {
		c.evict(now)
	}
	c.entries[signatureKey(thinking)] = signatureEntry{
		signature: signature,
		expires:   now.Add(c.ttl),
	}
}

func (c *SignatureCache) Get(thinking string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[signatureKey(thinking)]
	if !ok || c.now().After(e.expires) {
		return "", false
	}
	return e.signature, true
}

// evict drops expired entries, then the oldest if still at capacity.
// Called with mu held.
func (c *SignatureCache) evict(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.max {
		return
	}
	var oldestKey uint64
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expires.Before(oldest) {
			oldestKey, oldest, first = k, e.expires, false
		}
	}
	delete(c.entries, oldestKey)
}
