package dohproxy

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sms1sis/dohproxy/internal/codec"
)

const numCacheShards = 16

// Role is the outcome of a cache lookup: whether the caller should use a
// cached answer, is now responsible for querying upstream, or should wait
// for another in-flight caller to do so.
type Role int

const (
	// HIT means a non-expired entry was found; Bytes is populated.
	HIT Role = iota
	// LEADER means no entry and no in-flight request existed; the caller
	// must query upstream and call Complete on the returned Slot.
	LEADER
	// SUBSCRIBED means a request for the same fingerprint is already in
	// flight; the caller should Wait on the returned Slot.
	SUBSCRIBED
)

// Slot is the in-flight request handle shared between the leader (who
// resolves it) and any subscribers (who wait on it). It is a one-shot
// broadcast: Complete is called exactly once by the leader, and every
// subscriber's Wait unblocks with the same result.
type Slot struct {
	done       chan struct{}
	bytes      []byte
	err        error
	generation uint64
}

// Wait blocks until the leader completes the slot and returns the same
// result delivered to every waiter.
func (s *Slot) Wait() ([]byte, error) {
	<-s.done
	return s.bytes, s.err
}

type entry struct {
	bytes      []byte
	insertedAt time.Time
	expiresAt  time.Time
	hitCount   uint64
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[codec.Fingerprint]*entry
	pending map[codec.Fingerprint]*Slot
}

// Cache maps a query fingerprint to at most one cached response and
// guarantees at most one concurrent upstream request per fingerprint
// (single-flight). See GetOrSubscribe/Complete.
type Cache struct {
	shards     [numCacheShards]*cacheShard
	maxTTL     time.Duration
	generation uint64
	stats      *Stats
}

// NewCache returns a Cache that clamps cached entry lifetimes to maxTTL. A
// maxTTL of 0 means no clamp is applied.
func NewCache(maxTTL time.Duration, stats *Stats) *Cache {
	c := &Cache{maxTTL: maxTTL, stats: stats}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries: make(map[codec.Fingerprint]*entry),
			pending: make(map[codec.Fingerprint]*Slot),
		}
	}
	return c
}

func (c *Cache) shardFor(fp codec.Fingerprint) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp.Name))
	var buf [6]byte
	buf[0] = byte(fp.Qtype)
	buf[1] = byte(fp.Qtype >> 8)
	buf[2] = byte(fp.Class)
	buf[3] = byte(fp.Class >> 8)
	if fp.RD {
		buf[4] |= 1
	}
	if fp.CD {
		buf[4] |= 2
	}
	if fp.DO {
		buf[4] |= 4
	}
	_, _ = h.Write(buf[:])
	return c.shards[h.Sum32()%numCacheShards]
}

// GetOrSubscribe performs the atomic LEADER/SUBSCRIBED/HIT decision
// described in the cache contract. On HIT, bytes is the cached response
// (id still zeroed - the caller must rewrite it). On LEADER, the caller
// owns the returned Slot and must call Complete exactly once. On
// SUBSCRIBED, the caller should call Slot.Wait.
func (c *Cache) GetOrSubscribe(fp codec.Fingerprint) (Role, []byte, *Slot) {
	sh := c.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[fp]; ok {
		if time.Now().Before(e.expiresAt) {
			e.hitCount++
			return HIT, e.bytes, nil
		}
		delete(sh.entries, fp)
	}

	if s, ok := sh.pending[fp]; ok {
		return SUBSCRIBED, nil, s
	}

	s := &Slot{
		done:       make(chan struct{}),
		generation: atomic.LoadUint64(&c.generation),
	}
	sh.pending[fp] = s
	return LEADER, nil, s
}

// Complete is called by the LEADER exactly once with the upstream result.
// On success, it computes the expiry from the response's minimum TTL
// (clamped to maxTTL) and inserts the entry, unless a negative-caching
// condition applies (no answers, or all TTLs are zero) or InvalidateAll
// ran since the slot was created. It then releases every waiter with the
// same bytes/err and removes the in-flight slot.
func (c *Cache) Complete(fp codec.Fingerprint, slot *Slot, bytes []byte, err error) {
	sh := c.shardFor(fp)

	sh.mu.Lock()
	delete(sh.pending, fp)
	if err == nil {
		if ttl, ok := codec.MinTTL(bytes); ok && ttl > 0 {
			if atomic.LoadUint64(&c.generation) == slot.generation {
				lifetime := time.Duration(ttl) * time.Second
				if c.maxTTL > 0 && lifetime > c.maxTTL {
					lifetime = c.maxTTL
				}
				now := time.Now()
				sh.entries[fp] = &entry{
					bytes:      bytes,
					insertedAt: now,
					expiresAt:  now.Add(lifetime),
				}
			}
		}
	}
	sh.mu.Unlock()

	slot.bytes = bytes
	slot.err = err
	close(slot.done)
}

// InvalidateAll drops every cached entry. In-flight slots are left
// running, but their results will not be inserted once they complete,
// since the generation they were created under no longer matches.
func (c *Cache) InvalidateAll() {
	atomic.AddUint64(&c.generation, 1)
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[codec.Fingerprint]*entry)
		sh.mu.Unlock()
	}
}

// Sweep removes expired entries. Intended to be called periodically by
// the supervisor.
func (c *Cache) Sweep() {
	now := time.Now()
	for _, sh := range c.shards {
		sh.mu.Lock()
		for fp, e := range sh.entries {
			if !now.Before(e.expiresAt) {
				delete(sh.entries, fp)
			}
		}
		sh.mu.Unlock()
	}
}

// Size returns the total number of live entries across all shards.
func (c *Cache) Size() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
