// Package cache implements the packet cache consulted on the receive path.
// It is a soft, TTL-based cache: entries age out, the total size is
// bounded, and it is never a source of truth.
package cache

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"authdns/pkg/config"
	"authdns/pkg/logging"
	"authdns/pkg/query"

	"github.com/miekg/dns"
)

var (
	// ErrInvalidConfig is returned when cache configuration is invalid
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// Cache is a sharded packet cache. Each shard has its own lock, so
// readers on different shards never contend.
type Cache struct {
	enabled bool
	ttl     time.Duration
	shards  []*shard
	logger  *logging.Logger

	clock atomic.Pointer[func() time.Time]

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once

	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	evictions atomic.Uint64
}

// shard keeps entries in insertion order; the oldest is evicted first
type shard struct {
	mu         sync.RWMutex
	entries    map[uint64]*list.Element
	order      *list.List
	maxEntries int
}

type cacheEntry struct {
	key       uint64
	id        ident
	answer    *query.Answer
	expiresAt time.Time
}

// Stats is a point-in-time view of cache activity
type Stats struct {
	Hits      uint64
	Misses    uint64
	Entries   int
	Evictions uint64
	Inserts   uint64
	HitRate   float64 // hits / (hits + misses)
}

// New creates a packet cache from configuration. A disabled cache is
// still a valid value: Enabled reports false and every call is a no-op.
func New(cfg *config.CacheConfig, logger *logging.Logger) (*Cache, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.MaxEntries <= 0 || cfg.Shards <= 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	shardCount := cfg.Shards
	if shardCount > cfg.MaxEntries {
		shardCount = cfg.MaxEntries
	}
	perShard := cfg.MaxEntries / shardCount

	c := &Cache{
		enabled:     cfg.IsEnabled(),
		ttl:         cfg.TTL,
		shards:      make([]*shard, shardCount),
		logger:      logger,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	now := time.Now
	c.clock.Store(&now)

	for i := range c.shards {
		c.shards[i] = &shard{
			entries:    make(map[uint64]*list.Element),
			order:      list.New(),
			maxEntries: perShard,
		}
	}

	if c.enabled && cfg.CleanupInterval > 0 {
		go c.cleanupLoop(cfg.CleanupInterval)
	} else {
		close(c.cleanupDone)
	}

	logger.Info("Packet cache initialized",
		"enabled", c.enabled,
		"shards", shardCount,
		"entries_per_shard", perShard,
		"max_entries", perShard*shardCount,
		"ttl", cfg.TTL)

	return c, nil
}

// Enabled reports whether the fast path is active
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled
}

// TTL returns the configured cache-ttl ceiling
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// SetClock replaces the time source, for tests
func (c *Cache) SetClock(now func() time.Time) {
	c.clock.Store(&now)
}

func (c *Cache) now() time.Time {
	return (*c.clock.Load())()
}

func (c *Cache) shardFor(key uint64) *shard {
	return c.shards[key%uint64(len(c.shards))]
}

// Get returns the answer template cached for q. Expired entries are
// misses and are removed. The returned template must not be modified;
// use Answer.For to derive a reply.
func (c *Cache) Get(q *query.Query) (*query.Answer, bool) {
	if !c.Enabled() {
		return nil, false
	}

	id := identOf(q)
	key := id.hash()
	s := c.shardFor(key)

	s.mu.RLock()
	elem, found := s.entries[key]
	var entry *cacheEntry
	if found {
		entry = elem.Value.(*cacheEntry)
	}
	s.mu.RUnlock()

	if !found || entry.id != id {
		c.misses.Add(1)
		return nil, false
	}

	if !c.now().Before(entry.expiresAt) {
		c.misses.Add(1)
		s.mu.Lock()
		// Re-check: a fresh insert may have replaced it meanwhile
		if cur, ok := s.entries[key]; ok && cur == elem {
			s.order.Remove(elem)
			delete(s.entries, key)
			c.evictions.Add(1)
		}
		s.mu.Unlock()
		return nil, false
	}

	c.hits.Add(1)
	return entry.answer, true
}

// Insert stores answer for q for ttl. A ttl <= 0 or a disabled cache makes
// this a no-op. Once Insert returns, Get on any goroutine observes the entry.
func (c *Cache) Insert(q *query.Query, answer *query.Answer, ttl time.Duration) {
	if !c.Enabled() || ttl <= 0 || answer == nil {
		return
	}

	tmpl, err := answer.Template()
	if err != nil {
		c.logger.Debug("Not caching unpackable answer", "query", q.String(), "error", err)
		return
	}

	id := identOf(q)
	key := id.hash()
	entry := &cacheEntry{
		key:       key,
		id:        id,
		answer:    tmpl,
		expiresAt: c.now().Add(ttl),
	}

	s := c.shardFor(key)
	s.mu.Lock()
	if elem, ok := s.entries[key]; ok {
		s.order.Remove(elem)
		delete(s.entries, key)
	}
	for len(s.entries) >= s.maxEntries {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
		c.evictions.Add(1)
	}
	s.entries[key] = s.order.PushBack(entry)
	s.mu.Unlock()

	c.inserts.Add(1)
}

// TTLFor returns the lifetime for caching msg: its smallest record TTL,
// capped at ceiling. OPT pseudo-records are ignored. A message without
// records is cached for ceiling.
func TTLFor(msg *dns.Msg, ceiling time.Duration) time.Duration {
	if msg == nil {
		return 0
	}

	minTTL := uint32(0)
	seen := false
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			ttl := rr.Header().Ttl
			if !seen || ttl < minTTL {
				minTTL = ttl
				seen = true
			}
		}
	}

	if !seen {
		return ceiling
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl > ceiling {
		ttl = ceiling
	}
	return ttl
}

// cleanupLoop periodically removes expired entries
func (c *Cache) cleanupLoop(interval time.Duration) {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired entries, one shard at a time
func (c *Cache) cleanup() int {
	now := c.now()
	removed := 0

	for _, s := range c.shards {
		s.mu.Lock()
		for elem := s.order.Front(); elem != nil; {
			next := elem.Next()
			entry := elem.Value.(*cacheEntry)
			if !now.Before(entry.expiresAt) {
				s.order.Remove(elem)
				delete(s.entries, entry.key)
				removed++
			}
			elem = next
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		c.evictions.Add(uint64(removed))
		c.logger.Debug("Cleaned up expired cache entries", "removed", removed)
	}
	return removed
}

// Len returns the number of stored entries, expired or not
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns current cache statistics
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Entries:   c.Len(),
		Evictions: c.evictions.Load(),
		Inserts:   c.inserts.Load(),
		HitRate:   hitRate,
	}
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[uint64]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
	c.logger.Info("Packet cache cleared")
}

// Close stops the cleanup goroutine
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		<-c.cleanupDone

		stats := c.Stats()
		c.logger.Info("Packet cache closed",
			"final_hits", stats.Hits,
			"final_misses", stats.Misses,
			"final_entries", stats.Entries)
	})
	return nil
}
