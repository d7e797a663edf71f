package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMaxSize is the capacity used when none is configured.
const DefaultMaxSize = 1000

// MemoryStore is a bounded in-memory LRU store. Entries with a finite lifetime
// are dropped lazily on access and periodically by a cleanup goroutine;
// entries without one leave only under capacity pressure.
type MemoryStore struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *storedEntry]
	maxSize int
	stats   Stats
	metrics Metrics
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// storedEntry pairs an entry with its precomputed deadline.
type storedEntry struct {
	entry     *Entry
	expiresAt time.Time
	hasExpiry bool
}

// MemoryConfig holds configuration for the memory store
type MemoryConfig struct {
	MaxSize         int           // Maximum number of entries (<= 0 uses DefaultMaxSize)
	CleanupInterval time.Duration // How often to drop expired entries (<= 0 disables)
	Metrics         Metrics
	Now             func() time.Time
}

// DefaultMemoryConfig returns default memory store configuration
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		MaxSize:         DefaultMaxSize,
		CleanupInterval: 1 * time.Minute,
	}
}

// NewMemoryStore creates a new in-memory LRU store
func NewMemoryStore(config *MemoryConfig) *MemoryStore {
	if config == nil {
		config = DefaultMemoryConfig()
	}

	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	// simplelru only rejects non-positive sizes
	lru, _ := simplelru.NewLRU[string, *storedEntry](maxSize, nil)

	m := &MemoryStore{
		lru:             lru,
		maxSize:         maxSize,
		metrics:         config.Metrics,
		now:             config.Now,
		cleanupInterval: config.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	if m.metrics == nil {
		m.metrics = NoopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.stats.MaxSize = maxSize

	if m.cleanupInterval > 0 {
		go m.startCleanup()
	}

	return m
}

// Get retrieves an entry and moves it to the most recently used position.
func (m *MemoryStore) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	se, ok := m.lru.Get(key)
	if !ok {
		m.stats.Misses++
		m.updateHitRate()
		return nil, false
	}

	if se.expired(m.now()) {
		m.lru.Remove(key)
		m.stats.Expirations++
		m.stats.Misses++
		m.updateHitRate()
		m.metrics.Expiration()
		return nil, false
	}

	m.stats.Hits++
	m.updateHitRate()

	return se.entry, true
}

// Set stores value under key. When the store is full and key is new, the least
// recently used entry is evicted first.
func (m *MemoryStore) Set(key string, value any, meta Metadata) {
	se := &storedEntry{entry: &Entry{Value: value, Metadata: meta}}
	se.expiresAt, se.hasExpiry = meta.ExpiresAt()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lru.Add(key, se) {
		m.stats.Evictions++
		m.metrics.Eviction()
	}
	m.stats.Sets++
}

// Delete removes key and reports whether it was present
func (m *MemoryStore) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lru.Remove(key) {
		return false
	}
	m.stats.Deletes++
	return true
}

// Clear removes all values from the store
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lru.Purge()
}

// Len returns the number of stored entries, expired or not
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lru.Len()
}

// Keys returns the keys from least to most recently used without touching
// their recency.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lru.Keys()
}

// Stats returns store statistics
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	statsCopy := m.stats
	statsCopy.Size = m.lru.Len()
	return statsCopy
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (m *MemoryStore) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCleanup)
	})
}

// startCleanup runs a background goroutine to drop expired entries
func (m *MemoryStore) startCleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup removes expired entries without changing recency of live ones
func (m *MemoryStore) cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, key := range m.lru.Keys() {
		se, ok := m.lru.Peek(key)
		if ok && se.expired(now) {
			m.lru.Remove(key)
			m.stats.Expirations++
			m.metrics.Expiration()
			removed++
		}
	}

	return removed
}

// updateHitRate calculates the cache hit rate
func (m *MemoryStore) updateHitRate() {
	total := m.stats.Hits + m.stats.Misses
	if total > 0 {
		m.stats.HitRate = float64(m.stats.Hits) / float64(total)
	}
}

func (se *storedEntry) expired(now time.Time) bool {
	return se.hasExpiry && !now.Before(se.expiresAt)
}
