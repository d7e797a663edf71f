// Package cache provides the bounded LRU store and the fetch coordinator that
// fronts expensive upstream calls with TTL, stale-while-revalidate and
// single-flight semantics.
package cache

import (
	"math"
	"time"
)

// NoExpiry marks a TTL (or stale window) that never elapses.
const NoExpiry time.Duration = math.MaxInt64

// Store defines the interface for cache storage
type Store interface {
	// Get returns the entry for key and marks it most recently used
	Get(key string) (*Entry, bool)

	// Set stores value under key, replacing any previous entry
	Set(key string, value any, meta Metadata)

	// Delete removes key and reports whether an entry was present
	Delete(key string) bool

	// Clear removes all entries
	Clear()

	// Len returns the number of entries currently held
	Len() int

	// Stats returns store statistics
	Stats() Stats
}

// Metadata describes when an entry was produced and how long it may be used.
type Metadata struct {
	CreatedTime          time.Time
	TTL                  time.Duration // zero means already expired, NoExpiry means forever
	StaleWhileRevalidate time.Duration
}

// Entry represents a cached value. Entries are replaced, never mutated.
type Entry struct {
	Value    any
	Metadata Metadata
}

// Freshness classifies an entry at a point in time.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Freshness classifies the entry at now.
func (e *Entry) Freshness(now time.Time) Freshness {
	return e.Metadata.Freshness(now)
}

// Freshness classifies metadata at now. An entry created in the future (clock
// skew) is treated as fresh.
func (m Metadata) Freshness(now time.Time) Freshness {
	if m.TTL <= 0 {
		return Expired
	}
	if m.TTL == NoExpiry {
		return Fresh
	}

	age := now.Sub(m.CreatedTime)
	if age < m.TTL {
		return Fresh
	}
	if m.StaleWhileRevalidate > 0 && age-m.TTL < m.StaleWhileRevalidate {
		return Stale
	}
	return Expired
}

// ExpiresAt returns the instant after which the entry is unusable, i.e.
// CreatedTime + TTL + StaleWhileRevalidate. ok is false for entries that
// never expire.
func (m Metadata) ExpiresAt() (t time.Time, ok bool) {
	if m.TTL == NoExpiry || m.StaleWhileRevalidate == NoExpiry {
		return time.Time{}, false
	}
	total := m.TTL
	if m.StaleWhileRevalidate > 0 {
		if total > NoExpiry-m.StaleWhileRevalidate {
			return time.Time{}, false
		}
		total += m.StaleWhileRevalidate
	}
	return m.CreatedTime.Add(total), true
}

// Stats holds cache statistics
type Stats struct {
	Hits        uint64  // Number of lookups that found a usable entry
	Misses      uint64  // Number of lookups that found nothing
	Sets        uint64  // Number of writes
	Deletes     uint64  // Number of explicit removals
	Evictions   uint64  // Number of LRU evictions caused by capacity
	Expirations uint64  // Number of entries dropped because their lifetime elapsed
	Size        int     // Current number of items in cache
	MaxSize     int     // Maximum cache size
	HitRate     float64 // Cache hit rate (0.0 - 1.0)
}

// Metrics receives coordinator and store events. Implementations must be safe
// for concurrent use.
type Metrics interface {
	// Hit is called when a fresh entry is served.
	Hit()

	// StaleHit is called when a stale entry is served and a refresh may start.
	StaleHit()

	// Miss is called when the caller has to wait for a fetch.
	Miss()

	// Coalesced is called when a caller joins a fetch already in flight.
	Coalesced()

	// Fetch is called when a compute call settles.
	Fetch(d time.Duration, err error)

	// RefreshFailed is called when a background refresh fails.
	RefreshFailed()

	// Eviction is called when capacity pushes out the LRU entry.
	Eviction()

	// Expiration is called when an entry is dropped because it is too old.
	Expiration()
}

// NoopMetrics ignores every event.
type NoopMetrics struct{}

func (NoopMetrics) Hit() {}
func (NoopMetrics) StaleHit() {}
func (NoopMetrics) Miss() {}
func (NoopMetrics) Coalesced() {}
func (NoopMetrics) Fetch(time.Duration, error) {}
func (NoopMetrics) RefreshFailed() {}
func (NoopMetrics) Eviction() {}
func (NoopMetrics) Expiration() {}
