package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/pkg/logger"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	mu      sync.Mutex
	data    map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(defaultTTL time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{
		data:    make(map[string]*cacheEntry),
		ttl:     defaultTTL,
		maxSize: maxSize,
	}
}

// Set stores a value in the cache with TTL
func (mc *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.setLocked(key, value, ttl)
}

func (mc *MemoryCache) setLocked(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = mc.ttl
	}
	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}
	now := time.Now()
	mc.data[key] = &cacheEntry{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(key string) (interface{}, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.getLocked(key)
}

func (mc *MemoryCache) getLocked(key string) (interface{}, bool) {
	entry, exists := mc.data[key]
	if !exists {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(mc.data, key)
		return nil, false
	}
	return entry.value, true
}

// SetIfAbsent stores value unless a live entry exists. It reports whether the value was stored.
func (mc *MemoryCache) SetIfAbsent(key string, value interface{}, ttl time.Duration) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.getLocked(key); ok {
		return false
	}
	mc.setLocked(key, value, ttl)
	return true
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

// evictOldest removes the oldest entry from the cache
func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
	}
}

func (mc *MemoryCache) cleanupExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	expiredCount := 0
	for key, entry := range mc.data {
		if now.After(entry.expiresAt) {
			delete(mc.data, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		logger.Debug("Expired cache entries cleaned up",
			zap.Int("count", expiredCount),
			zap.Int("remaining", len(mc.data)),
		)
	}
}

// StartCleanup starts a goroutine to clean up expired entries
// Returns a stop function that can be called to cancel the cleanup goroutine
func (mc *MemoryCache) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// EventDedup remembers signaling event IDs for a bounded time
type EventDedup struct {
	cache *MemoryCache
}

// NewEventDedup creates a dedup set holding at most maxSize IDs for ttl each
func NewEventDedup(ttl time.Duration, maxSize int) *EventDedup {
	return &EventDedup{cache: NewMemoryCache(ttl, maxSize)}
}

// Seen records id and reports whether it had already been recorded
func (d *EventDedup) Seen(id uuid.UUID) bool {
	return !d.cache.SetIfAbsent(id.String(), struct{}{}, 0)
}
