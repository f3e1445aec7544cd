package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
	tags      []string
	size      int
	hits      uint64
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache is the in-process reference implementation. A single lock
// keeps entry writes and the tag index atomic; expiry is lazy.
type MemoryCache struct {
	config *Config

	mu      sync.Mutex
	entries map[string]*memoryEntry
	byTag   map[string]map[string]struct{}

	hits      uint64
	misses    uint64
	evictions uint64
	bytes     int64
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(config *Config) *MemoryCache {
	return &MemoryCache{
		config:  config.withDefaults(),
		entries: make(map[string]*memoryEntry),
		byTag:   make(map[string]map[string]struct{}),
	}
}

// Get returns the value for key, expiring lazily.
func (m *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	key = NormalizeKey(key)

	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok && entry.expired(time.Now()) {
		m.removeLocked(key, entry)
		m.evictions++
		ok = false
	}
	if !ok {
		m.misses++
		m.mu.Unlock()
		return "", false, nil
	}
	entry.hits++
	m.hits++
	stored := entry.value
	m.mu.Unlock()

	value, err := decodeValue(stored)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores a value under the normalised key, replacing any previous
// entry and its tag memberships in the same critical section.
func (m *MemoryCache) Set(ctx context.Context, key, value string, opts *SetOptions) error {
	key = NormalizeKey(key)

	stored, err := encodeValue(value, opts, m.config)
	if err != nil {
		return err
	}

	ttl := m.config.DefaultTTL
	var tags []string
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		tags = append([]string(nil), opts.Tags...)
	}

	entry := &memoryEntry{
		value:     stored,
		expiresAt: time.Now().Add(ttl),
		tags:      tags,
		size:      len(stored),
	}

	m.mu.Lock()
	if previous, ok := m.entries[key]; ok {
		m.removeLocked(key, previous)
	}
	m.entries[key] = entry
	m.bytes += int64(entry.size)
	for _, tag := range tags {
		keys, ok := m.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	m.mu.Unlock()

	m.config.Logger.Debug("Cache entry stored", map[string]interface{}{
		"operation": "cache_set",
		"key":       key,
		"size":      entry.size,
		"tags":      len(tags),
		"ttl_ms":    ttl.Milliseconds(),
	})
	return nil
}

// Delete removes one entry. Unknown keys are a no-op.
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	key = NormalizeKey(key)

	m.mu.Lock()
	if entry, ok := m.entries[key]; ok {
		m.removeLocked(key, entry)
	}
	m.mu.Unlock()
	return nil
}

// Clear drops every entry and the tag index. Counters survive.
func (m *MemoryCache) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.byTag = make(map[string]map[string]struct{})
	m.bytes = 0
	m.mu.Unlock()
	return nil
}

// InvalidateByTags removes every entry carrying any of the tags in one
// critical section.
func (m *MemoryCache) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	m.mu.Lock()
	removed := 0
	for _, tag := range tags {
		for key := range m.byTag[tag] {
			if entry, ok := m.entries[key]; ok {
				m.removeLocked(key, entry)
				removed++
			}
		}
	}
	m.mu.Unlock()

	m.config.Logger.Debug("Cache invalidated by tags", map[string]interface{}{
		"operation": "cache_invalidate",
		"tags":      tags,
		"removed":   removed,
	})
	return removed, nil
}

// Stats returns the current counters.
func (m *MemoryCache) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:    len(m.entries),
		Hits:       m.hits,
		Misses:     m.misses,
		Evictions:  m.evictions,
		TotalBytes: m.bytes,
	}, nil
}

// removeLocked drops an entry and its tag memberships. Must be called
// with m.mu held.
func (m *MemoryCache) removeLocked(key string, entry *memoryEntry) {
	delete(m.entries, key)
	m.bytes -= int64(entry.size)
	for _, tag := range entry.tags {
		if keys, ok := m.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.byTag, tag)
			}
		}
	}
}
