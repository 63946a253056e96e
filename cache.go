package fvde

import (
	"sync"
	"sync/atomic"
)

// Default number of shards for the sector cache.
// Must be a power of 2 for efficient modulo operation.
const defaultSectorCacheShards = 8

// DefaultSectorCacheSize is the default number of decrypted sectors kept
// per logical volume (spec: "Cache size: implementation choice, default
// 1024 sectors").
const DefaultSectorCacheSize = 1024

// sectorKey identifies a cached sector by the physical volume it lives on
// and its byte offset within that physical volume.
type sectorKey struct {
	pvIndex uint16
	pvByte  uint64
}

// sectorCache is a sharded LRU cache of decrypted 512-byte sectors, keyed
// by (pv_index, pv_byte_offset_of_sector) as required by spec §4.Q. It is
// the FVDE-domain adaptation of the teacher's l2Cache: same sharded
// doubly-linked-list LRU design, rekeyed from a single cluster offset to
// the (physical volume, byte offset) pair a CoreStorage segment map
// actually addresses with.
type sectorCache struct {
	shards    []*sectorCacheShard
	shardMask uint64

	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	insertions atomic.Uint64
}

type sectorCacheShard struct {
	mu      sync.RWMutex
	entries map[sectorKey]*sectorCacheEntry
	head    *sectorCacheEntry
	tail    *sectorCacheEntry
	maxSize int
}

type sectorCacheEntry struct {
	key  sectorKey
	data []byte
	prev *sectorCacheEntry
	next *sectorCacheEntry
}

// newSectorCache creates a sector cache with maxSize total entries spread
// across defaultSectorCacheShards shards.
func newSectorCache(maxSize int) *sectorCache {
	return newSectorCacheWithShards(maxSize, defaultSectorCacheShards)
}

func newSectorCacheWithShards(maxSize, shardCount int) *sectorCache {
	if shardCount <= 0 {
		shardCount = defaultSectorCacheShards
	}
	if shardCount&(shardCount-1) != 0 {
		v := shardCount
		v--
		v |= v >> 1
		v |= v >> 2
		v |= v >> 4
		v |= v >> 8
		v |= v >> 16
		shardCount = v + 1
	}

	perShard := maxSize / shardCount
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]*sectorCacheShard, shardCount)
	for i := range shards {
		shards[i] = &sectorCacheShard{
			entries: make(map[sectorKey]*sectorCacheEntry),
			maxSize: perShard,
		}
	}

	return &sectorCache{
		shards:    shards,
		shardMask: uint64(shardCount - 1),
	}
}

func (c *sectorCache) getShard(key sectorKey) *sectorCacheShard {
	h := key.pvByte ^ (key.pvByte >> 16) ^ (key.pvByte >> 32) ^ uint64(key.pvIndex)
	return c.shards[h&c.shardMask]
}

// get returns the cached plaintext for a sector, or nil on a miss. The
// returned slice is owned by the cache; callers must not retain or mutate
// it beyond the immediate copy into their read buffer.
func (c *sectorCache) get(key sectorKey) []byte {
	data := c.getShard(key).get(key)
	if data != nil {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return data
}

// put inserts or refreshes a decrypted sector in the cache.
func (c *sectorCache) put(key sectorKey, data []byte) {
	inserted, evicted := c.getShard(key).put(key, data)
	if inserted {
		c.insertions.Add(1)
	}
	if evicted > 0 {
		c.evictions.Add(uint64(evicted))
	}
}

// clear drops every cached sector and zeroes the underlying buffers, used
// when a logical volume is locked or dropped so decrypted plaintext does
// not linger in memory.
func (c *sectorCache) clear() {
	for _, shard := range c.shards {
		shard.clear()
	}
}

func (s *sectorCacheShard) get(key sectorKey) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	s.moveToFront(entry)
	return entry.data
}

func (s *sectorCacheShard) put(key sectorKey, data []byte) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		copy(entry.data, data)
		s.moveToFront(entry)
		return false, 0
	}

	entry := &sectorCacheEntry{
		key:  key,
		data: make([]byte, len(data)),
	}
	copy(entry.data, data)

	s.addToFront(entry)
	s.entries[key] = entry

	evicted := 0
	for len(s.entries) > s.maxSize {
		s.evictLRU()
		evicted++
	}

	return true, evicted
}

func (s *sectorCacheShard) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		scrubBytes(entry.data)
	}
	s.entries = make(map[sectorKey]*sectorCacheEntry)
	s.head = nil
	s.tail = nil
}

func (c *sectorCache) size() int {
	total := 0
	for _, shard := range c.shards {
		total += shard.size()
	}
	return total
}

func (s *sectorCacheShard) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CacheStats reports sector-cache hit/miss counters for a logical volume.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	HitRate    float64
	Insertions uint64
	Evictions  uint64
	Size       int
	MaxSize    int
}

func (c *sectorCache) stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	maxSize := 0
	for _, shard := range c.shards {
		maxSize += shard.maxSize
	}

	return CacheStats{
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
		Insertions: c.insertions.Load(),
		Evictions:  c.evictions.Load(),
		Size:       c.size(),
		MaxSize:    maxSize,
	}
}

func (s *sectorCacheShard) moveToFront(entry *sectorCacheEntry) {
	if entry == s.head {
		return
	}
	s.removeEntry(entry)
	s.addToFront(entry)
}

func (s *sectorCacheShard) addToFront(entry *sectorCacheEntry) {
	entry.prev = nil
	entry.next = s.head

	if s.head != nil {
		s.head.prev = entry
	}
	s.head = entry

	if s.tail == nil {
		s.tail = entry
	}
}

func (s *sectorCacheShard) removeEntry(entry *sectorCacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		s.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		s.tail = entry.prev
	}
}

func (s *sectorCacheShard) evictLRU() {
	if s.tail == nil {
		return
	}
	entry := s.tail
	s.removeEntry(entry)
	delete(s.entries, entry.key)
	scrubBytes(entry.data)
}
