// Package cache implements two bounded caches: a body cache that tracks
// which File Entries currently hold a resident parsed body and evicts
// the least-recently-used one that isn't in use, and a range-result
// cache keyed by a quantised query window. Both are an LRU-ordered map
// guarded by one mutex with a Logger seam injected rather than a
// global.
package cache

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// Logger is a minimal injection seam: no global logger singleton, a
// no-op default when the host doesn't supply one.
type Logger interface {
	Log(level, message string)
}

type noopLogger struct{}

func (noopLogger) Log(string, string) {}

// BodyCache bounds how many File Entries may hold a resident parsed
// body at once. It does not store the body itself (the FileEntry does);
// it tracks residency and recency so it can call Evict on the
// least-recently-used entry that has no in-flight reference — eviction
// waits for outstanding references to drain.
//
// Residency is an intrusive doubly-linked list of bodyRef nodes rather
// than a generic recency list plus a side lookup: each node already
// knows its own refCount, so the eviction walk (tail toward head,
// skipping any node still referenced) reads that field directly instead
// of calling back out to a busy-predicate over opaque keys.
type BodyCache struct {
	mu         sync.Mutex
	capacity   int
	head, tail *bodyRef
	refs       map[wavetypes.FileID]*bodyRef
	logger     Logger
}

type bodyRef struct {
	entry      *fileentry.Entry
	fileID     wavetypes.FileID
	refCount   int
	prev, next *bodyRef
}

// NewBodyCache bounds residency to capacity bodies. A non-positive
// capacity is treated as unbounded (no eviction).
func NewBodyCache(capacity int, logger Logger) *BodyCache {
	if logger == nil {
		logger = noopLogger{}
	}
	head := &bodyRef{}
	tail := &bodyRef{}
	head.next = tail
	tail.prev = head
	return &BodyCache{
		capacity: capacity,
		head:     head,
		tail:     tail,
		refs:     make(map[wavetypes.FileID]*bodyRef),
		logger:   logger,
	}
}

// Acquire must be called before a query starts reading fileID's body
// and marks fileID as the most-recently-used resident entry. The
// returned func must be called when the query is done with the body;
// until then the entry is never chosen for eviction. Acquire may evict
// a different, unreferenced entry to stay within capacity.
func (c *BodyCache) Acquire(entry *fileentry.Entry) (release func()) {
	c.mu.Lock()
	ref, ok := c.refs[entry.FileID]
	if !ok {
		ref = &bodyRef{entry: entry, fileID: entry.FileID}
		c.refs[entry.FileID] = ref
	}
	ref.refCount++
	c.touchFront(ref)
	c.evictLocked()
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			ref.refCount--
			c.mu.Unlock()
		})
	}
}

// Forget drops fileID from residency tracking without evicting its
// body, used when the registry removes or reloads the entry out from
// under the cache.
func (c *BodyCache) Forget(fileID wavetypes.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.refs[fileID]; ok {
		c.unlink(ref)
		delete(c.refs, fileID)
	}
}

// touchFront (re-)links ref at the head of the recency list, its
// current state.
func (c *BodyCache) touchFront(ref *bodyRef) {
	c.unlink(ref)
	ref.next = c.head.next
	ref.prev = c.head
	c.head.next.prev = ref
	c.head.next = ref
}

// unlink removes ref from the list if it is currently linked; a no-op
// for a node that was never linked.
func (c *BodyCache) unlink(ref *bodyRef) {
	if ref.prev == nil {
		return
	}
	ref.prev.next = ref.next
	ref.next.prev = ref.prev
	ref.prev, ref.next = nil, nil
}

// oldestEvictable walks from the tail (least recently used) toward the
// head, returning the first resident entry with no outstanding
// reference. Returns nil if every resident entry is currently
// referenced.
func (c *BodyCache) oldestEvictable() *bodyRef {
	for node := c.tail.prev; node != c.head; node = node.prev {
		if node.refCount == 0 {
			return node
		}
	}
	return nil
}

func (c *BodyCache) evictLocked() {
	if c.capacity <= 0 {
		return
	}
	for len(c.refs) > c.capacity {
		ref := c.oldestEvictable()
		if ref == nil {
			return // every resident entry is currently referenced
		}
		c.unlink(ref)
		delete(c.refs, ref.fileID)
		ref.entry.Evict()
		c.logger.Log("debug", fmt.Sprintf("body cache evicted %s", ref.fileID))
	}
}

// RangeKey identifies one decimated range-query result, already snapped
// to a quantised grid (the query engine is responsible for
// quantisation; this package only hashes the result).
type RangeKey struct {
	FileID         wavetypes.FileID
	Variable       wavetypes.VariableID
	QuantisedLoFs  uint64
	QuantisedHiFs  uint64
	MaxTransitions uint32
}

func (k RangeKey) hash() string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d", k.FileID, k.Variable, k.QuantisedLoFs, k.QuantisedHiFs, k.MaxTransitions)
	return fmt.Sprintf("%x", h.Sum64())
}

// RangeCache is a count-bounded LRU cache of decimated range-query
// results. It is generic over the result payload (internal/query owns
// the concrete RangeResult type) so this package stays free of any
// dependency on the query engine.
type RangeCache[V any] struct {
	mu       sync.Mutex
	capacity int
	lru      *rangeLRUList
	entries  map[string]V
	byFile   map[wavetypes.FileID]map[string]struct{}
	logger   Logger
}

// NewRangeCache bounds the cache to capacity entries; a non-positive
// capacity disables eviction.
func NewRangeCache[V any](capacity int, logger Logger) *RangeCache[V] {
	if logger == nil {
		logger = noopLogger{}
	}
	return &RangeCache[V]{
		capacity: capacity,
		lru:      newRangeLRUList(),
		entries:  make(map[string]V),
		byFile:   make(map[wavetypes.FileID]map[string]struct{}),
		logger:   logger,
	}
}

// Get returns the cached result for key, if present, and marks it
// most-recently-used.
func (c *RangeCache[V]) Get(key RangeKey) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := key.hash()
	v, ok := c.entries[h]
	if ok {
		c.lru.moveToFrontKey(h)
	}
	return v, ok
}

// Put stores value for key, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *RangeCache[V]) Put(key RangeKey, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := key.hash()
	if _, exists := c.entries[h]; !exists && c.capacity > 0 && len(c.entries) >= c.capacity {
		if oldest := c.lru.removeOldest(); oldest != "" {
			c.dropLocked(oldest)
		}
	}
	c.entries[h] = value
	c.lru.addToFront(h)
	if c.byFile[key.FileID] == nil {
		c.byFile[key.FileID] = make(map[string]struct{})
	}
	c.byFile[key.FileID][h] = struct{}{}
}

// InvalidateFile drops every cached range result for fileID, used when
// the file is reloaded or removed and its prior decimation results are
// no longer valid.
func (c *RangeCache[V]) InvalidateFile(fileID wavetypes.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h := range c.byFile[fileID] {
		delete(c.entries, h)
		c.lru.remove(h)
	}
	delete(c.byFile, fileID)
}

// dropLocked removes hash h from entries and every file's index, used
// when the LRU evicts it without knowing which file it belonged to.
func (c *RangeCache[V]) dropLocked(h string) {
	delete(c.entries, h)
	for fileID, hs := range c.byFile {
		if _, ok := hs[h]; ok {
			delete(hs, h)
			if len(hs) == 0 {
				delete(c.byFile, fileID)
			}
			return
		}
	}
}
