package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// fastEntry is a fast-tier cache record.
type fastEntry struct {
	payload   []byte
	createdAt time.Time
	expiresAt time.Time
}

func (e fastEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memoryTier is the capability interface for the fast tier. Two concrete
// implementations exist: a bounded LRU and an unbounded map. The choice is
// made once at construction, never branched on per call.
type memoryTier interface {
	// get returns the entry and marks it as recently used.
	get(key string) (fastEntry, bool)
	// set stores the entry and returns how many entries were evicted to
	// make room.
	set(key string, e fastEntry) int
	// delete removes the key. It is a no-op if absent.
	delete(key string)
	// purge removes all entries whose key matches the predicate and
	// returns the number removed.
	purge(match func(key string) bool) int
	// purgeExpired removes all entries expired at now and returns the
	// number removed.
	purgeExpired(now time.Time) int
	// len returns the current entry count.
	len() int
}

// lruTier is a bounded fast tier with LRU-by-access eviction.
type lruTier struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	evictList  *list.List
}

type lruItem struct {
	key   string
	entry fastEntry
}

func newLRUTier(maxEntries int) *lruTier {
	return &lruTier{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
	}
}

func (t *lruTier) get(key string) (fastEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.items[key]; ok {
		t.evictList.MoveToFront(elem)
		return elem.Value.(*lruItem).entry, true
	}
	return fastEntry{}, false
}

func (t *lruTier) set(key string, e fastEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.items[key]; ok {
		t.evictList.MoveToFront(elem)
		elem.Value.(*lruItem).entry = e
		return 0
	}

	elem := t.evictList.PushFront(&lruItem{key: key, entry: e})
	t.items[key] = elem

	evicted := 0
	for t.evictList.Len() > t.maxEntries {
		back := t.evictList.Back()
		if back == nil {
			break
		}
		t.removeElement(back)
		evicted++
	}
	return evicted
}

func (t *lruTier) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.items[key]; ok {
		t.removeElement(elem)
	}
}

func (t *lruTier) purge(match func(key string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var toRemove []*list.Element
	for key, elem := range t.items {
		if match(key) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		t.removeElement(elem)
	}
	return len(toRemove)
}

func (t *lruTier) purgeExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var toRemove []*list.Element
	for _, elem := range t.items {
		if elem.Value.(*lruItem).entry.expired(now) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		t.removeElement(elem)
	}
	return len(toRemove)
}

func (t *lruTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictList.Len()
}

func (t *lruTier) removeElement(elem *list.Element) {
	t.evictList.Remove(elem)
	item := elem.Value.(*lruItem)
	delete(t.items, item.key)
}

// mapTier is an unbounded fast tier used when no entry limit is configured.
// Expired entries are dropped lazily on get and by the cleanup pass.
type mapTier struct {
	mu    sync.RWMutex
	items map[string]fastEntry
}

func newMapTier() *mapTier {
	return &mapTier{items: make(map[string]fastEntry)}
}

func (t *mapTier) get(key string) (fastEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.items[key]
	return e, ok
}

func (t *mapTier) set(key string, e fastEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[key] = e
	return 0
}

func (t *mapTier) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

func (t *mapTier) purge(match func(key string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key := range t.items {
		if match(key) {
			delete(t.items, key)
			removed++
		}
	}
	return removed
}

func (t *mapTier) purgeExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.items {
		if e.expired(now) {
			delete(t.items, key)
			removed++
		}
	}
	return removed
}

func (t *mapTier) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// matchNamespace returns a purge predicate for all keys under a namespace.
// An empty namespace matches every key.
func matchNamespace(namespace string) func(string) bool {
	if namespace == "" {
		return func(string) bool { return true }
	}
	prefix := namespace + "\x00"
	return func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}
}

// Compile-time interface checks
var (
	_ memoryTier = (*lruTier)(nil)
	_ memoryTier = (*mapTier)(nil)
)
