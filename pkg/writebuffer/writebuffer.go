// Package writebuffer implements the bounded, dirty-tracking LRU buffer
// that sits in front of the columnar store (§4.3): writes land here first
// and are flushed to the database in batches, reads are served from here
// when possible.
package writebuffer

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map"
)

// EvictReason explains why onEvict fired.
type EvictReason string

const (
	EvictCount    EvictReason = "count"
	EvictSize     EvictReason = "size"
	EvictExplicit EvictReason = "explicit"
)

// Entry is one buffered (key, value) pair plus its bookkeeping.
type Entry struct {
	Value any
	Dirty bool
	Size  int
}

// Stats summarizes buffer occupancy for observability.
type Stats struct {
	Count       int
	DirtyCount  int
	TotalBytes  int
	Evictions   int
	FlushedRows int
}

// OnEvictFunc is invoked synchronously whenever an entry leaves the buffer
// due to capacity pressure. If the entry was dirty, the caller is expected
// to flush it before this returns — Buffer itself has no store handle and
// cannot flush on the caller's behalf. A non-nil error aborts the eviction:
// the entry stays in the buffer (still dirty) so the write isn't lost, and
// evictOverflow stops rather than spin on the same entry.
type OnEvictFunc func(key string, value any, reason EvictReason) error

// Options configures a Buffer's capacity limits. Zero values disable the
// corresponding limit.
type Options struct {
	MaxCount int
	MaxBytes int
	OnEvict  OnEvictFunc
}

// Buffer is a bounded LRU cache of dirty-trackable entries, ordered by
// last access. It is safe for concurrent use.
type Buffer struct {
	mu         sync.Mutex
	opts       Options
	entries    *orderedmap.OrderedMap // key string -> *Entry, in LRU order (oldest first)
	totalBytes int
	evictions  int
}

// New builds an empty Buffer with the given limits.
func New(opts Options) *Buffer {
	return &Buffer{
		opts:    opts,
		entries: orderedmap.New(),
	}
}

// Get returns the value for key, if present, and marks it most-recently-used.
func (b *Buffer) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.entries.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	b.touch(key, e)
	return e.Value, true
}

// Set stores value under key. When markDirty is true the entry is flagged
// dirty (pending flush); size is the entry's byte footprint, used against
// MaxBytes.
func (b *Buffer) Set(key string, value any, size int, markDirty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := b.entries.Get(key); ok {
		old := v.(*Entry)
		b.totalBytes -= old.Size
	}

	e := &Entry{Value: value, Dirty: markDirty, Size: size}
	b.totalBytes += size
	b.entries.Delete(key)
	b.entries.Set(key, e)

	b.evictOverflow()
}

// Delete removes key unconditionally, firing onEvict with reason "explicit"
// if it was present. Unlike capacity-triggered eviction, an OnEvict error
// does not block removal — the caller asked for this key gone.
func (b *Buffer) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeAndNotify(key, EvictExplicit, true)
}

// GetDirtyEntries returns a snapshot of all dirty entries, keyed by key.
func (b *Buffer) GetDirtyEntries() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]any)
	for pair := b.entries.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value.(*Entry)
		if e.Dirty {
			out[pair.Key.(string)] = e.Value
		}
	}
	return out
}

// MarkClean clears the dirty bit on the given keys, if still present. Keys
// evicted in the meantime are silently ignored.
func (b *Buffer) MarkClean(keys []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		if v, ok := b.entries.Get(k); ok {
			v.(*Entry).Dirty = false
		}
	}
}

// GetStats reports current occupancy.
func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	dirty := 0
	for pair := b.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.(*Entry).Dirty {
			dirty++
		}
	}
	return Stats{
		Count:      b.entries.Len(),
		DirtyCount: dirty,
		TotalBytes: b.totalBytes,
		Evictions:  b.evictions,
	}
}

// touch moves key to the most-recently-used end by deleting and
// re-inserting it — go-ordered-map preserves insertion order, so a
// delete+set is the idiom for "bump to the back" the teacher's LRU code
// would otherwise get from a container/list move-to-front.
func (b *Buffer) touch(key string, e *Entry) {
	b.entries.Delete(key)
	b.entries.Set(key, e)
}

// evictOverflow evicts from the front (least-recently-used) until both
// MaxCount and MaxBytes are satisfied. It stops early if the oldest entry
// refuses eviction (OnEvict returned an error) — that entry stays at the
// front and will be retried on the next Set, rather than spinning on it or
// skipping ahead to younger entries and breaking LRU order.
func (b *Buffer) evictOverflow() {
	for b.opts.MaxCount > 0 && b.entries.Len() > b.opts.MaxCount {
		if !b.evictOldest(EvictCount) {
			return
		}
	}
	for b.opts.MaxBytes > 0 && b.totalBytes > b.opts.MaxBytes && b.entries.Len() > 0 {
		if !b.evictOldest(EvictSize) {
			return
		}
	}
}

func (b *Buffer) evictOldest(reason EvictReason) bool {
	pair := b.entries.Oldest()
	if pair == nil {
		return false
	}
	key := pair.Key.(string)
	return b.removeAndNotify(key, reason, false)
}

// removeAndNotify evicts key, reporting whether it was actually removed.
// When force is false and OnEvict returns an error, the entry is left in
// place (still dirty, still present) instead of being dropped silently.
func (b *Buffer) removeAndNotify(key string, reason EvictReason, force bool) bool {
	v, ok := b.entries.Get(key)
	if !ok {
		return true
	}
	e := v.(*Entry)
	if b.opts.OnEvict != nil {
		if err := b.opts.OnEvict(key, e.Value, reason); err != nil && !force {
			return false
		}
	}
	b.entries.Delete(key)
	b.totalBytes -= e.Size
	b.evictions++
	return true
}

