package tier

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map"
)

// entry is the in-memory tier map's record for one path.
type entry struct {
	tier           string
	size           int64
	accessCount    int64
	lastAccess     time.Time
	recentAccesses []time.Time // at most 10, within OnAccessWindow
}

// tierMap is an LRU-bounded path -> entry cache, evicting the
// least-recently-accessed path once past maxSize. Entries are bumped to
// most-recent on both read and write via the same delete+re-insert trick
// pkg/writebuffer uses, since orderedmap preserves insertion order rather
// than access order.
type tierMap struct {
	mu      sync.Mutex
	entries *orderedmap.OrderedMap
	maxSize int
}

func newTierMap(maxSize int) *tierMap {
	return &tierMap{entries: orderedmap.New(), maxSize: maxSize}
}

func (m *tierMap) get(path string) (entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries.Get(path)
	if !ok {
		return entry{}, false
	}
	e := v.(entry)
	m.touch(path, e)
	return e, true
}

func (m *tierMap) set(path string, e entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch(path, e)
	m.evictOverflow()
}

func (m *tierMap) delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Delete(path)
}

func (m *tierMap) touch(path string, e entry) {
	m.entries.Delete(path)
	m.entries.Set(path, e)
}

func (m *tierMap) evictOverflow() {
	for m.maxSize > 0 && m.entries.Len() > m.maxSize {
		oldest := m.entries.Oldest()
		if oldest == nil {
			return
		}
		m.entries.Delete(oldest.Key)
	}
}

func (m *tierMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// all returns a snapshot of every (path, entry) pair, used by the idle
// sweep to evaluate demotion candidates without holding the lock per-path.
func (m *tierMap) all() map[string]entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]entry, m.entries.Len())
	for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key.(string)] = pair.Value.(entry)
	}
	return out
}
