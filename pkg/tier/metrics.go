package tier

import (
	"sync"
	"time"
)

// latencyWindow is a fixed-capacity ring buffer used to compute a moving
// average over the last N samples.
type latencyWindow struct {
	samples []time.Duration
	next    int
	filled  bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
}

func (w *latencyWindow) average() time.Duration {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += w.samples[i]
	}
	return total / time.Duration(n)
}

// Metrics is a point-in-time snapshot of the engine's counters, returned by
// Stats().
type Metrics struct {
	CacheHits   int64
	CacheMisses int64

	ReadsByTier      map[string]int64
	WritesByTier     map[string]int64
	PromotionsByTier map[string]int64
	DemotionsByTier  map[string]int64

	AvgReadLatencyByTier map[string]time.Duration
}

// metricsState is the engine's live, mutex-guarded counters.
type metricsState struct {
	mu sync.Mutex

	cacheHits   int64
	cacheMisses int64

	readsByTier      map[string]int64
	writesByTier     map[string]int64
	promotionsByTier map[string]int64
	demotionsByTier  map[string]int64

	readLatency map[string]*latencyWindow
	windowSize  int
}

func newMetricsState(windowSize int) *metricsState {
	return &metricsState{
		readsByTier:      make(map[string]int64, 3),
		writesByTier:     make(map[string]int64, 3),
		promotionsByTier: make(map[string]int64, 3),
		demotionsByTier:  make(map[string]int64, 3),
		readLatency:      make(map[string]*latencyWindow, 3),
		windowSize:       windowSize,
	}
}

func (m *metricsState) recordCacheHit()  { m.mu.Lock(); m.cacheHits++; m.mu.Unlock() }
func (m *metricsState) recordCacheMiss() { m.mu.Lock(); m.cacheMisses++; m.mu.Unlock() }

func (m *metricsState) recordRead(tier string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readsByTier[tier]++
	w, ok := m.readLatency[tier]
	if !ok {
		w = newLatencyWindow(m.windowSize)
		m.readLatency[tier] = w
	}
	w.add(d)
}

func (m *metricsState) recordWrite(tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writesByTier[tier]++
}

func (m *metricsState) recordPromotion(tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promotionsByTier[tier]++
}

func (m *metricsState) recordDemotion(tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.demotionsByTier[tier]++
}

func (m *metricsState) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		CacheHits:            m.cacheHits,
		CacheMisses:          m.cacheMisses,
		ReadsByTier:          make(map[string]int64, len(m.readsByTier)),
		WritesByTier:         make(map[string]int64, len(m.writesByTier)),
		PromotionsByTier:     make(map[string]int64, len(m.promotionsByTier)),
		DemotionsByTier:      make(map[string]int64, len(m.demotionsByTier)),
		AvgReadLatencyByTier: make(map[string]time.Duration, len(m.readLatency)),
	}
	for k, v := range m.readsByTier {
		out.ReadsByTier[k] = v
	}
	for k, v := range m.writesByTier {
		out.WritesByTier[k] = v
	}
	for k, v := range m.promotionsByTier {
		out.PromotionsByTier[k] = v
	}
	for k, v := range m.demotionsByTier {
		out.DemotionsByTier[k] = v
	}
	for k, w := range m.readLatency {
		out.AvgReadLatencyByTier[k] = w.average()
	}
	return out
}
