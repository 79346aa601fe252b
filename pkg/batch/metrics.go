package batch

import "time"

// metricsState holds the emitter's counters, all guarded by Emitter.mu.
type metricsState struct {
	eventsReceived int64
	eventsEmitted  int64
	batchesEmitted int64
	latencySum     time.Duration
	resetAt        time.Time
}

func (m *metricsState) recordReceived() {
	m.eventsReceived++
}

func (m *metricsState) recordBatch(batchSize int, latency time.Duration) {
	m.eventsEmitted += int64(batchSize)
	m.batchesEmitted++
	m.latencySum += latency
}

func (m *metricsState) reset(now time.Time) {
	*m = metricsState{resetAt: now}
}

func (m *metricsState) snapshot(now time.Time) Metrics {
	out := Metrics{
		EventsReceived: m.eventsReceived,
		EventsEmitted:  m.eventsEmitted,
		BatchesEmitted: m.batchesEmitted,
	}
	if m.batchesEmitted > 0 {
		out.AverageBatchSize = float64(m.eventsEmitted) / float64(m.batchesEmitted)
		out.AverageLatencyMs = float64(m.latencySum.Milliseconds()) / float64(m.batchesEmitted)
	}
	if m.eventsEmitted > 0 {
		out.CompressionRatio = float64(m.eventsReceived) / float64(m.eventsEmitted)
	}
	if elapsed := now.Sub(m.resetAt); elapsed > 0 {
		out.EventsPerSecond = float64(m.eventsReceived) / elapsed.Seconds()
	}
	return out
}
