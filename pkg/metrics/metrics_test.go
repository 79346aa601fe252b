package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsx-project/fsx/pkg/batch"
	"github.com/fsx-project/fsx/pkg/metastore"
	"github.com/fsx-project/fsx/pkg/tier"
)

type stubTierStats struct{ s tier.Metrics }

func (s stubTierStats) Stats() tier.Metrics { return s.s }

type stubBatchStats struct{ s batch.Metrics }

func (s stubBatchStats) GetMetrics() batch.Metrics { return s.s }

type stubMetastoreStats struct {
	stats  metastore.Stats
	stmts  map[string]metastore.StmtStats
	failOn bool
}

func (s stubMetastoreStats) GetStats(ctx context.Context) (metastore.Stats, error) {
	if s.failOn {
		return metastore.Stats{}, assertErr
	}
	return s.stats, nil
}

func (s stubMetastoreStats) GetStatementStats() map[string]metastore.StmtStats {
	return s.stmts
}

var assertErr = stubErr("boom")

type stubErr string

func (e stubErr) Error() string { return string(e) }

func TestTierCollectorExposesCounters(t *testing.T) {
	c := NewTierCollector(stubTierStats{s: tier.Metrics{
		CacheHits:            10,
		CacheMisses:          2,
		ReadsByTier:          map[string]int64{"hot": 5},
		WritesByTier:         map[string]int64{"hot": 3},
		PromotionsByTier:     map[string]int64{"warm": 1},
		DemotionsByTier:      map[string]int64{"cold": 1},
		AvgReadLatencyByTier: map[string]time.Duration{"hot": 2 * time.Millisecond},
	}})

	require.Equal(t, 1, testutil.CollectAndCount(c, "fsx_tier_cache_hits_total"))
	// total across all seven families: 2 scalars + 5 per-tier gauges/counters.
	assert.Equal(t, 7, testutil.CollectAndCount(c))
}

func TestBatchCollectorExposesCounters(t *testing.T) {
	c := NewBatchCollector(stubBatchStats{s: batch.Metrics{
		EventsReceived:   100,
		EventsEmitted:    40,
		BatchesEmitted:   4,
		AverageBatchSize: 10,
		AverageLatencyMs: 5,
		CompressionRatio: 2.5,
		EventsPerSecond:  20,
	}})
	assert.Equal(t, 7, testutil.CollectAndCount(c))
}

func TestMetastoreCollectorExposesStatsAndStatementStats(t *testing.T) {
	c := NewMetastoreCollector(stubMetastoreStats{
		stats: metastore.Stats{
			TotalFiles:       3,
			TotalDirectories: 1,
			TotalSize:        1024,
			BlobsByTier:      map[string]metastore.TierCounts{"hot": {Count: 2, TotalSize: 512}},
		},
		stmts: map[string]metastore.StmtStats{
			"getFile": {Executions: 5, TotalNanos: 1000},
		},
	})
	assert.Equal(t, 7, testutil.CollectAndCount(c))
}

func TestMetastoreCollectorSwallowsStatsError(t *testing.T) {
	c := NewMetastoreCollector(stubMetastoreStats{failOn: true, stmts: map[string]metastore.StmtStats{}})
	// GetStats failed, so only the (empty) statement-stats loop runs: no metrics.
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestNewRegistryRegistersAllCollectors(t *testing.T) {
	reg := NewRegistry(
		NewTierCollector(stubTierStats{}),
		NewBatchCollector(stubBatchStats{}),
	)
	out, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out, 0)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.True(t, strings.Contains(strings.Join(names, ","), "fsx_batch_events_received_total"))
}
