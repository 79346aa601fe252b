// Package metrics aggregates the per-component counters the rest of the
// tree exposes as plain snapshot structs (pkg/tier's Stats, pkg/batch's
// GetMetrics, pkg/metastore's GetStats/GetStatementStats) into
// prometheus.Collectors registered on one process-wide registry, served
// over /metrics via promhttp.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fsx-project/fsx/pkg/batch"
	"github.com/fsx-project/fsx/pkg/metastore"
	"github.com/fsx-project/fsx/pkg/tier"
)

// TierStatsProvider is satisfied by *tier.Engine.
type TierStatsProvider interface {
	Stats() tier.Metrics
}

// BatchStatsProvider is satisfied by *batch.Emitter.
type BatchStatsProvider interface {
	GetMetrics() batch.Metrics
}

// MetastoreStatsProvider is satisfied by *metastore.Store.
type MetastoreStatsProvider interface {
	GetStats(ctx context.Context) (metastore.Stats, error)
	GetStatementStats() map[string]metastore.StmtStats
}

var (
	tierCacheHitsDesc   = prometheus.NewDesc("fsx_tier_cache_hits_total", "Tier page cache hits.", nil, nil)
	tierCacheMissesDesc = prometheus.NewDesc("fsx_tier_cache_misses_total", "Tier page cache misses.", nil, nil)
	tierReadsDesc       = prometheus.NewDesc("fsx_tier_reads_total", "Reads served per tier.", []string{"tier"}, nil)
	tierWritesDesc      = prometheus.NewDesc("fsx_tier_writes_total", "Writes served per tier.", []string{"tier"}, nil)
	tierPromotionsDesc  = prometheus.NewDesc("fsx_tier_promotions_total", "Promotions landing in a tier.", []string{"tier"}, nil)
	tierDemotionsDesc   = prometheus.NewDesc("fsx_tier_demotions_total", "Demotions landing in a tier.", []string{"tier"}, nil)
	tierReadLatencyDesc = prometheus.NewDesc("fsx_tier_read_latency_ms", "Moving average read latency per tier.", []string{"tier"}, nil)
)

// tierCollector adapts a TierStatsProvider to prometheus.Collector.
type tierCollector struct {
	provider TierStatsProvider
}

// NewTierCollector registers p's snapshot under the fsx_tier_* metric family.
func NewTierCollector(p TierStatsProvider) prometheus.Collector {
	return &tierCollector{provider: p}
}

func (c *tierCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tierCacheHitsDesc
	ch <- tierCacheMissesDesc
	ch <- tierReadsDesc
	ch <- tierWritesDesc
	ch <- tierPromotionsDesc
	ch <- tierDemotionsDesc
	ch <- tierReadLatencyDesc
}

func (c *tierCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.provider.Stats()
	ch <- prometheus.MustNewConstMetric(tierCacheHitsDesc, prometheus.CounterValue, float64(s.CacheHits))
	ch <- prometheus.MustNewConstMetric(tierCacheMissesDesc, prometheus.CounterValue, float64(s.CacheMisses))
	for t, v := range s.ReadsByTier {
		ch <- prometheus.MustNewConstMetric(tierReadsDesc, prometheus.CounterValue, float64(v), t)
	}
	for t, v := range s.WritesByTier {
		ch <- prometheus.MustNewConstMetric(tierWritesDesc, prometheus.CounterValue, float64(v), t)
	}
	for t, v := range s.PromotionsByTier {
		ch <- prometheus.MustNewConstMetric(tierPromotionsDesc, prometheus.CounterValue, float64(v), t)
	}
	for t, v := range s.DemotionsByTier {
		ch <- prometheus.MustNewConstMetric(tierDemotionsDesc, prometheus.CounterValue, float64(v), t)
	}
	for t, d := range s.AvgReadLatencyByTier {
		ch <- prometheus.MustNewConstMetric(tierReadLatencyDesc, prometheus.GaugeValue, float64(d.Milliseconds()), t)
	}
}

var (
	batchReceivedDesc   = prometheus.NewDesc("fsx_batch_events_received_total", "Events queued into the batch emitter.", nil, nil)
	batchEmittedDesc    = prometheus.NewDesc("fsx_batch_events_emitted_total", "Events emitted by the batch emitter.", nil, nil)
	batchesEmittedDesc  = prometheus.NewDesc("fsx_batch_batches_emitted_total", "Batches flushed by the batch emitter.", nil, nil)
	batchAvgSizeDesc    = prometheus.NewDesc("fsx_batch_average_size", "Average emitted batch size since the last reset.", nil, nil)
	batchAvgLatencyDesc = prometheus.NewDesc("fsx_batch_average_latency_ms", "Average time an event spent pending before its batch flushed.", nil, nil)
	batchCompressDesc   = prometheus.NewDesc("fsx_batch_compression_ratio", "Ratio of events received to events emitted.", nil, nil)
	batchRateDesc       = prometheus.NewDesc("fsx_batch_events_per_second", "Events received per second since the last reset.", nil, nil)
)

type batchCollector struct {
	provider BatchStatsProvider
}

// NewBatchCollector registers p's snapshot under the fsx_batch_* metric family.
func NewBatchCollector(p BatchStatsProvider) prometheus.Collector {
	return &batchCollector{provider: p}
}

func (c *batchCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- batchReceivedDesc
	ch <- batchEmittedDesc
	ch <- batchesEmittedDesc
	ch <- batchAvgSizeDesc
	ch <- batchAvgLatencyDesc
	ch <- batchCompressDesc
	ch <- batchRateDesc
}

func (c *batchCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.provider.GetMetrics()
	ch <- prometheus.MustNewConstMetric(batchReceivedDesc, prometheus.CounterValue, float64(s.EventsReceived))
	ch <- prometheus.MustNewConstMetric(batchEmittedDesc, prometheus.CounterValue, float64(s.EventsEmitted))
	ch <- prometheus.MustNewConstMetric(batchesEmittedDesc, prometheus.CounterValue, float64(s.BatchesEmitted))
	ch <- prometheus.MustNewConstMetric(batchAvgSizeDesc, prometheus.GaugeValue, s.AverageBatchSize)
	ch <- prometheus.MustNewConstMetric(batchAvgLatencyDesc, prometheus.GaugeValue, s.AverageLatencyMs)
	ch <- prometheus.MustNewConstMetric(batchCompressDesc, prometheus.GaugeValue, s.CompressionRatio)
	ch <- prometheus.MustNewConstMetric(batchRateDesc, prometheus.GaugeValue, s.EventsPerSecond)
}

var (
	metastoreFilesDesc    = prometheus.NewDesc("fsx_metastore_files", "Total file entries.", nil, nil)
	metastoreDirsDesc     = prometheus.NewDesc("fsx_metastore_directories", "Total directory entries.", nil, nil)
	metastoreSizeDesc     = prometheus.NewDesc("fsx_metastore_total_size_bytes", "Total file size across all entries.", nil, nil)
	metastoreBlobsDesc    = prometheus.NewDesc("fsx_metastore_blobs", "Blob count per tier.", []string{"tier"}, nil)
	metastoreBlobSzDesc   = prometheus.NewDesc("fsx_metastore_blob_bytes", "Blob byte total per tier.", []string{"tier"}, nil)
	metastoreStmtExecDesc = prometheus.NewDesc("fsx_metastore_statement_executions_total", "Executions per named statement.", []string{"statement"}, nil)
	metastoreStmtNsDesc   = prometheus.NewDesc("fsx_metastore_statement_nanos_total", "Cumulative execution time per named statement.", []string{"statement"}, nil)
)

type metastoreCollector struct {
	provider MetastoreStatsProvider
}

// NewMetastoreCollector registers p's snapshot under the fsx_metastore_*
// metric family.
func NewMetastoreCollector(p MetastoreStatsProvider) prometheus.Collector {
	return &metastoreCollector{provider: p}
}

func (c *metastoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- metastoreFilesDesc
	ch <- metastoreDirsDesc
	ch <- metastoreSizeDesc
	ch <- metastoreBlobsDesc
	ch <- metastoreBlobSzDesc
	ch <- metastoreStmtExecDesc
	ch <- metastoreStmtNsDesc
}

func (c *metastoreCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.provider.GetStats(context.Background())
	if err == nil {
		ch <- prometheus.MustNewConstMetric(metastoreFilesDesc, prometheus.GaugeValue, float64(stats.TotalFiles))
		ch <- prometheus.MustNewConstMetric(metastoreDirsDesc, prometheus.GaugeValue, float64(stats.TotalDirectories))
		ch <- prometheus.MustNewConstMetric(metastoreSizeDesc, prometheus.GaugeValue, float64(stats.TotalSize))
		for t, tc := range stats.BlobsByTier {
			ch <- prometheus.MustNewConstMetric(metastoreBlobsDesc, prometheus.GaugeValue, float64(tc.Count), t)
			ch <- prometheus.MustNewConstMetric(metastoreBlobSzDesc, prometheus.GaugeValue, float64(tc.TotalSize), t)
		}
	}

	for name, st := range c.provider.GetStatementStats() {
		ch <- prometheus.MustNewConstMetric(metastoreStmtExecDesc, prometheus.CounterValue, float64(st.Executions), name)
		ch <- prometheus.MustNewConstMetric(metastoreStmtNsDesc, prometheus.CounterValue, float64(st.TotalNanos), name)
	}
}

// NewRegistry builds a fresh prometheus.Registry containing just the given
// collectors; no process/Go-runtime collectors are added, matching the
// teacher's minimal /metrics surface.
func NewRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
