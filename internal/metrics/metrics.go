// Package metrics provides Prometheus metrics for the page store core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric exported by the core, one group per
// layer of the system overview (§2): pager, free-space manager, tree,
// document store, indexing engine, plus the ops-surface gRPC health service.
type Metrics struct {
	// gRPC (health/reflection surface only, see internal/server)
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Pager
	PagerAllocatedPages prometheus.Gauge
	PagerGrowthsTotal   prometheus.Counter
	PagerGrowthBytes    prometheus.Histogram
	PagerSyncsTotal     prometheus.Counter

	// Free-space manager
	FreeSpaceFreePages    prometheus.Gauge
	FreeSpacePendingPages prometheus.Gauge
	FreeSpaceSections     prometheus.Gauge
	FreeSpaceAllocsTotal  *prometheus.CounterVec // result: "hit" | "grow"

	// Tree
	TreeOperationsTotal   *prometheus.CounterVec // op: "add"|"delete"|"read"|"scan"
	TreeOperationDuration *prometheus.HistogramVec
	TreeSplitsTotal       prometheus.Counter
	TreeMergesTotal       prometheus.Counter
	TreeOverflowPages     prometheus.Gauge

	// Document store
	DocumentOperationsTotal *prometheus.CounterVec // op: "put"|"delete"|"get"
	DocumentCount           prometheus.Gauge
	GlobalEtag              prometheus.Gauge

	// Indexing engine
	IndexLastMappedEtag *prometheus.GaugeVec // label: index
	IndexLagSeconds     *prometheus.GaugeVec // label: index
	IndexMapBatches     *prometheus.CounterVec
	IndexCleanupBatches *prometheus.CounterVec
	IndexStale          *prometheus.GaugeVec // 1 = stale, 0 = caught up

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers every metric.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_grpc_requests_total",
			Help: "Total number of gRPC requests served by the ops surface",
		},
		[]string{"method", "status"},
	)
	m.GrpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagestore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	m.GrpcRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.PagerAllocatedPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_pager_allocated_pages",
			Help: "Number of pages currently allocated in the backing region",
		},
	)
	m.PagerGrowthsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_pager_growths_total",
			Help: "Total number of times the pager extended the backing region",
		},
	)
	m.PagerGrowthBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagestore_pager_growth_bytes",
			Help:    "Size in bytes of each pager growth increment",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 16),
		},
	)
	m.PagerSyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_pager_syncs_total",
			Help: "Total number of pager sync() calls",
		},
	)

	m.FreeSpaceFreePages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_freespace_free_pages",
			Help: "Number of pages currently marked free and available for allocation",
		},
	)
	m.FreeSpacePendingPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_freespace_pending_pages",
			Help: "Number of freed pages withheld from reuse pending the oldest reader",
		},
	)
	m.FreeSpaceSections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_freespace_sections",
			Help: "Number of bitmap sections created",
		},
	)
	m.FreeSpaceAllocsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_freespace_allocations_total",
			Help: "Total number of page allocations, by whether a free run was reused or the file grew",
		},
		[]string{"result"},
	)

	m.TreeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_tree_operations_total",
			Help: "Total number of B+-tree operations",
		},
		[]string{"operation"},
	)
	m.TreeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagestore_tree_operation_duration_seconds",
			Help:    "Duration of B+-tree operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
	m.TreeSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_tree_splits_total",
			Help: "Total number of page splits across all trees",
		},
	)
	m.TreeMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_tree_merges_total",
			Help: "Total number of sibling merges/redistributions across all trees",
		},
	)
	m.TreeOverflowPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_tree_overflow_pages",
			Help: "Number of overflow pages currently allocated across all trees",
		},
	)

	m.DocumentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_document_operations_total",
			Help: "Total number of document store operations",
		},
		[]string{"operation", "status"},
	)
	m.DocumentCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_document_count",
			Help: "Current number of live documents",
		},
	)
	m.GlobalEtag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_global_etag",
			Help: "Current value of the store-wide etag counter",
		},
	)

	m.IndexLastMappedEtag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagestore_index_last_mapped_etag",
			Help: "Last document etag this index has mapped",
		},
		[]string{"index"},
	)
	m.IndexLagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagestore_index_lag_seconds",
			Help: "Index lag in seconds; reset to 0 on every stats refresh",
		},
		[]string{"index"},
	)
	m.IndexMapBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_index_map_batches_total",
			Help: "Total number of map-step batches run, by index",
		},
		[]string{"index"},
	)
	m.IndexCleanupBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_index_cleanup_batches_total",
			Help: "Total number of cleanup-step batches run, by index",
		},
		[]string{"index"},
	)
	m.IndexStale = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagestore_index_stale",
			Help: "1 if the index has unmapped documents behind the current generation, else 0",
		},
		[]string{"index"},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordGrpcRequest records a gRPC request with its status.
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordTreeOperation records a B+-tree operation's duration.
func (m *Metrics) RecordTreeOperation(operation string, duration time.Duration) {
	m.TreeOperationsTotal.WithLabelValues(operation).Inc()
	m.TreeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDocumentOperation records a document store operation's outcome.
func (m *Metrics) RecordDocumentOperation(operation, status string) {
	m.DocumentOperationsTotal.WithLabelValues(operation, status).Inc()
}

// UpdatePagerStats updates gauges sourced from the pager/free-space manager.
func (m *Metrics) UpdatePagerStats(allocatedPages uint64, freePages, pendingPages int, sections uint64) {
	m.PagerAllocatedPages.Set(float64(allocatedPages))
	m.FreeSpaceFreePages.Set(float64(freePages))
	m.FreeSpacePendingPages.Set(float64(pendingPages))
	m.FreeSpaceSections.Set(float64(sections))
}

// UpdateIndexStats updates one index's gauges from its current progress:
// last mapped etag and staleness. The lag gauge is always set to 0; no
// batch timestamps are tracked.
func (m *Metrics) UpdateIndexStats(index string, lastMappedEtag uint64, stale bool) {
	m.IndexLastMappedEtag.WithLabelValues(index).Set(float64(lastMappedEtag))
	m.IndexLagSeconds.WithLabelValues(index).Set(0)
	staleVal := 0.0
	if stale {
		staleVal = 1.0
	}
	m.IndexStale.WithLabelValues(index).Set(staleVal)
}
