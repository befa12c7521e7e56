package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpStats.
type Metrics struct {
	// --- Processing ---
	EventsApplied  *prometheus.CounterVec
	EventsSkipped  *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	FatalEvents    *prometheus.CounterVec
	EventDuration  *prometheus.HistogramVec
	StateHashDur   prometheus.Histogram
	CursorBlock    prometheus.Gauge
	OpenPositions  prometheus.Gauge
	TradesRecorded prometheus.Gauge

	// --- Persistence ---
	CommitDuration prometheus.Histogram
	CommitOps      prometheus.Histogram
	CommitErrors   *prometheus.CounterVec
	CommitRetry    prometheus.Counter

	// --- Cache ---
	CacheInvalidationErrors prometheus.Counter
	CacheBypassed           prometheus.Gauge

	// --- Ingestion ---
	ChainBlocksScanned prometheus.Counter
	ChainLogsDecoded   *prometheus.CounterVec
	ChainHeadLag       prometheus.Gauge
	IngestParseErrors  *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	FeedPublished      prometheus.Counter
	FeedDrops          prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpstats_events_applied_total",
			Help: "Events applied and committed",
		}, []string{"event_type"}),

		EventsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpstats_events_skipped_total",
			Help: "Events that referenced a missing position",
		}, []string{"event_type", "reason"}),

		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpstats_events_rejected_total",
			Help: "Events rejected before reduction (out of order, halted)",
		}, []string{"event_type", "reason"}),

		FatalEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpstats_fatal_inconsistencies_total",
			Help: "Events that halted the stream",
		}, []string{"event_type", "reason"}),

		EventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpstats_event_duration_seconds",
			Help:    "Reduce plus commit time for one event",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpstats_state_hash_duration_seconds",
			Help:    "Time to compute a change set hash",
			Buckets: latencyBuckets,
		}),

		CursorBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpstats_cursor_block",
			Help: "Block number of the last committed event",
		}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpstats_open_positions",
			Help: "GlobalStats position count",
		}),

		TradesRecorded: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpstats_trades",
			Help: "GlobalStats trade count",
		}),

		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpstats_commit_duration_seconds",
			Help:    "Store commit duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		CommitOps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpstats_commit_ops",
			Help:    "Ops per committed change set",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8},
		}),

		CommitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpstats_commit_errors_total",
			Help: "Store errors while reducing or committing",
		}, []string{"error_type"}),

		CommitRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perpstats_commit_retry_total",
			Help: "Commit retries",
		}),

		CacheInvalidationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perpstats_cache_invalidation_errors_total",
			Help: "Redis invalidations that failed after the primary committed",
		}),

		CacheBypassed: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpstats_cache_bypassed",
			Help: "1 while reads skip Redis pending invalidation",
		}),

		ChainBlocksScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "perpstats_chain_blocks_scanned_total",
			Help: "Blocks scanned for Trading contract logs",
		}),

		ChainLogsDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpstats_chain_logs_decoded_total",
			Help: "Trading contract logs decoded",
		}, []string{"event_type"}),

		ChainHeadLag: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpstats_chain_head_lag_blocks",
			Help: "Chain head minus last scanned block",
		}),

		IngestParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpstats_ingest_parse_errors_total",
			Help: "Relay messages that could not be parsed",
		}, []string{"subject"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpstats_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpstats_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpstats_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		FeedPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "perpstats_feed_published_total",
			Help: "Change feed messages published",
		}),

		FeedDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perpstats_feed_drops_total",
			Help: "Change sets dropped due to full feed channel",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
