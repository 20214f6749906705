package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the pipeline collectors on a private registry, so tests
// and multi-instance runs never fight over global registration.
type Set struct {
	registry *prometheus.Registry

	TxsProcessed    prometheus.Counter
	SwapsDetected   *prometheus.CounterVec
	ParseFailures   prometheus.Counter
	Duplicates      prometheus.Counter
	TriggersFired   *prometheus.CounterVec
	AlertsSent      *prometheus.CounterVec
	AlertsDropped   *prometheus.CounterVec
	BackfillRecords prometheus.Counter

	StreamLength  prometheus.Gauge
	ProcessingLag prometheus.Gauge
	HotTokens     prometheus.Gauge
	Mode          prometheus.Gauge

	BatchSeconds prometheus.Histogram
}

func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,

		TxsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "txs_processed_total",
			Help: "Transactions decoded from the ingest stream.",
		}),
		SwapsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swaps_detected_total",
			Help: "Swaps passing the confidence floor.",
		}, []string{"side", "venue"}),
		ParseFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "parse_failures_total",
			Help: "Records that failed decode or delta extraction.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplicates_total",
			Help: "Records skipped by signature dedup.",
		}),
		TriggersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triggers_fired_total",
			Help: "Detection rule fires, including suppressed ones.",
		}, []string{"rule"}),
		AlertsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_sent_total",
			Help: "Alerts confirmed delivered per channel.",
		}, []string{"channel"}),
		AlertsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_dropped_total",
			Help: "Alerts dropped by queue overflow, rate limit, or retries.",
		}, []string{"channel"}),
		BackfillRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "backfill_records_total",
			Help: "Delta-log records replayed after HOT promotions.",
		}),

		StreamLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stream_length",
			Help: "Pending entries in the ingest stream.",
		}),
		ProcessingLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "processing_lag_seconds",
			Help: "Age of the oldest unacked record.",
		}),
		HotTokens: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hot_tokens",
			Help: "Mints currently in the HOT state.",
		}),
		Mode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mode",
			Help: "Backpressure mode: 0 normal, 1 degraded, 2 critical.",
		}),

		BatchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batch_processing_seconds",
			Help:    "Wall time per consumed batch.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
