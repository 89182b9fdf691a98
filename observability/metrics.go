package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rightly"

var (
	relayerMetricsOnce sync.Once
	relayerRegistry    *RelayerMetrics

	indexerMetricsOnce sync.Once
	indexerRegistry    *IndexerMetrics

	listenerMetricsOnce sync.Once
	listenerRegistry    *ListenerMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// RelayerMetrics tracks intent admission and on-chain submission.
type RelayerMetrics struct {
	intents     *prometheus.CounterVec
	submissions *prometheus.CounterVec
	confirm     prometheus.Histogram
}

// Relayer returns the lazily-initialised relayer metrics registry.
func Relayer() *RelayerMetrics {
	relayerMetricsOnce.Do(func() {
		relayerRegistry = &RelayerMetrics{
			intents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relayer",
				Name:      "intents_total",
				Help:      "Purchase intents segmented by admission outcome.",
			}, []string{"outcome"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relayer",
				Name:      "submissions_total",
				Help:      "buyLicenseFor submissions segmented by outcome.",
			}, []string{"outcome"}),
			confirm: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relayer",
				Name:      "confirmation_seconds",
				Help:      "Time from broadcast to mined receipt.",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			}),
		}
		prometheus.MustRegister(relayerRegistry.intents, relayerRegistry.submissions, relayerRegistry.confirm)
	})
	return relayerRegistry
}

// RecordIntent counts an intent outcome such as "accepted" or "nonce_conflict".
func (m *RelayerMetrics) RecordIntent(outcome string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(label(outcome)).Inc()
}

// RecordSubmission counts a submission outcome such as "confirmed" or "reverted".
func (m *RelayerMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(outcome)).Inc()
}

// ObserveConfirmation records how long a relayed transaction took to mine.
func (m *RelayerMetrics) ObserveConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.confirm.Observe(d.Seconds())
}

// IndexerMetrics tracks receipt production.
type IndexerMetrics struct {
	receipts *prometheus.CounterVec
	publish  prometheus.Histogram
}

// Indexer returns the lazily-initialised indexer metrics registry.
func Indexer() *IndexerMetrics {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "receipts_total",
				Help:      "Index jobs segmented by outcome (created, duplicate, catalog_miss, error).",
			}, []string{"outcome"}),
			publish: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "publish_seconds",
				Help:      "Latency of publishing signed receipts to content-addressed storage.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(indexerRegistry.receipts, indexerRegistry.publish)
	})
	return indexerRegistry
}

// RecordReceipt counts an index job outcome.
func (m *IndexerMetrics) RecordReceipt(outcome string) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(label(outcome)).Inc()
}

// ObservePublish records publish latency.
func (m *IndexerMetrics) ObservePublish(d time.Duration) {
	if m == nil {
		return
	}
	m.publish.Observe(d.Seconds())
}

// ListenerMetrics tracks chain event discovery.
type ListenerMetrics struct {
	events      *prometheus.CounterVec
	pollErrors  prometheus.Counter
	lastBlock   prometheus.Gauge
	listening   prometheus.Gauge
	resubscribe prometheus.Counter
}

// Listener returns the lazily-initialised listener metrics registry.
func Listener() *ListenerMetrics {
	listenerMetricsOnce.Do(func() {
		listenerRegistry = &ListenerMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "events_forwarded_total",
				Help:      "LicensePurchased events forwarded to the index queue, by discovery path.",
			}, []string{"source"}),
			pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "poll_errors_total",
				Help:      "Polling ticks that failed to query the chain.",
			}),
			lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "last_confirmed_block",
				Help:      "Highest block fully scanned by the polling loop.",
			}),
			listening: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "running",
				Help:      "1 while the listener is running.",
			}),
			resubscribe: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "resubscribes_total",
				Help:      "Live subscriptions re-established after a failure.",
			}),
		}
		prometheus.MustRegister(
			listenerRegistry.events,
			listenerRegistry.pollErrors,
			listenerRegistry.lastBlock,
			listenerRegistry.listening,
			listenerRegistry.resubscribe,
		)
	})
	return listenerRegistry
}

// RecordForwarded counts events forwarded from source ("subscription", "poll", "replay").
func (m *ListenerMetrics) RecordForwarded(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(label(source)).Add(float64(n))
}

// RecordPollError counts a failed polling tick.
func (m *ListenerMetrics) RecordPollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

// SetLastConfirmedBlock publishes the polling cursor.
func (m *ListenerMetrics) SetLastConfirmedBlock(block uint64) {
	if m == nil {
		return
	}
	m.lastBlock.Set(float64(block))
}

// SetRunning publishes the lifecycle flag.
func (m *ListenerMetrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.listening.Set(1)
		return
	}
	m.listening.Set(0)
}

// RecordResubscribe counts a re-established subscription.
func (m *ListenerMetrics) RecordResubscribe() {
	if m == nil {
		return
	}
	m.resubscribe.Inc()
}

// HTTPMetrics tracks the daemon HTTP surface.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one HTTP request.
func (m *HTTPMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	m.requests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
