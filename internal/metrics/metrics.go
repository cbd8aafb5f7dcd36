// Package metrics exposes the Prometheus counters, histograms, and gauges
// named in spec.md §4.7.
//
// Registration style grounded on hupe1980-vecgo's examples/observability
// PrometheusObserver: one struct field per metric, registered together at
// construction, with domain-specific Observe/Inc helpers rather than
// exposing the raw prometheus types to callers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics is the collection of instruments the ingest pipeline, index
// builder, and search engine report through.
type Metrics struct {
	registry *prometheus.Registry

	imagesTotal          prometheus.Counter
	imagesDuplicateTotal prometheus.Counter
	extractDuration      prometheus.Histogram
	extractErrorsTotal   prometheus.Counter
	buildDuration        prometheus.Histogram
	buildDescriptors     prometheus.Counter
	mergeDuration        *prometheus.HistogramVec
	trainDuration        prometheus.Histogram
	searchDuration       prometheus.Histogram
	searchRequestsTotal  *prometheus.CounterVec
	searchResultsCount   prometheus.Histogram
	buildInProgress      prometheus.Gauge
	indexBuckets         prometheus.Gauge
	indexDescriptors     prometheus.Gauge
}

// New builds and registers the full metric set against a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		imagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imsearch_images_total",
			Help: "Total images successfully ingested.",
		}),
		imagesDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imsearch_images_duplicate_total",
			Help: "Total ingest calls that deduplicated against an existing image.",
		}),
		extractDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imsearch_extract_duration_seconds",
			Help:    "Descriptor extraction latency.",
			Buckets: prometheus.DefBuckets,
		}),
		extractErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imsearch_extract_errors_total",
			Help: "Total descriptor extraction failures.",
		}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imsearch_build_duration_seconds",
			Help:    "Segment build latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		buildDescriptors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imsearch_build_descriptors_total",
			Help: "Total descriptors folded into segments across all builds.",
		}),
		mergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imsearch_merge_duration_seconds",
			Help:    "Segment merge latency by merge mode.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"mode"}),
		trainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imsearch_train_duration_seconds",
			Help:    "Coarse quantizer training latency.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imsearch_search_duration_seconds",
			Help:    "Search request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		searchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imsearch_search_requests_total",
			Help: "Total search requests by outcome.",
		}, []string{"status"}),
		searchResultsCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imsearch_search_results_count",
			Help:    "Number of results returned per search.",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		}),
		buildInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imsearch_build_in_progress",
			Help: "1 while a build/merge is running, 0 otherwise.",
		}),
		indexBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imsearch_index_buckets",
			Help: "Coarse quantizer bucket count of the currently loaded index.",
		}),
		indexDescriptors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imsearch_index_descriptors",
			Help: "Descriptor count of the currently loaded index.",
		}),
	}

	m.registry.MustRegister(
		m.imagesTotal, m.imagesDuplicateTotal,
		m.extractDuration, m.extractErrorsTotal,
		m.buildDuration, m.buildDescriptors, m.mergeDuration, m.trainDuration,
		m.searchDuration, m.searchRequestsTotal, m.searchResultsCount,
		m.buildInProgress, m.indexBuckets, m.indexDescriptors,
	)
	return m
}

// Registry returns the underlying prometheus.Registry for wiring into
// promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Push ships the current registry to gatewayURL under job, for the CLI
// batch commands (train, build, add) that exit before the server's
// long-lived /metrics endpoint would ever be scraped.
func (m *Metrics) Push(gatewayURL, job string) error {
	return push.New(gatewayURL, job).Gatherer(m.registry).Push()
}

func (m *Metrics) ObserveIngest(d time.Duration, deduped bool) {
	if deduped {
		m.imagesDuplicateTotal.Inc()
		return
	}
	m.imagesTotal.Inc()
}

func (m *Metrics) ObserveExtract(d time.Duration, err error) {
	m.extractDuration.Observe(d.Seconds())
	if err != nil {
		m.extractErrorsTotal.Inc()
	}
}

func (m *Metrics) ObserveBuild(d time.Duration, descriptorCount int) {
	m.buildDuration.Observe(d.Seconds())
	m.buildDescriptors.Add(float64(descriptorCount))
}

func (m *Metrics) ObserveMerge(mode string, d time.Duration) {
	m.mergeDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ObserveTrain(d time.Duration) {
	m.trainDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveSearch(d time.Duration, resultCount int, err error) {
	m.searchDuration.Observe(d.Seconds())
	m.searchResultsCount.Observe(float64(resultCount))
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.searchRequestsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetBuildInProgress(inProgress bool) {
	if inProgress {
		m.buildInProgress.Set(1)
	} else {
		m.buildInProgress.Set(0)
	}
}

func (m *Metrics) SetIndexStats(buckets, descriptors int) {
	m.indexBuckets.Set(float64(buckets))
	m.indexDescriptors.Set(float64(descriptors))
}
