package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry           *prometheus.Registry
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	VideosTotal        *prometheus.CounterVec
	ChannelsTotal      *prometheus.CounterVec
	DownloadBytesTotal prometheus.Counter
	RetriesTotal       prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
	LastRunTimestamp   prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "Latency of listing, resolution and download requests.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"phase"},
	)
	videos := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_videos_total",
			Help: "Videos processed, by terminal status.",
		},
		[]string{"status"},
	)
	channels := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_channels_total",
			Help: "Channel scrapes, by outcome.",
		},
		[]string{"outcome"},
	)
	downloadBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_download_bytes_total",
			Help: "Bytes written to disk by completed downloads.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by stage and type.",
		},
		[]string{"stage", "error_type"},
	)
	lastRun := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_last_run_timestamp_seconds",
			Help: "Unix time the last full scrape finished.",
		},
	)

	registry.MustRegister(requests, requestDuration, videos, channels, downloadBytes, retries, errorsTotal, lastRun)

	return &Metrics{
		Registry:           registry,
		RequestsTotal:      requests,
		RequestDuration:    requestDuration,
		VideosTotal:        videos,
		ChannelsTotal:      channels,
		DownloadBytesTotal: downloadBytes,
		RetriesTotal:       retries,
		ErrorsTotal:        errorsTotal,
		LastRunTimestamp:   lastRun,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records a request duration for phase.
func (m *Metrics) ObserveDuration(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// IncVideo counts one video outcome.
func (m *Metrics) IncVideo(status string) {
	if m == nil {
		return
	}
	m.VideosTotal.WithLabelValues(status).Inc()
}

// IncChannel counts one channel outcome.
func (m *Metrics) IncChannel(outcome string) {
	if m == nil {
		return
	}
	m.ChannelsTotal.WithLabelValues(outcome).Inc()
}

// AddBytes adds completed download bytes.
func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.DownloadBytesTotal.Add(float64(n))
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a stage and type label.
func (m *Metrics) IncError(stage, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(stage, errorType).Inc()
}

// MarkRun records the end of a full scrape.
func (m *Metrics) MarkRun(at time.Time) {
	if m == nil {
		return
	}
	m.LastRunTimestamp.Set(float64(at.Unix()))
}
