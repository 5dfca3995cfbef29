package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/agentworkforce/relaymeet/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relaymeet"

type metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rateLimited prometheus.Counter
	sockets     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, store *storage.Store) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Writes rejected by the per-share rate limit.",
		}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "open_sockets",
			Help:      "Realtime websocket connections currently open.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.rateLimited, m.sockets, newStoreCollector(store))
	return m
}

func (m *metrics) observe(route string, status int, started time.Time) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}

// storeCollector reads counts from the store on every scrape.
type storeCollector struct {
	store       *storage.Store
	shares      *prometheus.Desc
	annotations *prometheus.Desc
	notes       *prometheus.Desc
}

func newStoreCollector(store *storage.Store) *storeCollector {
	return &storeCollector{
		store: store,
		shares: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "store", "shares"),
			"Share links currently stored.", nil, nil),
		annotations: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "store", "annotations"),
			"Annotations currently stored across all shares.", nil, nil),
		notes: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "store", "notes"),
			"Shares with saved notes.", nil, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.shares
	ch <- c.annotations
	ch <- c.notes
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	if c.store == nil {
		return
	}
	stats := c.store.Stats()
	ch <- prometheus.MustNewConstMetric(c.shares, prometheus.GaugeValue, float64(stats.Shares))
	ch <- prometheus.MustNewConstMetric(c.annotations, prometheus.GaugeValue, float64(stats.Annotations))
	ch <- prometheus.MustNewConstMetric(c.notes, prometheus.GaugeValue, float64(stats.Notes))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
