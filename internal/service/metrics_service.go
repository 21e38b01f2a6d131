package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API and the
// invoicing subsystem.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	dbQueryDuration *prometheus.HistogramVec

	invoicesGenerated  prometheus.Counter
	invoicesRecalced   prometheus.Counter
	batchRuns          *prometheus.CounterVec
	ledgerApplications *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	invoicesGenerated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invoices_generated_total",
		Help: "Total invoices generated",
	})

	invoicesRecalced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invoices_recalculated_total",
		Help: "Total invoice recalculations",
	})

	batchRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_batch_items_total",
		Help: "Batch generation items by outcome",
	}, []string{"outcome"})

	ledgerApplications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_applications_total",
		Help: "Ledger entry applications by type",
	}, []string{"type"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHits, cacheMisses, dbQueryDuration,
		invoicesGenerated, invoicesRecalced, batchRuns, ledgerApplications, goroutines)

	return &MetricsService{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		dbQueryDuration:    dbQueryDuration,
		invoicesGenerated:  invoicesGenerated,
		invoicesRecalced:   invoicesRecalced,
		batchRuns:          batchRuns,
		ledgerApplications: ledgerApplications,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordInvoiceGenerated counts a successful generation.
func (m *MetricsService) RecordInvoiceGenerated() {
	if m == nil {
		return
	}
	m.invoicesGenerated.Inc()
}

// RecordInvoiceRecalculated counts a recalculation.
func (m *MetricsService) RecordInvoiceRecalculated() {
	if m == nil {
		return
	}
	m.invoicesRecalced.Inc()
}

// RecordBatchItem counts one batch item by outcome (created/skipped/failed).
func (m *MetricsService) RecordBatchItem(outcome string) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(outcome).Inc()
}

// RecordLedgerApplication counts a ledger application by entry type.
func (m *MetricsService) RecordLedgerApplication(entryType string) {
	if m == nil {
		return
	}
	m.ledgerApplications.WithLabelValues(entryType).Inc()
}
