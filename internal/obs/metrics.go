package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgerbook.org/internal/ledger"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerbook_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger engine operations by outcome.",
		},
		[]string{"op", "result"},
	)

	ledgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Ledger engine operation latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	paymentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_payments_total",
		Help: "Payments applied.",
	})

	paymentsAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_payments_amount_minor_total",
		Help: "Sum of applied payments in minor units.",
	})

	outstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_outstanding_balance_minor",
		Help: "Balance due across all customers in minor units, refreshed periodically.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			ledgerOps, ledgerOpDuration, paymentsTotal, paymentsAmount, outstanding,
		)
	})
}

// Handler serves the Prometheus exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// SetOutstanding publishes the latest total balance due.
func SetOutstanding(total ledger.Money) {
	outstanding.Set(float64(total.MinorUnits()))
}

// Instrument measures rate, latency and in-flight requests. The path label is
// the matched chi route pattern when there is one.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			path = rc.RoutePattern()
		}
		if path == "" {
			path = CanonicalPath(r.URL.Path)
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// subresources lists, per collection, the child paths that keep an id segment.
var subresources = map[string]map[string]bool{
	"customers": {"invoices": true, "transactions": true, "payments": true, "opening-balance": true},
	"invoices":  {"snapshot": true, "lines": true, "void": true},
}

// CanonicalPath collapses entity ids so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	subs, ok := subresources[parts[1]]
	if !ok {
		return p
	}
	switch len(parts) {
	case 3:
		return "/v1/" + parts[1] + "/:id"
	case 4:
		if subs[parts[3]] {
			return "/v1/" + parts[1] + "/:id/" + parts[3]
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// LedgerMetrics feeds engine outcomes into the collectors registered by Init.
type LedgerMetrics struct{}

var _ ledger.Metrics = LedgerMetrics{}

func (LedgerMetrics) ObserveOperation(op string, err error, took time.Duration) {
	ledgerOps.WithLabelValues(op, ledger.Kind(err)).Inc()
	ledgerOpDuration.WithLabelValues(op).Observe(took.Seconds())
}

func (LedgerMetrics) ObservePayment(amount ledger.Money) {
	paymentsTotal.Inc()
	paymentsAmount.Add(float64(amount.MinorUnits()))
}
