package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry with the HTTP and ledger metrics. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	salesTotal       *prometheus.CounterVec
	saleAmount       *prometheus.CounterVec
	returnsTotal     prometheus.Counter
	adjustmentsTotal *prometheus.CounterVec
	stockRejections  *prometheus.CounterVec
	shiftTransitions *prometheus.CounterVec
	publishFailures  *prometheus.CounterVec
	opDuration       *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasirledger_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kasirledger_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		salesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasirledger_sales_total",
			Help: "Committed sales by payment method.",
		}, []string{"method"}),
		saleAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasirledger_sales_amount_cents_total",
			Help: "Committed sale totals in cents by payment method.",
		}, []string{"method"}),
		returnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasirledger_returns_total",
			Help: "Committed full-sale returns.",
		}),
		adjustmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasirledger_adjustments_total",
			Help: "Manual stock adjustments by category.",
		}, []string{"category"}),
		stockRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasirledger_stock_rejections_total",
			Help: "Stock operations refused by the allocator or ledger, by reason.",
		}, []string{"reason"}),
		shiftTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasirledger_shift_transitions_total",
			Help: "Cash shift transitions by target status.",
		}, []string{"status"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasirledger_event_publish_failures_total",
			Help: "Events that could not be published after commit.",
		}, []string{"type"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kasirledger_operation_duration_seconds",
			Help:    "Duration of ledger operations including lock waits.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.salesTotal, m.saleAmount, m.returnsTotal, m.adjustmentsTotal,
		m.stockRejections, m.shiftTransitions, m.publishFailures, m.opDuration,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) SalePosted(method string, totalCents int64) {
	if m == nil {
		return
	}
	m.salesTotal.WithLabelValues(method).Inc()
	m.saleAmount.WithLabelValues(method).Add(float64(totalCents))
}

func (m *Metrics) ReturnPosted() {
	if m == nil {
		return
	}
	m.returnsTotal.Inc()
}

func (m *Metrics) AdjustmentPosted(category string) {
	if m == nil {
		return
	}
	m.adjustmentsTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) StockRejected(reason string) {
	if m == nil {
		return
	}
	m.stockRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ShiftTransition(status string) {
	if m == nil {
		return
	}
	m.shiftTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) PublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(eventType).Inc()
}

// ObserveOp records the time since start under op.
func (m *Metrics) ObserveOp(op string, start time.Time) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
