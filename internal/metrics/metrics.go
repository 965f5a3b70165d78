// Package metrics exposes Prometheus collectors for the service.
//
// Every method is safe on a nil *Metrics so components can run without metrics in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyledger"

// Metrics owns a registry and the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	breakerOpen     *prometheus.GaugeVec

	paymentChecks *prometheus.CounterVec
	provisions    *prometheus.CounterVec
	promos        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	availability  *prometheus.GaugeVec

	reconcilePasses    *prometheus.CounterVec
	reconcileDecisions *prometheus.CounterVec
	reconcileDuration  prometheus.Histogram
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total", Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
	m.gatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "gateway_calls_total", Help: "Outline API calls by operation and outcome",
	}, []string{"op", "outcome"})
	m.gatewayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "gateway_call_duration_seconds", Help: "Outline API call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	m.breakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "circuit_breaker_open", Help: "1 while the named circuit breaker is open",
	}, []string{"name"})
	m.paymentChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "payment_checks_total", Help: "Payment verifications by provider and result",
	}, []string{"provider", "result"})
	m.provisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "provisions_total", Help: "Provisioning attempts by kind and outcome",
	}, []string{"kind", "outcome"})
	m.promos = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "promo_redemptions_total", Help: "Promo redemptions by outcome",
	}, []string{"outcome"})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "notifications_total", Help: "Owner notifications by kind and outcome",
	}, []string{"kind", "outcome"})
	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "rate_limited_total", Help: "Requests rejected by the rate limiter",
	}, []string{"action"})
	m.availability = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "collaborator_available", Help: "1 when the collaborator answered its last probe",
	}, []string{"collaborator"})
	m.reconcilePasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "reconcile_passes_total", Help: "Reconciliation passes by outcome",
	}, []string{"outcome"})
	m.reconcileDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "reconcile_decisions_total", Help: "Per-row reconciliation decisions",
	}, []string{"action"})
	m.reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "reconcile_pass_duration_seconds", Help: "Reconciliation pass duration",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.gatewayCalls, m.gatewayDuration, m.breakerOpen,
		m.paymentChecks, m.provisions, m.promos, m.notifications, m.rateLimited, m.availability,
		m.reconcilePasses, m.reconcileDecisions, m.reconcileDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Middleware records HTTP request counts and latency.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Status(404) }
	}
	handler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveGatewayCall records one Outline API call.
func (m *Metrics) ObserveGatewayCall(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(op, outcome(err)).Inc()
	m.gatewayDuration.WithLabelValues(op).Observe(d.Seconds())
}

// SetBreakerOpen records a circuit breaker transition.
func (m *Metrics) SetBreakerOpen(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breakerOpen.WithLabelValues(name).Set(v)
}

// ObservePaymentCheck records a payment verification result.
func (m *Metrics) ObservePaymentCheck(provider string, paid bool) {
	if m == nil {
		return
	}
	result := "unpaid"
	if paid {
		result = "paid"
	}
	m.paymentChecks.WithLabelValues(provider, result).Inc()
}

// ObserveProvision records a provisioning outcome label such as "ok" or "not_paid".
func (m *Metrics) ObserveProvision(kind, result string) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(kind, result).Inc()
}

// ObservePromo records a promo redemption outcome.
func (m *Metrics) ObservePromo(result string) {
	if m == nil {
		return
	}
	m.promos.WithLabelValues(result).Inc()
}

// ObserveNotification records a notification delivery.
func (m *Metrics) ObserveNotification(kind string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome(err)).Inc()
}

// ObserveRateLimited records a rejected request.
func (m *Metrics) ObserveRateLimited(action string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(action).Inc()
}

// SetAvailable records a collaborator probe result.
func (m *Metrics) SetAvailable(collaborator string, ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	m.availability.WithLabelValues(collaborator).Set(v)
}

// ObserveReconcilePass records a finished pass.
func (m *Metrics) ObserveReconcilePass(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.reconcilePasses.WithLabelValues(outcome(err)).Inc()
	m.reconcileDuration.Observe(d.Seconds())
}

// ObserveReconcileDecision records one row decision.
func (m *Metrics) ObserveReconcileDecision(action string) {
	if m == nil {
		return
	}
	m.reconcileDecisions.WithLabelValues(action).Inc()
}
