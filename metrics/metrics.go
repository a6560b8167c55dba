/*
Package metrics exposes Prometheus collectors for the HTTP surface and the
Bytes economy.

PURPOSE:
  A Collector owns its own registry so tests can build as many as they
  like without colliding on the global one. The server mounts Handler()
  on /metrics and wraps the router with Middleware().

LABELS:
  Route labels use the chi route pattern ("/api/me/badges"), never the raw
  path, so user ids do not explode cardinality.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	activities    *prometheus.CounterVec
	bytesCredited *prometheus.CounterVec
	bytesSpent    prometheus.Counter
	purchases     *prometheus.CounterVec
	badges        *prometheus.CounterVec
	denials       *prometheus.CounterVec
	webhooks      *prometheus.CounterVec

	audits   *prometheus.CounterVec
	diverged prometheus.Gauge
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "rebound"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	}, []string{"method", "route"})
	c.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "in_flight_requests",
		Help: "Requests currently being served",
	})

	c.activities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "economy", Name: "activities_total",
		Help: "Completed activities by tag and credit status",
	}, []string{"activity", "status"})
	c.bytesCredited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "economy", Name: "bytes_credited_total",
		Help: "Bytes credited, by source",
	}, []string{"source"})
	c.bytesSpent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "economy", Name: "bytes_spent_total",
		Help: "Bytes debited by purchases",
	})
	c.purchases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "economy", Name: "purchases_total",
		Help: "Catalog purchases by item and result",
	}, []string{"item", "result"})
	c.badges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "badges", Name: "unlocked_total",
		Help: "Badge unlocks",
	}, []string{"badge"})
	c.denials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "entitlement", Name: "denials_total",
		Help: "Entitlement checks that returned allowed=false",
	}, []string{"feature"})
	c.webhooks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "webhooks", Name: "received_total",
		Help: "Payment webhooks by event type and result",
	}, []string{"type", "result"})

	c.audits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ledger", Name: "audits_total",
		Help: "Per-user balance audits by result",
	}, []string{"result"})
	c.diverged = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "ledger", Name: "diverged_users",
		Help: "Users whose materialized balance differed from the ledger in the last audit run",
	})

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpDuration, c.httpInFlight,
		c.activities, c.bytesCredited, c.bytesSpent, c.purchases,
		c.badges, c.denials, c.webhooks,
		c.audits, c.diverged,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// DOMAIN EVENTS
// =============================================================================

func (c *Collector) RecordActivity(activity, status string, credited int64) {
	c.activities.WithLabelValues(activity, status).Inc()
	if credited > 0 {
		c.bytesCredited.WithLabelValues("activity").Add(float64(credited))
	}
}

func (c *Collector) RecordDeposit(amount int64) {
	c.bytesCredited.WithLabelValues("deposit").Add(float64(amount))
}

func (c *Collector) RecordBadge(badgeID string, bytes int64) {
	c.badges.WithLabelValues(badgeID).Inc()
	if bytes > 0 {
		c.bytesCredited.WithLabelValues("badge").Add(float64(bytes))
	}
}

// RecordPurchase counts a purchase attempt. result is "ok", "duplicate",
// "insufficient" or "denied".
func (c *Collector) RecordPurchase(item, result string, cost int64) {
	c.purchases.WithLabelValues(item, result).Inc()
	if result == "ok" {
		c.bytesSpent.Add(float64(cost))
	}
}

func (c *Collector) RecordDenial(feature string) {
	c.denials.WithLabelValues(feature).Inc()
}

func (c *Collector) RecordWebhook(eventType, result string) {
	c.webhooks.WithLabelValues(eventType, result).Inc()
}

// RecordAudit counts one audit run: checked users, diverged users, errors.
func (c *Collector) RecordAudit(ok, diverged, failed int) {
	c.audits.WithLabelValues("ok").Add(float64(ok))
	c.audits.WithLabelValues("diverged").Add(float64(diverged))
	c.audits.WithLabelValues("error").Add(float64(failed))
	c.diverged.Set(float64(diverged))
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// Middleware records request count, latency and in-flight requests.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
