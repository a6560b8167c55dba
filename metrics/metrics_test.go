package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue sums a metric family across the label set that matches.
func counterValue(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestCollector_DomainCounters(t *testing.T) {
	c := NewCollector("test")

	c.RecordActivity("daily_ritual", "credited", 8)
	c.RecordActivity("daily_ritual", "daily_cap_reached", 0)
	c.RecordDeposit(100)
	c.RecordBadge("first-ritual", 5)
	c.RecordPurchase("streak-freeze", "ok", 50)
	c.RecordPurchase("streak-freeze", "insufficient", 50)
	c.RecordDenial("ai-therapy")
	c.RecordWebhook("bytes.purchased", "ok")

	assert.Equal(t, 2.0, counterValue(t, c, "test_economy_activities_total", map[string]string{"activity": "daily_ritual"}))
	assert.Equal(t, 113.0, counterValue(t, c, "test_economy_bytes_credited_total", nil))
	assert.Equal(t, 50.0, counterValue(t, c, "test_economy_bytes_spent_total", nil))
	assert.Equal(t, 1.0, counterValue(t, c, "test_economy_purchases_total", map[string]string{"result": "insufficient"}))
	assert.Equal(t, 1.0, counterValue(t, c, "test_entitlement_denials_total", map[string]string{"feature": "ai-therapy"}))
	assert.Equal(t, 1.0, counterValue(t, c, "test_badges_unlocked_total", nil))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	// GIVEN: a chi router with a parameterized route
	c := NewCollector("test")
	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", c.Handler())

	// WHEN: two different ids are requested
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/"+id, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}

	// THEN: both land on one series
	assert.Equal(t, 2.0, counterValue(t, c, "test_http_requests_total",
		map[string]string{"route": "/users/{id}", "status": "418"}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "test_http_request_duration_seconds")
}

func TestCollector_Audit(t *testing.T) {
	c := NewCollector("test")

	c.RecordAudit(9, 1, 0)
	c.RecordAudit(10, 0, 0)

	assert.Equal(t, 19.0, counterValue(t, c, "test_ledger_audits_total", map[string]string{"result": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, c, "test_ledger_audits_total", map[string]string{"result": "diverged"}))

	// The gauge reflects the last run only
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "test_ledger_diverged_users" {
			assert.Equal(t, 0.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
}
