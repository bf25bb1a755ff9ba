package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the sum of all samples of a counter or gauge family whose
// labels include want.
func value(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, s := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range s.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case s.GetCounter() != nil:
				total += s.GetCounter().GetValue()
			case s.GetGauge() != nil:
				total += s.GetGauge().GetValue()
			}
		}
	}
	return total
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Allocation(ResultGranted, 1)
		m.ClaimConflict()
		m.Expired(3)
		m.Completion(true)
		m.AdminOp("assign")
		m.DoubleAssign()
		m.LeaseSnapshot(1, 0)
		m.Suggestion(true)
		m.CatalogSize(10)
		m.HTTPRequest("/x", 200, time.Millisecond)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.Allocation(ResultGranted, 2)
	m.Allocation(ResultGranted, 1)
	m.Allocation(ResultBusy, 10)
	m.ClaimConflict()
	m.Expired(4)
	m.Expired(0)
	m.Completion(true)
	m.Completion(false)
	m.Completion(false)
	m.DoubleAssign()
	m.LeaseSnapshot(7, 1)
	m.Suggestion(false)
	m.Suggestion(true)

	assert.Equal(t, 2.0, value(t, m, "zonekeeper_allocations_total", map[string]string{"result": "granted"}))
	assert.Equal(t, 1.0, value(t, m, "zonekeeper_allocations_total", map[string]string{"result": "busy"}))
	assert.Equal(t, 1.0, value(t, m, "zonekeeper_claim_conflicts_total", nil))
	assert.Equal(t, 4.0, value(t, m, "zonekeeper_leases_expired_total", nil))
	assert.Equal(t, 2.0, value(t, m, "zonekeeper_completions_total", map[string]string{"result": "noop"}))
	assert.Equal(t, 1.0, value(t, m, "zonekeeper_admin_double_assign_total", nil))
	assert.Equal(t, 7.0, value(t, m, "zonekeeper_active_leases", nil))
	assert.Equal(t, 1.0, value(t, m, "zonekeeper_double_active_zones", nil))
	assert.Equal(t, 2.0, value(t, m, "zonekeeper_suggestions_total", nil))
	assert.Equal(t, 1.0, value(t, m, "zonekeeper_suggestions_coalesced_total", nil))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.HTTPRequest("/api/task/new", http.StatusServiceUnavailable, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `zonekeeper_http_requests_total{route="/api/task/new",status="503"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
