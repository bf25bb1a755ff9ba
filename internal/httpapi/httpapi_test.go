package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/zonekeeper/internal/clock"
	"github.com/msageha/zonekeeper/internal/dispatch"
	"github.com/msageha/zonekeeper/internal/httpapi"
	"github.com/msageha/zonekeeper/internal/memstore"
	"github.com/msageha/zonekeeper/internal/metrics"
	"github.com/msageha/zonekeeper/internal/model"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func oneZone() []model.Location {
	return []model.Location{
		{ID: 1, Code: "36.02.40.140.06.01", Address: model.Address{Warehouse: 36, Floor: 2, Row: 40, Section: 140, Shelf: 6, Cell: 1}},
		{ID: 2, Code: "36.02.40.140.06.02", Address: model.Address{Warehouse: 36, Floor: 2, Row: 40, Section: 140, Shelf: 6, Cell: 2}},
	}
}

type env struct {
	server  *httptest.Server
	metrics *metrics.Metrics
	clock   *clock.FakeClock
}

func newEnv(t *testing.T, locations []model.Location) *env {
	t.Helper()
	cat := memstore.NewCatalog(locations)
	cat.SetRand(func(int) int { return 0 })
	e := &env{metrics: metrics.New(), clock: clock.Fake(epoch)}
	svc := dispatch.NewService(dispatch.Deps{
		Store:   memstore.NewLeaseStore(nil),
		Catalog: cat,
		Clock:   e.clock,
		Metrics: e.metrics,
	}, model.Config{}, memstore.NewHistory())

	e.server = httptest.NewServer(httpapi.New(svc, e.metrics, nil).Handler())
	t.Cleanup(e.server.Close)
	return e
}

type call struct {
	method string
	path   string
	body   string
	admin  bool
	badge  string
}

func (e *env) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req, err := http.NewRequest(c.method, e.server.URL+c.path, body)
	require.NoError(t, err)
	if c.admin {
		req.Header.Set(httpapi.HeaderAdmin, "true")
	}
	if c.badge != "" {
		req.Header.Set(httpapi.HeaderBadge, c.badge)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestRequestZoneThenBusy(t *testing.T) {
	e := newEnv(t, oneZone())

	status, out := e.do(t, call{method: http.MethodPost, path: "/api/task/new", body: `{"badge":"B-1"}`})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	task := out["task"].(map[string]any)
	assert.Equal(t, "36.02.40.", task["zone"])
	assert.EqualValues(t, 2, task["total_places"])
	assert.EqualValues(t, 2, out["expires_in_hours"])

	status, out = e.do(t, call{method: http.MethodPost, path: "/api/task/new", body: `{"badge":"B-2"}`})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, model.CodeAllZonesBusy, out["code"])
}

func TestRequestZoneBadgeFromHeader(t *testing.T) {
	e := newEnv(t, oneZone())

	status, out := e.do(t, call{method: http.MethodPost, path: "/api/task/new", body: `{"zone_size":1}`, badge: "B-9"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out["task"].(map[string]any)["total_places"])

	_, out = e.do(t, call{method: http.MethodGet, path: "/api/tasks/active"})
	tasks := out["tasks"].([]any)
	require.Len(t, tasks, 1)
	assert.Equal(t, "B-9", tasks[0].(map[string]any)["badge"])
}

func TestRequestZoneValidation(t *testing.T) {
	e := newEnv(t, oneZone())

	status, out := e.do(t, call{method: http.MethodPost, path: "/api/task/new", body: `{}`})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.CodeValidation, out["code"])

	status, _ = e.do(t, call{method: http.MethodPost, path: "/api/task/new", body: `{"badge":`})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRequestZoneEmptyCatalog(t *testing.T) {
	e := newEnv(t, nil)

	status, out := e.do(t, call{method: http.MethodPost, path: "/api/task/new", body: `{"badge":"B-1"}`})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, model.CodeCatalogEmpty, out["code"])
}

func TestCompleteZone(t *testing.T) {
	e := newEnv(t, oneZone())
	e.do(t, call{method: http.MethodPost, path: "/api/task/new", body: `{"badge":"B-1"}`})

	status, out := e.do(t, call{method: http.MethodPost, path: "/api/task/complete", body: `{"badge":"B-1","zone":"36.02.40."}`})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])

	status, out = e.do(t, call{method: http.MethodPost, path: "/api/task/complete", body: `{"badge":"B-1","zone":"36.02.40."}`})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["success"])

	status, _ = e.do(t, call{method: http.MethodPost, path: "/api/task/complete", body: `{"badge":"B-1"}`})
	assert.Equal(t, http.StatusBadRequest, status)

	_, out = e.do(t, call{method: http.MethodGet, path: "/api/tasks/active"})
	assert.EqualValues(t, 0, out["count"])
	assert.Empty(t, out["tasks"])
}

func TestAdminRoutes(t *testing.T) {
	e := newEnv(t, oneZone())

	status, out := e.do(t, call{method: http.MethodPost, path: "/api/admin/tasks/assign", body: `{"badge":"B-1","zone":"36.02.40."}`})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.CodeForbidden, out["code"])

	status, out = e.do(t, call{method: http.MethodPost, path: "/api/admin/tasks/assign", admin: true,
		body: `{"badge":"B-1","zone":"36.02.40.","hours":0.5}`})
	require.Equal(t, http.StatusOK, status)
	task := out["task"].(map[string]any)
	id := task["task_id"].(float64)
	assert.Equal(t, "36.02.40.", task["zone"])

	_, out = e.do(t, call{method: http.MethodGet, path: "/api/tasks/active"})
	require.EqualValues(t, 1, out["count"])
	assert.EqualValues(t, 0.5, out["tasks"].([]any)[0].(map[string]any)["hours_left"])

	status, out = e.do(t, call{method: http.MethodPost, path: "/api/admin/tasks/extend", admin: true,
		body: `{"task_id":` + jsonNumber(id) + `}`})
	require.Equal(t, http.StatusOK, status)
	expires, err := time.Parse(time.RFC3339, out["task"].(map[string]any)["expires_at"].(string))
	require.NoError(t, err)
	assert.True(t, expires.Equal(epoch.Add(90*time.Minute)))

	status, _ = e.do(t, call{method: http.MethodPost, path: "/api/admin/tasks/extend", admin: true,
		body: `{"task_id":` + jsonNumber(id) + `,"hours":-1}`})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, call{method: http.MethodPost, path: "/api/admin/tasks/close", admin: true,
		body: `{"task_id":` + jsonNumber(id) + `}`})
	require.Equal(t, http.StatusOK, status)

	status, out = e.do(t, call{method: http.MethodPost, path: "/api/admin/tasks/close", admin: true,
		body: `{"task_id":` + jsonNumber(id) + `}`})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, model.CodeNotFound, out["code"])
}

func TestSuggestions(t *testing.T) {
	e := newEnv(t, oneZone())

	status, out := e.do(t, call{method: http.MethodGet, path: "/api/tasks/suggestions?badge=B-1&near=36.02.40.140.06.02"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "B-1", out["badge"])
	suggestions := out["suggestions"].([]any)
	require.Len(t, suggestions, 2)
	first := suggestions[0].(map[string]any)
	assert.Equal(t, "36.02.40.140.06.01", first["mx_code"])
	assert.Equal(t, "36.02.40.", first["zone"])
	assert.Equal(t, false, first["highlight"])
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, oneZone())

	status, out := e.do(t, call{method: http.MethodGet, path: "/api/health"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["ok"])

	resp, err := e.server.Client().Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `zonekeeper_http_requests_total{route="/api/health",status="200"} 1`)
}

func TestHealthReportsStoreFailure(t *testing.T) {
	svc := &downService{}
	server := httptest.NewServer(httpapi.New(svc, nil, nil).NewRouter())
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp2, err := server.Client().Get(server.URL + "/api/tasks/active")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	assert.Equal(t, model.CodeStore, out["code"])
}

func TestMethodNotAllowed(t *testing.T) {
	e := newEnv(t, oneZone())
	status, _ := e.do(t, call{method: http.MethodGet, path: "/api/task/new"})
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func jsonNumber(f float64) string {
	raw, _ := json.Marshal(int64(f))
	return string(raw)
}

// downService fails every store-backed call.
type downService struct{ httpapi.Service }

var errDown = errors.New("connection refused")

func (downService) Health(context.Context) error { return errDown }

func (downService) ListActiveLeases(context.Context, time.Time) ([]model.ActiveLease, error) {
	return nil, errDown
}
