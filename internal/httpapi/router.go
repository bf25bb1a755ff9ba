// Package httpapi serves the zone leasing operations as a JSON API.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/msageha/zonekeeper/internal/dispatch"
	"github.com/msageha/zonekeeper/internal/logging"
	"github.com/msageha/zonekeeper/internal/metrics"
	"github.com/msageha/zonekeeper/internal/model"
)

// Identity headers set by the session layer in front of the API.
const (
	HeaderBadge = "X-Badge"
	HeaderAdmin = "X-Admin"
)

// Service is the subset of dispatch.Service the API needs.
type Service interface {
	RequestZone(ctx context.Context, worker string, zoneSizeHint int) (model.Assignment, error)
	CompleteZone(ctx context.Context, worker, zonePrefix string) (bool, error)
	AdminAssign(ctx context.Context, caller model.Identity, worker, zonePrefix string, ttlHours float64) (model.Lease, error)
	AdminExtend(ctx context.Context, caller model.Identity, leaseID int64, extraHours float64) (model.Lease, error)
	AdminClose(ctx context.Context, caller model.Identity, leaseID int64) error
	ListActiveLeases(ctx context.Context, now time.Time) ([]model.ActiveLease, error)
	SuggestNext(ctx context.Context, req dispatch.SuggestRequest) ([]model.CandidateZone, error)
	Health(ctx context.Context) error
}

type API struct {
	svc     Service
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

func New(svc Service, m *metrics.Metrics, logger *logging.Logger) *API {
	if logger == nil {
		logger = logging.Discard()
	}
	return &API{svc: svc, metrics: m, logger: logger, now: time.Now}
}

// NewRouter registers every route. The returned handler is instrumented but
// not access-logged; see Handler.
func (a *API) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/task/new", a.requestZone).Methods(http.MethodPost)
	r.HandleFunc("/api/task/complete", a.completeZone).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/active", a.listActive).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/suggestions", a.suggestions).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/admin/tasks").Subrouter()
	admin.HandleFunc("/assign", a.adminAssign).Methods(http.MethodPost)
	admin.HandleFunc("/extend", a.adminExtend).Methods(http.MethodPost)
	admin.HandleFunc("/close", a.adminClose).Methods(http.MethodPost)

	r.HandleFunc("/api/health", a.health).Methods(http.MethodGet)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	}

	r.Use(a.instrument)
	return r
}

// Handler is the router wrapped in an access log on the logger's sink.
func (a *API) Handler() http.Handler {
	return handlers.LoggingHandler(a.logger.Writer(), a.NewRouter())
}

func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.metrics.HTTPRequest(route, m.Code, m.Duration)
	})
}

// identity reads the caller from the trusted upstream headers.
func identity(r *http.Request) model.Identity {
	admin := strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderAdmin)), "true")
	return model.Identity{Worker: strings.TrimSpace(r.Header.Get(HeaderBadge)), Admin: admin}
}
