package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/msageha/zonekeeper/internal/dispatch"
	"github.com/msageha/zonekeeper/internal/model"
)

type requestZoneBody struct {
	Badge    string `json:"badge"`
	ZoneSize int    `json:"zone_size"`
}

// TaskView is the body of a granted zone.
type TaskView struct {
	TaskID      int64            `json:"task_id"`
	Zone        string           `json:"zone"`
	TotalPlaces int              `json:"total_places"`
	Places      []model.Location `json:"places"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Reserved    bool             `json:"reserved"`
}

type completeBody struct {
	Badge string `json:"badge"`
	Zone  string `json:"zone"`
}

type assignBody struct {
	Badge string  `json:"badge"`
	Zone  string  `json:"zone"`
	Hours float64 `json:"hours"`
}

type leaseIDBody struct {
	TaskID int64   `json:"task_id"`
	Hours  float64 `json:"hours"`
}

func (a *API) requestZone(w http.ResponseWriter, r *http.Request) {
	var body requestZoneBody
	if !a.decode(w, r, &body) {
		return
	}
	if body.Badge == "" {
		body.Badge = identity(r).Worker
	}

	asg, err := a.svc.RequestZone(r.Context(), body.Badge, body.ZoneSize)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task": TaskView{
			TaskID:      asg.Lease.ID,
			Zone:        asg.Zone.Prefix,
			TotalPlaces: len(asg.Zone.Locations),
			Places:      asg.Zone.Locations,
			ExpiresAt:   asg.Lease.ExpiresAt,
			Reserved:    true,
		},
		"timestamp":        a.now().UTC().Format(time.RFC3339),
		"expires_in_hours": round1(asg.Lease.ExpiresAt.Sub(asg.Lease.AssignedAt).Hours()),
	})
}

func (a *API) completeZone(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if !a.decode(w, r, &body) {
		return
	}
	if body.Badge == "" {
		body.Badge = identity(r).Worker
	}

	ok, err := a.svc.CompleteZone(r.Context(), body.Badge, body.Zone)
	if err != nil {
		a.fail(w, err)
		return
	}
	msg := "task completed"
	if !ok {
		msg = "task not found or already completed"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok, "message": msg})
}

func (a *API) listActive(w http.ResponseWriter, r *http.Request) {
	leases, err := a.svc.ListActiveLeases(r.Context(), time.Time{})
	if err != nil {
		a.fail(w, err)
		return
	}
	if leases == nil {
		leases = []model.ActiveLease{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(leases), "tasks": leases})
}

func (a *API) suggestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	badge := q.Get("badge")
	if badge == "" {
		badge = identity(r).Worker
	}

	out, err := a.svc.SuggestNext(r.Context(), dispatch.SuggestRequest{Worker: badge, Near: q.Get("near")})
	if err != nil {
		a.fail(w, err)
		return
	}
	if out == nil {
		out = []model.CandidateZone{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "suggestions": out, "badge": badge})
}

func (a *API) adminAssign(w http.ResponseWriter, r *http.Request) {
	var body assignBody
	if !a.decode(w, r, &body) {
		return
	}
	l, err := a.svc.AdminAssign(r.Context(), identity(r), body.Badge, body.Zone, body.Hours)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": l})
}

func (a *API) adminExtend(w http.ResponseWriter, r *http.Request) {
	var body leaseIDBody
	if !a.decode(w, r, &body) {
		return
	}
	l, err := a.svc.AdminExtend(r.Context(), identity(r), body.TaskID, body.Hours)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": l})
}

func (a *API) adminClose(w http.ResponseWriter, r *http.Request) {
	var body leaseIDBody
	if !a.decode(w, r, &body) {
		return
	}
	if err := a.svc.AdminClose(r.Context(), identity(r), body.TaskID); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("task %d closed", body.TaskID),
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Health(r.Context()); err != nil {
		a.logger.Warnf("health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// decode reads a JSON body into v. An empty body leaves v zero.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	a.fail(w, fmt.Errorf("%w: malformed JSON body: %v", model.ErrInvalidInput, err))
	return false
}

func (a *API) fail(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError && code != model.CodeAllZonesBusy {
		a.logger.Errorf("request failed code=%s: %v", code, err)
	}
	writeJSON(w, status, map[string]any{"success": false, "code": code, "error": err.Error()})
}

func statusFor(code string) int {
	switch code {
	case model.CodeAllZonesBusy:
		return http.StatusServiceUnavailable
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
