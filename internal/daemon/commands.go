package daemon

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/msageha/zonekeeper/internal/dispatch"
	"github.com/msageha/zonekeeper/internal/lease"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/uds"
)

// Command names served on the control socket.
const (
	CmdPing     = "ping"
	CmdStatus   = "status"
	CmdRequest  = "request"
	CmdComplete = "complete"
	CmdLeases   = "leases"
	CmdAssign   = "assign"
	CmdExtend   = "extend"
	CmdClose    = "close"
	CmdSuggest  = "suggest"
	CmdRecord   = "record"
	CmdReload   = "reload"
	CmdShutdown = "shutdown"
)

type RequestParams struct {
	Badge    string `json:"badge"`
	ZoneSize int    `json:"zone_size,omitempty"`
}

type CompleteParams struct {
	Badge string `json:"badge"`
	Zone  string `json:"zone"`
}

type CompleteResult struct {
	Completed bool `json:"completed"`
}

type AssignParams struct {
	Badge string  `json:"badge"`
	Zone  string  `json:"zone"`
	Hours float64 `json:"hours,omitempty"`
}

type LeaseParams struct {
	TaskID int64   `json:"task_id"`
	Hours  float64 `json:"hours,omitempty"`
}

type SuggestParams struct {
	Badge string `json:"badge"`
	Near  string `json:"near,omitempty"`
}

// RecordParams is one scan result reported by the counting client.
type RecordParams struct {
	Badge          string `json:"badge"`
	PlaceID        int64  `json:"place_cod,omitempty"`
	PlaceName      string `json:"place_name,omitempty"`
	HasDiscrepancy bool   `json:"has_discrepancy"`
}

// Status is the daemon's self report.
type Status struct {
	PID          int                 `json:"pid"`
	StartedAt    time.Time           `json:"started_at"`
	Driver       model.StoreDriver   `json:"driver"`
	HTTPAddr     string              `json:"http_addr,omitempty"`
	Locations    int                 `json:"locations"`
	Leases       []model.ActiveLease `json:"leases"`
	DoubleActive map[string]int      `json:"double_active,omitempty"`
	EventsLost   int64               `json:"events_dropped"`
}

// localAdmin is the identity of socket callers. The socket is only
// accessible to the daemon's user.
var localAdmin = model.Identity{Worker: "local", Admin: true}

func (d *Daemon) registerHandlers() {
	d.server.Handle(CmdPing, func(ctx context.Context, _ *uds.Request) *uds.Response {
		if err := d.svc.Health(ctx); err != nil {
			return uds.DomainErrorResponse(err)
		}
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(CmdStatus, d.handleStatus)

	d.server.Handle(CmdRequest, handle(func(ctx context.Context, p RequestParams) (any, error) {
		return d.svc.RequestZone(ctx, p.Badge, p.ZoneSize)
	}))
	d.server.Handle(CmdComplete, handle(func(ctx context.Context, p CompleteParams) (any, error) {
		ok, err := d.svc.CompleteZone(ctx, p.Badge, p.Zone)
		return CompleteResult{Completed: ok}, err
	}))
	d.server.Handle(CmdLeases, handle(func(ctx context.Context, _ struct{}) (any, error) {
		return d.svc.ListActiveLeases(ctx, time.Time{})
	}))
	d.server.Handle(CmdAssign, handle(func(ctx context.Context, p AssignParams) (any, error) {
		return d.svc.AdminAssign(ctx, localAdmin, p.Badge, p.Zone, p.Hours)
	}))
	d.server.Handle(CmdExtend, handle(func(ctx context.Context, p LeaseParams) (any, error) {
		return d.svc.AdminExtend(ctx, localAdmin, p.TaskID, p.Hours)
	}))
	d.server.Handle(CmdClose, handle(func(ctx context.Context, p LeaseParams) (any, error) {
		return nil, d.svc.AdminClose(ctx, localAdmin, p.TaskID)
	}))
	d.server.Handle(CmdSuggest, handle(func(ctx context.Context, p SuggestParams) (any, error) {
		return d.svc.SuggestNext(ctx, dispatch.SuggestRequest{Worker: p.Badge, Near: p.Near})
	}))
	d.server.Handle(CmdRecord, handle(d.record))
	d.server.Handle(CmdReload, handle(func(ctx context.Context, _ struct{}) (any, error) {
		if d.config.Catalog.ExportFile == "" {
			return nil, fmt.Errorf("%w: no catalog export file configured", model.ErrInvalidInput)
		}
		if err := d.reloadCatalog(ctx); err != nil {
			return nil, err
		}
		n, err := d.backend.catalog.Count(ctx)
		return map[string]int{"locations": n}, err
	}))

	d.server.Handle(CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// handle adapts a typed operation to a socket handler.
func handle[P any](fn func(ctx context.Context, p P) (any, error)) uds.HandlerFunc {
	return func(ctx context.Context, req *uds.Request) *uds.Response {
		var p P
		if err := req.DecodeParams(&p); err != nil {
			return uds.DomainErrorResponse(err)
		}
		out, err := fn(ctx, p)
		if err != nil {
			return uds.DomainErrorResponse(err)
		}
		return uds.SuccessResponse(out)
	}
}

func (d *Daemon) record(ctx context.Context, p RecordParams) (any, error) {
	if strings.TrimSpace(p.Badge) == "" {
		return nil, fmt.Errorf("%w: badge is required", model.ErrInvalidInput)
	}
	if p.PlaceID == 0 && strings.TrimSpace(p.PlaceName) == "" {
		return nil, fmt.Errorf("%w: place_cod or place_name is required", model.ErrInvalidInput)
	}
	err := d.backend.history.Record(ctx, model.ScanResult{
		Worker:         strings.TrimSpace(p.Badge),
		LocationID:     p.PlaceID,
		Code:           strings.TrimSpace(p.PlaceName),
		HasDiscrepancy: p.HasDiscrepancy,
		At:             d.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("record scan: %w", err)
	}
	return nil, nil
}

func (d *Daemon) handleStatus(ctx context.Context, _ *uds.Request) *uds.Response {
	leases, err := d.svc.ListActiveLeases(ctx, time.Time{})
	if err != nil {
		return uds.DomainErrorResponse(err)
	}
	n, err := d.backend.catalog.Count(ctx)
	if err != nil {
		return uds.DomainErrorResponse(fmt.Errorf("count catalog: %w", err))
	}

	raw := make([]model.Lease, len(leases))
	for i, l := range leases {
		raw[i] = l.Lease
	}
	if leases == nil {
		leases = []model.ActiveLease{}
	}
	return uds.SuccessResponse(Status{
		PID:          os.Getpid(),
		StartedAt:    d.startedAt,
		Driver:       d.driver(),
		HTTPAddr:     d.httpAddr,
		Locations:    n,
		Leases:       leases,
		DoubleActive: lease.DoubleActive(raw),
		EventsLost:   d.bus.Dropped(),
	})
}
