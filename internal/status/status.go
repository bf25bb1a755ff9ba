// Package status prints what a running daemon reports about itself.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/msageha/zonekeeper/internal/daemon"
	"github.com/msageha/zonekeeper/internal/uds"
)

// Report is the status output. Daemon is nil when no daemon answered.
type Report struct {
	Running bool           `json:"running"`
	Daemon  *daemon.Status `json:"daemon,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Run queries the daemon under baseDir and prints the report to w.
func Run(baseDir string, jsonOutput bool, w io.Writer) error {
	report := Query(uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName)))

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	Print(w, report, time.Now())
	return nil
}

// Query asks the daemon for its status.
func Query(client *uds.Client) Report {
	var st daemon.Status
	if err := client.Call(daemon.CmdStatus, nil, &st); err != nil {
		return Report{Running: false, Error: err.Error()}
	}
	return Report{Running: true, Daemon: &st}
}

func Print(w io.Writer, r Report, now time.Time) {
	if !r.Running || r.Daemon == nil {
		_, _ = fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	s := r.Daemon
	_, _ = fmt.Fprintf(w, "Daemon: running  pid=%d  driver=%s  up=%s\n",
		s.PID, s.Driver, now.Sub(s.StartedAt).Round(time.Second))
	if s.HTTPAddr != "" {
		_, _ = fmt.Fprintf(w, "HTTP:   %s\n", s.HTTPAddr)
	}
	_, _ = fmt.Fprintf(w, "Catalog: %d locations\n", s.Locations)
	if s.EventsLost > 0 {
		_, _ = fmt.Fprintf(w, "Events dropped: %d\n", s.EventsLost)
	}

	if len(s.Leases) == 0 {
		_, _ = fmt.Fprintln(w, "\nActive leases: none")
	} else {
		_, _ = fmt.Fprintf(w, "\nActive leases: %d\n", len(s.Leases))
		_, _ = fmt.Fprintf(w, "  %-8s  %-12s  %-12s  %10s  %s\n", "TASK", "ZONE", "BADGE", "HOURS_LEFT", "EXPIRES")
		for _, l := range s.Leases {
			_, _ = fmt.Fprintf(w, "  %-8d  %-12s  %-12s  %10.1f  %s\n",
				l.ID, l.ZonePrefix, l.Holder, l.HoursLeft, l.ExpiresAt.Format(time.RFC3339))
		}
	}

	if len(s.DoubleActive) > 0 {
		zones := make([]string, 0, len(s.DoubleActive))
		for z := range s.DoubleActive {
			zones = append(zones, z)
		}
		sort.Strings(zones)
		_, _ = fmt.Fprintln(w)
		for _, z := range zones {
			_, _ = fmt.Fprintf(w, "WARNING: zone %s has %d live leases (admin assignment overlap)\n", z, s.DoubleActive[z])
		}
	}
}
