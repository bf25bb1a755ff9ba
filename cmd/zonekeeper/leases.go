package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/zonekeeper/internal/daemon"
	"github.com/msageha/zonekeeper/internal/model"
)

// exitBusy lets scripts tell "try again later" apart from real failures.
const exitBusy = 3

func callOrExit(command string, params, out any) {
	err := newClient().Call(command, params, out)
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
	if errors.Is(err, model.ErrAllZonesBusy) {
		os.Exit(exitBusy)
	}
	os.Exit(1)
}

func runRequest(args []string) {
	fs := newFlagSet("request")
	badge := fs.String("badge", "", "worker badge (required)")
	size := fs.Int("zone-size", 0, "maximum locations to return (default from config)")
	jsonOutput := fs.Bool("json", false, "print JSON")
	parseFlags(fs, args)

	var asg model.Assignment
	callOrExit(daemon.CmdRequest, daemon.RequestParams{Badge: *badge, ZoneSize: *size}, &asg)
	if *jsonOutput {
		printJSON(asg)
		return
	}
	fmt.Printf("zone %s  task=%d  expires=%s  places=%d\n",
		asg.Zone.Prefix, asg.Lease.ID, asg.Lease.ExpiresAt.Local().Format(time.DateTime), len(asg.Zone.Locations))
	for _, l := range asg.Zone.Locations {
		fmt.Printf("  %-10d %s\n", l.ID, l.Code)
	}
}

func runComplete(args []string) {
	fs := newFlagSet("complete")
	badge := fs.String("badge", "", "worker badge (required)")
	zone := fs.String("zone", "", "zone prefix (required)")
	parseFlags(fs, args)

	var res daemon.CompleteResult
	callOrExit(daemon.CmdComplete, daemon.CompleteParams{Badge: *badge, Zone: *zone}, &res)
	if res.Completed {
		fmt.Printf("zone %s completed\n", *zone)
		return
	}
	fmt.Printf("no active lease on %s for %s\n", *zone, *badge)
}

func runLeases(args []string) {
	fs := newFlagSet("leases")
	jsonOutput := fs.Bool("json", false, "print JSON")
	parseFlags(fs, args)

	var leases []model.ActiveLease
	callOrExit(daemon.CmdLeases, nil, &leases)
	if *jsonOutput {
		if leases == nil {
			leases = []model.ActiveLease{}
		}
		printJSON(leases)
		return
	}
	if len(leases) == 0 {
		fmt.Println("no active leases")
		return
	}
	fmt.Printf("%-8s  %-12s  %-12s  %10s  %s\n", "TASK", "ZONE", "BADGE", "HOURS_LEFT", "ASSIGNED")
	for _, l := range leases {
		fmt.Printf("%-8d  %-12s  %-12s  %10.1f  %s\n",
			l.ID, l.ZonePrefix, l.Holder, l.HoursLeft, l.AssignedAt.Local().Format(time.DateTime))
	}
}

func printLease(verb string, l model.Lease) {
	fmt.Printf("%s task=%d zone=%s badge=%s expires=%s\n",
		verb, l.ID, l.ZonePrefix, l.Holder, l.ExpiresAt.Local().Format(time.DateTime))
}

func runAssign(args []string) {
	fs := newFlagSet("assign")
	badge := fs.String("badge", "", "worker badge (required)")
	zone := fs.String("zone", "", "zone prefix (required)")
	hours := fs.Float64("hours", 0, "lease duration in hours (default from config)")
	parseFlags(fs, args)

	var l model.Lease
	callOrExit(daemon.CmdAssign, daemon.AssignParams{Badge: *badge, Zone: *zone, Hours: *hours}, &l)
	printLease("assigned", l)
}

func runExtend(args []string) {
	fs := newFlagSet("extend")
	id := fs.Int64("task-id", 0, "lease id (required)")
	hours := fs.Float64("hours", 0, "hours to add (default from config)")
	parseFlags(fs, args)

	var l model.Lease
	callOrExit(daemon.CmdExtend, daemon.LeaseParams{TaskID: *id, Hours: *hours}, &l)
	printLease("extended", l)
}

func runClose(args []string) {
	fs := newFlagSet("close")
	id := fs.Int64("task-id", 0, "lease id (required)")
	parseFlags(fs, args)

	callOrExit(daemon.CmdClose, daemon.LeaseParams{TaskID: *id}, nil)
	fmt.Printf("task %d closed\n", *id)
}

func runSuggest(args []string) {
	fs := newFlagSet("suggest")
	badge := fs.String("badge", "", "worker badge")
	near := fs.String("near", "", "reference location code (overrides the last scan)")
	jsonOutput := fs.Bool("json", false, "print JSON")
	parseFlags(fs, args)

	var out []model.CandidateZone
	callOrExit(daemon.CmdSuggest, daemon.SuggestParams{Badge: *badge, Near: *near}, &out)
	if *jsonOutput {
		if out == nil {
			out = []model.CandidateZone{}
		}
		printJSON(out)
		return
	}
	for _, c := range out {
		mark := " "
		if c.Highlight {
			mark = "!"
		}
		fmt.Printf("%s %-24s zone=%s distance=%d\n", mark, c.Code, c.Zone, c.Distance)
	}
}

func runRecord(args []string) {
	fs := newFlagSet("record")
	badge := fs.String("badge", "", "worker badge (required)")
	placeID := fs.Int64("place-id", 0, "scanned location id")
	placeName := fs.String("place-name", "", "scanned location code")
	discrepancy := fs.Bool("discrepancy", false, "the count did not match")
	parseFlags(fs, args)

	callOrExit(daemon.CmdRecord, daemon.RecordParams{
		Badge:          *badge,
		PlaceID:        *placeID,
		PlaceName:      *placeName,
		HasDiscrepancy: *discrepancy,
	}, nil)
	fmt.Println("recorded")
}
