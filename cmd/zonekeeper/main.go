package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/msageha/zonekeeper/internal/daemon"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/setup"
	"github.com/msageha/zonekeeper/internal/status"
	"github.com/msageha/zonekeeper/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "daemon":
		runDaemon(args)
	case "setup":
		runSetup(args)
	case "status":
		runStatus(args)
	case "request":
		runRequest(args)
	case "complete":
		runComplete(args)
	case "leases":
		runLeases(args)
	case "assign":
		runAssign(args)
	case "extend":
		runExtend(args)
	case "close":
		runClose(args)
	case "suggest":
		runSuggest(args)
	case "record":
		runRecord(args)
	case "catalog":
		runCatalog(args)
	case "audit":
		runAudit(args)
	case "shutdown":
		runShutdown(args)
	case "version":
		fmt.Printf("zonekeeper %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `zonekeeper: zone leasing for warehouse inventory counts

Usage: zonekeeper <command> [options]

Server:
  setup [dir] [--driver memory|sqlite|postgres]   create .zonekeeper/ with a default config
  daemon                                           run the daemon in the foreground
  status [--json]                                  show daemon status and active leases
  shutdown                                         stop a running daemon

Workers:
  request  --badge B [--zone-size N]               lease a free zone
  complete --badge B --zone Z                      complete a leased zone
  suggest  --badge B [--near CODE]                 recommend nearby locations
  record   --badge B (--place-id N | --place-name CODE) [--discrepancy]

Admin:
  leases                                           list active leases
  assign   --badge B --zone Z [--hours H]          lease a zone without occupancy check
  extend   --task-id N [--hours H]                 extend a live lease
  close    --task-id N                             close a live lease

Catalog and audit:
  catalog import <file> [--encoding cp1251]        load an export into the configured store
  catalog reload                                   make the daemon re-read catalog.export_file
  audit verify [file]                              check audit log checksums

  version
`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// parseFlags parses args with pflag, printing usage on --help.
func parseFlags(fs *pflag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fatalf("%s: %v", fs.Name(), err)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: zonekeeper %s [options]\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func findBase() string {
	base, err := setup.FindBase(".")
	if err != nil {
		fatalf("error: %v", err)
	}
	return base
}

func loadConfig(base string) model.Config {
	cfg, err := setup.LoadConfig(base)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

func newClient() *uds.Client {
	return uds.NewClient(filepath.Join(findBase(), uds.DefaultSocketName))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode output: %v", err)
	}
}

func runDaemon(args []string) {
	fs := newFlagSet("daemon")
	parseFlags(fs, args)

	base := findBase()
	cfg := loadConfig(base)

	d, err := daemon.New(base, cfg)
	if err != nil {
		fatalf("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatalf("daemon: %v", err)
	}
}

func runSetup(args []string) {
	fs := newFlagSet("setup")
	driver := fs.String("driver", "", "store driver: memory, sqlite (default) or postgres")
	parseFlags(fs, args)

	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	base, err := setup.Run(dir, model.StoreDriver(*driver))
	if err != nil {
		fatalf("setup: %v", err)
	}
	fmt.Printf("Initialized %s\n", base)
}

func runStatus(args []string) {
	fs := newFlagSet("status")
	jsonOutput := fs.Bool("json", false, "print JSON")
	parseFlags(fs, args)

	if err := status.Run(findBase(), *jsonOutput, os.Stdout); err != nil {
		fatalf("status: %v", err)
	}
}

func runShutdown(args []string) {
	fs := newFlagSet("shutdown")
	parseFlags(fs, args)

	if err := newClient().Call(daemon.CmdShutdown, nil, nil); err != nil {
		fatalf("shutdown: %v", err)
	}
	fmt.Println("shutdown accepted")
}
