package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/zonekeeper/internal/lock"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/uds"
)

const exportHeader = "mx_id;mx_code;floor;row_num;section\n"

const oneZoneExport = exportHeader +
	"1;36.02.40.140.06.01;2;40;140\n" +
	"2;36.02.40.140.06.02;2;40;140\n"

// syncBuffer is a log sink tests can read while the daemon writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// shortBase keeps the socket path under the macOS 104 byte limit.
func shortBase(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "zkd-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func writeExport(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testConfig(base string) model.Config {
	cfg := model.Config{
		Store:   model.StoreConfig{Driver: model.StoreDriverMemory},
		Catalog: model.CatalogConfig{ExportFile: filepath.Join(base, "places.csv")},
		HTTP:    model.HTTPConfig{Listen: "127.0.0.1:0"},
		Events:  model.EventsConfig{AuditLog: filepath.Join(base, "logs", "audit.jsonl")},
		Daemon:  model.DaemonConfig{ShutdownTimeoutSec: 5},
		Logging: model.LoggingConfig{Level: "debug"},
	}
	return cfg
}

type harness struct {
	d      *Daemon
	client *uds.Client
	log    *syncBuffer
}

func startDaemon(t *testing.T, base string, cfg model.Config) *harness {
	t.Helper()
	log := &syncBuffer{}
	d := newDaemon(base, cfg, log, nil)
	d.reloadDelay = 20 * time.Millisecond
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)

	client := uds.NewClient(filepath.Join(base, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	return &harness{d: d, client: client, log: log}
}

func TestDaemon_LeaseLifecycleOverSocket(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)

	require.NoError(t, h.client.Call(CmdPing, nil, nil))

	var asg model.Assignment
	require.NoError(t, h.client.Call(CmdRequest, RequestParams{Badge: "B-1"}, &asg))
	assert.Equal(t, "36.02.40.", asg.Zone.Prefix)
	assert.Len(t, asg.Zone.Locations, 2)
	assert.Equal(t, "B-1", asg.Lease.Holder)

	err := h.client.Call(CmdRequest, RequestParams{Badge: "B-2"}, nil)
	assert.ErrorIs(t, err, model.ErrAllZonesBusy)

	var leases []model.ActiveLease
	require.NoError(t, h.client.Call(CmdLeases, nil, &leases))
	require.Len(t, leases, 1)
	assert.Equal(t, asg.Lease.ID, leases[0].ID)

	var done CompleteResult
	require.NoError(t, h.client.Call(CmdComplete, CompleteParams{Badge: "B-1", Zone: "36.02.40."}, &done))
	assert.True(t, done.Completed)
	require.NoError(t, h.client.Call(CmdComplete, CompleteParams{Badge: "B-1", Zone: "36.02.40."}, &done))
	assert.False(t, done.Completed)

	err = h.client.Call(CmdComplete, CompleteParams{Badge: "B-1"}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestDaemon_AdminCommands(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)

	var l model.Lease
	require.NoError(t, h.client.Call(CmdAssign, AssignParams{Badge: "B-1", Zone: "36.02.40.", Hours: 1}, &l))
	assert.Equal(t, 1.0, l.ExpiresAt.Sub(l.AssignedAt).Hours())

	var extended model.Lease
	require.NoError(t, h.client.Call(CmdExtend, LeaseParams{TaskID: l.ID, Hours: 0.5}, &extended))
	assert.True(t, extended.ExpiresAt.Equal(l.ExpiresAt.Add(30*time.Minute)))

	require.NoError(t, h.client.Call(CmdClose, LeaseParams{TaskID: l.ID}, nil))
	assert.ErrorIs(t, h.client.Call(CmdClose, LeaseParams{TaskID: l.ID}, nil), model.ErrLeaseNotFound)
	assert.ErrorIs(t, h.client.Call(CmdExtend, LeaseParams{TaskID: l.ID}, nil), model.ErrLeaseNotFound)
}

func TestDaemon_StatusReportsDoubleActive(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)

	require.NoError(t, h.client.Call(CmdRequest, RequestParams{Badge: "B-1"}, nil))
	require.NoError(t, h.client.Call(CmdAssign, AssignParams{Badge: "B-2", Zone: "36.02.40."}, nil))

	var st Status
	require.NoError(t, h.client.Call(CmdStatus, nil, &st))
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, model.StoreDriverMemory, st.Driver)
	assert.Equal(t, 2, st.Locations)
	assert.Len(t, st.Leases, 2)
	assert.Equal(t, map[string]int{"36.02.40.": 2}, st.DoubleActive)
	assert.Contains(t, h.log.String(), "36.02.40.")
}

func TestDaemon_RecordFeedsSuggestions(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	writeExport(t, cfg.Catalog.ExportFile, exportHeader+
		"1;36.02.40.140.06.01;2;40;140\n"+
		"2;36.02.40.141.01.01;2;40;141\n"+
		"3;36.03.10.010.01.01;3;10;10\n")
	h := startDaemon(t, base, cfg)

	require.NoError(t, h.client.Call(CmdRecord, RecordParams{Badge: "B-1", PlaceID: 2}, nil))
	require.NoError(t, h.client.Call(CmdRecord, RecordParams{Badge: "B-2", PlaceName: "36.02.40.140.06.01", HasDiscrepancy: true}, nil))
	assert.ErrorIs(t, h.client.Call(CmdRecord, RecordParams{Badge: "B-1"}, nil), model.ErrInvalidInput)

	var out []model.CandidateZone
	require.NoError(t, h.client.Call(CmdSuggest, SuggestParams{Badge: "B-1"}, &out))
	require.Len(t, out, 3)
	assert.Equal(t, "36.02.40.141.01.01", out[0].Code)
	assert.Equal(t, "36.02.40.140.06.01", out[1].Code)
	assert.True(t, out[1].Highlight)
	assert.False(t, out[0].Highlight)
}

func TestDaemon_HTTPAndAuditLog(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)
	require.NotEmpty(t, h.d.HTTPAddr())

	resp, err := http.Post("http://"+h.d.HTTPAddr()+"/api/task/new", "application/json", strings.NewReader(`{"badge":"B-1"}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + h.d.HTTPAddr() + "/api/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.d.Shutdown()

	raw, err := os.ReadFile(cfg.Events.AuditLog)
	require.NoError(t, err)
	var types []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var entry struct {
			EventType string `json:"event_type"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		types = append(types, entry.EventType)
	}
	assert.Contains(t, types, "catalog_reloaded")
	assert.Contains(t, types, "lease_granted")
}

func TestDaemon_ReloadsCatalogOnWrite(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	cfg.Catalog.Watch = true
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)

	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport+"3;36.02.41.100.01.01;2;41;100\n")

	assert.Eventually(t, func() bool {
		var st Status
		return h.client.Call(CmdStatus, nil, &st) == nil && st.Locations == 3
	}, 5*time.Second, 20*time.Millisecond)

	// A broken export keeps the previous content.
	writeExport(t, cfg.Catalog.ExportFile, "no;header\n")
	assert.Eventually(t, func() bool {
		return strings.Contains(h.log.String(), "catalog reload failed")
	}, 5*time.Second, 20*time.Millisecond)
	var st Status
	require.NoError(t, h.client.Call(CmdStatus, nil, &st))
	assert.Equal(t, 3, st.Locations)
}

func TestDaemon_ReloadCommand(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)

	writeExport(t, cfg.Catalog.ExportFile, exportHeader+"9;36.05.01.001.01.01;5;1;1\n")
	var out map[string]int
	require.NoError(t, h.client.Call(CmdReload, nil, &out))
	assert.Equal(t, 1, out["locations"])
}

func TestDaemon_SQLiteBackend(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	cfg.Store = model.StoreConfig{Driver: model.StoreDriverSQLite, SQLitePath: filepath.Join(base, "zonekeeper.db")}
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)

	var asg model.Assignment
	require.NoError(t, h.client.Call(CmdRequest, RequestParams{Badge: "B-1", ZoneSize: 1}, &asg))
	assert.Equal(t, "36.02.40.", asg.Zone.Prefix)
	assert.Len(t, asg.Zone.Locations, 1)

	var st Status
	require.NoError(t, h.client.Call(CmdStatus, nil, &st))
	assert.Equal(t, model.StoreDriverSQLite, st.Driver)
}

func TestDaemon_SingleInstance(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	cfg.HTTP.Listen = ""
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)

	second := newDaemon(base, cfg, &syncBuffer{}, nil)
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
	assert.ErrorIs(t, err, lock.ErrLocked)

	// The first daemon's socket must survive the failed start.
	require.NoError(t, h.client.Call(CmdPing, nil, nil))
}

func TestDaemon_StartFailureReleasesLock(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	cfg.HTTP.Listen = ""

	d := newDaemon(base, cfg, &syncBuffer{}, nil)
	err := d.Start()
	require.Error(t, err, "export file does not exist")
	assert.Contains(t, err.Error(), "catalog export")

	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	startDaemon(t, base, cfg)
}

func TestDaemon_ShutdownCommand(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	writeExport(t, cfg.Catalog.ExportFile, oneZoneExport)
	h := startDaemon(t, base, cfg)

	require.NoError(t, h.client.Call(CmdShutdown, nil, nil))
	select {
	case <-h.d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	_, err := os.Stat(filepath.Join(base, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	h.d.Shutdown()
}

func TestDaemon_MemoryWithoutExportStartsEmpty(t *testing.T) {
	base := shortBase(t)
	cfg := testConfig(base)
	cfg.Catalog.ExportFile = ""
	cfg.HTTP.Listen = ""
	h := startDaemon(t, base, cfg)

	assert.ErrorIs(t, h.client.Call(CmdRequest, RequestParams{Badge: "B-1"}, nil), model.ErrCatalogEmpty)
	assert.ErrorIs(t, h.client.Call(CmdReload, nil, nil), model.ErrInvalidInput)
	assert.Contains(t, h.log.String(), "catalog is empty")
}
