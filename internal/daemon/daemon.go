// Package daemon runs the long-lived zonekeeper process: it owns the store
// handles, serves the local control socket and the HTTP API, and runs the
// background sweeper and catalog watcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/zonekeeper/internal/clock"
	"github.com/msageha/zonekeeper/internal/dispatch"
	"github.com/msageha/zonekeeper/internal/events"
	"github.com/msageha/zonekeeper/internal/httpapi"
	"github.com/msageha/zonekeeper/internal/lock"
	"github.com/msageha/zonekeeper/internal/logging"
	"github.com/msageha/zonekeeper/internal/metrics"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/uds"
)

// defaultReloadDelay coalesces the burst of write events an export produces.
const defaultReloadDelay = 500 * time.Millisecond

// Daemon is the main zonekeeper daemon process.
type Daemon struct {
	baseDir string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer
	clock   clock.Clock

	fileLock *lock.FileLock
	server   *uds.Server
	http     *http.Server
	httpAddr string
	watcher  *fsnotify.Watcher

	backend *backend
	bus     *events.Bus
	metrics *metrics.Metrics
	audit   *events.AuditLogger
	kafka   *events.KafkaPublisher
	svc     *dispatch.Service

	reloadDelay time.Duration
	startedAt   time.Time
	reloadMu    sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New creates a Daemon logging to <baseDir>/logs/daemon.log.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(baseDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(baseDir, cfg, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")

	return &Daemon{
		baseDir:     baseDir,
		config:      cfg,
		logger:      logger,
		logFile:     closer,
		clock:       clock.Real(),
		fileLock:    lock.NewFileLock(filepath.Join(baseDir, "locks", "daemon.lock")),
		server:      uds.NewServer(filepath.Join(baseDir, uds.DefaultSocketName), logger.With("uds")),
		metrics:     metrics.New(),
		reloadDelay: defaultReloadDelay,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Run starts the daemon and blocks until a signal or a shutdown command
// stops it.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up without blocking. On error everything
// already started is torn down again.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Join(d.baseDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = d.clock.Now()
	d.logger.Infof("daemon starting pid=%d driver=%s", os.Getpid(), d.driver())

	if err := d.startComponents(); err != nil {
		d.stopComponents()
		d.cleanup()
		return err
	}
	d.logger.Infof("daemon ready")
	return nil
}

func (d *Daemon) startComponents() error {
	bufSize := d.config.Events.BufferSize
	d.bus = events.NewBus(bufSize, d.logger.With("events"))
	if err := d.startEventSinks(); err != nil {
		return err
	}

	b, err := openBackend(d.ctx, d.config, d.logger)
	if err != nil {
		return err
	}
	d.backend = b

	if err := d.reloadCatalog(d.ctx); err != nil {
		return err
	}

	d.svc = dispatch.NewService(dispatch.Deps{
		Store:   b.store,
		Catalog: b.catalog,
		Clock:   d.clock,
		Logger:  d.logger.With("dispatch"),
		Metrics: d.metrics,
		Bus:     d.bus,
	}, d.config, b.history)

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", filepath.Join(d.baseDir, uds.DefaultSocketName))

	if err := d.startHTTP(); err != nil {
		return err
	}
	if err := d.startWatcher(); err != nil {
		return err
	}

	if interval := d.config.Leasing.SweepInterval(); interval > 0 {
		d.wg.Add(1)
		go d.sweepLoop(interval)
	}
	return nil
}

func (d *Daemon) startEventSinks() error {
	if path := d.config.Events.AuditLog; path != "" {
		audit, err := events.NewAuditLogger(path, 0)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		audit.EnableChecksum(true)
		audit.Attach(d.bus, func(err error) { d.logger.Errorf("audit write failed: %v", err) })
		d.audit = audit
	}
	if brokers := d.config.Events.KafkaBrokers; len(brokers) > 0 {
		w := events.NewKafkaWriter(brokers, d.config.Events.KafkaTopic)
		d.kafka = events.NewKafkaPublisher(w, d.logger.With("kafka"))
		d.kafka.Attach(d.bus)
		d.logger.Infof("publishing lease events to kafka topic=%s brokers=%v", d.config.Events.KafkaTopic, brokers)
	}
	return nil
}

func (d *Daemon) startHTTP() error {
	addr := d.config.HTTP.Listen
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", addr, err)
	}
	api := httpapi.New(d.svc, d.metrics, d.logger.With("http"))
	d.http = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.httpAddr = ln.Addr().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Errorf("http server: %v", err)
		}
	}()
	d.logger.Infof("HTTP API listening on %s", d.httpAddr)
	return nil
}

// HTTPAddr is the bound HTTP address, empty when the API is disabled.
func (d *Daemon) HTTPAddr() string { return d.httpAddr }

// Done is closed once shutdown has completed.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// sweepLoop expires stale leases at a fixed interval and refreshes the lease
// gauges.
func (d *Daemon) sweepLoop(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.svc.Sweep(d.ctx); err != nil {
				d.logger.Errorf("sweep failed: %v", err)
				continue
			}
			if _, err := d.svc.ListActiveLeases(d.ctx, time.Time{}); err != nil {
				d.logger.Errorf("lease snapshot failed: %v", err)
			}
		}
	}
}

// waitSignals blocks until a shutdown signal arrives or shutdown was
// requested over the socket.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.done:
		return
	}

	// Second signal forces exit.
	go func() {
		select {
		case <-sigCh:
			d.logger.Warnf("received second signal, forcing exit")
			os.Exit(1)
		case <-d.done:
		}
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		d.stopComponents()
		d.cleanup()
		d.logger.Infof("daemon stopped")
		if d.logFile != nil {
			_ = d.logFile.Close()
		}
		close(d.done)
	})
}

func (d *Daemon) stopComponents() {
	timeout := d.config.Daemon.ShutdownTimeout()

	d.cancel()

	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := d.http.Shutdown(ctx); err != nil {
			d.logger.Warnf("http shutdown: %v", err)
		}
		cancel()
	}
	_ = d.server.Stop()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		d.logger.Infof("all goroutines drained")
	case <-time.After(timeout):
		d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
	}

	// The bus goes last so the final events reach the sinks.
	if d.bus != nil {
		d.bus.Close()
		if dropped := d.bus.Dropped(); dropped > 0 {
			d.logger.Warnf("events dropped during run: %d", dropped)
		}
	}
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			d.logger.Warnf("close kafka writer: %v", err)
		}
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.backend != nil {
		d.backend.close()
	}
}

// cleanup releases the socket and the daemon lock.
func (d *Daemon) cleanup() {
	_ = os.Remove(filepath.Join(d.baseDir, uds.DefaultSocketName))
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warnf("release daemon lock: %v", err)
	}
}

func (d *Daemon) driver() model.StoreDriver {
	if d.config.Store.Driver == "" {
		return model.StoreDriverMemory
	}
	return d.config.Store.Driver
}
