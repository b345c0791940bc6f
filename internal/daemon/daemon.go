// Package daemon runs the taskvault dispatcher as a long-lived process:
// singleton lock, filesystem watch, periodic scans, heartbeat and control socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskvault/internal/agent"
	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/bus"
	"github.com/msageha/taskvault/internal/claim"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/notify"
	"github.com/msageha/taskvault/internal/skill"
	"github.com/msageha/taskvault/internal/uds"
	"github.com/msageha/taskvault/internal/vault"
)

// LogFileName is the daemon log inside the state dir.
const LogFileName = "daemon.log"

type Daemon struct {
	cfg      model.Config
	vault    *vault.Vault
	logLevel logging.Level
	logger   *log.Logger
	logFile  io.Closer

	fileLock   *lock.FileLock
	server     *uds.Server
	watcher    *fsnotify.Watcher
	ticker     *time.Ticker
	audit      *audit.Logger
	claims     *claim.Manager
	router     *bus.Router
	dispatcher *Dispatcher
	scans      singleflight.Group
	started    time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New opens the daemon log under the vault's state dir and wires every component.
func New(root string, cfg model.Config, inv skill.Invoker) (*Daemon, error) {
	v := vault.New(root)
	logPath := v.StatePath(LogFileName)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	d, err := newDaemon(v, cfg, inv, logFile, logFile)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(v *vault.Vault, cfg model.Config, inv skill.Invoker, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg.ApplyDefaults()
	level := logging.ParseLevel(cfg.Logging.Level)
	logger := log.New(w, "", 0)

	if err := v.EnsureLayout(); err != nil {
		return nil, err
	}

	auditLog, err := audit.New(filepath.Join(v.Dir(vault.FolderLogs), audit.LogFileName), cfg.Agent.ID, cfg.Audit.MaxSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	claims, err := claim.NewManager(v, cfg.Agent.ID, logger, level)
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	claims.SetAuditLogger(auditLog)

	if a, ok := inv.(interface{ SetAuditLogger(*audit.Logger) }); ok {
		a.SetAuditLogger(auditLog)
	}

	b := bus.New(cfg.Bus.MaxQueueSize, bus.WithLogger(logger, level))
	router := bus.NewRouter(b, agent.NewRegistry(), logger, level)
	for _, s := range agent.DefaultSpecialists(inv) {
		router.Register(s)
	}
	b.Open(cfg.Agent.ID)

	disp := NewDispatcher(cfg, v, claims, router, inv, logger, level)
	disp.SetAuditLogger(auditLog)
	if cfg.Notify.Enabled {
		disp.SetNotifier(notify.NewDesktop())
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:        cfg,
		vault:      v,
		logLevel:   level,
		logger:     logger,
		logFile:    closer,
		fileLock:   lock.NewFileLock(v.StatePath(cfg.Agent.ID + ".lock")),
		server:     uds.NewServer(v.StatePath(uds.SocketName(cfg.Agent.ID)), logger, level),
		audit:      auditLog,
		claims:     claims,
		router:     router,
		dispatcher: disp,
		ctx:        ctx,
		cancel:     cancel,
	}
	return d, nil
}

func (d *Daemon) Dispatcher() *Dispatcher { return d.dispatcher }
func (d *Daemon) Router() *bus.Router     { return d.router }

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the singleton lock and starts every background loop.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.started = time.Now()
	d.log(logging.LevelInfo, "daemon starting agent=%s role=%s mode=%s pid=%d",
		d.cfg.Agent.ID, d.cfg.Agent.Role, d.cfg.Dispatch.Mode, os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	for _, f := range []vault.Folder{vault.FolderNeedsAction, vault.FolderApproved} {
		if err := watcher.Add(d.vault.Dir(f)); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", f, err)
		}
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(logging.LevelInfo, "UDS server listening on %s", d.server.SocketPath())

	d.ticker = time.NewTicker(time.Duration(d.cfg.Watcher.ScanIntervalSec) * time.Second)
	d.heartbeat(HeartbeatRunning)

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Scan()
	}()
	d.log(logging.LevelInfo, "daemon ready")
	return nil
}

// RunOnce performs a single dispatch pass without the lock, watcher or socket.
func RunOnce(ctx context.Context, root string, cfg model.Config, inv skill.Invoker, w io.Writer) (int, error) {
	d, err := newDaemon(vault.New(root), cfg, inv, w, nil)
	if err != nil {
		return 0, err
	}
	defer d.audit.Close()

	n := d.dispatcher.PollOnce(ctx)
	n += d.dispatcher.ProcessApproved(ctx)
	return n, nil
}

// Scan runs one dispatch pass. Concurrent callers share a single pass.
func (d *Daemon) Scan() int {
	v, _, _ := d.scans.Do("scan", func() (any, error) {
		n := d.dispatcher.PollOnce(d.ctx)
		n += d.dispatcher.ProcessApproved(d.ctx)
		return n, nil
	})
	n, _ := v.(int)
	return n
}

type Stats struct {
	AgentID    string              `json:"agent_id"`
	Role       string              `json:"role"`
	Mode       string              `json:"mode"`
	PID        int                 `json:"pid"`
	UptimeSec  int                 `json:"uptime_sec"`
	Dispatcher DispatchStats       `json:"dispatcher"`
	Router     bus.RouterStats     `json:"router"`
	Claims     map[string][]string `json:"claims"`
	Socket     uds.ServerStats     `json:"socket"`
}

func (d *Daemon) Stats() Stats {
	claims, err := d.claims.ListAll()
	if err != nil {
		d.log(logging.LevelWarn, "list claims error=%v", err)
	}
	st := Stats{
		AgentID:    d.cfg.Agent.ID,
		Role:       d.cfg.Agent.Role,
		Mode:       d.cfg.Dispatch.Mode,
		PID:        os.Getpid(),
		Dispatcher: d.dispatcher.Stats(),
		Router:     d.router.Stats(),
		Claims:     claims,
		Socket:     d.server.Stats(),
	}
	if !d.started.IsZero() {
		st.UptimeSec = int(time.Since(d.started).Seconds())
	}
	return st
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "agent_id": d.cfg.Agent.ID, "pid": os.Getpid()})
	})

	d.server.Handle("scan", func(context.Context, *uds.Request) *uds.Response {
		if !d.dispatcher.Running() {
			return uds.ErrorResponse(uds.ErrCodeBusy, "daemon is shutting down")
		}
		return uds.SuccessResponse(map[string]int{"processed": d.Scan()})
	})

	d.server.Handle("stats", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Stats())
	})

	d.server.Handle("shutdown", func(context.Context, *uds.Request) *uds.Response {
		d.log(logging.LevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				d.log(logging.LevelDebug, "fsnotify event=%s file=%s", event.Op, filepath.Base(event.Name))
				d.Scan()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(logging.LevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop rescans, expires stale bus messages and refreshes the heartbeat.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(logging.LevelDebug, "periodic scan triggered")
			d.Scan()
			if n := d.router.Bus().PurgeExpired(); n > 0 {
				d.log(logging.LevelDebug, "purged expired messages=%d", n)
			}
			d.heartbeat(HeartbeatRunning)
		}
	}
}

func (d *Daemon) heartbeat(status string) {
	hb := Heartbeat{AgentID: d.cfg.Agent.ID, Timestamp: time.Now().UTC(), Status: status}
	if err := WriteHeartbeat(d.vault, hb); err != nil {
		d.log(logging.LevelWarn, "heartbeat write error=%v", err)
	}
}

// waitSignals blocks until SIGINT/SIGTERM or a UDS shutdown. A second signal
// exits immediately.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(logging.LevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log(logging.LevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
		d.Shutdown()
	}
}

// Shutdown stops intake, drains in-flight work within the configured timeout
// and releases the lock. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(logging.LevelInfo, "shutdown started")

		d.dispatcher.Stop()
		d.cancel()

		if d.ticker != nil {
			d.ticker.Stop()
		}
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(logging.LevelInfo, "all goroutines drained")
		case <-time.After(timeout):
			d.log(logging.LevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.heartbeat(HeartbeatStopped)
		d.log(logging.LevelInfo, "daemon stopped")
		d.cleanup()
	})
}

func (d *Daemon) cleanup() {
	_ = os.Remove(d.server.SocketPath())
	_ = d.fileLock.Unlock()
	_ = d.audit.Close()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level logging.Level, format string, args ...any) {
	logging.Logf(d.logger, d.logLevel, level, "daemon", format, args...)
}
