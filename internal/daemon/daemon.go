// Package daemon runs the background watcher: it observes the session state
// directory and periodically sweeps overdue barrier groups so a crashed or
// hung worker can never park a pipeline forever.
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

	"github.com/ryu111/stagehand/internal/engine"
	"github.com/ryu111/stagehand/internal/lock"
	"github.com/ryu111/stagehand/internal/model"
	"github.com/ryu111/stagehand/internal/store"
)

// Daemon is the stagehand watcher process. A PID flock makes it a singleton
// per state directory.
type Daemon struct {
	stateDir string
	config   model.Config
	logger   *log.Logger
	logFile  io.Closer
	logLevel engine.LogLevel

	pidLock *lock.PIDLock
	eng     *engine.Engine
	files   *store.FileStore
	watcher *fsnotify.Watcher
	ticker  *time.Ticker

	debounce time.Duration
	pending  map[string]*time.Timer
	mu       sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a watcher over stateDir, logging to logs/watcher.log under it.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "watcher.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open watcher log: %w", err)
	}
	return newDaemon(stateDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(stateDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := cfg.Watcher.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 30
	}
	debounce := time.Duration(cfg.Watcher.DebounceSec * float64(time.Second))
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	logger := log.New(w, "", 0)
	return &Daemon{
		stateDir: stateDir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		logLevel: engine.ParseLogLevel(cfg.Logging.Level),
		pidLock:  lock.NewPIDLock(filepath.Join(stateDir, "locks", "watcher.lock")),
		eng:      engine.New(stateDir, cfg, logger),
		files:    store.NewFileStore(stateDir),
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		debounce: debounce,
		pending:  map[string]*time.Timer{},
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run starts the watcher and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Dir(d.pidLock.Path()), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.pidLock.TryLock(); err != nil {
		return fmt.Errorf("watcher lock: %w", err)
	}
	d.log(engine.LogLevelInfo, "watcher starting pid=%d dir=%s", os.Getpid(), d.stateDir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.pidLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	sessionsDir := filepath.Join(d.stateDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure sessions dir: %w", err)
	}
	if err := watcher.Add(sessionsDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", sessionsDir, err)
	}

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.sweepAll()
	d.log(engine.LogLevelInfo, "watcher ready")

	d.waitSignals()
	return nil
}

// fsnotifyLoop schedules a debounced sweep for each session whose state file
// changes. Bursts of writes for the same session collapse into one sweep.
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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				id := sessionIDFromPath(event.Name)
				if id == "" {
					continue
				}
				d.log(engine.LogLevelDebug, "fsnotify event=%s session=%s", event.Op, id)
				d.scheduleSweep(id)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(engine.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop runs the full periodic sweep. This is the safety net for
// sessions whose state files stopped changing exactly because a worker died.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(engine.LogLevelDebug, "periodic sweep triggered")
			d.sweepAll()
		}
	}
}

func (d *Daemon) scheduleSweep(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.pending[sessionID]; ok {
		t.Stop()
	}
	d.pending[sessionID] = time.AfterFunc(d.debounce, func() {
		d.mu.Lock()
		delete(d.pending, sessionID)
		d.mu.Unlock()
		if d.ctx.Err() != nil {
			return
		}
		d.sweepSession(sessionID)
	})
}

func (d *Daemon) sweepAll() {
	ids, err := d.files.SessionIDs()
	if err != nil {
		d.log(engine.LogLevelError, "list sessions: %v", err)
		return
	}
	for _, id := range ids {
		if d.ctx.Err() != nil {
			return
		}
		d.sweepSession(id)
	}
}

func (d *Daemon) sweepSession(sessionID string) {
	st, err := d.files.Read(sessionID)
	if err != nil {
		d.log(engine.LogLevelError, "read session %s: %v", sessionID, err)
		return
	}
	if st == nil || !st.PipelineActive {
		return
	}

	swept, err := d.eng.SweepBarriers(sessionID)
	if err != nil {
		d.log(engine.LogLevelError, "sweep session %s: %v", sessionID, err)
		return
	}
	for _, sg := range swept {
		d.log(engine.LogLevelWarn, "sweep session=%s group=%s timed_out=%v",
			sessionID, sg.Group, sg.TimedOutStages)
	}
}

// waitSignals blocks until a shutdown signal is received. A second signal
// forces exit.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(engine.LogLevelInfo, "received signal=%s, shutting down", sig)

	go func() {
		<-sigCh
		d.log(engine.LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}

		d.mu.Lock()
		for id, t := range d.pending {
			t.Stop()
			delete(d.pending, id)
		}
		d.mu.Unlock()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			d.log(engine.LogLevelWarn, "shutdown timeout, some sweeps may be incomplete")
		}

		d.cleanup()
		d.log(engine.LogLevelInfo, "watcher stopped")
	})
}

func (d *Daemon) cleanup() {
	d.pidLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level engine.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case engine.LogLevelDebug:
		levelStr = "DEBUG"
	case engine.LogLevelWarn:
		levelStr = "WARN"
	case engine.LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s watcher: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

// sessionIDFromPath extracts the session id from a sessions/<id>.json path.
// Temp files from in-flight atomic writes are ignored.
func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return ""
	}
	return strings.TrimSuffix(base, ".json")
}
