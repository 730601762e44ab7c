// Package daemon runs the long-lived orchestrator: source pollers, the
// lifecycle processor, the loopback action executor, and the control
// socket, under one graceful-shutdown umbrella.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/agent"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/audit"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/dedup"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/lock"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/notify"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/processor"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/relay"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/uds"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/vault"
	"github.com/ami4u87/Autonomous-Digital-FTE/internal/watcher"
)

// Options tune one daemon run.
type Options struct {
	DryRun    bool
	LogToFile bool
	// SkipBacklog marks the current source backlog as seen at startup
	// instead of turning it into tasks.
	SkipBacklog bool
	// Sources restricts polling to the named sources; empty means all
	// configured sources.
	Sources []string
}

// Daemon is the orchestrator process.
type Daemon struct {
	vaultRoot string
	cfg       config.Config
	opts      Options
	logLevel  config.LogLevel
	logger    *log.Logger
	logFile   io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	relaySrv *relay.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	vault    *vault.Vault
	store    *dedup.Store
	auditLog *audit.Logger
	proc     *processor.Processor
	pollers  []*watcher.Poller

	scanCh chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a daemon for the vault at vaultRoot.
func New(vaultRoot string, cfg config.Config, opts Options) (*Daemon, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer
	if opts.LogToFile {
		logPath := filepath.Join(vaultRoot, "logs", "processor.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open processor log: %w", err)
		}
		w = logFile
		closer = logFile
	}
	return newDaemon(vaultRoot, cfg, opts, w, closer)
}

// newDaemon is the internal constructor for testing.
func newDaemon(vaultRoot string, cfg config.Config, opts Options, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := filepath.Join(vaultRoot, "locks", uds.DefaultSocketName)

	d := &Daemon{
		vaultRoot: vaultRoot,
		cfg:       cfg,
		opts:      opts,
		logLevel:  config.ParseLogLevel(cfg.Logging.Level),
		logger:    log.New(w, "", 0),
		logFile:   closer,
		fileLock:  lock.New(filepath.Join(vaultRoot, "locks", "processor.pid")),
		ticker:    time.NewTicker(time.Duration(cfg.Processor.ScanIntervalSec) * time.Second),
		scanCh:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.server = uds.NewServer(socketPath, uds.Handlers{
		Ping:     d.handlePing,
		Scan:     d.handleScan,
		Status:   d.handleStatus,
		Shutdown: d.handleShutdown,
	})
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("orchestrator lock: %w", err)
	}
	d.log(config.LogLevelInfo, "orchestrator starting pid=%d dry_run=%t", os.Getpid(), d.opts.DryRun)

	if err := d.initPipeline(); err != nil {
		d.cleanup()
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = fsw
	for _, s := range []vault.Stage{vault.StageIntake, vault.StageApproved, vault.StageRejected} {
		if err := fsw.Add(d.vault.Dir(s)); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", s, err)
		}
	}

	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}
	d.log(config.LogLevelInfo, "control socket listening on %s", filepath.Join(d.vaultRoot, "locks", uds.DefaultSocketName))

	d.wg.Add(3)
	go d.fsnotifyLoop()
	go d.tickerLoop()
	go d.scanLoop()

	d.wg.Add(1)
	go d.pollLoop()

	d.triggerScan()
	d.log(config.LogLevelInfo, "orchestrator ready")

	d.waitSignals()
	return nil
}

// initPipeline opens the vault and wires the processing components.
func (d *Daemon) initPipeline() error {
	v, err := vault.Open(d.vaultRoot)
	if err != nil {
		return err
	}
	if err := v.EnsureLayout(); err != nil {
		return err
	}
	d.vault = v

	store, err := dedup.Open(d.vaultRoot)
	if err != nil {
		return err
	}
	d.store = store

	auditLog, err := audit.New(filepath.Join(d.vaultRoot, "logs", "audit.jsonl"), d.cfg.Audit.MaxLogBytes)
	if err != nil {
		return err
	}
	d.auditLog = auditLog

	if !d.opts.DryRun {
		d.relaySrv = relay.NewServer(d.cfg.Executor.Port, d.logger, d.logLevel)
		if err := d.relaySrv.SetJournal(filepath.Join(d.vaultRoot, "logs", "executor_confirmations.jsonl")); err != nil {
			return fmt.Errorf("executor journal: %w", err)
		}
		if err := d.relaySrv.Start(); err != nil {
			return fmt.Errorf("start executor: %w", err)
		}
	}

	runner := agent.NewRunner(d.vaultRoot, d.cfg.Agent, d.opts.DryRun, d.logger, d.logLevel)

	var exec processor.ActionExecutor
	if !d.opts.DryRun {
		client, err := relay.NewClient(d.cfg.Executor.URL, time.Duration(d.cfg.Executor.TimeoutSec)*time.Second)
		if err != nil {
			return fmt.Errorf("executor client: %w", err)
		}
		exec = client
	}

	d.proc = processor.New(v, store, auditLog, runner, exec, d.opts.DryRun, d.logger, d.logLevel)
	if !d.opts.DryRun {
		d.proc.SetNotifier(notify.Send)
	}

	for name, src := range d.cfg.Sources {
		if !d.sourceEnabled(name) {
			continue
		}
		kind := task.Kind(src.Kind)
		spool := watcher.NewSpoolSource(d.vaultRoot, name, kind)
		if d.opts.SkipBacklog {
			if err := d.markBacklog(spool); err != nil {
				d.log(config.LogLevelWarn, "skip_backlog source=%s error=%v", name, err)
			}
		}
		d.pollers = append(d.pollers, watcher.NewPoller(spool, v, store, auditLog, src, d.logger, d.logLevel))
	}
	return nil
}

func (d *Daemon) sourceEnabled(name string) bool {
	if len(d.opts.Sources) == 0 {
		return true
	}
	for _, s := range d.opts.Sources {
		if s == name {
			return true
		}
	}
	return false
}

// markBacklog records the current backlog as seen without creating tasks.
func (d *Daemon) markBacklog(src watcher.Source) error {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	events, err := src.Fetch(ctx)
	if err != nil {
		return err
	}
	skipped := 0
	for _, ev := range events {
		if d.store.Seen(src.Name(), ev.ID) {
			continue
		}
		if err := d.store.Mark(src.Name(), ev.ID); err != nil {
			return err
		}
		skipped++
	}
	if skipped > 0 {
		d.log(config.LogLevelInfo, "backlog_skipped source=%s count=%d", src.Name(), skipped)
	}
	return nil
}

func (d *Daemon) handlePing() *uds.Response {
	return uds.SuccessResponse(map[string]string{"status": "ok"})
}

func (d *Daemon) handleScan() *uds.Response {
	d.triggerScan()
	return uds.SuccessResponse(map[string]string{"status": "scan_triggered"})
}

func (d *Daemon) handleStatus() *uds.Response {
	counts, err := d.vault.Counts()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	data := make(map[string]int, len(counts))
	for s, n := range counts {
		data[string(s)] = n
	}
	return uds.SuccessResponse(data)
}

func (d *Daemon) handleShutdown() *uds.Response {
	d.log(config.LogLevelInfo, "shutdown requested via control socket")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
}

// fsnotifyLoop debounces stage-directory events into scan triggers, so a
// reviewer dragging several documents produces one scan, not one per file.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	debounce := time.Duration(d.cfg.Processor.DebounceSec * float64(time.Second))
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-d.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				d.log(config.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(config.LogLevelError, "fsnotify error=%v", err)
		case <-timerC:
			timer = nil
			timerC = nil
			d.triggerScan()
		}
	}
}

// tickerLoop is the fallback for events fsnotify misses.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(config.LogLevelDebug, "periodic scan triggered")
			d.triggerScan()
		}
	}
}

// scanLoop serializes processor passes; triggers arriving mid-pass collapse
// into one follow-up pass.
func (d *Daemon) scanLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.scanCh:
			if err := d.proc.Scan(d.ctx); err != nil && d.ctx.Err() == nil {
				d.log(config.LogLevelError, "scan_failed error=%v", err)
			}
		}
	}
}

func (d *Daemon) triggerScan() {
	select {
	case d.scanCh <- struct{}{}:
	default:
	}
}

// pollLoop runs all source pollers until shutdown.
func (d *Daemon) pollLoop() {
	defer d.wg.Done()

	g, ctx := errgroup.WithContext(d.ctx)
	for _, p := range d.pollers {
		p := p
		g.Go(func() error {
			return p.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil && d.ctx.Err() == nil {
		d.log(config.LogLevelError, "poller_failed error=%v", err)
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(config.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(config.LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(config.LogLevelInfo, "shutdown started")

		d.cancel()

		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		timeout := time.Duration(d.cfg.Processor.ShutdownTimeoutSec) * time.Second
		select {
		case <-done:
			d.log(config.LogLevelInfo, "all goroutines drained")
		case <-time.After(timeout):
			d.log(config.LogLevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		if d.relaySrv != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.relaySrv.Stop(stopCtx); err != nil {
				d.log(config.LogLevelWarn, "executor stop error=%v", err)
			}
		}

		d.cleanup()
		d.log(config.LogLevelInfo, "orchestrator stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.vaultRoot, "locks", uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.store != nil {
		d.store.Close()
	}
	if d.auditLog != nil {
		d.auditLog.Close()
	}
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level config.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s orchestrator: %s", time.Now().Format(time.RFC3339), level, msg)
}
