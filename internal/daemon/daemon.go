// Package daemon runs the merge train in the background: runs are triggered
// by a ticker, by filesystem activity in the state directory and by CLI
// requests over the control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lprior-repo/isolate-sub002/internal/events"
	"github.com/lprior-repo/isolate-sub002/internal/lock"
	"github.com/lprior-repo/isolate-sub002/internal/logging"
	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/notify"
	"github.com/lprior-repo/isolate-sub002/internal/queue"
	"github.com/lprior-repo/isolate-sub002/internal/train"
	"github.com/lprior-repo/isolate-sub002/internal/uds"
	"github.com/lprior-repo/isolate-sub002/internal/vcs"
)

// TriggerFile is touched inside the state directory to request a run.
const TriggerFile = "trigger"

// LockPath is the single-instance lock for a state directory.
func LockPath(stateDir string) string {
	return filepath.Join(stateDir, "locks", "daemon.lock")
}

func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, uds.DefaultSocketName)
}

// Daemon is the long-running train worker for one state directory.
type Daemon struct {
	stateDir string
	cfg      model.Config
	log      *logging.Logger
	logFile  io.Closer

	store   queue.Store
	trainer *Trainer
	audit   *events.AuditLogger

	fileLock *lock.FileLock
	server   *uds.Server
	sched    *scheduler

	running     atomic.Bool
	lastPending atomic.Int64
	startedAt   time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
}

// New opens the daemon log, the queue database and the VCS backend named by
// cfg.
func New(ctx context.Context, stateDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	log := logging.New(logFile, "daemon", logging.ParseLevel(cfg.Logging.Level))

	store, err := queue.OpenSQLite(ctx, model.ResolvePath(stateDir, cfg.Queue.Database))
	if err != nil {
		logFile.Close()
		return nil, err
	}
	backend, err := vcs.Open(cfg.VCS, filepath.Dir(stateDir), log.With("vcs"))
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, err
	}
	return newDaemon(stateDir, cfg, store, backend, log, logFile, notify.Send), nil
}

func newDaemon(stateDir string, cfg model.Config, store queue.Store, backend train.Backend, log *logging.Logger, closer io.Closer, n Notifier) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = logging.Discard()
	}

	server := uds.NewServer(SocketPath(stateDir), log.With("uds"))
	server.SetConnTimeout(5 * time.Minute)

	d := &Daemon{
		stateDir: stateDir,
		cfg:      cfg,
		log:      log,
		logFile:  closer,
		store:    store,
		fileLock: lock.NewFileLock(LockPath(stateDir)),
		server:   server,
		sched:    newScheduler(),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.trainer = NewTrainer(stateDir, cfg, store, backend,
		WithTrainerLogger(log),
		WithNotifier(n),
	)
	d.lastPending.Store(-1)
	return d
}

// Run holds the daemon lock and serves until ctx is cancelled or Shutdown is
// called. An entry already in its pipeline is finished before Run returns,
// bounded by daemon.shutdown_timeout_sec; claims still held after that are
// released back to pending.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.cleanup()
	if err := os.MkdirAll(filepath.Dir(LockPath(d.stateDir)), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}

	stop := context.AfterFunc(ctx, d.Shutdown)
	defer stop()

	d.startedAt = time.Now()
	d.log.Infof("daemon starting pid=%d state_dir=%s", os.Getpid(), d.stateDir)

	if err := d.openAudit(); err != nil {
		return err
	}
	if err := d.trainer.ReloadGates(); err != nil {
		return err
	}

	watcher, err := d.newWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	d.registerHandlers()

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error { return d.server.Serve(gctx) })
	g.Go(func() error { return d.tickerLoop(gctx) })
	g.Go(func() error { return d.watchLoop(gctx, watcher) })
	g.Go(func() error { return d.sched.loop(gctx, d.runTrain) })

	d.log.Infof("daemon ready socket=%s poll_interval=%s", d.server.SocketPath(), d.cfg.Daemon.PollInterval())
	d.sched.trigger("startup", nil)

	<-gctx.Done()
	d.Shutdown()
	d.log.Infof("shutdown started")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
		d.log.Infof("all loops drained")
	case <-time.After(d.cfg.Daemon.ShutdownTimeout()):
		d.log.Warnf("shutdown timeout after %s, an entry may still be in flight", d.cfg.Daemon.ShutdownTimeout())
	}

	rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if left := d.trainer.ReleaseClaims(rctx); len(left) > 0 {
		d.log.Warnf("claims not released workspaces=%v", left)
	}
	d.log.Infof("daemon stopped")
	return runErr
}

// Shutdown asks Run to stop. It is safe to call more than once and from any
// goroutine.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.cancel()
	})
}

func (d *Daemon) openAudit() error {
	if d.cfg.Events.AuditLog == "" {
		return nil
	}
	audit, err := events.NewAuditLogger(model.ResolvePath(d.stateDir, d.cfg.Events.AuditLog), d.cfg.Events.MaxLogBytes)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.EnableChecksum(true)
	audit.EnableCompression(d.cfg.Events.CompressArchives)
	audit.Attach(d.trainer.Bus(), func(err error) {
		d.log.Warnf("audit log write failed: %v", err)
	})
	d.audit = audit
	return nil
}

func (d *Daemon) runTrain(ctx context.Context, reason string) (Report, error) {
	d.running.Store(true)
	defer d.running.Store(false)

	d.log.Infof("train run triggered reason=%s", reason)
	report, err := d.trainer.Run(ctx, d.cfg.Train, reason)
	switch {
	case errors.Is(err, train.ErrLockAcquisitionFailed):
		d.log.Warnf("train run skipped: %v", err)
	case err != nil:
		d.log.Errorf("train run failed: %v", err)
	}

	if n, cerr := d.store.CountPending(context.WithoutCancel(ctx)); cerr == nil {
		d.lastPending.Store(int64(n))
	}
	return report, err
}

func (d *Daemon) tickerLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Daemon.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sched.trigger("poll", nil)
		}
	}
}

func (d *Daemon) cleanup() {
	d.Shutdown()
	if d.audit != nil {
		d.audit.Close()
	}
	d.trainer.Bus().Close()
	if d.store != nil {
		d.store.Close()
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.log.Warnf("release daemon lock: %v", err)
	}
	if d.logFile != nil {
		d.logFile.Close()
	}
}
