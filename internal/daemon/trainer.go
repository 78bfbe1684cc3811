package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lprior-repo/isolate-sub002/internal/events"
	"github.com/lprior-repo/isolate-sub002/internal/logging"
	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/quality"
	"github.com/lprior-repo/isolate-sub002/internal/queue"
	"github.com/lprior-repo/isolate-sub002/internal/train"
	atomicyaml "github.com/lprior-repo/isolate-sub002/internal/yaml"
)

// ErrRunInProgress is returned when the exclusive processing lock is held by
// another run.
var ErrRunInProgress = errors.New("another train run holds the processing lock")

// Notifier delivers a desktop notification.
type Notifier func(title, message string) error

// Trainer runs one merge train over the queue with the configured gates,
// publishes its steps and records a report. The daemon and the CLI share it.
type Trainer struct {
	stateDir string
	cfg      model.Config
	store    queue.Store
	backend  train.Backend
	bus      *events.Bus
	log      *logging.Logger
	notify   Notifier
	tracker  *claimTracker
	now      func() time.Time

	gatesMu sync.RWMutex
	engine  *quality.Engine
	loader  *quality.Loader
}

// TrainerOption customises a Trainer.
type TrainerOption func(*Trainer)

func WithBus(bus *events.Bus) TrainerOption {
	return func(t *Trainer) {
		if bus != nil {
			t.bus = bus
		}
	}
}

func WithNotifier(n Notifier) TrainerOption {
	return func(t *Trainer) { t.notify = n }
}

func WithTrainerLogger(l *logging.Logger) TrainerOption {
	return func(t *Trainer) {
		if l != nil {
			t.log = l
		}
	}
}

func NewTrainer(stateDir string, cfg model.Config, store queue.Store, backend train.Backend, opts ...TrainerOption) *Trainer {
	t := &Trainer{
		stateDir: stateDir,
		cfg:      cfg,
		store:    store,
		backend:  backend,
		bus:      events.NewBus(0),
		log:      logging.Discard(),
		tracker:  newClaimTracker(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if cfg.QualityGates.Enabled {
		t.engine = quality.NewEngine()
		t.loader = quality.NewLoader(model.ResolvePath(stateDir, cfg.QualityGates.Dir))
	}
	return t
}

func (t *Trainer) Bus() *events.Bus {
	return t.bus
}

// GatesDir is the watched gate directory, or "" when gates are disabled.
func (t *Trainer) GatesDir() string {
	if t.loader == nil {
		return ""
	}
	return t.loader.Dir()
}

// ReloadGates reads the gate directory and swaps the compiled gate set. On
// error the previous set stays active.
func (t *Trainer) ReloadGates() error {
	if t.engine == nil {
		return nil
	}
	t.gatesMu.Lock()
	defer t.gatesMu.Unlock()

	cfg, err := t.loader.Load()
	if err != nil {
		return fmt.Errorf("load quality gates: %w", err)
	}
	if err := t.engine.LoadConfiguration(cfg); err != nil {
		return fmt.Errorf("compile quality gates: %w", err)
	}
	t.log.Infof("quality gates loaded gates=%v checksum=%s", t.engine.GateIDs(quality.GateTypePreMerge), t.engine.Checksum())
	return nil
}

func (t *Trainer) gates() []train.Gate {
	if t.engine == nil {
		return nil
	}
	t.gatesMu.RLock()
	defer t.gatesMu.RUnlock()
	return quality.Gates(t.engine, t.log.With("gates"))
}

// Housekeep reclaims abandoned claims and drops old terminal entries.
func (t *Trainer) Housekeep(ctx context.Context) error {
	reclaimed, err := t.store.ReclaimStale(ctx, t.cfg.Queue.ClaimTimeout())
	if err != nil {
		return fmt.Errorf("reclaim stale claims: %w", err)
	}
	removed, err := t.store.Cleanup(ctx, t.cfg.Queue.Retention())
	if err != nil {
		return fmt.Errorf("clean up terminal entries: %w", err)
	}
	if reclaimed > 0 || removed > 0 {
		t.log.Infof("housekeeping reclaimed=%d removed=%d", reclaimed, removed)
	}
	return nil
}

// Run processes the queue once with tc. The returned report is also written
// to reports/last_run.yaml.
func (t *Trainer) Run(ctx context.Context, tc model.TrainConfig, trigger string, sinks ...train.Sink) (Report, error) {
	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		Header:    atomicyaml.NewHeader(atomicyaml.FileTypeTrainReport),
		RunID:     runID,
		Trigger:   trigger,
		DryRun:    tc.DryRun,
		StartedAt: t.now().UTC(),
	}

	if !tc.DryRun {
		if err := t.Housekeep(ctx); err != nil {
			t.log.Warnf("housekeeping failed: %v", err)
		}
	}

	if tc.Exclusive && !tc.DryRun {
		release, err := t.acquireProcessingLock(ctx, runID)
		if err != nil {
			return report, train.LockAcquisitionFailed(err)
		}
		defer release()
	}

	all := append([]train.Sink{events.StepSink(t.bus), t.tracker}, sinks...)
	p := train.New(t.store, t.backend, tc,
		train.WithGates(t.gates()...),
		train.WithSink(train.MultiSink(all...)),
		train.WithLogger(t.log.With("train")),
	)

	events.PublishRun(t.bus, runID, tc.DryRun)
	result, err := p.Process(ctx)
	if err != nil {
		report.Error = err.Error()
		t.finish(&report)
		return report, err
	}
	report.Result = result
	events.PublishResult(t.bus, runID, result)

	if t.cfg.Daemon.RestackStale && !tc.DryRun {
		n, err := t.Restack(ctx)
		if err != nil {
			t.log.Warnf("restack failed: %v", err)
		}
		report.Restacked = n
	}

	t.finish(&report)
	if result.Failed > 0 {
		t.notifyFailures(result)
	}
	return report, nil
}

func (t *Trainer) finish(r *Report) {
	r.FinishedAt = t.now().UTC()
	if err := atomicyaml.WriteState(ReportPath(t.stateDir), atomicyaml.FileTypeTrainReport, r); err != nil {
		t.log.Warnf("write run report: %v", err)
	}
}

func (t *Trainer) notifyFailures(r train.Result) {
	if !t.cfg.Notify.Enabled || t.notify == nil {
		return
	}
	msg := fmt.Sprintf("%d of %d entries failed, %d merged", r.Failed, r.TotalProcessed, r.Merged)
	if err := t.notify("isolate merge train", msg); err != nil {
		t.log.Debugf("notification failed: %v", err)
	}
}

// acquireProcessingLock takes the repository lock for this run and keeps it
// extended until the returned release function is called.
func (t *Trainer) acquireProcessingLock(ctx context.Context, runID string) (func(), error) {
	holder := runID + "/" + uuid.NewString()
	ttl := t.cfg.Queue.ClaimTimeout()

	ok, err := t.store.AcquireProcessingLock(ctx, holder, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire processing lock: %w", err)
	}
	if !ok {
		if cur, err := t.store.ProcessingLock(ctx); err == nil && cur != nil {
			return nil, fmt.Errorf("%w: holder %s until %s", ErrRunInProgress, cur.Holder, cur.ExpiresAt.Format(time.RFC3339))
		}
		return nil, ErrRunInProgress
	}

	keepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-ticker.C:
				if ok, err := t.store.ExtendProcessingLock(keepCtx, holder, ttl); err != nil || !ok {
					t.log.Warnf("extend processing lock holder=%s ok=%t: %v", holder, ok, err)
				}
			}
		}
	}()

	return func() {
		stop()
		<-done
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := t.store.ReleaseProcessingLock(rctx, holder); err != nil {
			t.log.Warnf("release processing lock: %v", err)
		}
	}, nil
}

// Restack rebases entries left in rebasing by a stale freshness check and
// requeues them with their new tested-against reference. Entries whose rebase
// fails are marked failed_retryable.
func (t *Trainer) Restack(ctx context.Context) (int, error) {
	rebasing := model.StatusRebasing
	entries, err := t.store.List(ctx, &rebasing)
	if err != nil {
		return 0, fmt.Errorf("list rebasing entries: %w", err)
	}

	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := t.restackOne(ctx, e.Workspace); err != nil {
			t.log.Warnf("restack workspace=%s: %v", e.Workspace, err)
			if ferr := t.store.FailMerge(ctx, e.Workspace, err.Error(), true); ferr != nil {
				t.log.Warnf("mark restack failure workspace=%s: %v", e.Workspace, ferr)
			}
			continue
		}
		n++
	}
	if n > 0 {
		t.log.Infof("restacked entries=%d", n)
	}
	return n, nil
}

func (t *Trainer) restackOne(ctx context.Context, workspace string) error {
	head, err := t.backend.Rebase(ctx, workspace)
	if err != nil {
		return fmt.Errorf("rebase: %w", err)
	}
	main, err := t.backend.MainRef(ctx)
	if err != nil {
		return fmt.Errorf("read main ref: %w", err)
	}
	if err := t.store.UpdateRebaseMetadata(ctx, workspace, head, main); err != nil {
		return err
	}
	return t.store.TransitionTo(ctx, workspace, model.StatusPending)
}

// ReleaseClaims hands every entry this trainer still holds in claimed back to
// pending. Entries that moved past claimed are left alone and reported.
func (t *Trainer) ReleaseClaims(ctx context.Context) []string {
	var left []string
	for _, ws := range t.tracker.Snapshot() {
		err := t.store.ReleaseClaim(ctx, ws)
		switch {
		case err == nil:
			t.log.Infof("released claim workspace=%s", ws)
			t.tracker.forget(ws)
		case errors.Is(err, model.ErrEntryNotFound):
			t.tracker.forget(ws)
		default:
			t.log.Warnf("release claim workspace=%s: %v", ws, err)
			left = append(left, ws)
		}
	}
	return left
}

// ReportPath is where the last run summary is written.
func ReportPath(stateDir string) string {
	return filepath.Join(stateDir, "reports", "last_run.yaml")
}
