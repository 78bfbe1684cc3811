// Package train implements the merge train: pending queue entries are claimed
// one at a time in priority order, verified, checked for conflicts and
// freshness, and merged into mainline.
package train

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lprior-repo/isolate-sub002/internal/logging"
	"github.com/lprior-repo/isolate-sub002/internal/model"
)

// bookkeepingTimeout bounds repository writes that must happen even after the
// entry deadline or the run context has expired.
const bookkeepingTimeout = 30 * time.Second

type Option func(*Processor)

// WithGates sets the ordered gate list. All must pass.
func WithGates(gates ...Gate) Option {
	return func(p *Processor) { p.gates = append(p.gates, gates...) }
}

func WithSink(s Sink) Option {
	return func(p *Processor) {
		if s != nil {
			p.sink = s
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// Processor runs merge trains. It holds no per-run state and may be reused.
type Processor struct {
	repo    Repository
	backend Backend
	lister  ConflictLister
	gates   []Gate
	cfg     model.TrainConfig
	sink    Sink
	log     *logging.Logger
	now     func() time.Time
}

func New(repo Repository, backend Backend, cfg model.TrainConfig, opts ...Option) *Processor {
	p := &Processor{
		repo:    repo,
		backend: backend,
		cfg:     cfg,
		sink:    discardSink{},
		log:     logging.Discard(),
		now:     time.Now,
	}
	p.lister, _ = backend.(ConflictLister)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Config() model.TrainConfig {
	return p.cfg
}

// Process runs one train over every pending entry. It fails only when the
// pending entries cannot be listed; per-entry failures are recorded in the
// result. Cancelling ctx stops the run before the next entry is claimed, but
// an entry already in its pipeline is driven to completion.
func (p *Processor) Process(ctx context.Context) (Result, error) {
	start := p.now()

	pending := model.StatusPending
	listed, err := p.repo.List(ctx, &pending)
	if err != nil {
		return Result{}, RepositoryError("list pending entries", err)
	}
	entries := SortByPriority(FilterProcessable(listed))
	p.log.Infof("train run starting entries=%d dry_run=%t", len(entries), p.cfg.DryRun)

	var result Result
	for i, entry := range entries {
		position := i + 1
		if err := ctx.Err(); err != nil {
			p.log.Warnf("train run interrupted before position=%d: %v", position, err)
			break
		}

		result = result.AddEntry(p.processEntry(ctx, entry, position))

		if reason, stop := p.shouldStop(result); stop {
			p.log.Warnf("train run stopping early after position=%d reason=%q remaining=%d", position, reason, len(entries)-position)
			break
		}
	}

	result = result.WithDuration(p.now().Sub(start))
	p.log.Infof("train run finished processed=%d merged=%d failed=%d skipped=%d duration=%s",
		result.TotalProcessed, result.Merged, result.Failed, result.Skipped, result.Duration)
	return result, nil
}

func (p *Processor) shouldStop(r Result) (string, bool) {
	if p.cfg.StopOnFailure && r.Failed > 0 {
		return "stop on failure", true
	}
	if max := p.cfg.MaxConsecutiveFailures; max > 0 {
		if n := r.ConsecutiveFailures(); n >= max {
			return fmt.Sprintf("%d consecutive failures", n), true
		}
	}
	return "", false
}

func (p *Processor) processEntry(ctx context.Context, entry model.QueueEntry, position int) EntryResult {
	start := p.now()
	run := &entryRun{
		p:        p,
		base:     ctx,
		entry:    entry,
		position: position,
		status:   entry.Status,
	}

	ectx, cancel := p.entryContext(ctx)
	defer cancel()

	out, err := run.pipeline(ectx)
	if err != nil {
		out = run.classify(ectx, err)
	}
	final := run.finalize(out)

	er := EntryResult{
		Workspace:   entry.Workspace,
		Position:    position,
		Result:      out.kind,
		FinalStatus: final,
		Duration:    p.now().Sub(start),
		cause:       out.err,
	}
	switch {
	case out.err != nil:
		er.Error = out.err.Error()
	case out.message != "":
		er.Error = out.message
	}

	level := logging.LevelInfo
	if out.kind.IsFailure() {
		level = logging.LevelWarn
	}
	p.log.Logf(level, "entry processed workspace=%s position=%d result=%s final_status=%s duration=%s",
		entry.Workspace, position, er.Result, er.FinalStatus, er.Duration)
	return er
}

// entryContext detaches the entry from run cancellation and applies the
// per-entry deadline.
func (p *Processor) entryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if d := p.cfg.EntryTimeout(); d > 0 {
		return context.WithTimeout(detached, d)
	}
	return context.WithCancel(detached)
}

type outcome struct {
	kind    ResultKind
	final   model.QueueStatus
	err     error
	message string
}

// entryRun drives one entry through the pipeline. status is the last status
// this run knows to be persisted.
type entryRun struct {
	p        *Processor
	base     context.Context
	entry    model.QueueEntry
	position int
	status   model.QueueStatus
}

func (r *entryRun) pipeline(ctx context.Context) (outcome, error) {
	steps := []func(context.Context) (*outcome, error){
		r.claim,
		r.rebase,
		r.test,
		r.checkConflicts,
		r.checkFreshness,
		r.advance,
		r.merge,
	}
	for _, step := range steps {
		out, err := step(ctx)
		if err != nil {
			return outcome{}, err
		}
		if out != nil {
			return *out, nil
		}
	}
	return outcome{}, errors.New("pipeline ended without an outcome")
}

func (r *entryRun) claim(ctx context.Context) (*outcome, error) {
	start := r.begin(StepClaim, "")
	err := r.p.repo.TransitionTo(ctx, r.entry.Workspace, model.StatusClaimed)
	if err == nil {
		r.status = model.StatusClaimed
		r.end(StepClaim, StepCompleted, "", start)
		return nil, nil
	}

	var te *model.TransitionError
	switch {
	case errors.As(err, &te):
		r.status = te.From
	case errors.Is(err, model.ErrEntryNotFound):
	default:
		r.end(StepClaim, StepFailed, err.Error(), start)
		return nil, RepositoryError("claim entry", err)
	}

	msg := fmt.Sprintf("entry is no longer pending (status %s), claimed elsewhere", r.status)
	r.end(StepClaim, StepSkipped, msg, start)
	return &outcome{kind: ResultSkipped, final: r.status, message: msg}, nil
}

func (r *entryRun) rebase(ctx context.Context) (*outcome, error) {
	if err := r.transition(ctx, model.StatusRebasing); err != nil {
		return nil, err
	}
	switch {
	case r.p.cfg.DryRun:
		r.p.sink.Emit(r.step(StepRebase, StepSkipped, "skipped (dry run)", nil))
		return nil, r.transition(ctx, model.StatusTesting)
	case !r.p.cfg.RebaseBeforeTest:
		r.p.sink.Emit(r.step(StepRebase, StepSkipped, "rebase disabled", nil))
		return nil, r.transition(ctx, model.StatusTesting)
	}

	start := r.begin(StepRebase, "")
	head, err := r.p.backend.Rebase(ctx, r.entry.Workspace)
	if err == nil {
		var main string
		main, err = r.p.backend.MainRef(ctx)
		if err == nil {
			if rerr := r.p.repo.UpdateRebaseMetadata(ctx, r.entry.Workspace, head, main); rerr != nil {
				r.end(StepRebase, StepFailed, rerr.Error(), start)
				return nil, RepositoryError("record rebase metadata", rerr)
			}
			// gates see the rebased entry
			r.entry.HeadSHA = model.StringPtr(head)
			r.entry.TestedAgainstSHA = model.StringPtr(main)
			r.entry.RebaseCount++
			r.end(StepRebase, StepCompleted, "rebased onto "+main, start)
			return nil, r.transition(ctx, model.StatusTesting)
		}
	}

	err = asTimeout(ctx, r.p.cfg.EntryTimeoutSecs, err)
	fail := EntryFailed(r.entry.Workspace, "rebase failed", err)
	r.end(StepRebase, StepFailed, fail.Error(), start)
	return &outcome{kind: ResultFailedRetryable, final: model.StatusFailedRetryable, err: fail}, nil
}

func (r *entryRun) test(ctx context.Context) (*outcome, error) {
	start := r.begin(StepTest, fmt.Sprintf("%d gate(s)", len(r.p.gates)))
	current := r.current()
	for _, g := range r.p.gates {
		if err := g.Check(ctx, current); err != nil {
			gerr := gateError(r.entry.Workspace, g.Name(), asTimeout(ctx, r.p.cfg.EntryTimeoutSecs, err))
			r.end(StepTest, StepFailed, gerr.Error(), start)
			return &outcome{kind: ResultTestsFailed, final: model.StatusFailedRetryable, err: gerr}, nil
		}
	}
	r.end(StepTest, StepCompleted, "all gates passed", start)
	return nil, nil
}

func gateError(workspace, gate string, err error) error {
	if errors.Is(err, ErrQualityGateFailed) {
		return err
	}
	return QualityGateFailed(workspace, gate, err)
}

func (r *entryRun) checkConflicts(ctx context.Context) (*outcome, error) {
	start := r.begin(StepConflictCheck, "")
	conflicts, err := r.p.backend.HasConflicts(ctx, r.entry.Workspace)
	if err != nil {
		fail := EntryFailed(r.entry.Workspace, "conflict check failed", asTimeout(ctx, r.p.cfg.EntryTimeoutSecs, err))
		r.end(StepConflictCheck, StepFailed, fail.Error(), start)
		return &outcome{kind: ResultFailedRetryable, final: model.StatusFailedRetryable, err: fail}, nil
	}
	if conflicts {
		cerr := ConflictDetected(r.entry.Workspace, r.conflictFiles(ctx))
		r.end(StepConflictCheck, StepFailed, cerr.Error(), start)
		return &outcome{kind: ResultConflicts, final: model.StatusFailedRetryable, err: cerr}, nil
	}
	r.end(StepConflictCheck, StepCompleted, "no conflicts", start)
	return nil, nil
}

// conflictFiles names the conflicting files when the backend can. A failure
// only loses detail, the entry already has conflicts.
func (r *entryRun) conflictFiles(ctx context.Context) []string {
	if r.p.lister == nil {
		return nil
	}
	files, err := r.p.lister.ConflictFiles(ctx, r.entry.Workspace)
	if err != nil {
		r.p.log.Warnf("list conflict files workspace=%s: %v", r.entry.Workspace, err)
		return nil
	}
	return files
}

func (r *entryRun) checkFreshness(ctx context.Context) (*outcome, error) {
	start := r.begin(StepFreshnessCheck, "")
	main, err := r.p.backend.MainRef(ctx)
	if err != nil {
		r.end(StepFreshnessCheck, StepFailed, err.Error(), start)
		return nil, EntryFailed(r.entry.Workspace, "read mainline reference", err)
	}
	fresh, err := r.p.repo.IsFresh(ctx, r.entry.Workspace, main)
	if err != nil {
		r.end(StepFreshnessCheck, StepFailed, err.Error(), start)
		return nil, RepositoryError("check freshness", err)
	}
	if fresh {
		r.end(StepFreshnessCheck, StepCompleted, "entry is fresh", start)
		return nil, nil
	}

	msg := "entry is stale, needs rebase onto " + main
	if err := r.p.repo.ReturnToRebasing(ctx, r.entry.Workspace, main); err != nil {
		// finalize retries with a plain transition
		r.p.log.Warnf("return to rebasing failed workspace=%s: %v", r.entry.Workspace, err)
	} else {
		r.status = model.StatusRebasing
	}
	r.end(StepFreshnessCheck, StepFailed, msg, start)
	return &outcome{kind: ResultStale, final: model.StatusRebasing, message: msg}, nil
}

func (r *entryRun) advance(ctx context.Context) (*outcome, error) {
	return nil, r.transition(ctx, model.StatusReadyToMerge)
}

func (r *entryRun) merge(ctx context.Context) (*outcome, error) {
	if r.p.cfg.DryRun {
		r.p.sink.Emit(r.step(StepMerge, StepSkipped, "skipped (dry run)", nil))
		return &outcome{kind: ResultSkipped, final: model.StatusReadyToMerge, message: "dry run - merge skipped"}, nil
	}

	start := r.begin(StepMerge, "")
	if err := r.p.repo.BeginMerge(ctx, r.entry.Workspace); err != nil {
		r.end(StepMerge, StepFailed, err.Error(), start)
		return nil, RepositoryError("begin merge", err)
	}
	r.status = model.StatusMerging

	ref, err := r.p.backend.Merge(ctx, r.entry.Workspace)

	// Mainline may already have moved; record the outcome even past the deadline.
	bctx, cancel := r.bookkeeping()
	defer cancel()

	if err != nil {
		fail := EntryFailed(r.entry.Workspace, "merge failed", asTimeout(ctx, r.p.cfg.EntryTimeoutSecs, err))
		r.end(StepMerge, StepFailed, fail.Error(), start)
		if ferr := r.p.repo.FailMerge(bctx, r.entry.Workspace, fail.Error(), true); ferr != nil {
			return nil, RepositoryError("record merge failure", ferr)
		}
		r.status = model.StatusFailedRetryable
		return &outcome{kind: ResultFailedRetryable, final: model.StatusFailedRetryable, err: fail}, nil
	}

	if err := r.p.repo.CompleteMerge(bctx, r.entry.Workspace, ref); err != nil {
		r.end(StepMerge, StepFailed, err.Error(), start)
		return nil, RepositoryError("complete merge", err)
	}
	r.status = model.StatusMerged
	r.end(StepMerge, StepCompleted, "merged as "+ref, start)
	return &outcome{kind: ResultMerged, final: model.StatusMerged}, nil
}

// classify turns an operational error into the entry outcome.
func (r *entryRun) classify(ctx context.Context, err error) outcome {
	err = asTimeout(ctx, r.p.cfg.EntryTimeoutSecs, err)

	var te *model.TransitionError
	if errors.As(err, &te) {
		if te.From == model.StatusCancelled {
			r.status = model.StatusCancelled
			return outcome{
				kind:  ResultCancelled,
				final: model.StatusCancelled,
				err:   EntryFailed(r.entry.Workspace, "cancelled while processing", err),
			}
		}
		if !errors.Is(err, ErrRepository) {
			err = InvalidTransition(te)
		}
	}
	r.p.log.Errorf("entry failed workspace=%s position=%d: %v", r.entry.Workspace, r.position, err)
	return outcome{kind: ResultFailedTerminal, final: model.StatusFailedTerminal, err: err}
}

// finalize persists out.final when the pipeline did not already, and returns
// the status the entry is known to be in.
func (r *entryRun) finalize(out outcome) model.QueueStatus {
	if r.status == out.final {
		r.p.sink.Emit(r.step(StepCleanup, StepSkipped, "status already "+string(out.final), nil))
		return out.final
	}

	start := r.begin(StepCleanup, "")
	ctx, cancel := r.bookkeeping()
	defer cancel()

	var err error
	if out.final == model.StatusFailedRetryable || out.final == model.StatusFailedTerminal {
		msg := out.message
		if out.err != nil {
			msg = out.err.Error()
		}
		err = r.p.repo.FailMerge(ctx, r.entry.Workspace, msg, out.final == model.StatusFailedRetryable)
	} else {
		err = r.p.repo.TransitionTo(ctx, r.entry.Workspace, out.final)
	}
	if err != nil {
		r.p.log.Warnf("persist final status failed workspace=%s from=%s to=%s: %v", r.entry.Workspace, r.status, out.final, err)
		r.end(StepCleanup, StepFailed, err.Error(), start)
		return r.status
	}
	r.status = out.final
	r.end(StepCleanup, StepCompleted, "final status "+string(out.final), start)
	return out.final
}

func (r *entryRun) bookkeeping() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.base), bookkeepingTimeout)
}

func (r *entryRun) transition(ctx context.Context, to model.QueueStatus) error {
	if err := r.p.repo.TransitionTo(ctx, r.entry.Workspace, to); err != nil {
		return RepositoryError(fmt.Sprintf("transition to %s", to), err)
	}
	r.status = to
	return nil
}

func (r *entryRun) current() model.QueueEntry {
	e := r.entry
	e.Status = r.status
	return e
}

func (r *entryRun) step(kind StepKind, status StepStatus, msg string, d *time.Duration) Step {
	return Step{
		Kind:      kind,
		Status:    status,
		Workspace: r.entry.Workspace,
		Position:  r.position,
		Message:   msg,
		Duration:  d,
	}
}

func (r *entryRun) begin(kind StepKind, msg string) time.Time {
	r.p.log.Debugf("step started step=%s workspace=%s position=%d", kind, r.entry.Workspace, r.position)
	r.p.sink.Emit(r.step(kind, StepStarted, msg, nil))
	return r.p.now()
}

func (r *entryRun) end(kind StepKind, status StepStatus, msg string, start time.Time) {
	d := r.p.now().Sub(start)
	r.p.log.Debugf("step %s step=%s workspace=%s position=%d duration=%s", status, kind, r.entry.Workspace, r.position, d)
	r.p.sink.Emit(r.step(kind, status, msg, &d))
}
