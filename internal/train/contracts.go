package train

import (
	"context"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

// Gate is a deterministic acceptance check consulted before merge. Check
// returns nil to accept the entry.
type Gate interface {
	Name() string
	Check(ctx context.Context, entry model.QueueEntry) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc struct {
	GateName string
	Fn       func(ctx context.Context, entry model.QueueEntry) error
}

func (g GateFunc) Name() string { return g.GateName }

func (g GateFunc) Check(ctx context.Context, entry model.QueueEntry) error {
	return g.Fn(ctx, entry)
}

// Backend performs the version-control work of the train. Every call may be
// slow or fail; the processor never retries them.
type Backend interface {
	Merge(ctx context.Context, workspace string) (string, error)
	HasConflicts(ctx context.Context, workspace string) (bool, error)
	MainRef(ctx context.Context) (string, error)
	Rebase(ctx context.Context, workspace string) (string, error)
}

// ConflictLister is implemented by backends that can name the conflicting
// files. The processor uses it to fill ConflictDetected errors.
type ConflictLister interface {
	ConflictFiles(ctx context.Context, workspace string) ([]string, error)
}

// Repository is the queue storage the processor drives entries through.
// TransitionTo must reject transitions outside the queue state machine with a
// *model.TransitionError, atomically with the write.
type Repository interface {
	List(ctx context.Context, status *model.QueueStatus) ([]model.QueueEntry, error)
	TransitionTo(ctx context.Context, workspace string, to model.QueueStatus) error
	IsFresh(ctx context.Context, workspace, mainRef string) (bool, error)
	ReturnToRebasing(ctx context.Context, workspace, mainRef string) error
	UpdateRebaseMetadata(ctx context.Context, workspace, headRef, testedAgainst string) error
	BeginMerge(ctx context.Context, workspace string) error
	CompleteMerge(ctx context.Context, workspace, mergedRef string) error
	FailMerge(ctx context.Context, workspace, message string, retryable bool) error
}

// Sink receives step events. Emit must not block for long and has no say in
// control flow.
type Sink interface {
	Emit(step Step)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Step)

func (f SinkFunc) Emit(step Step) { f(step) }

type discardSink struct{}

func (discardSink) Emit(Step) {}

// MultiSink fans steps out to every sink in order.
func MultiSink(sinks ...Sink) Sink {
	return SinkFunc(func(s Step) {
		for _, sink := range sinks {
			sink.Emit(s)
		}
	})
}
