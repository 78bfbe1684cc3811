// Package queue stores merge queue entries. SQLite is the production store;
// Memory has the same semantics and backs tests and dry runs.
package queue

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zeebo/blake3"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

var (
	// ErrRetryExhausted is returned by Retry when the entry used its attempts.
	ErrRetryExhausted = errors.New("retry budget exhausted")
	// ErrEntryBusy is returned when an operation needs an idle entry but a
	// processor currently owns it.
	ErrEntryBusy = errors.New("entry is being processed")
)

// Store is the full queue surface used by the daemon and the CLI. The subset
// the merge train drives is satisfied structurally by both implementations.
type Store interface {
	List(ctx context.Context, status *model.QueueStatus) ([]model.QueueEntry, error)
	TransitionTo(ctx context.Context, workspace string, to model.QueueStatus) error
	IsFresh(ctx context.Context, workspace, mainRef string) (bool, error)
	ReturnToRebasing(ctx context.Context, workspace, mainRef string) error
	UpdateRebaseMetadata(ctx context.Context, workspace, headRef, testedAgainst string) error
	BeginMerge(ctx context.Context, workspace string) error
	CompleteMerge(ctx context.Context, workspace, mergedRef string) error
	FailMerge(ctx context.Context, workspace, message string, retryable bool) error

	Add(ctx context.Context, req AddRequest) (AddResult, error)
	Get(ctx context.Context, workspace string) (model.QueueEntry, error)
	GetByID(ctx context.Context, id int64) (model.QueueEntry, error)
	Remove(ctx context.Context, workspace string) error
	Position(ctx context.Context, workspace string) (int, error)
	CountPending(ctx context.Context) (int, error)
	Stats(ctx context.Context) (model.QueueStats, error)
	Retry(ctx context.Context, workspace string) (model.QueueEntry, error)
	Cancel(ctx context.Context, workspace string) (model.QueueEntry, error)
	ReleaseClaim(ctx context.Context, workspace string) error
	Events(ctx context.Context, workspace string) ([]model.QueueEvent, error)

	AcquireProcessingLock(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ReleaseProcessingLock(ctx context.Context, holder string) (bool, error)
	ExtendProcessingLock(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ProcessingLock(ctx context.Context) (*ProcessingLock, error)

	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
	ReclaimStale(ctx context.Context, threshold time.Duration) (int, error)
	Close() error
}

// AddRequest submits a workspace to the queue.
type AddRequest struct {
	Workspace       string `json:"workspace"`
	Priority        int    `json:"priority"`
	BeadID          string `json:"bead_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	HeadSHA         string `json:"head_sha,omitempty"`
	TestedAgainst   string `json:"tested_against,omitempty"`
	ParentWorkspace string `json:"parent_workspace,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
}

// AddResult reports what Add did with the request.
type AddResult struct {
	Entry        model.QueueEntry `json:"entry"`
	Created      bool             `json:"created"`
	Refreshed    bool             `json:"refreshed"`
	Position     int              `json:"position"`
	PendingCount int              `json:"pending_count"`
}

// ProcessingLock is the singleton lease a train run may hold.
type ProcessingLock struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DefaultPriority is used by callers that do not choose one.
const DefaultPriority = 5

// DedupeKey identifies one submission of a workspace at a given head.
func DedupeKey(workspace, headSHA string) string {
	sum := blake3.Sum256([]byte(workspace + "\x00" + headSHA))
	return hex.EncodeToString(sum[:16])
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// positionOf returns the 1-based rank of workspace among pending entries
// sorted by priority then added_at, or 0.
func positionOf(pending []model.QueueEntry, workspace string) int {
	for i, e := range pending {
		if e.Workspace == workspace {
			return i + 1
		}
	}
	return 0
}
