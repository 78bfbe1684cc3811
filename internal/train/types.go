package train

import (
	"time"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

// StepKind names a pipeline step.
type StepKind string

const (
	StepClaim          StepKind = "claim"
	StepRebase         StepKind = "rebase"
	StepTest           StepKind = "test"
	StepConflictCheck  StepKind = "conflict_check"
	StepFreshnessCheck StepKind = "freshness_check"
	StepMerge          StepKind = "merge"
	StepCleanup        StepKind = "cleanup"
)

type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is an observability record emitted around every pipeline step.
// Steps are never persisted.
type Step struct {
	Kind      StepKind       `json:"step"`
	Status    StepStatus     `json:"status"`
	Workspace string         `json:"workspace"`
	Position  int            `json:"position"`
	Message   string         `json:"message,omitempty"`
	Duration  *time.Duration `json:"duration,omitempty"`
}

// ResultKind classifies the outcome of one entry.
type ResultKind string

const (
	ResultMerged          ResultKind = "merged"
	ResultTestsFailed     ResultKind = "tests_failed"
	ResultConflicts       ResultKind = "conflicts"
	ResultStale           ResultKind = "stale"
	ResultFailedRetryable ResultKind = "failed_retryable"
	ResultFailedTerminal  ResultKind = "failed_terminal"
	ResultSkipped         ResultKind = "skipped"
	ResultCancelled       ResultKind = "cancelled"
)

// IsFailure reports whether the kind counts toward failed totals and
// consecutive-failure stops.
func (k ResultKind) IsFailure() bool {
	return k == ResultFailedRetryable || k == ResultFailedTerminal
}

func (k ResultKind) isSkip() bool {
	return k == ResultSkipped || k == ResultCancelled
}

// EntryResult is the outcome of processing one queue entry.
type EntryResult struct {
	Workspace   string            `json:"workspace" yaml:"workspace"`
	Position    int               `json:"position" yaml:"position"`
	Result      ResultKind        `json:"result" yaml:"result"`
	FinalStatus model.QueueStatus `json:"final_status" yaml:"final_status"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
	Duration    time.Duration     `json:"duration" yaml:"duration"`

	cause error
}

// Cause returns the error behind Error, if the processor kept one.
func (r EntryResult) Cause() error {
	return r.cause
}

// Result summarises a train run. Values are immutable: AddEntry and
// WithDuration return updated copies.
type Result struct {
	TotalProcessed int           `json:"total_processed" yaml:"total_processed"`
	Merged         int           `json:"merged" yaml:"merged"`
	Failed         int           `json:"failed" yaml:"failed"`
	Skipped        int           `json:"skipped" yaml:"skipped"`
	Entries        []EntryResult `json:"entries" yaml:"entries"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
}

// AddEntry returns a new Result with er folded in.
func (r Result) AddEntry(er EntryResult) Result {
	entries := make([]EntryResult, len(r.Entries), len(r.Entries)+1)
	copy(entries, r.Entries)

	next := r
	next.Entries = append(entries, er)
	next.TotalProcessed++
	switch {
	case er.Result == ResultMerged:
		next.Merged++
	case er.Result.IsFailure():
		next.Failed++
	case er.Result.isSkip():
		next.Skipped++
	}
	return next
}

// WithDuration returns a copy of r stamped with d.
func (r Result) WithDuration(d time.Duration) Result {
	next := r
	next.Entries = append([]EntryResult(nil), r.Entries...)
	next.Duration = d
	return next
}

// ConsecutiveFailures counts failing results at the tail of the run.
func (r Result) ConsecutiveFailures() int {
	n := 0
	for i := len(r.Entries) - 1; i >= 0; i-- {
		if !r.Entries[i].Result.IsFailure() {
			break
		}
		n++
	}
	return n
}
