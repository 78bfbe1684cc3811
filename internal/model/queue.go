package model

import (
	"errors"
	"time"
)

// DefaultMaxAttempts is the retry budget given to new entries.
const DefaultMaxAttempts = 3

// ErrEntryNotFound is returned when no entry exists for a workspace.
var ErrEntryNotFound = errors.New("queue entry not found")

// QueueEntry is one workspace waiting to be merged into mainline.
type QueueEntry struct {
	ID               int64               `json:"id" yaml:"id"`
	Workspace        string              `json:"workspace" yaml:"workspace"`
	BeadID           *string             `json:"bead_id,omitempty" yaml:"bead_id,omitempty"`
	Priority         int                 `json:"priority" yaml:"priority"`
	Status           QueueStatus         `json:"status" yaml:"status"`
	AddedAt          time.Time           `json:"added_at" yaml:"added_at"`
	StartedAt        *time.Time          `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ErrorMessage     *string             `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	AgentID          *string             `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	DedupeKey        *string             `json:"dedupe_key,omitempty" yaml:"dedupe_key,omitempty"`
	WorkspaceState   WorkspaceQueueState `json:"workspace_state" yaml:"workspace_state"`
	PreviousState    *WorkspaceQueueState `json:"previous_state,omitempty" yaml:"previous_state,omitempty"`
	StateChangedAt   *time.Time          `json:"state_changed_at,omitempty" yaml:"state_changed_at,omitempty"`
	HeadSHA          *string             `json:"head_sha,omitempty" yaml:"head_sha,omitempty"`
	TestedAgainstSHA *string             `json:"tested_against_sha,omitempty" yaml:"tested_against_sha,omitempty"`
	AttemptCount     int                 `json:"attempt_count" yaml:"attempt_count"`
	MaxAttempts      int                 `json:"max_attempts" yaml:"max_attempts"`
	RebaseCount      int                 `json:"rebase_count" yaml:"rebase_count"`
	LastRebaseAt     *time.Time          `json:"last_rebase_at,omitempty" yaml:"last_rebase_at,omitempty"`
	ParentWorkspace  *string             `json:"parent_workspace,omitempty" yaml:"parent_workspace,omitempty"`
}

func (e QueueEntry) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// CanRetry reports whether a failed_retryable entry still has attempts left.
func (e QueueEntry) CanRetry() bool {
	return e.Status == StatusFailedRetryable && e.AttemptCount < e.MaxAttempts
}

// IsFresh reports whether the entry was last tested against mainRef.
func (e QueueEntry) IsFresh(mainRef string) bool {
	return e.TestedAgainstSHA != nil && *e.TestedAgainstSHA == mainRef
}

// QueueEvent is one row of an entry's audit trail.
type QueueEvent struct {
	ID          int64          `json:"id"`
	QueueID     int64          `json:"queue_id"`
	EventType   QueueEventType `json:"event_type"`
	DetailsJSON *string        `json:"details_json,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// QueueStats counts entries by coarse state.
type QueueStats struct {
	Total      int `json:"total" yaml:"total"`
	Pending    int `json:"pending" yaml:"pending"`
	Processing int `json:"processing" yaml:"processing"`
	Completed  int `json:"completed" yaml:"completed"`
	Failed     int `json:"failed" yaml:"failed"`
	Cancelled  int `json:"cancelled" yaml:"cancelled"`
}

// Count adds one entry in status s to the stats.
func (st *QueueStats) Count(s QueueStatus) {
	st.Total++
	switch {
	case s == StatusPending:
		st.Pending++
	case s.IsProcessing():
		st.Processing++
	case s == StatusMerged:
		st.Completed++
	case s.IsFailed():
		st.Failed++
	case s == StatusCancelled:
		st.Cancelled++
	}
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns *p or "" when p is nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
