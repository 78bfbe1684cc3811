package model

import (
	"fmt"
	"strings"
)

// QueueStatus is the state of a merge queue entry.
type QueueStatus string

const (
	StatusPending         QueueStatus = "pending"
	StatusClaimed         QueueStatus = "claimed"
	StatusRebasing        QueueStatus = "rebasing"
	StatusTesting         QueueStatus = "testing"
	StatusReadyToMerge    QueueStatus = "ready_to_merge"
	StatusMerging         QueueStatus = "merging"
	StatusMerged          QueueStatus = "merged"
	StatusFailedRetryable QueueStatus = "failed_retryable"
	StatusFailedTerminal  QueueStatus = "failed_terminal"
	StatusCancelled       QueueStatus = "cancelled"
)

// AllStatuses lists every queue status in pipeline order.
var AllStatuses = []QueueStatus{
	StatusPending,
	StatusClaimed,
	StatusRebasing,
	StatusTesting,
	StatusReadyToMerge,
	StatusMerging,
	StatusMerged,
	StatusFailedRetryable,
	StatusFailedTerminal,
	StatusCancelled,
}

var terminalStatuses = map[QueueStatus]bool{
	StatusMerged:         true,
	StatusFailedTerminal: true,
	StatusCancelled:      true,
}

// Queue entry transitions. A stale freshness check bounces testing and
// ready_to_merge back to rebasing; a restacked entry leaves rebasing for pending.
var validQueueTransitions = map[QueueStatus]map[QueueStatus]bool{
	StatusPending: {
		StatusClaimed:   true,
		StatusCancelled: true,
	},
	StatusClaimed: {
		StatusPending:         true, // claim release
		StatusRebasing:        true,
		StatusFailedRetryable: true,
		StatusFailedTerminal:  true,
		StatusCancelled:       true,
	},
	StatusRebasing: {
		StatusTesting:         true,
		StatusPending:         true,
		StatusFailedRetryable: true,
		StatusFailedTerminal:  true,
		StatusCancelled:       true,
	},
	StatusTesting: {
		StatusReadyToMerge:    true,
		StatusRebasing:        true,
		StatusFailedRetryable: true,
		StatusFailedTerminal:  true,
		StatusCancelled:       true,
	},
	StatusReadyToMerge: {
		StatusMerging:         true,
		StatusRebasing:        true,
		StatusFailedRetryable: true,
		StatusFailedTerminal:  true,
		StatusCancelled:       true,
	},
	StatusMerging: {
		StatusMerged:          true,
		StatusFailedRetryable: true,
		StatusFailedTerminal:  true,
	},
	StatusFailedRetryable: {
		StatusPending:   true,
		StatusCancelled: true,
	},
}

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	From QueueStatus
	To   QueueStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot transition from %s to %s", e.From, e.To)
}

func (s QueueStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible.
func (s QueueStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsProcessing reports whether a processor currently owns the entry.
func (s QueueStatus) IsProcessing() bool {
	switch s {
	case StatusClaimed, StatusRebasing, StatusTesting, StatusReadyToMerge, StatusMerging:
		return true
	}
	return false
}

// IsFailed reports whether the status is one of the failure states.
func (s QueueStatus) IsFailed() bool {
	return s == StatusFailedRetryable || s == StatusFailedTerminal
}

// CanTransitionTo reports whether from → to is on the allowed list.
func (s QueueStatus) CanTransitionTo(to QueueStatus) bool {
	return validQueueTransitions[s][to]
}

// ValidateQueueTransition returns a *TransitionError when from → to is not allowed.
func ValidateQueueTransition(from, to QueueStatus) error {
	if !from.CanTransitionTo(to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// SourcesFor returns every status that may transition into to.
func SourcesFor(to QueueStatus) []QueueStatus {
	var out []QueueStatus
	for _, from := range AllStatuses {
		if from.CanTransitionTo(to) {
			out = append(out, from)
		}
	}
	return out
}

// ParseQueueStatus parses a stored status string. Older databases wrote
// "processing", "completed" and "failed".
func ParseQueueStatus(s string) (QueueStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "claimed", "processing":
		return StatusClaimed, nil
	case "rebasing":
		return StatusRebasing, nil
	case "testing":
		return StatusTesting, nil
	case "ready_to_merge":
		return StatusReadyToMerge, nil
	case "merging":
		return StatusMerging, nil
	case "merged", "completed":
		return StatusMerged, nil
	case "failed_retryable":
		return StatusFailedRetryable, nil
	case "failed_terminal", "failed":
		return StatusFailedTerminal, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("invalid queue status: %q", s)
	}
}

// WorkspaceQueueState tracks the underlying workspace lifecycle. The merge
// train reads it but never changes it.
type WorkspaceQueueState string

const (
	WorkspaceCreated   WorkspaceQueueState = "created"
	WorkspaceWorking   WorkspaceQueueState = "working"
	WorkspaceReady     WorkspaceQueueState = "ready"
	WorkspaceMerged    WorkspaceQueueState = "merged"
	WorkspaceAbandoned WorkspaceQueueState = "abandoned"
	WorkspaceConflict  WorkspaceQueueState = "conflict"
)

var validWorkspaceTransitions = map[WorkspaceQueueState]map[WorkspaceQueueState]bool{
	WorkspaceCreated: {
		WorkspaceWorking: true,
	},
	WorkspaceWorking: {
		WorkspaceReady:     true,
		WorkspaceConflict:  true,
		WorkspaceAbandoned: true,
	},
	WorkspaceReady: {
		WorkspaceWorking:   true,
		WorkspaceMerged:    true,
		WorkspaceConflict:  true,
		WorkspaceAbandoned: true,
	},
	WorkspaceConflict: {
		WorkspaceWorking:   true,
		WorkspaceAbandoned: true,
	},
}

func (s WorkspaceQueueState) IsTerminal() bool {
	return s == WorkspaceMerged || s == WorkspaceAbandoned
}

func ValidateWorkspaceTransition(from, to WorkspaceQueueState) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal workspace state %q", from)
	}
	if !validWorkspaceTransitions[from][to] {
		return fmt.Errorf("invalid workspace state transition: %q → %q", from, to)
	}
	return nil
}

func ParseWorkspaceQueueState(s string) (WorkspaceQueueState, error) {
	switch st := WorkspaceQueueState(strings.ToLower(strings.TrimSpace(s))); st {
	case WorkspaceCreated, WorkspaceWorking, WorkspaceReady, WorkspaceMerged, WorkspaceAbandoned, WorkspaceConflict:
		return st, nil
	}
	return "", fmt.Errorf("invalid workspace state: %q", s)
}

// QueueEventType classifies audit trail events.
type QueueEventType string

const (
	EventCreated      QueueEventType = "created"
	EventClaimed      QueueEventType = "claimed"
	EventTransitioned QueueEventType = "transitioned"
	EventFailed       QueueEventType = "failed"
	EventRetried      QueueEventType = "retried"
	EventCancelled    QueueEventType = "cancelled"
	EventMerged       QueueEventType = "merged"
	EventHeartbeat    QueueEventType = "heartbeat"
)

func ParseQueueEventType(s string) (QueueEventType, error) {
	switch t := QueueEventType(strings.ToLower(strings.TrimSpace(s))); t {
	case EventCreated, EventClaimed, EventTransitioned, EventFailed,
		EventRetried, EventCancelled, EventMerged, EventHeartbeat:
		return t, nil
	}
	return "", fmt.Errorf("invalid queue event type: %q", s)
}
