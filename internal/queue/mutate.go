package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

// change is the audit event produced by one mutation.
type change struct {
	event   model.QueueEventType
	details map[string]string
}

func (c change) detailsJSON() (*string, error) {
	if len(c.details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(c.details)
	if err != nil {
		return nil, fmt.Errorf("marshal event details: %w", err)
	}
	s := string(b)
	return &s, nil
}

// mutation validates and applies one change to an entry. Implementations
// replace pointer fields rather than writing through them, so a shallow copy
// of the entry is safe to mutate.
type mutation func(e *model.QueueEntry, now time.Time) (change, error)

// setStatus applies the bookkeeping every status change carries.
func setStatus(e *model.QueueEntry, to model.QueueStatus, now time.Time) error {
	if err := model.ValidateQueueTransition(e.Status, to); err != nil {
		return err
	}
	switch {
	case to == model.StatusClaimed:
		e.AttemptCount++
		e.StartedAt = &now
		e.ErrorMessage = nil
	case to.IsTerminal():
		e.CompletedAt = &now
	}
	e.Status = to
	return nil
}

func eventFor(to model.QueueStatus) model.QueueEventType {
	switch to {
	case model.StatusClaimed:
		return model.EventClaimed
	case model.StatusMerged:
		return model.EventMerged
	case model.StatusCancelled:
		return model.EventCancelled
	case model.StatusFailedRetryable, model.StatusFailedTerminal:
		return model.EventFailed
	}
	return model.EventTransitioned
}

func transitionTo(to model.QueueStatus) mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		from := e.Status
		if err := setStatus(e, to, now); err != nil {
			return change{}, err
		}
		return change{
			event:   eventFor(to),
			details: map[string]string{"from": string(from), "to": string(to)},
		}, nil
	}
}

func failMerge(message string, retryable bool) mutation {
	to := model.StatusFailedTerminal
	if retryable {
		to = model.StatusFailedRetryable
	}
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		from := e.Status
		if err := setStatus(e, to, now); err != nil {
			return change{}, err
		}
		e.ErrorMessage = model.StringPtr(message)
		return change{
			event: model.EventFailed,
			details: map[string]string{
				"from":      string(from),
				"to":        string(to),
				"error":     message,
				"retryable": strconv.FormatBool(retryable),
			},
		}, nil
	}
}

func completeMerge(mergedRef string) mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		if err := setStatus(e, model.StatusMerged, now); err != nil {
			return change{}, err
		}
		return change{
			event:   model.EventMerged,
			details: map[string]string{"merged_ref": mergedRef},
		}, nil
	}
}

func updateRebaseMetadata(headRef, testedAgainst string) mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		if e.Status.IsTerminal() {
			return change{}, fmt.Errorf("record rebase for %s: entry is %s", e.Workspace, e.Status)
		}
		e.HeadSHA = model.StringPtr(headRef)
		e.TestedAgainstSHA = model.StringPtr(testedAgainst)
		e.RebaseCount++
		e.LastRebaseAt = &now
		return change{
			event: model.EventTransitioned,
			details: map[string]string{
				"action":         "rebase",
				"head_sha":       headRef,
				"tested_against": testedAgainst,
			},
		}, nil
	}
}

// returnToRebasing marks the entry stale: it goes back to rebasing and loses
// its tested_against_sha until the next rebase records one.
func returnToRebasing(mainRef string) mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		from := e.Status
		if err := setStatus(e, model.StatusRebasing, now); err != nil {
			return change{}, err
		}
		stale := model.Deref(e.TestedAgainstSHA)
		e.TestedAgainstSHA = nil
		return change{
			event: model.EventTransitioned,
			details: map[string]string{
				"from":           string(from),
				"to":             string(model.StatusRebasing),
				"reason":         "stale",
				"main_ref":       mainRef,
				"tested_against": stale,
			},
		}, nil
	}
}

func retry() mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		if e.Status != model.StatusFailedRetryable {
			return change{}, &model.TransitionError{From: e.Status, To: model.StatusPending}
		}
		if !e.CanRetry() {
			return change{}, fmt.Errorf("retry %s after %d of %d attempts: %w", e.Workspace, e.AttemptCount, e.MaxAttempts, ErrRetryExhausted)
		}
		if err := setStatus(e, model.StatusPending, now); err != nil {
			return change{}, err
		}
		e.ErrorMessage = nil
		e.CompletedAt = nil
		return change{
			event:   model.EventRetried,
			details: map[string]string{"attempt": strconv.Itoa(e.AttemptCount + 1)},
		}, nil
	}
}

func cancel() mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		from := e.Status
		if err := setStatus(e, model.StatusCancelled, now); err != nil {
			return change{}, err
		}
		return change{
			event:   model.EventCancelled,
			details: map[string]string{"from": string(from)},
		}, nil
	}
}

// releaseClaim hands a claimed entry back to pending without charging it an
// attempt.
func releaseClaim(reason string) mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		if err := setStatus(e, model.StatusPending, now); err != nil {
			return change{}, err
		}
		if e.AttemptCount > 0 {
			e.AttemptCount--
		}
		e.StartedAt = nil
		return change{
			event: model.EventTransitioned,
			details: map[string]string{
				"from":   string(model.StatusClaimed),
				"to":     string(model.StatusPending),
				"reason": reason,
			},
		}, nil
	}
}

func requireClaimed(m mutation) mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		if e.Status != model.StatusClaimed {
			return change{}, &model.TransitionError{From: e.Status, To: model.StatusPending}
		}
		return m(e, now)
	}
}

// refresh updates an idle entry that was resubmitted at a new head.
func refresh(req AddRequest, key string) mutation {
	return func(e *model.QueueEntry, now time.Time) (change, error) {
		if e.Status != model.StatusPending && e.Status != model.StatusFailedRetryable {
			return change{}, fmt.Errorf("refresh %s in status %s: %w", e.Workspace, e.Status, ErrEntryBusy)
		}
		prev := model.Deref(e.HeadSHA)
		e.HeadSHA = model.StringPtr(req.HeadSHA)
		e.DedupeKey = model.StringPtr(key)
		e.Priority = req.Priority
		e.TestedAgainstSHA = optional(req.TestedAgainst)
		return change{
			event: model.EventTransitioned,
			details: map[string]string{
				"action":        "refresh",
				"head_sha":      req.HeadSHA,
				"prev_head_sha": prev,
			},
		}, nil
	}
}

func created(e model.QueueEntry) change {
	details := map[string]string{"priority": strconv.Itoa(e.Priority)}
	if e.HeadSHA != nil {
		details["head_sha"] = *e.HeadSHA
	}
	return change{event: model.EventCreated, details: details}
}

// newEntry builds the row Add inserts for req.
func newEntry(req AddRequest, now time.Time) model.QueueEntry {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	e := model.QueueEntry{
		Workspace:        req.Workspace,
		BeadID:           optional(req.BeadID),
		Priority:         req.Priority,
		Status:           model.StatusPending,
		AddedAt:          now,
		AgentID:          optional(req.AgentID),
		WorkspaceState:   model.WorkspaceReady,
		HeadSHA:          optional(req.HeadSHA),
		TestedAgainstSHA: optional(req.TestedAgainst),
		MaxAttempts:      maxAttempts,
		ParentWorkspace:  optional(req.ParentWorkspace),
	}
	if req.HeadSHA != "" {
		e.DedupeKey = model.StringPtr(DedupeKey(req.Workspace, req.HeadSHA))
	}
	return e
}

// addDecision says how Add treats a request given the workspace's latest row.
type addDecision int

const (
	addInsert addDecision = iota
	addExisting
	addRefresh
)

func decideAdd(latest *model.QueueEntry, req AddRequest) addDecision {
	if latest == nil || latest.Status.IsTerminal() {
		return addInsert
	}
	if req.HeadSHA == "" || model.Deref(latest.DedupeKey) == DedupeKey(req.Workspace, req.HeadSHA) {
		return addExisting
	}
	return addRefresh
}

func validateAdd(req AddRequest) error {
	if req.Workspace == "" {
		return fmt.Errorf("add entry: workspace is required")
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return model.StringPtr(s)
}

func olderThan(t *time.Time, cutoff time.Time) bool {
	return t != nil && t.Before(cutoff)
}
