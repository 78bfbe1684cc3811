package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

// Memory is an in-process Store. Every operation runs under one mutex, which
// makes each mutation atomic with its validation.
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	entries     []*model.QueueEntry
	events      []model.QueueEvent
	nextID      int64
	nextEventID int64
	lock        *ProcessingLock
}

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{now: o.now}
}

func (m *Memory) Close() error { return nil }

// latest returns the newest row for workspace. Caller holds mu.
func (m *Memory) latest(workspace string) *model.QueueEntry {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Workspace == workspace {
			return m.entries[i]
		}
	}
	return nil
}

func (m *Memory) appendEvent(queueID int64, ch change, now time.Time) error {
	details, err := ch.detailsJSON()
	if err != nil {
		return err
	}
	m.nextEventID++
	m.events = append(m.events, model.QueueEvent{
		ID:          m.nextEventID,
		QueueID:     queueID,
		EventType:   ch.event,
		DetailsJSON: details,
		CreatedAt:   now,
	})
	return nil
}

func (m *Memory) mutate(ctx context.Context, workspace string, fn mutation) (model.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.QueueEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.latest(workspace)
	if e == nil {
		return model.QueueEntry{}, model.ErrEntryNotFound
	}
	now := m.now()
	next := *e
	ch, err := fn(&next, now)
	if err != nil {
		return model.QueueEntry{}, err
	}
	if err := m.appendEvent(next.ID, ch, now); err != nil {
		return model.QueueEntry{}, err
	}
	*e = next
	return next, nil
}

func (m *Memory) sorted(keep func(model.QueueEntry) bool) []model.QueueEntry {
	var out []model.QueueEntry
	for _, e := range m.entries {
		if keep(*e) {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

func (m *Memory) pending() []model.QueueEntry {
	return m.sorted(func(e model.QueueEntry) bool { return e.Status == model.StatusPending })
}

func (m *Memory) List(ctx context.Context, status *model.QueueStatus) ([]model.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(e model.QueueEntry) bool {
		return status == nil || e.Status == *status
	}), nil
}

func (m *Memory) TransitionTo(ctx context.Context, workspace string, to model.QueueStatus) error {
	_, err := m.mutate(ctx, workspace, transitionTo(to))
	return err
}

func (m *Memory) IsFresh(ctx context.Context, workspace, mainRef string) (bool, error) {
	e, err := m.Get(ctx, workspace)
	if err != nil {
		return false, err
	}
	return e.IsFresh(mainRef), nil
}

func (m *Memory) ReturnToRebasing(ctx context.Context, workspace, mainRef string) error {
	_, err := m.mutate(ctx, workspace, returnToRebasing(mainRef))
	return err
}

func (m *Memory) UpdateRebaseMetadata(ctx context.Context, workspace, headRef, testedAgainst string) error {
	_, err := m.mutate(ctx, workspace, updateRebaseMetadata(headRef, testedAgainst))
	return err
}

func (m *Memory) BeginMerge(ctx context.Context, workspace string) error {
	return m.TransitionTo(ctx, workspace, model.StatusMerging)
}

func (m *Memory) CompleteMerge(ctx context.Context, workspace, mergedRef string) error {
	_, err := m.mutate(ctx, workspace, completeMerge(mergedRef))
	return err
}

func (m *Memory) FailMerge(ctx context.Context, workspace, message string, retryable bool) error {
	_, err := m.mutate(ctx, workspace, failMerge(message, retryable))
	return err
}

func (m *Memory) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	if err := validateAdd(req); err != nil {
		return AddResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AddResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var res AddResult
	latest := m.latest(req.Workspace)
	switch decideAdd(latest, req) {
	case addExisting:
		res.Entry = *latest
	case addRefresh:
		next := *latest
		ch, err := refresh(req, DedupeKey(req.Workspace, req.HeadSHA))(&next, now)
		if err != nil {
			return AddResult{}, err
		}
		if err := m.appendEvent(next.ID, ch, now); err != nil {
			return AddResult{}, err
		}
		*latest = next
		res.Entry = next
		res.Refreshed = true
	default:
		e := newEntry(req, now)
		m.nextID++
		e.ID = m.nextID
		if err := m.appendEvent(e.ID, created(e), now); err != nil {
			return AddResult{}, err
		}
		m.entries = append(m.entries, &e)
		res.Entry = e
		res.Created = true
	}

	pending := m.pending()
	res.Position = positionOf(pending, req.Workspace)
	res.PendingCount = len(pending)
	return res, nil
}

func (m *Memory) Get(ctx context.Context, workspace string) (model.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.QueueEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.latest(workspace); e != nil {
		return *e, nil
	}
	return model.QueueEntry{}, model.ErrEntryNotFound
}

func (m *Memory) GetByID(ctx context.Context, id int64) (model.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.QueueEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return *e, nil
		}
	}
	return model.QueueEntry{}, model.ErrEntryNotFound
}

func (m *Memory) Remove(ctx context.Context, workspace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.latest(workspace)
	if e == nil {
		return model.ErrEntryNotFound
	}
	if e.Status != model.StatusPending && !e.Status.IsTerminal() {
		return ErrEntryBusy
	}
	m.deleteIDs(map[int64]bool{e.ID: true})
	return nil
}

// deleteIDs drops rows and their events. Caller holds mu.
func (m *Memory) deleteIDs(ids map[int64]bool) {
	entries := m.entries[:0]
	for _, e := range m.entries {
		if !ids[e.ID] {
			entries = append(entries, e)
		}
	}
	m.entries = entries

	events := m.events[:0]
	for _, ev := range m.events {
		if !ids[ev.QueueID] {
			events = append(events, ev)
		}
	}
	m.events = events
}

func (m *Memory) Position(ctx context.Context, workspace string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return positionOf(m.pending(), workspace), nil
}

func (m *Memory) CountPending(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending()), nil
}

func (m *Memory) Stats(ctx context.Context) (model.QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return model.QueueStats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var st model.QueueStats
	for _, e := range m.entries {
		st.Count(e.Status)
	}
	return st, nil
}

func (m *Memory) Retry(ctx context.Context, workspace string) (model.QueueEntry, error) {
	return m.mutate(ctx, workspace, retry())
}

func (m *Memory) Cancel(ctx context.Context, workspace string) (model.QueueEntry, error) {
	return m.mutate(ctx, workspace, cancel())
}

func (m *Memory) ReleaseClaim(ctx context.Context, workspace string) error {
	_, err := m.mutate(ctx, workspace, requireClaimed(releaseClaim("released")))
	return err
}

func (m *Memory) Events(ctx context.Context, workspace string) ([]model.QueueEvent, error) {
	e, err := m.Get(ctx, workspace)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QueueEvent
	for _, ev := range m.events {
		if ev.QueueID == e.ID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) AcquireProcessingLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.lock != nil && m.lock.Holder != holder && m.lock.ExpiresAt.After(now) {
		return false, nil
	}
	m.lock = &ProcessingLock{Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) ReleaseProcessingLock(ctx context.Context, holder string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil || m.lock.Holder != holder {
		return false, nil
	}
	m.lock = nil
	return true, nil
}

func (m *Memory) ExtendProcessingLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.lock == nil || m.lock.Holder != holder || !m.lock.ExpiresAt.After(now) {
		return false, nil
	}
	m.lock.ExpiresAt = now.Add(ttl)
	return true, nil
}

func (m *Memory) ProcessingLock(ctx context.Context) (*ProcessingLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil || !m.lock.ExpiresAt.After(m.now()) {
		return nil, nil
	}
	l := *m.lock
	return &l, nil
}

func (m *Memory) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxAge)
	ids := make(map[int64]bool)
	for _, e := range m.entries {
		if e.Status.IsTerminal() && olderThan(e.CompletedAt, cutoff) {
			ids[e.ID] = true
		}
	}
	m.deleteIDs(ids)
	return len(ids), nil
}

func (m *Memory) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-threshold)
	n := 0
	for _, e := range m.entries {
		if e.Status != model.StatusClaimed || !olderThan(e.StartedAt, cutoff) {
			continue
		}
		next := *e
		ch, err := releaseClaim("stale claim")(&next, now)
		if err != nil {
			return n, err
		}
		if err := m.appendEvent(next.ID, ch, now); err != nil {
			return n, err
		}
		*e = next
		n++
	}
	return n, nil
}
