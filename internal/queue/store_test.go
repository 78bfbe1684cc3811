package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clock *fakeClock) Store {
			return NewMemory(WithClock(clock.Now))
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Store {
			t.Helper()
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func mustAdd(t *testing.T, s Store, req AddRequest) AddResult {
	t.Helper()
	res, err := s.Add(context.Background(), req)
	require.NoError(t, err)
	return res
}

func walk(t *testing.T, s Store, ws string, statuses ...model.QueueStatus) {
	t.Helper()
	for _, st := range statuses {
		require.NoError(t, s.TransitionTo(context.Background(), ws, st), "transition %s to %s", ws, st)
	}
}

func requireTransitionError(t *testing.T, err error, from, to model.QueueStatus) {
	t.Helper()
	var te *model.TransitionError
	require.True(t, errors.As(err, &te), "expected *model.TransitionError, got %v", err)
	assert.Equal(t, from, te.From)
	assert.Equal(t, to, te.To)
}

func TestAdd_NewEntry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		res := mustAdd(t, s, AddRequest{Workspace: "feature-a", Priority: 3, HeadSHA: "abc123", BeadID: "isl-42"})

		assert.True(t, res.Created)
		assert.False(t, res.Refreshed)
		assert.Equal(t, 1, res.Position)
		assert.Equal(t, 1, res.PendingCount)
		assert.Equal(t, model.StatusPending, res.Entry.Status)
		assert.Equal(t, model.DefaultMaxAttempts, res.Entry.MaxAttempts)
		assert.Equal(t, DedupeKey("feature-a", "abc123"), model.Deref(res.Entry.DedupeKey))

		got, err := s.Get(ctx, "feature-a")
		require.NoError(t, err)
		assert.Equal(t, res.Entry.ID, got.ID)
		assert.Equal(t, 3, got.Priority)
		assert.Equal(t, "isl-42", model.Deref(got.BeadID))
		assert.Equal(t, "abc123", model.Deref(got.HeadSHA))
		assert.WithinDuration(t, clock.Now(), got.AddedAt, time.Millisecond)

		byID, err := s.GetByID(ctx, got.ID)
		require.NoError(t, err)
		assert.Equal(t, "feature-a", byID.Workspace)

		events, err := s.Events(ctx, "feature-a")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.EventCreated, events[0].EventType)
	})
}

func TestAdd_RequiresWorkspace(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		_, err := s.Add(context.Background(), AddRequest{})
		assert.Error(t, err)
	})
}

func TestAdd_SameHeadIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		first := mustAdd(t, s, AddRequest{Workspace: "ws", HeadSHA: "h1"})
		second := mustAdd(t, s, AddRequest{Workspace: "ws", HeadSHA: "h1", Priority: 9})

		assert.False(t, second.Created)
		assert.False(t, second.Refreshed)
		assert.Equal(t, first.Entry.ID, second.Entry.ID)
		assert.Equal(t, 0, second.Entry.Priority)

		n, err := s.CountPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestAdd_NewHeadRefreshesIdleEntry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		first := mustAdd(t, s, AddRequest{Workspace: "ws", HeadSHA: "h1", TestedAgainst: "m1"})
		second := mustAdd(t, s, AddRequest{Workspace: "ws", HeadSHA: "h2", Priority: 1})

		assert.True(t, second.Refreshed)
		assert.Equal(t, first.Entry.ID, second.Entry.ID)

		got, err := s.Get(context.Background(), "ws")
		require.NoError(t, err)
		assert.Equal(t, "h2", model.Deref(got.HeadSHA))
		assert.Equal(t, 1, got.Priority)
		assert.Nil(t, got.TestedAgainstSHA)
		assert.Equal(t, DedupeKey("ws", "h2"), model.Deref(got.DedupeKey))
	})
}

func TestAdd_NewHeadOnBusyEntryIsRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		mustAdd(t, s, AddRequest{Workspace: "ws", HeadSHA: "h1"})
		walk(t, s, "ws", model.StatusClaimed)

		_, err := s.Add(context.Background(), AddRequest{Workspace: "ws", HeadSHA: "h2"})
		assert.ErrorIs(t, err, ErrEntryBusy)
	})
}

func TestAdd_AfterTerminalStartsNewRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		first := mustAdd(t, s, AddRequest{Workspace: "ws", HeadSHA: "h1"})
		_, err := s.Cancel(ctx, "ws")
		require.NoError(t, err)

		second := mustAdd(t, s, AddRequest{Workspace: "ws", HeadSHA: "h1"})
		assert.True(t, second.Created)
		assert.NotEqual(t, first.Entry.ID, second.Entry.ID)

		got, err := s.Get(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, second.Entry.ID, got.ID)
		assert.Equal(t, model.StatusPending, got.Status)
	})
}

func TestList_OrdersByPriorityThenAddedAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "A", Priority: 5})
		clock.Advance(time.Second)
		mustAdd(t, s, AddRequest{Workspace: "B", Priority: 1})
		clock.Advance(time.Second)
		mustAdd(t, s, AddRequest{Workspace: "C", Priority: 1})

		entries, err := s.List(ctx, nil)
		require.NoError(t, err)
		var order []string
		for _, e := range entries {
			order = append(order, e.Workspace)
		}
		assert.Equal(t, []string{"B", "C", "A"}, order)

		pos, err := s.Position(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, 3, pos)

		walk(t, s, "B", model.StatusClaimed)
		pending := model.StatusPending
		entries, err = s.List(ctx, &pending)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "C", entries[0].Workspace)

		pos, err = s.Position(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, 0, pos)
	})
}

func TestTransitionTo_ClaimIsExclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "ws"})

		require.NoError(t, s.TransitionTo(ctx, "ws", model.StatusClaimed))
		err := s.TransitionTo(ctx, "ws", model.StatusClaimed)
		requireTransitionError(t, err, model.StatusClaimed, model.StatusClaimed)

		got, err := s.Get(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
		require.NotNil(t, got.StartedAt)
		assert.WithinDuration(t, clock.Now(), *got.StartedAt, time.Millisecond)
	})
}

func TestTransitionTo_RejectsInvalidAndUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "ws"})

		err := s.TransitionTo(ctx, "ws", model.StatusMerged)
		requireTransitionError(t, err, model.StatusPending, model.StatusMerged)

		err = s.TransitionTo(ctx, "missing", model.StatusClaimed)
		assert.ErrorIs(t, err, model.ErrEntryNotFound)

		got, err := s.Get(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
	})
}

func TestMergeLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "ws", HeadSHA: "h0"})

		walk(t, s, "ws", model.StatusClaimed, model.StatusRebasing)
		require.NoError(t, s.UpdateRebaseMetadata(ctx, "ws", "h1", "main1"))
		walk(t, s, "ws", model.StatusTesting)

		fresh, err := s.IsFresh(ctx, "ws", "main1")
		require.NoError(t, err)
		assert.True(t, fresh)
		fresh, err = s.IsFresh(ctx, "ws", "main2")
		require.NoError(t, err)
		assert.False(t, fresh)

		walk(t, s, "ws", model.StatusReadyToMerge)
		require.NoError(t, s.BeginMerge(ctx, "ws"))
		clock.Advance(time.Minute)
		require.NoError(t, s.CompleteMerge(ctx, "ws", "merge-sha"))

		got, err := s.Get(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, model.StatusMerged, got.Status)
		assert.Equal(t, "h1", model.Deref(got.HeadSHA))
		assert.Equal(t, 1, got.RebaseCount)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, clock.Now(), *got.CompletedAt, time.Millisecond)

		events, err := s.Events(ctx, "ws")
		require.NoError(t, err)
		var types []model.QueueEventType
		for _, ev := range events {
			types = append(types, ev.EventType)
		}
		assert.Equal(t, []model.QueueEventType{
			model.EventCreated,
			model.EventClaimed,
			model.EventTransitioned, // rebasing
			model.EventTransitioned, // rebase metadata
			model.EventTransitioned, // testing
			model.EventTransitioned, // ready_to_merge
			model.EventTransitioned, // merging
			model.EventMerged,
		}, types)
		assert.Contains(t, model.Deref(events[len(events)-1].DetailsJSON), "merge-sha")
	})
}

func TestReturnToRebasing_ClearsTestedAgainst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "ws"})
		walk(t, s, "ws", model.StatusClaimed, model.StatusRebasing)
		require.NoError(t, s.UpdateRebaseMetadata(ctx, "ws", "h1", "main1"))
		walk(t, s, "ws", model.StatusTesting)

		require.NoError(t, s.ReturnToRebasing(ctx, "ws", "main2"))

		got, err := s.Get(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRebasing, got.Status)
		assert.Nil(t, got.TestedAgainstSHA)

		events, err := s.Events(ctx, "ws")
		require.NoError(t, err)
		assert.Contains(t, model.Deref(events[len(events)-1].DetailsJSON), "main2")
	})
}

func TestFailMergeAndRetryBudget(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "ws", MaxAttempts: 2})

		walk(t, s, "ws", model.StatusClaimed)
		require.NoError(t, s.FailMerge(ctx, "ws", "gate failed", true))

		got, err := s.Get(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailedRetryable, got.Status)
		assert.Equal(t, "gate failed", model.Deref(got.ErrorMessage))

		retried, err := s.Retry(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, retried.Status)
		assert.Nil(t, retried.ErrorMessage)

		walk(t, s, "ws", model.StatusClaimed)
		require.NoError(t, s.FailMerge(ctx, "ws", "conflicts", true))

		_, err = s.Retry(ctx, "ws")
		assert.ErrorIs(t, err, ErrRetryExhausted)
	})
}

func TestFailMerge_Terminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "ws"})
		walk(t, s, "ws", model.StatusClaimed)

		require.NoError(t, s.FailMerge(ctx, "ws", "repository unreachable", false))
		got, err := s.Get(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailedTerminal, got.Status)
		assert.NotNil(t, got.CompletedAt)

		_, err = s.Retry(ctx, "ws")
		requireTransitionError(t, err, model.StatusFailedTerminal, model.StatusPending)
	})
}

func TestCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "idle"})
		mustAdd(t, s, AddRequest{Workspace: "merging"})
		walk(t, s, "merging", model.StatusClaimed, model.StatusRebasing, model.StatusTesting,
			model.StatusReadyToMerge, model.StatusMerging)

		got, err := s.Cancel(ctx, "idle")
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)

		_, err = s.Cancel(ctx, "idle")
		requireTransitionError(t, err, model.StatusCancelled, model.StatusCancelled)

		_, err = s.Cancel(ctx, "merging")
		requireTransitionError(t, err, model.StatusMerging, model.StatusCancelled)
	})
}

func TestRemove(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "idle"})
		mustAdd(t, s, AddRequest{Workspace: "busy"})
		walk(t, s, "busy", model.StatusClaimed)

		require.NoError(t, s.Remove(ctx, "idle"))
		_, err := s.Get(ctx, "idle")
		assert.ErrorIs(t, err, model.ErrEntryNotFound)

		assert.ErrorIs(t, s.Remove(ctx, "busy"), ErrEntryBusy)
		assert.ErrorIs(t, s.Remove(ctx, "missing"), model.ErrEntryNotFound)
	})
}

func TestStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		for _, ws := range []string{"p1", "p2", "c", "m", "f", "x"} {
			mustAdd(t, s, AddRequest{Workspace: ws})
		}
		walk(t, s, "c", model.StatusClaimed)
		walk(t, s, "m", model.StatusClaimed, model.StatusRebasing, model.StatusTesting,
			model.StatusReadyToMerge, model.StatusMerging, model.StatusMerged)
		walk(t, s, "f", model.StatusClaimed, model.StatusFailedRetryable)
		_, err := s.Cancel(ctx, "x")
		require.NoError(t, err)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Total: 6, Pending: 2, Processing: 1, Completed: 1, Failed: 1, Cancelled: 1}, st)
	})
}

func TestProcessingLock(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		ok, err := s.AcquireProcessingLock(ctx, "daemon-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AcquireProcessingLock(ctx, "daemon-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "lock is held by daemon-a")

		l, err := s.ProcessingLock(ctx)
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, "daemon-a", l.Holder)

		ok, err = s.ExtendProcessingLock(ctx, "daemon-a", 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		clock.Advance(90 * time.Second)
		ok, err = s.AcquireProcessingLock(ctx, "daemon-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "extended lock is still live")

		clock.Advance(time.Minute)
		l, err = s.ProcessingLock(ctx)
		require.NoError(t, err)
		assert.Nil(t, l, "expired lock is not reported")

		ok, err = s.ExtendProcessingLock(ctx, "daemon-a", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "expired lock cannot be extended")

		ok, err = s.AcquireProcessingLock(ctx, "daemon-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ReleaseProcessingLock(ctx, "daemon-a")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.ReleaseProcessingLock(ctx, "daemon-b")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCleanup_RemovesOldTerminalEntries(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "old"})
		mustAdd(t, s, AddRequest{Workspace: "pending"})
		_, err := s.Cancel(ctx, "old")
		require.NoError(t, err)

		n, err := s.Cleanup(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "cancelled entry is not old enough yet")

		clock.Advance(2 * time.Hour)
		n, err = s.Cleanup(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, model.ErrEntryNotFound)
		_, err = s.Get(ctx, "pending")
		assert.NoError(t, err)
	})
}

func TestReclaimStale(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "stuck"})
		mustAdd(t, s, AddRequest{Workspace: "recent"})
		walk(t, s, "stuck", model.StatusClaimed)
		clock.Advance(20 * time.Minute)
		walk(t, s, "recent", model.StatusClaimed)

		n, err := s.ReclaimStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stuck, err := s.Get(ctx, "stuck")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, stuck.Status)
		assert.Equal(t, 0, stuck.AttemptCount)
		assert.Nil(t, stuck.StartedAt)

		recent, err := s.Get(ctx, "recent")
		require.NoError(t, err)
		assert.Equal(t, model.StatusClaimed, recent.Status)
	})
}

func TestReleaseClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		mustAdd(t, s, AddRequest{Workspace: "ws"})

		err := s.ReleaseClaim(ctx, "ws")
		requireTransitionError(t, err, model.StatusPending, model.StatusPending)

		walk(t, s, "ws", model.StatusClaimed)
		require.NoError(t, s.ReleaseClaim(ctx, "ws"))

		got, err := s.Get(ctx, "ws")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, 0, got.AttemptCount)
	})
}

func TestDedupeKey(t *testing.T) {
	k := DedupeKey("ws", "abc")
	assert.Len(t, k, 32)
	assert.Equal(t, k, DedupeKey("ws", "abc"))
	assert.NotEqual(t, k, DedupeKey("ws", "abd"))
	assert.NotEqual(t, DedupeKey("a", "bc"), DedupeKey("ab", "c"))
}
