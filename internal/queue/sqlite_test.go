package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

func TestSQLite_ConcurrentClaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Add(ctx, AddRequest{Workspace: "contended"})
	require.NoError(t, err)

	const claimers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
		other  []error
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.TransitionTo(ctx, "contended", model.StatusClaimed)
			mu.Lock()
			defer mu.Unlock()
			var te *model.TransitionError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &te):
				losses++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, wins)
	assert.Equal(t, claimers-1, losses)

	got, err := s.Get(ctx, "contended")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestSQLite_ReopenKeepsEntriesAndEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = s.Add(ctx, AddRequest{Workspace: "ws", HeadSHA: "h1", AgentID: "agent-7", ParentWorkspace: "base"})
	require.NoError(t, err)
	require.NoError(t, s.TransitionTo(ctx, "ws", model.StatusClaimed))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClaimed, got.Status)
	assert.Equal(t, "agent-7", model.Deref(got.AgentID))
	assert.Equal(t, "base", model.Deref(got.ParentWorkspace))
	assert.Equal(t, model.WorkspaceReady, got.WorkspaceState)

	events, err := s.Events(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSQLite_NormalizesLegacyStatuses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = s.Add(ctx, AddRequest{Workspace: "old-claim"})
	require.NoError(t, err)
	_, err = s.Add(ctx, AddRequest{Workspace: "old-done"})
	require.NoError(t, err)

	// Rewrite the rows the way an older version stored them.
	_, err = s.db.ExecContext(ctx, `DROP INDEX idx_merge_queue_active_workspace`)
	require.NoError(t, err)
	for ws, status := range map[string]string{"old-claim": "processing", "old-done": "completed"} {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE merge_queue SET status = '%s' WHERE workspace = ?`, status), ws)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	var raw string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT status FROM merge_queue WHERE workspace = 'old-claim'`).Scan(&raw))
	assert.Equal(t, "claimed", raw)

	done, err := s.Get(ctx, "old-done")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, done.Status)

	require.NoError(t, s.ReleaseClaim(ctx, "old-claim"))
}

func TestSQLite_CancelledContext(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Add(ctx, AddRequest{Workspace: "ws"})
	assert.ErrorIs(t, err, context.Canceled)
}
