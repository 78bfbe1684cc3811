package train

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

func TestError_Messages(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{LockAcquisitionFailed(nil), "failed to acquire processing lock"},
		{LockAcquisitionFailed(errors.New("held by daemon-1")), "failed to acquire processing lock: held by daemon-1"},
		{EntryFailed("ws-a", "merge failed", nil), "entry 'ws-a' failed: merge failed"},
		{QualityGateFailed("ws-a", "lint", nil), "quality gate failed for workspace 'ws-a': lint"},
		{ConflictDetected("ws-a", nil), "conflicts detected in workspace 'ws-a'"},
		{ConflictDetected("ws-a", []string{"a.go", "b.go"}), "conflicts detected in workspace 'ws-a': a.go, b.go"},
		{InvalidTransition(&model.TransitionError{From: model.StatusMerged, To: model.StatusPending}),
			"invalid state transition: cannot transition from merged to pending"},
		{RepositoryError("list pending entries", errors.New("disk I/O error")), "repository error: list pending entries: disk I/O error"},
		{Timeout(300, context.DeadlineExceeded), "operation timed out after 300 seconds"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	cause := errors.New("exit status 1")
	err := EntryFailed("ws-a", "rebase failed", Timeout(5, cause))

	assert.ErrorIs(t, err, ErrEntryFailed)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConflictDetected)

	var te *Error
	if assert.ErrorAs(t, err, &te) {
		assert.Equal(t, KindEntryFailed, te.Kind)
	}
}

func TestAsTimeout(t *testing.T) {
	plain := errors.New("boom")
	assert.Nil(t, asTimeout(context.Background(), 5, nil))
	assert.Same(t, plain, asTimeout(context.Background(), 5, plain))

	assert.ErrorIs(t, asTimeout(context.Background(), 5, context.DeadlineExceeded), ErrTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	err := asTimeout(ctx, 7, plain)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, "operation timed out after 7 seconds", err.Error())

	// already converted errors are left alone
	tm := Timeout(1, plain)
	assert.Same(t, tm, asTimeout(ctx, 9, tm))

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	assert.Same(t, plain, asTimeout(cancelled, 5, plain))
}
