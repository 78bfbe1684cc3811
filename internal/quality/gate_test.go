package quality

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate-sub002/internal/logging"
	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/train"
)

func TestEntryFields(t *testing.T) {
	e := model.QueueEntry{
		Workspace:      "feat",
		Priority:       2,
		AttemptCount:   1,
		MaxAttempts:    3,
		BeadID:         model.StringPtr("b-9"),
		WorkspaceState: model.WorkspaceReady,
	}
	ctx := NewMapContext(EntryFields(e))

	v, ok := ctx.GetField("entry.attempts_remaining")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = ctx.GetField("entry.bead_id")
	require.True(t, ok)
	assert.Equal(t, "b-9", v)

	_, ok = ctx.GetField("entry.agent_id")
	assert.False(t, ok, "nil optional fields are absent")
}

func TestGates_BlockAndWarn(t *testing.T) {
	block := gate("needs_bead", 1, ActionBlock, RuleDefinition{
		ID:          "has_bead",
		Description: "entry must reference a bead",
		Severity:    SeverityError,
		Condition:   RuleCondition{Type: ConditionFieldValidation, Field: "entry.bead_id", Operator: OpExists},
	})
	warn := gate("prefer_agent", 2, ActionBlock, fieldRule("has_agent", "entry.agent_id", OpExists, nil, SeverityWarning))
	e := loadEngine(t, warn, block)

	var logs bytes.Buffer
	gates := Gates(e, logging.New(&logs, "gates", logging.LevelInfo))
	require.Len(t, gates, 2)
	assert.Equal(t, "needs_bead", gates[0].Name())
	assert.Equal(t, "prefer_agent", gates[1].Name())

	ctx := context.Background()
	untracked := model.QueueEntry{Workspace: "ws", MaxAttempts: 3}
	err := gates[0].Check(ctx, untracked)
	require.Error(t, err)
	assert.ErrorIs(t, err, train.ErrQualityGateFailed)
	assert.Equal(t, "quality gate failed for workspace 'ws': needs_bead: rule has_bead failed: entry must reference a bead", err.Error())

	assert.NoError(t, gates[1].Check(ctx, untracked))
	assert.Contains(t, logs.String(), "gate warning gate=prefer_agent workspace=ws")

	tracked := untracked
	tracked.BeadID = model.StringPtr("b-1")
	assert.NoError(t, gates[0].Check(ctx, tracked))
}

func TestGates_DefaultRetryBudget(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadConfiguration(DefaultConfiguration()))
	gates := Gates(e, nil)
	require.Len(t, gates, 1)

	ctx := context.Background()
	assert.NoError(t, gates[0].Check(ctx, model.QueueEntry{Workspace: "a", AttemptCount: 3, MaxAttempts: 3}))
	assert.Error(t, gates[0].Check(ctx, model.QueueEntry{Workspace: "b", AttemptCount: 4, MaxAttempts: 3}))
	assert.NoError(t, gates[0].Check(ctx, model.QueueEntry{Workspace: "c", AttemptCount: 9}), "zero max means unlimited")
}
