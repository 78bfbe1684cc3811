package quality

import (
	"context"
	"errors"
	"strings"

	"github.com/lprior-repo/isolate-sub002/internal/logging"
	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/train"
)

// EntryFields projects a queue entry into the evaluation context seen by
// gate rules under "entry.*". Only fields that do not change while the
// entry moves through the pipeline are exposed, so results are cacheable.
func EntryFields(e model.QueueEntry) map[string]interface{} {
	fields := map[string]interface{}{
		"workspace":          e.Workspace,
		"priority":           e.Priority,
		"attempt_count":      e.AttemptCount,
		"max_attempts":       e.MaxAttempts,
		"attempts_remaining": e.MaxAttempts - e.AttemptCount,
		"rebase_count":       e.RebaseCount,
		"workspace_state":    string(e.WorkspaceState),
	}
	optional := map[string]*string{
		"bead_id":          e.BeadID,
		"agent_id":         e.AgentID,
		"head_sha":         e.HeadSHA,
		"parent_workspace": e.ParentWorkspace,
	}
	for k, v := range optional {
		if v != nil {
			fields[k] = *v
		}
	}
	return map[string]interface{}{"entry": fields}
}

// entryGate runs one configured gate as a merge train gate.
type entryGate struct {
	engine *Engine
	id     string
	log    *logging.Logger
}

// Gates returns one train gate per enabled pre_merge gate, in priority order.
// Warnings are logged and let the entry through.
func Gates(engine *Engine, log *logging.Logger) []train.Gate {
	if log == nil {
		log = logging.Discard()
	}
	var gates []train.Gate
	for _, id := range engine.GateIDs(GateTypePreMerge) {
		gates = append(gates, &entryGate{engine: engine, id: id, log: log})
	}
	return gates
}

func (g *entryGate) Name() string { return g.id }

func (g *entryGate) Check(ctx context.Context, entry model.QueueEntry) error {
	res, err := g.engine.EvaluateGate(ctx, g.id, EntryFields(entry))
	if err != nil {
		return train.QualityGateFailed(entry.Workspace, g.id, err)
	}
	if res.Passed {
		return nil
	}
	reasons := strings.Join(res.Failures(), "; ")
	if res.Action != ActionBlock {
		g.log.Warnf("gate warning gate=%s workspace=%s: %s", g.id, entry.Workspace, reasons)
		return nil
	}
	return train.QualityGateFailed(entry.Workspace, g.id, errors.New(reasons))
}
