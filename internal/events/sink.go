package events

import (
	"github.com/lprior-repo/isolate-sub002/internal/train"
)

// StepSink publishes every train step on the bus as EventStep.
func StepSink(bus *Bus) train.Sink {
	return train.SinkFunc(func(s train.Step) {
		data := map[string]interface{}{
			"step":      string(s.Kind),
			"status":    string(s.Status),
			"workspace": s.Workspace,
			"position":  s.Position,
		}
		if s.Message != "" {
			data["message"] = s.Message
		}
		if s.Duration != nil {
			data["duration_ms"] = s.Duration.Milliseconds()
		}
		bus.Publish(EventStep, data)
	})
}

// PublishRun announces the start of a run.
func PublishRun(bus *Bus, runID string, dryRun bool) {
	bus.Publish(EventRunStarted, map[string]interface{}{
		"run_id":  runID,
		"dry_run": dryRun,
	})
}

// PublishResult announces each entry outcome followed by the run summary.
func PublishResult(bus *Bus, runID string, r train.Result) {
	for _, e := range r.Entries {
		data := map[string]interface{}{
			"run_id":       runID,
			"workspace":    e.Workspace,
			"position":     e.Position,
			"result":       string(e.Result),
			"final_status": string(e.FinalStatus),
			"duration_ms":  e.Duration.Milliseconds(),
		}
		if e.Error != "" {
			data["error"] = e.Error
		}
		bus.Publish(EventEntryFinished, data)
	}
	bus.Publish(EventRunFinished, map[string]interface{}{
		"run_id":          runID,
		"total_processed": r.TotalProcessed,
		"merged":          r.Merged,
		"failed":          r.Failed,
		"skipped":         r.Skipped,
		"duration_ms":     r.Duration.Milliseconds(),
	})
}
