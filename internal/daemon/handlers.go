package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/uds"
)

// PingResult answers CmdPing.
type PingResult struct {
	Status    string    `json:"status"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
}

// TrainRunParams are the parameters of CmdTrainRun. With Wait the response
// carries the finished run's report.
type TrainRunParams struct {
	Wait bool `json:"wait"`
}

type TrainRunResult struct {
	Status string  `json:"status"`
	Report *Report `json:"report,omitempty"`
}

// QueueStatsResult answers CmdQueueStats.
type QueueStatsResult struct {
	Stats      model.QueueStats `json:"stats"`
	LastReport *Report          `json:"last_report,omitempty"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, d.handlePing)
	d.server.Handle(uds.CmdTrainRun, d.handleTrainRun)
	d.server.Handle(uds.CmdQueueStats, d.handleQueueStats)
	d.server.Handle(uds.CmdShutdown, d.handleShutdown)
}

func (d *Daemon) handlePing(_ context.Context, _ *uds.Request) *uds.Response {
	return uds.SuccessResponse(PingResult{
		Status:    "ok",
		PID:       os.Getpid(),
		Running:   d.running.Load(),
		StartedAt: d.startedAt,
	})
}

func (d *Daemon) handleTrainRun(ctx context.Context, req *uds.Request) *uds.Response {
	if d.ctx.Err() != nil {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	}
	var params TrainRunParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if !params.Wait {
		d.sched.trigger("cli", nil)
		return uds.SuccessResponse(TrainRunResult{Status: "scheduled"})
	}

	reply := make(chan runOutcome, 1)
	d.sched.trigger("cli", reply)
	select {
	case <-ctx.Done():
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, ctx.Err().Error())
	case out := <-reply:
		if out.Err != nil {
			if errors.Is(out.Err, context.Canceled) {
				return uds.ErrorResponse(uds.ErrCodeShuttingDown, out.Err.Error())
			}
			if errors.Is(out.Err, ErrRunInProgress) {
				return uds.ErrorResponse(uds.ErrCodeBusy, out.Err.Error())
			}
			return uds.ErrorResponse(uds.ErrCodeInternal, out.Err.Error())
		}
		report := out.Report
		return uds.SuccessResponse(TrainRunResult{Status: "completed", Report: &report})
	}
}

func (d *Daemon) handleQueueStats(ctx context.Context, _ *uds.Request) *uds.Response {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	res := QueueStatsResult{Stats: stats}
	if r, err := LoadReport(d.stateDir); err == nil {
		res.LastReport = &r
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleShutdown(_ context.Context, _ *uds.Request) *uds.Response {
	d.log.Infof("shutdown requested over socket")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutting_down"})
}
