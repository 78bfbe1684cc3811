// Package status reports daemon liveness, queue statistics and the last
// train run for isolate status.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lprior-repo/isolate-sub002/internal/daemon"
	"github.com/lprior-repo/isolate-sub002/internal/lock"
	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/queue"
	"github.com/lprior-repo/isolate-sub002/internal/uds"
)

type Status struct {
	StateDir       string                `json:"state_dir"`
	Daemon         DaemonStatus          `json:"daemon"`
	Queue          model.QueueStats      `json:"queue"`
	QueueSource    string                `json:"queue_source"`
	ProcessingLock *queue.ProcessingLock `json:"processing_lock,omitempty"`
	LastRun        *daemon.Report        `json:"last_run,omitempty"`
}

type DaemonStatus struct {
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
	LockPID      int       `json:"lock_pid,omitempty"`
	TrainRunning bool      `json:"train_running"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Collect gathers the status of the project in stateDir. Queue statistics
// come from the daemon when it answers and from the database otherwise.
func Collect(ctx context.Context, stateDir string, cfg model.Config) (Status, error) {
	st := Status{StateDir: stateDir}

	pid, err := lock.HolderPID(daemon.LockPath(stateDir))
	if err == nil {
		st.Daemon.LockPID = pid
	}

	client := uds.NewClient(daemon.SocketPath(stateDir))
	client.SetTimeout(3 * time.Second)

	var ping daemon.PingResult
	switch err := client.Call(ctx, uds.CmdPing, nil, &ping); {
	case err == nil:
		st.Daemon.Running = true
		st.Daemon.PID = ping.PID
		st.Daemon.TrainRunning = ping.Running
		st.Daemon.StartedAt = ping.StartedAt
	case errors.Is(err, uds.ErrDaemonNotRunning):
	default:
		st.Daemon.Error = err.Error()
	}

	if st.Daemon.Running {
		var qs daemon.QueueStatsResult
		if err := client.Call(ctx, uds.CmdQueueStats, nil, &qs); err == nil {
			st.Queue = qs.Stats
			st.QueueSource = "daemon"
			st.LastRun = qs.LastReport
		}
	}

	store, err := queue.OpenSQLite(ctx, model.ResolvePath(stateDir, cfg.Queue.Database))
	if err != nil {
		if st.QueueSource == "" {
			return st, fmt.Errorf("open queue database: %w", err)
		}
	} else {
		defer store.Close()
		if st.QueueSource == "" {
			stats, err := store.Stats(ctx)
			if err != nil {
				return st, fmt.Errorf("read queue stats: %w", err)
			}
			st.Queue = stats
			st.QueueSource = "database"
		}
		if pl, err := store.ProcessingLock(ctx); err == nil {
			st.ProcessingLock = pl
		}
	}

	if st.LastRun == nil {
		if r, err := daemon.LoadReport(stateDir); err == nil {
			st.LastRun = &r
		} else if !errors.Is(err, os.ErrNotExist) {
			return st, fmt.Errorf("load last run report: %w", err)
		}
	}
	return st, nil
}

// Run collects and prints the status.
func Run(ctx context.Context, w io.Writer, stateDir string, cfg model.Config, jsonOutput bool) error {
	st, err := Collect(ctx, stateDir, cfg)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	Print(w, st, time.Now())
	return nil
}

// Print renders st for a terminal.
func Print(w io.Writer, st Status, now time.Time) {
	d := st.Daemon
	switch {
	case d.Running:
		line := OKStyle.Render("running") + fmt.Sprintf(" (pid %d, up %s)", d.PID, FormatAge(now.Sub(d.StartedAt)))
		if d.TrainRunning {
			line += " " + WarnStyle.Render("train in progress")
		}
		fmt.Fprintf(w, "%s %s\n", HeaderStyle.Render("Daemon:"), line)
	case d.Error != "":
		fmt.Fprintf(w, "%s %s %s\n", HeaderStyle.Render("Daemon:"), BadStyle.Render("unreachable"), MutedStyle.Render(d.Error))
	default:
		fmt.Fprintf(w, "%s %s\n", HeaderStyle.Render("Daemon:"), MutedStyle.Render("stopped"))
	}

	q := st.Queue
	fmt.Fprintf(w, "\n%s %s\n", HeaderStyle.Render("Queue:"), MutedStyle.Render("("+st.QueueSource+")"))
	fmt.Fprintf(w, "  pending     %d\n", q.Pending)
	fmt.Fprintf(w, "  processing  %d\n", q.Processing)
	fmt.Fprintf(w, "  merged      %s\n", OKStyle.Render(fmt.Sprint(q.Completed)))
	failed := fmt.Sprint(q.Failed)
	if q.Failed > 0 {
		failed = BadStyle.Render(failed)
	}
	fmt.Fprintf(w, "  failed      %s\n", failed)
	fmt.Fprintf(w, "  cancelled   %d\n", q.Cancelled)

	if pl := st.ProcessingLock; pl != nil {
		fmt.Fprintf(w, "\n%s held by %s, expires in %s\n", HeaderStyle.Render("Processing lock:"), pl.Holder, FormatAge(pl.ExpiresAt.Sub(now)))
	}

	if r := st.LastRun; r != nil {
		res := r.Result
		fmt.Fprintf(w, "\n%s %s %s\n", HeaderStyle.Render("Last run:"), r.RunID,
			MutedStyle.Render(fmt.Sprintf("(%s, %s ago)", r.Trigger, FormatAge(now.Sub(r.FinishedAt)))))
		fmt.Fprintf(w, "  processed %d, merged %d, failed %d, skipped %d\n",
			res.TotalProcessed, res.Merged, res.Failed, res.Skipped)
		if r.Error != "" {
			fmt.Fprintf(w, "  %s\n", BadStyle.Render(r.Error))
		}
	}
}

// FormatAge renders a duration the way a human glances at it: 45s, 12m, 3h,
// 2d.
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
