package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lprior-repo/isolate-sub002/internal/daemon"
	"github.com/lprior-repo/isolate-sub002/internal/notify"
	"github.com/lprior-repo/isolate-sub002/internal/status"
	"github.com/lprior-repo/isolate-sub002/internal/train"
	"github.com/lprior-repo/isolate-sub002/internal/uds"
	"github.com/lprior-repo/isolate-sub002/internal/vcs"
)

const trainUsage = "train run [--dry-run] [--stop-on-failure] [--max-consecutive-failures N] [--entry-timeout SECS] [--daemon] [--json]"

func (c *cli) runTrain(ctx context.Context, args []string) error {
	if len(args) < 1 || args[0] != "run" {
		return c.usageError("usage: isolate %s", trainUsage)
	}

	fs := c.flagSet("train run", trainUsage)
	dryRun := fs.Bool("dry-run", false, "run every check but skip the merge")
	stopOnFailure := fs.Bool("stop-on-failure", false, "stop at the first failed entry")
	maxFailures := fs.Int("max-consecutive-failures", -1, "stop after N failures in a row (0 disables)")
	entryTimeout := fs.Int("entry-timeout", -1, "per-entry deadline in seconds (0 disables)")
	viaDaemon := fs.Bool("daemon", false, "ask the running daemon to run the train and wait for it")
	jsonOutput := fs.Bool("json", false, "print the run report as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return errUsage
	}

	stateDir, cfg, err := c.project()
	if err != nil {
		return err
	}

	if *viaDaemon {
		if fs.Changed("dry-run") || fs.Changed("stop-on-failure") || fs.Changed("max-consecutive-failures") || fs.Changed("entry-timeout") {
			return c.usageError("--daemon runs with the daemon's configuration; train flags cannot be combined with it")
		}
		return c.trainViaDaemon(ctx, stateDir, *jsonOutput)
	}

	tc := cfg.Train
	if fs.Changed("dry-run") {
		tc.DryRun = *dryRun
	}
	if fs.Changed("stop-on-failure") {
		tc.StopOnFailure = *stopOnFailure
	}
	if *maxFailures >= 0 {
		tc.MaxConsecutiveFailures = *maxFailures
	}
	if *entryTimeout >= 0 {
		tc.EntryTimeoutSecs = *entryTimeout
	}

	_, _, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	log := c.logger(cfg, "train")
	backend, err := vcs.Open(cfg.VCS, filepath.Dir(stateDir), log.With("vcs"))
	if err != nil {
		return err
	}

	trainer := daemon.NewTrainer(stateDir, cfg, store, backend,
		daemon.WithTrainerLogger(log),
		daemon.WithNotifier(notify.Send),
	)
	defer trainer.Bus().Close()
	if err := trainer.ReloadGates(); err != nil {
		return err
	}

	var sinks []train.Sink
	if !*jsonOutput {
		sinks = append(sinks, train.SinkFunc(c.printStep))
	}
	report, err := trainer.Run(ctx, tc, "cli", sinks...)
	if err != nil && report.FinishedAt.IsZero() {
		return err
	}
	if *jsonOutput {
		if perr := c.printJSON(report); perr != nil {
			return perr
		}
	} else {
		c.printReport(report)
	}
	if err != nil {
		return err
	}
	return reportFailure(report)
}

func (c *cli) trainViaDaemon(ctx context.Context, stateDir string, jsonOutput bool) error {
	client := uds.NewClient(daemon.SocketPath(stateDir))
	client.SetTimeout(24 * time.Hour)

	var res daemon.TrainRunResult
	if err := client.Call(ctx, uds.CmdTrainRun, daemon.TrainRunParams{Wait: true}, &res); err != nil {
		return err
	}
	if res.Report == nil {
		fmt.Fprintf(c.stdout, "train run %s\n", res.Status)
		return nil
	}
	if jsonOutput {
		if err := c.printJSON(res.Report); err != nil {
			return err
		}
	} else {
		c.printReport(*res.Report)
	}
	return reportFailure(*res.Report)
}

// reportFailure turns a finished run into the command's exit error.
func reportFailure(r daemon.Report) error {
	if r.Error != "" {
		return errors.New(r.Error)
	}
	if r.Result.Failed > 0 {
		return fmt.Errorf("%d entries failed", r.Result.Failed)
	}
	return nil
}

func (c *cli) printStep(s train.Step) {
	if s.Status == train.StepStarted {
		return
	}
	style := status.MutedStyle
	switch s.Status {
	case train.StepCompleted:
		style = status.OKStyle
	case train.StepFailed:
		style = status.BadStyle
	}
	line := fmt.Sprintf("  #%d %-24s %-18s %s", s.Position, s.Workspace, s.Kind, style.Render(string(s.Status)))
	if s.Duration != nil {
		line += status.MutedStyle.Render(" " + s.Duration.Round(time.Millisecond).String())
	}
	if s.Message != "" && s.Status != train.StepCompleted {
		line += "  " + s.Message
	}
	fmt.Fprintln(c.stdout, line)
}

func (c *cli) printReport(r daemon.Report) {
	res := r.Result
	title := "Train run " + r.RunID
	if r.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(c.stdout, status.HeaderStyle.Render(title))
	for _, e := range res.Entries {
		style := status.MutedStyle
		switch {
		case e.Result == train.ResultMerged:
			style = status.OKStyle
		case e.Result.IsFailure():
			style = status.BadStyle
		}
		line := fmt.Sprintf("  %-28s %s", e.Workspace, style.Render(string(e.Result)))
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Fprintln(c.stdout, line)
	}
	fmt.Fprintf(c.stdout, "processed %d, merged %s, failed %s, skipped %d in %s\n",
		res.TotalProcessed,
		status.OKStyle.Render(fmt.Sprint(res.Merged)),
		status.BadStyle.Render(fmt.Sprint(res.Failed)),
		res.Skipped,
		res.Duration.Round(time.Millisecond))
	if r.Restacked > 0 {
		fmt.Fprintf(c.stdout, "restacked %d stale entries\n", r.Restacked)
	}
	if r.Error != "" {
		fmt.Fprintln(c.stdout, status.BadStyle.Render(r.Error))
	}
}
