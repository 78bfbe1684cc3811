package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/queue"
	"github.com/lprior-repo/isolate-sub002/internal/status"
)

const queueUsage = "queue <add|list|show|retry|cancel|remove|events|stats|cleanup> [options]"

func (c *cli) runQueue(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return c.usageError("usage: isolate %s", queueUsage)
	}
	switch args[0] {
	case "add":
		return c.runQueueAdd(ctx, args[1:])
	case "list":
		return c.runQueueList(ctx, args[1:])
	case "show":
		return c.runQueueShow(ctx, args[1:])
	case "retry", "cancel", "remove":
		return c.runQueueControl(ctx, args[0], args[1:])
	case "events":
		return c.runQueueEvents(ctx, args[1:])
	case "stats":
		return c.runQueueStats(ctx, args[1:])
	case "cleanup":
		return c.runQueueCleanup(ctx, args[1:])
	}
	return c.usageError("unknown queue subcommand: %s\nusage: isolate %s", args[0], queueUsage)
}

// workspaceArg parses args and returns the single positional workspace name.
func (c *cli) workspaceArg(fs *pflag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return "", errUsage
	}
	return fs.Arg(0), nil
}

func (c *cli) runQueueAdd(ctx context.Context, args []string) error {
	fs := c.flagSet("queue add", "queue add <workspace> [--priority N] [--head SHA] [--tested-against REF] [--bead ID] [--agent ID] [--parent WS] [--json]")
	var req queue.AddRequest
	fs.IntVarP(&req.Priority, "priority", "p", queue.DefaultPriority, "priority, lower runs first")
	fs.StringVar(&req.HeadSHA, "head", "", "head commit of the workspace")
	fs.StringVar(&req.TestedAgainst, "tested-against", "", "main commit the workspace was last tested against")
	fs.StringVar(&req.BeadID, "bead", "", "linked issue id")
	fs.StringVar(&req.AgentID, "agent", "", "submitting agent id")
	fs.StringVar(&req.ParentWorkspace, "parent", "", "workspace this one is stacked on")
	jsonOutput := fs.Bool("json", false, "print JSON")
	ws, err := c.workspaceArg(fs, args)
	if err != nil {
		return err
	}
	req.Workspace = ws

	_, cfg, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	req.MaxAttempts = cfg.Queue.Attempts()

	res, err := store.Add(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return c.printJSON(res)
	}
	switch {
	case res.Created:
		fmt.Fprintf(c.stdout, "Queued %s at position %d (%d pending)\n", ws, res.Position, res.PendingCount)
	case res.Refreshed:
		fmt.Fprintf(c.stdout, "Refreshed %s at position %d (%d pending)\n", ws, res.Position, res.PendingCount)
	default:
		fmt.Fprintf(c.stdout, "%s already queued as %s\n", ws, status.StatusStyle(res.Entry.Status).Render(string(res.Entry.Status)))
	}
	return nil
}

func (c *cli) runQueueList(ctx context.Context, args []string) error {
	fs := c.flagSet("queue list", "queue list [--status STATUS] [--json]")
	statusFlag := fs.String("status", "", "only entries in this status")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var filter *model.QueueStatus
	if *statusFlag != "" {
		s, err := model.ParseQueueStatus(*statusFlag)
		if err != nil {
			return err
		}
		filter = &s
	}

	_, _, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if *jsonOutput {
		if entries == nil {
			entries = []model.QueueEntry{}
		}
		return c.printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.stdout, status.MutedStyle.Render("queue is empty"))
		return nil
	}

	now := time.Now()
	fmt.Fprintln(c.stdout, status.HeaderStyle.Render(fmt.Sprintf("%-4s  %-28s  %-3s  %-16s  %-8s  %s", "ID", "WORKSPACE", "PRI", "STATUS", "ATTEMPTS", "AGE")))
	for _, e := range entries {
		st := status.StatusStyle(e.Status).Render(fmt.Sprintf("%-16s", e.Status))
		fmt.Fprintf(c.stdout, "%-4d  %-28s  %-3d  %s  %d/%-6d  %s\n",
			e.ID, e.Workspace, e.Priority, st, e.AttemptCount, e.MaxAttempts, status.FormatAge(now.Sub(e.AddedAt)))
	}
	return nil
}

func (c *cli) runQueueShow(ctx context.Context, args []string) error {
	fs := c.flagSet("queue show", "queue show <workspace> [--json]")
	jsonOutput := fs.Bool("json", false, "print JSON")
	ws, err := c.workspaceArg(fs, args)
	if err != nil {
		return err
	}

	_, _, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.Get(ctx, ws)
	if err != nil {
		return err
	}
	pos, err := store.Position(ctx, ws)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return c.printJSON(struct {
			model.QueueEntry
			Position int `json:"position,omitempty"`
		}{e, pos})
	}

	row := func(k, v string) {
		fmt.Fprintf(c.stdout, "%-16s %s\n", status.MutedStyle.Render(k), v)
	}
	fmt.Fprintln(c.stdout, status.HeaderStyle.Render(e.Workspace))
	row("status", status.StatusStyle(e.Status).Render(string(e.Status)))
	row("workspace", string(e.WorkspaceState))
	if pos > 0 {
		row("position", fmt.Sprint(pos))
	}
	row("priority", fmt.Sprint(e.Priority))
	row("attempts", fmt.Sprintf("%d/%d", e.AttemptCount, e.MaxAttempts))
	row("rebases", fmt.Sprint(e.RebaseCount))
	row("added", e.AddedAt.Local().Format(time.RFC3339))
	for _, f := range []struct{ k, v string }{
		{"head", model.Deref(e.HeadSHA)},
		{"tested against", model.Deref(e.TestedAgainstSHA)},
		{"bead", model.Deref(e.BeadID)},
		{"agent", model.Deref(e.AgentID)},
		{"parent", model.Deref(e.ParentWorkspace)},
	} {
		if f.v != "" {
			row(f.k, f.v)
		}
	}
	if msg := model.Deref(e.ErrorMessage); msg != "" {
		row("error", status.BadStyle.Render(msg))
	}
	return nil
}

func (c *cli) runQueueControl(ctx context.Context, op string, args []string) error {
	fs := c.flagSet("queue "+op, "queue "+op+" <workspace>")
	ws, err := c.workspaceArg(fs, args)
	if err != nil {
		return err
	}

	_, _, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	switch op {
	case "retry":
		e, err := store.Retry(ctx, ws)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Requeued %s (%d of %d attempts used)\n", ws, e.AttemptCount, e.MaxAttempts)
	case "cancel":
		if _, err := store.Cancel(ctx, ws); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Cancelled %s\n", ws)
	case "remove":
		if err := store.Remove(ctx, ws); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Removed %s\n", ws)
	}
	return nil
}

func (c *cli) runQueueEvents(ctx context.Context, args []string) error {
	fs := c.flagSet("queue events", "queue events <workspace> [--json]")
	jsonOutput := fs.Bool("json", false, "print JSON")
	ws, err := c.workspaceArg(fs, args)
	if err != nil {
		return err
	}

	_, _, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	evs, err := store.Events(ctx, ws)
	if err != nil {
		return err
	}
	if *jsonOutput {
		if evs == nil {
			evs = []model.QueueEvent{}
		}
		return c.printJSON(evs)
	}
	for _, ev := range evs {
		fmt.Fprintf(c.stdout, "%s  %-14s  %s\n",
			status.MutedStyle.Render(ev.CreatedAt.Local().Format(time.RFC3339)), ev.EventType, model.Deref(ev.DetailsJSON))
	}
	return nil
}

func (c *cli) runQueueStats(ctx context.Context, args []string) error {
	fs := c.flagSet("queue stats", "queue stats [--json]")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return c.printJSON(st)
	}
	fmt.Fprintf(c.stdout, "total %d  pending %d  processing %d  merged %s  failed %s  cancelled %d\n",
		st.Total, st.Pending, st.Processing,
		status.OKStyle.Render(fmt.Sprint(st.Completed)), status.BadStyle.Render(fmt.Sprint(st.Failed)), st.Cancelled)
	return nil
}

func (c *cli) runQueueCleanup(ctx context.Context, args []string) error {
	fs := c.flagSet("queue cleanup", "queue cleanup [--max-age DURATION] [--claim-timeout DURATION]")
	maxAge := fs.Duration("max-age", 0, "drop terminal entries older than this (default: queue.retention_hours)")
	claimTimeout := fs.Duration("claim-timeout", 0, "reclaim claims idle longer than this (default: queue.claim_timeout_sec)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, cfg, store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if *maxAge <= 0 {
		*maxAge = cfg.Queue.Retention()
	}
	if *claimTimeout <= 0 {
		*claimTimeout = cfg.Queue.ClaimTimeout()
	}
	reclaimed, err := store.ReclaimStale(ctx, *claimTimeout)
	if err != nil {
		return err
	}
	removed, err := store.Cleanup(ctx, *maxAge)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Reclaimed %d stale claims, removed %d old entries\n", reclaimed, removed)
	return nil
}
