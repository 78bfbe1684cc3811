package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate-sub002/internal/daemon"
	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/queue"
	"github.com/lprior-repo/isolate-sub002/internal/train"
	"github.com/lprior-repo/isolate-sub002/internal/uds"
)

type testCLI struct {
	*cli
	out *bytes.Buffer
	err *bytes.Buffer
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	out, errBuf := &bytes.Buffer{}, &bytes.Buffer{}
	return &testCLI{
		cli: &cli{stdout: out, stderr: errBuf, dir: t.TempDir()},
		out: out,
		err: errBuf,
	}
}

// exec runs args and returns the exit code, resetting captured output first.
func (c *testCLI) exec(args ...string) int {
	c.out.Reset()
	c.err.Reset()
	return c.run(context.Background(), args)
}

func (c *testCLI) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	if code := c.exec(args...); code != 0 {
		t.Fatalf("isolate %v exited %d\nstdout: %s\nstderr: %s", args, code, c.out, c.err)
	}
	return c.out.String()
}

func initProject(t *testing.T) *testCLI {
	t.Helper()
	c := newTestCLI(t)
	c.mustExec(t, "init", "--backend", "memory", "--name", "demo")
	return c
}

func TestCLI_VersionAndHelp(t *testing.T) {
	c := newTestCLI(t)
	assert.Contains(t, c.mustExec(t, "version"), "isolate "+version)

	assert.Equal(t, 0, c.exec("help"))
	assert.Contains(t, c.err.String(), "queue add <workspace>")
}

func TestCLI_UnknownCommand(t *testing.T) {
	c := newTestCLI(t)
	assert.Equal(t, 2, c.exec("bogus"))
	assert.Contains(t, c.err.String(), "unknown command: bogus")

	assert.Equal(t, 2, c.exec())
	assert.Equal(t, 2, c.exec("queue", "bogus"))
	assert.Equal(t, 2, c.exec("train"))
}

func TestCLI_CommandsNeedProject(t *testing.T) {
	c := newTestCLI(t)
	assert.Equal(t, 1, c.exec("queue", "list"))
	assert.Contains(t, c.err.String(), "isolate init")
}

func TestCLI_Init(t *testing.T) {
	c := initProject(t)
	stateDir := filepath.Join(c.dir, ".isolate")
	assert.Contains(t, c.out.String(), stateDir)

	cfg, err := model.LoadConfig(stateDir)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, "memory", cfg.VCS.Backend)

	assert.Equal(t, 1, c.exec("init"), "second init must fail")
}

func TestCLI_InitIntoDir(t *testing.T) {
	c := newTestCLI(t)
	c.mustExec(t, "init", "sub", "--backend", "memory")
	_, err := os.Stat(filepath.Join(c.dir, "sub", ".isolate", "config.yaml"))
	assert.NoError(t, err)
}

func TestCLI_FindsStateDirFromSubdirectory(t *testing.T) {
	c := initProject(t)
	nested := filepath.Join(c.dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	c.dir = nested

	c.mustExec(t, "queue", "add", "feature-a")
	assert.Contains(t, c.mustExec(t, "queue", "list"), "feature-a")
}

func TestCLI_QueueLifecycle(t *testing.T) {
	c := initProject(t)

	var added queue.AddResult
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "queue", "add", "feature-a", "-p", "3", "--bead", "bd-1", "--json")), &added))
	assert.True(t, added.Created)
	assert.Equal(t, 1, added.Position)
	assert.Equal(t, 3, added.Entry.Priority)
	assert.Equal(t, "bd-1", model.Deref(added.Entry.BeadID))

	assert.Contains(t, c.mustExec(t, "queue", "add", "feature-b"), "Queued feature-b at position 2")
	assert.Contains(t, c.mustExec(t, "queue", "add", "feature-b"), "already queued")

	var entries []model.QueueEntry
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "queue", "list", "--json")), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "feature-a", entries[0].Workspace)

	var shown struct {
		model.QueueEntry
		Position int `json:"position"`
	}
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "queue", "show", "feature-b", "--json")), &shown))
	assert.Equal(t, 2, shown.Position)
	assert.Equal(t, model.StatusPending, shown.Status)

	assert.Contains(t, c.mustExec(t, "queue", "cancel", "feature-b"), "Cancelled feature-b")

	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "queue", "list", "--status", "cancelled", "--json")), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "feature-b", entries[0].Workspace)

	var evs []model.QueueEvent
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "queue", "events", "feature-b", "--json")), &evs))
	require.NotEmpty(t, evs)
	assert.Equal(t, model.EventCreated, evs[0].EventType)

	var st model.QueueStats
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "queue", "stats", "--json")), &st))
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Cancelled)

	assert.Contains(t, c.mustExec(t, "queue", "remove", "feature-b"), "Removed feature-b")
	assert.Equal(t, 1, c.exec("queue", "show", "feature-b"))

	assert.Contains(t, c.mustExec(t, "queue", "cleanup"), "Reclaimed 0 stale claims")
}

func TestCLI_QueueUsageErrors(t *testing.T) {
	c := initProject(t)
	assert.Equal(t, 2, c.exec("queue", "add"))
	assert.Equal(t, 2, c.exec("queue", "show", "a", "b"))
	assert.Equal(t, 2, c.exec("queue", "list", "--no-such-flag"))
	assert.Equal(t, 1, c.exec("queue", "list", "--status", "nonsense"))
}

func TestCLI_TrainRunMergesQueue(t *testing.T) {
	c := initProject(t)
	c.mustExec(t, "queue", "add", "feature-a", "--tested-against", "main-0")
	c.mustExec(t, "queue", "add", "feature-b")

	var report daemon.Report
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "train", "run", "--json")), &report))
	assert.Equal(t, "cli", report.Trigger)
	assert.Equal(t, 1, report.Result.Merged)
	assert.Zero(t, report.Result.Failed)
	require.Len(t, report.Result.Entries, 2)
	assert.Equal(t, train.ResultStale, report.Result.Entries[1].Result, "untested entry goes stale without rebase")

	var st model.QueueStats
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "queue", "stats", "--json")), &st))
	assert.Equal(t, 1, st.Completed)

	loaded, err := daemon.LoadReport(filepath.Join(c.dir, ".isolate"))
	require.NoError(t, err)
	assert.Equal(t, report.RunID, loaded.RunID)
}

func TestCLI_TrainRunDryRun(t *testing.T) {
	c := initProject(t)
	c.mustExec(t, "queue", "add", "feature-a", "--tested-against", "main-0")

	out := c.mustExec(t, "train", "run", "--dry-run")
	assert.Contains(t, out, "(dry run)")
	assert.Contains(t, out, "feature-a")

	var entries []model.QueueEntry
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "queue", "list", "--json")), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusReadyToMerge, entries[0].Status)
}

func TestCLI_TrainRunDaemonFlagConflicts(t *testing.T) {
	c := initProject(t)
	assert.Equal(t, 2, c.exec("train", "run", "--daemon", "--dry-run"))
}

func TestCLI_TrainRunDaemonNotRunning(t *testing.T) {
	c := initProject(t)
	assert.Equal(t, 1, c.exec("train", "run", "--daemon"))
	assert.Contains(t, c.err.String(), "isolate train:")
}

// daemonCLI initialises a project in a short temp dir so the socket path fits
// the unix socket length limit, and serves train.run from a fake daemon.
func daemonCLI(t *testing.T, report daemon.Report) *testCLI {
	t.Helper()
	dir, err := os.MkdirTemp("", "isocli")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	c := newTestCLI(t)
	c.dir = dir
	c.mustExec(t, "init", "--backend", "memory", "--name", "demo")

	srv := uds.NewServer(daemon.SocketPath(filepath.Join(dir, ".isolate")), nil)
	srv.Handle(uds.CmdTrainRun, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(daemon.TrainRunResult{Status: "completed", Report: &report})
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return c
}

func TestCLI_TrainRunDaemonReportsFailures(t *testing.T) {
	c := daemonCLI(t, daemon.Report{
		RunID: "run_x",
		Result: train.Result{
			TotalProcessed: 1,
			Failed:         1,
			Entries:        []train.EntryResult{{Workspace: "feature-a", Result: train.ResultFailedTerminal}},
		},
	})
	assert.Equal(t, 1, c.exec("train", "run", "--daemon"))
	assert.Contains(t, c.out.String(), "feature-a")
	assert.Contains(t, c.err.String(), "1 entries failed")

	assert.Equal(t, 1, c.exec("train", "run", "--daemon", "--json"))
}

func TestCLI_TrainRunDaemonReportsRunError(t *testing.T) {
	c := daemonCLI(t, daemon.Report{RunID: "run_y", Error: "train run aborted: main moved"})
	assert.Equal(t, 1, c.exec("train", "run", "--daemon"))
	assert.Contains(t, c.err.String(), "train run aborted: main moved")
}

func TestCLI_TrainRunDaemonSuccess(t *testing.T) {
	c := daemonCLI(t, daemon.Report{RunID: "run_z", Result: train.Result{TotalProcessed: 1, Merged: 1}})
	assert.Equal(t, 0, c.exec("train", "run", "--daemon"))
	assert.Contains(t, c.out.String(), "run_z")
}

func TestCLI_StatusWithoutDaemon(t *testing.T) {
	c := initProject(t)
	c.mustExec(t, "queue", "add", "feature-a")

	var st struct {
		Daemon struct {
			Running bool `json:"running"`
		} `json:"daemon"`
		Queue       model.QueueStats `json:"queue"`
		QueueSource string           `json:"queue_source"`
	}
	require.NoError(t, json.Unmarshal([]byte(c.mustExec(t, "status", "--json")), &st))
	assert.False(t, st.Daemon.Running)
	assert.Equal(t, 1, st.Queue.Pending)
	assert.Equal(t, "database", st.QueueSource)
}
