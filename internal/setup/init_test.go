package setup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/quality"
	"github.com/lprior-repo/isolate-sub002/internal/queue"
)

func newProject(t *testing.T) string {
	t.Helper()
	projectDir := filepath.Join(t.TempDir(), "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}
	return projectDir
}

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	projectDir := newProject(t)

	base, err := Run(context.Background(), projectDir, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if base != filepath.Join(projectDir, StateDirName) {
		t.Errorf("unexpected state dir %s", base)
	}

	for _, d := range []string{"locks", "logs", "reports", "quarantine", "quality_gates"} {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
	for _, f := range []string{"config.yaml", "quality_gates/default.yaml", "queue.db", "locks/daemon.lock"} {
		if _, err := os.Stat(filepath.Join(base, f)); err != nil {
			t.Errorf("file %s does not exist: %v", f, err)
		}
	}
}

func TestRun_ConfigAutoFilled(t *testing.T) {
	projectDir := newProject(t)

	base, err := Run(context.Background(), projectDir, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := model.LoadConfig(base)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "myproject" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "myproject")
	}
	if cfg.Project.Root != projectDir {
		t.Errorf("project.root: got %q, want %q", cfg.Project.Root, projectDir)
	}
	if cfg.Project.Created == "" {
		t.Error("project.created is empty")
	}
	if cfg.VCS.Backend != "git" || cfg.VCS.Main() != "main" {
		t.Errorf("vcs defaults: backend=%q main=%q", cfg.VCS.Backend, cfg.VCS.Main())
	}
	if cfg.Train.EntryTimeoutSecs != 300 || cfg.Train.MaxConsecutiveFailures != 3 {
		t.Errorf("train defaults: %+v", cfg.Train)
	}
	if cfg.Queue.Database != "queue.db" {
		t.Errorf("queue.database: got %q", cfg.Queue.Database)
	}
}

func TestRun_Options(t *testing.T) {
	projectDir := newProject(t)

	base, err := Run(context.Background(), projectDir, Options{ProjectName: "custom", Backend: "memory", MainBranch: "trunk"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := model.LoadConfig(base)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "custom" || cfg.VCS.Backend != "memory" || cfg.VCS.Main() != "trunk" {
		t.Errorf("options not applied: name=%q backend=%q main=%q", cfg.Project.Name, cfg.VCS.Backend, cfg.VCS.Main())
	}
}

func TestRun_UnknownBackend(t *testing.T) {
	projectDir := newProject(t)
	_, err := Run(context.Background(), projectDir, Options{Backend: "svn"})
	if err == nil || !strings.Contains(err.Error(), "unknown vcs backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(projectDir, StateDirName)); !os.IsNotExist(err) {
		t.Error("state dir must not be created when config generation fails")
	}
}

func TestRun_DefaultGatesCompile(t *testing.T) {
	projectDir := newProject(t)
	base, err := Run(context.Background(), projectDir, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := quality.NewLoader(filepath.Join(base, "quality_gates")).Load()
	if err != nil {
		t.Fatalf("load gates: %v", err)
	}
	engine := quality.NewEngine()
	if err := engine.LoadConfiguration(cfg); err != nil {
		t.Fatalf("compile gates: %v", err)
	}
	ids := engine.GateIDs(quality.GateTypePreMerge)
	if len(ids) != 3 || ids[0] != "retry_budget" {
		t.Errorf("unexpected gates %v", ids)
	}
}

func TestRun_DatabaseUsable(t *testing.T) {
	projectDir := newProject(t)
	base, err := Run(context.Background(), projectDir, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx := context.Background()
	store, err := queue.OpenSQLite(ctx, filepath.Join(base, "queue.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	n, err := store.CountPending(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestRun_AlreadyExists(t *testing.T) {
	projectDir := newProject(t)

	if _, err := Run(context.Background(), projectDir, Options{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err := Run(context.Background(), projectDir, Options{})
	if err == nil {
		t.Fatal("expected error on second Run")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("unexpected error: %v", err)
	}
}
