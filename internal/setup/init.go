// Package setup handles isolate project initialization.
package setup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/queue"
	atomicyaml "github.com/lprior-repo/isolate-sub002/internal/yaml"
	"github.com/lprior-repo/isolate-sub002/templates"
)

// StateDirName is the per-project state directory.
const StateDirName = ".isolate"

// Options tune the generated config.yaml.
type Options struct {
	// ProjectName defaults to the directory basename.
	ProjectName string
	// Backend overrides vcs.backend ("git" or "memory").
	Backend string
	// MainBranch overrides vcs.main_branch.
	MainBranch string
}

// Run initializes the .isolate/ directory in projectDir and returns its path.
func Run(ctx context.Context, projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, StateDirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	cfg, err := generateConfig(absDir, opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}

	dirs := []string{
		"locks",
		"logs",
		"reports",
		"quarantine",
		cfg.QualityGates.Dir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(model.ResolvePath(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	gatesDir := model.ResolvePath(base, cfg.QualityGates.Dir)
	if err := copyTemplateFile("quality_gates/default.yaml", filepath.Join(gatesDir, "default.yaml")); err != nil {
		return "", err
	}

	store, err := queue.OpenSQLite(ctx, model.ResolvePath(base, cfg.Queue.Database))
	if err != nil {
		return "", fmt.Errorf("create queue database: %w", err)
	}
	if err := store.Close(); err != nil {
		return "", fmt.Errorf("close queue database: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return "", fmt.Errorf("create daemon.lock: %w", err)
	}
	return base, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir string, opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	cfg.Project.Name = opts.ProjectName
	if cfg.Project.Name == "" {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir
	cfg.Project.Created = time.Now().Format(time.RFC3339)
	cfg.VCS.Repo = projectDir

	switch opts.Backend {
	case "", "git", "memory":
		if opts.Backend != "" {
			cfg.VCS.Backend = opts.Backend
		}
	default:
		return nil, fmt.Errorf("unknown vcs backend %q", opts.Backend)
	}
	if opts.MainBranch != "" {
		cfg.VCS.MainBranch = opts.MainBranch
	}
	return &cfg, nil
}
