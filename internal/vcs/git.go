// Package vcs implements the merge train's version-control backends.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lprior-repo/isolate-sub002/internal/lock"
	"github.com/lprior-repo/isolate-sub002/internal/logging"
	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/train"
)

var (
	_ train.Backend        = (*Git)(nil)
	_ train.ConflictLister = (*Git)(nil)
)

// Serializes mutating git calls per repository within this process. The flock
// in the git dir covers other processes.
var repoLocks = lock.NewMutexMap()

const mergeLockName = "isolate-merge.lock"

// CommandError is a failed git invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Git merges workspace branches into the main branch of one repository.
// Workspace w lives on branch <prefix>w. Rebase and Merge check branches out
// in the repository's own work tree, so the repository should be a dedicated
// integration clone.
type Git struct {
	repo   string
	main   string
	prefix string
	log    *logging.Logger

	mu     sync.Mutex
	gitDir string
}

func NewGit(repo, mainBranch, branchPrefix string, log *logging.Logger) *Git {
	if mainBranch == "" {
		mainBranch = "main"
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Git{repo: repo, main: mainBranch, prefix: branchPrefix, log: log}
}

// Branch returns the branch holding workspace.
func (g *Git) Branch(workspace string) string {
	return g.prefix + workspace
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", g.repo}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		cerr := &CommandError{Args: args, ExitCode: -1, Stderr: strings.TrimSpace(stderr.String()), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			cerr.Err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return strings.TrimSpace(stdout.String()), cerr
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *Git) revParse(ctx context.Context, rev string) (string, error) {
	return g.run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
}

func (g *Git) MainRef(ctx context.Context) (string, error) {
	sha, err := g.revParse(ctx, g.main)
	if err != nil {
		return "", fmt.Errorf("resolve main branch %s: %w", g.main, err)
	}
	return sha, nil
}

// ConflictFiles lists the files that would conflict when merging workspace
// into main. It does not touch the work tree.
func (g *Git) ConflictFiles(ctx context.Context, workspace string) ([]string, error) {
	branch := g.Branch(workspace)
	if _, err := g.revParse(ctx, branch); err != nil {
		return nil, fmt.Errorf("resolve workspace branch %s: %w", branch, err)
	}
	out, err := g.run(ctx, "merge-tree", "--write-tree", "--name-only", "--no-messages", g.main, branch)
	if err == nil {
		return nil, nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.ExitCode == 1 {
		// first line is the resulting tree id
		lines := strings.Split(out, "\n")
		var files []string
		for _, l := range lines[1:] {
			if l = strings.TrimSpace(l); l != "" {
				files = append(files, l)
			}
		}
		return files, nil
	}
	return nil, fmt.Errorf("probe conflicts for %s: %w", branch, err)
}

func (g *Git) HasConflicts(ctx context.Context, workspace string) (bool, error) {
	files, err := g.ConflictFiles(ctx, workspace)
	if err != nil {
		return false, err
	}
	if len(files) > 0 {
		g.log.Infof("conflicts workspace=%s files=%s", workspace, strings.Join(files, ","))
	}
	return len(files) > 0, nil
}

func (g *Git) Rebase(ctx context.Context, workspace string) (string, error) {
	branch := g.Branch(workspace)
	var head string
	err := g.withMergeLock(ctx, func() error {
		if _, err := g.run(ctx, "rebase", g.main, branch); err != nil {
			if _, aerr := g.run(context.WithoutCancel(ctx), "rebase", "--abort"); aerr != nil {
				g.log.Warnf("rebase abort failed workspace=%s: %v", workspace, aerr)
			}
			return fmt.Errorf("rebase %s onto %s: %w", branch, g.main, err)
		}
		var err error
		if head, err = g.revParse(ctx, branch); err != nil {
			return fmt.Errorf("resolve rebased %s: %w", branch, err)
		}
		if _, err := g.run(ctx, "checkout", "--quiet", g.main); err != nil {
			return fmt.Errorf("return to %s: %w", g.main, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	g.log.Infof("rebased workspace=%s head=%s", workspace, head)
	return head, nil
}

func (g *Git) Merge(ctx context.Context, workspace string) (string, error) {
	branch := g.Branch(workspace)
	var merged string
	err := g.withMergeLock(ctx, func() error {
		if _, err := g.run(ctx, "checkout", "--quiet", g.main); err != nil {
			return fmt.Errorf("checkout %s: %w", g.main, err)
		}
		msg := fmt.Sprintf("Merge %s into %s", branch, g.main)
		if _, err := g.run(ctx, "merge", "--no-ff", "--no-edit", "-m", msg, branch); err != nil {
			if _, aerr := g.run(context.WithoutCancel(ctx), "merge", "--abort"); aerr != nil {
				g.log.Warnf("merge abort failed workspace=%s: %v", workspace, aerr)
			}
			return fmt.Errorf("merge %s: %w", branch, err)
		}
		var err error
		if merged, err = g.revParse(ctx, "HEAD"); err != nil {
			return fmt.Errorf("resolve merge commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	g.log.Infof("merged workspace=%s commit=%s", workspace, merged)
	return merged, nil
}

func (g *Git) commonDir(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gitDir != "" {
		return g.gitDir, nil
	}
	dir, err := g.run(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("locate git dir: %w", err)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(g.repo, dir)
	}
	g.gitDir = filepath.Clean(dir)
	return g.gitDir, nil
}

// withMergeLock runs fn holding the in-process repo mutex and the flock that
// other isolate processes take before touching refs.
func (g *Git) withMergeLock(ctx context.Context, fn func() error) error {
	dir, err := g.commonDir(ctx)
	if err != nil {
		return err
	}
	return repoLocks.With(dir, func() error {
		fl := lock.NewFileLock(filepath.Join(dir, mergeLockName))
		if err := fl.Lock(ctx); err != nil {
			return fmt.Errorf("acquire merge lock: %w", err)
		}
		defer fl.Unlock()
		return fn()
	})
}

// Open builds the backend selected by cfg. Relative repository paths are
// resolved against projectRoot.
func Open(cfg model.VCSConfig, projectRoot string, log *logging.Logger) (train.Backend, error) {
	switch cfg.Backend {
	case "", "git":
		repo := cfg.Repo
		if repo == "" {
			repo = projectRoot
		} else if !filepath.IsAbs(repo) {
			repo = filepath.Join(projectRoot, repo)
		}
		return NewGit(repo, cfg.Main(), cfg.BranchPrefix, log), nil
	case "memory":
		return NewMemory("main-0"), nil
	default:
		return nil, fmt.Errorf("unknown vcs backend %q", cfg.Backend)
	}
}
