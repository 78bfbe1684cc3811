package vcs

import (
	"context"
	"fmt"
	"sync"

	"github.com/lprior-repo/isolate-sub002/internal/train"
)

var (
	_ train.Backend        = (*Memory)(nil)
	_ train.ConflictLister = (*Memory)(nil)
)

// Call records one backend invocation.
type Call struct {
	Op        string
	Workspace string
}

// Hook runs before every Memory operation. A non-nil error fails the call.
type Hook func(ctx context.Context, op, workspace string) error

// Memory is a deterministic backend. Merges advance main to merge-NNN and
// rebases move the workspace head onto the current main.
type Memory struct {
	mu           sync.Mutex
	main         string
	heads        map[string]string
	conflicts    map[string]bool
	conflictSet  map[string][]string
	mergeErrs    map[string]error
	rebaseErrs   map[string]error
	conflictErrs map[string]error
	mainErr      error
	hook         Hook
	merged       []string
	calls        []Call
}

func NewMemory(main string) *Memory {
	return &Memory{
		main:         main,
		heads:        make(map[string]string),
		conflicts:    make(map[string]bool),
		conflictSet:  make(map[string][]string),
		mergeErrs:    make(map[string]error),
		rebaseErrs:   make(map[string]error),
		conflictErrs: make(map[string]error),
	}
}

func (m *Memory) SetMain(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.main = ref
}

func (m *Memory) SetConflict(workspace string, conflicted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[workspace] = conflicted
}

// SetConflictFiles marks workspace conflicted on files.
func (m *Memory) SetConflictFiles(workspace string, files ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[workspace] = len(files) > 0
	m.conflictSet[workspace] = append([]string(nil), files...)
}

func (m *Memory) FailMerge(workspace string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeErrs[workspace] = err
}

func (m *Memory) FailRebase(workspace string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebaseErrs[workspace] = err
}

func (m *Memory) FailConflictCheck(workspace string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictErrs[workspace] = err
}

func (m *Memory) FailMainRef(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mainErr = err
}

func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Calls returns a copy of the invocation log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Merged returns the workspaces merged so far, in order.
func (m *Memory) Merged() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.merged...)
}

func (m *Memory) Head(workspace string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads[workspace]
}

// begin logs the call and runs the hook outside the mutex.
func (m *Memory) begin(ctx context.Context, op, workspace string) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Workspace: workspace})
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, workspace); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (m *Memory) MainRef(ctx context.Context) (string, error) {
	if err := m.begin(ctx, "main_ref", ""); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mainErr != nil {
		return "", m.mainErr
	}
	return m.main, nil
}

func (m *Memory) HasConflicts(ctx context.Context, workspace string) (bool, error) {
	if err := m.begin(ctx, "has_conflicts", workspace); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.conflictErrs[workspace]; err != nil {
		return false, err
	}
	return m.conflicts[workspace], nil
}

func (m *Memory) ConflictFiles(ctx context.Context, workspace string) ([]string, error) {
	if err := m.begin(ctx, "conflict_files", workspace); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.conflictErrs[workspace]; err != nil {
		return nil, err
	}
	if !m.conflicts[workspace] {
		return nil, nil
	}
	return append([]string(nil), m.conflictSet[workspace]...), nil
}

func (m *Memory) Rebase(ctx context.Context, workspace string) (string, error) {
	if err := m.begin(ctx, "rebase", workspace); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rebaseErrs[workspace]; err != nil {
		return "", err
	}
	head := fmt.Sprintf("%s@%s", workspace, m.main)
	m.heads[workspace] = head
	return head, nil
}

func (m *Memory) Merge(ctx context.Context, workspace string) (string, error) {
	if err := m.begin(ctx, "merge", workspace); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mergeErrs[workspace]; err != nil {
		return "", err
	}
	if m.conflicts[workspace] {
		return "", fmt.Errorf("merge %s: conflicts with %s", workspace, m.main)
	}
	m.merged = append(m.merged, workspace)
	m.main = fmt.Sprintf("merge-%03d", len(m.merged))
	return m.main, nil
}
