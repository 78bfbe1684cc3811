package daemon

import (
	"sort"
	"sync"
	"time"

	"github.com/lprior-repo/isolate-sub002/internal/train"
	atomicyaml "github.com/lprior-repo/isolate-sub002/internal/yaml"
)

// Report is the persisted summary of one train run.
type Report struct {
	atomicyaml.Header `yaml:",inline"`

	RunID      string       `yaml:"run_id" json:"run_id"`
	Trigger    string       `yaml:"trigger" json:"trigger"`
	DryRun     bool         `yaml:"dry_run" json:"dry_run"`
	StartedAt  time.Time    `yaml:"started_at" json:"started_at"`
	FinishedAt time.Time    `yaml:"finished_at" json:"finished_at"`
	Result     train.Result `yaml:"result" json:"result"`
	Restacked  int          `yaml:"restacked,omitempty" json:"restacked,omitempty"`
	Error      string       `yaml:"error,omitempty" json:"error,omitempty"`
}

// LoadReport reads the last run report, restoring it from its backup when it
// is corrupted.
func LoadReport(stateDir string) (Report, error) {
	var r Report
	if _, err := atomicyaml.Load(stateDir, ReportPath(stateDir), atomicyaml.FileTypeTrainReport, &r); err != nil {
		return Report{}, err
	}
	return r, nil
}

// claimTracker follows the train's steps to know which workspaces this
// process has claimed and not yet finished.
type claimTracker struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newClaimTracker() *claimTracker {
	return &claimTracker{claimed: make(map[string]bool)}
}

func (c *claimTracker) Emit(s train.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case s.Kind == train.StepClaim && s.Status == train.StepCompleted:
		c.claimed[s.Workspace] = true
	case s.Kind == train.StepCleanup && s.Status != train.StepStarted:
		delete(c.claimed, s.Workspace)
	}
}

func (c *claimTracker) forget(ws string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, ws)
}

func (c *claimTracker) Snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.claimed))
	for ws := range c.claimed {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}
