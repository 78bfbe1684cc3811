package quality

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const SchemaVersion = "1.0.0"

// Loader reads gate files from one directory. Parsed files are cached by
// modification time, so repeated loads after a watch event only re-read what
// changed.
type Loader struct {
	dir string

	mu     sync.Mutex
	files  map[string]*GateConfiguration
	loaded map[string]time.Time
}

func NewLoader(dir string) *Loader {
	return &Loader{
		dir:    dir,
		files:  make(map[string]*GateConfiguration),
		loaded: make(map[string]time.Time),
	}
}

func (l *Loader) Dir() string {
	return l.dir
}

// Load merges every *.yaml and *.yml file in the directory, in name order.
// A missing directory yields the built-in defaults.
func (l *Loader) Load() (*GateConfiguration, error) {
	if _, err := os.Stat(l.dir); errors.Is(err, os.ErrNotExist) {
		return DefaultConfiguration(), nil
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(l.dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	merged := &GateConfiguration{SchemaVersion: SchemaVersion}
	seen := make(map[string]string)
	for _, path := range files {
		cfg, err := l.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		for _, g := range cfg.Gates {
			if prev, dup := seen[g.ID]; dup {
				return nil, fmt.Errorf("duplicate gate ID %s in %s (first defined in %s)", g.ID, filepath.Base(path), filepath.Base(prev))
			}
			seen[g.ID] = path
		}
		merged.Gates = append(merged.Gates, cfg.Gates...)
		if merged.Metadata == nil {
			merged.Metadata = cfg.Metadata
		}
	}
	return merged, nil
}

// LoadFromFile parses, validates and defaults one gate file.
func (l *Loader) LoadFromFile(path string) (*GateConfiguration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat gate file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg, ok := l.files[path]; ok && !info.ModTime().After(l.loaded[path]) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gate file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	l.files[path] = cfg
	l.loaded[path] = info.ModTime()
	return cfg, nil
}

// LoadFromBytes parses gate YAML in strict mode, validates it and applies
// defaults.
func LoadFromBytes(data []byte) (*GateConfiguration, error) {
	var cfg GateConfiguration
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse gate YAML: %w", err)
	}
	if err := validateConfiguration(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func validateConfiguration(cfg *GateConfiguration) error {
	if cfg.SchemaVersion == "" {
		return fmt.Errorf("schema_version is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema version: %s", cfg.SchemaVersion)
	}

	ids := make(map[string]bool)
	for i, gate := range cfg.Gates {
		if gate.ID == "" {
			return fmt.Errorf("gate %d: missing ID", i)
		}
		if ids[gate.ID] {
			return fmt.Errorf("duplicate gate ID: %s", gate.ID)
		}
		ids[gate.ID] = true

		if gate.Name == "" {
			return fmt.Errorf("gate %s: missing name", gate.ID)
		}
		switch gate.Type {
		case GateTypePreMerge, "":
		default:
			return fmt.Errorf("gate %s: invalid type: %s", gate.ID, gate.Type)
		}
		if gate.Priority != 0 && (gate.Priority < 1 || gate.Priority > 100) {
			return fmt.Errorf("gate %s: priority must be between 1 and 100", gate.ID)
		}
		if len(gate.Rules) == 0 {
			return fmt.Errorf("gate %s: must have at least one rule", gate.ID)
		}
		for j, rule := range gate.Rules {
			if rule.ID == "" {
				return fmt.Errorf("gate %s, rule %d: missing ID", gate.ID, j)
			}
			if err := validateCondition(&rule.Condition); err != nil {
				return fmt.Errorf("gate %s, rule %s: %w", gate.ID, rule.ID, err)
			}
			switch rule.Severity {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical, "":
			default:
				return fmt.Errorf("gate %s, rule %s: invalid severity: %s", gate.ID, rule.ID, rule.Severity)
			}
		}
		if err := validateAction(&gate.Action); err != nil {
			return fmt.Errorf("gate %s: %w", gate.ID, err)
		}
	}
	return nil
}

func validateCondition(cond *RuleCondition) error {
	switch cond.Type {
	case ConditionFieldValidation:
		if cond.Field == "" {
			return fmt.Errorf("field validation condition requires field")
		}
		switch cond.Operator {
		case OpExists, OpNotExists, OpEquals, OpNotEquals, OpContains, OpNotContains,
			OpMatches, OpNotMatches, OpGT, OpGTE, OpLT, OpLTE, OpIn, OpNotIn:
		case "":
			return fmt.Errorf("field validation condition requires operator")
		default:
			return fmt.Errorf("invalid operator: %s", cond.Operator)
		}
	case ConditionAnd, ConditionOr:
		if len(cond.Conditions) == 0 {
			return fmt.Errorf("%s condition requires sub-conditions", cond.Type)
		}
		for i := range cond.Conditions {
			if err := validateCondition(&cond.Conditions[i]); err != nil {
				return err
			}
		}
	case ConditionNot:
		if len(cond.Conditions) != 1 {
			return fmt.Errorf("not condition must have exactly one sub-condition")
		}
		return validateCondition(&cond.Conditions[0])
	default:
		return fmt.Errorf("unknown condition type: %s", cond.Type)
	}
	return nil
}

func validateAction(action *ActionDefinition) error {
	switch action.OnPass {
	case ActionAllow, ActionLog, "":
	default:
		return fmt.Errorf("invalid on_pass action: %s", action.OnPass)
	}
	switch action.OnFail {
	case ActionBlock, ActionWarn, "":
	default:
		return fmt.Errorf("invalid on_fail action: %s", action.OnFail)
	}
	switch action.OnWarn {
	case ActionContinue, ActionLog, "":
	default:
		return fmt.Errorf("invalid on_warn action: %s", action.OnWarn)
	}
	return nil
}

func applyDefaults(cfg *GateConfiguration) {
	for i := range cfg.Gates {
		gate := &cfg.Gates[i]
		if gate.Type == "" {
			gate.Type = GateTypePreMerge
		}
		if gate.Priority == 0 {
			gate.Priority = 50
		}
		for j := range gate.Rules {
			if gate.Rules[j].Severity == "" {
				gate.Rules[j].Severity = SeverityError
			}
		}
		if gate.Action.OnPass == "" {
			gate.Action.OnPass = ActionAllow
		}
		if gate.Action.OnFail == "" {
			gate.Action.OnFail = ActionBlock
		}
		if gate.Action.OnWarn == "" {
			gate.Action.OnWarn = ActionContinue
		}
	}
}

// DefaultConfiguration is used when no gate directory exists.
func DefaultConfiguration() *GateConfiguration {
	return &GateConfiguration{
		SchemaVersion: SchemaVersion,
		Metadata: &GateMetadata{
			Name:        "Default Gates",
			Description: "Built-in pre-merge checks",
		},
		Gates: []GateDefinition{
			{
				ID:          "retry_budget",
				Name:        "Retry Budget",
				Description: "Entries that exhausted their attempts are not merged",
				Type:        GateTypePreMerge,
				Priority:    10,
				Rules: []RuleDefinition{
					{
						ID:          "attempts_within_budget",
						Description: "attempt_count must not exceed max_attempts",
						Condition: RuleCondition{
							Type: ConditionOr,
							Conditions: []RuleCondition{
								{Type: ConditionFieldValidation, Field: "entry.max_attempts", Operator: OpLTE, Value: 0},
								{Type: ConditionFieldValidation, Field: "entry.attempts_remaining", Operator: OpGTE, Value: 0},
							},
						},
						Severity: SeverityError,
					},
				},
				Action: ActionDefinition{OnPass: ActionAllow, OnFail: ActionBlock, OnWarn: ActionContinue},
			},
		},
	}
}
