package quality

import (
	"context"
	"regexp"
	"time"
)

// GateType represents when a gate is consulted
type GateType string

const (
	GateTypePreMerge GateType = "pre_merge"
)

// Severity represents the severity level of a rule failure
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ActionType represents the action to take based on gate evaluation
type ActionType string

const (
	ActionAllow    ActionType = "allow"
	ActionLog      ActionType = "log"
	ActionBlock    ActionType = "block"
	ActionWarn     ActionType = "warn"
	ActionContinue ActionType = "continue"
)

// ConditionType represents the type of rule condition
type ConditionType string

const (
	ConditionFieldValidation ConditionType = "field_validation"
	ConditionAnd             ConditionType = "and"
	ConditionOr              ConditionType = "or"
	ConditionNot             ConditionType = "not"
)

// FieldOperator represents comparison operators for field validation
type FieldOperator string

const (
	OpExists      FieldOperator = "exists"
	OpNotExists   FieldOperator = "not_exists"
	OpEquals      FieldOperator = "equals"
	OpNotEquals   FieldOperator = "not_equals"
	OpContains    FieldOperator = "contains"
	OpNotContains FieldOperator = "not_contains"
	OpMatches     FieldOperator = "matches"
	OpNotMatches  FieldOperator = "not_matches"
	OpGT          FieldOperator = "gt"
	OpGTE         FieldOperator = "gte"
	OpLT          FieldOperator = "lt"
	OpLTE         FieldOperator = "lte"
	OpIn          FieldOperator = "in"
	OpNotIn       FieldOperator = "not_in"
)

// GateDefinition is one declarative merge gate.
type GateDefinition struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Enabled     *bool             `yaml:"enabled" json:"enabled,omitempty"`
	Type        GateType          `yaml:"type" json:"type"`
	Priority    int               `yaml:"priority" json:"priority"`
	Trigger     TriggerDefinition `yaml:"trigger" json:"trigger"`
	Rules       []RuleDefinition  `yaml:"rules" json:"rules"`
	Action      ActionDefinition  `yaml:"action" json:"action"`
}

// IsEnabled reports whether the gate takes part in evaluation. Gates are
// enabled unless the file says otherwise.
func (g *GateDefinition) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// TriggerDefinition narrows the entries a gate applies to. Empty means all.
type TriggerDefinition struct {
	Priorities []int            `yaml:"priorities" json:"priorities,omitempty"`
	Patterns   []PatternTrigger `yaml:"patterns" json:"patterns,omitempty"`
}

// PatternTrigger applies a gate only when field matches regex.
type PatternTrigger struct {
	Field  string `yaml:"field" json:"field"`
	Regex  string `yaml:"regex" json:"regex"`
	Negate bool   `yaml:"negate" json:"negate,omitempty"`
}

// RuleDefinition represents a single validation rule
type RuleDefinition struct {
	ID          string        `yaml:"id" json:"id"`
	Description string        `yaml:"description" json:"description,omitempty"`
	Condition   RuleCondition `yaml:"condition" json:"condition"`
	Severity    Severity      `yaml:"severity" json:"severity"`
}

// RuleCondition represents the condition to evaluate
type RuleCondition struct {
	Type          ConditionType   `yaml:"type" json:"type"`
	Field         string          `yaml:"field" json:"field,omitempty"`
	Operator      FieldOperator   `yaml:"operator" json:"operator,omitempty"`
	Value         interface{}     `yaml:"value" json:"value,omitempty"`
	CaseSensitive *bool           `yaml:"case_sensitive" json:"case_sensitive,omitempty"`
	Conditions    []RuleCondition `yaml:"conditions" json:"conditions,omitempty"`
}

// ActionDefinition defines actions based on rule evaluation
type ActionDefinition struct {
	OnPass ActionType `yaml:"on_pass" json:"on_pass"`
	OnFail ActionType `yaml:"on_fail" json:"on_fail"`
	OnWarn ActionType `yaml:"on_warn" json:"on_warn"`
}

// GateConfiguration represents the full gate configuration file
type GateConfiguration struct {
	SchemaVersion string           `yaml:"schema_version" json:"schema_version"`
	Metadata      *GateMetadata    `yaml:"metadata" json:"metadata,omitempty"`
	Gates         []GateDefinition `yaml:"gates" json:"gates"`
}

type GateMetadata struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Author      string   `yaml:"author" json:"author,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
}

// EvaluationResult represents the result of gate evaluation
type EvaluationResult struct {
	GateID      string
	GateType    GateType
	Passed      bool
	Action      ActionType
	Duration    time.Duration
	CacheHit    bool
	FailedGates []string
	RuleResults []RuleResult
}

// Failures returns the messages of every failed rule.
func (r *EvaluationResult) Failures() []string {
	var out []string
	for _, rr := range r.RuleResults {
		if !rr.Passed {
			out = append(out, rr.Message)
		}
	}
	return out
}

// RuleResult represents the result of a single rule evaluation
type RuleResult struct {
	RuleID   string
	Passed   bool
	Severity Severity
	Message  string
	Duration time.Duration
	Error    error
}

// EvaluationContext provides field lookups for evaluation
type EvaluationContext interface {
	GetField(path string) (interface{}, bool)
}

// RuleEvaluator evaluates a specific type of rule condition
type RuleEvaluator interface {
	Evaluate(ctx context.Context, condition *CompiledCondition, evalCtx EvaluationContext) (bool, error)
}

// CompiledCondition is a RuleCondition with its regex and children prepared.
type CompiledCondition struct {
	*RuleCondition
	regex         *regexp.Regexp
	caseSensitive bool
	subConditions []*CompiledCondition
}

// CacheKey represents a key for caching evaluation results
type CacheKey struct {
	GateID             string
	GateVersionHash    string
	ContextFingerprint string
}

func (k CacheKey) String() string {
	return k.GateID + ":" + k.GateVersionHash + ":" + k.ContextFingerprint
}
