// Package quality evaluates declarative merge gates against queue entries.
package quality

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// Engine is the gate evaluation engine. LoadConfiguration may be called at
// any time to swap the gate set; evaluations in flight keep the old one.
type Engine struct {
	mu             sync.RWMutex
	gates          map[GateType][]*CompiledGate
	byID           map[string]*CompiledGate
	evaluators     map[ConditionType]RuleEvaluator
	configChecksum string

	cache        *ResultCache
	singleflight singleflight.Group
}

// CompiledGate represents a gate with pre-compiled conditions
type CompiledGate struct {
	*GateDefinition
	rules    []*CompiledRule
	patterns []compiledPattern
}

type CompiledRule struct {
	*RuleDefinition
	condition *CompiledCondition
}

type compiledPattern struct {
	PatternTrigger
	re *regexp.Regexp
}

func NewEngine() *Engine {
	e := &Engine{
		gates:      make(map[GateType][]*CompiledGate),
		byID:       make(map[string]*CompiledGate),
		evaluators: make(map[ConditionType]RuleEvaluator),
		cache:      NewResultCache(1000, 30*time.Second),
	}
	e.RegisterEvaluator(ConditionFieldValidation, &FieldValidationEvaluator{})
	e.RegisterEvaluator(ConditionAnd, &LogicalAndEvaluator{engine: e})
	e.RegisterEvaluator(ConditionOr, &LogicalOrEvaluator{engine: e})
	e.RegisterEvaluator(ConditionNot, &LogicalNotEvaluator{engine: e})
	return e
}

func (e *Engine) RegisterEvaluator(condType ConditionType, evaluator RuleEvaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluators[condType] = evaluator
}

// LoadConfiguration compiles config and replaces the current gate set.
func (e *Engine) LoadConfiguration(config *GateConfiguration) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("fingerprint gate configuration: %w", err)
	}
	sum := blake3.Sum256(data)

	gates := make(map[GateType][]*CompiledGate)
	byID := make(map[string]*CompiledGate)
	for i := range config.Gates {
		def := config.Gates[i]
		if !def.IsEnabled() {
			continue
		}
		cg, err := compileGate(&def)
		if err != nil {
			return fmt.Errorf("compile gate %s: %w", def.ID, err)
		}
		gates[def.Type] = append(gates[def.Type], cg)
		byID[def.ID] = cg
	}
	for t := range gates {
		sort.SliceStable(gates[t], func(i, j int) bool {
			return gates[t][i].Priority < gates[t][j].Priority
		})
	}

	e.mu.Lock()
	e.gates = gates
	e.byID = byID
	e.configChecksum = hex.EncodeToString(sum[:16])
	e.mu.Unlock()

	e.cache.Clear()
	return nil
}

// Checksum identifies the loaded configuration.
func (e *Engine) Checksum() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.configChecksum
}

// GateIDs lists the enabled gates of gateType in evaluation order.
func (e *Engine) GateIDs(gateType GateType) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.gates[gateType]))
	for _, g := range e.gates[gateType] {
		ids = append(ids, g.ID)
	}
	return ids
}

func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

func compileGate(def *GateDefinition) (*CompiledGate, error) {
	cg := &CompiledGate{GateDefinition: def}
	for _, p := range def.Trigger.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("trigger pattern %q: %w", p.Regex, err)
		}
		cg.patterns = append(cg.patterns, compiledPattern{PatternTrigger: p, re: re})
	}
	for i := range def.Rules {
		rule := &def.Rules[i]
		cond, err := compileCondition(&rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		cg.rules = append(cg.rules, &CompiledRule{RuleDefinition: rule, condition: cond})
	}
	return cg, nil
}

func compileCondition(cond *RuleCondition) (*CompiledCondition, error) {
	cc := &CompiledCondition{RuleCondition: cond, caseSensitive: true}
	if cond.CaseSensitive != nil {
		cc.caseSensitive = *cond.CaseSensitive
	}
	if cond.Type == ConditionFieldValidation && (cond.Operator == OpMatches || cond.Operator == OpNotMatches) {
		pattern, ok := cond.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%s on %s needs a string pattern", cond.Operator, cond.Field)
		}
		if !cc.caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
		cc.regex = re
	}
	for i := range cond.Conditions {
		sub, err := compileCondition(&cond.Conditions[i])
		if err != nil {
			return nil, err
		}
		cc.subConditions = append(cc.subConditions, sub)
	}
	return cc, nil
}

// Evaluate runs every gate of gateType against data, stopping at the first
// gate whose failure action is block.
func (e *Engine) Evaluate(ctx context.Context, gateType GateType, data map[string]interface{}) (*EvaluationResult, error) {
	e.mu.RLock()
	gates := e.gates[gateType]
	e.mu.RUnlock()

	start := time.Now()
	result := &EvaluationResult{GateType: gateType, Passed: true, Action: ActionAllow}
	for _, g := range gates {
		gr, err := e.evaluateCached(ctx, g, data)
		if err != nil {
			return nil, err
		}
		result.RuleResults = append(result.RuleResults, gr.RuleResults...)
		if gr.Passed {
			continue
		}
		result.Passed = false
		result.FailedGates = append(result.FailedGates, g.ID)
		if gr.Action == ActionBlock {
			result.Action = ActionBlock
			break
		}
		if gr.Action == ActionWarn {
			result.Action = ActionWarn
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

// EvaluateGate runs the single gate gateID against data.
func (e *Engine) EvaluateGate(ctx context.Context, gateID string, data map[string]interface{}) (*EvaluationResult, error) {
	e.mu.RLock()
	g, ok := e.byID[gateID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown gate %q", gateID)
	}
	return e.evaluateCached(ctx, g, data)
}

func (e *Engine) evaluateCached(ctx context.Context, g *CompiledGate, data map[string]interface{}) (*EvaluationResult, error) {
	key, err := e.cacheKey(g.ID, data)
	if err != nil {
		return nil, err
	}
	if cached := e.cache.Get(key); cached != nil {
		cached.CacheHit = true
		return cached, nil
	}

	v, err, _ := e.singleflight.Do(key.String(), func() (interface{}, error) {
		return e.evaluateGate(ctx, g, &MapEvaluationContext{data: data})
	})
	if err != nil {
		return nil, err
	}
	result := v.(*EvaluationResult)
	e.cache.Set(key, result)
	out := *result
	return &out, nil
}

func (e *Engine) evaluateGate(ctx context.Context, g *CompiledGate, evalCtx EvaluationContext) (*EvaluationResult, error) {
	start := time.Now()
	result := &EvaluationResult{
		GateID:   g.ID,
		GateType: g.Type,
		Passed:   true,
		Action:   g.Action.OnPass,
	}
	if !g.triggered(evalCtx) {
		result.Duration = time.Since(start)
		return result, nil
	}

	hasError := false
	for _, rule := range g.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rr := e.evaluateRule(ctx, rule, evalCtx)
		result.RuleResults = append(result.RuleResults, rr)
		if rr.Passed {
			continue
		}
		result.Passed = false
		if rr.Error != nil || rr.Severity == SeverityError || rr.Severity == SeverityCritical {
			hasError = true
		}
	}

	if !result.Passed {
		result.FailedGates = []string{g.ID}
		// warning-only failures never block
		result.Action = ActionWarn
		if hasError {
			result.Action = g.Action.OnFail
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, evalCtx EvaluationContext) RuleResult {
	start := time.Now()
	rr := RuleResult{RuleID: rule.ID, Severity: rule.Severity}

	passed, err := e.evaluateCondition(ctx, rule.condition, evalCtx)
	rr.Passed = passed && err == nil
	rr.Error = err
	rr.Duration = time.Since(start)

	switch {
	case err != nil:
		rr.Message = fmt.Sprintf("rule %s: %v", rule.ID, err)
	case !passed && rule.Description != "":
		rr.Message = fmt.Sprintf("rule %s failed: %s", rule.ID, rule.Description)
	case !passed:
		rr.Message = fmt.Sprintf("rule %s failed", rule.ID)
	}
	return rr
}

func (e *Engine) evaluateCondition(ctx context.Context, cond *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	e.mu.RLock()
	evaluator, ok := e.evaluators[cond.Type]
	e.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown condition type: %s", cond.Type)
	}
	return evaluator.Evaluate(ctx, cond, evalCtx)
}

func (g *CompiledGate) triggered(evalCtx EvaluationContext) bool {
	if len(g.Trigger.Priorities) > 0 {
		p, ok := evalCtx.GetField("entry.priority")
		if !ok || !containsInt(g.Trigger.Priorities, toInt(p)) {
			return false
		}
	}
	for _, p := range g.patterns {
		v, ok := evalCtx.GetField(p.Field)
		matched := ok && p.re.MatchString(fmt.Sprintf("%v", v))
		if p.Negate {
			matched = !matched
		}
		if !matched {
			return false
		}
	}
	return true
}

func (e *Engine) cacheKey(gateID string, data map[string]interface{}) (CacheKey, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return CacheKey{}, fmt.Errorf("fingerprint evaluation context: %w", err)
	}
	sum := blake3.Sum256(raw)
	return CacheKey{
		GateID:             gateID,
		GateVersionHash:    e.Checksum(),
		ContextFingerprint: hex.EncodeToString(sum[:16]),
	}, nil
}

func containsInt(slice []int, item int) bool {
	for _, i := range slice {
		if i == item {
			return true
		}
	}
	return false
}

func toInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}

// MapEvaluationContext resolves dotted paths against nested maps.
type MapEvaluationContext struct {
	data map[string]interface{}
}

func NewMapContext(data map[string]interface{}) *MapEvaluationContext {
	return &MapEvaluationContext{data: data}
}

// GetField retrieves a field value by path (e.g. "entry.workspace")
func (m *MapEvaluationContext) GetField(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	current := m.data
	for i, part := range parts {
		val, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, true
		}
		next, ok := val.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}
