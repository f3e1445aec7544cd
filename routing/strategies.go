package routing

import (
	"github.com/voltmind/maestro/core"
)

// Strategy priorities. Higher runs first.
const (
	priorityRuleBased   = 30
	priorityComplexity  = 20
	priorityPerformance = 10
)

// complexPromptLength is the prompt size past which a task is treated as
// needing the stronger-reasoning adapter.
const complexPromptLength = 1500

// defaultRules is the static kind -> adapter table used when no custom
// table is supplied.
var defaultRules = map[core.TaskKind]string{
	core.KindCodeGeneration: core.AdapterClaude,
	core.KindCodeReview:     core.AdapterClaude,
	core.KindDebugging:      core.AdapterClaude,
	core.KindRefactoring:    core.AdapterClaude,
	core.KindDocumentation:  core.AdapterOpenAI,
	core.KindTesting:        core.AdapterOpenAI,
	core.KindArchitecture:   core.AdapterClaude,
	core.KindSearch:         core.AdapterGemini,
	core.KindMultimodal:     core.AdapterGemini,
	core.KindValidation:     core.AdapterOpenAI,
}

// DefaultStrategies returns the standard chain: rule table, complexity,
// performance.
func DefaultStrategies() []Strategy {
	return []Strategy{
		NewRuleBasedStrategy(nil),
		NewComplexityStrategy(core.AdapterClaude),
		NewPerformanceStrategy(core.AdapterGemini),
	}
}

// RuleBasedStrategy routes by a static per-kind adapter table.
type RuleBasedStrategy struct {
	rules map[core.TaskKind]string
}

// NewRuleBasedStrategy builds the strategy. A nil table uses the
// defaults.
func NewRuleBasedStrategy(rules map[core.TaskKind]string) *RuleBasedStrategy {
	if rules == nil {
		rules = defaultRules
	}
	return &RuleBasedStrategy{rules: rules}
}

func (s *RuleBasedStrategy) Name() string  { return "rule-based" }
func (s *RuleBasedStrategy) Priority() int { return priorityRuleBased }

func (s *RuleBasedStrategy) CanHandle(task *core.Task) bool {
	_, ok := s.rules[task.Kind]
	return ok
}

func (s *RuleBasedStrategy) Select(task *core.Task, registry *core.AdapterRegistry) string {
	adapterID := s.rules[task.Kind]
	if !registry.Has(adapterID) {
		return ""
	}
	return adapterID
}

// ComplexityStrategy sends long prompts to the stronger-reasoning
// adapter.
type ComplexityStrategy struct {
	reasoningAdapter string
}

// NewComplexityStrategy builds the strategy around the adapter with the
// strongest reasoning.
func NewComplexityStrategy(reasoningAdapter string) *ComplexityStrategy {
	return &ComplexityStrategy{reasoningAdapter: reasoningAdapter}
}

func (s *ComplexityStrategy) Name() string  { return "complexity-based" }
func (s *ComplexityStrategy) Priority() int { return priorityComplexity }

func (s *ComplexityStrategy) CanHandle(task *core.Task) bool {
	return len(task.Prompt) > complexPromptLength
}

func (s *ComplexityStrategy) Select(task *core.Task, registry *core.AdapterRegistry) string {
	if !registry.Has(s.reasoningAdapter) {
		return ""
	}
	return s.reasoningAdapter
}

// PerformanceStrategy sends high-priority tasks to the fastest adapter.
type PerformanceStrategy struct {
	fastAdapter string
}

// NewPerformanceStrategy builds the strategy around the lowest-latency
// adapter.
func NewPerformanceStrategy(fastAdapter string) *PerformanceStrategy {
	return &PerformanceStrategy{fastAdapter: fastAdapter}
}

func (s *PerformanceStrategy) Name() string  { return "performance-based" }
func (s *PerformanceStrategy) Priority() int { return priorityPerformance }

func (s *PerformanceStrategy) CanHandle(task *core.Task) bool {
	return task.Priority.AtLeast(core.PriorityHigh)
}

func (s *PerformanceStrategy) Select(task *core.Task, registry *core.AdapterRegistry) string {
	if !registry.Has(s.fastAdapter) {
		return ""
	}
	return s.fastAdapter
}
