// Package validation scores adapter results against weighted criteria
// and cross-validates pairs of results for the same task.
package validation

import (
	"fmt"
	"time"

	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/internal/textutil"
)

// Thresholds: a criterion passes at 0.6; a result is valid at 0.7
// weighted overall.
const (
	CriterionPassThreshold = 0.6
	OverallPassThreshold   = 0.7
)

// Criterion is one weighted scoring rule. Score must return a value in
// [0, 1].
type Criterion struct {
	Name   string
	Weight float64
	Score  func(result *core.Result, task *core.Task) float64
}

// CriterionScore is the outcome of one criterion.
type CriterionScore struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

// Report is the validator's verdict. Sub-threshold validation is
// reported, never fatal: the engine attaches the score and the
// recommendations to the result.
type Report struct {
	IsValid         bool             `json:"is_valid"`
	Score           float64          `json:"score"`
	Criteria        []CriterionScore `json:"criteria"`
	Recommendations []string         `json:"recommendations,omitempty"`
}

// Config configures a Validator.
type Config struct {
	// Criteria overrides the default set. Nil means DefaultCriteria().
	Criteria []Criterion

	// KindAdapterHints maps a task kind to the adapter best suited for
	// it; a mismatch adds a recommendation. Optional.
	KindAdapterHints map[core.TaskKind]string

	// Logger for validation decisions
	Logger core.Logger
}

// Validator scores results with weighted criteria.
type Validator struct {
	criteria []Criterion
	hints    map[core.TaskKind]string
	logger   core.Logger
}

// NewValidator creates a validator.
func NewValidator(config *Config) *Validator {
	if config == nil {
		config = &Config{}
	}
	criteria := config.Criteria
	if criteria == nil {
		criteria = DefaultCriteria()
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Validator{
		criteria: criteria,
		hints:    config.KindAdapterHints,
		logger:   logger,
	}
}

// Validate scores result against task. The final score is the
// weight-normalised sum of criterion scores.
func (v *Validator) Validate(result *core.Result, task *core.Task) (*Report, error) {
	if result == nil || task == nil {
		return nil, core.NewError(core.CodeInvalidRequest, "result and task are required")
	}

	report := &Report{Criteria: make([]CriterionScore, 0, len(v.criteria))}

	var weightSum, weighted float64
	for _, criterion := range v.criteria {
		score := clamp01(criterion.Score(result, task))
		passed := score >= CriterionPassThreshold

		report.Criteria = append(report.Criteria, CriterionScore{
			Name:   criterion.Name,
			Weight: criterion.Weight,
			Score:  score,
			Passed: passed,
		})
		weighted += score * criterion.Weight
		weightSum += criterion.Weight

		if !passed {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("improve %s (scored %.2f, threshold %.2f)", criterion.Name, score, CriterionPassThreshold))
		}
	}

	if weightSum > 0 {
		report.Score = weighted / weightSum
	}
	report.IsValid = report.Score >= OverallPassThreshold

	if hint, ok := v.hints[task.Kind]; ok && hint != result.AdapterID {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("adapter %s is usually better suited for %s tasks", hint, task.Kind))
	}

	v.logger.Debug("Result validated", map[string]interface{}{
		"operation": "validate",
		"task_id":   task.ID,
		"result_id": result.ID,
		"score":     report.Score,
		"is_valid":  report.IsValid,
	})

	return report, nil
}

// DefaultCriteria returns the standard weighted set.
func DefaultCriteria() []Criterion {
	return []Criterion{
		{Name: "completeness", Weight: 0.25, Score: scoreCompleteness},
		{Name: "relevance", Weight: 0.30, Score: scoreRelevance},
		{Name: "format", Weight: 0.20, Score: scoreFormat},
		{Name: "performance", Weight: 0.15, Score: scorePerformance},
		{Name: "error-free", Weight: 0.10, Score: scoreErrorFree},
	}
}

// scoreCompleteness bands output length against prompt length. Very
// short answers to long prompts score low; anything in a reasonable
// ratio passes.
func scoreCompleteness(result *core.Result, task *core.Task) float64 {
	if result.Output == "" {
		return 0
	}
	ratio := float64(len(result.Output)) / float64(len(task.Prompt))
	switch {
	case ratio < 0.2:
		return 0.3
	case ratio < 0.5:
		return 0.6
	case ratio <= 20:
		return 1.0
	case ratio <= 100:
		return 0.8
	default:
		return 0.6
	}
}

// scoreRelevance measures the fraction of significant prompt words
// (length > 3) that appear in the output, scaled so that 80% coverage
// already earns full marks.
func scoreRelevance(result *core.Result, task *core.Task) float64 {
	outputWords := textutil.WordSet(result.Output)

	significant, found := 0, 0
	for word := range textutil.WordSet(task.Prompt) {
		if len(word) <= 3 {
			continue
		}
		significant++
		if _, ok := outputWords[word]; ok {
			found++
		}
	}
	if significant == 0 {
		return 1
	}
	return clamp01(float64(found) / float64(significant) / 0.8)
}

// scoreFormat requires fenced code blocks or consistent indentation for
// code kinds; other kinds always pass.
func scoreFormat(result *core.Result, task *core.Task) float64 {
	if !task.Kind.IsCodeKind() {
		return 1
	}
	if textutil.HasFencedCode(result.Output) {
		return 1
	}
	if textutil.ConsistentIndentation(result.Output) {
		return 0.7
	}
	return 0.3
}

// scorePerformance bands the execution time.
func scorePerformance(result *core.Result, task *core.Task) float64 {
	switch d := result.Metadata.ExecutionTime; {
	case d < time.Second:
		return 1.0
	case d < 5*time.Second:
		return 0.8
	case d < 10*time.Second:
		return 0.6
	case d < 30*time.Second:
		return 0.4
	default:
		return 0.2
	}
}

// scoreErrorFree is binary on the result error field.
func scoreErrorFree(result *core.Result, task *core.Task) float64 {
	if result.Error != "" {
		return 0
	}
	return 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
