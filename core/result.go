package core

import (
	"time"

	"github.com/google/uuid"
)

// ResultMetadata carries the scalar execution signals attached to a result.
type ResultMetadata struct {
	ExecutionTime   time.Duration `json:"execution_time_ms"`
	TokensUsed      int           `json:"tokens_used,omitempty"`
	Model           string        `json:"model,omitempty"`
	Temperature     float64       `json:"temperature,omitempty"`
	RetryCount      int           `json:"retry_count,omitempty"`
	Cached          bool          `json:"cached,omitempty"`
	ValidatedBy     string        `json:"validated_by,omitempty"`
	ValidationScore *float64      `json:"validation_score,omitempty"`

	// Recommendations from sub-threshold validation; reported, never fatal
	Recommendations []string `json:"recommendations,omitempty"`
}

// Result is one adapter's outcome for one task. Exactly one of Output and
// Error is non-empty: success iff Error is empty.
type Result struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	AdapterID string         `json:"adapter_id"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  ResultMetadata `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewResult constructs a success result.
func NewResult(taskID, adapterID, output string, meta ResultMetadata) *Result {
	return &Result{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		AdapterID: adapterID,
		Output:    output,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
}

// NewErrorResult constructs a failure result from an error.
func NewErrorResult(taskID, adapterID string, err error, meta ResultMetadata) *Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Result{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		AdapterID: adapterID,
		Error:     msg,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
}

// Success reports whether the result carries an output rather than an error.
func (r *Result) Success() bool {
	return r.Error == ""
}

// slowExecution is the point past which quality degrades.
const slowExecution = 10 * time.Second

// QualityScore derives the scalar quality signal in [0, 1]:
// 1 - 0.1*retries, blended with the validation score when present, minus a
// flat penalty for executions over 10s. Error results score 0.
func (r *Result) QualityScore() float64 {
	if !r.Success() {
		return 0
	}

	score := 1.0 - 0.1*float64(r.Metadata.RetryCount)

	if r.Metadata.ValidationScore != nil {
		// Validation above 0.5 raises quality, below lowers it, +-0.2 max
		score += 0.2 * (*r.Metadata.ValidationScore - 0.5) * 2
	}

	if r.Metadata.ExecutionTime > slowExecution {
		score -= 0.1
	}

	return clamp01(score)
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
