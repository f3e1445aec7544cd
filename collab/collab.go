// Package collab runs multi-adapter collaborations over the execution
// engine: sequential pipelines, parallel fan-out with merging, primary
// plus reviewer, and iterative refinement.
package collab

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/engine"
	"github.com/voltmind/maestro/events"
	"github.com/voltmind/maestro/internal/textutil"
	"github.com/voltmind/maestro/merge"
	"github.com/voltmind/maestro/validation"
)

// Mode selects the collaboration pattern.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeReview     Mode = "review"
	ModeIterative  Mode = "iterative"
)

// Iteration limits and the overlap at which two consecutive outputs
// count as converged.
const (
	DefaultMaxIterations = 3
	consensusOverlap     = 0.9
)

// Options tune one collaboration.
type Options struct {
	Mode Mode `json:"mode"`

	// Adapters are the participating adapter ids, in order. All modes
	// require at least two; review requires exactly two (primary then
	// reviewer).
	Adapters []string `json:"adapters"`

	// MaxIterations bounds iterative mode. Default: 3.
	MaxIterations int `json:"max_iterations,omitempty"`

	// StopOnConsensus stops iterative mode once the last two outputs
	// overlap by at least 90%.
	StopOnConsensus bool `json:"stop_on_consensus,omitempty"`

	// MergeStrategy for parallel mode. Default: combine.
	MergeStrategy merge.Strategy `json:"merge_strategy,omitempty"`

	// Execution is the per-step engine options template. ForceAdapter is
	// overwritten per step.
	Execution engine.Options `json:"-"`
}

// StepError records one failed step without failing the collaboration.
type StepError struct {
	Step      int    `json:"step"`
	AdapterID string `json:"adapter_id"`
	Error     string `json:"error"`
}

// Outcome is the collaboration verdict.
type Outcome struct {
	Output string `json:"output"`

	Mode Mode `json:"mode"`

	// Results holds the per-step results in step order. For review mode
	// the primary is first and the reviewer second.
	Results []*core.Result `json:"results"`

	// Merged is set for parallel and review modes.
	Merged *merge.Merged `json:"merged,omitempty"`

	// Comparison cross-validates the first two parallel results.
	Comparison *validation.CrossReport `json:"comparison,omitempty"`

	// StepErrors records failures that did not abort the collaboration.
	StepErrors []StepError `json:"step_errors,omitempty"`

	// Iterations ran in iterative mode.
	Iterations int `json:"iterations,omitempty"`

	// Consensus reports whether iterative mode stopped on convergence.
	Consensus bool `json:"consensus,omitempty"`
}

// Config wires a Collaborator.
type Config struct {
	Engine *engine.Engine

	// Merger combines parallel results. Nil creates a default merger.
	Merger *merge.Merger

	// Bus receives collaboration lifecycle events. Optional.
	Bus *events.Bus

	// Logger for collaboration events
	Logger core.Logger
}

// Collaborator orchestrates multi-adapter runs.
type Collaborator struct {
	engine *engine.Engine
	merger *merge.Merger
	bus    *events.Bus
	logger core.Logger
}

// NewCollaborator creates a collaborator.
func NewCollaborator(config *Config) (*Collaborator, error) {
	if config == nil || config.Engine == nil {
		return nil, core.WrapError(core.CodeInvalidRequest,
			"collaborator requires an execution engine", core.ErrMissingConfiguration)
	}
	merger := config.Merger
	if merger == nil {
		merger = merge.NewMerger(config.Logger)
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Collaborator{
		engine: config.Engine,
		merger: merger,
		bus:    config.Bus,
		logger: logger,
	}, nil
}

// Run executes the collaboration described by opts over task.
func (c *Collaborator) Run(ctx context.Context, task *core.Task, opts *Options) (*Outcome, error) {
	if task == nil {
		return nil, core.NewError(core.CodeInvalidTask, "task must not be nil")
	}
	if opts == nil {
		return nil, core.NewError(core.CodeInvalidRequest, "collaboration options are required")
	}
	if len(opts.Adapters) < 2 {
		return nil, core.NewError(core.CodeInvalidRequest,
			"collaboration requires at least two adapters")
	}
	if opts.Mode == ModeReview && len(opts.Adapters) != 2 {
		return nil, core.NewError(core.CodeInvalidRequest,
			"review mode requires exactly a primary and a reviewer adapter")
	}

	c.publish(events.CollaborationStarted,
		events.CollaborationPayload(task.ID, string(opts.Mode), opts.Adapters))

	var outcome *Outcome
	var err error
	switch opts.Mode {
	case ModeSequential:
		outcome, err = c.runSequential(ctx, task, opts)
	case ModeParallel:
		outcome, err = c.runParallel(ctx, task, opts)
	case ModeReview:
		outcome, err = c.runReview(ctx, task, opts)
	case ModeIterative:
		outcome, err = c.runIterative(ctx, task, opts)
	default:
		err = core.NewError(core.CodeInvalidRequest, "unknown collaboration mode: "+string(opts.Mode))
	}
	if err != nil {
		return nil, err
	}

	c.publish(events.CollaborationCompleted,
		events.CollaborationPayload(task.ID, string(opts.Mode), opts.Adapters))

	c.logger.Info("Collaboration completed", map[string]interface{}{
		"operation": "collaborate",
		"task_id":   task.ID,
		"mode":      string(opts.Mode),
		"adapters":  len(opts.Adapters),
		"steps":     len(outcome.Results),
	})
	return outcome, nil
}

// runSequential feeds each adapter the previous output. A failing step
// aborts the pipeline; the partial results are discarded with the error.
func (c *Collaborator) runSequential(ctx context.Context, task *core.Task, opts *Options) (*Outcome, error) {
	outcome := &Outcome{Mode: ModeSequential}

	previous := ""
	for i, adapterID := range opts.Adapters {
		prompt := task.Prompt
		if i > 0 {
			prompt = continuationPrompt(previous, i+1, task.Prompt)
		}

		result, err := c.runStep(ctx, task, adapterID, prompt, task.Kind, opts)
		if err != nil {
			return nil, core.WrapError(core.CodeExternalService,
				fmt.Sprintf("sequential step %d (%s) failed", i+1, adapterID), err)
		}
		outcome.Results = append(outcome.Results, result)
		previous = result.Output
	}

	outcome.Output = previous
	return outcome, nil
}

// runParallel fans the original task out to every adapter and merges the
// successes. A sibling failure never cancels the others; the call fails
// only when every adapter fails.
func (c *Collaborator) runParallel(ctx context.Context, task *core.Task, opts *Options) (*Outcome, error) {
	outcome := &Outcome{Mode: ModeParallel}

	results := make([]*core.Result, len(opts.Adapters))
	var mu sync.Mutex
	var g errgroup.Group

	for i, adapterID := range opts.Adapters {
		i, adapterID := i, adapterID
		g.Go(func() error {
			result, err := c.runStep(ctx, task, adapterID, task.Prompt, task.Kind, opts)
			if err != nil {
				mu.Lock()
				outcome.StepErrors = append(outcome.StepErrors, StepError{
					Step:      i + 1,
					AdapterID: adapterID,
					Error:     err.Error(),
				})
				mu.Unlock()
				return nil
			}
			results[i] = result
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		if r != nil {
			outcome.Results = append(outcome.Results, r)
		}
	}
	if len(outcome.Results) == 0 {
		return nil, core.NewError(core.CodeExternalService,
			"all adapters failed in parallel collaboration")
	}

	c.compareResults(task, outcome)

	strategy := opts.MergeStrategy
	if strategy == "" {
		strategy = merge.StrategyCombine
	}
	merged, err := c.merger.Merge(outcome.Results, task, &merge.Options{Strategy: strategy})
	if err != nil {
		return nil, err
	}
	outcome.Merged = merged
	outcome.Output = merged.Output
	return outcome, nil
}

// compareResults cross-validates the first two successful step results
// and announces the comparison. Disagreement is informational here; the
// merge still runs over every result.
func (c *Collaborator) compareResults(task *core.Task, outcome *Outcome) {
	if len(outcome.Results) < 2 {
		return
	}
	report, err := validation.CrossValidate(outcome.Results[0], outcome.Results[1], task)
	if err != nil {
		c.logger.Debug("Cross-validation skipped", map[string]interface{}{
			"operation": "compare_results",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
		return
	}
	outcome.Comparison = report
	c.publish(events.ResultsCompared,
		events.ResultsComparedPayload(task.ID, len(outcome.Results), report.Consensus))
}

// runReview executes the primary adapter, then has the reviewer score
// its output as a validation task.
func (c *Collaborator) runReview(ctx context.Context, task *core.Task, opts *Options) (*Outcome, error) {
	primaryID, reviewerID := opts.Adapters[0], opts.Adapters[1]
	outcome := &Outcome{Mode: ModeReview}

	primary, err := c.runStep(ctx, task, primaryID, task.Prompt, task.Kind, opts)
	if err != nil {
		return nil, core.WrapError(core.CodeExternalService,
			"primary adapter "+primaryID+" failed", err)
	}
	outcome.Results = append(outcome.Results, primary)

	review, err := c.runStep(ctx, task, reviewerID,
		reviewPrompt(task.Prompt, primary.Output), core.KindValidation, opts)
	if err != nil {
		return nil, core.WrapError(core.CodeExternalService,
			"reviewer adapter "+reviewerID+" failed", err)
	}
	outcome.Results = append(outcome.Results, review)

	merged, err := c.merger.Merge(outcome.Results, task, &merge.Options{Strategy: merge.StrategyValidate})
	if err != nil {
		return nil, err
	}
	outcome.Merged = merged
	outcome.Output = merged.Output
	return outcome, nil
}

// runIterative round-robins the adapters, each refining the previous
// output. A failing iteration is recorded and skipped; convergence of
// the last two outputs stops early when StopOnConsensus is set.
func (c *Collaborator) runIterative(ctx context.Context, task *core.Task, opts *Options) (*Outcome, error) {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	outcome := &Outcome{Mode: ModeIterative}
	previous := ""

	for iteration := 1; iteration <= maxIterations; iteration++ {
		adapterID := opts.Adapters[(iteration-1)%len(opts.Adapters)]

		prompt := task.Prompt
		if previous != "" {
			prompt = refinementPrompt(previous, task.Prompt)
		}

		result, err := c.runStep(ctx, task, adapterID, prompt, task.Kind, opts)
		if err != nil {
			outcome.StepErrors = append(outcome.StepErrors, StepError{
				Step:      iteration,
				AdapterID: adapterID,
				Error:     err.Error(),
			})
			continue
		}
		outcome.Results = append(outcome.Results, result)
		outcome.Iterations = iteration

		if opts.StopOnConsensus && iteration >= 2 && previous != "" {
			if textutil.Overlap(previous, result.Output) >= consensusOverlap {
				outcome.Consensus = true
				previous = result.Output
				break
			}
		}
		previous = result.Output
	}

	if len(outcome.Results) == 0 {
		return nil, core.NewError(core.CodeExternalService,
			"all iterations failed in iterative collaboration")
	}
	outcome.Output = previous
	return outcome, nil
}

// runStep executes one collaboration step as an independent task that
// inherits the parent's priority and constraints.
func (c *Collaborator) runStep(ctx context.Context, parent *core.Task, adapterID, prompt string, kind core.TaskKind, opts *Options) (*core.Result, error) {
	step, err := core.NewTask(kind, clampPrompt(prompt), parent.Priority)
	if err != nil {
		return nil, err
	}
	step.Metadata = parent.Clone().Metadata
	step.Metadata.Constraints.PreferredAdapter = ""

	execOpts := opts.Execution
	execOpts.ForceAdapter = adapterID

	result, err := c.engine.ExecuteTask(ctx, step, &execOpts)
	if err != nil {
		return nil, err
	}
	// Steps run as private tasks; the result belongs to the parent.
	result.TaskID = parent.ID
	return result, nil
}

func continuationPrompt(previous string, step int, original string) string {
	return fmt.Sprintf("Based on the previous analysis:\n%s\n\nPlease continue with step %d:\n%s",
		previous, step, original)
}

func refinementPrompt(previous, original string) string {
	return fmt.Sprintf("Based on the previous analysis:\n%s\n\nPlease refine the answer to:\n%s",
		previous, original)
}

func reviewPrompt(original, output string) string {
	return fmt.Sprintf("Please review the following solution.\n\nOriginal request:\n%s\n\nProposed solution:\n%s",
		original, output)
}

// clampPrompt keeps rewritten prompts under the task limit, trimming the
// middle so both the carried context and the original request survive.
// Cut points back up to rune boundaries so multibyte text stays valid.
func clampPrompt(prompt string) string {
	if len(prompt) <= core.MaxPromptLength {
		return prompt
	}
	head := core.MaxPromptLength/2 - 20
	for head > 0 && !utf8.RuneStart(prompt[head]) {
		head--
	}
	tail := len(prompt) - (core.MaxPromptLength/2 - 20)
	for tail < len(prompt) && !utf8.RuneStart(prompt[tail]) {
		tail++
	}
	return prompt[:head] + "\n...\n" + prompt[tail:]
}

func (c *Collaborator) publish(name string, payload map[string]interface{}) {
	if c.bus != nil {
		c.bus.Publish(name, payload)
	}
}
