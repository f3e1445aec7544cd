package collab

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/engine"
	"github.com/voltmind/maestro/events"
)

// scriptedAdapter replies from a per-adapter script, one entry per call,
// repeating the last entry once the script runs out. Empty entries fail.
type scriptedAdapter struct {
	id     string
	script []string

	mu      sync.Mutex
	calls   int
	prompts []string
	kinds   []core.TaskKind
}

func (a *scriptedAdapter) ID() string { return a.id }

func (a *scriptedAdapter) Invoke(ctx context.Context, task *core.Task) (*core.InvokeResponse, error) {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	a.prompts = append(a.prompts, task.Prompt)
	a.kinds = append(a.kinds, task.Kind)
	a.mu.Unlock()

	if idx >= len(a.script) {
		idx = len(a.script) - 1
	}
	reply := a.script[idx]
	if reply == "" {
		return nil, core.NewError(core.CodeExternalService, a.id+" is down")
	}
	return &core.InvokeResponse{Output: reply}, nil
}

func (a *scriptedAdapter) Capabilities() []string                 { return nil }
func (a *scriptedAdapter) Supports(core.TaskKind) bool            { return true }
func (a *scriptedAdapter) Configure(map[string]interface{}) error { return nil }
func (a *scriptedAdapter) Configuration() map[string]interface{}  { return nil }
func (a *scriptedAdapter) Health(ctx context.Context) core.AdapterHealth {
	return core.AdapterHealth{Status: core.HealthHealthy, LastCheck: time.Now()}
}

func (a *scriptedAdapter) lastPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.prompts) == 0 {
		return ""
	}
	return a.prompts[len(a.prompts)-1]
}

func (a *scriptedAdapter) lastKind() core.TaskKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.kinds) == 0 {
		return ""
	}
	return a.kinds[len(a.kinds)-1]
}

func newTestCollaborator(t *testing.T, adapters ...*scriptedAdapter) *Collaborator {
	t.Helper()
	registry := core.NewAdapterRegistry(nil)
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	eng, err := engine.NewEngine(&engine.Config{Registry: registry})
	require.NoError(t, err)
	c, err := NewCollaborator(&Config{Engine: eng})
	require.NoError(t, err)
	return c
}

func collabTask(t *testing.T) *core.Task {
	t.Helper()
	task, err := core.NewTask(core.KindArchitecture, "design the storage layer", core.PriorityMedium)
	require.NoError(t, err)
	return task
}

func TestNewCollaboratorRequiresEngine(t *testing.T) {
	_, err := NewCollaborator(nil)
	require.Error(t, err)
	_, err = NewCollaborator(&Config{})
	require.Error(t, err)
}

func TestRunRejectsTooFewAdapters(t *testing.T) {
	c := newTestCollaborator(t, &scriptedAdapter{id: "solo", script: []string{"ok"}})
	task := collabTask(t)

	_, err := c.Run(context.Background(), task, &Options{
		Mode:     ModeParallel,
		Adapters: []string{"solo"},
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))
}

func TestRunReviewRequiresExactlyTwo(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{"ok"}}
	b := &scriptedAdapter{id: "b", script: []string{"ok"}}
	d := &scriptedAdapter{id: "d", script: []string{"ok"}}
	c := newTestCollaborator(t, a, b, d)

	_, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     ModeReview,
		Adapters: []string{"a", "b", "d"},
	})
	require.Error(t, err)
}

func TestRunUnknownMode(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{"ok"}}
	b := &scriptedAdapter{id: "b", script: []string{"ok"}}
	c := newTestCollaborator(t, a, b)

	_, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     "swarm",
		Adapters: []string{"a", "b"},
	})
	require.Error(t, err)
}

func TestRunSequentialChainsOutputs(t *testing.T) {
	first := &scriptedAdapter{id: "first", script: []string{"draft design"}}
	second := &scriptedAdapter{id: "second", script: []string{"refined design"}}
	c := newTestCollaborator(t, first, second)
	task := collabTask(t)

	outcome, err := c.Run(context.Background(), task, &Options{
		Mode:     ModeSequential,
		Adapters: []string{"first", "second"},
	})
	require.NoError(t, err)
	assert.Equal(t, "refined design", outcome.Output)
	require.Len(t, outcome.Results, 2)

	// The second step sees the first step's output and the original request.
	prompt := second.lastPrompt()
	assert.Contains(t, prompt, "Based on the previous analysis:")
	assert.Contains(t, prompt, "draft design")
	assert.Contains(t, prompt, task.Prompt)

	// Step results belong to the parent task.
	for _, r := range outcome.Results {
		assert.Equal(t, task.ID, r.TaskID)
	}
}

func TestRunSequentialStepFailureAborts(t *testing.T) {
	first := &scriptedAdapter{id: "first", script: []string{"draft"}}
	second := &scriptedAdapter{id: "second", script: []string{""}}
	c := newTestCollaborator(t, first, second)

	_, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     ModeSequential,
		Adapters: []string{"first", "second"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2")
}

func TestRunParallelMergesSuccesses(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{"alpha bravo charlie delta."}}
	b := &scriptedAdapter{id: "b", script: []string{"echo foxtrot golf hotel."}}
	c := newTestCollaborator(t, a, b)

	outcome, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     ModeParallel,
		Adapters: []string{"a", "b"},
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Merged)
	assert.Len(t, outcome.Results, 2)
	assert.Empty(t, outcome.StepErrors)
	assert.Contains(t, outcome.Output, "alpha bravo charlie delta")
	assert.Contains(t, outcome.Output, "echo foxtrot golf hotel")
}

func TestRunParallelPartialFailure(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{"the only answer"}}
	b := &scriptedAdapter{id: "b", script: []string{""}}
	c := newTestCollaborator(t, a, b)

	outcome, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     ModeParallel,
		Adapters: []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "the only answer", outcome.Output)
	require.Len(t, outcome.StepErrors, 1)
	assert.Equal(t, "b", outcome.StepErrors[0].AdapterID)
}

func TestRunParallelAllFail(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{""}}
	b := &scriptedAdapter{id: "b", script: []string{""}}
	c := newTestCollaborator(t, a, b)

	_, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     ModeParallel,
		Adapters: []string{"a", "b"},
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeExternalService, core.CodeOf(err))
}

func TestRunReviewUsesValidationStep(t *testing.T) {
	primary := &scriptedAdapter{id: "primary", script: []string{"the proposed storage layout uses a tag index."}}
	reviewer := &scriptedAdapter{id: "reviewer", script: []string{"the proposed storage layout uses a tag index, confirmed."}}
	c := newTestCollaborator(t, primary, reviewer)
	task := collabTask(t)

	outcome, err := c.Run(context.Background(), task, &Options{
		Mode:     ModeReview,
		Adapters: []string{"primary", "reviewer"},
	})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, "primary", outcome.Results[0].AdapterID)
	assert.Equal(t, "reviewer", outcome.Results[1].AdapterID)

	// The reviewer runs a validation step over the primary output.
	assert.Equal(t, core.KindValidation, reviewer.lastKind())
	assert.Contains(t, reviewer.lastPrompt(), "Please review the following solution.")
	assert.Contains(t, reviewer.lastPrompt(), primary.script[0])

	require.NotNil(t, outcome.Merged)
	assert.Contains(t, outcome.Output, "=== Primary (primary) ===")
	assert.Contains(t, outcome.Output, "=== Review (reviewer) ===")
}

func TestRunIterativeStopsOnConsensus(t *testing.T) {
	converged := "the final converged answer about storage"
	a := &scriptedAdapter{id: "a", script: []string{"rough first pass on storage", converged}}
	b := &scriptedAdapter{id: "b", script: []string{converged}}
	c := newTestCollaborator(t, a, b)

	outcome, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:            ModeIterative,
		Adapters:        []string{"a", "b"},
		MaxIterations:   5,
		StopOnConsensus: true,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Consensus)
	assert.Equal(t, 3, outcome.Iterations)
	assert.Equal(t, converged, outcome.Output)
}

func TestRunIterativeRunsAllIterations(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{"pass one", "pass three"}}
	b := &scriptedAdapter{id: "b", script: []string{"pass two"}}
	c := newTestCollaborator(t, a, b)

	outcome, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     ModeIterative,
		Adapters: []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.False(t, outcome.Consensus)
	assert.Equal(t, DefaultMaxIterations, outcome.Iterations)
	assert.Equal(t, "pass three", outcome.Output)

	// Refinement prompts carry the previous output forward.
	assert.Contains(t, b.lastPrompt(), "Please refine the answer to:")
}

func TestRunIterativeSkipsFailedIteration(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{"pass one", "pass three"}}
	b := &scriptedAdapter{id: "b", script: []string{""}}
	c := newTestCollaborator(t, a, b)

	outcome, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     ModeIterative,
		Adapters: []string{"a", "b"},
	})
	require.NoError(t, err)
	require.Len(t, outcome.StepErrors, 1)
	assert.Equal(t, 2, outcome.StepErrors[0].Step)
	assert.Equal(t, "pass three", outcome.Output)
}

func TestClampPromptTrimsMiddle(t *testing.T) {
	long := strings.Repeat("x", core.MaxPromptLength+500)
	clamped := clampPrompt(long)
	assert.LessOrEqual(t, len(clamped), core.MaxPromptLength)
	assert.Contains(t, clamped, "\n...\n")
}

func TestRunParallelComparesResults(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{"the storage layer uses a tag index for invalidation."}}
	b := &scriptedAdapter{id: "b", script: []string{"the storage layer uses a tag index for invalidation."}}

	registry := core.NewAdapterRegistry(nil)
	require.NoError(t, registry.Register(a))
	require.NoError(t, registry.Register(b))
	eng, err := engine.NewEngine(&engine.Config{Registry: registry})
	require.NoError(t, err)

	bus := events.NewBus(nil)
	var compared sync.WaitGroup
	compared.Add(1)
	var payload events.Event
	_, err = bus.Subscribe(events.ResultsCompared, func(e events.Event) {
		payload = e
		compared.Done()
	})
	require.NoError(t, err)

	c, err := NewCollaborator(&Config{Engine: eng, Bus: bus})
	require.NoError(t, err)
	task := collabTask(t)

	outcome, err := c.Run(context.Background(), task, &Options{
		Mode:     ModeParallel,
		Adapters: []string{"a", "b"},
	})
	require.NoError(t, err)
	compared.Wait()

	require.NotNil(t, outcome.Comparison)
	assert.True(t, outcome.Comparison.Consensus)
	assert.Greater(t, outcome.Comparison.Similarity, 0.8)

	assert.Equal(t, task.ID, payload.Payload["taskId"])
	assert.Equal(t, 2, payload.Payload["resultCount"])
	assert.Equal(t, true, payload.Payload["consensus"])
}

func TestRunParallelSingleSurvivorSkipsComparison(t *testing.T) {
	a := &scriptedAdapter{id: "a", script: []string{"the only answer"}}
	b := &scriptedAdapter{id: "b", script: []string{""}}
	c := newTestCollaborator(t, a, b)

	outcome, err := c.Run(context.Background(), collabTask(t), &Options{
		Mode:     ModeParallel,
		Adapters: []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Nil(t, outcome.Comparison)
}

func TestClampPromptKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("héllo wörld ", core.MaxPromptLength/10)
	require.Greater(t, len(long), core.MaxPromptLength)

	clamped := clampPrompt(long)
	assert.LessOrEqual(t, len(clamped), core.MaxPromptLength)
	assert.Contains(t, clamped, "\n...\n")
	assert.True(t, utf8.ValidString(clamped))
}
