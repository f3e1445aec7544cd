package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	task, err := NewTask(KindCodeGeneration, "write a parser", PriorityHigh)
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestNewTaskValidation(t *testing.T) {
	tests := []struct {
		name     string
		kind     TaskKind
		prompt   string
		priority Priority
	}{
		{"unknown kind", TaskKind("poetry"), "prompt", PriorityLow},
		{"empty prompt", KindDebugging, "", PriorityLow},
		{"oversized prompt", KindDebugging, strings.Repeat("x", MaxPromptLength+1), PriorityLow},
		{"unknown priority", KindDebugging, "prompt", Priority("asap")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTask(tt.kind, tt.prompt, tt.priority)
			require.Error(t, err)
			assert.Equal(t, CodeInvalidTask, CodeOf(err))
		})
	}
}

func TestNewTaskDefaultsPriority(t *testing.T) {
	task, err := NewTask(KindSearch, "find docs", "")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, task.Priority)
}

func TestTaskLifecycle(t *testing.T) {
	task, err := NewTask(KindTesting, "cover the edge cases", PriorityMedium)
	require.NoError(t, err)

	require.NoError(t, task.TransitionTo(StatusInProgress))
	require.NoError(t, task.TransitionTo(StatusCompleted))
	require.NoError(t, task.TransitionTo(StatusValidated))
	assert.True(t, task.Status.Terminal())

	err = task.TransitionTo(StatusPending)
	require.Error(t, err)
	assert.True(t, IsStateError(err))
	assert.Equal(t, StatusValidated, task.Status)
}

func TestTaskFailedRetryPath(t *testing.T) {
	task, err := NewTask(KindDebugging, "why does it panic", PriorityMedium)
	require.NoError(t, err)

	require.NoError(t, task.TransitionTo(StatusInProgress))
	require.NoError(t, task.TransitionTo(StatusFailed))
	require.NoError(t, task.TransitionTo(StatusPending))
	require.NoError(t, task.TransitionTo(StatusInProgress))
}

func TestTaskInvalidTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
	}{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusValidated},
		{StatusCompleted, StatusPending},
		{StatusCancelled, StatusInProgress},
		{StatusFailed, StatusCompleted},
	}

	for _, tt := range tests {
		task := &Task{Status: tt.from}
		err := task.TransitionTo(tt.to)
		require.Error(t, err, "%s -> %s should be rejected", tt.from, tt.to)
		assert.Equal(t, tt.from, task.Status)
	}
}

func TestSetPromptOnlyWhilePending(t *testing.T) {
	task, err := NewTask(KindRefactoring, "extract the helper", PriorityLow)
	require.NoError(t, err)

	require.NoError(t, task.SetPrompt("extract and rename the helper"))

	require.NoError(t, task.TransitionTo(StatusInProgress))
	err = task.SetPrompt("too late")
	require.Error(t, err)
	assert.True(t, IsStateError(err))
	assert.Equal(t, "extract and rename the helper", task.Prompt)
}

func TestSetPriorityNonTerminal(t *testing.T) {
	task, err := NewTask(KindSearch, "find usages", PriorityLow)
	require.NoError(t, err)

	require.NoError(t, task.TransitionTo(StatusInProgress))
	require.NoError(t, task.SetPriority(PriorityUrgent))
	assert.Equal(t, PriorityUrgent, task.Priority)

	require.NoError(t, task.TransitionTo(StatusCancelled))
	require.Error(t, task.SetPriority(PriorityLow))
}

func TestWithConstraints(t *testing.T) {
	task, err := NewTask(KindArchitecture, "sketch the data flow", PriorityMedium)
	require.NoError(t, err)

	_, err = task.WithConstraints(TaskConstraints{Timeout: 100 * time.Millisecond})
	require.Error(t, err)

	_, err = task.WithConstraints(TaskConstraints{Timeout: 2 * time.Second, MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, task.Metadata.Constraints.Timeout)
}

func TestTaskClone(t *testing.T) {
	task, err := NewTask(KindDocumentation, "document the API", PriorityMedium)
	require.NoError(t, err)
	task.Metadata.Tags = []string{"docs"}
	task.Metadata.Context = map[string]string{"repo": "maestro"}

	clone := task.Clone()
	clone.Metadata.Tags[0] = "changed"
	clone.Metadata.Context["repo"] = "other"

	assert.Equal(t, "docs", task.Metadata.Tags[0])
	assert.Equal(t, "maestro", task.Metadata.Context["repo"])
}

func TestPriorityWeightOrdering(t *testing.T) {
	assert.Greater(t, PriorityUrgent.Weight(), PriorityHigh.Weight())
	assert.Greater(t, PriorityHigh.Weight(), PriorityMedium.Weight())
	assert.Greater(t, PriorityMedium.Weight(), PriorityLow.Weight())
	assert.True(t, PriorityHigh.AtLeast(PriorityHigh))
	assert.False(t, PriorityLow.AtLeast(PriorityMedium))
}
