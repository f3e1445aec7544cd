package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind is the closed set of typed intents a task can carry.
type TaskKind string

const (
	KindCodeGeneration TaskKind = "code_generation"
	KindCodeReview     TaskKind = "code_review"
	KindDebugging      TaskKind = "debugging"
	KindRefactoring    TaskKind = "refactoring"
	KindDocumentation  TaskKind = "documentation"
	KindTesting        TaskKind = "testing"
	KindArchitecture   TaskKind = "architecture"
	KindSearch         TaskKind = "search"
	KindMultimodal     TaskKind = "multimodal"
	KindValidation     TaskKind = "validation"
)

// TaskKinds lists every valid kind in declaration order.
var TaskKinds = []TaskKind{
	KindCodeGeneration, KindCodeReview, KindDebugging, KindRefactoring,
	KindDocumentation, KindTesting, KindArchitecture, KindSearch,
	KindMultimodal, KindValidation,
}

// Valid reports whether k is a member of the closed set.
func (k TaskKind) Valid() bool {
	for _, kind := range TaskKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IsCodeKind reports whether outputs for this kind are expected to carry code.
func (k TaskKind) IsCodeKind() bool {
	switch k {
	case KindCodeGeneration, KindCodeReview, KindDebugging, KindRefactoring, KindTesting:
		return true
	}
	return false
}

// Priority orders tasks in the shared queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// priorityRank supports ordered comparison; queue weights are in Weight.
var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// AtLeast reports whether p >= other in priority order.
func (p Priority) AtLeast(other Priority) bool {
	return priorityRank[p] >= priorityRank[other]
}

// Weight returns the queue score weight in milliseconds. A queue entry is
// scored submit_ms - Weight, so heavier priorities sort earlier.
func (p Priority) Weight() int64 {
	switch p {
	case PriorityMedium:
		return 500_000_000
	case PriorityHigh:
		return 1_000_000_000
	case PriorityUrgent:
		return 1_500_000_000
	default:
		return 0
	}
}

// TaskStatus is the task lifecycle state machine (see validTransitions).
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusCancelled  TaskStatus = "CANCELLED"
	StatusValidated  TaskStatus = "VALIDATED"
)

// validTransitions encodes the lifecycle:
// PENDING -> IN_PROGRESS -> {COMPLETED, FAILED, CANCELLED};
// COMPLETED -> VALIDATED; FAILED -> PENDING (retry).
// CANCELLED and VALIDATED are terminal.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusValidated},
	StatusFailed:     {StatusPending},
	StatusCancelled:  {},
	StatusValidated:  {},
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusValidated
}

// CanTransition reports whether s -> next is a legal lifecycle step.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Limits enforced at construction time.
const (
	MaxPromptLength = 10_000
	MinTaskTimeout  = time.Second
)

// TaskConstraints bound a single execution.
type TaskConstraints struct {
	// Timeout caps one adapter invocation. Zero means "use defaults";
	// non-zero values must be >= MinTaskTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries caps in-process retries for this task
	MaxRetries int `json:"max_retries,omitempty"`

	// PreferredAdapter routes to a specific adapter when compatible
	PreferredAdapter string `json:"preferred_adapter,omitempty"`
}

// TaskMetadata carries the optional, well-known metadata fields plus an
// extension map of opaque scalars.
type TaskMetadata struct {
	Tags        []string               `json:"tags,omitempty"`
	Context     map[string]string      `json:"context,omitempty"`
	Constraints TaskConstraints        `json:"constraints"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Task is the unit of work routed and executed by the core.
type Task struct {
	ID         string       `json:"id"`
	Kind       TaskKind     `json:"kind"`
	Prompt     string       `json:"prompt"`
	Priority   Priority     `json:"priority"`
	Status     TaskStatus   `json:"status"`
	Metadata   TaskMetadata `json:"metadata"`
	OwnerID    string       `json:"owner_id,omitempty"`
	TemplateID string       `json:"template_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// NewTask constructs a validated PENDING task. Construction is the only
// place the prompt-length and timeout invariants are checked, so every
// Task in the system satisfies them.
func NewTask(kind TaskKind, prompt string, priority Priority) (*Task, error) {
	if !kind.Valid() {
		return nil, NewError(CodeInvalidTask, "unknown task kind: "+string(kind))
	}
	if prompt == "" {
		return nil, NewError(CodeInvalidTask, "prompt must not be empty")
	}
	if len(prompt) > MaxPromptLength {
		return nil, NewError(CodeInvalidTask, "prompt exceeds maximum length")
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, NewError(CodeInvalidTask, "unknown priority: "+string(priority))
	}

	now := time.Now()
	return &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Prompt:    prompt,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// WithConstraints validates and applies execution constraints.
func (t *Task) WithConstraints(c TaskConstraints) (*Task, error) {
	if c.Timeout != 0 && c.Timeout < MinTaskTimeout {
		return nil, NewError(CodeInvalidTask, "constraint timeout below minimum")
	}
	if c.MaxRetries < 0 {
		return nil, NewError(CodeInvalidTask, "max retries must be non-negative")
	}
	t.Metadata.Constraints = c
	return t, nil
}

// TransitionTo moves the task to the next lifecycle state. Invalid
// transitions return an INVALID_STATE error and leave the task untouched.
// UpdatedAt is only ever mutated here.
func (t *Task) TransitionTo(next TaskStatus) error {
	if !t.Status.CanTransition(next) {
		return WrapError(CodeInvalidState,
			"cannot transition "+string(t.Status)+" -> "+string(next),
			ErrInvalidTransition)
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	return nil
}

// SetPrompt edits the prompt. Only legal while PENDING.
func (t *Task) SetPrompt(prompt string) error {
	if t.Status != StatusPending {
		return WrapError(CodeInvalidState, "prompt is only editable while pending", ErrInvalidTransition)
	}
	if prompt == "" || len(prompt) > MaxPromptLength {
		return NewError(CodeInvalidTask, "invalid prompt")
	}
	t.Prompt = prompt
	return nil
}

// SetPriority updates the priority in any non-terminal state.
func (t *Task) SetPriority(p Priority) error {
	if t.Status.Terminal() {
		return WrapError(CodeInvalidState, "priority is immutable in terminal states", ErrInvalidTransition)
	}
	if !p.Valid() {
		return NewError(CodeInvalidTask, "unknown priority: "+string(p))
	}
	t.Priority = p
	return nil
}

// Clone returns a deep copy, used by components that rewrite prompts
// without mutating the caller's task.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Metadata.Tags != nil {
		clone.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	}
	if t.Metadata.Context != nil {
		clone.Metadata.Context = make(map[string]string, len(t.Metadata.Context))
		for k, v := range t.Metadata.Context {
			clone.Metadata.Context[k] = v
		}
	}
	if t.Metadata.Extra != nil {
		clone.Metadata.Extra = make(map[string]interface{}, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			clone.Metadata.Extra[k] = v
		}
	}
	return &clone
}
