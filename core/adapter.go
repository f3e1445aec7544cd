package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Well-known adapter identifiers. The registry accepts any id, but the
// deployment configs only wire these back-ends.
const (
	AdapterClaude   = "claude"
	AdapterOpenAI   = "openai"
	AdapterGemini   = "gemini"
	AdapterDeepSeek = "deepseek"
	AdapterOllama   = "ollama"
)

// AdapterHealth reports runtime health of one back-end assistant.
type AdapterHealth struct {
	Status    HealthStatus           `json:"status"`
	LatencyMS int64                  `json:"latency_ms,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthStatus for adapters
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// InvokeResponse is the raw outcome of one adapter invocation before it is
// wrapped into a Result.
type InvokeResponse struct {
	Output     string                 `json:"output"`
	TokensUsed int                    `json:"tokens_used,omitempty"`
	Model      string                 `json:"model,omitempty"`
	RetryCount int                    `json:"retry_count,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Adapter is the consumer-side contract for a back-end AI assistant.
// Invocation errors should carry the stable codes from errors.go so the
// retry manager can classify them.
type Adapter interface {
	ID() string
	Invoke(ctx context.Context, task *Task) (*InvokeResponse, error)
	Capabilities() []string
	Supports(kind TaskKind) bool
	Health(ctx context.Context) AdapterHealth
	Configure(opts map[string]interface{}) error
	Configuration() map[string]interface{}
}

// AdapterRegistry holds registered adapters keyed by id. Registration is
// idempotent; deregistration never cancels in-flight invocations. All
// lookups are by id, so re-registering an adapter is safe.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   Logger
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry(logger Logger) *AdapterRegistry {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &AdapterRegistry{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// Register adds or replaces an adapter.
func (r *AdapterRegistry) Register(adapter Adapter) error {
	if adapter == nil || adapter.ID() == "" {
		return NewError(CodeInvalidRequest, "adapter must have a non-empty id")
	}

	r.mu.Lock()
	_, replaced := r.adapters[adapter.ID()]
	r.adapters[adapter.ID()] = adapter
	r.mu.Unlock()

	r.logger.Info("Adapter registered", map[string]interface{}{
		"adapter_id":   adapter.ID(),
		"capabilities": adapter.Capabilities(),
		"replaced":     replaced,
	})
	return nil
}

// Deregister removes an adapter by id. Unknown ids are a no-op.
func (r *AdapterRegistry) Deregister(id string) {
	r.mu.Lock()
	_, existed := r.adapters[id]
	delete(r.adapters, id)
	r.mu.Unlock()

	if existed {
		r.logger.Info("Adapter deregistered", map[string]interface{}{
			"adapter_id": id,
		})
	}
}

// Get returns the adapter for id.
func (r *AdapterRegistry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return nil, WrapError(CodeAdapterUnavailable, "adapter not registered: "+id, ErrAdapterNotFound)
	}
	return adapter, nil
}

// Has reports whether an adapter is registered.
func (r *AdapterRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[id]
	return ok
}

// List returns every adapter in deterministic id order. Routing relies on
// this ordering for tie-breaks.
func (r *AdapterRegistry) List() []Adapter {
	r.mu.RLock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	adapters := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		adapters = append(adapters, r.adapters[id])
	}
	r.mu.RUnlock()
	return adapters
}

// SupportsKind reports whether the named adapter can execute a kind.
func (r *AdapterRegistry) SupportsKind(id string, kind TaskKind) bool {
	adapter, err := r.Get(id)
	if err != nil {
		return false
	}
	return adapter.Supports(kind)
}
