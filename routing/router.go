// Package routing decides which adapter runs a task. Routing is pure:
// strategies and the capability scorer only consult in-memory state.
package routing

import (
	"sort"
	"sync"

	"github.com/voltmind/maestro/core"
)

// Route is the router's decision for one task.
type Route struct {
	AdapterID  string  `json:"adapter_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Strategy is a router plug-in pairing a can-handle predicate with a
// select function. Higher priority strategies are consulted first.
type Strategy interface {
	Name() string
	Priority() int
	CanHandle(task *core.Task) bool
	// Select returns the chosen adapter id, or "" to pass.
	Select(task *core.Task, registry *core.AdapterRegistry) string
}

// HintProvider supplies the learning loop's per-kind preferred adapter.
type HintProvider interface {
	PreferredAdapter(kind core.TaskKind) string
}

// Confidence levels per decision path.
const (
	confidencePreferred = 1.0
	confidenceStrategy  = 0.8
)

// Capability scorer weights.
const (
	scoreCanExecute      = 0.5
	scoreCapabilityMatch = 0.3
	scoreLearningHint    = 0.2
)

// Router chooses an adapter per task: preferred-adapter override first,
// then the strategy chain in descending priority, then the capability
// scorer fallback.
type Router struct {
	mu         sync.RWMutex
	registry   *core.AdapterRegistry
	strategies []Strategy
	hints      HintProvider
	logger     core.Logger
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Strategies seeds the chain. Nil means DefaultStrategies().
	Strategies []Strategy

	// Hints is the optional learning hint provider.
	Hints HintProvider

	// Logger for routing decisions
	Logger core.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *core.AdapterRegistry, config *RouterConfig) *Router {
	if config == nil {
		config = &RouterConfig{}
	}
	strategies := config.Strategies
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	r := &Router{
		registry:   registry,
		strategies: append([]Strategy(nil), strategies...),
		hints:      config.Hints,
		logger:     logger,
	}
	r.sortStrategies()
	return r
}

// Use adds a strategy at runtime.
func (r *Router) Use(s Strategy) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.strategies = append(r.strategies, s)
	r.sortStrategiesLocked()
	r.mu.Unlock()
}

// Remove drops a strategy by name. Unknown names are a no-op.
func (r *Router) Remove(name string) {
	r.mu.Lock()
	kept := r.strategies[:0]
	for _, s := range r.strategies {
		if s.Name() != name {
			kept = append(kept, s)
		}
	}
	r.strategies = kept
	r.mu.Unlock()
}

func (r *Router) sortStrategies() {
	r.mu.Lock()
	r.sortStrategiesLocked()
	r.mu.Unlock()
}

func (r *Router) sortStrategiesLocked() {
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority() > r.strategies[j].Priority()
	})
}

// Route chooses an adapter for the task. Identical task and strategy
// state always produce the same decision.
func (r *Router) Route(task *core.Task) (*Route, error) {
	if task == nil {
		return nil, core.NewError(core.CodeInvalidTask, "task must not be nil")
	}

	// (a) Preferred adapter wins outright when compatible.
	if preferred := task.Metadata.Constraints.PreferredAdapter; preferred != "" {
		if r.registry.SupportsKind(preferred, task.Kind) {
			r.logger.Debug("Routed via preferred adapter", map[string]interface{}{
				"operation":  "route",
				"task_id":    task.ID,
				"adapter_id": preferred,
			})
			return &Route{
				AdapterID:  preferred,
				Confidence: confidencePreferred,
				Reason:     "preferred adapter requested by task constraints",
			}, nil
		}
	}

	// (b) Strategy chain, descending priority.
	r.mu.RLock()
	strategies := append([]Strategy(nil), r.strategies...)
	r.mu.RUnlock()

	for _, s := range strategies {
		if !s.CanHandle(task) {
			continue
		}
		adapterID := s.Select(task, r.registry)
		if adapterID == "" || !r.registry.SupportsKind(adapterID, task.Kind) {
			continue
		}
		r.logger.Debug("Routed via strategy", map[string]interface{}{
			"operation":  "route",
			"task_id":    task.ID,
			"strategy":   s.Name(),
			"adapter_id": adapterID,
		})
		return &Route{
			AdapterID:  adapterID,
			Confidence: confidenceStrategy,
			Reason:     "selected by strategy " + s.Name(),
		}, nil
	}

	// (c) Capability scorer fallback.
	return r.scoreByCapability(task)
}

// scoreByCapability scores every registered adapter: 0.5 for executing
// the kind, 0.3 for a declared capability matching the kind tag, 0.2 for
// the learning hint. Ties break by adapter-id order (the registry lists
// adapters sorted by id).
func (r *Router) scoreByCapability(task *core.Task) (*Route, error) {
	var hint string
	if r.hints != nil {
		hint = r.hints.PreferredAdapter(task.Kind)
	}

	var bestID string
	var bestScore float64

	for _, adapter := range r.registry.List() {
		var score float64
		if adapter.Supports(task.Kind) {
			score += scoreCanExecute
		}
		for _, capability := range adapter.Capabilities() {
			if capability == string(task.Kind) {
				score += scoreCapabilityMatch
				break
			}
		}
		if hint != "" && adapter.ID() == hint {
			score += scoreLearningHint
		}

		if score > bestScore {
			bestScore = score
			bestID = adapter.ID()
		}
	}

	if bestID == "" || bestScore < scoreCanExecute {
		return nil, core.WrapError(core.CodeAdapterUnavailable,
			"no adapter can execute kind "+string(task.Kind), core.ErrAdapterUnavailable)
	}

	r.logger.Debug("Routed via capability scorer", map[string]interface{}{
		"operation":  "route",
		"task_id":    task.ID,
		"adapter_id": bestID,
		"score":      bestScore,
	})

	return &Route{
		AdapterID:  bestID,
		Confidence: bestScore,
		Reason:     "capability score fallback",
	}, nil
}
