// Package engine runs single-task executions: adapter choice, timeout,
// retry, circuit breaking, result persistence, lifecycle transitions,
// optional validation, and learning feedback.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/voltmind/maestro/cache"
	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/events"
	"github.com/voltmind/maestro/learning"
	"github.com/voltmind/maestro/resilience"
	"github.com/voltmind/maestro/routing"
	"github.com/voltmind/maestro/validation"
)

// DefaultTimeout caps an adapter invocation when neither the task
// constraints nor the call options set one.
const DefaultTimeout = 30 * time.Second

// Options tune one Execute call.
type Options struct {
	// ForceAdapter bypasses the router.
	ForceAdapter string

	// Timeout caps the invocation; the effective timeout is the minimum
	// of this, the task constraint, and DefaultTimeout.
	Timeout time.Duration

	// Retry enables the retry manager for retryable invocation errors.
	Retry bool

	// Validate scores successful results and attaches the score and any
	// recommendations to the result metadata.
	Validate bool

	// Cache serves repeated prompts of the same kind from the result
	// cache and stores fresh successes back. Ignored when the engine has
	// no cache.
	Cache bool
}

// Config wires an Engine. Registry is required; everything else has a
// working default.
type Config struct {
	Registry *core.AdapterRegistry

	// Router decides the adapter when ForceAdapter is unset. Nil builds
	// a router with the default strategies over Registry.
	Router *routing.Router

	// Tasks loads and persists task envelopes. Optional: ExecuteTask
	// works without it, Execute(id) requires it.
	Tasks core.TaskStore

	// Results receives every result. Default: NoOpResultSink.
	Results core.ResultSink

	// Bus receives lifecycle events. Optional.
	Bus *events.Bus

	// Retry runs invocations when Options.Retry is set. Nil uses the
	// defaults.
	Retry *resilience.RetryManager

	// Breakers holds the per-kind circuit breakers. Nil uses the default
	// template.
	Breakers *resilience.BreakerGroup

	// Validator scores results when Options.Validate is set. Nil uses
	// the default criteria.
	Validator *validation.Validator

	// Cache serves repeated prompts without an adapter call when
	// Options.Cache is set. Optional.
	Cache cache.Cache

	// CacheTTLs supplies per-kind entry lifetimes for cached results.
	// Nil leaves TTL selection to the cache store's default.
	CacheTTLs *cache.Config

	// Learning receives post-execution feedback. Optional.
	Learning *learning.Loop

	// Metrics receives execution counters. Optional.
	Metrics ExecutionMetrics

	// Logger for execution events
	Logger core.Logger
}

// ExecutionMetrics receives engine observations.
type ExecutionMetrics interface {
	RecordExecution(kind, adapterID string, success bool, duration time.Duration)
}

type noopExecutionMetrics struct{}

func (noopExecutionMetrics) RecordExecution(string, string, bool, time.Duration) {}

// Engine executes tasks against registered adapters.
type Engine struct {
	registry  *core.AdapterRegistry
	router    *routing.Router
	tasks     core.TaskStore
	results   core.ResultSink
	bus       *events.Bus
	retry     *resilience.RetryManager
	breakers  *resilience.BreakerGroup
	validator *validation.Validator
	cache     cache.Cache
	cacheTTLs *cache.Config
	learning  *learning.Loop
	metrics   ExecutionMetrics
	logger    core.Logger
}

// NewEngine creates an engine.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil || config.Registry == nil {
		return nil, core.WrapError(core.CodeInvalidRequest,
			"engine requires an adapter registry", core.ErrMissingConfiguration)
	}

	e := &Engine{
		registry:  config.Registry,
		router:    config.Router,
		tasks:     config.Tasks,
		results:   config.Results,
		bus:       config.Bus,
		retry:     config.Retry,
		breakers:  config.Breakers,
		validator: config.Validator,
		cache:     config.Cache,
		cacheTTLs: config.CacheTTLs,
		learning:  config.Learning,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}
	if e.router == nil {
		e.router = routing.NewRouter(config.Registry, nil)
	}
	if e.results == nil {
		e.results = &core.NoOpResultSink{}
	}
	if e.retry == nil {
		e.retry = resilience.NewRetryManager(nil)
	}
	if e.breakers == nil {
		e.breakers = resilience.NewBreakerGroup(nil)
	}
	if e.validator == nil {
		e.validator = validation.NewValidator(nil)
	}
	if e.metrics == nil {
		e.metrics = noopExecutionMetrics{}
	}
	if e.logger == nil {
		e.logger = &core.NoOpLogger{}
	}
	return e, nil
}

// Execute loads the task by id from the task store and runs it.
func (e *Engine) Execute(ctx context.Context, taskID string, opts *Options) (*core.Result, error) {
	if e.tasks == nil {
		return nil, core.WrapError(core.CodeInvalidRequest,
			"engine has no task store; use ExecuteTask", core.ErrMissingConfiguration)
	}
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, core.WrapError(core.CodeUnknownTask, "task not found: "+taskID, err)
	}
	return e.ExecuteTask(ctx, task, opts)
}

// ExecuteTask runs a task the caller already holds. The task must be in
// a state that can transition to IN_PROGRESS.
func (e *Engine) ExecuteTask(ctx context.Context, task *core.Task, opts *Options) (*core.Result, error) {
	if task == nil {
		return nil, core.NewError(core.CodeInvalidTask, "task must not be nil")
	}
	if opts == nil {
		opts = &Options{}
	}

	if err := task.TransitionTo(core.StatusInProgress); err != nil {
		return nil, err
	}
	e.persistTask(ctx, task)
	e.publish(events.TaskStarted, events.TaskStartedPayload(task.ID))

	if opts.Cache && e.cache != nil {
		if result, ok := e.cachedResult(ctx, task); ok {
			if opts.Validate {
				e.validateResult(result, task)
			}
			if err := e.results.SaveResult(ctx, result); err != nil {
				e.logger.Error("Failed to persist result", map[string]interface{}{
					"operation": "save_result",
					"task_id":   task.ID,
					"result_id": result.ID,
					"error":     err.Error(),
				})
			}
			if err := task.TransitionTo(core.StatusCompleted); err == nil {
				e.persistTask(ctx, task)
			}
			e.publish(events.TaskCompleted,
				events.TaskCompletedPayload(task.ID, result.ID, result.AdapterID, true))
			e.logger.Info("Task served from cache", map[string]interface{}{
				"operation":  "execute",
				"task_id":    task.ID,
				"adapter_id": result.AdapterID,
			})
			return result, nil
		}
	}

	adapter, err := e.chooseAdapter(task, opts)
	if err != nil {
		e.failTask(ctx, task, err)
		return nil, err
	}

	timeout := effectiveTimeout(task, opts)
	breaker := e.breakers.Get("task:" + string(task.Kind))

	start := time.Now()
	var resp *core.InvokeResponse
	invoke := func() error {
		return breaker.Execute(ctx, func() error {
			r, invokeErr := e.invokeWithTimeout(ctx, adapter, task, timeout)
			if invokeErr != nil {
				return invokeErr
			}
			resp = r
			return nil
		})
	}

	var invokeErr error
	retries := 0
	if opts.Retry {
		var attempts int
		invokeErr, attempts = e.retry.DoWithCount(ctx, invoke)
		if attempts > 0 {
			retries = attempts - 1
		}
	} else {
		invokeErr = invoke()
	}
	elapsed := time.Since(start)

	meta := core.ResultMetadata{
		ExecutionTime: elapsed,
		RetryCount:    retries,
	}

	var result *core.Result
	if invokeErr != nil {
		result = core.NewErrorResult(task.ID, adapter.ID(), invokeErr, meta)
	} else {
		meta.TokensUsed = resp.TokensUsed
		meta.Model = resp.Model
		if resp.RetryCount > retries {
			meta.RetryCount = resp.RetryCount
		}
		result = core.NewResult(task.ID, adapter.ID(), resp.Output, meta)
	}

	if invokeErr == nil && opts.Validate {
		e.validateResult(result, task)
	}

	if err := e.results.SaveResult(ctx, result); err != nil {
		e.logger.Error("Failed to persist result", map[string]interface{}{
			"operation": "save_result",
			"task_id":   task.ID,
			"result_id": result.ID,
			"error":     err.Error(),
		})
	}

	if invokeErr != nil {
		e.failTask(ctx, task, invokeErr)
	} else {
		if opts.Cache && e.cache != nil {
			e.cacheResult(ctx, task, result)
		}
		if err := task.TransitionTo(core.StatusCompleted); err == nil {
			e.persistTask(ctx, task)
		}
		e.publish(events.TaskCompleted,
			events.TaskCompletedPayload(task.ID, result.ID, adapter.ID(), true))
	}

	e.metrics.RecordExecution(string(task.Kind), adapter.ID(), invokeErr == nil, elapsed)
	if e.learning != nil {
		e.learning.Record(learning.Feedback{
			Kind:          task.Kind,
			AdapterID:     adapter.ID(),
			Success:       invokeErr == nil,
			ExecutionTime: elapsed,
		})
	}

	e.logger.Info("Task executed", map[string]interface{}{
		"operation":  "execute",
		"task_id":    task.ID,
		"adapter_id": adapter.ID(),
		"success":    invokeErr == nil,
		"retries":    retries,
		"elapsed_ms": elapsed.Milliseconds(),
	})

	if invokeErr != nil {
		return result, invokeErr
	}
	return result, nil
}

// chooseAdapter resolves the adapter for a task: the forced override
// first, the router otherwise.
func (e *Engine) chooseAdapter(task *core.Task, opts *Options) (core.Adapter, error) {
	if opts.ForceAdapter != "" {
		adapter, err := e.registry.Get(opts.ForceAdapter)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	}

	route, err := e.router.Route(task)
	if err != nil {
		return nil, err
	}
	return e.registry.Get(route.AdapterID)
}

// invokeWithTimeout races the adapter call against the effective
// timeout. Adapters that honour the context return early; the race
// covers the ones that do not.
func (e *Engine) invokeWithTimeout(ctx context.Context, adapter core.Adapter, task *core.Task, timeout time.Duration) (*core.InvokeResponse, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *core.InvokeResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := adapter.Invoke(invokeCtx, task)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, timeoutError(adapter.ID(), timeout)
		}
		return out.resp, out.err
	case <-invokeCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(adapter.ID(), timeout)
	}
}

func timeoutError(adapterID string, timeout time.Duration) error {
	return core.WrapError(core.CodeTimeout,
		"adapter "+adapterID+" exceeded "+timeout.String(), core.ErrExecutionTimeout)
}

// validateResult scores a successful result and attaches the verdict.
// Sub-threshold validation is reported through metadata, never fatal.
func (e *Engine) validateResult(result *core.Result, task *core.Task) {
	report, err := e.validator.Validate(result, task)
	if err != nil {
		e.logger.Warn("Validation failed to run", map[string]interface{}{
			"operation": "validate",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
		return
	}

	score := report.Score
	result.Metadata.ValidationScore = &score
	result.Metadata.ValidatedBy = "criteria"
	result.Metadata.Recommendations = report.Recommendations
}

// cacheEntry is the stored shape of a cached execution.
type cacheEntry struct {
	AdapterID  string `json:"adapter_id"`
	Output     string `json:"output"`
	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// resultCacheKey derives the cache key from the task kind and prompt.
// Prompts that normalise to the same key share one entry.
func resultCacheKey(task *core.Task) string {
	return cache.NormalizeKey(string(task.Kind) + ":" + task.Prompt)
}

// cachedResult looks a task up in the result cache. Cache trouble is
// logged and treated as a miss.
func (e *Engine) cachedResult(ctx context.Context, task *core.Task) (*core.Result, bool) {
	value, ok, err := e.cache.Get(ctx, resultCacheKey(task))
	if err != nil {
		e.logger.Warn("Result cache read failed", map[string]interface{}{
			"operation": "cache_get",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		e.logger.Warn("Result cache entry corrupted", map[string]interface{}{
			"operation": "cache_get",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
		return nil, false
	}

	return core.NewResult(task.ID, entry.AdapterID, entry.Output, core.ResultMetadata{
		Model:      entry.Model,
		TokensUsed: entry.TokensUsed,
		Cached:     true,
	}), true
}

// cacheResult stores a fresh success, tagged by kind and adapter for
// bulk invalidation.
func (e *Engine) cacheResult(ctx context.Context, task *core.Task, result *core.Result) {
	body, err := json.Marshal(cacheEntry{
		AdapterID:  result.AdapterID,
		Output:     result.Output,
		Model:      result.Metadata.Model,
		TokensUsed: result.Metadata.TokensUsed,
	})
	if err != nil {
		return
	}

	var ttl time.Duration
	if e.cacheTTLs != nil {
		ttl = e.cacheTTLs.TTLFor(task.Kind)
	}
	err = e.cache.Set(ctx, resultCacheKey(task), string(body), &cache.SetOptions{
		TTL:      ttl,
		Tags:     []string{"kind:" + string(task.Kind), "adapter:" + result.AdapterID},
		Compress: true,
	})
	if err != nil {
		e.logger.Warn("Result cache write failed", map[string]interface{}{
			"operation": "cache_set",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
	}
}

func (e *Engine) failTask(ctx context.Context, task *core.Task, cause error) {
	if err := task.TransitionTo(core.StatusFailed); err == nil {
		e.persistTask(ctx, task)
	}
	e.publish(events.TaskFailed, events.TaskFailedPayload(task.ID, cause.Error()))
}

func (e *Engine) persistTask(ctx context.Context, task *core.Task) {
	if e.tasks == nil {
		return
	}
	if err := e.tasks.UpdateTask(ctx, task); err != nil {
		e.logger.Error("Failed to persist task", map[string]interface{}{
			"operation": "update_task",
			"task_id":   task.ID,
			"status":    string(task.Status),
			"error":     err.Error(),
		})
	}
}

func (e *Engine) publish(name string, payload map[string]interface{}) {
	if e.bus != nil {
		e.bus.Publish(name, payload)
	}
}

// effectiveTimeout is the minimum of the non-zero candidates: task
// constraint, call option, DefaultTimeout.
func effectiveTimeout(task *core.Task, opts *Options) time.Duration {
	timeout := DefaultTimeout
	if c := task.Metadata.Constraints.Timeout; c > 0 && c < timeout {
		timeout = c
	}
	if opts.Timeout > 0 && opts.Timeout < timeout {
		timeout = opts.Timeout
	}
	return timeout
}
