// Package resilience provides the retry manager and per-key circuit
// breakers that guard adapter invocations.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voltmind/maestro/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen admits a single probe request at a time
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker observations.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// StateChangeListener observes breaker transitions.
type StateChangeListener func(name string, from, to CircuitState)

// CircuitBreakerConfig holds configuration for one breaker (or a group).
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker
	Name string `json:"name" yaml:"name"`

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit from closed. Default: 5.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// ResetTimeout is how long the circuit stays open before admitting a
	// half-open probe. Default: 60s.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`

	// HalfOpenSuccesses is the number of consecutive probe successes
	// needed to close from half-open. Default: 3.
	HalfOpenSuccesses int `json:"half_open_successes" yaml:"half_open_successes"`

	// MonitoringWindow is the sliding window retained for observability.
	// Default: 60s.
	MonitoringWindow time.Duration `json:"monitoring_window" yaml:"monitoring_window"`

	// BucketCount is the number of buckets in the sliding window
	BucketCount int `json:"bucket_count" yaml:"bucket_count"`

	// Logger for circuit breaker events
	Logger core.Logger `json:"-" yaml:"-"`

	// Metrics collector for monitoring
	Metrics MetricsCollector `json:"-" yaml:"-"`
}

// DefaultCircuitBreakerConfig returns the production defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:              "default",
		FailureThreshold:  5,
		ResetTimeout:      60 * time.Second,
		HalfOpenSuccesses: 3,
		MonitoringWindow:  60 * time.Second,
		BucketCount:       10,
		Logger:            &core.NoOpLogger{},
		Metrics:           &noopMetrics{},
	}
}

// Validate checks the configuration.
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return core.NewError(core.CodeInvalidRequest, "circuit breaker configuration cannot be nil")
	}
	if c.Name == "" {
		return core.NewError(core.CodeInvalidRequest, "circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return core.NewError(core.CodeInvalidRequest,
			fmt.Sprintf("failure threshold must be at least 1, got %d", c.FailureThreshold))
	}
	if c.HalfOpenSuccesses < 1 {
		return core.NewError(core.CodeInvalidRequest,
			fmt.Sprintf("half-open successes must be at least 1, got %d", c.HalfOpenSuccesses))
	}
	if c.ResetTimeout < 0 || c.MonitoringWindow < 0 {
		return core.NewError(core.CodeInvalidRequest, "timeouts must be non-negative")
	}
	return nil
}

// Snapshot is the observable breaker state.
type Snapshot struct {
	Name              string    `json:"name"`
	State             string    `json:"state"`
	ConsecutiveFails  int       `json:"consecutive_failures"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	WindowSuccess     uint64    `json:"window_success"`
	WindowFailure     uint64    `json:"window_failure"`
	LastFailureAt     time.Time `json:"last_failure_at,omitempty"`
	NextAttemptAt     time.Time `json:"next_attempt_at,omitempty"`
	Rejected          uint64    `json:"rejected"`
}

// CircuitBreaker is a per-key closed/open/half-open controller.
//
// Closed: requests pass; FailureThreshold consecutive failures open the
// circuit. Open: requests fail fast with core.ErrCircuitOpen until
// ResetTimeout elapses. Half-open: one probe is admitted at a time;
// HalfOpenSuccesses consecutive successes close the circuit, any failure
// reopens it. Transitions are serialised per breaker.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                sync.Mutex
	state             CircuitState
	consecutiveFails  int
	halfOpenSuccesses int
	probeInFlight     bool
	lastFailureAt     time.Time
	nextAttemptAt     time.Time
	rejected          uint64
	listeners         []StateChangeListener

	window *SlidingWindow
}

// NewCircuitBreaker creates a breaker from config.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	if config.MonitoringWindow == 0 {
		config.MonitoringWindow = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		window: NewSlidingWindow(config.MonitoringWindow, config.BucketCount),
	}

	config.Logger.Debug("Circuit breaker created", map[string]interface{}{
		"operation":           "circuit_breaker_created",
		"name":                config.Name,
		"failure_threshold":   config.FailureThreshold,
		"reset_timeout_ms":    config.ResetTimeout.Milliseconds(),
		"half_open_successes": config.HalfOpenSuccesses,
	})

	return cb, nil
}

// Execute runs fn under breaker protection. When the circuit is open the
// call fails fast with core.ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.allow()
	if err != nil {
		return err
	}

	fnErr := fn()
	cb.record(probe, fnErr)
	return fnErr
}

// Allow reports whether a request may proceed right now, reserving the
// half-open probe slot when applicable. Callers using Allow directly must
// pair it with RecordOutcome.
func (cb *CircuitBreaker) Allow() (probe bool, err error) {
	return cb.allow()
}

// RecordOutcome completes a request admitted via Allow.
func (cb *CircuitBreaker) RecordOutcome(probe bool, err error) {
	cb.record(probe, err)
}

func (cb *CircuitBreaker) allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Now().Before(cb.nextAttemptAt) {
			cb.rejected++
			cb.config.Metrics.RecordRejection(cb.config.Name)
			return false, core.WrapError(core.CodeCircuitOpen,
				fmt.Sprintf("circuit breaker %q is open", cb.config.Name), core.ErrCircuitOpen)
		}
		// Reset timeout elapsed: enter half-open and admit this request
		// as the probe.
		cb.transitionLocked(StateHalfOpen)
		cb.probeInFlight = true
		return true, nil

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.rejected++
			cb.config.Metrics.RecordRejection(cb.config.Name)
			return false, core.WrapError(core.CodeCircuitOpen,
				fmt.Sprintf("circuit breaker %q is half-open with a probe in flight", cb.config.Name),
				core.ErrCircuitOpen)
		}
		cb.probeInFlight = true
		return true, nil
	}

	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	if err == nil {
		cb.window.RecordSuccess()
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		cb.consecutiveFails = 0

		if cb.state == StateHalfOpen {
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
				cb.transitionLocked(StateClosed)
			}
		}
		return
	}

	// Context cancellation means the client gave up, not that the
	// dependency failed.
	if errors.Is(err, context.Canceled) {
		return
	}

	cb.window.RecordFailure()
	cb.config.Metrics.RecordFailure(cb.config.Name, core.CodeOf(err))
	cb.lastFailureAt = time.Now()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(next CircuitState) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next

	switch next {
	case StateOpen:
		cb.nextAttemptAt = time.Now().Add(cb.config.ResetTimeout)
		cb.halfOpenSuccesses = 0
		cb.probeInFlight = false
	case StateHalfOpen:
		cb.halfOpenSuccesses = 0
	case StateClosed:
		cb.consecutiveFails = 0
		cb.halfOpenSuccesses = 0
		cb.probeInFlight = false
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      prev.String(),
		"to":        next.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, prev.String(), next.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, prev, next)
	}
}

// AddStateChangeListener registers a transition listener.
func (cb *CircuitBreaker) AddStateChangeListener(listener StateChangeListener) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetSnapshot returns the observable breaker state.
func (cb *CircuitBreaker) GetSnapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	success, failure := cb.window.GetCounts()
	return Snapshot{
		Name:              cb.config.Name,
		State:             cb.state.String(),
		ConsecutiveFails:  cb.consecutiveFails,
		HalfOpenSuccesses: cb.halfOpenSuccesses,
		WindowSuccess:     success,
		WindowFailure:     failure,
		LastFailureAt:     cb.lastFailureAt,
		NextAttemptAt:     cb.nextAttemptAt,
		Rejected:          cb.rejected,
	}
}

// Reset returns the breaker to closed and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.halfOpenSuccesses = 0
	cb.probeInFlight = false
	cb.window = NewSlidingWindow(cb.config.MonitoringWindow, cb.config.BucketCount)

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "circuit_breaker_reset",
		"name":           cb.config.Name,
		"previous_state": prev.String(),
	})
}

// BreakerGroup lazily creates one breaker per key, sharing a template
// config. The execution engine keys breakers by "task:<kind>".
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	template CircuitBreakerConfig
}

// NewBreakerGroup creates a group from a template config. The template's
// Name is ignored; each breaker is named by its key.
func NewBreakerGroup(template *CircuitBreakerConfig) *BreakerGroup {
	if template == nil {
		template = DefaultCircuitBreakerConfig()
	}
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		template: *template,
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *BreakerGroup) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}

	config := g.template
	config.Name = key
	cb, err := NewCircuitBreaker(&config)
	if err != nil {
		// The template validated at group construction; per-key configs
		// only change the name.
		cb, _ = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	g.breakers[key] = cb
	return cb
}

// Snapshots returns the observable state of every breaker in the group.
func (g *BreakerGroup) Snapshots() map[string]Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]Snapshot, len(g.breakers))
	for key, cb := range g.breakers {
		out[key] = cb.GetSnapshot()
	}
	return out
}
