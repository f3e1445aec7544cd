package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/voltmind/maestro/core"
)

// RetryConfig configures the retry manager.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialDelay before the second attempt. Default: 1s.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier grows the delay per attempt. Default: 2.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// JitterFraction spreads delays by +-fraction to avoid synchronized
	// retries. Default: 0.2.
	JitterFraction float64 `json:"jitter_fraction" yaml:"jitter_fraction"`

	// Classifier decides which errors are retried. Default:
	// core.IsRetryable.
	Classifier func(error) bool `json:"-" yaml:"-"`

	// Logger for retry events
	Logger core.Logger `json:"-" yaml:"-"`
}

// DefaultRetryConfig provides the standard defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		Classifier:     core.IsRetryable,
		Logger:         &core.NoOpLogger{},
	}
}

// RetryManager runs functions with bounded retries and exponential
// backoff. Only errors the classifier marks retryable consume additional
// attempts; everything else surfaces immediately.
type RetryManager struct {
	config RetryConfig
}

// NewRetryManager creates a retry manager, applying defaults for unset
// fields.
func NewRetryManager(config *RetryConfig) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	cfg := *config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction >= 1 {
		cfg.JitterFraction = 0.2
	}
	if cfg.Classifier == nil {
		cfg.Classifier = core.IsRetryable
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &RetryManager{config: cfg}
}

// Do runs fn until it succeeds, exhausts attempts, the error is
// non-retryable, or ctx is cancelled. Returns the last error, wrapped
// with core.ErrMaxRetriesExceeded when attempts ran out. Attempts reports
// how many invocations ran.
func (m *RetryManager) Do(ctx context.Context, fn func() error) error {
	err, _ := m.DoWithCount(ctx, fn)
	return err
}

// DoWithCount is Do with the attempt count exposed, used by the execution
// engine to stamp retry counts on results.
func (m *RetryManager) DoWithCount(ctx context.Context, fn func() error) (error, int) {
	var lastErr error

	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err, attempt - 1
		}

		lastErr = fn()
		if lastErr == nil {
			return nil, attempt
		}

		if !m.config.Classifier(lastErr) {
			m.config.Logger.Debug("Error not retryable", map[string]interface{}{
				"operation": "retry_classify",
				"attempt":   attempt,
				"code":      core.CodeOf(lastErr),
				"error":     lastErr.Error(),
			})
			return lastErr, attempt
		}

		if attempt == m.config.MaxAttempts {
			break
		}

		delay := m.Delay(attempt)
		m.config.Logger.Debug("Retrying after backoff", map[string]interface{}{
			"operation": "retry_backoff",
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
			"error":     lastErr.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err(), attempt
		case <-timer.C:
		}
	}

	// Surface the last error; the sentinel stays visible to errors.Is
	// through the joined unwrap chain.
	return joinRetryErr(lastErr), m.config.MaxAttempts
}

// Delay computes the backoff before attempt n+1 (n is 1-based):
// clamp(initial * multiplier^(n-1), 0, max) with +-JitterFraction jitter.
func (m *RetryManager) Delay(attempt int) time.Duration {
	base := float64(m.config.InitialDelay) * math.Pow(m.config.Multiplier, float64(attempt-1))
	if base > float64(m.config.MaxDelay) {
		base = float64(m.config.MaxDelay)
	}

	if m.config.JitterFraction > 0 {
		spread := 1 - m.config.JitterFraction + 2*m.config.JitterFraction*rand.Float64()
		base *= spread
	}

	return time.Duration(base)
}

// MaxAttempts exposes the configured attempt budget.
func (m *RetryManager) MaxAttempts() int {
	return m.config.MaxAttempts
}

type retryExhaustedError struct {
	last error
}

func (e *retryExhaustedError) Error() string {
	return core.ErrMaxRetriesExceeded.Error() + ": " + e.last.Error()
}

func (e *retryExhaustedError) Unwrap() []error {
	return []error{core.ErrMaxRetriesExceeded, e.last}
}

// joinRetryErr keeps both the sentinel and the last underlying error
// visible to errors.Is.
func joinRetryErr(last error) error {
	if last == nil {
		return core.ErrMaxRetriesExceeded
	}
	return &retryExhaustedError{last: last}
}
