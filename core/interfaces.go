package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface.
// All components accept a Logger through their config and fall back to
// NoOpLogger when none is provided.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger can derive a child logger attributed to a component
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Memory interface for shared key/value state (learning snapshots,
// small coordination records). Implementations: InMemoryStore and the
// Redis-backed stores in the cluster package.
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ResultSink persists execution results. The orchestration core only
// writes through this interface; durable entity storage lives outside it.
type ResultSink interface {
	SaveResult(ctx context.Context, result *Result) error
}

// TaskStore loads and updates task envelopes for the execution engine.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpResultSink discards results. Used in tests and collaboration steps
// that keep results in memory.
type NoOpResultSink struct{}

func (n *NoOpResultSink) SaveResult(ctx context.Context, result *Result) error { return nil }
