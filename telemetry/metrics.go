// Package telemetry provides OpenTelemetry-backed implementations of
// the metric contracts the resilience and engine packages define, plus
// an event-bus binding that counts lifecycle events.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/events"
)

const meterName = "github.com/voltmind/maestro"

// BreakerMetrics implements resilience.MetricsCollector over the global
// meter provider.
type BreakerMetrics struct {
	successes    metric.Int64Counter
	failures     metric.Int64Counter
	stateChanges metric.Int64Counter
	rejections   metric.Int64Counter
}

// NewBreakerMetrics creates the breaker instruments.
func NewBreakerMetrics() (*BreakerMetrics, error) {
	meter := otel.Meter(meterName)

	successes, err := meter.Int64Counter("maestro.breaker.successes",
		metric.WithDescription("Successful calls recorded by circuit breakers"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("maestro.breaker.failures",
		metric.WithDescription("Failed calls recorded by circuit breakers"))
	if err != nil {
		return nil, err
	}
	stateChanges, err := meter.Int64Counter("maestro.breaker.state_changes",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("maestro.breaker.rejections",
		metric.WithDescription("Calls rejected while open or probing"))
	if err != nil {
		return nil, err
	}

	return &BreakerMetrics{
		successes:    successes,
		failures:     failures,
		stateChanges: stateChanges,
		rejections:   rejections,
	}, nil
}

func (m *BreakerMetrics) RecordSuccess(name string) {
	m.successes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("breaker", name)))
}

func (m *BreakerMetrics) RecordFailure(name string, errorType string) {
	m.failures.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("error_type", errorType)))
}

func (m *BreakerMetrics) RecordStateChange(name string, from, to string) {
	m.stateChanges.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("from", from),
			attribute.String("to", to)))
}

func (m *BreakerMetrics) RecordRejection(name string) {
	m.rejections.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("breaker", name)))
}

// EngineMetrics implements engine.ExecutionMetrics.
type EngineMetrics struct {
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewEngineMetrics creates the execution instruments.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter(meterName)

	executions, err := meter.Int64Counter("maestro.engine.executions",
		metric.WithDescription("Task executions by kind, adapter, and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("maestro.engine.duration",
		metric.WithDescription("Task execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{executions: executions, duration: duration}, nil
}

func (m *EngineMetrics) RecordExecution(kind, adapterID string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("adapter", adapterID),
		attribute.Bool("success", success))

	ctx := context.Background()
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// EventMetrics counts lifecycle events off the bus: one counter keyed
// by event name, covering submissions, completions, collaborations, and
// failovers without instrumenting each producer.
type EventMetrics struct {
	events metric.Int64Counter
	subID  int
}

// BindBus subscribes an event counter to every event on the bus.
func BindBus(bus *events.Bus, logger core.Logger) (*EventMetrics, error) {
	meter := otel.Meter(meterName)

	counter, err := meter.Int64Counter("maestro.events",
		metric.WithDescription("Lifecycle events by name"))
	if err != nil {
		return nil, err
	}

	em := &EventMetrics{events: counter}
	id, err := bus.Subscribe("*", func(e events.Event) {
		em.events.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("event", e.Name)))
	})
	if err != nil {
		return nil, err
	}
	em.subID = id

	if logger != nil {
		logger.Debug("Event metrics bound to bus", map[string]interface{}{
			"operation":       "telemetry_bind",
			"subscription_id": id,
		})
	}
	return em, nil
}

// Unbind removes the bus subscription.
func (m *EventMetrics) Unbind(bus *events.Bus) {
	bus.Unsubscribe(m.subID)
}
