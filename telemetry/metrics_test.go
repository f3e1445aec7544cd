package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voltmind/maestro/engine"
	"github.com/voltmind/maestro/events"
	"github.com/voltmind/maestro/resilience"
)

// The default global meter provider is a no-op; these tests pin the
// contracts and the recording paths, not exported values.

func TestBreakerMetricsImplementsCollector(t *testing.T) {
	m, err := NewBreakerMetrics()
	require.NoError(t, err)

	var collector resilience.MetricsCollector = m
	collector.RecordSuccess("task:search")
	collector.RecordFailure("task:search", "EXTERNAL_SERVICE_ERROR")
	collector.RecordStateChange("task:search", "closed", "open")
	collector.RecordRejection("task:search")
}

func TestEngineMetricsImplementsExecutionMetrics(t *testing.T) {
	m, err := NewEngineMetrics()
	require.NoError(t, err)

	var metrics engine.ExecutionMetrics = m
	metrics.RecordExecution("debugging", "claude", true, 150*time.Millisecond)
	metrics.RecordExecution("debugging", "claude", false, time.Second)
}

func TestBindBusCountsEvents(t *testing.T) {
	bus := events.NewBus(nil)

	em, err := BindBus(bus, nil)
	require.NoError(t, err)

	bus.Publish(events.TaskCompleted, events.TaskCompletedPayload("t1", "r1", "claude", true))
	bus.Publish(events.NodeFailover, events.NodeFailoverPayload("node-dead"))
	bus.Drain()

	em.Unbind(bus)
	bus.Publish(events.TaskCompleted, events.TaskCompletedPayload("t2", "r2", "claude", true))
	bus.Drain()
}
