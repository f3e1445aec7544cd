package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeExactMatch(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	var got []Event
	_, err := bus.Subscribe(TaskCompleted, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	bus.Publish(TaskCompleted, TaskCompletedPayload("t1", "r1", "claude", true))
	bus.Publish(TaskFailed, TaskFailedPayload("t2", "boom"))
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, TaskCompleted, got[0].Name)
	assert.Equal(t, "t1", got[0].Payload["taskId"])
}

func TestSubscribeWildcard(t *testing.T) {
	bus := NewBus(nil)

	var count atomic.Int64
	_, err := bus.Subscribe("task:*", func(Event) { count.Add(1) })
	require.NoError(t, err)

	bus.Publish(TaskCreated, TaskCreatedPayload("t1", "debugging", ""))
	bus.Publish(TaskStarted, TaskStartedPayload("t1"))
	bus.Publish(NodeFailover, NodeFailoverPayload("n1"))
	bus.Drain()

	assert.Equal(t, int64(2), count.Load())
}

func TestSubscribeRegex(t *testing.T) {
	bus := NewBus(nil)

	var count atomic.Int64
	_, err := bus.Subscribe("regex:^(task|collaboration):", func(Event) { count.Add(1) })
	require.NoError(t, err)

	bus.Publish(TaskStarted, TaskStartedPayload("t1"))
	bus.Publish(CollaborationStarted, CollaborationPayload("t1", "parallel", []string{"a", "b"}))
	bus.Publish(PerformanceInsights, PerformanceInsightsPayload(nil))
	bus.Drain()

	assert.Equal(t, int64(2), count.Load())
}

func TestSubscribeInvalidRegex(t *testing.T) {
	bus := NewBus(nil)
	_, err := bus.Subscribe("regex:([", func(Event) {})
	require.Error(t, err)
}

func TestSubscribeValidation(t *testing.T) {
	bus := NewBus(nil)

	_, err := bus.Subscribe("", func(Event) {})
	require.Error(t, err)

	_, err = bus.Subscribe(TaskCreated, nil)
	require.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	var count atomic.Int64
	id, err := bus.Subscribe(TaskStarted, func(Event) { count.Add(1) })
	require.NoError(t, err)

	bus.Publish(TaskStarted, TaskStartedPayload("t1"))
	bus.Drain()
	bus.Unsubscribe(id)
	bus.Publish(TaskStarted, TaskStartedPayload("t2"))
	bus.Drain()

	assert.Equal(t, int64(1), count.Load())
	bus.Unsubscribe(9999) // no-op
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus(nil)
	for i := 0; i < 100; i++ {
		bus.Publish(TaskStarted, TaskStartedPayload("t"))
	}
	bus.Drain()
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := NewBus(nil)

	var a, b atomic.Int64
	_, err := bus.Subscribe(ResultsCompared, func(Event) { a.Add(1) })
	require.NoError(t, err)
	_, err = bus.Subscribe("results:*", func(Event) { b.Add(1) })
	require.NoError(t, err)

	bus.Publish(ResultsCompared, ResultsComparedPayload("t1", 2, true))
	bus.Drain()

	assert.Equal(t, int64(1), a.Load())
	assert.Equal(t, int64(1), b.Load())
}
