package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltmind/maestro/core"
)

const testPrefix = "maestro:"

func newTestQueue(t *testing.T) (*Queue, *RedisTaskStore, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := NewRedisTaskStore(client, testPrefix, nil)
	require.NoError(t, err)
	queue, err := NewQueue(client, store, testPrefix, nil)
	require.NoError(t, err)
	return queue, store, client, mr
}

func queueTask(t *testing.T, priority core.Priority) *core.Task {
	t.Helper()
	task, err := core.NewTask(core.KindSearch, "find the flaky test", priority)
	require.NoError(t, err)
	return task
}

func TestSubmitWritesRecordAndEntry(t *testing.T) {
	ctx := context.Background()
	queue, store, _, mr := newTestQueue(t)

	task := queueTask(t, core.PriorityMedium)
	require.NoError(t, queue.Submit(ctx, task, "node-1"))

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	record, err := store.GetRecord(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, record.Task.ID)
	assert.Zero(t, record.Requeues)

	// Task bodies expire on their own.
	assert.Equal(t, TaskTTL, mr.TTL(testPrefix+keyTask+task.ID))
}

func TestClaimPrefersHigherPriority(t *testing.T) {
	ctx := context.Background()
	queue, _, _, _ := newTestQueue(t)

	low := queueTask(t, core.PriorityLow)
	require.NoError(t, queue.Submit(ctx, low, "node-1"))

	// Submitted later, but the urgent weight pulls it ahead of the
	// earlier low entry.
	urgent := queueTask(t, core.PriorityUrgent)
	require.NoError(t, queue.Submit(ctx, urgent, "node-1"))

	first, err := queue.Claim(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, first)

	second, err := queue.Claim(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, low.ID, second)
}

func TestClaimWritesOwnerWithTTL(t *testing.T) {
	ctx := context.Background()
	queue, _, _, mr := newTestQueue(t)

	task := queueTask(t, core.PriorityMedium)
	require.NoError(t, queue.Submit(ctx, task, "node-1"))

	id, err := queue.Claim(ctx, "node-2")
	require.NoError(t, err)
	require.Equal(t, task.ID, id)

	owner, err := queue.ClaimOwner(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-2", owner)
	assert.Equal(t, ClaimTTL, mr.TTL(testPrefix+keyClaim+task.ID))

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestClaimEmptyQueue(t *testing.T) {
	ctx := context.Background()
	queue, _, _, _ := newTestQueue(t)

	id, err := queue.Claim(ctx, "node-1")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestClaimSkipsAlreadyClaimedHead(t *testing.T) {
	ctx := context.Background()
	queue, _, client, _ := newTestQueue(t)

	task := queueTask(t, core.PriorityMedium)
	require.NoError(t, queue.Submit(ctx, task, "node-1"))

	// A stale claim for the head entry blocks the pop this round.
	require.NoError(t, client.Set(ctx, testPrefix+keyClaim+task.ID, "node-other", ClaimTTL).Err())

	id, err := queue.Claim(ctx, "node-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRequeueReturnsTaskToPending(t *testing.T) {
	ctx := context.Background()
	queue, store, _, _ := newTestQueue(t)

	task := queueTask(t, core.PriorityMedium)
	require.NoError(t, task.TransitionTo(core.StatusInProgress))
	require.NoError(t, store.CreateRecord(ctx, &TaskRecord{
		Task:      task,
		NodeID:    "node-dead",
		StartedAt: time.Now(),
	}))

	requeued, err := queue.Requeue(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, requeued)

	record, err := store.GetRecord(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, record.Task.Status)
	assert.Equal(t, 1, record.Requeues)
	assert.Empty(t, record.NodeID)
	assert.True(t, record.StartedAt.IsZero())

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRequeueExhaustedFailsTerminally(t *testing.T) {
	ctx := context.Background()
	queue, store, _, _ := newTestQueue(t)

	task := queueTask(t, core.PriorityMedium)
	require.NoError(t, task.TransitionTo(core.StatusInProgress))
	require.NoError(t, store.CreateRecord(ctx, &TaskRecord{
		Task:     task,
		Requeues: MaxRequeues,
	}))

	requeued, err := queue.Requeue(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, requeued)

	record, err := store.GetRecord(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, record.Task.Status)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRequeueUnknownTask(t *testing.T) {
	ctx := context.Background()
	queue, _, _, _ := newTestQueue(t)

	_, err := queue.Requeue(ctx, "missing")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestUpdatePriorityRescoresEntry(t *testing.T) {
	ctx := context.Background()
	queue, store, client, _ := newTestQueue(t)

	task := queueTask(t, core.PriorityLow)
	require.NoError(t, queue.Submit(ctx, task, "node-1"))

	oldScore, err := client.ZScore(ctx, testPrefix+keyQueue, task.ID).Result()
	require.NoError(t, err)

	require.NoError(t, queue.UpdatePriority(ctx, task.ID, core.PriorityUrgent))

	newScore, err := client.ZScore(ctx, testPrefix+keyQueue, task.ID).Result()
	require.NoError(t, err)

	// The submission instant is preserved; only the weight shifts.
	shift := core.PriorityUrgent.Weight() - core.PriorityLow.Weight()
	assert.Equal(t, int64(oldScore)-shift, int64(newScore))

	record, err := store.GetRecord(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityUrgent, record.Task.Priority)
}

func TestUpdatePriorityRejectsUnknownPriority(t *testing.T) {
	ctx := context.Background()
	queue, _, _, _ := newTestQueue(t)

	err := queue.UpdatePriority(ctx, "whatever", core.Priority("extreme"))
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidTask, core.CodeOf(err))
}

func TestRescoreSkipsClaimedEntries(t *testing.T) {
	ctx := context.Background()
	queue, store, _, _ := newTestQueue(t)

	task := queueTask(t, core.PriorityMedium)
	require.NoError(t, store.CreateRecord(ctx, &TaskRecord{Task: task}))

	// Not in the queue: nothing to move.
	require.NoError(t, queue.Rescore(ctx, task.ID, core.PriorityMedium, core.PriorityUrgent))
}

func TestClaimsOwnedBy(t *testing.T) {
	ctx := context.Background()
	queue, _, client, _ := newTestQueue(t)

	require.NoError(t, client.Set(ctx, testPrefix+keyClaim+"t1", "node-dead", ClaimTTL).Err())
	require.NoError(t, client.Set(ctx, testPrefix+keyClaim+"t2", "node-alive", ClaimTTL).Err())
	require.NoError(t, client.Set(ctx, testPrefix+keyClaim+"t3", "node-dead", ClaimTTL).Err())

	owned, err := queue.ClaimsOwnedBy(ctx, "node-dead")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t3"}, owned)
}

func TestReleaseClaimReportsDeletion(t *testing.T) {
	ctx := context.Background()
	queue, _, client, _ := newTestQueue(t)

	require.NoError(t, client.Set(ctx, testPrefix+keyClaim+"t1", "node-1", ClaimTTL).Err())

	released, err := queue.ReleaseClaim(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, released)

	// The second release finds nothing to remove.
	released, err = queue.ReleaseClaim(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, released)
}
