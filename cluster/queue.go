package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/voltmind/maestro/core"
)

// claimScript atomically pops the lowest-score queue entry and writes
// its claim key. The claim is written NX first: if a live claim exists
// for the head entry the script claims nothing this round rather than
// double-running the task.
var claimScript = redis.NewScript(`
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
local ok = redis.call('SET', ARGV[2] .. id, ARGV[1], 'NX', 'EX', ARGV[3])
if not ok then
  return false
end
redis.call('ZREM', KEYS[1], id)
return id
`)

// Queue is the shared priority queue over task ids. Entries are scored
// submit_ms - priority weight, so heavier priorities and older
// submissions both sort toward the head; Claim pops the minimum score.
type Queue struct {
	client *redis.Client
	store  *RedisTaskStore
	prefix string
	logger core.Logger
}

// NewQueue creates a queue sharing the store's client and prefix.
func NewQueue(client *redis.Client, store *RedisTaskStore, prefix string, logger core.Logger) (*Queue, error) {
	if client == nil || store == nil {
		return nil, core.WrapError(core.CodeInvalidRequest,
			"queue requires a redis client and a task store", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Queue{client: client, store: store, prefix: prefix, logger: logger}, nil
}

func (q *Queue) queueKey() string            { return q.prefix + keyQueue }
func (q *Queue) claimKey(id string) string   { return q.prefix + keyClaim + id }
func (q *Queue) claimPrefix() string         { return q.prefix + keyClaim }
func (q *Queue) channel(name string) string  { return q.prefix + name }
func (q *Queue) score(p core.Priority) int64 { return time.Now().UnixMilli() - p.Weight() }

// Submit persists the task body, inserts the queue entry, and announces
// the submission in one transaction.
func (q *Queue) Submit(ctx context.Context, task *core.Task, nodeID string) error {
	if task == nil {
		return core.NewError(core.CodeInvalidTask, "task must not be nil")
	}

	record := &TaskRecord{Task: task}
	body, err := json.Marshal(record)
	if err != nil {
		return core.WrapError(core.CodeInvalidPayload, "failed to encode task record", err)
	}
	announcement, err := json.Marshal(map[string]string{"taskId": task.ID, "nodeId": nodeID})
	if err != nil {
		return core.WrapError(core.CodeInvalidPayload, "failed to encode submission", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.store.taskKey(task.ID), body, TaskTTL)
	pipe.ZAdd(ctx, q.queueKey(), &redis.Z{
		Score:  float64(q.score(task.Priority)),
		Member: task.ID,
	})
	pipe.Publish(ctx, q.channel(ChannelTaskSubmitted), announcement)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.CodeRepository, "failed to submit task "+task.ID, err)
	}

	q.logger.Info("Task submitted", map[string]interface{}{
		"operation": "queue_submit",
		"task_id":   task.ID,
		"priority":  string(task.Priority),
		"node_id":   nodeID,
	})
	return nil
}

// Claim pops the head entry and records nodeID as its owner. Returns ""
// when the queue is empty or the head is already claimed.
func (q *Queue) Claim(ctx context.Context, nodeID string) (string, error) {
	raw, err := claimScript.Run(ctx, q.client,
		[]string{q.queueKey()},
		nodeID, q.claimPrefix(), int(ClaimTTL.Seconds()),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", core.WrapError(core.CodeRepository, "claim script failed", err)
	}

	id, _ := raw.(string)
	if id != "" {
		q.logger.Debug("Task claimed", map[string]interface{}{
			"operation": "queue_claim",
			"task_id":   id,
			"node_id":   nodeID,
		})
	}
	return id, nil
}

// ClaimOwner returns the node owning a live claim, or "".
func (q *Queue) ClaimOwner(ctx context.Context, taskID string) (string, error) {
	owner, err := q.client.Get(ctx, q.claimKey(taskID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", core.WrapError(core.CodeRepository, "failed to read claim for "+taskID, err)
	}
	return owner, nil
}

// ReleaseClaim deletes the claim record after execution. Reports
// whether this call removed a live claim; concurrent releasers for the
// same task see true exactly once, so only the winner may requeue.
func (q *Queue) ReleaseClaim(ctx context.Context, taskID string) (bool, error) {
	removed, err := q.client.Del(ctx, q.claimKey(taskID)).Result()
	if err != nil {
		return false, core.WrapError(core.CodeRepository, "failed to release claim for "+taskID, err)
	}
	return removed == 1, nil
}

// Requeue re-inserts a task after a retryable failure or a failover.
// The envelope's requeue counter is incremented; past MaxRequeues the
// task fails terminally instead. Reports whether the task went back in
// the queue.
func (q *Queue) Requeue(ctx context.Context, taskID string) (bool, error) {
	record, err := q.store.GetRecord(ctx, taskID)
	if err != nil {
		return false, err
	}

	record.Requeues++
	record.NodeID = ""
	record.StartedAt = time.Time{}

	if record.Requeues > MaxRequeues {
		// The retry budget is spent.
		if record.Task.Status == core.StatusInProgress {
			_ = record.Task.TransitionTo(core.StatusFailed)
		}
		if err := q.store.PutRecord(ctx, record); err != nil {
			return false, err
		}
		q.logger.Warn("Task exhausted requeue budget", map[string]interface{}{
			"operation": "queue_requeue",
			"task_id":   taskID,
			"requeues":  record.Requeues,
		})
		return false, nil
	}

	// Back to PENDING so the next claimant can start it. Failover hands
	// the task over still IN_PROGRESS; engine failures arrive as FAILED.
	switch record.Task.Status {
	case core.StatusInProgress:
		if err := record.Task.TransitionTo(core.StatusFailed); err == nil {
			_ = record.Task.TransitionTo(core.StatusPending)
		}
	case core.StatusFailed:
		_ = record.Task.TransitionTo(core.StatusPending)
	}

	if err := q.store.PutRecord(ctx, record); err != nil {
		return false, err
	}
	if err := q.client.ZAdd(ctx, q.queueKey(), &redis.Z{
		Score:  float64(q.score(record.Task.Priority)),
		Member: taskID,
	}).Err(); err != nil {
		return false, core.WrapError(core.CodeRepository, "failed to requeue "+taskID, err)
	}

	q.logger.Info("Task requeued", map[string]interface{}{
		"operation": "queue_requeue",
		"task_id":   taskID,
		"requeues":  record.Requeues,
	})
	return true, nil
}

// UpdatePriority changes a task's priority and announces the change so
// every node can re-score its queue entry.
func (q *Queue) UpdatePriority(ctx context.Context, taskID string, priority core.Priority) error {
	if !priority.Valid() {
		return core.NewError(core.CodeInvalidTask, "unknown priority: "+string(priority))
	}

	record, err := q.store.GetRecord(ctx, taskID)
	if err != nil {
		return err
	}
	previous := record.Task.Priority
	if err := record.Task.SetPriority(priority); err != nil {
		return err
	}
	if err := q.store.PutRecord(ctx, record); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{
		"taskId":   taskID,
		"previous": string(previous),
		"priority": string(priority),
	})
	if err != nil {
		return core.WrapError(core.CodeInvalidPayload, "failed to encode priority update", err)
	}
	if err := q.client.Publish(ctx, q.channel(ChannelPriorityUpdate), payload).Err(); err != nil {
		return core.WrapError(core.CodeRepository, "failed to announce priority update", err)
	}
	// The queue entry is shared state; only the updating node rescores it.
	return q.Rescore(ctx, taskID, previous, priority)
}

// Rescore moves an existing queue entry from the score of its previous
// priority to the score of the new one, preserving the original
// submission instant. Entries not in the queue (already claimed) are
// left alone.
func (q *Queue) Rescore(ctx context.Context, taskID string, previous, next core.Priority) error {
	oldScore, err := q.client.ZScore(ctx, q.queueKey(), taskID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return core.WrapError(core.CodeRepository, "failed to read score for "+taskID, err)
	}

	// score = submit_ms - weight, so the submission instant is
	// recoverable from the old entry.
	submitMS := int64(oldScore) + previous.Weight()
	newScore := submitMS - next.Weight()

	if err := q.client.ZAdd(ctx, q.queueKey(), &redis.Z{
		Score:  float64(newScore),
		Member: taskID,
	}).Err(); err != nil {
		return core.WrapError(core.CodeRepository, "failed to rescore "+taskID, err)
	}
	return nil
}

// Depth returns the number of queued entries.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.ZCard(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, core.WrapError(core.CodeRepository, "failed to read queue depth", err)
	}
	return depth, nil
}

// ClaimsOwnedBy scans the claim records owned by a node. Used by the
// failover handler to recover a dead peer's tasks.
func (q *Queue) ClaimsOwnedBy(ctx context.Context, nodeID string) ([]string, error) {
	var owned []string
	var cursor uint64
	pattern := q.claimPrefix() + "*"

	for {
		keys, next, err := q.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, core.WrapError(core.CodeRepository, "claim scan failed", err)
		}
		for _, key := range keys {
			owner, err := q.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, core.WrapError(core.CodeRepository, "claim scan failed", err)
			}
			if owner == nodeID {
				owned = append(owned, key[len(q.claimPrefix()):])
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return owned, nil
}
