// Package cluster implements the distributed coordination layer: a
// Redis-backed priority queue with atomic claims, node heartbeats with
// peer failover, and the coordinator loop that executes claimed tasks.
package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/voltmind/maestro/core"
)

// Shared key layout. Every key is namespaced by the configured prefix.
const (
	keyTask   = "task:"       // + id -> TaskRecord JSON, 24h TTL
	keyQueue  = "task:queue"  // sorted set of task ids by priority score
	keyClaim  = "task:claim:" // + id -> owning node id, claim TTL
	keyNode   = "node:"       // + id -> NodeRecord JSON, 60s TTL
	keyActive = "nodes:active"
)

// Pub/sub channels.
const (
	ChannelTaskSubmitted  = "task:submitted"
	ChannelTaskCompleted  = "task:completed"
	ChannelNodeFailover   = "node:failover"
	ChannelPriorityUpdate = "task:priority_update"
	ChannelRebalance      = "cluster:rebalance"
)

// Lease durations.
const (
	TaskTTL  = 24 * time.Hour
	ClaimTTL = 300 * time.Second
	NodeTTL  = 60 * time.Second
)

// TaskRecord is the task envelope persisted under task:<id>. The task,
// its execution bookkeeping, and the final result travel together so a
// failover never splits them.
type TaskRecord struct {
	Task *core.Task `json:"task"`

	// NodeID and StartedAt are stamped when a node claims the task.
	NodeID    string    `json:"node_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`

	// Result is attached after execution.
	Result *core.Result `json:"result,omitempty"`

	// Requeues counts failover and retry re-insertions. Over
	// MaxRequeues the task fails terminally.
	Requeues int `json:"requeues,omitempty"`
}

// MaxRequeues is the re-queue budget before a task fails terminally.
const MaxRequeues = 3

// RedisTaskStore persists task records in Redis. It implements
// core.TaskStore and core.ResultSink for the execution engine, plus the
// record-level accessors the queue and coordinator need.
type RedisTaskStore struct {
	client *redis.Client
	prefix string
	logger core.Logger
}

// NewRedisTaskStore creates a store over an existing client.
func NewRedisTaskStore(client *redis.Client, prefix string, logger core.Logger) (*RedisTaskStore, error) {
	if client == nil {
		return nil, core.WrapError(core.CodeInvalidRequest,
			"task store requires a redis client", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisTaskStore{client: client, prefix: prefix, logger: logger}, nil
}

func (s *RedisTaskStore) taskKey(id string) string { return s.prefix + keyTask + id }

// GetRecord loads the full envelope for a task id.
func (s *RedisTaskStore) GetRecord(ctx context.Context, id string) (*TaskRecord, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Result()
	if err == redis.Nil {
		return nil, core.WrapError(core.CodeUnknownTask, "task not found: "+id, core.ErrTaskNotFound)
	}
	if err != nil {
		return nil, core.WrapError(core.CodeRepository, "failed to load task "+id, err)
	}

	var record TaskRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, core.WrapError(core.CodeInvalidPayload, "corrupted task record "+id, err)
	}
	return &record, nil
}

// PutRecord writes the envelope, keeping the existing TTL when the key
// already exists.
func (s *RedisTaskStore) PutRecord(ctx context.Context, record *TaskRecord) error {
	if record == nil || record.Task == nil {
		return core.NewError(core.CodeInvalidRequest, "task record must carry a task")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return core.WrapError(core.CodeInvalidPayload, "failed to encode task record", err)
	}

	key := s.taskKey(record.Task.ID)
	if err := s.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return core.WrapError(core.CodeRepository, "failed to store task "+record.Task.ID, err)
	}
	return nil
}

// CreateRecord writes a fresh envelope with the task TTL. Used by
// Submit, which batches it into a transaction instead; standalone
// callers use this.
func (s *RedisTaskStore) CreateRecord(ctx context.Context, record *TaskRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return core.WrapError(core.CodeInvalidPayload, "failed to encode task record", err)
	}
	if err := s.client.Set(ctx, s.taskKey(record.Task.ID), data, TaskTTL).Err(); err != nil {
		return core.WrapError(core.CodeRepository, "failed to store task "+record.Task.ID, err)
	}
	return nil
}

// GetTask implements core.TaskStore.
func (s *RedisTaskStore) GetTask(ctx context.Context, id string) (*core.Task, error) {
	record, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return record.Task, nil
}

// UpdateTask implements core.TaskStore: the task inside the envelope is
// replaced, everything else is preserved.
func (s *RedisTaskStore) UpdateTask(ctx context.Context, task *core.Task) error {
	if task == nil {
		return core.NewError(core.CodeInvalidTask, "task must not be nil")
	}
	record, err := s.GetRecord(ctx, task.ID)
	if err != nil {
		if core.IsNotFound(err) {
			record = &TaskRecord{}
		} else {
			return err
		}
	}
	record.Task = task
	return s.PutRecord(ctx, record)
}

// SaveResult implements core.ResultSink: the result is attached to the
// task envelope.
func (s *RedisTaskStore) SaveResult(ctx context.Context, result *core.Result) error {
	if result == nil {
		return core.NewError(core.CodeInvalidRequest, "result must not be nil")
	}
	record, err := s.GetRecord(ctx, result.TaskID)
	if err != nil {
		return err
	}
	record.Result = result
	return s.PutRecord(ctx, record)
}

var (
	_ core.TaskStore  = (*RedisTaskStore)(nil)
	_ core.ResultSink = (*RedisTaskStore)(nil)
)

// RedisMemory adapts the shared Redis to the core.Memory contract used
// for learning snapshots and other small coordination records.
type RedisMemory struct {
	client *redis.Client
}

// NewRedisMemory creates a Memory over an existing client.
func NewRedisMemory(client *redis.Client) *RedisMemory {
	return &RedisMemory{client: client}
}

func (m *RedisMemory) Get(ctx context.Context, key string) (string, error) {
	value, err := m.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", core.WrapError(core.CodeRepository, "memory get failed", err)
	}
	return value, nil
}

func (m *RedisMemory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return core.WrapError(core.CodeRepository, "memory set failed", err)
	}
	return nil
}

func (m *RedisMemory) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return core.WrapError(core.CodeRepository, "memory delete failed", err)
	}
	return nil
}

func (m *RedisMemory) Exists(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return false, core.WrapError(core.CodeRepository, "memory exists failed", err)
	}
	return n > 0, nil
}

var _ core.Memory = (*RedisMemory)(nil)
