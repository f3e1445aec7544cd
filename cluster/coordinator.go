package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/engine"
	"github.com/voltmind/maestro/events"
)

// Default coordinator intervals.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPollInterval      = 250 * time.Millisecond
	DefaultMaxConcurrency    = 4
)

// NodeRecord is the heartbeat payload published under node:<id>.
type NodeRecord struct {
	ID             string    `json:"id"`
	Load           int       `json:"load"`
	MaxConcurrency int       `json:"max_concurrency"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Config wires a Coordinator.
type Config struct {
	// Client is the shared Redis connection. Required.
	Client *redis.Client

	// Engine executes claimed tasks. Required.
	Engine *engine.Engine

	// Store persists task records. Required; normally the same store
	// wired into the engine as TaskStore and ResultSink.
	Store *RedisTaskStore

	// Queue over the shared Redis. Nil builds one from Client and Store.
	Queue *Queue

	// NodeID identifies this node. Auto-generated when empty.
	NodeID string `json:"node_id" yaml:"node_id"`

	// KeyPrefix namespaces all cluster keys and channels.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// HeartbeatInterval between node record refreshes. Default: 10s.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// PollInterval between claim attempts. Default: 250ms.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// MaxConcurrency caps concurrent executions on this node; rebalance
	// shrinks the effective cap as peers join. Default: 4.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// Execution is the engine options template for claimed tasks.
	// ForceAdapter is ignored and Retry is always on; claimed work must
	// survive transient adapter failures.
	Execution engine.Options `json:"-" yaml:"-"`

	// Bus mirrors cluster events onto the local bus. Optional.
	Bus *events.Bus `json:"-" yaml:"-"`

	// Logger for coordination events
	Logger core.Logger `json:"-" yaml:"-"`
}

// Coordinator runs the distributed execution loop on one node: claim
// when under the load cap, execute, persist, release; heartbeat and
// recover dead peers on the side.
type Coordinator struct {
	config Config
	queue  *Queue

	load           atomic.Int64
	maxConcurrency atomic.Int64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config *Config) (*Coordinator, error) {
	if config == nil || config.Client == nil || config.Engine == nil || config.Store == nil {
		return nil, core.WrapError(core.CodeInvalidRequest,
			"coordinator requires a redis client, an engine, and a task store",
			core.ErrMissingConfiguration)
	}

	cfg := *config
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}

	queue := cfg.Queue
	if queue == nil {
		var err error
		queue, err = NewQueue(cfg.Client, cfg.Store, cfg.KeyPrefix, cfg.Logger)
		if err != nil {
			return nil, err
		}
	}

	c := &Coordinator{config: cfg, queue: queue}
	c.maxConcurrency.Store(int64(cfg.MaxConcurrency))
	return c, nil
}

// NodeID returns this node's identity.
func (c *Coordinator) NodeID() string { return c.config.NodeID }

// Queue exposes the shared queue for submitters.
func (c *Coordinator) Queue() *Queue { return c.queue }

// Load returns the number of executions in flight on this node.
func (c *Coordinator) Load() int { return int(c.load.Load()) }

// MaxConcurrency returns the current effective cap.
func (c *Coordinator) MaxConcurrency() int { return int(c.maxConcurrency.Load()) }

// Start launches the heartbeat, the pub/sub listener, and the claim
// loop. Idempotent while running.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.heartbeat(runCtx); err != nil {
		c.running.Store(false)
		cancel()
		return err
	}

	c.wg.Add(3)
	go c.heartbeatLoop(runCtx)
	go c.subscribeLoop(runCtx)
	go c.claimLoop(runCtx)

	c.config.Logger.Info("Coordinator started", map[string]interface{}{
		"operation":       "coordinator_start",
		"node_id":         c.config.NodeID,
		"max_concurrency": c.MaxConcurrency(),
	})
	return nil
}

// Stop halts the loops, waits for in-flight executions, and removes
// this node from the active set.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.cancel()
	c.wg.Wait()

	pipe := c.config.Client.TxPipeline()
	pipe.Del(ctx, c.config.KeyPrefix+keyNode+c.config.NodeID)
	pipe.SRem(ctx, c.config.KeyPrefix+keyActive, c.config.NodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.CodeRepository, "failed to deregister node", err)
	}

	c.config.Logger.Info("Coordinator stopped", map[string]interface{}{
		"operation": "coordinator_stop",
		"node_id":   c.config.NodeID,
	})
	return nil
}

// Submit queues a task for the cluster. The creation is announced on
// this node's local bus; the queue announces the submission to every
// node over Redis.
func (c *Coordinator) Submit(ctx context.Context, task *core.Task) error {
	if err := c.queue.Submit(ctx, task, c.config.NodeID); err != nil {
		return err
	}
	if c.config.Bus != nil {
		userID := ""
		if task.Metadata.Context != nil {
			userID = task.Metadata.Context["user_id"]
		}
		c.config.Bus.Publish(events.TaskCreated,
			events.TaskCreatedPayload(task.ID, string(task.Kind), userID))
	}
	return nil
}

// claimLoop pops tasks while the node has spare capacity.
func (c *Coordinator) claimLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.load.Load() >= c.maxConcurrency.Load() {
			continue
		}

		taskID, err := c.queue.Claim(ctx, c.config.NodeID)
		if err != nil {
			if ctx.Err() == nil {
				c.config.Logger.Error("Claim failed", map[string]interface{}{
					"operation": "claim",
					"node_id":   c.config.NodeID,
					"error":     err.Error(),
				})
			}
			continue
		}
		if taskID == "" {
			continue
		}

		c.load.Add(1)
		c.wg.Add(1)
		go func(id string) {
			defer c.wg.Done()
			defer c.load.Add(-1)
			c.executeClaimed(ctx, id)
		}(taskID)
	}
}

// executeClaimed runs one claimed task end to end.
func (c *Coordinator) executeClaimed(ctx context.Context, taskID string) {
	record, err := c.config.Store.GetRecord(ctx, taskID)
	if err != nil {
		c.config.Logger.Error("Claimed task vanished", map[string]interface{}{
			"operation": "execute_claimed",
			"task_id":   taskID,
			"error":     err.Error(),
		})
		_, _ = c.queue.ReleaseClaim(ctx, taskID)
		return
	}

	record.NodeID = c.config.NodeID
	record.StartedAt = time.Now()
	if err := c.config.Store.PutRecord(ctx, record); err != nil {
		c.config.Logger.Error("Failed to stamp claim owner", map[string]interface{}{
			"operation": "execute_claimed",
			"task_id":   taskID,
			"error":     err.Error(),
		})
	}

	execOpts := c.config.Execution
	execOpts.ForceAdapter = ""
	execOpts.Retry = true
	result, execErr := c.config.Engine.ExecuteTask(ctx, record.Task, &execOpts)

	if execErr != nil {
		// Release before requeueing: a still-live claim on the head entry
		// blocks every peer's next claim attempt. The release result also
		// guards against a recoverer that already requeued this task after
		// the claim expired mid-execution.
		released, relErr := c.queue.ReleaseClaim(ctx, taskID)
		if relErr != nil {
			c.config.Logger.Error("Claim release failed", map[string]interface{}{
				"operation": "release_claim",
				"task_id":   taskID,
				"error":     relErr.Error(),
			})
		}
		if released && ctx.Err() == nil && core.IsRetryable(execErr) {
			if _, err := c.queue.Requeue(ctx, taskID); err != nil {
				c.config.Logger.Error("Requeue failed", map[string]interface{}{
					"operation": "requeue",
					"task_id":   taskID,
					"error":     err.Error(),
				})
			}
		}
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"taskId":   taskID,
		"resultId": result.ID,
		"adapter":  result.AdapterID,
		"success":  result.Success(),
		"nodeId":   c.config.NodeID,
	})
	if err := c.config.Client.Publish(ctx, c.config.KeyPrefix+ChannelTaskCompleted, payload).Err(); err != nil {
		c.config.Logger.Warn("Completion announce failed", map[string]interface{}{
			"operation": "announce_completed",
			"task_id":   taskID,
			"error":     err.Error(),
		})
	}
	_, _ = c.queue.ReleaseClaim(ctx, taskID)
}

// heartbeatLoop refreshes this node's lease and watches for dead peers.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.heartbeat(ctx); err != nil && ctx.Err() == nil {
			c.config.Logger.Error("Heartbeat failed", map[string]interface{}{
				"operation": "heartbeat",
				"node_id":   c.config.NodeID,
				"error":     err.Error(),
			})
			continue
		}
		c.detectDeadPeers(ctx)
	}
}

// heartbeat refreshes node:<id> and the active set, then rebalances
// against the current membership.
func (c *Coordinator) heartbeat(ctx context.Context) error {
	record := NodeRecord{
		ID:             c.config.NodeID,
		Load:           c.Load(),
		MaxConcurrency: c.MaxConcurrency(),
		UpdatedAt:      time.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return core.WrapError(core.CodeInvalidPayload, "failed to encode node record", err)
	}

	pipe := c.config.Client.TxPipeline()
	pipe.Set(ctx, c.config.KeyPrefix+keyNode+c.config.NodeID, data, NodeTTL)
	pipe.SAdd(ctx, c.config.KeyPrefix+keyActive, c.config.NodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.CodeRepository, "heartbeat write failed", err)
	}

	c.rebalance(ctx)
	return nil
}

// detectDeadPeers removes active-set members whose heartbeat key has
// expired and announces the failover.
func (c *Coordinator) detectDeadPeers(ctx context.Context) {
	members, err := c.config.Client.SMembers(ctx, c.config.KeyPrefix+keyActive).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.config.Logger.Error("Active set read failed", map[string]interface{}{
				"operation": "detect_dead_peers",
				"error":     err.Error(),
			})
		}
		return
	}

	for _, peer := range members {
		if peer == c.config.NodeID {
			continue
		}
		alive, err := c.config.Client.Exists(ctx, c.config.KeyPrefix+keyNode+peer).Result()
		if err != nil || alive > 0 {
			continue
		}

		removed, err := c.config.Client.SRem(ctx, c.config.KeyPrefix+keyActive, peer).Result()
		if err != nil || removed == 0 {
			// Another node already handled this peer.
			continue
		}

		c.config.Logger.Warn("Peer heartbeat lost", map[string]interface{}{
			"operation": "node_failover",
			"node_id":   c.config.NodeID,
			"failed":    peer,
		})

		payload, _ := json.Marshal(map[string]string{"failedNodeId": peer})
		if err := c.config.Client.Publish(ctx, c.config.KeyPrefix+ChannelNodeFailover, payload).Err(); err != nil {
			c.config.Logger.Error("Failover announce failed", map[string]interface{}{
				"operation": "node_failover",
				"failed":    peer,
				"error":     err.Error(),
			})
		}
		// Announcement or not, recover the peer's claims locally.
		c.recoverClaims(ctx, peer)
	}
}

// recoverClaims re-queues every task whose claim is owned by the failed
// node.
func (c *Coordinator) recoverClaims(ctx context.Context, failedNodeID string) {
	owned, err := c.queue.ClaimsOwnedBy(ctx, failedNodeID)
	if err != nil {
		c.config.Logger.Error("Claim recovery scan failed", map[string]interface{}{
			"operation": "recover_claims",
			"failed":    failedNodeID,
			"error":     err.Error(),
		})
		return
	}

	recovered := 0
	for _, taskID := range owned {
		released, err := c.queue.ReleaseClaim(ctx, taskID)
		if err != nil {
			c.config.Logger.Error("Claim release failed", map[string]interface{}{
				"operation": "recover_claims",
				"task_id":   taskID,
				"error":     err.Error(),
			})
			continue
		}
		if !released {
			// A concurrent recoverer won the release and requeues it.
			continue
		}
		recovered++
		if _, err := c.queue.Requeue(ctx, taskID); err != nil {
			c.config.Logger.Error("Recovery requeue failed", map[string]interface{}{
				"operation": "recover_claims",
				"task_id":   taskID,
				"error":     err.Error(),
			})
		}
	}

	if c.config.Bus != nil {
		c.config.Bus.Publish(events.NodeFailover, events.NodeFailoverPayload(failedNodeID))
	}

	c.config.Logger.Info("Recovered claims from failed peer", map[string]interface{}{
		"operation": "recover_claims",
		"failed":    failedNodeID,
		"recovered": recovered,
	})
}

// rebalance shrinks the effective concurrency cap as peers join:
// max(1, initial / active).
func (c *Coordinator) rebalance(ctx context.Context) {
	active, err := c.config.Client.SCard(ctx, c.config.KeyPrefix+keyActive).Result()
	if err != nil || active <= 0 {
		return
	}

	limit := int64(c.config.MaxConcurrency) / active
	if limit < 1 {
		limit = 1
	}
	if c.maxConcurrency.Swap(limit) != limit {
		c.config.Logger.Info("Concurrency rebalanced", map[string]interface{}{
			"operation":       "rebalance",
			"node_id":         c.config.NodeID,
			"active_nodes":    active,
			"max_concurrency": limit,
		})
	}
}

// subscribeLoop mirrors cluster channels onto the local bus and applies
// priority updates and failovers announced by peers.
func (c *Coordinator) subscribeLoop(ctx context.Context) {
	defer c.wg.Done()

	pubsub := c.config.Client.Subscribe(ctx,
		c.config.KeyPrefix+ChannelNodeFailover,
		c.config.KeyPrefix+ChannelPriorityUpdate,
		c.config.KeyPrefix+ChannelRebalance,
		c.config.KeyPrefix+ChannelTaskSubmitted,
	)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			c.handleMessage(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, channel, payload string) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		fields = map[string]interface{}{}
	}

	switch channel {
	case c.config.KeyPrefix + ChannelNodeFailover:
		failed, _ := fields["failedNodeId"].(string)
		if failed != "" && failed != c.config.NodeID {
			c.recoverClaims(ctx, failed)
		}

	case c.config.KeyPrefix + ChannelPriorityUpdate:
		// The updating node already rescored the shared queue entry;
		// peers only observe the change.
		taskID, _ := fields["taskId"].(string)
		priority, _ := fields["priority"].(string)
		c.config.Logger.Debug("Peer priority update", map[string]interface{}{
			"operation": "priority_update",
			"task_id":   taskID,
			"priority":  priority,
		})

	case c.config.KeyPrefix + ChannelRebalance:
		c.rebalance(ctx)

	case c.config.KeyPrefix + ChannelTaskSubmitted:
		if c.config.Bus != nil {
			taskID, _ := fields["taskId"].(string)
			nodeID, _ := fields["nodeId"].(string)
			c.config.Bus.Publish(events.TaskSubmitted, events.TaskSubmittedPayload(taskID, nodeID))
		}
	}
}

// ActiveNodes lists the current cluster membership.
func (c *Coordinator) ActiveNodes(ctx context.Context) ([]string, error) {
	members, err := c.config.Client.SMembers(ctx, c.config.KeyPrefix+keyActive).Result()
	if err != nil {
		return nil, core.WrapError(core.CodeRepository, "failed to list active nodes", err)
	}
	return members, nil
}
