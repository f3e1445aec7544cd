// Package learning maintains routing preferences learned from observed
// executions. The engine records feedback after every run; the router
// consults the per-kind hint through the HintProvider contract.
package learning

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/events"
)

// Feedback is one post-execution observation.
type Feedback struct {
	Kind          core.TaskKind `json:"kind"`
	AdapterID     string        `json:"adapter_id"`
	Success       bool          `json:"success"`
	ExecutionTime time.Duration `json:"execution_time_ms"`

	// Satisfaction is an optional 1..5 user rating.
	Satisfaction int `json:"satisfaction,omitempty"`
}

// AdapterStats is the rolling aggregate per (kind, adapter).
type AdapterStats struct {
	Count             int           `json:"count"`
	Successes         int           `json:"successes"`
	TotalTime         time.Duration `json:"total_time_ms"`
	SatisfactionSum   int           `json:"satisfaction_sum"`
	SatisfactionCount int           `json:"satisfaction_count"`
}

// SuccessRate returns successes / count, 0 when empty.
func (s AdapterStats) SuccessRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Count)
}

// MeanTime returns the average execution time.
func (s AdapterStats) MeanTime() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Count)
}

// MeanSatisfaction returns the average rating, 0 when unrated.
func (s AdapterStats) MeanSatisfaction() float64 {
	if s.SatisfactionCount == 0 {
		return 0
	}
	return float64(s.SatisfactionSum) / float64(s.SatisfactionCount)
}

// Thresholds for a "strong" preferred-adapter hint.
const (
	hintMinSamples    = 3
	hintMinSuccess    = 0.8
	defaultInsightGap = 10
)

// Config configures the learning loop.
type Config struct {
	// InsightInterval emits insights:performance every N feedback
	// records. Default: 10.
	InsightInterval int `json:"insight_interval" yaml:"insight_interval"`

	// DefaultAdapter is the static fallback when no data exists.
	DefaultAdapter string `json:"default_adapter" yaml:"default_adapter"`

	// Bus receives insights:performance events. Optional.
	Bus *events.Bus `json:"-" yaml:"-"`

	// Logger for learning events
	Logger core.Logger `json:"-" yaml:"-"`
}

// Loop ingests feedback and answers routing hints.
type Loop struct {
	mu       sync.RWMutex
	stats    map[core.TaskKind]map[string]*AdapterStats
	recorded int
	config   Config
}

// NewLoop creates a learning loop.
func NewLoop(config *Config) *Loop {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.InsightInterval <= 0 {
		cfg.InsightInterval = defaultInsightGap
	}
	if cfg.DefaultAdapter == "" {
		cfg.DefaultAdapter = core.AdapterClaude
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &Loop{
		stats:  make(map[core.TaskKind]map[string]*AdapterStats),
		config: cfg,
	}
}

// Record ingests one feedback observation.
func (l *Loop) Record(fb Feedback) {
	if fb.Kind == "" || fb.AdapterID == "" {
		return
	}
	if fb.Satisfaction < 0 || fb.Satisfaction > 5 {
		fb.Satisfaction = 0
	}

	l.mu.Lock()
	byAdapter, ok := l.stats[fb.Kind]
	if !ok {
		byAdapter = make(map[string]*AdapterStats)
		l.stats[fb.Kind] = byAdapter
	}
	stats, ok := byAdapter[fb.AdapterID]
	if !ok {
		stats = &AdapterStats{}
		byAdapter[fb.AdapterID] = stats
	}

	stats.Count++
	if fb.Success {
		stats.Successes++
	}
	stats.TotalTime += fb.ExecutionTime
	if fb.Satisfaction > 0 {
		stats.SatisfactionSum += fb.Satisfaction
		stats.SatisfactionCount++
	}

	l.recorded++
	emitInsights := l.recorded%l.config.InsightInterval == 0
	var snapshot map[core.TaskKind]map[string]AdapterStats
	if emitInsights {
		snapshot = l.snapshotLocked()
	}
	l.mu.Unlock()

	l.config.Logger.Debug("Feedback recorded", map[string]interface{}{
		"operation":  "feedback_record",
		"kind":       string(fb.Kind),
		"adapter_id": fb.AdapterID,
		"success":    fb.Success,
	})

	if emitInsights && l.config.Bus != nil {
		l.config.Bus.Publish(events.PerformanceInsights,
			events.PerformanceInsightsPayload(snapshot))
	}
}

// Stats returns a copy of the aggregate for (kind, adapter).
func (l *Loop) Stats(kind core.TaskKind, adapterID string) AdapterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if byAdapter, ok := l.stats[kind]; ok {
		if s, ok := byAdapter[adapterID]; ok {
			return *s
		}
	}
	return AdapterStats{}
}

// PreferredAdapter implements the router's HintProvider: the adapter with
// a strong hint (success rate >= 0.8 over >= 3 samples) for the kind, or
// "".
func (l *Loop) PreferredAdapter(kind core.TaskKind) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byAdapter, ok := l.stats[kind]
	if !ok {
		return ""
	}

	var bestID string
	var bestRate float64
	for _, id := range sortedAdapterIDs(byAdapter) {
		stats := byAdapter[id]
		if stats.Count < hintMinSamples {
			continue
		}
		rate := stats.SuccessRate()
		if rate >= hintMinSuccess && rate > bestRate {
			bestRate = rate
			bestID = id
		}
	}
	return bestID
}

// Suggest returns the adapter to run a kind: the strong hint first, then
// the highest observed success rate, then the static default.
func (l *Loop) Suggest(kind core.TaskKind) string {
	if hint := l.PreferredAdapter(kind); hint != "" {
		return hint
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	byAdapter, ok := l.stats[kind]
	if !ok || len(byAdapter) == 0 {
		return l.config.DefaultAdapter
	}

	var bestID string
	bestRate := -1.0
	for _, id := range sortedAdapterIDs(byAdapter) {
		if rate := byAdapter[id].SuccessRate(); rate > bestRate {
			bestRate = rate
			bestID = id
		}
	}
	return bestID
}

func sortedAdapterIDs(m map[string]*AdapterStats) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Loop) snapshotLocked() map[core.TaskKind]map[string]AdapterStats {
	out := make(map[core.TaskKind]map[string]AdapterStats, len(l.stats))
	for kind, byAdapter := range l.stats {
		inner := make(map[string]AdapterStats, len(byAdapter))
		for id, stats := range byAdapter {
			inner[id] = *stats
		}
		out[kind] = inner
	}
	return out
}

// Snapshot serialises the aggregates for persistence.
func (l *Loop) Snapshot() ([]byte, error) {
	l.mu.RLock()
	snapshot := l.snapshotLocked()
	l.mu.RUnlock()
	return json.Marshal(snapshot)
}

// Restore replaces the aggregates from a Snapshot payload.
func (l *Loop) Restore(data []byte) error {
	var snapshot map[core.TaskKind]map[string]AdapterStats
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return core.WrapError(core.CodeInvalidPayload, "invalid learning snapshot", err)
	}

	l.mu.Lock()
	l.stats = make(map[core.TaskKind]map[string]*AdapterStats, len(snapshot))
	for kind, byAdapter := range snapshot {
		inner := make(map[string]*AdapterStats, len(byAdapter))
		for id, stats := range byAdapter {
			copied := stats
			inner[id] = &copied
		}
		l.stats[kind] = inner
	}
	l.mu.Unlock()
	return nil
}

// snapshotKey is where Persist/Load keep the serialized aggregates.
const snapshotKey = "maestro:learning:snapshot"

// Persist writes the current snapshot through the shared Memory.
func (l *Loop) Persist(ctx context.Context, store core.Memory) error {
	data, err := l.Snapshot()
	if err != nil {
		return err
	}
	if err := store.Set(ctx, snapshotKey, string(data), 0); err != nil {
		return core.WrapError(core.CodeRepository, "failed to persist learning snapshot", err)
	}
	return nil
}

// Load restores aggregates persisted by a previous run. A missing
// snapshot is not an error.
func (l *Loop) Load(ctx context.Context, store core.Memory) error {
	data, err := store.Get(ctx, snapshotKey)
	if err != nil {
		return core.WrapError(core.CodeRepository, "failed to load learning snapshot", err)
	}
	if data == "" {
		return nil
	}
	return l.Restore([]byte(data))
}
