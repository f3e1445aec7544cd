// Package events provides the in-process lifecycle event bus.
//
// Producers publish named, JSON-compatible payloads; subscribers match by
// exact name, trailing-* wildcard, or "regex:" pattern. Delivery is
// asynchronous with no ordering guarantee across subscribers.
package events

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/voltmind/maestro/core"
)

// Event names emitted by the orchestration core.
const (
	TaskCreated            = "task:created"
	TaskStarted            = "task:started"
	TaskCompleted          = "task:completed"
	TaskFailed             = "task:failed"
	TaskSubmitted          = "task:submitted"
	CollaborationStarted   = "collaboration:started"
	CollaborationCompleted = "collaboration:completed"
	ResultsCompared        = "results:compared"
	NodeFailover           = "node:failover"
	PerformanceInsights    = "insights:performance"
)

// Event is one published lifecycle event.
type Event struct {
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"ts"`
}

// Handler receives matched events. Handlers must not block for long; the
// bus runs them on the publishing dispatch goroutine.
type Handler func(Event)

type subscription struct {
	id      int
	pattern string
	regex   *regexp.Regexp // nil for exact and wildcard patterns
	handler Handler
}

func (s *subscription) matches(name string) bool {
	if s.regex != nil {
		return s.regex.MatchString(name)
	}
	if strings.HasSuffix(s.pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(s.pattern, "*"))
	}
	return s.pattern == name
}

// Bus is the in-process pub/sub bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	logger core.Logger
	wg     sync.WaitGroup
}

// NewBus creates an event bus.
func NewBus(logger core.Logger) *Bus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for a pattern. Patterns are exact event
// names, a prefix ending in '*', or "regex:<expression>". The returned id
// is passed to Unsubscribe.
func (b *Bus) Subscribe(pattern string, handler Handler) (int, error) {
	if pattern == "" {
		return 0, core.NewError(core.CodeInvalidRequest, "subscription pattern must not be empty")
	}
	if handler == nil {
		return 0, core.NewError(core.CodeInvalidRequest, "subscription handler must not be nil")
	}

	sub := &subscription{pattern: pattern, handler: handler}
	if expr, ok := strings.CutPrefix(pattern, "regex:"); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return 0, core.WrapError(core.CodeInvalidRequest, "invalid subscription regex", err)
		}
		sub.regex = re
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("Subscription added", map[string]interface{}{
		"pattern":         pattern,
		"subscription_id": sub.id,
	})
	return sub.id, nil
}

// Unsubscribe removes a subscription by id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber. Dispatch happens
// on a separate goroutine; Publish never blocks on handlers.
func (b *Bus) Publish(name string, payload map[string]interface{}) {
	event := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	var matched []Handler
	for _, sub := range b.subs {
		if sub.matches(name) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for _, h := range matched {
			h(event)
		}
	}()
}

// Drain blocks until all in-flight dispatches have completed.
func (b *Bus) Drain() {
	b.wg.Wait()
}
