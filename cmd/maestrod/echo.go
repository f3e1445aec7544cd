package main

import (
	"context"
	"sync"
	"time"

	"github.com/voltmind/maestro/core"
)

// echoAdapter answers every task by echoing its prompt. It supports all
// kinds and never fails, which makes it the smoke-test back-end for a
// fresh deployment.
type echoAdapter struct {
	id string

	mu   sync.RWMutex
	opts map[string]interface{}
}

func newEchoAdapter(id string) *echoAdapter {
	if id == "" {
		id = "echo"
	}
	return &echoAdapter{id: id, opts: make(map[string]interface{})}
}

func (a *echoAdapter) ID() string { return a.id }

func (a *echoAdapter) Invoke(ctx context.Context, task *core.Task) (*core.InvokeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &core.InvokeResponse{
		Output: "echo: " + task.Prompt,
		Model:  "echo",
	}, nil
}

func (a *echoAdapter) Capabilities() []string {
	caps := make([]string, len(core.TaskKinds))
	for i, kind := range core.TaskKinds {
		caps[i] = string(kind)
	}
	return caps
}

func (a *echoAdapter) Supports(kind core.TaskKind) bool { return kind.Valid() }

func (a *echoAdapter) Health(ctx context.Context) core.AdapterHealth {
	return core.AdapterHealth{
		Status:    core.HealthHealthy,
		LastCheck: time.Now(),
	}
}

func (a *echoAdapter) Configure(opts map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range opts {
		a.opts[k] = v
	}
	return nil
}

func (a *echoAdapter) Configuration() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]interface{}, len(a.opts))
	for k, v := range a.opts {
		out[k] = v
	}
	return out
}

var _ core.Adapter = (*echoAdapter)(nil)
