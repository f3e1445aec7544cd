package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltmind/maestro/core"
)

func TestEchoAdapterInvoke(t *testing.T) {
	a := newEchoAdapter("")
	assert.Equal(t, "echo", a.ID())

	task, err := core.NewTask(core.KindDocumentation, "hello there", core.PriorityMedium)
	require.NoError(t, err)

	resp, err := a.Invoke(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello there", resp.Output)

	for _, kind := range core.TaskKinds {
		assert.True(t, a.Supports(kind), "kind %s", kind)
	}
}

func TestEchoAdapterHonoursCancelledContext(t *testing.T) {
	a := newEchoAdapter("echo-2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, err := core.NewTask(core.KindDocumentation, "never answered", core.PriorityMedium)
	require.NoError(t, err)

	_, err = a.Invoke(ctx, task)
	require.Error(t, err)
}

func TestEchoAdapterConfigure(t *testing.T) {
	a := newEchoAdapter("echo-3")
	require.NoError(t, a.Configure(map[string]interface{}{"delay_ms": 5}))
	require.NoError(t, a.Configure(map[string]interface{}{"verbose": true}))

	cfg := a.Configuration()
	assert.Equal(t, 5, cfg["delay_ms"])
	assert.Equal(t, true, cfg["verbose"])
}
