package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	id    string
	kinds map[TaskKind]bool
}

func (f *fakeAdapter) ID() string { return f.id }
func (f *fakeAdapter) Invoke(ctx context.Context, task *Task) (*InvokeResponse, error) {
	return &InvokeResponse{Output: f.id + " output"}, nil
}
func (f *fakeAdapter) Capabilities() []string                 { return nil }
func (f *fakeAdapter) Supports(kind TaskKind) bool            { return f.kinds[kind] }
func (f *fakeAdapter) Configure(map[string]interface{}) error { return nil }
func (f *fakeAdapter) Configuration() map[string]interface{}  { return nil }
func (f *fakeAdapter) Health(ctx context.Context) AdapterHealth {
	return AdapterHealth{Status: HealthHealthy, LastCheck: time.Now()}
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	registry := NewAdapterRegistry(nil)

	first := &fakeAdapter{id: AdapterClaude}
	second := &fakeAdapter{id: AdapterClaude}
	require.NoError(t, registry.Register(first))
	require.NoError(t, registry.Register(second))

	got, err := registry.Get(AdapterClaude)
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	registry := NewAdapterRegistry(nil)
	require.Error(t, registry.Register(&fakeAdapter{id: ""}))
	require.Error(t, registry.Register(nil))
}

func TestRegistryGetUnknown(t *testing.T) {
	registry := NewAdapterRegistry(nil)
	_, err := registry.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, CodeAdapterUnavailable, CodeOf(err))
}

func TestRegistryListSortedByID(t *testing.T) {
	registry := NewAdapterRegistry(nil)
	for _, id := range []string{AdapterOpenAI, AdapterClaude, AdapterGemini} {
		require.NoError(t, registry.Register(&fakeAdapter{id: id}))
	}

	var ids []string
	for _, a := range registry.List() {
		ids = append(ids, a.ID())
	}
	assert.Equal(t, []string{AdapterClaude, AdapterGemini, AdapterOpenAI}, ids)
}

func TestRegistryDeregister(t *testing.T) {
	registry := NewAdapterRegistry(nil)
	require.NoError(t, registry.Register(&fakeAdapter{id: AdapterOllama}))

	registry.Deregister(AdapterOllama)
	assert.False(t, registry.Has(AdapterOllama))
	registry.Deregister(AdapterOllama) // no-op
}

func TestRegistrySupportsKind(t *testing.T) {
	registry := NewAdapterRegistry(nil)
	require.NoError(t, registry.Register(&fakeAdapter{
		id:    AdapterGemini,
		kinds: map[TaskKind]bool{KindSearch: true},
	}))

	assert.True(t, registry.SupportsKind(AdapterGemini, KindSearch))
	assert.False(t, registry.SupportsKind(AdapterGemini, KindDebugging))
	assert.False(t, registry.SupportsKind("ghost", KindSearch))
}
