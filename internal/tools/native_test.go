package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	writes  []string
	targets []string
	err     error
}

func (m *fakeMemory) WriteMemory(content, target string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.writes = append(m.writes, content)
	m.targets = append(m.targets, target)
	return "Written to MEMORY.md", nil
}

func (m *fakeMemory) ReadMemory(query string) string {
	return "memories matching " + query
}

type fakeStatus string

func (s fakeStatus) LiveStatus() string { return string(s) }

func TestNativeCatalog(t *testing.T) {
	n := NewNative(&fakeMemory{}, nil)
	names := []string{}
	for _, d := range n.Descriptors() {
		names = append(names, d.Name)
		assert.True(t, json.Valid(d.Parameters), "schema for %s must be valid JSON", d.Name)
	}
	assert.Equal(t, []string{"write_memory", "read_memory"}, names)
	assert.False(t, n.Has("provider_status"))

	n.SetStatus(fakeStatus("all good"))
	assert.True(t, n.Has("provider_status"))
	assert.Len(t, n.Descriptors(), 3)

	d, ok := n.Descriptor(WriteMemory)
	require.True(t, ok)
	assert.Equal(t, "write_memory", d.Name)
}

func TestNativeExecute(t *testing.T) {
	mem := &fakeMemory{}
	n := NewNative(mem, fakeStatus("providers: none"))
	ctx := context.Background()

	out, err := n.Execute(ctx, "write_memory", map[string]any{"content": "operator prefers short replies", "target": "daily"})
	require.NoError(t, err)
	assert.Equal(t, "Written to MEMORY.md", out)
	assert.Equal(t, []string{"daily"}, mem.targets)

	out, err = n.Execute(ctx, "read_memory", map[string]any{"query": "replies"})
	require.NoError(t, err)
	assert.Equal(t, "memories matching replies", out)

	out, err = n.Execute(ctx, "provider_status", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "providers: none", out)
}

func TestNativeExecuteRejectsBadArguments(t *testing.T) {
	mem := &fakeMemory{}
	n := NewNative(mem, nil)

	_, err := n.Execute(context.Background(), "write_memory", map[string]any{"target": "memory"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments for write_memory")

	_, err = n.Execute(context.Background(), "write_memory", map[string]any{"content": "x", "target": "forever"})
	require.Error(t, err)
	assert.Empty(t, mem.writes, "no write may happen after failed validation")

	_, err = n.Execute(context.Background(), "spawn_agent", nil)
	assert.Error(t, err)
}

func TestNativeExecutePropagatesStoreErrors(t *testing.T) {
	n := NewNative(&fakeMemory{err: errors.New("disk full")}, nil)
	_, err := n.Execute(context.Background(), "write_memory", map[string]any{"content": "x"})
	assert.EqualError(t, err, "disk full")
}

func TestValidateAgainstProviderSchema(t *testing.T) {
	s, err := CompileSchema("search", json.RawMessage(`{
		"type": "object",
		"properties": {"q": {"type": "string"}, "limit": {"type": "integer", "minimum": 1}},
		"required": ["q"]
	}`))
	require.NoError(t, err)

	assert.NoError(t, Validate(s, map[string]any{"q": "go", "limit": 5}))
	assert.NoError(t, Validate(s, ParseArguments(`{"q":"go","limit":3}`)))

	err = Validate(s, map[string]any{"limit": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/")

	assert.NoError(t, Validate(nil, map[string]any{"anything": true}))

	empty, err := CompileSchema("none", nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = CompileSchema("broken", json.RawMessage(`{"type": 12`))
	assert.Error(t, err)
}

func TestParseArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, ParseArguments(""))
	assert.Equal(t, map[string]any{}, ParseArguments("{not json"))
	assert.Equal(t, map[string]any{}, ParseArguments("null"))
	assert.Equal(t, map[string]any{"a": "b"}, ParseArguments(`{"a":"b"}`))
	assert.Equal(t, "ERROR: boom 3", Errorf("boom %d", 3))
}
