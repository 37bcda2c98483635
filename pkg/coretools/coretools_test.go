package coretools

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okabe/himari/pkg/memory"
	"github.com/okabe/himari/pkg/store"
	"github.com/okabe/himari/pkg/toolexec"
)

type stubSearcher struct{ result string }

func (s stubSearcher) Search(_ context.Context, _ string, _ int) (string, error) {
	return s.result, nil
}

func newMemoryManager(t *testing.T) *memory.Manager {
	t.Helper()
	st, err := store.Open(store.Config{
		DBPath:     filepath.Join(t.TempDir(), "test.db"),
		QueueDepth: 8,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return memory.NewManager(st, memory.Config{
		Enabled:          true,
		RecallLimit:      5,
		MinRelevance:     0.25,
		MaxContextChars:  2000,
		SaveSummaryChars: 280,
	}, nil, zerolog.Nop())
}

func TestRegisterCoreTools(t *testing.T) {
	registry := toolexec.NewRegistry()
	err := RegisterCoreTools(registry, Options{
		WorkspaceDir: t.TempDir(),
		Searcher:     stubSearcher{result: "results"},
		Memory:       newMemoryManager(t),
		ChatID:       7,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"edit_file", "exec", "memory_save", "memory_search",
		"read_file", "web_search", "write_file",
	}, registry.Names())

	assert.True(t, registry.IsSideEffect("write_file"))
	assert.True(t, registry.IsSideEffect("edit_file"))
	assert.True(t, registry.IsSideEffect("exec"))
	assert.True(t, registry.IsSideEffect("memory_save"))
	assert.False(t, registry.IsSideEffect("read_file"))
	assert.False(t, registry.IsSideEffect("web_search"))
	assert.False(t, registry.IsSideEffect("memory_search"))
}

func TestRegisterCoreToolsOptionalCollaborators(t *testing.T) {
	registry := toolexec.NewRegistry()
	err := RegisterCoreTools(registry, Options{WorkspaceDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, []string{"edit_file", "exec", "read_file", "write_file"}, registry.Names())

	err = RegisterCoreTools(toolexec.NewRegistry(), Options{})
	assert.ErrorContains(t, err, "workspace directory")
}

func TestMemoryToolsRoundTrip(t *testing.T) {
	registry := toolexec.NewRegistry()
	mgr := newMemoryManager(t)
	require.NoError(t, RegisterCoreTools(registry, Options{
		WorkspaceDir: t.TempDir(),
		Memory:       mgr,
		ChatID:       7,
	}))
	ctx := context.Background()

	save := registry.Get("memory_save")
	out, err := save.Handler(ctx, map[string]interface{}{
		"content": "the user prefers oat milk lattes",
	})
	require.NoError(t, err)
	assert.Equal(t, "Memory saved.", out)

	search := registry.Get("memory_search")
	out, err = search.Handler(ctx, map[string]interface{}{"query": "lattes"})
	require.NoError(t, err)
	assert.Contains(t, out, "oat milk lattes")

	out, err = search.Handler(ctx, map[string]interface{}{"query": "zzz qqq"})
	require.NoError(t, err)
	// falls back to recent memories rather than claiming none exist
	assert.Contains(t, out, "oat milk lattes")
}

func TestWebSearchTool(t *testing.T) {
	registry := toolexec.NewRegistry()
	require.NoError(t, RegisterCoreTools(registry, Options{
		WorkspaceDir: t.TempDir(),
		Searcher:     stubSearcher{result: "## Results\n1. example"},
	}))

	out, err := registry.Get("web_search").Handler(context.Background(), map[string]interface{}{
		"query": "anything",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Results")
}
