package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okabe/himari/pkg/store"
)

func testConfig() Config {
	return Config{
		Enabled:          true,
		RecallLimit:      5,
		MinRelevance:     0.25,
		MaxContextChars:  2000,
		SaveSummaryChars: 280,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{
		DBPath:     filepath.Join(t.TempDir(), "test.db"),
		QueueDepth: 8,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, cfg, nil, zerolog.Nop()), st
}

func TestDefaultScore(t *testing.T) {
	assert.InDelta(t, 1.0, DefaultScore(0, 0), 1e-9)
	assert.InDelta(t, 0.75/3+0.25, DefaultScore(2, 0), 1e-9)
	assert.InDelta(t, 0.75+0.25/8, DefaultScore(0, 7), 1e-9)

	// negative inputs clamp instead of inflating the score
	assert.InDelta(t, 1.0, DefaultScore(-5, -5), 1e-9)
}

func TestRecallRanksAndFilters(t *testing.T) {
	mgr, st := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := st.InsertMemory(ctx, store.MemoryInsert{
		ChatID: 7, SourceRole: "user", Category: "preference",
		Content: "the user prefers oat milk lattes over drip coffee",
	})
	require.NoError(t, err)
	_, err = st.InsertMemory(ctx, store.MemoryInsert{
		ChatID: 7, SourceRole: "assistant", Category: "fact",
		Content: "deploy day for the backend is friday",
	})
	require.NoError(t, err)

	entries, err := mgr.Recall(ctx, 7, "what coffee does the user drink?")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	assert.Contains(t, entries[0].Memory.Content, "lattes")
	for _, e := range entries {
		assert.GreaterOrEqual(t, e.Score, mgr.cfg.MinRelevance)
	}
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i].Score, entries[i-1].Score)
	}
}

func TestRecallThresholdMonotonic(t *testing.T) {
	base := testConfig()
	mgr, st := newTestManager(t, base)
	ctx := context.Background()

	for _, content := range []string{
		"the user prefers oat milk lattes",
		"coffee orders go through the office app",
		"deploy day is friday",
	} {
		_, err := st.InsertMemory(ctx, store.MemoryInsert{
			ChatID: 7, SourceRole: "user", Category: "fact", Content: content,
		})
		require.NoError(t, err)
	}

	counts := make([]int, 0, 3)
	for _, threshold := range []float64{0.0, 0.5, 0.99} {
		mgr.cfg.MinRelevance = threshold
		entries, err := mgr.Recall(ctx, 7, "coffee")
		require.NoError(t, err)
		counts = append(counts, len(entries))
	}

	// raising the threshold never recalls more
	assert.GreaterOrEqual(t, counts[0], counts[1])
	assert.GreaterOrEqual(t, counts[1], counts[2])
}

func TestRecallFallsBackToRecent(t *testing.T) {
	mgr, st := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := st.InsertMemory(ctx, store.MemoryInsert{
		ChatID: 7, SourceRole: "user", Category: "fact", Content: "deploy day is friday",
	})
	require.NoError(t, err)

	entries, err := mgr.Recall(ctx, 7, "zzz qqq xxx")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// fallback entries carry full relevance
	assert.InDelta(t, 1.0, entries[0].Score, 1e-9)
}

func TestRecallDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	mgr, _ := newTestManager(t, cfg)

	entries, err := mgr.Recall(context.Background(), 7, "anything")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestRecallRespectsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RecallLimit = 2
	mgr, st := newTestManager(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := st.InsertMemory(ctx, store.MemoryInsert{
			ChatID: 7, SourceRole: "user", Category: "fact",
			Content: "coffee note number " + strings.Repeat("x", i+1),
		})
		require.NoError(t, err)
	}

	entries, err := mgr.Recall(ctx, 7, "coffee note")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestContextBlockTrimsWholeEntries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxContextChars = 60
	mgr, _ := newTestManager(t, cfg)

	long := strings.Repeat("a", 40)
	entries := []RecalledEntry{
		{Memory: store.MemoryRow{SourceRole: "user", Content: "short note"}, Score: 0.9},
		{Memory: store.MemoryRow{SourceRole: "user", Content: long}, Score: 0.5},
	}

	block := mgr.ContextBlock(entries)

	assert.Contains(t, block, "short note")
	assert.NotContains(t, block, long)
	assert.NotContains(t, block, "aaa")
}

func TestContextBlockEmpty(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	assert.Empty(t, mgr.ContextBlock(nil))

	cfg := testConfig()
	cfg.MaxContextChars = 10
	mgr, _ = newTestManager(t, cfg)
	entries := []RecalledEntry{
		{Memory: store.MemoryRow{SourceRole: "user", Content: "does not fit at all"}, Score: 0.9},
	}
	assert.Empty(t, mgr.ContextBlock(entries))
}

func TestContextBlockPrefersStoredSummary(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())

	summary := "stored summary"
	entries := []RecalledEntry{
		{Memory: store.MemoryRow{SourceRole: "assistant", Content: "full content", Summary: &summary}, Score: 0.9},
	}

	block := mgr.ContextBlock(entries)
	assert.Contains(t, block, "stored summary")
	assert.NotContains(t, block, "full content")
}

func TestAugmentPrompt(t *testing.T) {
	mgr, st := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := st.InsertMemory(ctx, store.MemoryInsert{
		ChatID: 7, SourceRole: "user", Category: "preference",
		Content: "the user prefers oat milk lattes",
	})
	require.NoError(t, err)

	augmented, block := mgr.AugmentPrompt(ctx, 7, "order my usual coffee")

	require.NotEmpty(t, block)
	assert.True(t, strings.HasPrefix(augmented, "[Memory context]"))
	assert.Contains(t, augmented, "User request:\norder my usual coffee")
}

func TestAugmentPromptNoMemories(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())

	augmented, block := mgr.AugmentPrompt(context.Background(), 7, "hello")

	assert.Equal(t, "hello", augmented)
	assert.Empty(t, block)
}

func TestSavePersistsSummarizedEntry(t *testing.T) {
	cfg := testConfig()
	cfg.SaveSummaryChars = 20
	mgr, st := newTestManager(t, cfg)
	ctx := context.Background()

	mgr.Save(ctx, SaveRequest{
		ChatID:     7,
		SourceRole: "assistant",
		Category:   "session_summary",
		Content:    "  finished refactoring the billing module and all tests pass  ",
		Importance: 0.6,
	})

	rows, err := st.RecentMemories(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "finished refactoring the billing module and all tests pass", rows[0].Content)
	require.NotNil(t, rows[0].Summary)
	assert.Equal(t, "finished refactoring...", *rows[0].Summary)
}

func TestSaveSkipsEmptyAndDisabled(t *testing.T) {
	mgr, st := newTestManager(t, testConfig())
	ctx := context.Background()

	mgr.Save(ctx, SaveRequest{ChatID: 7, SourceRole: "assistant", Content: "   "})

	cfg := testConfig()
	cfg.Enabled = false
	disabled := NewManager(st, cfg, nil, zerolog.Nop())
	disabled.Save(ctx, SaveRequest{ChatID: 7, SourceRole: "assistant", Content: "real content"})

	rows, err := st.RecentMemories(ctx, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSummarizeShortStaysWhole(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	assert.Equal(t, "short note", mgr.summarize("short  note"))
}
