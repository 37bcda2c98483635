// Package memory recalls prior conversation memories into a run's context and
// persists new summarized memories after a run. All writes go through the
// store's write queue; recall reads directly.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/okabe/himari/internal/observability"
	"github.com/okabe/himari/pkg/store"
)

// Config controls recall and save behavior.
type Config struct {
	Enabled          bool
	RecallLimit      int
	MinRelevance     float64
	MaxContextChars  int
	SaveSummaryChars int
}

// ScoreFunc blends a bm25 lexical rank (lower is better) and an age in days
// into a single relevance score in (0, 1].
type ScoreFunc func(lexicalScore, recencyDays float64) float64

// DefaultScore weights lexical overlap 3:1 over recency. Both inputs are
// inverted so a perfect lexical match of a fresh memory scores 1.0.
func DefaultScore(lexicalScore, recencyDays float64) float64 {
	lexical := 1.0 / (1.0 + math.Max(lexicalScore, 0))
	recency := 1.0 / (1.0 + math.Max(recencyDays, 0))
	return 0.75*lexical + 0.25*recency
}

// RecalledEntry is one memory selected for a run's context.
type RecalledEntry struct {
	Memory store.MemoryRow
	Score  float64
}

// SaveRequest describes a memory to persist after a run.
type SaveRequest struct {
	ChatID     int64
	UserID     *int64
	SessionID  *int64
	SourceRole string
	Category   string
	Content    string
	Importance float64
}

// Manager implements recall and save against the store.
type Manager struct {
	store  *store.Store
	cfg    Config
	score  ScoreFunc
	logger zerolog.Logger
}

// NewManager builds a Manager. A nil score falls back to DefaultScore.
func NewManager(st *store.Store, cfg Config, score ScoreFunc, logger zerolog.Logger) *Manager {
	if score == nil {
		score = DefaultScore
	}
	observability.EnsureRegistered()
	return &Manager{store: st, cfg: cfg, score: score, logger: logger}
}

// Recall returns the most relevant memories for the query, best first.
// Entries scoring below MinRelevance are excluded regardless of limit. When
// lexical search matches nothing, the most recent memories stand in with a
// full relevance score.
func (m *Manager) Recall(ctx context.Context, chatID int64, query string) ([]RecalledEntry, error) {
	if !m.cfg.Enabled || m.cfg.RecallLimit <= 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { observability.RecordMemoryOp("recall", time.Since(start)) }()

	rows, err := m.store.SearchMemories(ctx, chatID, query, m.cfg.RecallLimit*3)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}

	if len(rows) == 0 {
		recent, err := m.store.RecentMemories(ctx, chatID, m.cfg.RecallLimit)
		if err != nil {
			return nil, fmt.Errorf("recent memories lookup failed: %w", err)
		}
		for _, mem := range recent {
			rows = append(rows, store.MemorySearchRow{Memory: mem})
		}
	}

	entries := make([]RecalledEntry, 0, len(rows))
	for _, row := range rows {
		score := m.score(row.LexicalScore, row.RecencyDays)
		if score < m.cfg.MinRelevance {
			continue
		}
		entries = append(entries, RecalledEntry{Memory: row.Memory, Score: score})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if len(entries) > m.cfg.RecallLimit {
		entries = entries[:m.cfg.RecallLimit]
	}
	return entries, nil
}

// ContextBlock renders recalled entries as a prompt section, trimming whole
// lowest-scored entries once MaxContextChars is reached. Returns "" when
// nothing fits.
func (m *Manager) ContextBlock(entries []RecalledEntry) string {
	if len(entries) == 0 {
		return ""
	}

	lines := []string{"[Memory context]"}
	usedChars := utf8.RuneCountInString(lines[0])
	for i, entry := range entries {
		summary := m.summarize(entry.Memory.Content)
		if entry.Memory.Summary != nil && *entry.Memory.Summary != "" {
			summary = *entry.Memory.Summary
		}
		line := fmt.Sprintf("%d. [%s] %s", i+1, entry.Memory.SourceRole, summary)
		nextLen := usedChars + 1 + utf8.RuneCountInString(line)
		if nextLen > m.cfg.MaxContextChars {
			break
		}
		usedChars = nextLen
		lines = append(lines, line)
	}

	if len(lines) == 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// AugmentPrompt prepends recalled memory context to the prompt. Recall
// failures are logged and leave the prompt unchanged. Returns the prompt to
// send and the memory block used (empty when none).
func (m *Manager) AugmentPrompt(ctx context.Context, chatID int64, prompt string) (string, string) {
	if !m.cfg.Enabled {
		return prompt, ""
	}

	entries, err := m.Recall(ctx, chatID, prompt)
	if err != nil {
		m.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("memory recall failed")
		return prompt, ""
	}

	block := m.ContextBlock(entries)
	if block == "" {
		return prompt, ""
	}
	return fmt.Sprintf("%s\n\nUser request:\n%s", block, prompt), block
}

// Save summarizes and persists one memory through the write queue. Failures
// are logged and never propagate; memory is advisory state.
func (m *Manager) Save(ctx context.Context, req SaveRequest) {
	if !m.cfg.Enabled {
		return
	}
	trimmed := strings.TrimSpace(req.Content)
	if trimmed == "" {
		return
	}
	start := time.Now()
	defer func() { observability.RecordMemoryOp("save", time.Since(start)) }()

	summary := m.summarize(trimmed)
	_, err := m.store.InsertMemory(ctx, store.MemoryInsert{
		ChatID:     req.ChatID,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		SourceRole: req.SourceRole,
		Category:   req.Category,
		Content:    trimmed,
		Summary:    &summary,
		Importance: req.Importance,
	})
	if err != nil {
		m.logger.Warn().
			Err(err).
			Int64("chat_id", req.ChatID).
			Str("source_role", req.SourceRole).
			Msg("failed to save memory")
	}
}

// summarize collapses whitespace and bounds the result to SaveSummaryChars
// runes, appending an ellipsis when truncated.
func (m *Manager) summarize(value string) string {
	normalized := strings.Join(strings.Fields(value), " ")
	if utf8.RuneCountInString(normalized) <= m.cfg.SaveSummaryChars {
		return normalized
	}
	runes := []rune(normalized)
	return string(runes[:m.cfg.SaveSummaryChars]) + "..."
}
