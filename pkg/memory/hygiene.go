package memory

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/okabe/himari/internal/observability"
	"github.com/okabe/himari/pkg/store"
)

// HygieneConfig controls the retention windows. A retention of 0 days
// disables pruning for that table.
type HygieneConfig struct {
	MemoryRetentionDays  int
	SessionRetentionDays int
}

// HygieneReport is what one hygiene pass removed.
type HygieneReport struct {
	Memories int64
	Sessions store.SessionPruneCounts
}

// Hygiene prunes expired memories and terminal sessions. Scheduling is the
// caller's concern; RunOnce is safe to invoke concurrently with saves and
// recalls because deletes flow through the same write queue.
type Hygiene struct {
	store  *store.Store
	cfg    HygieneConfig
	logger zerolog.Logger
}

func NewHygiene(st *store.Store, cfg HygieneConfig, logger zerolog.Logger) *Hygiene {
	observability.EnsureRegistered()
	return &Hygiene{store: st, cfg: cfg, logger: logger}
}

// RunOnce performs a single hygiene pass. Each prune failure is logged and
// counted as zero so one bad table never blocks the other.
func (h *Hygiene) RunOnce(ctx context.Context) HygieneReport {
	var report HygieneReport

	memories, err := h.store.PruneMemories(ctx, h.cfg.MemoryRetentionDays)
	if err != nil {
		h.logger.Warn().Err(err).Msg("hygiene failed pruning memories")
	} else {
		report.Memories = memories
		observability.RecordHygienePrune("agent_memories", memories)
	}

	sessions, err := h.store.PruneSessions(ctx, h.cfg.SessionRetentionDays)
	if err != nil {
		h.logger.Warn().Err(err).Msg("hygiene failed pruning sessions")
	} else {
		report.Sessions = sessions
		observability.RecordHygienePrune("agent_sessions", sessions.Sessions)
		observability.RecordHygienePrune("agent_steps", sessions.Steps)
		observability.RecordHygienePrune("agent_tool_calls", sessions.ToolCalls)
		observability.RecordHygienePrune("agent_session_skills", sessions.Skills)
	}

	if report.Memories > 0 || report.Sessions.Sessions > 0 {
		h.logger.Info().
			Int64("memories", report.Memories).
			Int64("sessions", report.Sessions.Sessions).
			Int64("steps", report.Sessions.Steps).
			Int64("tool_calls", report.Sessions.ToolCalls).
			Int64("session_skills", report.Sessions.Skills).
			Msg("hygiene pruned rows")
	}
	return report
}
