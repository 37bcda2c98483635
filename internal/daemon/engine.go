package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/okabe/himari/internal/config"
	"github.com/okabe/himari/internal/tracing"
	"github.com/okabe/himari/pkg/acl"
	"github.com/okabe/himari/pkg/agent"
	"github.com/okabe/himari/pkg/channels"
	"github.com/okabe/himari/pkg/coretools"
	"github.com/okabe/himari/pkg/memory"
	"github.com/okabe/himari/pkg/session"
	"github.com/okabe/himari/pkg/skills"
	"github.com/okabe/himari/pkg/store"
	"github.com/okabe/himari/pkg/toolexec"
	"github.com/okabe/himari/pkg/workspace"
)

var (
	// ErrCommandDenied means the ACL refused the triggering command.
	ErrCommandDenied = errors.New("command denied by policy")
	// ErrSessionNotFound means the session id does not resolve for this lane.
	ErrSessionNotFound = errors.New("session not found")
)

const (
	promptMaxFileChars = 4000
	resumeStepLimit    = 6
)

// Engine is the command surface the transports call into: it owns run
// startup, resume, status, lane resets and confirmation answers.
type Engine struct {
	cfg        *config.Config
	store      *store.Store
	guard      *acl.Guard
	lanes      *session.Manager
	catalog    *skills.Catalog
	selector   *skills.Selector
	memory     *memory.Manager
	broker     *agent.ConfirmationBroker
	provider   agent.LLMProvider
	workspaces *workspace.Manager
	searcher   coretools.Searcher
	transports *channels.Registry
	logger     zerolog.Logger
}

// StatusReport is the engine state for one lane, for a status command.
type StatusReport struct {
	LaneState       string
	RecentSessions  []store.SessionRow
	ACL             acl.Meta
	PendingConfirms []agent.PendingConfirmation
}

// StartRun begins a fresh agent run on the caller's lane.
func (e *Engine) StartRun(ctx context.Context, chatID, userID int64, prompt string) (*agent.Result, error) {
	if err := e.authorizeCommand(chatID, userID, "agent"); err != nil {
		return nil, err
	}
	return e.runOnLane(ctx, chatID, userID, prompt)
}

// ResumeRun starts a new run seeded with a prior session's context. The old
// session stays untouched; resuming always creates a new session.
func (e *Engine) ResumeRun(ctx context.Context, chatID, userID, sessionID int64, instruction string) (*agent.Result, error) {
	if err := e.authorizeCommand(chatID, userID, "agent_resume"); err != nil {
		return nil, err
	}

	prior, err := e.store.GetSessionForUser(ctx, sessionID, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", sessionID, err)
	}
	if prior == nil {
		return nil, ErrSessionNotFound
	}
	steps, err := e.store.ListSteps(ctx, sessionID, resumeStepLimit)
	if err != nil {
		return nil, fmt.Errorf("load transcript of session %d: %w", sessionID, err)
	}

	prompt := buildResumePrompt(sessionID, prior.Prompt, steps, instruction)
	return e.runOnLane(ctx, chatID, userID, prompt)
}

// Status reports lane state, recent sessions, ACL load metadata and pending
// confirmations for the chat.
func (e *Engine) Status(ctx context.Context, chatID, userID int64) (*StatusReport, error) {
	if err := e.authorizeCommand(chatID, userID, "agent_status"); err != nil {
		return nil, err
	}
	recent, err := e.lanes.Status(ctx, chatID, userID, 5)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var pending []agent.PendingConfirmation
	for _, p := range e.broker.Pending() {
		if p.ChatID == chatID {
			pending = append(pending, p)
		}
	}

	return &StatusReport{
		LaneState:       e.lanes.State(chatID, userID),
		RecentSessions:  recent,
		ACL:             e.guard.Meta(),
		PendingConfirms: pending,
	}, nil
}

// ResetLane cancels the lane's in-flight run, denies its pending
// confirmations and supersedes non-terminal sessions. Returns how many
// sessions were superseded.
func (e *Engine) ResetLane(ctx context.Context, chatID, userID int64) (int64, error) {
	if err := e.authorizeCommand(chatID, userID, "agent_new"); err != nil {
		return 0, err
	}

	// Only the lane's own session loses its confirmations; other users in
	// the same chat keep theirs.
	cancelled := 0
	if sessionID, ok := e.lanes.ActiveSession(chatID, userID); ok {
		cancelled = e.broker.CancelSession(sessionID)
	}

	superseded, err := e.lanes.Reset(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}
	e.logger.Info().
		Int64("chat_id", chatID).
		Int64("user_id", userID).
		Int64("superseded", superseded).
		Int("confirmations_cancelled", cancelled).
		Msg("lane reset")
	return superseded, nil
}

// Confirm answers a pending gated tool call.
func (e *Engine) Confirm(key string, approved bool, byUserID int64) error {
	return e.broker.Resolve(key, approved, byUserID)
}

// IngestMessage archives one chat message through the write queue.
func (e *Engine) IngestMessage(ctx context.Context, msg store.MessageInsert) error {
	return e.store.QueueMessageInsert(ctx, msg)
}

func (e *Engine) authorizeCommand(chatID, userID int64, command string) error {
	decision := e.guard.AuthorizeCommand(chatID, userID, command)
	if !decision.Allowed {
		return fmt.Errorf("%w: %s (%s)", ErrCommandDenied, command, decision.Reason)
	}
	return nil
}

func (e *Engine) runOnLane(ctx context.Context, chatID, userID int64, prompt string) (*agent.Result, error) {
	lane, err := e.lanes.Begin(chatID, userID)
	if err != nil {
		return nil, err
	}
	defer e.lanes.Finish(lane)

	ctx = tracing.WithLane(ctx, fmt.Sprintf("%d:%d", chatID, userID))
	ctx, span := tracing.StartSpan(ctx, "daemon", "agent_run")
	defer span.End()

	result, err := e.executeRun(ctx, lane, chatID, userID, prompt)
	if result != nil {
		e.deliverOutcome(ctx, chatID, result)
	}
	return result, err
}

func (e *Engine) executeRun(ctx context.Context, lane *session.Lane, chatID, userID int64, prompt string) (*agent.Result, error) {
	wsDir, err := e.workspaces.EnsureChatWorkspace(chatID)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	docs := e.catalog.Docs()
	active := e.selector.Select(ctx, prompt, docs)
	declaredTools := e.guard.FilterAllowedTools(chatID, userID, active.AllowedTools)

	selectedJSON, err := json.Marshal(active.SelectedNames)
	if err != nil {
		selectedJSON = []byte("[]")
	}

	modelName := fmt.Sprintf("%s:%s", e.provider.Provider(), e.cfg.Provider.Model)
	sessionID, err := e.store.CreateSession(ctx, chatID, userID, modelName, prompt, string(selectedJSON))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	e.lanes.Activate(lane, sessionID)

	selectionReason := "heuristic"
	if e.selector.Ranker != nil {
		selectionReason = "heuristic_then_ranker"
	}
	if err := e.store.RecordSessionSkills(ctx, sessionID, string(selectedJSON), selectionReason); err != nil {
		e.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("failed to record session skills")
	}

	modelPrompt, recalled := e.memory.AugmentPrompt(ctx, chatID, prompt)
	e.memory.Save(ctx, memory.SaveRequest{
		ChatID:     chatID,
		UserID:     &userID,
		SessionID:  &sessionID,
		SourceRole: "user",
		Category:   "conversation",
		Content:    prompt,
		Importance: 0.7,
	})

	systemPrompt := buildSystemPrompt(wsDir, docs, active.Selected)
	if err := e.persistSeedStep(ctx, sessionID, "system", systemPrompt); err != nil {
		return nil, err
	}
	if err := e.persistSeedStep(ctx, sessionID, "user", modelPrompt); err != nil {
		return nil, err
	}

	e.logger.Info().
		Int64("session_id", sessionID).
		Int64("chat_id", chatID).
		Str("model", modelName).
		Strs("skills", active.SelectedNames).
		Str("workspace", wsDir).
		Int("recalled_memory_chars", len(recalled)).
		Msg("starting agent session")

	runner, err := e.buildRunner(wsDir, chatID, userID, sessionID)
	if err != nil {
		e.failSession(ctx, sessionID)
		return nil, err
	}

	return runner.Run(ctx, agent.Run{
		SessionID:      sessionID,
		ChatID:         chatID,
		UserID:         userID,
		SystemPrompt:   systemPrompt,
		Messages:       []agent.Message{{Role: "user", Content: modelPrompt}},
		AllowedTools:   declaredTools,
		SelectedSkills: active.SelectedNames,
		Cancel:         lane.Cancelled(),
	})
}

// buildRunner assembles a per-run tool registry and loop. Tools close over
// the run's workspace and identity, so registries are never shared between
// runs.
func (e *Engine) buildRunner(wsDir string, chatID, userID, sessionID int64) (*agent.Runner, error) {
	registry := toolexec.NewRegistry()
	var mem *memory.Manager
	if e.cfg.Memory.Enabled {
		mem = e.memory
	}
	err := coretools.RegisterCoreTools(registry, coretools.Options{
		WorkspaceDir: wsDir,
		Exec: coretools.ExecPolicy{
			RestrictToWorkspace: e.cfg.Agent.ExecRestrictToWS,
			DenyPatterns:        e.cfg.Agent.ExecDenyPatterns,
		},
		Searcher:  e.searcher,
		Memory:    mem,
		ChatID:    chatID,
		UserID:    &userID,
		SessionID: &sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	executor := toolexec.NewExecutor(registry, toolexec.Config{
		Timeout:        e.cfg.Agent.ExecTimeout(),
		MaxOutputChars: e.cfg.Agent.ExecMaxOutputChars,
		Logger:         e.logger,
	})

	return agent.NewRunner(agent.RunnerConfig{
		Store:    e.store,
		Provider: e.provider,
		Executor: executor,
		Guard:    e.guard,
		Broker:   e.broker,
		Memory:   mem,
		Agent:    e.cfg.Agent,
		Model:    e.cfg.Provider.Model,
		Logger:   e.logger,
		Notify:   e.notifyConfirmation,
	}), nil
}

func (e *Engine) notifyConfirmation(ctx context.Context, pending agent.PendingConfirmation) {
	e.transports.RequestConfirmation(ctx, channels.ConfirmationRequest{
		Key:       pending.Key,
		ChatID:    pending.ChatID,
		SessionID: pending.SessionID,
		ToolName:  pending.ToolName,
		ArgsJSON:  pending.ArgsJSON,
		ExpiresIn: e.cfg.Agent.ConfirmTimeout(),
	})
}

func (e *Engine) deliverOutcome(ctx context.Context, chatID int64, result *agent.Result) {
	switch result.Outcome {
	case agent.OutcomeCompleted:
		if result.Response != "" {
			e.transports.SendText(ctx, chatID, result.Response)
		}
	case agent.OutcomeIterationCap:
		e.transports.SendText(ctx, chatID,
			fmt.Sprintf("Session %d stopped at the tool call limit. Resume it to continue.", result.SessionID))
	}
}

func (e *Engine) persistSeedStep(ctx context.Context, sessionID int64, role, content string) error {
	raw, _ := json.Marshal(map[string]string{"role": role, "content": content})
	if _, err := e.store.InsertStep(ctx, sessionID, role, &content, string(raw)); err != nil {
		e.failSession(ctx, sessionID)
		return fmt.Errorf("persist %s step: %w", role, err)
	}
	return nil
}

func (e *Engine) failSession(ctx context.Context, sessionID int64) {
	if err := e.store.FinishSession(ctx, sessionID, store.SessionFailed, nil); err != nil {
		e.logger.Error().Err(err).Int64("session_id", sessionID).Msg("failed to mark session failed")
	}
}

// buildSystemPrompt assembles the run's system prompt: scaffold, workspace
// guideline files, the full skill catalog index, and the selected skills'
// instructions.
func buildSystemPrompt(workspaceRoot string, all []skills.Doc, selected []skills.Doc) string {
	now := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")

	sections := []string{fmt.Sprintf(
		"You are an AI assistant that can reason in multiple steps and use tools.\n"+
			"Current time: %s\n"+
			"Workspace root: %s\n"+
			"Work strictly inside the workspace and avoid unsafe side effects.\n"+
			"If you call side-effectful tools (write_file/edit_file/exec), execution may require confirmation.\n"+
			"Follow selected skills as operational procedures.\n",
		now, workspaceRoot)}

	agents := loadOptionalFile(filepath.Join(workspaceRoot, "AGENTS.md"))
	if agents == "" {
		agents = "AGENTS.md not found in workspace root."
	}
	sections = append(sections, section("Workspace agent guidelines (AGENTS.md):", agents))

	memoryMD := loadOptionalFile(filepath.Join(workspaceRoot, "MEMORY.md"))
	if memoryMD == "" {
		memoryMD = "MEMORY.md not found in workspace root."
	}
	sections = append(sections, section("Persistent memory notes (MEMORY.md):", memoryMD))

	sections = append(sections, section("Skill catalog:", skillIndex(all)))
	sections = append(sections, section("Active skill instructions:", selectedSkillContext(selected)))

	return strings.Join(sections, "\n")
}

func section(title, body string) string {
	return fmt.Sprintf("%s\n%s\n", title, body)
}

func loadOptionalFile(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= promptMaxFileChars {
		return trimmed
	}
	return string(runes[:promptMaxFileChars]) + "\n\n[Truncated]"
}

func skillIndex(docs []skills.Doc) string {
	lines := make([]string, 0, len(docs))
	for _, doc := range docs {
		tags := "-"
		if len(doc.Meta.Tags) > 0 {
			tags = strings.Join(doc.Meta.Tags, ", ")
		}
		lines = append(lines, fmt.Sprintf("- %s: %s (tags: %s; risk: %s)",
			doc.Meta.Name, doc.Meta.Description, tags, doc.Meta.RiskLevel))
	}
	return strings.Join(lines, "\n")
}

func selectedSkillContext(docs []skills.Doc) string {
	blocks := make([]string, 0, len(docs))
	for _, doc := range docs {
		allowed := "-"
		if len(doc.Meta.AllowedTools) > 0 {
			allowed = strings.Join(doc.Meta.AllowedTools, ", ")
		}
		blocks = append(blocks, fmt.Sprintf("Skill: %s\nDescription: %s\nAllowed tools: %s\nInstructions:\n%s",
			doc.Meta.Name, doc.Meta.Description, allowed, doc.Body))
	}
	return strings.Join(blocks, "\n\n")
}

// buildResumePrompt folds a prior session's context into a fresh prompt:
// the original task, the transcript tail, and the follow-up instruction.
func buildResumePrompt(sessionID int64, originalPrompt string, steps []store.StepRow, instruction string) string {
	lines := []string{
		fmt.Sprintf("Resume context from previous session #%d.", sessionID),
		fmt.Sprintf("Original task: %s", summarizeText(originalPrompt, 400)),
		"Recent transcript:",
	}

	if len(steps) == 0 {
		lines = append(lines, "- (no recorded steps)")
	} else {
		for _, step := range steps {
			content := "(empty)"
			if step.Content != nil {
				if s := summarizeText(*step.Content, 320); s != "" {
					content = s
				}
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s", step.Role, content))
		}
	}

	if strings.TrimSpace(instruction) != "" {
		lines = append(lines, fmt.Sprintf("New instruction: %s", summarizeText(instruction, 600)))
	} else {
		lines = append(lines, "New instruction: Continue from this context and produce the next best response.")
	}

	return strings.Join(lines, "\n")
}

func summarizeText(value string, maxChars int) string {
	normalized := strings.Join(strings.Fields(value), " ")
	runes := []rune(normalized)
	if len(runes) <= maxChars {
		return normalized
	}
	return string(runes[:maxChars]) + "..."
}
