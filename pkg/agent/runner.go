package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/okabe/himari/internal/config"
	"github.com/okabe/himari/internal/observability"
	"github.com/okabe/himari/pkg/acl"
	"github.com/okabe/himari/pkg/memory"
	"github.com/okabe/himari/pkg/store"
	"github.com/okabe/himari/pkg/toolexec"
)

const iterationCapNotice = "Tool call limit reached. The response may be incomplete."

// RunnerConfig wires the loop's collaborators.
type RunnerConfig struct {
	Store    *store.Store
	Provider LLMProvider
	Executor *toolexec.Executor
	Guard    *acl.Guard
	Broker   *ConfirmationBroker
	Memory   *memory.Manager
	Agent    config.AgentConfig
	Model    string
	// MaxTokens and Temperature are passed through to the provider; zero
	// values leave the provider defaults in place.
	MaxTokens   int
	Temperature float64
	Logger      zerolog.Logger
	// Notify, when set, is called for every gated tool call so a transport
	// can surface the confirmation request to the user.
	Notify func(ctx context.Context, pending PendingConfirmation)
}

// Run describes one session's loop input. The system and user steps are
// already persisted by the caller; Messages carries them in order.
type Run struct {
	SessionID      int64
	ChatID         int64
	UserID         int64
	SystemPrompt   string
	Messages       []Message
	AllowedTools   []string
	SelectedSkills []string
	// Cancel, when non-nil, aborts the run at the next iteration boundary.
	Cancel <-chan struct{}
}

// Runner drives the bounded tool-orchestration loop for one session at a
// time. Each turn is persisted before the next provider call so a crash
// never loses transcript.
type Runner struct {
	cfg    RunnerConfig
	policy *toolPolicy
}

func NewRunner(cfg RunnerConfig) *Runner {
	observability.EnsureRegistered()
	return &Runner{
		cfg:    cfg,
		policy: newToolPolicy(cfg.Guard, cfg.Agent.ExecAllowlistRegex),
	}
}

// Run executes the loop until the model stops calling tools, the iteration
// cap is hit, or the run is cancelled. On an iteration cap the Result is
// returned alongside a *IterationCapError carrying the partial transcript.
func (r *Runner) Run(ctx context.Context, run Run) (*Result, error) {
	start := time.Now()
	transcript := append([]Message{}, run.Messages...)
	turns := 0

	for iteration := 0; iteration < r.cfg.Agent.MaxToolIterations; iteration++ {
		if cancelled(ctx, run.Cancel) {
			return r.finishCancelled(run, transcript, turns, start)
		}

		response, err := r.cfg.Provider.Call(ctx, LLMRequest{
			Model:        r.cfg.Model,
			SystemPrompt: run.SystemPrompt,
			Messages:     transcript,
			Tools:        r.cfg.Executor.Registry().Specs(run.AllowedTools),
			MaxTokens:    r.cfg.MaxTokens,
			Temperature:  r.cfg.Temperature,
		})
		if err != nil {
			observability.RecordAgentRun(r.cfg.Provider.Provider(), OutcomeFailed, time.Since(start))
			r.finishSession(ctx, run.SessionID, store.SessionFailed, nil)
			return nil, &ProviderError{Provider: r.cfg.Provider.Provider(), Err: err}
		}
		observability.RecordTurn()
		turns++

		assistantMsg := Message{Role: "assistant", Content: response.Content, ToolCalls: response.ToolCalls}
		stepID, err := r.persistStep(ctx, run.SessionID, assistantMsg)
		if err != nil {
			r.finishSession(ctx, run.SessionID, store.SessionFailed, nil)
			return nil, fmt.Errorf("persist assistant turn: %w", err)
		}
		transcript = append(transcript, assistantMsg)

		if len(response.ToolCalls) == 0 {
			r.saveMemory(ctx, run, response.Content, 0.6)
			r.finishSession(ctx, run.SessionID, store.SessionCompleted, &response.Content)
			observability.RecordAgentRun(r.cfg.Provider.Provider(), OutcomeCompleted, time.Since(start))
			return &Result{
				SessionID:      run.SessionID,
				Outcome:        OutcomeCompleted,
				Response:       response.Content,
				SelectedSkills: run.SelectedSkills,
				Turns:          turns,
			}, nil
		}

		// Side-effect-free calls run first so a confirmation wait never
		// delays work that needs no approval.
		for _, call := range r.orderCalls(response.ToolCalls) {
			toolMsg := r.handleToolCall(ctx, run, stepID, call)
			if _, err := r.persistStep(ctx, run.SessionID, toolMsg); err != nil {
				r.finishSession(ctx, run.SessionID, store.SessionFailed, nil)
				return nil, fmt.Errorf("persist tool result: %w", err)
			}
			transcript = append(transcript, toolMsg)
		}
	}

	r.saveMemory(ctx, run, iterationCapNotice, 0.4)
	r.finishSession(ctx, run.SessionID, store.SessionIterationCap, nil)
	observability.RecordAgentRun(r.cfg.Provider.Provider(), OutcomeIterationCap, time.Since(start))
	result := &Result{
		SessionID:      run.SessionID,
		Outcome:        OutcomeIterationCap,
		Response:       iterationCapNotice,
		SelectedSkills: run.SelectedSkills,
		Turns:          turns,
	}
	return result, &IterationCapError{
		SessionID:  run.SessionID,
		Iterations: r.cfg.Agent.MaxToolIterations,
		Transcript: transcript,
	}
}

// handleToolCall takes one requested call through policy, confirmation, and
// execution, and returns the tool message to feed back to the model. Refusals
// come back as tool messages, never as run failures.
func (r *Runner) handleToolCall(ctx context.Context, run Run, stepID int64, call ToolCall) Message {
	argsJSON := marshalArgs(call.Args)
	gated := r.isGated(call.Name)

	rowID, err := r.cfg.Store.InsertToolCall(ctx, run.SessionID, stepID, call.ID, call.Name, argsJSON, store.ToolCallPending, gated)
	if err != nil {
		r.cfg.Logger.Error().Err(err).Str("tool", call.Name).Msg("failed to record tool call")
	}

	denial, policyErr := r.policy.evaluate(run.ChatID, run.UserID, call, run.AllowedTools)
	if policyErr != nil {
		denial = &policyDenial{Reason: policyErr.Error()}
	}
	if denial != nil {
		result := deniedToolResult(denial.Reason)
		r.updateToolCall(ctx, rowID, store.ToolCallDenied, &result, nil)
		r.cfg.Logger.Info().
			Int64("session_id", run.SessionID).
			Str("tool", call.Name).
			Str("reason", denial.Reason).
			Msg("tool call denied by policy")
		return Message{Role: "tool", ToolCallID: call.ID, Content: result}
	}

	var confirmedBy *int64
	if gated {
		pending := r.cfg.Broker.Request(run.SessionID, run.ChatID, call.Name, argsJSON)
		r.updateToolCall(ctx, rowID, store.ToolCallAwaiting, nil, nil)
		r.finishSession(ctx, run.SessionID, store.SessionAwaiting, nil)
		if r.cfg.Notify != nil {
			r.cfg.Notify(ctx, pending)
		}

		decision := r.cfg.Broker.Await(ctx, pending.Key, r.cfg.Agent.ConfirmTimeout())
		r.finishSession(ctx, run.SessionID, store.SessionRunning, nil)

		if !decision.Approved {
			result := deniedToolResult(fmt.Sprintf("confirmation was not granted for tool '%s'", call.Name))
			r.updateToolCall(ctx, rowID, store.ToolCallDenied, &result, nil)
			return Message{Role: "tool", ToolCallID: call.ID, Content: result}
		}
		if decision.ByUserID != 0 {
			by := decision.ByUserID
			confirmedBy = &by
		}
	}

	execResult := r.cfg.Executor.Execute(ctx, call.Name, call.Args)
	payload := toolResultPayload(execResult)
	status := store.ToolCallCompleted
	if !execResult.Success {
		status = store.ToolCallFailed
	}
	r.updateToolCall(ctx, rowID, status, &payload, confirmedBy)

	return Message{Role: "tool", ToolCallID: call.ID, Content: payload}
}

// orderCalls keeps the model's ordering within each class but moves calls
// that need confirmation after those that do not.
func (r *Runner) orderCalls(calls []ToolCall) []ToolCall {
	ordered := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		if !r.isGated(call.Name) {
			ordered = append(ordered, call)
		}
	}
	for _, call := range calls {
		if r.isGated(call.Name) {
			ordered = append(ordered, call)
		}
	}
	return ordered
}

func (r *Runner) isGated(toolName string) bool {
	switch toolName {
	case "write_file":
		return r.cfg.Agent.ConfirmWrite
	case "edit_file":
		return r.cfg.Agent.ConfirmEdit
	case "exec":
		return r.cfg.Agent.ConfirmExec
	default:
		return false
	}
}

func (r *Runner) persistStep(ctx context.Context, sessionID int64, msg Message) (int64, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	var content *string
	if msg.Content != "" {
		content = &msg.Content
	}
	return r.cfg.Store.InsertStep(ctx, sessionID, msg.Role, content, string(raw))
}

func (r *Runner) finishSession(ctx context.Context, sessionID int64, status string, finalResponse *string) {
	if err := r.cfg.Store.FinishSession(ctx, sessionID, status, finalResponse); err != nil {
		r.cfg.Logger.Error().Err(err).Int64("session_id", sessionID).Str("status", status).Msg("failed to update session status")
	}
}

func (r *Runner) updateToolCall(ctx context.Context, rowID int64, status string, resultJSON *string, confirmedBy *int64) {
	if rowID == 0 {
		return
	}
	if err := r.cfg.Store.UpdateToolCall(ctx, rowID, status, resultJSON, confirmedBy); err != nil {
		r.cfg.Logger.Error().Err(err).Int64("tool_call_row", rowID).Msg("failed to update tool call")
	}
}

func (r *Runner) saveMemory(ctx context.Context, run Run, content string, importance float64) {
	if r.cfg.Memory == nil || content == "" {
		return
	}
	userID := run.UserID
	sessionID := run.SessionID
	r.cfg.Memory.Save(ctx, memory.SaveRequest{
		ChatID:     run.ChatID,
		UserID:     &userID,
		SessionID:  &sessionID,
		SourceRole: "assistant",
		Category:   "conversation",
		Content:    content,
		Importance: importance,
	})
}

func (r *Runner) finishCancelled(run Run, transcript []Message, turns int, start time.Time) (*Result, error) {
	// A reset normally supersedes the row before the loop notices, but a
	// reset that lands before the row exists leaves it live. Settle it
	// without overwriting a status the reset already wrote; fresh context
	// because the run's own may be the reason we are here.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.cfg.Store.FinishSessionIfLive(ctx, run.SessionID, store.SessionCancelled); err != nil {
		r.cfg.Logger.Warn().Err(err).Int64("session_id", run.SessionID).Msg("failed to settle cancelled session")
	}
	observability.RecordAgentRun(r.cfg.Provider.Provider(), OutcomeCancelled, time.Since(start))
	r.cfg.Logger.Info().Int64("session_id", run.SessionID).Int("turns", turns).Msg("run cancelled")
	return &Result{
		SessionID:      run.SessionID,
		Outcome:        OutcomeCancelled,
		SelectedSkills: run.SelectedSkills,
		Turns:          turns,
	}, nil
}

func cancelled(ctx context.Context, cancel <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func marshalArgs(args map[string]interface{}) string {
	if args == nil {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func toolResultPayload(res toolexec.Result) string {
	entry := map[string]interface{}{
		"success":     res.Success,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Success {
		entry["output"] = res.Output
		if res.Truncated {
			entry["truncated"] = true
		}
	} else {
		entry["error"] = res.Error
	}
	raw, _ := json.Marshal(entry)
	return string(raw)
}
