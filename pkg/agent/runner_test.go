package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okabe/himari/internal/config"
	"github.com/okabe/himari/pkg/store"
	"github.com/okabe/himari/pkg/toolexec"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	err       error
	requests  []LLMRequest
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(_ context.Context, request LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, request)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &LLMResponse{Content: "all done"}, nil
	}
	response := p.responses[0]
	p.responses = p.responses[1:]
	return response, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func testRegistry(t *testing.T) *toolexec.Registry {
	t.Helper()
	registry := toolexec.NewRegistry()
	require.NoError(t, registry.Register(toolexec.Definition{
		Name:        "lookup",
		Description: "Look something up",
		Parameters: []toolexec.Parameter{
			{Name: "query", Type: "string", Description: "What to look up", Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (string, error) {
			return fmt.Sprintf("result for %v", args["query"]), nil
		},
	}))
	require.NoError(t, registry.Register(toolexec.Definition{
		Name:        "exec",
		Description: "Run a command",
		SideEffect:  true,
		Parameters: []toolexec.Parameter{
			{Name: "command", Type: "string", Description: "Command to run", Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (string, error) {
			return fmt.Sprintf("ran: %v", args["command"]), nil
		},
	}))
	require.NoError(t, registry.Register(toolexec.Definition{
		Name:        "boom",
		Description: "Always fails",
		Handler: func(_ context.Context, _ map[string]interface{}) (string, error) {
			return "", errors.New("kaboom")
		},
	}))
	return registry
}

type runnerFixture struct {
	store    *store.Store
	provider *scriptedProvider
	broker   *ConfirmationBroker
	runner   *Runner
}

func newRunnerFixture(t *testing.T, provider *scriptedProvider, agentCfg config.AgentConfig, notify func(context.Context, PendingConfirmation)) *runnerFixture {
	t.Helper()
	st, err := store.Open(store.Config{
		DBPath:     filepath.Join(t.TempDir(), "test.db"),
		QueueDepth: 16,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := NewConfirmationBroker()
	runner := NewRunner(RunnerConfig{
		Store:    st,
		Provider: provider,
		Executor: toolexec.NewExecutor(testRegistry(t), toolexec.Config{Timeout: 5 * time.Second, Logger: zerolog.Nop()}),
		Guard:    permissiveGuard(t),
		Broker:   broker,
		Agent:    agentCfg,
		Model:    "test-model",
		Logger:   zerolog.Nop(),
		Notify:   notify,
	})
	return &runnerFixture{store: st, provider: provider, broker: broker, runner: runner}
}

func (f *runnerFixture) newSession(t *testing.T) (int64, Run) {
	t.Helper()
	ctx := context.Background()
	sessionID, err := f.store.CreateSession(ctx, 7, 100, "test-model", "do the thing", "[]")
	require.NoError(t, err)

	run := Run{
		SessionID:    sessionID,
		ChatID:       7,
		UserID:       100,
		SystemPrompt: "You are a helpful agent.",
		Messages:     []Message{{Role: "user", Content: "do the thing"}},
		AllowedTools: []string{"lookup", "exec", "boom"},
	}
	return sessionID, run
}

func defaultAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxToolIterations:  8,
		ConfirmTimeoutSecs: 5,
	}
}

func TestRunCompletesWithoutTools(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{responses: []*LLMResponse{{Content: "the answer is 42"}}}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	sessionID, run := f.newSession(t)

	result, err := f.runner.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "the answer is 42", result.Response)
	assert.Equal(t, 1, result.Turns)

	row, err := f.store.GetSessionForUser(ctx, sessionID, 7, 100)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.SessionCompleted, row.Status)
	require.NotNil(t, row.FinalResponse)
	assert.Equal(t, "the answer is 42", *row.FinalResponse)

	steps, err := f.store.ListSteps(ctx, sessionID, 10)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "assistant", steps[0].Role)
}

func TestRunExecutesToolThenCompletes(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "lookup", Args: map[string]interface{}{"query": "weather"}}}},
		{Content: "sunny"},
	}}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	sessionID, run := f.newSession(t)

	result, err := f.runner.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 2, result.Turns)
	assert.Equal(t, 2, provider.callCount())

	steps, err := f.store.ListSteps(ctx, sessionID, 10)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "assistant", steps[0].Role)
	assert.Equal(t, "tool", steps[1].Role)
	assert.Equal(t, "assistant", steps[2].Role)
	require.NotNil(t, steps[1].Content)
	assert.Contains(t, *steps[1].Content, "result for weather")

	calls, err := f.store.ListToolCalls(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].ToolName)
	assert.Equal(t, store.ToolCallCompleted, calls[0].Status)
	assert.False(t, calls[0].RequiresConfirmation)

	// the second provider call saw the tool result
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
}

func TestRunFailedToolFedBack(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "boom", Args: map[string]interface{}{}}}},
		{Content: "could not do it"},
	}}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	sessionID, run := f.newSession(t)

	result, err := f.runner.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	calls, err := f.store.ListToolCalls(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, store.ToolCallFailed, calls[0].Status)
	require.NotNil(t, calls[0].ResultJSON)
	assert.Contains(t, *calls[0].ResultJSON, "kaboom")
}

func TestRunUndeclaredToolDenied(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "web_search", Args: map[string]interface{}{"query": "x"}}}},
		{Content: "never mind"},
	}}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	sessionID, run := f.newSession(t)
	run.AllowedTools = []string{"lookup"}

	result, err := f.runner.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	calls, err := f.store.ListToolCalls(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, store.ToolCallDenied, calls[0].Status)

	// the refusal went back to the model as a tool message
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "not declared")
}

func TestRunIterationCap(t *testing.T) {
	ctx := context.Background()
	looping := &LLMResponse{ToolCalls: []ToolCall{{ID: "call", Name: "lookup", Args: map[string]interface{}{"query": "again"}}}}
	provider := &scriptedProvider{responses: []*LLMResponse{looping, looping, looping, looping}}
	cfg := defaultAgentConfig()
	cfg.MaxToolIterations = 2
	f := newRunnerFixture(t, provider, cfg, nil)
	sessionID, run := f.newSession(t)

	result, err := f.runner.Run(ctx, run)
	require.NotNil(t, result)
	assert.Equal(t, OutcomeIterationCap, result.Outcome)
	assert.Equal(t, 2, result.Turns)
	assert.Equal(t, 2, provider.callCount())

	var capErr *IterationCapError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, sessionID, capErr.SessionID)
	assert.Equal(t, 2, capErr.Iterations)
	assert.NotEmpty(t, capErr.Transcript)

	row, err := f.store.GetSessionForUser(ctx, sessionID, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIterationCap, row.Status)
}

func TestRunGatedTimeoutDenies(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "exec", Args: map[string]interface{}{"command": "ls"}}}},
		{Content: "skipped it"},
	}}
	cfg := defaultAgentConfig()
	cfg.ConfirmExec = true
	cfg.ConfirmTimeoutSecs = 0 // expire immediately
	f := newRunnerFixture(t, provider, cfg, nil)
	sessionID, run := f.newSession(t)

	result, err := f.runner.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	calls, err := f.store.ListToolCalls(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, store.ToolCallDenied, calls[0].Status)
	assert.True(t, calls[0].RequiresConfirmation)
	require.NotNil(t, calls[0].ResultJSON)
	assert.Contains(t, *calls[0].ResultJSON, "confirmation was not granted")

	// the run recovered and finished normally
	row, err := f.store.GetSessionForUser(ctx, sessionID, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, row.Status)
}

func TestRunGatedApproved(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "exec", Args: map[string]interface{}{"command": "git status"}}}},
		{Content: "clean tree"},
	}}
	cfg := defaultAgentConfig()
	cfg.ConfirmExec = true

	var f *runnerFixture
	notify := func(_ context.Context, pending PendingConfirmation) {
		assert.Equal(t, "exec", pending.ToolName)
		require.NoError(t, f.broker.Resolve(pending.Key, true, 100))
	}
	f = newRunnerFixture(t, provider, cfg, notify)
	sessionID, run := f.newSession(t)

	result, err := f.runner.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	calls, err := f.store.ListToolCalls(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, store.ToolCallCompleted, calls[0].Status)
	require.NotNil(t, calls[0].ConfirmedBy)
	assert.Equal(t, int64(100), *calls[0].ConfirmedBy)
	require.NotNil(t, calls[0].ResultJSON)
	assert.Contains(t, *calls[0].ResultJSON, "ran: git status")
}

func TestRunGatedCallsOrderedLast(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{
			{ID: "call_exec", Name: "exec", Args: map[string]interface{}{"command": "ls"}},
			{ID: "call_lookup", Name: "lookup", Args: map[string]interface{}{"query": "x"}},
		}},
		{Content: "done"},
	}}
	cfg := defaultAgentConfig()
	cfg.ConfirmExec = true
	cfg.ConfirmTimeoutSecs = 0
	f := newRunnerFixture(t, provider, cfg, nil)
	sessionID, run := f.newSession(t)

	_, err := f.runner.Run(ctx, run)
	require.NoError(t, err)

	// the side-effect-free lookup ran before the gated exec blocked
	calls, err := f.store.ListToolCalls(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "lookup", calls[0].ToolName)
	assert.Equal(t, store.ToolCallCompleted, calls[0].Status)
	assert.Equal(t, "exec", calls[1].ToolName)
	assert.Equal(t, store.ToolCallDenied, calls[1].Status)
}

func TestRunCancelledBeforeFirstCall(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	_, run := f.newSession(t)

	cancelCh := make(chan struct{})
	close(cancelCh)
	run.Cancel = cancelCh

	result, err := f.runner.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Zero(t, provider.callCount())
}

func TestRunCancelledSettlesLiveSessionRow(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	sessionID, run := f.newSession(t)

	cancelCh := make(chan struct{})
	close(cancelCh)
	run.Cancel = cancelCh

	_, err := f.runner.Run(ctx, run)
	require.NoError(t, err)

	// the row was still running when the loop noticed the reset
	row, err := f.store.GetSessionForUser(ctx, sessionID, 7, 100)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.SessionCancelled, row.Status)
}

func TestRunCancelledKeepsSupersededStatus(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	sessionID, run := f.newSession(t)

	// the usual order: the reset superseded the row before the loop noticed
	_, err := f.store.SupersedeActiveSessions(ctx, 7, 100)
	require.NoError(t, err)

	cancelCh := make(chan struct{})
	close(cancelCh)
	run.Cancel = cancelCh

	_, err = f.runner.Run(ctx, run)
	require.NoError(t, err)

	row, err := f.store.GetSessionForUser(ctx, sessionID, 7, 100)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.SessionSuperseded, row.Status)
}

func TestRunProviderError(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{err: errors.New("upstream 503")}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	sessionID, run := f.newSession(t)

	_, err := f.runner.Run(ctx, run)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "scripted", provErr.Provider)
	assert.True(t, IsRetryableError(provErr))

	row, err := f.store.GetSessionForUser(ctx, sessionID, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, row.Status)
}

func TestRunToolSpecsScopedToAllowed(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{responses: []*LLMResponse{{Content: "ok"}}}
	f := newRunnerFixture(t, provider, defaultAgentConfig(), nil)
	_, run := f.newSession(t)
	run.AllowedTools = []string{"lookup"}

	_, err := f.runner.Run(ctx, run)
	require.NoError(t, err)

	require.Len(t, provider.requests, 1)
	require.Len(t, provider.requests[0].Tools, 1)
	assert.Equal(t, "lookup", provider.requests[0].Tools[0].Name)
}
