package toolexec

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/okabe/himari/internal/observability"
)

// Result is the outcome of one tool execution.
type Result struct {
	Success   bool
	Output    string
	Error     string
	Truncated bool
	Duration  time.Duration
}

// Config bounds every execution the Executor runs.
type Config struct {
	Timeout        time.Duration
	MaxOutputChars int
	Logger         zerolog.Logger
}

// Executor runs registered tools with validated arguments, a per-call
// timeout, and bounded output.
type Executor struct {
	registry *Registry
	cfg      Config
}

func NewExecutor(registry *Registry, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	observability.EnsureRegistered()
	return &Executor{registry: registry, cfg: cfg}
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call. Failures never panic out; every outcome comes
// back as a Result so the loop can feed it to the model.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()

	def := e.registry.Get(name)
	if def == nil {
		observability.RecordToolExecution(name, "unknown", time.Since(start))
		return Result{Error: fmt.Sprintf("tool not found: %s", name), Duration: time.Since(start)}
	}

	e.registry.mu.RLock()
	schema := e.registry.schemas[def.Name]
	e.registry.mu.RUnlock()

	if err := validateArgs(schema, args); err != nil {
		e.cfg.Logger.Warn().Str("tool", def.Name).Err(err).Msg("tool argument validation failed")
		observability.RecordToolExecution(def.Name, "invalid_args", time.Since(start))
		return Result{Error: fmt.Sprintf("argument validation failed: %v", err), Duration: time.Since(start)}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	outputCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		output, err := def.Handler(timeoutCtx, args)
		if err != nil {
			errCh <- err
			return
		}
		outputCh <- output
	}()

	select {
	case output := <-outputCh:
		duration := time.Since(start)
		output, truncated := e.truncate(output)
		e.cfg.Logger.Debug().
			Str("tool", def.Name).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("tool execution completed")
		observability.RecordToolExecution(def.Name, "ok", duration)
		return Result{Success: true, Output: output, Truncated: truncated, Duration: duration}

	case err := <-errCh:
		duration := time.Since(start)
		e.cfg.Logger.Warn().Str("tool", def.Name).Dur("duration", duration).Err(err).Msg("tool execution failed")
		observability.RecordToolExecution(def.Name, "error", duration)
		return Result{Error: err.Error(), Duration: duration}

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		e.cfg.Logger.Warn().Str("tool", def.Name).Dur("duration", duration).Msg("tool execution timed out")
		observability.RecordToolExecution(def.Name, "timeout", duration)
		return Result{
			Error:    fmt.Sprintf("tool execution timeout after %v", e.cfg.Timeout),
			Duration: duration,
		}
	}
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

func (e *Executor) truncate(output string) (string, bool) {
	if e.cfg.MaxOutputChars <= 0 || utf8.RuneCountInString(output) <= e.cfg.MaxOutputChars {
		return output, false
	}
	runes := []rune(output)
	return string(runes[:e.cfg.MaxOutputChars]) + "\n... [output truncated]", true
}
