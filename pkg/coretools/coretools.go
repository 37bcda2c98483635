// Package coretools registers the built-in tools an agent run can call:
// workspace filesystem access, shell execution, web search and memory.
package coretools

import (
	"errors"
	"fmt"

	"github.com/okabe/himari/pkg/memory"
	"github.com/okabe/himari/pkg/toolexec"
)

// Options configures core tool registration for one run.
type Options struct {
	// WorkspaceDir is the run's workspace; every file path resolves inside it.
	WorkspaceDir string

	Exec ExecPolicy

	// Searcher backs the web_search tool; nil leaves it unregistered.
	Searcher Searcher

	// Memory backs memory_save and memory_search; nil leaves them
	// unregistered.
	Memory    *memory.Manager
	ChatID    int64
	UserID    *int64
	SessionID *int64
}

// RegisterCoreTools registers the built-in tools on the registry.
func RegisterCoreTools(registry *toolexec.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if opts.WorkspaceDir == "" {
		return errors.New("workspace directory is required")
	}

	tools := []toolexec.Definition{
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		execTool(opts),
	}
	if opts.Searcher != nil {
		tools = append(tools, webSearchTool(opts))
	}
	if opts.Memory != nil {
		tools = append(tools, memorySaveTool(opts), memorySearchTool(opts))
	}

	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("string field '%s' is required", key)
	}
	return value, nil
}

func optionalStringArg(args map[string]interface{}, key string) string {
	value, _ := args[key].(string)
	return value
}

func optionalIntArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func optionalFloatArg(args map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return fallback
}
