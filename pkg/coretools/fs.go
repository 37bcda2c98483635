package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/okabe/himari/pkg/toolexec"
	"github.com/okabe/himari/pkg/workspace"
)

func readFileTool(opts Options) toolexec.Definition {
	return toolexec.Definition{
		Name:        "read_file",
		Description: "Read file contents from a path.",
		Parameters: []toolexec.Parameter{
			{Name: "path", Type: "string", Description: "File path to read.", Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			return readWorkspaceFile(opts.WorkspaceDir, path)
		},
	}
}

func writeFileTool(opts Options) toolexec.Definition {
	return toolexec.Definition{
		Name:        "write_file",
		Description: "Write full content to a file path. Creates parent directories when needed.",
		SideEffect:  true,
		Parameters: []toolexec.Parameter{
			{Name: "path", Type: "string", Description: "File path to write.", Required: true},
			{Name: "content", Type: "string", Description: "Complete file content.", Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, ok := args["content"].(string)
			if !ok {
				return "", fmt.Errorf("string field 'content' is required")
			}
			return writeWorkspaceFile(opts.WorkspaceDir, path, content)
		},
	}
}

func editFileTool(opts Options) toolexec.Definition {
	return toolexec.Definition{
		Name:        "edit_file",
		Description: "Replace exact old_text with new_text in a file. old_text must appear exactly once.",
		SideEffect:  true,
		Parameters: []toolexec.Parameter{
			{Name: "path", Type: "string", Description: "File path to edit.", Required: true},
			{Name: "old_text", Type: "string", Description: "Exact text to replace.", Required: true},
			{Name: "new_text", Type: "string", Description: "Replacement text.", Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			oldText, err := stringArg(args, "old_text")
			if err != nil {
				return "", err
			}
			newText, ok := args["new_text"].(string)
			if !ok {
				return "", fmt.Errorf("string field 'new_text' is required")
			}
			return editWorkspaceFile(opts.WorkspaceDir, path, oldText, newText)
		},
	}
}

func readWorkspaceFile(workspaceDir, path string) (string, error) {
	resolved, err := workspace.ResolvePath(workspaceDir, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", path)
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to read file '%s': %w", path, err)
	}
	return string(content), nil
}

// writeWorkspaceFile writes atomically: content lands in a temp sibling that
// is renamed over the target, so a crashed write never leaves a torn file.
func writeWorkspaceFile(workspaceDir, path, content string) (string, error) {
	resolved, err := workspace.ResolvePath(workspaceDir, path)
	if err != nil {
		return "", err
	}
	parent := filepath.Dir(resolved)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory for '%s': %w", path, err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", resolved, time.Now().UnixNano())
	if err := os.WriteFile(tempPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed writing temp file for '%s': %w", path, err)
	}
	if err := os.Rename(tempPath, resolved); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed replacing '%s': %w", path, err)
	}

	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), resolved), nil
}

func editWorkspaceFile(workspaceDir, path, oldText, newText string) (string, error) {
	resolved, err := workspace.ResolvePath(workspaceDir, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", path)
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to read file '%s': %w", path, err)
	}
	content := string(raw)

	occurrences := strings.Count(content, oldText)
	if occurrences == 0 {
		return "", fmt.Errorf("old_text not found in '%s'. Provide the exact text to replace", path)
	}
	if occurrences > 1 {
		return "", fmt.Errorf("old_text appears %d times in '%s'. Provide more unique context", occurrences, path)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("failed writing updated file '%s': %w", path, err)
	}
	return fmt.Sprintf("Successfully edited %s", resolved), nil
}
