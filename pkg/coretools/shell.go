package coretools

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/okabe/himari/pkg/toolexec"
	"github.com/okabe/himari/pkg/workspace"
)

// ExecPolicy bounds what the exec tool may run.
type ExecPolicy struct {
	RestrictToWorkspace bool
	DenyPatterns        []string
}

var defaultDenyPatterns = []string{
	`\brm\s+-[rf]{1,2}\b`,
	`\bdel\s+/[fq]\b`,
	`\brmdir\s+/s\b`,
	`\b(format|mkfs|diskpart)\b`,
	`\bdd\s+if=`,
	`>\s*/dev/sd`,
	`\b(shutdown|reboot|poweroff)\b`,
	`:\(\)\s*\{.*\};\s*:`,
}

func execTool(opts Options) toolexec.Definition {
	return toolexec.Definition{
		Name:        "exec",
		Description: "Execute a shell command (PowerShell on Windows, bash on Unix) in workspace.",
		SideEffect:  true,
		Parameters: []toolexec.Parameter{
			{Name: "command", Type: "string", Description: "Command to execute.", Required: true},
			{Name: "working_dir", Type: "string", Description: "Optional working directory.", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return "", err
			}
			workingDir := optionalStringArg(args, "working_dir")
			return executeCommand(ctx, opts.WorkspaceDir, command, workingDir, opts.Exec)
		},
	}
}

func executeCommand(ctx context.Context, workspaceDir, command, workingDir string, policy ExecPolicy) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}

	blocked, err := commandBlocked(trimmed, policy.DenyPatterns)
	if err != nil {
		return "", err
	}
	if blocked {
		return "", fmt.Errorf("command blocked by safety guard (dangerous pattern detected)")
	}

	if policy.RestrictToWorkspace {
		outside, err := referencesPathOutsideWorkspace(trimmed, workspaceDir)
		if err != nil {
			return "", err
		}
		if outside {
			return "", fmt.Errorf("command blocked by safety guard (path outside workspace detected)")
		}
	}

	cwd, err := resolveWorkingDir(workspaceDir, workingDir, policy.RestrictToWorkspace)
	if err != nil {
		return "", err
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", trimmed)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-lc", trimmed)
	}
	cmd.Dir = cwd

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return "", fmt.Errorf("command cancelled: %w", ctx.Err())
	}

	var result strings.Builder
	if strings.TrimSpace(stdout.String()) != "" {
		result.WriteString(stdout.String())
	}
	if strings.TrimSpace(stderr.String()) != "" {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("STDERR:\n")
		result.WriteString(stderr.String())
	}
	if result.Len() == 0 {
		result.WriteString("(no output)")
	}

	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return "", fmt.Errorf("failed to execute command: %w", runErr)
		}
		result.WriteString(fmt.Sprintf("\nExit code: %d", exitErr.ExitCode()))
	}

	return result.String(), nil
}

func commandBlocked(command string, customPatterns []string) (bool, error) {
	lowered := strings.ToLower(strings.TrimSpace(command))
	for _, pattern := range defaultDenyPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		if re.MatchString(lowered) {
			return true, nil
		}
	}
	for _, pattern := range customPatterns {
		trimmed := strings.TrimSpace(pattern)
		if trimmed == "" {
			continue
		}
		re, err := regexp.Compile(trimmed)
		if err != nil {
			return false, fmt.Errorf("invalid deny pattern '%s': %w", trimmed, err)
		}
		if re.MatchString(lowered) {
			return true, nil
		}
	}
	return false, nil
}

var (
	windowsPathRe = regexp.MustCompile(`[A-Za-z]:\\[^\\"'\s]+`)
	posixPathRe   = regexp.MustCompile(`(?:^|[\s|>])(/[^\s"'>]+)`)
)

// referencesPathOutsideWorkspace is a lexical guard: any parent traversal or
// absolute path not under the workspace blocks the command before it runs.
func referencesPathOutsideWorkspace(command, workspaceDir string) (bool, error) {
	root, err := filepath.EvalSymlinks(workspaceDir)
	if err != nil {
		return false, fmt.Errorf("failed to resolve workspace root '%s': %w", workspaceDir, err)
	}

	if strings.Contains(command, "../") || strings.Contains(command, `..\`) {
		return true, nil
	}

	for _, match := range windowsPathRe.FindAllString(command, -1) {
		if !strings.HasPrefix(match, root) {
			return true, nil
		}
	}
	for _, groups := range posixPathRe.FindAllStringSubmatch(command, -1) {
		path := strings.TrimSpace(groups[1])
		if !strings.HasPrefix(path, root+string(filepath.Separator)) && path != root {
			return true, nil
		}
	}
	return false, nil
}

func resolveWorkingDir(workspaceDir, workingDir string, restrict bool) (string, error) {
	if workingDir == "" {
		return workspaceDir, nil
	}
	if restrict {
		resolved, err := workspace.ResolvePath(workspaceDir, workingDir)
		if err != nil {
			return "", err
		}
		return resolved, nil
	}
	if filepath.IsAbs(workingDir) {
		return workingDir, nil
	}
	return filepath.Join(workspaceDir, workingDir), nil
}
