// Package workspace manages per-chat working directories and confines every
// file path the agent touches to them.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ErrOutsideWorkspace marks a path that escaped the workspace root. Callers
// treat it as a hard denial, never as a retryable tool failure.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

const defaultAgentsMD = `# AGENTS

You are running inside a dedicated agent workspace.

Rules:
- Work only inside this workspace directory.
- Prefer small, reversible file edits.
- Explain what changed and why.
- Keep dangerous operations explicit and minimal.
`

const defaultMemoryMD = `# MEMORY

Persistent notes for this workspace.

- Store important facts, preferences, and decisions.
- Remove stale or incorrect notes when needed.
`

// Manager hands out chat workspaces under one root.
type Manager struct {
	root           string
	separateByChat bool
	logger         zerolog.Logger
}

// Config holds workspace manager configuration
type Config struct {
	Root           string
	SeparateByChat bool
	Logger         zerolog.Logger
}

// NewManager creates a workspace manager rooted at an absolute path.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	root := cfg.Root
	if !filepath.IsAbs(root) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to read working directory: %w", err)
		}
		root = filepath.Join(cwd, root)
	}
	return &Manager{
		root:           root,
		separateByChat: cfg.SeparateByChat,
		logger:         cfg.Logger,
	}, nil
}

// Root returns the base workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Bootstrap creates the base workspace and its seed files at startup.
func (m *Manager) Bootstrap() (string, error) {
	base, err := m.ensureBase()
	if err != nil {
		return "", err
	}
	m.logger.Info().Str("root", base).Msg("agent workspace root ready")
	return base, nil
}

// EnsureChatWorkspace returns the workspace directory for a chat, creating
// it (with AGENTS.md and MEMORY.md seeds) on first use.
func (m *Manager) EnsureChatWorkspace(chatID int64) (string, error) {
	base, err := m.ensureBase()
	if err != nil {
		return "", err
	}
	if !m.separateByChat {
		return base, nil
	}

	dir := filepath.Join(base, chatFolderName(chatID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create chat workspace %s: %w", dir, err)
	}
	if err := ensureSeedFiles(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// ResolvePath resolves a tool-supplied path against a workspace directory
// and rejects anything that lands outside it. Relative paths are joined to
// the workspace; absolute paths must already be inside. Symlinks are
// resolved through the nearest existing ancestor so a link cannot smuggle
// the path out.
func ResolvePath(workspaceDir, rawPath string) (string, error) {
	trimmed := strings.TrimSpace(rawPath)
	if trimmed == "" {
		return "", errors.New("path is required")
	}

	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceDir, candidate)
	}

	resolved, err := resolveWithExistingAncestor(candidate)
	if err != nil {
		return "", err
	}

	root, err := filepath.EvalSymlinks(workspaceDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root %s: %w", workspaceDir, err)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, trimmed)
	}
	return resolved, nil
}

// resolveWithExistingAncestor canonicalizes the deepest existing ancestor
// and reattaches the not-yet-created suffix, so paths about to be written
// still get symlink-safe resolution.
func resolveWithExistingAncestor(candidate string) (string, error) {
	candidate = filepath.Clean(candidate)
	if _, err := os.Lstat(candidate); err == nil {
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path %s: %w", candidate, err)
		}
		return resolved, nil
	}

	cursor := candidate
	var missing []string
	for {
		if _, err := os.Lstat(cursor); err == nil {
			break
		}
		parent := filepath.Dir(cursor)
		if parent == cursor {
			return "", fmt.Errorf("unable to resolve path %s: no existing ancestor", candidate)
		}
		missing = append(missing, filepath.Base(cursor))
		cursor = parent
	}

	resolved, err := filepath.EvalSymlinks(cursor)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", cursor, err)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, missing[i])
	}
	return resolved, nil
}

func (m *Manager) ensureBase() (string, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace root %s: %w", m.root, err)
	}
	if err := ensureSeedFiles(m.root); err != nil {
		return "", err
	}
	return m.root, nil
}

func ensureSeedFiles(dir string) error {
	if err := ensureTextFile(filepath.Join(dir, "AGENTS.md"), defaultAgentsMD); err != nil {
		return err
	}
	return ensureTextFile(filepath.Join(dir, "MEMORY.md"), defaultMemoryMD)
}

func ensureTextFile(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

func chatFolderName(chatID int64) string {
	if chatID < 0 {
		return fmt.Sprintf("chat_neg_%d", -chatID)
	}
	return fmt.Sprintf("chat_%d", chatID)
}
