package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okabe/himari/pkg/acl"
)

func newTestGuard(t *testing.T, policy string) *acl.Guard {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acl.json")
	require.NoError(t, os.WriteFile(path, []byte(policy), 0644))
	m := acl.NewManager(acl.Config{FilePath: path, ReloadTTL: time.Hour})
	m.Initialize()
	return acl.NewGuard(m, true)
}

func permissiveGuard(t *testing.T) *acl.Guard {
	t.Helper()
	return acl.NewGuard(acl.NewManager(acl.Config{}), false)
}

func TestPolicyEvaluateChain(t *testing.T) {
	guard := newTestGuard(t, `{
		"global": {"allow_tools": ["read_file", "exec"]},
		"chats": {"-100": {"deny_tools": ["exec"]}}
	}`)
	p := newToolPolicy(guard, nil)
	declared := []string{"read_file", "exec"}

	tests := []struct {
		name       string
		chatID     int64
		call       ToolCall
		wantDenial string
		wantErr    bool
	}{
		{
			name:    "empty tool name is a policy error",
			chatID:  1,
			call:    ToolCall{ID: "c1", Name: "   "},
			wantErr: true,
		},
		{
			name:       "undeclared tool is refused",
			chatID:     1,
			call:       ToolCall{ID: "c2", Name: "web_search"},
			wantDenial: "not declared",
		},
		{
			name:   "declared and allowed",
			chatID: 1,
			call:   ToolCall{ID: "c3", Name: "read_file"},
		},
		{
			name:   "declaration check ignores case",
			chatID: 1,
			call:   ToolCall{ID: "c4", Name: "Read_File"},
		},
		{
			name:       "chat deny rule wins",
			chatID:     -100,
			call:       ToolCall{ID: "c5", Name: "exec"},
			wantDenial: "denied by ACL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			denial, err := p.evaluate(tt.chatID, 7, tt.call, declared)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantDenial == "" {
				assert.Nil(t, denial)
			} else {
				require.NotNil(t, denial)
				assert.Contains(t, denial.Reason, tt.wantDenial)
			}
		})
	}
}

func TestPolicyExecAllowlist(t *testing.T) {
	guard := permissiveGuard(t)
	p := newToolPolicy(guard, []string{`^git\b`, `^ls\b`})
	declared := []string{"exec"}

	tests := []struct {
		name       string
		args       map[string]interface{}
		wantDenial string
	}{
		{
			name: "matching command passes",
			args: map[string]interface{}{"command": "git status"},
		},
		{
			name:       "non-matching command is refused",
			args:       map[string]interface{}{"command": "rm -rf /tmp/x"},
			wantDenial: "does not match the exec allowlist",
		},
		{
			name:       "missing command is refused",
			args:       map[string]interface{}{},
			wantDenial: "missing a command",
		},
		{
			name:       "blank command is refused",
			args:       map[string]interface{}{"command": "  "},
			wantDenial: "missing a command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			denial, err := p.evaluate(1, 1, ToolCall{ID: "c", Name: "exec", Args: tt.args}, declared)
			require.NoError(t, err)
			if tt.wantDenial == "" {
				assert.Nil(t, denial)
			} else {
				require.NotNil(t, denial)
				assert.Contains(t, denial.Reason, tt.wantDenial)
			}
		})
	}
}

func TestPolicyExecAllowlistOnlyGatesExec(t *testing.T) {
	p := newToolPolicy(permissiveGuard(t), []string{`^git\b`})
	denial, err := p.evaluate(1, 1, ToolCall{ID: "c", Name: "read_file",
		Args: map[string]interface{}{"path": "notes.md"}}, []string{"read_file"})
	require.NoError(t, err)
	assert.Nil(t, denial)
}

func TestPolicyBrokenAllowlistPattern(t *testing.T) {
	p := newToolPolicy(permissiveGuard(t), []string{`([`})
	_, err := p.evaluate(1, 1, ToolCall{ID: "c", Name: "exec",
		Args: map[string]interface{}{"command": "ls"}}, []string{"exec"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not compile")
}

func TestDeniedToolResult(t *testing.T) {
	payload := deniedToolResult("tool 'exec' is denied by ACL (chat_deny)")
	assert.JSONEq(t, `{"success": false, "error": "tool 'exec' is denied by ACL (chat_deny)"}`, payload)
}
