package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"data_dir":                         "DATA_DIR",
	"database_path":                    "DATABASE_PATH",
	"workspace_dir":                    "WORKSPACE_DIR",
	"skills_dir":                       "SKILLS_DIR",
	"provider.name":                    "AGENT_PROVIDER",
	"provider.model":                   "AGENT_MODEL",
	"provider.openai_api_key":          "OPENAI_API_KEY",
	"provider.anthropic_api_key":       "ANTHROPIC_API_KEY",
	"agent.max_tool_iterations":        "AGENT_MAX_TOOL_ITERATIONS",
	"agent.max_active_skills":          "AGENT_MAX_ACTIVE_SKILLS",
	"agent.skill_candidate_limit":      "AGENT_SKILL_CANDIDATE_LIMIT",
	"agent.confirm_write":              "AGENT_REQUIRE_CONFIRMATION_FOR_WRITE",
	"agent.confirm_edit":               "AGENT_REQUIRE_CONFIRMATION_FOR_EDIT",
	"agent.confirm_exec":               "AGENT_REQUIRE_CONFIRMATION_FOR_EXEC",
	"agent.confirm_timeout_seconds":    "AGENT_CONFIRMATION_TIMEOUT_SECONDS",
	"agent.exec_timeout_seconds":       "AGENT_EXEC_TIMEOUT_SECONDS",
	"agent.exec_max_output_chars":      "AGENT_EXEC_MAX_OUTPUT_CHARS",
	"agent.exec_restrict_to_workspace": "AGENT_EXEC_RESTRICT_TO_WORKSPACE",
	"agent.exec_allowlist_regex":       "AGENT_EXEC_ALLOWLIST_REGEX",
	"agent.exec_deny_patterns":         "AGENT_EXEC_DENY_PATTERNS",
	"memory.enabled":                   "AGENT_MEMORY_ENABLED",
	"memory.recall_limit":              "AGENT_MEMORY_RECALL_LIMIT",
	"memory.min_relevance":             "AGENT_MEMORY_MIN_RELEVANCE",
	"memory.max_context_chars":         "AGENT_MEMORY_MAX_CONTEXT_CHARS",
	"memory.save_summary_chars":        "AGENT_MEMORY_SAVE_SUMMARY_CHARS",
	"memory.retention_days":            "AGENT_MEMORY_RETENTION_DAYS",
	"acl.enforced":                     "ACL_ENFORCED",
	"acl.file_path":                    "ACL_FILE_PATH",
	"acl.reload_ttl_seconds":           "ACL_RELOAD_TTL_SECONDS",
	"queue.depth":                      "WRITE_QUEUE_DEPTH",
	"hygiene.enabled":                  "AGENT_HYGIENE_ENABLED",
	"hygiene.interval_seconds":         "AGENT_HYGIENE_INTERVAL_SECONDS",
	"hygiene.session_retention_days":   "AGENT_SESSION_RETENTION_DAYS",
	"logging.level":                    "LOG_LEVEL",
	"logging.file":                     "LOG_FILE",
	"logging.pretty":                   "LOG_PRETTY",
	"metrics.enabled":                  "METRICS_ENABLED",
	"metrics.listen_addr":              "METRICS_LISTEN_ADDR",
}

// Load builds the configuration from the environment with defaults applied.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// csv env values arrive as a single string
	cfg.Agent.ExecAllowlistRegex = splitCSV(v.GetString("agent.exec_allowlist_regex"))
	cfg.Agent.ExecDenyPatterns = splitCSV(v.GetString("agent.exec_deny_patterns"))

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".himari")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "himari.db")
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.DataDir, "workspaces")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "himari.log")
	}
	if !filepath.IsAbs(cfg.ACL.FilePath) {
		cfg.ACL.FilePath = filepath.Join(cfg.DataDir, cfg.ACL.FilePath)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("skills_dir", "skills")

	v.SetDefault("provider.name", "openai")
	v.SetDefault("provider.model", "")

	v.SetDefault("agent.max_tool_iterations", 8)
	v.SetDefault("agent.max_active_skills", 3)
	v.SetDefault("agent.skill_candidate_limit", 10)
	v.SetDefault("agent.confirm_write", true)
	v.SetDefault("agent.confirm_edit", true)
	v.SetDefault("agent.confirm_exec", true)
	v.SetDefault("agent.confirm_timeout_seconds", 120)
	v.SetDefault("agent.exec_timeout_seconds", 30)
	v.SetDefault("agent.exec_max_output_chars", 8000)
	v.SetDefault("agent.exec_restrict_to_workspace", true)
	v.SetDefault("agent.exec_allowlist_regex", "")
	v.SetDefault("agent.exec_deny_patterns", "")

	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.recall_limit", 5)
	v.SetDefault("memory.min_relevance", 0.25)
	v.SetDefault("memory.max_context_chars", 2000)
	v.SetDefault("memory.save_summary_chars", 280)
	v.SetDefault("memory.retention_days", 30)

	v.SetDefault("acl.enforced", true)
	v.SetDefault("acl.file_path", "acl.json")
	v.SetDefault("acl.reload_ttl_seconds", 30)

	v.SetDefault("queue.depth", 1024)

	v.SetDefault("hygiene.enabled", true)
	v.SetDefault("hygiene.interval_seconds", 3600)
	v.SetDefault("hygiene.session_retention_days", 14)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.redaction", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9097")
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
