package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main himari configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database path (sqlite)
	DatabasePath string `json:"database_path" mapstructure:"database_path"`

	// Workspace root for per-chat workspaces
	WorkspaceDir string `json:"workspace_dir" mapstructure:"workspace_dir"`

	// Skills catalog directory
	SkillsDir string `json:"skills_dir" mapstructure:"skills_dir"`

	Provider ProviderConfig `json:"provider" mapstructure:"provider"`
	Agent    AgentConfig    `json:"agent" mapstructure:"agent"`
	Memory   MemoryConfig   `json:"memory" mapstructure:"memory"`
	ACL      ACLConfig      `json:"acl" mapstructure:"acl"`
	Queue    QueueConfig    `json:"queue" mapstructure:"queue"`
	Hygiene  HygieneConfig  `json:"hygiene" mapstructure:"hygiene"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
}

// ProviderConfig holds LLM provider configuration
type ProviderConfig struct {
	Name            string `json:"name" mapstructure:"name"` // openai, anthropic
	Model           string `json:"model" mapstructure:"model"`
	OpenAIAPIKey    string `json:"-" mapstructure:"openai_api_key"`
	AnthropicAPIKey string `json:"-" mapstructure:"anthropic_api_key"`
}

// AgentConfig holds orchestration loop configuration
type AgentConfig struct {
	MaxToolIterations   int      `json:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	MaxActiveSkills     int      `json:"max_active_skills" mapstructure:"max_active_skills"`
	SkillCandidateLimit int      `json:"skill_candidate_limit" mapstructure:"skill_candidate_limit"`
	ConfirmWrite        bool     `json:"confirm_write" mapstructure:"confirm_write"`
	ConfirmEdit         bool     `json:"confirm_edit" mapstructure:"confirm_edit"`
	ConfirmExec         bool     `json:"confirm_exec" mapstructure:"confirm_exec"`
	ConfirmTimeoutSecs  int      `json:"confirm_timeout_seconds" mapstructure:"confirm_timeout_seconds"`
	ExecTimeoutSecs     int      `json:"exec_timeout_seconds" mapstructure:"exec_timeout_seconds"`
	ExecMaxOutputChars  int      `json:"exec_max_output_chars" mapstructure:"exec_max_output_chars"`
	ExecRestrictToWS    bool     `json:"exec_restrict_to_workspace" mapstructure:"exec_restrict_to_workspace"`
	ExecAllowlistRegex  []string `json:"exec_allowlist_regex" mapstructure:"exec_allowlist_regex"`
	ExecDenyPatterns    []string `json:"exec_deny_patterns" mapstructure:"exec_deny_patterns"`
}

// MemoryConfig holds the memory subsystem configuration
type MemoryConfig struct {
	Enabled          bool    `json:"enabled" mapstructure:"enabled"`
	RecallLimit      int     `json:"recall_limit" mapstructure:"recall_limit"`
	MinRelevance     float64 `json:"min_relevance" mapstructure:"min_relevance"`
	MaxContextChars  int     `json:"max_context_chars" mapstructure:"max_context_chars"`
	SaveSummaryChars int     `json:"save_summary_chars" mapstructure:"save_summary_chars"`
	RetentionDays    int     `json:"retention_days" mapstructure:"retention_days"`
}

// ACLConfig holds policy configuration
type ACLConfig struct {
	Enforced      bool   `json:"enforced" mapstructure:"enforced"`
	FilePath      string `json:"file_path" mapstructure:"file_path"`
	ReloadTTLSecs int    `json:"reload_ttl_seconds" mapstructure:"reload_ttl_seconds"`
}

// QueueConfig holds durable write queue configuration
type QueueConfig struct {
	Depth int `json:"depth" mapstructure:"depth"`
}

// HygieneConfig holds retention hygiene configuration
type HygieneConfig struct {
	Enabled              bool `json:"enabled" mapstructure:"enabled"`
	IntervalSecs         int  `json:"interval_seconds" mapstructure:"interval_seconds"`
	SessionRetentionDays int  `json:"session_retention_days" mapstructure:"session_retention_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the metrics endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// ConfirmTimeout returns the confirmation wait as a duration.
func (c AgentConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSecs) * time.Second
}

// ExecTimeout returns the exec tool timeout as a duration.
func (c AgentConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSecs) * time.Second
}

// ReloadTTL returns the ACL snapshot staleness window as a duration.
func (c ACLConfig) ReloadTTL() time.Duration {
	return time.Duration(c.ReloadTTLSecs) * time.Second
}

// Interval returns the hygiene cadence as a duration.
func (c HygieneConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "openai":
		if c.Provider.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when provider is openai")
		}
	case "anthropic":
		if c.Provider.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when provider is anthropic")
		}
	default:
		return fmt.Errorf("invalid provider %q (must be: openai, anthropic)", c.Provider.Name)
	}

	if c.Agent.MaxToolIterations < 1 {
		return fmt.Errorf("agent max tool iterations must be at least 1, got %d", c.Agent.MaxToolIterations)
	}
	if c.Agent.MaxActiveSkills < 0 {
		return fmt.Errorf("agent max active skills must not be negative, got %d", c.Agent.MaxActiveSkills)
	}
	if c.Memory.MinRelevance < 0 || c.Memory.MinRelevance > 1 {
		return fmt.Errorf("memory min relevance must be within [0,1], got %v", c.Memory.MinRelevance)
	}
	if c.Queue.Depth < 1 {
		return fmt.Errorf("write queue depth must be at least 1, got %d", c.Queue.Depth)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}

	return nil
}
