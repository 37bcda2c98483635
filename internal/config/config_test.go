package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		DatabasePath: "/tmp/himari.db",
		Provider: ProviderConfig{
			Name:         "openai",
			OpenAIAPIKey: "sk-test",
		},
		Agent: AgentConfig{
			MaxToolIterations: 8,
			MaxActiveSkills:   3,
		},
		Memory: MemoryConfig{
			MinRelevance: 0.25,
		},
		Queue: QueueConfig{
			Depth: 1024,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid openai config",
			mutate: func(c *Config) {},
		},
		{
			name: "valid anthropic config",
			mutate: func(c *Config) {
				c.Provider = ProviderConfig{Name: "anthropic", AnthropicAPIKey: "sk-ant-test"}
			},
		},
		{
			name: "missing openai key",
			mutate: func(c *Config) {
				c.Provider.OpenAIAPIKey = ""
			},
			wantErr: "OPENAI_API_KEY",
		},
		{
			name: "missing anthropic key",
			mutate: func(c *Config) {
				c.Provider = ProviderConfig{Name: "anthropic"}
			},
			wantErr: "ANTHROPIC_API_KEY",
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.Provider.Name = "gemini"
			},
			wantErr: "invalid provider",
		},
		{
			name: "zero iterations",
			mutate: func(c *Config) {
				c.Agent.MaxToolIterations = 0
			},
			wantErr: "max tool iterations",
		},
		{
			name: "relevance above one",
			mutate: func(c *Config) {
				c.Memory.MinRelevance = 1.5
			},
			wantErr: "min relevance",
		},
		{
			name: "zero queue depth",
			mutate: func(c *Config) {
				c.Queue.Depth = 0
			},
			wantErr: "queue depth",
		},
		{
			name: "missing database path",
			mutate: func(c *Config) {
				c.DatabasePath = ""
			},
			wantErr: "database path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	agent := AgentConfig{ConfirmTimeoutSecs: 120, ExecTimeoutSecs: 30}
	assert.Equal(t, 2*time.Minute, agent.ConfirmTimeout())
	assert.Equal(t, 30*time.Second, agent.ExecTimeout())

	acl := ACLConfig{ReloadTTLSecs: 30}
	assert.Equal(t, 30*time.Second, acl.ReloadTTL())

	hygiene := HygieneConfig{IntervalSecs: 3600}
	assert.Equal(t, time.Hour, hygiene.Interval())
}

func TestStringRedactsKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Provider.OpenAIAPIKey = "sk-super-secret"

	assert.NotContains(t, cfg.String(), "sk-super-secret")
}
