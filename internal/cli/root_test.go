package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandMetadata(t *testing.T) {
	root := GetRootCmd()
	assert.Equal(t, "himari", root.Use)
	assert.Equal(t, version, root.Version)
	assert.Equal(t, version, GetVersion())

	names := map[string]bool{}
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"start", "status", "stop"} {
		require.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{3*time.Hour + 4*time.Minute + 5*time.Second, "3h4m5s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

func TestReadRunningPIDStaleFile(t *testing.T) {
	pid, running := readRunningPID("/nonexistent/himari.pid")
	assert.Zero(t, pid)
	assert.False(t, running)
}
