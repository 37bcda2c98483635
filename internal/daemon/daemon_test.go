package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okabe/himari/internal/config"
	"github.com/okabe/himari/internal/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, newTestLogger(t), Options{})
	require.NoError(t, err)
	require.NotNil(t, d.Engine())

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx), "second start must fail")

	require.NoError(t, d.Stop())
	assert.NoError(t, d.Stop(), "stop is idempotent")
}

func TestDaemonRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Name = "unknown"
	_, err := New(cfg, newTestLogger(t), Options{})
	require.Error(t, err)
}

func TestDaemonHygieneScheduleStartsAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hygiene = config.HygieneConfig{Enabled: true, IntervalSecs: 1, SessionRetentionDays: 14}

	d, err := New(cfg, newTestLogger(t), Options{})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	require.NotNil(t, d.scheduler)
	require.NoError(t, d.Stop())
}
