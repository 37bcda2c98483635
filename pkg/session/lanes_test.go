package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okabe/himari/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{
		DBPath:     filepath.Join(t.TempDir(), "test.db"),
		QueueDepth: 8,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, zerolog.Nop()), st
}

func TestBeginSingleFlight(t *testing.T) {
	m, _ := newTestManager(t)

	lane, err := m.Begin(7, 100)
	require.NoError(t, err)
	require.NotNil(t, lane)
	assert.Equal(t, LanePending, m.State(7, 100))

	_, err = m.Begin(7, 100)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// other principals are unaffected
	_, err = m.Begin(7, 200)
	require.NoError(t, err)
	_, err = m.Begin(8, 100)
	require.NoError(t, err)
}

func TestBeginConcurrent(t *testing.T) {
	m, _ := newTestManager(t)

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan *Lane, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lane, err := m.Begin(7, 100); err == nil {
				wins <- lane
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestActivateAndFinish(t *testing.T) {
	m, _ := newTestManager(t)

	lane, err := m.Begin(7, 100)
	require.NoError(t, err)

	m.Activate(lane, 42)
	assert.Equal(t, LaneActive, m.State(7, 100))
	assert.Equal(t, int64(42), lane.SessionID)

	m.Finish(lane)
	assert.Empty(t, m.State(7, 100))

	_, err = m.Begin(7, 100)
	assert.NoError(t, err)
}

func TestActiveSession(t *testing.T) {
	m, _ := newTestManager(t)

	_, ok := m.ActiveSession(7, 100)
	assert.False(t, ok)

	lane, err := m.Begin(7, 100)
	require.NoError(t, err)

	// pending lanes have no session yet
	_, ok = m.ActiveSession(7, 100)
	assert.False(t, ok)

	m.Activate(lane, 42)
	id, ok := m.ActiveSession(7, 100)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	m.Finish(lane)
	_, ok = m.ActiveSession(7, 100)
	assert.False(t, ok)
}

func TestResetCancelsAndSupersedes(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	lane, err := m.Begin(7, 100)
	require.NoError(t, err)

	sessionID, err := st.CreateSession(ctx, 7, 100, "openai:gpt-4o", "do things", "[]")
	require.NoError(t, err)
	m.Activate(lane, sessionID)

	superseded, err := m.Reset(ctx, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), superseded)

	select {
	case <-lane.Cancelled():
	default:
		t.Fatal("expected lane cancellation to be observable")
	}

	assert.Empty(t, m.State(7, 100))
}

func TestResetIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	superseded, err := m.Reset(ctx, 7, 100)
	require.NoError(t, err)
	assert.Zero(t, superseded)

	superseded, err = m.Reset(ctx, 7, 100)
	require.NoError(t, err)
	assert.Zero(t, superseded)
}

func TestStatusNewestFirst(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	first, err := st.CreateSession(ctx, 7, 100, "openai:gpt-4o", "first", "[]")
	require.NoError(t, err)
	require.NoError(t, st.FinishSession(ctx, first, store.SessionCompleted, nil))

	second, err := st.CreateSession(ctx, 7, 100, "openai:gpt-4o", "second", "[]")
	require.NoError(t, err)
	require.NoError(t, st.FinishSession(ctx, second, store.SessionFailed, nil))

	rows, err := m.Status(ctx, 7, 100, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "second", rows[0].Prompt)
	assert.Equal(t, "first", rows[1].Prompt)
}
