package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		DBPath:     filepath.Join(t.TempDir(), "test.db"),
		QueueDepth: 8,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQueueAppliesInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var applied []int

	for i := 0; i < 20; i++ {
		i := i
		err := s.Queue().SubmitWait(ctx, Job{
			Name: "order_probe",
			Apply: func(ctx context.Context, db *sql.DB) error {
				mu.Lock()
				applied = append(applied, i)
				mu.Unlock()
				return nil
			},
		})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, applied, 20)
	for i, v := range applied {
		assert.Equal(t, i, v)
	}
}

func TestQueueSubmitAfterClose(t *testing.T) {
	s := newTestStore(t)
	s.Queue().Close()

	_, err := s.Queue().Submit(context.Background(), Job{
		Name:  "late",
		Apply: func(ctx context.Context, db *sql.DB) error { return nil },
	})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueCloseDrainsPendingJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	var acks []<-chan error
	for i := 0; i < 5; i++ {
		ack, err := s.Queue().Submit(ctx, Job{
			Name: "pending",
			Apply: func(ctx context.Context, db *sql.DB) error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			},
		})
		require.NoError(t, err)
		acks = append(acks, ack)
	}

	s.Queue().Close()

	for _, ack := range acks {
		assert.NoError(t, <-ack)
	}
	mu.Lock()
	assert.Equal(t, 5, count)
	mu.Unlock()
}

func TestQueueSubmitRespectsContext(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// fill the channel plus the slot the blocked writer holds
	release := make(chan struct{})
	for i := 0; i < s.Queue().Cap()+1; i++ {
		_, err := s.Queue().Submit(context.Background(), Job{
			Name: "filler",
			Apply: func(ctx context.Context, db *sql.DB) error {
				<-release
				return nil
			},
		})
		require.NoError(t, err)
	}

	_, err := s.Queue().Submit(ctx, Job{
		Name:  "cancelled",
		Apply: func(ctx context.Context, db *sql.DB) error { return nil },
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}

func TestQueueReportsFailedJob(t *testing.T) {
	s := newTestStore(t)

	err := s.Queue().SubmitWait(context.Background(), Job{
		Name: "boom",
		Apply: func(ctx context.Context, db *sql.DB) error {
			return assert.AnError
		},
	})
	assert.ErrorIs(t, err, assert.AnError)
}
