package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/okabe/himari/internal/observability"
)

// ErrQueueClosed is returned when a job is submitted after shutdown.
var ErrQueueClosed = errors.New("write queue is closed")

// Job is a named unit of durable work. Apply runs on the writer goroutine,
// which is the only code allowed to mutate the database.
type Job struct {
	Name  string
	Apply func(ctx context.Context, db *sql.DB) error
}

type queuedJob struct {
	job Job
	ack chan error
}

// Queue serializes all database writes through one goroutine draining a
// bounded channel. A full channel blocks the submitter, which is the
// backpressure signal to the orchestration loop.
type Queue struct {
	db     *sql.DB
	jobs   chan queuedJob
	logger zerolog.Logger

	mu        sync.RWMutex
	isClosed  bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates a write queue with the given depth.
func NewQueue(db *sql.DB, depth int, logger zerolog.Logger) *Queue {
	return &Queue{
		db:     db,
		jobs:   make(chan queuedJob, depth),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (q *Queue) Start() {
	go q.run()
}

// Submit enqueues a job without waiting for it to be applied. The returned
// channel receives the apply result exactly once. Blocks while the queue is
// full; fails with ErrQueueClosed after Close.
func (q *Queue) Submit(ctx context.Context, job Job) (<-chan error, error) {
	// The read lock spans the send so Close cannot close the channel
	// underneath an in-flight submitter.
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.isClosed {
		return nil, ErrQueueClosed
	}

	ack := make(chan error, 1)
	select {
	case q.jobs <- queuedJob{job: job, ack: ack}:
		observability.SetWriteQueueDepth(len(q.jobs))
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitWait enqueues a job and waits for the writer to apply it.
func (q *Queue) SubmitWait(ctx context.Context, job Job) error {
	ack, err := q.Submit(ctx, job)
	if err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of jobs waiting in the channel.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.jobs)
}

// Close stops accepting jobs, waits for the pending ones to be applied and
// stops the writer goroutine. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.isClosed = true
		q.mu.Unlock()
		close(q.jobs)
	})
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for qj := range q.jobs {
		start := time.Now()
		err := qj.job.Apply(context.Background(), q.db)
		observability.RecordWriteJob(qj.job.Name, time.Since(start), err == nil)
		observability.SetWriteQueueDepth(len(q.jobs))

		if err != nil {
			q.logger.Error().Err(err).Str("job", qj.job.Name).Msg("write job failed")
		}
		qj.ack <- err
	}

	q.logger.Info().Msg("write queue drained")
}
