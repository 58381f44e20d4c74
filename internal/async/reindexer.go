// Package async decouples reindexing from the record write that triggers
// it. Writes enqueue a job and move on; a single worker drains the queue
// and reports failures through a job-scoped error channel and the log,
// never back to the triggering write.
package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueCapacity bounds the number of pending reindex jobs.
const DefaultQueueCapacity = 64

// ErrQueueFull is returned when the queue cannot accept another job.
var ErrQueueFull = errors.New("reindex queue is full")

// ErrQueueStopped is returned when enqueueing after Stop.
var ErrQueueStopped = errors.New("reindex queue is stopped")

// IndexFunc performs the actual reindex of one patient.
type IndexFunc func(ctx context.Context, patientID string) error

// Job is one queued reindex request. Err receives exactly one value when
// the job finishes (nil on success); callers may ignore it.
type Job struct {
	ID        string
	PatientID string
	Enqueued  time.Time
	Err       chan error
}

// ReindexQueue runs reindex jobs on a single background worker.
type ReindexQueue struct {
	fn     IndexFunc
	jobs   chan *Job
	logger *slog.Logger

	doneCh chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewReindexQueue creates a queue. capacity <= 0 uses the default.
func NewReindexQueue(fn IndexFunc, capacity int, logger *slog.Logger) (*ReindexQueue, error) {
	if fn == nil {
		return nil, fmt.Errorf("reindex queue requires an index function")
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReindexQueue{
		fn:     fn,
		jobs:   make(chan *Job, capacity),
		logger: logger,
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine. Non-blocking; idempotent.
func (q *ReindexQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.run(ctx)
}

// Enqueue submits a reindex job without blocking. A full or stopped
// queue is reported to the caller as an error, not as a blocked write.
func (q *ReindexQueue) Enqueue(patientID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, ErrQueueStopped
	}

	job := &Job{
		ID:        uuid.NewString(),
		PatientID: patientID,
		Enqueued:  time.Now(),
		Err:       make(chan error, 1),
	}

	select {
	case q.jobs <- job:
		q.logger.Debug("reindex_enqueued",
			slog.String("job_id", job.ID))
		return job, nil
	default:
		return nil, ErrQueueFull
	}
}

func (q *ReindexQueue) run(ctx context.Context) {
	defer close(q.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, job)
		}
	}
}

// process runs one job. A failing job never stops the worker.
func (q *ReindexQueue) process(ctx context.Context, job *Job) {
	start := time.Now()
	err := q.fn(ctx, job.PatientID)
	if err != nil {
		q.logger.Error("reindex_failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
			slog.Duration("took", time.Since(start)))
	} else {
		q.logger.Info("reindex_completed",
			slog.String("job_id", job.ID),
			slog.Duration("took", time.Since(start)))
	}

	// Err is buffered; delivery never blocks the worker.
	job.Err <- err
}

// Stop rejects new jobs, lets the worker drain the queue, and waits for
// it to exit. Idempotent.
func (q *ReindexQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.doneCh
		return
	}
	q.stopped = true
	started := q.started
	close(q.jobs)
	q.mu.Unlock()

	if !started {
		close(q.doneCh)
		return
	}
	<-q.doneCh
}

// Pending returns the number of queued jobs.
func (q *ReindexQueue) Pending() int {
	return len(q.jobs)
}
