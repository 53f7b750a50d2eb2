package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/audit"
)

// Handler executes one job. The returned value becomes the job result.
type Handler func(ctx context.Context, job Job) (any, error)

// Config controls queue concurrency and retention.
type Config struct {
	// Concurrency caps simultaneously processing jobs (default 2).
	Concurrency int
	// Retention is how long terminal jobs stay queryable (default 1h).
	Retention time.Duration
	// SweepInterval is the cadence of the retention sweep (default 5m).
	SweepInterval time.Duration
	// Logger receives dispatch and failure logs.
	Logger *zap.Logger
}

const (
	defaultConcurrency   = 2
	defaultRetention     = time.Hour
	defaultSweepInterval = 5 * time.Minute
)

// Queue is a bounded-concurrency in-process job runner. Producers call
// Add, which never blocks; a dispatch loop started by Run picks pending
// jobs in FIFO order and hands each to its registered handler. Handler
// failures and panics are isolated to the failing job.
type Queue struct {
	cfg    Config
	clock  audit.Clock
	ids    audit.IDGenerator
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*Job
	pending  []string
	running  int

	wake chan struct{}
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	Pending int
	Running int
}

// New constructs a Queue. Run must be called for jobs to execute.
func New(cfg Config, clock audit.Clock, ids audit.IDGenerator) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:      cfg,
		clock:    clock,
		ids:      ids,
		logger:   logger,
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*Job),
		wake:     make(chan struct{}, 1),
	}
}

// Register associates a handler with a job type. Register all handlers
// before jobs of that type are dispatched; a job with no handler fails
// with a ConfigurationError.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Add enqueues a job and returns its pending snapshot immediately. It
// never blocks, regardless of queue depth or whether Run has started.
func (q *Queue) Add(jobType string, payload any) (Job, error) {
	id, err := q.ids.NewID()
	if err != nil {
		return Job{}, fmt.Errorf("new job id: %w", err)
	}
	job := &Job{
		ID:        id,
		Type:      jobType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: q.clock.Now(),
	}

	q.mu.Lock()
	q.jobs[id] = job
	q.pending = append(q.pending, id)
	snapshot := *job
	q.mu.Unlock()

	q.signalWake()
	return snapshot, nil
}

// Get returns a snapshot of the job, or false if it is unknown or has
// been pruned.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// SetProgress raises a processing job's progress. Values below the
// current progress are ignored so progress never moves backwards;
// values above 100 are clamped.
func (q *Queue) SetProgress(id string, progress int) {
	if progress > 100 {
		progress = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusProcessing {
		return
	}
	if progress > job.Progress {
		job.Progress = progress
	}
}

// Snapshot reports current occupancy.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Running: q.running}
}

// Run dispatches jobs until ctx finishes, then waits for in-flight
// handlers to return. The loop wakes whenever a job is added or a slot
// frees; a periodic sweep prunes terminal jobs past retention.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		q.dispatch(ctx, &wg)
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-q.wake:
		case <-ticker.C:
			q.prune()
		}
	}
}

// dispatch starts as many pending jobs as free slots allow, in FIFO
// order.
func (q *Queue) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	if ctx.Err() != nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running < q.cfg.Concurrency && len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		job, ok := q.jobs[id]
		if !ok || job.Status != StatusPending {
			continue
		}
		handler, registered := q.handlers[job.Type]
		if !registered {
			q.failLocked(job, &ConfigurationError{Type: job.Type})
			continue
		}
		now := q.clock.Now()
		job.Status = StatusProcessing
		job.StartedAt = &now
		q.running++
		wg.Add(1)
		go q.runJob(ctx, wg, *job, handler)
	}
}

func (q *Queue) runJob(ctx context.Context, wg *sync.WaitGroup, job Job, handler Handler) {
	defer wg.Done()
	defer q.signalWake()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &HandlerError{JobID: job.ID, Err: fmt.Errorf("panic: %v", r)}
				q.logger.Error("job handler panicked",
					zap.String("job_id", job.ID),
					zap.String("job_type", job.Type),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		result, err = handler(ctx, job)
	}()

	if err != nil {
		q.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Error(err),
		)
	}
	q.finish(job.ID, result, err)
}

func (q *Queue) finish(id string, result any, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	if err != nil {
		q.failLocked(job, err)
		return
	}
	now := q.clock.Now()
	job.Status = StatusCompleted
	job.Progress = 100
	job.Result = result
	job.FinishedAt = &now
}

// failLocked marks the job failed. Callers must hold q.mu.
func (q *Queue) failLocked(job *Job, err error) {
	now := q.clock.Now()
	job.Status = StatusFailed
	job.Error = err.Error()
	job.FinishedAt = &now
}

// prune drops terminal jobs older than the retention window.
func (q *Queue) prune() {
	cutoff := q.clock.Now().Add(-q.cfg.Retention)
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, job := range q.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
