package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultFailureMessage is reported to the owner when a job fails without a
// public message.
const DefaultFailureMessage = "Something went wrong while processing your request. Please try again."

// JobHandler executes a job's work and returns its result JSON.
type JobHandler func(ctx context.Context, job Job) (string, error)

// JobNotifier hands the outcome of a terminal job to delivery. It is called
// only after the terminal status is persisted.
type JobNotifier func(ctx context.Context, job Job) error

// PublicError wraps an error with a message that is safe to show to the
// owner of the job.
type PublicError struct {
	Message string
	Err     error
}

func (e *PublicError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *PublicError) Unwrap() error {
	return e.Err
}

// NewPublicError returns an error whose owner-facing text is message.
func NewPublicError(message string, err error) error {
	return &PublicError{Message: message, Err: err}
}

// PublicMessage extracts the owner-facing text of err.
func PublicMessage(err error) string {
	var pe *PublicError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return DefaultFailureMessage
}

// JobProcessor polls the JobRepo for pending jobs and executes them one at a
// time per worker. A job is always claimed before it is executed.
type JobProcessor struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	notify         JobNotifier
	pollInterval   time.Duration
	sweepInterval  time.Duration
	staleThreshold time.Duration
	jobTimeout     time.Duration
	claimLimit     int
	workers        int
}

// ProcessorOption configures a JobProcessor.
type ProcessorOption func(*JobProcessor)

// WithNotifier sets the callback that delivers job outcomes.
func WithNotifier(n JobNotifier) ProcessorOption {
	return func(p *JobProcessor) { p.notify = n }
}

// WithWorkers sets the number of concurrent workers. Each worker runs one job
// at a time.
func WithWorkers(n int) ProcessorOption {
	return func(p *JobProcessor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithSweepInterval sets how often expired jobs are deleted and abandoned
// ones reclaimed.
func WithSweepInterval(d time.Duration) ProcessorOption {
	return func(p *JobProcessor) {
		if d > 0 {
			p.sweepInterval = d
		}
	}
}

// WithStaleThreshold sets how long a job may stay claimed before it is
// considered abandoned.
func WithStaleThreshold(d time.Duration) ProcessorOption {
	return func(p *JobProcessor) {
		if d > 0 {
			p.staleThreshold = d
		}
	}
}

// WithClaimLimit sets how many pending jobs are fetched per poll.
func WithClaimLimit(n int) ProcessorOption {
	return func(p *JobProcessor) {
		if n > 0 {
			p.claimLimit = n
		}
	}
}

// WithJobTimeout bounds a single handler execution.
func WithJobTimeout(d time.Duration) ProcessorOption {
	return func(p *JobProcessor) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// NewJobProcessor creates a new JobProcessor.
func NewJobProcessor(repo JobRepo, pollInterval time.Duration, opts ...ProcessorOption) *JobProcessor {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	p := &JobProcessor{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		sweepInterval:  5 * time.Minute,
		staleThreshold: 15 * time.Minute,
		jobTimeout:     10 * time.Minute,
		claimLimit:     5,
		workers:        1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler registers a handler for a given job kind.
func (p *JobProcessor) RegisterHandler(kind string, handler JobHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = handler
	slog.Debug("JobProcessor.RegisterHandler", "kind", kind)
}

// Recover re-executes jobs abandoned in processing by a previous run and
// re-notifies terminal jobs whose delivery never happened. Call once at
// startup, after handlers are registered. Claims younger than the stale
// threshold are left to a later Sweep.
func (p *JobProcessor) Recover(ctx context.Context) error {
	if _, err := p.reclaimStale(ctx); err != nil {
		return err
	}
	p.renotify(ctx)
	return nil
}

// reclaimStale re-executes jobs whose claim is older than the stale
// threshold. The threshold exceeds the job timeout, so a live worker never
// holds such a claim.
func (p *JobProcessor) reclaimStale(ctx context.Context) (int, error) {
	now := time.Now()
	stale, err := p.repo.ReclaimStale(now.Add(-p.staleThreshold), now, p.claimLimit*10)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	if len(stale) > 0 {
		slog.Info("JobProcessor.reclaimStale: re-executing abandoned jobs", "count", len(stale))
	}
	for _, job := range stale {
		if ctx.Err() != nil {
			break
		}
		p.execute(ctx, job)
	}
	return len(stale), nil
}

// Run starts the workers and the expiry sweep. It blocks until the context is
// cancelled.
func (p *JobProcessor) Run(ctx context.Context) {
	slog.Info("JobProcessor.Run: starting job processor", "pollInterval", p.pollInterval, "workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()
	wg.Wait()
	slog.Info("JobProcessor.Run: stopped")
}

func (p *JobProcessor) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

func (p *JobProcessor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil {
				slog.Error("JobProcessor.sweepLoop: sweep failed", "error", err)
			}
		}
	}
}

// PollOnce fetches the oldest pending jobs and executes the ones it manages
// to claim, sequentially. It returns the number of jobs executed.
func (p *JobProcessor) PollOnce(ctx context.Context) int {
	jobs, err := p.repo.ListPending(p.claimLimit)
	if err != nil {
		slog.Error("JobProcessor.PollOnce: list pending failed", "error", err)
		return 0
	}

	executed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		now := time.Now()
		ok, err := p.repo.ClaimJob(job.ID, now)
		if err != nil {
			slog.Error("JobProcessor.PollOnce: claim failed", "id", job.ID, "error", err)
			continue
		}
		if !ok {
			slog.Debug("JobProcessor.PollOnce: job claimed elsewhere", "id", job.ID)
			continue
		}
		job.Status = JobStatusProcessing
		job.ClaimedAt = &now
		p.execute(ctx, job)
		executed++
	}
	return executed
}

// Sweep deletes expired jobs, re-executes abandoned ones and retries pending
// notifications. It returns the number of expired jobs deleted.
func (p *JobProcessor) Sweep(ctx context.Context) (int, error) {
	n, err := p.repo.DeletePast(time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("JobProcessor.Sweep: deleted expired jobs", "count", n)
	}
	if _, err := p.reclaimStale(ctx); err != nil {
		slog.Error("JobProcessor.Sweep: reclaim failed", "error", err)
	}
	p.renotify(ctx)
	return n, nil
}

func (p *JobProcessor) execute(ctx context.Context, job Job) {
	p.mu.RLock()
	handler, ok := p.handlers[job.Kind]
	p.mu.RUnlock()

	var result string
	var err error
	if !ok {
		slog.Warn("JobProcessor.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		err = fmt.Errorf("no handler registered for kind %q", job.Kind)
	} else {
		slog.Debug("JobProcessor.execute: executing job", "id", job.ID, "kind", job.Kind, "owner", job.OwnerID)
		result, err = p.runHandler(ctx, handler, job)
	}

	if err != nil && ctx.Err() != nil {
		// Shutting down: leave the job claimed so Recover picks it up.
		slog.Warn("JobProcessor.execute: interrupted by shutdown", "id", job.ID, "error", err)
		return
	}

	if err != nil {
		slog.Error("JobProcessor.execute: job failed", "id", job.ID, "kind", job.Kind, "error", err)
		job.Status = JobStatusFailed
		job.Error = PublicMessage(err)
		if uerr := p.repo.UpdateJobStatus(job.ID, JobStatusFailed, "", job.Error); uerr != nil {
			slog.Error("JobProcessor.execute: persist failure failed", "id", job.ID, "error", uerr)
			return
		}
	} else {
		job.Status = JobStatusCompleted
		job.ResultJSON = result
		if uerr := p.repo.UpdateJobStatus(job.ID, JobStatusCompleted, result, ""); uerr != nil {
			slog.Error("JobProcessor.execute: persist completion failed", "id", job.ID, "error", uerr)
			return
		}
		slog.Debug("JobProcessor.execute: job completed", "id", job.ID, "kind", job.Kind)
	}

	p.notifyJob(ctx, job)
}

// runHandler isolates a handler call: panics become errors and the call is
// bounded by the job timeout.
func (p *JobProcessor) runHandler(ctx context.Context, handler JobHandler, job Job) (result string, err error) {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("JobProcessor.runHandler: handler panicked", "id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(jobCtx, job)
}

func (p *JobProcessor) notifyJob(ctx context.Context, job Job) {
	if p.notify != nil {
		if err := p.notify(ctx, job); err != nil {
			slog.Error("JobProcessor.notifyJob: notify failed, will retry on sweep", "id", job.ID, "error", err)
			return
		}
	}
	if err := p.repo.MarkNotified(job.ID, time.Now()); err != nil {
		slog.Error("JobProcessor.notifyJob: mark notified failed", "id", job.ID, "error", err)
	}
}

func (p *JobProcessor) renotify(ctx context.Context) {
	jobs, err := p.repo.ListUnnotified(p.claimLimit * 10)
	if err != nil {
		slog.Error("JobProcessor.renotify: list unnotified failed", "error", err)
		return
	}
	for _, job := range jobs {
		p.notifyJob(ctx, job)
	}
}
