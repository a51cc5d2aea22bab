package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Outcome is the explicit result a job handler returns. The runner acts on
// the variant — there is no exception-style control flow in the retry path.
type Outcome struct {
	kind     outcomeKind
	progress string
	err      error
}

type outcomeKind int

const (
	outcomeOk outcomeKind = iota
	outcomeRetry
	outcomeDiscard
)

// Ok marks the job completed with the given final progress.
func Ok(progress string) Outcome { return Outcome{kind: outcomeOk, progress: progress} }

// Retry marks the attempt failed; the engine reschedules it with backoff
// while attempts remain.
func Retry(err error) Outcome { return Outcome{kind: outcomeRetry, err: err} }

// Discard terminally fails the job regardless of attempts left. For
// permanent errors where retrying cannot succeed.
func Discard(err error) Outcome { return Outcome{kind: outcomeDiscard, err: err} }

// Apply records the outcome for a reserved job: Ack, Fail-with-retry or
// Discard depending on the variant.
func (o Outcome) Apply(ctx context.Context, e *Engine, job *Job) error {
	switch o.kind {
	case outcomeRetry:
		return e.Fail(ctx, job.Queue, job.ID, job.Lease, errString(o.err), true)
	case outcomeDiscard:
		return e.Discard(ctx, job.Queue, job.ID, job.Lease, errString(o.err))
	}
	return e.Ack(ctx, job.Queue, job.ID, job.Lease, o.progress)
}

// Result names an outcome variant for observation hooks.
func (o Outcome) Result() string {
	switch o.kind {
	case outcomeRetry:
		return "retry"
	case outcomeDiscard:
		return "discard"
	}
	return "completed"
}

// Handler processes one reserved job.
type Handler func(ctx context.Context, job *Job) Outcome

// Runner polls one queue and dispatches reserved jobs to a handler.
type Runner struct {
	engine   *Engine
	queue    string
	workerID string
	handler  Handler
	lease    time.Duration
	poll     time.Duration
	observe  func(result string)
	logger   *zap.Logger
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Engine   *Engine
	Queue    string
	WorkerID string
	Handler  Handler

	// Lease is how long a reservation holds before the reaper may return
	// the job to pending. Must comfortably exceed handler runtime.
	Lease time.Duration

	// Poll is the idle sleep between reservation attempts when the queue
	// is empty.
	Poll time.Duration

	// Observe reports each handled job's outcome. Optional.
	Observe func(result string)

	Logger *zap.Logger
}

// NewRunner creates a Runner. Call Run in its own goroutine.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 500 * time.Millisecond
	}
	return &Runner{
		engine:   cfg.Engine,
		queue:    cfg.Queue,
		workerID: cfg.WorkerID,
		handler:  cfg.Handler,
		lease:    cfg.Lease,
		poll:     cfg.Poll,
		observe:  cfg.Observe,
		logger:   cfg.Logger.Named("runner").With(zap.String("queue", cfg.Queue), zap.String("worker", cfg.WorkerID)),
	}
}

// Run processes jobs until ctx is cancelled. Redis transport failures are
// retried with a short backoff; if Redis stays unreachable the loop keeps
// backing off rather than spinning, and in-flight jobs recover elsewhere
// through lease expiry.
func (r *Runner) Run(ctx context.Context) {
	transportDelay := r.poll

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.engine.Reserve(ctx, r.queue, r.workerID, r.lease)
		if err != nil {
			r.logger.Error("reserve failed, backing off", zap.Error(err))
			transportDelay = minDuration(transportDelay*2, 30*time.Second)
			if !sleep(ctx, transportDelay) {
				return
			}
			continue
		}
		transportDelay = r.poll

		if job == nil {
			if !sleep(ctx, r.poll) {
				return
			}
			continue
		}

		r.dispatch(ctx, job)
	}
}

func (r *Runner) dispatch(ctx context.Context, job *Job) {
	outcome := r.handler(ctx, job)
	if r.observe != nil {
		r.observe(outcome.Result())
	}

	err := outcome.Apply(ctx, r.engine, job)
	if err == ErrStaleLease {
		// The handler outlived its lease and the job was handed elsewhere.
		// Nothing to do — the other reservation owns the outcome now.
		r.logger.Warn("outcome dropped, lease expired during handling",
			zap.String("job_id", job.ID),
		)
		return
	}
	if err != nil {
		r.logger.Error("failed to record job outcome",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
