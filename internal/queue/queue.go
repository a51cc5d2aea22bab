// Package queue implements the durable, at-least-once job queue backing
// message submission and webhook notification.
//
// Each logical queue keeps its bookkeeping in Redis under bull:{queue}:*
//
//	pending    zset, scored by nextVisibleAt — jobs ready (or soon ready) to run
//	active     zset, scored by lease expiry — jobs currently held by a worker
//	delayed    zset, scored by nextVisibleAt — retries waiting for their backoff
//	completed  list of finished job ids, trimmed to the queueKeep bound
//	failed     list of terminally failed job ids, trimmed likewise
//	job:{id}   hash with the job's fields
//
// Reservation moves a job from pending to active atomically (Lua) and tags
// it with a unique lease id. A worker that dies mid-job simply lets the
// lease expire; the reaper returns the job to pending and a later
// reservation issues a fresh lease, so the dead worker's stale lease can no
// longer ack or fail it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/kv"
)

// Queue names used by the engine.
const (
	Submit = "submit"
	Notify = "notify"
)

// Status values for a job.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrNotFound is returned when a job id does not resolve to a job.
	ErrNotFound = errors.New("queue: job not found")

	// ErrStaleLease is returned when an ack or fail carries a lease id
	// that no longer matches the job — the lease expired and the job was
	// handed to another worker.
	ErrStaleLease = errors.New("queue: lease no longer held")
)

// Job is one unit of queued work.
type Job struct {
	ID           string
	Queue        string
	Payload      []byte
	AttemptsMade int
	MaxAttempts  int
	BaseDelay    time.Duration
	NextVisible  time.Time
	Status       string
	Progress     string
	Error        string
	CreatedAt    time.Time
	FinishedAt   time.Time

	// Lease identifies the current reservation. Only set on jobs returned
	// by Reserve; must be passed back to Ack, Fail and Discard.
	Lease string
}

// Options control how a job is enqueued.
type Options struct {
	// Attempts is the maximum number of delivery attempts. Minimum 1.
	Attempts int

	// BaseDelay seeds the exponential backoff: the n-th retry waits
	// BaseDelay·2^(n-1). Zero means retries are immediately visible.
	BaseDelay time.Duration

	// Delay defers the first delivery.
	Delay time.Duration

	// Priority biases reservation order: a job with priority p competes as
	// if it became visible p milliseconds earlier. Zero for normal jobs.
	Priority int
}

// FailedHandler is invoked after a job reaches terminal failure, once the
// job record has been moved to the failed list. Used by the supervisor to
// emit messageFailed notifications.
type FailedHandler func(job *Job)

// Engine is the queue engine. One Engine serves all logical queues.
type Engine struct {
	store    *kv.Store
	keys     kv.Keys
	keep     int
	onFailed FailedHandler
	logger   *zap.Logger
}

// Config for the Engine.
type Config struct {
	Store *kv.Store

	// Keep bounds the completed and failed retention lists. Zero retains
	// nothing: finished jobs are dropped as soon as they terminate.
	Keep int

	// OnFailed is called for every terminally failed job. Optional.
	OnFailed FailedHandler

	Logger *zap.Logger
}

// New creates an Engine. Call Promote and ReapLeases periodically (the
// supervisor schedules both) to keep delayed jobs and expired leases moving.
func New(cfg Config) *Engine {
	return &Engine{
		store:    cfg.Store,
		keys:     cfg.Store.Keys(),
		keep:     cfg.Keep,
		onFailed: cfg.OnFailed,
		logger:   cfg.Logger.Named("queue"),
	}
}

// Enqueue durably writes a job and makes it visible after opts.Delay.
// The returned id is monotonic per queue and zero-padded so that
// lexicographic order equals insertion order.
func (e *Engine) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	rdb := e.store.Redis()
	seq, err := rdb.Incr(ctx, e.keys.Queue(queue, "id")).Result()
	if err != nil {
		return "", fmt.Errorf("queue: failed to allocate job id: %w", err)
	}
	id := fmt.Sprintf("%012d", seq)

	now := time.Now()
	visible := now.Add(opts.Delay)

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, e.keys.QueueJob(queue, id), map[string]any{
		"id":           id,
		"queue":        queue,
		"payload":      payload,
		"attemptsMade": 0,
		"maxAttempts":  opts.Attempts,
		"baseDelayMs":  opts.BaseDelay.Milliseconds(),
		"nextVisibleAt": visible.UnixMilli(),
		"status":       StatusPending,
		"createdAt":    now.UnixMilli(),
	})
	target := "pending"
	if opts.Delay > 0 {
		target = "delayed"
	}
	pipe.ZAdd(ctx, e.keys.Queue(queue, target), redis.Z{
		Score:  float64(visible.UnixMilli() - int64(opts.Priority)),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: failed to enqueue %s job: %w", queue, err)
	}

	e.logger.Debug("job enqueued",
		zap.String("queue", queue),
		zap.String("job_id", id),
		zap.Int("max_attempts", opts.Attempts),
		zap.Duration("delay", opts.Delay),
	)
	return id, nil
}

// Reserve atomically takes the oldest visible pending job into active under
// a fresh lease. Returns nil when no job is visible.
func (e *Engine) Reserve(ctx context.Context, queue, workerID string, lease time.Duration) (*Job, error) {
	leaseID := uuid.NewString()
	now := time.Now()

	id, err := reserveScript.Run(ctx, e.store.Redis(),
		[]string{
			e.keys.Queue(queue, "pending"),
			e.keys.Queue(queue, "active"),
			e.keys.QueueJob(queue, ""),
		},
		now.UnixMilli(),
		now.Add(lease).UnixMilli(),
		leaseID,
		workerID,
	).Text()
	if err == redis.Nil || id == "" {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reserve on %s failed: %w", queue, err)
	}

	job, err := e.load(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	job.Lease = leaseID
	return job, nil
}

// Ack marks the job completed and records its final progress. The lease id
// from the reservation must still match.
func (e *Engine) Ack(ctx context.Context, queue, id, leaseID, progress string) error {
	if err := e.checkLease(ctx, queue, id, leaseID); err != nil {
		return err
	}

	rdb := e.store.Redis()
	pipe := rdb.TxPipeline()
	pipe.ZRem(ctx, e.keys.Queue(queue, "active"), id)
	pipe.HSet(ctx, e.keys.QueueJob(queue, id), map[string]any{
		"status":     StatusCompleted,
		"progress":   progress,
		"finishedAt": time.Now().UnixMilli(),
	})
	pipe.HDel(ctx, e.keys.QueueJob(queue, id), "lease")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s/%s failed: %w", queue, id, err)
	}
	return e.retain(ctx, queue, "completed", id)
}

// Fail records a failed attempt. When retry is true and attempts remain,
// the job is rescheduled with exponential backoff
// (baseDelay·2^attemptsMade, computed before the counter increments);
// otherwise it terminally fails and the failed handler fires.
func (e *Engine) Fail(ctx context.Context, queue, id, leaseID, errMsg string, retry bool) error {
	if err := e.checkLease(ctx, queue, id, leaseID); err != nil {
		return err
	}
	job, err := e.load(ctx, queue, id)
	if err != nil {
		return err
	}

	delay := time.Duration(0)
	if job.BaseDelay > 0 {
		delay = job.BaseDelay << uint(job.AttemptsMade)
	}
	job.AttemptsMade++

	if retry && job.AttemptsMade < job.MaxAttempts {
		visible := time.Now().Add(delay)
		rdb := e.store.Redis()
		pipe := rdb.TxPipeline()
		pipe.ZRem(ctx, e.keys.Queue(queue, "active"), id)
		pipe.ZAdd(ctx, e.keys.Queue(queue, "delayed"), redis.Z{
			Score:  float64(visible.UnixMilli()),
			Member: id,
		})
		pipe.HSet(ctx, e.keys.QueueJob(queue, id), map[string]any{
			"status":        StatusPending,
			"attemptsMade":  job.AttemptsMade,
			"nextVisibleAt": visible.UnixMilli(),
			"error":         errMsg,
		})
		pipe.HDel(ctx, e.keys.QueueJob(queue, id), "lease")
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: retry schedule for %s/%s failed: %w", queue, id, err)
		}
		e.logger.Debug("job scheduled for retry",
			zap.String("queue", queue),
			zap.String("job_id", id),
			zap.Int("attempts_made", job.AttemptsMade),
			zap.Duration("backoff", delay),
		)
		return nil
	}

	return e.terminalFail(ctx, job, errMsg)
}

// Discard terminally fails the job regardless of attempts left. Used after
// permanent errors where retrying cannot help.
func (e *Engine) Discard(ctx context.Context, queue, id, leaseID, errMsg string) error {
	if err := e.checkLease(ctx, queue, id, leaseID); err != nil {
		return err
	}
	job, err := e.load(ctx, queue, id)
	if err != nil {
		return err
	}
	job.AttemptsMade++
	return e.terminalFail(ctx, job, errMsg)
}

// terminalFail moves the job to the failed retention list and fires the
// failed handler.
func (e *Engine) terminalFail(ctx context.Context, job *Job, errMsg string) error {
	rdb := e.store.Redis()
	pipe := rdb.TxPipeline()
	pipe.ZRem(ctx, e.keys.Queue(job.Queue, "active"), job.ID)
	pipe.HSet(ctx, e.keys.QueueJob(job.Queue, job.ID), map[string]any{
		"status":       StatusFailed,
		"attemptsMade": job.AttemptsMade,
		"error":        errMsg,
		"finishedAt":   time.Now().UnixMilli(),
	})
	pipe.HDel(ctx, e.keys.QueueJob(job.Queue, job.ID), "lease")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: terminal fail for %s/%s: %w", job.Queue, job.ID, err)
	}
	if err := e.retain(ctx, job.Queue, "failed", job.ID); err != nil {
		return err
	}

	job.Status = StatusFailed
	job.Error = errMsg
	e.logger.Warn("job terminally failed",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Int("attempts_made", job.AttemptsMade),
		zap.String("error", errMsg),
	)
	if e.onFailed != nil {
		e.onFailed(job)
	}
	return nil
}

// retain pushes id onto a retention list and trims it to the keep bound.
// keep == 0 means retain none: the entry and its job hash are dropped
// immediately.
func (e *Engine) retain(ctx context.Context, queue, list, id string) error {
	rdb := e.store.Redis()
	if e.keep <= 0 {
		if err := rdb.Del(ctx, e.keys.QueueJob(queue, id)).Err(); err != nil {
			return fmt.Errorf("queue: drop finished job %s/%s: %w", queue, id, err)
		}
		return nil
	}

	key := e.keys.Queue(queue, list)
	pipe := rdb.TxPipeline()
	pipe.LPush(ctx, key, id)
	trimmed := pipe.LRange(ctx, key, int64(e.keep), -1)
	pipe.LTrim(ctx, key, 0, int64(e.keep-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: retention trim on %s: %w", key, err)
	}
	// Job hashes for entries that fell off the list are deleted so the
	// keyspace does not grow unboundedly.
	evicted, err := trimmed.Result()
	if err != nil {
		return nil
	}
	for _, old := range evicted {
		_ = rdb.Del(ctx, e.keys.QueueJob(queue, old)).Err()
	}
	return nil
}

// Promote moves delayed jobs whose visibility time has arrived into
// pending. Movement is atomic across the two sets.
func (e *Engine) Promote(ctx context.Context, queue string) (int, error) {
	n, err := promoteScript.Run(ctx, e.store.Redis(),
		[]string{
			e.keys.Queue(queue, "delayed"),
			e.keys.Queue(queue, "pending"),
		},
		time.Now().UnixMilli(),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("queue: promote on %s failed: %w", queue, err)
	}
	return n, nil
}

// ReapLeases returns jobs whose lease expired to pending. Their attempt
// counters are untouched — only a reported failure consumes an attempt.
func (e *Engine) ReapLeases(ctx context.Context, queue string) (int, error) {
	n, err := reapScript.Run(ctx, e.store.Redis(),
		[]string{
			e.keys.Queue(queue, "active"),
			e.keys.Queue(queue, "pending"),
			e.keys.QueueJob(queue, ""),
		},
		time.Now().UnixMilli(),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("queue: lease reap on %s failed: %w", queue, err)
	}
	if n > 0 {
		e.logger.Info("expired leases returned to pending",
			zap.String("queue", queue),
			zap.Int("jobs", n),
		)
	}
	return n, nil
}

// Depth reports the number of jobs waiting in a queue: visible pending plus
// delayed retries. Active jobs are not counted.
func (e *Engine) Depth(ctx context.Context, queue string) (int64, error) {
	rdb := e.store.Redis()
	pipe := rdb.TxPipeline()
	pending := pipe.ZCard(ctx, e.keys.Queue(queue, "pending"))
	delayed := pipe.ZCard(ctx, e.keys.Queue(queue, "delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: depth on %s: %w", queue, err)
	}
	return pending.Val() + delayed.Val(), nil
}

// Load returns a job by id, without a lease.
func (e *Engine) Load(ctx context.Context, queue, id string) (*Job, error) {
	return e.load(ctx, queue, id)
}

func (e *Engine) load(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := e.store.Redis().HGetAll(ctx, e.keys.QueueJob(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load %s/%s: %w", queue, id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromFields(fields), nil
}

func (e *Engine) checkLease(ctx context.Context, queue, id, leaseID string) error {
	current, err := e.store.Redis().HGet(ctx, e.keys.QueueJob(queue, id), "lease").Result()
	if err == redis.Nil {
		return ErrStaleLease
	}
	if err != nil {
		return fmt.Errorf("queue: lease check for %s/%s: %w", queue, id, err)
	}
	if current != leaseID {
		return ErrStaleLease
	}
	return nil
}

func jobFromFields(fields map[string]string) *Job {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	millis := func(s string) time.Time {
		ms, _ := strconv.ParseInt(s, 10, 64)
		if ms == 0 {
			return time.Time{}
		}
		return time.UnixMilli(ms)
	}
	return &Job{
		ID:           fields["id"],
		Queue:        fields["queue"],
		Payload:      []byte(fields["payload"]),
		AttemptsMade: atoi(fields["attemptsMade"]),
		MaxAttempts:  atoi(fields["maxAttempts"]),
		BaseDelay:    time.Duration(atoi(fields["baseDelayMs"])) * time.Millisecond,
		NextVisible:  millis(fields["nextVisibleAt"]),
		Status:       fields["status"],
		Progress:     fields["progress"],
		Error:        fields["error"],
		CreatedAt:    millis(fields["createdAt"]),
		FinishedAt:   millis(fields["finishedAt"]),
	}
}
