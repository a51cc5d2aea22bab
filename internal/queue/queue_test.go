package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/kv"
)

func newTestEngine(t *testing.T, keep int, onFailed FailedHandler) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.NewWithClient(rdb, "test", zap.NewNop())
	return New(Config{Store: store, Keep: keep, OnFailed: onFailed, Logger: zap.NewNop()})
}

func TestEnqueueReserveAck(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 10, nil)

	id, err := e.Enqueue(ctx, Notify, []byte(`{"event":"test"}`), Options{Attempts: 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := e.Reserve(ctx, Notify, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, StatusActive, job.Status)
	assert.NotEmpty(t, job.Lease)
	assert.Equal(t, []byte(`{"event":"test"}`), job.Payload)

	// No second job to reserve.
	other, err := e.Reserve(ctx, Notify, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, e.Ack(ctx, Notify, id, job.Lease, "delivered"))

	done, err := e.Load(ctx, Notify, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "delivered", done.Progress)
	assert.False(t, done.FinishedAt.IsZero())
}

func TestFIFOWithinSameVisibility(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 10, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := e.Enqueue(ctx, Notify, []byte("p"), Options{Attempts: 1})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		job, err := e.Reserve(ctx, Notify, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
		require.NoError(t, e.Ack(ctx, Notify, job.ID, job.Lease, ""))
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	ctx := context.Background()
	var failed []*Job
	e := newTestEngine(t, 10, func(j *Job) { failed = append(failed, j) })

	id, err := e.Enqueue(ctx, Submit, []byte("m"), Options{Attempts: 3, BaseDelay: 100 * time.Millisecond})
	require.NoError(t, err)

	// Attempt 1 fails: retry delayed by base·2^0 = 100ms.
	job, err := e.Reserve(ctx, Submit, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	before := time.Now()
	require.NoError(t, e.Fail(ctx, Submit, id, job.Lease, "network error", true))

	j, err := e.Load(ctx, Submit, id)
	require.NoError(t, err)
	assert.Equal(t, 1, j.AttemptsMade)
	assert.Equal(t, StatusPending, j.Status)
	delay := j.NextVisible.Sub(before)
	assert.InDelta(t, 100, delay.Milliseconds(), 50)

	// Not visible until promoted past its backoff.
	got, err := e.Reserve(ctx, Submit, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got)

	time.Sleep(120 * time.Millisecond)
	n, err := e.Promote(ctx, Submit)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Attempt 2 fails: retry delayed by base·2^1 = 200ms.
	job, err = e.Reserve(ctx, Submit, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	before = time.Now()
	require.NoError(t, e.Fail(ctx, Submit, id, job.Lease, "network error", true))

	j, err = e.Load(ctx, Submit, id)
	require.NoError(t, err)
	assert.Equal(t, 2, j.AttemptsMade)
	delay = j.NextVisible.Sub(before)
	assert.InDelta(t, 200, delay.Milliseconds(), 60)

	time.Sleep(220 * time.Millisecond)
	_, err = e.Promote(ctx, Submit)
	require.NoError(t, err)

	// Attempt 3 fails: attempts exhausted, job is terminal.
	job, err = e.Reserve(ctx, Submit, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, e.Fail(ctx, Submit, id, job.Lease, "network error", true))

	j, err = e.Load(ctx, Submit, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 3, j.AttemptsMade)
	assert.LessOrEqual(t, j.AttemptsMade, j.MaxAttempts)

	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
}

func TestSingleAttemptNeverRetried(t *testing.T) {
	ctx := context.Background()
	var failed []*Job
	e := newTestEngine(t, 10, func(j *Job) { failed = append(failed, j) })

	id, err := e.Enqueue(ctx, Submit, []byte("m"), Options{Attempts: 1, BaseDelay: time.Second})
	require.NoError(t, err)

	job, err := e.Reserve(ctx, Submit, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, Submit, id, job.Lease, "boom", true))

	j, err := e.Load(ctx, Submit, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Len(t, failed, 1)
}

func TestZeroBaseDelayRetriesImmediately(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 10, nil)

	id, err := e.Enqueue(ctx, Submit, []byte("m"), Options{Attempts: 2, BaseDelay: 0})
	require.NoError(t, err)

	job, err := e.Reserve(ctx, Submit, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, Submit, id, job.Lease, "boom", true))

	_, err = e.Promote(ctx, Submit)
	require.NoError(t, err)

	job, err = e.Reserve(ctx, Submit, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job, "zero base delay must make the retry immediately visible")
}

func TestDiscardIgnoresRemainingAttempts(t *testing.T) {
	ctx := context.Background()
	var failed []*Job
	e := newTestEngine(t, 10, func(j *Job) { failed = append(failed, j) })

	id, err := e.Enqueue(ctx, Submit, []byte("m"), Options{Attempts: 10})
	require.NoError(t, err)

	job, err := e.Reserve(ctx, Submit, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Discard(ctx, Submit, id, job.Lease, "SMTP 554 permanent"))

	j, err := e.Load(ctx, Submit, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Len(t, failed, 1)
}

func TestStaleLeaseCannotAck(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 10, nil)

	id, err := e.Enqueue(ctx, Notify, []byte("m"), Options{Attempts: 3})
	require.NoError(t, err)

	// First worker reserves with a lease that expires immediately.
	stale, err := e.Reserve(ctx, Notify, "w1", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, stale)

	time.Sleep(5 * time.Millisecond)
	n, err := e.ReapLeases(ctx, Notify)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Lease expiry must not consume an attempt.
	j, err := e.Load(ctx, Notify, id)
	require.NoError(t, err)
	assert.Equal(t, 0, j.AttemptsMade)

	fresh, err := e.Reserve(ctx, Notify, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, fresh)

	// The stale holder can neither ack nor fail the job.
	assert.ErrorIs(t, e.Ack(ctx, Notify, id, stale.Lease, ""), ErrStaleLease)
	assert.ErrorIs(t, e.Fail(ctx, Notify, id, stale.Lease, "x", true), ErrStaleLease)

	// The fresh holder can.
	require.NoError(t, e.Ack(ctx, Notify, id, fresh.Lease, "done"))
}

func TestDelayedJobNotVisibleEarly(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 10, nil)

	_, err := e.Enqueue(ctx, Notify, []byte("m"), Options{Attempts: 1, Delay: time.Hour})
	require.NoError(t, err)

	job, err := e.Reserve(ctx, Notify, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	n, err := e.Promote(ctx, Notify)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueueKeepZeroRetainsNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0, nil)

	id, err := e.Enqueue(ctx, Notify, []byte("m"), Options{Attempts: 1})
	require.NoError(t, err)

	job, err := e.Reserve(ctx, Notify, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Ack(ctx, Notify, id, job.Lease, ""))

	_, err = e.Load(ctx, Notify, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueKeepTrimsRetention(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 2, nil)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := e.Enqueue(ctx, Notify, []byte("m"), Options{Attempts: 1})
		require.NoError(t, err)
		job, err := e.Reserve(ctx, Notify, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, e.Ack(ctx, Notify, id, job.Lease, ""))
		ids = append(ids, id)
	}

	// Newest two retained, oldest two evicted with their hashes.
	_, err := e.Load(ctx, Notify, ids[3])
	assert.NoError(t, err)
	_, err = e.Load(ctx, Notify, ids[2])
	assert.NoError(t, err)
	_, err = e.Load(ctx, Notify, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunnerProcessesJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(t, 10, nil)

	id, err := e.Enqueue(ctx, Notify, []byte("payload"), Options{Attempts: 1})
	require.NoError(t, err)

	handled := make(chan string, 1)
	runner := NewRunner(RunnerConfig{
		Engine:   e,
		Queue:    Notify,
		WorkerID: "w1",
		Handler: func(ctx context.Context, job *Job) Outcome {
			handled <- job.ID
			return Ok("done")
		},
		Poll:   10 * time.Millisecond,
		Logger: zap.NewNop(),
	})
	go runner.Run(ctx)

	select {
	case got := <-handled:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not process the job")
	}

	require.Eventually(t, func() bool {
		j, err := e.Load(ctx, Notify, id)
		return err == nil && j.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
