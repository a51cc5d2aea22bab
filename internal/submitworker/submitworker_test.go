package submitworker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/events"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
)

type fakeRouter struct {
	mu    sync.Mutex
	calls []time.Time
	err   *control.CallError
}

func (r *fakeRouter) Call(_ context.Context, _, _ string, _ json.RawMessage) (json.RawMessage, *control.CallError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, time.Now())
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(`{"sent":true}`), nil
}

func (r *fakeRouter) callTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls...)
}

type fixture struct {
	store  *kv.Store
	engine *queue.Engine
	blobs  *outbox.Store
	router *fakeRouter
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := kv.NewWithClient(rdb, "test", zap.NewNop())
	f := &fixture{store: store, router: &fakeRouter{}}
	f.blobs = outbox.NewStore(store)

	var onFailed queue.FailedHandler
	f.engine = queue.New(queue.Config{
		Store:  store,
		Keep:   10,
		Logger: zap.NewNop(),
		OnFailed: func(job *queue.Job) {
			if onFailed != nil {
				onFailed(job)
			}
		},
	})
	onFailed = FailureHandler(f.blobs, f.engine, zap.NewNop())

	f.worker = New(Config{
		ID:     "submit-1",
		Engine: f.engine,
		Blobs:  f.blobs,
		Router: f.router,
		Logger: zap.NewNop(),
	})
	return f
}

func (f *fixture) storeBlob(t *testing.T, account, queueID string) {
	t.Helper()
	require.NoError(t, f.blobs.Put(context.Background(), account, &outbox.Blob{
		QueueID: queueID,
		From:    account + "@example.com",
		To:      []string{"rcpt@example.com"},
		Raw:     []byte("Subject: hi\r\n\r\nbody"),
	}))
}

func (f *fixture) enqueue(t *testing.T, account, queueID string, attempts int, baseDelay time.Duration) string {
	t.Helper()
	payload, err := json.Marshal(outbox.SubmitPayload{Account: account, QueueID: queueID})
	require.NoError(t, err)
	id, err := f.engine.Enqueue(context.Background(), queue.Submit, payload, queue.Options{
		Attempts:  attempts,
		BaseDelay: baseDelay,
	})
	require.NoError(t, err)
	return id
}

// reserveAndHandle drives one job through the handler the way the runner
// does, without the poll loop.
func (f *fixture) reserveAndHandle(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.engine.Reserve(ctx, queue.Submit, "submit-1", time.Minute)
	require.NoError(t, err)
	if job == nil {
		return nil
	}
	outcome := f.worker.handle(ctx, job)
	require.NoError(t, applyOutcome(ctx, f.engine, job, outcome))
	return job
}

func applyOutcome(ctx context.Context, eng *queue.Engine, job *queue.Job, o queue.Outcome) error {
	return o.Apply(ctx, eng, job)
}

func TestSuccessfulSubmissionDeletesBlob(t *testing.T) {
	f := newFixture(t)
	f.storeBlob(t, "a1", "q-1")
	id := f.enqueue(t, "a1", "q-1", 3, 100*time.Millisecond)

	job := f.reserveAndHandle(t)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)

	done, err := f.engine.Load(context.Background(), queue.Submit, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.Equal(t, "submitted", done.Progress)

	_, err = f.blobs.Get(context.Background(), "a1", "q-1")
	assert.ErrorIs(t, err, outbox.ErrNotFound)
}

func TestMissingBlobDropsJobSilently(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, "a1", "q-gone", 3, 0)

	f.reserveAndHandle(t)

	done, err := f.engine.Load(context.Background(), queue.Submit, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.Equal(t, "dropped", done.Progress)
	assert.Empty(t, f.router.callTimes(), "no RPC should happen for a missing blob")
}

func TestRetryScheduleAndTerminalFailure(t *testing.T) {
	f := newFixture(t)
	f.router.err = &control.CallError{Message: "connection reset", StatusCode: 0}
	f.storeBlob(t, "a1", "q-1")
	id := f.enqueue(t, "a1", "q-1", 3, 100*time.Millisecond)

	ctx := context.Background()
	start := time.Now()
	attempts := 0
	deadline := time.After(5 * time.Second)
	for attempts < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d attempts before deadline", attempts)
		default:
		}
		if _, err := f.engine.Promote(ctx, queue.Submit); err != nil {
			t.Fatal(err)
		}
		if job := f.reserveAndHandle(t); job != nil {
			attempts++
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}

	times := f.router.callTimes()
	require.Len(t, times, 3)
	// Backoff doubles: ~100ms before the second attempt, ~200ms before the
	// third (cumulative ~300ms).
	assert.GreaterOrEqual(t, times[1].Sub(start), 100*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 200*time.Millisecond)

	done, err := f.engine.Load(ctx, queue.Submit, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, done.Status)
	assert.Equal(t, 3, done.AttemptsMade)

	// Terminal failure removed the blob and raised messageFailed.
	_, err = f.blobs.Get(ctx, "a1", "q-1")
	assert.ErrorIs(t, err, outbox.ErrNotFound)

	nj, err := f.engine.Reserve(ctx, queue.Notify, "t", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, nj)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(nj.Payload, &env))
	assert.Equal(t, events.MessageFailed, env.Event)
	assert.Equal(t, "a1", env.Account)
}

func TestPermanentUpstreamErrorDiscards(t *testing.T) {
	f := newFixture(t)
	f.router.err = &control.CallError{Message: "mailbox unavailable", StatusCode: 502}
	f.storeBlob(t, "a1", "q-1")
	id := f.enqueue(t, "a1", "q-1", 5, time.Second)

	f.reserveAndHandle(t)

	done, err := f.engine.Load(context.Background(), queue.Submit, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, done.Status)
	assert.Len(t, f.router.callTimes(), 1, "permanent errors must not retry")
}

func TestNoHandlerRetriesInsteadOfDiscarding(t *testing.T) {
	f := newFixture(t)
	f.router.err = control.ErrNoHandler()
	f.storeBlob(t, "a1", "q-1")
	id := f.enqueue(t, "a1", "q-1", 5, time.Second)

	f.reserveAndHandle(t)

	pending, err := f.engine.Load(context.Background(), queue.Submit, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, pending.Status)
	assert.Equal(t, 1, pending.AttemptsMade)

	_, err = f.blobs.Get(context.Background(), "a1", "q-1")
	assert.NoError(t, err, "blob survives while the job is non-terminal")
}
