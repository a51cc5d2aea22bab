package control

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout bounds every cross-worker call unless the caller
// supplies its own deadline.
const DefaultCallTimeout = 10 * time.Second

// Result is the outcome of a completed call.
type Result struct {
	Response json.RawMessage
	Err      *CallError
}

// CallQueue tracks outstanding request/response calls by correlation id.
// Each Register hands out a fresh mid and a reply channel; Resolve routes a
// response to the waiting caller. Expired or cancelled calls are dropped —
// a late response for a forgotten mid is discarded, so a stale worker can
// never complete a call that has already timed out.
type CallQueue struct {
	mu      sync.Mutex
	pending map[uint64]chan Result
	nextMID atomic.Uint64
}

// NewCallQueue creates an empty CallQueue.
func NewCallQueue() *CallQueue {
	return &CallQueue{pending: make(map[uint64]chan Result)}
}

// Register allocates a correlation id and its reply channel. The channel
// has capacity 1 so Resolve never blocks on a caller that already gave up.
func (q *CallQueue) Register() (uint64, <-chan Result) {
	mid := q.nextMID.Add(1)
	ch := make(chan Result, 1)
	q.mu.Lock()
	q.pending[mid] = ch
	q.mu.Unlock()
	return mid, ch
}

// Resolve completes the call identified by mid. Returns false when the mid
// is unknown — already resolved, timed out, or never registered.
func (q *CallQueue) Resolve(mid uint64, res Result) bool {
	q.mu.Lock()
	ch, ok := q.pending[mid]
	if ok {
		delete(q.pending, mid)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Forget drops an outstanding call without resolving it. Called on timeout
// so the map does not leak entries for responses that will never arrive.
func (q *CallQueue) Forget(mid uint64) {
	q.mu.Lock()
	delete(q.pending, mid)
	q.mu.Unlock()
}

// Await blocks until the call resolves, the timeout elapses, or ctx is
// cancelled. On timeout the entry is forgotten and a Timeout error is
// returned; a response arriving afterwards is discarded by Resolve.
func (q *CallQueue) Await(ctx context.Context, mid uint64, ch <-chan Result, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res
	case <-timer.C:
		q.Forget(mid)
		return Result{Err: ErrTimeout()}
	case <-ctx.Done():
		q.Forget(mid)
		return Result{Err: &CallError{Message: ctx.Err().Error(), Code: "Cancelled", StatusCode: 499}}
	}
}

// PendingCount reports the number of unresolved calls. Used by metrics.
func (q *CallQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
