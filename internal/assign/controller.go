package assign

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker is the handle the controller uses to hand accounts to an IMAP
// worker. Implemented by the supervisor's worker wrappers.
type Worker interface {
	// ID is the stable identity used for rendezvous hashing.
	ID() string

	// Assign hands ownership of account to this worker. The worker opens
	// the session asynchronously; an error means the assignment was not
	// accepted and the account stays unassigned.
	Assign(ctx context.Context, account string) error

	// Unassign revokes ownership, closing any open session.
	Unassign(ctx context.Context, account string)
}

// Cooldown is invoked when an account enters its reconnect cooldown, so
// its published state can reflect disconnected while it waits.
type Cooldown func(account string)

// Controller owns the account → worker mapping. It is the only writer of
// assignments; workers learn about ownership exclusively through Assign
// and Unassign calls issued here.
type Controller struct {
	logger *zap.Logger

	mu         sync.Mutex
	unassigned map[string]struct{}
	assigned   map[string]string          // account → worker id
	perWorker  map[string]map[string]struct{} // worker id → owned accounts
	workers    map[string]Worker
	cooling    map[string]*time.Timer

	damper     *damper
	onCooldown Cooldown

	// cycleMu serializes assignCycle; kick wakes the run loop.
	cycleMu sync.Mutex
	kick    chan struct{}
}

// New creates a Controller. onCooldown may be nil.
func New(logger *zap.Logger, onCooldown Cooldown) *Controller {
	return &Controller{
		logger:     logger.Named("assign"),
		unassigned: make(map[string]struct{}),
		assigned:   make(map[string]string),
		perWorker:  make(map[string]map[string]struct{}),
		workers:    make(map[string]Worker),
		cooling:    make(map[string]*time.Timer),
		damper:     newDamper(nil),
		onCooldown: onCooldown,
		kick:       make(chan struct{}, 1),
	}
}

// Run processes assignment cycles until ctx is cancelled. Cycles are
// triggered by account and worker membership changes and never overlap.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			c.assignCycle(ctx)
		}
	}
}

func (c *Controller) trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
		// A cycle is already pending; it will observe the new state.
	}
}

// AddAccount registers a new account for assignment.
func (c *Controller) AddAccount(account string) {
	c.mu.Lock()
	if _, owned := c.assigned[account]; !owned {
		c.unassigned[account] = struct{}{}
	}
	c.mu.Unlock()
	c.trigger()
}

// RemoveAccount drops an account from all assignment state. If currently
// owned, the owner is told to release it.
func (c *Controller) RemoveAccount(ctx context.Context, account string) {
	c.mu.Lock()
	delete(c.unassigned, account)
	if timer, ok := c.cooling[account]; ok {
		timer.Stop()
		delete(c.cooling, account)
	}
	var owner Worker
	if wid, ok := c.assigned[account]; ok {
		delete(c.assigned, account)
		delete(c.perWorker[wid], account)
		owner = c.workers[wid]
	}
	c.damper.forget(account)
	c.mu.Unlock()

	if owner != nil {
		owner.Unassign(ctx, account)
	}
}

// WorkerReady adds a worker to the available set and triggers assignment.
func (c *Controller) WorkerReady(w Worker) {
	c.mu.Lock()
	c.workers[w.ID()] = w
	if c.perWorker[w.ID()] == nil {
		c.perWorker[w.ID()] = make(map[string]struct{})
	}
	c.mu.Unlock()

	c.logger.Info("worker available", zap.String("worker", w.ID()))
	c.trigger()
}

// WorkerExited removes a worker; every account it owned cools down and
// returns to the unassigned pool.
func (c *Controller) WorkerExited(workerID string) {
	c.mu.Lock()
	delete(c.workers, workerID)
	owned := c.perWorker[workerID]
	delete(c.perWorker, workerID)

	var released []string
	for account := range owned {
		delete(c.assigned, account)
		released = append(released, account)
	}
	c.mu.Unlock()

	c.logger.Warn("worker exited, releasing accounts",
		zap.String("worker", workerID),
		zap.Int("accounts", len(released)),
	)
	for _, account := range released {
		c.coolDown(account)
	}
	c.trigger()
}

// AccountDisconnected reports that an owned account's session dropped
// without the worker exiting. The account cools down before reassignment.
func (c *Controller) AccountDisconnected(account string) {
	c.mu.Lock()
	if wid, ok := c.assigned[account]; ok {
		delete(c.assigned, account)
		delete(c.perWorker[wid], account)
	}
	c.mu.Unlock()
	c.coolDown(account)
}

// coolDown applies the damper delay, publishing the disconnected state for
// the duration so API reads stay accurate.
func (c *Controller) coolDown(account string) {
	delay := c.damper.disconnect(account)
	if c.onCooldown != nil {
		c.onCooldown(account)
	}

	if delay <= 0 {
		c.mu.Lock()
		c.unassigned[account] = struct{}{}
		c.mu.Unlock()
		c.trigger()
		return
	}

	c.logger.Debug("account cooling down",
		zap.String("account", account),
		zap.Duration("delay", delay),
	)
	c.mu.Lock()
	if old, ok := c.cooling[account]; ok {
		old.Stop()
	}
	c.cooling[account] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.cooling, account)
		c.unassigned[account] = struct{}{}
		c.mu.Unlock()
		c.trigger()
	})
	c.mu.Unlock()
}

// assignCycle walks the unassigned pool and hands each account to its
// rendezvous-ranked worker. Serialized: overlapping triggers coalesce into
// the next cycle.
func (c *Controller) assignCycle(ctx context.Context) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	workerIDs := make([]string, 0, len(c.workers))
	for id := range c.workers {
		workerIDs = append(workerIDs, id)
	}
	pending := make([]string, 0, len(c.unassigned))
	for account := range c.unassigned {
		pending = append(pending, account)
	}
	c.mu.Unlock()

	if len(workerIDs) == 0 || len(pending) == 0 {
		return
	}
	sort.Strings(pending)

	for _, account := range pending {
		if ctx.Err() != nil {
			return
		}

		target := pick(workerIDs, account)

		c.mu.Lock()
		w, ok := c.workers[target]
		if !ok {
			// Worker vanished mid-cycle; the exit path re-triggers.
			c.mu.Unlock()
			continue
		}
		if _, still := c.unassigned[account]; !still {
			c.mu.Unlock()
			continue
		}
		// Claim before the RPC so a concurrent cycle can never hand the
		// same account to two workers.
		delete(c.unassigned, account)
		c.assigned[account] = target
		c.perWorker[target][account] = struct{}{}
		c.mu.Unlock()

		if err := w.Assign(ctx, account); err != nil {
			c.logger.Warn("assignment rejected",
				zap.String("account", account),
				zap.String("worker", target),
				zap.Error(err),
			)
			c.mu.Lock()
			delete(c.assigned, account)
			delete(c.perWorker[target], account)
			c.unassigned[account] = struct{}{}
			c.mu.Unlock()
			continue
		}

		c.logger.Debug("account assigned",
			zap.String("account", account),
			zap.String("worker", target),
		)
	}
}

// Owner returns the worker currently owning account.
func (c *Controller) Owner(account string) (Worker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wid, ok := c.assigned[account]
	if !ok {
		return nil, false
	}
	w, ok := c.workers[wid]
	return w, ok
}

// Snapshot reports the current account count per worker plus the size of
// the unassigned pool. Used by metrics and the admin API.
func (c *Controller) Snapshot() (perWorker map[string]int, unassigned int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perWorker = make(map[string]int, len(c.perWorker))
	for wid, owned := range c.perWorker {
		perWorker[wid] = len(owned)
	}
	return perWorker, len(c.unassigned)
}
