package imapworker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/events"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
)

// Notification jobs get a generous retry budget: webhook endpoints come and
// go, and each event carries its own timestamp so late delivery is fine.
const (
	notifyAttempts  = 10
	notifyBaseDelay = 5 * time.Second
)

// Dialer opens a live session for an account. Separated from the worker so
// tests can substitute a fake session.
type Dialer func(ctx context.Context, acc *accounts.Account) (Session, error)

// EmittedCounter observes emitted events by kind. Optional.
type EmittedCounter func(kind events.Kind)

// Config for a Worker.
type Config struct {
	// ID is the worker's stable identity, used for rendezvous ranking and
	// queue reservations.
	ID string

	Registry *accounts.Registry
	Logs     *accounts.LogRing
	Queue    *queue.Engine
	Outbox   *outbox.Store
	Dial     Dialer
	Logger   *zap.Logger

	// OnDisconnect reports an unplanned session loss so the assignment
	// controller can cool the account down and reassign it.
	OnDisconnect func(account string)

	// OnEmitted observes every enqueued event. Optional.
	OnEmitted EmittedCounter
}

// Worker hosts persistent sessions for the accounts assigned to it. It is
// the single writer of those accounts' state fields.
type Worker struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a Worker.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.Named("imap").With(zap.String("worker", cfg.ID)),
		conns:  make(map[string]*conn),
	}
}

// ID implements assign.Worker.
func (w *Worker) ID() string { return w.cfg.ID }

// Assign takes ownership of an account and starts its connection loop.
// Assigning an account twice restarts its connection.
func (w *Worker) Assign(ctx context.Context, account string) error {
	acc, err := w.cfg.Registry.Load(ctx, account)
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.conns[account]
	c := newConn(w, acc)
	w.conns[account] = c
	w.mu.Unlock()

	// Tearing down the old session can wait on a slow network round-trip;
	// it must not happen under mu or every RPC on this worker stalls.
	if old != nil {
		old.stop()
	}
	go c.run()
	return nil
}

// Unassign releases an account, closing its session. Deliberate: no
// disconnect is reported.
func (w *Worker) Unassign(_ context.Context, account string) {
	w.mu.Lock()
	c, ok := w.conns[account]
	delete(w.conns, account)
	w.mu.Unlock()
	if ok {
		c.stop()
	}
}

// ConnectionCount reports how many accounts this worker currently hosts.
func (w *Worker) ConnectionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// Stop releases every account. Used during shutdown.
func (w *Worker) Stop() {
	w.mu.Lock()
	conns := make([]*conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.conns = make(map[string]*conn)
	w.mu.Unlock()
	for _, c := range conns {
		c.stop()
	}
}

func (w *Worker) conn(account string) (*conn, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.conns[account]
	return c, ok
}

// --- per-account connection --------------------------------------------------

// conn is one account's connection state machine. Owned by exactly one
// goroutine (run); the session pointer is additionally read by RPC dispatch
// under mu.
type conn struct {
	w       *Worker
	acc     *accounts.Account
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	session Session
}

func newConn(w *Worker, acc *accounts.Account) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		w:      w,
		acc:    acc,
		logger: w.logger.With(zap.String("account", acc.ID)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// stop closes the session and waits for the run loop to finish.
func (c *conn) stop() {
	c.cancel()
	c.mu.Lock()
	if c.session != nil {
		_ = c.session.Close()
	}
	c.mu.Unlock()
	<-c.done
}

// run drives the account through its lifecycle. It exits when the session
// ends or the conn is stopped; reconnection is the assignment controller's
// job, reached through the OnDisconnect callback.
func (c *conn) run() {
	defer close(c.done)
	ctx := c.ctx

	if !c.acc.HasCredentials() {
		c.setState(accounts.StateUnset, nil)
		return
	}

	c.setState(accounts.StateConnecting, nil)
	c.log("info", "connecting")

	session, err := c.w.cfg.Dial(ctx, c.acc)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			c.setState(accounts.StateAuthError, &accounts.LastError{
				Code:    "AuthenticationFailed",
				Message: err.Error(),
				Time:    time.Now().UTC(),
			})
			c.emit(events.AuthenticationError, map[string]string{"error": err.Error()})
			c.log("error", "authentication rejected")
			// Parked until the operator changes credentials; an update
			// announcement triggers reassignment.
			return
		}
		c.setState(accounts.StateConnectError, &accounts.LastError{
			Code:    "ConnectFailed",
			Message: err.Error(),
			Time:    time.Now().UTC(),
		})
		c.emit(events.ConnectError, map[string]string{"error": err.Error()})
		c.log("error", "connection failed")
		c.reportDisconnect()
		return
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.setState(accounts.StateSyncing, nil)
	if _, err := session.Mailboxes(ctx); err != nil {
		if ctx.Err() == nil {
			c.setState(accounts.StateConnectError, &accounts.LastError{
				Code:    "SyncFailed",
				Message: err.Error(),
				Time:    time.Now().UTC(),
			})
			c.log("error", "mailbox discovery failed")
			c.reportDisconnect()
		}
		_ = session.Close()
		return
	}

	c.setState(accounts.StateConnected, nil)
	c.log("info", "connected")

	for change := range session.Changes() {
		c.handleChange(change)
	}

	// Stream closed: either a deliberate stop or a dropped connection.
	if ctx.Err() != nil {
		c.setState(accounts.StateDisconnected, nil)
		return
	}
	c.setState(accounts.StateDisconnected, nil)
	c.log("warn", "connection lost")
	c.reportDisconnect()
}

func (c *conn) reportDisconnect() {
	if c.w.cfg.OnDisconnect != nil {
		c.w.cfg.OnDisconnect(c.acc.ID)
	}
}

func (c *conn) setState(state accounts.State, lastErr *accounts.LastError) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.w.cfg.Registry.SetState(ctx, c.acc.ID, state, lastErr); err != nil {
		c.logger.Error("failed to persist state",
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

// handleChange turns a session observation into a notification job.
func (c *conn) handleChange(change Change) {
	kind, ok := eventKind(change.Kind)
	if !ok {
		return
	}

	// notifyFrom gates messageNew: messages that arrived before the
	// watermark never produce events, so enabling an account on a large
	// mailbox does not flood the webhook.
	if kind == events.MessageNew && !c.acc.NotifyFrom.IsZero() &&
		!change.Date.IsZero() && change.Date.Before(c.acc.NotifyFrom) {
		return
	}

	c.emit(kind, change.Data)
}

func eventKind(k ChangeKind) (events.Kind, bool) {
	switch k {
	case ChangeMessageNew:
		return events.MessageNew, true
	case ChangeMessageDeleted:
		return events.MessageDeleted, true
	case ChangeMessageUpdated:
		return events.MessageUpdated, true
	case ChangeMailboxNew:
		return events.MailboxNew, true
	case ChangeMailboxDeleted:
		return events.MailboxDeleted, true
	case ChangeMailboxReset:
		return events.MailboxReset, true
	}
	return "", false
}

// emit enqueues one event envelope on the notify queue, in observation
// order for this connection.
func (c *conn) emit(kind events.Kind, data any) {
	env, err := events.New(c.acc.ID, kind, data)
	if err != nil {
		c.logger.Error("failed to build event", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to encode event", zap.String("event", string(kind)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.w.cfg.Queue.Enqueue(ctx, queue.Notify, payload, queue.Options{
		Attempts:  notifyAttempts,
		BaseDelay: notifyBaseDelay,
	}); err != nil {
		c.logger.Error("failed to enqueue event", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	if c.w.cfg.OnEmitted != nil {
		c.w.cfg.OnEmitted(kind)
	}
	c.log("info", "event "+string(kind))
}

// log appends to the account's log ring when logging is enabled for it.
func (c *conn) log(level, message string) {
	if !c.acc.Logs || c.w.cfg.Logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.w.cfg.Logs.Append(ctx, c.acc.ID, accounts.LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
		CID:     c.w.cfg.ID,
	})
}

// liveSession returns the account's session when connected.
func (c *conn) liveSession() (Session, *control.CallError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, &control.CallError{
			Message:    "Requested account is not connected",
			Code:       "NotConnected",
			StatusCode: 503,
		}
	}
	return c.session, nil
}
