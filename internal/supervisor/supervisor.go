// Package supervisor wires the engine together and keeps it running: it
// owns the worker pools, the assignment controller, the control-channel
// subscription, cross-worker call routing and the maintenance schedule.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/assign"
	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/events"
	"github.com/driftmail-io/driftmail/internal/imapworker"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/metrics"
	"github.com/driftmail-io/driftmail/internal/notifyworker"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/settings"
	"github.com/driftmail-io/driftmail/internal/submitworker"
	"github.com/driftmail-io/driftmail/internal/websocket"
)

// Maintenance cadence. The promoter must tick fast enough that short
// backoffs (sub-second base delays) are honored promptly.
const (
	promoteEvery = time.Second
	reapEvery    = 15 * time.Second
	statsEvery   = 30 * time.Second
)

// defaultDrainTimeout bounds shutdown: after this long, in-flight queue
// jobs are abandoned and recovered later through lease expiry.
const defaultDrainTimeout = 2500 * time.Millisecond

// Config for a Supervisor.
type Config struct {
	Store    *kv.Store
	Registry *accounts.Registry
	Logs     *accounts.LogRing
	Settings *settings.Store
	Engine   *queue.Engine
	Blobs    *outbox.Store
	Metrics  *metrics.Metrics
	Stats    *metrics.DailyStats
	Hub      *websocket.Hub
	Dial     imapworker.Dialer
	Logger   *zap.Logger

	// Pool sizes. Zero values get sensible defaults.
	IMAPWorkers   int
	SubmitWorkers int
	NotifyWorkers int

	// UserAgent identifies webhook deliveries.
	UserAgent string

	// QueueLease is the reservation lease for queue jobs.
	QueueLease time.Duration

	// OnSMTPReload restarts the reception server when a reload is
	// announced on the control channel. Optional.
	OnSMTPReload func(ctx context.Context)

	DrainTimeout time.Duration
}

// Supervisor is the engine runtime. Create with New, then Run.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	controller *assign.Controller
	calls      *control.CallQueue

	imapWorkers   []*imapworker.Worker
	submitWorkers []*submitworker.Worker
	notifyWorkers []*notifyworker.Worker

	wg sync.WaitGroup
}

// New builds the worker pools and the assignment controller. Nothing runs
// until Run is called.
func New(cfg Config) *Supervisor {
	if cfg.IMAPWorkers <= 0 {
		cfg.IMAPWorkers = 4
	}
	if cfg.SubmitWorkers <= 0 {
		cfg.SubmitWorkers = 2
	}
	if cfg.NotifyWorkers <= 0 {
		cfg.NotifyWorkers = 2
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.Named("supervisor"),
		calls:  control.NewCallQueue(),
	}

	// The cooldown hook publishes disconnected so API reads stay accurate
	// while a damped account waits for reassignment.
	s.controller = assign.New(cfg.Logger, func(account string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cfg.Registry.SetState(ctx, account, accounts.StateDisconnected, nil); err != nil {
			s.logger.Warn("failed to publish cooldown state",
				zap.String("account", account), zap.Error(err))
		}
	})

	for i := 0; i < cfg.IMAPWorkers; i++ {
		s.imapWorkers = append(s.imapWorkers, imapworker.New(imapworker.Config{
			ID:           fmt.Sprintf("imap-%d", i+1),
			Registry:     cfg.Registry,
			Logs:         cfg.Logs,
			Queue:        cfg.Engine,
			Outbox:       cfg.Blobs,
			Dial:         cfg.Dial,
			Logger:       cfg.Logger,
			OnDisconnect: s.controller.AccountDisconnected,
			OnEmitted:    s.eventEmitted,
		}))
	}
	for i := 0; i < cfg.SubmitWorkers; i++ {
		s.submitWorkers = append(s.submitWorkers, submitworker.New(submitworker.Config{
			ID:      fmt.Sprintf("submit-%d", i+1),
			Engine:  cfg.Engine,
			Blobs:   cfg.Blobs,
			Router:  s,
			Logger:  cfg.Logger,
			Lease:   cfg.QueueLease,
			Observe: s.observeJob(queue.Submit),
		}))
	}
	for i := 0; i < cfg.NotifyWorkers; i++ {
		s.notifyWorkers = append(s.notifyWorkers, notifyworker.New(notifyworker.Config{
			ID:        fmt.Sprintf("notify-%d", i+1),
			Engine:    cfg.Engine,
			Settings:  cfg.Settings,
			Logger:    cfg.Logger,
			UserAgent: cfg.UserAgent,
			Metrics:   cfg.Metrics,
			Lease:     cfg.QueueLease,
			Observe:   s.observeJob(queue.Notify),
		}))
	}
	return s
}

// Run starts everything and blocks until ctx is cancelled, then drains.
func (s *Supervisor) Run(ctx context.Context) error {
	// Subscribe before loading the account set so no lifecycle message
	// falls between the initial load and the first received message.
	sub := s.cfg.Store.Subscribe(ctx)
	defer func() { _ = sub.Close() }()

	go s.controller.Run(ctx)
	go s.cfg.Hub.Run(ctx)

	for _, w := range s.imapWorkers {
		s.controller.WorkerReady(w)
	}

	ids, err := s.cfg.Registry.IDs(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: initial account load: %w", err)
	}
	for _, id := range ids {
		s.controller.AddAccount(id)
	}
	s.logger.Info("engine started",
		zap.Int("accounts", len(ids)),
		zap.Int("imap_workers", len(s.imapWorkers)),
		zap.Int("submit_workers", len(s.submitWorkers)),
		zap.Int("notify_workers", len(s.notifyWorkers)),
	)

	for _, w := range s.submitWorkers {
		w := w
		s.wg.Add(1)
		go func() { defer s.wg.Done(); w.Run(ctx) }()
	}
	for _, w := range s.notifyWorkers {
		w := w
		s.wg.Add(1)
		go func() { defer s.wg.Done(); w.Run(ctx) }()
	}

	sched, err := s.startScheduler(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case msg, ok := <-sub.Channel():
			if !ok {
				s.shutdown(sched)
				if ctx.Err() != nil {
					return nil
				}
				// Subscription lost; Redis being unreachable is fatal for
				// the control plane.
				return fmt.Errorf("supervisor: control channel closed")
			}
			s.handleControl(ctx, []byte(msg.Payload))

		case <-ctx.Done():
			s.shutdown(sched)
			return nil
		}
	}
}

// startScheduler sets up the periodic maintenance jobs: delayed-job
// promotion, lease reaping and stats sampling.
func (s *Supervisor) startScheduler(ctx context.Context) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("supervisor: scheduler: %w", err)
	}

	addJob := func(every time.Duration, task func()) error {
		_, err := sched.NewJob(gocron.DurationJob(every), gocron.NewTask(task))
		return err
	}

	if err := addJob(promoteEvery, func() { s.promote(ctx) }); err != nil {
		return nil, fmt.Errorf("supervisor: promoter job: %w", err)
	}
	if err := addJob(reapEvery, func() { s.reap(ctx) }); err != nil {
		return nil, fmt.Errorf("supervisor: reaper job: %w", err)
	}
	if err := addJob(statsEvery, func() { s.sampleStats(ctx) }); err != nil {
		return nil, fmt.Errorf("supervisor: stats job: %w", err)
	}

	sched.Start()
	return sched, nil
}

func (s *Supervisor) promote(ctx context.Context) {
	for _, q := range []string{queue.Submit, queue.Notify} {
		if _, err := s.cfg.Engine.Promote(ctx, q); err != nil && ctx.Err() == nil {
			s.logger.Warn("promotion failed", zap.String("queue", q), zap.Error(err))
		}
	}
}

func (s *Supervisor) reap(ctx context.Context) {
	for _, q := range []string{queue.Submit, queue.Notify} {
		if _, err := s.cfg.Engine.ReapLeases(ctx, q); err != nil && ctx.Err() == nil {
			s.logger.Warn("lease reap failed", zap.String("queue", q), zap.Error(err))
		}
	}
}

// sampleStats refreshes gauges and pushes a stats frame to the hub.
func (s *Supervisor) sampleStats(ctx context.Context) {
	connected := s.ConnectionCount()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectedAccounts.Set(float64(connected))
		s.cfg.Metrics.PendingCalls.Set(float64(s.calls.PendingCount()))
	}

	pending := make(map[string]int64, 2)
	for _, q := range []string{queue.Submit, queue.Notify} {
		n, err := s.cfg.Engine.Depth(ctx, q)
		if err != nil {
			continue
		}
		pending[q] = n
	}
	s.cfg.Hub.Publish("stats", websocket.Message{
		Type:  websocket.MsgStats,
		Topic: "stats",
		Payload: map[string]any{
			"connected": connected,
			"pending":   pending,
		},
	})
}

// handleControl reacts to one control-channel message.
func (s *Supervisor) handleControl(ctx context.Context, raw []byte) {
	var msg control.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("undecodable control message", zap.Error(err))
		return
	}

	switch msg.Cmd {
	case control.CmdNew:
		s.controller.AddAccount(msg.Account)

	case control.CmdDelete:
		s.controller.RemoveAccount(ctx, msg.Account)

	case control.CmdUpdate:
		// Connection-affecting change: bounce the session so the owning
		// worker reconnects with the fresh credentials.
		s.controller.RemoveAccount(ctx, msg.Account)
		s.controller.AddAccount(msg.Account)

	case control.CmdChange:
		s.broadcastChange(msg)

	case control.CmdSMTPReload:
		if s.cfg.OnSMTPReload != nil {
			s.cfg.OnSMTPReload(ctx)
		}

	default:
		// Settings and metrics messages need no supervisor action in a
		// single-process deployment.
	}
}

// broadcastChange fans an account state change out to websocket watchers.
func (s *Supervisor) broadcastChange(msg control.Message) {
	var payload map[string]any
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &payload)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["account"] = msg.Account

	frame := websocket.Message{
		Type:    websocket.MsgAccountState,
		Topic:   "account:" + msg.Account,
		Payload: payload,
	}
	s.cfg.Hub.Publish(frame.Topic, frame)
	frame.Topic = "accounts"
	s.cfg.Hub.Publish("accounts", frame)
}

// Call routes an account-scoped RPC to the owning IMAP worker through the
// correlation queue, bounding it with the default call timeout.
func (s *Supervisor) Call(ctx context.Context, account, op string, payload json.RawMessage) (json.RawMessage, *control.CallError) {
	owner, ok := s.controller.Owner(account)
	if !ok {
		return nil, control.ErrNoHandler()
	}
	caller, ok := owner.(interface {
		Call(ctx context.Context, account, op string, payload json.RawMessage) (json.RawMessage, *control.CallError)
	})
	if !ok {
		return nil, control.ErrNoHandler()
	}

	mid, ch := s.calls.Register()
	go func() {
		resp, callErr := caller.Call(ctx, account, op, payload)
		s.calls.Resolve(mid, control.Result{Response: resp, Err: callErr})
	}()

	res := s.calls.Await(ctx, mid, ch, 0)
	if res.Err != nil && res.Err.Code == "Timeout" && s.cfg.Metrics != nil {
		s.cfg.Metrics.CallTimeouts.Inc()
	}
	return res.Response, res.Err
}

// ConnectionCount sums hosted sessions over the IMAP pool.
func (s *Supervisor) ConnectionCount() int {
	total := 0
	for _, w := range s.imapWorkers {
		total += w.ConnectionCount()
	}
	return total
}

// Assignments reports accounts per worker and the unassigned pool size.
func (s *Supervisor) Assignments() (map[string]int, int) {
	return s.controller.Snapshot()
}

func (s *Supervisor) eventEmitted(kind events.Kind) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EventsEmitted.WithLabelValues(string(kind)).Inc()
	}
	if s.cfg.Stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.cfg.Stats.Incr(ctx, "events", 1)
	}
}

func (s *Supervisor) observeJob(q string) func(string) {
	return func(result string) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.JobsProcessed.WithLabelValues(q, result).Inc()
		}
	}
}

// shutdown stops maintenance, releases sessions and waits briefly for the
// queue workers. Whatever does not finish in time recovers through lease
// expiry on the next start.
func (s *Supervisor) shutdown(sched gocron.Scheduler) {
	s.logger.Info("draining", zap.Duration("timeout", s.cfg.DrainTimeout))
	if err := sched.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown failed", zap.Error(err))
	}

	for _, w := range s.imapWorkers {
		w.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("drained cleanly")
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("drain timeout reached, abandoning in-flight jobs")
	}
}
