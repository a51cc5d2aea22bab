// Package submitworker drains the submit queue. Each job references a
// durable message blob; the worker resolves the account's owning IMAP
// worker and asks it to send.
package submitworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/events"
	"github.com/driftmail-io/driftmail/internal/imapworker"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
)

// Router resolves account-scoped calls to the worker currently owning the
// account. Implemented by the supervisor.
type Router interface {
	Call(ctx context.Context, account, op string, payload json.RawMessage) (json.RawMessage, *control.CallError)
}

// Config for a Worker.
type Config struct {
	ID     string
	Engine *queue.Engine
	Blobs  *outbox.Store
	Router Router
	Logger *zap.Logger

	// Lease must exceed one full SMTP submission round trip.
	Lease time.Duration

	// Observe reports each job's outcome for metrics. Optional.
	Observe func(result string)
}

// Worker consumes submit jobs.
type Worker struct {
	cfg    Config
	logger *zap.Logger
	runner *queue.Runner
}

// New creates a submission Worker.
func New(cfg Config) *Worker {
	w := &Worker{
		cfg:    cfg,
		logger: cfg.Logger.Named("submit").With(zap.String("worker", cfg.ID)),
	}
	w.runner = queue.NewRunner(queue.RunnerConfig{
		Engine:   cfg.Engine,
		Queue:    queue.Submit,
		WorkerID: cfg.ID,
		Handler:  w.handle,
		Lease:    cfg.Lease,
		Observe:  cfg.Observe,
		Logger:   cfg.Logger,
	})
	return w
}

// Run processes submissions until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.runner.Run(ctx)
}

// handle processes one submit job.
func (w *Worker) handle(ctx context.Context, job *queue.Job) queue.Outcome {
	var ref outbox.SubmitPayload
	if err := json.Unmarshal(job.Payload, &ref); err != nil {
		return queue.Discard(fmt.Errorf("submitworker: undecodable payload: %w", err))
	}

	blob, err := w.cfg.Blobs.Get(ctx, ref.Account, ref.QueueID)
	if errors.Is(err, outbox.ErrNotFound) {
		// The account (or just this message) was deleted while the job
		// waited. Complete silently.
		w.logger.Debug("blob gone, dropping job",
			zap.String("account", ref.Account),
			zap.String("queue_id", ref.QueueID),
		)
		return queue.Ok("dropped")
	}
	if err != nil {
		return queue.Retry(err)
	}

	callPayload, err := json.Marshal(map[string]any{
		"from": blob.From,
		"to":   blob.To,
		"raw":  blob.Raw,
	})
	if err != nil {
		return queue.Discard(fmt.Errorf("submitworker: encode call: %w", err))
	}

	_, callErr := w.cfg.Router.Call(ctx, ref.Account, imapworker.OpSubmitMessage, callPayload)
	if callErr != nil {
		if callErr.StatusCode >= 500 && callErr.StatusCode < 600 && !transientStatus(callErr.StatusCode) {
			// Permanent upstream refusal; retrying cannot help.
			return queue.Discard(callErr)
		}
		return queue.Retry(callErr)
	}

	// Terminal success: the blob's job is done.
	if err := w.cfg.Blobs.Delete(ctx, ref.Account, ref.QueueID); err != nil {
		w.logger.Warn("failed to delete submitted blob",
			zap.String("account", ref.Account),
			zap.String("queue_id", ref.QueueID),
			zap.Error(err),
		)
	}
	w.logger.Info("message submitted",
		zap.String("account", ref.Account),
		zap.String("queue_id", ref.QueueID),
	)
	return queue.Ok("submitted")
}

// transientStatus reports 5xx codes that signal routing rather than
// upstream refusal: missing owner and call timeout both resolve themselves.
func transientStatus(code int) bool {
	return code == 503 || code == 504
}

// FailureHandler builds the terminal-failure hook for submit jobs: the blob
// is removed and the account owner is informed through a messageFailed
// notification.
func FailureHandler(blobs *outbox.Store, eng *queue.Engine, logger *zap.Logger) queue.FailedHandler {
	log := logger.Named("submit")
	return func(job *queue.Job) {
		if job.Queue != queue.Submit {
			return
		}
		var ref outbox.SubmitPayload
		if err := json.Unmarshal(job.Payload, &ref); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := blobs.Delete(ctx, ref.Account, ref.QueueID); err != nil {
			log.Warn("failed to delete blob of failed job",
				zap.String("account", ref.Account),
				zap.String("queue_id", ref.QueueID),
				zap.Error(err),
			)
		}

		env, err := events.New(ref.Account, events.MessageFailed, map[string]string{
			"queueId":   ref.QueueID,
			"messageId": ref.MessageID,
			"error":     job.Error,
		})
		if err != nil {
			return
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return
		}
		if _, err := eng.Enqueue(ctx, queue.Notify, payload, queue.Options{
			Attempts:  10,
			BaseDelay: 5 * time.Second,
		}); err != nil {
			log.Error("failed to enqueue messageFailed notification",
				zap.String("account", ref.Account),
				zap.Error(err),
			)
		}
	}
}
