// Package notifyworker drains the notify queue, delivering event envelopes
// to the configured webhook endpoint with an HMAC-signed body.
package notifyworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/events"
	"github.com/driftmail-io/driftmail/internal/metrics"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/secrets"
	"github.com/driftmail-io/driftmail/internal/settings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body, keyed
// with the service secret and encoded as unpadded base64url.
const SignatureHeader = "X-Driftmail-Signature"

// Config for a Worker.
type Config struct {
	ID       string
	Engine   *queue.Engine
	Settings *settings.Store
	Logger   *zap.Logger

	// UserAgent identifies deliveries, e.g. "driftmail/1.4.0 (+https://driftmail.io)".
	UserAgent string

	// Client performs the POSTs. Defaults to a client with a 30 s timeout.
	Client *http.Client

	// Metrics observes delivery durations and outcomes. Optional.
	Metrics *metrics.Metrics

	Lease time.Duration

	// Observe reports each job's outcome for metrics. Optional.
	Observe func(result string)
}

// Worker consumes notify jobs.
type Worker struct {
	cfg    Config
	logger *zap.Logger
	runner *queue.Runner
}

// New creates a notification Worker.
func New(cfg Config) *Worker {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	w := &Worker{
		cfg:    cfg,
		logger: cfg.Logger.Named("notify").With(zap.String("worker", cfg.ID)),
	}
	w.runner = queue.NewRunner(queue.RunnerConfig{
		Engine:   cfg.Engine,
		Queue:    queue.Notify,
		WorkerID: cfg.ID,
		Handler:  w.handle,
		Lease:    cfg.Lease,
		Observe:  cfg.Observe,
		Logger:   cfg.Logger,
	})
	return w
}

// Run processes notifications until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.runner.Run(ctx)
}

// handle delivers one event envelope.
func (w *Worker) handle(ctx context.Context, job *queue.Job) queue.Outcome {
	var env events.Envelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return queue.Discard(fmt.Errorf("notifyworker: undecodable envelope: %w", err))
	}

	// Config is reloaded per delivery so settings changes apply without a
	// restart — and so a disable flipped mid-retry stops the remaining
	// attempts.
	cfg, err := w.cfg.Settings.LoadWebhookConfig(ctx)
	if err != nil {
		return queue.Retry(err)
	}
	if !cfg.Enabled || cfg.URL == "" {
		return queue.Ok("skipped")
	}
	if !cfg.Subscribed(env.Event) {
		return queue.Ok("skipped")
	}

	body := job.Payload
	if env.Event == events.MessageNew {
		if data, changed := applyTextPolicy(env.Data, cfg); changed {
			env.Data = data
			rebuilt, err := json.Marshal(env)
			if err != nil {
				return queue.Discard(fmt.Errorf("notifyworker: rebuild envelope: %w", err))
			}
			body = rebuilt
		}
	}

	status, err := w.deliver(ctx, cfg, body)
	if err != nil {
		w.count("error")
		return queue.Retry(err)
	}

	switch {
	case status >= 200 && status < 300:
		w.count("ok")
		return queue.Ok("delivered")

	case status == http.StatusNotFound || status == http.StatusGone:
		// The endpoint is intentionally gone. Stop delivering entirely
		// rather than burning retries on every future event.
		if err := w.cfg.Settings.DisableWebhooks(ctx); err != nil {
			w.logger.Error("failed to disable webhooks", zap.Error(err))
			return queue.Retry(err)
		}
		w.logger.Warn("webhook endpoint gone, webhooks disabled",
			zap.String("url", cfg.URL),
			zap.Int("status", status),
		)
		w.count("gone")
		return queue.Ok("endpoint gone, webhooks disabled")

	default:
		w.count(fmt.Sprintf("%dxx", status/100))
		return queue.Retry(fmt.Errorf("notifyworker: endpoint answered %d", status))
	}
}

// deliver POSTs the raw envelope. Returns the response status, or an error
// for transport failures.
func (w *Worker) deliver(ctx context.Context, cfg *settings.WebhookConfig, body []byte) (int, error) {
	target, basicUser, basicPass, err := splitBasicAuth(cfg.URL)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("notifyworker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}
	for k, v := range cfg.CustomHeaders {
		req.Header.Set(k, v)
	}
	if basicUser != "" || basicPass != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}

	secret, err := w.cfg.Settings.ServiceSecret(ctx)
	if err != nil {
		return 0, err
	}
	req.Header.Set(SignatureHeader, secrets.Sign(secret, body))

	start := time.Now()
	resp, err := w.cfg.Client.Do(req)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, fmt.Errorf("notifyworker: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

func (w *Worker) count(status string) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.WebhookDeliveries.WithLabelValues(status).Inc()
	}
}

// applyTextPolicy enforces the notifyText settings on a messageNew data
// payload: text is dropped entirely when inclusion is off, and truncated to
// the configured cap otherwise. Reports whether the payload changed.
func applyTextPolicy(data json.RawMessage, cfg *settings.WebhookConfig) (json.RawMessage, bool) {
	if len(data) == 0 {
		return data, false
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return data, false
	}
	text, ok := fields["text"].(string)
	if !ok {
		return data, false
	}

	switch {
	case !cfg.IncludeText:
		delete(fields, "text")
	case cfg.TextSizeLimit > 0 && len(text) > cfg.TextSizeLimit:
		// The cap is in bytes; back off to a rune boundary so the cut
		// never splits a multi-byte character.
		cut := cfg.TextSizeLimit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		fields["text"] = text[:cut]
	default:
		return data, false
	}

	rebuilt, err := json.Marshal(fields)
	if err != nil {
		return data, false
	}
	return rebuilt, true
}

// splitBasicAuth strips embedded userinfo from a URL, returning the clean
// URL and the credentials for an Authorization header.
func splitBasicAuth(raw string) (clean, user, pass string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("notifyworker: invalid webhook url: %w", err)
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}
	return u.String(), user, pass, nil
}
