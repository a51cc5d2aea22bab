// Package metrics aggregates engine counters two ways: a Prometheus
// registry scraped via /metrics, and daily counters persisted to Redis at
// minute resolution so the admin UI can chart activity without Prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftmail-io/driftmail/internal/kv"
)

// Metrics holds every engine-level collector. Constructed once in the
// supervisor and passed into component constructors — no globals.
type Metrics struct {
	registry *prometheus.Registry

	EventsEmitted     *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	WebhookDuration   prometheus.Histogram
	JobsProcessed     *prometheus.CounterVec
	ConnectedAccounts prometheus.Gauge
	CallTimeouts      prometheus.Counter
	PendingCalls      prometheus.Gauge
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftmail_events_emitted_total",
			Help: "Change events emitted by IMAP workers, by event kind.",
		}, []string{"event"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftmail_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by outcome status class.",
		}, []string{"status"}),
		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftmail_webhook_request_duration_seconds",
			Help:    "Webhook POST round-trip duration.",
			Buckets: prometheus.DefBuckets,
		}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftmail_queue_jobs_total",
			Help: "Queue jobs processed, by queue and result.",
		}, []string{"queue", "result"}),
		ConnectedAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftmail_connected_accounts",
			Help: "Accounts currently in the connected state.",
		}),
		CallTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftmail_call_timeouts_total",
			Help: "Cross-worker calls that exceeded their deadline.",
		}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftmail_pending_calls",
			Help: "Outstanding cross-worker calls awaiting a response.",
		}),
	}

	m.registry.MustRegister(
		m.EventsEmitted,
		m.WebhookDeliveries,
		m.WebhookDuration,
		m.JobsProcessed,
		m.ConnectedAccounts,
		m.CallTimeouts,
		m.PendingCalls,
	)
	return m
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// DailyStats persists counter increments to Redis keyed by day, with a
// per-minute subfield, so charts survive process restarts.
type DailyStats struct {
	store     *kv.Store
	retention time.Duration
	now       func() time.Time
}

// NewDailyStats creates a DailyStats writer. retention bounds how long
// daily keys live; the TTL applied is retention plus one day.
func NewDailyStats(store *kv.Store, retention time.Duration) *DailyStats {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &DailyStats{store: store, retention: retention, now: time.Now}
}

// Incr adds n to the named counter for the current minute of the day.
func (d *DailyStats) Incr(ctx context.Context, counter string, n int64) error {
	now := d.now().UTC()
	day := now.Format("20060102")
	minute := fmt.Sprintf("%04d", now.Hour()*60+now.Minute())
	key := d.store.Keys().Stats(counter, day)

	pipe := d.store.Redis().TxPipeline()
	pipe.HIncrBy(ctx, key, minute, n)
	pipe.Expire(ctx, key, d.retention+24*time.Hour)
	pipe.SAdd(ctx, d.store.Keys().StatsKeys(), counter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metrics: persist counter %s: %w", counter, err)
	}
	return nil
}

// Day returns the per-minute samples for counter on the given day
// (yyyymmdd), keyed by minute-of-day.
func (d *DailyStats) Day(ctx context.Context, counter, day string) (map[string]int64, error) {
	fields, err := d.store.Redis().HGetAll(ctx, d.store.Keys().Stats(counter, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: read counter %s/%s: %w", counter, day, err)
	}
	out := make(map[string]int64, len(fields))
	for minute, raw := range fields {
		var v int64
		_, _ = fmt.Sscan(raw, &v)
		out[minute] = v
	}
	return out, nil
}
