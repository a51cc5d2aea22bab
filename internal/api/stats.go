package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/metrics"
	"github.com/driftmail-io/driftmail/internal/queue"
)

// StatsHandler serves the daily activity counters and current queue depths.
type StatsHandler struct {
	stats  *metrics.DailyStats
	engine *queue.Engine
	caller Caller
	logger *zap.Logger
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(stats *metrics.DailyStats, engine *queue.Engine, caller Caller, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		stats:  stats,
		engine: engine,
		caller: caller,
		logger: logger.Named("stats_handler"),
	}
}

// Get handles GET /api/v1/stats. ?day=yyyymmdd selects the day (default
// today, UTC); ?counter= selects the series (default "events").
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	day := q.Get("day")
	if day == "" {
		day = time.Now().UTC().Format("20060102")
	}
	counter := q.Get("counter")
	if counter == "" {
		counter = "events"
	}

	samples, err := h.stats.Day(r.Context(), counter, day)
	if err != nil {
		h.logger.Error("failed to read stats", zap.Error(err))
		ErrInternal(w)
		return
	}

	pending := make(map[string]int64, 2)
	for _, name := range []string{queue.Submit, queue.Notify} {
		n, err := h.engine.Depth(r.Context(), name)
		if err != nil {
			continue
		}
		pending[name] = n
	}

	Ok(w, map[string]any{
		"day":       day,
		"counter":   counter,
		"samples":   samples,
		"pending":   pending,
		"connected": h.caller.ConnectionCount(),
	})
}
