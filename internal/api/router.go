package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/metrics"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/settings"
	"github.com/driftmail-io/driftmail/internal/tokens"
	"github.com/driftmail-io/driftmail/internal/websocket"
)

// Caller routes account-scoped operations to the owning IMAP worker.
// Implemented by the supervisor.
type Caller interface {
	Call(ctx context.Context, account, op string, payload json.RawMessage) (json.RawMessage, *control.CallError)
	ConnectionCount() int
}

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in main after all components are initialized and passed as
// a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Registry *accounts.Registry
	Logs     *accounts.LogRing
	Settings *settings.Store
	Engine   *queue.Engine
	Tokens   *tokens.Service
	Caller   Caller
	Metrics  *metrics.Metrics
	Stats    *metrics.DailyStats
	Hub      *websocket.Hub
	Logger   *zap.Logger
}

// NewRouter builds the fully configured Chi router. All resources live
// under /api/v1; /health is unauthenticated for load balancers, /metrics
// requires the metrics scope.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	accountHandler := NewAccountHandler(cfg.Registry, cfg.Logs, cfg.Caller, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Settings, cfg.Engine, cfg.Logger)
	statsHandler := NewStatsHandler(cfg.Stats, cfg.Engine, cfg.Caller, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Tokens, tokens.ScopeMetrics))
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			cfg.Metrics.Registry(), promhttp.HandlerOpts{},
		))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Tokens, tokens.ScopeAPI))

		// Accounts
		r.Get("/accounts", accountHandler.List)
		r.Post("/accounts", accountHandler.Create)
		r.Get("/accounts/{id}", accountHandler.GetByID)
		r.Patch("/accounts/{id}", accountHandler.Update)
		r.Delete("/accounts/{id}", accountHandler.Delete)
		r.Get("/accounts/{id}/logs", accountHandler.GetLogs)

		// Mailbox and message operations, proxied to the owning worker.
		r.Get("/accounts/{id}/mailboxes", accountHandler.ListMailboxes)
		r.Post("/accounts/{id}/mailboxes", accountHandler.CreateMailbox)
		r.Delete("/accounts/{id}/mailboxes", accountHandler.DeleteMailbox)
		r.Get("/accounts/{id}/messages", accountHandler.ListMessages)
		r.Get("/accounts/{id}/messages/{uid}", accountHandler.GetMessage)
		r.Put("/accounts/{id}/messages/{uid}", accountHandler.UpdateMessage)
		r.Delete("/accounts/{id}/messages/{uid}", accountHandler.DeleteMessage)
		r.Get("/accounts/{id}/contacts", accountHandler.Contacts)

		// Submission
		r.Post("/accounts/{id}/submit", accountHandler.Submit)

		// Settings
		r.Get("/settings", settingsHandler.Get)
		r.Put("/settings", settingsHandler.Put)
		r.Post("/settings/webhooks/test", settingsHandler.WebhookTest)

		// Stats
		r.Get("/stats", statsHandler.Get)

		// Live updates
		r.Get("/ws", wsHandler.Serve)
	})

	return r
}
