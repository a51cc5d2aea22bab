package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/events"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/settings"
)

// SettingsHandler serves the global settings hash and the webhook test
// endpoint.
type SettingsHandler struct {
	settings *settings.Store
	engine   *queue.Engine
	logger   *zap.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(store *settings.Store, engine *queue.Engine, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings: store,
		engine:   engine,
		logger:   logger.Named("settings_handler"),
	}
}

// Get handles GET /api/v1/settings. The service secret never leaves the
// process; everything else is returned in its stored form.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	all, err := h.settings.All(r.Context())
	if err != nil {
		h.logger.Error("failed to load settings", zap.Error(err))
		ErrInternal(w)
		return
	}
	delete(all, settings.KeyServiceSecret)
	Ok(w, all)
}

// Put handles PUT /api/v1/settings. The body is a flat object of settings
// entries; only the provided keys are written. The service secret is not
// writable through the API.
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if !decodeJSON(w, r, &patch) {
		return
	}
	if _, ok := patch[settings.KeyServiceSecret]; ok {
		ErrBadRequest(w, "serviceSecret is not writable")
		return
	}

	for key, raw := range patch {
		// Strings are stored bare, everything else in its JSON form, so
		// typed readers keep working on both layouts.
		value := string(raw)
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			value = s
		}
		if err := h.settings.Set(r.Context(), key, value); err != nil {
			h.logger.Error("failed to write setting", zap.String("key", key), zap.Error(err))
			ErrInternal(w)
			return
		}
	}
	NoContent(w)
}

// WebhookTest handles POST /api/v1/settings/webhooks/test: it enqueues a
// test event through the regular notification pipeline so the whole path
// (queue, signature, endpoint) is exercised, not just the URL.
func (h *SettingsHandler) WebhookTest(w http.ResponseWriter, r *http.Request) {
	env, err := events.New("", events.Test, map[string]string{"origin": "api"})
	if err != nil {
		ErrInternal(w)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		ErrInternal(w)
		return
	}

	id, err := h.engine.Enqueue(r.Context(), queue.Notify, payload, queue.Options{
		Attempts:  3,
		BaseDelay: 5 * time.Second,
	})
	if err != nil {
		h.logger.Error("failed to enqueue test event", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{"jobId": id, "nonce": env.Nonce})
}
