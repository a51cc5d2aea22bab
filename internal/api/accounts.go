package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/imapworker"
)

// AccountHandler groups all account-related HTTP handlers.
type AccountHandler struct {
	registry *accounts.Registry
	logs     *accounts.LogRing
	caller   Caller
	logger   *zap.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(registry *accounts.Registry, logs *accounts.LogRing, caller Caller, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		registry: registry,
		logs:     logs,
		caller:   caller,
		logger:   logger.Named("account_handler"),
	}
}

// redact strips credential secrets from a record before it leaves the API.
// Hosts, ports and usernames stay visible so operators can verify configs.
func redact(acc *accounts.Account) *accounts.Account {
	out := *acc
	if acc.IMAP != nil {
		cfg := *acc.IMAP
		cfg.Password = ""
		out.IMAP = &cfg
	}
	if acc.SMTP != nil {
		cfg := *acc.SMTP
		cfg.Password = ""
		out.SMTP = &cfg
	}
	if acc.OAuth2 != nil {
		cfg := *acc.OAuth2
		cfg.RefreshToken = ""
		cfg.AccessToken = ""
		out.OAuth2 = &cfg
	}
	return &out
}

// List handles GET /api/v1/accounts. Supports ?state=, ?page= and
// ?pageSize= query parameters; page is zero-based.
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))

	state := accounts.State(q.Get("state"))
	if state != "" && !state.Valid() {
		ErrBadRequest(w, "unknown state filter: "+string(state))
		return
	}

	result, err := h.registry.List(r.Context(), state, page, pageSize)
	if err != nil {
		h.logger.Error("failed to list accounts", zap.Error(err))
		ErrInternal(w)
		return
	}
	for i, acc := range result.Accounts {
		result.Accounts[i] = redact(acc)
	}
	Ok(w, result)
}

// createAccountRequest is the JSON body for POST /api/v1/accounts.
type createAccountRequest struct {
	Account    string                 `json:"account"`
	Name       string                 `json:"name"`
	Email      string                 `json:"email"`
	NotifyFrom *time.Time             `json:"notifyFrom"`
	CopyOnSend bool                   `json:"copy"`
	Logs       bool                   `json:"logs"`
	IMAP       *accounts.IMAPConfig   `json:"imap"`
	SMTP       *accounts.SMTPConfig   `json:"smtp"`
	OAuth2     *accounts.OAuth2Config `json:"oauth2"`
}

// Create handles POST /api/v1/accounts. Creating an existing id overwrites
// the record and bounces the session.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Account == "" {
		ErrBadRequest(w, "account id is required")
		return
	}

	acc := &accounts.Account{
		ID:         req.Account,
		Name:       req.Name,
		Email:      req.Email,
		CopyOnSend: req.CopyOnSend,
		Logs:       req.Logs,
		IMAP:       req.IMAP,
		SMTP:       req.SMTP,
		OAuth2:     req.OAuth2,
	}
	if req.NotifyFrom != nil {
		acc.NotifyFrom = *req.NotifyFrom
	}

	if err := h.registry.Create(r.Context(), acc); err != nil {
		if errors.Is(err, accounts.ErrInvalidID) {
			ErrBadRequest(w, err.Error())
			return
		}
		h.logger.Error("failed to create account", zap.String("account", req.Account), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, redact(acc))
}

// GetByID handles GET /api/v1/accounts/{id}.
func (h *AccountHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	acc, err := h.registry.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, accounts.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to load account", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, redact(acc))
}

// updateAccountRequest is the JSON body for PATCH /api/v1/accounts/{id}.
// Absent fields are left unchanged.
type updateAccountRequest struct {
	Name       *string                `json:"name"`
	Email      *string                `json:"email"`
	NotifyFrom *time.Time             `json:"notifyFrom"`
	CopyOnSend *bool                  `json:"copy"`
	Logs       *bool                  `json:"logs"`
	IMAP       *accounts.IMAPConfig   `json:"imap"`
	SMTP       *accounts.SMTPConfig   `json:"smtp"`
	OAuth2     *accounts.OAuth2Config `json:"oauth2"`
}

// Update handles PATCH /api/v1/accounts/{id}. Credential changes bounce the
// session so the owning worker reconnects with the new configuration.
func (h *AccountHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acc, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), accounts.Patch{
		Name:       req.Name,
		Email:      req.Email,
		NotifyFrom: req.NotifyFrom,
		CopyOnSend: req.CopyOnSend,
		Logs:       req.Logs,
		IMAP:       req.IMAP,
		SMTP:       req.SMTP,
		OAuth2:     req.OAuth2,
	})
	if errors.Is(err, accounts.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to update account", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, redact(acc))
}

// Delete handles DELETE /api/v1/accounts/{id}. Idempotent.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.logger.Error("failed to delete account", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// GetLogs handles GET /api/v1/accounts/{id}/logs, returning the account's
// log ring oldest-first. Empty unless per-account logging is enabled.
func (h *AccountHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.logs.Read(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("failed to read account log", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, entries)
}

// proxy forwards an operation to the owning worker and writes its raw
// response, mapping structured call errors onto HTTP statuses.
func (h *AccountHandler) proxy(w http.ResponseWriter, r *http.Request, op string, params any) {
	payload, err := json.Marshal(params)
	if err != nil {
		ErrInternal(w)
		return
	}
	resp, callErr := h.caller.Call(r.Context(), chi.URLParam(r, "id"), op, payload)
	if callErr != nil {
		ErrCall(w, callErr)
		return
	}
	Ok(w, json.RawMessage(resp))
}

// ListMailboxes handles GET /api/v1/accounts/{id}/mailboxes.
func (h *AccountHandler) ListMailboxes(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, imapworker.OpListMailboxes, nil)
}

// ListMessages handles GET /api/v1/accounts/{id}/messages.
func (h *AccountHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	h.proxy(w, r, imapworker.OpListMessages, map[string]any{
		"mailbox":  q.Get("mailbox"),
		"page":     page,
		"pageSize": pageSize,
	})
}

// GetMessage handles GET /api/v1/accounts/{id}/messages/{uid}.
func (h *AccountHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseUint(chi.URLParam(r, "uid"), 10, 32)
	if err != nil {
		ErrBadRequest(w, "invalid message uid")
		return
	}
	h.proxy(w, r, imapworker.OpGetMessage, map[string]any{
		"mailbox": r.URL.Query().Get("mailbox"),
		"uid":     uint32(uid),
	})
}

// updateMessageRequest is the JSON body for PUT .../messages/{uid}.
type updateMessageRequest struct {
	Flags imapworker.FlagsPatch `json:"flags"`
}

// UpdateMessage handles PUT /api/v1/accounts/{id}/messages/{uid}.
func (h *AccountHandler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseUint(chi.URLParam(r, "uid"), 10, 32)
	if err != nil {
		ErrBadRequest(w, "invalid message uid")
		return
	}
	var req updateMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.proxy(w, r, imapworker.OpUpdateMessage, map[string]any{
		"mailbox": r.URL.Query().Get("mailbox"),
		"uid":     uint32(uid),
		"flags":   req.Flags,
	})
}

// DeleteMessage handles DELETE /api/v1/accounts/{id}/messages/{uid}.
func (h *AccountHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseUint(chi.URLParam(r, "uid"), 10, 32)
	if err != nil {
		ErrBadRequest(w, "invalid message uid")
		return
	}
	h.proxy(w, r, imapworker.OpDeleteMessage, map[string]any{
		"mailbox": r.URL.Query().Get("mailbox"),
		"uid":     uint32(uid),
	})
}

// mailboxRequest is the JSON body for mailbox create and delete.
type mailboxRequest struct {
	Path string `json:"path"`
}

// CreateMailbox handles POST /api/v1/accounts/{id}/mailboxes.
func (h *AccountHandler) CreateMailbox(w http.ResponseWriter, r *http.Request) {
	var req mailboxRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.proxy(w, r, imapworker.OpCreateMailbox, req)
}

// DeleteMailbox handles DELETE /api/v1/accounts/{id}/mailboxes.
func (h *AccountHandler) DeleteMailbox(w http.ResponseWriter, r *http.Request) {
	var req mailboxRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.proxy(w, r, imapworker.OpDeleteMailbox, req)
}

// Contacts handles GET /api/v1/accounts/{id}/contacts.
func (h *AccountHandler) Contacts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	h.proxy(w, r, imapworker.OpBuildContacts, map[string]any{
		"mailbox": r.URL.Query().Get("mailbox"),
		"limit":   limit,
	})
}

// submitRequest is the JSON body for POST /api/v1/accounts/{id}/submit.
// With queue true (or a sendAt in the future) the message is stored
// durably and submitted by the queue; otherwise it goes out immediately
// through the live session.
type submitRequest struct {
	From      string     `json:"from"`
	To        []string   `json:"to"`
	Raw       []byte     `json:"raw"`
	Queue     bool       `json:"queue"`
	QueueID   string     `json:"queueId"`
	MessageID string     `json:"messageId"`
	SendAt    *time.Time `json:"sendAt"`
}

// Submit handles POST /api/v1/accounts/{id}/submit.
func (h *AccountHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.To) == 0 || len(req.Raw) == 0 {
		ErrBadRequest(w, "recipients and message content are required")
		return
	}

	op := imapworker.OpSubmitMessage
	if req.Queue || req.SendAt != nil {
		op = imapworker.OpQueueMessage
	}
	h.proxy(w, r, op, map[string]any{
		"from":      req.From,
		"to":        req.To,
		"raw":       req.Raw,
		"queueId":   req.QueueID,
		"messageId": req.MessageID,
		"sendAt":    req.SendAt,
	})
}
