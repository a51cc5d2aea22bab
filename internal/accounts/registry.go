package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/secrets"
)

var (
	// ErrNotFound is returned when an account id is not registered.
	ErrNotFound = errors.New("accounts: not found")

	// ErrInvalidID is returned for empty or oversized account ids.
	ErrInvalidID = errors.New("accounts: invalid account id")
)

// Registry is the durable account catalog. All writes to account records go
// through it; the owning IMAP worker's writes are limited to state,
// lastError and the cached OAuth2 access token.
type Registry struct {
	store  *kv.Store
	box    *secrets.Box
	logger *zap.Logger
}

// New creates a Registry. box encrypts credential fields at rest.
func New(store *kv.Store, box *secrets.Box, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		box:    box,
		logger: logger.Named("accounts"),
	}
}

// Create writes the account record, adds it to the accounts set and
// announces it on the control channel. Idempotent: creating an existing id
// overwrites the record and announces an update instead.
func (r *Registry) Create(ctx context.Context, acc *Account) error {
	if acc.ID == "" || len(acc.ID) > MaxIDLength {
		return ErrInvalidID
	}
	if acc.State == "" {
		acc.State = StateInit
	}
	if acc.Created.IsZero() {
		acc.Created = time.Now().UTC()
	}

	existed, err := r.store.Redis().SIsMember(ctx, r.store.Keys().Accounts(), acc.ID).Result()
	if err != nil {
		return fmt.Errorf("accounts: membership check for %s: %w", acc.ID, err)
	}

	fields, err := r.recordFields(acc)
	if err != nil {
		return err
	}

	pipe := r.store.Redis().TxPipeline()
	pipe.HSet(ctx, r.store.Keys().Account(acc.ID), fields)
	pipe.SAdd(ctx, r.store.Keys().Accounts(), acc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("accounts: create %s: %w", acc.ID, err)
	}

	cmd := control.CmdNew
	if existed {
		cmd = control.CmdUpdate
	}
	r.publish(ctx, cmd, acc.ID)
	r.logger.Info("account registered",
		zap.String("account", acc.ID),
		zap.Bool("replaced", existed),
	)
	return nil
}

// Load returns the account record with credentials decrypted.
func (r *Registry) Load(ctx context.Context, id string) (*Account, error) {
	fields, err := r.store.Redis().HGetAll(ctx, r.store.Keys().Account(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("accounts: load %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return r.accountFromFields(fields)
}

// Update merges a partial patch into the record. When connection-affecting
// fields change, an update is announced so the owning worker reconnects.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*Account, error) {
	acc, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		acc.Name = *patch.Name
	}
	if patch.Email != nil {
		acc.Email = *patch.Email
	}
	if patch.NotifyFrom != nil && patch.NotifyFrom.After(acc.NotifyFrom) {
		// notifyFrom only moves forward.
		acc.NotifyFrom = *patch.NotifyFrom
	}
	if patch.CopyOnSend != nil {
		acc.CopyOnSend = *patch.CopyOnSend
	}
	if patch.Logs != nil {
		acc.Logs = *patch.Logs
	}
	if patch.IMAP != nil {
		acc.IMAP = patch.IMAP
	}
	if patch.SMTP != nil {
		acc.SMTP = patch.SMTP
	}
	if patch.OAuth2 != nil {
		acc.OAuth2 = patch.OAuth2
	}

	fields, err := r.recordFields(acc)
	if err != nil {
		return nil, err
	}
	if err := r.store.Redis().HSet(ctx, r.store.Keys().Account(id), fields).Err(); err != nil {
		return nil, fmt.Errorf("accounts: update %s: %w", id, err)
	}

	if patch.touchesConnection() {
		r.publish(ctx, control.CmdUpdate, id)
	}
	return acc, nil
}

// Delete removes an account and all state keyed on it. Credentials are
// tombstoned first so an in-flight worker sees authentication gone before
// the record disappears. Idempotent: deleting an absent id is a no-op.
func (r *Registry) Delete(ctx context.Context, id string) error {
	member, err := r.store.Redis().SIsMember(ctx, r.store.Keys().Accounts(), id).Result()
	if err != nil {
		return fmt.Errorf("accounts: membership check for %s: %w", id, err)
	}
	if !member {
		return nil
	}

	keys := r.store.Keys()
	rdb := r.store.Redis()

	// Tombstone credentials before anything else.
	if err := rdb.HDel(ctx, keys.Account(id), "imap", "smtp", "oauth2").Err(); err != nil {
		return fmt.Errorf("accounts: tombstone credentials for %s: %w", id, err)
	}

	pipe := rdb.TxPipeline()
	pipe.SRem(ctx, keys.Accounts(), id)
	pipe.Del(ctx, keys.Account(id), keys.AccountLog(id), keys.AccountQueue(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("accounts: delete %s: %w", id, err)
	}

	r.publish(ctx, control.CmdDelete, id)
	r.logger.Info("account deleted", zap.String("account", id))
	return nil
}

// IDs returns every registered account id.
func (r *Registry) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.Redis().SMembers(ctx, r.store.Keys().Accounts()).Result()
	if err != nil {
		return nil, fmt.Errorf("accounts: list ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Page is one page of a listing.
type Page struct {
	Accounts []*Account `json:"accounts"`
	Pages    int        `json:"pages"`
	Page     int        `json:"page"`
	Total    int        `json:"total"`
}

// List returns a page of accounts, optionally filtered by state.
// page is zero-based.
func (r *Registry) List(ctx context.Context, stateFilter State, page, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 0 {
		page = 0
	}

	ids, err := r.IDs(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*Account
	for _, id := range ids {
		acc, err := r.Load(ctx, id)
		if err == ErrNotFound {
			// Deleted between SMEMBERS and HGETALL.
			continue
		}
		if err != nil {
			return nil, err
		}
		if stateFilter != "" && acc.State != stateFilter {
			continue
		}
		matched = append(matched, acc)
	}

	total := len(matched)
	pages := (total + pageSize - 1) / pageSize
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &Page{
		Accounts: matched[start:end],
		Pages:    pages,
		Page:     page,
		Total:    total,
	}, nil
}

// SetState records a state transition for an account, with an optional
// error, and announces it as a change on the control channel. Called only
// by the owning IMAP worker.
func (r *Registry) SetState(ctx context.Context, id string, state State, lastErr *LastError) error {
	fields := map[string]any{"state": string(state)}
	if lastErr != nil {
		raw, err := json.Marshal(lastErr)
		if err != nil {
			return fmt.Errorf("accounts: marshal lastError for %s: %w", id, err)
		}
		fields["lastError"] = string(raw)
	}
	if err := r.store.Redis().HSet(ctx, r.store.Keys().Account(id), fields).Err(); err != nil {
		return fmt.Errorf("accounts: set state for %s: %w", id, err)
	}

	payload, _ := json.Marshal(map[string]string{"state": string(state)})
	r.publishMsg(ctx, control.Message{Cmd: control.CmdChange, Account: id, Payload: payload})
	return nil
}

// CacheAccessToken stores a refreshed OAuth2 access token with its expiry.
// Called only by the owning worker.
func (r *Registry) CacheAccessToken(ctx context.Context, id, token string, expires time.Time) error {
	acc, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if acc.OAuth2 == nil {
		return fmt.Errorf("accounts: %s has no oauth2 credentials", id)
	}
	acc.OAuth2.AccessToken = token
	acc.OAuth2.Expires = expires

	raw, err := r.marshalOAuth2(acc.OAuth2)
	if err != nil {
		return err
	}
	if err := r.store.Redis().HSet(ctx, r.store.Keys().Account(id), "oauth2", raw).Err(); err != nil {
		return fmt.Errorf("accounts: cache access token for %s: %w", id, err)
	}
	return nil
}

// --- hash encoding -----------------------------------------------------------

func (r *Registry) recordFields(acc *Account) (map[string]any, error) {
	fields := map[string]any{
		"account":    acc.ID,
		"name":       acc.Name,
		"email":      acc.Email,
		"state":      string(acc.State),
		"copy":       strconv.FormatBool(acc.CopyOnSend),
		"logs":       strconv.FormatBool(acc.Logs),
		"created":    acc.Created.UTC().Format(time.RFC3339),
		"notifyFrom": "",
	}
	if !acc.NotifyFrom.IsZero() {
		fields["notifyFrom"] = acc.NotifyFrom.UTC().Format(time.RFC3339)
	}
	if acc.LastError != nil {
		raw, err := json.Marshal(acc.LastError)
		if err != nil {
			return nil, fmt.Errorf("accounts: marshal lastError: %w", err)
		}
		fields["lastError"] = string(raw)
	}

	if acc.IMAP != nil {
		enc := *acc.IMAP
		sealed, err := r.box.Encrypt(enc.Password)
		if err != nil {
			return nil, err
		}
		enc.Password = sealed
		raw, err := json.Marshal(enc)
		if err != nil {
			return nil, fmt.Errorf("accounts: marshal imap config: %w", err)
		}
		fields["imap"] = string(raw)
	}
	if acc.SMTP != nil {
		enc := *acc.SMTP
		sealed, err := r.box.Encrypt(enc.Password)
		if err != nil {
			return nil, err
		}
		enc.Password = sealed
		raw, err := json.Marshal(enc)
		if err != nil {
			return nil, fmt.Errorf("accounts: marshal smtp config: %w", err)
		}
		fields["smtp"] = string(raw)
	}
	if acc.OAuth2 != nil {
		raw, err := r.marshalOAuth2(acc.OAuth2)
		if err != nil {
			return nil, err
		}
		fields["oauth2"] = raw
	}
	return fields, nil
}

func (r *Registry) marshalOAuth2(cfg *OAuth2Config) (string, error) {
	enc := *cfg
	sealed, err := r.box.Encrypt(enc.RefreshToken)
	if err != nil {
		return "", err
	}
	enc.RefreshToken = sealed
	raw, err := json.Marshal(enc)
	if err != nil {
		return "", fmt.Errorf("accounts: marshal oauth2 config: %w", err)
	}
	return string(raw), nil
}

func (r *Registry) accountFromFields(fields map[string]string) (*Account, error) {
	acc := &Account{
		ID:         fields["account"],
		Name:       fields["name"],
		Email:      fields["email"],
		State:      State(fields["state"]),
		CopyOnSend: fields["copy"] == "true",
		Logs:       fields["logs"] == "true",
	}
	if raw := fields["created"]; raw != "" {
		acc.Created, _ = time.Parse(time.RFC3339, raw)
	}
	if raw := fields["notifyFrom"]; raw != "" {
		acc.NotifyFrom, _ = time.Parse(time.RFC3339, raw)
	}
	if raw := fields["lastError"]; raw != "" {
		var le LastError
		if err := json.Unmarshal([]byte(raw), &le); err == nil {
			acc.LastError = &le
		}
	}

	if raw := fields["imap"]; raw != "" {
		var cfg IMAPConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("accounts: decode imap config for %s: %w", acc.ID, err)
		}
		pass, err := r.box.Decrypt(cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("accounts: imap credentials for %s: %w", acc.ID, err)
		}
		cfg.Password = pass
		acc.IMAP = &cfg
	}
	if raw := fields["smtp"]; raw != "" {
		var cfg SMTPConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("accounts: decode smtp config for %s: %w", acc.ID, err)
		}
		pass, err := r.box.Decrypt(cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("accounts: smtp credentials for %s: %w", acc.ID, err)
		}
		cfg.Password = pass
		acc.SMTP = &cfg
	}
	if raw := fields["oauth2"]; raw != "" {
		var cfg OAuth2Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("accounts: decode oauth2 config for %s: %w", acc.ID, err)
		}
		token, err := r.box.Decrypt(cfg.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("accounts: oauth2 credentials for %s: %w", acc.ID, err)
		}
		cfg.RefreshToken = token
		acc.OAuth2 = &cfg
	}
	return acc, nil
}

// --- control channel ---------------------------------------------------------

func (r *Registry) publish(ctx context.Context, cmd control.Cmd, account string) {
	r.publishMsg(ctx, control.Message{Cmd: cmd, Account: account})
}

func (r *Registry) publishMsg(ctx context.Context, msg control.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to marshal control message", zap.Error(err))
		return
	}
	if err := r.store.Publish(ctx, raw); err != nil {
		// Publication is best-effort: subscribers resync from the
		// accounts set on startup.
		r.logger.Warn("control publish failed",
			zap.String("cmd", string(msg.Cmd)),
			zap.String("account", msg.Account),
			zap.Error(err),
		)
	}
}
