// Package settings reads and writes the global settings hash.
//
// Entries are stored either as JSON strings or plain scalars — historical
// layout kept for compatibility with existing databases — so readers must
// tolerate both forms. Typed accessors for known keys live here; raw
// access is for the API settings endpoint and the scan command.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/driftmail-io/driftmail/internal/events"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/secrets"
)

// Well-known settings keys.
const (
	KeyWebhooksEnabled = "webhooksEnabled"
	KeyWebhookURL      = "webhooks"
	KeyWebhookEvents   = "webhookEvents"
	KeyWebhookHeaders  = "webhooksCustomHeaders"
	KeyNotifyText      = "notifyText"
	KeyNotifyTextSize  = "notifyTextSize"
	KeyServiceSecret   = "serviceSecret"
	KeySMTPEnabled     = "smtpServerEnabled"
	KeyQueueKeep       = "queueKeep"
)

// ErrNotFound is returned when a settings key has no value.
var ErrNotFound = errors.New("settings: not found")

// Store provides access to the settings hash.
type Store struct {
	store *kv.Store
}

// New creates a settings Store.
func New(store *kv.Store) *Store {
	return &Store{store: store}
}

// Get returns the raw stored value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.store.Redis().HGet(ctx, s.store.Keys().Settings(), key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("settings: get %s: %w", key, err)
	}
	return val, nil
}

// Set writes the raw value for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.store.Redis().HSet(ctx, s.store.Keys().Settings(), key, value).Err(); err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// All returns every settings entry. Values stay in their stored form.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	all, err := s.store.Redis().HGetAll(ctx, s.store.Keys().Settings()).Result()
	if err != nil {
		return nil, fmt.Errorf("settings: load all: %w", err)
	}
	return all, nil
}

// GetBool reads a boolean entry, accepting both JSON ("true") and scalar
// ("1") encodings. Missing keys return the provided default.
func (s *Store) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	val, err := s.Get(ctx, key)
	if err == ErrNotFound {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	switch val {
	case "true", "1":
		return true, nil
	case "false", "0", "":
		return false, nil
	}
	var b bool
	if err := json.Unmarshal([]byte(val), &b); err != nil {
		return def, nil
	}
	return b, nil
}

// SetBool stores a boolean entry in JSON form.
func (s *Store) SetBool(ctx context.Context, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

// GetInt reads an integer entry, accepting both JSON and scalar forms.
func (s *Store) GetInt(ctx context.Context, key string, def int) (int, error) {
	val, err := s.Get(ctx, key)
	if err == ErrNotFound {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	n, convErr := strconv.Atoi(val)
	if convErr != nil {
		return def, nil
	}
	return n, nil
}

// WebhookConfig is everything the notification worker needs to decide
// whether and how to deliver an event.
type WebhookConfig struct {
	Enabled bool
	URL     string

	// Events is the subscribed event set. Empty means all events.
	Events []events.Kind

	// CustomHeaders are extra headers added to every delivery.
	CustomHeaders map[string]string

	// IncludeText controls whether message text is embedded in messageNew
	// payloads, bounded by TextSizeLimit bytes.
	IncludeText   bool
	TextSizeLimit int
}

// Subscribed reports whether kind is in the configured event set.
func (c *WebhookConfig) Subscribed(kind events.Kind) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, k := range c.Events {
		if k == kind || k == "*" {
			return true
		}
	}
	return false
}

// LoadWebhookConfig reads the current webhook configuration. Called on
// every delivery so settings changes apply without restart.
func (s *Store) LoadWebhookConfig(ctx context.Context) (*WebhookConfig, error) {
	cfg := &WebhookConfig{TextSizeLimit: 1024 * 1024}

	enabled, err := s.GetBool(ctx, KeyWebhooksEnabled, false)
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled

	if cfg.URL, err = s.Get(ctx, KeyWebhookURL); err != nil && err != ErrNotFound {
		return nil, err
	}

	if raw, err := s.Get(ctx, KeyWebhookEvents); err == nil && raw != "" {
		var evs []events.Kind
		if jsonErr := json.Unmarshal([]byte(raw), &evs); jsonErr == nil {
			cfg.Events = evs
		}
	}

	if raw, err := s.Get(ctx, KeyWebhookHeaders); err == nil && raw != "" {
		var headers map[string]string
		if jsonErr := json.Unmarshal([]byte(raw), &headers); jsonErr == nil {
			cfg.CustomHeaders = headers
		}
	}

	if cfg.IncludeText, err = s.GetBool(ctx, KeyNotifyText, false); err != nil {
		return nil, err
	}
	if cfg.TextSizeLimit, err = s.GetInt(ctx, KeyNotifyTextSize, cfg.TextSizeLimit); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DisableWebhooks flips webhooksEnabled off. Called when the endpoint
// answers 404 or 410 — it is intentionally gone and further deliveries
// would only burn retries.
func (s *Store) DisableWebhooks(ctx context.Context) error {
	return s.SetBool(ctx, KeyWebhooksEnabled, false)
}

// ServiceSecret returns the process service secret, generating and
// persisting one on first use.
func (s *Store) ServiceSecret(ctx context.Context) (string, error) {
	secret, err := s.Get(ctx, KeyServiceSecret)
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && err != ErrNotFound {
		return "", err
	}

	secret, err = secrets.GenerateServiceSecret()
	if err != nil {
		return "", err
	}
	// HSETNX keeps a concurrently generated secret stable: whoever wrote
	// first wins and everyone re-reads.
	ok, err := s.store.Redis().HSetNX(ctx, s.store.Keys().Settings(), KeyServiceSecret, secret).Result()
	if err != nil {
		return "", fmt.Errorf("settings: persist service secret: %w", err)
	}
	if !ok {
		return s.Get(ctx, KeyServiceSecret)
	}
	return secret, nil
}

// QueueKeep returns the retention bound for finished queue entries.
// Zero means retain none.
func (s *Store) QueueKeep(ctx context.Context, def int) (int, error) {
	return s.GetInt(ctx, KeyQueueKeep, def)
}
