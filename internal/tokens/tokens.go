// Package tokens issues and validates API access tokens.
//
// A token is a MessagePack record carried as unpadded base64url. The same
// encoding serves as the export format, so issue → export → import is a
// lossless round trip. The stored copy is authoritative: presenting a
// well-formed token whose id is not in the store (or whose key does not
// match) is rejected.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftmail-io/driftmail/internal/kv"
)

// Valid token scopes. "*" grants everything; "api" the JSON API; "metrics"
// the Prometheus endpoint.
const (
	ScopeAll     = "*"
	ScopeAPI     = "api"
	ScopeMetrics = "metrics"
)

var (
	// ErrInvalidScope is returned when an issued token requests a scope
	// outside the allowed set.
	ErrInvalidScope = errors.New("tokens: invalid scope")

	// ErrInvalidToken is returned for malformed, unknown or mismatched
	// tokens.
	ErrInvalidToken = errors.New("tokens: invalid token")
)

// Token is one issued API token.
type Token struct {
	ID          string    `msgpack:"id"`
	Key         []byte    `msgpack:"key"`
	Scopes      []string  `msgpack:"scopes"`
	Description string    `msgpack:"description,omitempty"`
	Created     time.Time `msgpack:"created"`
}

// HasScope reports whether the token authorizes the given scope.
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// Service manages the token store.
type Service struct {
	store *kv.Store
}

// NewService creates a token Service.
func NewService(store *kv.Store) *Service {
	return &Service{store: store}
}

// Issue creates, persists and encodes a new token.
func (s *Service) Issue(ctx context.Context, description string, scopes []string) (string, *Token, error) {
	if len(scopes) == 0 {
		scopes = []string{ScopeAPI}
	}
	for _, scope := range scopes {
		switch scope {
		case ScopeAll, ScopeAPI, ScopeMetrics:
		default:
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", nil, fmt.Errorf("tokens: failed to generate key: %w", err)
	}

	token := &Token{
		ID:          uuid.NewString(),
		Key:         key,
		Scopes:      scopes,
		Description: description,
		Created:     time.Now().UTC().Truncate(time.Second),
	}
	if err := s.save(ctx, token); err != nil {
		return "", nil, err
	}

	encoded, err := Encode(token)
	if err != nil {
		return "", nil, err
	}
	return encoded, token, nil
}

// Export re-encodes a stored token by id.
func (s *Service) Export(ctx context.Context, id string) (string, error) {
	token, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	return Encode(token)
}

// Import stores a previously exported token verbatim.
func (s *Service) Import(ctx context.Context, encoded string) (*Token, error) {
	token, err := Decode(encoded)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Authenticate validates a presented token string and returns the stored
// token it matches.
func (s *Service) Authenticate(ctx context.Context, presented string) (*Token, error) {
	claimed, err := Decode(presented)
	if err != nil {
		return nil, err
	}
	stored, err := s.load(ctx, claimed.ID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(claimed.Key, stored.Key) != 1 {
		return nil, ErrInvalidToken
	}
	return stored, nil
}

// Delete revokes a token by id. Idempotent.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Redis().HDel(ctx, s.store.Keys().Tokens(), id).Err(); err != nil {
		return fmt.Errorf("tokens: delete %s: %w", id, err)
	}
	return nil
}

// List returns every stored token.
func (s *Service) List(ctx context.Context) ([]*Token, error) {
	raws, err := s.store.Redis().HGetAll(ctx, s.store.Keys().Tokens()).Result()
	if err != nil {
		return nil, fmt.Errorf("tokens: list: %w", err)
	}
	out := make([]*Token, 0, len(raws))
	for _, raw := range raws {
		var token Token
		if err := msgpack.Unmarshal([]byte(raw), &token); err != nil {
			continue
		}
		out = append(out, &token)
	}
	return out, nil
}

func (s *Service) save(ctx context.Context, token *Token) error {
	raw, err := msgpack.Marshal(token)
	if err != nil {
		return fmt.Errorf("tokens: encode %s: %w", token.ID, err)
	}
	if err := s.store.Redis().HSet(ctx, s.store.Keys().Tokens(), token.ID, raw).Err(); err != nil {
		return fmt.Errorf("tokens: persist %s: %w", token.ID, err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*Token, error) {
	raw, err := s.store.Redis().HGet(ctx, s.store.Keys().Tokens(), id).Result()
	if err == redis.Nil {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("tokens: load %s: %w", id, err)
	}
	var token Token
	if err := msgpack.Unmarshal([]byte(raw), &token); err != nil {
		return nil, ErrInvalidToken
	}
	return &token, nil
}

// Encode serializes a token as unpadded base64url MessagePack.
func Encode(token *Token) (string, error) {
	raw, err := msgpack.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("tokens: encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode.
func Decode(encoded string) (*Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var token Token
	if err := msgpack.Unmarshal(raw, &token); err != nil {
		return nil, ErrInvalidToken
	}
	if token.ID == "" || len(token.Key) == 0 {
		return nil, ErrInvalidToken
	}
	return &token, nil
}
