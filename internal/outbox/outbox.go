// Package outbox stores durable copies of messages awaiting submission.
//
// A submit queue job carries only a small reference payload; the message
// itself lives in the iaq:{account} hash keyed by queueId, so losing the
// job never loses the message. Blobs are deleted only when the job reaches
// a terminal state.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftmail-io/driftmail/internal/kv"
)

// ErrNotFound is returned when no blob exists for a queueId. Submission
// treats it as a race with account deletion and drops the job silently.
var ErrNotFound = errors.New("outbox: message blob not found")

// Blob is one stored outbound message.
type Blob struct {
	QueueID   string    `msgpack:"queueId"`
	MessageID string    `msgpack:"messageId,omitempty"`
	From      string    `msgpack:"from"`
	To        []string  `msgpack:"to"`
	Raw       []byte    `msgpack:"raw"`
	Created   time.Time `msgpack:"created"`
}

// SubmitPayload is the submit queue job payload. It references a Blob.
type SubmitPayload struct {
	Account   string `json:"account"`
	QueueID   string `json:"queueId"`
	MessageID string `json:"messageId,omitempty"`
}

// UnmarshalJSON accepts the legacy "qId" key as an alias for "queueId".
// Writers always emit "queueId".
func (p *SubmitPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Account   string `json:"account"`
		QueueID   string `json:"queueId"`
		QID       string `json:"qId"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Account = raw.Account
	p.QueueID = raw.QueueID
	if p.QueueID == "" {
		p.QueueID = raw.QID
	}
	p.MessageID = raw.MessageID
	return nil
}

// Store reads and writes message blobs.
type Store struct {
	store *kv.Store
}

// NewStore creates a blob Store.
func NewStore(store *kv.Store) *Store {
	return &Store{store: store}
}

// Put writes a blob. Re-queuing the same queueId overwrites the prior blob
// (last-write-wins) so a resubmitted message is never delivered twice.
func (s *Store) Put(ctx context.Context, account string, blob *Blob) error {
	if blob.Created.IsZero() {
		blob.Created = time.Now().UTC()
	}
	raw, err := msgpack.Marshal(blob)
	if err != nil {
		return fmt.Errorf("outbox: encode blob %s/%s: %w", account, blob.QueueID, err)
	}
	key := s.store.Keys().AccountQueue(account)
	if err := s.store.Redis().HSet(ctx, key, blob.QueueID, raw).Err(); err != nil {
		return fmt.Errorf("outbox: store blob %s/%s: %w", account, blob.QueueID, err)
	}
	return nil
}

// Get loads a blob by queueId.
func (s *Store) Get(ctx context.Context, account, queueID string) (*Blob, error) {
	raw, err := s.store.Redis().HGet(ctx, s.store.Keys().AccountQueue(account), queueID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: load blob %s/%s: %w", account, queueID, err)
	}
	var blob Blob
	if err := msgpack.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, fmt.Errorf("outbox: decode blob %s/%s: %w", account, queueID, err)
	}
	return &blob, nil
}

// Delete drops a blob. Called only after its job is terminal.
func (s *Store) Delete(ctx context.Context, account, queueID string) error {
	if err := s.store.Redis().HDel(ctx, s.store.Keys().AccountQueue(account), queueID).Err(); err != nil {
		return fmt.Errorf("outbox: delete blob %s/%s: %w", account, queueID, err)
	}
	return nil
}
