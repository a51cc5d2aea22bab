package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftmail-io/driftmail/internal/kv"
)

// LogEntry is one line in an account's log ring.
type LogEntry struct {
	Time    time.Time `msgpack:"ts"`
	Level   string    `msgpack:"level"`
	Message string    `msgpack:"msg"`
	CID     string    `msgpack:"cid,omitempty"`
}

// LogRing is the bounded per-account log, stored as a Redis list of
// MessagePack entries. The owning worker appends; the API reads.
type LogRing struct {
	store   *kv.Store
	maxLines int64
}

// NewLogRing creates a LogRing capped at maxLines entries per account.
func NewLogRing(store *kv.Store, maxLines int) *LogRing {
	if maxLines <= 0 {
		maxLines = 10000
	}
	return &LogRing{store: store, maxLines: int64(maxLines)}
}

// Append pushes an entry and trims the ring to its cap.
func (l *LogRing) Append(ctx context.Context, account string, entry LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("accounts: encode log entry: %w", err)
	}

	key := l.store.Keys().AccountLog(account)
	pipe := l.store.Redis().TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -l.maxLines, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("accounts: append log for %s: %w", account, err)
	}
	return nil
}

// Read returns the ring's entries, oldest first.
func (l *LogRing) Read(ctx context.Context, account string) ([]LogEntry, error) {
	raws, err := l.store.Redis().LRange(ctx, l.store.Keys().AccountLog(account), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("accounts: read log for %s: %w", account, err)
	}

	entries := make([]LogEntry, 0, len(raws))
	for _, raw := range raws {
		var entry LogEntry
		if err := msgpack.Unmarshal([]byte(raw), &entry); err != nil {
			// Skip undecodable entries rather than failing the whole read.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
