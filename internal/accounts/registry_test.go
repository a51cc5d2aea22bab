package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/secrets"
)

func newTestRegistry(t *testing.T) (*Registry, *kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.NewWithClient(rdb, "test", zap.NewNop())
	return New(store, secrets.NewBox("registry-key"), zap.NewNop()), store, mr
}

func testAccount(id string) *Account {
	return &Account{
		ID:    id,
		Name:  "Test User",
		Email: id + "@example.com",
		IMAP: &IMAPConfig{
			Host: "imap.example.com", Port: 993, TLS: true,
			User: id + "@example.com", Password: "imap-secret",
		},
		SMTP: &SMTPConfig{
			Host: "smtp.example.com", Port: 465, TLS: true,
			User: id + "@example.com", Password: "smtp-secret",
		},
	}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, testAccount("a1")))

	acc, err := reg.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", acc.ID)
	assert.Equal(t, StateInit, acc.State)
	assert.Equal(t, "imap-secret", acc.IMAP.Password)
	assert.Equal(t, "smtp-secret", acc.SMTP.Password)
}

func TestCredentialsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, testAccount("a1")))

	raw, err := store.Redis().HGet(ctx, store.Keys().Account("a1"), "imap").Result()
	require.NoError(t, err)
	assert.NotContains(t, raw, "imap-secret")

	var cfg IMAPConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.True(t, secrets.IsEncrypted(cfg.Password))
}

func TestUpdateMergesPatch(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	require.NoError(t, reg.Create(ctx, testAccount("a1")))

	name := "Renamed"
	copyOnSend := true
	updated, err := reg.Update(ctx, "a1", Patch{Name: &name, CopyOnSend: &copyOnSend})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.True(t, updated.CopyOnSend)

	// Untouched fields survive the merge.
	loaded, err := reg.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1@example.com", loaded.Email)
	assert.Equal(t, "imap-secret", loaded.IMAP.Password)
}

func TestNotifyFromIsMonotonic(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	require.NoError(t, reg.Create(ctx, testAccount("a1")))

	later := time.Now().UTC().Truncate(time.Second)
	_, err := reg.Update(ctx, "a1", Patch{NotifyFrom: &later})
	require.NoError(t, err)

	earlier := later.Add(-time.Hour)
	acc, err := reg.Update(ctx, "a1", Patch{NotifyFrom: &earlier})
	require.NoError(t, err)
	assert.Equal(t, later, acc.NotifyFrom, "notifyFrom must never move backwards")
}

func TestDeleteIsIdempotentAndDropsState(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t)
	require.NoError(t, reg.Create(ctx, testAccount("a1")))

	// Seed dependent keys that delete must drop.
	require.NoError(t, store.Redis().RPush(ctx, store.Keys().AccountLog("a1"), "x").Err())
	require.NoError(t, store.Redis().HSet(ctx, store.Keys().AccountQueue("a1"), "q1", "blob").Err())

	require.NoError(t, reg.Delete(ctx, "a1"))

	_, err := reg.Load(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), store.Redis().Exists(ctx, store.Keys().AccountLog("a1")).Val())
	assert.Equal(t, int64(0), store.Redis().Exists(ctx, store.Keys().AccountQueue("a1")).Val())

	// Second delete is a no-op.
	require.NoError(t, reg.Delete(ctx, "a1"))
}

func TestCreatePublishesOnControlChannel(t *testing.T) {
	ctx := context.Background()
	reg, store, _ := newTestRegistry(t)

	sub := store.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.Create(ctx, testAccount("a1")))

	msg, err := sub.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	payload, ok := msg.(*redis.Message)
	require.True(t, ok)

	var cm control.Message
	require.NoError(t, json.Unmarshal([]byte(payload.Payload), &cm))
	assert.Equal(t, control.CmdNew, cm.Cmd)
	assert.Equal(t, "a1", cm.Account)
}

func TestListFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Create(ctx, testAccount(fmt.Sprintf("acc-%d", i))))
	}
	require.NoError(t, reg.SetState(ctx, "acc-0", StateConnected, nil))
	require.NoError(t, reg.SetState(ctx, "acc-1", StateConnected, nil))

	page, err := reg.List(ctx, StateConnected, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = reg.List(ctx, "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.Pages)
	assert.Len(t, page.Accounts, 2)
}

func TestSetStateRecordsError(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	require.NoError(t, reg.Create(ctx, testAccount("a1")))

	require.NoError(t, reg.SetState(ctx, "a1", StateAuthError, &LastError{
		Code:    "AUTHENTICATIONFAILED",
		Message: "Invalid credentials",
		Time:    time.Now().UTC(),
	}))

	acc, err := reg.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StateAuthError, acc.State)
	require.NotNil(t, acc.LastError)
	assert.Equal(t, "AUTHENTICATIONFAILED", acc.LastError.Code)
}

func TestLogRingCapsEntries(t *testing.T) {
	ctx := context.Background()
	_, store, _ := newTestRegistry(t)
	ring := NewLogRing(store, 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, ring.Append(ctx, "a1", LogEntry{
			Level:   "info",
			Message: fmt.Sprintf("line %d", i),
		}))
	}

	entries, err := ring.Read(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "line 2", entries[0].Message)
	assert.Equal(t, "line 4", entries[2].Message)
}
