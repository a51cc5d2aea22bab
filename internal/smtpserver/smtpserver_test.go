package smtpserver

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/emersion/go-smtp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/secrets"
)

type fixture struct {
	registry *accounts.Registry
	blobs    *outbox.Store
	engine   *queue.Engine
	addr     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := kv.NewWithClient(rdb, "test", zap.NewNop())
	f := &fixture{
		registry: accounts.New(store, secrets.NewBox("test-key"), zap.NewNop()),
		blobs:    outbox.NewStore(store),
		engine:   queue.New(queue.Config{Store: store, Keep: 10, Logger: zap.NewNop()}),
	}

	srv := New(Config{
		Domain:   "localhost",
		Registry: f.registry,
		Blobs:    f.blobs,
		Engine:   f.engine,
		Logger:   zap.NewNop(),
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = l.Addr().String()
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return f
}

func (f *fixture) send(t *testing.T, from string, to string, body string) error {
	t.Helper()
	c, err := smtp.Dial(f.addr)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Hello("client.local"))
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	if err := c.Rcpt(to, nil); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func TestAcceptedMessageBecomesDurableSubmission(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Create(context.Background(), &accounts.Account{
		ID:    "a1",
		Email: "a1@example.com",
		SMTP:  &accounts.SMTPConfig{Host: "mail.example.com", Port: 465, TLS: true, User: "a1", Password: "pw"},
	}))

	require.NoError(t, f.send(t, "a1@example.com", "rcpt@example.org", "Subject: hi\r\n\r\nbody"))

	ctx := context.Background()
	job, err := f.engine.Reserve(ctx, queue.Submit, "test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	var ref outbox.SubmitPayload
	require.NoError(t, json.Unmarshal(job.Payload, &ref))
	assert.Equal(t, "a1", ref.Account)
	require.NotEmpty(t, ref.QueueID)

	blob, err := f.blobs.Get(ctx, "a1", ref.QueueID)
	require.NoError(t, err)
	assert.Equal(t, "a1@example.com", blob.From)
	assert.Equal(t, []string{"rcpt@example.org"}, blob.To)
	assert.Contains(t, string(blob.Raw), "Subject: hi")
}

func TestUnknownSenderIsRejected(t *testing.T) {
	f := newFixture(t)

	err := f.send(t, "stranger@example.com", "rcpt@example.org", "body")
	require.Error(t, err)

	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)

	// Nothing durable was created.
	job, rerr := f.engine.Reserve(context.Background(), queue.Submit, "test", time.Minute)
	require.NoError(t, rerr)
	assert.Nil(t, job)
}

func TestSenderMatchIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Create(context.Background(), &accounts.Account{
		ID:    "a1",
		Email: "A1@Example.com",
	}))

	require.NoError(t, f.send(t, "a1@example.com", "rcpt@example.org", "body"))

	job, err := f.engine.Reserve(context.Background(), queue.Submit, "test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
}
