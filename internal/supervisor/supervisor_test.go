package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/imapworker"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/metrics"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/secrets"
	"github.com/driftmail-io/driftmail/internal/settings"
	"github.com/driftmail-io/driftmail/internal/websocket"
)

// stubSession answers the minimum the connection state machine needs; one
// fresh instance per dial so reconnects get their own change channel.
type stubSession struct {
	changes chan imapworker.Change
	once    sync.Once
}

func (s *stubSession) Changes() <-chan imapworker.Change { return s.changes }

func (s *stubSession) Close() error {
	s.once.Do(func() { close(s.changes) })
	return nil
}

func (s *stubSession) Mailboxes(context.Context) ([]*imapworker.MailboxInfo, error) {
	return []*imapworker.MailboxInfo{{Path: "INBOX"}}, nil
}

func (s *stubSession) ListMessages(_ context.Context, mailbox string, page, _ int) (*imapworker.MessageList, error) {
	return &imapworker.MessageList{Mailbox: mailbox, Total: 1, Page: page, Pages: 1,
		Messages: []*imapworker.MessageSummary{{UID: 9, Subject: "probe"}}}, nil
}

func (s *stubSession) GetMessage(context.Context, string, uint32) (*imapworker.Message, error) {
	return &imapworker.Message{}, nil
}
func (s *stubSession) GetText(context.Context, string, uint32, int) (string, error) {
	return "", nil
}
func (s *stubSession) GetRawMessage(context.Context, string, uint32) ([]byte, error) {
	return nil, nil
}
func (s *stubSession) GetAttachment(context.Context, string, uint32, string) (*imapworker.Attachment, error) {
	return &imapworker.Attachment{}, nil
}
func (s *stubSession) UpdateMessage(context.Context, string, uint32, imapworker.FlagsPatch) error {
	return nil
}
func (s *stubSession) MoveMessage(context.Context, string, uint32, string) error   { return nil }
func (s *stubSession) DeleteMessage(context.Context, string, uint32) error         { return nil }
func (s *stubSession) CreateMailbox(context.Context, string) error                 { return nil }
func (s *stubSession) DeleteMailbox(context.Context, string) error                 { return nil }
func (s *stubSession) UploadMessage(context.Context, string, []byte, []string) (uint32, error) {
	return 0, nil
}
func (s *stubSession) Contacts(context.Context, string, int) ([]*imapworker.Contact, error) {
	return nil, nil
}
func (s *stubSession) Submit(context.Context, string, []string, []byte) error { return nil }

type fixture struct {
	store    *kv.Store
	registry *accounts.Registry
	engine   *queue.Engine
	sup      *Supervisor
	cancel   context.CancelFunc
	done     chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := kv.NewWithClient(rdb, "test", zap.NewNop())
	f := &fixture{
		store:    store,
		registry: accounts.New(store, secrets.NewBox("test-key"), zap.NewNop()),
		engine:   queue.New(queue.Config{Store: store, Keep: 10, Logger: zap.NewNop()}),
		done:     make(chan error, 1),
	}
	f.sup = New(Config{
		Store:    store,
		Registry: f.registry,
		Logs:     accounts.NewLogRing(store, 100),
		Settings: settings.New(store),
		Engine:   f.engine,
		Blobs:    outbox.NewStore(store),
		Metrics:  metrics.New(),
		Hub:      websocket.NewHub(),
		Logger:   zap.NewNop(),
		Dial: func(ctx context.Context, acc *accounts.Account) (imapworker.Session, error) {
			return &stubSession{changes: make(chan imapworker.Change, 4)}, nil
		},
		IMAPWorkers:   2,
		SubmitWorkers: 1,
		NotifyWorkers: 1,
		DrainTimeout:  200 * time.Millisecond,
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(3 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
}

func (f *fixture) createAccount(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.registry.Create(context.Background(), &accounts.Account{
		ID:    id,
		Email: id + "@example.com",
		IMAP:  &accounts.IMAPConfig{Host: "mail.example.com", Port: 993, TLS: true, User: id, Password: "pw"},
		SMTP:  &accounts.SMTPConfig{Host: "mail.example.com", Port: 465, TLS: true, User: id, Password: "pw"},
	}))
}

func (f *fixture) waitState(t *testing.T, id string, want accounts.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		acc, err := f.registry.Load(context.Background(), id)
		return err == nil && acc.State == want
	}, 3*time.Second, 10*time.Millisecond, "account %s never reached %s", id, want)
}

func (f *fixture) announce(t *testing.T, cmd control.Cmd, account string) {
	t.Helper()
	raw, err := json.Marshal(control.Message{Cmd: cmd, Account: account})
	require.NoError(t, err)
	require.NoError(t, f.store.Publish(context.Background(), raw))
}

func TestStartupConnectsExistingAccounts(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "a1")
	f.createAccount(t, "a2")

	f.start(t)
	f.waitState(t, "a1", accounts.StateConnected)
	f.waitState(t, "a2", accounts.StateConnected)
	assert.Equal(t, 2, f.sup.ConnectionCount())

	perWorker, unassigned := f.sup.Assignments()
	assert.Equal(t, 0, unassigned)
	total := 0
	for _, n := range perWorker {
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestControlChannelAddAndDelete(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.createAccount(t, "a1")
	f.announce(t, control.CmdNew, "a1")
	f.waitState(t, "a1", accounts.StateConnected)
	assert.Equal(t, 1, f.sup.ConnectionCount())

	f.announce(t, control.CmdDelete, "a1")
	require.Eventually(t, func() bool {
		return f.sup.ConnectionCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUpdateBouncesTheSession(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "a1")
	f.start(t)
	f.waitState(t, "a1", accounts.StateConnected)

	f.announce(t, control.CmdUpdate, "a1")

	// The session is torn down and rebuilt; it must end up connected again
	// with exactly one hosted connection.
	f.waitState(t, "a1", accounts.StateConnected)
	require.Eventually(t, func() bool {
		return f.sup.ConnectionCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCallRoutesToOwningWorker(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "a1")
	f.start(t)
	f.waitState(t, "a1", accounts.StateConnected)

	payload, _ := json.Marshal(map[string]any{"mailbox": "INBOX", "page": 0, "pageSize": 10})
	resp, callErr := f.sup.Call(context.Background(), "a1", imapworker.OpListMessages, payload)
	require.Nil(t, callErr)

	var list imapworker.MessageList
	require.NoError(t, json.Unmarshal(resp, &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, uint32(9), list.Messages[0].UID)
}

func TestCallWithoutOwnerReturns503(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, callErr := f.sup.Call(context.Background(), "ghost", imapworker.OpListMessages, nil)
	require.NotNil(t, callErr)
	assert.Equal(t, 503, callErr.StatusCode)
	assert.Contains(t, callErr.Message, "No active handler")
}

func TestShutdownReleasesSessions(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "a1")
	f.start(t)
	f.waitState(t, "a1", accounts.StateConnected)

	f.cancel()
	select {
	case err := <-f.done:
		require.NoError(t, err)
		// Put the result back so the fixture cleanup, which also waits on
		// done, can observe termination too.
		f.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not drain")
	}
	assert.Equal(t, 0, f.sup.ConnectionCount())
}
