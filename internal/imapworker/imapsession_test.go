package imapworker

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	imapserver "github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
)

// startMemoryIMAP serves go-imap's in-memory backend on a loopback port.
// The backend ships one user (username/password) with a message in INBOX.
func startMemoryIMAP(t *testing.T) (string, int) {
	t.Helper()
	srv := imapserver.New(memory.New())
	srv.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func dialMemorySession(t *testing.T) Session {
	t.Helper()
	host, port := startMemoryIMAP(t)
	d := NewNetDialer(nil, nil, zap.NewNop())
	sess, err := d.Dial(context.Background(), &accounts.Account{
		ID: "a1",
		IMAP: &accounts.IMAPConfig{
			Host:     host,
			Port:     port,
			User:     "username",
			Password: "password",
		},
	})
	require.NoError(t, err)
	return sess
}

// Close must end the change stream: the connection loop ranges over
// Changes() and only unwinds once the channel closes, so a stream left
// open wedges Unassign and the shutdown drain.
func TestCloseEndsChangeStream(t *testing.T) {
	sess := dialMemorySession(t)
	_ = sess.Close()

	drained := make(chan struct{})
	go func() {
		for range sess.Changes() {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("change stream still open after Close")
	}
}

func TestLiveSessionListsMailboxes(t *testing.T) {
	sess := dialMemorySession(t)
	defer func() { _ = sess.Close() }()

	boxes, err := sess.Mailboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "INBOX", boxes[0].Path)
	assert.Equal(t, uint32(1), boxes[0].Messages)
}

func TestLiveSessionFetchesMessages(t *testing.T) {
	sess := dialMemorySession(t)
	defer func() { _ = sess.Close() }()

	list, err := sess.ListMessages(context.Background(), "INBOX", 0, 10)
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.NotZero(t, list.Messages[0].UID)
}
