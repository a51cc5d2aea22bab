package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/kv"
	"github.com/driftmail-io/driftmail/internal/metrics"
	"github.com/driftmail-io/driftmail/internal/queue"
	"github.com/driftmail-io/driftmail/internal/secrets"
	"github.com/driftmail-io/driftmail/internal/settings"
	"github.com/driftmail-io/driftmail/internal/tokens"
	"github.com/driftmail-io/driftmail/internal/websocket"
)

// fakeCaller records calls and returns a canned response or error.
type fakeCaller struct {
	lastAccount string
	lastOp      string
	lastPayload json.RawMessage

	resp    json.RawMessage
	callErr *control.CallError
}

func (f *fakeCaller) Call(_ context.Context, account, op string, payload json.RawMessage) (json.RawMessage, *control.CallError) {
	f.lastAccount = account
	f.lastOp = op
	f.lastPayload = payload
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.resp, nil
}

func (f *fakeCaller) ConnectionCount() int { return 1 }

type fixture struct {
	server   *httptest.Server
	registry *accounts.Registry
	settings *settings.Store
	engine   *queue.Engine
	caller   *fakeCaller
	apiToken string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := kv.NewWithClient(rdb, "test", zap.NewNop())
	tokenSvc := tokens.NewService(store)
	presented, _, err := tokenSvc.Issue(context.Background(), "test", []string{tokens.ScopeAPI})
	require.NoError(t, err)

	f := &fixture{
		registry: accounts.New(store, secrets.NewBox("test-key"), zap.NewNop()),
		settings: settings.New(store),
		engine:   queue.New(queue.Config{Store: store, Keep: 10, Logger: zap.NewNop()}),
		caller:   &fakeCaller{resp: json.RawMessage(`{"ok":true}`)},
		apiToken: presented,
	}
	router := NewRouter(RouterConfig{
		Registry: f.registry,
		Logs:     accounts.NewLogRing(store, 100),
		Settings: f.settings,
		Engine:   f.engine,
		Tokens:   tokenSvc,
		Caller:   f.caller,
		Metrics:  metrics.New(),
		Stats:    metrics.NewDailyStats(store, 0),
		Hub:      websocket.NewHub(),
		Logger:   zap.NewNop(),
	})
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.apiToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, into))
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/api/v1/accounts")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsRequiresMetricsScope(t *testing.T) {
	f := newFixture(t)
	// The fixture token only carries the api scope.
	resp := f.do(t, http.MethodGet, "/metrics", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAccountCRUDRedactsCredentials(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{
		"account": "a1",
		"email":   "a1@example.com",
		"imap":    map[string]any{"host": "mail.example.com", "port": 993, "tls": true, "user": "a1", "pass": "secret"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created accounts.Account
	decodeData(t, resp, &created)
	require.NotNil(t, created.IMAP)
	assert.Equal(t, "mail.example.com", created.IMAP.Host)
	assert.Empty(t, created.IMAP.Password)

	resp = f.do(t, http.MethodGet, "/api/v1/accounts/a1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got accounts.Account
	decodeData(t, resp, &got)
	assert.Equal(t, "a1", got.ID)
	assert.Empty(t, got.IMAP.Password)

	// The stored record keeps the real password.
	stored, err := f.registry.Load(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.IMAP.Password)

	resp = f.do(t, http.MethodDelete, "/api/v1/accounts/a1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/accounts/a1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestListMessagesProxiesToOwner(t *testing.T) {
	f := newFixture(t)
	f.caller.resp = json.RawMessage(`{"mailbox":"INBOX","total":1}`)

	resp := f.do(t, http.MethodGet, "/api/v1/accounts/a1/messages?mailbox=INBOX&page=2&pageSize=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data map[string]any
	decodeData(t, resp, &data)
	assert.Equal(t, "INBOX", data["mailbox"])

	assert.Equal(t, "a1", f.caller.lastAccount)
	assert.Equal(t, "listMessages", f.caller.lastOp)
	var params map[string]any
	require.NoError(t, json.Unmarshal(f.caller.lastPayload, &params))
	assert.Equal(t, "INBOX", params["mailbox"])
	assert.Equal(t, float64(2), params["page"])
}

func TestNoHandlerErrorKeepsItsStatus(t *testing.T) {
	f := newFixture(t)
	f.caller.callErr = control.ErrNoHandler()

	resp := f.do(t, http.MethodGet, "/api/v1/accounts/ghost/messages", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Contains(t, env.Error.Message, "No active handler")
}

func TestSubmitRoutesQueuedAndImmediate(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/accounts/a1/submit", map[string]any{
		"to": []string{"r@example.com"}, "raw": []byte("Subject: x\r\n\r\nhi"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	assert.Equal(t, "submitMessage", f.caller.lastOp)

	resp = f.do(t, http.MethodPost, "/api/v1/accounts/a1/submit", map[string]any{
		"to": []string{"r@example.com"}, "raw": []byte("hi"), "queue": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	assert.Equal(t, "queueMessage", f.caller.lastOp)
}

func TestSettingsHideServiceSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.settings.ServiceSecret(ctx)
	require.NoError(t, err)
	require.NoError(t, f.settings.Set(ctx, settings.KeyWebhookURL, "https://hooks.example.com"))

	resp := f.do(t, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all map[string]string
	decodeData(t, resp, &all)
	assert.NotContains(t, all, settings.KeyServiceSecret)
	assert.Equal(t, "https://hooks.example.com", all[settings.KeyWebhookURL])
}

func TestSettingsPutWritesTypedValues(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/api/v1/settings", map[string]any{
		settings.KeyWebhooksEnabled: true,
		settings.KeyWebhookURL:      "https://hooks.example.com",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	ctx := context.Background()
	enabled, err := f.settings.GetBool(ctx, settings.KeyWebhooksEnabled, false)
	require.NoError(t, err)
	assert.True(t, enabled)
	url, err := f.settings.Get(ctx, settings.KeyWebhookURL)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com", url)
}

func TestWebhookTestEnqueuesThroughPipeline(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/settings/webhooks/test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data map[string]string
	decodeData(t, resp, &data)
	assert.NotEmpty(t, data["jobId"])

	job, err := f.engine.Reserve(context.Background(), queue.Notify, "test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Contains(t, string(job.Payload), `"event":"test"`)
}
