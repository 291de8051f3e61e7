package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tenantlink/pkg/credentials"
	"github.com/harun/tenantlink/pkg/network/networktest"
	"github.com/harun/tenantlink/pkg/session"
	"github.com/harun/tenantlink/pkg/tenants"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type apiEnv struct {
	server  *Server
	http    *httptest.Server
	manager *session.Manager
	factory *networktest.Factory
	tenants tenants.Provider
	keys    map[string]string
}

func newAPIEnv(t *testing.T, rateLimit int) *apiEnv {
	t.Helper()

	creds, err := credentials.NewStore(afero.NewMemMapFs(), "/data/credentials")
	require.NoError(t, err)

	u1, k1 := tenantWithKey(t, "u1")
	u2, k2 := tenantWithKey(t, "u2")
	provider := tenants.NewMemoryProvider(u1, u2)

	hub := NewHub(zerolog.Nop())
	factory := networktest.NewFactory()
	manager, err := session.NewManager(session.ManagerOptions{
		Factory:          factory,
		Credentials:      creds,
		Router:           session.NewRouter(hub, zerolog.Nop()),
		Logger:           zerolog.Nop(),
		OperationTimeout: time.Second,
	})
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Sessions:           manager,
		Tenants:            provider,
		Hub:                hub,
		Auth:               AuthConfig{AdminKey: testAdminKey, HMACSecret: testHMAC},
		RateLimitPerMinute: rateLimit,
		Logger:             zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
		_ = manager.Shutdown(ctx)
	})

	return &apiEnv{
		server:  srv,
		http:    ts,
		manager: manager,
		factory: factory,
		tenants: provider,
		keys:    map[string]string{"u1": k1, "u2": k2},
	}
}

type apiCall struct {
	method string
	path   string
	body   string
	header map[string]string
}

func (e *apiEnv) do(t *testing.T, c apiCall) (int, map[string]interface{}) {
	t.Helper()

	var body io.Reader
	if c.body != "" {
		body = bytes.NewBufferString(c.body)
	}
	req, err := http.NewRequest(c.method, e.http.URL+c.path, body)
	require.NoError(t, err)
	for k, v := range c.header {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (e *apiEnv) asTenant(tenant string) map[string]string {
	return map[string]string{APIKeyHeader: e.keys[tenant]}
}

func asAdmin() map[string]string {
	return map[string]string{AdminKeyHeader: testAdminKey}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{Tenants: tenants.NewMemoryProvider()})
	assert.Error(t, err)

	_, err = NewServer(Config{Sessions: &session.Manager{}})
	assert.Error(t, err)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newAPIEnv(t, 1000)

	code, body := env.do(t, apiCall{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["sessions"])
}

func TestSessionRoutesRequireTenantCredentials(t *testing.T) {
	env := newAPIEnv(t, 1000)

	code, _ := env.do(t, apiCall{method: http.MethodPost, path: "/api/sessions/u1/"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = env.do(t, apiCall{method: http.MethodPost, path: "/api/sessions/u1/", header: env.asTenant("u2")})
	assert.Equal(t, http.StatusUnauthorized, code, "u2's key does not verify against u1")

	token := hmacToken(t, map[string]interface{}{"tenant": "u2"})
	code, _ = env.do(t, apiCall{
		method: http.MethodPost,
		path:   "/api/sessions/u1/",
		header: map[string]string{"Authorization": "Bearer " + token},
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, apiCall{method: http.MethodPost, path: "/api/sessions/bad.tenant/", header: asAdmin()})
	assert.Equal(t, http.StatusBadRequest, code)

	_, ok := env.manager.GetActiveConnection("u1")
	assert.False(t, ok, "rejected requests must not create sessions")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t, 1000)
	auth := env.asTenant("u1")

	code, body := env.do(t, apiCall{method: http.MethodPost, path: "/api/sessions/u1/", header: auth})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "u1", body["tenant"])

	client, ok := env.factory.Await("u1", waitFor)
	require.True(t, ok)

	code, _ = env.do(t, apiCall{method: http.MethodGet, path: "/api/sessions/u1/qr", header: auth})
	assert.Equal(t, http.StatusNotFound, code)

	client.EmitPairing("2@abc")
	require.Eventually(t, func() bool {
		code, body = env.do(t, apiCall{method: http.MethodGet, path: "/api/sessions/u1/qr", header: auth})
		return code == http.StatusOK
	}, waitFor, tick)
	assert.Equal(t, "2@abc", body["qr"])

	code, _ = env.do(t, apiCall{
		method: http.MethodPost,
		path:   "/api/sessions/u1/messages",
		body:   `{"to":"123@c.us","body":"hello"}`,
		header: auth,
	})
	assert.Equal(t, http.StatusConflict, code, "not connected yet")

	client.EmitReady()
	require.Eventually(t, func() bool {
		_, body = env.do(t, apiCall{method: http.MethodGet, path: "/api/sessions/u1/", header: auth})
		return body["state"] == string(session.StateConnected)
	}, waitFor, tick)

	code, body = env.do(t, apiCall{
		method: http.MethodPost,
		path:   "/api/sessions/u1/messages",
		body:   `{"to":"123@c.us","body":"hello"}`,
		header: auth,
	})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["id"])
	require.Len(t, client.Sent(), 1)

	code, _ = env.do(t, apiCall{method: http.MethodDelete, path: "/api/sessions/u1/", header: auth})
	assert.Equal(t, http.StatusOK, code)

	code, _ = env.do(t, apiCall{method: http.MethodGet, path: "/api/sessions/u1/", header: auth})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, apiCall{
		method: http.MethodPost,
		path:   "/api/sessions/u1/messages",
		body:   `{"to":"123@c.us","body":"hello"}`,
		header: auth,
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSendMessageValidatesBody(t *testing.T) {
	env := newAPIEnv(t, 1000)

	for _, body := range []string{``, `{"to":"x"}`, `{"to":"x","body":"y","extra":1}`, `not json`} {
		code, resp := env.do(t, apiCall{
			method: http.MethodPost,
			path:   "/api/sessions/u1/messages",
			body:   body,
			header: env.asTenant("u1"),
		})
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.NotEmpty(t, resp["error"])
	}
}

func TestListSessionsIsAdminOnly(t *testing.T) {
	env := newAPIEnv(t, 1000)

	code, _ := env.do(t, apiCall{method: http.MethodGet, path: "/api/sessions", header: env.asTenant("u1")})
	assert.Equal(t, http.StatusForbidden, code)

	_, err := env.manager.StartSession(context.Background(), "u1")
	require.NoError(t, err)

	code, body := env.do(t, apiCall{method: http.MethodGet, path: "/api/sessions", header: asAdmin()})
	require.Equal(t, http.StatusOK, code)
	sessions, ok := body["sessions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, sessions, 1)
}

func TestProvisionTenant(t *testing.T) {
	env := newAPIEnv(t, 1000)

	code, body := env.do(t, apiCall{
		method: http.MethodPut,
		path:   "/api/tenants/u3",
		body:   `{"webhook":{"url":"https://hooks.example.com/u3","trigger":"incoming","secret":"s3"}}`,
		header: asAdmin(),
	})
	require.Equal(t, http.StatusOK, code)
	key, _ := body["apiKey"].(string)
	require.True(t, strings.HasPrefix(key, tenants.APIKeyPrefix))
	assert.Equal(t, true, body["hasApiKey"])
	hook := body["webhook"].(map[string]interface{})
	assert.Equal(t, "incoming", hook["trigger"])
	assert.Equal(t, true, hook["hasSecret"])
	assert.NotContains(t, hook, "secret")

	stored, err := env.tenants.Get(context.Background(), "u3")
	require.NoError(t, err)
	assert.True(t, stored.VerifyAPIKey(key))

	code, body = env.do(t, apiCall{method: http.MethodPut, path: "/api/tenants/u3", body: `{}`, header: asAdmin()})
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "apiKey", "existing key is kept")
	assert.NotNil(t, body["webhook"])

	code, body = env.do(t, apiCall{method: http.MethodPut, path: "/api/tenants/u3", body: `{"webhook":null,"rotateKey":true}`, header: asAdmin()})
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "webhook")
	rotated, _ := body["apiKey"].(string)
	assert.NotEqual(t, key, rotated)

	code, _ = env.do(t, apiCall{method: http.MethodPut, path: "/api/tenants/u3", body: `{}`, header: env.asTenant("u1")})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, apiCall{
		method: http.MethodPut,
		path:   "/api/tenants/u4",
		body:   `{"webhook":{"url":"ftp://example.com"}}`,
		header: asAdmin(),
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTenantWebhookRoutes(t *testing.T) {
	env := newAPIEnv(t, 1000)
	auth := env.asTenant("u1")

	code, body := env.do(t, apiCall{
		method: http.MethodPut,
		path:   "/api/tenants/u1/webhook",
		body:   `{"url":"https://hooks.example.com/u1"}`,
		header: auth,
	})
	require.Equal(t, http.StatusOK, code)
	hook := body["webhook"].(map[string]interface{})
	assert.Equal(t, "both", hook["trigger"])
	assert.Equal(t, false, hook["hasSecret"])

	stored, err := env.tenants.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, stored.HasWebhook())
	assert.NotEmpty(t, stored.APIKeyHash, "setting a webhook keeps the api key")

	code, _ = env.do(t, apiCall{
		method: http.MethodPut,
		path:   "/api/tenants/u1/webhook",
		body:   `{"url":"https://x","trigger":"sideways"}`,
		header: auth,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, apiCall{
		method: http.MethodPut,
		path:   "/api/tenants/u2/webhook",
		body:   `{"url":"https://hooks.example.com/u2"}`,
		header: auth,
	})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = env.do(t, apiCall{method: http.MethodDelete, path: "/api/tenants/u1/webhook", header: auth})
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "webhook")

	stored, err = env.tenants.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, stored.HasWebhook())
}

func TestRateLimit(t *testing.T) {
	env := newAPIEnv(t, 2)
	auth := env.asTenant("u1")

	for i := 0; i < 2; i++ {
		code, _ := env.do(t, apiCall{method: http.MethodGet, path: "/api/sessions/u1/qr", header: auth})
		assert.Equal(t, http.StatusNotFound, code)
	}

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/sessions/u1/qr", nil)
	require.NoError(t, err)
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	code, _ := env.do(t, apiCall{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, code)
}

func TestTraceIDHeader(t *testing.T) {
	env := newAPIEnv(t, 1000)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Trace-Id", "trace-123")
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Trace-Id"))

	resp, err = env.http.Client().Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
}

func (e *apiEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?" + query
}

func TestWebSocketRejectsBadSubscribers(t *testing.T) {
	env := newAPIEnv(t, 1000)

	cases := map[string]struct {
		query string
		code  int
	}{
		"invalid tenant": {query: "tenant=a/b", code: http.StatusBadRequest},
		"no credentials": {query: "tenant=u1", code: http.StatusUnauthorized},
		"wrong key":      {query: "tenant=u1&api_key=" + env.keys["u2"], code: http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tc.query), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestWebSocketReceivesTenantEvents(t *testing.T) {
	env := newAPIEnv(t, 1000)

	u1, _, err := websocket.DefaultDialer.Dial(env.wsURL("tenant=u1&api_key="+env.keys["u1"]), nil)
	require.NoError(t, err)
	defer u1.Close()

	token := hmacToken(t, map[string]interface{}{"tenant": "u2"})
	u2, _, err := websocket.DefaultDialer.Dial(env.wsURL("tenant=u2&token="+token), nil)
	require.NoError(t, err)
	defer u2.Close()

	hub := env.server.Hub()
	require.Eventually(t, func() bool { return hub.RoomSize("u1") == 1 && hub.RoomSize("u2") == 1 }, waitFor, tick)

	code, _ := env.do(t, apiCall{method: http.MethodPost, path: "/api/sessions/u1/", header: env.asTenant("u1")})
	require.Equal(t, http.StatusAccepted, code)

	msg := readEvent(t, u1)
	assert.Equal(t, "status", msg.Event)
	assert.Equal(t, "u1", msg.Room)

	require.NoError(t, u2.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = u2.ReadMessage()
	assert.Error(t, err, "u2 must not see u1's events")

	_ = u1.Close()
	require.Eventually(t, func() bool { return hub.RoomSize("u1") == 0 }, waitFor, tick)
}

func TestWebSocketRefusedWhileShuttingDown(t *testing.T) {
	env := newAPIEnv(t, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("tenant=u1&api_key="+env.keys["u1"]), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(session.ErrNoSession))
	assert.Equal(t, http.StatusNotFound, statusFor(tenants.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(session.ErrNotConnected))
	assert.Equal(t, http.StatusBadRequest, statusFor(credentials.ValidateTenant("../x")))
	assert.Equal(t, http.StatusBadRequest, statusFor(&requestError{err: io.EOF}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
