package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tenantlink/pkg/network"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type incoming struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// sidecar is a scripted bridge endpoint.
type sidecar struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	tenant   string
	requests []incoming
	errors   map[string]*Error
	repeat   int // extra copies of every response
}

func newSidecar(t *testing.T) (*sidecar, *httptest.Server) {
	t.Helper()
	sc := &sidecar{errors: make(map[string]*Error)}
	srv := httptest.NewServer(http.HandlerFunc(sc.serve))
	t.Cleanup(srv.Close)
	return sc, srv
}

func (s *sidecar) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.tenant = r.URL.Query().Get("tenant")
	s.mu.Unlock()

	for {
		var req incoming
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		rpcErr := s.errors[req.Method]
		repeat := s.repeat
		s.mu.Unlock()

		frame := map[string]interface{}{"id": req.ID}
		switch {
		case rpcErr != nil:
			frame["error"] = rpcErr
		case req.Method == MethodSendMessage:
			frame["result"] = map[string]string{"id": "msg-1"}
		case req.Method == MethodGetState:
			frame["result"] = map[string]string{"state": "CONNECTED"}
		default:
			frame["result"] = map[string]string{}
		}
		for i := 0; i <= repeat; i++ {
			s.write(frame)
		}
	}
}

func (s *sidecar) write(v interface{}) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (s *sidecar) push(event string, data interface{}) {
	s.write(map[string]interface{}{"event": event, "data": data})
}

func (s *sidecar) fail(method string, err *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[method] = err
}

func (s *sidecar) drop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *sidecar) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Method)
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []network.Event
}

func (r *eventRecorder) emit(evt network.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) snapshot() []network.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]network.Event(nil), r.events...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	f, err := NewFactory(Options{URL: wsURL(srv), RequestTimeout: time.Second})
	require.NoError(t, err)
	c, err := f.NewClient(network.Options{Tenant: "u1", CredentialDir: "/creds/session-u1", Logger: zerolog.Nop()})
	require.NoError(t, err)
	client := c.(*Client)
	t.Cleanup(func() { _ = client.Destroy(context.Background()) })
	return client
}

func TestNewFactoryValidatesURL(t *testing.T) {
	_, err := NewFactory(Options{URL: "http://localhost:7070"})
	assert.Error(t, err)

	_, err = NewFactory(Options{URL: "ws://localhost:7070/ws"})
	assert.NoError(t, err)

	f, _ := NewFactory(Options{URL: "ws://localhost:7070/ws"})
	_, err = f.NewClient(network.Options{})
	assert.Error(t, err)
}

func TestInitializeSendsTenantAndCredentialDir(t *testing.T) {
	sc, srv := newSidecar(t)
	client := newClient(t, srv)

	require.NoError(t, client.Initialize(context.Background(), (&eventRecorder{}).emit))

	sc.mu.Lock()
	defer sc.mu.Unlock()
	assert.Equal(t, "u1", sc.tenant)
	require.Len(t, sc.requests, 1)
	assert.Equal(t, MethodInitialize, sc.requests[0].Method)
	assert.JSONEq(t, `{"tenant":"u1","credentialDir":"/creds/session-u1"}`, string(sc.requests[0].Params))
}

func TestInitializeFailsWhenRejected(t *testing.T) {
	sc, srv := newSidecar(t)
	sc.fail(MethodInitialize, &Error{Code: 401, Message: "credentials corrupted"})
	client := newClient(t, srv)

	err := client.Initialize(context.Background(), (&eventRecorder{}).emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials corrupted")

	_, err = client.State(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeFailsWhenUnreachable(t *testing.T) {
	f, err := NewFactory(Options{URL: "ws://127.0.0.1:1/ws", DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	c, err := f.NewClient(network.Options{Tenant: "u1", Logger: zerolog.Nop()})
	require.NoError(t, err)

	assert.Error(t, c.Initialize(context.Background(), func(network.Event) {}))
}

func TestNotificationsBecomeOrderedEvents(t *testing.T) {
	sc, srv := newSidecar(t)
	client := newClient(t, srv)
	rec := &eventRecorder{}
	require.NoError(t, client.Initialize(context.Background(), rec.emit))

	sc.push(NotifyQR, map[string]string{"data": "2@abc"})
	sc.push(NotifyAuthFailure, map[string]string{"message": "timeout"})
	sc.push(NotifyQR, map[string]string{"data": "2@def"})
	sc.push(NotifyReady, nil)
	sc.push(NotifyMessage, network.Message{ID: "m1", From: "1@g.us", Body: "hi", FromMe: false})
	sc.push("bogus", nil)
	sc.push(NotifyDisconnected, map[string]string{"reason": "LOGOUT"})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 6 }, 2*time.Second, 5*time.Millisecond)

	events := rec.snapshot()
	assert.Equal(t, network.Pairing("2@abc"), events[0])
	assert.Equal(t, network.AuthFailure("timeout"), events[1])
	assert.Equal(t, network.Pairing("2@def"), events[2])
	assert.Equal(t, network.Ready(), events[3])
	require.Equal(t, network.EventMessage, events[4].Kind)
	assert.Equal(t, "m1", events[4].Message.ID)
	assert.True(t, events[4].Message.IsGroup())
	assert.Equal(t, network.Disconnected("LOGOUT"), events[5])
}

func TestCallsRoundTrip(t *testing.T) {
	sc, srv := newSidecar(t)
	client := newClient(t, srv)
	require.NoError(t, client.Initialize(context.Background(), (&eventRecorder{}).emit))

	id, err := client.SendMessage(context.Background(), "123@c.us", "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	state, err := client.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CONNECTED", state)

	sc.fail(MethodLogout, &Error{Code: 500, Message: "not logged in"})
	err = client.Logout(context.Background())
	var bridgeErr *Error
	require.True(t, errors.As(err, &bridgeErr))
	assert.Equal(t, 500, bridgeErr.Code)

	assert.Equal(t, []string{MethodInitialize, MethodSendMessage, MethodGetState, MethodLogout}, sc.methods())
}

func TestRepeatedResponsesDoNotStallEvents(t *testing.T) {
	sc, srv := newSidecar(t)
	sc.mu.Lock()
	sc.repeat = 3
	sc.mu.Unlock()

	client := newClient(t, srv)
	rec := &eventRecorder{}
	require.NoError(t, client.Initialize(context.Background(), rec.emit))

	for i := 0; i < 3; i++ {
		state, err := client.State(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "CONNECTED", state)
	}

	sc.push(NotifyReady, map[string]string{})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, network.Ready(), rec.snapshot()[0])
}

func TestConnectionLossReportsDisconnected(t *testing.T) {
	sc, srv := newSidecar(t)
	client := newClient(t, srv)
	rec := &eventRecorder{}
	require.NoError(t, client.Initialize(context.Background(), rec.emit))

	sc.drop()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, network.Disconnected(ReasonConnectionLost), rec.snapshot()[0])

	_, err := client.State(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestDestroyIsSilentAndIdempotent(t *testing.T) {
	sc, srv := newSidecar(t)
	client := newClient(t, srv)
	rec := &eventRecorder{}
	require.NoError(t, client.Initialize(context.Background(), rec.emit))

	require.NoError(t, client.Destroy(context.Background()))
	require.NoError(t, client.Destroy(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, []string{MethodInitialize, MethodDestroy}, sc.methods())

	_, err := client.SendMessage(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestCallsBeforeInitialize(t *testing.T) {
	_, srv := newSidecar(t)
	client := newClient(t, srv)

	_, err := client.State(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, client.Logout(context.Background()), ErrNotInitialized)
	assert.NoError(t, client.Destroy(context.Background()))
}
