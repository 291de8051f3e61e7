// Package bridge drives a messaging sidecar over a JSON WebSocket protocol.
// The sidecar owns the network protocol and credential files; this client only
// forwards calls and relays notifications as network events.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tenantlink/pkg/network"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	// ReasonConnectionLost is reported when the sidecar socket drops.
	ReasonConnectionLost = "bridge connection lost"
)

var (
	// ErrNotInitialized is returned for calls made before Initialize or after Destroy.
	ErrNotInitialized = errors.New("bridge client is not initialized")
	errConnClosed     = errors.New("bridge connection closed")
)

// Options configures bridge clients.
type Options struct {
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Header         http.Header
}

// Factory creates bridge clients that share one sidecar endpoint.
type Factory struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewFactory validates the endpoint and returns a factory.
func NewFactory(opts Options) (*Factory, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid bridge url scheme %q", u.Scheme)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	return &Factory{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
	}, nil
}

// NewClient implements network.Factory.
func (f *Factory) NewClient(opts network.Options) (network.Client, error) {
	if opts.Tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	return &Client{
		tenant:         opts.Tenant,
		credentialDir:  opts.CredentialDir,
		endpoint:       f.opts.URL,
		header:         f.opts.Header,
		dialer:         f.dialer,
		dialTimeout:    f.opts.DialTimeout,
		requestTimeout: f.opts.RequestTimeout,
		logger:         opts.Logger.With().Str("component", "bridge").Logger(),
		pending:        make(map[string]chan Frame),
	}, nil
}

// Client is one tenant's sidecar connection.
type Client struct {
	tenant         string
	credentialDir  string
	endpoint       string
	header         http.Header
	dialer         *websocket.Dialer
	dialTimeout    time.Duration
	requestTimeout time.Duration
	logger         zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan Frame
	closed  bool
	emit    network.EmitFunc
}

// Initialize dials the sidecar, starts the read loop and asks the sidecar to
// begin authentication for the tenant.
func (c *Client) Initialize(ctx context.Context, emit network.EmitFunc) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid bridge url: %w", err)
	}
	q := u.Query()
	q.Set("tenant", c.tenant)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial bridge: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil || c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("bridge client already initialized")
	}
	c.conn = conn
	c.emit = emit
	c.mu.Unlock()

	go c.readLoop(conn)

	params := initializeParams{Tenant: c.tenant, CredentialDir: c.credentialDir}
	if _, err := c.call(ctx, MethodInitialize, params); err != nil {
		c.shutdown()
		return fmt.Errorf("failed to initialize session: %w", err)
	}

	c.logger.Debug().Msg("Bridge session initialized")
	return nil
}

// SendMessage asks the sidecar to send a text message.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	raw, err := c.call(ctx, MethodSendMessage, sendParams{To: to, Body: body})
	if err != nil {
		return "", err
	}
	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("invalid send result: %w", err)
	}
	return res.ID, nil
}

// State returns the state reported by the sidecar.
func (c *Client) State(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, MethodGetState, nil)
	if err != nil {
		return "", err
	}
	var res stateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("invalid state result: %w", err)
	}
	return res.State, nil
}

// Logout ends the session on the network.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, MethodLogout, nil)
	return err
}

// Destroy releases the sidecar session and closes the socket. The close is not
// reported as a disconnection.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var callErr error
	if c.connected() {
		_, callErr = c.call(ctx, MethodDestroy, nil)
	}
	c.shutdown()
	return callErr
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.emit = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	conn := c.conn
	id, err := gonanoid.New()
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}
	ch := make(chan Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(Request{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, errConnClosed
		}
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out after %s", method, c.requestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.failPending()

			c.mu.Lock()
			expected := c.closed
			emit := c.emit
			c.closed = true
			c.emit = nil
			c.mu.Unlock()

			if !expected {
				c.logger.Warn().Err(err).Msg("Bridge connection lost")
				_ = conn.Close()
				if emit != nil {
					emit(network.Disconnected(ReasonConnectionLost))
				}
			}
			return
		}

		if frame.Event != "" {
			c.notify(frame)
			continue
		}

		// Each request takes exactly one response; repeats find no entry.
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("id", frame.ID).Msg("Dropping response without pending request")
			continue
		}
		ch <- frame
	}
}

func (c *Client) notify(frame Frame) {
	evt, err := decodeEvent(frame)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", frame.Event).Msg("Ignoring malformed bridge notification")
		return
	}

	c.mu.Lock()
	emit := c.emit
	c.mu.Unlock()
	if emit != nil {
		emit(evt)
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func decodeEvent(frame Frame) (network.Event, error) {
	switch frame.Event {
	case NotifyQR:
		var d qrData
		if err := unmarshalData(frame.Data, &d); err != nil {
			return network.Event{}, err
		}
		if d.Data == "" {
			return network.Event{}, fmt.Errorf("empty pairing code")
		}
		return network.Pairing(d.Data), nil
	case NotifyReady:
		return network.Ready(), nil
	case NotifyAuthFailure:
		var d reasonData
		if err := unmarshalData(frame.Data, &d); err != nil {
			return network.Event{}, err
		}
		msg := d.Message
		if msg == "" {
			msg = d.Reason
		}
		return network.AuthFailure(msg), nil
	case NotifyMessage:
		var msg network.Message
		if err := unmarshalData(frame.Data, &msg); err != nil {
			return network.Event{}, err
		}
		return network.MessageEvent(msg), nil
	case NotifyDisconnected:
		var d reasonData
		if err := unmarshalData(frame.Data, &d); err != nil {
			return network.Event{}, err
		}
		return network.Disconnected(d.Reason), nil
	default:
		return network.Event{}, fmt.Errorf("unknown notification %q", frame.Event)
	}
}

func unmarshalData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid notification data: %w", err)
	}
	return nil
}
