// Package networktest provides an in-memory network client for tests.
package networktest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tenantlink/pkg/network"
)

// Client is a scripted network.Client. Tests drive it with the Emit* helpers.
type Client struct {
	Tenant        string
	CredentialDir string

	mu          sync.Mutex
	emit        network.EmitFunc
	initErr     error
	initialized bool
	state       string
	sent        []network.Message

	SendErr    error
	LogoutErr  error
	DestroyErr error

	logouts  int
	destroys int
}

// Initialize records the emitter.
func (c *Client) Initialize(_ context.Context, emit network.EmitFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initErr != nil {
		return c.initErr
	}
	c.emit = emit
	c.initialized = true
	c.state = "OPENING"
	return nil
}

// SendMessage records the message and echoes it back as an outbound message event.
func (c *Client) SendMessage(_ context.Context, to, body string) (string, error) {
	c.mu.Lock()
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return "", err
	}
	msg := network.Message{
		ID:        uuid.NewString(),
		From:      c.Tenant + "@c.us",
		To:        to,
		Body:      body,
		Type:      "chat",
		Timestamp: time.Now().Unix(),
		FromMe:    true,
	}
	c.sent = append(c.sent, msg)
	emit := c.emit
	c.mu.Unlock()

	if emit != nil {
		emit(network.MessageEvent(msg))
	}
	return msg.ID, nil
}

// State returns the last state implied by emitted events.
func (c *Client) State(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return "", errors.New("client not initialized")
	}
	return c.state, nil
}

// Logout counts calls and returns LogoutErr.
func (c *Client) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return c.LogoutErr
}

// Destroy counts calls and returns DestroyErr.
func (c *Client) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroys++
	c.emit = nil
	return c.DestroyErr
}

// EmitPairing emits a pairing challenge.
func (c *Client) EmitPairing(code string) {
	c.setState("UNPAIRED")
	c.fire(network.Pairing(code))
}

// EmitReady emits the ready signal.
func (c *Client) EmitReady() {
	c.setState("CONNECTED")
	c.fire(network.Ready())
}

// EmitAuthFailure emits an authentication failure.
func (c *Client) EmitAuthFailure(reason string) {
	c.setState("UNPAIRED")
	c.fire(network.AuthFailure(reason))
}

// EmitMessage emits a message event.
func (c *Client) EmitMessage(msg network.Message) {
	c.fire(network.MessageEvent(msg))
}

// EmitDisconnected emits a disconnection.
func (c *Client) EmitDisconnected(reason string) {
	c.setState("DISCONNECTED")
	c.fire(network.Disconnected(reason))
}

// Sent returns the messages sent through the client.
func (c *Client) Sent() []network.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]network.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Logouts returns how many times Logout was called.
func (c *Client) Logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

// Destroys returns how many times Destroy was called.
func (c *Client) Destroys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroys
}

// Initialized reports whether Initialize succeeded.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) fire(evt network.Event) {
	c.mu.Lock()
	emit := c.emit
	c.mu.Unlock()
	if emit != nil {
		emit(evt)
	}
}

// Factory creates scripted clients and remembers them per tenant.
type Factory struct {
	mu           sync.Mutex
	clients      map[string][]*Client
	initErrors   map[string]error
	createErrors map[string]error

	// OnInitialize, when set, runs in its own goroutine after a client initializes.
	OnInitialize func(c *Client)
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{
		clients:      make(map[string][]*Client),
		initErrors:   make(map[string]error),
		createErrors: make(map[string]error),
	}
}

// FailInitialize makes Initialize fail for every future client of tenant.
func (f *Factory) FailInitialize(tenant string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErrors[tenant] = err
}

// FailCreate makes NewClient fail for tenant.
func (f *Factory) FailCreate(tenant string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErrors[tenant] = err
}

// NewClient implements network.Factory.
func (f *Factory) NewClient(opts network.Options) (network.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.createErrors[opts.Tenant]; err != nil {
		return nil, err
	}

	c := &Client{
		Tenant:        opts.Tenant,
		CredentialDir: opts.CredentialDir,
		initErr:       f.initErrors[opts.Tenant],
	}
	f.clients[opts.Tenant] = append(f.clients[opts.Tenant], c)

	if hook := f.OnInitialize; hook != nil {
		return &hookedClient{Client: c, hook: hook}, nil
	}
	return c, nil
}

// Created returns how many clients were created for tenant.
func (f *Factory) Created(tenant string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[tenant])
}

// Latest returns the most recently created client for tenant.
func (f *Factory) Latest(tenant string) (*Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clients := f.clients[tenant]
	if len(clients) == 0 {
		return nil, false
	}
	return clients[len(clients)-1], true
}

// Await waits until the latest client for tenant has been initialized.
func (f *Factory) Await(tenant string, timeout time.Duration) (*Client, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c, ok := f.Latest(tenant); ok && c.Initialized() {
			return c, true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return nil, false
}

type hookedClient struct {
	*Client
	hook func(c *Client)
}

func (h *hookedClient) Initialize(ctx context.Context, emit network.EmitFunc) error {
	if err := h.Client.Initialize(ctx, emit); err != nil {
		return err
	}
	go h.hook(h.Client)
	return nil
}
