package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tenantlink/internal/observability"
	"github.com/harun/tenantlink/pkg/network"
	"github.com/rs/zerolog"
)

const (
	// DefaultEventBuffer is the capacity of a handle's event channel.
	DefaultEventBuffer = 32
	// DefaultOperationTimeout bounds best-effort client teardown calls.
	DefaultOperationTimeout = 15 * time.Second
)

// SessionInfo is a point-in-time view of a handle.
type SessionInfo struct {
	Tenant        string    `json:"tenant"`
	State         State     `json:"state"`
	CredentialDir string    `json:"credentialDir"`
	Pairing       bool      `json:"pairing"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// item is one entry on a handle's event path. Network events carry the client
// generation they came from; local events are already applied.
type item struct {
	gen      uint64
	evt      *network.Event
	local    *Event
	terminal bool
}

// Handle is one tenant's connection and its lifecycle state.
type Handle struct {
	tenant    string
	credDir   string
	factory   network.Factory
	listener  Listener
	logger    zerolog.Logger
	opTimeout time.Duration

	mu        sync.Mutex
	state     State
	client    network.Client
	gen       uint64
	lastQR    string
	createdAt time.Time
	updatedAt time.Time

	events chan item
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

type handleConfig struct {
	tenant    string
	credDir   string
	factory   network.Factory
	listener  Listener
	logger    zerolog.Logger
	buffer    int
	opTimeout time.Duration
}

func newHandle(cfg handleConfig) *Handle {
	if cfg.buffer <= 0 {
		cfg.buffer = DefaultEventBuffer
	}
	if cfg.opTimeout <= 0 {
		cfg.opTimeout = DefaultOperationTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	h := &Handle{
		tenant:    cfg.tenant,
		credDir:   cfg.credDir,
		factory:   cfg.factory,
		listener:  cfg.listener,
		logger:    cfg.logger.With().Str("component", "session").Str("tenant_id", cfg.tenant).Logger(),
		opTimeout: cfg.opTimeout,
		state:     StateUninitialized,
		createdAt: now,
		updatedAt: now,
		events:    make(chan item, cfg.buffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	go h.run()
	return h
}

// Tenant returns the tenant the handle belongs to.
func (h *Handle) Tenant() string { return h.tenant }

// CredentialDir returns the tenant's credential directory.
func (h *Handle) CredentialDir() string { return h.credDir }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the handle's event loop has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Info returns a snapshot of the handle.
func (h *Handle) Info() SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SessionInfo{
		Tenant:        h.tenant,
		State:         h.state,
		CredentialDir: h.credDir,
		Pairing:       h.lastQR != "",
		CreatedAt:     h.createdAt,
		UpdatedAt:     h.updatedAt,
	}
}

// Start begins authentication. On a fresh or AUTH_FAILED handle a new client is
// created; otherwise the best-known status is re-emitted.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateDisconnected:
		h.mu.Unlock()
		return errHandleClosed

	case StateUninitialized, StateAuthFailed:
		old := h.client
		h.client = nil
		h.lastQR = ""
		h.gen++
		gen := h.gen
		h.setStateLocked(StateInitializing)
		h.mu.Unlock()

		if old != nil {
			h.destroy(old)
		}
		if err := h.post(ctx, item{local: &Event{Type: EventStatus, Status: StateInitializing}}); err != nil {
			return err
		}
		go h.connect(gen)
		return nil

	default:
		state, qr := h.state, h.lastQR
		h.mu.Unlock()

		if err := h.post(ctx, item{local: &Event{Type: EventStatus, Status: state}}); err != nil {
			return err
		}
		if state == StateAwaitingPairing && qr != "" {
			return h.post(ctx, item{local: &Event{Type: EventQR, Data: qr}})
		}
		return nil
	}
}

// Send delivers a text message through the connected client.
func (h *Handle) Send(ctx context.Context, to, body string) (string, error) {
	h.mu.Lock()
	state, client := h.state, h.client
	h.mu.Unlock()

	if state != StateConnected || client == nil {
		return "", ErrNotConnected
	}
	id, err := client.SendMessage(ctx, to, body)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return id, nil
}

// RemoteState asks the client for the state the network reports.
func (h *Handle) RemoteState(ctx context.Context) (string, error) {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()

	if client == nil {
		return "", ErrNotConnected
	}
	return client.State(ctx)
}

// Logout ends the session on the network and stops the handle. The terminal
// disconnected event is delivered first, so the listener drops the handle before
// any client call is made. Client failures are logged and swallowed. Credential
// removal is the caller's job.
func (h *Handle) Logout(ctx context.Context) error {
	client, ok := h.terminate()
	if !ok {
		return h.wait(ctx)
	}

	err := h.finish(ctx, "logout")
	if client != nil {
		opCtx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
		if lerr := client.Logout(opCtx); lerr != nil {
			h.logger.Warn().Err(lerr).Msg("Client logout failed")
		}
		cancel()
		h.destroy(client)
	}
	return err
}

// Close stops the handle without logging out, so the session can be restored later.
func (h *Handle) Close(ctx context.Context) error {
	client, ok := h.terminate()
	if !ok {
		return h.wait(ctx)
	}

	err := h.finish(ctx, "shutdown")
	if client != nil {
		h.destroy(client)
	}
	return err
}

// terminate moves the handle to DISCONNECTED and detaches its client. It reports
// false when the handle was already terminal.
func (h *Handle) terminate() (network.Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() {
		return nil, false
	}
	client := h.client
	h.client = nil
	h.lastQR = ""
	h.gen++
	h.setStateLocked(StateDisconnected)
	return client, true
}

// finish posts the terminal event and waits for the event loop to deliver it.
func (h *Handle) finish(ctx context.Context, reason string) error {
	evt := &Event{Type: EventDisconnected, Reason: reason}
	if err := h.post(ctx, item{local: evt, terminal: true}); err != nil {
		// The loop never sees the terminal item, stop it directly.
		h.cancel()
	}
	return h.wait(ctx)
}

func (h *Handle) wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) connect(gen uint64) {
	client, err := h.factory.NewClient(network.Options{
		Tenant:        h.tenant,
		CredentialDir: h.credDir,
		Logger:        h.logger,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create network client")
		evt := network.AuthFailure(fmt.Sprintf("failed to create client: %v", err))
		_ = h.post(h.ctx, item{gen: gen, evt: &evt})
		return
	}

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		h.destroy(client)
		return
	}
	h.client = client
	h.mu.Unlock()

	emit := func(evt network.Event) {
		_ = h.post(h.ctx, item{gen: gen, evt: &evt})
	}
	if err := client.Initialize(h.ctx, emit); err != nil {
		h.logger.Error().Err(err).Msg("Failed to initialize network client")
		evt := network.AuthFailure(fmt.Sprintf("failed to initialize client: %v", err))
		_ = h.post(h.ctx, item{gen: gen, evt: &evt})
	}
}

func (h *Handle) post(ctx context.Context, it item) error {
	select {
	case <-h.ctx.Done():
		return errHandleClosed
	default:
	}

	select {
	case h.events <- it:
		return nil
	case <-h.ctx.Done():
		return errHandleClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.cancel()

	for {
		select {
		case it := <-h.events:
			if h.process(it) {
				return
			}
		case <-h.ctx.Done():
			return
		}
	}
}

// process applies one item and notifies the listener. It returns true when the
// handle reached its terminal state.
func (h *Handle) process(it item) bool {
	if it.local != nil {
		h.deliver(*it.local)
		return it.terminal
	}

	out, terminal, stale := h.apply(it)
	for _, evt := range out {
		h.deliver(evt)
	}
	if terminal && stale != nil {
		h.destroy(stale)
	}
	return terminal
}

// apply runs a network event through the state machine.
func (h *Handle) apply(it item) ([]Event, bool, network.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if it.gen != h.gen {
		return nil, false, nil
	}

	evt := it.evt
	switch evt.Kind {
	case network.EventPairing:
		if h.state != StateInitializing && h.state != StateAwaitingPairing {
			return nil, false, nil
		}
		h.lastQR = evt.Pairing
		h.setStateLocked(StateAwaitingPairing)
		return []Event{{Type: EventQR, Data: evt.Pairing}}, false, nil

	case network.EventReady:
		if h.state != StateInitializing && h.state != StateAwaitingPairing {
			return nil, false, nil
		}
		h.lastQR = ""
		h.setStateLocked(StateConnected)
		return []Event{
			{Type: EventReady},
			{Type: EventStatus, Status: StateConnected},
		}, false, nil

	case network.EventAuthFailure:
		if h.state.Terminal() || h.state == StateAuthFailed {
			return nil, false, nil
		}
		h.lastQR = ""
		h.setStateLocked(StateAuthFailed)
		return []Event{{Type: EventError, Error: evt.Reason}}, false, nil

	case network.EventMessage:
		if evt.Message == nil || h.state.Terminal() {
			return nil, false, nil
		}
		return []Event{{Type: EventMessage, Message: evt.Message}}, false, nil

	case network.EventDisconnected:
		if h.state.Terminal() {
			return nil, false, nil
		}
		client := h.client
		h.client = nil
		h.lastQR = ""
		h.gen++
		h.setStateLocked(StateDisconnected)
		return []Event{{Type: EventDisconnected, Reason: evt.Reason}}, true, client

	default:
		h.logger.Warn().Str("kind", string(evt.Kind)).Msg("Ignoring unknown network event")
		return nil, false, nil
	}
}

func (h *Handle) deliver(evt Event) {
	if h.listener == nil {
		return
	}
	evt.Tenant = h.tenant
	h.listener.HandleEvent(h, evt)
}

func (h *Handle) destroy(client network.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	defer cancel()
	if err := client.Destroy(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Client destroy failed")
	}
}

func (h *Handle) setStateLocked(state State) {
	if h.state == state {
		return
	}
	h.logger.Debug().Str("from", string(h.state)).Str("to", string(state)).Msg("Session state changed")
	h.state = state
	h.updatedAt = time.Now()
	observability.RecordSessionTransition(string(state))
}
