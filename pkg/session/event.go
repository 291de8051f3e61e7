package session

import "github.com/harun/tenantlink/pkg/network"

// State is a handle lifecycle state.
type State string

const (
	StateUninitialized   State = "UNINITIALIZED"
	StateInitializing    State = "INITIALIZING"
	StateAwaitingPairing State = "AWAITING_PAIRING"
	StateConnected       State = "CONNECTED"
	StateDisconnected    State = "DISCONNECTED"
	StateAuthFailed      State = "AUTH_FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDisconnected
}

// EventType names a lifecycle event. All but EventMessage are pushed to the tenant's room.
type EventType string

const (
	EventStatus       EventType = "status"
	EventQR           EventType = "qr"
	EventReady        EventType = "ready"
	EventError        EventType = "error"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
)

// Event is what a Handle reports to its Listener.
type Event struct {
	Type    EventType
	Tenant  string
	Status  State            // EventStatus
	Data    string           // EventQR
	Error   string           // EventError
	Reason  string           // EventDisconnected
	Message *network.Message // EventMessage
}

// Listener receives a handle's events, one at a time and in order.
type Listener interface {
	HandleEvent(h *Handle, evt Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(h *Handle, evt Event)

// HandleEvent implements Listener.
func (f ListenerFunc) HandleEvent(h *Handle, evt Event) { f(h, evt) }
