package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// EventKind tags the variants a client can emit.
type EventKind string

const (
	EventPairing      EventKind = "pairing"
	EventReady        EventKind = "ready"
	EventAuthFailure  EventKind = "auth_failure"
	EventMessage      EventKind = "message"
	EventDisconnected EventKind = "disconnected"
)

// GroupSuffix marks group-chat addresses on the messaging network.
const GroupSuffix = "@g.us"

// Message is a message observed on the connection, in either direction.
type Message struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	SenderName string `json:"senderName,omitempty"`
	HasMedia   bool   `json:"hasMedia"`
	FromMe     bool   `json:"fromMe"`
}

// IsGroup reports whether the message originates from a group chat.
func (m Message) IsGroup() bool {
	return strings.HasSuffix(m.From, GroupSuffix)
}

// Event is a single notification from a client. Only the field matching Kind is set.
type Event struct {
	Kind    EventKind
	Pairing string   // EventPairing: QR/code payload
	Reason  string   // EventAuthFailure, EventDisconnected
	Message *Message // EventMessage
}

// Pairing builds a pairing challenge event.
func Pairing(code string) Event { return Event{Kind: EventPairing, Pairing: code} }

// Ready builds a ready event.
func Ready() Event { return Event{Kind: EventReady} }

// AuthFailure builds an authentication failure event.
func AuthFailure(reason string) Event { return Event{Kind: EventAuthFailure, Reason: reason} }

// Disconnected builds a disconnection event.
func Disconnected(reason string) Event { return Event{Kind: EventDisconnected, Reason: reason} }

// MessageEvent builds a message event.
func MessageEvent(msg Message) Event { return Event{Kind: EventMessage, Message: &msg} }

// EmitFunc receives events from a client. A client calls it from a single goroutine,
// in the order the network produced the events.
type EmitFunc func(Event)

// Client is one tenant's connection to the messaging network.
type Client interface {
	// Initialize starts authentication. It returns once the attempt is underway;
	// progress is reported through emit.
	Initialize(ctx context.Context, emit EmitFunc) error
	SendMessage(ctx context.Context, to, body string) (string, error)
	State(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Options configures a new client.
type Options struct {
	Tenant        string
	CredentialDir string
	Logger        zerolog.Logger
}

// Factory creates clients.
type Factory interface {
	NewClient(opts Options) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(opts Options) (Client, error)

// NewClient implements Factory.
func (f FactoryFunc) NewClient(opts Options) (Client, error) {
	if f == nil {
		return nil, fmt.Errorf("network factory is not configured")
	}
	return f(opts)
}
