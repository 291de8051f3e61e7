package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventMessage is a server-initiated push frame.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Room      string      `json:"room"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// ClientInfo describes a connected push subscriber.
type ClientInfo struct {
	ID           string    `json:"id"`
	Room         string    `json:"room"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client is a WebSocket subscriber bound to one tenant room.
type Client struct {
	ID           string
	Room         string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

const writeWait = 5 * time.Second

// WriteMessage writes one frame. gorilla connections allow a single concurrent writer.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// Ping sends a keepalive control frame.
func (c *Client) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// API request and response bodies.

type startSessionResponse struct {
	Tenant string `json:"tenant"`
	State  string `json:"state"`
	QR     string `json:"qr,omitempty"`
}

type qrResponse struct {
	Tenant string `json:"tenant"`
	QR     string `json:"qr"`
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendMessageResponse struct {
	ID string `json:"id"`
}

type provisionTenantRequest struct {
	Webhook   json.RawMessage `json:"webhook,omitempty"`
	RotateKey bool            `json:"rotateKey,omitempty"`
}

type webhookRequest struct {
	URL     string `json:"url"`
	Trigger string `json:"trigger,omitempty"`
	Secret  string `json:"secret,omitempty"`
}

type tenantResponse struct {
	ID        string           `json:"id"`
	APIKey    string           `json:"apiKey,omitempty"`
	Webhook   *webhookResponse `json:"webhook,omitempty"`
	HasAPIKey bool             `json:"hasApiKey"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type webhookResponse struct {
	URL       string `json:"url"`
	Trigger   string `json:"trigger"`
	HasSecret bool   `json:"hasSecret"`
}

type errorResponse struct {
	Error string `json:"error"`
}
