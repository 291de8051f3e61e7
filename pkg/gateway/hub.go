package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const idleAfter = 5 * time.Minute

// Hub tracks push subscribers by tenant room and delivers events to a single room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Client
	logger zerolog.Logger
	seq    uint64
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]*Client),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Add joins client to its room.
func (h *Hub) Add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.Room]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[client.Room] = room
	}
	room[client.ID] = client
}

// Remove drops client from its room.
func (h *Hub) Remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.Room]
	if !ok {
		return
	}
	delete(room, client.ID)
	if len(room) == 0 {
		delete(h.rooms, client.Room)
	}
}

// RoomSize returns the number of subscribers in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// Clients returns subscriber information ordered by room then id.
func (h *Hub) Clients() []ClientInfo {
	now := time.Now()

	h.mu.RLock()
	infos := make([]ClientInfo, 0)
	for _, room := range h.rooms {
		for _, c := range room {
			infos = append(infos, ClientInfo{
				ID:           c.ID,
				Room:         c.Room,
				ConnectedAt:  c.ConnectedAt,
				LastActivity: c.LastActivity,
				IPAddress:    c.IPAddress,
				Idle:         now.Sub(c.LastActivity) > idleAfter,
			})
		}
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Room != infos[j].Room {
			return infos[i].Room < infos[j].Room
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// UpdateActivity stamps the client's last activity time.
func (h *Hub) UpdateActivity(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.LastActivity = time.Now()
}

// EmitToRoom sends an event to every subscriber of room and returns how many
// received it. Events never cross rooms.
func (h *Hub) EmitToRoom(room, event string, payload interface{}) int {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Room:      room,
		Seq:       int64(atomic.AddUint64(&h.seq, 1)),
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("room", room).Str("event", event).Msg("Failed to marshal event")
		return 0
	}

	clients := h.snapshot(room)
	if len(clients) == 0 {
		return 0
	}

	delivered := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("room", room).
				Str("event", event).
				Msg("Failed to push event")
			continue
		}
		delivered++
	}

	h.logger.Debug().
		Str("room", room).
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Int("failed", len(clients)-delivered).
		Msg("Event pushed")
	return delivered
}

// PingAll sends a keepalive to every subscriber.
func (h *Hub) PingAll() {
	for _, client := range h.snapshot("") {
		if err := client.Ping(); err != nil {
			h.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Ping failed")
		}
	}
}

// CloseAll closes every subscriber connection.
func (h *Hub) CloseAll() {
	for _, client := range h.snapshot("") {
		client.writeMu.Lock()
		_ = client.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		client.writeMu.Unlock()
		_ = client.Conn.Close()
	}
}

// snapshot copies the subscribers of room, or of every room when room is empty.
func (h *Hub) snapshot(room string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	for name, members := range h.rooms {
		if room != "" && name != room {
			continue
		}
		for _, c := range members {
			out = append(out, c)
		}
	}
	return out
}
