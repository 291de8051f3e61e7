package session

import (
	"sync"

	"github.com/harun/tenantlink/internal/observability"
	"github.com/rs/zerolog"
)

// Pusher delivers a named event to every subscriber of a room and returns how many
// subscribers received it.
type Pusher interface {
	EmitToRoom(room, event string, payload interface{}) int
}

type StatusPayload struct {
	Status State `json:"status"`
}

type QRPayload struct {
	Data string `json:"data"`
}

type ReadyPayload struct{}

type ErrorPayload struct {
	Message string `json:"message"`
}

type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// Router pushes lifecycle events to the tenant's room and keeps the latest
// pairing artifact for clients that poll.
type Router struct {
	pusher Pusher
	logger zerolog.Logger

	mu        sync.RWMutex
	artifacts map[string]string
}

// NewRouter creates a router. A nil pusher drops every event.
func NewRouter(pusher Pusher, logger zerolog.Logger) *Router {
	return &Router{
		pusher:    pusher,
		logger:    logger.With().Str("component", "router").Logger(),
		artifacts: make(map[string]string),
	}
}

// Route records the artifact side effects of evt and pushes it to the tenant's room.
func (r *Router) Route(tenant string, evt Event) {
	var payload interface{}

	switch evt.Type {
	case EventStatus:
		if evt.Status == StateConnected {
			r.Forget(tenant)
		}
		payload = StatusPayload{Status: evt.Status}
	case EventQR:
		r.mu.Lock()
		r.artifacts[tenant] = evt.Data
		r.mu.Unlock()
		payload = QRPayload{Data: evt.Data}
	case EventReady:
		r.Forget(tenant)
		payload = ReadyPayload{}
	case EventError:
		// A failed attempt invalidates its pairing code.
		r.Forget(tenant)
		payload = ErrorPayload{Message: evt.Error}
	case EventDisconnected:
		r.Forget(tenant)
		payload = DisconnectedPayload{Reason: evt.Reason}
	default:
		return
	}

	delivered := 0
	if r.pusher != nil {
		delivered = r.pusher.EmitToRoom(tenant, string(evt.Type), payload)
	}
	observability.RecordLifecycleEvent(string(evt.Type), delivered > 0)

	if delivered == 0 {
		r.logger.Debug().Str("tenant_id", tenant).Str("event", string(evt.Type)).Msg("No subscribers, event dropped")
	}
}

// LastPairingArtifact returns the latest pairing code for tenant.
func (r *Router) LastPairingArtifact(tenant string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.artifacts[tenant]
	return data, ok
}

// Forget clears the tenant's pairing artifact.
func (r *Router) Forget(tenant string) {
	r.mu.Lock()
	delete(r.artifacts, tenant)
	r.mu.Unlock()
}
