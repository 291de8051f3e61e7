package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/harun/tenantlink/internal/observability"
	"github.com/harun/tenantlink/internal/tracing"
	"github.com/harun/tenantlink/pkg/credentials"
	"github.com/harun/tenantlink/pkg/session"
	"github.com/harun/tenantlink/pkg/tenants"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/xeipuuv/gojsonschema"
)

const maxSubscriberMessage = 4096

var errBadRequest = errors.New("bad request")

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"sessions":    len(s.sessions.Sessions()),
		"subscribers": s.hub.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":    s.sessions.Sessions(),
		"subscribers": s.hub.Clients(),
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	h, err := s.sessions.StartSession(r.Context(), tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := startSessionResponse{Tenant: tenant, State: string(h.State())}
	if qr, ok := s.sessions.GetLastPairingArtifact(tenant); ok {
		resp.QR = qr
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	h, ok := s.sessions.GetActiveConnection(chi.URLParam(r, "tenant"))
	if !ok {
		s.writeError(w, r, session.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, h.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if err := s.sessions.DeleteSession(r.Context(), tenant); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenant": tenant, "deleted": true})
}

func (s *Server) handleGetQR(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	qr, ok := s.sessions.GetLastPairingArtifact(tenant)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no pairing code available"})
		return
	}
	writeJSON(w, http.StatusOK, qrResponse{Tenant: tenant, QR: qr})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(w, r, sendMessageSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.sessions.SendMessage(r.Context(), chi.URLParam(r, "tenant"), req.To, req.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{ID: id})
}

func (s *Server) handleProvisionTenant(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if err := credentials.ValidateTenant(tenant); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req provisionTenantRequest
	if err := decodeBody(w, r, provisionSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	t, err := s.loadTenant(r, tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch {
	case len(req.Webhook) == 0:
	case string(req.Webhook) == "null":
		t.Webhook = nil
	default:
		hook, err := parseWebhook(req.Webhook)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		t.Webhook = hook
	}

	var apiKey string
	if req.RotateKey || t.APIKeyHash == "" {
		if apiKey, err = tenants.GenerateAPIKey(); err == nil {
			err = t.SetAPIKey(apiKey)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if err := s.tenants.Upsert(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.RecordTenantAudit(r.Context(), "tenant_provision", "admin", map[string]interface{}{
		"tenant":      tenant,
		"key_rotated": apiKey != "",
		"webhook":     t.HasWebhook(),
	})

	resp := toTenantResponse(t)
	resp.APIKey = apiKey
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hook, err := parseWebhook(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	t, err := s.loadTenant(r, tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t.Webhook = hook

	if err := s.tenants.Upsert(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.RecordTenantAudit(r.Context(), "webhook_update", actor(r), map[string]interface{}{
		"tenant":  tenant,
		"trigger": string(hook.Trigger),
	})
	writeJSON(w, http.StatusOK, toTenantResponse(t))
}

func (s *Server) handleClearWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	t, err := s.tenants.Get(r.Context(), tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t.Webhook = nil

	if err := s.tenants.Upsert(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.RecordTenantAudit(r.Context(), "webhook_clear", actor(r), map[string]interface{}{"tenant": tenant})
	writeJSON(w, http.StatusOK, toTenantResponse(t))
}

// handleWebSocket subscribes the caller to its tenant room.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "server is shutting down"})
		return
	}

	tenant := r.URL.Query().Get("tenant")
	if err := credentials.ValidateTenant(tenant); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.auth.Authenticate(r, tenant)
	if err == nil && !p.Allows(tenant) {
		err = ErrForbidden
	}
	if err != nil {
		s.denied(r, tenant, err)
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Room:         tenant,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    clientIP(r),
	}
	s.hub.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("tenant_id", tenant).
		Str("ip", client.IPAddress).
		Msg("Subscriber connected")

	go s.readPump(client)
}

// readPump keeps the subscription alive until the peer goes away. Incoming frames
// only refresh activity.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.Remove(client)
		_ = client.Conn.Close()
		s.logger.Info().Str("clientId", client.ID).Str("tenant_id", client.Room).Msg("Subscriber disconnected")
	}()

	client.Conn.SetReadLimit(maxSubscriberMessage)
	client.Conn.SetPongHandler(func(string) error {
		s.hub.UpdateActivity(client)
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.hub.UpdateActivity(client)
	}
}

// loadTenant returns the stored tenant or a fresh one when none exists.
func (s *Server) loadTenant(r *http.Request, tenant string) (tenants.Tenant, error) {
	t, err := s.tenants.Get(r.Context(), tenant)
	if errors.Is(err, tenants.ErrNotFound) {
		return tenants.Tenant{ID: tenant}, nil
	}
	return t, err
}

func parseWebhook(raw []byte) (*tenants.Webhook, error) {
	if err := validateBody(webhookSchema, raw); err != nil {
		return nil, &requestError{err: err}
	}
	var req webhookRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &requestError{err: err}
	}
	hook := &tenants.Webhook{
		URL:     req.URL,
		Trigger: tenants.Trigger(req.Trigger).Normalize(),
		Secret:  req.Secret,
	}
	if err := hook.Validate(); err != nil {
		return nil, err
	}
	return hook, nil
}

func toTenantResponse(t tenants.Tenant) tenantResponse {
	resp := tenantResponse{
		ID:        t.ID,
		HasAPIKey: t.APIKeyHash != "",
		UpdatedAt: t.UpdatedAt,
	}
	if t.Webhook != nil {
		resp.Webhook = &webhookResponse{
			URL:       t.Webhook.URL,
			Trigger:   string(t.Webhook.Trigger.Normalize()),
			HasSecret: t.Webhook.Secret != "",
		}
	}
	return resp
}

func actor(r *http.Request) string {
	p, ok := principalFromContext(r.Context())
	if !ok {
		return ""
	}
	if p.Admin {
		return "admin"
	}
	return p.Tenant
}

// requestError marks client mistakes in a request body.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return errBadRequest }

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &requestError{err: err}
	}
	return body, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, v interface{}) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := validateBody(schema, body); err != nil {
		return &requestError{err: err}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &requestError{err: err}
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, credentials.ErrInvalidTenant),
		errors.Is(err, tenants.ErrInvalidWebhook):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, tenants.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		msg = "internal error"
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
