package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/tenantlink/internal/observability"
	"github.com/harun/tenantlink/internal/tracing"
	"github.com/harun/tenantlink/pkg/credentials"
	"github.com/harun/tenantlink/pkg/session"
	"github.com/harun/tenantlink/pkg/tenants"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultPort               = 8080
	DefaultRateLimitPerMinute = 120
	DefaultPingInterval       = 30 * time.Second

	maxBodyBytes = 1 << 20
)

// Sessions is the session surface the API exposes.
type Sessions interface {
	StartSession(ctx context.Context, tenant string) (*session.Handle, error)
	GetActiveConnection(tenant string) (*session.Handle, bool)
	GetLastPairingArtifact(tenant string) (string, bool)
	DeleteSession(ctx context.Context, tenant string) error
	SendMessage(ctx context.Context, tenant, to, body string) (string, error)
	Sessions() []session.SessionInfo
}

// Config holds server configuration
type Config struct {
	Host               string
	Port               int
	Sessions           Sessions
	Tenants            tenants.Provider
	Hub                *Hub
	Auth               AuthConfig
	RateLimitPerMinute int
	PingInterval       time.Duration
	Logger             zerolog.Logger
}

// Server serves the HTTP API and the push WebSocket.
type Server struct {
	host     string
	port     int
	sessions Sessions
	tenants  tenants.Provider
	hub      *Hub
	auth     *Authenticator
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger

	pingInterval time.Duration
	pingCancel   context.CancelFunc
	pingWG       sync.WaitGroup

	isShuttingDown bool
	shutdownMu     sync.RWMutex
}

// NewServer creates the API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Tenants == nil {
		return nil, fmt.Errorf("tenant provider is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		sessions:     cfg.Sessions,
		tenants:      cfg.Tenants,
		hub:          cfg.Hub,
		auth:         NewAuthenticator(cfg.Auth, cfg.Tenants),
		limiter:      NewRateLimiter(cfg.RateLimitPerMinute),
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		pingInterval: cfg.PingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // subscribers authenticate with keys, not cookies
			},
		},
	}
	s.handler = otelhttp.NewHandler(s.routes(), "tenantlink.http")
	return s, nil
}

// Hub returns the push hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(s.requestContext, s.recordRequests, s.rateLimit)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(api chi.Router) {
		api.With(s.requireAdmin).Get("/sessions", s.handleListSessions)

		api.Route("/sessions/{tenant}", func(sr chi.Router) {
			sr.Use(s.requireTenant)
			sr.Post("/", s.handleStartSession)
			sr.Get("/", s.handleGetSession)
			sr.Delete("/", s.handleDeleteSession)
			sr.Get("/qr", s.handleGetQR)
			sr.Post("/messages", s.handleSendMessage)
		})

		api.With(s.requireAdmin).Put("/tenants/{tenant}", s.handleProvisionTenant)
		api.With(s.requireTenant).Put("/tenants/{tenant}/webhook", s.handleSetWebhook)
		api.With(s.requireTenant).Delete("/tenants/{tenant}/webhook", s.handleClearWebhook)
	})

	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	s.startPinger()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new subscribers, closes existing ones and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")
	s.stopPinger()
	s.limiter.Stop()
	s.hub.CloseAll()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startPinger() {
	if s.pingInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.pingCancel = cancel
	s.pingWG.Add(1)

	go func() {
		defer s.pingWG.Done()

		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.hub.PingAll()
			}
		}
	}()
}

func (s *Server) stopPinger() {
	if s.pingCancel != nil {
		s.pingCancel()
		s.pingCancel = nil
	}
	s.pingWG.Wait()
}

// Middleware.

func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)
		ctx = tracing.WithRequestID(ctx, chimw.GetReqID(r.Context()))
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
			if websocket.IsWebSocketUpgrade(r) {
				code = http.StatusSwitchingProtocols
			}
		}
		observability.RecordHTTPRequest(route, code)

		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", code).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(ip)))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")
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

		ctx := withPrincipal(tracing.WithTenantID(r.Context(), tenant), p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r, "")
		if err == nil && !p.Admin {
			err = ErrForbidden
		}
		if err != nil {
			s.denied(r, "", err)
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func (s *Server) denied(r *http.Request, tenant string, err error) {
	observability.RecordSecurityAudit(r.Context(), "auth_denied", clientIP(r), "denied", map[string]interface{}{
		"path":   r.URL.Path,
		"tenant": tenant,
		"reason": err.Error(),
	})
}
