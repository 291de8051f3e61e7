package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/tenantlink/internal/observability"
	"github.com/harun/tenantlink/internal/tracing"
	"github.com/harun/tenantlink/pkg/credentials"
	"github.com/harun/tenantlink/pkg/network"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const tracerName = "tenantlink.session"

// Dispatcher receives message events for webhook delivery. It must not block.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenant string, msg network.Message)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Registry    *Registry
	Factory     network.Factory
	Credentials *credentials.Store
	Router      *Router
	Dispatcher  Dispatcher
	Logger      zerolog.Logger

	EventBuffer         int
	RecoveryConcurrency int
	OperationTimeout    time.Duration
}

// Manager is the entry point for session operations. Every lookup goes through its Registry.
type Manager struct {
	registry   *Registry
	factory    network.Factory
	creds      *credentials.Store
	router     *Router
	dispatcher Dispatcher
	base       zerolog.Logger
	logger     zerolog.Logger

	eventBuffer         int
	recoveryConcurrency int
	opTimeout           time.Duration
}

// NewManager creates a manager. Factory and Credentials are required.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("network factory is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Router == nil {
		opts.Router = NewRouter(nil, opts.Logger)
	}
	if opts.RecoveryConcurrency <= 0 {
		opts.RecoveryConcurrency = DefaultRecoveryConcurrency
	}

	return &Manager{
		registry:            opts.Registry,
		factory:             opts.Factory,
		creds:               opts.Credentials,
		router:              opts.Router,
		dispatcher:          opts.Dispatcher,
		base:                opts.Logger,
		logger:              opts.Logger.With().Str("component", "session_manager").Logger(),
		eventBuffer:         opts.EventBuffer,
		recoveryConcurrency: opts.RecoveryConcurrency,
		opTimeout:           opts.OperationTimeout,
	}, nil
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *Registry { return m.registry }

// StartSession returns the tenant's handle, creating and starting one if needed.
// Calling it again for a live tenant re-emits the current status.
func (m *Manager) StartSession(ctx context.Context, tenant string) (*Handle, error) {
	ctx = tracing.WithTenantID(ctx, tenant)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.start", tracing.TenantAttribute(tenant))
	defer span.End()

	if err := credentials.ValidateTenant(tenant); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	dir, err := m.creds.Ensure(tenant)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	// A handle that disconnected between lookup and Start is replaced once.
	for attempt := 0; attempt < 2; attempt++ {
		h, created := m.registry.GetOrCreate(tenant, func() *Handle {
			return m.newHandle(tenant, dir)
		})

		err := h.Start(ctx)
		if errors.Is(err, errHandleClosed) {
			m.registry.RemoveIf(tenant, h)
			continue
		}
		if err != nil {
			tracing.FailSpan(span, err)
			return nil, fmt.Errorf("failed to start session: %w", err)
		}

		if created {
			m.logger.Info().Str("tenant_id", tenant).Msg("Session created")
			observability.RecordSessionAudit(ctx, "session_start", tenant, "success", nil)
		}
		return h, nil
	}

	err = fmt.Errorf("failed to start session: %w", errHandleClosed)
	tracing.FailSpan(span, err)
	return nil, err
}

// GetActiveConnection returns the tenant's live handle.
func (m *Manager) GetActiveConnection(tenant string) (*Handle, bool) {
	return m.registry.Get(tenant)
}

// GetLastPairingArtifact returns the most recent pairing code pushed for tenant.
func (m *Manager) GetLastPairingArtifact(tenant string) (string, bool) {
	return m.router.LastPairingArtifact(tenant)
}

// DeleteSession logs the tenant out and removes its credentials. It succeeds even
// when no session exists.
func (m *Manager) DeleteSession(ctx context.Context, tenant string) error {
	ctx = tracing.WithTenantID(ctx, tenant)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.delete", tracing.TenantAttribute(tenant))
	defer span.End()

	if err := credentials.ValidateTenant(tenant); err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)

	if h, ok := m.registry.Get(tenant); ok {
		if err := h.Logout(ctx); err != nil {
			logger.Warn().Err(err).Msg("Logout did not complete")
		}
		m.registry.RemoveIf(tenant, h)

		// A start that raced with the client teardown owns the directory now.
		if cur, ok := m.registry.Get(tenant); ok && cur != h {
			logger.Info().Msg("Session restarted during delete, keeping credentials")
			observability.RecordSessionAudit(ctx, "session_delete", tenant, "success", map[string]interface{}{"restarted": true})
			return nil
		}
	}

	if err := m.creds.Remove(tenant); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove credential directory")
	}
	m.router.Forget(tenant)

	logger.Info().Msg("Session deleted")
	observability.RecordSessionAudit(ctx, "session_delete", tenant, "success", nil)
	return nil
}

// SendMessage sends a text message on the tenant's connection.
func (m *Manager) SendMessage(ctx context.Context, tenant, to, body string) (string, error) {
	h, ok := m.registry.Get(tenant)
	if !ok {
		return "", ErrNoSession
	}
	return h.Send(ctx, to, body)
}

// Sessions returns a snapshot of every live handle.
func (m *Manager) Sessions() []SessionInfo {
	handles := m.registry.List()
	out := make([]SessionInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	return out
}

// Shutdown closes every live handle without logging out.
func (m *Manager) Shutdown(ctx context.Context) error {
	handles := m.registry.List()

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := h.Close(ctx); err != nil {
				m.logger.Warn().Err(err).Str("tenant_id", h.Tenant()).Msg("Session did not close cleanly")
			}
			m.registry.RemoveIf(h.Tenant(), h)
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info().Int("sessions", len(handles)).Msg("Sessions closed")
	return ctx.Err()
}

// HandleEvent implements Listener. Disconnected handles leave the registry before
// the event is pushed; message events go only to the dispatcher.
func (m *Manager) HandleEvent(h *Handle, evt Event) {
	tenant := h.Tenant()

	switch evt.Type {
	case EventMessage:
		if m.dispatcher != nil && evt.Message != nil {
			ctx := tracing.WithTenantID(context.Background(), tenant)
			m.dispatcher.Dispatch(ctx, tenant, *evt.Message)
		}
		return
	case EventDisconnected:
		m.registry.RemoveIf(tenant, h)
		m.logger.Info().Str("tenant_id", tenant).Str("reason", evt.Reason).Msg("Session disconnected")
	case EventError:
		m.logger.Warn().Str("tenant_id", tenant).Str("error", evt.Error).Msg("Session authentication failed")
	case EventReady:
		m.logger.Info().Str("tenant_id", tenant).Msg("Session connected")
	}

	m.router.Route(tenant, evt)
}

func (m *Manager) newHandle(tenant, dir string) *Handle {
	return newHandle(handleConfig{
		tenant:    tenant,
		credDir:   dir,
		factory:   m.factory,
		listener:  m,
		logger:    m.base,
		buffer:    m.eventBuffer,
		opTimeout: m.opTimeout,
	})
}
