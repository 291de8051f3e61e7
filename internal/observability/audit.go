package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/harun/tenantlink/internal/logger"
	"github.com/harun/tenantlink/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event categories.
const (
	AuditSession  = "session"
	AuditTenant   = "tenant"
	AuditSecurity = "security"
)

const (
	auditMaxSizeMB  = 50
	auditMaxAgeDays = 90
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Type      string
	Timestamp time.Time
	Actor     string // tenant ID, "admin" or a client address
	Tenant    string // tenant acted on, when different from Actor
	Action    string // e.g. "session_start", "webhook_update"
	Status    string // "success", "failure", "denied"
	Metadata  map[string]interface{}
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	sink   io.Closer
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

func stderrAudit() *AuditLogger {
	return &AuditLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// GetAuditLogger returns the process audit logger. Until InitAuditLogger succeeds it writes to stderr.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = stderrAudit()
	}
	return auditInst
}

// InitAuditLogger sends audit events to a rotating file at path, replacing the current sink.
func InitAuditLogger(path string) error {
	w, err := logger.NewRotatingWriter(path, logger.RotationOptions{
		MaxSizeMB:  auditMaxSizeMB,
		MaxAgeDays: auditMaxAgeDays,
		Compress:   true,
		Mode:       0600,
	})
	if err != nil {
		return err
	}
	// The trail names tenants and client addresses. An existing file keeps its old mode on open.
	if err := os.Chmod(path, 0600); err != nil {
		_ = w.Close()
		return err
	}

	auditMu.Lock()
	prev := auditInst
	auditInst = &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
		sink:   w,
	}
	auditMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Record writes event, filling trace, tenant and request ids from ctx. When ctx
// carries a recording span the event is also added to it.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	tc := tracing.FromContext(ctx)
	if event.Tenant == "" {
		event.Tenant = tc.TenantID
	}

	traceID := tc.TraceID
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		if traceID == "" {
			traceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("at", event.Timestamp).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("actor", event.Actor)
	if event.Tenant != "" {
		entry = entry.Str("tenant_id", event.Tenant)
	}
	if traceID != "" {
		entry = entry.Str("trace_id", traceID)
	}
	if tc.RequestID != "" {
		entry = entry.Str("request_id", tc.RequestID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close releases the file sink. Later events go to stderr.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sink == nil {
		return nil
	}
	err := a.sink.Close()
	a.sink = nil
	a.logger = stderrAudit().logger
	return err
}

// RecordSessionAudit records a session lifecycle action such as start or delete.
func RecordSessionAudit(ctx context.Context, action, tenant, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSession,
		Actor:    tenant,
		Tenant:   tenant,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordSecurityAudit records an authentication or authorization decision.
func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSecurity,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordTenantAudit records a change to a tenant's configuration.
func RecordTenantAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTenant,
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
