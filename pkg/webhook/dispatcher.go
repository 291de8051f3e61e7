package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harun/tenantlink/internal/observability"
	"github.com/harun/tenantlink/internal/tracing"
	"github.com/harun/tenantlink/pkg/commandqueue"
	"github.com/harun/tenantlink/pkg/network"
	"github.com/harun/tenantlink/pkg/tenants"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "tenantlink-webhook/1.0"

	lanePrefix = "webhook:"
)

// Submitter queues a task on a lane without blocking.
type Submitter interface {
	SubmitUnique(ctx context.Context, lane, key string, task commandqueue.Task) error
}

// Options configures a Dispatcher.
type Options struct {
	Tenants   tenants.Provider
	Queue     Submitter
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	Logger    zerolog.Logger
}

// Dispatcher forwards message events to tenant webhooks. Delivery is best-effort and at most once.
type Dispatcher struct {
	tenants   tenants.Provider
	queue     Submitter
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Tenants == nil {
		return nil, errors.New("tenant provider is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}

	observability.EnsureRegistered()

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	return &Dispatcher{
		tenants:   opts.Tenants,
		queue:     opts.Queue,
		client:    opts.Client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    opts.Logger.With().Str("component", "webhook").Logger(),
	}, nil
}

// Dispatch queues delivery of msg on the tenant's lane and returns immediately.
// It never fails: a full lane or a repeated message ID is logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant string, msg network.Message) {
	ctx = tracing.WithTenantID(ctx, tenant)
	key := ""
	if msg.ID != "" {
		key = tenant + ":" + msg.ID
	}

	err := d.queue.SubmitUnique(ctx, lanePrefix+tenant, key, func(taskCtx context.Context) error {
		return d.Deliver(taskCtx, tenant, msg)
	})
	switch {
	case err == nil:
	case errors.Is(err, commandqueue.ErrDuplicate):
		d.logger.Debug().Str("tenant_id", tenant).Str("message_id", msg.ID).Msg("Duplicate message event, webhook skipped")
	default:
		observability.RecordWebhookDelivery("dropped", 0)
		d.logger.Warn().Err(err).Str("tenant_id", tenant).Str("message_id", msg.ID).Msg("Webhook delivery dropped")
	}
}

// Deliver performs one delivery attempt synchronously. A missing tenant, a missing
// webhook and a filtered direction are not errors.
func (d *Dispatcher) Deliver(ctx context.Context, tenant string, msg network.Message) error {
	logger := tracing.LoggerFromContext(ctx, d.logger).With().
		Str("tenant_id", tenant).
		Str("message_id", msg.ID).
		Logger()

	cfg, err := d.tenants.Get(ctx, tenant)
	if errors.Is(err, tenants.ErrNotFound) {
		return nil
	}
	if err != nil {
		observability.RecordWebhookDelivery("error", 0)
		return fmt.Errorf("lookup webhook for %s: %w", tenant, err)
	}
	if !cfg.HasWebhook() {
		return nil
	}

	hook := *cfg.Webhook
	if !hook.Trigger.Allows(msg.FromMe) {
		observability.RecordWebhookDelivery("filtered", 0)
		logger.Debug().
			Str("trigger", string(hook.Trigger.Normalize())).
			Bool("fromMe", msg.FromMe).
			Msg("Message filtered by webhook trigger")
		return nil
	}

	body, err := json.Marshal(NewPayload(msg))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "tenantlink.webhook", "webhook.deliver",
		tracing.TenantAttribute(tenant),
		attribute.Bool("from_me", msg.FromMe),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		observability.RecordWebhookDelivery("error", 0)
		tracing.FailSpan(span, err)
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(TenantHeader, tenant)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, hook.Secret))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		observability.RecordWebhookDelivery("error", duration)
		tracing.FailSpan(span, err)
		logger.Warn().Err(err).Dur("duration", duration).Msg("Webhook delivery failed")
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
		observability.RecordWebhookDelivery("http_error", duration)
		tracing.FailSpan(span, err)
		logger.Warn().Int("status", resp.StatusCode).Dur("duration", duration).Msg("Webhook endpoint rejected delivery")
		return err
	}

	observability.RecordWebhookDelivery("ok", duration)
	logger.Debug().Int("status", resp.StatusCode).Dur("duration", duration).Msg("Webhook delivered")
	return nil
}
