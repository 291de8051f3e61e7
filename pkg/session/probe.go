package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tenantlink/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultProbeSchedule = "@every 1m"
	DefaultProbeTimeout  = 10 * time.Second

	remoteStateError = "ERROR"
)

// scheduleParser accepts standard five-field expressions and descriptors such as "@every 1m".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a schedule the prober accepts.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", expr, err)
	}
	return nil
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	Schedule string
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Prober periodically asks connected handles for the state the network reports.
// It only observes; handle state is never changed.
type Prober struct {
	registry *Registry
	timeout  time.Duration
	logger   zerolog.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewProber creates a prober for the handles in registry.
func NewProber(registry *Registry, opts ProberOptions) (*Prober, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultProbeSchedule
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}

	p := &Prober{
		registry: registry,
		timeout:  opts.Timeout,
		logger:   opts.Logger.With().Str("component", "prober").Logger(),
		cron:     cron.New(cron.WithParser(scheduleParser)),
	}

	if _, err := p.cron.AddFunc(opts.Schedule, func() {
		p.ProbeOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid probe schedule %q: %w", opts.Schedule, err)
	}
	return p, nil
}

// Start begins the schedule.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.cron.Start()
}

// Stop halts the schedule and waits for a running probe to finish or ctx to expire.
func (p *Prober) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	select {
	case <-p.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProbeOnce queries every CONNECTED handle and returns the count per remote state.
func (p *Prober) ProbeOnce(ctx context.Context) map[string]int {
	counts := make(map[string]int)

	for _, h := range p.registry.List() {
		if h.State() != StateConnected {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		remote, err := h.RemoteState(probeCtx)
		cancel()

		if err != nil {
			counts[remoteStateError]++
			p.logger.Warn().Err(err).Str("tenant_id", h.Tenant()).Msg("Remote state probe failed")
			continue
		}
		counts[remote]++
		if remote != string(StateConnected) {
			p.logger.Warn().
				Str("tenant_id", h.Tenant()).
				Str("remote_state", remote).
				Msg("Remote state disagrees with local state")
		}
	}

	observability.SetRemoteStates(counts)
	return counts
}
