package daemon

import (
	"context"
	"time"
)

const defaultMaintenanceInterval = 30 * time.Second

// EventLoop handles the main event processing loop
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultMaintenanceInterval,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	logger := e.daemon.logger.Component("eventloop")
	logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks logs a heartbeat of live sessions, subscribers and webhook lanes.
func (e *EventLoop) processTasks() {
	stats := e.daemon.Status()
	logger := e.daemon.logger.Component("eventloop")

	logger.Debug().
		Int("sessions", stats.Sessions).
		Int("subscribers", stats.Subscribers).
		Int("webhook_lanes", e.daemon.queue.Lanes()).
		Dur("uptime", stats.Uptime).
		Msg("Heartbeat")

	for _, info := range e.daemon.manager.Sessions() {
		if info.Pairing {
			tl := e.daemon.logger.Tenant("eventloop", info.Tenant)
			tl.Debug().
				Time("since", info.UpdatedAt).
				Msg("Session awaiting pairing")
		}
	}
}
