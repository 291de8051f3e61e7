package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/tenantlink/pkg/session"
	"github.com/harun/tenantlink/pkg/tenants"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validator validates individual configuration values. The wizard uses it on
// user input; Config.Validate uses it on the whole file.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	for _, valid := range validLogLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be: %s)", level, strings.Join(validLogLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateBridgeURL validates the sidecar WebSocket URL
func (v *Validator) ValidateBridgeURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid bridge url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid bridge url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid bridge url %q: host is required", raw)
	}
	return nil
}

// ValidateStoreDriver validates a tenant store driver name
func (v *Validator) ValidateStoreDriver(driver string) error {
	for _, d := range tenants.Drivers {
		if driver == d {
			return nil
		}
	}
	return fmt.Errorf("invalid store driver: %s (must be: %s)", driver, strings.Join(tenants.Drivers, ", "))
}

// ValidateAdminKey rejects admin keys too short to resist guessing
func (v *Validator) ValidateAdminKey(key string) error {
	if key != "" && len(key) < 16 {
		return fmt.Errorf("admin key must be at least 16 characters")
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	// Server
	if err := v.ValidatePort(c.Server.Port); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := v.ValidateAdminKey(c.Server.AdminKey); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("server: rate_limit_per_minute cannot be negative")
	}
	if c.Server.ShutdownTimeoutMs <= 0 {
		return fmt.Errorf("server: shutdown_timeout_ms must be positive")
	}

	// Auth
	if c.Auth.JWKSURL != "" && c.Auth.HMACSecret != "" {
		return fmt.Errorf("auth: jwks_url and hmac_secret are mutually exclusive")
	}
	if c.Auth.JWKSURL != "" {
		if u, err := url.Parse(c.Auth.JWKSURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("auth: invalid jwks_url %q", c.Auth.JWKSURL)
		}
	}

	// Sessions
	if c.Sessions.CredentialsDir == "" {
		return fmt.Errorf("sessions: credentials_dir is required")
	}
	if c.Sessions.RecoveryConcurrency < 0 || c.Sessions.EventBuffer < 0 {
		return fmt.Errorf("sessions: recovery_concurrency and event_buffer cannot be negative")
	}
	if c.Sessions.ProbeSchedule != "" {
		if err := session.ValidateSchedule(c.Sessions.ProbeSchedule); err != nil {
			return fmt.Errorf("sessions: %w", err)
		}
	}

	// Network
	switch c.Network.Driver {
	case NetworkDriverBridge:
		if err := v.ValidateBridgeURL(c.Network.BridgeURL); err != nil {
			return fmt.Errorf("network: %w", err)
		}
	default:
		return fmt.Errorf("network: unknown driver %q", c.Network.Driver)
	}

	// Webhook
	if c.Webhook.TimeoutMs < 0 || c.Webhook.LaneDepth < 0 || c.Webhook.DedupWindowMs < 0 {
		return fmt.Errorf("webhook: timeout_ms, lane_depth and dedup_window_ms cannot be negative")
	}

	// Store
	if err := v.ValidateStoreDriver(c.Store.Driver); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	switch c.Store.Driver {
	case tenants.DriverSQLite, tenants.DriverFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store: path is required for the %s driver", c.Store.Driver)
		}
	case tenants.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: dsn is required for the postgres driver")
		}
	case tenants.DriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store: redis_url is required for the redis driver")
		}
	}

	return nil
}
