package config

import (
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// Config represents the main tenantlink configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// HTTP API and push transport
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Bearer token verification
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Session lifecycle
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Messaging network driver
	Network NetworkConfig `json:"network" mapstructure:"network"`

	// Webhook delivery
	Webhook WebhookConfig `json:"webhook" mapstructure:"webhook"`

	// Tenant configuration store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	AuditFile  string `json:"audit_file" mapstructure:"audit_file"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	AdminKey           string `json:"admin_key" mapstructure:"admin_key"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	PingIntervalMs     int    `json:"ping_interval_ms" mapstructure:"ping_interval_ms"`
	ShutdownTimeoutMs  int    `json:"shutdown_timeout_ms" mapstructure:"shutdown_timeout_ms"`
	PIDFile            string `json:"pid_file" mapstructure:"pid_file"`
}

// AuthConfig holds bearer token settings. Either a JWKS URL or an HMAC secret.
type AuthConfig struct {
	JWKSURL     string `json:"jwks_url" mapstructure:"jwks_url"`
	Issuer      string `json:"issuer" mapstructure:"issuer"`
	Audience    string `json:"audience" mapstructure:"audience"`
	HMACSecret  string `json:"hmac_secret" mapstructure:"hmac_secret"`
	TenantClaim string `json:"tenant_claim" mapstructure:"tenant_claim"`
}

// SessionsConfig holds session manager configuration
type SessionsConfig struct {
	CredentialsDir      string `json:"credentials_dir" mapstructure:"credentials_dir"`
	RecoverOnStart      bool   `json:"recover_on_start" mapstructure:"recover_on_start"`
	RecoveryConcurrency int    `json:"recovery_concurrency" mapstructure:"recovery_concurrency"`
	ProbeSchedule       string `json:"probe_schedule" mapstructure:"probe_schedule"` // empty disables probing
	ProbeTimeoutMs      int    `json:"probe_timeout_ms" mapstructure:"probe_timeout_ms"`
	EventBuffer         int    `json:"event_buffer" mapstructure:"event_buffer"`
	OperationTimeoutMs  int    `json:"operation_timeout_ms" mapstructure:"operation_timeout_ms"`
}

// NetworkConfig selects the messaging network driver
type NetworkConfig struct {
	Driver           string `json:"driver" mapstructure:"driver"` // bridge
	BridgeURL        string `json:"bridge_url" mapstructure:"bridge_url"`
	DialTimeoutMs    int    `json:"dial_timeout_ms" mapstructure:"dial_timeout_ms"`
	RequestTimeoutMs int    `json:"request_timeout_ms" mapstructure:"request_timeout_ms"`
}

// WebhookConfig holds webhook delivery configuration
type WebhookConfig struct {
	TimeoutMs     int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	LaneDepth     int    `json:"lane_depth" mapstructure:"lane_depth"`
	DedupWindowMs int    `json:"dedup_window_ms" mapstructure:"dedup_window_ms"`
	UserAgent     string `json:"user_agent" mapstructure:"user_agent"`
}

// StoreConfig selects the tenant store
type StoreConfig struct {
	Driver   string `json:"driver" mapstructure:"driver"` // memory, sqlite, postgres, redis, file
	Path     string `json:"path" mapstructure:"path"`
	DSN      string `json:"dsn" mapstructure:"dsn"`
	RedisURL string `json:"redis_url" mapstructure:"redis_url"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// NetworkDriverBridge is the sidecar bridge driver.
const NetworkDriverBridge = "bridge"

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 10,
			Compress:   true,
			Redaction:  true,
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerMinute: 120,
			PingIntervalMs:     30000,
			ShutdownTimeoutMs:  15000,
		},
		Auth: AuthConfig{
			TenantClaim: "tenant",
		},
		Sessions: SessionsConfig{
			RecoverOnStart:      true,
			RecoveryConcurrency: 4,
			ProbeSchedule:       "@every 1m",
			ProbeTimeoutMs:      10000,
			EventBuffer:         32,
			OperationTimeoutMs:  15000,
		},
		Network: NetworkConfig{
			Driver:           NetworkDriverBridge,
			BridgeURL:        "ws://127.0.0.1:7070/ws",
			DialTimeoutMs:    10000,
			RequestTimeoutMs: 30000,
		},
		Webhook: WebhookConfig{
			TimeoutMs:     10000,
			LaneDepth:     64,
			DedupWindowMs: 300000,
			UserAgent:     "tenantlink-webhook/1.0",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "tenantlink",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Server.AdminKey = mask(c.Server.AdminKey)
	masked.Auth.HMACSecret = mask(c.Auth.HMACSecret)
	masked.Store.DSN = mask(c.Store.DSN)
	masked.Store.RedisURL = mask(c.Store.RedisURL)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return millis(c.Server.ShutdownTimeoutMs)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Durations of the millisecond settings.

func (s ServerConfig) PingInterval() time.Duration { return millis(s.PingIntervalMs) }
func (s SessionsConfig) ProbeTimeout() time.Duration { return millis(s.ProbeTimeoutMs) }
func (s SessionsConfig) OperationTimeout() time.Duration { return millis(s.OperationTimeoutMs) }
func (n NetworkConfig) DialTimeout() time.Duration { return millis(n.DialTimeoutMs) }
func (n NetworkConfig) RequestTimeout() time.Duration { return millis(n.RequestTimeoutMs) }
func (w WebhookConfig) Timeout() time.Duration { return millis(w.TimeoutMs) }
func (w WebhookConfig) DedupWindow() time.Duration { return millis(w.DedupWindowMs) }
