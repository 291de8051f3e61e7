package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runWizard(t *testing.T, base *Config, answers ...string) (*Config, string) {
	t.Helper()
	var out bytes.Buffer
	cfg, err := NewWizard(strings.NewReader(strings.Join(answers, "\n")+"\n"), &out).Run(base)
	require.NoError(t, err)
	return cfg, out.String()
}

func TestWizardAcceptsDefaults(t *testing.T) {
	base := DefaultConfig()
	cfg, out := runWizard(t, base, "", "", "", "", "", "")

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Len(t, cfg.Server.AdminKey, 40)
	assert.Contains(t, out, "Generated admin key")
	assert.Equal(t, base.Network.BridgeURL, cfg.Network.BridgeURL)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, base.Server.AdminKey, "base config is not modified")
}

func TestWizardRepromptsOnInvalidInput(t *testing.T) {
	cfg, out := runWizard(t, DefaultConfig(),
		"not-a-port", "9090",
		"short", "0123456789abcdef",
		"http://bridge", "wss://bridge.internal/ws",
		"mongo", "postgres",
		"", "postgres://db/tenants",
		"loud",
	)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0123456789abcdef", cfg.Server.AdminKey)
	assert.Equal(t, "wss://bridge.internal/ws", cfg.Network.BridgeURL)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://db/tenants", cfg.Store.DSN)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Contains(t, out, "postgres dsn is required")
	assert.Contains(t, out, "Warning: invalid log level")
}

func TestWizardKeepsExistingAdminKey(t *testing.T) {
	base := DefaultConfig()
	base.Server.AdminKey = "existing-admin-key-value"

	cfg, out := runWizard(t, base, "", "", "", "memory", "debug")
	assert.Equal(t, "existing-admin-key-value", cfg.Server.AdminKey)
	assert.NotContains(t, out, "Generated admin key")
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestWizardFailsOnClosedInput(t *testing.T) {
	_, err := NewWizard(strings.NewReader(""), &bytes.Buffer{}).Run(DefaultConfig())
	assert.Error(t, err)
}
