package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort(1))
	assert.NoError(t, v.ValidatePort(65535))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(65536))
}

func TestValidateBridgeURL(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateBridgeURL("ws://127.0.0.1:7070/ws"))
	assert.NoError(t, v.ValidateBridgeURL("wss://bridge.internal/ws"))
	assert.Error(t, v.ValidateBridgeURL("https://bridge.internal/ws"))
	assert.Error(t, v.ValidateBridgeURL("ws://"))
	assert.Error(t, v.ValidateBridgeURL("::not a url"))
}

func TestValidateStoreDriver(t *testing.T) {
	v := NewValidator()

	for _, d := range []string{"memory", "sqlite", "postgres", "redis", "file"} {
		assert.NoError(t, v.ValidateStoreDriver(d), d)
	}
	assert.Error(t, v.ValidateStoreDriver("SQLite"))
}

func TestValidateAdminKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAdminKey(""), "no admin key disables admin routes")
	assert.NoError(t, v.ValidateAdminKey("0123456789abcdef"))
	assert.Error(t, v.ValidateAdminKey("tooshort"))
}
