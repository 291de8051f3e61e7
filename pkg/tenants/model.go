package tenants

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"
)

// Trigger selects which message directions are forwarded to a webhook.
type Trigger string

const (
	TriggerIncoming Trigger = "incoming"
	TriggerOutgoing Trigger = "outgoing"
	TriggerBoth     Trigger = "both"
)

// APIKeyPrefix marks tenant API keys so they are recognisable (and redactable) in logs.
const APIKeyPrefix = "tlk_"

const apiKeyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ErrInvalidWebhook is returned by Webhook.Validate.
var ErrInvalidWebhook = errors.New("invalid webhook configuration")

// Normalize maps the empty trigger to TriggerBoth.
func (t Trigger) Normalize() Trigger {
	if t == "" {
		return TriggerBoth
	}
	return t
}

// Valid reports whether t is a known trigger. Empty is valid.
func (t Trigger) Valid() bool {
	switch t.Normalize() {
	case TriggerIncoming, TriggerOutgoing, TriggerBoth:
		return true
	}
	return false
}

// Allows reports whether a message in the given direction passes the filter.
func (t Trigger) Allows(fromMe bool) bool {
	switch t.Normalize() {
	case TriggerIncoming:
		return !fromMe
	case TriggerOutgoing:
		return fromMe
	case TriggerBoth:
		return true
	}
	return false
}

// Webhook is where a tenant's message events are delivered.
type Webhook struct {
	URL     string  `json:"url" yaml:"url"`
	Trigger Trigger `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Secret  string  `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// Validate checks the URL scheme and host and the trigger value.
func (w Webhook) Validate() error {
	u, err := url.Parse(w.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrInvalidWebhook)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrInvalidWebhook)
	}
	if !w.Trigger.Valid() {
		return fmt.Errorf("%w: unknown trigger %q", ErrInvalidWebhook, w.Trigger)
	}
	return nil
}

// Tenant is the stored configuration of one tenant.
type Tenant struct {
	ID         string    `json:"id" yaml:"id"`
	Webhook    *Webhook  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	APIKeyHash string    `json:"api_key_hash,omitempty" yaml:"api_key_hash,omitempty"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// HasWebhook reports whether message events should be forwarded at all.
func (t Tenant) HasWebhook() bool {
	return t.Webhook != nil && strings.TrimSpace(t.Webhook.URL) != ""
}

// GenerateAPIKey returns a new random tenant API key.
func GenerateAPIKey() (string, error) {
	id, err := gonanoid.Generate(apiKeyAlphabet, 32)
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + id, nil
}

// SetAPIKey stores the bcrypt hash of key.
func (t *Tenant) SetAPIKey(key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash api key: %w", err)
	}
	t.APIKeyHash = string(hash)
	return nil
}

// VerifyAPIKey reports whether key matches the stored hash.
func (t Tenant) VerifyAPIKey(key string) bool {
	if t.APIKeyHash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(t.APIKeyHash), []byte(key)) == nil
}
