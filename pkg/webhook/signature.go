package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	// SignatureHeader carries the HMAC of the request body when the tenant set a secret.
	SignatureHeader = "X-Signature-256"
	// TenantHeader names the tenant a delivery belongs to.
	TenantHeader = "X-Tenant-Id"
)

// Sign computes the "sha256=<hex>" HMAC-SHA256 signature of body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(h.Sum(nil)))
}

// Verify checks a signature produced by Sign. Receivers can use it to authenticate deliveries.
func Verify(body []byte, signature, secret string) bool {
	expected := Sign(body, secret)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}
