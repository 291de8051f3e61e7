package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/tenantlink/pkg/tenants"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminKey = "admin-secret"
	testHMAC     = "hmac-secret-for-tests"
)

func tenantWithKey(t *testing.T, id string) (tenants.Tenant, string) {
	t.Helper()
	key, err := tenants.GenerateAPIKey()
	require.NoError(t, err)
	tenant := tenants.Tenant{ID: id}
	require.NoError(t, tenant.SetAPIKey(key))
	return tenant, key
}

func hmacToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	tok := jwt.New()
	for k, v := range claims {
		require.NoError(t, tok.Set(k, v))
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testHMAC)))
	require.NoError(t, err)
	return string(signed)
}

func TestAuthenticateAdminKey(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{AdminKey: testAdminKey}, tenants.NewMemoryProvider())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(AdminKeyHeader, testAdminKey)
	p, err := auth.Authenticate(r, "u1")
	require.NoError(t, err)
	assert.True(t, p.Admin)
	assert.True(t, p.Allows("anyone"))

	r.Header.Set(AdminKeyHeader, "wrong")
	_, err = auth.Authenticate(r, "u1")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateAdminKeyUnset(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, tenants.NewMemoryProvider())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(AdminKeyHeader, "")
	_, err := auth.Authenticate(r, "u1")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r.Header.Set(AdminKeyHeader, "anything")
	_, err = auth.Authenticate(r, "u1")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateAPIKey(t *testing.T) {
	tenant, key := tenantWithKey(t, "u1")
	auth := NewAuthenticator(AuthConfig{}, tenants.NewMemoryProvider(tenant))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(APIKeyHeader, key)
	p, err := auth.Authenticate(r, "u1")
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "u1", Method: "api_key"}, p)
	assert.False(t, p.Allows("u2"))

	q := httptest.NewRequest(http.MethodGet, "/ws?api_key="+key, nil)
	_, err = auth.Authenticate(q, "u1")
	assert.NoError(t, err)

	_, err = auth.Authenticate(r, "u2")
	assert.ErrorIs(t, err, ErrUnauthenticated, "unknown tenant")

	_, err = auth.Authenticate(r, "")
	assert.ErrorIs(t, err, ErrForbidden, "api keys are tenant scoped")

	r.Header.Set(APIKeyHeader, "tlk_wrong")
	_, err = auth.Authenticate(r, "u1")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateNoCredentials(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: testHMAC}, tenants.NewMemoryProvider())
	_, err := auth.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil), "u1")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateHMACToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: testHMAC, Issuer: "tenantlink-tests"}, tenants.NewMemoryProvider())

	good := hmacToken(t, map[string]interface{}{
		jwt.IssuerKey:     "tenantlink-tests",
		jwt.ExpirationKey: time.Now().Add(time.Hour),
		"tenant":          "u1",
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+good)
	p, err := auth.Authenticate(r, "u1")
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "u1", Method: "jwt"}, p)

	q := httptest.NewRequest(http.MethodGet, "/ws?token="+good, nil)
	_, err = auth.Authenticate(q, "u1")
	assert.NoError(t, err)

	_, err = auth.Authenticate(r, "u2")
	assert.ErrorIs(t, err, ErrForbidden)

	cases := map[string]map[string]interface{}{
		"expired": {
			jwt.IssuerKey:     "tenantlink-tests",
			jwt.ExpirationKey: time.Now().Add(-time.Hour),
			"tenant":          "u1",
		},
		"wrong issuer": {
			jwt.IssuerKey: "someone-else",
			"tenant":      "u1",
		},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Authorization", "Bearer "+hmacToken(t, claims))
			_, err := auth.Authenticate(r, "u1")
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}

	t.Run("missing tenant claim", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+hmacToken(t, map[string]interface{}{jwt.IssuerKey: "tenantlink-tests"}))
		_, err := auth.Authenticate(r, "u1")
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("bad signature", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+good+"x")
		_, err := auth.Authenticate(r, "u1")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestAuthenticateCustomTenantClaim(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: testHMAC, TenantClaim: "org"}, tenants.NewMemoryProvider())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer "+hmacToken(t, map[string]interface{}{"org": "u1"}))
	p, err := auth.Authenticate(r, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.Tenant)
}

func TestAuthenticateJWKS(t *testing.T) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := priv.PublicKey()
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	tok := jwt.New()
	require.NoError(t, tok.Set("tenant", "u1"))
	require.NoError(t, tok.Set(jwt.AudienceKey, "tenantlink"))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)

	auth := NewAuthenticator(AuthConfig{JWKSURL: srv.URL, Audience: "tenantlink"}, tenants.NewMemoryProvider())

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+string(signed))
		p, err := auth.Authenticate(r, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", p.Tenant)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches), "key set is cached")
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer  abc ")
	assert.Equal(t, "abc", bearerToken(r))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := principalFromContext(context.Background())
	assert.False(t, ok)

	ctx := withPrincipal(context.Background(), Principal{Tenant: "u1"})
	p, ok := principalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", p.Tenant)
}
