package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harun/tenantlink/pkg/tenants"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	AdminKeyHeader = "X-Admin-Key"
	APIKeyHeader   = "X-API-Key"

	DefaultTenantClaim = "tenant"
	defaultJWKSTTL     = 6 * time.Hour
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access to tenant denied")
)

// Principal is the identity behind a request.
type Principal struct {
	Tenant string
	Admin  bool
	Method string
}

// Allows reports whether the principal may act on tenant.
func (p Principal) Allows(tenant string) bool {
	return p.Admin || (p.Tenant != "" && p.Tenant == tenant)
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	AdminKey    string
	JWKSURL     string
	Issuer      string
	Audience    string
	HMACSecret  string
	TenantClaim string
	JWKSTTL     time.Duration
}

// Authenticator resolves the admin key, tenant API keys and bearer tokens.
type Authenticator struct {
	cfg     AuthConfig
	tenants tenants.Provider
	jwks    *jwksCache
}

// NewAuthenticator creates an authenticator backed by the tenant store.
func NewAuthenticator(cfg AuthConfig, provider tenants.Provider) *Authenticator {
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = DefaultTenantClaim
	}
	if cfg.JWKSTTL <= 0 {
		cfg.JWKSTTL = defaultJWKSTTL
	}
	return &Authenticator{cfg: cfg, tenants: provider, jwks: &jwksCache{}}
}

// Authenticate identifies the caller of r. tenant is the tenant the request targets;
// API keys and tokens must belong to it.
func (a *Authenticator) Authenticate(r *http.Request, tenant string) (Principal, error) {
	if key := r.Header.Get(AdminKeyHeader); key != "" {
		if a.cfg.AdminKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.cfg.AdminKey)) == 1 {
			return Principal{Admin: true, Method: "admin_key"}, nil
		}
		return Principal{}, ErrUnauthenticated
	}

	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	if key != "" {
		return a.authenticateAPIKey(r.Context(), tenant, key)
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		return a.authenticateToken(r.Context(), tenant, token)
	}

	return Principal{}, ErrUnauthenticated
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, tenant, key string) (Principal, error) {
	if tenant == "" || a.tenants == nil {
		return Principal{}, ErrForbidden
	}

	t, err := a.tenants.Get(ctx, tenant)
	if errors.Is(err, tenants.ErrNotFound) {
		return Principal{}, ErrUnauthenticated
	}
	if err != nil {
		return Principal{}, fmt.Errorf("failed to load tenant: %w", err)
	}
	if !t.VerifyAPIKey(key) {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{Tenant: tenant, Method: "api_key"}, nil
}

func (a *Authenticator) authenticateToken(ctx context.Context, tenant, raw string) (Principal, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true), jwt.WithVerify(true)}

	switch {
	case a.cfg.HMACSecret != "":
		opts = append(opts, jwt.WithKey(jwa.HS256, []byte(a.cfg.HMACSecret)))
	case a.cfg.JWKSURL != "":
		set, err := a.jwks.get(ctx, a.cfg.JWKSURL, a.cfg.JWKSTTL)
		if err != nil {
			return Principal{}, fmt.Errorf("failed to fetch jwks: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(set))
	default:
		return Principal{}, ErrUnauthenticated
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}

	claim, _ := tok.Get(a.cfg.TenantClaim)
	subject, _ := claim.(string)
	if subject == "" {
		return Principal{}, ErrForbidden
	}
	if tenant != "" && subject != tenant {
		return Principal{}, ErrForbidden
	}
	return Principal{Tenant: subject, Method: "jwt"}, nil
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

// jwksCache caches key sets per URL.
type jwksCache struct {
	mu   sync.RWMutex
	sets map[string]cachedJWKS
}

type cachedJWKS struct {
	set     jwk.Set
	expires time.Time
}

func (c *jwksCache) get(ctx context.Context, url string, ttl time.Duration) (jwk.Set, error) {
	c.mu.RLock()
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		c.mu.RUnlock()
		return e.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string]cachedJWKS{}
	}
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		return e.set, nil
	}
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.sets[url] = cachedJWKS{set: set, expires: time.Now().Add(ttl)}
	return set, nil
}
