// Package jwks validates bearer tokens locally against a JSON Web Key Set.
//
// It fetches RSA public keys from a standard JWKS endpoint (RFC 7517), caches
// them, and verifies RS256 signatures without a round trip to the identity
// provider per token. Compatible with any OIDC-compliant identity provider.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	iam "github.com/chimerakang/iam-cache"
)

const opVerify = "jwks.verify"

// Verifier turns signed access tokens into iam.TokenValidation results.
type Verifier struct {
	jwksURL         string
	httpClient      *http.Client
	refreshInterval time.Duration
	clock           clock.Clock
	issuer          string
	audience        string

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey // kid → public key
	lastFetch time.Time

	sf singleflight.Group
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets a custom HTTP client for fetching JWKS.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithRefreshInterval sets how often cached keys are refreshed.
// Default: 1 hour.
func WithRefreshInterval(d time.Duration) Option {
	return func(v *Verifier) { v.refreshInterval = d }
}

// WithClock sets the time source for expiry checks and key refresh.
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithAudience requires aud to contain aud.
func WithAudience(aud string) Option {
	return func(v *Verifier) { v.audience = aud }
}

// NewVerifier creates a new JWKS-based token verifier.
func NewVerifier(jwksURL string, opts ...Option) *Verifier {
	v := &Verifier{
		jwksURL:         jwksURL,
		httpClient:      http.DefaultClient,
		refreshInterval: 1 * time.Hour,
		clock:           clock.New(),
		keys:            make(map[string]*rsa.PublicKey),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify validates tokenString and returns its validation result.
//
// Errors are *iam.AuthError: TokenExpired for a past exp, ProviderUnavailable
// when no key could be fetched, TokenInvalid otherwise.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*iam.TokenValidation, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	parser := jwt.NewParser(parserOpts...)

	var fetchErr error
	token, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := v.getKey(ctx, kid)
		if err != nil {
			fetchErr = err
		}
		return key, err
	})
	switch {
	case fetchErr != nil && !errors.Is(fetchErr, errKeyNotFound):
		return nil, iam.Unavailable(opVerify, fetchErr)
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, iam.NewAuthError(iam.KindTokenExpired, opVerify, err)
	case err != nil:
		return nil, iam.NewAuthError(iam.KindTokenInvalid, opVerify, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, iam.NewAuthError(iam.KindTokenInvalid, opVerify, errors.New("invalid token claims"))
	}
	return toValidation(mapClaims)
}

var errKeyNotFound = errors.New("iam/jwks: key not found")

// getKey returns the RSA public key for the given kid, fetching/refreshing as needed.
func (v *Verifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, found := v.keys[kid]
	stale := v.clock.Since(v.lastFetch) > v.refreshInterval
	v.mu.RUnlock()

	if found && !stale {
		return key, nil
	}

	// Fetch fresh keys (kid mismatch or cache expired)
	_, err, _ := v.sf.Do("refresh", func() (interface{}, error) {
		return nil, v.refresh(ctx)
	})
	if err != nil {
		if found {
			return key, nil // use stale key if refresh fails
		}
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if key, ok := v.keys[kid]; ok {
		return key, nil
	}

	// No kid specified: use the first available key
	if kid == "" {
		for _, k := range v.keys {
			return k, nil
		}
	}

	return nil, fmt.Errorf("%w for kid %q", errKeyNotFound, kid)
}

// refresh fetches the JWKS from the configured URL and updates the cache.
func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("iam/jwks: create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("iam/jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("iam/jwks: fetch returned status %d", resp.StatusCode)
	}

	var jwksResp jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return fmt.Errorf("iam/jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwksResp.Keys))
	for _, jwk := range jwksResp.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := jwk.rsaPublicKey()
		if err != nil {
			continue // skip malformed keys
		}
		keys[jwk.Kid] = pub
	}

	if len(keys) == 0 {
		return fmt.Errorf("iam/jwks: no valid RSA signing keys found")
	}

	v.mu.Lock()
	v.keys = keys
	v.lastFetch = v.clock.Now()
	v.mu.Unlock()

	return nil
}

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *jwkKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// toValidation reads sub, exp and role claims. Roles come from a flat
// "roles" array or the realm_access.roles object OIDC servers such as
// Keycloak emit.
func toValidation(m jwt.MapClaims) (*iam.TokenValidation, error) {
	sub, err := m.GetSubject()
	if err != nil || sub == "" {
		return nil, iam.NewAuthError(iam.KindTokenInvalid, opVerify, errors.New("missing sub claim"))
	}
	exp, err := m.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, iam.NewAuthError(iam.KindTokenInvalid, opVerify, errors.New("missing exp claim"))
	}

	tv := &iam.TokenValidation{
		Valid:     true,
		UserID:    sub,
		ExpiresAt: exp.Time,
	}
	tv.Roles = appendStrings(tv.Roles, m["roles"])
	if ra, ok := m["realm_access"].(map[string]interface{}); ok {
		tv.Roles = appendStrings(tv.Roles, ra["roles"])
	}
	return tv, nil
}

func appendStrings(dst []string, v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return dst
	}
	for _, item := range list {
		if s, ok := item.(string); ok {
			dst = append(dst, s)
		}
	}
	return dst
}
