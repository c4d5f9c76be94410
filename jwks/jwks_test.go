package jwks_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	iam "github.com/chimerakang/iam-cache"
	"github.com/chimerakang/iam-cache/jwks"
)

// testSetup creates an RSA key pair and a fake JWKS HTTP server.
func testSetup(t *testing.T, kid string) (*rsa.PrivateKey, *httptest.Server, *atomic.Int32) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	server, fetches := jwksServer(t, kid, &privateKey.PublicKey)
	return privateKey, server, fetches
}

func jwksServer(t *testing.T, kid string, pub *rsa.PublicKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	fetches := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(jwksBody(kid, pub))
	}))
	t.Cleanup(server.Close)
	return server, fetches
}

func jwksBody(kid string, pub *rsa.PublicKey) map[string]interface{} {
	return map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "RSA",
				"use": "sig",
				"kid": kid,
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVerify_ValidToken(t *testing.T) {
	kid := "key-1"
	privKey, server, _ := testSetup(t, kid)

	verifier := jwks.NewVerifier(server.URL)

	exp := time.Now().Add(1 * time.Hour).Truncate(time.Second)
	tokenStr := signToken(t, privKey, kid, jwt.MapClaims{
		"sub":          "user-123",
		"iss":          "test-issuer",
		"roles":        []string{"admin"},
		"realm_access": map[string]interface{}{"roles": []string{"editor"}},
		"exp":          exp.Unix(),
		"iat":          time.Now().Unix(),
	})

	tv, err := verifier.Verify(context.Background(), tokenStr)
	if err != nil {
		t.Fatalf("Verify() unexpected error: %v", err)
	}

	if !tv.Valid {
		t.Error("Valid = false, want true")
	}
	if tv.UserID != "user-123" {
		t.Errorf("UserID = %q, want %q", tv.UserID, "user-123")
	}
	if !tv.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", tv.ExpiresAt, exp)
	}
	if len(tv.Roles) != 2 || tv.Roles[0] != "admin" || tv.Roles[1] != "editor" {
		t.Errorf("Roles = %v, want [admin editor]", tv.Roles)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	kid := "key-1"
	privKey, server, _ := testSetup(t, kid)

	verifier := jwks.NewVerifier(server.URL)

	tokenStr := signToken(t, privKey, kid, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-1 * time.Hour).Unix(),
	})

	_, err := verifier.Verify(context.Background(), tokenStr)
	if !errors.Is(err, iam.ErrTokenExpired) {
		t.Fatalf("Verify() error = %v, want TokenExpired", err)
	}
}

func TestVerify_ExpiryFollowsClock(t *testing.T) {
	kid := "key-1"
	privKey, server, _ := testSetup(t, kid)

	clk := clock.NewMock()
	clk.Set(time.Now())
	verifier := jwks.NewVerifier(server.URL, jwks.WithClock(clk))

	tokenStr := signToken(t, privKey, kid, jwt.MapClaims{
		"sub": "user-1",
		"exp": clk.Now().Add(10 * time.Second).Unix(),
	})
	if _, err := verifier.Verify(context.Background(), tokenStr); err != nil {
		t.Fatalf("Verify() before exp error: %v", err)
	}

	clk.Add(11 * time.Second)
	if _, err := verifier.Verify(context.Background(), tokenStr); !errors.Is(err, iam.ErrTokenExpired) {
		t.Fatalf("Verify() after exp error = %v, want TokenExpired", err)
	}
}

func TestVerify_InvalidSignature(t *testing.T) {
	kid := "key-1"
	_, server, _ := testSetup(t, kid)

	// Sign with a DIFFERENT key not in JWKS
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	verifier := jwks.NewVerifier(server.URL)

	tokenStr := signToken(t, otherKey, kid, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})

	_, err = verifier.Verify(context.Background(), tokenStr)
	if !errors.Is(err, iam.ErrTokenInvalid) {
		t.Fatalf("Verify() error = %v, want TokenInvalid", err)
	}
}

func TestVerify_MissingSubject(t *testing.T) {
	kid := "key-1"
	privKey, server, _ := testSetup(t, kid)

	verifier := jwks.NewVerifier(server.URL)
	tokenStr := signToken(t, privKey, kid, jwt.MapClaims{
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})

	if _, err := verifier.Verify(context.Background(), tokenStr); !errors.Is(err, iam.ErrTokenInvalid) {
		t.Fatalf("Verify() error = %v, want TokenInvalid", err)
	}
}

func TestVerify_IssuerMismatch(t *testing.T) {
	kid := "key-1"
	privKey, server, _ := testSetup(t, kid)

	verifier := jwks.NewVerifier(server.URL, jwks.WithIssuer("https://idp.example.com/realms/main"))
	tokenStr := signToken(t, privKey, kid, jwt.MapClaims{
		"sub": "user-1",
		"iss": "https://evil.example.com",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})

	if _, err := verifier.Verify(context.Background(), tokenStr); !errors.Is(err, iam.ErrTokenInvalid) {
		t.Fatalf("Verify() error = %v, want TokenInvalid", err)
	}
}

func TestVerify_KidMismatchTriggersRefresh(t *testing.T) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	// Server starts with key "key-1", then switches to "key-2"
	var currentKid atomic.Value
	currentKid.Store("key-1")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksBody(currentKid.Load().(string), &privKey.PublicKey))
	}))
	defer server.Close()

	verifier := jwks.NewVerifier(server.URL)

	tokenStr := signToken(t, privKey, "key-1", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
	if _, err := verifier.Verify(context.Background(), tokenStr); err != nil {
		t.Fatalf("first Verify() error: %v", err)
	}

	// Server rotates to key-2
	currentKid.Store("key-2")

	tokenStr2 := signToken(t, privKey, "key-2", jwt.MapClaims{
		"sub": "user-2",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
	tv, err := verifier.Verify(context.Background(), tokenStr2)
	if err != nil {
		t.Fatalf("second Verify() after rotation error: %v", err)
	}
	if tv.UserID != "user-2" {
		t.Errorf("UserID = %q, want %q", tv.UserID, "user-2")
	}
}

func TestVerify_NoKid(t *testing.T) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	server, _ := jwksServer(t, "the-key", &privKey.PublicKey)

	verifier := jwks.NewVerifier(server.URL)

	tokenStr := signToken(t, privKey, "", jwt.MapClaims{
		"sub": "user-no-kid",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})

	tv, err := verifier.Verify(context.Background(), tokenStr)
	if err != nil {
		t.Fatalf("Verify() without kid error: %v", err)
	}
	if tv.UserID != "user-no-kid" {
		t.Errorf("UserID = %q, want %q", tv.UserID, "user-no-kid")
	}
}

func TestVerify_ServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	verifier := jwks.NewVerifier(server.URL)

	privKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	tokenStr := signToken(t, privKey, "key-1", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})

	_, err := verifier.Verify(context.Background(), tokenStr)
	if !errors.Is(err, iam.ErrProviderUnavailable) {
		t.Fatalf("Verify() error = %v, want ProviderUnavailable", err)
	}
	if !iam.IsRetryable(err) {
		t.Error("JWKS outage should be retryable")
	}
}

func TestVerify_UnsupportedSigningMethod(t *testing.T) {
	kid := "key-1"
	_, server, _ := testSetup(t, kid)

	verifier := jwks.NewVerifier(server.URL)

	// Create an HMAC-signed token (not RSA)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
	tokenStr, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = verifier.Verify(context.Background(), tokenStr)
	if !errors.Is(err, iam.ErrTokenInvalid) {
		t.Fatalf("Verify() error = %v, want TokenInvalid", err)
	}
}

func TestVerify_CachesKeysUntilRefreshInterval(t *testing.T) {
	kid := "key-1"
	privKey, server, fetches := testSetup(t, kid)

	clk := clock.NewMock()
	clk.Set(time.Now())
	verifier := jwks.NewVerifier(server.URL, jwks.WithRefreshInterval(time.Minute), jwks.WithClock(clk))

	tokenStr := signToken(t, privKey, kid, jwt.MapClaims{
		"sub": "user-1",
		"exp": clk.Now().Add(1 * time.Hour).Unix(),
	})

	for i := 0; i < 3; i++ {
		if _, err := verifier.Verify(context.Background(), tokenStr); err != nil {
			t.Fatalf("Verify() #%d error: %v", i, err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("JWKS fetches = %d, want 1", got)
	}

	clk.Add(2 * time.Minute)
	if _, err := verifier.Verify(context.Background(), tokenStr); err != nil {
		t.Fatalf("Verify() after refresh interval error: %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Errorf("JWKS fetches after interval = %d, want 2", got)
	}
}
