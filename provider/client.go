// Package provider implements iam.IdentityProvider against an OAuth2/OIDC
// identity server over HTTP.
//
// Endpoints, relative to the configured base URL unless overridden:
//
//	POST /token                  password and refresh_token grants
//	POST /token/introspect       RFC 7662 token introspection
//	GET  /users/{id}/roles       role assignments (service credentials)
//
// Every call runs under its own timeout. Transport failures, timeouts and 5xx
// responses surface as ProviderUnavailable; the client never retries.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	xoauth2 "golang.org/x/oauth2"

	iam "github.com/chimerakang/iam-cache"
	"github.com/chimerakang/iam-cache/jwks"
	"github.com/chimerakang/iam-cache/metrics"
	"github.com/chimerakang/iam-cache/oauth2"
)

const tracerName = "github.com/chimerakang/iam-cache/provider"

// DefaultTimeout bounds each provider round trip.
const DefaultTimeout = 5 * time.Second

// Client talks to the identity provider.
type Client struct {
	base          *url.URL
	oauth         xoauth2.Config
	clientID      string
	clientSecret  string
	introspectURL string

	httpClient *http.Client
	timeout    time.Duration
	verifier   *jwks.Verifier
	service    *oauth2.Exchanger
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

var _ iam.IdentityProvider = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for every provider call.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithVerifier validates tokens locally against JWKS keys instead of
// calling the introspection endpoint.
func WithVerifier(v *jwks.Verifier) Option {
	return func(c *Client) { c.verifier = v }
}

// WithServiceCredentials sets the exchanger that authorises admin calls.
// Default: a client credentials exchanger built from the client id and secret.
func WithServiceCredentials(e *oauth2.Exchanger) Option {
	return func(c *Client) { c.service = e }
}

// WithClock sets the time source for expiry checks.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) Option {
	return func(c *Client) { c.oauth.Endpoint.TokenURL = u }
}

// WithIntrospectionURL overrides the introspection endpoint.
func WithIntrospectionURL(u string) Option {
	return func(c *Client) { c.introspectURL = u }
}

// New creates a Client for the provider at endpoint. The endpoint must be an
// absolute http(s) URL.
func New(endpoint, clientID, clientSecret string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, &iam.ValidationError{Entity: "provider", Field: "endpoint", Reason: fmt.Sprintf("%q is not an absolute http(s) URL", endpoint)}
	}
	if clientID == "" {
		return nil, &iam.ValidationError{Entity: "provider", Field: "client_id", Reason: "must not be empty"}
	}

	c := &Client{
		base:         base,
		clientID:     clientID,
		clientSecret: clientSecret,
		oauth: xoauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: xoauth2.Endpoint{
				TokenURL:  base.String() + "/token",
				AuthStyle: xoauth2.AuthStyleInParams,
			},
		},
		introspectURL: base.String() + "/token/introspect",
		httpClient:    &http.Client{},
		timeout:       DefaultTimeout,
		clock:         clock.New(),
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.service == nil {
		c.service = oauth2.New(clientID, clientSecret, c.oauth.Endpoint.TokenURL, nil,
			oauth2.WithHTTPClient(c.httpClient), oauth2.WithClock(c.clock))
	}
	return c, nil
}

// NewFromConfig builds a Client from cfg, enabling local JWKS validation
// when cfg.JWKSUrl is set.
func NewFromConfig(cfg *iam.Config, opts ...Option) (*Client, error) {
	base := []Option{WithTimeout(cfg.ProviderTimeout)}
	if cfg.JWKSUrl != "" {
		base = append(base, WithVerifier(jwks.NewVerifier(cfg.JWKSUrl)))
	}
	return New(cfg.ProviderEndpoint, cfg.ClientID, cfg.ClientSecret, append(base, opts...)...)
}

// Authenticate runs the resource owner password grant.
func (c *Client) Authenticate(ctx context.Context, username, secret string) (*iam.User, error) {
	const op = "provider.authenticate"
	ctx, span, done := c.start(ctx, op, attribute.String("user.name", username))
	defer span.End()

	tok, err := c.oauth.PasswordCredentialsToken(c.httpCtx(ctx), username, secret)
	if err != nil {
		err = mapTokenError(op, err, iam.KindInvalidCredentials)
		done(err)
		return nil, err
	}

	user, err := c.userFromToken(ctx, tok)
	if err != nil {
		err = iam.Unavailable(op, err)
		done(err)
		return nil, err
	}
	if user.Username == "" {
		user.Username = username
	}
	span.SetAttributes(attribute.String("user.id", user.ID))
	done(nil)
	return user, nil
}

// ValidateToken checks a bearer token, locally when a JWKS verifier is
// configured and through introspection otherwise.
func (c *Client) ValidateToken(ctx context.Context, token string) (*iam.TokenValidation, error) {
	const op = "provider.validate_token"
	ctx, span, done := c.start(ctx, op, attribute.Bool("token.local", c.verifier != nil))
	defer span.End()

	var (
		tv  *iam.TokenValidation
		err error
	)
	if c.verifier != nil {
		tv, err = c.verifier.Verify(ctx, token)
	} else {
		tv, err = c.introspect(ctx, op, token)
	}
	done(err)
	return tv, err
}

// FetchRoles returns the role ids assigned to userID by the provider.
// An unknown user has no roles.
func (c *Client) FetchRoles(ctx context.Context, userID string) ([]string, error) {
	const op = "provider.fetch_roles"
	ctx, span, done := c.start(ctx, op, attribute.String("user.id", userID))
	defer span.End()

	roles, err := c.fetchRoles(ctx, op, userID)
	done(err)
	return roles, err
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, oldToken string) (*iam.Token, error) {
	const op = "provider.refresh_token"
	ctx, span, done := c.start(ctx, op)
	defer span.End()

	src := c.oauth.TokenSource(c.httpCtx(ctx), &xoauth2.Token{
		RefreshToken: oldToken,
		Expiry:       time.Unix(1, 0), // force the refresh grant
	})
	tok, err := src.Token()
	if err != nil {
		err = mapTokenError(op, err, iam.KindTokenInvalid)
		done(err)
		return nil, err
	}

	out := toToken(tok)
	if claims, err := parseClaims(tok.AccessToken); err == nil {
		out.Subject = claims.Subject
	}
	done(nil)
	return out, nil
}

// start opens a span and a timeout for one provider call. done records the
// outcome on the span and in metrics.
func (c *Client) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, span, func(err error) {
		cancel()
		result := "ok"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if k, ok := iam.KindOf(err); ok {
				result = string(k)
			} else {
				result = "error"
			}
		}
		c.metrics.RecordProviderCall(strings.TrimPrefix(op, "provider."), result, time.Since(began))
		unavailable := iam.IsRetryable(err)
		c.metrics.SetProviderUp(!unavailable)
		if unavailable {
			c.logger.Warn("identity provider unavailable", "op", op, "error", err)
		}
	}
}

func (c *Client) httpCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, xoauth2.HTTPClient, c.httpClient)
}

type introspection struct {
	Active      bool     `json:"active"`
	Subject     string   `json:"sub"`
	Username    string   `json:"username"`
	Exp         int64    `json:"exp"`
	Roles       []string `json:"roles"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

func (c *Client) introspect(ctx context.Context, op, token string) (*iam.TokenValidation, error) {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
		"client_id":       {c.clientID},
		"client_secret":   {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.introspectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, iam.Unavailable(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body introspection
	if err := c.doJSON(req, op, &body); err != nil {
		return nil, err
	}
	if !body.Active || body.Subject == "" {
		return nil, iam.NewAuthError(iam.KindTokenInvalid, op, nil)
	}

	if body.Exp == 0 {
		return nil, iam.NewAuthError(iam.KindTokenInvalid, op, fmt.Errorf("introspection returned no exp"))
	}

	tv := &iam.TokenValidation{
		Valid:     true,
		UserID:    body.Subject,
		ExpiresAt: time.Unix(body.Exp, 0),
		Roles:     append(body.Roles, body.RealmAccess.Roles...),
	}
	if !c.clock.Now().Before(tv.ExpiresAt) {
		return nil, iam.NewAuthError(iam.KindTokenExpired, op, nil)
	}
	return tv, nil
}

type roleRepresentation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Client) fetchRoles(ctx context.Context, op, userID string) ([]string, error) {
	access, err := c.service.AccessToken(c.httpCtx(ctx))
	if err != nil {
		return nil, iam.Unavailable(op, err)
	}

	u := c.base.String() + "/users/" + url.PathEscape(userID) + "/roles"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, iam.Unavailable(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Accept", "application/json")

	var reps []roleRepresentation
	if err := c.doJSON(req, op, &reps); err != nil {
		if isNotFound(err) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(reps))
	for _, r := range reps {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// doJSON executes req and decodes a 200 response into out.
func (c *Client) doJSON(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return iam.Unavailable(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return iam.Unavailable(op, &StatusError{Code: resp.StatusCode})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return iam.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// userFromToken reads the identity from the id_token when present, falling
// back to the access token and finally to introspection for opaque tokens.
func (c *Client) userFromToken(ctx context.Context, tok *xoauth2.Token) (*iam.User, error) {
	claims, err := parseClaims(idToken(tok))
	if err != nil {
		claims, err = parseClaims(tok.AccessToken)
	}
	if err != nil {
		tv, ierr := c.introspect(ctx, "provider.authenticate", tok.AccessToken)
		if ierr != nil {
			return nil, fmt.Errorf("resolve subject: %w", ierr)
		}
		claims = &tokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: tv.UserID}, Roles: tv.Roles}
	}

	out := toToken(tok)
	out.Subject = claims.Subject
	return &iam.User{
		ID:       claims.Subject,
		Username: claims.PreferredUsername,
		Name:     claims.Name,
		Email:    claims.Email,
		RoleIDs:  claims.roleIDs(),
		Token:    out,
	}, nil
}

func toToken(tok *xoauth2.Token) *iam.Token {
	return &iam.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
}

func idToken(tok *xoauth2.Token) string {
	s, _ := tok.Extra("id_token").(string)
	return s
}
