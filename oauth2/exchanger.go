// Package oauth2 obtains service credentials for identity provider admin
// calls through the OAuth2 client credentials grant.
package oauth2

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	xoauth2 "golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// Exchanger caches a client credentials token and refreshes it shortly
// before it expires. Concurrent refreshes collapse into one request.
type Exchanger struct {
	config        clientcredentials.Config
	refreshBuffer time.Duration
	httpClient    *http.Client
	clock         clock.Clock

	mu    sync.RWMutex
	token *xoauth2.Token

	sf singleflight.Group
}

// Option configures the Exchanger.
type Option func(*Exchanger)

// WithHTTPClient sets a custom HTTP client for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithRefreshBuffer sets how long before expiry to refresh the token.
func WithRefreshBuffer(d time.Duration) Option {
	return func(e *Exchanger) { e.refreshBuffer = d }
}

// WithClock sets the time source used for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(e *Exchanger) { e.clock = c }
}

// New creates a new client credentials exchanger.
func New(clientID, clientSecret, tokenURL string, scopes []string, opts ...Option) *Exchanger {
	e := &Exchanger{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
			AuthStyle:    xoauth2.AuthStyleInParams,
		},
		refreshBuffer: 30 * time.Second,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		clock:         clock.New(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExchangeToken requests a new access token. Empty scopes fall back to the
// defaults given to New.
func (e *Exchanger) ExchangeToken(ctx context.Context, scopes []string) (*xoauth2.Token, error) {
	cfg := e.config
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}
	ctx = context.WithValue(ctx, xoauth2.HTTPClient, e.httpClient)

	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("iam/oauth2: token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("iam/oauth2: empty access_token in response")
	}
	return tok, nil
}

// AccessToken returns a valid cached access token, fetching a new one when
// the cached token is missing or inside the refresh buffer.
func (e *Exchanger) AccessToken(ctx context.Context) (string, error) {
	e.mu.RLock()
	if e.fresh(e.token) {
		defer e.mu.RUnlock()
		return e.token.AccessToken, nil
	}
	e.mu.RUnlock()

	result, err, _ := e.sf.Do("token", func() (interface{}, error) {
		tok, err := e.ExchangeToken(ctx, nil)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.token = tok
		e.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return result.(*xoauth2.Token).AccessToken, nil
}

// Token implements oauth2.TokenSource so the exchanger can back an
// oauth2.Transport.
func (e *Exchanger) Token() (*xoauth2.Token, error) {
	access, err := e.AccessToken(context.Background())
	if err != nil {
		return nil, err
	}
	return &xoauth2.Token{AccessToken: access, TokenType: "Bearer"}, nil
}

// Client returns an HTTP client that authorises requests with the service token.
func (e *Exchanger) Client() *http.Client {
	return &http.Client{
		Timeout:   e.httpClient.Timeout,
		Transport: &xoauth2.Transport{Source: e, Base: e.httpClient.Transport},
	}
}

func (e *Exchanger) fresh(tok *xoauth2.Token) bool {
	if tok == nil {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return e.clock.Now().Before(tok.Expiry.Add(-e.refreshBuffer))
}
