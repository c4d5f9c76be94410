// Package fake provides an in-memory iam.IdentityProvider for tests.
//
// It counts calls per operation and supports injected latency, injected
// errors and a gate that holds calls until released, which makes stampede
// and timeout behavior deterministic to test.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	iam "github.com/chimerakang/iam-cache"
)

// Operation names for Calls and SetError.
const (
	OpAuthenticate  = "authenticate"
	OpValidateToken = "validate_token"
	OpFetchRoles    = "fetch_roles"
	OpRefreshToken  = "refresh_token"
)

// DefaultTokenTTL is the lifetime of tokens minted by Authenticate.
const DefaultTokenTTL = time.Hour

type account struct {
	user   iam.User
	secret string
}

// Provider is an in-memory identity provider.
type Provider struct {
	mu       sync.Mutex
	accounts map[string]*account             // username → account
	roles    map[string][]string             // userID → role ids
	tokens   map[string]*iam.TokenValidation // access token → validation
	refresh  map[string]string               // refresh token → userID
	errs     map[string]error                // op → injected error
	calls    map[string]int
	latency  time.Duration
	gate     chan struct{}
	tokenTTL time.Duration
	clock    clock.Clock
	seq      int
}

var _ iam.IdentityProvider = (*Provider)(nil)

// Option configures the fake provider.
type Option func(*Provider)

// WithUser adds an account. roleIDs are both the user's token roles and
// what FetchRoles returns.
func WithUser(id, username, secret string, roleIDs ...string) Option {
	return func(p *Provider) {
		p.accounts[username] = &account{
			user: iam.User{
				ID:       id,
				Username: username,
				Name:     username,
				Email:    username + "@example.com",
				RoleIDs:  append([]string(nil), roleIDs...),
			},
			secret: secret,
		}
		p.roles[id] = append([]string(nil), roleIDs...)
	}
}

// WithToken registers an access token for userID expiring at expiresAt.
func WithToken(token, userID string, expiresAt time.Time, roles ...string) Option {
	return func(p *Provider) {
		p.tokens[token] = &iam.TokenValidation{Valid: true, UserID: userID, ExpiresAt: expiresAt, Roles: roles}
	}
}

// WithLatency delays every call by d, or until the caller's context ends.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithClock sets the time source for token expiry.
func WithClock(c clock.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithTokenTTL sets the lifetime of minted tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(p *Provider) { p.tokenTTL = d }
}

// New creates a fake provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		accounts: make(map[string]*account),
		roles:    make(map[string][]string),
		tokens:   make(map[string]*iam.TokenValidation),
		refresh:  make(map[string]string),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
		tokenTTL: DefaultTokenTTL,
		clock:    clock.New(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Calls returns how many times op has been invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (p *Provider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

// SetError makes op fail with err until cleared with a nil err.
func (p *Provider) SetError(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, op)
		return
	}
	p.errs[op] = err
}

// SetLatency changes the injected latency.
func (p *Provider) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// SetRoles replaces the provider-side role assignment for userID.
func (p *Provider) SetRoles(userID string, roleIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[userID] = append([]string(nil), roleIDs...)
}

// Revoke makes token invalid.
func (p *Provider) Revoke(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, token)
}

// Hold makes subsequent calls block until the returned release func is
// called. Calls are counted before they block.
func (p *Provider) Hold() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == gate {
				p.gate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

// enter records the call and applies gate, latency and injected errors.
func (p *Provider) enter(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls[op]++
	gate, latency, err := p.gate, p.latency, p.errs[op]
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return iam.Unavailable("fake."+op, ctx.Err())
		}
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return iam.Unavailable("fake."+op, ctx.Err())
		}
	}
	return err
}

func (p *Provider) Authenticate(ctx context.Context, username, secret string) (*iam.User, error) {
	if err := p.enter(ctx, OpAuthenticate); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[username]
	if !ok || acc.secret != secret {
		return nil, iam.NewAuthError(iam.KindInvalidCredentials, "fake.authenticate", nil)
	}

	user := acc.user
	user.RoleIDs = append([]string(nil), acc.user.RoleIDs...)
	user.Token = p.mint(user.ID)
	return &user, nil
}

func (p *Provider) ValidateToken(ctx context.Context, token string) (*iam.TokenValidation, error) {
	if err := p.enter(ctx, OpValidateToken); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tv, ok := p.tokens[token]
	if !ok {
		return nil, iam.NewAuthError(iam.KindTokenInvalid, "fake.validate_token", nil)
	}
	if !p.clock.Now().Before(tv.ExpiresAt) {
		return nil, iam.NewAuthError(iam.KindTokenExpired, "fake.validate_token", nil)
	}
	out := *tv
	out.Roles = append([]string(nil), tv.Roles...)
	return &out, nil
}

func (p *Provider) FetchRoles(ctx context.Context, userID string) ([]string, error) {
	if err := p.enter(ctx, OpFetchRoles); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.roles[userID]...), nil
}

func (p *Provider) RefreshToken(ctx context.Context, oldToken string) (*iam.Token, error) {
	if err := p.enter(ctx, OpRefreshToken); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.refresh[oldToken]
	if !ok {
		return nil, iam.NewAuthError(iam.KindTokenInvalid, "fake.refresh_token", nil)
	}
	delete(p.refresh, oldToken)
	return p.mint(userID), nil
}

// mint issues a token pair for userID. Callers hold p.mu.
func (p *Provider) mint(userID string) *iam.Token {
	p.seq++
	tok := &iam.Token{
		AccessToken:  fmt.Sprintf("access-%s-%d", userID, p.seq),
		RefreshToken: fmt.Sprintf("refresh-%s-%d", userID, p.seq),
		TokenType:    "Bearer",
		Subject:      userID,
		ExpiresAt:    p.clock.Now().Add(p.tokenTTL),
	}
	p.tokens[tok.AccessToken] = &iam.TokenValidation{
		Valid:     true,
		UserID:    userID,
		ExpiresAt: tok.ExpiresAt,
		Roles:     append([]string(nil), p.roles[userID]...),
	}
	p.refresh[tok.RefreshToken] = userID
	return tok
}
