package provider

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims are the identity claims read from tokens issued directly to
// this client by the token endpoint. Signatures are not checked here: the
// tokens arrive over the authenticated token endpoint response.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	Roles             []string `json:"roles"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

func (c *tokenClaims) roleIDs() []string {
	out := make([]string, 0, len(c.Roles)+len(c.RealmAccess.Roles))
	seen := make(map[string]struct{}, cap(out))
	for _, r := range append(append([]string(nil), c.Roles...), c.RealmAccess.Roles...) {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func parseClaims(raw string) (*tokenClaims, error) {
	if raw == "" {
		return nil, errors.New("empty token")
	}
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no sub claim")
	}
	return &claims, nil
}
