package auth

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Cache key prefixes and tags.
const (
	prefixLogin = "login:"
	prefixToken = "token:"
	prefixCtx   = "ctx:"
	prefixRoles = "roles:"

	// tagContexts marks every cached UserContext so a catalog reload can
	// drop them all at once.
	tagContexts = "ctx"
)

func userTag(userID string) string { return "user:" + userID }

func ctxKey(userID string) string   { return prefixCtx + userID }
func rolesKey(userID string) string { return prefixRoles + userID }

// hasher derives cache keys from secrets. Raw credentials and bearer tokens
// never appear in a key, so a shared Redis backend does not hold them.
type hasher struct {
	key []byte
}

// newHasher returns a keyed BLAKE2b hasher. An empty key is replaced with
// random bytes, which scopes login entries to this process.
func newHasher(key []byte) (hasher, error) {
	switch {
	case len(key) == 0:
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return hasher{}, fmt.Errorf("iam/auth: generate hash key: %w", err)
		}
	case len(key) > blake2b.Size:
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return hasher{key: key}, nil
}

// sum hashes parts with length prefixes so ("ab","c") and ("a","bc") differ.
func (h hasher) sum(parts ...string) string {
	d, err := blake2b.New256(h.key)
	if err != nil {
		// Unreachable: newHasher bounds the key length.
		panic(err)
	}
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		d.Write(n[:])
		d.Write([]byte(p))
	}
	return hex.EncodeToString(d.Sum(nil))
}

func (h hasher) loginKey(username, secret string) string {
	return prefixLogin + h.sum(username, secret)
}

func (h hasher) tokenKey(token string) string {
	return prefixToken + h.sum(token)
}
