// SPDX-License-Identifier: MIT

// Package auth implements bearer-token admission with an allow-list and
// a TTL-cached principal lookup. Default posture is fail-closed; a single
// environment toggle enables the development bypass.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/cache"
)

// ErrUnauthorized is returned for missing, unknown, or malformed tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller identity.
type Principal struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

// DevPrincipal is used when the development bypass is active.
var DevPrincipal = &Principal{ClientID: "dev", Scopes: []string{"*"}}

// TokenEntry binds one allow-listed token to its principal.
type TokenEntry struct {
	Token    string
	ClientID string
	Scopes   []string
}

// Authenticator validates bearer tokens against an immutable allow-list.
type Authenticator struct {
	entries   []TokenEntry
	cache     cache.Cache
	cacheTTL  time.Duration
	devBypass bool
}

// New builds an authenticator. principals may be nil to disable caching.
func New(entries []TokenEntry, principals cache.Cache, devBypass bool) *Authenticator {
	if principals == nil {
		principals = cache.NewNoopCache()
	}
	return &Authenticator{
		entries:   entries,
		cache:     principals,
		cacheTTL:  5 * time.Minute,
		devBypass: devBypass,
	}
}

// Authenticate resolves the request to a principal or ErrUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if a.devBypass {
		return DevPrincipal, nil
	}

	token := ExtractBearer(r)
	if token == "" {
		return nil, ErrUnauthorized
	}

	key := cacheKey(token)
	if cached, ok := a.cache.Get(key); ok {
		if p, ok := cached.(*Principal); ok {
			return p, nil
		}
	}

	p := a.lookup(token)
	if p == nil {
		return nil, ErrUnauthorized
	}
	a.cache.Set(key, p, a.cacheTTL)
	return p, nil
}

// lookup scans the whole allow-list with constant-time comparisons so the
// match position does not leak through timing.
func (a *Authenticator) lookup(token string) *Principal {
	var matched *Principal
	for i := range a.entries {
		e := &a.entries[i]
		if subtle.ConstantTimeCompare([]byte(token), []byte(e.Token)) == 1 {
			matched = &Principal{ClientID: e.ClientID, Scopes: e.Scopes}
		}
	}
	return matched
}

// ExtractBearer pulls the token from the Authorization header.
func ExtractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// cacheKey hashes the token so raw credentials never sit in the cache.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "principal:" + hex.EncodeToString(sum[:])[:16]
}
