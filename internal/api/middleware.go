// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/internal/auth"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
)

// HeaderCorrelationID carries the client-supplied or server-assigned
// correlation id through every backend hop.
const HeaderCorrelationID = "X-Correlation-ID"

// correlationIDPattern admits client-supplied ids. Anything else is replaced,
// never rewritten in place.
var correlationIDPattern = regexp.MustCompile(`^(req|corr)_[A-Za-z0-9_-]{4,64}$`)

type principalCtxKey struct{}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*auth.Principal)
	return p
}

func newCorrelationID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "req_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:16]
	}
	return "req_" + hex.EncodeToString(buf)
}

// CorrelationID validates or assigns the correlation id, stores it in the
// request context, and echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(HeaderCorrelationID)
		if !correlationIDPattern.MatchString(cid) {
			cid = newCorrelationID()
		}
		ctx := log.ContextWithCorrelationID(r.Context(), cid)
		ctx = log.ContextWithRequestID(ctx, cid)
		w.Header().Set(HeaderCorrelationID, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate rejects requests without a valid bearer token and stores the
// principal in the context.
func Authenticate(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.Authenticate(r)
			if err != nil {
				respondError(w, CodeUnauthorized, "missing or invalid bearer token", nil)
				return
			}
			ctx := context.WithValue(r.Context(), principalCtxKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit applies the per-client token bucket. Denied requests get a 429
// with a Retry-After of at least one second.
func RateLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if p := PrincipalFromContext(r.Context()); p != nil {
				key = p.ClientID
			}
			allowed, retryAfter := l.Check(key)
			if !allowed {
				seconds := int(retryAfter.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				respondError(w, CodeRateLimited, "rate limit exceeded", map[string]any{
					"retry_after_s": seconds,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Recover converts panics into a logged 500 with the stable envelope.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponentFromContext(r.Context(), "api").Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				respondError(w, CodeInternalError, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
