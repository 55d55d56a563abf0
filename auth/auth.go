// Package auth provides the optional request authentication filter: static
// API keys compared in constant time, or HS256 bearer tokens. The
// authenticated user ID is stored on the request context for rate limiting
// and event metadata.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized reports missing or invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

type ctxKey struct{}

// WithUserID returns a context carrying the authenticated user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user ID, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// Options configures the filter. With neither APIKeys nor JWTSecret set the
// filter passes all requests through anonymously.
type Options struct {
	// APIKeys is the allowlist checked against the X-API-Key header.
	APIKeys []string
	// JWTSecret verifies HS256 bearer tokens when non-empty. exp and nbf are
	// enforced; the sub claim becomes the user ID.
	JWTSecret []byte
}

// Filter is the request authentication middleware.
type Filter struct {
	keyDigests [][32]byte
	jwtSecret  []byte
}

// NewFilter builds a Filter from the options. API keys are held as SHA-256
// digests so comparisons are constant time regardless of key length.
func NewFilter(opts Options) *Filter {
	f := &Filter{jwtSecret: opts.JWTSecret}
	for _, k := range opts.APIKeys {
		if k == "" {
			continue
		}
		f.keyDigests = append(f.keyDigests, sha256.Sum256([]byte(k)))
	}
	return f
}

// Enabled reports whether any credential source is configured.
func (f *Filter) Enabled() bool {
	return len(f.keyDigests) > 0 || len(f.jwtSecret) > 0
}

// Middleware rejects requests without valid credentials when the filter is
// enabled. Successful bearer auth exposes the token subject via UserID.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := f.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if userID != "" {
			r = r.WithContext(WithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate validates the request credentials and returns the user ID when
// the token carries one. API keys authenticate without a user identity.
func (f *Filter) Authenticate(r *http.Request) (string, error) {
	if key := r.Header.Get("X-API-Key"); key != "" && len(f.keyDigests) > 0 {
		digest := sha256.Sum256([]byte(key))
		for i := range f.keyDigests {
			if subtle.ConstantTimeCompare(digest[:], f.keyDigests[i][:]) == 1 {
				return "", nil
			}
		}
		return "", ErrUnauthorized
	}
	if header := r.Header.Get("Authorization"); header != "" && len(f.jwtSecret) > 0 {
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", ErrUnauthorized
		}
		return f.verifyJWT(raw)
	}
	return "", ErrUnauthorized
}

func (f *Filter) verifyJWT(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return f.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return sub, nil
}
