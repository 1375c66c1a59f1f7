package wiresurface

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the registered-claims-only JWT payload this surface expects;
// the kernel has no user accounts, so the subject is just a caller label
// used for logging.
type claims struct {
	jwt.RegisteredClaims
}

type callerKey struct{}

// CallerFromContext returns the JWT subject recorded by authMiddleware,
// if any.
func CallerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callerKey{}).(string)
	return v, ok
}

// IssueToken signs a token for the given caller against secret, valid for
// ttl. Used by the CLI's "token issue" command to mint bearer tokens for
// this package's own authMiddleware.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}

// authMiddleware enforces a bearer JWT signed with secret on every
// request except /healthz and /metrics. An empty secret disables auth
// entirely, for local development.
func authMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			raw := strings.TrimSpace(authHeader[len("bearer "):])

			parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !parsed.Valid {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			c, ok := parsed.Claims.(*claims)
			if !ok {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{}, c.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
