package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"tally/internal/model"
)

type ctxKey int

const (
	accountIDKey ctxKey = iota
	roleKey
)

// AccountID returns the authenticated account id, or "" for
// unauthenticated requests.
func AccountID(ctx context.Context) string {
	id, _ := ctx.Value(accountIDKey).(string)
	return id
}

// Role returns the authenticated token's role claim, or "".
func Role(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}

type claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates the bearer token and stores its subject as the
// account id. The subject is the only identity claim the ledger needs.
func Auth(secret string, next http.Handler) http.Handler {
	key := []byte(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			respondError(w, model.Errorf(model.CodeUnauthenticated, "missing bearer token"))
			return
		}

		var c claims
		token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, model.Errorf(model.CodeUnauthenticated,
					"unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid || c.Subject == "" {
			respondError(w, model.Errorf(model.CodeUnauthenticated, "invalid token"))
			return
		}

		ctx := context.WithValue(r.Context(), accountIDKey, c.Subject)
		ctx = context.WithValue(ctx, roleKey, c.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards the operator endpoints behind the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Role(r.Context()) != "admin" {
			respondError(w, model.Errorf(model.CodeUnauthenticated, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
