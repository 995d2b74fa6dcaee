package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/skygames/payout-engine/internal/api/problem"
)

const (
	subjectKey contextKey = "auth_subject"
	roleKey    contextKey = "auth_role"
)

// RoleAdmin marks tokens allowed onto the admin surface.
const RoleAdmin = "admin"

// Claims is the token payload the engine issues and accepts.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate verifies the bearer token and stashes subject and role in the
// request context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				problem.Unauthorized(w, r, "missing bearer token")
				return
			}

			var claims Claims
			token, err := jwt.ParseWithClaims(raw, &claims, keyFunc,
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				problem.Unauthorized(w, r, "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
			ctx = context.WithValue(ctx, roleKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a subtree on the authenticated role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFrom(r.Context()) != role {
				problem.Forbidden(w, r, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectFrom extracts the authenticated subject, empty when unauthenticated.
func SubjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// RoleFrom extracts the authenticated role, empty when unauthenticated.
func RoleFrom(ctx context.Context) string {
	s, _ := ctx.Value(roleKey).(string)
	return s
}
