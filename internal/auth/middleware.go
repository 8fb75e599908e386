package auth

import (
	"context"
	"net/http"
	"strings"

	"CatMap/pkg/kit"
)

type ctxKey string

const principalKey ctxKey = "principal"

// Principal is the authenticated caller a guarded handler sees.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// RequireRole admits only requests bearing a valid token with the given
// role. An empty role admits any valid token.
func RequireRole(jwt *TokenMaker, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				kit.WriteError(w, r, http.StatusUnauthorized, "missing token", nil)
				return
			}

			claims, err := jwt.Parse(strings.TrimPrefix(authz, "Bearer "))
			if err != nil || claims.UserID == "" {
				kit.WriteError(w, r, http.StatusUnauthorized, "invalid token", nil)
				return
			}
			if role != "" && claims.Role != role {
				kit.WriteError(w, r, http.StatusForbidden, "insufficient role", nil)
				return
			}

			p := Principal{UserID: claims.UserID, Email: claims.Email, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}
