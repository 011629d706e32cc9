package middleware

import (
	"net/http"
	"slices"

	"gameserver/www/api"
)

// Authentication lets a request through when its token carries one of roles.
// "anonymous" admits requests without a token.
func Authentication(roles ...string) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			username, userRoles := api.Authenticate(w, r)
			if info := infoFrom(r.Context()); info != nil {
				info.user = username
			}

			if username == "" {
				if slices.Contains(roles, "anonymous") {
					next(w, r)
					return
				}
				api.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}

			for _, role := range userRoles {
				if slices.Contains(roles, role) {
					next(w, r.WithContext(api.WithUser(r.Context(), username, userRoles)))
					return
				}
			}
			api.WriteJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
		}
	}
}
