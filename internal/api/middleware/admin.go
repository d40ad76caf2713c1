package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/ecowatch/ecowatch/internal/api/response"
)

// AdminAuth guards key-management endpoints with a static bearer token.
// Subscription plans never grant key management, so this surface is separate
// from the API-key gateway entirely.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := extractBearerToken(r)
			if presented == "" {
				response.Error(w, http.StatusUnauthorized,
					CodeNoCredential, "Missing admin token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				response.Error(w, http.StatusForbidden,
					CodePermissionDenied, "Invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
