package middleware

import (
	"context"
	"net/http"

	"github.com/ecowatch/ecowatch/pkg/models"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// SetAPIKey stores the admitted key record on the request context.
func SetAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// APIKeyFrom returns the admitted key record set by the gateway.
func APIKeyFrom(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(apiKeyContextKey).(*models.APIKey)
	return key, ok
}
