package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ecowatch/ecowatch/internal/api/response"
	"github.com/ecowatch/ecowatch/internal/keys"
	"github.com/ecowatch/ecowatch/internal/ratelimit"
	"github.com/ecowatch/ecowatch/internal/store"
	"github.com/ecowatch/ecowatch/pkg/models"
)

// Credential and rate-limit header names on the machine API.
const (
	HeaderAPIKey = "X-API-Key"

	HeaderLimitMinute     = "X-RateLimit-Limit-Minute"
	HeaderRemainingMinute = "X-RateLimit-Remaining-Minute"
	HeaderLimitDay        = "X-RateLimit-Limit-Day"
	HeaderRemainingDay    = "X-RateLimit-Remaining-Day"
	HeaderLimitMonth      = "X-RateLimit-Limit-Month"
	HeaderRemainingMonth  = "X-RateLimit-Remaining-Month"
)

// Stable machine-readable error codes.
const (
	CodeNoCredential        = "NO_CREDENTIAL"
	CodeMalformedCredential = "MALFORMED_CREDENTIAL"
	CodeInvalidKey          = "INVALID_KEY"
	CodeExpired             = "EXPIRED"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeInternal            = "INTERNAL"
)

// invalidKeyMessage is shared by the not-found, bad-secret, and wrong-status
// paths so the response never reveals whether a public key id exists.
const invalidKeyMessage = "Invalid API key"

// Gateway authenticates, meters, and authorizes every machine API call.
type Gateway struct {
	store store.Store
	clock func() time.Time
}

type GatewayOption func(*Gateway)

// WithClock overrides the admission clock, for tests.
func WithClock(fn func() time.Time) GatewayOption {
	return func(g *Gateway) { g.clock = fn }
}

// NewGateway creates the gateway middleware.
func NewGateway(s store.Store, opts ...GatewayOption) *Gateway {
	g := &Gateway{store: s, clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate runs the full admission pipeline: extract credential, parse,
// look up, verify secret, check expiry, admit against the rate ceilings, and
// record usage. Every admitted call carries per-window rate headers; every
// admitted call counts against the quota even if a later permission check
// rejects it. Store failures deny (fail closed).
func (g *Gateway) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, ok := extractCredential(w, r)
		if !ok {
			return
		}

		publicKeyID, secret, err := keys.Parse(credential)
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				CodeMalformedCredential, "Malformed API credential")
			return
		}

		key, err := g.store.GetActiveKeyByPublicID(r.Context(), publicKeyID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusUnauthorized, CodeInvalidKey, invalidKeyMessage)
			return
		}
		if err != nil {
			slog.Error("api key lookup failed", "error", err)
			response.Error(w, http.StatusInternalServerError,
				CodeInternal, "Failed to validate API key")
			return
		}

		if !keys.Verify(secret, key.SecretHash) {
			response.Error(w, http.StatusUnauthorized, CodeInvalidKey, invalidKeyMessage)
			return
		}

		now := g.clock()
		if key.IsExpired(now) {
			if err := g.store.MarkExpired(r.Context(), key.ID); err != nil {
				slog.Error("failed to mark api key expired", "key_id", key.ID, "error", err)
			}
			response.Error(w, http.StatusUnauthorized, CodeExpired, "API key has expired")
			return
		}

		admitted, err := g.store.AdmitRequest(r.Context(), key.ID, now)
		if err != nil {
			var rej *ratelimit.Rejection
			switch {
			case errors.As(err, &rej):
				writeRejectionHeaders(w, rej, now)
				response.Error(w, http.StatusTooManyRequests, CodeRateLimitExceeded,
					"Rate limit exceeded for "+string(rej.Window)+" window")
			case errors.Is(err, store.ErrNotFound):
				// Revoked between lookup and admission.
				response.Error(w, http.StatusUnauthorized, CodeInvalidKey, invalidKeyMessage)
			default:
				slog.Error("admission failed", "key_id", key.ID, "error", err)
				response.Error(w, http.StatusInternalServerError,
					CodeInternal, "Failed to meter request")
			}
			return
		}

		writeUsageHeaders(w, admitted)
		next.ServeHTTP(w, r.WithContext(SetAPIKey(r.Context(), admitted)))
	})
}

// RequirePermission gates an endpoint on an exact capability string granted
// to the admitted key. Denial happens after metering: the attempt still
// counted against the quota.
func (g *Gateway) RequirePermission(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := APIKeyFrom(r)
			if !ok || !key.HasPermission(capability) {
				response.Error(w, http.StatusForbidden, CodePermissionDenied,
					"Missing required permission: "+capability)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractCredential pulls the credential from X-API-Key or a Bearer
// authorization header. Exactly one must be present; both is ambiguous input
// and rejected. Returns false after writing the error response.
func extractCredential(w http.ResponseWriter, r *http.Request) (string, bool) {
	headerKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	bearer := extractBearerToken(r)

	switch {
	case headerKey != "" && bearer != "":
		response.Error(w, http.StatusUnauthorized,
			CodeNoCredential, "Ambiguous credentials: provide either "+HeaderAPIKey+" or Authorization, not both")
		return "", false
	case headerKey != "":
		return headerKey, true
	case bearer != "":
		return bearer, true
	default:
		response.Error(w, http.StatusUnauthorized,
			CodeNoCredential, "Missing API credentials")
		return "", false
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeUsageHeaders sets the three per-window limit/remaining pairs from the
// post-increment usage snapshot.
func writeUsageHeaders(w http.ResponseWriter, key *models.APIKey) {
	h := w.Header()
	h.Set(HeaderLimitMinute, strconv.Itoa(key.RateLimit.PerMinute))
	h.Set(HeaderRemainingMinute, strconv.Itoa(ratelimit.Remaining(key.RateLimit.PerMinute, key.Usage.ThisMinute)))
	h.Set(HeaderLimitDay, strconv.Itoa(key.RateLimit.PerDay))
	h.Set(HeaderRemainingDay, strconv.Itoa(ratelimit.Remaining(key.RateLimit.PerDay, key.Usage.Today)))
	h.Set(HeaderLimitMonth, strconv.Itoa(key.RateLimit.PerMonth))
	h.Set(HeaderRemainingMonth, strconv.Itoa(ratelimit.Remaining(key.RateLimit.PerMonth, key.Usage.ThisMonth)))
}

// writeRejectionHeaders reports the violated window's ceiling, zero headroom,
// and a back-off hint.
func writeRejectionHeaders(w http.ResponseWriter, rej *ratelimit.Rejection, now time.Time) {
	h := w.Header()
	limit := strconv.Itoa(rej.Limit)
	switch rej.Window {
	case ratelimit.WindowMinute:
		h.Set(HeaderLimitMinute, limit)
		h.Set(HeaderRemainingMinute, "0")
	case ratelimit.WindowDay:
		h.Set(HeaderLimitDay, limit)
		h.Set(HeaderRemainingDay, "0")
	case ratelimit.WindowMonth:
		h.Set(HeaderLimitMonth, limit)
		h.Set(HeaderRemainingMonth, "0")
	}
	retryAfter := int(ratelimit.RetryAfter(rej.Window, now).Seconds())
	h.Set("Retry-After", strconv.Itoa(retryAfter))
}
