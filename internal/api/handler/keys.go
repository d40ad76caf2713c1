package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/ecowatch/ecowatch/internal/api/middleware"
	"github.com/ecowatch/ecowatch/internal/api/response"
	"github.com/ecowatch/ecowatch/internal/issuer"
	"github.com/ecowatch/ecowatch/internal/store"
	"github.com/ecowatch/ecowatch/pkg/models"
)

// Keys handles key issuance, introspection, and revocation.
type Keys struct {
	issuer *issuer.Service
	store  store.Store
}

func NewKeys(i *issuer.Service, s store.Store) *Keys {
	return &Keys{issuer: i, store: s}
}

type issueRequest struct {
	OwnerID uuid.UUID   `json:"owner_id"`
	Name    string      `json:"name"`
	Plan    models.Plan `json:"plan,omitempty"`
}

// Trial handles POST /api/v1/keys/trial: free-tier signup, one live free key
// per owner.
func (h *Keys) Trial(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIssueRequest(w, r)
	if !ok {
		return
	}

	issued, err := h.issuer.IssueTrial(r.Context(), req.OwnerID, req.Name)
	if errors.Is(err, issuer.ErrFreeKeyLimit) {
		response.Error(w, http.StatusConflict,
			"FREE_KEY_LIMIT", "An active free key already exists for this account")
		return
	}
	if err != nil {
		slog.Error("trial issuance failed", "owner_id", req.OwnerID, "error", err)
		response.Error(w, http.StatusInternalServerError,
			mw.CodeInternal, "Failed to issue API key")
		return
	}

	response.Created(w, issued)
}

// AdminCreate handles POST /api/v1/admin/keys: paid-plan issuance after
// payment capture.
func (h *Keys) AdminCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIssueRequest(w, r)
	if !ok {
		return
	}

	issued, err := h.issuer.IssuePaid(r.Context(), req.OwnerID, req.Name, req.Plan)
	if errors.Is(err, issuer.ErrUnknownPlan) {
		response.Error(w, http.StatusBadRequest,
			"UNKNOWN_PLAN", "Plan must be one of basic, premium, enterprise")
		return
	}
	if err != nil {
		slog.Error("paid issuance failed", "owner_id", req.OwnerID, "plan", req.Plan, "error", err)
		response.Error(w, http.StatusInternalServerError,
			mw.CodeInternal, "Failed to issue API key")
		return
	}

	response.Created(w, issued)
}

// AdminList handles GET /api/v1/admin/keys. Secret hashes never serialize.
func (h *Keys) AdminList(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		slog.Error("list api keys failed", "error", err)
		response.Error(w, http.StatusInternalServerError,
			mw.CodeInternal, "Failed to list API keys")
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

// AdminRevoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *Keys) AdminRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "keyID must be a UUID")
		return
	}

	err = h.store.RevokeAPIKey(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "No revocable key with that id")
		return
	}
	if err != nil {
		slog.Error("revoke api key failed", "key_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError,
			mw.CodeInternal, "Failed to revoke API key")
		return
	}

	response.JSON(w, map[string]any{"id": id, "status": models.StatusRevoked})
}

// SelfRevoke handles POST /api/v1/keys/revoke: a key revoking itself.
func (h *Keys) SelfRevoke(w http.ResponseWriter, r *http.Request) {
	key, ok := mw.APIKeyFrom(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, mw.CodeNoCredential, "Missing API credentials")
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), key.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("self-revoke failed", "key_id", key.ID, "error", err)
		response.Error(w, http.StatusInternalServerError,
			mw.CodeInternal, "Failed to revoke API key")
		return
	}

	response.JSON(w, map[string]any{"id": key.ID, "status": models.StatusRevoked})
}

// Me handles GET /api/v1/keys/me: the calling key's own record with live
// usage, so clients can self-throttle.
func (h *Keys) Me(w http.ResponseWriter, r *http.Request) {
	key, ok := mw.APIKeyFrom(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, mw.CodeNoCredential, "Missing API credentials")
		return
	}
	response.JSON(w, key)
}

func decodeIssueRequest(w http.ResponseWriter, r *http.Request) (issueRequest, bool) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
		return req, false
	}
	if req.OwnerID == uuid.Nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "owner_id is required")
		return req, false
	}
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "name is required")
		return req, false
	}
	return req, true
}
