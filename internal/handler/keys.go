package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/faucetdb/keygate/internal/config"
	"github.com/faucetdb/keygate/internal/model"
	"github.com/faucetdb/keygate/internal/server/middleware"
	"github.com/faucetdb/keygate/internal/service"
)

// KeyManager is the key lifecycle surface used by the admin API.
// *service.KeyService satisfies it.
type KeyManager interface {
	Issue(ctx context.Context, req service.IssueRequest) (string, *model.APIKey, error)
	List(ctx context.Context) ([]model.APIKey, error)
	Get(ctx context.Context, id int64) (*model.APIKey, bool, error)
	Revoke(ctx context.Context, id int64, revokedBy string) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Now() time.Time
}

// KeyHandler serves the admin API for issuing and retiring API keys.
type KeyHandler struct {
	keys   KeyManager
	logger *slog.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys KeyManager, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{
		keys:   keys,
		logger: logger,
	}
}

// ListAPIKeys returns all issued keys, newest first.
// GET /api/v1/system/api-key
func (h *KeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		h.logger.Error("list api keys", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list API keys")
		return
	}

	now := h.keys.Now()
	resources := make([]map[string]interface{}, 0, len(keys))
	for i := range keys {
		resources = append(resources, apiKeyToMap(&keys[i], now))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// createAPIKeyRequest is the expected payload for CreateAPIKey.
type createAPIKeyRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// createAPIKeyResponse carries the plaintext key, shown once only.
type createAPIKeyResponse struct {
	Key    string                 `json:"api_key"`
	Record map[string]interface{} `json:"key"`
}

// CreateAPIKey issues a new key and returns the plaintext exactly once.
// POST /api/v1/system/api-key
func (h *KeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	now := h.keys.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		writeError(w, http.StatusBadRequest, "expires_at must be in the future")
		return
	}

	actor := actorFrom(r)
	plaintext, key, err := h.keys.Issue(r.Context(), service.IssueRequest{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   actor,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, config.ErrConflict):
			writeError(w, http.StatusConflict, "Key collision, retry the request")
		default:
			h.logger.Error("issue api key", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to issue API key")
		}
		return
	}

	h.logger.Info("api key issued",
		"key_id", key.ID,
		"key_prefix", key.KeyPrefix,
		"created_by", actor,
	)
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{
		Key:    plaintext,
		Record: apiKeyToMap(key, now),
	})
}

// GetAPIKey returns one key by ID.
// GET /api/v1/system/api-key/{keyId}
func (h *KeyHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	id, raw, ok := keyIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+raw)
		return
	}

	key, found, err := h.keys.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("get api key", "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get API key")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "API key not found: "+raw)
		return
	}

	writeJSON(w, http.StatusOK, apiKeyToMap(key, h.keys.Now()))
}

// RevokeAPIKey permanently deactivates a key by ID.
// POST /api/v1/system/api-key/{keyId}/revoke
func (h *KeyHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, raw, ok := keyIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+raw)
		return
	}

	actor := actorFrom(r)
	revoked, err := h.keys.Revoke(r.Context(), id, actor)
	if err != nil {
		h.logger.Error("revoke api key", "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to revoke API key")
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, "API key not found: "+raw)
		return
	}
	h.logger.Info("api key revoked", "key_id", id, "revoked_by", actor)

	key, found, err := h.keys.Get(r.Context(), id)
	if err != nil || !found {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "API key revoked",
		})
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToMap(key, h.keys.Now()))
}

// DeleteAPIKey permanently removes a key by ID.
// DELETE /api/v1/system/api-key/{keyId}
func (h *KeyHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, raw, ok := keyIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+raw)
		return
	}

	deleted, err := h.keys.Delete(r.Context(), id)
	if err != nil {
		h.logger.Error("delete api key", "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete API key")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "API key not found: "+raw)
		return
	}
	h.logger.Info("api key deleted", "key_id", id, "deleted_by", actorFrom(r))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key deleted",
	})
}

// Whoami reports the principal admitted by the gate.
// GET /api/v1/whoami
func Whoami(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "No principal on request")
		return
	}
	resp := map[string]interface{}{"type": p.Type}
	if p.KeyID != 0 {
		resp["key_id"] = p.KeyID
		resp["key_prefix"] = p.KeyPrefix
	}
	writeJSON(w, http.StatusOK, resp)
}

// actorFrom names the operator behind an admin request.
func actorFrom(r *http.Request) string {
	if a := middleware.GetAdmin(r.Context()); a != nil {
		return a.Subject
	}
	return "unknown"
}
