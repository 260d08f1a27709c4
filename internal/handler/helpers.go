package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/keygate/internal/model"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v, rejecting unknown fields.
// The body is closed after decoding regardless of success or failure.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// keyIDParam parses the {keyId} route parameter.
func keyIDParam(r *http.Request) (int64, string, bool) {
	raw := chi.URLParam(r, "keyId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, raw, false
	}
	return id, raw, true
}

// apiKeyToMap renders a key for API output. The hash is never included.
func apiKeyToMap(key *model.APIKey, now time.Time) map[string]interface{} {
	m := map[string]interface{}{
		"id":          key.ID,
		"key_prefix":  key.KeyPrefix,
		"name":        key.Name,
		"usage_count": key.UsageCount,
		"is_active":   key.IsActive,
		"status":      key.Status(now),
		"created_at":  key.CreatedAt,
	}
	if key.Description != "" {
		m["description"] = key.Description
	}
	if key.CreatedBy != nil {
		m["created_by"] = *key.CreatedBy
	}
	if key.ExpiresAt != nil {
		m["expires_at"] = key.ExpiresAt
	}
	if key.LastUsedAt != nil {
		m["last_used_at"] = key.LastUsedAt
	}
	if key.RevokedAt != nil {
		m["revoked_at"] = key.RevokedAt
	}
	if key.RevokedBy != nil {
		m["revoked_by"] = *key.RevokedBy
	}
	return m
}
