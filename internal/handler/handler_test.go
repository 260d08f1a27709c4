package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/keygate/internal/config"
	"github.com/faucetdb/keygate/internal/server/middleware"
	"github.com/faucetdb/keygate/internal/service"
)

const testAdmin = "ops@example.com"

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store   *config.Store
	keys    *service.KeyService
	handler *KeyHandler
	router  chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory key store
// and the key routes mounted behind a stub that attaches an admin identity
// (no gate, no token check).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	keys := service.NewKeyService(store)
	keyHandler := NewKeyHandler(keys, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := chi.NewRouter()
	r.Route("/api/v1/system", func(r chi.Router) {
		r.Use(asAdmin(testAdmin))
		r.Get("/api-key", keyHandler.ListAPIKeys)
		r.Post("/api-key", keyHandler.CreateAPIKey)
		r.Get("/api-key/{keyId}", keyHandler.GetAPIKey)
		r.Post("/api-key/{keyId}/revoke", keyHandler.RevokeAPIKey)
		r.Delete("/api-key/{keyId}", keyHandler.DeleteAPIKey)
	})

	return &testEnv{
		store:   store,
		keys:    keys,
		handler: keyHandler,
		router:  r,
	}
}

func asAdmin(subject string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.AdminPrincipalKey, &service.AdminPrincipal{Subject: subject})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// issue creates a key through the service and returns its plaintext and ID.
func (e *testEnv) issue(t *testing.T, name string) (string, int64) {
	t.Helper()
	plaintext, key, err := e.keys.Issue(context.Background(), service.IssueRequest{Name: name})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return plaintext, key.ID
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}
