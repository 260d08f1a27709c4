package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/faucetdb/keygate/internal/model"
	"github.com/faucetdb/keygate/internal/service"
)

// fakeKeys is an in-memory Authenticator.
type fakeKeys struct {
	mu       sync.Mutex
	keys     map[string]*model.APIKey
	failures map[string]error
	storeErr error
	usageErr error
	usage    map[int64]int
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{
		keys:     make(map[string]*model.APIKey),
		failures: make(map[string]error),
		usage:    make(map[int64]int),
	}
}

func (f *fakeKeys) Authenticate(_ context.Context, secret string) (*model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	if err, ok := f.failures[secret]; ok {
		return nil, err
	}
	if k, ok := f.keys[secret]; ok {
		return k, nil
	}
	return nil, service.ErrInvalidCredentials
}

func (f *fakeKeys) RecordUsage(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageErr != nil {
		return f.usageErr
	}
	f.usage[id]++
	return nil
}

func (f *fakeKeys) usageOf(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[id]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gateEnv wires the gate in front of a handler that echoes the principal.
type gateEnv struct {
	keys    *fakeKeys
	metrics *Metrics
	handler http.Handler
}

func newGateEnv(t *testing.T, cfg GateConfig) *gateEnv {
	t.Helper()
	env := &gateEnv{keys: newFakeKeys(), metrics: NewMetrics("test")}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := GetPrincipal(r.Context()); p != nil {
			w.Header().Set("X-Principal", p.Type)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	env.handler = Admission(env.keys, cfg, discardLogger(), env.metrics)(inner)
	return env
}

func (e *gateEnv) do(path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *gateEnv) count(outcome, reason string) float64 {
	return testutil.ToFloat64(e.metrics.admissionTotal.WithLabelValues(outcome, reason))
}

func assertRejected(t *testing.T, rr *httptest.ResponseRecorder, body string) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != body {
		t.Errorf("body = %q, want %q", got, body)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

// ---------------------------------------------------------------------------
// Admission gate tests
// ---------------------------------------------------------------------------

func TestAdmissionBypassesHealth(t *testing.T) {
	env := newGateEnv(t, DefaultGateConfig())

	for _, path := range []string{"/health", "/health/ready"} {
		rr := env.do(path, "")
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
		if rr.Header().Get("X-Principal") != "" {
			t.Errorf("%s: bypassed request must not carry a principal", path)
		}
	}
	if got := env.count(OutcomeBypassed, ReasonHealth); got != 2 {
		t.Errorf("bypassed/health = %v, want 2", got)
	}
}

func TestAdmissionDocsBypassOutsideProduction(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Production = false
	env := newGateEnv(t, cfg)

	rr := env.do("/swagger/openapi.json", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := env.count(OutcomeBypassed, ReasonDocs); got != 1 {
		t.Errorf("bypassed/docs = %v, want 1", got)
	}
}

func TestAdmissionBypassMatchesWholeSegments(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Production = false
	env := newGateEnv(t, cfg)

	for _, path := range []string{"/healthz", "/health-internal", "/swaggerfoo", "/swagger-admin/keys"} {
		assertRejected(t, env.do(path, ""), MsgKeyRequired)
	}
	for _, path := range []string{"/health", "/health/", "/swagger", "/swagger/index.html"} {
		if rr := env.do(path, ""); rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestAdmissionDocsRequireKeyInProduction(t *testing.T) {
	env := newGateEnv(t, DefaultGateConfig())

	assertRejected(t, env.do("/swagger/openapi.json", ""), MsgKeyRequired)
}

func TestAdmissionMissingKey(t *testing.T) {
	env := newGateEnv(t, DefaultGateConfig())

	assertRejected(t, env.do("/api/v1/whoami", ""), MsgKeyRequired)
	if got := env.count(OutcomeRejected, ReasonMissing); got != 1 {
		t.Errorf("rejected/missing = %v, want 1", got)
	}
}

func TestAdmissionValidKeyRecordsUsageOnce(t *testing.T) {
	env := newGateEnv(t, DefaultGateConfig())
	env.keys.keys["good"] = &model.APIKey{ID: 7, KeyPrefix: "good", IsActive: true}

	rr := env.do("/api/v1/whoami", "good")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Principal") != PrincipalAPIKey {
		t.Errorf("principal = %q, want %q", rr.Header().Get("X-Principal"), PrincipalAPIKey)
	}
	if got := env.keys.usageOf(7); got != 1 {
		t.Errorf("usage = %d, want 1", got)
	}
	if got := env.count(OutcomeAccepted, ReasonValid); got != 1 {
		t.Errorf("accepted/valid = %v, want 1", got)
	}
}

func TestAdmissionUsageRecordingDisabled(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.RecordUsage = false
	env := newGateEnv(t, cfg)
	env.keys.keys["good"] = &model.APIKey{ID: 7, IsActive: true}

	if rr := env.do("/api/v1/whoami", "good"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := env.keys.usageOf(7); got != 0 {
		t.Errorf("usage = %d, want 0", got)
	}
}

func TestAdmissionUsageFailureStillAdmits(t *testing.T) {
	env := newGateEnv(t, DefaultGateConfig())
	env.keys.keys["good"] = &model.APIKey{ID: 7, IsActive: true}
	env.keys.usageErr = errors.New("disk full")

	if rr := env.do("/api/v1/whoami", "good"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := testutil.ToFloat64(env.metrics.usageErrors); got != 1 {
		t.Errorf("usage errors = %v, want 1", got)
	}
}

func TestAdmissionRejectsWithUniformMessage(t *testing.T) {
	env := newGateEnv(t, DefaultGateConfig())
	env.keys.failures["revoked"] = service.ErrKeyRevoked
	env.keys.failures["expired"] = service.ErrKeyExpired

	tests := []struct {
		key    string
		reason string
	}{
		{"unknown", ReasonInvalid},
		{"revoked", ReasonRevoked},
		{"expired", ReasonExpired},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assertRejected(t, env.do("/api/v1/whoami", tt.key), MsgInvalidKey)
			if got := env.count(OutcomeRejected, tt.reason); got != 1 {
				t.Errorf("rejected/%s = %v, want 1", tt.reason, got)
			}
		})
	}
}

func TestAdmissionLegacyKey(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.LegacyKey = "shared-secret"
	env := newGateEnv(t, cfg)

	rr := env.do("/api/v1/whoami", "shared-secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Principal") != PrincipalLegacy {
		t.Errorf("principal = %q, want %q", rr.Header().Get("X-Principal"), PrincipalLegacy)
	}
	if len(env.keys.usage) != 0 {
		t.Error("legacy admissions must not record usage")
	}

	for _, near := range []string{"shared-secre", "shared-secret ", "SHARED-SECRET"} {
		assertRejected(t, env.do("/api/v1/whoami", near), MsgInvalidKey)
	}
}

func TestAdmissionLegacyDisabledWhenEmpty(t *testing.T) {
	env := newGateEnv(t, DefaultGateConfig())

	assertRejected(t, env.do("/api/v1/whoami", "anything"), MsgInvalidKey)
}

func TestAdmissionStoreFailureFailsClosed(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.LegacyKey = "shared-secret"
	env := newGateEnv(t, cfg)
	env.keys.storeErr = errors.Join(service.ErrStoreUnavailable, context.DeadlineExceeded)

	assertRejected(t, env.do("/api/v1/whoami", "shared-secret"), MsgInvalidKey)
	if got := env.count(OutcomeRejected, ReasonStoreError); got != 1 {
		t.Errorf("rejected/store_error = %v, want 1", got)
	}
}

func TestAdmissionCustomHeader(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Header = "X-Gate-Token"
	env := newGateEnv(t, cfg)
	env.keys.keys["good"] = &model.APIKey{ID: 1, IsActive: true}

	req := httptest.NewRequest("GET", "/api/v1/whoami", nil)
	req.Header.Set("x-gate-token", "good")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	// The default header is no longer consulted.
	assertRejected(t, env.do("/api/v1/whoami", "good"), MsgKeyRequired)
}

func TestAdmissionNilMetrics(t *testing.T) {
	keys := newFakeKeys()
	keys.keys["good"] = &model.APIKey{ID: 1, IsActive: true}
	handler := Admission(keys, GateConfig{}, discardLogger(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-API-Key", "good")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsHandlerExposesSeries(t *testing.T) {
	m := NewMetrics("test")
	m.RecordAdmission(OutcomeAccepted, ReasonValid, time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`test_admission_requests_total{outcome="accepted",reason="valid"} 1`,
		`test_admission_requests_total{outcome="rejected",reason="store_error"} 0`,
		"test_admission_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// ---------------------------------------------------------------------------
// RequireAdmin middleware tests
// ---------------------------------------------------------------------------

func TestRequireAdmin(t *testing.T) {
	tokens := service.NewTokenService("test-secret")
	valid, err := tokens.Issue("ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expired, err := tokens.Issue("ops@example.com", -time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"no header", "", http.StatusForbidden},
		{"wrong scheme", "Basic " + valid, http.StatusForbidden},
		{"expired token", "Bearer " + expired, http.StatusForbidden},
		{"garbage token", "Bearer garbage", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subject string
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if a := GetAdmin(r.Context()); a != nil {
					subject = a.Subject
				}
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			RequireAdmin(tokens)(inner).ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
			if tt.want == http.StatusOK && subject != "ops@example.com" {
				t.Errorf("subject = %q, want ops@example.com", subject)
			}
			if tt.want != http.StatusOK && !strings.Contains(rr.Body.String(), `"code":403`) {
				t.Errorf("expected JSON error envelope, got %s", rr.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Rate limit tests
// ---------------------------------------------------------------------------

func TestRateLimitByKey(t *testing.T) {
	keys := newFakeKeys()
	keys.keys["a"] = &model.APIKey{ID: 1, IsActive: true}
	keys.keys["b"] = &model.APIKey{ID: 2, IsActive: true}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Admission(keys, DefaultGateConfig(), discardLogger(), nil)(RateLimitByKey(1)(ok))

	do := func(key string) int {
		req := httptest.NewRequest("GET", "/api/v1/whoami", nil)
		req.Header.Set("X-API-Key", key)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := do("a"); code != http.StatusOK {
		t.Fatalf("first request for a: got %d", code)
	}
	if code := do("a"); code != http.StatusTooManyRequests {
		t.Fatalf("second request for a: got %d, want 429", code)
	}
	if code := do("b"); code != http.StatusOK {
		t.Fatalf("key b has its own bucket: got %d", code)
	}
}

// ---------------------------------------------------------------------------
// Logger middleware tests
// ---------------------------------------------------------------------------

func TestLoggerRecordsPrincipalNotSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	keys := newFakeKeys()
	keys.keys["top-secret-value"] = &model.APIKey{ID: 42, IsActive: true}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := Logger(logger)(Admission(keys, DefaultGateConfig(), logger, nil)(ok))

	req := httptest.NewRequest("GET", "/api/v1/whoami", nil)
	req.Header.Set("X-API-Key", "top-secret-value")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if strings.Contains(out, "top-secret-value") {
		t.Error("log output must not contain the presented secret")
	}
	for _, want := range []string{"status=204", "principal=api_key", "key_id=42"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLoggerWarnsOnRejection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := Logger(logger)(Admission(newFakeKeys(), DefaultGateConfig(), discardLogger(), nil)(http.NotFoundHandler()))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/whoami", nil))

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=401") {
		t.Errorf("expected warn-level 401 access log, got %s", out)
	}
}

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	// UUID v7 format check: 36 chars with dashes
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := GetRequestID(r.Context()); id != clientID {
			t.Errorf("expected context ID %q, got %q", clientID, id)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if respID := rr.Header().Get("X-Request-ID"); respID != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, respID)
	}
}

func TestRequestIDReplacesUnusableClientID(t *testing.T) {
	for _, bad := range []string{strings.Repeat("x", maxRequestIDLen+1), "has space"} {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", bad)
		rr := httptest.NewRecorder()
		RequestID(http.NotFoundHandler()).ServeHTTP(rr, req)

		if got := rr.Header().Get("X-Request-ID"); got == bad || len(got) != 36 {
			t.Errorf("client ID %q should be replaced, got %q", bad, got)
		}
	}
}

func TestGetPrincipalWithoutValue(t *testing.T) {
	if got := GetPrincipal(context.Background()); got != nil {
		t.Error("expected nil principal from bare context")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
}
