package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/faucetdb/keygate/internal/model"
	"github.com/faucetdb/keygate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
	// AdminPrincipalKey is the context key for the admin behind a bearer token.
	AdminPrincipalKey contextKeyAuth = "admin_principal"
)

// Principal types.
const (
	PrincipalAPIKey = "api_key"
	PrincipalLegacy = "legacy"
)

// Rejection bodies. Callers cannot tell unknown, expired and revoked keys apart.
const (
	MsgKeyRequired = "API Key is required"
	MsgInvalidKey  = "Invalid API Key"
)

// Principal represents the caller admitted by the gate.
type Principal struct {
	Type      string // "api_key" or "legacy"
	KeyID     int64  // zero for legacy
	KeyPrefix string
}

// Authenticator resolves a presented secret to an admissible key.
// *service.KeyService satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, secret string) (*model.APIKey, error)
	RecordUsage(ctx context.Context, id int64) error
}

// GateConfig is read once at startup and fixed for the gate's lifetime.
type GateConfig struct {
	Header       string // defaults to X-API-Key; matched case-insensitively
	LegacyKey    string // empty disables the fallback
	Production   bool   // disables the documentation bypass
	HealthPrefix string // defaults to /health
	DocsPrefix   string // defaults to /swagger
	RecordUsage  bool
}

// DefaultGateConfig returns the gate defaults for a production deployment.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Header:       "X-API-Key",
		Production:   true,
		HealthPrefix: "/health",
		DocsPrefix:   "/swagger",
		RecordUsage:  true,
	}
}

func (c GateConfig) withDefaults() GateConfig {
	d := DefaultGateConfig()
	if c.Header == "" {
		c.Header = d.Header
	}
	if c.HealthPrefix == "" {
		c.HealthPrefix = d.HealthPrefix
	}
	if c.DocsPrefix == "" {
		c.DocsPrefix = d.DocsPrefix
	}
	return c
}

// Admission returns an HTTP middleware that admits a request only when it
// carries an admissible API key, or the configured legacy key. Health checks,
// and documentation outside production, pass through untouched. Rejections are
// plain-text 401 responses. A key store failure rejects the request.
func Admission(keys Authenticator, cfg GateConfig, logger *slog.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	legacy := []byte(cfg.LegacyKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path

			if underPrefix(path, cfg.HealthPrefix) {
				metrics.RecordAdmission(OutcomeBypassed, ReasonHealth, time.Since(start))
				next.ServeHTTP(w, r)
				return
			}
			if !cfg.Production && underPrefix(path, cfg.DocsPrefix) {
				metrics.RecordAdmission(OutcomeBypassed, ReasonDocs, time.Since(start))
				next.ServeHTTP(w, r)
				return
			}

			reject := func(reason, msg string) {
				metrics.RecordAdmission(OutcomeRejected, reason, time.Since(start))
				writeGateError(w, msg)
			}

			secret := r.Header.Get(cfg.Header)
			if secret == "" {
				logger.Warn("api key missing",
					"path", path,
					"remote_addr", r.RemoteAddr,
					"request_id", GetRequestID(r.Context()),
				)
				reject(ReasonMissing, MsgKeyRequired)
				return
			}

			key, err := keys.Authenticate(r.Context(), secret)
			if err == nil {
				if cfg.RecordUsage {
					if uerr := keys.RecordUsage(r.Context(), key.ID); uerr != nil {
						metrics.RecordUsageError()
						logger.Error("record api key usage failed",
							"key_id", key.ID,
							"error", uerr,
						)
					}
				}
				logger.Debug("api key accepted",
					"key_id", key.ID,
					"key_prefix", key.KeyPrefix,
					"path", path,
				)
				metrics.RecordAdmission(OutcomeAccepted, ReasonValid, time.Since(start))
				admit(w, r, next, &Principal{Type: PrincipalAPIKey, KeyID: key.ID, KeyPrefix: key.KeyPrefix})
				return
			}

			if errors.Is(err, service.ErrStoreUnavailable) {
				logger.Error("api key lookup failed",
					"path", path,
					"remote_addr", r.RemoteAddr,
					"request_id", GetRequestID(r.Context()),
					"error", err,
				)
				reject(ReasonStoreError, MsgInvalidKey)
				return
			}

			if len(legacy) > 0 && subtle.ConstantTimeCompare([]byte(secret), legacy) == 1 {
				logger.Debug("legacy api key accepted", "path", path)
				metrics.RecordAdmission(OutcomeAccepted, ReasonLegacy, time.Since(start))
				admit(w, r, next, &Principal{Type: PrincipalLegacy})
				return
			}

			reason := rejectReason(err)
			logger.Warn("api key rejected",
				"reason", reason,
				"path", path,
				"remote_addr", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			)
			reject(reason, MsgInvalidKey)
		})
	}
}

func admit(w http.ResponseWriter, r *http.Request, next http.Handler, p *Principal) {
	reportPrincipal(r.Context(), p)
	ctx := context.WithValue(r.Context(), AuthPrincipalKey, p)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// underPrefix reports whether path is prefix itself or a path below it, so
// /health matches /health/ready but not /healthz.
func underPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, service.ErrKeyRevoked):
		return ReasonRevoked
	case errors.Is(err, service.ErrKeyExpired):
		return ReasonExpired
	default:
		return ReasonInvalid
	}
}

// RequireAdmin returns an HTTP middleware that requires an admin bearer token
// in the Authorization header. It is mounted behind Admission, so admin calls
// carry both an API key and a token.
func RequireAdmin(tokens *service.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusForbidden, "Admin access required")
				return
			}
			admin, err := tokens.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeAuthError(w, http.StatusForbidden, "Invalid admin token")
				return
			}
			ctx := context.WithValue(r.Context(), AdminPrincipalKey, admin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the admitted principal from the context.
// Returns nil if no principal is present (i.e., the request bypassed the gate).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// GetAdmin extracts the admin principal set by RequireAdmin.
func GetAdmin(ctx context.Context) *service.AdminPrincipal {
	if a, ok := ctx.Value(AdminPrincipalKey).(*service.AdminPrincipal); ok {
		return a
	}
	return nil
}

func writeGateError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(message))
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid import cycle with handler package
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	case 403:
		return "403"
	default:
		return "500"
	}
}
