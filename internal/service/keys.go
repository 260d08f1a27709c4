package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/faucetdb/keygate/internal/config"
	"github.com/faucetdb/keygate/internal/model"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrKeyExpired         = errors.New("api key expired")
	ErrKeyRevoked         = errors.New("api key revoked")
	ErrStoreUnavailable   = errors.New("key store unavailable")
)

const (
	// DefaultStoreTimeout bounds every key store call.
	DefaultStoreTimeout = 5 * time.Second

	secretBytes = 32
	prefixLen   = 8
)

// KeyStore is the persistence the key service needs. *config.Store
// satisfies it.
type KeyStore interface {
	InsertAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *model.APIKey) error
	IncrementAPIKeyUsage(ctx context.Context, id int64, at time.Time) error
	DeleteAPIKey(ctx context.Context, id int64) (bool, error)
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)
}

var _ KeyStore = (*config.Store)(nil)

// IssueRequest describes a key to issue.
type IssueRequest struct {
	Name        string
	Description string
	CreatedBy   string
	ExpiresAt   *time.Time
}

// KeyService issues API keys and decides whether a presented secret is
// admissible. Secrets are only ever handled as SHA-256 digests once issued.
type KeyService struct {
	store   KeyStore
	timeout time.Duration
	now     func() time.Time
}

// KeyOption configures a KeyService.
type KeyOption func(*KeyService)

// WithStoreTimeout bounds each store call. Non-positive values are ignored.
func WithStoreTimeout(d time.Duration) KeyOption {
	return func(s *KeyService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) KeyOption {
	return func(s *KeyService) {
		s.now = now
	}
}

func NewKeyService(store KeyStore, opts ...KeyOption) *KeyService {
	s := &KeyService{
		store:   store,
		timeout: DefaultStoreTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue generates a new secret, stores only its hash, and returns the
// plaintext. The plaintext cannot be recovered afterwards. A config.ErrConflict
// result means the generated hash already exists; callers retry.
func (s *KeyService) Issue(ctx context.Context, req IssueRequest) (string, *model.APIKey, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return "", nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > model.MaxKeyNameLen {
		return "", nil, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, model.MaxKeyNameLen)
	}
	if utf8.RuneCountInString(req.Description) > model.MaxKeyDescriptionLen {
		return "", nil, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidInput, model.MaxKeyDescriptionLen)
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random key: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	key := &model.APIKey{
		KeyHash:     config.HashAPIKey(plaintext),
		KeyPrefix:   plaintext[:prefixLen],
		Name:        name,
		Description: req.Description,
		CreatedAt:   s.now().UTC(),
		IsActive:    true,
	}
	if req.CreatedBy != "" {
		createdBy := req.CreatedBy
		key.CreatedBy = &createdBy
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		key.ExpiresAt = &exp
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.store.InsertAPIKey(ctx, key); err != nil {
		if errors.Is(err, config.ErrConflict) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return plaintext, key, nil
}

// Validate reports whether secret belongs to an admissible key. It never
// mutates state; use RecordUsage to meter an accepted request.
func (s *KeyService) Validate(ctx context.Context, secret string) bool {
	_, err := s.Authenticate(ctx, secret)
	return err == nil
}

// Authenticate looks up the key for secret and returns it if admissible.
// Failures are classified for operators: ErrInvalidCredentials, ErrKeyRevoked,
// ErrKeyExpired, or ErrStoreUnavailable wrapping the underlying error.
func (s *KeyService) Authenticate(ctx context.Context, secret string) (*model.APIKey, error) {
	if secret == "" {
		return nil, ErrInvalidCredentials
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key, err := s.store.GetAPIKeyByHash(ctx, config.HashAPIKey(secret))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	now := s.now()
	if !key.IsActive {
		return nil, ErrKeyRevoked
	}
	if !key.Admissible(now) {
		return nil, ErrKeyExpired
	}
	return key, nil
}

// RecordUsage increments the key's usage counter and stamps last use. Each
// call counts once; callers invoke it at most once per accepted request.
func (s *KeyService) RecordUsage(ctx context.Context, id int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.store.IncrementAPIKeyUsage(ctx, id, s.now().UTC()); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Revoke deactivates a key and stamps who revoked it and when. It returns
// false if the key does not exist. Revoking an already revoked key succeeds
// and re-stamps the revocation metadata; a revoked key is never reactivated.
func (s *KeyService) Revoke(ctx context.Context, id int64, revokedBy string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get api key: %w", err)
	}

	now := s.now().UTC()
	key.IsActive = false
	key.RevokedAt = &now
	key.RevokedBy = &revokedBy

	if err := s.store.UpdateAPIKey(ctx, key); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			// Deleted between read and write.
			return false, nil
		}
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	return true, nil
}

// Delete removes a key permanently, whether active or revoked.
func (s *KeyService) Delete(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	deleted, err := s.store.DeleteAPIKey(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete api key: %w", err)
	}
	return deleted, nil
}

// Get returns a key by ID. The boolean is false when no such key exists.
func (s *KeyService) Get(ctx context.Context, id int64) (*model.APIKey, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get api key: %w", err)
	}
	return key, true, nil
}

// List returns all keys, newest first.
func (s *KeyService) List(ctx context.Context) ([]model.APIKey, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// Now returns the service clock's current time.
func (s *KeyService) Now() time.Time {
	return s.now()
}

func (s *KeyService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
