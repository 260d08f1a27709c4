package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/faucetdb/keygate/internal/model"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// StoreConfig selects and tunes the backing database for the key store.
type StoreConfig struct {
	Driver       string // sqlite (default), postgres, mysql
	DSN          string // required for postgres and mysql
	DataDir      string // sqlite only; empty means in-memory
	MaxOpenConns int    // ignored for sqlite
	MaxIdleConns int
}

// Store persists issued API keys. It performs no business checks: admission
// rules live in the service layer.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore creates a SQLite-backed store. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	return Open(StoreConfig{Driver: DriverSQLite, DataDir: dataDir})
}

// Open connects to the configured backend and applies migrations.
func Open(cfg StoreConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg.DataDir)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres store requires a dsn")
		}
		db, err = sqlx.Connect("pgx", cfg.DSN)
	case DriverMySQL:
		var dsn string
		dsn, err = mysqlDSN(cfg.DSN)
		if err == nil {
			db, err = sqlx.Connect("mysql", dsn)
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	if driver != DriverSQLite {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

// sqlitePragmas uses modernc.org/sqlite's DSN syntax; each pragma is applied
// to every new connection.
const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

func openSQLite(dataDir string) (*sqlx.DB, error) {
	dsn := ":memory:"
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		// The CLI and a running server share the file: readers must not block
		// on a writer and writers wait for each other instead of failing.
		dsn = filepath.Join(dataDir, "keygate.db") + sqlitePragmas
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	return db, nil
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time, and
// clientFoundRows so an UPDATE that changes nothing still reports its match.
func mysqlDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("mysql store requires a dsn")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Driver returns the backend driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

const apiKeyColumns = `id, key_hash, key_prefix, name, description, created_at, created_by,
	expires_at, last_used_at, usage_count, is_active, revoked_at, revoked_by`

// InsertAPIKey inserts a new API key record. The key_hash must already be set
// (use HashAPIKey). ID is populated after insert, and CreatedAt when zero.
// Returns ErrConflict if the hash is already stored.
func (s *Store) InsertAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO api_keys
		(key_hash, key_prefix, name, description, created_at, created_by,
		 expires_at, last_used_at, usage_count, is_active, revoked_at, revoked_by)
		VALUES
		(:key_hash, :key_prefix, :name, :description, :created_at, :created_by,
		 :expires_at, :last_used_at, :usage_count, :is_active, :revoked_at, :revoked_by)`

	if s.driver == DriverPostgres {
		// The pgx driver does not implement LastInsertId.
		query, args, err := s.db.BindNamed(q+" RETURNING id", key)
		if err != nil {
			return fmt.Errorf("bind api key insert: %w", err)
		}
		if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&key.ID); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert api key: %w", err)
		}
		return nil
	}

	result, err := s.db.NamedExecContext(ctx, q, key)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get api key id: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKey returns an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var key model.APIKey
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &key, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash. The lookup is
// served by the unique index on key_hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE key_hash = ?")
	if err := s.db.GetContext(ctx, &key, q, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all API keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	keys := []model.APIKey{}
	q := "SELECT " + apiKeyColumns + " FROM api_keys ORDER BY created_at DESC, id DESC"
	if err := s.db.SelectContext(ctx, &keys, q); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// UpdateAPIKey persists the mutable metadata of an existing key. Usage
// counters are owned by IncrementAPIKeyUsage and are not written here.
func (s *Store) UpdateAPIKey(ctx context.Context, key *model.APIKey) error {
	const q = `UPDATE api_keys SET
		name = :name, description = :description, expires_at = :expires_at,
		is_active = :is_active, revoked_at = :revoked_at, revoked_by = :revoked_by
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, key)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return s.requireAffected(result, "update api key")
}

// IncrementAPIKeyUsage atomically bumps usage_count and sets last_used_at.
func (s *Store) IncrementAPIKeyUsage(ctx context.Context, id int64, at time.Time) error {
	q := s.db.Rebind("UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("increment api key usage: %w", err)
	}
	return s.requireAffected(result, "increment api key usage")
}

// DeleteAPIKey permanently removes a key. It reports whether a row existed.
func (s *Store) DeleteAPIKey(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM api_keys WHERE id = ?"), id)
	if err != nil {
		return false, fmt.Errorf("delete api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete api key rows affected: %w", err)
	}
	return n > 0, nil
}

// CountAPIKeys returns the number of stored keys and how many are active.
func (s *Store) CountAPIKeys(ctx context.Context) (total, active int, err error) {
	row := struct {
		Total  int `db:"total"`
		Active int `db:"active"`
	}{}
	const q = `SELECT COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0) AS active
		FROM api_keys`
	if err := s.db.GetContext(ctx, &row, q); err != nil {
		return 0, 0, fmt.Errorf("count api keys: %w", err)
	}
	return row.Total, row.Active, nil
}

func (s *Store) requireAffected(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation recognizes duplicate-key errors from each backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// HashAPIKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
