package config

import "fmt"

// migrations returns the idempotent DDL for the store's dialect.
func (s *Store) migrations() []string {
	switch s.driver {
	case DriverPostgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id BIGSERIAL PRIMARY KEY,
				key_hash CHAR(64) UNIQUE NOT NULL,
				key_prefix VARCHAR(16) NOT NULL DEFAULT '',
				name VARCHAR(100) NOT NULL,
				description VARCHAR(300) NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_by TEXT,
				expires_at TIMESTAMPTZ,
				last_used_at TIMESTAMPTZ,
				usage_count BIGINT NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				revoked_at TIMESTAMPTZ,
				revoked_by TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_created_at ON api_keys(created_at)`,
		}
	case DriverMySQL:
		return []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				key_hash CHAR(64) NOT NULL,
				key_prefix VARCHAR(16) NOT NULL DEFAULT '',
				name VARCHAR(100) NOT NULL,
				description VARCHAR(300) NOT NULL DEFAULT '',
				created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				created_by VARCHAR(255),
				expires_at DATETIME(6),
				last_used_at DATETIME(6),
				usage_count BIGINT NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				revoked_at DATETIME(6),
				revoked_by VARCHAR(255),
				UNIQUE KEY idx_api_keys_hash (key_hash),
				KEY idx_api_keys_created_at (created_at)
			)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				key_hash TEXT UNIQUE NOT NULL,
				key_prefix TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				created_by TEXT,
				expires_at DATETIME,
				last_used_at DATETIME,
				usage_count INTEGER NOT NULL DEFAULT 0,
				is_active INTEGER NOT NULL DEFAULT 1,
				revoked_at DATETIME,
				revoked_by TEXT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_created_at ON api_keys(created_at)`,
		}
	}
}

func (s *Store) migrate() error {
	for _, m := range s.migrations() {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
