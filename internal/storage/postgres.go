package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// ConfigurePool applies connection pool limits
func (s *PostgresStore) ConfigurePool(maxOpen, maxIdle int, maxLifetime time.Duration) {
	s.db.SetMaxOpenConns(maxOpen)
	s.db.SetMaxIdleConns(maxIdle)
	s.db.SetConnMaxLifetime(maxLifetime)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and applies additive column migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// Additive migrations for installations created before the warranty
	// columns existed
	additive := []struct {
		table, column, ddl string
	}{
		{"redemption_codes", "is_warranty",
			`ALTER TABLE redemption_codes ADD COLUMN is_warranty BOOLEAN NOT NULL DEFAULT false`},
		{"redemption_codes", "warranty_expires_at",
			`ALTER TABLE redemption_codes ADD COLUMN warranty_expires_at TIMESTAMPTZ`},
		{"usage_records", "is_warranty_redemption",
			`ALTER TABLE usage_records ADD COLUMN is_warranty_redemption BOOLEAN NOT NULL DEFAULT false`},
	}

	for _, m := range additive {
		exists, err := s.columnExists(ctx, m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
	}

	return nil
}

func (s *PostgresStore) columnExists(ctx context.Context, table, column string) (bool, error) {
	query := `
        SELECT COUNT(*) FROM information_schema.columns
        WHERE table_name = $1 AND column_name = $2`

	var count int
	if err := s.db.QueryRowContext(ctx, query, table, column).Scan(&count); err != nil {
		return false, fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS teams (
        id BIGSERIAL PRIMARY KEY,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        access_token_sealed TEXT NOT NULL,
        email TEXT NOT NULL DEFAULT '',
        account_id TEXT NOT NULL DEFAULT '',
        name TEXT NOT NULL DEFAULT '',
        plan TEXT NOT NULL DEFAULT '',
        max_members INT NOT NULL DEFAULT 0,
        current_members INT NOT NULL DEFAULT 0,
        expires_at TIMESTAMPTZ,
        status TEXT NOT NULL DEFAULT 'available',
        consecutive_errors INT NOT NULL DEFAULT 0,
        last_synced_at TIMESTAMPTZ,
        is_active BOOLEAN NOT NULL DEFAULT true,
        CONSTRAINT teams_capacity CHECK (current_members >= 0 AND current_members <= max_members)
    )`,
	`CREATE INDEX IF NOT EXISTS idx_teams_available ON teams (status, expires_at, id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS redemption_codes (
        id BIGSERIAL PRIMARY KEY,
        code TEXT NOT NULL UNIQUE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        expires_at TIMESTAMPTZ,
        is_warranty BOOLEAN NOT NULL DEFAULT false,
        warranty_expires_at TIMESTAMPTZ,
        status TEXT NOT NULL DEFAULT 'unused',
        assigned_team_id BIGINT REFERENCES teams (id),
        used_by_email TEXT,
        used_at TIMESTAMPTZ
    )`,
	`CREATE TABLE IF NOT EXISTS usage_records (
        id UUID PRIMARY KEY,
        code TEXT NOT NULL,
        email TEXT NOT NULL,
        team_id BIGINT NOT NULL,
        used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        outcome TEXT NOT NULL,
        reason TEXT NOT NULL DEFAULT '',
        is_warranty_redemption BOOLEAN NOT NULL DEFAULT false
    )`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_code ON usage_records (code)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_email ON usage_records (email)`,
	`CREATE TABLE IF NOT EXISTS banned_team_marks (
        id BIGSERIAL PRIMARY KEY,
        team_id BIGINT NOT NULL,
        email TEXT NOT NULL,
        marked_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE INDEX IF NOT EXISTS idx_banned_team_marks_team ON banned_team_marks (team_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
        id UUID PRIMARY KEY,
        actor TEXT NOT NULL,
        action TEXT NOT NULL,
        target_type TEXT NOT NULL DEFAULT '',
        target_id TEXT NOT NULL DEFAULT '',
        message TEXT NOT NULL DEFAULT '',
        ip TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
}
