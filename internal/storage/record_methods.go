package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teampool/teampool-server/internal/models"
)

// ========== Usage Record Methods ==========

// AppendUsageRecord appends a usage record. Records are append-only.
func (s *PostgresStore) AppendUsageRecord(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.UsedAt.IsZero() {
		record.UsedAt = time.Now()
	}

	query := `
        INSERT INTO usage_records (
            id, code, email, team_id, used_at, outcome, reason, is_warranty_redemption
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8
        )`

	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.Code, record.Email, record.TeamID,
		record.UsedAt, record.Outcome, record.Reason, record.IsWarrantyRedemption,
	)
	return err
}

func (s *PostgresStore) listUsage(ctx context.Context, query string, arg interface{}) ([]*models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		record := &models.UsageRecord{}
		err := rows.Scan(
			&record.ID, &record.Code, &record.Email, &record.TeamID,
			&record.UsedAt, &record.Outcome, &record.Reason, &record.IsWarrantyRedemption,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// ListUsageByCode lists usage records for a code, newest first
func (s *PostgresStore) ListUsageByCode(ctx context.Context, code string) ([]*models.UsageRecord, error) {
	query := `
        SELECT id, code, email, team_id, used_at, outcome, reason, is_warranty_redemption
        FROM usage_records WHERE code = $1 ORDER BY used_at DESC`
	return s.listUsage(ctx, query, code)
}

// ListUsageByEmail lists usage records for an email, newest first
func (s *PostgresStore) ListUsageByEmail(ctx context.Context, email string) ([]*models.UsageRecord, error) {
	query := `
        SELECT id, code, email, team_id, used_at, outcome, reason, is_warranty_redemption
        FROM usage_records WHERE email = $1 ORDER BY used_at DESC`
	return s.listUsage(ctx, query, email)
}

// ========== Banned Team Mark Methods ==========

// CreateBannedTeamMark records that a (team, email) pair was cut off by the
// provider
func (s *PostgresStore) CreateBannedTeamMark(ctx context.Context, mark *models.BannedTeamMark) error {
	if mark.MarkedAt.IsZero() {
		mark.MarkedAt = time.Now()
	}

	query := `
        INSERT INTO banned_team_marks (team_id, email, marked_at)
        VALUES ($1, $2, $3) RETURNING id`

	return s.db.QueryRowContext(ctx, query, mark.TeamID, mark.Email, mark.MarkedAt).Scan(&mark.ID)
}

// ListBannedTeamMarks lists marks for a team
func (s *PostgresStore) ListBannedTeamMarks(ctx context.Context, teamID int64) ([]*models.BannedTeamMark, error) {
	query := `
        SELECT id, team_id, email, marked_at
        FROM banned_team_marks WHERE team_id = $1 ORDER BY marked_at DESC`

	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marks []*models.BannedTeamMark
	for rows.Next() {
		mark := &models.BannedTeamMark{}
		if err := rows.Scan(&mark.ID, &mark.TeamID, &mark.Email, &mark.MarkedAt); err != nil {
			return nil, err
		}
		marks = append(marks, mark)
	}

	return marks, rows.Err()
}

// ========== Setting Methods ==========

// GetSetting gets a setting by key
func (s *PostgresStore) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	query := `SELECT key, value, description, updated_at FROM settings WHERE key = $1`

	setting := &models.Setting{}
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&setting.Key, &setting.Value, &setting.Description, &setting.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return setting, nil
}

// SetSetting creates or updates a setting
func (s *PostgresStore) SetSetting(ctx context.Context, setting *models.Setting) error {
	setting.UpdatedAt = time.Now()

	query := `
        INSERT INTO settings (key, value, description, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (key) DO UPDATE
        SET value = EXCLUDED.value, description = EXCLUDED.description,
            updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		setting.Key, setting.Value, setting.Description, setting.UpdatedAt)
	return err
}

// ========== Audit Log Methods ==========

// CreateAuditLog appends an audit log entry
func (s *PostgresStore) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO audit_logs (id, actor, action, target_type, target_id, message, ip, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Actor, entry.Action, entry.TargetType,
		entry.TargetID, entry.Message, entry.IP, entry.CreatedAt,
	)
	return err
}
