package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teampool/teampool-server/internal/models"
)

// ========== Redemption Code Methods ==========

const codeColumns = `id, code, created_at, expires_at, is_warranty, warranty_expires_at,
               status, assigned_team_id, used_by_email, used_at`

func scanCode(row interface{ Scan(...interface{}) error }) (*models.RedemptionCode, error) {
	code := &models.RedemptionCode{}
	err := row.Scan(
		&code.ID, &code.Code, &code.CreatedAt, &code.ExpiresAt,
		&code.IsWarranty, &code.WarrantyExpiresAt, &code.Status,
		&code.AssignedTeamID, &code.UsedByEmail, &code.UsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return code, nil
}

// CreateCode creates a new redemption code
func (s *PostgresStore) CreateCode(ctx context.Context, code *models.RedemptionCode) error {
	code.CreatedAt = time.Now()
	if code.Status == "" {
		code.Status = models.CodeStatusUnused
	}

	query := `
        INSERT INTO redemption_codes (
            code, created_at, expires_at, is_warranty, warranty_expires_at,
            status, assigned_team_id, used_by_email, used_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9
        ) RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		code.Code, code.CreatedAt, code.ExpiresAt, code.IsWarranty,
		code.WarrantyExpiresAt, code.Status, code.AssignedTeamID,
		code.UsedByEmail, code.UsedAt,
	).Scan(&code.ID)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetCode gets a redemption code by its code string
func (s *PostgresStore) GetCode(ctx context.Context, code string) (*models.RedemptionCode, error) {
	query := `SELECT ` + codeColumns + ` FROM redemption_codes WHERE code = $1`
	return scanCode(s.db.QueryRowContext(ctx, query, code))
}

// ListCodes lists redemption codes
func (s *PostgresStore) ListCodes(ctx context.Context, limit, offset int) ([]*models.RedemptionCode, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM redemption_codes`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + codeColumns + ` FROM redemption_codes ORDER BY id DESC LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var codes []*models.RedemptionCode
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, 0, err
		}
		codes = append(codes, code)
	}

	return codes, total, rows.Err()
}

// ListCodesByTeam lists codes currently assigned to a team
func (s *PostgresStore) ListCodesByTeam(ctx context.Context, teamID int64) ([]*models.RedemptionCode, error) {
	query := `SELECT ` + codeColumns + ` FROM redemption_codes WHERE assigned_team_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []*models.RedemptionCode
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}

	return codes, rows.Err()
}

// ClaimCode transitions a code unused -> used in one statement. Two requests
// racing on the same code are serialized here: the loser's UPDATE matches
// zero rows. warrantyExpiresAt is only written on the first claim of a
// warranty code.
func (s *PostgresStore) ClaimCode(ctx context.Context, code, email string, teamID int64, usedAt time.Time, warrantyExpiresAt *time.Time) (bool, error) {
	query := `
        UPDATE redemption_codes
        SET status = 'used', used_by_email = $2, assigned_team_id = $3,
            used_at = $4,
            warranty_expires_at = COALESCE(warranty_expires_at, $5)
        WHERE code = $1 AND status = 'unused'`

	result, err := s.db.ExecContext(ctx, query, code, email, teamID, usedAt, warrantyExpiresAt)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReassignCode rebinds a used warranty code to a new team, guarded by the
// previous assignment so concurrent warranty reuses serialize.
func (s *PostgresStore) ReassignCode(ctx context.Context, code, email string, prevTeamID, teamID int64, usedAt time.Time) (bool, error) {
	query := `
        UPDATE redemption_codes
        SET used_by_email = $2, assigned_team_id = $4, used_at = $5
        WHERE code = $1 AND status = 'used' AND assigned_team_id = $3`

	result, err := s.db.ExecContext(ctx, query, code, email, prevTeamID, teamID, usedAt)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RollbackCodeClaim restores a code to its pre-claim snapshot after a failed
// invite. Guarded by the attempt's team id so a rollback can never clobber a
// claim that belongs to a different attempt.
func (s *PostgresStore) RollbackCodeClaim(ctx context.Context, code string, attemptTeamID int64, prev *models.RedemptionCode) error {
	query := `
        UPDATE redemption_codes
        SET status = $3, used_by_email = $4, assigned_team_id = $5,
            used_at = $6, warranty_expires_at = $7
        WHERE code = $1 AND assigned_team_id = $2`

	_, err := s.db.ExecContext(ctx, query,
		code, attemptTeamID, prev.Status, prev.UsedByEmail,
		prev.AssignedTeamID, prev.UsedAt, prev.WarrantyExpiresAt,
	)
	return err
}
