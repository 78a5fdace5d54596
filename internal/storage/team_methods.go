package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teampool/teampool-server/internal/models"
)

// ========== Team Methods ==========

const teamColumns = `id, created_at, updated_at, access_token_sealed, email, account_id,
               name, plan, max_members, current_members, expires_at,
               status, consecutive_errors, last_synced_at, is_active`

func scanTeam(row interface{ Scan(...interface{}) error }) (*models.Team, error) {
	team := &models.Team{}
	err := row.Scan(
		&team.ID, &team.CreatedAt, &team.UpdatedAt, &team.AccessTokenSealed,
		&team.Email, &team.AccountID, &team.Name, &team.Plan,
		&team.MaxMembers, &team.CurrentMembers, &team.ExpiresAt,
		&team.Status, &team.ConsecutiveErrors, &team.LastSyncedAt, &team.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return team, nil
}

// CreateTeam creates a new team
func (s *PostgresStore) CreateTeam(ctx context.Context, team *models.Team) error {
	now := time.Now()
	team.CreatedAt = now
	team.UpdatedAt = now
	if team.Status == "" {
		team.Status = models.TeamStatusAvailable
	}
	team.IsActive = true

	query := `
        INSERT INTO teams (
            created_at, updated_at, access_token_sealed, email, account_id,
            name, plan, max_members, current_members, expires_at,
            status, consecutive_errors, last_synced_at, is_active
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
        ) RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		team.CreatedAt, team.UpdatedAt, team.AccessTokenSealed, team.Email,
		team.AccountID, team.Name, team.Plan, team.MaxMembers,
		team.CurrentMembers, team.ExpiresAt, team.Status,
		team.ConsecutiveErrors, team.LastSyncedAt, team.IsActive,
	).Scan(&team.ID)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetTeam gets a team by id
func (s *PostgresStore) GetTeam(ctx context.Context, id int64) (*models.Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE id = $1`
	return scanTeam(s.db.QueryRowContext(ctx, query, id))
}

// GetTeamByAccountID gets a team by its external account id
func (s *PostgresStore) GetTeamByAccountID(ctx context.Context, accountID string) (*models.Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE account_id = $1 AND is_active`
	return scanTeam(s.db.QueryRowContext(ctx, query, accountID))
}

// UpdateTeam updates a team's descriptive fields. Counters and status go
// through the dedicated conditional operations.
func (s *PostgresStore) UpdateTeam(ctx context.Context, team *models.Team) error {
	team.UpdatedAt = time.Now()

	query := `
        UPDATE teams
        SET updated_at = $2, access_token_sealed = $3, email = $4,
            account_id = $5, name = $6, plan = $7, max_members = $8,
            expires_at = $9
        WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		team.ID, team.UpdatedAt, team.AccessTokenSealed, team.Email,
		team.AccountID, team.Name, team.Plan, team.MaxMembers, team.ExpiresAt,
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateTeam marks a team inactive. Teams with usage history are never
// physically deleted.
func (s *PostgresStore) DeactivateTeam(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE teams SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTeams lists teams
func (s *PostgresStore) ListTeams(ctx context.Context, limit, offset int) ([]*models.Team, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM teams`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + teamColumns + ` FROM teams ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var teams []*models.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, 0, err
		}
		teams = append(teams, team)
	}

	return teams, total, rows.Err()
}

// ListActiveTeams lists every active team, for the synchronizer
func (s *PostgresStore) ListActiveTeams(ctx context.Context) ([]*models.Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE is_active ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*models.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}

	return teams, rows.Err()
}

// ListAvailableTeams lists teams with free capacity, soonest-expiring first.
// Equal expiries are broken by id ascending so the order is deterministic.
func (s *PostgresStore) ListAvailableTeams(ctx context.Context) ([]*models.Team, error) {
	query := `
        SELECT ` + teamColumns + `
        FROM teams
        WHERE is_active AND status = 'available' AND current_members < max_members
        ORDER BY expires_at ASC NULLS LAST, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*models.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}

	return teams, rows.Err()
}

// ReserveTeamSlot increments current_members if the stored row still has
// capacity. The WHERE clause is the compare part of the compare-and-set: a
// concurrent reservation or a synchronizer overwrite that removed the free
// slot makes this a no-op and the caller moves to the next candidate.
func (s *PostgresStore) ReserveTeamSlot(ctx context.Context, teamID int64) (bool, error) {
	query := `
        UPDATE teams
        SET current_members = current_members + 1,
            status = CASE WHEN current_members + 1 >= max_members THEN 'full' ELSE status END,
            updated_at = now()
        WHERE id = $1 AND is_active AND status = 'available' AND current_members < max_members`

	result, err := s.db.ExecContext(ctx, query, teamID)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReleaseTeamSlot rolls back a reservation. A team that was marked full by
// the reservation becomes available again; a team the synchronizer moved to
// error/expired keeps that status.
func (s *PostgresStore) ReleaseTeamSlot(ctx context.Context, teamID int64) error {
	query := `
        UPDATE teams
        SET current_members = GREATEST(current_members - 1, 0),
            status = CASE WHEN status = 'full' THEN 'available' ELSE status END,
            updated_at = now()
        WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, teamID)
	return err
}

// RecordSyncFailure bumps the failure bookkeeping without touching counters
// or capacity: a reservation committed while the provider call was in flight
// must survive a failed refresh. An empty status keeps the stored one.
func (s *PostgresStore) RecordSyncFailure(ctx context.Context, teamID int64, consecutiveErrors int, status models.TeamStatus, syncedAt time.Time) error {
	query := `
        UPDATE teams
        SET consecutive_errors = $2, last_synced_at = $3,
            status = CASE WHEN $4 <> '' THEN $4 ELSE status END,
            updated_at = now()
        WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, teamID, consecutiveErrors, syncedAt, status)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTeamStatus sets a team's status
func (s *PostgresStore) SetTeamStatus(ctx context.Context, teamID int64, status models.TeamStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE teams SET status = $2, updated_at = now() WHERE id = $1`, teamID, status)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyTeamSync overwrites the synchronized fields with provider truth.
// current_members is an absolute overwrite, not an increment: the provider
// count is the source of truth reconciling allocator drift.
func (s *PostgresStore) ApplyTeamSync(ctx context.Context, team *models.Team) error {
	query := `
        UPDATE teams
        SET plan = $2, expires_at = $3, max_members = $4, current_members = $5,
            status = $6, consecutive_errors = $7, last_synced_at = $8,
            name = CASE WHEN $9 <> '' THEN $9 ELSE name END,
            updated_at = now()
        WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		team.ID, team.Plan, team.ExpiresAt, team.MaxMembers, team.CurrentMembers,
		team.Status, team.ConsecutiveErrors, team.LastSyncedAt, team.Name,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
