package storage

import (
	"context"
	"errors"
	"time"

	"github.com/teampool/teampool-server/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface. Team counters and code status are
// only ever changed through the conditional (compare-and-set) operations
// below; callers never write back cached copies of contended fields.
type Store interface {
	// Team methods
	CreateTeam(ctx context.Context, team *models.Team) error
	GetTeam(ctx context.Context, id int64) (*models.Team, error)
	GetTeamByAccountID(ctx context.Context, accountID string) (*models.Team, error)
	UpdateTeam(ctx context.Context, team *models.Team) error
	DeactivateTeam(ctx context.Context, id int64) error
	ListTeams(ctx context.Context, limit, offset int) ([]*models.Team, int64, error)
	ListActiveTeams(ctx context.Context) ([]*models.Team, error)

	// ListAvailableTeams returns teams with free capacity ordered by
	// expires_at ascending, then id ascending as the tie-break.
	ListAvailableTeams(ctx context.Context) ([]*models.Team, error)

	// ReserveTeamSlot atomically increments current_members if the team is
	// still available and below capacity. Returns false when a concurrent
	// writer won the race.
	ReserveTeamSlot(ctx context.Context, teamID int64) (bool, error)

	// ReleaseTeamSlot undoes a reservation, never dropping below zero.
	ReleaseTeamSlot(ctx context.Context, teamID int64) error

	SetTeamStatus(ctx context.Context, teamID int64, status models.TeamStatus) error

	// ApplyTeamSync overwrites plan, expiry, capacity, member count and
	// status with the provider's authoritative values.
	ApplyTeamSync(ctx context.Context, team *models.Team) error

	// RecordSyncFailure updates consecutive_errors, last_synced_at and
	// (when non-empty) status, leaving current_members untouched so it
	// cannot erase a reservation made while the refresh was in flight.
	RecordSyncFailure(ctx context.Context, teamID int64, consecutiveErrors int, status models.TeamStatus, syncedAt time.Time) error

	// Redemption code methods
	CreateCode(ctx context.Context, code *models.RedemptionCode) error
	GetCode(ctx context.Context, code string) (*models.RedemptionCode, error)
	ListCodes(ctx context.Context, limit, offset int) ([]*models.RedemptionCode, int64, error)
	ListCodesByTeam(ctx context.Context, teamID int64) ([]*models.RedemptionCode, error)

	// ClaimCode atomically transitions a code unused -> used, binding
	// email and team. Returns false when the code was already claimed.
	ClaimCode(ctx context.Context, code, email string, teamID int64, usedAt time.Time, warrantyExpiresAt *time.Time) (bool, error)

	// ReassignCode atomically rebinds an already-used warranty code from
	// prevTeamID to teamID. Returns false when another reuse won the race.
	ReassignCode(ctx context.Context, code, email string, prevTeamID, teamID int64, usedAt time.Time) (bool, error)

	// RollbackCodeClaim restores a code to its pre-claim snapshot, guarded
	// by the team id of the failed attempt.
	RollbackCodeClaim(ctx context.Context, code string, attemptTeamID int64, prev *models.RedemptionCode) error

	// Usage records (append-only)
	AppendUsageRecord(ctx context.Context, record *models.UsageRecord) error
	ListUsageByCode(ctx context.Context, code string) ([]*models.UsageRecord, error)
	ListUsageByEmail(ctx context.Context, email string) ([]*models.UsageRecord, error)

	// Banned team marks
	CreateBannedTeamMark(ctx context.Context, mark *models.BannedTeamMark) error
	ListBannedTeamMarks(ctx context.Context, teamID int64) ([]*models.BannedTeamMark, error)

	// Settings
	GetSetting(ctx context.Context, key string) (*models.Setting, error)
	SetSetting(ctx context.Context, setting *models.Setting) error

	// Audit log (append-only)
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error

	// Close the store
	Close() error
}
