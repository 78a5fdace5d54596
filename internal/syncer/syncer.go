// Package syncer periodically reconciles stored team state with the external
// provider. The provider is the source of truth: member counts, plan and
// expiry are overwritten wholesale, which also heals any drift the allocator
// left behind after crashes mid-rollback.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teampool/teampool-server/internal/events"
	"github.com/teampool/teampool-server/internal/models"
	"github.com/teampool/teampool-server/internal/provider"
	"github.com/teampool/teampool-server/internal/storage"
	"github.com/teampool/teampool-server/internal/vault"
)

// ErrSyncInProgress is returned when a run is requested while one is active
var ErrSyncInProgress = errors.New("sync already in progress")

// ProviderAPI is the slice of the provider client the synchronizer needs
type ProviderAPI interface {
	GetTeamInfo(ctx context.Context, accessToken, accountID string) (*provider.TeamInfo, error)
	ListMembers(ctx context.Context, accessToken, accountID string) ([]provider.Member, error)
}

// Config bounds a sync cycle
type Config struct {
	Interval time.Duration
	Retry    provider.RetryPolicy

	// Consecutive failed syncs before a team is quarantined
	ErrorBudget int
}

const (
	defaultInterval    = 10 * time.Minute
	defaultErrorBudget = 3
)

// Synchronizer reconciles all active teams against the provider
type Synchronizer struct {
	store  storage.Store
	vault  *vault.Vault
	api    ProviderAPI
	events *events.Publisher
	cfg    Config

	runMu sync.Mutex
}

// New creates a synchronizer. publisher may be nil.
func New(store storage.Store, v *vault.Vault, api ProviderAPI, publisher *events.Publisher, cfg Config) *Synchronizer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ErrorBudget <= 0 {
		cfg.ErrorBudget = defaultErrorBudget
	}
	return &Synchronizer{store: store, vault: v, api: api, events: publisher, cfg: cfg}
}

// Run syncs immediately and then on every tick until ctx is cancelled
func (s *Synchronizer) Run(ctx context.Context) {
	log.Info().Dur("interval", s.cfg.Interval).Msg("Team synchronizer started")

	if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Sync cycle failed")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Team synchronizer stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Sync cycle failed")
			}
		}
	}
}

// RunOnce syncs every active team. Cycles never overlap: a run requested
// while one is active returns ErrSyncInProgress.
func (s *Synchronizer) RunOnce(ctx context.Context) error {
	if !s.runMu.TryLock() {
		return ErrSyncInProgress
	}
	defer s.runMu.Unlock()

	teams, err := s.store.ListActiveTeams(ctx)
	if err != nil {
		return fmt.Errorf("list active teams: %w", err)
	}

	synced, failed := 0, 0
	for _, team := range teams {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.SyncTeam(ctx, team); err != nil {
			failed++
			log.Warn().Err(err).Int64("team_id", team.ID).Msg("Team sync failed")
			continue
		}
		synced++
	}

	log.Info().Int("synced", synced).Int("failed", failed).Msg("Sync cycle finished")
	return nil
}

// SyncTeam refreshes one team from the provider
func (s *Synchronizer) SyncTeam(ctx context.Context, team *models.Team) error {
	token, err := s.vault.Open(team.AccessTokenSealed)
	if err != nil {
		return s.recordFailure(ctx, team, fmt.Errorf("unseal access token: %w", err))
	}

	var info *provider.TeamInfo
	err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var ierr error
		info, ierr = s.api.GetTeamInfo(ctx, token, team.AccountID)
		return ierr
	})
	if err != nil {
		if authRevoked(err) {
			return s.quarantine(ctx, team, models.TeamStatusBanned, err)
		}
		return s.recordFailure(ctx, team, err)
	}

	var memberList []provider.Member
	err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var lerr error
		memberList, lerr = s.api.ListMembers(ctx, token, team.AccountID)
		return lerr
	})
	if err != nil {
		return s.recordFailure(ctx, team, err)
	}

	s.detectDroppedMembers(ctx, team, memberList)

	now := time.Now()
	team.Plan = info.Plan
	team.Name = info.Name
	team.ExpiresAt = info.ExpiresAt
	team.MaxMembers = info.MaxMembers
	team.CurrentMembers = info.MemberCount
	team.Status = computeStatus(info, now)
	team.ConsecutiveErrors = 0
	team.LastSyncedAt = &now

	if err := s.store.ApplyTeamSync(ctx, team); err != nil {
		return fmt.Errorf("apply sync: %w", err)
	}

	s.events.Publish(events.SubjectTeamSynced, map[string]interface{}{
		"teamId":         team.ID,
		"status":         team.Status,
		"currentMembers": team.CurrentMembers,
		"maxMembers":     team.MaxMembers,
	})

	log.Debug().
		Int64("team_id", team.ID).
		Str("status", string(team.Status)).
		Int("members", team.CurrentMembers).
		Msg("Team synced")
	return nil
}

// computeStatus derives the team status from provider truth
func computeStatus(info *provider.TeamInfo, now time.Time) models.TeamStatus {
	if info.ExpiresAt != nil && info.ExpiresAt.Before(now) {
		return models.TeamStatusExpired
	}
	if info.MemberCount >= info.MaxMembers {
		return models.TeamStatusFull
	}
	return models.TeamStatusAvailable
}

// authRevoked reports whether the provider rejected the stored token outright
func authRevoked(err error) bool {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Status == 401 || pe.Status == 403
	}
	return false
}

// recordFailure bumps the team's consecutive error counter, quarantining it
// once the budget is spent. Failure paths never write member counts: a slot
// reserved while the provider call was in flight must not be erased.
func (s *Synchronizer) recordFailure(ctx context.Context, team *models.Team, cause error) error {
	team.ConsecutiveErrors++
	if team.ConsecutiveErrors >= s.cfg.ErrorBudget {
		return s.quarantine(ctx, team, models.TeamStatusError, cause)
	}

	if err := s.store.RecordSyncFailure(ctx, team.ID, team.ConsecutiveErrors, "", time.Now()); err != nil {
		log.Error().Err(err).Int64("team_id", team.ID).Msg("Failed to record sync failure")
	}
	return cause
}

// quarantine moves the team out of allocation rotation
func (s *Synchronizer) quarantine(ctx context.Context, team *models.Team, status models.TeamStatus, cause error) error {
	team.Status = status
	if err := s.store.RecordSyncFailure(ctx, team.ID, team.ConsecutiveErrors, status, time.Now()); err != nil {
		log.Error().Err(err).Int64("team_id", team.ID).Msg("Failed to quarantine team")
	}

	s.events.Publish(events.SubjectTeamLost, map[string]interface{}{
		"teamId": team.ID,
		"status": status,
		"reason": cause.Error(),
	})

	log.Warn().Err(cause).
		Int64("team_id", team.ID).
		Str("status", string(status)).
		Msg("Team quarantined")
	return cause
}

// detectDroppedMembers marks members we placed on the team that the provider
// no longer lists. The marks feed warranty eligibility.
func (s *Synchronizer) detectDroppedMembers(ctx context.Context, team *models.Team, memberList []provider.Member) {
	codes, err := s.store.ListCodesByTeam(ctx, team.ID)
	if err != nil {
		log.Error().Err(err).Int64("team_id", team.ID).Msg("Failed to list assigned codes")
		return
	}

	present := make(map[string]bool, len(memberList))
	for _, member := range memberList {
		present[member.Email] = true
	}

	marked := map[string]bool{}
	if marks, err := s.store.ListBannedTeamMarks(ctx, team.ID); err == nil {
		for _, mark := range marks {
			marked[mark.Email] = true
		}
	}

	for _, code := range codes {
		if code.Status != models.CodeStatusUsed || code.UsedByEmail == nil {
			continue
		}
		email := *code.UsedByEmail
		if present[email] || marked[email] {
			continue
		}

		mark := &models.BannedTeamMark{TeamID: team.ID, Email: email}
		if err := s.store.CreateBannedTeamMark(ctx, mark); err != nil {
			log.Error().Err(err).Int64("team_id", team.ID).Str("email", email).
				Msg("Failed to record dropped member")
			continue
		}
		marked[email] = true

		s.events.Publish(events.SubjectMemberBanned, map[string]interface{}{
			"teamId": team.ID,
			"email":  email,
		})

		log.Warn().Int64("team_id", team.ID).Str("email", email).
			Msg("Member dropped by provider")
	}
}
