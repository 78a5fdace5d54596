// Package allocator assigns redemption codes to team slots. It is the only
// component that moves a code from unused to used and the only one that
// consumes team capacity, so all of the contended writes funnel through the
// store's compare-and-set operations here.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teampool/teampool-server/internal/models"
	"github.com/teampool/teampool-server/internal/provider"
	"github.com/teampool/teampool-server/internal/storage"
	"github.com/teampool/teampool-server/internal/vault"
)

// RejectReason classifies why a redemption was refused
type RejectReason string

const (
	ReasonCodeNotFound    RejectReason = "code_not_found"
	ReasonCodeExpired     RejectReason = "code_expired"
	ReasonCodeAlreadyUsed RejectReason = "code_already_used"
	ReasonTeamUnavailable RejectReason = "team_unavailable"
	ReasonNoAvailableTeam RejectReason = "no_available_team"
)

// RejectError is a refusal the caller can show to the end user, as opposed to
// an internal failure.
type RejectError struct {
	Reason  RejectReason
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("redemption rejected (%s): %s", e.Reason, e.Message)
}

func reject(reason RejectReason, msg string) *RejectError {
	return &RejectError{Reason: reason, Message: msg}
}

// AsReject extracts a RejectError from err, or nil
func AsReject(err error) *RejectError {
	var re *RejectError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// Inviter is the slice of the provider client the allocator needs
type Inviter interface {
	Invite(ctx context.Context, accessToken, accountID, email string) error
}

// Config bounds the allocation attempt
type Config struct {
	// Retry policy for a single candidate's invite call
	InviteRetry provider.RetryPolicy

	// Wall-clock budget for one candidate's invite, retries included. When
	// it elapses the candidate is abandoned and the next one is tried.
	InviteTimeout time.Duration

	// How many candidate teams one redemption may try before giving up
	MaxCandidateAttempts int

	// Warranty window granted at first use of a warranty code
	WarrantyWindow time.Duration
}

const (
	defaultInviteTimeout        = 45 * time.Second
	defaultMaxCandidateAttempts = 3
	defaultWarrantyWindow       = 30 * 24 * time.Hour
)

// Allocator runs the redemption flow: validate the code, pick a team,
// reserve a slot, invite, and either commit or roll back.
type Allocator struct {
	store   storage.Store
	vault   *vault.Vault
	inviter Inviter
	cfg     Config
}

// New creates an allocator
func New(store storage.Store, v *vault.Vault, inviter Inviter, cfg Config) *Allocator {
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = defaultInviteTimeout
	}
	if cfg.MaxCandidateAttempts <= 0 {
		cfg.MaxCandidateAttempts = defaultMaxCandidateAttempts
	}
	if cfg.WarrantyWindow <= 0 {
		cfg.WarrantyWindow = defaultWarrantyWindow
	}
	return &Allocator{store: store, vault: v, inviter: inviter, cfg: cfg}
}

// Result is a committed redemption
type Result struct {
	Team     *models.Team
	Code     *models.RedemptionCode
	Warranty bool // true when this was a warranty reuse, not a first use
}

// Redeem exchanges a code for a slot on a team and invites email to it.
// teamID, when non-nil, pins the allocation to that team instead of the
// ordered candidate list. Returns a *RejectError for user-visible refusals.
func (a *Allocator) Redeem(ctx context.Context, codeStr, email string, teamID *int64) (*Result, error) {
	code, err := a.store.GetCode(ctx, codeStr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(ReasonCodeNotFound, "unknown redemption code")
	}
	if err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}

	now := time.Now()
	if code.IsExpired(now) {
		return nil, reject(ReasonCodeExpired, "redemption code has expired")
	}

	warrantyReuse := false
	var prevTeamID int64
	if code.Status == models.CodeStatusUsed {
		ok, prev, err := a.warrantyReusable(ctx, code, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, reject(ReasonCodeAlreadyUsed, "redemption code already used")
		}
		warrantyReuse = true
		prevTeamID = prev
		email = *code.UsedByEmail // warranty reuse keeps the original member
	}

	candidates, err := a.candidates(ctx, teamID, prevTeamID, warrantyReuse, now)
	if err != nil {
		return nil, err
	}

	attempts := 0
	for _, team := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempts >= a.cfg.MaxCandidateAttempts {
			break
		}

		result, invited, err := a.tryTeam(ctx, team, code, email, warrantyReuse, prevTeamID, now)
		if invited {
			// only attempts that reached the provider consume the budget;
			// losing a slot race costs nothing
			attempts++
		}
		if err != nil {
			if errors.Is(err, vault.ErrDecryptionFailure) {
				log.Error().Err(err).
					Int64("team_id", team.ID).
					Str("code", code.Code).
					Msg("Sealed access token cannot be opened, aborting redemption")
				return nil, err
			}
			var re *RejectError
			if errors.As(err, &re) {
				return nil, err
			}
			log.Warn().Err(err).
				Int64("team_id", team.ID).
				Str("code", code.Code).
				Msg("Candidate team failed, trying next")
			continue
		}
		if result == nil {
			// lost the slot race, next candidate
			continue
		}
		return result, nil
	}

	return nil, reject(ReasonNoAvailableTeam, "no team could take the member")
}

// warrantyReusable reports whether a used code qualifies for warranty reuse,
// returning the team id of the failed assignment.
func (a *Allocator) warrantyReusable(ctx context.Context, code *models.RedemptionCode, now time.Time) (bool, int64, error) {
	if !code.WarrantyValid(now) || code.AssignedTeamID == nil || code.UsedByEmail == nil {
		return false, 0, nil
	}

	team, err := a.store.GetTeam(ctx, *code.AssignedTeamID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, *code.AssignedTeamID, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("load assigned team: %w", err)
	}

	if team.Unusable() || !team.IsActive || team.IsExpired(now) {
		return true, team.ID, nil
	}

	// an individual ban on the member also qualifies, even if the team as a
	// whole is still serving others
	marks, err := a.store.ListBannedTeamMarks(ctx, team.ID)
	if err != nil {
		return false, 0, fmt.Errorf("load banned marks: %w", err)
	}
	for _, mark := range marks {
		if mark.Email == *code.UsedByEmail {
			return true, team.ID, nil
		}
	}
	return false, 0, nil
}

// candidates builds the ordered list of teams to try
func (a *Allocator) candidates(ctx context.Context, teamID *int64, prevTeamID int64, warrantyReuse bool, now time.Time) ([]*models.Team, error) {
	if teamID != nil {
		team, err := a.store.GetTeam(ctx, *teamID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, reject(ReasonTeamUnavailable, "requested team does not exist")
		}
		if err != nil {
			return nil, fmt.Errorf("load team: %w", err)
		}
		if !team.IsActive || team.Status != models.TeamStatusAvailable ||
			!team.HasCapacity() || team.IsExpired(now) {
			return nil, reject(ReasonTeamUnavailable, "requested team cannot take a member")
		}
		if warrantyReuse && team.ID == prevTeamID {
			return nil, reject(ReasonTeamUnavailable, "requested team is the one being replaced")
		}
		return []*models.Team{team}, nil
	}

	teams, err := a.store.ListAvailableTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available teams: %w", err)
	}

	filtered := teams[:0]
	for _, team := range teams {
		if team.IsExpired(now) {
			continue
		}
		if warrantyReuse && team.ID == prevTeamID {
			continue
		}
		filtered = append(filtered, team)
	}
	if len(filtered) == 0 {
		return nil, reject(ReasonNoAvailableTeam, "no team has free capacity")
	}
	return filtered, nil
}

// tryTeam attempts the full reserve -> claim -> invite sequence on one team.
// A nil, false, nil return means the slot or code race was lost benignly and
// the caller should move on; a RejectError ends the whole redemption. invited
// reports whether the attempt reached the provider.
func (a *Allocator) tryTeam(ctx context.Context, team *models.Team, code *models.RedemptionCode, email string, warrantyReuse bool, prevTeamID int64, now time.Time) (*Result, bool, error) {
	// A sealed token that cannot be opened is corrupt stored data, not a
	// provider hiccup. Checked before anything is reserved so nothing needs
	// rolling back.
	token, err := a.vault.Open(team.AccessTokenSealed)
	if err != nil {
		return nil, false, fmt.Errorf("unseal access token for team %d: %w", team.ID, err)
	}

	reserved, err := a.store.ReserveTeamSlot(ctx, team.ID)
	if err != nil {
		return nil, false, fmt.Errorf("reserve slot: %w", err)
	}
	if !reserved {
		return nil, false, nil
	}

	// Occupy the code before inviting so a concurrent redemption of the
	// same code loses here instead of after two invites went out.
	prev := *code
	if warrantyReuse {
		claimed, err := a.store.ReassignCode(ctx, code.Code, email, prevTeamID, team.ID, now)
		if err != nil {
			a.releaseSlot(ctx, team.ID)
			return nil, false, fmt.Errorf("reassign code: %w", err)
		}
		if !claimed {
			a.releaseSlot(ctx, team.ID)
			return nil, false, reject(ReasonCodeAlreadyUsed, "code was reused concurrently")
		}
	} else {
		var warrantyExpiry *time.Time
		if code.IsWarranty && code.WarrantyExpiresAt == nil {
			t := now.Add(a.cfg.WarrantyWindow)
			warrantyExpiry = &t
		}
		claimed, err := a.store.ClaimCode(ctx, code.Code, email, team.ID, now, warrantyExpiry)
		if err != nil {
			a.releaseSlot(ctx, team.ID)
			return nil, false, fmt.Errorf("claim code: %w", err)
		}
		if !claimed {
			a.releaseSlot(ctx, team.ID)
			return nil, false, reject(ReasonCodeAlreadyUsed, "code was claimed concurrently")
		}
	}

	if err := a.invite(ctx, token, team, email); err != nil {
		a.rollback(ctx, team, code, email, warrantyReuse, &prev, err)
		return nil, true, fmt.Errorf("invite to team %d: %w", team.ID, err)
	}

	record := &models.UsageRecord{
		Code:                 code.Code,
		Email:                email,
		TeamID:               team.ID,
		UsedAt:               now,
		Outcome:              models.UsageOutcomeSuccess,
		IsWarrantyRedemption: warrantyReuse,
	}
	if err := a.store.AppendUsageRecord(ctx, record); err != nil {
		log.Error().Err(err).Str("code", code.Code).Msg("Failed to append usage record")
	}

	committed, err := a.store.GetCode(ctx, code.Code)
	if err != nil {
		committed = code
	}
	refreshed, err := a.store.GetTeam(ctx, team.ID)
	if err != nil {
		refreshed = team
	}

	log.Info().
		Str("code", code.Code).
		Str("email", email).
		Int64("team_id", team.ID).
		Bool("warranty_reuse", warrantyReuse).
		Msg("Redemption committed")

	return &Result{Team: refreshed, Code: committed, Warranty: warrantyReuse}, true, nil
}

// invite runs the provider invite under the candidate's wall-clock budget
func (a *Allocator) invite(ctx context.Context, token string, team *models.Team, email string) error {
	ictx, cancel := context.WithTimeout(ctx, a.cfg.InviteTimeout)
	defer cancel()

	return a.cfg.InviteRetry.Do(ictx, func(ctx context.Context) error {
		return a.inviter.Invite(ctx, token, team.AccountID, email)
	})
}

// rollback undoes the reservation and the code claim after a failed invite
// and quarantines the team
func (a *Allocator) rollback(ctx context.Context, team *models.Team, code *models.RedemptionCode, email string, warrantyReuse bool, prev *models.RedemptionCode, cause error) {
	a.releaseSlot(ctx, team.ID)

	if err := a.store.RollbackCodeClaim(ctx, code.Code, team.ID, prev); err != nil {
		log.Error().Err(err).Str("code", code.Code).Int64("team_id", team.ID).
			Msg("Failed to roll back code claim")
	}

	if err := a.store.SetTeamStatus(ctx, team.ID, models.TeamStatusError); err != nil {
		log.Error().Err(err).Int64("team_id", team.ID).Msg("Failed to quarantine team")
	}

	record := &models.UsageRecord{
		Code:                 code.Code,
		Email:                email,
		TeamID:               team.ID,
		UsedAt:               time.Now(),
		Outcome:              models.UsageOutcomeFailure,
		Reason:               cause.Error(),
		IsWarrantyRedemption: warrantyReuse,
	}
	if err := a.store.AppendUsageRecord(ctx, record); err != nil {
		log.Error().Err(err).Str("code", code.Code).Msg("Failed to append usage record")
	}

	log.Warn().Err(cause).
		Str("code", code.Code).
		Int64("team_id", team.ID).
		Msg("Invite failed, reservation rolled back")
}

func (a *Allocator) releaseSlot(ctx context.Context, teamID int64) {
	if err := a.store.ReleaseTeamSlot(ctx, teamID); err != nil {
		log.Error().Err(err).Int64("team_id", teamID).Msg("Failed to release slot")
	}
}
