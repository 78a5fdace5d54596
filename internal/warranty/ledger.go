// Package warranty answers eligibility questions about redemption codes whose
// assigned team was lost. It only reads; the actual reuse runs through the
// allocator.
package warranty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teampool/teampool-server/internal/models"
	"github.com/teampool/teampool-server/internal/storage"
)

// ErrThrottled is returned when the same key is checked again too soon
var ErrThrottled = errors.New("warranty check throttled, try again shortly")

const (
	defaultThrottle = 30 * time.Second
	throttleMapCap  = 10000
)

// BannedTeam is one team a member was cut off from
type BannedTeam struct {
	TeamID   int64  `json:"team_id"`
	TeamName string `json:"team_name"`
	Email    string `json:"email"`
}

// Record is one redemption attempt, annotated with the team it touched
type Record struct {
	Code                 string              `json:"code"`
	Email                string              `json:"email"`
	TeamID               int64               `json:"team_id"`
	TeamName             string              `json:"team_name"`
	TeamStatus           models.TeamStatus   `json:"team_status,omitempty"`
	UsedAt               time.Time           `json:"used_at"`
	Outcome              models.UsageOutcome `json:"outcome"`
	Reason               string              `json:"reason,omitempty"`
	IsWarrantyRedemption bool                `json:"is_warranty_redemption"`
}

// Report is the warranty standing of one code
type Report struct {
	Success           bool              `json:"success"`
	OriginalCode      string            `json:"original_code"`
	HasWarranty       bool              `json:"has_warranty"`
	WarrantyValid     bool              `json:"warranty_valid"`
	WarrantyExpiresAt *time.Time        `json:"warranty_expires_at,omitempty"`
	CanReuse          bool              `json:"can_reuse"`
	AssignedTeamID    *int64            `json:"assigned_team_id,omitempty"`
	TeamStatus        models.TeamStatus `json:"team_status,omitempty"`
	BannedTeams       []BannedTeam      `json:"banned_teams"`
	Records           []Record          `json:"records"`
}

// Ledger evaluates warranty eligibility with a per-key query throttle, so a
// polling client cannot hammer the store.
type Ledger struct {
	store    storage.Store
	throttle time.Duration

	mu        sync.Mutex
	lastQuery map[string]time.Time
}

// New creates a ledger. throttle <= 0 selects the default 30s window.
func New(store storage.Store, throttle time.Duration) *Ledger {
	if throttle <= 0 {
		throttle = defaultThrottle
	}
	return &Ledger{
		store:     store,
		throttle:  throttle,
		lastQuery: make(map[string]time.Time),
	}
}

// CheckCode reports the warranty standing of one code
func (l *Ledger) CheckCode(ctx context.Context, codeStr string) (*Report, error) {
	if err := l.admit("code:" + codeStr); err != nil {
		return nil, err
	}

	code, err := l.store.GetCode(ctx, codeStr)
	if err != nil {
		return nil, err
	}
	return l.report(ctx, code)
}

// CheckEmail reports the warranty standing of every code an email redeemed
func (l *Ledger) CheckEmail(ctx context.Context, email string) ([]*Report, error) {
	if err := l.admit("email:" + email); err != nil {
		return nil, err
	}

	records, err := l.store.ListUsageByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var reports []*Report
	for _, record := range records {
		if record.Outcome != models.UsageOutcomeSuccess || seen[record.Code] {
			continue
		}
		seen[record.Code] = true

		code, err := l.store.GetCode(ctx, record.Code)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		report, err := l.report(ctx, code)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// report builds the eligibility verdict for one loaded code
func (l *Ledger) report(ctx context.Context, code *models.RedemptionCode) (*Report, error) {
	now := time.Now()
	report := &Report{
		Success:           true,
		OriginalCode:      code.Code,
		HasWarranty:       code.IsWarranty,
		WarrantyValid:     code.WarrantyValid(now),
		WarrantyExpiresAt: code.WarrantyExpiresAt,
		AssignedTeamID:    code.AssignedTeamID,
		BannedTeams:       []BannedTeam{},
		Records:           []Record{},
	}

	teams := map[int64]*models.Team{}
	lookup := func(id int64) (*models.Team, error) {
		if t, ok := teams[id]; ok {
			return t, nil
		}
		t, err := l.store.GetTeam(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			t = nil
		} else if err != nil {
			return nil, fmt.Errorf("load team: %w", err)
		}
		teams[id] = t
		return t, nil
	}

	records, err := l.store.ListUsageByCode(ctx, code.Code)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	for _, r := range records {
		view := Record{
			Code:                 r.Code,
			Email:                r.Email,
			TeamID:               r.TeamID,
			UsedAt:               r.UsedAt,
			Outcome:              r.Outcome,
			Reason:               r.Reason,
			IsWarrantyRedemption: r.IsWarrantyRedemption,
		}
		team, err := lookup(r.TeamID)
		if err != nil {
			return nil, err
		}
		if team != nil {
			view.TeamName = team.Name
			view.TeamStatus = team.Status
		}
		report.Records = append(report.Records, view)
	}

	if code.UsedByEmail != nil {
		teamIDs := make([]int64, 0, len(records)+1)
		seen := map[int64]bool{}
		if code.AssignedTeamID != nil {
			teamIDs = append(teamIDs, *code.AssignedTeamID)
			seen[*code.AssignedTeamID] = true
		}
		for _, r := range records {
			if !seen[r.TeamID] {
				seen[r.TeamID] = true
				teamIDs = append(teamIDs, r.TeamID)
			}
		}

		for _, id := range teamIDs {
			marks, err := l.store.ListBannedTeamMarks(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load banned marks: %w", err)
			}
			for _, mark := range marks {
				if mark.Email != *code.UsedByEmail {
					continue
				}
				banned := BannedTeam{TeamID: id, Email: mark.Email}
				team, err := lookup(id)
				if err != nil {
					return nil, err
				}
				if team != nil {
					banned.TeamName = team.Name
				}
				report.BannedTeams = append(report.BannedTeams, banned)
			}
		}
	}

	if code.Status != models.CodeStatusUsed || !report.WarrantyValid ||
		code.AssignedTeamID == nil || code.UsedByEmail == nil {
		return report, nil
	}

	team, err := lookup(*code.AssignedTeamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		report.CanReuse = true
		return report, nil
	}
	report.TeamStatus = team.Status

	if team.Unusable() || !team.IsActive || team.IsExpired(now) {
		report.CanReuse = true
		return report, nil
	}

	for _, banned := range report.BannedTeams {
		if banned.TeamID == *code.AssignedTeamID {
			report.CanReuse = true
			break
		}
	}
	return report, nil
}

// admit enforces the per-key throttle
func (l *Ledger) admit(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if last, ok := l.lastQuery[key]; ok && now.Sub(last) < l.throttle {
		return ErrThrottled
	}

	if len(l.lastQuery) >= throttleMapCap {
		for k, t := range l.lastQuery {
			if now.Sub(t) >= l.throttle {
				delete(l.lastQuery, k)
			}
		}
	}

	l.lastQuery[key] = now
	return nil
}
