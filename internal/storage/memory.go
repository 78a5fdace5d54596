package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teampool/teampool-server/internal/models"
)

// MemoryStore implements Store in memory. It backs the test suite and small
// single-node deployments; the conditional operations hold the mutex for
// the whole check-and-write so they have the same atomicity as the SQL
// statements in PostgresStore.
type MemoryStore struct {
	mu sync.RWMutex

	nextTeamID int64
	nextCodeID int64
	nextMarkID int64

	teams    map[int64]*models.Team
	codes    map[string]*models.RedemptionCode
	usage    []*models.UsageRecord
	marks    []*models.BannedTeamMark
	settings map[string]*models.Setting
	audit    []*models.AuditLog
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:    make(map[int64]*models.Team),
		codes:    make(map[string]*models.RedemptionCode),
		settings: make(map[string]*models.Setting),
	}
}

func cloneTeam(t *models.Team) *models.Team {
	c := *t
	return &c
}

func cloneCode(c *models.RedemptionCode) *models.RedemptionCode {
	d := *c
	return &d
}

// ========== Team Methods ==========

func (m *MemoryStore) CreateTeam(ctx context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTeamID++
	team.ID = m.nextTeamID
	now := time.Now()
	team.CreatedAt = now
	team.UpdatedAt = now
	if team.Status == "" {
		team.Status = models.TeamStatusAvailable
	}
	team.IsActive = true

	m.teams[team.ID] = cloneTeam(team)
	return nil
}

func (m *MemoryStore) GetTeam(ctx context.Context, id int64) (*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	team, ok := m.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTeam(team), nil
}

func (m *MemoryStore) GetTeamByAccountID(ctx context.Context, accountID string) (*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, team := range m.teams {
		if team.AccountID == accountID && team.IsActive {
			return cloneTeam(team), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateTeam(ctx context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.teams[team.ID]
	if !ok {
		return ErrNotFound
	}

	stored.UpdatedAt = time.Now()
	stored.AccessTokenSealed = team.AccessTokenSealed
	stored.Email = team.Email
	stored.AccountID = team.AccountID
	stored.Name = team.Name
	stored.Plan = team.Plan
	stored.MaxMembers = team.MaxMembers
	stored.ExpiresAt = team.ExpiresAt
	return nil
}

func (m *MemoryStore) DeactivateTeam(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	team, ok := m.teams[id]
	if !ok {
		return ErrNotFound
	}
	team.IsActive = false
	team.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListTeams(ctx context.Context, limit, offset int) ([]*models.Team, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedTeams(func(t *models.Team) bool { return true })
	total := int64(len(all))

	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) ListActiveTeams(ctx context.Context) ([]*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedTeams(func(t *models.Team) bool { return t.IsActive }), nil
}

func (m *MemoryStore) ListAvailableTeams(ctx context.Context) ([]*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	teams := m.sortedTeams(func(t *models.Team) bool {
		return t.IsActive && t.Status == models.TeamStatusAvailable && t.CurrentMembers < t.MaxMembers
	})

	// soonest-expiring first, nil expiry last, id as tie-break
	sort.SliceStable(teams, func(i, j int) bool {
		a, b := teams[i], teams[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return a.ID < b.ID
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ID < b.ID
		default:
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
	})

	return teams, nil
}

// sortedTeams returns clones of matching teams ordered by id. Callers must
// hold the lock.
func (m *MemoryStore) sortedTeams(match func(*models.Team) bool) []*models.Team {
	var teams []*models.Team
	for _, team := range m.teams {
		if match(team) {
			teams = append(teams, cloneTeam(team))
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams
}

func (m *MemoryStore) ReserveTeamSlot(ctx context.Context, teamID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	team, ok := m.teams[teamID]
	if !ok {
		return false, nil
	}
	if !team.IsActive || team.Status != models.TeamStatusAvailable || team.CurrentMembers >= team.MaxMembers {
		return false, nil
	}

	team.CurrentMembers++
	if team.CurrentMembers >= team.MaxMembers {
		team.Status = models.TeamStatusFull
	}
	team.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ReleaseTeamSlot(ctx context.Context, teamID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	team, ok := m.teams[teamID]
	if !ok {
		return nil
	}
	if team.CurrentMembers > 0 {
		team.CurrentMembers--
	}
	if team.Status == models.TeamStatusFull {
		team.Status = models.TeamStatusAvailable
	}
	team.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetTeamStatus(ctx context.Context, teamID int64, status models.TeamStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	team, ok := m.teams[teamID]
	if !ok {
		return ErrNotFound
	}
	team.Status = status
	team.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ApplyTeamSync(ctx context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.teams[team.ID]
	if !ok {
		return ErrNotFound
	}

	stored.Plan = team.Plan
	stored.ExpiresAt = team.ExpiresAt
	stored.MaxMembers = team.MaxMembers
	stored.CurrentMembers = team.CurrentMembers
	stored.Status = team.Status
	stored.ConsecutiveErrors = team.ConsecutiveErrors
	stored.LastSyncedAt = team.LastSyncedAt
	if team.Name != "" {
		stored.Name = team.Name
	}
	stored.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordSyncFailure(ctx context.Context, teamID int64, consecutiveErrors int, status models.TeamStatus, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.teams[teamID]
	if !ok {
		return ErrNotFound
	}

	stored.ConsecutiveErrors = consecutiveErrors
	stored.LastSyncedAt = &syncedAt
	if status != "" {
		stored.Status = status
	}
	stored.UpdatedAt = time.Now()
	return nil
}

// ========== Redemption Code Methods ==========

func (m *MemoryStore) CreateCode(ctx context.Context, code *models.RedemptionCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.codes[code.Code]; exists {
		return ErrDuplicateKey
	}

	m.nextCodeID++
	code.ID = m.nextCodeID
	code.CreatedAt = time.Now()
	if code.Status == "" {
		code.Status = models.CodeStatusUnused
	}

	m.codes[code.Code] = cloneCode(code)
	return nil
}

func (m *MemoryStore) GetCode(ctx context.Context, code string) (*models.RedemptionCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCode(stored), nil
}

func (m *MemoryStore) ListCodes(ctx context.Context, limit, offset int) ([]*models.RedemptionCode, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var codes []*models.RedemptionCode
	for _, code := range m.codes {
		codes = append(codes, cloneCode(code))
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].ID > codes[j].ID })

	total := int64(len(codes))
	if offset >= len(codes) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(codes) {
		end = len(codes)
	}
	return codes[offset:end], total, nil
}

func (m *MemoryStore) ListCodesByTeam(ctx context.Context, teamID int64) ([]*models.RedemptionCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var codes []*models.RedemptionCode
	for _, code := range m.codes {
		if code.AssignedTeamID != nil && *code.AssignedTeamID == teamID {
			codes = append(codes, cloneCode(code))
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].ID < codes[j].ID })
	return codes, nil
}

func (m *MemoryStore) ClaimCode(ctx context.Context, code, email string, teamID int64, usedAt time.Time, warrantyExpiresAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.codes[code]
	if !ok || stored.Status != models.CodeStatusUnused {
		return false, nil
	}

	stored.Status = models.CodeStatusUsed
	stored.UsedByEmail = &email
	stored.AssignedTeamID = &teamID
	t := usedAt
	stored.UsedAt = &t
	if stored.WarrantyExpiresAt == nil {
		stored.WarrantyExpiresAt = warrantyExpiresAt
	}
	return true, nil
}

func (m *MemoryStore) ReassignCode(ctx context.Context, code, email string, prevTeamID, teamID int64, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.codes[code]
	if !ok || stored.Status != models.CodeStatusUsed {
		return false, nil
	}
	if stored.AssignedTeamID == nil || *stored.AssignedTeamID != prevTeamID {
		return false, nil
	}

	stored.UsedByEmail = &email
	stored.AssignedTeamID = &teamID
	t := usedAt
	stored.UsedAt = &t
	return true, nil
}

func (m *MemoryStore) RollbackCodeClaim(ctx context.Context, code string, attemptTeamID int64, prev *models.RedemptionCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.codes[code]
	if !ok {
		return nil
	}
	if stored.AssignedTeamID == nil || *stored.AssignedTeamID != attemptTeamID {
		return nil
	}

	stored.Status = prev.Status
	stored.UsedByEmail = prev.UsedByEmail
	stored.AssignedTeamID = prev.AssignedTeamID
	stored.UsedAt = prev.UsedAt
	stored.WarrantyExpiresAt = prev.WarrantyExpiresAt
	return nil
}

// ========== Usage Record Methods ==========

func (m *MemoryStore) AppendUsageRecord(ctx context.Context, record *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.UsedAt.IsZero() {
		record.UsedAt = time.Now()
	}

	c := *record
	m.usage = append(m.usage, &c)
	return nil
}

func (m *MemoryStore) listUsage(match func(*models.UsageRecord) bool) []*models.UsageRecord {
	var records []*models.UsageRecord
	for _, record := range m.usage {
		if match(record) {
			c := *record
			records = append(records, &c)
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].UsedAt.After(records[j].UsedAt) })
	return records
}

func (m *MemoryStore) ListUsageByCode(ctx context.Context, code string) ([]*models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUsage(func(r *models.UsageRecord) bool { return r.Code == code }), nil
}

func (m *MemoryStore) ListUsageByEmail(ctx context.Context, email string) ([]*models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUsage(func(r *models.UsageRecord) bool { return r.Email == email }), nil
}

// ========== Banned Team Mark Methods ==========

func (m *MemoryStore) CreateBannedTeamMark(ctx context.Context, mark *models.BannedTeamMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMarkID++
	mark.ID = m.nextMarkID
	if mark.MarkedAt.IsZero() {
		mark.MarkedAt = time.Now()
	}

	c := *mark
	m.marks = append(m.marks, &c)
	return nil
}

func (m *MemoryStore) ListBannedTeamMarks(ctx context.Context, teamID int64) ([]*models.BannedTeamMark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var marks []*models.BannedTeamMark
	for _, mark := range m.marks {
		if mark.TeamID == teamID {
			c := *mark
			marks = append(marks, &c)
		}
	}
	return marks, nil
}

// ========== Setting Methods ==========

func (m *MemoryStore) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	setting, ok := m.settings[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *setting
	return &c, nil
}

func (m *MemoryStore) SetSetting(ctx context.Context, setting *models.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	setting.UpdatedAt = time.Now()
	c := *setting
	m.settings[setting.Key] = &c
	return nil
}

// ========== Audit Log Methods ==========

func (m *MemoryStore) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	c := *entry
	m.audit = append(m.audit, &c)
	return nil
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error {
	return nil
}
