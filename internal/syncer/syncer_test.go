package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampool/teampool-server/internal/models"
	"github.com/teampool/teampool-server/internal/provider"
	"github.com/teampool/teampool-server/internal/storage"
	"github.com/teampool/teampool-server/internal/vault"
)

type fakeAPI struct {
	mu      sync.Mutex
	info    map[string]*provider.TeamInfo
	members map[string][]provider.Member
	errFor  map[string]error
	calls   int

	// invoked while the provider call is in flight
	onGetTeamInfo func(accountID string)
}

func (f *fakeAPI) GetTeamInfo(ctx context.Context, accessToken, accountID string) (*provider.TeamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onGetTeamInfo != nil {
		f.onGetTeamInfo(accountID)
	}
	if err, ok := f.errFor[accountID]; ok {
		return nil, err
	}
	info, ok := f.info[accountID]
	if !ok {
		return nil, &provider.Error{Status: 404, Message: "no such account"}
	}
	return info, nil
}

func (f *fakeAPI) ListMembers(ctx context.Context, accessToken, accountID string) ([]provider.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[accountID], nil
}

type fixture struct {
	store *storage.MemoryStore
	vault *vault.Vault
	api   *fakeAPI
	sync  *Synchronizer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.NewFromBase64(key)
	require.NoError(t, err)

	api := &fakeAPI{
		info:    map[string]*provider.TeamInfo{},
		members: map[string][]provider.Member{},
		errFor:  map[string]error{},
	}
	store := storage.NewMemoryStore()
	return &fixture{
		store: store,
		vault: v,
		api:   api,
		sync:  New(store, v, api, nil, cfg),
	}
}

func (f *fixture) addTeam(t *testing.T, accountID string, maxMembers int) *models.Team {
	t.Helper()
	sealed, err := f.vault.Seal("token-" + accountID)
	require.NoError(t, err)

	team := &models.Team{
		AccessTokenSealed: sealed,
		AccountID:         accountID,
		Name:              "Team " + accountID,
		MaxMembers:        maxMembers,
	}
	require.NoError(t, f.store.CreateTeam(context.Background(), team))
	return team
}

func future(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func TestSyncOverwritesWithProviderTruth(t *testing.T) {
	f := newFixture(t, Config{})
	team := f.addTeam(t, "acc-1", 5)

	exp := future(48 * time.Hour)
	f.api.info["acc-1"] = &provider.TeamInfo{
		Name:        "Renamed",
		Plan:        "team",
		MaxMembers:  10,
		MemberCount: 7,
		ExpiresAt:   exp,
	}

	require.NoError(t, f.sync.RunOnce(context.Background()))

	got, err := f.store.GetTeam(context.Background(), team.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, 10, got.MaxMembers)
	assert.Equal(t, 7, got.CurrentMembers, "member count is an absolute overwrite")
	assert.Equal(t, models.TeamStatusAvailable, got.Status)
	assert.Equal(t, 0, got.ConsecutiveErrors)
	require.NotNil(t, got.LastSyncedAt)
}

func TestSyncStatusDerivation(t *testing.T) {
	f := newFixture(t, Config{})
	fullTeam := f.addTeam(t, "acc-full", 5)
	expiredTeam := f.addTeam(t, "acc-expired", 5)

	f.api.info["acc-full"] = &provider.TeamInfo{Plan: "team", MaxMembers: 5, MemberCount: 5}
	f.api.info["acc-expired"] = &provider.TeamInfo{Plan: "team", MaxMembers: 5, MemberCount: 1, ExpiresAt: future(-time.Hour)}

	require.NoError(t, f.sync.RunOnce(context.Background()))

	got, _ := f.store.GetTeam(context.Background(), fullTeam.ID)
	assert.Equal(t, models.TeamStatusFull, got.Status)

	got, _ = f.store.GetTeam(context.Background(), expiredTeam.ID)
	assert.Equal(t, models.TeamStatusExpired, got.Status)
}

func TestSyncRecoversQuarantinedTeam(t *testing.T) {
	f := newFixture(t, Config{})
	team := f.addTeam(t, "acc-1", 5)
	require.NoError(t, f.store.SetTeamStatus(context.Background(), team.ID, models.TeamStatusError))

	f.api.info["acc-1"] = &provider.TeamInfo{Plan: "team", MaxMembers: 5, MemberCount: 1}

	require.NoError(t, f.sync.RunOnce(context.Background()))

	got, _ := f.store.GetTeam(context.Background(), team.ID)
	assert.Equal(t, models.TeamStatusAvailable, got.Status)
}

func TestErrorBudgetQuarantinesTeam(t *testing.T) {
	f := newFixture(t, Config{ErrorBudget: 3})
	team := f.addTeam(t, "acc-1", 5)
	f.api.errFor["acc-1"] = &provider.Error{Status: 500, Message: "boom"}

	for i := 1; i <= 2; i++ {
		require.NoError(t, f.sync.RunOnce(context.Background()))
		got, _ := f.store.GetTeam(context.Background(), team.ID)
		assert.Equal(t, i, got.ConsecutiveErrors)
		assert.Equal(t, models.TeamStatusAvailable, got.Status)
	}

	require.NoError(t, f.sync.RunOnce(context.Background()))
	got, _ := f.store.GetTeam(context.Background(), team.ID)
	assert.Equal(t, models.TeamStatusError, got.Status)
}

func TestFailedRefreshKeepsConcurrentReservation(t *testing.T) {
	f := newFixture(t, Config{ErrorBudget: 3})
	team := f.addTeam(t, "acc-1", 5)
	f.api.errFor["acc-1"] = &provider.Error{Status: 500, Message: "boom"}

	// a redemption reserves a slot while the first refresh is in flight
	reservedOnce := false
	f.api.onGetTeamInfo = func(accountID string) {
		if reservedOnce {
			return
		}
		reservedOnce = true
		ok, err := f.store.ReserveTeamSlot(context.Background(), team.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, f.sync.RunOnce(context.Background()))

	got, _ := f.store.GetTeam(context.Background(), team.ID)
	assert.Equal(t, 1, got.CurrentMembers, "failed refresh must not erase the reservation")
	assert.Equal(t, 1, got.ConsecutiveErrors)
	assert.Equal(t, models.TeamStatusAvailable, got.Status)

	// exhausting the error budget quarantines the team but still leaves
	// the counter alone
	require.NoError(t, f.sync.RunOnce(context.Background()))
	require.NoError(t, f.sync.RunOnce(context.Background()))

	got, _ = f.store.GetTeam(context.Background(), team.ID)
	assert.Equal(t, models.TeamStatusError, got.Status)
	assert.Equal(t, 1, got.CurrentMembers)
}

func TestRevokedTokenBansImmediately(t *testing.T) {
	f := newFixture(t, Config{ErrorBudget: 5})
	team := f.addTeam(t, "acc-1", 5)
	f.api.errFor["acc-1"] = &provider.Error{Status: 401, Message: "token revoked"}

	require.NoError(t, f.sync.RunOnce(context.Background()))

	got, _ := f.store.GetTeam(context.Background(), team.ID)
	assert.Equal(t, models.TeamStatusBanned, got.Status)
}

func TestDroppedMemberGetsBannedMark(t *testing.T) {
	f := newFixture(t, Config{})
	team := f.addTeam(t, "acc-1", 5)

	code := &models.RedemptionCode{Code: "CODE-1"}
	require.NoError(t, f.store.CreateCode(context.Background(), code))
	claimed, err := f.store.ClaimCode(context.Background(), "CODE-1", "gone@t.co", team.ID, time.Now(), nil)
	require.NoError(t, err)
	require.True(t, claimed)

	f.api.info["acc-1"] = &provider.TeamInfo{Plan: "team", MaxMembers: 5, MemberCount: 1}
	f.api.members["acc-1"] = []provider.Member{{Email: "other@t.co"}}

	require.NoError(t, f.sync.RunOnce(context.Background()))

	marks, err := f.store.ListBannedTeamMarks(context.Background(), team.ID)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, "gone@t.co", marks[0].Email)

	// a second cycle must not duplicate the mark
	require.NoError(t, f.sync.RunOnce(context.Background()))
	marks, err = f.store.ListBannedTeamMarks(context.Background(), team.ID)
	require.NoError(t, err)
	assert.Len(t, marks, 1)
}

func TestPresentMemberNotMarked(t *testing.T) {
	f := newFixture(t, Config{})
	team := f.addTeam(t, "acc-1", 5)

	code := &models.RedemptionCode{Code: "CODE-1"}
	require.NoError(t, f.store.CreateCode(context.Background(), code))
	claimed, err := f.store.ClaimCode(context.Background(), "CODE-1", "here@t.co", team.ID, time.Now(), nil)
	require.NoError(t, err)
	require.True(t, claimed)

	f.api.info["acc-1"] = &provider.TeamInfo{Plan: "team", MaxMembers: 5, MemberCount: 1}
	f.api.members["acc-1"] = []provider.Member{{Email: "here@t.co"}}

	require.NoError(t, f.sync.RunOnce(context.Background()))

	marks, err := f.store.ListBannedTeamMarks(context.Background(), team.ID)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestRunOnceDoesNotOverlap(t *testing.T) {
	f := newFixture(t, Config{})

	f.sync.runMu.Lock()
	err := f.sync.RunOnce(context.Background())
	f.sync.runMu.Unlock()

	assert.ErrorIs(t, err, ErrSyncInProgress)
}
