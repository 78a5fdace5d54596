package allocator

import (
	"context"
	"fmt"
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

type fakeInviter struct {
	mu      sync.Mutex
	calls   []string // accountID:email
	failFor map[string]error
}

func (f *fakeInviter) Invite(ctx context.Context, accessToken, accountID, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID+":"+email)
	if f.failFor != nil {
		if err, ok := f.failFor[accountID]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeInviter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store   *storage.MemoryStore
	vault   *vault.Vault
	inviter *fakeInviter
	alloc   *Allocator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.NewFromBase64(key)
	require.NoError(t, err)

	inviter := &fakeInviter{failFor: map[string]error{}}
	store := storage.NewMemoryStore()
	return &fixture{
		store:   store,
		vault:   v,
		inviter: inviter,
		alloc:   New(store, v, inviter, cfg),
	}
}

func (f *fixture) addTeam(t *testing.T, accountID string, maxMembers int, expiresAt *time.Time) *models.Team {
	t.Helper()
	sealed, err := f.vault.Seal("token-" + accountID)
	require.NoError(t, err)

	team := &models.Team{
		AccessTokenSealed: sealed,
		Email:             accountID + "@owner.test",
		AccountID:         accountID,
		Name:              "Team " + accountID,
		Plan:              "team",
		MaxMembers:        maxMembers,
		ExpiresAt:         expiresAt,
	}
	require.NoError(t, f.store.CreateTeam(context.Background(), team))
	return team
}

func (f *fixture) addCode(t *testing.T, code string, warranty bool) *models.RedemptionCode {
	t.Helper()
	rc := &models.RedemptionCode{Code: code, IsWarranty: warranty, Status: models.CodeStatusUnused}
	require.NoError(t, f.store.CreateCode(context.Background(), rc))
	return rc
}

func future(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func TestRedeemSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	team := f.addTeam(t, "acc-1", 5, nil)
	f.addCode(t, "CODE-1", false)

	result, err := f.alloc.Redeem(context.Background(), "CODE-1", "user@test.co", nil)
	require.NoError(t, err)
	assert.Equal(t, team.ID, result.Team.ID)
	assert.False(t, result.Warranty)
	assert.Equal(t, 1, f.inviter.callCount())

	got, err := f.store.GetTeam(context.Background(), team.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentMembers)

	code, err := f.store.GetCode(context.Background(), "CODE-1")
	require.NoError(t, err)
	assert.Equal(t, models.CodeStatusUsed, code.Status)
	require.NotNil(t, code.AssignedTeamID)
	assert.Equal(t, team.ID, *code.AssignedTeamID)
	require.NotNil(t, code.UsedByEmail)
	assert.Equal(t, "user@test.co", *code.UsedByEmail)

	records, err := f.store.ListUsageByCode(context.Background(), "CODE-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.UsageOutcomeSuccess, records[0].Outcome)
}

func TestRedeemRejections(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTeam(t, "acc-1", 5, nil)

	_, err := f.alloc.Redeem(context.Background(), "NOPE", "u@t.co", nil)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonCodeNotFound, AsReject(err).Reason)

	expired := &models.RedemptionCode{Code: "OLD", ExpiresAt: future(-time.Hour)}
	require.NoError(t, f.store.CreateCode(context.Background(), expired))
	_, err = f.alloc.Redeem(context.Background(), "OLD", "u@t.co", nil)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonCodeExpired, AsReject(err).Reason)

	f.addCode(t, "TAKEN", false)
	_, err = f.alloc.Redeem(context.Background(), "TAKEN", "first@t.co", nil)
	require.NoError(t, err)
	_, err = f.alloc.Redeem(context.Background(), "TAKEN", "second@t.co", nil)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonCodeAlreadyUsed, AsReject(err).Reason)
}

func TestNoAvailableTeam(t *testing.T) {
	f := newFixture(t, Config{})
	f.addCode(t, "CODE-1", false)

	_, err := f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", nil)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonNoAvailableTeam, AsReject(err).Reason)
}

func TestSameCodeConcurrencyHasOneWinner(t *testing.T) {
	f := newFixture(t, Config{})
	team := f.addTeam(t, "acc-1", 20, nil)
	f.addCode(t, "RACE", false)

	const racers = 10
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.alloc.Redeem(context.Background(), "RACE", fmt.Sprintf("u%d@t.co", i), nil)
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins, alreadyUsed := 0, 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		re := AsReject(err)
		require.NotNil(t, re, "unexpected error: %v", err)
		if re.Reason == ReasonCodeAlreadyUsed {
			alreadyUsed++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, alreadyUsed)

	// every losing reservation must have been released
	got, err := f.store.GetTeam(context.Background(), team.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentMembers)
	assert.Equal(t, 1, f.inviter.callCount())
}

func TestCapacityNeverExceeded(t *testing.T) {
	f := newFixture(t, Config{})
	team := f.addTeam(t, "acc-1", 3, nil)

	const codes = 10
	for i := 0; i < codes; i++ {
		f.addCode(t, fmt.Sprintf("C-%d", i), false)
	}

	var wg sync.WaitGroup
	results := make([]error, codes)
	for i := 0; i < codes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.alloc.Redeem(context.Background(), fmt.Sprintf("C-%d", i), fmt.Sprintf("u%d@t.co", i), nil)
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			require.NotNil(t, AsReject(err), "unexpected error: %v", err)
			assert.Equal(t, ReasonNoAvailableTeam, AsReject(err).Reason)
		}
	}
	assert.Equal(t, 3, wins)

	got, err := f.store.GetTeam(context.Background(), team.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentMembers)
	assert.Equal(t, models.TeamStatusFull, got.Status)
}

func TestCandidateOrderingPrefersEarliestExpiry(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTeam(t, "acc-late", 5, future(72*time.Hour))
	early := f.addTeam(t, "acc-early", 5, future(24*time.Hour))
	f.addTeam(t, "acc-never", 5, nil) // no expiry sorts last
	f.addCode(t, "CODE-1", false)

	result, err := f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", nil)
	require.NoError(t, err)
	assert.Equal(t, early.ID, result.Team.ID)
}

func TestExplicitTeamPinsAllocation(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTeam(t, "acc-early", 5, future(time.Hour))
	pinned := f.addTeam(t, "acc-pinned", 5, nil)
	f.addCode(t, "CODE-1", false)

	result, err := f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", &pinned.ID)
	require.NoError(t, err)
	assert.Equal(t, pinned.ID, result.Team.ID)
}

func TestExplicitTeamUnavailable(t *testing.T) {
	f := newFixture(t, Config{})
	full := f.addTeam(t, "acc-full", 1, nil)
	f.addCode(t, "FILLER", false)
	f.addCode(t, "CODE-1", false)

	_, err := f.alloc.Redeem(context.Background(), "FILLER", "first@t.co", nil)
	require.NoError(t, err)

	_, err = f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", &full.ID)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonTeamUnavailable, AsReject(err).Reason)

	missing := full.ID + 100
	_, err = f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", &missing)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonTeamUnavailable, AsReject(err).Reason)
}

func TestInviteFailureRollsBackAndTriesNext(t *testing.T) {
	f := newFixture(t, Config{})
	bad := f.addTeam(t, "acc-bad", 5, future(time.Hour))
	good := f.addTeam(t, "acc-good", 5, future(2*time.Hour))
	f.addCode(t, "CODE-1", false)

	f.inviter.failFor["acc-bad"] = &provider.Error{Status: 403, Message: "token revoked"}

	result, err := f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", nil)
	require.NoError(t, err)
	assert.Equal(t, good.ID, result.Team.ID)

	// the failed team is quarantined with its slot returned
	badTeam, err := f.store.GetTeam(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, badTeam.CurrentMembers)
	assert.Equal(t, models.TeamStatusError, badTeam.Status)

	code, err := f.store.GetCode(context.Background(), "CODE-1")
	require.NoError(t, err)
	require.NotNil(t, code.AssignedTeamID)
	assert.Equal(t, good.ID, *code.AssignedTeamID)

	records, err := f.store.ListUsageByCode(context.Background(), "CODE-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	outcomes := map[models.UsageOutcome]int{}
	for _, r := range records {
		outcomes[r.Outcome]++
	}
	assert.Equal(t, 1, outcomes[models.UsageOutcomeSuccess])
	assert.Equal(t, 1, outcomes[models.UsageOutcomeFailure])
}

func TestAllCandidatesFailingRestoresCode(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTeam(t, "acc-1", 5, nil)
	f.addTeam(t, "acc-2", 5, nil)
	f.addCode(t, "CODE-1", false)

	f.inviter.failFor["acc-1"] = &provider.Error{Status: 401, Message: "bad token"}
	f.inviter.failFor["acc-2"] = &provider.Error{Status: 401, Message: "bad token"}

	_, err := f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", nil)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonNoAvailableTeam, AsReject(err).Reason)

	code, err := f.store.GetCode(context.Background(), "CODE-1")
	require.NoError(t, err)
	assert.Equal(t, models.CodeStatusUnused, code.Status)
	assert.Nil(t, code.AssignedTeamID)
}

func TestInviteTimeoutMovesToNextCandidate(t *testing.T) {
	f := newFixture(t, Config{
		InviteRetry:   provider.RetryPolicy{Attempts: 100, Delay: 10 * time.Millisecond},
		InviteTimeout: 50 * time.Millisecond,
	})
	f.addTeam(t, "acc-slow", 5, future(time.Hour))
	good := f.addTeam(t, "acc-good", 5, future(2*time.Hour))
	f.addCode(t, "CODE-1", false)

	// the slow team keeps returning a retryable error until the invite
	// budget runs out
	f.inviter.failFor["acc-slow"] = &provider.Error{Status: 503, Message: "upstream flapping", Retryable: true}

	start := time.Now()
	result, err := f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", nil)
	require.NoError(t, err)
	assert.Equal(t, good.ID, result.Team.ID)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMaxCandidateAttemptsBoundsTheSearch(t *testing.T) {
	f := newFixture(t, Config{MaxCandidateAttempts: 2})
	f.addTeam(t, "acc-1", 5, future(1*time.Hour))
	f.addTeam(t, "acc-2", 5, future(2*time.Hour))
	f.addTeam(t, "acc-3", 5, future(3*time.Hour))
	f.addCode(t, "CODE-1", false)

	f.inviter.failFor["acc-1"] = &provider.Error{Status: 401, Message: "bad token"}
	f.inviter.failFor["acc-2"] = &provider.Error{Status: 401, Message: "bad token"}

	// acc-3 would succeed, but sits beyond the attempt budget
	_, err := f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", nil)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonNoAvailableTeam, AsReject(err).Reason)
	assert.Equal(t, 2, f.inviter.callCount())
}

func TestUnsealFailureAbortsRedemption(t *testing.T) {
	f := newFixture(t, Config{})

	broken := &models.Team{
		AccessTokenSealed: "not-a-sealed-record",
		AccountID:         "acc-broken",
		MaxMembers:        5,
		ExpiresAt:         future(time.Hour),
	}
	require.NoError(t, f.store.CreateTeam(context.Background(), broken))
	f.addTeam(t, "acc-good", 5, future(2*time.Hour))
	f.addCode(t, "CODE-1", false)

	// corrupt stored data ends the whole redemption; it is not a provider
	// failure, so no fallback to the next candidate and no quarantine
	_, err := f.alloc.Redeem(context.Background(), "CODE-1", "u@t.co", nil)
	require.ErrorIs(t, err, vault.ErrDecryptionFailure)
	assert.Nil(t, AsReject(err))
	assert.Equal(t, 0, f.inviter.callCount())

	brokenTeam, err := f.store.GetTeam(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusAvailable, brokenTeam.Status)
	assert.Equal(t, 0, brokenTeam.CurrentMembers)

	code, err := f.store.GetCode(context.Background(), "CODE-1")
	require.NoError(t, err)
	assert.Equal(t, models.CodeStatusUnused, code.Status)
}

// slotRaceStore makes chosen teams always lose the slot reservation, the
// store-level outcome of a concurrent redemption winning the race.
type slotRaceStore struct {
	storage.Store
	loseFor map[int64]bool
}

func (s *slotRaceStore) ReserveTeamSlot(ctx context.Context, teamID int64) (bool, error) {
	if s.loseFor[teamID] {
		return false, nil
	}
	return s.Store.ReserveTeamSlot(ctx, teamID)
}

func TestSlotRaceLossDoesNotConsumeAttemptBudget(t *testing.T) {
	f := newFixture(t, Config{})
	lost1 := f.addTeam(t, "acc-lost-1", 5, future(1*time.Hour))
	lost2 := f.addTeam(t, "acc-lost-2", 5, future(2*time.Hour))
	winner := f.addTeam(t, "acc-win", 5, future(3*time.Hour))
	f.addCode(t, "CODE-1", false)

	wrapped := &slotRaceStore{Store: f.store, loseFor: map[int64]bool{lost1.ID: true, lost2.ID: true}}
	alloc := New(wrapped, f.vault, f.inviter, Config{MaxCandidateAttempts: 1})

	result, err := alloc.Redeem(context.Background(), "CODE-1", "u@t.co", nil)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, result.Team.ID)
	assert.Equal(t, 1, f.inviter.callCount())
}

func TestWarrantyWindowStartsAtFirstUse(t *testing.T) {
	window := 30 * 24 * time.Hour
	f := newFixture(t, Config{WarrantyWindow: window})
	f.addTeam(t, "acc-1", 5, nil)
	f.addCode(t, "WARR", true)

	before := time.Now()
	_, err := f.alloc.Redeem(context.Background(), "WARR", "u@t.co", nil)
	require.NoError(t, err)

	code, err := f.store.GetCode(context.Background(), "WARR")
	require.NoError(t, err)
	require.NotNil(t, code.WarrantyExpiresAt)
	assert.WithinDuration(t, before.Add(window), *code.WarrantyExpiresAt, 5*time.Second)
}

func TestWarrantyReuseAfterTeamLoss(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.addTeam(t, "acc-1", 5, nil)
	f.addCode(t, "WARR", true)

	_, err := f.alloc.Redeem(context.Background(), "WARR", "u@t.co", nil)
	require.NoError(t, err)

	// the assigned team is lost after the fact
	require.NoError(t, f.store.SetTeamStatus(context.Background(), first.ID, models.TeamStatusBanned))
	second := f.addTeam(t, "acc-2", 5, nil)

	result, err := f.alloc.Redeem(context.Background(), "WARR", "ignored@t.co", nil)
	require.NoError(t, err)
	assert.True(t, result.Warranty)
	assert.Equal(t, second.ID, result.Team.ID)

	code, err := f.store.GetCode(context.Background(), "WARR")
	require.NoError(t, err)
	require.NotNil(t, code.AssignedTeamID)
	assert.Equal(t, second.ID, *code.AssignedTeamID)
	require.NotNil(t, code.UsedByEmail)
	assert.Equal(t, "u@t.co", *code.UsedByEmail, "warranty reuse keeps the original member")

	records, err := f.store.ListUsageByCode(context.Background(), "WARR")
	require.NoError(t, err)
	warrantyRecords := 0
	for _, r := range records {
		if r.IsWarrantyRedemption {
			warrantyRecords++
		}
	}
	assert.Equal(t, 1, warrantyRecords)
}

func TestWarrantyReuseSkipsWhileTeamHealthy(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTeam(t, "acc-1", 5, nil)
	f.addTeam(t, "acc-2", 5, nil)
	f.addCode(t, "WARR", true)

	_, err := f.alloc.Redeem(context.Background(), "WARR", "u@t.co", nil)
	require.NoError(t, err)

	// the assigned team is fine, so the code stays spent
	_, err = f.alloc.Redeem(context.Background(), "WARR", "u@t.co", nil)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonCodeAlreadyUsed, AsReject(err).Reason)
}

func TestWarrantyReuseOnMemberBan(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.addTeam(t, "acc-1", 5, nil)
	second := f.addTeam(t, "acc-2", 5, nil)
	f.addCode(t, "WARR", true)

	_, err := f.alloc.Redeem(context.Background(), "WARR", "u@t.co", nil)
	require.NoError(t, err)

	// team still serves others, but this member was cut off
	require.NoError(t, f.store.CreateBannedTeamMark(context.Background(), &models.BannedTeamMark{
		TeamID: first.ID,
		Email:  "u@t.co",
	}))

	result, err := f.alloc.Redeem(context.Background(), "WARR", "u@t.co", nil)
	require.NoError(t, err)
	assert.True(t, result.Warranty)
	assert.Equal(t, second.ID, result.Team.ID)
}

func TestNonWarrantyCodeNeverReused(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.addTeam(t, "acc-1", 5, nil)
	f.addCode(t, "PLAIN", false)

	_, err := f.alloc.Redeem(context.Background(), "PLAIN", "u@t.co", nil)
	require.NoError(t, err)

	require.NoError(t, f.store.SetTeamStatus(context.Background(), first.ID, models.TeamStatusBanned))
	f.addTeam(t, "acc-2", 5, nil)

	_, err = f.alloc.Redeem(context.Background(), "PLAIN", "u@t.co", nil)
	require.NotNil(t, AsReject(err))
	assert.Equal(t, ReasonCodeAlreadyUsed, AsReject(err).Reason)
}

func TestContextCancellationStopsSearch(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTeam(t, "acc-1", 5, nil)
	f.addCode(t, "CODE-1", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.alloc.Redeem(ctx, "CODE-1", "u@t.co", nil)
	require.Error(t, err)
	assert.Nil(t, AsReject(err))
	assert.Equal(t, 0, f.inviter.callCount())
}
