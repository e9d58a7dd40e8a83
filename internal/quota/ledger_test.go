package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/repository"
)

// memAccounts is an in-memory AccountRepository with versioned writes.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]entity.Account
	// casFailures forces the next N CompareAndSwap calls to lose.
	casFailures int
}

var _ repository.AccountRepository = (*memAccounts)(nil)

func newMemAccounts(accts ...entity.Account) *memAccounts {
	m := &memAccounts{accounts: map[uuid.UUID]entity.Account{}}
	for _, a := range accts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *memAccounts) Create(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = *a
	return nil
}

func (m *memAccounts) Get(_ context.Context, id uuid.UUID) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &a, nil
}

func (m *memAccounts) GetByAPIKey(context.Context, string) (*entity.Account, error) {
	return nil, common.ErrUnauthorized
}

func (m *memAccounts) GetByEmail(context.Context, string) (*entity.Account, error) {
	return nil, common.ErrNotFound
}

func (m *memAccounts) List(context.Context) ([]*entity.Account, error) { return nil, nil }

func (m *memAccounts) CompareAndSwap(_ context.Context, next *entity.Account, expected int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casFailures > 0 {
		m.casFailures--
		return false, nil
	}
	cur := m.accounts[next.ID]
	if cur.Version != expected {
		return false, nil
	}
	next.Version = expected + 1
	m.accounts[next.ID] = *next
	return true, nil
}

func (m *memAccounts) RotateAPIKey(context.Context, uuid.UUID, string) error { return nil }

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func account(tier constants.Tier, docs, enrich int, windowStart time.Time) entity.Account {
	return entity.Account{
		ID:              uuid.New(),
		Email:           "a@example.com",
		Tier:            tier,
		WindowStartedAt: windowStart,
		DocumentsUsed:   docs,
		EnrichmentsUsed: enrich,
	}
}

func newTestLedger(repo repository.AccountRepository, now time.Time) *Ledger {
	return NewLedger(repo, DefaultPolicy(), WithClock(func() time.Time { return now }))
}

func TestCharge_FreeTierAtLimitIsRejected(t *testing.T) {
	a := account(constants.TierFree, 5, 0, t0)
	repo := newMemAccounts(a)
	l := newTestLedger(repo, t0.Add(24*time.Hour))

	_, err := l.Charge(context.Background(), a.ID, Documents)
	require.ErrorIs(t, err, common.ErrQuotaExceeded)

	got, _ := repo.Get(context.Background(), a.ID)
	assert.Equal(t, 5, got.DocumentsUsed, "counter unchanged on rejection")
}

func TestCharge_ResetsExpiredWindowFirst(t *testing.T) {
	a := account(constants.TierFree, 5, 3, t0)
	repo := newMemAccounts(a)
	now := t0.Add(31 * 24 * time.Hour)
	l := newTestLedger(repo, now)

	c, err := l.Charge(context.Background(), a.ID, Documents)
	require.NoError(t, err)
	assert.True(t, c.WindowStartedAt.Equal(now))

	got, _ := repo.Get(context.Background(), a.ID)
	assert.Equal(t, 1, got.DocumentsUsed)
	assert.Equal(t, 0, got.EnrichmentsUsed)
	assert.True(t, got.WindowStartedAt.Equal(now))
}

func TestCheckAndMaybeReset(t *testing.T) {
	a := account(constants.TierPro, 7, 2, t0)
	repo := newMemAccounts(a)
	l := newTestLedger(repo, t0)

	got, err := l.CheckAndMaybeReset(context.Background(), a.ID, t0.Add(29*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 7, got.DocumentsUsed, "window still open")

	got, err = l.CheckAndMaybeReset(context.Background(), a.ID, t0.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, got.DocumentsUsed)
	assert.Equal(t, 0, got.EnrichmentsUsed)
}

func TestAdmit_DoesNotCharge(t *testing.T) {
	a := account(constants.TierFree, 0, 2, t0)
	repo := newMemAccounts(a)
	l := newTestLedger(repo, t0.Add(time.Hour))

	_, err := l.Admit(context.Background(), a.ID, Enrichments)
	require.NoError(t, err)
	got, _ := repo.Get(context.Background(), a.ID)
	assert.Equal(t, 2, got.EnrichmentsUsed)

	_, err = l.Charge(context.Background(), a.ID, Enrichments)
	require.NoError(t, err)
	_, err = l.Admit(context.Background(), a.ID, Enrichments)
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)
}

func TestRefund_SameWindowOnly(t *testing.T) {
	a := account(constants.TierFree, 0, 0, t0)
	repo := newMemAccounts(a)
	l := newTestLedger(repo, t0.Add(time.Hour))
	ctx := context.Background()

	c, err := l.Charge(ctx, a.ID, Documents)
	require.NoError(t, err)
	require.NoError(t, l.Refund(ctx, c))
	got, _ := repo.Get(ctx, a.ID)
	assert.Equal(t, 0, got.DocumentsUsed)

	// a refund for an older window is ignored
	c, err = l.Charge(ctx, a.ID, Documents)
	require.NoError(t, err)
	stale := c
	stale.WindowStartedAt = t0.Add(-time.Hour)
	require.NoError(t, l.Refund(ctx, stale))
	got, _ = repo.Get(ctx, a.ID)
	assert.Equal(t, 1, got.DocumentsUsed)
}

func TestCharge_ContentionExhaustsRetries(t *testing.T) {
	a := account(constants.TierFree, 0, 0, t0)
	repo := newMemAccounts(a)
	repo.casFailures = 10
	l := NewLedger(repo, DefaultPolicy(), WithMaxRetries(3), WithClock(func() time.Time { return t0 }))

	_, err := l.Charge(context.Background(), a.ID, Documents)
	assert.ErrorIs(t, err, common.ErrLedgerContention)
}

func TestCharge_RetriesThroughTransientConflicts(t *testing.T) {
	a := account(constants.TierFree, 0, 0, t0)
	repo := newMemAccounts(a)
	repo.casFailures = 2
	l := newTestLedger(repo, t0)

	_, err := l.Charge(context.Background(), a.ID, Documents)
	require.NoError(t, err)
	got, _ := repo.Get(context.Background(), a.ID)
	assert.Equal(t, 1, got.DocumentsUsed)
}

func TestCharge_ConcurrentNeverExceedsLimit(t *testing.T) {
	a := account(constants.TierFree, 0, 0, t0)
	repo := newMemAccounts(a)
	l := NewLedger(repo, DefaultPolicy(), WithMaxRetries(50), WithClock(func() time.Time { return t0 }))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Charge(context.Background(), a.ID, Documents); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := repo.Get(context.Background(), a.ID)
	assert.Equal(t, 5, got.DocumentsUsed)
	assert.Equal(t, 5, admitted)
}

func TestSetTier_AndUnknownTierFallsBackToFree(t *testing.T) {
	a := account(constants.TierFree, 4, 0, t0)
	repo := newMemAccounts(a)
	l := newTestLedger(repo, t0)
	ctx := context.Background()

	got, err := l.SetTier(ctx, a.ID, constants.TierPro)
	require.NoError(t, err)
	assert.Equal(t, constants.TierPro, got.Tier)
	assert.Equal(t, 4, got.DocumentsUsed)

	u, err := l.Usage(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, u.Limits.Documents)
	assert.Equal(t, t0.Add(30*24*time.Hour), u.WindowEndsAt)

	assert.Equal(t, l.Policy().Tiers[constants.TierFree], l.Policy().LimitsFor("LEGACY"))
}
