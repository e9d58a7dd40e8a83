package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/quota"
	"github.com/joseph-ayodele/docjobs/internal/repository"
)

const secret = "whsec_test"

type env struct {
	h        *Handler
	accounts repository.AccountRepository
	acct     *entity.Account
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(context.Background(), repository.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "billing.db"),
	}, logger)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(db.Close)

	accounts := repository.NewAccountRepository(db, logger)
	acct := &entity.Account{Email: "payer@example.com", APIKey: "k"}
	require.NoError(t, accounts.Create(context.Background(), acct))

	ledger := quota.NewLedger(accounts, quota.DefaultPolicy(), quota.WithLogger(logger))
	h := NewHandler(secret, 5*time.Minute, accounts, ledger, logger)
	now := time.Unix(1_760_000_000, 0)
	h.now = func() time.Time { return now }
	return &env{h: h, accounts: accounts, acct: acct, now: now}
}

func (e *env) deliver(t *testing.T, payload string) (Outcome, error) {
	t.Helper()
	return e.h.Handle(context.Background(), []byte(payload), Sign(secret, []byte(payload), e.now))
}

func (e *env) tier(t *testing.T) constants.Tier {
	t.Helper()
	a, err := e.accounts.Get(context.Background(), e.acct.ID)
	require.NoError(t, err)
	return a.Tier
}

func TestHandle_CheckoutUpgradesByEmail(t *testing.T) {
	e := newEnv(t)
	out, err := e.deliver(t, `{"id":"evt_1","type":"checkout.session.completed","data":{"customer_email":"Payer@Example.com"}}`)
	require.NoError(t, err)
	assert.Equal(t, constants.TierPro, out.Tier)
	assert.Equal(t, e.acct.ID, out.AccountID)
	assert.Equal(t, constants.TierPro, e.tier(t))
}

func TestHandle_SubscriptionDeletedDowngrades(t *testing.T) {
	e := newEnv(t)
	_, err := e.deliver(t, fmt.Sprintf(`{"type":"checkout.session.completed","data":{"account_id":%q}}`, e.acct.ID))
	require.NoError(t, err)
	_, err = e.deliver(t, fmt.Sprintf(`{"type":"customer.subscription.deleted","data":{"account_id":%q}}`, e.acct.ID))
	require.NoError(t, err)
	assert.Equal(t, constants.TierFree, e.tier(t))
}

func TestHandle_TierChanged(t *testing.T) {
	e := newEnv(t)
	_, err := e.deliver(t, fmt.Sprintf(`{"type":"tier.changed","data":{"account_id":%q,"tier":"enterprise"}}`, e.acct.ID))
	require.NoError(t, err)
	assert.Equal(t, constants.TierEnterprise, e.tier(t))

	_, err = e.deliver(t, fmt.Sprintf(`{"type":"tier.changed","data":{"account_id":%q,"tier":"platinum"}}`, e.acct.ID))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	assert.Equal(t, constants.TierEnterprise, e.tier(t))
}

func TestHandle_IgnoresUnknownEvents(t *testing.T) {
	e := newEnv(t)
	out, err := e.deliver(t, `{"type":"invoice.paid","data":{}}`)
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, constants.TierFree, e.tier(t))
}

func TestHandle_UnknownAccount(t *testing.T) {
	e := newEnv(t)
	_, err := e.deliver(t, `{"type":"checkout.session.completed","data":{"customer_email":"ghost@example.com"}}`)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = e.deliver(t, `{"type":"checkout.session.completed","data":{}}`)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestVerify(t *testing.T) {
	e := newEnv(t)
	payload := []byte(`{"type":"checkout.session.completed"}`)

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", Sign(secret, payload, e.now), true},
		{"within tolerance", Sign(secret, payload, e.now.Add(-4*time.Minute)), true},
		{"too old", Sign(secret, payload, e.now.Add(-10*time.Minute)), false},
		{"wrong secret", Sign("other", payload, e.now), false},
		{"malformed", "v1=abc", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.h.Verify(payload, tt.header)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, common.ErrUnauthorized)
			}
		})
	}

	tampered := Sign(secret, payload, e.now)
	assert.ErrorIs(t, e.h.Verify([]byte(`{"type":"x"}`), tampered), ErrBadSignature)
}

func TestHandle_RejectsBadSignatureWithoutSideEffects(t *testing.T) {
	e := newEnv(t)
	payload := `{"type":"checkout.session.completed","data":{"customer_email":"payer@example.com"}}`
	_, err := e.h.Handle(context.Background(), []byte(payload), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	assert.Equal(t, constants.TierFree, e.tier(t))
}
