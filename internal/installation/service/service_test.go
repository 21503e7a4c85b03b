package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	installationdomain "github.com/smallbiznis/meterline/internal/installation/domain"
	"github.com/smallbiznis/meterline/internal/installation/repository"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	conn := db.NewTest(t, &installationdomain.Installation{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clk,
	})
	return svc.(*Service), clk
}

func TestRegister_CreatesAndRefreshes(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, nil, installationdomain.RegisterRequest{
		InstallID:      "inst-1",
		AccountID:      "acct-1",
		Plan:           "Pro",
		PlanPriceCents: 1299,
		Currency:       "usd",
		Metadata:       map[string]any{"plugin_version": "1.0.0", "php_version": "8.2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pro", first.Plan)
	assert.Equal(t, "USD", first.Currency)
	assert.True(t, first.Active)
	assert.True(t, clk.Now().Equal(first.FirstSeenAt))

	clk.Advance(time.Hour)
	second, err := svc.Register(ctx, nil, installationdomain.RegisterRequest{
		InstallID: "inst-1",
		Plan:      "agency",
		Currency:  "USD",
		Metadata:  map[string]any{"plugin_version": "1.1.0", "php_version": ""},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "acct-1", second.AccountID, "account falls back to the stored one")
	assert.Equal(t, "agency", second.Plan)
	assert.True(t, first.FirstSeenAt.Equal(second.FirstSeenAt))
	assert.True(t, clk.Now().Equal(second.LastSeenAt))
	assert.Equal(t, "1.1.0", second.Metadata["plugin_version"])
	assert.Equal(t, "8.2", second.Metadata["php_version"])
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, nil, installationdomain.RegisterRequest{AccountID: "a"})
	assert.ErrorIs(t, err, installationdomain.ErrInvalidInstallID)

	_, err = svc.Register(ctx, nil, installationdomain.RegisterRequest{InstallID: "new"})
	assert.ErrorIs(t, err, installationdomain.ErrInvalidAccount)
}

func TestSecretStore_FirstWriterWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, nil, installationdomain.RegisterRequest{InstallID: "inst-1", AccountID: "acct-1"})
	require.NoError(t, err)

	store := svc.SecretStore(nil)
	secret, err := store.GetSecret(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, secret)

	won, err := store.StoreSecretIfAbsent(ctx, "inst-1", "alpha")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.StoreSecretIfAbsent(ctx, "inst-1", "beta")
	require.NoError(t, err)
	assert.False(t, won)

	won, err = svc.RegisterSecret(ctx, "inst-1", "gamma")
	require.NoError(t, err)
	assert.False(t, won)

	secret, err = store.GetSecret(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", secret)

	// A later report must not clear the stored secret.
	_, err = svc.Register(ctx, nil, installationdomain.RegisterRequest{InstallID: "inst-1", AccountID: "acct-1"})
	require.NoError(t, err)
	secret, err = store.GetSecret(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", secret)
}

func TestDeactivateKeepsRow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, nil, installationdomain.RegisterRequest{InstallID: "inst-1", AccountID: "acct-1"})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, "inst-1"))
	inst, err := svc.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, inst.Active)

	// Reporting again does not silently reactivate it.
	_, err = svc.Register(ctx, nil, installationdomain.RegisterRequest{InstallID: "inst-1"})
	require.NoError(t, err)
	inst, err = svc.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, inst.Active)

	require.NoError(t, svc.Reactivate(ctx, "inst-1"))
	assert.ErrorIs(t, svc.Deactivate(ctx, "missing"), installationdomain.ErrNotFound)
}
