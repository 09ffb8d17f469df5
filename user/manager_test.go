package user

import (
	"context"
	"testing"

	"github.com/zllovesuki/billing/credit"
	"github.com/zllovesuki/billing/db/dbtest"
	"github.com/zllovesuki/billing/subscription"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	users         *Manager
	subscriptions *subscription.Manager
	credits       *credit.Manager
}

func newFixture(t *testing.T, signup int64) fixture {
	conn := dbtest.New(t)
	logger := zap.NewNop()
	subscriptions, err := subscription.NewManager(subscription.ManagerOptions{DB: conn, Logger: logger})
	require.NoError(t, err)
	credits, err := credit.NewManager(credit.ManagerOptions{DB: conn, Logger: logger})
	require.NoError(t, err)
	users, err := NewManager(ManagerOptions{
		DB:                  conn,
		Logger:              logger,
		SubscriptionManager: subscriptions,
		CreditManager:       credits,
		SignupFreeCredits:   signup,
	})
	require.NoError(t, err)
	return fixture{users, subscriptions, credits}
}

func TestCreateAnonymousIsIdempotent(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	u, err := f.users.CreateAnonymous(ctx, "fp_1")
	require.NoError(t, err)
	require.Equal(t, KindAnonymous, u.Kind)

	again, err := f.users.CreateAnonymous(ctx, "fp_1")
	require.NoError(t, err)
	require.Equal(t, u.ID, again.ID)

	placeholder, err := f.subscriptions.FindNonActive(f.users.DB, u.ID)
	require.NoError(t, err)
	require.NotNil(t, placeholder)
	require.Equal(t, subscription.StatusIncomplete, placeholder.Status)

	c, err := f.credits.Get(f.users.DB, u.ID)
	require.NoError(t, err)
	require.EqualValues(t, 20, c.BalanceFree)
	require.EqualValues(t, 20, c.TotalFree)
}

func TestUpgradeOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	u, err := f.users.CreateAnonymous(ctx, "fp_1")
	require.NoError(t, err)

	upgraded, err := f.users.Upgrade(ctx, u.ID, "idp_1", "a@example.com")
	require.NoError(t, err)
	require.Equal(t, KindRegistered, upgraded.Kind)
	require.NotNil(t, upgraded.UpgradedAt)

	_, err = f.users.Upgrade(ctx, u.ID, "idp_2", "b@example.com")
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = f.users.Upgrade(ctx, "missing", "idp_3", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIdentityIsUnique(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.users.CreateRegistered(ctx, "idp_1", "a@example.com")
	require.NoError(t, err)

	_, err = f.users.CreateRegistered(ctx, "idp_1", "a@example.com")
	require.ErrorIs(t, err, ErrIdentityTaken)

	anon, err := f.users.CreateAnonymous(ctx, "fp_1")
	require.NoError(t, err)
	_, err = f.users.Upgrade(ctx, anon.ID, "idp_1", "a@example.com")
	require.ErrorIs(t, err, ErrIdentityTaken)

	c, err := f.credits.Get(f.users.DB, anon.ID)
	require.NoError(t, err)
	require.Zero(t, c.Available())
}
