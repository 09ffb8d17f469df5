package subscription

import (
	"testing"
	"time"

	"github.com/zllovesuki/billing/db/dbtest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newManager(t *testing.T) *Manager {
	m, err := NewManager(ManagerOptions{
		DB:     dbtest.New(t),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return m
}

func TestEndOfDay(t *testing.T) {
	in := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	out := EndOfDay(in, time.UTC)
	require.Equal(t, time.Date(2024, 3, 15, 23, 59, 59, 999000000, time.UTC), out)
	require.Equal(t, out, EndOfDay(out, time.UTC))

	tokyo := time.FixedZone("JST", 9*60*60)
	// 20:00 UTC is already the 16th in Tokyo
	out = EndOfDay(time.Date(2024, 3, 15, 20, 0, 0, 0, time.UTC), tokyo)
	require.Equal(t, 16, out.Day())
	require.Equal(t, 23, out.Hour())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIncomplete, StatusActive, true},
		{StatusActive, StatusPastDue, true},
		{StatusPastDue, StatusActive, true},
		{StatusActive, StatusCanceled, true},
		{StatusPastDue, StatusCanceled, true},
		{StatusCanceled, StatusActive, false},
		{StatusActive, StatusIncomplete, false},
		{StatusIncomplete, StatusPastDue, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPlaceholderLifecycle(t *testing.T) {
	m := newManager(t)

	s, err := m.CreatePlaceholder(m.DB, "u1")
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, s.Status)
	require.Zero(t, s.CreditsPerPeriod)

	same, err := m.EnsurePlaceholder(m.DB, "u1")
	require.NoError(t, err)
	require.Equal(t, s.ID, same.ID)

	found, err := m.FindNonActive(m.DB, "u1")
	require.NoError(t, err)
	require.Equal(t, s.ID, found.ID)

	s.ExternalSubscriptionID = "sub_1"
	require.NoError(t, m.UpdateStatus(m.DB, s, StatusActive, time.Now()))

	active, err := m.GetActive(m.DB, "u1")
	require.NoError(t, err)
	require.Equal(t, s.ID, active.ID)

	byExternal, err := m.GetByExternalID(m.DB, "sub_1")
	require.NoError(t, err)
	require.Equal(t, s.ID, byExternal.ID)

	found, err = m.FindNonActive(m.DB, "u1")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestAtMostOneActive(t *testing.T) {
	m := newManager(t)

	first, err := m.CreatePlaceholder(m.DB, "u1")
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(m.DB, first, StatusActive, time.Now()))

	second, err := m.CreatePlaceholder(m.DB, "u1")
	require.NoError(t, err)
	require.ErrorIs(t, m.UpdateStatus(m.DB, second, StatusActive, time.Now()), ErrMultipleActive)

	// other users are unaffected
	other, err := m.CreatePlaceholder(m.DB, "u2")
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(m.DB, other, StatusActive, time.Now()))
}

func TestGetActiveDetectsCorruption(t *testing.T) {
	m := newManager(t)
	for i := 0; i < 2; i++ {
		s, err := m.CreatePlaceholder(m.DB, "u1")
		require.NoError(t, err)
		require.NoError(t, m.DB.Model(s).Update("status", StatusActive).Error)
	}
	_, err := m.GetActive(m.DB, "u1")
	require.ErrorIs(t, err, ErrMultipleActive)
}

func TestCanceledIsTerminal(t *testing.T) {
	m := newManager(t)
	s, err := m.CreatePlaceholder(m.DB, "u1")
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(m.DB, s, StatusActive, time.Now()))

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.UpdateStatus(m.DB, s, StatusCanceled, at))
	require.True(t, s.CanceledAt.Equal(at))

	require.ErrorIs(t, m.UpdateStatus(m.DB, s, StatusActive, time.Now()), ErrInvalidTransition)
}
