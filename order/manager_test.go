package order

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

func TestIdempotencyKeys(t *testing.T) {
	require.Equal(t, "order_renew_in_123", RenewalOrderID("in_123"))
	require.Equal(t, "order_renew_failed_in_123", RenewalFailedOrderID("in_123"))
}

func TestCreateRejectsReusedID(t *testing.T) {
	m := newManager(t)
	o := &Order{OrderID: "order_1", UserID: "u1", Type: TypeOneTime}
	require.NoError(t, m.Create(m.DB, o))
	require.Equal(t, StatusCreated, o.OrderStatus)

	err := m.Create(m.DB, &Order{OrderID: "order_1", UserID: "u1", Type: TypeOneTime})
	require.ErrorIs(t, err, ErrExists)

	exists, err := m.Exists(m.DB, "order_1")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = m.Exists(m.DB, "order_2")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPaymentLifecycle(t *testing.T) {
	m := newManager(t)
	o := &Order{OrderID: "order_1", UserID: "u1", Type: TypeOneTime}
	require.NoError(t, m.Create(m.DB, o))

	require.NoError(t, m.MarkPendingUnpaid(m.DB, o, PaymentUnpaid))

	paidAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, m.CompletePayment(m.DB, o, Payment{
		PaymentStatus:   PaymentPaid,
		PaymentIntentID: "pi_1",
		CreditsGranted:  100,
		PaidAt:          paidAt,
	}))

	found, err := m.GetByPaymentIntentID(m.DB, "pi_1")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, found.OrderStatus)
	require.EqualValues(t, 100, found.CreditsGranted)
	require.True(t, found.PaidAt.Equal(paidAt))

	err = m.CompletePayment(m.DB, found, Payment{PaidAt: paidAt})
	require.ErrorIs(t, err, ErrTerminalStatus)

	require.NoError(t, m.ProcessRefund(m.DB, found, paidAt.Add(time.Hour)))
	require.Equal(t, PaymentRefunded, found.PaymentStatus)

	err = m.ProcessRefund(m.DB, found, paidAt.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrTerminalStatus)
}

func TestInvalidTransitions(t *testing.T) {
	m := newManager(t)
	o := &Order{OrderID: "order_1", UserID: "u1", Type: TypeOneTime}
	require.NoError(t, m.Create(m.DB, o))

	require.ErrorIs(t, m.ProcessRefund(m.DB, o, time.Now()), ErrInvalidTransition)

	require.NoError(t, m.UpdateStatus(m.DB, o, StatusFailed))
	require.ErrorIs(t, m.UpdateStatus(m.DB, o, StatusSuccess), ErrInvalidTransition)
	require.NoError(t, m.UpdateStatus(m.DB, o, StatusCanceled))
	require.ErrorIs(t, m.UpdateStatus(m.DB, o, StatusFailed), ErrTerminalStatus)
}

func TestMissingOrder(t *testing.T) {
	m := newManager(t)
	o, err := m.GetByOrderID(m.DB, "nope")
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestSettled(t *testing.T) {
	require.True(t, Settled(PaymentPaid))
	require.True(t, Settled(PaymentNoPaymentRequired))
	require.False(t, Settled(PaymentUnpaid))
	require.False(t, Settled(""))
}

func TestRepeatedFailureIsTerminal(t *testing.T) {
	m := newManager(t)
	o := &Order{OrderID: "order_1", UserID: "u1", Type: TypeOneTime}
	require.NoError(t, m.Create(m.DB, o))

	require.NoError(t, m.UpdateStatus(m.DB, o, StatusFailed))
	require.ErrorIs(t, m.UpdateStatus(m.DB, o, StatusFailed), ErrTerminalStatus)
	require.Equal(t, StatusFailed, o.OrderStatus)
}

func TestPaymentIntentSkipsFailedAttempts(t *testing.T) {
	m := newManager(t)
	failed := &Order{
		OrderID:               RenewalFailedOrderID("in_2"),
		UserID:                "u1",
		Type:                  TypeRenewalFailed,
		OrderStatus:           StatusFailed,
		ExternalPaymentIntent: "pi_in_2",
	}
	require.NoError(t, m.Create(m.DB, failed))

	found, err := m.GetByPaymentIntentID(m.DB, "pi_in_2")
	require.NoError(t, err)
	require.Nil(t, found)

	paid := &Order{
		OrderID:               RenewalOrderID("in_2"),
		UserID:                "u1",
		Type:                  TypeRenewal,
		OrderStatus:           StatusSuccess,
		ExternalPaymentIntent: "pi_in_2",
	}
	require.NoError(t, m.Create(m.DB, paid))

	found, err = m.GetByPaymentIntentID(m.DB, "pi_in_2")
	require.NoError(t, err)
	require.Equal(t, RenewalOrderID("in_2"), found.OrderID)

	require.NoError(t, m.ProcessRefund(m.DB, found, time.Now()))
	found, err = m.GetByPaymentIntentID(m.DB, "pi_in_2")
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, found.OrderStatus)
}
