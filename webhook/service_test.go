package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/billing/audit"
	"github.com/zllovesuki/billing/billing"
	"github.com/zllovesuki/billing/order"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

const testSecret = "whsec_test_secret"

type finished struct {
	id      string
	outcome error
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []audit.Entry
	finished []finished
}

func (r *fakeRecorder) Start(ctx context.Context, e audit.Entry) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, e)
	return fmt.Sprintf("log_%d", len(r.started))
}

func (r *fakeRecorder) Finish(ctx context.Context, id string, response string, outcome error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, finished{id: id, outcome: outcome})
}

type fakeLocker struct {
	held     map[string]bool
	released int
}

func (l *fakeLocker) Acquire(ctx context.Context, key string) (func(), bool, error) {
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		delete(l.held, key)
		l.released++
	}, true, nil
}

func newService(t *testing.T, f *fixture, option ServiceOptions) (*Service, *fakeRecorder) {
	recorder := &fakeRecorder{}
	option.EventRouter = f.router
	option.Recorder = recorder
	option.Logger = zap.NewNop()
	s, err := NewService(option)
	require.NoError(t, err)
	return s, recorder
}

func payload(t *testing.T, id, eventType string, obj object) []byte {
	b, err := json.Marshal(object{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        object{"object": obj},
	})
	require.NoError(t, err)
	return b
}

func sign(body []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func post(s *Service, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	s, recorder := newService(t, f, ServiceOptions{WebhookSecret: testSecret})

	body := payload(t, "evt_1", "customer.created", object{"id": "cus_1"})

	w := post(s, body, sign(body, "whsec_other"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = post(s, body, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, recorder.started)
}

func TestWebhookWithoutSecret(t *testing.T) {
	f := newFixture(t)
	s, _ := newService(t, f, ServiceOptions{})

	body := payload(t, "evt_1", "customer.created", object{"id": "cus_1"})
	w := post(s, body, sign(body, testSecret))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhookProcessesEvent(t *testing.T) {
	f := newFixture(t)
	f.newUser("u2")
	f.newOrder("u2", "order_pack", order.TypeOneTime, "price_pack", 50)
	s, recorder := newService(t, f, ServiceOptions{WebhookSecret: testSecret})

	body := payload(t, "evt_pack", EventCheckoutCompleted, object{
		"id":             "cs_pack",
		"payment_status": order.PaymentPaid,
		"payment_intent": "pi_pack",
		"metadata":       meta("order_pack", "u2"),
	})
	w := post(s, body, sign(body, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 50, f.credit("u2").BalanceOneTimePaid)

	require.Len(t, recorder.started, 1)
	require.Equal(t, audit.Inbound, recorder.started[0].Direction)
	require.Equal(t, EventCheckoutCompleted, recorder.started[0].Kind)
	require.Equal(t, "evt_pack", recorder.started[0].ReferenceID)
	require.Len(t, recorder.finished, 1)
	require.NoError(t, recorder.finished[0].outcome)

	// redelivery fails so the provider retries, unless duplicates are acknowledged
	w = post(s, body, sign(body, testSecret))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Error(t, recorder.finished[1].outcome)

	s.AckDuplicates = true
	w = post(s, body, sign(body, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 50, f.credit("u2").BalanceOneTimePaid)
}

func TestWebhookAcknowledgesUnknownEvent(t *testing.T) {
	f := newFixture(t)
	s, recorder := newService(t, f, ServiceOptions{WebhookSecret: testSecret})

	body := payload(t, "evt_1", "customer.created", object{"id": "cus_1"})
	w := post(s, body, sign(body, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, recorder.finished, 1)
}

func TestWebhookProcessingFailure(t *testing.T) {
	f := newFixture(t)
	s, recorder := newService(t, f, ServiceOptions{WebhookSecret: testSecret})

	body := payload(t, "evt_1", EventCheckoutCompleted, object{
		"id":             "cs_1",
		"payment_status": order.PaymentPaid,
		"metadata":       meta("order_missing", "u1"),
	})
	w := post(s, body, sign(body, testSecret))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, recorder.finished, 1)
	require.Error(t, recorder.finished[0].outcome)
}

func TestWebhookInFlightLock(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{held: map[string]bool{"evt_1": true}}
	s, recorder := newService(t, f, ServiceOptions{WebhookSecret: testSecret, Locker: locker})

	body := payload(t, "evt_1", "customer.created", object{"id": "cus_1"})
	w := post(s, body, sign(body, testSecret))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Empty(t, recorder.started)

	delete(locker.held, "evt_1")
	w = post(s, body, sign(body, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, locker.released)
	require.Empty(t, locker.held)
}

func TestClassify(t *testing.T) {
	require.Equal(t, "validation", classify(billing.Invalid("OrderID", "required")))
	require.Equal(t, "duplicate", classify(fmt.Errorf("%w: order 1", billing.ErrDuplicateDelivery)))
	require.Equal(t, "inconsistency", classify(billing.Inconsistent("order %s not found", "1")))
	require.Equal(t, "transient", classify(fmt.Errorf("connection reset")))
}
