package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/audit"
	"github.com/velH4ard/FitAIcomp/app/notify"
	"github.com/velH4ard/FitAIcomp/app/payments"
	"github.com/velH4ard/FitAIcomp/app/store"
	"github.com/velH4ard/FitAIcomp/app/store/storetest"
	"github.com/velH4ard/FitAIcomp/app/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const period = 30 * 24 * time.Hour

type fakeVerifier struct {
	ev  payments.Event
	err error
}

func (f fakeVerifier) Provider() string { return payments.ProviderYooKassa }

func (f fakeVerifier) Verify(context.Context, payments.Request) (payments.Event, error) {
	return f.ev, f.err
}

type fixture struct {
	store     *store.Store
	proc      *Processor
	subs      *subscription.Repo
	published *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.New(t)
	clock := func() time.Time { return now }
	rec := &notify.Recorder{}
	f := &fixture{
		store:     s,
		proc:      NewProcessor(s, audit.New(s).WithClock(clock), rec, period).WithClock(clock),
		subs:      subscription.NewRepo(s),
		published: rec,
	}
	require.NoError(t, f.subs.EnsureUser(context.Background(), s.DB(), "u1", "", now))
	return f
}

func (f *fixture) deliver(t *testing.T, ev payments.Event) (Result, error) {
	t.Helper()
	return f.proc.Handle(context.Background(), fakeVerifier{ev: ev}, payments.Request{})
}

func (f *fixture) state(t *testing.T) subscription.State {
	t.Helper()
	st, err := f.subs.Load(context.Background(), f.store.DB(), "u1", false)
	require.NoError(t, err)
	return st
}

func success(eventID, paymentID string) payments.Event {
	return payments.Event{
		Provider:  payments.ProviderYooKassa,
		ID:        eventID,
		Type:      "payment.succeeded",
		Kind:      payments.KindSuccess,
		PaymentID: paymentID,
		ObjectID:  paymentID,
		Status:    "succeeded",
		UserID:    "u1",
	}
}

func refund(eventID, paymentID string) payments.Event {
	return payments.Event{
		Provider:  payments.ProviderYooKassa,
		ID:        eventID,
		Type:      "refund.succeeded",
		Kind:      payments.KindRefund,
		PaymentID: paymentID,
		ObjectID:  "r-" + paymentID,
		Status:    "succeeded",
	}
}

func TestSuccessExtendsOnceForDuplicateDelivery(t *testing.T) {
	f := newFixture(t)

	res, err := f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "u1", res.UserID)
	require.NotNil(t, res.ActiveUntil)
	assert.True(t, res.ActiveUntil.Equal(now.Add(period)))

	before := storetest.Snapshot(t, f.store)
	res, err = f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, before, storetest.Snapshot(t, f.store))

	st := f.state(t)
	assert.Equal(t, subscription.StatusActive, st.Effective(now))
	assert.True(t, st.ActiveUntil.Equal(now.Add(period)))
	assert.Equal(t, []string{notify.TypeSubscriptionChanged}, f.published.Types())
}

func TestDistinctPaymentsAreCumulative(t *testing.T) {
	f := newFixture(t)

	_, err := f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)
	_, err = f.deliver(t, success("e2", "p2"))
	require.NoError(t, err)

	assert.True(t, f.state(t).ActiveUntil.Equal(now.Add(2*period)))
}

func TestSamePaymentUnderNewEventIDExtendsOnce(t *testing.T) {
	f := newFixture(t)

	_, err := f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)
	res, err := f.deliver(t, success("e2", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicatePayment, res.Outcome)

	assert.True(t, f.state(t).ActiveUntil.Equal(now.Add(period)))
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFixture(t)

	var g errgroup.Group
	results := make([]Result, 8)
	for i := range results {
		g.Go(func() error {
			res, err := f.deliver(t, success("e1", "p1"))
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	applied := 0
	for _, r := range results {
		if r.Outcome == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, r.Outcome)
		}
	}
	assert.Equal(t, 1, applied)
	assert.True(t, f.state(t).ActiveUntil.Equal(now.Add(period)))
}

func TestRefundAfterSuccessBlocks(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)

	res, err := f.deliver(t, refund("e2", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, subscription.StatusBlocked, f.state(t).Effective(now))
	assert.Equal(t, 1, storetest.Count(t, f.store, "payments", "payment_id = ? AND status = ?", "p1", payments.StatusRefunded))
	assert.Equal(t, 1, storetest.Count(t, f.store, "events", "event_type = ?", audit.SubscriptionBlocked))
}

func TestRefundWithoutSuccessIsNoop(t *testing.T) {
	f := newFixture(t)

	res, err := f.deliver(t, refund("e9", "p-unknown"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefundWithoutPaid, res.Outcome)
	assert.Equal(t, subscription.StatusFree, f.state(t).Effective(now))
	assert.Equal(t, 1, storetest.Count(t, f.store, "processed_webhook_events", "outcome = ?", string(OutcomeRefundWithoutPaid)))
}

func TestUnresolvableUserRollsBackMarker(t *testing.T) {
	f := newFixture(t)
	ev := success("e1", "p1")
	ev.UserID = ""

	_, err := f.deliver(t, ev)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.CodePaymentProvider, ae.Code)
	assert.Equal(t, "webhook_resolve_user", ae.Details["stage"])
	assert.Equal(t, 0, storetest.Count(t, f.store, "processed_webhook_events", ""))

	require.NoError(t, payments.NewRepo(f.store).Record(context.Background(), f.store.DB(),
		payments.ProviderYooKassa, "p1", "u1", payments.StatusCreated, now))

	res, err := f.deliver(t, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "u1", res.UserID)
}

func TestUnknownUserIDRollsBack(t *testing.T) {
	f := newFixture(t)
	ev := success("e1", "p1")
	ev.UserID = "ghost"

	_, err := f.deliver(t, ev)
	assert.Equal(t, apperr.CodePaymentProvider, apperr.From(err).Code)
	assert.Equal(t, 0, storetest.Count(t, f.store, "processed_webhook_events", ""))
}

func TestInvalidSignatureMutatesNothing(t *testing.T) {
	f := newFixture(t)
	before := storetest.Snapshot(t, f.store)

	_, err := f.proc.Handle(context.Background(), fakeVerifier{err: payments.ErrInvalid}, payments.Request{})
	assert.Equal(t, apperr.CodePaymentWebhookInvalid, apperr.From(err).Code)
	assert.Equal(t, before, storetest.Snapshot(t, f.store))
	assert.Zero(t, storetest.Count(t, f.store, "events", ""))
}

func TestMalformedPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.Handle(context.Background(), fakeVerifier{err: payments.ErrMalformed}, payments.Request{})
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodePaymentProvider, ae.Code)
	assert.Equal(t, "webhook_parse", ae.Details["stage"])
}

func TestPendingAndCanceledAreRecordedOnly(t *testing.T) {
	f := newFixture(t)
	for i, kind := range []payments.Kind{payments.KindPending, payments.KindCanceled} {
		ev := success("", "p1")
		ev.Kind = kind
		ev.Type = "payment." + string(kind)
		ev.CreatedAt = time.Duration(i).String()

		res, err := f.deliver(t, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRecorded, res.Outcome)
	}
	assert.Equal(t, subscription.StatusFree, f.state(t).Effective(now))
	assert.Equal(t, 2, storetest.Count(t, f.store, "processed_webhook_events", ""))
}

func TestEventKey(t *testing.T) {
	ev := payments.Event{Provider: "yookassa", Type: "payment.succeeded", ObjectID: "p1", Status: "succeeded", CreatedAt: "t"}
	k1 := EventKey(ev)
	assert.Equal(t, k1, EventKey(ev))

	ev.Status = "canceled"
	assert.NotEqual(t, k1, EventKey(ev))

	ev.ID = "evt"
	assert.Equal(t, "yookassa:event:evt", EventKey(ev))
	assert.NotEqual(t, SuccessKey("yookassa", "p1"), SuccessKey("stripe", "p1"))
}

func TestPruneProcessed(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)

	n, err := f.proc.PruneProcessed(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.proc.PruneProcessed(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, storetest.Count(t, f.store, "processed_webhook_events", "event_key = ?", SuccessKey(payments.ProviderYooKassa, "p1")))
}

func TestPaymentMarkerOutlivesPrune(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)
	_, err = f.proc.PruneProcessed(context.Background(), now.Add(24*time.Hour))
	require.NoError(t, err)

	res, err := f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicatePayment, res.Outcome)
	assert.True(t, f.state(t).ActiveUntil.Equal(now.Add(period)))

	res, err = f.deliver(t, refund("e2", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, subscription.StatusBlocked, f.state(t).Effective(now))
}

func TestAdminBlock(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.proc.Block(context.Background(), "u1", "admin-1"))
	assert.Equal(t, subscription.StatusBlocked, f.state(t).Effective(now))

	err := f.proc.Block(context.Background(), "ghost", "admin-1")
	assert.Equal(t, apperr.CodeNotFound, apperr.From(err).Code)
}

type fakeCheckout struct {
	out payments.Checkout
	err error
}

func (f fakeCheckout) Provider() string { return payments.ProviderStripe }

func (f fakeCheckout) Create(context.Context, string, string) (payments.Checkout, error) {
	return f.out, f.err
}

func TestStartCheckoutRecordsMapping(t *testing.T) {
	f := newFixture(t)
	out, err := f.proc.StartCheckout(context.Background(), fakeCheckout{out: payments.Checkout{
		Provider: payments.ProviderStripe, PaymentID: "cs_1", URL: "https://checkout/cs_1",
	}}, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", out.PaymentID)

	user, err := payments.NewRepo(f.store).UserFor(context.Background(), f.store.DB(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	_, err = f.proc.StartCheckout(context.Background(), fakeCheckout{err: payments.ErrNotConfigured}, "u1", "")
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodePaymentProvider, ae.Code)
	assert.Equal(t, "create_payment", ae.Details["stage"])
}
