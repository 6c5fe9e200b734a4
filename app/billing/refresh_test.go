package billing

import (
	"context"
	"net/http"
	"testing"

	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/notify"
	"github.com/velH4ard/FitAIcomp/app/payments"
	"github.com/velH4ard/FitAIcomp/app/store/storetest"
	"github.com/velH4ard/FitAIcomp/app/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	remote payments.RemotePayment
	err    error
}

func (f fakeFetcher) Provider() string { return payments.ProviderYooKassa }

func (f fakeFetcher) Fetch(context.Context, string) (payments.RemotePayment, error) {
	return f.remote, f.err
}

var settled = fakeFetcher{remote: payments.RemotePayment{ID: "p1", Status: "succeeded"}}

func (f *fixture) startPayment(t *testing.T, paymentID, userID string) {
	t.Helper()
	require.NoError(t, payments.NewRepo(f.store).Record(context.Background(), f.store.DB(),
		payments.ProviderYooKassa, paymentID, userID, payments.StatusCreated, now))
}

func TestRefreshThenWebhookExtendsOnce(t *testing.T) {
	f := newFixture(t)
	f.startPayment(t, "p1", "u1")

	res, err := f.proc.Refresh(context.Background(), settled, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	require.NotNil(t, res.ActiveUntil)
	assert.True(t, res.ActiveUntil.Equal(now.Add(period)))
	assert.Equal(t, 1, storetest.Count(t, f.store, "payments", "payment_id = ? AND status = ?", "p1", payments.StatusSucceeded))

	res, err = f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicatePayment, res.Outcome)

	st := f.state(t)
	assert.Equal(t, subscription.StatusActive, st.Effective(now))
	assert.True(t, st.ActiveUntil.Equal(now.Add(period)))
	assert.Equal(t, []string{notify.TypeSubscriptionChanged}, f.published.Types())
}

func TestWebhookThenRefreshExtendsOnce(t *testing.T) {
	f := newFixture(t)
	f.startPayment(t, "p1", "u1")

	_, err := f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)

	before := storetest.Snapshot(t, f.store)
	res, err := f.proc.Refresh(context.Background(), settled, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicatePayment, res.Outcome)
	assert.Equal(t, before, storetest.Snapshot(t, f.store))
	assert.True(t, f.state(t).ActiveUntil.Equal(now.Add(period)))
}

func TestRefreshTwiceExtendsOnce(t *testing.T) {
	f := newFixture(t)
	f.startPayment(t, "p1", "u1")

	_, err := f.proc.Refresh(context.Background(), settled, "u1", "p1")
	require.NoError(t, err)
	res, err := f.proc.Refresh(context.Background(), settled, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicatePayment, res.Outcome)
	assert.True(t, f.state(t).ActiveUntil.Equal(now.Add(period)))
}

func TestRefreshRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	f.startPayment(t, "p1", "u1")

	_, err := f.proc.Refresh(context.Background(), settled, "u2", "p1")
	assert.Equal(t, apperr.CodeNotFound, apperr.From(err).Code)

	_, err = f.proc.Refresh(context.Background(), settled, "u1", "p-unknown")
	assert.Equal(t, apperr.CodeNotFound, apperr.From(err).Code)

	_, err = f.proc.Refresh(context.Background(), settled, "u1", "")
	assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)

	assert.Equal(t, subscription.StatusFree, f.state(t).Effective(now))
}

func TestRefreshFetchFailure(t *testing.T) {
	f := newFixture(t)
	f.startPayment(t, "p1", "u1")
	down := fakeFetcher{err: &payments.ProviderError{Provider: payments.ProviderYooKassa, Stage: "fetch_payment", Status: http.StatusServiceUnavailable}}

	_, err := f.proc.Refresh(context.Background(), down, "u1", "p1")
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodePaymentProvider, ae.Code)
	assert.Equal(t, "fetch_payment", ae.Details["stage"])
	assert.Equal(t, http.StatusServiceUnavailable, ae.Details["providerStatus"])

	_, err = f.deliver(t, success("e1", "p1"))
	require.NoError(t, err)

	res, err := f.proc.Refresh(context.Background(), down, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicatePayment, res.Outcome)
	assert.True(t, f.state(t).ActiveUntil.Equal(now.Add(period)))
}

func TestRefreshUnsettledPayments(t *testing.T) {
	f := newFixture(t)
	f.startPayment(t, "p1", "u1")

	res, err := f.proc.Refresh(context.Background(), fakeFetcher{remote: payments.RemotePayment{ID: "p1", Status: "pending"}}, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, res.Outcome)

	paid := false
	_, err = f.proc.Refresh(context.Background(), fakeFetcher{remote: payments.RemotePayment{ID: "p1", Status: "succeeded", Paid: &paid}}, "u1", "p1")
	assert.Equal(t, "refresh_payment_status", apperr.From(err).Details["stage"])

	_, err = f.proc.Refresh(context.Background(), fakeFetcher{remote: payments.RemotePayment{ID: "p1", Status: "canceled"}}, "u1", "p1")
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodePaymentProvider, ae.Code)
	assert.Equal(t, "canceled", ae.Details["paymentStatus"])
	assert.Equal(t, 1, storetest.Count(t, f.store, "payments", "payment_id = ? AND status = ?", "p1", payments.StatusCanceled))

	assert.Equal(t, subscription.StatusFree, f.state(t).Effective(now))
	assert.Empty(t, f.published.Types())
}
