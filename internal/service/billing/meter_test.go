package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/z-live/backend/internal/model/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
)

type manualTicker struct{ c chan time.Time }

func newManualTicker() *manualTicker { return &manualTicker{c: make(chan time.Time)} }

func (m *manualTicker) factory(time.Duration) (<-chan time.Time, func()) {
	return m.c, func() {}
}

func (m *manualTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case m.c <- time.Now():
	case <-time.After(time.Second):
		t.Fatal("meter loop did not take the tick")
	}
}

func next(t *testing.T, s *billing.MeterSession) model.Result {
	t.Helper()
	select {
	case res, ok := <-s.Results():
		require.True(t, ok, "results closed")
		return res
	case <-time.After(time.Second):
		t.Fatal("no billing result")
		return model.Result{}
	}
}

func assertQuiet(t *testing.T, s *billing.MeterSession) {
	t.Helper()
	select {
	case res := <-s.Results():
		t.Fatalf("unexpected billing result %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMeterHaltsOnInsufficientFundsAndResumesOnTopUp(t *testing.T) {
	f := newFixture(t)
	f.wallet.SetBalance("viewer-ben", decimal.NewFromInt(4))
	ticker := newManualTicker()
	meter := billing.NewMeter(f.biller, billing.MeterOptions{Watcher: f.wallet, NewTicker: ticker.factory})

	s := meter.Start(context.Background(), "viewer-ben", "luna-live")
	defer s.Stop()

	res := next(t, s)
	assert.Equal(t, model.OutcomeInsufficientFunds, res.Outcome)
	assert.Equal(t, billing.StateHalted, s.State())
	assert.True(t, f.balance(t, "viewer-ben").Equal(decimal.NewFromInt(4)))

	ticker.tick(t)
	assertQuiet(t, s)

	_, err := f.wallet.TopUp("viewer-ben", decimal.NewFromInt(96))
	require.NoError(t, err)
	res = next(t, s)
	assert.Equal(t, model.OutcomeCharged, res.Outcome)
	assert.Equal(t, billing.StateRunning, s.State())
	assert.True(t, f.balance(t, "viewer-ben").Equal(decimal.NewFromInt(95)))
}

func TestMeterResumeRetriesExplicitly(t *testing.T) {
	f := newFixture(t)
	f.wallet.SetBalance("viewer-ben", decimal.Zero)
	ticker := newManualTicker()
	meter := billing.NewMeter(f.biller, billing.MeterOptions{NewTicker: ticker.factory})

	s := meter.Start(context.Background(), "viewer-ben", "luna-live")
	defer s.Stop()
	assert.Equal(t, model.OutcomeInsufficientFunds, next(t, s).Outcome)

	s.Resume()
	assert.Equal(t, model.OutcomeInsufficientFunds, next(t, s).Outcome)

	f.wallet.SetBalance("viewer-ben", decimal.NewFromInt(50))
	s.Resume()
	assert.Equal(t, model.OutcomeCharged, next(t, s).Outcome)
}

func TestMeterRetriesTransientFailureWithSameWindow(t *testing.T) {
	f := newFixture(t)
	f.wallet.SetBalance("viewer-ben", decimal.NewFromInt(100))
	f.wallet.failCredits = 1
	ticker := newManualTicker()
	meter := billing.NewMeter(f.biller, billing.MeterOptions{NewTicker: ticker.factory})

	first := f.biller.CurrentWindow()
	s := meter.Start(context.Background(), "viewer-ben", "luna-live")
	defer s.Stop()

	// the debit lands before the credit fails
	require.Eventually(t, func() bool {
		return f.balance(t, "viewer-ben").Equal(decimal.NewFromInt(95))
	}, time.Second, 5*time.Millisecond)
	f.clock.Advance(time.Minute)
	ticker.tick(t)

	retried := next(t, s)
	assert.Equal(t, model.OutcomeCharged, retried.Outcome)
	assert.Equal(t, first, retried.Window)
	current := next(t, s)
	assert.Equal(t, first.Add(time.Minute), current.Window)

	assert.True(t, f.balance(t, "viewer-ben").Equal(decimal.NewFromInt(90)))
	ticks, err := f.store.ListTicks(context.Background(), "viewer-ben", "luna-live")
	require.NoError(t, err)
	assert.Len(t, ticks, 2)
}

func TestMeterRetriesWindowAfterStatusOutage(t *testing.T) {
	f := newFixture(t)
	f.wallet.SetBalance("viewer-ben", decimal.NewFromInt(100))
	f.status.fails = 1
	ticker := newManualTicker()
	meter := billing.NewMeter(f.biller, billing.MeterOptions{NewTicker: ticker.factory})

	first := f.biller.CurrentWindow()
	s := meter.Start(context.Background(), "viewer-ben", "luna-live")
	defer s.Stop()

	require.Eventually(t, func() bool { return f.status.pending() == 0 }, time.Second, 5*time.Millisecond)
	f.clock.Advance(time.Minute)
	ticker.tick(t)

	retried := next(t, s)
	assert.Equal(t, model.OutcomeCharged, retried.Outcome)
	assert.Equal(t, first, retried.Window)
	current := next(t, s)
	assert.Equal(t, model.OutcomeCharged, current.Outcome)
	assert.Equal(t, first.Add(time.Minute), current.Window)
	assert.True(t, f.balance(t, "viewer-ben").Equal(decimal.NewFromInt(90)))
}

func TestMeterStopsWhenStreamEnds(t *testing.T) {
	f := newFixture(t)
	f.wallet.SetBalance("viewer-ben", decimal.NewFromInt(100))
	ticker := newManualTicker()
	meter := billing.NewMeter(f.biller, billing.MeterOptions{NewTicker: ticker.factory})

	s := meter.Start(context.Background(), "viewer-ben", "luna-live")
	assert.Equal(t, model.OutcomeCharged, next(t, s).Outcome)

	f.lifecycle.Update(context.Background(), lifecycle.Stream{ID: "luna-live", Status: lifecycle.StatusEnded})
	f.clock.Advance(time.Minute)
	ticker.tick(t)

	res := next(t, s)
	assert.Equal(t, model.OutcomeNoop, res.Outcome)
	assert.Equal(t, model.ReasonEnded, res.Reason)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("meter kept running after the stream ended")
	}
	assert.Equal(t, billing.StateStopped, s.State())
}

func TestMeterStopIsFinal(t *testing.T) {
	f := newFixture(t)
	f.wallet.SetBalance("viewer-ben", decimal.NewFromInt(100))
	ticker := newManualTicker()
	meter := billing.NewMeter(f.biller, billing.MeterOptions{NewTicker: ticker.factory})

	s := meter.Start(context.Background(), "viewer-ben", "luna-live")
	assert.Equal(t, model.OutcomeCharged, next(t, s).Outcome)
	s.Stop()
	s.Stop()

	_, open := <-s.Results()
	assert.False(t, open)
	assert.Equal(t, billing.StateStopped, s.State())
	assert.True(t, f.balance(t, "viewer-ben").Equal(decimal.NewFromInt(95)))
}
