package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargepilot/chargepilot/pkg/battery"
	"github.com/chargepilot/chargepilot/pkg/clock"
	"github.com/chargepilot/chargepilot/pkg/status"
	"github.com/chargepilot/chargepilot/pkg/store"
	"github.com/chargepilot/chargepilot/pkg/types"
	"github.com/chargepilot/chargepilot/pkg/wake"
)

type fakeTariff struct {
	rate float64
	ok   bool
}

func (f *fakeTariff) Rates(ctx context.Context) ([]types.Rate, error) { return nil, nil }

func (f *fakeTariff) RateFor(ctx context.Context, start, end time.Time) (float64, bool) {
	return f.rate, f.ok
}

type fakeSolar struct{ enough bool }

func (f *fakeSolar) HasEnoughSolar(ctx context.Context, start, end time.Time, targetKWH float64) bool {
	return f.enough
}

type fakeSavings struct {
	sessions []types.SavingSession
	err      error
}

func (f *fakeSavings) ActiveSessions(ctx context.Context) ([]types.SavingSession, error) {
	return f.sessions, f.err
}

// scriptedBattery lets tests mutate state as the executor observes it.
type scriptedBattery struct {
	mu       sync.Mutex
	status   types.BatteryStatus
	err      error
	calls    []battery.SetChargeCall
	n        int
	onStatus func(n int)
}

func (b *scriptedBattery) Status(ctx context.Context) (types.BatteryStatus, error) {
	b.mu.Lock()
	b.n++
	n := b.n
	hook := b.onStatus
	b.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return types.BatteryStatus{}, b.err
	}
	return b.status, nil
}

func (b *scriptedBattery) SetCharge(ctx context.Context, reserve int, gridCharging bool, mode string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, battery.SetChargeCall{Reserve: reserve, GridCharging: gridCharging, Mode: mode})
	return nil
}

func (b *scriptedBattery) recorded() []battery.SetChargeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]battery.SetChargeCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *scriptedBattery) setSOC(soc float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.PercentageCharged = soc
}

type fixture struct {
	exec    *Executor
	store   *store.Store
	battery *scriptedBattery
	tariff  *fakeTariff
	solar   *fakeSolar
	savings *fakeSavings
	clk     *clock.Fake
	wake    *wake.Signal
	tracker *status.Tracker
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	battery.SetConfig(battery.Params{ReserveStart: 80, ReserveEnd: 20, CapacityKWH: 13.5, ChargeRateKW: 5})

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:   s,
		battery: &scriptedBattery{status: types.BatteryStatus{PercentageCharged: 40, IslandStatus: "on_grid", SolarPower: 100}},
		tariff:  &fakeTariff{rate: 5, ok: true},
		solar:   &fakeSolar{},
		savings: &fakeSavings{},
		clk:     clock.NewFake(now, time.UTC),
		wake:    wake.New(),
		tracker: status.New(),
	}
	f.exec = New(Deps{
		Store:   f.store,
		Battery: f.battery,
		Tariff:  f.tariff,
		Solar:   f.solar,
		Savings: f.savings,
		Clock:   f.clk,
		Wake:    f.wake,
		Tracker: f.tracker,
	}, clock.Window{StartHour: 16, EndHour: 19}, 22, 80,
		time.Minute, 50*time.Millisecond, 10*time.Millisecond, 5*time.Minute)
	f.exec.heartbeat = 5 * time.Millisecond
	return f
}

func (f *fixture) addSchedule(t *testing.T, start, end time.Time, price *float64) types.Schedule {
	t.Helper()
	_, err := f.store.AddSchedule(start, end, types.ModeAutonomous, price)
	require.NoError(t, err)
	pending, err := f.store.FetchPending()
	require.NoError(t, err)
	return pending[len(pending)-1]
}

func (f *fixture) lastDecision(t *testing.T) types.Decision {
	t.Helper()
	decisions, err := f.store.Decisions(1)
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	return decisions[0]
}

func TestPeakWindowCancelled(t *testing.T) {
	now := time.Date(2026, 3, 1, 16, 59, 30, 0, time.UTC)
	f := newFixture(t, now)
	row := f.addSchedule(t, time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 17, 30, 0, 0, time.UTC), nil)

	// due-soon but within the peak window: start is reached before processing
	f.clk.SetNow(row.StartTime)
	f.exec.processRow(context.Background(), row)

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCancelled, d.Action)
	assert.Equal(t, "peak_window", d.Reason)
	sched, err := f.store.Get(row.ID)
	require.NoError(t, err)
	assert.False(t, sched.Pending())
	assert.Empty(t, f.battery.recorded(), "no battery command for a peak cancellation")
	_, active := f.tracker.Active()
	assert.False(t, active)
}

func TestOffGridCancelled(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.battery.status.IslandStatus = "off_grid_unintentional"
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)

	f.exec.processRow(context.Background(), row)

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCancelled, d.Action)
	assert.Equal(t, "Powerwall off-grid", d.Reason)
	assert.Empty(t, f.battery.recorded())
}

func TestSavingSessionCancelled(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.savings.sessions = []types.SavingSession{{StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour)}}
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)

	f.exec.processRow(context.Background(), row)

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCancelled, d.Action)
	assert.Equal(t, "Saving sessions", d.Reason)
}

func TestSavingSessionFailureDoesNotBlock(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.savings.err = errors.New("kraken down")
	f.battery.status.PercentageCharged = 90
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)

	f.exec.processRow(context.Background(), row)

	// falls through to the SoC gate instead of erroring out
	d := f.lastDecision(t)
	assert.Equal(t, "soc_high_90", d.Reason)
}

func TestSoCHighCancelled(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.battery.status.PercentageCharged = 85.5
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)

	f.exec.processRow(context.Background(), row)

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCancelled, d.Action)
	assert.Equal(t, "soc_high_85.5", d.Reason)
	assert.Empty(t, f.battery.recorded())
}

func TestPriceHighCancelled(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.tariff.rate = 30.5
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)

	f.exec.processRow(context.Background(), row)

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCancelled, d.Action)
	assert.Equal(t, "price_high_30.5p>limit_22p", d.Reason)
}

func TestPriceFallsBackToStored(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.tariff.ok = false
	price := 25.0
	row := f.addSchedule(t, now, now.Add(30*time.Minute), &price)

	f.exec.processRow(context.Background(), row)

	d := f.lastDecision(t)
	assert.Equal(t, "price_high_25p>limit_22p", d.Reason)
}

func TestSolarSufficientCancelled(t *testing.T) {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.solar.enough = true
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)

	f.exec.processRow(context.Background(), row)

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCancelled, d.Action)
	assert.Equal(t, "Forecasted enough Solar for schedule", d.Reason)
	calls := f.battery.recorded()
	require.Len(t, calls, 1, "solar-only switch turns grid charging off")
	assert.Equal(t, battery.SetChargeCall{Reserve: 20, GridCharging: false}, calls[0])
}

func TestChargeToCompletion(t *testing.T) {
	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	f := newFixture(t, start)
	row := f.addSchedule(t, start, end, nil)

	// advance ten simulated minutes on each heartbeat status read
	f.battery.onStatus = func(n int) {
		if n >= 2 {
			f.clk.Advance(10 * time.Minute)
		}
	}

	f.exec.processRow(context.Background(), row)

	calls := f.battery.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, battery.SetChargeCall{Reserve: 80, GridCharging: true, Mode: "autonomous"}, calls[0])
	assert.Equal(t, battery.SetChargeCall{Reserve: 20, GridCharging: false}, calls[len(calls)-1])

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCompleted, d.Action)
	assert.Equal(t, "Successful", d.Reason)
	sched, err := f.store.Get(row.ID)
	require.NoError(t, err)
	assert.True(t, sched.Executed)
	_, active := f.tracker.Active()
	assert.False(t, active)
}

func TestHighSoCStillBelowSkipUsesThresholdReserve(t *testing.T) {
	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	f.battery.setSOC(79.5)
	battery.SetConfig(battery.Params{ReserveStart: 70, ReserveEnd: 20, CapacityKWH: 13.5, ChargeRateKW: 5})
	row := f.addSchedule(t, start, start.Add(30*time.Minute), nil)

	f.battery.onStatus = func(n int) {
		if n >= 2 {
			f.clk.Advance(15 * time.Minute)
		}
	}
	f.exec.processRow(context.Background(), row)

	// SoC is above ReserveStart, so reserve is raised to the skip threshold
	calls := f.battery.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, 80, calls[0].Reserve)
}

func TestManualOverrideEarlyExit(t *testing.T) {
	start := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	f := newFixture(t, start)

	_, err := f.store.AddManualOverride(start, end, 100)
	require.NoError(t, err)
	pending, err := f.store.FetchPending()
	require.NoError(t, err)
	row := pending[0]

	// price and solar gates would fire for an autonomous row
	f.tariff.rate = 50
	f.solar.enough = true
	f.battery.setSOC(90)
	f.battery.onStatus = func(n int) {
		if n >= 2 {
			f.battery.setSOC(90 + float64(n)*5)
		}
	}

	f.exec.processRow(context.Background(), row)

	calls := f.battery.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, battery.SetChargeCall{Reserve: 100, GridCharging: true}, calls[0], "gates bypassed, reserve is the target SoC")
	assert.Equal(t, battery.SetChargeCall{Reserve: 20, GridCharging: false}, calls[len(calls)-1])

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCompleted, d.Action)
	assert.Equal(t, "Manual override successful", d.Reason)
}

func TestChainedScheduleKeepsChargingOn(t *testing.T) {
	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	f := newFixture(t, start)
	row := f.addSchedule(t, start, end, nil)
	f.addSchedule(t, end, end.Add(30*time.Minute), nil)

	f.battery.onStatus = func(n int) {
		if n >= 2 {
			f.clk.Advance(15 * time.Minute)
		}
	}
	f.exec.processRow(context.Background(), row)

	calls := f.battery.recorded()
	require.Len(t, calls, 1, "grid charging stays on into the chained slot")
	assert.True(t, calls[0].GridCharging)

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionCompleted, d.Action)
	sched, err := f.store.Get(row.ID)
	require.NoError(t, err)
	assert.True(t, sched.Executed)
}

func TestWakeDuringChargeReleasesDeletedSchedule(t *testing.T) {
	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	// clock never advances: the hold only ends via the wake path
	row := f.addSchedule(t, start, start.Add(30*time.Minute), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.exec.processRow(context.Background(), row)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, f.store.Remove(row.ID))
	f.wake.Set()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not release the deleted schedule")
	}

	calls := f.battery.recorded()
	require.NotEmpty(t, calls)
	assert.True(t, calls[0].GridCharging, "charge had started")
	for _, c := range calls[1:] {
		assert.True(t, c.GridCharging, "executor does not issue the stop; the delete path owns it")
	}
	_, active := f.tracker.Active()
	assert.False(t, active)
	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionDeleted, d.Action)
}

func TestBatteryUnavailableDefers(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.battery.err = errors.New("timeout")
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)

	f.exec.processRow(context.Background(), row)

	sched, err := f.store.Get(row.ID)
	require.NoError(t, err)
	assert.True(t, sched.Pending(), "no terminal decision on a transient failure")
	n, err := f.store.RetryCount(row.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a second deferral within the grace interval does not stamp again
	f.exec.processRow(context.Background(), row)
	n, err = f.store.RetryCount(row.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBadDatetimeErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)
	row.StartTime = time.Time{}

	f.exec.processRow(context.Background(), row)

	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionError, d.Action)
	assert.Equal(t, "bad_datetime", d.Reason)
	sched, err := f.store.Get(row.ID)
	require.NoError(t, err)
	assert.False(t, sched.Pending())
}

func TestPastEndExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	row := f.addSchedule(t, now.Add(-time.Hour), now.Add(-30*time.Minute), nil)

	f.exec.processRow(context.Background(), row)

	sched, err := f.store.Get(row.ID)
	require.NoError(t, err)
	assert.True(t, sched.Expired)
	assert.False(t, sched.Executed)
	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionExpired, d.Action)
	assert.Equal(t, "schedule_missed", d.Reason)
}

func TestSafeShutdownStopsActiveCharge(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	row := f.addSchedule(t, now, now.Add(30*time.Minute), nil)
	f.tracker.SetActive(row.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.exec.Run(ctx)

	calls := f.battery.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, battery.SetChargeCall{Reserve: 20, GridCharging: false}, calls[len(calls)-1])
	d := f.lastDecision(t)
	assert.Equal(t, types.DecisionStopped, d.Action)
	assert.Equal(t, "manual_interrupt", d.Reason)
	sched, err := f.store.Get(row.ID)
	require.NoError(t, err)
	assert.False(t, sched.Pending())
	_, active := f.tracker.Active()
	assert.False(t, active)
}

func TestTickIdleWhenNothingPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)

	// pre-raised wake makes the idle sleep return immediately
	f.wake.Set()
	f.exec.tick(context.Background())

	assert.Contains(t, f.tracker.Snapshot().Message, "idle")
	assert.False(t, f.wake.IsSet(), "observed wake is consumed")
}

func TestTickExpiresAndSelectsDueRow(t *testing.T) {
	now := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	// one already past, one due now (in peak so it terminalises immediately)
	f.addSchedule(t, now.Add(-2*time.Hour), now.Add(-time.Hour), nil)
	f.addSchedule(t, now, now.Add(30*time.Minute), nil)

	f.exec.tick(context.Background())

	pending, err := f.store.FetchPending()
	require.NoError(t, err)
	assert.Empty(t, pending, "past row expired, due row cancelled in peak")
}
