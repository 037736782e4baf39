package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/battery"
	"github.com/chargepilot/chargepilot/pkg/clock"
	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/planner"
	"github.com/chargepilot/chargepilot/pkg/savings"
	"github.com/chargepilot/chargepilot/pkg/solar"
	"github.com/chargepilot/chargepilot/pkg/status"
	"github.com/chargepilot/chargepilot/pkg/store"
	"github.com/chargepilot/chargepilot/pkg/tariff"
	"github.com/chargepilot/chargepilot/pkg/types"
	"github.com/chargepilot/chargepilot/pkg/wake"
)

const chainLookahead = 30 * time.Minute

// Executor drives pending schedules through their lifecycle. It is the only
// writer of battery commands and of the active schedule id, and never runs
// concurrently with itself.
type Executor struct {
	store   *store.Store
	battery battery.Controller
	tariff  tariff.Source
	solar   solar.Forecaster
	savings savings.Source
	planner *planner.Planner
	clk     clock.Clock
	wake    *wake.Signal
	tracker *status.Tracker

	peak             clock.Window
	maxPricePPerKWH  float64
	socSkipThreshold float64
	sleepAhead       time.Duration
	idleSleep        time.Duration
	pollInterval     time.Duration
	graceRetry       time.Duration
	retentionDays    int

	heartbeat time.Duration
	lastPurge time.Time
}

// Deps are the collaborators an Executor needs.
type Deps struct {
	Store   *store.Store
	Battery battery.Controller
	Tariff  tariff.Source
	Solar   solar.Forecaster
	Savings savings.Source
	Planner *planner.Planner
	Clock   clock.Clock
	Wake    *wake.Signal
	Tracker *status.Tracker
}

// Configured returns an Executor configured via lflag.
func Configured(d Deps) *Executor {
	peakStart := lflag.String("peak-start-hour", "16", "Hour the local peak window opens")
	peakEnd := lflag.String("peak-end-hour", "19", "Hour the local peak window closes")
	maxPrice := lflag.String("max-agile-price", "22", "Unit price ceiling in p/kWh above which charges are cancelled")
	socSkip := lflag.String("soc-skip-threshold", "80", "SoC percent at or above which charges are skipped")
	sleepAhead := lflag.Duration("executor-sleep-ahead", time.Minute, "How early before start a schedule becomes due")
	idleSleep := lflag.Duration("executor-idle-sleep", 5*time.Minute, "Sleep when no schedules are pending")
	pollInterval := lflag.Duration("executor-poll-interval", 15*time.Second, "Lower bound on sleeps between evaluations")
	graceRetry := lflag.Duration("grace-retry-interval", 5*time.Minute, "Minimum gap between transient-deferral stamps")
	retention := lflag.String("history-retention-days", "90", "Days of executed schedules and decisions to keep; 0 disables purging")

	e := &Executor{
		store:     d.Store,
		battery:   d.Battery,
		tariff:    d.Tariff,
		solar:     d.Solar,
		savings:   d.Savings,
		planner:   d.Planner,
		clk:       d.Clock,
		wake:      d.Wake,
		tracker:   d.Tracker,
		heartbeat: time.Minute,
	}

	lflag.Do(func() {
		startHour, err := strconv.Atoi(*peakStart)
		if err != nil {
			panic(fmt.Sprintf("invalid peak-start-hour: %v", err))
		}
		endHour, err := strconv.Atoi(*peakEnd)
		if err != nil {
			panic(fmt.Sprintf("invalid peak-end-hour: %v", err))
		}
		e.peak = clock.Window{StartHour: startHour, EndHour: endHour}
		if e.maxPricePPerKWH, err = strconv.ParseFloat(*maxPrice, 64); err != nil {
			panic(fmt.Sprintf("invalid max-agile-price: %v", err))
		}
		if e.socSkipThreshold, err = strconv.ParseFloat(*socSkip, 64); err != nil {
			panic(fmt.Sprintf("invalid soc-skip-threshold: %v", err))
		}
		e.sleepAhead = *sleepAhead
		e.idleSleep = *idleSleep
		e.pollInterval = *pollInterval
		e.graceRetry = *graceRetry
		if e.retentionDays, err = strconv.Atoi(*retention); err != nil {
			panic(fmt.Sprintf("invalid history-retention-days: %v", err))
		}
	})

	return e
}

// New returns an Executor with explicit settings. This is primarily used for
// testing.
func New(d Deps, peak clock.Window, maxPrice, socSkip float64,
	sleepAhead, idleSleep, pollInterval, graceRetry time.Duration) *Executor {
	return &Executor{
		store:            d.Store,
		battery:          d.Battery,
		tariff:           d.Tariff,
		solar:            d.Solar,
		savings:          d.Savings,
		planner:          d.Planner,
		clk:              d.Clock,
		wake:             d.Wake,
		tracker:          d.Tracker,
		peak:             peak,
		maxPricePPerKWH:  maxPrice,
		socSkipThreshold: socSkip,
		sleepAhead:       sleepAhead,
		idleSleep:        idleSleep,
		pollInterval:     pollInterval,
		graceRetry:       graceRetry,
		heartbeat:        time.Minute,
	}
}

// Run executes the control loop until ctx is cancelled, then performs the
// safe-shutdown path for any active schedule before returning.
func (e *Executor) Run(ctx context.Context) {
	log.Ctx(ctx).InfoContext(ctx, "executor started")
	for {
		if ctx.Err() != nil {
			e.safeShutdown()
			return
		}
		e.tick(ctx)
	}
}

// tick is one pass of the outer loop.
func (e *Executor) tick(ctx context.Context) {
	now := e.clk.Now()

	if e.retentionDays > 0 && now.Sub(e.lastPurge) >= 24*time.Hour {
		if err := e.store.PurgeOldExecuted(e.retentionDays); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to purge old schedules", slog.Any("error", err))
		}
		e.lastPurge = now
	}

	if n, err := e.store.MarkAllExpired(now); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to expire past schedules", slog.Any("error", err))
	} else if n > 0 {
		log.Ctx(ctx).InfoContext(ctx, "expired past schedules", slog.Int("count", n))
	}

	if e.planner != nil {
		e.planner.MaybeRun(ctx)
	}

	pending, err := e.store.FetchPending()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch pending schedules", slog.Any("error", err))
		e.sleepWithHeartbeat(ctx, e.pollInterval, "Store unavailable, retrying")
		return
	}

	if len(pending) == 0 {
		e.tracker.Update(func(s *types.StatusSnapshot) {
			s.Message = "No pending schedules, idle"
			s.ActiveScheduleID = nil
		})
		e.sleepWithHeartbeat(ctx, e.idleSleep, "No pending schedules, idle")
		return
	}

	// pick the first active or due-soon row, else remember the earliest
	// future start
	var candidate *types.Schedule
	var earliest time.Time
	for i := range pending {
		row := pending[i]
		untilStart := row.StartTime.Sub(now)
		if (!row.StartTime.After(now) && now.Before(row.EndTime)) ||
			(untilStart >= 0 && untilStart <= e.sleepAhead) {
			candidate = &row
			break
		}
		if earliest.IsZero() || row.StartTime.Before(earliest) {
			earliest = row.StartTime
		}
	}

	if candidate != nil {
		e.processRow(ctx, *candidate)
		return
	}

	sleep := e.idleSleep
	msg := "No upcoming schedules, idle"
	if !earliest.IsZero() {
		sleep = earliest.Sub(now) - e.sleepAhead
		if sleep < e.pollInterval {
			sleep = e.pollInterval
		}
		msg = fmt.Sprintf("Awaiting next schedule at %s",
			earliest.In(e.clk.Location()).Format("15:04"))
		e.tracker.Update(func(s *types.StatusSnapshot) {
			s.NextScheduleTime = earliest.In(e.clk.Location()).Format("2006-01-02 15:04")
		})
	}
	e.sleepWithHeartbeat(ctx, sleep, msg)
}

// sleepWithHeartbeat sleeps in heartbeat chunks, publishing the message and
// returning early when the wake signal fires or ctx is done. It reports
// whether it was woken.
func (e *Executor) sleepWithHeartbeat(ctx context.Context, total time.Duration, msg string) bool {
	e.tracker.SetMessage(msg)
	deadline := time.Now().Add(total)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return false
		}
		chunk := e.heartbeat
		if remaining < chunk {
			chunk = remaining
		}
		if e.wake.Wait(ctx, chunk) {
			e.wake.Clear()
			log.Ctx(ctx).InfoContext(ctx, "executor woken early")
			return true
		}
	}
}

// safeShutdown places the battery in a safe state when a schedule is active
// at process exit.
func (e *Executor) safeShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, ok := e.tracker.Active()
	if !ok {
		log.Ctx(ctx).InfoContext(ctx, "executor interrupted with no active schedule")
		return
	}
	log.Ctx(ctx).WarnContext(ctx, "executor interrupted, stopping active charge", slog.Int64("schedule_id", id))

	cfg := battery.Config()
	var soc *float64
	if bs, err := e.battery.Status(ctx); err == nil {
		soc = &bs.PercentageCharged
	}
	if err := e.battery.SetCharge(ctx, cfg.ReserveEnd, false, ""); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to stop charging during shutdown", slog.Any("error", err))
	}
	if err := e.store.AddDecision(types.Decision{
		ScheduleID: id,
		Action:     types.DecisionStopped,
		Reason:     "manual_interrupt",
		SOC:        soc,
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record stop decision", slog.Any("error", err))
	}
	if err := e.store.MarkTerminal(id, types.DecisionStopped); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to mark schedule stopped", slog.Any("error", err))
	}
	e.tracker.Update(func(s *types.StatusSnapshot) {
		s.ActiveScheduleID = nil
		s.Message = fmt.Sprintf("Manually stopped schedule %d", id)
	})
}
