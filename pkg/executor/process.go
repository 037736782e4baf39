package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/chargepilot/chargepilot/pkg/battery"
	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/savings"
	"github.com/chargepilot/chargepilot/pkg/types"
)

// processRow drives a single schedule to a decision. Pre-action gates run in
// a fixed order; the first one that fires writes a decision and returns.
func (e *Executor) processRow(ctx context.Context, row types.Schedule) {
	l := log.Schedule(ctx, row.ID)
	l.InfoContext(ctx, "processing schedule",
		slog.Time("start", row.StartTime), slog.Time("end", row.EndTime))

	if row.StartTime.IsZero() || row.EndTime.IsZero() || !row.StartTime.Before(row.EndTime) {
		l.ErrorContext(ctx, "invalid schedule window")
		e.decide(ctx, row, types.DecisionError, "bad_datetime", nil)
		return
	}

	bs, err := e.battery.Status(ctx)
	if err != nil {
		// transient: leave the row pending and reconsider next tick
		l.WarnContext(ctx, "battery status unavailable, deferring", slog.Any("error", err))
		e.stampRetry(ctx, row.ID)
		e.sleepWithHeartbeat(ctx, e.pollInterval, fmt.Sprintf("Schedule %d deferred, battery status unavailable", row.ID))
		return
	}
	if row.RetryCount > 0 {
		if err := e.store.ResetRetry(row.ID); err != nil {
			l.WarnContext(ctx, "failed to reset retry count", slog.Any("error", err))
		}
	}
	soc := bs.PercentageCharged
	e.tracker.Update(func(s *types.StatusSnapshot) {
		s.SOC = &bs.PercentageCharged
		s.SolarPower = &bs.SolarPower
		s.Island = bs.IslandStatus
	})

	if strings.HasPrefix(strings.ToLower(bs.IslandStatus), "off_grid") {
		e.decide(ctx, row, types.DecisionCancelled, "Powerwall off-grid", &bs)
		return
	}

	// saving-session failures never block charging
	sessions, err := e.savings.ActiveSessions(ctx)
	if err != nil {
		l.WarnContext(ctx, "saving sessions unavailable, continuing", slog.Any("error", err))
	} else if savings.Overlaps(row.StartTime, row.EndTime, sessions) {
		e.decide(ctx, row, types.DecisionCancelled, "Saving sessions", &bs)
		return
	}

	now := e.clk.Now()
	if !now.Before(row.EndTime) {
		if _, err := e.store.MarkAllExpired(now); err != nil {
			l.ErrorContext(ctx, "failed to expire schedule", slog.Any("error", err))
		}
		e.tracker.SetMessage(fmt.Sprintf("Schedule %d expired", row.ID))
		return
	}

	if now.Before(row.StartTime) {
		delta := row.StartTime.Sub(now)
		l.InfoContext(ctx, "waiting for schedule start", slog.Duration("in", delta))
		if delta > e.heartbeat {
			delta = e.heartbeat
		}
		e.sleepWithHeartbeat(ctx, delta, fmt.Sprintf("Waiting to start schedule %d", row.ID))
		return
	}

	e.tracker.SetActive(row.ID)

	price, ok := e.tariff.RateFor(ctx, row.StartTime, row.EndTime)
	if !ok {
		price = e.store.StoredPrice(row.ID)
	}
	e.tracker.Update(func(s *types.StatusSnapshot) {
		s.CurrentPrice = &price
		s.Message = fmt.Sprintf("Charging from grid for schedule %d", row.ID)
	})
	l.InfoContext(ctx, "current unit price", slog.Float64("p_per_kwh", price))

	cfg := battery.Config()

	if !row.ManualOverride {
		if e.peak.Contains(row.StartTime, e.clk.Location()) || e.peak.Contains(row.EndTime, e.clk.Location()) {
			e.decide(ctx, row, types.DecisionCancelled, "peak_window", &bs)
			return
		}
		if soc >= e.socSkipThreshold {
			e.decide(ctx, row, types.DecisionCancelled, "soc_high_"+formatFloat(soc), &bs)
			return
		}
		if price > e.maxPricePPerKWH {
			reason := fmt.Sprintf("price_high_%sp>limit_%sp", formatFloat(price), formatFloat(e.maxPricePPerKWH))
			e.decide(ctx, row, types.DecisionCancelled, reason, &bs)
			return
		}
		if e.solar.HasEnoughSolar(ctx, row.StartTime, row.EndTime, cfg.ChargeRateKW) {
			if err := e.battery.SetCharge(ctx, cfg.ReserveEnd, false, ""); err != nil {
				l.ErrorContext(ctx, "failed to enable solar-only charging", slog.Any("error", err))
			}
			e.decide(ctx, row, types.DecisionCancelled, "Forecasted enough Solar for schedule", &bs)
			return
		}
	}

	reserve := cfg.ReserveStart
	mode := types.ModeAutonomous
	if row.ManualOverride {
		reserve = row.TargetSOC
		mode = ""
	} else if soc >= float64(cfg.ReserveStart) {
		reserve = int(e.socSkipThreshold)
	}

	if err := e.battery.SetCharge(ctx, reserve, true, mode); err != nil {
		l.ErrorContext(ctx, "failed to start charging", slog.Any("error", err))
		e.abort(ctx, row, &bs)
		return
	}
	l.InfoContext(ctx, "charging started", slog.Int("reserve", reserve))

	finalSOC, aborted := e.holdCharge(ctx, row, soc)
	if aborted {
		return
	}
	bs.PercentageCharged = finalSOC

	// back-to-back slot: keep grid charging on and let the outer loop
	// pick up the next row
	next, err := e.store.NextAfter(row.EndTime, chainLookahead)
	if err != nil {
		l.ErrorContext(ctx, "failed to look up chained schedule", slog.Any("error", err))
	}
	if next != nil {
		l.InfoContext(ctx, "chaining into next schedule", slog.Int64("next_id", next.ID))
		reason := "Successful"
		if row.ManualOverride {
			reason = "Manual override successful"
		}
		e.decide(ctx, row, types.DecisionCompleted, reason, &bs)
		e.tracker.SetMessage(fmt.Sprintf("Charging continues into next schedule %d", next.ID))
		return
	}

	if err := e.battery.SetCharge(ctx, cfg.ReserveEnd, false, ""); err != nil {
		l.ErrorContext(ctx, "failed to stop charging", slog.Any("error", err))
		e.abort(ctx, row, &bs)
		return
	}

	reason := "Successful"
	if row.ManualOverride {
		reason = "Manual override successful"
	}
	e.decide(ctx, row, types.DecisionCompleted, reason, &bs)
	l.InfoContext(ctx, "schedule completed", slog.Float64("soc", finalSOC))
}

// holdCharge sleeps in heartbeat chunks until the window ends or, for manual
// overrides, until the target SoC is reached. It returns the last observed
// SoC and whether processing already terminalised the row.
func (e *Executor) holdCharge(ctx context.Context, row types.Schedule, soc float64) (float64, bool) {
	l := log.Schedule(ctx, row.ID)
	for {
		now := e.clk.Now()
		if !now.Before(row.EndTime) {
			return soc, false
		}
		if ctx.Err() != nil {
			e.safeShutdown()
			return soc, true
		}

		chunk := e.heartbeat
		if remaining := row.EndTime.Sub(now); remaining < chunk {
			chunk = remaining
		}
		if e.wake.Wait(ctx, chunk) {
			e.wake.Clear()
			// the operator may have deleted this schedule mid-charge
			current, err := e.store.Get(row.ID)
			if err != nil || !current.Pending() {
				l.InfoContext(ctx, "schedule no longer pending, releasing")
				e.tracker.ClearActive()
				return soc, true
			}
		}

		bs, err := e.battery.Status(ctx)
		if err != nil {
			l.WarnContext(ctx, "battery status unavailable during charge", slog.Any("error", err))
			continue
		}
		soc = bs.PercentageCharged
		e.tracker.Update(func(s *types.StatusSnapshot) {
			s.SOC = &bs.PercentageCharged
			s.SolarPower = &bs.SolarPower
			s.Island = bs.IslandStatus
			if row.ManualOverride {
				s.Message = fmt.Sprintf("Manual override charging to %d%%, current SOC: %s%%",
					row.TargetSOC, formatFloat(soc))
			} else {
				s.Message = fmt.Sprintf("Charging from grid for schedule %d, current SOC: %s%%",
					row.ID, formatFloat(soc))
			}
		})

		if row.ManualOverride && soc >= float64(row.TargetSOC) {
			l.InfoContext(ctx, "target SoC reached", slog.Float64("soc", soc))
			return soc, false
		}
	}
}

// decide writes the audit row and terminal label, publishes status, and
// clears the active schedule id.
func (e *Executor) decide(ctx context.Context, row types.Schedule, action, reason string, bs *types.BatteryStatus) {
	d := types.Decision{
		ScheduleID:   row.ID,
		StartTime:    &row.StartTime,
		EndTime:      &row.EndTime,
		Action:       action,
		Reason:       reason,
		PricePPerKWH: row.PricePPerKWH,
	}
	if bs != nil {
		d.SOC = &bs.PercentageCharged
		d.SolarPower = &bs.SolarPower
		d.IslandStatus = bs.IslandStatus
	}
	if err := e.store.AddDecision(d); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record decision", slog.Any("error", err))
	}
	if err := e.store.MarkTerminal(row.ID, action); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to mark schedule terminal", slog.Any("error", err))
	}
	e.tracker.Update(func(s *types.StatusSnapshot) {
		s.ActiveScheduleID = nil
		s.Message = fmt.Sprintf("Schedule %d %s: %s", row.ID, action, reason)
	})
	log.Ctx(ctx).InfoContext(ctx, "schedule decision",
		slog.Int64("schedule_id", row.ID), slog.String("action", action), slog.String("reason", reason))
}

// abort forces the battery into a safe state and terminalises the row.
func (e *Executor) abort(ctx context.Context, row types.Schedule, bs *types.BatteryStatus) {
	cfg := battery.Config()
	if err := e.battery.SetCharge(ctx, cfg.ReserveEnd, false, ""); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to stop charging during abort", slog.Any("error", err))
	}
	e.decide(ctx, row, types.DecisionAborted, "System_Error", bs)
}

// stampRetry records a transient deferral, at most once per grace interval.
func (e *Executor) stampRetry(ctx context.Context, id int64) {
	last, err := e.store.LastRetry(id)
	if err != nil {
		return
	}
	if last != nil && e.clk.Now().Sub(*last) < e.graceRetry {
		return
	}
	if err := e.store.UpdateLastRetry(id); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to stamp retry", slog.Any("error", err))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
