package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/battery"
	"github.com/chargepilot/chargepilot/pkg/clock"
	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/status"
	"github.com/chargepilot/chargepilot/pkg/store"
	"github.com/chargepilot/chargepilot/pkg/tariff"
	"github.com/chargepilot/chargepilot/pkg/types"
)

// Planner selects the cheapest upcoming tariff slots and inserts them as
// pending schedules. It never mutates existing rows.
type Planner struct {
	store   *store.Store
	tariff  tariff.Source
	battery battery.Controller
	clk     clock.Clock
	tracker *status.Tracker

	targetSOC        int
	slotHours        float64
	runsPerDay       int
	recommendedSlots int

	mu      sync.Mutex
	lastRun time.Time
}

// Configured returns a Planner configured via lflag.
func Configured(s *store.Store, t tariff.Source, b battery.Controller, clk clock.Clock, tracker *status.Tracker) *Planner {
	targetSOC := lflag.String("target-soc", "95", "SoC percent the planner aims to reach")
	slotHours := lflag.String("slot-hours", "0.5", "Length of one tariff slot in hours")
	runsPerDay := lflag.String("scheduler-runs-per-day", "3", "How many times per day the planner runs")
	recommendedSlots := lflag.String("recommended-slots", "5", "Slot count used when the battery SoC is unavailable")

	p := &Planner{
		store:   s,
		tariff:  t,
		battery: b,
		clk:     clk,
		tracker: tracker,
	}

	lflag.Do(func() {
		var err error
		if p.targetSOC, err = strconv.Atoi(*targetSOC); err != nil {
			panic(fmt.Sprintf("invalid target-soc: %v", err))
		}
		if p.slotHours, err = strconv.ParseFloat(*slotHours, 64); err != nil {
			panic(fmt.Sprintf("invalid slot-hours: %v", err))
		}
		if p.runsPerDay, err = strconv.Atoi(*runsPerDay); err != nil {
			panic(fmt.Sprintf("invalid scheduler-runs-per-day: %v", err))
		}
		if p.recommendedSlots, err = strconv.Atoi(*recommendedSlots); err != nil {
			panic(fmt.Sprintf("invalid recommended-slots: %v", err))
		}
	})

	return p
}

// New returns a Planner with explicit settings. This is primarily used for
// testing.
func New(s *store.Store, t tariff.Source, b battery.Controller, clk clock.Clock, tracker *status.Tracker,
	targetSOC int, slotHours float64, runsPerDay, recommendedSlots int) *Planner {
	return &Planner{
		store:            s,
		tariff:           t,
		battery:          b,
		clk:              clk,
		tracker:          tracker,
		targetSOC:        targetSOC,
		slotHours:        slotHours,
		runsPerDay:       runsPerDay,
		recommendedSlots: recommendedSlots,
	}
}

// MaybeRun runs the planner when it has never run or when more than
// 24/runs-per-day hours have elapsed since the last run.
func (p *Planner) MaybeRun(ctx context.Context) {
	p.mu.Lock()
	interval := time.Duration(float64(24*time.Hour) / float64(max(1, p.runsPerDay)))
	due := p.lastRun.IsZero() || p.clk.Now().Sub(p.lastRun) > interval
	p.mu.Unlock()
	if !due {
		return
	}
	p.Run(ctx)
}

// Run selects and inserts charge slots immediately.
func (p *Planner) Run(ctx context.Context) {
	now := p.clk.Now()
	p.mu.Lock()
	p.lastRun = now
	p.mu.Unlock()
	if p.tracker != nil {
		p.tracker.Update(func(s *types.StatusSnapshot) {
			s.LastSchedulerRun = now.In(p.clk.Location()).Format("2006-01-02 15:04:05")
		})
	}

	slots := p.slotsNeeded(ctx)

	rates, err := p.tariff.Rates(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "planner failed to fetch rates", slog.Any("error", err))
		return
	}
	chosen := cheapestUpcoming(rates, now, slots)
	if len(chosen) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no upcoming cheap slots found")
		return
	}

	batch := make([]store.NewSchedule, 0, len(chosen))
	for _, r := range chosen {
		price := r.PencePerKWH
		batch = append(batch, store.NewSchedule{
			Start:     r.ValidFrom,
			End:       r.ValidTo,
			Mode:      types.ModeAutonomous,
			TargetSOC: battery.Config().ReserveStart,
			Price:     &price,
		})
	}
	inserted, err := p.store.AddBatch(batch)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "planner failed to insert slots", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "planner complete",
		slog.Int("selected", len(chosen)), slog.Int("inserted", inserted))
}

// slotsNeeded derives how many slots to book from the SoC deficit, falling
// back to the configured count when the battery is unreachable.
func (p *Planner) slotsNeeded(ctx context.Context) int {
	bs, err := p.battery.Status(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "battery unavailable, using fallback slot count",
			slog.Any("error", err), slog.Int("slots", p.recommendedSlots))
		return max(1, p.recommendedSlots)
	}

	cfg := battery.Config()
	kwhNeeded := math.Max(0, float64(p.targetSOC)-bs.PercentageCharged) / 100 * cfg.CapacityKWH
	hoursNeeded := kwhNeeded / cfg.ChargeRateKW
	slots := int(math.Ceil(hoursNeeded / p.slotHours))
	return max(1, slots)
}

// cheapestUpcoming drops rates that have already ended and returns the n
// cheapest of the rest, sorted by start time. Ties go to the earlier slot.
func cheapestUpcoming(rates []types.Rate, now time.Time, n int) []types.Rate {
	upcoming := make([]types.Rate, 0, len(rates))
	for _, r := range rates {
		if r.ValidTo.After(now) {
			upcoming = append(upcoming, r)
		}
	}
	sort.Slice(upcoming, func(i, j int) bool {
		if upcoming[i].PencePerKWH != upcoming[j].PencePerKWH {
			return upcoming[i].PencePerKWH < upcoming[j].PencePerKWH
		}
		return upcoming[i].ValidFrom.Before(upcoming[j].ValidFrom)
	})
	if len(upcoming) > n {
		upcoming = upcoming[:n]
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].ValidFrom.Before(upcoming[j].ValidFrom) })
	return upcoming
}
