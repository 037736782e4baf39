package battery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/types"
)

// Simulator implements Controller with canned responses and no network
// calls. Enabled via the simulation flag.
type Simulator struct{}

// NewSimulator returns a Simulator.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// Status returns a fixed healthy on-grid status.
func (s *Simulator) Status(ctx context.Context) (types.BatteryStatus, error) {
	status := types.BatteryStatus{
		PercentageCharged: 58.5,
		GridCharging:      false,
		GridStatus:        "Active",
		IslandStatus:      "on_grid",
		BatteryPower:      0,
		SolarPower:        1500,
		LoadPower:         300,
		Timestamp:         "2025-10-10T17:36:03+01:00",
	}
	log.Ctx(ctx).InfoContext(ctx, "simulated battery status", slog.Float64("soc", status.PercentageCharged))
	return status, nil
}

// SetCharge logs the command and succeeds.
func (s *Simulator) SetCharge(ctx context.Context, reserve int, gridCharging bool, mode string) error {
	log.Ctx(ctx).InfoContext(ctx, "simulated set_charge",
		slog.Int("reserve", reserve),
		slog.Bool("grid_charging", gridCharging),
		slog.String("mode", mode))
	return nil
}

// SetChargeCall records one SetCharge invocation on a Mock.
type SetChargeCall struct {
	Reserve      int
	GridCharging bool
	Mode         string
}

// Mock implements Controller with scriptable responses. This is primarily
// used for testing.
type Mock struct {
	mu        sync.Mutex
	status    types.BatteryStatus
	statusErr error
	chargeErr error
	calls     []SetChargeCall
}

// NewMock returns a Mock reporting the given status.
func NewMock(status types.BatteryStatus) *Mock {
	return &Mock{status: status}
}

// SetStatus replaces the status returned by Status.
func (m *Mock) SetStatus(status types.BatteryStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// SetStatusErr makes Status fail with err.
func (m *Mock) SetStatusErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

// SetChargeErr makes SetCharge fail with err.
func (m *Mock) SetChargeErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargeErr = err
}

// Status returns the scripted status or error.
func (m *Mock) Status(ctx context.Context) (types.BatteryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return types.BatteryStatus{}, m.statusErr
	}
	return m.status, nil
}

// SetCharge records the call and returns the scripted error.
func (m *Mock) SetCharge(ctx context.Context, reserve int, gridCharging bool, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SetChargeCall{Reserve: reserve, GridCharging: gridCharging, Mode: mode})
	return m.chargeErr
}

// Calls returns the recorded SetCharge calls.
func (m *Mock) Calls() []SetChargeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SetChargeCall, len(m.calls))
	copy(out, m.calls)
	return out
}
