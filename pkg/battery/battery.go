package battery

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/types"
)

// Controller defines the interface for driving the battery management API.
type Controller interface {
	// Status returns the current live state of the battery.
	Status(ctx context.Context) (types.BatteryStatus, error)

	// SetCharge commands the backup reserve percentage and grid-charging
	// flag. An empty mode omits the operational mode from the request.
	// Raising reserve above the current SoC forces grid charging up to
	// that level; this is the only charging lever the API exposes.
	SetCharge(ctx context.Context, reserve int, gridCharging bool, mode string) error
}

// Params holds the battery's physical and policy configuration shared by the
// planner and executor.
type Params struct {
	// ReserveStart is the reserve percent commanded when a charge begins.
	ReserveStart int
	// ReserveEnd is the safe reserve percent restored when charging stops.
	ReserveEnd int
	// CapacityKWH is the usable battery capacity.
	CapacityKWH float64
	// ChargeRateKW is the sustained grid charge rate.
	ChargeRateKW float64
}

var (
	paramsMu sync.RWMutex
	params   = Params{
		ReserveStart: 80,
		ReserveEnd:   20,
		CapacityKWH:  13.5,
		ChargeRateKW: 5,
	}
)

// Config returns the current battery parameters.
func Config() Params {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	return params
}

// SetConfig replaces the battery parameters. This is primarily used for
// testing.
func SetConfig(p Params) {
	paramsMu.Lock()
	defer paramsMu.Unlock()
	params = p
}

// ConfiguredParams registers the battery parameter flags. Values are bound
// when lflag.Do runs.
func ConfiguredParams() {
	reserveStart := lflag.String("battery-reserve-start", "80", "Reserve percent commanded when a charge begins")
	reserveEnd := lflag.String("battery-reserve-end", "20", "Reserve percent restored when charging stops")
	capacity := lflag.String("battery-kwh", "13.5", "Usable battery capacity in kWh")
	chargeRate := lflag.String("charge-rate-kw", "5", "Sustained grid charge rate in kW")

	lflag.Do(func() {
		p := Params{}
		var err error
		if p.ReserveStart, err = strconv.Atoi(*reserveStart); err != nil {
			panic(fmt.Sprintf("invalid battery-reserve-start: %v", err))
		}
		if p.ReserveEnd, err = strconv.Atoi(*reserveEnd); err != nil {
			panic(fmt.Sprintf("invalid battery-reserve-end: %v", err))
		}
		if p.CapacityKWH, err = strconv.ParseFloat(*capacity, 64); err != nil {
			panic(fmt.Sprintf("invalid battery-kwh: %v", err))
		}
		if p.ChargeRateKW, err = strconv.ParseFloat(*chargeRate, 64); err != nil {
			panic(fmt.Sprintf("invalid charge-rate-kw: %v", err))
		}
		SetConfig(p)
	})
}
