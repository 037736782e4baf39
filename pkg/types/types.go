package types

import "time"

// Decision labels written to the schedules table and the decisions audit log.
const (
	DecisionCompleted = "completed"
	DecisionCancelled = "cancelled"
	DecisionExpired   = "expired"
	DecisionAborted   = "aborted"
	DecisionStopped   = "stopped"
	DecisionDeleted   = "deleted"
	DecisionError     = "error"
)

// Schedule modes.
const (
	ModeAutonomous = "autonomous"
	ModeManual     = "manual"
)

// Schedule sources.
const (
	SourceScheduler = "scheduler"
	SourceManual    = "manual"
)

// Schedule is a single intended charging window. Timestamps are UTC.
type Schedule struct {
	ID             int64      `json:"id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	Mode           string     `json:"mode"`
	Source         string     `json:"source"`
	ManualOverride bool       `json:"manual_override"`
	TargetSOC      int        `json:"target_soc"`
	PricePPerKWH   *float64   `json:"price_p_per_kwh"`
	Executed       bool       `json:"executed"`
	Expired        bool       `json:"expired"`
	Decision       string     `json:"decision,omitempty"`
	DecisionAt     *time.Time `json:"decision_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	LastRetryUTC   *time.Time `json:"last_retry_utc,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Pending reports whether the schedule is still awaiting execution.
func (s Schedule) Pending() bool {
	return !s.Executed && !s.Expired
}

// Decision is one append-only audit row describing what happened to a
// schedule at a moment in time.
type Decision struct {
	ID           int64      `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	ScheduleID   int64      `json:"schedule_id"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Action       string     `json:"action"`
	Reason       string     `json:"reason"`
	SOC          *float64   `json:"soc,omitempty"`
	SolarPower   *float64   `json:"solar_power,omitempty"`
	IslandStatus string     `json:"island_status,omitempty"`
	PricePPerKWH *float64   `json:"price_p_per_kwh,omitempty"`
}

// BatteryStatus is the live state reported by the battery control API.
type BatteryStatus struct {
	PercentageCharged float64 `json:"percentage_charged"`
	GridCharging      bool    `json:"grid_charging"`
	GridStatus        string  `json:"grid_status"`
	IslandStatus      string  `json:"island_status"`
	BatteryPower      float64 `json:"battery_power"`
	SolarPower        float64 `json:"solar_power"`
	LoadPower         float64 `json:"load_power"`
	Timestamp         string  `json:"timestamp"`
}

// Rate is one half-hour tariff window. Times are UTC, the rate is pence/kWh
// including VAT.
type Rate struct {
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
	PencePerKWH float64   `json:"value_inc_vat"`
}

// Covers reports whether t falls inside the rate's half-open window.
func (r Rate) Covers(t time.Time) bool {
	return !t.Before(r.ValidFrom) && t.Before(r.ValidTo)
}

// SavingSession is a utility demand-response window during which the user
// commits not to draw from the grid.
type SavingSession struct {
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt"`
}

// StatusSnapshot is the in-memory executor state published to the control
// surface for the dashboard. It is a best-effort display view and is not
// transactional with the store.
type StatusSnapshot struct {
	ActiveScheduleID *int64   `json:"active_schedule_id"`
	CurrentPrice     *float64 `json:"current_price"`
	SOC              *float64 `json:"soc"`
	SolarPower       *float64 `json:"solar_power"`
	Island           string   `json:"island,omitempty"`
	Message          string   `json:"message"`
	NextScheduleTime string   `json:"next_schedule_time,omitempty"`
	LastSchedulerRun string   `json:"last_scheduler_run,omitempty"`
}
