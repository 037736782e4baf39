package store

import (
	"time"

	"github.com/chargepilot/chargepilot/pkg/types"
)

// Timestamps are stored as RFC3339 UTC strings so lexicographic comparisons
// in SQL match chronological order.

func utcString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseUTC(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

type scheduleRow struct {
	ID             int64    `gorm:"column:id;primaryKey;autoIncrement"`
	StartTime      string   `gorm:"column:start_time;not null;uniqueIndex:idx_schedules_window"`
	EndTime        string   `gorm:"column:end_time;not null;uniqueIndex:idx_schedules_window"`
	Mode           string   `gorm:"column:mode;not null;default:autonomous"`
	Source         string   `gorm:"column:source;not null;default:scheduler"`
	ManualOverride int      `gorm:"column:manual_override;not null;default:0"`
	TargetSOC      int      `gorm:"column:target_soc;not null;default:0"`
	PricePPerKWH   *float64 `gorm:"column:price_p_per_kwh"`
	Executed       int      `gorm:"column:executed;not null;default:0"`
	Expired        int      `gorm:"column:expired;not null;default:0"`
	Decision       *string  `gorm:"column:decision"`
	DecisionAt     *string  `gorm:"column:decision_at"`
	RetryCount     int      `gorm:"column:retry_count;not null;default:0"`
	LastRetryUTC   *string  `gorm:"column:last_retry_utc"`
	CreatedAt      string   `gorm:"column:created_at"`
}

func (scheduleRow) TableName() string { return "schedules" }

func (r scheduleRow) toSchedule() types.Schedule {
	s := types.Schedule{
		ID:             r.ID,
		Mode:           r.Mode,
		Source:         r.Source,
		ManualOverride: r.ManualOverride != 0,
		TargetSOC:      r.TargetSOC,
		PricePPerKWH:   r.PricePPerKWH,
		Executed:       r.Executed != 0,
		Expired:        r.Expired != 0,
		RetryCount:     r.RetryCount,
	}
	if t, err := parseUTC(r.StartTime); err == nil {
		s.StartTime = t
	}
	if t, err := parseUTC(r.EndTime); err == nil {
		s.EndTime = t
	}
	if r.Decision != nil {
		s.Decision = *r.Decision
	}
	if r.DecisionAt != nil {
		if t, err := parseUTC(*r.DecisionAt); err == nil {
			s.DecisionAt = &t
		}
	}
	if r.LastRetryUTC != nil {
		if t, err := parseUTC(*r.LastRetryUTC); err == nil {
			s.LastRetryUTC = &t
		}
	}
	if t, err := parseUTC(r.CreatedAt); err == nil {
		s.CreatedAt = t
	}
	return s
}

type decisionRow struct {
	ID           int64    `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp    string   `gorm:"column:timestamp;not null;index"`
	ScheduleID   int64    `gorm:"column:schedule_id;not null;index"`
	StartTime    *string  `gorm:"column:start_time"`
	EndTime      *string  `gorm:"column:end_time"`
	Action       string   `gorm:"column:action;not null"`
	Reason       string   `gorm:"column:reason"`
	SOC          *float64 `gorm:"column:soc"`
	SolarPower   *float64 `gorm:"column:solar_power"`
	IslandStatus string   `gorm:"column:island_status"`
	PricePPerKWH *float64 `gorm:"column:price_p_per_kwh"`
}

func (decisionRow) TableName() string { return "decisions" }

func (r decisionRow) toDecision() types.Decision {
	d := types.Decision{
		ID:           r.ID,
		ScheduleID:   r.ScheduleID,
		Action:       r.Action,
		Reason:       r.Reason,
		SOC:          r.SOC,
		SolarPower:   r.SolarPower,
		IslandStatus: r.IslandStatus,
		PricePPerKWH: r.PricePPerKWH,
	}
	if t, err := parseUTC(r.Timestamp); err == nil {
		d.Timestamp = t
	}
	if r.StartTime != nil {
		if t, err := parseUTC(*r.StartTime); err == nil {
			d.StartTime = &t
		}
	}
	if r.EndTime != nil {
		if t, err := parseUTC(*r.EndTime); err == nil {
			d.EndTime = &t
		}
	}
	return d
}
