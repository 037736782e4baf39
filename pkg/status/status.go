package status

import (
	"sync"
	"time"

	"github.com/chargepilot/chargepilot/pkg/types"
)

// Tracker holds the shared executor status snapshot. The executor writes it
// at every meaningful transition and heartbeat tick; the control surface
// reads it without blocking the executor. The tracker also owns the active
// schedule id used to coordinate operator deletion of an in-flight charge.
type Tracker struct {
	mu      sync.Mutex
	snap    types.StatusSnapshot
	started time.Time
}

// New returns a Tracker with the process start time recorded for uptime.
func New() *Tracker {
	return &Tracker{
		snap:    types.StatusSnapshot{Message: "Executor initialized"},
		started: time.Now(),
	}
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() types.StatusSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Update applies fn to the snapshot under the guard.
func (t *Tracker) Update(fn func(*types.StatusSnapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snap)
}

// SetMessage replaces only the human-readable message.
func (t *Tracker) SetMessage(msg string) {
	t.Update(func(s *types.StatusSnapshot) { s.Message = msg })
}

// SetActive records id as the currently running schedule.
func (t *Tracker) SetActive(id int64) {
	t.Update(func(s *types.StatusSnapshot) { s.ActiveScheduleID = &id })
}

// ClearActive clears the active schedule id.
func (t *Tracker) ClearActive() {
	t.Update(func(s *types.StatusSnapshot) { s.ActiveScheduleID = nil })
}

// Active returns the currently running schedule id, if any.
func (t *Tracker) Active() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.ActiveScheduleID == nil {
		return 0, false
	}
	return *t.snap.ActiveScheduleID, true
}

// Merge overlays the non-nil fields of in onto the snapshot. Used by the
// control surface's update endpoint.
func (t *Tracker) Merge(in types.StatusSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if in.ActiveScheduleID != nil {
		t.snap.ActiveScheduleID = in.ActiveScheduleID
	}
	if in.CurrentPrice != nil {
		t.snap.CurrentPrice = in.CurrentPrice
	}
	if in.SOC != nil {
		t.snap.SOC = in.SOC
	}
	if in.SolarPower != nil {
		t.snap.SolarPower = in.SolarPower
	}
	if in.Island != "" {
		t.snap.Island = in.Island
	}
	if in.Message != "" {
		t.snap.Message = in.Message
	}
	if in.NextScheduleTime != "" {
		t.snap.NextScheduleTime = in.NextScheduleTime
	}
	if in.LastSchedulerRun != "" {
		t.snap.LastSchedulerRun = in.LastSchedulerRun
	}
}

// Uptime returns whole seconds since the tracker was created.
func (t *Tracker) Uptime() int64 {
	return int64(time.Since(t.started).Seconds())
}
