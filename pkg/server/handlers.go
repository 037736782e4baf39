package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chargepilot/chargepilot/pkg/battery"
	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/types"
)

const scheduleTimeLayout = "2006-01-02T15:04"

type putScheduleRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	TargetSOC *int   `json:"target_soc"`
}

// handlePutSchedule accepts a manual override window. Times are interpreted
// in the configured local timezone and stored in UTC.
func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req putScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Failed to add schedule: invalid JSON payload")
		return
	}

	loc := s.clk.Location()
	start, err := time.ParseInLocation(scheduleTimeLayout, req.StartTime, loc)
	if err != nil {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("Failed to add schedule: invalid start_time %q", req.StartTime))
		return
	}
	end, err := time.ParseInLocation(scheduleTimeLayout, req.EndTime, loc)
	if err != nil {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("Failed to add schedule: invalid end_time %q", req.EndTime))
		return
	}
	if !start.Before(end) {
		writeMessage(w, http.StatusBadRequest, "Failed to add schedule: start_time must be before end_time")
		return
	}

	targetSOC := 98
	if req.TargetSOC != nil {
		targetSOC = *req.TargetSOC
	}
	if targetSOC < 1 || targetSOC > 100 {
		writeMessage(w, http.StatusBadRequest, "Failed to add schedule: target_soc must be between 1 and 100")
		return
	}

	added, err := s.store.AddManualOverride(start.UTC(), end.UTC(), targetSOC)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to add manual schedule", slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, fmt.Sprintf("Failed to add schedule: %v", err))
		return
	}
	if !added {
		writeMessage(w, http.StatusConflict, "Failed to add schedule: window already exists")
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "manual schedule added",
		slog.Time("start", start), slog.Time("end", end), slog.Int("target_soc", targetSOC))
	s.wake.Set()
	writeMessage(w, http.StatusOK, "Manual schedule added successfully!")
}

// handleDeleteSchedule removes a schedule. If the schedule is mid-charge the
// battery is put back into a safe state first, so the executor's release on
// the wake pulse never leaves grid charging on.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeStatusMessage(w, http.StatusBadRequest, "error", "Invalid schedule id")
		return
	}

	if active, ok := s.tracker.Active(); ok && active == id {
		if err := s.stopActiveCharge(ctx, id); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to stop active charge", slog.Any("error", err))
			writeStatusMessage(w, http.StatusInternalServerError, "error", "System Error")
			return
		}
	}

	if err := s.store.Remove(id); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to remove schedule",
			slog.Int64("schedule_id", id), slog.Any("error", err))
		writeStatusMessage(w, http.StatusInternalServerError, "error", "System Error")
		return
	}

	s.wake.Set()
	log.Ctx(ctx).InfoContext(ctx, "schedule deleted", slog.Int64("schedule_id", id))
	writeStatusMessage(w, http.StatusOK, "ok", fmt.Sprintf("Schedule %d is deleted", id))
}

// stopActiveCharge safely halts a charge the operator is deleting out from
// under the executor.
func (s *Server) stopActiveCharge(ctx context.Context, id int64) error {
	cfg := battery.Config()

	var soc *float64
	if bs, err := s.battery.Status(ctx); err == nil {
		soc = &bs.PercentageCharged
	}
	if err := s.battery.SetCharge(ctx, cfg.ReserveEnd, false, ""); err != nil {
		return err
	}
	if err := s.store.AddDecision(types.Decision{
		ScheduleID: id,
		Action:     types.DecisionStopped,
		Reason:     "manual_interrupt",
		SOC:        soc,
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record stop decision", slog.Any("error", err))
	}
	if err := s.store.MarkTerminal(id, types.DecisionCancelled); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to mark schedule cancelled", slog.Any("error", err))
	}
	s.tracker.ClearActive()
	s.tracker.SetMessage(fmt.Sprintf("Schedule %d stopped by operator", id))
	return nil
}

type pendingScheduleView struct {
	ID           int64  `json:"id"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Mode         string `json:"mode"`
	Source       string `json:"source"`
	TargetSOC    string `json:"target_soc"`
	PricePPerKWH string `json:"price_p_per_kwh"`
}

// handlePendingSchedules renders the queue in local time with '-' for fields
// that have no value.
func (s *Server) handlePendingSchedules(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.FetchPending()
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to fetch pending schedules", slog.Any("error", err))
		writeJSONError(w, "failed to fetch schedules", http.StatusInternalServerError)
		return
	}

	loc := s.clk.Location()
	views := make([]pendingScheduleView, 0, len(pending))
	for _, row := range pending {
		v := pendingScheduleView{
			ID:           row.ID,
			StartTime:    row.StartTime.In(loc).Format(scheduleTimeLayout),
			EndTime:      row.EndTime.In(loc).Format(scheduleTimeLayout),
			Mode:         row.Mode,
			Source:       row.Source,
			TargetSOC:    "-",
			PricePPerKWH: "-",
		}
		if v.Mode == "" {
			v.Mode = types.ModeAutonomous
		}
		if v.Source == "" {
			v.Source = types.SourceScheduler
		}
		if row.TargetSOC > 0 {
			v.TargetSOC = strconv.Itoa(row.TargetSOC)
		}
		if row.PricePPerKWH != nil {
			v.PricePPerKWH = strconv.FormatFloat(*row.PricePPerKWH, 'f', -1, 64)
		}
		views = append(views, v)
	}
	writeJSON(w, views)
}

func (s *Server) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	decisions, err := s.store.Decisions(limit)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to fetch decisions", slog.Any("error", err))
		writeJSONError(w, "failed to fetch decisions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, decisions)
}

type statusResponse struct {
	ExecutorStatusMsg string   `json:"executor_status_msg"`
	LastSchedulerRun  string   `json:"last_scheduler_run"`
	NextScheduleTime  string   `json:"next_schedule_time"`
	ActiveScheduleID  *int64   `json:"active_schedule_id"`
	CurrentPrice      *float64 `json:"current_price"`
	SOC               *float64 `json:"soc"`
	SolarPower        *float64 `json:"solar_power"`
	Island            string   `json:"island"`
	Uptime            int64    `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	resp := statusResponse{
		ExecutorStatusMsg: snap.Message,
		LastSchedulerRun:  snap.LastSchedulerRun,
		NextScheduleTime:  snap.NextScheduleTime,
		ActiveScheduleID:  snap.ActiveScheduleID,
		CurrentPrice:      snap.CurrentPrice,
		SOC:               snap.SOC,
		SolarPower:        snap.SolarPower,
		Island:            snap.Island,
		Uptime:            s.tracker.Uptime(),
	}
	if resp.LastSchedulerRun == "" {
		resp.LastSchedulerRun = "Not yet run"
	}
	writeJSON(w, resp)
}

// handleUpdateStatus lets a trusted external process overlay snapshot fields.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("x-api-key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	if s.apiKey == "" || key != s.apiKey {
		writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var in types.StatusSnapshot
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, "No JSON payload provided", http.StatusBadRequest)
		return
	}
	s.tracker.Merge(in)
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Status string `json:"status"`
		Time   string `json:"time"`
	}{Status: "ok", Time: s.clk.Now().Format(time.RFC3339)})
}

func writeStatusMessage(w http.ResponseWriter, code int, status, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}{Status: status, Message: msg}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Message string `json:"message"`
	}{Message: msg}); err != nil {
		panic(http.ErrAbortHandler)
	}
}
