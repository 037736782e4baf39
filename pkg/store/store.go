package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chargepilot/chargepilot/pkg/types"
)

const (
	// fallbackPricePPerKWH is returned when a schedule has no stored price.
	fallbackPricePPerKWH = 20.0

	writeRetries = 5
	writeBackoff = 250 * time.Millisecond
)

// Store is the durable schedule/decision store. It is shared by the
// executor, planner and control surface: all writes are serialised through a
// process-wide lock and retried with linear backoff on transient sqlite lock
// errors; reads are non-blocking and may race with in-flight writes, so
// readers must not assume a pending row is still pending when acting on it.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and ensures
// the schema is up to date. Init is idempotent.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000;").Error; err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// AutoMigrate adds any missing optional columns non-destructively.
	if err := db.AutoMigrate(&scheduleRow{}, &decisionRow{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// write runs fn under the process-wide write lock, retrying on transient
// sqlite lock errors with linear backoff.
func (s *Store) write(fn func(db *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= writeRetries; attempt++ {
		err := fn(s.db)
		if err == nil {
			return nil
		}
		if !isLocked(err) {
			return err
		}
		lastErr = err
		time.Sleep(writeBackoff * time.Duration(attempt))
	}
	return fmt.Errorf("store write failed after %d attempts: %w", writeRetries, lastErr)
}

func isLocked(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "locked")
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		(err != nil && strings.Contains(err.Error(), "UNIQUE constraint"))
}

// NewSchedule is one row to insert via AddBatch.
type NewSchedule struct {
	Start     time.Time
	End       time.Time
	Mode      string
	TargetSOC int
	Price     *float64
}

// AddSchedule inserts a pending schedule. It returns false without error
// when a row with the same (start_time, end_time) already exists.
func (s *Store) AddSchedule(start, end time.Time, mode string, price *float64) (bool, error) {
	row := &scheduleRow{
		StartTime:    utcString(start),
		EndTime:      utcString(end),
		Mode:         mode,
		Source:       types.SourceScheduler,
		PricePPerKWH: price,
		CreatedAt:    utcString(time.Now()),
	}
	err := s.write(func(db *gorm.DB) error {
		return db.Create(row).Error
	})
	if isDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("add schedule: %w", err)
	}
	return true, nil
}

// AddBatch inserts the given schedules in a single transaction, silently
// skipping duplicates, and returns the number inserted.
func (s *Store) AddBatch(schedules []NewSchedule) (int, error) {
	inserted := 0
	err := s.write(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			for _, sched := range schedules {
				row := &scheduleRow{
					StartTime:    utcString(sched.Start),
					EndTime:      utcString(sched.End),
					Mode:         sched.Mode,
					Source:       types.SourceScheduler,
					TargetSOC:    sched.TargetSOC,
					PricePPerKWH: sched.Price,
					CreatedAt:    utcString(time.Now()),
				}
				if err := tx.Create(row).Error; err != nil {
					if isDuplicate(err) {
						continue
					}
					return err
				}
				inserted++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("add batch: %w", err)
	}
	return inserted, nil
}

// AddManualOverride inserts a manual schedule that bypasses the executor's
// price, peak-window and solar gates. Duplicates are skipped.
func (s *Store) AddManualOverride(start, end time.Time, targetSOC int) (bool, error) {
	row := &scheduleRow{
		StartTime:      utcString(start),
		EndTime:        utcString(end),
		Mode:           types.ModeManual,
		Source:         types.SourceManual,
		ManualOverride: 1,
		TargetSOC:      targetSOC,
		CreatedAt:      utcString(time.Now()),
	}
	err := s.write(func(db *gorm.DB) error {
		return db.Create(row).Error
	})
	if isDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("add manual override: %w", err)
	}
	return true, nil
}

// FetchPending returns all pending rows ordered by start_time ascending.
func (s *Store) FetchPending() ([]types.Schedule, error) {
	var rows []scheduleRow
	err := s.db.
		Where("executed = 0 AND (expired IS NULL OR expired = 0)").
		Order("start_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	out := make([]types.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out, nil
}

// Get returns the schedule with the given id.
func (s *Store) Get(id int64) (types.Schedule, error) {
	var row scheduleRow
	if err := s.db.First(&row, id).Error; err != nil {
		return types.Schedule{}, fmt.Errorf("get schedule %d: %w", id, err)
	}
	return row.toSchedule(), nil
}

// MarkTerminal writes the terminal decision label onto the schedule row,
// setting executed/expired per the label. Re-applying any decision to an
// already-terminal row is a no-op: once terminal, only the audit log may
// grow.
func (s *Store) MarkTerminal(id int64, decision string) error {
	return s.write(func(db *gorm.DB) error {
		var row scheduleRow
		if err := db.First(&row, id).Error; err != nil {
			return fmt.Errorf("mark terminal %d: %w", id, err)
		}
		if row.Executed != 0 || row.Expired != 0 {
			return nil
		}

		executed, expired := 1, 0
		if decision == types.DecisionExpired {
			executed, expired = 0, 1
		}
		now := utcString(time.Now())
		return db.Model(&scheduleRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"executed":    executed,
			"expired":     expired,
			"decision":    decision,
			"decision_at": now,
		}).Error
	})
}

// Remove deletes the schedule row and appends a deleted decision.
func (s *Store) Remove(id int64) error {
	return s.write(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var row scheduleRow
			err := tx.First(&row, id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := tx.Delete(&scheduleRow{}, id).Error; err != nil {
				return err
			}
			return tx.Create(&decisionRow{
				Timestamp:  utcString(time.Now()),
				ScheduleID: id,
				StartTime:  &row.StartTime,
				EndTime:    &row.EndTime,
				Action:     types.DecisionDeleted,
				Reason:     "Deleted by User",
			}).Error
		})
	})
}

// MarkAllExpired marks every pending row whose end_time is at or before now
// as expired and writes one expired decision per schedule, skipping schedules
// that already have one. It returns the number of rows expired and is
// idempotent.
func (s *Store) MarkAllExpired(now time.Time) (int, error) {
	count := 0
	nowStr := utcString(now)
	err := s.write(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var rows []scheduleRow
			pending := "executed = 0 AND (expired IS NULL OR expired = 0) AND end_time <= ?"
			if err := tx.Where(pending, nowStr).Find(&rows).Error; err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}

			err := tx.Model(&scheduleRow{}).Where(pending, nowStr).Updates(map[string]interface{}{
				"executed":    0,
				"expired":     1,
				"decision":    types.DecisionExpired,
				"decision_at": nowStr,
			}).Error
			if err != nil {
				return err
			}

			for _, row := range rows {
				var existing int64
				err := tx.Model(&decisionRow{}).
					Where("schedule_id = ? AND LOWER(action) = ?", row.ID, types.DecisionExpired).
					Count(&existing).Error
				if err != nil {
					return err
				}
				if existing > 0 {
					continue
				}
				err = tx.Create(&decisionRow{
					Timestamp:    nowStr,
					ScheduleID:   row.ID,
					StartTime:    &row.StartTime,
					EndTime:      &row.EndTime,
					Action:       types.DecisionExpired,
					Reason:       "schedule_missed",
					PricePPerKWH: row.PricePPerKWH,
				}).Error
				if err != nil {
					return err
				}
			}
			count = len(rows)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("mark all expired: %w", err)
	}
	return count, nil
}

// AddDecision appends an audit row. Decisions are never mutated.
func (s *Store) AddDecision(d types.Decision) error {
	row := &decisionRow{
		Timestamp:    utcString(time.Now()),
		ScheduleID:   d.ScheduleID,
		Action:       d.Action,
		Reason:       d.Reason,
		SOC:          d.SOC,
		SolarPower:   d.SolarPower,
		IslandStatus: d.IslandStatus,
		PricePPerKWH: d.PricePPerKWH,
	}
	if !d.Timestamp.IsZero() {
		row.Timestamp = utcString(d.Timestamp)
	}
	if d.StartTime != nil {
		v := utcString(*d.StartTime)
		row.StartTime = &v
	}
	if d.EndTime != nil {
		v := utcString(*d.EndTime)
		row.EndTime = &v
	}
	err := s.write(func(db *gorm.DB) error {
		return db.Create(row).Error
	})
	if err != nil {
		return fmt.Errorf("add decision: %w", err)
	}
	return nil
}

// Decisions returns the most recent audit rows, newest first.
func (s *Store) Decisions(limit int) ([]types.Decision, error) {
	var rows []decisionRow
	err := s.db.Order("timestamp DESC, id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetch decisions: %w", err)
	}
	out := make([]types.Decision, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDecision())
	}
	return out, nil
}

// StoredPrice returns the price captured at planning time, or a safe
// fallback when the schedule has none.
func (s *Store) StoredPrice(id int64) float64 {
	var row scheduleRow
	if err := s.db.First(&row, id).Error; err != nil {
		return fallbackPricePPerKWH
	}
	if row.PricePPerKWH == nil {
		return fallbackPricePPerKWH
	}
	return *row.PricePPerKWH
}

// NextAfter returns the first pending schedule starting within lookahead of
// end, or nil when there is none. Used for back-to-back slot chaining.
func (s *Store) NextAfter(end time.Time, lookahead time.Duration) (*types.Schedule, error) {
	var row scheduleRow
	err := s.db.
		Where("executed = 0 AND (expired IS NULL OR expired = 0) AND start_time >= ? AND start_time <= ?",
			utcString(end), utcString(end.Add(lookahead))).
		Order("start_time ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next after: %w", err)
	}
	sched := row.toSchedule()
	return &sched, nil
}

// LastRetry returns the last transient-deferral time for the schedule, or
// nil when it has never been deferred.
func (s *Store) LastRetry(id int64) (*time.Time, error) {
	var row scheduleRow
	if err := s.db.First(&row, id).Error; err != nil {
		return nil, fmt.Errorf("last retry %d: %w", id, err)
	}
	if row.LastRetryUTC == nil {
		return nil, nil
	}
	t, err := parseUTC(*row.LastRetryUTC)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}

// UpdateLastRetry stamps the schedule's last retry time and increments its
// retry count.
func (s *Store) UpdateLastRetry(id int64) error {
	now := utcString(time.Now())
	return s.write(func(db *gorm.DB) error {
		return db.Model(&scheduleRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"last_retry_utc": now,
			"retry_count":    gorm.Expr("COALESCE(retry_count, 0) + 1"),
		}).Error
	})
}

// ResetRetry clears the schedule's retry bookkeeping.
func (s *Store) ResetRetry(id int64) error {
	return s.write(func(db *gorm.DB) error {
		return db.Model(&scheduleRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"last_retry_utc": nil,
			"retry_count":    0,
		}).Error
	})
}

// RetryCount returns the schedule's transient-deferral count.
func (s *Store) RetryCount(id int64) (int, error) {
	var row scheduleRow
	if err := s.db.First(&row, id).Error; err != nil {
		return 0, fmt.Errorf("retry count %d: %w", id, err)
	}
	return row.RetryCount, nil
}

// PurgeOldExecuted deletes executed rows older than the given number of
// days. Decisions are kept: they are the authoritative audit trail.
func (s *Store) PurgeOldExecuted(days int) error {
	cutoff := utcString(time.Now().AddDate(0, 0, -days))
	return s.write(func(db *gorm.DB) error {
		return db.Where("executed = 1 AND created_at < ?", cutoff).Delete(&scheduleRow{}).Error
	})
}
