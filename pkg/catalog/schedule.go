package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Frequency is how often a scheduled backup runs.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

var frequencyToString = map[Frequency]string{
	Daily:   "daily",
	Weekly:  "weekly",
	Monthly: "monthly",
}

var stringToFrequency = util.InvertMap(frequencyToString)

func (f Frequency) String() string {
	if str, ok := frequencyToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_frequency(%s)", string(f))
}

// Interval returns the minimum time between two runs.
func (f Frequency) Interval() time.Duration {
	switch f {
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func ParseFrequency(s string) (Frequency, error) {
	if f, ok := stringToFrequency[s]; ok {
		return f, nil
	}
	return "", fmt.Errorf("invalid frequency: %q. Must be 'daily', 'weekly', or 'monthly'", s)
}

// MarshalJSON implements the json.Marshaler interface for Frequency.
func (f Frequency) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// Schedule is a recurring backup of one data source.
type Schedule struct {
	ID              string     `json:"schedule_id"`
	DataSource      string     `json:"data_source"`
	Frequency       Frequency  `json:"frequency"`
	RetentionPolicy string     `json:"retention_policy"`
	BackupType      BackupType `json:"backup_type"`
	LastRun         *time.Time `json:"last_run"`
	CreatedAt       time.Time  `json:"created_at"`
}

// IsDue reports whether the schedule should run at now.
func (s Schedule) IsDue(now time.Time) bool {
	if s.LastRun == nil {
		return true
	}
	return now.Sub(*s.LastRun) >= s.Frequency.Interval()
}

const scheduleColumns = `schedule_id, data_source, frequency, retention_policy, backup_type, last_run_ns, created_at_ns`

// InsertSchedule adds a schedule. It fails with Conflict if the id exists.
func (c *Catalog) InsertSchedule(ctx context.Context, s Schedule) error {
	const op = "catalog.insert_schedule"
	if s.ID == "" {
		return backuperr.New(backuperr.InvalidArgument, op, "schedule id cannot be empty")
	}
	if _, err := ParseFrequency(string(s.Frequency)); err != nil {
		return backuperr.Wrap(backuperr.InvalidArgument, op, err)
	}
	if _, err := ParseBackupType(string(s.BackupType)); err != nil {
		return backuperr.Wrap(backuperr.InvalidArgument, op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastRun sql.NullInt64
	if s.LastRun != nil {
		lastRun = sql.NullInt64{Int64: s.LastRun.UTC().UnixNano(), Valid: true}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.DataSource, string(s.Frequency), s.RetentionPolicy, string(s.BackupType),
		lastRun, s.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return backuperr.New(backuperr.Conflict, op, "schedule %q already exists", s.ID)
		}
		return backuperr.Wrapf(backuperr.IOError, op, err, "insert schedule %q", s.ID)
	}
	return nil
}

// GetSchedule returns one schedule, or NotFound.
func (c *Catalog) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	row := c.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = ?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, backuperr.New(backuperr.NotFound, "catalog.get_schedule", "schedule %q not found", id)
	}
	if err != nil {
		return Schedule{}, backuperr.Wrap(backuperr.IOError, "catalog.get_schedule", err)
	}
	return s, nil
}

// ListSchedules returns all schedules ordered by id.
func (c *Catalog) ListSchedules(ctx context.Context) ([]Schedule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY schedule_id`)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.IOError, "catalog.list_schedules", err)
	}
	defer rows.Close()

	schedules := []Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, backuperr.Wrap(backuperr.IOError, "catalog.list_schedules", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, backuperr.Wrap(backuperr.IOError, "catalog.list_schedules", err)
	}
	return schedules, nil
}

// MarkScheduleRun records the last time a schedule was started.
func (c *Catalog) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	return c.execOne(ctx, "catalog.mark_schedule_run", "schedule", id,
		`UPDATE schedules SET last_run_ns = ? WHERE schedule_id = ?`, at.UTC().UnixNano(), id)
}

// DeleteSchedule removes a schedule, or fails with NotFound.
func (c *Catalog) DeleteSchedule(ctx context.Context, id string) error {
	return c.execOne(ctx, "catalog.delete_schedule", "schedule", id,
		`DELETE FROM schedules WHERE schedule_id = ?`, id)
}

// execOne runs a mutation that must touch exactly one row.
func (c *Catalog) execOne(ctx context.Context, op, what, id, q string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "%s %q", what, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "%s %q", what, id)
	}
	if n == 0 {
		return backuperr.New(backuperr.NotFound, op, "%s %q not found", what, id)
	}
	return nil
}

func scanSchedule(s scanner) (Schedule, error) {
	var (
		sc         Schedule
		freq       string
		backupType string
		lastRun    sql.NullInt64
		createdAt  int64
	)
	if err := s.Scan(&sc.ID, &sc.DataSource, &freq, &sc.RetentionPolicy, &backupType, &lastRun, &createdAt); err != nil {
		return Schedule{}, err
	}
	sc.Frequency = Frequency(freq)
	sc.BackupType = BackupType(backupType)
	if lastRun.Valid {
		t := time.Unix(0, lastRun.Int64).UTC()
		sc.LastRun = &t
	}
	sc.CreatedAt = time.Unix(0, createdAt).UTC()
	return sc, nil
}
