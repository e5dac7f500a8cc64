package engine

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/pathretention"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// AddSchedule registers a recurring backup of sourceDir. An empty
// retentionPolicy uses the configured default. The schedule is due
// immediately.
func (e *Engine) AddSchedule(ctx context.Context, id, sourceDir string, frequency catalog.Frequency, retentionPolicy string, backupType catalog.BackupType) (catalog.Schedule, error) {
	const op = "engine.add_schedule"

	if sourceDir == "" {
		return catalog.Schedule{}, backuperr.New(backuperr.InvalidArgument, op, "source directory cannot be empty")
	}
	absSource, err := util.ExpandedAbsPath(sourceDir)
	if err != nil {
		return catalog.Schedule{}, backuperr.Wrapf(backuperr.InvalidArgument, op, err, "resolve source %s", sourceDir)
	}
	if retentionPolicy == "" {
		retentionPolicy = e.cfg.Retention.DefaultPolicy
	}
	if _, err := pathretention.ParsePolicy(retentionPolicy); err != nil {
		return catalog.Schedule{}, backuperr.Wrap(backuperr.InvalidArgument, op, err)
	}
	if backupType == "" {
		backupType = catalog.Full
	}

	s := catalog.Schedule{
		ID:              id,
		DataSource:      absSource,
		Frequency:       frequency,
		RetentionPolicy: retentionPolicy,
		BackupType:      backupType,
		CreatedAt:       e.now().UTC(),
	}
	if err := e.catalog.InsertSchedule(ctx, s); err != nil {
		return catalog.Schedule{}, err
	}
	plog.Info("Schedule added", "id", id, "source", absSource, "frequency", frequency)
	return s, nil
}

// ListSchedules returns all schedules ordered by id.
func (e *Engine) ListSchedules(ctx context.Context) ([]catalog.Schedule, error) {
	return e.catalog.ListSchedules(ctx)
}

// RemoveSchedule deletes a schedule. Backups it created are kept.
func (e *Engine) RemoveSchedule(ctx context.Context, id string) error {
	if err := e.catalog.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	plog.Info("Schedule removed", "id", id)
	return nil
}

// ScheduleRunSummary reports the outcome of RunDueSchedules.
type ScheduleRunSummary struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunDueSchedules creates a backup for every schedule that is due. A failed
// backup still counts as a run, so a broken source is retried at the next
// interval rather than on every tick.
func (e *Engine) RunDueSchedules(ctx context.Context) (ScheduleRunSummary, error) {
	var summary ScheduleRunSummary

	schedules, err := e.catalog.ListSchedules(ctx)
	if err != nil {
		return summary, err
	}

	for _, s := range schedules {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		now := e.now().UTC()
		if !s.IsDue(now) {
			continue
		}
		summary.Due++

		plog.Info("Running scheduled backup", "schedule", s.ID, "source", s.DataSource)
		rec, err := e.CreateBackup(ctx, s.DataSource, s.RetentionPolicy, s.BackupType)
		if err != nil {
			if isContextErr(err) {
				return summary, err
			}
			plog.Warn("Scheduled backup failed", "schedule", s.ID, "error", err)
			summary.Failed++
		} else {
			plog.Info("Scheduled backup completed", "schedule", s.ID, "id", rec.ID)
			summary.Succeeded++
		}

		if err := e.catalog.MarkScheduleRun(context.WithoutCancel(ctx), s.ID, now); err != nil {
			plog.Warn("Failed to record schedule run", "schedule", s.ID, "error", err)
		}
	}
	return summary, nil
}

// Serve runs due schedules and retention sweeps until ctx is cancelled. Both
// run once at start. A cancel is a clean shutdown and returns nil.
func (e *Engine) Serve(ctx context.Context) error {
	scheduleInterval := time.Duration(e.cfg.Schedule.CheckIntervalSeconds) * time.Second
	sweepInterval := time.Duration(e.cfg.Retention.SweepIntervalSeconds) * time.Second

	plog.Info("Serving", "base", e.cfg.Base, "schedule_interval", scheduleInterval, "sweep_interval", sweepInterval)

	scheduleTicker := time.NewTicker(scheduleInterval)
	defer scheduleTicker.Stop()

	// A nil channel never fires, which disables sweeping.
	var sweepC <-chan time.Time
	if sweepInterval > 0 {
		sweepTicker := time.NewTicker(sweepInterval)
		defer sweepTicker.Stop()
		sweepC = sweepTicker.C
	}

	e.serveSchedules(ctx)
	if sweepC != nil {
		e.serveSweep(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			plog.Info("Serve stopped")
			return nil
		case <-scheduleTicker.C:
			e.serveSchedules(ctx)
		case <-sweepC:
			e.serveSweep(ctx)
		}
	}
}

func (e *Engine) serveSchedules(ctx context.Context) {
	summary, err := e.RunDueSchedules(ctx)
	if err != nil {
		if !isContextErr(err) {
			plog.Warn("Running schedules failed", "error", err)
		}
		return
	}
	if summary.Due > 0 {
		plog.Info("Schedules run", "due", summary.Due, "succeeded", summary.Succeeded, "failed", summary.Failed)
	}
}

func (e *Engine) serveSweep(ctx context.Context) {
	if _, err := e.Sweep(ctx); err != nil && !isContextErr(err) {
		plog.Warn("Retention sweep failed", "error", err)
	}
}
