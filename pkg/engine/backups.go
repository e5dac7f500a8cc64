package engine

import (
	"context"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/pathretention"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/restorer"
)

// Listing is the result of ListBackups.
type Listing struct {
	TotalBackups int              `json:"total_backups"`
	Backups      []catalog.Record `json:"backups"`
}

// ListBackups returns every backup, newest first.
func (e *Engine) ListBackups(ctx context.Context) (Listing, error) {
	records, err := e.catalog.List(ctx)
	if err != nil {
		return Listing{}, err
	}
	if records == nil {
		records = []catalog.Record{}
	}
	return Listing{TotalBackups: len(records), Backups: records}, nil
}

// RestoreBackup restores a completed backup into targetDir.
func (e *Engine) RestoreBackup(ctx context.Context, id, targetDir string) (restorer.Result, error) {
	return e.restorer.Restore(ctx, id, targetDir)
}

// DeleteBackup removes a backup of any status: archive, sidecar, then record.
// A backup this process is still writing cannot be deleted.
func (e *Engine) DeleteBackup(ctx context.Context, id string) error {
	const op = "engine.delete"

	rec, err := e.catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.isActive(id) {
		return backuperr.New(backuperr.InvalidState, op, "backup %q is still being written", id)
	}
	if err := pathretention.RemoveBackup(ctx, e.catalog, rec); err != nil {
		return err
	}
	plog.Info("Backup deleted", "id", id)
	return nil
}

// Sweep deletes every completed backup whose retention policy has expired.
func (e *Engine) Sweep(ctx context.Context) (pathretention.Summary, error) {
	plan := pathretention.Plan{
		DeleteWorkers: e.cfg.Engine.Performance.DeleteWorkers,
		DryRun:        e.cfg.Runtime.DryRun,
		Metrics:       e.cfg.Engine.Metrics,
	}
	summary, err := pathretention.NewPathRetentionManager(e.catalog, plan, e.now).Sweep(ctx)
	if err != nil {
		return summary, err
	}
	plog.Info("Retention sweep finished",
		"examined", summary.Examined,
		"expired", summary.Expired,
		"deleted", summary.Deleted,
		"failed", summary.Failed,
		"dry_run", plan.DryRun)
	return summary, nil
}
