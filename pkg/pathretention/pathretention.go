// Package pathretention deletes completed backups whose retention policy has
// run out.
//
// A backup is removed in a fixed order: archive file, sidecar, catalog record.
// Each step tolerates the target already being gone, so an interrupted sweep
// is finished by the next one.
package pathretention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/metafile"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// Store is the part of the catalog a sweep needs.
type Store interface {
	ListByStatus(ctx context.Context, status catalog.Status) ([]catalog.Record, error)
	Delete(ctx context.Context, id string) error
}

// Plan configures a PathRetentionManager.
type Plan struct {
	DeleteWorkers int
	DryRun        bool
	Metrics       bool
}

// Summary reports the outcome of one sweep.
type Summary struct {
	Examined int `json:"examined"`
	Expired  int `json:"expired"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// PathRetentionManager applies each record's own retention policy.
type PathRetentionManager struct {
	store Store
	plan  Plan
	now   func() time.Time
}

// NewPathRetentionManager returns a manager. A nil now uses time.Now.
func NewPathRetentionManager(store Store, plan Plan, now func() time.Time) *PathRetentionManager {
	if plan.DeleteWorkers < 1 {
		plan.DeleteWorkers = 1
	}
	if now == nil {
		now = time.Now
	}
	return &PathRetentionManager{store: store, plan: plan, now: now}
}

// Sweep deletes every expired completed backup. Per-backup failures are logged
// and counted; an error is returned only if the catalog cannot be read or the
// context is cancelled.
func (rm *PathRetentionManager) Sweep(ctx context.Context) (Summary, error) {
	records, err := rm.store.ListByStatus(ctx, catalog.Completed)
	if err != nil {
		return Summary{}, err
	}

	now := rm.now()
	summary := Summary{Examined: len(records)}

	var toDelete []catalog.Record
	for _, r := range records {
		policy, err := ParsePolicy(r.RetentionPolicy)
		if err != nil {
			plog.Warn("Skipping backup with unreadable retention policy", "id", r.ID, "policy", r.RetentionPolicy, "reason", err)
			continue
		}
		if policy.Expired(r.Timestamp, now) {
			toDelete = append(toDelete, r)
		}
	}
	summary.Expired = len(toDelete)

	if len(toDelete) == 0 {
		if rm.plan.DryRun {
			plog.Debug("[DRY RUN] No backups need deletion", "examined", summary.Examined)
		} else {
			plog.Debug("No backups need deletion", "examined", summary.Examined)
		}
		return summary, nil
	}

	plog.Info("Deleting expired backups", "count", len(toDelete))

	var m Metrics = &NoopMetrics{}
	if rm.plan.Metrics {
		m = &RetentionMetrics{}
	}
	m.StartProgress("Delete progress", 10*time.Second)
	defer func() {
		m.StopProgress()
		m.LogSummary("Delete finished")
	}()

	var deleted, failed atomic.Int64
	deleteTasksChan := make(chan catalog.Record, rm.plan.DeleteWorkers*2)
	var wg sync.WaitGroup

	for i := 0; i < rm.plan.DeleteWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for r := range deleteTasksChan {
				if ctx.Err() != nil {
					return
				}

				if rm.plan.DryRun {
					plog.Notice("[DRY RUN] DELETE", "id", r.ID, "path", r.DestinationPath)
					continue
				}

				plog.Notice("DELETE", "id", r.ID, "path", r.DestinationPath, "worker", workerID)
				if err := RemoveBackup(ctx, rm.store, r); err != nil {
					failed.Add(1)
					m.AddBackupsFailed(1)
					plog.Warn("Failed to delete expired backup", "id", r.ID, "path", r.DestinationPath, "error", err)
					continue
				}
				deleted.Add(1)
				m.AddBackupsDeleted(1)
			}
		}(i + 1)
	}

	go func() {
		defer close(deleteTasksChan)
		for _, r := range toDelete {
			select {
			case <-ctx.Done():
				plog.Debug("Cancellation received, stopping retention job feeding.")
				return
			case deleteTasksChan <- r:
			}
		}
	}()

	wg.Wait()

	summary.Deleted = int(deleted.Load())
	summary.Failed = int(failed.Load())
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// RemoveBackup deletes a backup's archive, its sidecar and its record, in that
// order. Steps whose target is already gone count as done.
func RemoveBackup(ctx context.Context, store Store, r catalog.Record) error {
	if r.DestinationPath != "" {
		info, err := os.Lstat(r.DestinationPath)
		switch {
		case err == nil && info.IsDir():
			return backuperr.New(backuperr.IOError, "remove", "archive path %s is a directory", r.DestinationPath)
		case err == nil:
			if err := os.Remove(r.DestinationPath); err != nil && !os.IsNotExist(err) {
				return backuperr.Wrapf(backuperr.IOError, "remove", err, "delete archive")
			}
		case !os.IsNotExist(err):
			return backuperr.Wrapf(backuperr.IOError, "remove", err, "stat archive")
		}
		if err := metafile.Remove(r.DestinationPath); err != nil {
			return backuperr.Wrapf(backuperr.IOError, "remove", err, "delete sidecar")
		}
	}

	if err := store.Delete(ctx, r.ID); err != nil && !errors.Is(err, backuperr.ErrNotFound) {
		return fmt.Errorf("failed to delete catalog record: %w", err)
	}
	return nil
}
