package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/metafile"
	"github.com/paulschiretz/pgl-catalog/pkg/pathcompression"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// ReconcileSummary reports what Reconcile repaired.
type ReconcileSummary struct {
	Promoted         int `json:"promoted"`
	Failed           int `json:"failed"`
	TempFilesRemoved int `json:"temp_files_removed"`
}

// Reconcile settles backups left pending by an interrupted run. A pending
// record whose archive exists and verifies is completed; any other is failed
// and its leftover file removed. Stale temp files in the archive root are
// deleted. Backups this process is still writing are skipped.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary

	pending, err := e.catalog.ListByStatus(ctx, catalog.Pending)
	if err != nil {
		return summary, err
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if e.isActive(rec.ID) {
			continue
		}

		archivePath := rec.DestinationPath
		if archivePath == "" {
			archivePath = filepath.Join(e.cfg.ArchiveRoot(), rec.ID+ArchiveExt)
		}

		size, verr := e.verifiedSize(ctx, archivePath)
		if verr == nil {
			if err := e.catalog.UpdateStatus(ctx, rec.ID, catalog.Completed, catalog.BytesToMB(size)); err != nil {
				return summary, err
			}
			if _, err := metafile.Read(archivePath); err != nil {
				rec.DestinationPath = archivePath
				if err := metafile.Write(archivePath, sidecarFor(rec, size, e.method)); err != nil {
					plog.Warn("Failed to write archive sidecar", "id", rec.ID, "error", err)
				}
			}
			plog.Info("Recovered interrupted backup", "id", rec.ID)
			summary.Promoted++
			continue
		}
		if isContextErr(verr) {
			return summary, verr
		}

		plog.Warn("Marking interrupted backup as failed", "id", rec.ID, "reason", verr)
		if info, err := os.Lstat(archivePath); err == nil && !info.IsDir() {
			if err := os.Remove(archivePath); err != nil {
				plog.Warn("Failed to remove leftover archive", "path", archivePath, "error", err)
			}
		}
		if err := metafile.Remove(archivePath); err != nil {
			plog.Warn("Failed to remove leftover sidecar", "path", archivePath, "error", err)
		}
		if err := e.catalog.UpdateStatus(ctx, rec.ID, catalog.Failed, 0); err != nil {
			return summary, err
		}
		summary.Failed++
	}

	// A temp file may belong to a backup still being written.
	if e.activeCount() == 0 {
		summary.TempFilesRemoved = removeTempFiles(e.cfg.ArchiveRoot())
	}

	if summary != (ReconcileSummary{}) {
		plog.Info("Reconcile finished",
			"promoted", summary.Promoted,
			"failed", summary.Failed,
			"temp_files_removed", summary.TempFilesRemoved)
	}
	return summary, nil
}

// verifiedSize returns the size of the archive at path if it exists and
// passes verification.
func (e *Engine) verifiedSize(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if _, err := e.extract.Verify(ctx, path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// removeTempFiles deletes the archiver's and the sidecar writer's temp files
// from dir and returns how many were removed.
func removeTempFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isTempFile(name) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			plog.Warn("Failed to remove stale temp file", "file", name, "error", err)
			continue
		}
		plog.Debug("Removed stale temp file", "file", name)
		removed++
	}
	return removed
}

func isTempFile(name string) bool {
	if ok, _ := filepath.Match(pathcompression.TempFilePattern, name); ok {
		return true
	}
	return strings.HasPrefix(name, ".meta-") && strings.HasSuffix(name, ".tmp")
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ReindexSummary reports the outcome of Reindex.
type ReindexSummary struct {
	Examined int `json:"examined"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Reindex imports archives that have a sidecar but no catalog record, e.g.
// after the catalog file was lost. Each archive is verified first.
func (e *Engine) Reindex(ctx context.Context) (ReindexSummary, error) {
	const op = "engine.reindex"
	var summary ReindexSummary

	archiveRoot := e.cfg.ArchiveRoot()
	entries, err := os.ReadDir(archiveRoot)
	if err != nil {
		return summary, backuperr.Wrapf(backuperr.IOError, op, err, "read archive root %s", archiveRoot)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if entry.IsDir() || !metafile.IsSidecar(entry.Name()) {
			continue
		}
		summary.Examined++

		archivePath := metafile.ArchivePath(filepath.Join(archiveRoot, entry.Name()))
		imported, err := e.reindexOne(ctx, archivePath)
		if err != nil {
			if isContextErr(err) {
				return summary, err
			}
			plog.Warn("Skipping archive", "path", archivePath, "reason", err)
			summary.Skipped++
			continue
		}
		if imported {
			summary.Imported++
		}
	}

	plog.Info("Reindex finished", "examined", summary.Examined, "imported", summary.Imported, "skipped", summary.Skipped)
	return summary, nil
}

// reindexOne imports one archive. It reports false when the catalog already
// knows the backup.
func (e *Engine) reindexOne(ctx context.Context, archivePath string) (bool, error) {
	const op = "engine.reindex"

	meta, err := metafile.Read(archivePath)
	if err != nil {
		return false, err
	}
	if filepath.Base(archivePath) != meta.BackupID+ArchiveExt {
		return false, backuperr.New(backuperr.Corrupt, op, "sidecar names backup %q but belongs to %s", meta.BackupID, filepath.Base(archivePath))
	}

	if _, err := e.catalog.Get(ctx, meta.BackupID); err == nil {
		return false, nil
	} else if !errors.Is(err, backuperr.ErrNotFound) {
		return false, err
	}

	backupType, err := catalog.ParseBackupType(meta.BackupType)
	if err != nil {
		return false, backuperr.Wrap(backuperr.Corrupt, op, err)
	}

	size, err := e.verifiedSize(ctx, archivePath)
	if err != nil {
		return false, err
	}

	rec := catalog.Record{
		ID:              meta.BackupID,
		DataSource:      meta.DataSource,
		DestinationPath: archivePath,
		Timestamp:       meta.TimestampUTC,
		Status:          catalog.Pending,
		BackupType:      backupType,
		RetentionPolicy: meta.RetentionPolicy,
	}
	if err := e.catalog.Insert(ctx, rec); err != nil {
		return false, err
	}
	if err := e.catalog.UpdateStatus(ctx, rec.ID, catalog.Completed, catalog.BytesToMB(size)); err != nil {
		return false, err
	}
	plog.Notice("IMPORT", "id", rec.ID, "path", archivePath)
	return true, nil
}
