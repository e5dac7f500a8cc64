package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/hints"
	"github.com/paulschiretz/pgl-catalog/pkg/hook"
	"github.com/paulschiretz/pgl-catalog/pkg/metafile"
	"github.com/paulschiretz/pgl-catalog/pkg/pathcompression"
	"github.com/paulschiretz/pgl-catalog/pkg/pathretention"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/preflight"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// maxIDAttempts bounds id regeneration when a generated id is already taken.
const maxIDAttempts = 5

// idTimeFormat is the timestamp part of a backup id, in UTC.
const idTimeFormat = "20060102150405"

// ArchiveExt is the file extension of every archive.
const ArchiveExt = ".zip"

// CreateBackup archives sourceDir into a new backup. An empty retentionPolicy
// uses the configured default, an empty backupType means full.
//
// The record is inserted as pending before any data is written. On success it
// is completed with the archive size. On failure no archive is left behind,
// the record is marked failed and the archive error is returned.
func (e *Engine) CreateBackup(ctx context.Context, sourceDir, retentionPolicy string, backupType catalog.BackupType) (catalog.Record, error) {
	const op = "engine.create"

	if err := ctx.Err(); err != nil {
		return catalog.Record{}, err
	}
	if sourceDir == "" {
		return catalog.Record{}, backuperr.New(backuperr.InvalidArgument, op, "source directory cannot be empty")
	}
	absSource, err := util.ExpandedAbsPath(sourceDir)
	if err != nil {
		return catalog.Record{}, backuperr.Wrapf(backuperr.InvalidArgument, op, err, "resolve source %s", sourceDir)
	}

	if retentionPolicy == "" {
		retentionPolicy = e.cfg.Retention.DefaultPolicy
	}
	if _, err := pathretention.ParsePolicy(retentionPolicy); err != nil {
		return catalog.Record{}, backuperr.Wrap(backuperr.InvalidArgument, op, err)
	}
	if backupType == "" {
		backupType = catalog.Full
	}
	if _, err := catalog.ParseBackupType(string(backupType)); err != nil {
		return catalog.Record{}, backuperr.Wrap(backuperr.InvalidArgument, op, err)
	}

	archiveRoot := e.cfg.ArchiveRoot()
	plan := preflight.Plan{
		SourceAccessible:     true,
		TargetWritable:       true,
		RequireMountedTarget: e.cfg.Preflight.RequireMountedTarget,
		MinFreeSpaceMB:       e.cfg.Preflight.MinFreeSpaceMB,
	}
	if err := preflight.Run(plan, absSource, archiveRoot); err != nil {
		return catalog.Record{}, err
	}

	timestampUTC := e.now().UTC()
	rec := catalog.Record{
		DataSource:      absSource,
		Timestamp:       timestampUTC,
		Status:          catalog.Pending,
		BackupType:      backupType,
		RetentionPolicy: retentionPolicy,
	}
	if err := e.insertPending(ctx, &rec); err != nil {
		return catalog.Record{}, err
	}
	defer e.markDone(rec.ID)

	plog.Info("Starting backup", "id", rec.ID, "source", absSource, "archive", rec.DestinationPath)

	ev := hook.Event{BackupID: rec.ID, Source: absSource, Archive: rec.DestinationPath}
	if err := e.hooks.RunPreBackup(ctx, &e.hookPlan, ev); err != nil && !hints.IsHint(err) {
		return catalog.Record{}, e.fail(ctx, rec, fmt.Errorf("pre-backup hook failed: %w", err))
	}

	var m pathcompression.Metrics = &pathcompression.NoopMetrics{}
	if e.cfg.Engine.Metrics {
		m = &pathcompression.CompressionMetrics{}
	}
	compressor := pathcompression.NewPathCompressor(e.method, e.level, e.buffers, m)

	written, err := compressor.Compress(ctx, absSource, rec.DestinationPath)
	if err != nil {
		m.LogSummary("Archive failed")
		return catalog.Record{}, e.fail(ctx, rec, err)
	}
	m.LogSummary("Archive finished")

	// The archive is on disk. Finish the bookkeeping even if the caller gave up.
	mctx := context.WithoutCancel(ctx)

	rec.Status = catalog.Completed
	rec.SizeMB = catalog.BytesToMB(written)
	if err := e.catalog.UpdateStatus(mctx, rec.ID, catalog.Completed, rec.SizeMB); err != nil {
		// The record stays pending; the next Reconcile verifies and promotes it.
		return catalog.Record{}, err
	}

	if err := metafile.Write(rec.DestinationPath, sidecarFor(rec, written, e.method)); err != nil {
		plog.Warn("Failed to write archive sidecar", "id", rec.ID, "error", err)
	}

	plog.Info("Backup completed", "id", rec.ID, "size_mb", fmt.Sprintf("%.2f", rec.SizeMB))

	ev.Status = rec.Status.String()
	if err := e.hooks.RunPostBackup(mctx, &e.hookPlan, ev); err != nil && !hints.IsHint(err) {
		plog.Warn("post-backup hook failed", "id", rec.ID, "error", err)
	}

	if e.cfg.Retention.SweepAfterCreate {
		if _, err := e.Sweep(mctx); err != nil {
			plog.Warn("Retention sweep after backup failed", "error", err)
		}
	}
	return rec, nil
}

// insertPending generates an id and inserts rec as pending, retrying with a
// new id while the generated one is taken by a record or a file.
func (e *Engine) insertPending(ctx context.Context, rec *catalog.Record) error {
	const op = "engine.create"

	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := fmt.Sprintf("backup_%s_%03d", rec.Timestamp.Format(idTimeFormat), e.randSuffix())
		archivePath := filepath.Join(e.cfg.ArchiveRoot(), id+ArchiveExt)

		if _, err := os.Lstat(archivePath); err == nil {
			lastErr = backuperr.New(backuperr.Conflict, op, "archive %s already exists", archivePath)
			continue
		}

		rec.ID = id
		rec.DestinationPath = archivePath
		e.markActive(id)
		err := e.catalog.Insert(ctx, *rec)
		if err == nil {
			return nil
		}
		e.markDone(id)
		if !errors.Is(err, backuperr.ErrConflict) {
			return err
		}
		plog.Debug("Backup id collision, regenerating", "id", id)
		lastErr = err
	}
	return backuperr.Wrapf(backuperr.Conflict, op, lastErr, "no unique backup id after %d attempts", maxIDAttempts)
}

// fail marks rec failed and removes any archive left at its destination. It
// returns cause.
func (e *Engine) fail(ctx context.Context, rec catalog.Record, cause error) error {
	mctx := context.WithoutCancel(ctx)

	if info, err := os.Lstat(rec.DestinationPath); err == nil && !info.IsDir() {
		if err := os.Remove(rec.DestinationPath); err != nil {
			plog.Warn("Failed to remove partial archive", "path", rec.DestinationPath, "error", err)
		}
	}
	if err := e.catalog.UpdateStatus(mctx, rec.ID, catalog.Failed, 0); err != nil {
		plog.Warn("Failed to mark backup as failed", "id", rec.ID, "error", err)
	}
	plog.Warn("Backup failed", "id", rec.ID, "error", cause)

	if e.hookPlan.Enabled {
		ev := hook.Event{BackupID: rec.ID, Source: rec.DataSource, Archive: rec.DestinationPath, Status: catalog.Failed.String()}
		if err := e.hooks.RunPostBackup(mctx, &e.hookPlan, ev); err != nil && !hints.IsHint(err) {
			plog.Warn("post-backup hook failed", "id", rec.ID, "error", err)
		}
	}
	return cause
}

func sidecarFor(rec catalog.Record, sizeBytes int64, method pathcompression.Method) *metafile.MetafileContent {
	return &metafile.MetafileContent{
		Version:         buildinfo.Version,
		BackupID:        rec.ID,
		DataSource:      rec.DataSource,
		TimestampUTC:    rec.Timestamp,
		BackupType:      rec.BackupType.String(),
		RetentionPolicy: rec.RetentionPolicy,
		SizeBytes:       sizeBytes,
		Method:          method.String(),
	}
}
