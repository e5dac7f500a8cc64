// Package restorer brings a completed backup back onto disk.
//
// A restore is checked end to end before the first byte is written: the record
// must be completed, its archive must verify, and every member must resolve
// inside the target directory. Only extraction itself can leave a partial
// result behind, and that case is reported through PartialRestoreError.
package restorer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/pathcompression"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// RecordGetter looks up a single backup record.
type RecordGetter interface {
	Get(ctx context.Context, id string) (catalog.Record, error)
}

// Result describes a finished restore.
type Result struct {
	BackupID       string `json:"backup_id"`
	TargetDir      string `json:"target_dir"`
	EntriesWritten int    `json:"entries_written"`
	Message        string `json:"message"`
}

// PartialRestoreError is returned when extraction failed after some entries
// were already written. Nothing is rolled back.
type PartialRestoreError struct {
	BackupID       string
	EntriesWritten int
	Err            error
}

func (e *PartialRestoreError) Error() string {
	return fmt.Sprintf("restore of %s stopped after %d entries: %v", e.BackupID, e.EntriesWritten, e.Err)
}

func (e *PartialRestoreError) Unwrap() error { return e.Err }

// Restorer extracts archives of completed backups.
type Restorer struct {
	records   RecordGetter
	extractor *pathcompression.PathExtractor
}

// New returns a Restorer reading records from records.
func New(records RecordGetter, extractor *pathcompression.PathExtractor) *Restorer {
	return &Restorer{records: records, extractor: extractor}
}

// Restore extracts backup id into targetDir.
func (r *Restorer) Restore(ctx context.Context, id, targetDir string) (Result, error) {
	const op = "restore"

	if targetDir == "" {
		return Result{}, backuperr.New(backuperr.InvalidArgument, op, "target directory cannot be empty")
	}
	absTarget, err := util.ExpandedAbsPath(targetDir)
	if err != nil {
		return Result{}, backuperr.Wrapf(backuperr.InvalidArgument, op, err, "resolve target %s", targetDir)
	}

	rec, err := r.records.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if rec.Status != catalog.Completed {
		return Result{}, backuperr.New(backuperr.InvalidState, op, "backup %q is %s, only completed backups can be restored", id, rec.Status)
	}
	if rec.DestinationPath == "" {
		return Result{}, backuperr.New(backuperr.Corrupt, op, "backup %q has no archive path", id)
	}

	plog.Info("Verifying archive", "id", id, "archive", rec.DestinationPath)
	members, err := r.extractor.Verify(ctx, rec.DestinationPath)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(absTarget, util.UserWritableDirPerms); err != nil {
		return Result{}, backuperr.Wrapf(backuperr.IOError, op, err, "create target %s", absTarget)
	}

	if err := pathcompression.CheckContainment(absTarget, members); err != nil {
		return Result{}, err
	}

	n, err := r.extractor.Extract(ctx, rec.DestinationPath, absTarget)
	if err != nil {
		if backuperr.Is(err, backuperr.IOError) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &PartialRestoreError{BackupID: id, EntriesWritten: n, Err: err}
		}
		return Result{}, err
	}

	res := Result{
		BackupID:       id,
		TargetDir:      absTarget,
		EntriesWritten: n,
		Message:        fmt.Sprintf("Data from backup '%s' successfully restored to '%s'.", id, absTarget),
	}
	plog.Info("Restore finished", "id", id, "target", absTarget, "entries", n)
	return res, nil
}
