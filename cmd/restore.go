package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// RunRestore handles the logic for the restore command.
func RunRestore(ctx context.Context, flagMap map[string]any) error {
	id, err := requireString(flagMap, "id", flagparse.Restore)
	if err != nil {
		return err
	}
	target, err := requireString(flagMap, "target", flagparse.Restore)
	if err != nil {
		return err
	}
	absTargetPath, err := util.ExpandedAbsPath(target)
	if err != nil {
		return fmt.Errorf("target path invalid: %w", err)
	}

	e, err := openEngine(ctx, flagparse.Restore, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	startTime := time.Now()
	result, err := e.RestoreBackup(ctx, id, util.DenormalizePath(absTargetPath))
	if err != nil {
		return err
	}
	duration := time.Since(startTime).Round(time.Millisecond)

	fmt.Fprintln(Output, result.Message)
	plog.Info(buildinfo.Name+" restore finished successfully.", "id", id, "entries", result.EntriesWritten, "duration", duration)
	return nil
}
