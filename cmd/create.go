package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// RunCreate handles the logic for the create command.
func RunCreate(ctx context.Context, flagMap map[string]any) error {
	source, err := requireString(flagMap, "source", flagparse.Create)
	if err != nil {
		return err
	}
	retention, _ := flagMap["retention"].(string)
	backupType, err := catalog.ParseBackupType(stringFlag(flagMap, "type"))
	if err != nil {
		return err
	}

	e, err := openEngine(ctx, flagparse.Create, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	startTime := time.Now()
	rec, err := e.CreateBackup(ctx, source, retention, backupType)
	if err != nil {
		return err
	}
	duration := time.Since(startTime).Round(time.Millisecond)

	fmt.Fprintln(Output, rec.ID)
	plog.Info(buildinfo.Name+" backup finished successfully.",
		"id", rec.ID,
		"size", humanize.IBytes(mbToBytes(rec.SizeMB)),
		"duration", duration)
	return nil
}

func stringFlag(flagMap map[string]any, name string) string {
	v, _ := flagMap[name].(string)
	return v
}

func mbToBytes(mb float64) uint64 {
	return uint64(mb * 1024 * 1024)
}
