package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// RunReindex handles the logic for the reindex command.
func RunReindex(ctx context.Context, flagMap map[string]any) error {
	e, err := openEngine(ctx, flagparse.Reindex, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	startTime := time.Now()
	summary, err := e.Reindex(ctx)
	if err != nil {
		return err
	}
	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" reindex finished.",
		"examined", summary.Examined,
		"imported", summary.Imported,
		"skipped", summary.Skipped,
		"duration", duration)
	return nil
}
