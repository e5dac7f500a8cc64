package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// RunSweep handles the logic for the sweep command.
func RunSweep(ctx context.Context, flagMap map[string]any) error {
	e, err := openEngine(ctx, flagparse.Sweep, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	startTime := time.Now()
	summary, err := e.Sweep(ctx)
	if err != nil {
		return err
	}
	duration := time.Since(startTime).Round(time.Millisecond)

	msg := buildinfo.Name + " sweep finished."
	if e.Config().Runtime.DryRun {
		msg = "[DRY RUN] " + msg
	}
	plog.Info(msg,
		"examined", summary.Examined,
		"expired", summary.Expired,
		"deleted", summary.Deleted,
		"failed", summary.Failed,
		"duration", duration)
	return nil
}
