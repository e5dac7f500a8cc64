package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// RunServe handles the logic for the serve command. It blocks until ctx is
// cancelled, usually by an interrupt signal.
func RunServe(ctx context.Context, flagMap map[string]any) error {
	e, err := openEngine(ctx, flagparse.Serve, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Serve(ctx); err != nil {
		return err
	}
	plog.Info(buildinfo.Name + " serve stopped.")
	return nil
}
