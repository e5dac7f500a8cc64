package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// RunDelete handles the logic for the delete command.
func RunDelete(ctx context.Context, flagMap map[string]any) error {
	id, err := requireString(flagMap, "id", flagparse.Delete)
	if err != nil {
		return err
	}

	e, err := openEngine(ctx, flagparse.Delete, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.DeleteBackup(ctx, id); err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" backup deleted.", "id", id)
	return nil
}
