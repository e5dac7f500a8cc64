package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// RunExport handles the logic for the export command. -out "-" writes to
// Output.
func RunExport(ctx context.Context, flagMap map[string]any) error {
	out, err := requireString(flagMap, "out", flagparse.Export)
	if err != nil {
		return err
	}

	e, err := openEngine(ctx, flagparse.Export, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	if out == "-" {
		n, err := e.Catalog().Export(ctx, Output)
		if err != nil {
			return err
		}
		plog.Info(buildinfo.Name+" catalog exported.", "records", n)
		return nil
	}

	absOut, err := util.ExpandedAbsPath(out)
	if err != nil {
		return fmt.Errorf("output path invalid: %w", err)
	}
	n, err := exportToFile(ctx, absOut, func(w io.Writer) (int, error) {
		return e.Catalog().Export(ctx, w)
	})
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" catalog exported.", "records", n, "path", absOut)
	return nil
}

// exportToFile writes through a temp file in the destination directory and
// renames it into place, so a failed export never leaves a truncated file.
func exportToFile(ctx context.Context, absOut string, write func(io.Writer) (int, error)) (int, error) {
	dir := filepath.Dir(absOut)
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := write(tmp)
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if err := ctx.Err(); err != nil {
		return n, err
	}
	if err := os.Rename(tmpPath, absOut); err != nil {
		return n, fmt.Errorf("failed to move export into place: %w", err)
	}
	return n, nil
}
