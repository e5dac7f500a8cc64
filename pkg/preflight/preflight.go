// Package preflight checks that a backup can start before anything is written.
// The checks do not change the system, except that the archive root is
// created if it is missing.
package preflight

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Plan selects the checks Run performs.
type Plan struct {
	SourceAccessible bool
	TargetWritable   bool
	// RequireMountedTarget refuses an archive root that sits on the system
	// disk, which usually means an external drive is not mounted.
	RequireMountedTarget bool
	// MinFreeSpaceMB is the free space the archive root must have. Zero disables the check.
	MinFreeSpaceMB int64
}

// Run executes the checks in plan against a backup of srcPath into targetPath.
func Run(plan Plan, srcPath, targetPath string) error {
	const op = "preflight"

	if plan.SourceAccessible {
		if err := CheckSourceAccessible(srcPath); err != nil {
			return err
		}
	}
	if plan.RequireMountedTarget {
		if err := platformValidateMountPoint(targetPath); err != nil {
			return backuperr.Wrap(backuperr.InvalidState, op, err)
		}
	}
	if plan.TargetWritable {
		if err := CheckTargetWritable(targetPath); err != nil {
			return err
		}
	}
	if plan.MinFreeSpaceMB > 0 {
		if err := CheckFreeSpace(targetPath, plan.MinFreeSpaceMB); err != nil {
			return err
		}
	}
	return nil
}

// CheckSourceAccessible validates that srcPath is a readable directory.
func CheckSourceAccessible(srcPath string) error {
	const op = "preflight.source"

	srcInfo, err := os.Stat(srcPath)
	if os.IsNotExist(err) {
		return backuperr.New(backuperr.NotFound, op, "source directory %s does not exist", srcPath)
	}
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "cannot stat source directory %s", srcPath)
	}
	if !srcInfo.IsDir() {
		return backuperr.New(backuperr.InvalidArgument, op, "source path %s is not a directory", srcPath)
	}

	// Stat succeeds on a directory we cannot list.
	f, err := os.Open(srcPath)
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "source directory %s is not readable", srcPath)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return backuperr.Wrapf(backuperr.IOError, op, err, "source directory %s is not readable", srcPath)
	}
	return nil
}

// CheckTargetWritable creates targetPath if needed and proves it writable by
// creating and removing a probe file.
func CheckTargetWritable(targetPath string) error {
	const op = "preflight.target"

	info, err := os.Stat(targetPath)
	if err == nil && !info.IsDir() {
		return backuperr.New(backuperr.InvalidArgument, op, "target path exists but is not a directory: %s", targetPath)
	}
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "failed to create target directory %s", targetPath)
	}

	probe, err := os.CreateTemp(targetPath, ".pgl-catalog-writetest-*")
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "target directory %s is not writable", targetPath)
	}
	probe.Close()
	_ = os.Remove(probe.Name())
	return nil
}

// CheckFreeSpace fails when the filesystem holding targetPath has less than minMB free.
func CheckFreeSpace(targetPath string, minMB int64) error {
	const op = "preflight.space"

	free, err := freeSpace(existingAncestor(targetPath))
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "cannot determine free space of %s", targetPath)
	}
	need := uint64(minMB) * 1024 * 1024
	if free < need {
		return backuperr.New(backuperr.IOError, op, "only %s free on %s, need at least %s",
			humanize.IBytes(free), targetPath, humanize.IBytes(need))
	}
	return nil
}

// existingAncestor returns path or its deepest existing parent.
func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
