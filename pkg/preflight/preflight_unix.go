//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// platformValidateMountPoint refuses a target outside the home directory that
// lives on the same device as "/". That is usually a mount point whose drive
// is missing.
func platformValidateMountPoint(path string) error {
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" && strings.HasPrefix(path, homeDir) {
		return nil
	}

	var rootStat, pathStat unix.Stat_t
	if err := unix.Stat("/", &rootStat); err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	if err := unix.Stat(existingAncestor(path), &pathStat); err != nil {
		return fmt.Errorf("failed to stat target path: %w", err)
	}

	if pathStat.Dev == rootStat.Dev && path != "/" {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk). "+
			"Ensure your external drive is mounted", path)
	}
	return nil
}

// freeSpace returns the bytes available to an unprivileged user on the
// filesystem holding path.
func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
