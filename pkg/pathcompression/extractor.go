package pathcompression

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/pool"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Member describes one entry of an archive.
type Member struct {
	Name     string
	Mode     fs.FileMode
	Size     uint64
	Modified time.Time
}

// IsDir reports whether the member is a directory entry.
func (m Member) IsDir() bool { return m.Mode.IsDir() || strings.HasSuffix(m.Name, "/") }

// IsSymlink reports whether the member is a symlink entry.
func (m Member) IsSymlink() bool { return m.Mode&fs.ModeSymlink != 0 }

// PathExtractor verifies and unpacks archives written by PathCompressor.
type PathExtractor struct {
	buffers       *pool.BufferPool
	verifyWorkers int
	metrics       Metrics
}

// NewPathExtractor returns an extractor. verifyWorkers bounds how many members
// are checked at once.
func NewPathExtractor(buffers *pool.BufferPool, verifyWorkers int, metrics Metrics) *PathExtractor {
	if buffers == nil {
		buffers = pool.NewBufferPool(pool.DefaultBufferSize)
	}
	if verifyWorkers < 1 {
		verifyWorkers = 1
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &PathExtractor{buffers: buffers, verifyWorkers: verifyWorkers, metrics: metrics}
}

// archive is an open zip file.
type archive struct {
	f *os.File
	r *zip.Reader
}

func (a *archive) Close() error { return a.f.Close() }

// openArchive opens and parses the central directory. A missing, empty or
// unparsable file is Corrupt.
func openArchive(op, absArchiveFilePath string) (*archive, error) {
	f, err := os.Open(absArchiveFilePath)
	if os.IsNotExist(err) {
		return nil, backuperr.New(backuperr.Corrupt, op, "archive %s does not exist", absArchiveFilePath)
	}
	if err != nil {
		return nil, backuperr.Wrapf(backuperr.IOError, op, err, "open archive")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, backuperr.Wrapf(backuperr.IOError, op, err, "stat archive")
	}
	if info.IsDir() || info.Size() == 0 {
		f.Close()
		return nil, backuperr.New(backuperr.Corrupt, op, "archive %s is empty", absArchiveFilePath)
	}

	r, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, backuperr.Wrapf(backuperr.Corrupt, op, err, "read zip directory of %s", absArchiveFilePath)
	}
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return &archive{f: f, r: r}, nil
}

func members(r *zip.Reader) []Member {
	out := make([]Member, 0, len(r.File))
	for _, zf := range r.File {
		out = append(out, Member{
			Name:     zf.Name,
			Mode:     zf.Mode(),
			Size:     zf.UncompressedSize64,
			Modified: zf.Modified,
		})
	}
	return out
}

// CheckContainment fails with Security if any member would land outside
// absTargetPath: absolute names, names escaping via "..", and members nested
// below a symlink member.
func CheckContainment(absTargetPath string, ms []Member) error {
	const op = "containment"
	root := filepath.Clean(absTargetPath)

	symlinks := make(map[string]bool)
	for _, m := range ms {
		if m.IsSymlink() {
			symlinks[path.Clean(m.Name)] = true
		}
	}

	for _, m := range ms {
		name := m.Name
		if name == "" || path.IsAbs(name) || filepath.IsAbs(util.DenormalizePath(name)) || filepath.VolumeName(util.DenormalizePath(name)) != "" {
			return backuperr.New(backuperr.Security, op, "illegal file path in archive: %q", name)
		}

		rel := path.Clean(name)
		absTarget := filepath.Join(root, util.DenormalizePath(rel))
		r, err := filepath.Rel(root, absTarget)
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(os.PathSeparator)) {
			return backuperr.New(backuperr.Security, op, "illegal file path in archive: %q", name)
		}
		if r == "." && !m.IsDir() {
			return backuperr.New(backuperr.Security, op, "illegal file path in archive: %q", name)
		}

		for p := path.Dir(rel); p != "." && p != "/"; p = path.Dir(p) {
			if symlinks[p] {
				return backuperr.New(backuperr.Security, op, "entry %q is nested under symlink %q", name, p)
			}
		}
	}
	return nil
}

// Extract unpacks the archive into absTargetPath and returns the number of
// entries written. Containment is checked before anything is written. On an
// I/O error the count reports what was already on disk.
func (e *PathExtractor) Extract(ctx context.Context, absArchiveFilePath, absTargetPath string) (int, error) {
	const op = "extract"

	a, err := openArchive(op, absArchiveFilePath)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	if err := CheckContainment(absTargetPath, members(a.r)); err != nil {
		return 0, err
	}

	plog.Notice("EXTRACT", "source", absArchiveFilePath, "target", absTargetPath)

	root := filepath.Clean(absTargetPath)
	if err := os.MkdirAll(root, util.UserWritableDirPerms); err != nil {
		return 0, backuperr.Wrapf(backuperr.IOError, op, err, "create target %s", root)
	}

	bufPtr := e.buffers.Get()
	defer e.buffers.Put(bufPtr)

	type dirTime struct {
		path string
		mod  time.Time
	}
	var dirs []dirTime
	written := 0

	for _, zf := range a.r.File {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		absTarget := filepath.Join(root, util.DenormalizePath(path.Clean(zf.Name)))

		// Strip SUID and SGID bits.
		mode := zf.Mode() &^ (os.ModeSetuid | os.ModeSetgid)

		var err error
		switch {
		case mode.IsDir() || strings.HasSuffix(zf.Name, "/"):
			err = extractDir(absTarget, mode)
			if err == nil {
				dirs = append(dirs, dirTime{absTarget, zf.Modified})
			}
		case mode&os.ModeSymlink != 0:
			err = e.extractSymlink(zf, absTarget)
		default:
			err = e.extractFile(ctx, zf, absTarget, mode, *bufPtr)
		}
		if err != nil {
			if isContextErr(err) {
				return written, err
			}
			return written, backuperr.Wrapf(backuperr.IOError, op, err, "extract %q", zf.Name)
		}

		written++
		e.metrics.AddEntriesProcessed(1)
	}

	// Directory times last, after their children stopped touching them.
	for i := len(dirs) - 1; i >= 0; i-- {
		if !dirs[i].mod.IsZero() {
			os.Chtimes(dirs[i].path, dirs[i].mod, dirs[i].mod)
		}
	}

	e.metrics.AddArchivesExtracted(1)
	return written, nil
}

func extractDir(absTarget string, mode os.FileMode) error {
	info, err := os.Lstat(absTarget)
	if err == nil && !info.IsDir() {
		if err := os.Remove(absTarget); err != nil {
			return err
		}
	}
	perm := util.WithUserExecutePermission(util.WithUserWritePermission(mode.Perm()))
	if err := os.MkdirAll(absTarget, perm); err != nil {
		return err
	}
	return os.Chmod(absTarget, perm)
}

func (e *PathExtractor) extractSymlink(zf *zip.File, absTarget string) error {
	if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	linkTarget, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return err
	}

	// Remove whatever is there so we never write through an existing link.
	if err := removeExisting(absTarget); err != nil {
		return err
	}
	if err := os.Symlink(string(linkTarget), absTarget); err != nil {
		return err
	}
	e.metrics.AddBytesWritten(int64(len(linkTarget)))
	return nil
}

func (e *PathExtractor) extractFile(ctx context.Context, zf *zip.File, absTarget string, mode os.FileMode, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
		return err
	}
	if err := removeExisting(absTarget); err != nil {
		return err
	}

	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	// O_EXCL refuses to follow a link that appeared after the remove.
	outFile, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}

	n, err := io.CopyBuffer(outFile, &ctxReader{ctx: ctx, r: rc}, buf)
	e.metrics.AddBytesWritten(n)
	if cerr := outFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if !zf.Modified.IsZero() {
		if err := os.Chtimes(absTarget, zf.Modified, zf.Modified); err != nil {
			plog.Debug("Failed to restore modification time", "path", absTarget, "error", err)
		}
	}
	return nil
}

// removeExisting clears a path before an entry is written there. Non-empty
// directories are left in place and surface as an error from the caller.
func removeExisting(absTarget string) error {
	info, err := os.Lstat(absTarget)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("cannot overwrite directory with a file: %s", absTarget)
	}
	return os.Remove(absTarget)
}
