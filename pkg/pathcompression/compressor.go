// Package pathcompression turns a directory tree into a single zip archive and
// back. Archives are written to a temp file next to the destination and renamed
// into place, so a destination path either holds a complete archive or nothing.
package pathcompression

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/pool"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// TempFilePattern is the name pattern of in-progress archives.
const TempFilePattern = "pgl-catalog-*.tmp"

// openSourceFile is swapped out by tests to inject read failures.
var openSourceFile = secureFileOpen

// PathCompressor archives a directory tree into a zip file.
type PathCompressor struct {
	method  Method
	level   Level
	buffers *pool.BufferPool
	metrics Metrics

	// flatePool recycles deflate writers between members.
	flatePool sync.Pool
}

// pooledFlateWriter returns the flate writer to the pool on close.
type pooledFlateWriter struct {
	*flate.Writer
	pool *sync.Pool
}

func (w *pooledFlateWriter) Close() error {
	err := w.Writer.Close()
	w.pool.Put(w.Writer)
	return err
}

// NewPathCompressor returns a compressor. A nil metrics disables collection.
func NewPathCompressor(method Method, level Level, buffers *pool.BufferPool, metrics Metrics) *PathCompressor {
	if buffers == nil {
		buffers = pool.NewBufferPool(pool.DefaultBufferSize)
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	c := &PathCompressor{
		method:  method,
		level:   level,
		buffers: buffers,
		metrics: metrics,
	}
	lvl := level.flateLevel()
	c.flatePool.New = func() any {
		fw, _ := flate.NewWriter(io.Discard, lvl)
		return fw
	}
	return c
}

// Compress writes the tree under absSourcePath to absArchiveFilePath and
// returns the archive size in bytes. On any failure, cancellation included,
// nothing is left at absArchiveFilePath and the temp file is removed.
func (c *PathCompressor) Compress(ctx context.Context, absSourcePath, absArchiveFilePath string) (size int64, retErr error) {
	const op = "archive"

	defer func() {
		if retErr != nil {
			c.metrics.AddArchivesFailed(1)
			if !isContextErr(retErr) && !errors.As(retErr, new(*backuperr.Error)) {
				retErr = backuperr.Wrap(backuperr.IOError, op, retErr)
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	srcInfo, err := os.Stat(absSourcePath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat source %s: %w", absSourcePath, err)
	}
	if !srcInfo.IsDir() {
		return 0, backuperr.New(backuperr.InvalidArgument, op, "source %s is not a directory", absSourcePath)
	}

	// Same directory as the target so the final rename is atomic.
	trgF, err := os.CreateTemp(filepath.Dir(absArchiveFilePath), TempFilePattern)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()

	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	plog.Debug("Archiving", "source", absSourcePath, "temp", tempTrgPath, "method", c.method)

	if err := c.writeZip(ctx, absSourcePath, trgF); err != nil {
		return 0, err
	}

	if err := trgF.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync temp archive: %w", err)
	}
	info, err := trgF.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat temp archive: %w", err)
	}
	if err := trgF.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	// Last chance to honor a cancel before the archive becomes visible.
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.Rename(tempTrgPath, absArchiveFilePath); err != nil {
		return 0, fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	c.metrics.AddArchivesCreated(1)
	return info.Size(), nil
}

func (c *PathCompressor) writeZip(ctx context.Context, absSourcePath string, trgF *os.File) (retErr error) {
	mw := &compressMetricWriter{w: trgF, metrics: c.metrics}
	bufWriter := bufio.NewWriterSize(mw, c.buffers.Size())

	zw := zip.NewWriter(bufWriter)
	switch c.method {
	case Zstd:
		zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(c.level.zstdLevel())))
	case Deflate:
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			fw := c.flatePool.Get().(*flate.Writer)
			fw.Reset(out)
			return &pooledFlateWriter{Writer: fw, pool: &c.flatePool}, nil
		})
	}

	defer func() {
		if err := zw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("zip writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	bufPtr := c.buffers.Get()
	defer c.buffers.Put(bufPtr)
	buf := *bufPtr

	// WalkDir visits entries in lexical order and never follows symlinks.
	return filepath.WalkDir(absSourcePath, func(absSrcPath string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		if absSrcPath == absSourcePath {
			return nil
		}

		relPathKey, err := filepath.Rel(absSourcePath, absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absSrcPath, err)
		}
		relPathKey = util.NormalizePath(relPathKey)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", absSrcPath, err)
		}

		switch {
		case d.IsDir():
			err = writeDir(zw, relPathKey, info)
		case d.Type()&fs.ModeSymlink != 0:
			err = c.writeSymlink(zw, absSrcPath, relPathKey, info)
		case d.Type().IsRegular():
			err = c.writeFile(ctx, zw, absSrcPath, relPathKey, info, buf)
		default:
			plog.Warn("Skipping special file", "path", relPathKey, "mode", info.Mode().String())
			return nil
		}
		if err != nil {
			return err
		}

		plog.Debug("ADD", "file", relPathKey)
		c.metrics.AddEntriesProcessed(1)
		return nil
	})
}

func writeDir(zw *zip.Writer, relPathKey string, info os.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", relPathKey, err)
	}
	header.Name = relPathKey + "/"
	header.Method = zip.Store
	_, err = zw.CreateHeader(header)
	return err
}

func (c *PathCompressor) writeSymlink(zw *zip.Writer, absSrcPath, relPathKey string, info os.FileInfo) error {
	linkTarget, err := os.Readlink(absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", absSrcPath, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", relPathKey, err)
	}
	header.Name = relPathKey
	header.Method = zip.Store // the link target is the body, never compressed

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(linkTarget)); err != nil {
		return err
	}
	c.metrics.AddBytesRead(int64(len(linkTarget)))
	return nil
}

func (c *PathCompressor) writeFile(ctx context.Context, zw *zip.Writer, absSrcPath, relPathKey string, info os.FileInfo, buf []byte) error {
	fileToZip, err := openSourceFile(absSrcPath, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absSrcPath, err)
	}
	defer fileToZip.Close()

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", relPathKey, err)
	}
	header.Name = relPathKey
	header.Method = c.method.zipMethod()

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header for %s: %w", relPathKey, err)
	}

	n, err := io.CopyBuffer(w, &ctxReader{ctx: ctx, r: fileToZip}, buf)
	c.metrics.AddBytesRead(n)
	if err != nil {
		if isContextErr(err) {
			return err
		}
		return fmt.Errorf("failed to read file %s: %w", absSrcPath, err)
	}
	if n != info.Size() {
		return fmt.Errorf("file size changed during backup: %s", absSrcPath)
	}
	return nil
}

// secureFileOpen verifies that the file at path is the same one we expected (TOCTOU check).
// This prevents a file being swapped for a symlink after discovery.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during backup (TOCTOU): %s", absFilePath)
	}

	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during backup: %s", absFilePath)
	}

	return f, nil
}

// compressMetricWriter counts the bytes that reach the archive file.
type compressMetricWriter struct {
	w       io.Writer
	metrics Metrics
}

func (mw *compressMetricWriter) Write(p []byte) (n int, err error) {
	n, err = mw.w.Write(p)
	if n > 0 {
		mw.metrics.AddBytesWritten(int64(n))
	}
	return
}

// ctxReader stops a long copy as soon as the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
