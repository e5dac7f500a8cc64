package restorer_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/pathcompression"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/pool"
	"github.com/paulschiretz/pgl-catalog/pkg/restorer"
)

func init() {
	plog.SetOutput(io.Discard)
}

type fakeRecords map[string]catalog.Record

func (f fakeRecords) Get(ctx context.Context, id string) (catalog.Record, error) {
	r, ok := f[id]
	if !ok {
		return catalog.Record{}, backuperr.New(backuperr.NotFound, "get", "backup %q not found", id)
	}
	return r, nil
}

func newRestorer(records fakeRecords) *restorer.Restorer {
	return restorer.New(records, pathcompression.NewPathExtractor(pool.NewBufferPool(4096), 2, nil))
}

// archiveTree writes a small tree and archives it, returning the archive path.
func archiveTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	os.MkdirAll(filepath.Join(src, "docs"), 0755)
	os.WriteFile(filepath.Join(src, "docs", "report.txt"), []byte("quarterly numbers"), 0644)
	os.WriteFile(filepath.Join(src, "readme.md"), []byte("# readme"), 0644)

	archivePath := filepath.Join(t.TempDir(), "backup_1.zip")
	c := pathcompression.NewPathCompressor(pathcompression.Deflate, pathcompression.Default, pool.NewBufferPool(4096), nil)
	if _, err := c.Compress(context.Background(), src, archivePath); err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	return archivePath
}

func completedRecord(id, archivePath string) catalog.Record {
	return catalog.Record{
		ID:              id,
		DataSource:      "/src",
		DestinationPath: archivePath,
		Timestamp:       time.Now(),
		Status:          catalog.Completed,
		SizeMB:          0.01,
		BackupType:      catalog.Full,
		RetentionPolicy: "N/A",
	}
}

func TestRestore(t *testing.T) {
	archivePath := archiveTree(t)
	r := newRestorer(fakeRecords{"backup_1": completedRecord("backup_1", archivePath)})

	// Restoring into different targets yields identical trees.
	testCases := []struct {
		name   string
		suffix string
	}{
		{"first", ""},
		{"second", ""},
		{"trailing separator", string(os.PathSeparator)},
		{"dot segment", string(os.PathSeparator) + "."},
	}

	for _, tc := range testCases {
		target := filepath.Join(t.TempDir(), "target")
		res, err := r.Restore(context.Background(), "backup_1", target+tc.suffix)
		if err != nil {
			t.Fatalf("Restore into %s failed: %v", tc.name, err)
		}
		if res.TargetDir != target {
			t.Errorf("%s: expected target dir %q, got %q", tc.name, target, res.TargetDir)
		}
		want := "Data from backup 'backup_1' successfully restored to '" + target + "'."
		if res.Message != want {
			t.Errorf("%s: expected message %q, got %q", tc.name, want, res.Message)
		}
		if res.EntriesWritten != 3 {
			t.Errorf("expected 3 entries, got %d", res.EntriesWritten)
		}
		content, err := os.ReadFile(filepath.Join(target, "docs", "report.txt"))
		if err != nil || string(content) != "quarterly numbers" {
			t.Errorf("unexpected restored content %q (err %v)", content, err)
		}
	}
}

func TestRestoreErrors(t *testing.T) {
	archivePath := archiveTree(t)

	pending := completedRecord("backup_pending", "")
	pending.Status = catalog.Pending
	failed := completedRecord("backup_failed", "")
	failed.Status = catalog.Failed

	records := fakeRecords{
		"backup_pending": pending,
		"backup_failed":  failed,
		"backup_missing": completedRecord("backup_missing", filepath.Join(t.TempDir(), "gone.zip")),
		"backup_ok":      completedRecord("backup_ok", archivePath),
	}

	testCases := []struct {
		name   string
		id     string
		target string
		want   error
	}{
		{"Unknown id", "backup_nope", t.TempDir(), backuperr.ErrNotFound},
		{"Pending backup", "backup_pending", t.TempDir(), backuperr.ErrInvalidState},
		{"Failed backup", "backup_failed", t.TempDir(), backuperr.ErrInvalidState},
		{"Archive file gone", "backup_missing", t.TempDir(), backuperr.ErrCorrupt},
		{"Empty target", "backup_ok", "", backuperr.ErrInvalidArgument},
	}

	r := newRestorer(records)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Restore(context.Background(), tc.id, tc.target)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRestoreRejectsEscapingArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "evil.zip")
	f, _ := os.Create(p)
	zw := zip.NewWriter(f)
	for _, name := range []string{"innocent.txt", "../../escape.txt"} {
		w, _ := zw.Create(name)
		w.Write([]byte("x"))
	}
	zw.Close()
	f.Close()

	r := newRestorer(fakeRecords{"backup_evil": completedRecord("backup_evil", p)})
	parent := t.TempDir()
	target := filepath.Join(parent, "one", "target")

	_, err := r.Restore(context.Background(), "backup_evil", target)
	if !errors.Is(err, backuperr.ErrSecurity) {
		t.Fatalf("expected Security, got %v", err)
	}
	entries, _ := os.ReadDir(target)
	if len(entries) != 0 {
		t.Errorf("target must stay empty, found %d entries", len(entries))
	}
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); !os.IsNotExist(err) {
		t.Error("escaping entry was written")
	}
}

func TestRestorePartialFailure(t *testing.T) {
	archivePath := archiveTree(t)
	r := newRestorer(fakeRecords{"backup_1": completedRecord("backup_1", archivePath)})

	// docs/ and docs/report.txt come first; readme.md hits a non-empty dir.
	target := t.TempDir()
	os.MkdirAll(filepath.Join(target, "readme.md", "blocker"), 0755)

	_, err := r.Restore(context.Background(), "backup_1", target)
	var partial *restorer.PartialRestoreError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialRestoreError, got %v", err)
	}
	if partial.EntriesWritten != 2 {
		t.Errorf("expected 2 entries written, got %d", partial.EntriesWritten)
	}
	if !errors.Is(err, backuperr.ErrIO) {
		t.Errorf("expected wrapped IOError, got %v", err)
	}
}
