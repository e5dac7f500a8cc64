package cmd_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-catalog/cmd"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/config"
	"github.com/paulschiretz/pgl-catalog/pkg/engine"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

func init() {
	plog.SetOutput(io.Discard)
}

// captureOutput runs f with cmd.Output redirected and returns what was written.
func captureOutput(t *testing.T, f func() error) string {
	t.Helper()
	var buf bytes.Buffer
	orig := cmd.Output
	cmd.Output = &buf
	defer func() { cmd.Output = orig }()
	if err := f(); err != nil {
		t.Fatalf("command failed: %v", err)
	}
	return buf.String()
}

// setupBase initializes a base directory and a small source tree.
func setupBase(t *testing.T) (base, src string) {
	t.Helper()
	base = filepath.Join(t.TempDir(), "base")
	if err := cmd.RunInit(context.Background(), map[string]any{"base": base}); err != nil {
		t.Fatalf("RunInit failed: %v", err)
	}
	src = t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "data.txt"), []byte("some data"), 0644); err != nil {
		t.Fatal(err)
	}
	return base, src
}

func createBackup(t *testing.T, base, src string, extra map[string]any) string {
	t.Helper()
	flags := map[string]any{"base": base, "source": src}
	for k, v := range extra {
		flags[k] = v
	}
	out := captureOutput(t, func() error { return cmd.RunCreate(context.Background(), flags) })
	return strings.TrimSpace(out)
}

func TestRunInit(t *testing.T) {
	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "base")

	err := cmd.RunInit(ctx, map[string]any{"base": base, "retention": "7_days", "method": "zstd"})
	if err != nil {
		t.Fatalf("RunInit failed: %v", err)
	}

	cfg, err := config.Load(base)
	if err != nil {
		t.Fatalf("failed to load generated config: %v", err)
	}
	if cfg.Retention.DefaultPolicy != "7_days" || cfg.Archive.Method != "zstd" {
		t.Errorf("flags were not persisted: %+v", cfg)
	}
	if _, err := os.Stat(cfg.CatalogPath()); err != nil {
		t.Errorf("expected catalog file: %v", err)
	}
	if _, err := os.Stat(cfg.ArchiveRoot()); err != nil {
		t.Errorf("expected archive root: %v", err)
	}

	t.Run("Re-init keeps settings", func(t *testing.T) {
		if err := cmd.RunInit(ctx, map[string]any{"base": base, "delete-workers": 2}); err != nil {
			t.Fatalf("RunInit failed: %v", err)
		}
		cfg, _ := config.Load(base)
		if cfg.Retention.DefaultPolicy != "7_days" || cfg.Engine.Performance.DeleteWorkers != 2 {
			t.Errorf("expected existing settings to be kept, got %+v", cfg)
		}
	})

	t.Run("Default with force resets", func(t *testing.T) {
		if err := cmd.RunInit(ctx, map[string]any{"base": base, "default": true, "force": true}); err != nil {
			t.Fatalf("RunInit failed: %v", err)
		}
		cfg, _ := config.Load(base)
		if cfg.Retention.DefaultPolicy != config.NewDefault().Retention.DefaultPolicy {
			t.Errorf("expected defaults, got %+v", cfg.Retention)
		}
	})

	t.Run("Invalid flags", func(t *testing.T) {
		if err := cmd.RunInit(ctx, map[string]any{"base": base, "retention": "sometimes"}); err == nil {
			t.Error("expected an invalid retention policy to be rejected")
		}
	})

	t.Run("Missing base", func(t *testing.T) {
		if err := cmd.RunInit(ctx, map[string]any{}); err == nil {
			t.Error("expected an error without -base")
		}
	})
}

func TestRunCreateAndList(t *testing.T) {
	ctx := context.Background()
	base, src := setupBase(t)

	first := createBackup(t, base, src, nil)
	second := createBackup(t, base, src, map[string]any{"retention": "N/A", "type": "incremental"})
	if !strings.HasPrefix(first, "backup_") || first == second {
		t.Fatalf("unexpected ids %q and %q", first, second)
	}

	t.Run("Text", func(t *testing.T) {
		out := captureOutput(t, func() error { return cmd.RunList(ctx, map[string]any{"base": base}) })
		for _, want := range []string{first, second, "completed", "incremental", "2 backup(s)"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in output:\n%s", want, out)
			}
		}
	})

	t.Run("JSON", func(t *testing.T) {
		out := captureOutput(t, func() error { return cmd.RunList(ctx, map[string]any{"base": base, "json": true}) })
		var listing engine.Listing
		if err := json.Unmarshal([]byte(out), &listing); err != nil {
			t.Fatalf("invalid JSON: %v\n%s", err, out)
		}
		if listing.TotalBackups != 2 {
			t.Errorf("expected 2 backups, got %d", listing.TotalBackups)
		}
		for _, r := range listing.Backups {
			if r.Status != catalog.Completed {
				t.Errorf("expected completed, got %s", r.Status)
			}
		}
	})

	t.Run("Missing source flag", func(t *testing.T) {
		if err := cmd.RunCreate(ctx, map[string]any{"base": base}); err == nil {
			t.Error("expected an error without -source")
		}
	})

	t.Run("Bad type", func(t *testing.T) {
		if err := cmd.RunCreate(ctx, map[string]any{"base": base, "source": src, "type": "differential"}); err == nil {
			t.Error("expected an error for an unknown backup type")
		}
	})
}

func TestRunListEmptyAndMissingBase(t *testing.T) {
	ctx := context.Background()
	base, _ := setupBase(t)

	out := captureOutput(t, func() error { return cmd.RunList(ctx, map[string]any{"base": base}) })
	if !strings.Contains(out, "No backups found.") {
		t.Errorf("unexpected output: %q", out)
	}

	if err := cmd.RunList(ctx, map[string]any{"base": filepath.Join(base, "nope")}); err == nil {
		t.Error("expected an error for a missing base")
	}
}

func TestRunRestore(t *testing.T) {
	ctx := context.Background()
	base, src := setupBase(t)
	id := createBackup(t, base, src, nil)
	target := filepath.Join(t.TempDir(), "restored")

	out := captureOutput(t, func() error {
		return cmd.RunRestore(ctx, map[string]any{"base": base, "id": id, "target": target})
	})
	if !strings.Contains(out, id) {
		t.Errorf("expected the restore message to name %s, got %q", id, out)
	}
	got, err := os.ReadFile(filepath.Join(target, "sub", "data.txt"))
	if err != nil || string(got) != "some data" {
		t.Errorf("restored file mismatch: %q (%v)", got, err)
	}

	if err := cmd.RunRestore(ctx, map[string]any{"base": base, "id": id}); err == nil {
		t.Error("expected an error without -target")
	}
}

func TestRunDelete(t *testing.T) {
	ctx := context.Background()
	base, src := setupBase(t)
	id := createBackup(t, base, src, nil)

	if err := cmd.RunDelete(ctx, map[string]any{"base": base, "id": id}); err != nil {
		t.Fatalf("RunDelete failed: %v", err)
	}
	if err := cmd.RunDelete(ctx, map[string]any{"base": base, "id": id}); err == nil {
		t.Error("expected a second delete to fail")
	}
}

func TestRunSweep(t *testing.T) {
	ctx := context.Background()
	base, src := setupBase(t)
	createBackup(t, base, src, map[string]any{"retention": "N/A"})

	if err := cmd.RunSweep(ctx, map[string]any{"base": base, "dry-run": true}); err != nil {
		t.Fatalf("RunSweep dry run failed: %v", err)
	}
	if err := cmd.RunSweep(ctx, map[string]any{"base": base}); err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}

	out := captureOutput(t, func() error { return cmd.RunList(ctx, map[string]any{"base": base, "json": true}) })
	if !strings.Contains(out, `"total_backups": 1`) {
		t.Errorf("a forever backup must survive the sweep:\n%s", out)
	}
}

func TestRunSchedule(t *testing.T) {
	ctx := context.Background()
	base, src := setupBase(t)

	out := captureOutput(t, func() error {
		return cmd.RunSchedule(ctx, map[string]any{"base": base, "id": "weekly-docs", "source": src, "frequency": "weekly"})
	})
	if strings.TrimSpace(out) != "weekly-docs" {
		t.Errorf("unexpected output %q", out)
	}

	out = captureOutput(t, func() error {
		return cmd.RunSchedule(ctx, map[string]any{"base": base, "list": true, "json": true})
	})
	var schedules []catalog.Schedule
	if err := json.Unmarshal([]byte(out), &schedules); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(schedules) != 1 || schedules[0].Frequency != catalog.Weekly {
		t.Errorf("unexpected schedules %+v", schedules)
	}

	out = captureOutput(t, func() error { return cmd.RunSchedule(ctx, map[string]any{"base": base, "list": true}) })
	if !strings.Contains(out, "weekly-docs") || !strings.Contains(out, "never") {
		t.Errorf("unexpected listing:\n%s", out)
	}

	if err := cmd.RunSchedule(ctx, map[string]any{"base": base, "id": "weekly-docs", "remove": true}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	out = captureOutput(t, func() error { return cmd.RunSchedule(ctx, map[string]any{"base": base, "list": true}) })
	if !strings.Contains(out, "No schedules found.") {
		t.Errorf("expected no schedules, got:\n%s", out)
	}

	testCases := []struct {
		name  string
		flags map[string]any
	}{
		{"Missing ID", map[string]any{"base": base, "source": src}},
		{"Missing Source", map[string]any{"base": base, "id": "x"}},
		{"Bad Frequency", map[string]any{"base": base, "id": "x", "source": src, "frequency": "hourly"}},
		{"List And Remove", map[string]any{"base": base, "id": "x", "list": true, "remove": true}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := cmd.RunSchedule(ctx, tc.flags); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRunServeStopsOnCancel(t *testing.T) {
	base, _ := setupBase(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- cmd.RunServe(ctx, map[string]any{"base": base}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected a clean stop, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestRunExport(t *testing.T) {
	ctx := context.Background()
	base, src := setupBase(t)
	ids := []string{createBackup(t, base, src, nil), createBackup(t, base, src, nil)}

	countLines := func(t *testing.T, r io.Reader) []catalog.Record {
		t.Helper()
		gz, err := pgzip.NewReader(r)
		if err != nil {
			t.Fatalf("not gzip: %v", err)
		}
		defer gz.Close()
		var records []catalog.Record
		sc := bufio.NewScanner(gz)
		for sc.Scan() {
			var rec catalog.Record
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				t.Fatalf("invalid line %q: %v", sc.Text(), err)
			}
			records = append(records, rec)
		}
		return records
	}

	t.Run("File", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "export", "catalog.jsonl.gz")
		if err := cmd.RunExport(ctx, map[string]any{"base": base, "out": out}); err != nil {
			t.Fatalf("RunExport failed: %v", err)
		}
		f, err := os.Open(out)
		if err != nil {
			t.Fatalf("export file missing: %v", err)
		}
		defer f.Close()
		records := countLines(t, f)
		if len(records) != len(ids) {
			t.Errorf("expected %d records, got %d", len(ids), len(records))
		}
	})

	t.Run("Stdout", func(t *testing.T) {
		out := captureOutput(t, func() error { return cmd.RunExport(ctx, map[string]any{"base": base, "out": "-"}) })
		records := countLines(t, strings.NewReader(out))
		if len(records) != len(ids) {
			t.Errorf("expected %d records, got %d", len(ids), len(records))
		}
	})

	t.Run("Missing out", func(t *testing.T) {
		if err := cmd.RunExport(ctx, map[string]any{"base": base}); err == nil {
			t.Error("expected an error without -out")
		}
	})
}

func TestRunReindex(t *testing.T) {
	ctx := context.Background()
	base, src := setupBase(t)
	id := createBackup(t, base, src, nil)

	cfg, _ := config.Load(base)
	matches, _ := filepath.Glob(cfg.CatalogPath() + "*")
	for _, m := range matches {
		os.Remove(m)
	}

	if err := cmd.RunReindex(ctx, map[string]any{"base": base}); err != nil {
		t.Fatalf("RunReindex failed: %v", err)
	}
	out := captureOutput(t, func() error { return cmd.RunList(ctx, map[string]any{"base": base}) })
	if !strings.Contains(out, id) {
		t.Errorf("expected %s to be reindexed:\n%s", id, out)
	}
}

func TestRunVersion(t *testing.T) {
	out := captureOutput(t, func() error { return cmd.RunVersion("PGL-Catalog", "1.2.3") })
	if out != "PGL-Catalog version 1.2.3\n" {
		t.Errorf("unexpected output %q", out)
	}
}
