package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/engine"
)

func TestSchedules(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	e := openEngine(t, newTestConfig(t), engine.WithClock(clock.Now))
	src := createSource(t)

	s, err := e.AddSchedule(ctx, "nightly", src, catalog.Daily, "", "")
	if err != nil {
		t.Fatalf("AddSchedule failed: %v", err)
	}
	if s.RetentionPolicy != "30_days" || s.BackupType != catalog.Full {
		t.Errorf("expected defaults to be filled in, got %+v", s)
	}

	if _, err := e.AddSchedule(ctx, "nightly", src, catalog.Daily, "", ""); !errors.Is(err, backuperr.ErrConflict) {
		t.Errorf("expected Conflict for a duplicate id, got %v", err)
	}
	if _, err := e.AddSchedule(ctx, "hourly", src, "hourly", "", ""); !errors.Is(err, backuperr.ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for an unknown frequency, got %v", err)
	}
	if _, err := e.AddSchedule(ctx, "bad", src, catalog.Weekly, "sometimes", ""); !errors.Is(err, backuperr.ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for a bad policy, got %v", err)
	}
	if _, err := e.AddSchedule(ctx, "ancient", src, catalog.Weekly, "4000_months", ""); !errors.Is(err, backuperr.ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for a policy that overflows, got %v", err)
	}

	summary, err := e.RunDueSchedules(ctx)
	if err != nil {
		t.Fatalf("RunDueSchedules failed: %v", err)
	}
	if summary != (engine.ScheduleRunSummary{Due: 1, Succeeded: 1}) {
		t.Errorf("expected the new schedule to run, got %+v", summary)
	}

	summary, _ = e.RunDueSchedules(ctx)
	if summary.Due != 0 {
		t.Errorf("a schedule that just ran must not be due, got %+v", summary)
	}

	clock.Advance(25 * time.Hour)
	summary, _ = e.RunDueSchedules(ctx)
	if summary.Due != 1 {
		t.Errorf("expected the schedule to be due again, got %+v", summary)
	}

	listing, _ := e.ListBackups(ctx)
	if listing.TotalBackups != 2 {
		t.Errorf("expected 2 scheduled backups, got %d", listing.TotalBackups)
	}

	schedules, err := e.ListSchedules(ctx)
	if err != nil || len(schedules) != 1 || schedules[0].LastRun == nil {
		t.Fatalf("expected one schedule with a last run, got %+v (%v)", schedules, err)
	}

	if err := e.RemoveSchedule(ctx, "nightly"); err != nil {
		t.Fatalf("RemoveSchedule failed: %v", err)
	}
	if err := e.RemoveSchedule(ctx, "nightly"); !errors.Is(err, backuperr.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	listing, _ = e.ListBackups(ctx)
	if listing.TotalBackups != 2 {
		t.Error("removing a schedule must keep its backups")
	}
}

func TestRunDueSchedulesFailedRunCounts(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	e := openEngine(t, newTestConfig(t), engine.WithClock(clock.Now))

	if _, err := e.AddSchedule(ctx, "gone", t.TempDir()+"/missing", catalog.Weekly, "", ""); err != nil {
		t.Fatalf("AddSchedule failed: %v", err)
	}

	summary, err := e.RunDueSchedules(ctx)
	if err != nil {
		t.Fatalf("RunDueSchedules failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected one failed run, got %+v", summary)
	}
	summary, _ = e.RunDueSchedules(ctx)
	if summary.Due != 0 {
		t.Errorf("a failed run still waits for the next interval, got %+v", summary)
	}
}

func TestServe(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Schedule.CheckIntervalSeconds = 1
	cfg.Retention.SweepIntervalSeconds = 0
	e := openEngine(t, cfg)

	if _, err := e.AddSchedule(context.Background(), "daily", createSource(t), catalog.Daily, "", ""); err != nil {
		t.Fatalf("AddSchedule failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		listing, err := e.ListBackups(context.Background())
		if err == nil && listing.TotalBackups == 1 && listing.Backups[0].Status == catalog.Completed {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("timed out waiting for the scheduled backup")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve should stop cleanly, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
