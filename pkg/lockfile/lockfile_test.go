package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

func init() {
	plog.SetOutput(io.Discard)
}

func writeStaleLock(t *testing.T, dir string) {
	t.Helper()
	data, _ := json.Marshal(LockContent{
		PID:        12345,
		Hostname:   "stale-host",
		Owner:      "stale-owner",
		Nonce:      "stale-nonce",
		LastUpdate: time.Now().Add(-(staleTimeout + time.Minute)),
	})
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0600); err != nil {
		t.Fatalf("failed to create stale lock file: %v", err)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), dir, "test-owner")
	if err != nil {
		t.Fatalf("expected to acquire lock, got error: %v", err)
	}
	content, err := readLockContentSafely(lockPath)
	if err != nil {
		t.Fatalf("failed to read lock: %v", err)
	}
	if content.Owner != "test-owner" || content.PID != int64(os.Getpid()) || content.Nonce == "" {
		t.Errorf("unexpected lock content: %+v", content)
	}

	lock.Release()
	lock.Release() // idempotent

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}
}

func TestContention(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, "owner-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(context.Background(), dir, "owner-2")
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *ErrLockActive, got %T: %v", err, err)
	}
	if lockErr.Owner != "owner-1" {
		t.Errorf("expected lock error to report owner-1, got %q", lockErr.Owner)
	}
}

func TestStaleLockTakeover(t *testing.T) {
	dir := t.TempDir()
	writeStaleLock(t, dir)

	lock, err := Acquire(context.Background(), dir, "new-owner")
	if err != nil {
		t.Fatalf("failed to acquire stale lock: %v", err)
	}
	defer lock.Release()

	content, _ := readLockContentSafely(filepath.Join(dir, LockFileName))
	if content.Owner != "new-owner" {
		t.Errorf("expected new owner, got %q", content.Owner)
	}
}

func TestStaleLockContention(t *testing.T) {
	dir := t.TempDir()
	writeStaleLock(t, dir)

	var wg sync.WaitGroup
	acquired := make(chan *Lock, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lock, err := Acquire(context.Background(), dir, "contender"); err == nil {
				acquired <- lock
			}
		}()
	}
	wg.Wait()
	close(acquired)

	if len(acquired) != 1 {
		t.Fatalf("expected exactly one process to acquire the lock, %d succeeded", len(acquired))
	}
	for lock := range acquired {
		lock.Release()
	}
}

func TestCorruptLockIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, LockFileName), []byte("{corrupt"), 0600)

	lock, err := Acquire(context.Background(), dir, "owner")
	if err != nil {
		t.Fatalf("expected corrupt lock to be taken over, got %v", err)
	}
	lock.Release()
}

func TestHeartbeatKeepsLockFresh(t *testing.T) {
	origHeartbeat, origStale := heartbeatInterval, staleTimeout
	heartbeatInterval = 50 * time.Millisecond
	staleTimeout = 3 * heartbeatInterval
	t.Cleanup(func() {
		heartbeatInterval = origHeartbeat
		staleTimeout = origStale
	})

	dir := t.TempDir()
	lock, err := Acquire(context.Background(), dir, "owner-1")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer lock.Release()

	// Longer than the stale timeout; only the heartbeat keeps it alive.
	time.Sleep(staleTimeout + 50*time.Millisecond)

	_, err = Acquire(context.Background(), dir, "owner-2")
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected ErrLockActive, got %v", err)
	}
}

func TestReadLockContentSafely(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	t.Run("Fails on persistently empty file", func(t *testing.T) {
		os.WriteFile(lockPath, []byte{}, 0600)
		if _, err := readLockContentSafely(lockPath); !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Succeeds after transient empty state", func(t *testing.T) {
		os.WriteFile(lockPath, []byte{}, 0600)
		go func() {
			time.Sleep(20 * time.Millisecond)
			data, _ := json.Marshal(LockContent{PID: 2, Owner: "transient"})
			os.WriteFile(lockPath, data, 0600)
		}()
		content, err := readLockContentSafely(lockPath)
		if err != nil {
			t.Fatalf("failed to read transiently empty file: %v", err)
		}
		if content.Owner != "transient" {
			t.Errorf("expected owner 'transient', got %q", content.Owner)
		}
	})
}

func TestCleanupTempLockFiles(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "test.lock")

	oldTempPath := filepath.Join(dir, "test.lock.123.tmp")
	os.WriteFile(oldTempPath, []byte("old"), 0644)
	oldTime := time.Now().Add(-(staleTimeout + time.Minute))
	os.Chtimes(oldTempPath, oldTime, oldTime)

	newTempPath := filepath.Join(dir, "test.lock.456.tmp")
	os.WriteFile(newTempPath, []byte("new"), 0644)

	cleanupTempLockFiles(lockPath)

	if _, err := os.Stat(oldTempPath); !os.IsNotExist(err) {
		t.Error("expected old temporary file to be deleted")
	}
	if _, err := os.Stat(newTempPath); err != nil {
		t.Errorf("expected new temporary file to be kept: %v", err)
	}
}
