// Package lockfile gives one process at a time ownership of an archive root.
//
// The lock is a JSON file created with O_EXCL. Its owner rewrites it on a
// heartbeat; a file that has not been refreshed within staleTimeout belongs to
// a dead process and may be taken over. Takeover replaces the file atomically
// and reads it back, so of several contenders only the one whose nonce
// survived proceeds.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// LockFileName is the lock file inside the locked directory.
const LockFileName = ".~pgl-catalog.lock"

// LockContent is what the lock file holds.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	Owner      string    `json:"owner"`
	Nonce      string    `json:"nonce"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ErrLockActive is returned when a live process holds the lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	Owner     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (%s), last updated %s ago",
		e.PID, e.Hostname, e.Owner, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace means another process won a stale-lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile means the lock file stayed empty or unparsable across retries.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Vars so tests can shorten them.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryDelay        = 100 * time.Millisecond

	// takeoverSettle lets concurrent takeover writes land before the readback.
	takeoverSettle = 50 * time.Millisecond
)

// Lock is a held lock. Release it exactly when done; extra calls are no-ops.
type Lock struct {
	path string

	mu      sync.Mutex
	content LockContent
	stop    chan struct{}
	done    chan struct{}
	held    bool
}

// Acquire takes the lock in dirPath for owner. It returns *ErrLockActive when
// a live process holds it.
func Acquire(ctx context.Context, dirPath, owner string) (*Lock, error) {
	lockPath := filepath.Join(dirPath, LockFileName)

	const attempts = 3
	for range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := newContent(owner)
		if err != nil {
			return nil, err
		}

		err = createExclusive(lockPath, content)
		if err == nil {
			return start(lockPath, content), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		current, readErr := readLockContentSafely(lockPath)
		switch {
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", lockPath, "error", readErr)
		case os.IsNotExist(readErr):
			// Released between our create and read; just try again.
			continue
		case readErr != nil:
			sleep(ctx, retryDelay)
			continue
		default:
			age := time.Since(current.LastUpdate)
			if age < staleTimeout {
				return nil, &ErrLockActive{PID: current.PID, Hostname: current.Hostname, Owner: current.Owner, TimeSince: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", current.PID, "host", current.Hostname, "age", age)
		}

		if err := takeover(lockPath, content); err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to attempt lock takeover, retrying", "error", err)
			}
			sleep(ctx, retryDelay)
			continue
		}
		return start(lockPath, content), nil
	}
	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", attempts)
}

func newContent(owner string) (LockContent, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		Owner:      owner,
		Nonce:      uuid.NewString(),
		LastUpdate: time.Now().UTC(),
	}, nil
}

// createExclusive succeeds only if no lock file exists yet.
func createExclusive(lockPath string, content LockContent) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserOnlyFilePerms)
	if err != nil {
		return err
	}
	data, err := json.Marshal(content)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(lockPath)
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// takeover overwrites a stale lock and checks that our nonce is what landed.
func takeover(lockPath string, content LockContent) error {
	if err := writeAtomic(lockPath, content); err != nil {
		return err
	}
	time.Sleep(takeoverSettle)
	readback, err := readLockContentSafely(lockPath)
	if err != nil {
		return fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.Nonce != content.Nonce {
		return ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", lockPath)
	return nil
}

func start(lockPath string, content LockContent) *Lock {
	cleanupTempLockFiles(lockPath)
	l := &Lock{
		path:    lockPath,
		content: content,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		held:    true,
	}
	go l.heartbeat()
	plog.Debug("Lock acquired", "path", lockPath)
	return l
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := writeAtomic(l.path, content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// Release stops the heartbeat and removes the lock file.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	close(l.stop)
	l.mu.Unlock()

	// Wait so a late heartbeat cannot recreate the file after removal.
	<-l.done

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

// writeAtomic replaces the lock file via a synced temp file in the same directory.
func writeAtomic(lockPath string, content LockContent) error {
	tmp, err := os.CreateTemp(filepath.Dir(lockPath), filepath.Base(lockPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	data, err := json.Marshal(content)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), lockPath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes temp files of crashed writers. Only files older
// than staleTimeout are touched, a live heartbeat may own a newer one.
func cleanupTempLockFiles(lockPath string) {
	pattern := filepath.Join(filepath.Dir(lockPath), filepath.Base(lockPath)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

// readLockContentSafely retries on empty or partial content, which a reader can
// observe on some filesystems even with atomic renames.
func readLockContentSafely(lockPath string) (LockContent, error) {
	var lastErr error
	for range 3 {
		data, err := os.ReadFile(lockPath)
		if err != nil {
			return LockContent{}, err
		}
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
		} else {
			var content LockContent
			if lastErr = json.Unmarshal(data, &content); lastErr == nil {
				return content, nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastErr)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
