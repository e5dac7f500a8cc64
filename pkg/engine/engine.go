// Package engine ties the catalog, archiver, restorer and retention enforcer
// together into the backup operations a user runs.
//
// An Engine owns one base directory. Open takes the archive root's lock file,
// so at most one process mutates a catalog at a time, and reconciles records
// left pending by a previous crash. Within the process, operations may run
// concurrently: archive and restore I/O never holds the catalog lock, only the
// status transitions do.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/config"
	"github.com/paulschiretz/pgl-catalog/pkg/hook"
	"github.com/paulschiretz/pgl-catalog/pkg/lockfile"
	"github.com/paulschiretz/pgl-catalog/pkg/pathcompression"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/pool"
	"github.com/paulschiretz/pgl-catalog/pkg/restorer"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Engine runs backup operations against one base directory.
type Engine struct {
	cfg config.Config

	catalog  *catalog.Catalog
	lock     *lockfile.Lock
	buffers  *pool.BufferPool
	method   pathcompression.Method
	level    pathcompression.Level
	extract  *pathcompression.PathExtractor
	restorer *restorer.Restorer
	hooks    *hook.HookExecutor
	hookPlan hook.Plan

	// extractMetrics accumulates over the engine's lifetime and is logged on Close.
	extractMetrics pathcompression.Metrics

	now        func() time.Time
	randSuffix func() int

	// active holds ids of backups this process is still writing, so Reconcile
	// leaves them alone.
	mu     sync.Mutex
	active map[string]struct{}

	closeOnce sync.Once
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDSuffix replaces the random three-digit suffix of new backup ids.
func WithIDSuffix(f func() int) Option {
	return func(e *Engine) { e.randSuffix = f }
}

// WithCommandContext replaces exec.CommandContext for hook commands.
func WithCommandContext(f func(ctx context.Context, name string, arg ...string) *exec.Cmd) Option {
	return func(e *Engine) { e.hooks = hook.NewHookExecutor(f) }
}

// Open validates cfg, locks the archive root, opens the catalog and reconciles
// interrupted backups. A lock held by another live process is a Conflict.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	const op = "engine.open"

	if err := cfg.Validate(); err != nil {
		return nil, backuperr.Wrap(backuperr.InvalidArgument, op, err)
	}
	method, _ := pathcompression.ParseMethod(cfg.Archive.Method)
	level, _ := pathcompression.ParseLevel(cfg.Archive.Level)

	e := &Engine{
		cfg:        cfg,
		buffers:    pool.NewBufferPool(cfg.Engine.Performance.BufferSizeKB * 1024),
		method:     method,
		level:      level,
		hooks:      hook.NewHookExecutor(nil),
		now:        time.Now,
		randSuffix: func() int { return 100 + rand.IntN(900) },
		active:     make(map[string]struct{}),
		hookPlan: hook.Plan{
			Enabled:            len(cfg.Hooks.PreBackup) > 0 || len(cfg.Hooks.PostBackup) > 0,
			PreBackupCommands:  cfg.Hooks.PreBackup,
			PostBackupCommands: cfg.Hooks.PostBackup,
			DryRun:             cfg.Runtime.DryRun,
			FailFast:           cfg.Hooks.FailFast,
		},
	}
	for _, o := range opts {
		o(e)
	}

	e.extractMetrics = &pathcompression.NoopMetrics{}
	if cfg.Engine.Metrics {
		e.extractMetrics = &pathcompression.CompressionMetrics{}
	}
	e.extract = pathcompression.NewPathExtractor(e.buffers, cfg.Engine.Performance.VerifyWorkers, e.extractMetrics)

	archiveRoot := cfg.ArchiveRoot()
	if err := os.MkdirAll(archiveRoot, util.UserWritableDirPerms); err != nil {
		return nil, backuperr.Wrapf(backuperr.IOError, op, err, "create archive root %s", archiveRoot)
	}

	plog.Debug("Attempting to acquire lock", "path", archiveRoot)
	lock, err := lockfile.Acquire(ctx, archiveRoot, fmt.Sprintf("pgl-catalog:%s", archiveRoot))
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) || errors.Is(err, lockfile.ErrLostRace) {
			return nil, backuperr.Wrapf(backuperr.Conflict, op, err, "another process is using %s", cfg.Base)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, backuperr.Wrapf(backuperr.IOError, op, err, "acquire lock")
	}
	e.lock = lock
	plog.Debug("Lock acquired successfully.")

	cat, err := catalog.Open(ctx, cfg.CatalogPath())
	if err != nil {
		lock.Release()
		return nil, err
	}
	e.catalog = cat
	e.restorer = restorer.New(cat, e.extract)

	if _, err := e.Reconcile(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Close closes the catalog and releases the lock. It is safe to call twice.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.extractMetrics.LogSummary("Restore totals")
		if e.catalog != nil {
			err = e.catalog.Close()
		}
		if e.lock != nil {
			e.lock.Release()
		}
	})
	return err
}

// Config returns the validated configuration the engine runs with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Catalog exposes the underlying catalog, e.g. for export.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

func (e *Engine) markActive(id string) {
	e.mu.Lock()
	e.active[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) markDone(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *Engine) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
