// Package catalog is the durable store of backup records and schedules.
//
// The catalog is a single SQLite file opened in WAL mode with synchronous=FULL,
// so a mutation that returned successfully survives a crash. Mutations are
// serialized by the catalog's write lock; reads take the read lock and observe
// the last committed state.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// DefaultFileName is the catalog file name inside the base directory.
const DefaultFileName = "catalog.db"

const recordColumns = `backup_id, data_source, destination_path, timestamp_ns, status, size_mb, backup_type, retention_policy`

// Catalog is a handle to an open catalog file. It is safe for concurrent use.
type Catalog struct {
	db   *sql.DB
	path string

	// mu makes mutations single-writer and keeps reads off half-applied state.
	mu sync.RWMutex
}

// Open opens (or creates) the catalog at dbPath and applies pending migrations.
func Open(ctx context.Context, dbPath string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), util.UserWritableDirPerms); err != nil {
		return nil, backuperr.Wrapf(backuperr.IOError, "catalog.open", err, "failed to create catalog directory")
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, backuperr.Wrapf(backuperr.IOError, "catalog.open", err, "open db")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, backuperr.Wrapf(backuperr.IOError, "catalog.open", err, "ping db")
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, backuperr.Wrapf(backuperr.IOError, "catalog.open", err, "run migrations")
	}

	plog.Debug("Catalog opened", "path", dbPath)
	return &Catalog{db: db, path: dbPath}, nil
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

// Close closes the underlying database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// Insert adds a new record. It fails with Conflict if the id already exists.
func (c *Catalog) Insert(ctx context.Context, r Record) error {
	const op = "catalog.insert"
	if r.ID == "" {
		return backuperr.New(backuperr.InvalidArgument, op, "backup id cannot be empty")
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return backuperr.Wrap(backuperr.InvalidArgument, op, err)
	}
	if _, err := ParseBackupType(string(r.BackupType)); err != nil {
		return backuperr.Wrap(backuperr.InvalidArgument, op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "begin transaction")
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM backups WHERE backup_id = ?`, r.ID).Scan(&one)
	switch {
	case err == nil:
		return backuperr.New(backuperr.Conflict, op, "backup %q already exists", r.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return backuperr.Wrapf(backuperr.IOError, op, err, "check backup %q", r.ID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO backups (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DataSource, r.DestinationPath, r.Timestamp.UTC().UnixNano(),
		string(r.Status), r.SizeMB, string(r.BackupType), r.RetentionPolicy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return backuperr.New(backuperr.Conflict, op, "backup %q already exists", r.ID)
		}
		return backuperr.Wrapf(backuperr.IOError, op, err, "insert backup %q", r.ID)
	}

	if err := tx.Commit(); err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "commit backup %q", r.ID)
	}
	return nil
}

// Get returns the record with the given id, or NotFound.
func (c *Catalog) Get(ctx context.Context, id string) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	row := c.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM backups WHERE backup_id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, backuperr.New(backuperr.NotFound, "catalog.get", "backup %q not found", id)
	}
	if err != nil {
		return Record{}, backuperr.Wrapf(backuperr.IOError, "catalog.get", err, "get backup %q", id)
	}
	return r, nil
}

// List returns every record, newest first. Ties on timestamp are broken by id, descending.
func (c *Catalog) List(ctx context.Context) ([]Record, error) {
	return c.query(ctx, "catalog.list",
		`SELECT `+recordColumns+` FROM backups ORDER BY timestamp_ns DESC, backup_id DESC`)
}

// ListByStatus returns the records in the given status, in listing order.
func (c *Catalog) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	return c.query(ctx, "catalog.list",
		`SELECT `+recordColumns+` FROM backups WHERE status = ? ORDER BY timestamp_ns DESC, backup_id DESC`,
		string(status))
}

// UpdateStatus moves a pending record to a terminal status. sizeMB is stored
// for completed records. A failed record loses its destination path.
func (c *Catalog) UpdateStatus(ctx context.Context, id string, status Status, sizeMB float64) error {
	const op = "catalog.update_status"
	if !status.IsTerminal() {
		return backuperr.New(backuperr.InvalidTransition, op, "cannot move backup %q to %s", id, status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "begin transaction")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM backups WHERE backup_id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return backuperr.New(backuperr.NotFound, op, "backup %q not found", id)
	}
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "read status of %q", id)
	}
	if Status(current).IsTerminal() {
		return backuperr.New(backuperr.InvalidTransition, op, "backup %q is already %s", id, current)
	}

	if status == Completed {
		_, err = tx.ExecContext(ctx,
			`UPDATE backups SET status = ?, size_mb = ? WHERE backup_id = ? AND status = ?`,
			string(status), sizeMB, id, string(Pending))
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE backups SET status = ?, size_mb = 0, destination_path = '' WHERE backup_id = ? AND status = ?`,
			string(status), id, string(Pending))
	}
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "update backup %q", id)
	}

	if err := tx.Commit(); err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "commit backup %q", id)
	}
	return nil
}

// Delete removes a record, or fails with NotFound.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	const op = "catalog.delete"
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM backups WHERE backup_id = ?`, id)
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "delete backup %q", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return backuperr.Wrapf(backuperr.IOError, op, err, "delete backup %q", id)
	}
	if n == 0 {
		return backuperr.New(backuperr.NotFound, op, "backup %q not found", id)
	}
	return nil
}

func (c *Catalog) query(ctx context.Context, op, q string, args ...any) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.IOError, op, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, backuperr.Wrapf(backuperr.IOError, op, err, "scan backup")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, backuperr.Wrap(backuperr.IOError, op, err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r          Record
		tsNanos    int64
		status     string
		backupType string
	)
	if err := s.Scan(&r.ID, &r.DataSource, &r.DestinationPath, &tsNanos, &status, &r.SizeMB, &backupType, &r.RetentionPolicy); err != nil {
		return Record{}, err
	}
	r.Timestamp = time.Unix(0, tsNanos).UTC()
	r.Status = Status(status)
	r.BackupType = BackupType(backupType)
	return r, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// String is used in log summaries.
func (c *Catalog) String() string {
	return fmt.Sprintf("catalog(%s)", c.path)
}
