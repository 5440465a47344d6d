package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// busyBackoff is the wait before each rerun of a BUSY operation.
var busyBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

// ErrBusy wraps the last BUSY error once busyBackoff is spent.
var ErrBusy = errors.New("dbopen: database stayed busy")

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, extended codes
// included. Errors that lost their driver type are matched on the message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs op until it succeeds, fails with anything but BUSY, or
// the backoff is spent.
func withBusyRetry(ctx context.Context, op func() error) error {
	for i := 0; ; i++ {
		err := op()
		if !IsBusy(err) {
			return err
		}
		if i == len(busyBackoff) {
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
		if err := sleepCtx(ctx, busyBackoff[i]); err != nil {
			return fmt.Errorf("dbopen: context cancelled during retry: %w", err)
		}
	}
}

// RunTx executes fn inside one transaction. Any error from fn rolls the
// whole transaction back. A BUSY failure reruns fn from the start, so fn
// must not keep state between calls.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, func() error { return runOnce(ctx, db, fn) })
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec executes a single statement with the same BUSY retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
