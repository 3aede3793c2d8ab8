// Package repository is the message store: durable persistence of users,
// conversations, participants, groups, messages, attachments, read cursors
// and the event outbox.  Failures are classified into apperr kinds here so
// that higher layers such as the router and handlers can distinguish
// between caller errors and infrastructure errors.
package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/iliyamo/realtime-chat/internal/apperr"
)

// MySQL server error numbers the store reacts to.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// ErrForbidden and ErrConflict are kept as package-level names for callers
// that compare with errors.Is; they match any error of the same kind.
var (
	ErrForbidden = apperr.ErrForbidden
	ErrConflict  = apperr.ErrConflict
	ErrNotFound  = apperr.ErrNotFound
)

// mysqlRetry marks an error as transient so that withTx runs the
// transaction again.
type mysqlRetry struct{ err error }

func (e *mysqlRetry) Error() string { return e.err.Error() }
func (e *mysqlRetry) Unwrap() error { return e.err }

// isTransient reports whether a failed transaction is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var r *mysqlRetry
	if stderrors.As(err, &r) {
		return true
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var me *mysql.MySQLError
	if stderrors.As(err, &me) {
		return me.Number == errDeadlock || me.Number == errLockWaitTimeout
	}
	return false
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return stderrors.As(err, &me) && me.Number == errDupEntry
}

// classify turns a driver error into an apperr kind.  Errors that already
// carry a kind pass through untouched.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if stderrors.As(err, &ae) {
		return err
	}
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return apperr.Wrap(apperr.NotFound, err, op+": not found")
	case isDuplicate(err):
		return apperr.Wrap(apperr.Conflict, err, op+": already exists")
	case stderrors.Is(err, context.DeadlineExceeded), isTransient(err):
		return apperr.Wrap(apperr.Unavailable, errors.Wrap(err, op), "store unavailable")
	default:
		return apperr.Wrap(apperr.Internal, errors.Wrap(err, op), "store failure")
	}
}
