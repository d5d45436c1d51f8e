package pgsession

import (
	"errors"
	"fmt"
)

// ErrWouldBlock is returned by non-blocking operations that cannot proceed
// without waiting for transport readiness. It is only surfaced to callers
// that requested non-blocking behavior with SetNonblocking(true); otherwise
// the dispatcher absorbs it by suspending.
var ErrWouldBlock = errors.New("operation would block")

// ErrDeadConn is returned when an operation is attempted on a connection that
// has died from an earlier fatal transport error.
var ErrDeadConn = errors.New("conn is dead")

// ErrTxCommitRollback occurs when COMMIT is executed in a failed transaction.
// PostgreSQL accepts COMMIT on aborted transactions, but it is treated as
// ROLLBACK.
var ErrTxCommitRollback = errors.New("commit unexpectedly resulted in rollback")

// ConnectError is returned when the connect or reset handshake reaches the
// failed state. The connection cannot be used; the caller may attempt
// establishment again.
type ConnectError struct {
	Msg string
	Err error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failed: %s (%s)", e.Msg, e.Err)
	}
	return fmt.Sprintf("connection failed: %s", e.Msg)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NotCopyError is returned by RunCopy when the statement did not put the
// connection into COPY mode. No chunk I/O has occurred.
type NotCopyError struct {
	Status ResultStatus
}

func (e *NotCopyError) Error() string {
	return fmt.Sprintf("statement did not begin COPY: result status %s", e.Status)
}

// CopyIncompleteError is returned by RunCopy when a COPY TO STDOUT finished
// without the server reporting command completion. All remaining chunks and
// results have been drained; the connection is reusable.
type CopyIncompleteError struct {
	Status ResultStatus
	Err    error
}

func (e *CopyIncompleteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not all COPY data retrieved: final result status %s: %s", e.Status, e.Err)
	}
	return fmt.Sprintf("not all COPY data retrieved: final result status %s", e.Status)
}

func (e *CopyIncompleteError) Unwrap() error { return e.Err }
