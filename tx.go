package pgsession

import (
	"bytes"
	"context"
	"fmt"
)

type TxIsoLevel string

// Transaction isolation levels
const (
	Serializable    = TxIsoLevel("serializable")
	RepeatableRead  = TxIsoLevel("repeatable read")
	ReadCommitted   = TxIsoLevel("read committed")
	ReadUncommitted = TxIsoLevel("read uncommitted")
)

type TxAccessMode string

// Transaction access modes
const (
	ReadWrite = TxAccessMode("read write")
	ReadOnly  = TxAccessMode("read only")
)

type TxDeferrableMode string

// Transaction deferrable modes
const (
	Deferrable    = TxDeferrableMode("deferrable")
	NotDeferrable = TxDeferrableMode("not deferrable")
)

type TxOptions struct {
	IsoLevel       TxIsoLevel
	AccessMode     TxAccessMode
	DeferrableMode TxDeferrableMode
}

func (txOptions TxOptions) beginSQL() string {
	buf := &bytes.Buffer{}
	buf.WriteString("begin")
	if txOptions.IsoLevel != "" {
		fmt.Fprintf(buf, " isolation level %s", txOptions.IsoLevel)
	}
	if txOptions.AccessMode != "" {
		fmt.Fprintf(buf, " %s", txOptions.AccessMode)
	}
	if txOptions.DeferrableMode != "" {
		fmt.Fprintf(buf, " %s", txOptions.DeferrableMode)
	}
	return buf.String()
}

// RunTransaction executes body inside a transaction: BEGIN before, COMMIT
// after a nil return. When body returns an error the in-flight operation is
// canceled if the transaction status is not idle, ROLLBACK is executed, and
// body's error is returned unchanged; rollback failures are logged and
// suppressed in favor of the original cause.
func (c *Conn) RunTransaction(ctx context.Context, body func(*Conn) error) error {
	return c.RunTransactionTx(ctx, TxOptions{}, body)
}

// RunTransactionTx is RunTransaction with txOptions determining the
// transaction mode.
func (c *Conn) RunTransactionTx(ctx context.Context, txOptions TxOptions, body func(*Conn) error) error {
	if _, err := c.Exec(ctx, txOptions.beginSQL()); err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			// Reached only when body panicked. Roll back so the
			// session is not left inside an open transaction.
			c.rollbackAfterFailure(ctx)
		}
	}()

	if err := body(c); err != nil {
		c.rollbackAfterFailure(ctx)
		completed = true
		return err
	}
	completed = true

	res, err := c.Exec(ctx, "commit")
	if err != nil {
		return err
	}
	if res != nil && res.CommandTag == "ROLLBACK" {
		// PostgreSQL accepts COMMIT on an aborted transaction but
		// performs a rollback instead.
		return ErrTxCommitRollback
	}
	return nil
}

// rollbackAfterFailure cancels any in-flight operation when the transaction
// status is not idle, then rolls back. Its own failures are logged and
// suppressed so the caller's original error survives.
func (c *Conn) rollbackAfterFailure(ctx context.Context) {
	if c.TxStatus() != 'I' {
		if err := c.transport.Cancel(); err != nil {
			c.log(ctx, LogLevelWarn, "cancel during rollback failed", map[string]interface{}{"err": err})
		}
		c.drainResults(ctx)
	}

	if _, err := c.Exec(ctx, "rollback"); err != nil {
		c.log(ctx, LogLevelWarn, "rollback failed", map[string]interface{}{"err": err})
	}
}
