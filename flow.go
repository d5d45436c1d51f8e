package pgsession

import "context"

// flushOutput writes buffered transport output until none remains. When the
// transport reports a partial write it suspends the calling goroutine until
// the byte stream is writable, then retries. A fatal transport error
// propagates immediately and kills the connection.
//
// Every put-style operation funnels through this loop (or the equivalent
// loops in the dispatch strategies), which is what guarantees eventual
// delivery without busy-waiting.
func (c *Conn) flushOutput(ctx context.Context) error {
	for {
		done, err := c.transport.Flush()
		if err != nil {
			c.die(err)
			return err
		}
		if done {
			return nil
		}
		if err := c.transport.WaitWritable(ctx); err != nil {
			return err
		}
	}
}

// Flush writes any buffered output, suspending as needed until complete.
func (c *Conn) Flush(ctx context.Context) error {
	if !c.alive {
		return ErrDeadConn
	}
	return c.flushOutput(ctx)
}
