package pgsession

import "context"

// ops is the per-connection dispatch strategy. Exactly one implementation is
// active at a time: blockingOps delegates to the transport's blocking
// primitives, nonblockingOps submits non-blocking and suspends at transport
// readiness points until the response is ready.
type ops interface {
	exec(ctx context.Context, c *Conn, sql string) (*Result, error)
	execParams(ctx context.Context, c *Conn, sql string, paramValues [][]byte) (*Result, error)
	prepare(ctx context.Context, c *Conn, name, sql string) (*Result, error)
	describe(ctx context.Context, c *Conn, name string) (*Result, error)
	nextResult(ctx context.Context, c *Conn) (*Result, error)
	lastResult(ctx context.Context, c *Conn) (*Result, error)
	putCopyData(ctx context.Context, c *Conn, data []byte) error
	getCopyData(ctx context.Context, c *Conn) ([]byte, error)
	endCopy(ctx context.Context, c *Conn, errorMsg string) error
	setNonblocking(c *Conn, enabled bool) error
	isNonblocking(c *Conn) bool
}

type blockingOps struct{}

func (blockingOps) exec(ctx context.Context, c *Conn, sql string) (*Result, error) {
	res, err := c.transport.Exec(sql)
	return finishResult(c, res, err)
}

func (blockingOps) execParams(ctx context.Context, c *Conn, sql string, paramValues [][]byte) (*Result, error) {
	res, err := c.transport.ExecParams(sql, paramValues)
	return finishResult(c, res, err)
}

func (blockingOps) prepare(ctx context.Context, c *Conn, name, sql string) (*Result, error) {
	res, err := c.transport.Prepare(name, sql)
	return finishResult(c, res, err)
}

func (blockingOps) describe(ctx context.Context, c *Conn, name string) (*Result, error) {
	res, err := c.transport.Describe(name)
	return finishResult(c, res, err)
}

func (blockingOps) nextResult(ctx context.Context, c *Conn) (*Result, error) {
	res, err := c.transport.NextResult(true)
	if err != nil {
		c.die(err)
	}
	return res, err
}

func (o blockingOps) lastResult(ctx context.Context, c *Conn) (*Result, error) {
	return lastResultLoop(ctx, c, o)
}

func (blockingOps) putCopyData(ctx context.Context, c *Conn, data []byte) error {
	for {
		done, err := c.transport.PutCopyData(data)
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
		data = nil // already buffered; retry only flushes
	}
}

func (blockingOps) getCopyData(ctx context.Context, c *Conn) ([]byte, error) {
	data, err := c.transport.GetCopyData(true)
	if err != nil {
		c.die(err)
	}
	return data, err
}

func (blockingOps) endCopy(ctx context.Context, c *Conn, errorMsg string) error {
	for {
		done, err := c.transport.PutCopyEnd(errorMsg)
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
		errorMsg = "" // end signal already buffered; retry only flushes
	}
}

func (blockingOps) setNonblocking(c *Conn, enabled bool) error {
	c.nonblockingWanted = enabled
	return c.transport.SetNonblocking(enabled)
}

func (blockingOps) isNonblocking(c *Conn) bool {
	return c.nonblockingWanted
}

type nonblockingOps struct{}

func (o nonblockingOps) exec(ctx context.Context, c *Conn, sql string) (*Result, error) {
	if err := c.transport.SendExec(sql); err != nil {
		c.die(err)
		return nil, err
	}
	if err := c.flushOutput(ctx); err != nil {
		return nil, err
	}
	res, err := o.lastResult(ctx, c)
	return finishResult(c, res, err)
}

func (o nonblockingOps) execParams(ctx context.Context, c *Conn, sql string, paramValues [][]byte) (*Result, error) {
	if err := c.transport.SendExecParams(sql, paramValues); err != nil {
		c.die(err)
		return nil, err
	}
	if err := c.flushOutput(ctx); err != nil {
		return nil, err
	}
	res, err := o.lastResult(ctx, c)
	return finishResult(c, res, err)
}

func (o nonblockingOps) prepare(ctx context.Context, c *Conn, name, sql string) (*Result, error) {
	if err := c.transport.SendPrepare(name, sql); err != nil {
		c.die(err)
		return nil, err
	}
	if err := c.flushOutput(ctx); err != nil {
		return nil, err
	}
	res, err := o.lastResult(ctx, c)
	return finishResult(c, res, err)
}

func (o nonblockingOps) describe(ctx context.Context, c *Conn, name string) (*Result, error) {
	if err := c.transport.SendDescribe(name); err != nil {
		c.die(err)
		return nil, err
	}
	if err := c.flushOutput(ctx); err != nil {
		return nil, err
	}
	res, err := o.lastResult(ctx, c)
	return finishResult(c, res, err)
}

func (nonblockingOps) nextResult(ctx context.Context, c *Conn) (*Result, error) {
	for {
		res, err := c.transport.NextResult(false)
		if err == ErrWouldBlock {
			if c.nonblockingWanted {
				return nil, ErrWouldBlock
			}
			if err := c.transport.WaitReadable(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			c.die(err)
		}
		return res, err
	}
}

func (o nonblockingOps) lastResult(ctx context.Context, c *Conn) (*Result, error) {
	return lastResultLoop(ctx, c, o)
}

func (nonblockingOps) putCopyData(ctx context.Context, c *Conn, data []byte) error {
	for {
		done, err := c.transport.PutCopyData(data)
		if err != nil {
			c.die(err)
			return err
		}
		if done {
			return nil
		}
		if c.nonblockingWanted {
			return ErrWouldBlock
		}
		if err := c.transport.WaitWritable(ctx); err != nil {
			return err
		}
		data = nil
	}
}

func (nonblockingOps) getCopyData(ctx context.Context, c *Conn) ([]byte, error) {
	for {
		data, err := c.transport.GetCopyData(false)
		if err == ErrWouldBlock {
			if c.nonblockingWanted {
				return nil, ErrWouldBlock
			}
			if err := c.transport.WaitReadable(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			c.die(err)
		}
		return data, err
	}
}

func (nonblockingOps) endCopy(ctx context.Context, c *Conn, errorMsg string) error {
	for {
		done, err := c.transport.PutCopyEnd(errorMsg)
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
		errorMsg = ""
	}
}

func (nonblockingOps) setNonblocking(c *Conn, enabled bool) error {
	// The transport stays non-blocking; only the recorded preference
	// changes. It decides whether would-block conditions surface.
	c.nonblockingWanted = enabled
	return nil
}

func (nonblockingOps) isNonblocking(c *Conn) bool {
	// Blocking has been emulated transparently.
	return false
}

// lastResultLoop consumes pending results via o.nextResult and returns the
// final one. A copy-class result ends the loop immediately: the protocol
// forbids reading past it until the copy terminates.
func lastResultLoop(ctx context.Context, c *Conn, o ops) (*Result, error) {
	var last *Result
	for {
		res, err := o.nextResult(ctx, c)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return last, nil
		}
		last = res
		switch res.Status {
		case CopyIn, CopyOut, CopyBoth:
			return res, nil
		}
	}
}

// finishResult normalizes blocking-primitive returns: fatal transport errors
// kill the connection, and a server-reported error result is surfaced as an
// error while still returning the result carrying it.
func finishResult(c *Conn, res *Result, err error) (*Result, error) {
	if err != nil {
		if err != ErrWouldBlock {
			c.die(err)
		}
		return nil, err
	}
	if res != nil && res.Err != nil {
		return res, res.Err
	}
	return res, nil
}
