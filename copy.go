package pgsession

import (
	"context"
	"errors"
)

// ErrNoCopyCoder is returned by PutCopyRow and GetCopyRow when no coder is
// installed for the active COPY.
var ErrNoCopyCoder = errors.New("no COPY coder installed")

// ErrNoActiveCopy is returned by the row and chunk helpers when the
// connection is not inside RunCopy.
var ErrNoActiveCopy = errors.New("no COPY in progress")

type copyDirection int

const (
	copyDirectionIn copyDirection = iota
	copyDirectionOut
)

// RunCopy executes sql, which must put the connection into COPY mode, and
// invokes body with the CopyIn or CopyOut result. During body the caller
// streams data with PutCopyData/PutCopyRow (COPY FROM STDIN) or
// GetCopyData/GetCopyRow (COPY TO STDOUT).
//
// coder, when non-nil, is installed as the active row coder for the duration
// of the call; the previously active coder is restored on every exit path.
//
// RunCopy guarantees protocol-correct termination on every exit path. On
// normal completion of a COPY FROM STDIN it sends the end-of-copy signal and
// returns the server's final result. If body returns an error during a COPY
// FROM STDIN, the copy is aborted server-side with the error's message so no
// partial data commits, and the original error is returned unchanged. If body
// returns an error during a COPY TO STDOUT, the in-flight command is
// canceled, remaining chunks and results are drained best-effort, and the
// original error is returned unchanged. A COPY TO STDOUT whose final status
// is not CommandOk is drained and reported as CopyIncompleteError.
//
// In all cases the connection is left command-ready when cleanup itself
// succeeds.
func (c *Conn) RunCopy(ctx context.Context, sql string, coder CopyCoder, body func(*Result) error) (finalRes *Result, err error) {
	if !c.alive {
		return nil, ErrDeadConn
	}

	res, err := c.Exec(ctx, sql)
	if err != nil {
		return nil, err
	}

	if res == nil {
		return nil, &NotCopyError{Status: BadResponse}
	}

	var dir copyDirection
	switch res.Status {
	case CopyIn:
		dir = copyDirectionIn
	case CopyOut:
		dir = copyDirectionOut
	default:
		return nil, &NotCopyError{Status: res.Status}
	}

	prevCoder := c.copyCoder
	c.copyCoder = coder
	c.copyActive = true
	terminated := false
	defer func() {
		c.copyCoder = prevCoder
		c.copyActive = false
		if !terminated {
			// Reached only when body panicked: the copy must still
			// be ended before the connection can carry commands.
			c.abandonCopy(ctx, dir)
		}
	}()

	bodyErr := body(res)

	switch dir {
	case copyDirectionIn:
		if bodyErr != nil {
			msg := bodyErr.Error()
			if msg == "" {
				msg = "copy aborted by caller"
			}
			if endErr := c.ops.endCopy(ctx, c, msg); endErr != nil {
				c.log(ctx, LogLevelWarn, "aborting COPY failed", map[string]interface{}{"err": endErr})
			} else {
				c.drainResults(ctx)
			}
			terminated = true
			return nil, bodyErr
		}

		if endErr := c.ops.endCopy(ctx, c, ""); endErr != nil {
			terminated = true
			return nil, endErr
		}
		final, err := c.ops.lastResult(ctx, c)
		terminated = true
		if err != nil {
			return nil, err
		}
		if final != nil && final.Err != nil {
			return final, final.Err
		}
		return final, nil

	default: // copyDirectionOut
		if bodyErr != nil {
			if cancelErr := c.transport.Cancel(); cancelErr != nil {
				c.log(ctx, LogLevelWarn, "canceling COPY failed", map[string]interface{}{"err": cancelErr})
			}
			c.drainCopyOut(ctx)
			c.drainResults(ctx)
			terminated = true
			return nil, bodyErr
		}

		final, err := c.ops.lastResult(ctx, c)
		terminated = true
		if err != nil {
			return nil, err
		}
		if final == nil || final.Status != CommandOk {
			c.drainCopyOut(ctx)
			c.drainResults(ctx)
			incomplete := &CopyIncompleteError{Status: BadResponse}
			if final != nil {
				incomplete.Status = final.Status
				incomplete.Err = final.Err
			}
			return nil, incomplete
		}
		return final, nil
	}
}

// abandonCopy forces protocol termination of a copy that body never finished.
func (c *Conn) abandonCopy(ctx context.Context, dir copyDirection) {
	if dir == copyDirectionIn {
		if err := c.ops.endCopy(ctx, c, "copy abandoned"); err != nil {
			return
		}
	} else {
		if err := c.transport.Cancel(); err != nil {
			c.log(ctx, LogLevelWarn, "canceling COPY failed", map[string]interface{}{"err": err})
		}
		c.drainCopyOut(ctx)
	}
	c.drainResults(ctx)
}

// drainCopyOut consumes remaining COPY chunks best-effort. Drain errors never
// replace the caller's original failure; they are logged and swallowed so the
// connection can return to a command-ready state. The caller's non-blocking
// preference does not apply during cleanup: a would-block condition suspends
// instead of surfacing, since abandoning the drain would leave the connection
// mid-COPY.
func (c *Conn) drainCopyOut(ctx context.Context) {
	for {
		data, err := c.ops.getCopyData(ctx, c)
		if err == ErrWouldBlock {
			if err := c.transport.WaitReadable(ctx); err != nil {
				return
			}
			continue
		}
		if err != nil {
			c.log(ctx, LogLevelWarn, "draining COPY data failed", map[string]interface{}{"err": err})
			return
		}
		if data == nil {
			return
		}
	}
}

// drainResults consumes pending results best-effort, suspending on would-block
// like drainCopyOut.
func (c *Conn) drainResults(ctx context.Context) {
	for {
		res, err := c.ops.nextResult(ctx, c)
		if err == ErrWouldBlock {
			if err := c.transport.WaitReadable(ctx); err != nil {
				return
			}
			continue
		}
		if err != nil {
			c.log(ctx, LogLevelWarn, "draining results failed", map[string]interface{}{"err": err})
			return
		}
		if res == nil {
			return
		}
	}
}

// PutCopyData submits one raw COPY chunk during a COPY FROM STDIN.
func (c *Conn) PutCopyData(ctx context.Context, data []byte) error {
	if !c.alive {
		return ErrDeadConn
	}
	return c.ops.putCopyData(ctx, c, data)
}

// GetCopyData returns the next raw COPY chunk during a COPY TO STDOUT, or nil
// when the copy data stream has ended.
func (c *Conn) GetCopyData(ctx context.Context) ([]byte, error) {
	if !c.alive {
		return nil, ErrDeadConn
	}
	return c.ops.getCopyData(ctx, c)
}

// EndCopy terminates a COPY FROM STDIN. A non-empty errorMsg aborts the copy
// server-side. Most callers should rely on RunCopy's termination instead.
func (c *Conn) EndCopy(ctx context.Context, errorMsg string) error {
	if !c.alive {
		return ErrDeadConn
	}
	return c.ops.endCopy(ctx, c, errorMsg)
}

// PutCopyRow encodes values with the active coder and submits the chunk.
func (c *Conn) PutCopyRow(ctx context.Context, values ...interface{}) error {
	if !c.copyActive {
		return ErrNoActiveCopy
	}
	if c.copyCoder == nil {
		return ErrNoCopyCoder
	}
	data, err := c.copyCoder.Encode(nil, values)
	if err != nil {
		return err
	}
	return c.PutCopyData(ctx, data)
}

// GetCopyRow reads the next chunk and decodes it with the active coder. It
// returns nil values when the copy data stream has ended.
func (c *Conn) GetCopyRow(ctx context.Context) ([]interface{}, error) {
	if !c.copyActive {
		return nil, ErrNoActiveCopy
	}
	if c.copyCoder == nil {
		return nil, ErrNoCopyCoder
	}
	data, err := c.GetCopyData(ctx)
	if err != nil || data == nil {
		return nil, err
	}
	return c.copyCoder.Decode(data)
}
