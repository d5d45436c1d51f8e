package pgsession

import (
	"context"
	"errors"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ConnConfig contains the options used to build a session over an
// already-started transport.
type ConnConfig struct {
	// Transport is the protocol layer to operate. Required. It must have
	// an in-progress connect handshake; Connect drives it to completion.
	Transport Transport

	// AsyncDispatch selects the asynchronous flavor for every
	// mode-sensitive operation. See Conn.SetAsyncMode.
	AsyncDispatch bool

	Logger   Logger
	LogLevel LogLevel
}

// Conn is a PostgreSQL session handle. It is not safe for concurrent usage.
type Conn struct {
	transport Transport
	config    ConnConfig

	ops ops

	logger   Logger
	logLevel LogLevel

	// nonblockingWanted records the caller's requested non-blocking
	// preference. With async dispatch active the transport is always
	// non-blocking regardless of this flag; the flag only decides whether
	// would-block conditions surface as ErrWouldBlock or are absorbed by
	// suspension.
	nonblockingWanted bool

	copyCoder  CopyCoder
	copyActive bool

	alive        bool
	causeOfDeath error
}

// Connect drives the transport's connect handshake to completion and returns
// the established session. On failure the transport is closed.
func Connect(ctx context.Context, config ConnConfig) (*Conn, error) {
	if config.Transport == nil {
		return nil, errors.New("config.Transport is required")
	}

	c := &Conn{
		transport: config.Transport,
		config:    config,
		logger:    config.Logger,
		logLevel:  config.LogLevel,
	}
	if c.logger != nil && c.logLevel == 0 {
		c.logLevel = LogLevelDebug
	}

	if config.AsyncDispatch {
		c.ops = nonblockingOps{}
	} else {
		c.ops = blockingOps{}
	}

	if err := c.establish(ctx); err != nil {
		c.transport.Close()
		return nil, err
	}

	return c, nil
}

// Reset closes the current server session and establishes a new one over the
// same configuration, preserving the session's dispatch mode and logger. On
// failure the connection is dead.
func (c *Conn) Reset(ctx context.Context) error {
	c.copyCoder = nil
	c.copyActive = false

	if err := c.transport.StartReset(ctx); err != nil {
		c.die(err)
		return err
	}

	if err := c.establish(ctx); err != nil {
		c.die(err)
		return err
	}

	return nil
}

// establish runs the poll loop. Before each poll step it suspends until the
// readiness implied by the previous status holds; Reading and Writing are the
// only statuses that require a wait. Terminates on Ok or Failed.
//
// On success the transport is switched into non-blocking mode so that both
// dispatch flavors observe the same transport behavior: blocking mode is
// non-blocking transport with eager flush, not a structurally different
// write path.
func (c *Conn) establish(ctx context.Context) error {
	status := PollWriting

	for {
		switch status {
		case PollReading:
			if err := c.transport.WaitReadable(ctx); err != nil {
				return err
			}
		case PollWriting:
			if err := c.transport.WaitWritable(ctx); err != nil {
				return err
			}
		}

		status = c.transport.Poll()

		switch status {
		case PollOk:
			if err := c.transport.SetNonblocking(true); err != nil {
				return err
			}
			// Leave no queued output behind; all higher-level
			// operations start from a flushed transport.
			if err := c.flushOutput(ctx); err != nil {
				return err
			}
			c.alive = true
			c.causeOfDeath = nil
			c.log(ctx, LogLevelInfo, "connection established", map[string]interface{}{
				"serverVersion": c.transport.ParameterStatus("server_version"),
			})
			return nil
		case PollFailed:
			err := &ConnectError{Msg: c.transport.ErrorMessage()}
			c.log(ctx, LogLevelError, "connection failed", map[string]interface{}{"err": err})
			return err
		}
	}
}

// Close terminates the session and releases the transport. It is safe to call
// Close on an already dead connection.
func (c *Conn) Close(ctx context.Context) error {
	if !c.alive {
		return nil
	}
	c.alive = false
	c.log(ctx, LogLevelInfo, "closing connection", nil)
	return c.transport.Close()
}

// IsAlive reports whether the connection has not died from a fatal transport
// error or been closed.
func (c *Conn) IsAlive() bool { return c.alive }

// CauseOfDeath returns the fatal error that killed the connection, if any.
func (c *Conn) CauseOfDeath() error { return c.causeOfDeath }

func (c *Conn) die(err error) {
	if !c.alive {
		return
	}
	c.alive = false
	c.causeOfDeath = err
	c.transport.Close()
}

// Exec executes sql and returns the last result. sql may contain multiple
// statements separated by semicolons; they are processed in an implicit
// transaction and only the final result is returned. A statement that begins
// a COPY returns its CopyIn or CopyOut result immediately.
func (c *Conn) Exec(ctx context.Context, sql string) (*Result, error) {
	if !c.alive {
		return nil, ErrDeadConn
	}
	c.log(ctx, LogLevelDebug, "exec", map[string]interface{}{"sql": sql})
	return c.ops.exec(ctx, c, sql)
}

// ExecParams executes sql with parameter values bound over the extended
// protocol. paramValues are in the text format; nil is SQL NULL.
func (c *Conn) ExecParams(ctx context.Context, sql string, paramValues [][]byte) (*Result, error) {
	if !c.alive {
		return nil, ErrDeadConn
	}
	c.log(ctx, LogLevelDebug, "exec params", map[string]interface{}{
		"sql":  sql,
		"args": logQueryArgs(rawValuesToInterfaces(paramValues)),
	})
	return c.ops.execParams(ctx, c, sql, paramValues)
}

// Prepare creates a named prepared statement.
func (c *Conn) Prepare(ctx context.Context, name, sql string) (*Result, error) {
	if !c.alive {
		return nil, ErrDeadConn
	}
	c.log(ctx, LogLevelDebug, "prepare", map[string]interface{}{"name": name, "sql": sql})
	return c.ops.prepare(ctx, c, name, sql)
}

// Describe returns the description of the named prepared statement.
func (c *Conn) Describe(ctx context.Context, name string) (*Result, error) {
	if !c.alive {
		return nil, ErrDeadConn
	}
	return c.ops.describe(ctx, c, name)
}

// GetResult returns the next pending result, or nil when all results are
// consumed.
func (c *Conn) GetResult(ctx context.Context) (*Result, error) {
	if !c.alive {
		return nil, ErrDeadConn
	}
	return c.ops.nextResult(ctx, c)
}

// GetLastResult consumes all pending results and returns the final one, or
// nil if none were pending. A CopyIn or CopyOut result is returned as soon as
// it is seen; results past it cannot be consumed until the copy terminates.
func (c *Conn) GetLastResult(ctx context.Context) (*Result, error) {
	if !c.alive {
		return nil, ErrDeadConn
	}
	return c.ops.lastResult(ctx, c)
}

// IsBusy reports whether the connection has command results still pending.
func (c *Conn) IsBusy() bool { return c.transport.IsBusy() }

// Cancel requests cancellation of the command currently in flight.
func (c *Conn) Cancel() error { return c.transport.Cancel() }

// TxStatus is the server-reported transaction status byte: 'I' idle, 'T' in
// transaction, 'E' failed transaction.
func (c *Conn) TxStatus() byte { return c.transport.TxStatus() }

// ParameterStatus returns the value of a run-time parameter reported by the
// server (e.g. server_version). Returns an empty string for unknown
// parameters.
func (c *Conn) ParameterStatus(key string) string {
	return c.transport.ParameterStatus(key)
}

// ServerVersion parses the server_version parameter reported by the server.
func (c *Conn) ServerVersion() (*semver.Version, error) {
	raw := c.transport.ParameterStatus("server_version")
	if raw == "" {
		return nil, errors.New("server_version not reported")
	}
	// Strip vendor suffixes such as "14.5 (Debian 14.5-1.pgdg110+1)".
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		raw = raw[:i]
	}
	return semver.NewVersion(raw)
}

// SetAsyncMode switches every mode-sensitive operation between the blocking
// and asynchronous dispatch flavor. Enabling async mode forces the transport
// into non-blocking operation; would-block conditions are then absorbed by
// cooperative suspension unless the caller separately requested non-blocking
// behavior with SetNonblocking.
func (c *Conn) SetAsyncMode(enabled bool) error {
	if enabled {
		c.ops = nonblockingOps{}
		return c.transport.SetNonblocking(true)
	}
	c.ops = blockingOps{}
	return c.transport.SetNonblocking(c.nonblockingWanted)
}

// SetNonblocking records the caller's non-blocking preference. See
// IsNonblocking.
func (c *Conn) SetNonblocking(enabled bool) error {
	return c.ops.setNonblocking(c, enabled)
}

// IsNonblocking reports the caller-visible non-blocking flag. With async
// dispatch active it reports false unconditionally, because blocking behavior
// is emulated transparently regardless of the recorded preference.
func (c *Conn) IsNonblocking() bool {
	return c.ops.isNonblocking(c)
}

func (c *Conn) shouldLog(lvl LogLevel) bool {
	return c.logger != nil && c.logLevel >= lvl
}

func (c *Conn) log(ctx context.Context, lvl LogLevel, msg string, data map[string]interface{}) {
	if !c.shouldLog(lvl) {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if c.causeOfDeath != nil {
		data["causeOfDeath"] = c.causeOfDeath
	}
	c.logger.Log(ctx, lvl, msg, data)
}

func rawValuesToInterfaces(vals [][]byte) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
