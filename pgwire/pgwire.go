package pgwire

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"io"
	"io/ioutil"
	"net"
	"syscall"
	"time"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgio"
	"github.com/jackc/pgproto3/v2"
	"github.com/pkg/errors"

	"github.com/jackc/pgsession"
)

const (
	protocolVersionNumber = 196608 // 3.0
	sslRequestNumber      = 80877103
	cancelRequestCode     = 80877102
)

// fakeNonblockingWaitDuration is the deadline offset used to emulate
// non-blocking socket operations. A Go net.Conn read or write with an already
// expired deadline fails without touching the socket at all, so the deadline
// must lie slightly in the future for ready data to still transfer.
const fakeNonblockingWaitDuration = time.Millisecond

// Handshake states driven by Poll.
const (
	hsFlushing = iota // startup or auth response queued, not fully written
	hsReading         // awaiting the next backend message
	hsOK
	hsFailed
)

// Conn is a low-level PostgreSQL connection. It implements
// pgsession.Transport: it owns the byte stream and the protocol codec, and
// exposes the primitives the session layer sequences. It is not safe for
// concurrent use.
type Conn struct {
	conn    net.Conn // the wrapped connection; *tls.Conn when TLS is in use
	netConn net.Conn // the raw network connection
	config  *Config

	frontend *pgproto3.Frontend
	outBuf   []byte

	hsStatus int
	scram    *scramClient

	pid               uint32
	secretKey         uint32
	txStatus          byte
	parameterStatuses map[string]string

	nonblocking   bool
	pendingCount  int // ReadyForQuery messages yet to arrive
	describeMode  bool
	cur           *pgsession.Result
	stashed       *pgsession.Result
	copyEndQueued bool

	ctxW ctxWatcher

	errorMessage string
	closed       bool
}

// Start dials the server and begins the startup handshake. The returned Conn
// is not yet usable for queries: its handshake must be driven to completion
// by Poll, normally via pgsession.Connect.
func Start(ctx context.Context, config *Config) (*Conn, error) {
	if config == nil {
		return nil, errors.New("config must not be nil")
	}
	if config.DialFunc == nil {
		return nil, errors.New("config must have a DialFunc (use ParseConfig)")
	}

	c := &Conn{config: config}
	err := c.startHandshake(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) startHandshake(ctx context.Context) error {
	network, address := NetworkAddress(c.config.Host, c.config.Port)
	netConn, err := c.config.DialFunc(ctx, network, address)
	if err != nil {
		return &pgsession.ConnectError{Msg: "dial failed", Err: err}
	}

	c.netConn = netConn
	c.conn = netConn
	c.parameterStatuses = make(map[string]string)
	c.txStatus = 0
	c.pendingCount = 0
	c.describeMode = false
	c.cur = nil
	c.stashed = nil
	c.copyEndQueued = false
	c.nonblocking = false
	c.outBuf = nil
	c.scram = nil
	c.errorMessage = ""
	c.closed = false

	if c.config.TLSConfig != nil {
		if err := c.startTLS(ctx); err != nil {
			netConn.Close()
			return err
		}
	}

	c.frontend = pgproto3.NewFrontend(chunkreader.New(c.conn), c.conn)

	startupMsg := pgproto3.StartupMessage{
		ProtocolVersion: protocolVersionNumber,
		Parameters:      make(map[string]string),
	}
	for k, v := range c.config.RuntimeParams {
		startupMsg.Parameters[k] = v
	}
	startupMsg.Parameters["user"] = c.config.User
	if c.config.Database != "" {
		startupMsg.Parameters["database"] = c.config.Database
	}

	c.outBuf = startupMsg.Encode(c.outBuf)
	c.hsStatus = hsFlushing
	return nil
}

// startTLS performs the SSLRequest exchange and wraps the connection. TLS
// negotiation happens before the nonblocking regime starts, so plain
// blocking I/O with a context watcher is used.
func (c *Conn) startTLS(ctx context.Context) error {
	c.ctxW.watch(ctx.Done(), c.netConn)
	defer c.ctxW.unwatch()

	buf := pgio.AppendInt32(nil, 8)
	buf = pgio.AppendInt32(buf, sslRequestNumber)
	if _, err := c.netConn.Write(buf); err != nil {
		return err
	}

	response := make([]byte, 1)
	if _, err := io.ReadFull(c.netConn, response); err != nil {
		return err
	}

	if response[0] != 'S' {
		return ErrTLSRefused
	}

	c.conn = tls.Client(c.netConn, c.config.TLSConfig)
	return nil
}

// Poll advances the startup or reset handshake one non-blocking step.
func (c *Conn) Poll() pgsession.PollStatus {
	switch c.hsStatus {
	case hsOK:
		return pgsession.PollOk
	case hsFailed:
		return pgsession.PollFailed
	}

	for {
		if len(c.outBuf) > 0 {
			done, err := c.flushNonblocking()
			if err != nil {
				return c.hsFail(err)
			}
			if !done {
				c.hsStatus = hsFlushing
				return pgsession.PollWriting
			}
		}
		c.hsStatus = hsReading

		msg, err := c.receiveMessage(false)
		if err == pgsession.ErrWouldBlock {
			return pgsession.PollReading
		}
		if err != nil {
			return c.hsFail(err)
		}

		switch msg := msg.(type) {
		case *pgproto3.AuthenticationOk:
		case *pgproto3.AuthenticationCleartextPassword:
			c.outBuf = (&pgproto3.PasswordMessage{Password: c.config.Password}).Encode(c.outBuf)
		case *pgproto3.AuthenticationMD5Password:
			digestedPassword := "md5" + hexMD5(hexMD5(c.config.Password+c.config.User)+string(msg.Salt[:]))
			c.outBuf = (&pgproto3.PasswordMessage{Password: digestedPassword}).Encode(c.outBuf)
		case *pgproto3.AuthenticationSASL:
			sc, err := newScramClient(msg.AuthMechanisms, c.config.Password)
			if err != nil {
				return c.hsFail(err)
			}
			c.scram = sc
			c.outBuf = (&pgproto3.SASLInitialResponse{
				AuthMechanism: "SCRAM-SHA-256",
				Data:          sc.clientFirstMessage(),
			}).Encode(c.outBuf)
		case *pgproto3.AuthenticationSASLContinue:
			if c.scram == nil {
				return c.hsFail(errors.New("unexpected AuthenticationSASLContinue"))
			}
			if err := c.scram.recvServerFirstMessage(msg.Data); err != nil {
				return c.hsFail(err)
			}
			c.outBuf = (&pgproto3.SASLResponse{Data: c.scram.clientFinalMessage()}).Encode(c.outBuf)
		case *pgproto3.AuthenticationSASLFinal:
			if c.scram == nil {
				return c.hsFail(errors.New("unexpected AuthenticationSASLFinal"))
			}
			if err := c.scram.recvServerFinalMessage(msg.Data); err != nil {
				return c.hsFail(err)
			}
		case *pgproto3.BackendKeyData:
			c.pid = msg.ProcessID
			c.secretKey = msg.SecretKey
		case *pgproto3.ReadyForQuery:
			c.hsStatus = hsOK
			return pgsession.PollOk
		case *pgproto3.ErrorResponse:
			return c.hsFail(errorResponseToPgError(msg))
		case *pgproto3.ParameterStatus, *pgproto3.NoticeResponse:
			// ParameterStatus is recorded centrally in receiveMessage.
		default:
			return c.hsFail(errors.Errorf("unexpected message during startup: %T", msg))
		}
	}
}

func (c *Conn) hsFail(err error) pgsession.PollStatus {
	c.hsStatus = hsFailed
	c.errorMessage = err.Error()
	return pgsession.PollFailed
}

// StartReset tears down the byte stream and begins a fresh startup handshake
// with the same configuration. Poll drives it like an initial connect. ctx
// bounds the redial.
func (c *Conn) StartReset(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
	}
	return c.startHandshake(ctx)
}

func hexMD5(s string) string {
	hash := md5.New()
	io.WriteString(hash, s)
	return hex.EncodeToString(hash.Sum(nil))
}

// SetNonblocking switches the write path between blocking and non-blocking
// operation. The read path is always explicitly blocking or non-blocking per
// call.
func (c *Conn) SetNonblocking(enabled bool) error {
	c.nonblocking = enabled
	return nil
}

// receiveMessage reads and decodes one backend message, handling the
// asynchronous protocol traffic (parameter status and transaction status
// bookkeeping) centrally.
func (c *Conn) receiveMessage(block bool) (pgproto3.BackendMessage, error) {
	if !block {
		c.conn.SetReadDeadline(time.Now().Add(fakeNonblockingWaitDuration))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	msg, err := c.frontend.Receive()
	if !block {
		c.conn.SetReadDeadline(time.Time{})
	}
	if err != nil {
		if !block && isTimeoutError(err) {
			return nil, pgsession.ErrWouldBlock
		}
		c.errorMessage = err.Error()
		return nil, err
	}

	switch msg := msg.(type) {
	case *pgproto3.ReadyForQuery:
		c.txStatus = msg.TxStatus
		if c.pendingCount > 0 {
			c.pendingCount--
		}
	case *pgproto3.ParameterStatus:
		c.parameterStatuses[msg.Name] = msg.Value
	}

	return msg, nil
}

// flushNonblocking writes as much buffered output as the socket accepts
// without blocking. done is true once the buffer is empty.
func (c *Conn) flushNonblocking() (bool, error) {
	if len(c.outBuf) == 0 {
		return true, nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(fakeNonblockingWaitDuration))
	n, err := c.conn.Write(c.outBuf)
	c.conn.SetWriteDeadline(time.Time{})
	c.outBuf = c.outBuf[n:]
	if err != nil {
		if isTimeoutError(err) {
			return false, nil
		}
		c.errorMessage = err.Error()
		return false, err
	}
	return len(c.outBuf) == 0, nil
}

func (c *Conn) flushBlocking() error {
	c.conn.SetWriteDeadline(time.Time{})
	for len(c.outBuf) > 0 {
		n, err := c.conn.Write(c.outBuf)
		c.outBuf = c.outBuf[n:]
		if err != nil {
			c.errorMessage = err.Error()
			return err
		}
	}
	return nil
}

// Flush attempts to write buffered output, honoring the non-blocking mode.
func (c *Conn) Flush() (bool, error) {
	if c.nonblocking {
		return c.flushNonblocking()
	}
	return true, c.flushBlocking()
}

// SendExec buffers a simple protocol query. Flush transmits it.
func (c *Conn) SendExec(sql string) error {
	c.outBuf = (&pgproto3.Query{String: sql}).Encode(c.outBuf)
	c.pendingCount++
	return nil
}

// SendExecParams buffers an extended protocol query with the given parameter
// values. All parameters and results use the text format.
func (c *Conn) SendExecParams(sql string, paramValues [][]byte) error {
	c.outBuf = (&pgproto3.Parse{Query: sql}).Encode(c.outBuf)
	c.outBuf = (&pgproto3.Bind{Parameters: paramValues}).Encode(c.outBuf)
	c.outBuf = (&pgproto3.Describe{ObjectType: 'P'}).Encode(c.outBuf)
	c.outBuf = (&pgproto3.Execute{}).Encode(c.outBuf)
	c.outBuf = (&pgproto3.Sync{}).Encode(c.outBuf)
	c.pendingCount++
	return nil
}

// SendPrepare buffers preparation of a named statement.
func (c *Conn) SendPrepare(name, sql string) error {
	c.outBuf = (&pgproto3.Parse{Name: name, Query: sql}).Encode(c.outBuf)
	c.outBuf = (&pgproto3.Sync{}).Encode(c.outBuf)
	c.pendingCount++
	c.describeMode = true
	return nil
}

// SendDescribe buffers a request for the result shape of a previously
// prepared statement.
func (c *Conn) SendDescribe(name string) error {
	c.outBuf = (&pgproto3.Describe{ObjectType: 'S', Name: name}).Encode(c.outBuf)
	c.outBuf = (&pgproto3.Sync{}).Encode(c.outBuf)
	c.pendingCount++
	c.describeMode = true
	return nil
}

// Exec runs sql with the simple protocol and blocks until the final result.
func (c *Conn) Exec(sql string) (*pgsession.Result, error) {
	if err := c.SendExec(sql); err != nil {
		return nil, err
	}
	if err := c.flushBlocking(); err != nil {
		return nil, err
	}
	return c.lastResult()
}

// ExecParams runs sql with the extended protocol and blocks until the final
// result.
func (c *Conn) ExecParams(sql string, paramValues [][]byte) (*pgsession.Result, error) {
	if err := c.SendExecParams(sql, paramValues); err != nil {
		return nil, err
	}
	if err := c.flushBlocking(); err != nil {
		return nil, err
	}
	return c.lastResult()
}

// Prepare creates a named prepared statement and blocks until the server
// confirms it.
func (c *Conn) Prepare(name, sql string) (*pgsession.Result, error) {
	if err := c.SendPrepare(name, sql); err != nil {
		return nil, err
	}
	if err := c.flushBlocking(); err != nil {
		return nil, err
	}
	return c.lastResult()
}

// Describe fetches the result shape of the named prepared statement.
func (c *Conn) Describe(name string) (*pgsession.Result, error) {
	if err := c.SendDescribe(name); err != nil {
		return nil, err
	}
	if err := c.flushBlocking(); err != nil {
		return nil, err
	}
	return c.lastResult()
}

func (c *Conn) lastResult() (*pgsession.Result, error) {
	var last *pgsession.Result
	for {
		res, err := c.NextResult(true)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return last, nil
		}
		last = res
		switch res.Status {
		case pgsession.CopyIn, pgsession.CopyOut, pgsession.CopyBoth:
			return res, nil
		}
	}
}

// NextResult assembles and returns the next pending result, or nil when the
// current command sequence is fully consumed. With block=false it returns
// pgsession.ErrWouldBlock when more input is needed but not yet readable.
func (c *Conn) NextResult(block bool) (*pgsession.Result, error) {
	if c.stashed != nil {
		res := c.stashed
		c.stashed = nil
		return res, nil
	}
	if c.pendingCount == 0 && c.cur == nil {
		return nil, nil
	}

	for {
		msg, err := c.receiveMessage(block)
		if err != nil {
			return nil, err
		}

		switch msg := msg.(type) {
		case *pgproto3.RowDescription:
			if c.describeMode && c.cur != nil {
				c.cur.Fields = copyFieldDescriptions(msg.Fields)
			} else {
				c.cur = &pgsession.Result{
					Status: pgsession.TuplesOk,
					Fields: copyFieldDescriptions(msg.Fields),
				}
			}
		case *pgproto3.DataRow:
			if c.cur == nil {
				c.cur = &pgsession.Result{Status: pgsession.TuplesOk}
			}
			row := make([][]byte, len(msg.Values))
			for i, v := range msg.Values {
				if v != nil {
					row[i] = append([]byte{}, v...)
				}
			}
			c.cur.Rows = append(c.cur.Rows, row)
		case *pgproto3.CommandComplete:
			res := c.cur
			if res == nil {
				res = &pgsession.Result{Status: pgsession.CommandOk}
			}
			res.CommandTag = pgsession.CommandTag(msg.CommandTag)
			c.cur = nil
			return res, nil
		case *pgproto3.EmptyQueryResponse:
			c.cur = nil
			return &pgsession.Result{Status: pgsession.EmptyQuery}, nil
		case *pgproto3.ErrorResponse:
			pgErr := errorResponseToPgError(msg)
			c.cur = nil
			return &pgsession.Result{Status: pgsession.FatalError, Err: pgErr}, nil
		case *pgproto3.ReadyForQuery:
			if c.cur != nil {
				res := c.cur
				c.cur = nil
				c.describeMode = false
				return res, nil
			}
			c.describeMode = false
			return nil, nil
		case *pgproto3.CopyInResponse:
			c.cur = nil
			return &pgsession.Result{Status: pgsession.CopyIn}, nil
		case *pgproto3.CopyOutResponse:
			c.cur = nil
			return &pgsession.Result{Status: pgsession.CopyOut}, nil
		case *pgproto3.CopyBothResponse:
			c.cur = nil
			return &pgsession.Result{Status: pgsession.CopyBoth}, nil
		case *pgproto3.ParseComplete:
			if c.cur == nil {
				c.cur = &pgsession.Result{Status: pgsession.CommandOk}
			}
		case *pgproto3.NoData:
			if c.describeMode && c.cur == nil {
				c.cur = &pgsession.Result{Status: pgsession.CommandOk}
			}
		case *pgproto3.PortalSuspended:
			res := c.cur
			if res == nil {
				res = &pgsession.Result{Status: pgsession.SingleTuple}
			}
			c.cur = nil
			return res, nil
		case *pgproto3.BindComplete, *pgproto3.ParameterDescription,
			*pgproto3.CopyDone, *pgproto3.CopyData, *pgproto3.NoticeResponse,
			*pgproto3.NotificationResponse, *pgproto3.ParameterStatus:
		}
	}
}

func copyFieldDescriptions(src []pgproto3.FieldDescription) []pgproto3.FieldDescription {
	fields := make([]pgproto3.FieldDescription, len(src))
	copy(fields, src)
	for i := range fields {
		fields[i].Name = append([]byte{}, src[i].Name...)
	}
	return fields
}

// IsBusy reports whether the connection has results pending.
func (c *Conn) IsBusy() bool {
	return c.pendingCount > 0 || c.cur != nil || c.stashed != nil
}

// PutCopyData buffers one COPY FROM STDIN chunk and attempts to flush it.
// done is false when the write would block; the retry call may pass nil data.
func (c *Conn) PutCopyData(data []byte) (bool, error) {
	if len(data) > 0 {
		c.outBuf = (&pgproto3.CopyData{Data: data}).Encode(c.outBuf)
	}
	return c.Flush()
}

// PutCopyEnd terminates an in-progress COPY FROM STDIN. A non-empty errorMsg
// aborts the copy server-side. The end message is buffered exactly once:
// retry calls only flush.
func (c *Conn) PutCopyEnd(errorMsg string) (bool, error) {
	if !c.copyEndQueued {
		if errorMsg != "" {
			c.outBuf = (&pgproto3.CopyFail{Message: errorMsg}).Encode(c.outBuf)
		} else {
			c.outBuf = (&pgproto3.CopyDone{}).Encode(c.outBuf)
		}
		c.copyEndQueued = true
	}
	done, err := c.Flush()
	if done || err != nil {
		c.copyEndQueued = false
	}
	return done, err
}

// GetCopyData returns the next COPY TO STDOUT chunk, or nil when the copy
// data stream has ended. A server error ends the stream as well; the error
// result is stashed and surfaced by the following NextResult.
func (c *Conn) GetCopyData(block bool) ([]byte, error) {
	for {
		msg, err := c.receiveMessage(block)
		if err != nil {
			return nil, err
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			return append([]byte{}, msg.Data...), nil
		case *pgproto3.CopyDone:
			return nil, nil
		case *pgproto3.ErrorResponse:
			c.stashed = &pgsession.Result{
				Status: pgsession.FatalError,
				Err:    errorResponseToPgError(msg),
			}
			return nil, nil
		case *pgproto3.ReadyForQuery:
			// Error unwind can consume the terminator before the session
			// layer drains. Nothing follows; report end of stream.
			return nil, nil
		}
	}
}

// Cancel requests cancellation of the in-flight command over a separate
// connection, per the cancellation protocol. The main connection is left
// untouched; the caller still drains pending results.
func (c *Conn) Cancel() error {
	network, address := NetworkAddress(c.config.Host, c.config.Port)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cancelConn, err := c.config.DialFunc(ctx, network, address)
	if err != nil {
		return err
	}
	defer cancelConn.Close()

	cancelConn.SetDeadline(time.Now().Add(10 * time.Second))

	buf := make([]byte, 0, 16)
	buf = pgio.AppendInt32(buf, 16)
	buf = pgio.AppendInt32(buf, cancelRequestCode)
	buf = pgio.AppendUint32(buf, c.pid)
	buf = pgio.AppendUint32(buf, c.secretKey)
	if _, err := cancelConn.Write(buf); err != nil {
		return err
	}

	// The server closes the connection without replying.
	_, err = cancelConn.Read(make([]byte, 1))
	if err != io.EOF {
		return err
	}
	return nil
}

// WaitReadable suspends the calling goroutine until the byte stream is
// readable or ctx is done. On platforms or stream types without raw file
// descriptor access it degrades to an immediate return.
func (c *Conn) WaitReadable(ctx context.Context) error {
	sc, ok := c.netConn.(syscall.Conn)
	if !ok {
		return nil
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		return nil
	}

	c.ctxW.watch(ctx.Done(), c.conn)
	defer c.ctxW.unwatch()

	// The raw Read callback is invoked once immediately and again after
	// each readiness wakeup. Returning false on the first call parks the
	// goroutine in the runtime poller; the poller latches readiness, so
	// data that is already buffered wakes it immediately.
	attempted := false
	err = rawConn.Read(func(fd uintptr) bool {
		if !attempted {
			attempted = true
			return false
		}
		return true
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil && !isTimeoutError(err) {
		return err
	}
	return nil
}

// WaitWritable returns once the byte stream can be written, which for a
// connected socket is the normal state. A socket that is already writable
// delivers no poller event, so parking here would hang until a deadline;
// after a short write the deadline-bounded retries in the flush path pace
// the caller instead.
func (c *Conn) WaitWritable(ctx context.Context) error {
	return ctx.Err()
}

// TxStatus is the latest server-reported transaction status byte: 'I' idle,
// 'T' in transaction, 'E' failed transaction.
func (c *Conn) TxStatus() byte {
	return c.txStatus
}

// ParameterStatus returns the current value of the named run-time parameter
// reported by the server, or "" if unknown.
func (c *Conn) ParameterStatus(key string) string {
	return c.parameterStatuses[key]
}

// ErrorMessage returns the diagnostic of the last transport failure. It is
// the message carried by a failed handshake.
func (c *Conn) ErrorMessage() string {
	return c.errorMessage
}

// PID returns the backend process ID reported during the handshake.
func (c *Conn) PID() uint32 {
	return c.pid
}

// Close sends a Terminate message if the connection is established and closes
// the byte stream. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil {
		return nil
	}

	if c.hsStatus == hsOK {
		c.conn.SetDeadline(time.Now().Add(time.Second))
		c.conn.Write((&pgproto3.Terminate{}).Encode(nil))
		// Wait for the server to close its side so it sees a clean
		// shutdown rather than an aborted connection.
		io.Copy(ioutil.Discard, c.conn)
	}
	return c.conn.Close()
}
