package pgsession

import "context"

// Transport is the protocol layer a Conn is built on. It owns the underlying
// byte stream exclusively and exposes the primitive operations the session
// layer orchestrates. The standard implementation is pgwire.Conn.
//
// Blocking primitives (Exec, ExecParams, Prepare, Describe, and any call with
// block=true) do not return until the operation completes or fails. The
// non-blocking submission primitives (Send*, Flush, PutCopy*, and calls with
// block=false) never wait for transport readiness; they report would-block
// conditions and leave suspension to the caller.
type Transport interface {
	// Poll advances the in-progress connect or reset handshake by one
	// non-blocking step. The returned status names the readiness condition
	// required before the next step.
	Poll() PollStatus

	// StartReset begins a reset handshake over a fresh byte stream; ctx
	// bounds the redial. Subsequent Poll calls drive the handshake.
	StartReset(ctx context.Context) error

	// SetNonblocking switches the transport between blocking and
	// non-blocking operation of its write path.
	SetNonblocking(enabled bool) error

	Exec(sql string) (*Result, error)
	ExecParams(sql string, paramValues [][]byte) (*Result, error)
	Prepare(name, sql string) (*Result, error)
	Describe(name string) (*Result, error)

	SendExec(sql string) error
	SendExecParams(sql string, paramValues [][]byte) error
	SendPrepare(name, sql string) error
	SendDescribe(name string) error

	// Flush attempts to write buffered output. done is false when the
	// write would block before completing.
	Flush() (done bool, err error)

	// NextResult returns the next pending result, or nil when all results
	// of the current command sequence are consumed. With block=false it
	// returns ErrWouldBlock when the next result is not yet readable.
	NextResult(block bool) (*Result, error)

	// IsBusy reports whether results are still pending.
	IsBusy() bool

	// PutCopyData submits one COPY chunk. done is false when the write
	// would block.
	PutCopyData(data []byte) (done bool, err error)

	// PutCopyEnd terminates an in-progress COPY FROM STDIN. A non-empty
	// errorMsg aborts the copy server-side instead of committing it.
	PutCopyEnd(errorMsg string) (done bool, err error)

	// GetCopyData returns the next COPY chunk, or nil when the copy data
	// stream has ended. With block=false it returns ErrWouldBlock when no
	// chunk is readable yet.
	GetCopyData(block bool) ([]byte, error)

	// Cancel requests cancellation of the command currently in flight. It
	// does not guarantee the server has no pending result; callers must
	// still drain afterward.
	Cancel() error

	// WaitReadable suspends the calling goroutine until the byte stream is
	// readable or ctx is done.
	WaitReadable(ctx context.Context) error

	// WaitWritable suspends the calling goroutine until the byte stream is
	// writable or ctx is done.
	WaitWritable(ctx context.Context) error

	// TxStatus is the server-reported transaction status byte: 'I' idle,
	// 'T' in transaction, 'E' failed transaction.
	TxStatus() byte

	// ParameterStatus returns the value of a run-time parameter reported
	// by the server (e.g. server_version), or "" if unknown.
	ParameterStatus(key string) string

	// ErrorMessage returns the transport's last error message. It is the
	// diagnostic carried by a failed handshake.
	ErrorMessage() string

	Close() error
}
