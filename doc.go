// Package pgsession is a client session layer for the PostgreSQL wire
// protocol.
//
// It orchestrates a Transport, the protocol engine that owns the underlying
// byte stream, into a command-oriented session: establishing and resetting
// connections with a non-blocking poll loop, executing queries over the
// simple and extended protocols, streaming COPY data in both directions, and
// running transactions with automatic commit, rollback, and cancellation.
// The standard Transport implementation is in the pgwire subpackage.
//
// Establishing a Connection
//
// Start a transport, then drive its handshake with Connect:
//
//	config, err := pgwire.ParseConfig(os.Getenv("DATABASE_URL"))
//	if err != nil {
//		// ...
//	}
//	transport, err := pgwire.Start(ctx, config)
//	if err != nil {
//		// ...
//	}
//	conn, err := pgsession.Connect(ctx, pgsession.ConnConfig{Transport: transport})
//	if err != nil {
//		// ...
//	}
//	defer conn.Close(ctx)
//
// Dispatch Modes
//
// Every mode-sensitive operation has a blocking and an asynchronous flavor.
// The blocking flavor eagerly flushes queued output and waits for results.
// The asynchronous flavor, selected with ConnConfig.AsyncDispatch or
// Conn.SetAsyncMode, submits work non-blockingly and suspends the calling
// goroutine cooperatively until the transport is ready, so many sessions can
// share a scheduler without dedicating a thread per connection. With
// SetNonblocking the caller can instead observe would-block conditions
// directly as ErrWouldBlock.
//
// COPY
//
// RunCopy brackets a COPY FROM STDIN or COPY TO STDOUT: it validates that
// the statement actually started a copy, streams chunks or coder-encoded
// rows through the body function, and guarantees protocol-correct
// termination on every exit path, including body errors and panics.
//
// Transactions
//
// RunTransaction executes a body function between BEGIN and COMMIT, rolling
// back when the body fails and canceling any operation still in flight.
//
// Logging
//
// ConnConfig.Logger accepts any implementation of the Logger interface.
// Adapters for zerolog, zap, logrus, go-kit log, and testing.T are provided
// under the log directory.
package pgsession
