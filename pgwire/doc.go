// Package pgwire is the standard Transport implementation for pgsession. It
// speaks the PostgreSQL frontend/backend protocol version 3 over a net.Conn.
//
// Start dials the server and begins the startup handshake without blocking on
// it; the returned Conn is driven to completion by pgsession.Connect through
// repeated Poll calls. All of pgsession's transport primitives are
// implemented here: simple and extended query submission, buffered
// non-blocking writes, COPY chunk I/O, cancel requests over a separate
// connection, and readiness waits on the underlying socket.
//
// Configuration parsing (ParseConfig) is libpq-compatible: DSN and URL
// connection strings, PG* environment variables, password files, and
// connection service files.
package pgwire
