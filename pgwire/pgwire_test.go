package pgwire_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackc/pgsession"
	"github.com/jackc/pgsession/pgwire"
)

// startMockServer runs script against one accepted connection and returns the
// connection string for reaching it.
func startMockServer(t *testing.T, script *pgmock.Script) (connString string, serverErrChan chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	serverErrChan = make(chan error, 1)
	go func() {
		defer close(serverErrChan)

		conn, err := ln.Accept()
		if err != nil {
			serverErrChan <- err
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(10 * time.Second))

		backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
		if err := script.Run(backend); err != nil {
			serverErrChan <- err
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return fmt.Sprintf("host=%s port=%s user=jack database=mydb sslmode=disable", host, port), serverErrChan
}

func acceptStartupSteps() []pgmock.Step {
	return []pgmock.Step{
		pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
		pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: 42, SecretKey: 7}),
		pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "server_version", Value: "14.5"}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

func connectMock(t *testing.T, connString string) *pgsession.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config, err := pgwire.ParseConfig(connString)
	require.NoError(t, err)

	transport, err := pgwire.Start(ctx, config)
	require.NoError(t, err)

	conn, err := pgsession.Connect(ctx, pgsession.ConnConfig{Transport: transport})
	require.NoError(t, err)
	return conn
}

func TestConnectAndQuery(t *testing.T) {
	script := &pgmock.Script{Steps: acceptStartupSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "select 42"}),
		pgmock.SendMessage(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("n"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
		}}),
		pgmock.SendMessage(&pgproto3.DataRow{Values: [][]byte{[]byte("42")}}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.WaitForClose(),
	)

	connString, serverErrChan := startMockServer(t, script)
	conn := connectMock(t, connString)

	assert.Equal(t, "14.5", conn.ParameterStatus("server_version"))

	res, err := conn.Exec(context.Background(), "select 42")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, pgsession.TuplesOk, res.Status)
	assert.EqualValues(t, "SELECT 1", res.CommandTag)
	require.Len(t, res.Fields, 1)
	assert.Equal(t, []byte("n"), res.Fields[0].Name)
	assert.Equal(t, []byte("42"), res.Value(0, 0))
	assert.Equal(t, byte('I'), conn.TxStatus())

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, <-serverErrChan)
}

func TestQueryServerError(t *testing.T) {
	script := &pgmock.Script{Steps: acceptStartupSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "select 1/0"}),
		pgmock.SendMessage(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "22012", Message: "division by zero"}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.WaitForClose(),
	)

	connString, serverErrChan := startMockServer(t, script)
	conn := connectMock(t, connString)

	res, err := conn.Exec(context.Background(), "select 1/0")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, pgsession.FatalError, res.Status)

	var pgErr *pgwire.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "22012", pgErr.SQLState())
	assert.Equal(t, "division by zero", pgErr.Message)

	// The server error did not terminate the session.
	assert.True(t, conn.IsAlive())

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, <-serverErrChan)
}

func TestCopyInRoundTrip(t *testing.T) {
	script := &pgmock.Script{Steps: acceptStartupSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "copy t from stdin"}),
		pgmock.SendMessage(&pgproto3.CopyInResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0, 0}}),
		pgmock.ExpectMessage(&pgproto3.CopyData{Data: []byte("1\tfoo\n")}),
		pgmock.ExpectMessage(&pgproto3.CopyData{Data: []byte("2\tbar\n")}),
		pgmock.ExpectMessage(&pgproto3.CopyDone{}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("COPY 2")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.WaitForClose(),
	)

	connString, serverErrChan := startMockServer(t, script)
	conn := connectMock(t, connString)

	res, err := conn.RunCopy(context.Background(), "copy t from stdin", nil, func(res *pgsession.Result) error {
		require.Equal(t, pgsession.CopyIn, res.Status)
		if err := conn.PutCopyData(context.Background(), []byte("1\tfoo\n")); err != nil {
			return err
		}
		return conn.PutCopyData(context.Background(), []byte("2\tbar\n"))
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, pgsession.CommandOk, res.Status)
	assert.EqualValues(t, 2, res.CommandTag.RowsAffected())

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, <-serverErrChan)
}

func TestCopyOutRoundTrip(t *testing.T) {
	script := &pgmock.Script{Steps: acceptStartupSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Query{String: "copy t to stdout"}),
		pgmock.SendMessage(&pgproto3.CopyOutResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0, 0}}),
		pgmock.SendMessage(&pgproto3.CopyData{Data: []byte("1\tfoo\n")}),
		pgmock.SendMessage(&pgproto3.CopyData{Data: []byte("2\tbar\n")}),
		pgmock.SendMessage(&pgproto3.CopyDone{}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("COPY 2")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.WaitForClose(),
	)

	connString, serverErrChan := startMockServer(t, script)
	conn := connectMock(t, connString)

	var chunks [][]byte
	res, err := conn.RunCopy(context.Background(), "copy t to stdout", nil, func(res *pgsession.Result) error {
		require.Equal(t, pgsession.CopyOut, res.Status)
		for {
			chunk, err := conn.GetCopyData(context.Background())
			if err != nil {
				return err
			}
			if chunk == nil {
				return nil
			}
			chunks = append(chunks, chunk)
		}
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, pgsession.CommandOk, res.Status)
	assert.Equal(t, [][]byte{[]byte("1\tfoo\n"), []byte("2\tbar\n")}, chunks)

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, <-serverErrChan)
}

func TestStartupFailure(t *testing.T) {
	script := &pgmock.Script{Steps: []pgmock.Step{
		pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
		pgmock.SendMessage(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: `password authentication failed for user "jack"`}),
	}}

	connString, _ := startMockServer(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config, err := pgwire.ParseConfig(connString)
	require.NoError(t, err)

	transport, err := pgwire.Start(ctx, config)
	require.NoError(t, err)

	_, err = pgsession.Connect(ctx, pgsession.ConnConfig{Transport: transport})
	require.Error(t, err)

	var connectErr *pgsession.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Contains(t, connectErr.Msg, "password authentication failed")
}

func TestWaitWritableIdleSocket(t *testing.T) {
	script := &pgmock.Script{Steps: acceptStartupSteps()}
	script.Steps = append(script.Steps, pgmock.WaitForClose())

	connString, serverErrChan := startMockServer(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config, err := pgwire.ParseConfig(connString)
	require.NoError(t, err)

	transport, err := pgwire.Start(ctx, config)
	require.NoError(t, err)

	conn, err := pgsession.Connect(ctx, pgsession.ConnConfig{Transport: transport})
	require.NoError(t, err)

	// An idle socket is already writable, so no readiness event will ever
	// arrive for it. Waiting must return promptly rather than block until
	// a deadline fires.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	start := time.Now()
	require.NoError(t, transport.WaitWritable(waitCtx))
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, <-serverErrChan)
}

func TestExecParamsExtendedProtocol(t *testing.T) {
	script := &pgmock.Script{Steps: acceptStartupSteps()}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&pgproto3.Parse{Query: "select $1::int8"}),
		pgmock.ExpectMessage(&pgproto3.Bind{Parameters: [][]byte{[]byte("7")}, ResultFormatCodes: []int16{}}),
		pgmock.ExpectMessage(&pgproto3.Describe{ObjectType: 'P'}),
		pgmock.ExpectMessage(&pgproto3.Execute{}),
		pgmock.ExpectMessage(&pgproto3.Sync{}),
		pgmock.SendMessage(&pgproto3.ParseComplete{}),
		pgmock.SendMessage(&pgproto3.BindComplete{}),
		pgmock.SendMessage(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("int8"), DataTypeOID: 20, DataTypeSize: 8, TypeModifier: -1},
		}}),
		pgmock.SendMessage(&pgproto3.DataRow{Values: [][]byte{[]byte("7")}}),
		pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
		pgmock.WaitForClose(),
	)

	connString, serverErrChan := startMockServer(t, script)
	conn := connectMock(t, connString)

	res, err := conn.ExecParams(context.Background(), "select $1::int8", [][]byte{[]byte("7")})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, pgsession.TuplesOk, res.Status)
	assert.Equal(t, []byte("7"), res.Value(0, 0))

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, <-serverErrChan)
}
