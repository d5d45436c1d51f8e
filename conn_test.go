package pgsession_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackc/pgsession"
)

// resultStep is one scripted NextResult return.
type resultStep struct {
	res *pgsession.Result
	err error
}

// fakeTransport is a scriptable pgsession.Transport. Poll pops statuses from
// pollStatuses, NextResult and GetCopyData pop from their queues, and all
// submissions are recorded for assertion.
type fakeTransport struct {
	pollStatuses []pgsession.PollStatus
	resets       int
	resetCtx     context.Context

	nonblocking     bool
	nonblockingLog  []bool
	errorMessage    string
	txStatus        byte
	parameterValues map[string]string

	execLog []string
	sendLog []string
	onExec  func(sql string) (*pgsession.Result, error)

	resultSteps []resultStep

	flushes     int
	flushBlocks int // Flush returns done=false this many times first

	copyData   [][]byte
	copyEnds   []string
	copyChunks [][]byte
	copyBlocks int // PutCopyData/PutCopyEnd return done=false this many times first

	// would-block interleaving for non-blocking reads: every chunk and
	// result is preceded by one ErrWouldBlock return.
	interleaveWouldBlock bool
	copyBlocked          bool
	resultBlocked        bool

	cancels int

	waitReadable int
	waitWritable int

	closed bool
}

func (t *fakeTransport) Poll() pgsession.PollStatus {
	if len(t.pollStatuses) == 0 {
		return pgsession.PollOk
	}
	status := t.pollStatuses[0]
	t.pollStatuses = t.pollStatuses[1:]
	return status
}

func (t *fakeTransport) StartReset(ctx context.Context) error {
	t.resets++
	t.resetCtx = ctx
	return nil
}

func (t *fakeTransport) SetNonblocking(enabled bool) error {
	t.nonblocking = enabled
	t.nonblockingLog = append(t.nonblockingLog, enabled)
	return nil
}

func (t *fakeTransport) exec(sql string) (*pgsession.Result, error) {
	t.execLog = append(t.execLog, sql)
	if t.onExec != nil {
		return t.onExec(sql)
	}
	return &pgsession.Result{Status: pgsession.CommandOk}, nil
}

func (t *fakeTransport) Exec(sql string) (*pgsession.Result, error) {
	return t.exec(sql)
}

func (t *fakeTransport) ExecParams(sql string, paramValues [][]byte) (*pgsession.Result, error) {
	return t.exec(sql)
}

func (t *fakeTransport) Prepare(name, sql string) (*pgsession.Result, error) {
	return t.exec(sql)
}

func (t *fakeTransport) Describe(name string) (*pgsession.Result, error) {
	return t.exec(name)
}

func (t *fakeTransport) SendExec(sql string) error {
	t.sendLog = append(t.sendLog, sql)
	return nil
}

func (t *fakeTransport) SendExecParams(sql string, paramValues [][]byte) error {
	t.sendLog = append(t.sendLog, sql)
	return nil
}

func (t *fakeTransport) SendPrepare(name, sql string) error {
	t.sendLog = append(t.sendLog, sql)
	return nil
}

func (t *fakeTransport) SendDescribe(name string) error {
	t.sendLog = append(t.sendLog, name)
	return nil
}

func (t *fakeTransport) Flush() (bool, error) {
	t.flushes++
	if t.flushBlocks > 0 {
		t.flushBlocks--
		return false, nil
	}
	return true, nil
}

func (t *fakeTransport) NextResult(block bool) (*pgsession.Result, error) {
	if !block && t.interleaveWouldBlock && !t.resultBlocked {
		t.resultBlocked = true
		return nil, pgsession.ErrWouldBlock
	}
	t.resultBlocked = false
	if len(t.resultSteps) == 0 {
		return nil, nil
	}
	step := t.resultSteps[0]
	t.resultSteps = t.resultSteps[1:]
	return step.res, step.err
}

func (t *fakeTransport) IsBusy() bool {
	return len(t.resultSteps) > 0
}

func (t *fakeTransport) PutCopyData(data []byte) (bool, error) {
	if len(data) > 0 {
		t.copyData = append(t.copyData, append([]byte{}, data...))
	}
	if t.copyBlocks > 0 {
		t.copyBlocks--
		return false, nil
	}
	return true, nil
}

func (t *fakeTransport) PutCopyEnd(errorMsg string) (bool, error) {
	t.copyEnds = append(t.copyEnds, errorMsg)
	if t.copyBlocks > 0 {
		t.copyBlocks--
		return false, nil
	}
	return true, nil
}

func (t *fakeTransport) GetCopyData(block bool) ([]byte, error) {
	if !block && t.interleaveWouldBlock && !t.copyBlocked {
		t.copyBlocked = true
		return nil, pgsession.ErrWouldBlock
	}
	t.copyBlocked = false
	if len(t.copyChunks) == 0 {
		return nil, nil
	}
	chunk := t.copyChunks[0]
	t.copyChunks = t.copyChunks[1:]
	return chunk, nil
}

func (t *fakeTransport) Cancel() error {
	t.cancels++
	return nil
}

func (t *fakeTransport) WaitReadable(ctx context.Context) error {
	t.waitReadable++
	return ctx.Err()
}

func (t *fakeTransport) WaitWritable(ctx context.Context) error {
	t.waitWritable++
	return ctx.Err()
}

func (t *fakeTransport) TxStatus() byte {
	if t.txStatus == 0 {
		return 'I'
	}
	return t.txStatus
}

func (t *fakeTransport) ParameterStatus(key string) string {
	return t.parameterValues[key]
}

func (t *fakeTransport) ErrorMessage() string { return t.errorMessage }

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func mustConnect(t *testing.T, transport *fakeTransport) *pgsession.Conn {
	t.Helper()
	conn, err := pgsession.Connect(context.Background(), pgsession.ConnConfig{Transport: transport})
	require.NoError(t, err)
	return conn
}

func TestConnectDrivesHandshakeToOk(t *testing.T) {
	transport := &fakeTransport{
		pollStatuses: []pgsession.PollStatus{pgsession.PollReading, pgsession.PollWriting, pgsession.PollOk},
	}

	conn := mustConnect(t, transport)

	assert.True(t, conn.IsAlive())
	// The first wait is for writability (the startup packet), then one wait
	// per intermediate status.
	assert.Equal(t, 2, transport.waitWritable)
	assert.Equal(t, 1, transport.waitReadable)
	// Established connections run the transport non-blocking with no queued
	// output left behind.
	assert.Equal(t, []bool{true}, transport.nonblockingLog)
	assert.GreaterOrEqual(t, transport.flushes, 1)
}

func TestConnectImmediateOk(t *testing.T) {
	transport := &fakeTransport{pollStatuses: []pgsession.PollStatus{pgsession.PollOk}}

	conn := mustConnect(t, transport)
	assert.True(t, conn.IsAlive())
}

func TestConnectFailureClosesTransport(t *testing.T) {
	transport := &fakeTransport{
		pollStatuses: []pgsession.PollStatus{pgsession.PollReading, pgsession.PollFailed},
		errorMessage: `FATAL: password authentication failed for user "jack"`,
	}

	_, err := pgsession.Connect(context.Background(), pgsession.ConnConfig{Transport: transport})
	require.Error(t, err)

	var connectErr *pgsession.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Contains(t, connectErr.Msg, "password authentication failed")
	assert.True(t, transport.closed)
}

func TestConnectRequiresTransport(t *testing.T) {
	_, err := pgsession.Connect(context.Background(), pgsession.ConnConfig{})
	require.Error(t, err)
}

func TestResetReestablishes(t *testing.T) {
	transport := &fakeTransport{}
	conn := mustConnect(t, transport)

	transport.pollStatuses = []pgsession.PollStatus{pgsession.PollWriting, pgsession.PollOk}
	err := conn.Reset(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, transport.resets)
	assert.True(t, conn.IsAlive())
}

func TestBlockingOpsDelegateToTransport(t *testing.T) {
	transport := &fakeTransport{}
	conn := mustConnect(t, transport)

	res, err := conn.ExecParams(context.Background(), "select $1", [][]byte{[]byte("1")})
	require.NoError(t, err)
	assert.Equal(t, pgsession.CommandOk, res.Status)

	res, err = conn.Prepare(context.Background(), "stmt", "select n from t")
	require.NoError(t, err)
	assert.Equal(t, pgsession.CommandOk, res.Status)

	res, err = conn.Describe(context.Background(), "stmt")
	require.NoError(t, err)
	assert.Equal(t, pgsession.CommandOk, res.Status)

	assert.Equal(t, []string{"select $1", "select n from t", "stmt"}, transport.execLog)
}

func TestResetThreadsContext(t *testing.T) {
	transport := &fakeTransport{}
	conn := mustConnect(t, transport)

	type resetKey struct{}
	ctx := context.WithValue(context.Background(), resetKey{}, "reset")
	require.NoError(t, conn.Reset(ctx))

	require.NotNil(t, transport.resetCtx)
	assert.Equal(t, "reset", transport.resetCtx.Value(resetKey{}))
}

func TestExecOnDeadConn(t *testing.T) {
	transport := &fakeTransport{}
	conn := mustConnect(t, transport)
	require.NoError(t, conn.Close(context.Background()))

	_, err := conn.Exec(context.Background(), "select 1")
	assert.Equal(t, pgsession.ErrDeadConn, err)
}

func TestExecSurfacesResultError(t *testing.T) {
	serverErr := errors.New(`ERROR: relation "widgets" does not exist`)
	transport := &fakeTransport{
		onExec: func(sql string) (*pgsession.Result, error) {
			return &pgsession.Result{Status: pgsession.FatalError, Err: serverErr}, nil
		},
	}
	conn := mustConnect(t, transport)

	res, err := conn.Exec(context.Background(), "select * from widgets")
	assert.Equal(t, serverErr, err)
	require.NotNil(t, res)
	assert.Equal(t, pgsession.FatalError, res.Status)
	// A server-reported error is not a transport failure.
	assert.True(t, conn.IsAlive())
}

func TestTransportErrorKillsConn(t *testing.T) {
	transportErr := errors.New("connection reset by peer")
	transport := &fakeTransport{
		onExec: func(sql string) (*pgsession.Result, error) {
			return nil, transportErr
		},
	}
	conn := mustConnect(t, transport)

	_, err := conn.Exec(context.Background(), "select 1")
	assert.Equal(t, transportErr, err)
	assert.False(t, conn.IsAlive())
	assert.Equal(t, transportErr, conn.CauseOfDeath())
	assert.True(t, transport.closed)
}

func TestFlushRetriesUntilDone(t *testing.T) {
	transport := &fakeTransport{}
	conn := mustConnect(t, transport)

	transport.flushes = 0
	transport.waitWritable = 0
	transport.flushBlocks = 2

	err := conn.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, transport.flushes)
	assert.Equal(t, 2, transport.waitWritable)
}

func TestModeDispatchVisibility(t *testing.T) {
	transport := &fakeTransport{}
	conn := mustConnect(t, transport)

	require.NoError(t, conn.SetNonblocking(true))
	assert.True(t, conn.IsNonblocking())

	// Async dispatch emulates blocking behavior transparently, so the
	// caller-visible flag reads false regardless of the recorded preference.
	require.NoError(t, conn.SetAsyncMode(true))
	assert.False(t, conn.IsNonblocking())
	assert.True(t, transport.nonblocking)

	// Leaving async mode restores the recorded preference.
	require.NoError(t, conn.SetAsyncMode(false))
	assert.True(t, conn.IsNonblocking())
	assert.True(t, transport.nonblocking)
}

func TestAsyncExecConsumesToLastResult(t *testing.T) {
	first := &pgsession.Result{Status: pgsession.CommandOk, CommandTag: "CREATE TABLE"}
	second := &pgsession.Result{Status: pgsession.TuplesOk, CommandTag: "SELECT 1"}
	transport := &fakeTransport{
		resultSteps: []resultStep{{res: first}, {res: second}, {}},
	}
	conn, err := pgsession.Connect(context.Background(), pgsession.ConnConfig{
		Transport:     transport,
		AsyncDispatch: true,
	})
	require.NoError(t, err)

	res, err := conn.Exec(context.Background(), "create table t (n int); select n from t")
	require.NoError(t, err)
	assert.Equal(t, second, res)
	assert.Equal(t, []string{"create table t (n int); select n from t"}, transport.sendLog)
	assert.Empty(t, transport.execLog)
}

func TestAsyncExecSuspendsOnWouldBlock(t *testing.T) {
	want := &pgsession.Result{Status: pgsession.CommandOk}
	transport := &fakeTransport{
		resultSteps: []resultStep{{err: pgsession.ErrWouldBlock}, {res: want}, {}},
	}
	conn, err := pgsession.Connect(context.Background(), pgsession.ConnConfig{
		Transport:     transport,
		AsyncDispatch: true,
	})
	require.NoError(t, err)

	res, err := conn.Exec(context.Background(), "select 1")
	require.NoError(t, err)
	assert.Equal(t, want, res)
	assert.Equal(t, 1, transport.waitReadable)
	assert.True(t, conn.IsAlive())
}

func TestAsyncNonblockingSurfacesWouldBlock(t *testing.T) {
	transport := &fakeTransport{
		resultSteps: []resultStep{{err: pgsession.ErrWouldBlock}, {}},
	}
	conn, err := pgsession.Connect(context.Background(), pgsession.ConnConfig{
		Transport:     transport,
		AsyncDispatch: true,
	})
	require.NoError(t, err)
	require.NoError(t, conn.SetNonblocking(true))

	_, err = conn.GetResult(context.Background())
	assert.Equal(t, pgsession.ErrWouldBlock, err)
	// Would-block is a suspension point, not a failure.
	assert.True(t, conn.IsAlive())
	assert.Zero(t, transport.waitReadable)
}

func TestGetLastResultStopsAtCopy(t *testing.T) {
	copyRes := &pgsession.Result{Status: pgsession.CopyOut}
	transport := &fakeTransport{
		resultSteps: []resultStep{
			{res: &pgsession.Result{Status: pgsession.CommandOk}},
			{res: copyRes},
			{res: &pgsession.Result{Status: pgsession.CommandOk}},
		},
	}
	conn := mustConnect(t, transport)

	res, err := conn.GetLastResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, copyRes, res)
	// The trailing result stays pending until the copy terminates.
	assert.True(t, conn.IsBusy())
}

func TestServerVersion(t *testing.T) {
	transport := &fakeTransport{
		parameterValues: map[string]string{
			"server_version": "14.5 (Debian 14.5-1.pgdg110+1)",
		},
	}
	conn := mustConnect(t, transport)

	version, err := conn.ServerVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 14, version.Major())
	assert.EqualValues(t, 5, version.Minor())
}

func TestLoggerReceivesEstablished(t *testing.T) {
	var msgs []string
	logger := pgsession.LoggerFunc(func(ctx context.Context, level pgsession.LogLevel, msg string, data map[string]interface{}) {
		msgs = append(msgs, msg)
	})

	transport := &fakeTransport{}
	_, err := pgsession.Connect(context.Background(), pgsession.ConnConfig{
		Transport: transport,
		Logger:    logger,
		LogLevel:  pgsession.LogLevelInfo,
	})
	require.NoError(t, err)
	assert.Contains(t, msgs, "connection established")
}
