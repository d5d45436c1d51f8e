package pgsession

import (
	"strconv"
	"strings"

	"github.com/jackc/pgproto3/v2"
)

// ResultStatus is the status tag of a Result.
type ResultStatus int

const (
	EmptyQuery ResultStatus = iota
	CommandOk
	TuplesOk
	CopyOut
	CopyIn
	CopyBoth
	BadResponse
	NonfatalError
	FatalError
	SingleTuple
	PipelineSync
	PipelineAborted
)

func (rs ResultStatus) String() string {
	switch rs {
	case EmptyQuery:
		return "EMPTY_QUERY"
	case CommandOk:
		return "COMMAND_OK"
	case TuplesOk:
		return "TUPLES_OK"
	case CopyOut:
		return "COPY_OUT"
	case CopyIn:
		return "COPY_IN"
	case CopyBoth:
		return "COPY_BOTH"
	case BadResponse:
		return "BAD_RESPONSE"
	case NonfatalError:
		return "NONFATAL_ERROR"
	case FatalError:
		return "FATAL_ERROR"
	case SingleTuple:
		return "SINGLE_TUPLE"
	case PipelineSync:
		return "PIPELINE_SYNC"
	case PipelineAborted:
		return "PIPELINE_ABORTED"
	default:
		return "invalid"
	}
}

// CommandTag is the command completion tag of a Result (e.g. "INSERT 0 1").
type CommandTag string

// RowsAffected returns the number of rows affected. If the CommandTag was not
// for a row affecting command (e.g. "CREATE TABLE") then it returns 0.
func (ct CommandTag) RowsAffected() int64 {
	s := string(ct)
	index := strings.LastIndex(s, " ")
	if index == -1 {
		return 0
	}
	n, _ := strconv.ParseInt(s[index+1:], 10, 64)
	return n
}

// Result is one command result produced by the transport. It is exclusively
// owned by the caller; the Conn does not retain it.
type Result struct {
	Status     ResultStatus
	CommandTag CommandTag
	Fields     []pgproto3.FieldDescription
	Rows       [][][]byte

	// Err is the server-reported error when Status is BadResponse,
	// NonfatalError, or FatalError.
	Err error
}

// Value returns the raw value of row r column c. It may be nil for SQL NULL.
func (res *Result) Value(r, c int) []byte {
	return res.Rows[r][c]
}
