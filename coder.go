package pgsession

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// CopyCoder translates between structured rows and COPY chunks. A coder is
// installed for the scope of one RunCopy call; raw byte chunks pass through
// unmodified when no coder is active.
type CopyCoder interface {
	// Encode appends one encoded row to buf and returns it.
	Encode(buf []byte, values []interface{}) ([]byte, error)

	// Decode parses one chunk into row values.
	Decode(data []byte) ([]interface{}, error)
}

// TextCoder is a CopyCoder for the COPY text format: one line per row,
// tab-separated columns, backslash escapes, \N for NULL.
//
// Types optionally names the PostgreSQL type of each column and directs
// decoding: without hints every decoded value is a string. Supported hints
// are bool, int2, int4, int8, bigint, integer, float4, float8, numeric,
// decimal, uuid, bytea, date, timestamp, timestamptz, text, and varchar.
type TextCoder struct {
	Types []string

	// Null overrides the NULL representation. Defaults to `\N`.
	Null string
}

func (tc *TextCoder) nullString() string {
	if tc.Null != "" {
		return tc.Null
	}
	return `\N`
}

func (tc *TextCoder) Encode(buf []byte, values []interface{}) ([]byte, error) {
	for i, v := range values {
		if i > 0 {
			buf = append(buf, '\t')
		}
		s, err := tc.encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding COPY column %d: %v", i+1, err)
		}
		buf = append(buf, s...)
	}
	return append(buf, '\n'), nil
}

func (tc *TextCoder) encodeValue(v interface{}) (string, error) {
	switch v := v.(type) {
	case nil:
		return tc.nullString(), nil
	case string:
		return escapeCopyText(v), nil
	case []byte:
		return `\\x` + hex.EncodeToString(v), nil
	case bool:
		if v {
			return "t", nil
		}
		return "f", nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return v.Format("2006-01-02 15:04:05.999999999Z07:00"), nil
	case uuid.UUID:
		return v.String(), nil
	case decimal.Decimal:
		return v.String(), nil
	case *apd.Decimal:
		return v.String(), nil
	case fmt.Stringer:
		return escapeCopyText(v.String()), nil
	default:
		return "", fmt.Errorf("cannot encode %T", v)
	}
}

func (tc *TextCoder) Decode(data []byte) ([]interface{}, error) {
	line := strings.TrimSuffix(string(data), "\n")
	fields := strings.Split(line, "\t")

	values := make([]interface{}, len(fields))
	for i, f := range fields {
		if f == tc.nullString() {
			values[i] = nil
			continue
		}

		typ := ""
		if i < len(tc.Types) {
			typ = tc.Types[i]
		}

		v, err := tc.decodeValue(f, typ)
		if err != nil {
			return nil, fmt.Errorf("decoding COPY column %d as %s: %v", i+1, typ, err)
		}
		values[i] = v
	}
	return values, nil
}

func (tc *TextCoder) decodeValue(f, typ string) (interface{}, error) {
	switch typ {
	case "bool":
		return f == "t" || f == "true", nil
	case "int2", "int4", "int8", "bigint", "integer":
		return strconv.ParseInt(f, 10, 64)
	case "float4", "float8":
		return strconv.ParseFloat(f, 64)
	case "numeric":
		d, _, err := apd.NewFromString(f)
		return d, err
	case "decimal":
		return decimal.NewFromString(f)
	case "uuid":
		return uuid.FromString(f)
	case "bytea":
		return hex.DecodeString(strings.TrimPrefix(unescapeCopyText(f), `\x`))
	case "date":
		return time.Parse("2006-01-02", f)
	case "timestamp":
		return time.Parse("2006-01-02 15:04:05.999999999", f)
	case "timestamptz":
		return time.Parse("2006-01-02 15:04:05.999999999Z07:00", f)
	default:
		return unescapeCopyText(f), nil
	}
}

var copyTextEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\t", `\t`,
	"\n", `\n`,
	"\r", `\r`,
)

var copyTextUnescaper = strings.NewReplacer(
	`\t`, "\t",
	`\n`, "\n",
	`\r`, "\r",
	`\\`, `\`,
)

func escapeCopyText(s string) string {
	return copyTextEscaper.Replace(s)
}

func unescapeCopyText(s string) string {
	return copyTextUnescaper.Replace(s)
}
