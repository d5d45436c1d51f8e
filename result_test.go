package pgsession_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jackc/pgsession"
)

func TestCommandTagRowsAffected(t *testing.T) {
	tests := []struct {
		tag  pgsession.CommandTag
		want int64
	}{
		{"INSERT 0 5", 5},
		{"UPDATE 0", 0},
		{"DELETE 3", 3},
		{"COPY 128", 128},
		{"CREATE TABLE", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, tt.tag.RowsAffected(), "tag %q", tt.tag)
	}
}

func TestResultValue(t *testing.T) {
	res := &pgsession.Result{
		Status: pgsession.TuplesOk,
		Rows: [][][]byte{
			{[]byte("1"), nil},
			{[]byte("2"), []byte("b")},
		},
	}
	assert.Equal(t, []byte("1"), res.Value(0, 0))
	assert.Nil(t, res.Value(0, 1))
	assert.Equal(t, []byte("b"), res.Value(1, 1))
}
