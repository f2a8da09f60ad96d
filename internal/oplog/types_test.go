package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestOpTimeCompare(t *testing.T) {
	tests := map[string]struct {
		a, b OpTime
		want int
	}{
		"equal": {
			a:    OpTime{Timestamp: primitive.Timestamp{T: 5, I: 1}, Term: 1},
			b:    OpTime{Timestamp: primitive.Timestamp{T: 5, I: 1}, Term: 1},
			want: 0,
		},
		"earlier timestamp wins regardless of term": {
			a:    OpTime{Timestamp: primitive.Timestamp{T: 4, I: 0}, Term: 9},
			b:    OpTime{Timestamp: primitive.Timestamp{T: 5, I: 0}, Term: 1},
			want: -1,
		},
		"same timestamp, tie broken by increment": {
			a:    OpTime{Timestamp: primitive.Timestamp{T: 5, I: 1}, Term: 1},
			b:    OpTime{Timestamp: primitive.Timestamp{T: 5, I: 2}, Term: 1},
			want: -1,
		},
		"same timestamp and increment, tie broken by term": {
			a:    OpTime{Timestamp: primitive.Timestamp{T: 5, I: 1}, Term: 2},
			b:    OpTime{Timestamp: primitive.Timestamp{T: 5, I: 1}, Term: 1},
			want: 1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Compare(tc.b))
		})
	}
}

func TestMaxOpTime(t *testing.T) {
	a := OpTime{Timestamp: primitive.Timestamp{T: 1}, Term: 1}
	b := OpTime{Timestamp: primitive.Timestamp{T: 2}, Term: 1}
	assert.Equal(t, b, MaxOpTime(a, b))
	assert.Equal(t, b, MaxOpTime(b, a))
}

func TestIsIsolatedCommand(t *testing.T) {
	tests := map[string]struct {
		entry Entry
		want  bool
	}{
		"unprepared commit is not isolated": {
			entry: Entry{OpType: OpTypeCommand, CommandType: CommandCommitTransaction},
			want:  false,
		},
		"prepared commit is isolated": {
			entry: Entry{OpType: OpTypeCommand, CommandType: CommandCommitTransaction, Prepare: true},
			want:  true,
		},
		"unprepared applyOps is not isolated": {
			entry: Entry{OpType: OpTypeCommand, CommandType: CommandApplyOps},
			want:  false,
		},
		"createIndexes command is isolated": {
			entry: Entry{OpType: OpTypeCommand, CommandType: CommandCreateIndexes},
			want:  true,
		},
		"plain insert is not isolated": {
			entry: Entry{OpType: OpTypeInsert, NS: "test.foo"},
			want:  false,
		},
		"write to system.views is isolated": {
			entry: Entry{OpType: OpTypeInsert, NS: "test.system.views"},
			want:  true,
		},
		"write to admin.system.version is isolated": {
			entry: Entry{OpType: OpTypeInsert, NS: "admin.system.version"},
			want:  true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.entry.IsIsolatedCommand())
		})
	}
}

func TestValidateVersion(t *testing.T) {
	require.NoError(t, ValidateVersion(&Entry{Version: expectedOplogVersion}))
	err := ValidateVersion(&Entry{Version: expectedOplogVersion + 1})
	require.ErrorIs(t, err, ErrOplogVersionMismatch)
}
