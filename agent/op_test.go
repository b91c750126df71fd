package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/protocol"
)

func TestCommandOperation(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want protocol.Operation
	}{
		{
			name: "insert",
			cmd:  Command{Action: "insert", MemoID: "m1", Char: "x", Index: 3},
			want: protocol.Operation{Kind: protocol.OpInsert, DocID: "m1", Position: 3, Content: "x"},
		},
		{
			name: "delete",
			cmd:  Command{Action: "delete", MemoID: "m1", Index: 2},
			want: protocol.Operation{Kind: protocol.OpDelete, DocID: "m1", Position: 2},
		},
		{
			name: "move",
			cmd:  Command{Action: "move", MemoID: "m1", X: 10, Y: 20},
			want: protocol.Operation{Kind: protocol.OpMove, DocID: "m1"}.WithPoint(10, 20),
		},
		{
			name: "create without id",
			cmd:  Command{Action: "create", X: 1, Y: 2},
			want: protocol.Operation{Kind: protocol.OpCreate}.WithPoint(1, 2),
		},
		{
			name: "delete memo",
			cmd:  Command{Action: "delete_memo", MemoID: "m1"},
			want: protocol.Operation{Kind: protocol.OpDeleteDoc, DocID: "m1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, tt.cmd.IsEdit())
			op, err := tt.cmd.Operation()
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}
}

func TestCommandOperationErrors(t *testing.T) {
	_, err := Command{Action: "insert", MemoID: "m1"}.Operation()
	assert.Error(t, err)

	_, err = Command{Action: "cursor"}.Operation()
	assert.ErrorIs(t, err, errUnknownAction)
	assert.False(t, Command{Action: "cursor"}.IsEdit())
	assert.False(t, Command{Action: "resolve"}.IsEdit())
}
