package main

import (
	"errors"
	"fmt"

	"collabtext/internal/protocol"
)

var errUnknownAction = errors.New("unknown action")

// Command is a message from a browser tab.
type Command struct {
	Action   string                  `json:"action"` // insert, delete, move, create, delete_memo, cursor, select, resolve, state
	MemoID   string                  `json:"memoId,omitempty"`
	Char     string                  `json:"char,omitempty"`
	Index    int                     `json:"index"`
	X        float64                 `json:"x"`
	Y        float64                 `json:"y"`
	Strategy protocol.Strategy       `json:"strategy,omitempty"`
	Choice   *protocol.ConflictState `json:"choice,omitempty"`
	ClientID string                  `json:"clientID,omitempty"` // browser tab, echoed back on errors
}

// Operation converts an editing command into the operation it submits.
func (c Command) Operation() (protocol.Operation, error) {
	switch c.Action {
	case "insert":
		if c.Char == "" {
			return protocol.Operation{}, errors.New("insert without char")
		}
		return protocol.Operation{Kind: protocol.OpInsert, DocID: c.MemoID, Position: c.Index, Content: c.Char}, nil
	case "delete":
		return protocol.Operation{Kind: protocol.OpDelete, DocID: c.MemoID, Position: c.Index}, nil
	case "move":
		return protocol.Operation{Kind: protocol.OpMove, DocID: c.MemoID}.WithPoint(c.X, c.Y), nil
	case "create":
		return protocol.Operation{Kind: protocol.OpCreate, DocID: c.MemoID}.WithPoint(c.X, c.Y), nil
	case "delete_memo":
		return protocol.Operation{Kind: protocol.OpDeleteDoc, DocID: c.MemoID}, nil
	}
	return protocol.Operation{}, fmt.Errorf("%w: %q", errUnknownAction, c.Action)
}

// IsEdit reports whether the command changes a memo.
func (c Command) IsEdit() bool {
	switch c.Action {
	case "insert", "delete", "move", "create", "delete_memo":
		return true
	}
	return false
}
