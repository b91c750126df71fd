package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when an operation carries a type outside the closed set.
var ErrUnknownKind = errors.New("unknown operation kind")

// OpKind is the closed set of operation kinds.
type OpKind string

const (
	OpInsert    OpKind = "insert"
	OpDelete    OpKind = "delete"
	OpRetain    OpKind = "retain"
	OpMove      OpKind = "move"
	OpCreate    OpKind = "create"
	OpDeleteDoc OpKind = "delete_doc"
)

// Wire names differ from the in-memory names for the memo lifecycle kinds.
var kindToWire = map[OpKind]string{
	OpInsert:    "insert",
	OpDelete:    "delete",
	OpRetain:    "retain",
	OpMove:      "memo_move",
	OpCreate:    "memo_create",
	OpDeleteDoc: "memo_delete",
}

var wireToKind = map[string]OpKind{
	"insert":      OpInsert,
	"delete":      OpDelete,
	"retain":      OpRetain,
	"memo_move":   OpMove,
	"memo_create": OpCreate,
	"memo_delete": OpDeleteDoc,
}

// Valid reports whether k is one of the known kinds.
func (k OpKind) Valid() bool {
	_, ok := kindToWire[k]
	return ok
}

// IsText reports whether k edits memo text and therefore carries a position.
func (k OpKind) IsText() bool {
	return k == OpInsert || k == OpDelete || k == OpRetain
}

// Operation is a single edit made by one user against one memo.
type Operation struct {
	ID        string
	Kind      OpKind
	Data      map[string]any
	UserID    string
	Timestamp int64 // ms since epoch, non-decreasing per originating client
	DocID     string
	Position  int
	Content   string
	// BaseSeq is the highest relay sequence number the sender had integrated
	// when the operation was produced.
	BaseSeq uint64
}

type wireOperation struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	UserID    string         `json:"userId"`
	Timestamp int64          `json:"timestamp"`
	MemoID    string         `json:"memoId,omitempty"`
	Position  *int           `json:"position,omitempty"`
	Content   string         `json:"content,omitempty"`
	BaseSeq   uint64         `json:"baseSeq,omitempty"`
}

// MarshalJSON encodes the operation in its wire shape.
func (op Operation) MarshalJSON() ([]byte, error) {
	name, ok := kindToWire[op.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	w := wireOperation{
		ID:        op.ID,
		Type:      name,
		Data:      op.Data,
		UserID:    op.UserID,
		Timestamp: op.Timestamp,
		MemoID:    op.DocID,
		Content:   op.Content,
		BaseSeq:   op.BaseSeq,
	}
	if w.Data == nil {
		w.Data = map[string]any{}
	}
	if op.Kind.IsText() {
		pos := op.Position
		w.Position = &pos
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape, rejecting unknown kinds and text
// operations without a position.
func (op *Operation) UnmarshalJSON(b []byte) error {
	var w wireOperation
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	kind, ok := wireToKind[w.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
	if kind.IsText() && w.Position == nil {
		return fmt.Errorf("%s operation without position", w.Type)
	}
	*op = Operation{
		ID:        w.ID,
		Kind:      kind,
		Data:      w.Data,
		UserID:    w.UserID,
		Timestamp: w.Timestamp,
		DocID:     w.MemoID,
		Content:   w.Content,
		BaseSeq:   w.BaseSeq,
	}
	if w.Position != nil {
		op.Position = *w.Position
	}
	return nil
}

// Point returns the x/y coordinates carried in Data by move and create
// operations.
func (op Operation) Point() (x, y float64, ok bool) {
	x, okX := number(op.Data["x"])
	y, okY := number(op.Data["y"])
	return x, y, okX && okY
}

// WithPoint returns a copy of op whose Data carries the given coordinates.
func (op Operation) WithPoint(x, y float64) Operation {
	data := make(map[string]any, len(op.Data)+2)
	for k, v := range op.Data {
		data[k] = v
	}
	data["x"] = x
	data["y"] = y
	op.Data = data
	return op
}

// Noop returns a copy of op that no longer changes anything.
func (op Operation) Noop() Operation {
	op.Kind = OpRetain
	op.Content = ""
	return op
}

// Precedes is the deterministic total order used to break ties between
// concurrent operations: earlier timestamp first, then user ID, then op ID.
func (op Operation) Precedes(other Operation) bool {
	if op.Timestamp != other.Timestamp {
		return op.Timestamp < other.Timestamp
	}
	if op.UserID != other.UserID {
		return op.UserID < other.UserID
	}
	return op.ID < other.ID
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
