// Package transform reconciles concurrent memo operations. Every function is
// pure; callers own whatever operation logs they pass in.
package transform

import (
	"errors"
	"fmt"
	"sort"

	"collabtext/internal/protocol"
)

// ErrOutOfBounds is returned when a text operation addresses a position
// outside the text it is applied to.
var ErrOutOfBounds = errors.New("text operation out of bounds")

const (
	// ConflictWindowMs is the timestamp distance under which two operations on
	// the same memo may conflict.
	ConflictWindowMs = 1000
	// ProximityThreshold is the position distance under which two text
	// operations conflict.
	ProximityThreshold = 3
)

// TransformPair rewrites op1 so that it can be applied after op2, where both
// were produced against the same memo state. Operations on different memos
// and unhandled pairings return op1 unchanged.
//
// Insert/insert ties at the same position are broken by Operation.Precedes:
// the preceding insert ends up on the left on every replica.
func TransformPair(op1, op2 protocol.Operation) protocol.Operation {
	if op1.DocID != op2.DocID {
		return op1
	}
	switch op1.Kind {
	case protocol.OpInsert:
		switch op2.Kind {
		case protocol.OpInsert:
			if op2.Position < op1.Position || (op2.Position == op1.Position && op2.Precedes(op1)) {
				op1.Position += runeLen(op2.Content)
			}
		case protocol.OpDelete:
			if op2.Position < op1.Position {
				op1.Position--
			}
		}
		return op1
	case protocol.OpDelete:
		switch op2.Kind {
		case protocol.OpInsert:
			if op2.Position <= op1.Position {
				op1.Position += runeLen(op2.Content)
			}
		case protocol.OpDelete:
			switch {
			case op2.Position < op1.Position:
				op1.Position--
			case op2.Position == op1.Position:
				// op2 already removed the character.
				return op1.Noop()
			}
		}
		return op1
	case protocol.OpMove:
		if op2.Kind == protocol.OpMove {
			return lastWrite(op1, op2)
		}
	case protocol.OpCreate, protocol.OpDeleteDoc:
		if isLifecycle(op2.Kind) && op2.Kind != op1.Kind {
			return lastWrite(op1, op2)
		}
	}
	return op1
}

// Transform derives both bottom sides of the OT diamond: a' applies after b
// and b' applies after a, and applying either path yields the same memo.
func Transform(a, b protocol.Operation) (ap, bp protocol.Operation) {
	return TransformPair(a, b), TransformPair(b, a)
}

// TransformOperation folds op through every pending operation on the same
// memo that has an earlier timestamp, in timestamp order.
func TransformOperation(op protocol.Operation, pending []protocol.Operation) protocol.Operation {
	var earlier []protocol.Operation
	for _, p := range pending {
		if p.DocID == op.DocID && p.Timestamp < op.Timestamp {
			earlier = append(earlier, p)
		}
	}
	sort.SliceStable(earlier, func(i, j int) bool {
		return earlier[i].Timestamp < earlier[j].Timestamp
	})
	for _, p := range earlier {
		op = TransformPair(op, p)
	}
	return op
}

// Rebase folds op through applied in the order given. It is used when the
// order is fixed by relay sequence numbers rather than by timestamps.
func Rebase(op protocol.Operation, applied []protocol.Operation) protocol.Operation {
	for _, a := range applied {
		if a.DocID == op.DocID {
			op = TransformPair(op, a)
		}
	}
	return op
}

// ApplyTextOperation applies a single text edit to text. Positions count
// runes. Retain and non-text kinds return text unchanged.
func ApplyTextOperation(text string, op protocol.Operation) (string, error) {
	runes := []rune(text)
	switch op.Kind {
	case protocol.OpInsert:
		if op.Position < 0 || op.Position > len(runes) {
			return text, fmt.Errorf("%w: insert at %d in %d runes", ErrOutOfBounds, op.Position, len(runes))
		}
		out := make([]rune, 0, len(runes)+runeLen(op.Content))
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Content)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil
	case protocol.OpDelete:
		if op.Position < 0 || op.Position >= len(runes) {
			return text, fmt.Errorf("%w: delete at %d in %d runes", ErrOutOfBounds, op.Position, len(runes))
		}
		return string(runes[:op.Position]) + string(runes[op.Position+1:]), nil
	}
	return text, nil
}

// ConflictPair is two operations that would diverge if applied naively.
type ConflictPair struct {
	First  protocol.Operation
	Second protocol.Operation
}

// DetectConflicts scans every pair in ops. A pair conflicts when both target
// the same memo within ConflictWindowMs and are either text edits closer than
// ProximityThreshold or both moves.
func DetectConflicts(ops []protocol.Operation) []ConflictPair {
	var pairs []ConflictPair
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			if conflicts(ops[i], ops[j]) {
				pairs = append(pairs, ConflictPair{First: ops[i], Second: ops[j]})
			}
		}
	}
	return pairs
}

func conflicts(a, b protocol.Operation) bool {
	if a.DocID != b.DocID || abs(a.Timestamp-b.Timestamp) >= ConflictWindowMs {
		return false
	}
	if a.Kind.IsText() && b.Kind.IsText() {
		return abs(int64(a.Position-b.Position)) < ProximityThreshold
	}
	return a.Kind == protocol.OpMove && b.Kind == protocol.OpMove
}

func lastWrite(op1, op2 protocol.Operation) protocol.Operation {
	if op1.Precedes(op2) {
		return op2
	}
	return op1
}

func isLifecycle(k protocol.OpKind) bool {
	return k == protocol.OpCreate || k == protocol.OpDeleteDoc
}

func runeLen(s string) int {
	return len([]rune(s))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
