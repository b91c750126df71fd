package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessageType is returned when an envelope carries a type outside the closed set.
var ErrUnknownMessageType = errors.New("unknown message type")

// MessageType is the closed set of envelope kinds.
type MessageType string

const (
	MsgOperation  MessageType = "operation"
	MsgPresence   MessageType = "presence"
	MsgUserJoined MessageType = "user_joined"
	MsgUserLeft   MessageType = "user_left"
	MsgHeartbeat  MessageType = "heartbeat"
	MsgConflict   MessageType = "conflict"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MsgOperation, MsgPresence, MsgUserJoined, MsgUserLeft, MsgHeartbeat, MsgConflict:
		return true
	}
	return false
}

// Envelope is the only unit ever sent over the transport.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	// Seq is assigned by the relay; zero on envelopes that have not passed through it.
	Seq uint64 `json:"seq,omitempty"`
}

// NewEnvelope marshals data into an envelope of type t.
func NewEnvelope(t MessageType, data any, userID string, timestamp int64) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: raw, UserID: userID, Timestamp: timestamp}, nil
}

// DecodeEnvelope parses one transport frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Heartbeat is the payload of heartbeat envelopes. Clients send Ping; the
// relay answers with Pong set to the ping it received.
type Heartbeat struct {
	Ping *int64 `json:"ping,omitempty"`
	Pong *int64 `json:"pong,omitempty"`
}
