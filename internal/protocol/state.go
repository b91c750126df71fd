package protocol

import (
	"encoding/json"
	"time"
)

// Cursor is a pointer position on the canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserPresence is one collaborator's live cursor and selection.
type UserPresence struct {
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	Cursor        Cursor `json:"cursor"`
	SelectedDocID string `json:"selectedMemoId,omitempty"`
	Color         string `json:"color"`
	LastSeen      int64  `json:"lastSeen"`
	IsActive      bool   `json:"isActive"`
}

// Quality is a coarse latency classification used for UI feedback.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// ClassifyLatency maps a heartbeat round trip onto a quality bucket.
func ClassifyLatency(d time.Duration) Quality {
	switch {
	case d < 50*time.Millisecond:
		return QualityExcellent
	case d < 150*time.Millisecond:
		return QualityGood
	default:
		return QualityPoor
	}
}

// ConnectionState is owned by the connection manager and read-only elsewhere.
// On the wire latency is whole milliseconds.
type ConnectionState struct {
	IsConnected       bool
	ConnectionQuality Quality
	Latency           time.Duration
}

type wireConnectionState struct {
	IsConnected       bool    `json:"isConnected"`
	ConnectionQuality Quality `json:"connectionQuality"`
	LatencyMs         int64   `json:"latencyMs"`
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireConnectionState{
		IsConnected:       s.IsConnected,
		ConnectionQuality: s.ConnectionQuality,
		LatencyMs:         s.Latency.Milliseconds(),
	})
}

func (s *ConnectionState) UnmarshalJSON(b []byte) error {
	var w wireConnectionState
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = ConnectionState{
		IsConnected:       w.IsConnected,
		ConnectionQuality: w.ConnectionQuality,
		Latency:           time.Duration(w.LatencyMs) * time.Millisecond,
	}
	return nil
}

// Strategy is how a pending conflict gets finalized.
type Strategy string

const (
	LastWriteWins        Strategy = "last_write_wins"
	OperationalTransform Strategy = "operational_transform"
	UserChoice           Strategy = "user_choice"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == LastWriteWins || s == OperationalTransform || s == UserChoice
}

// ConflictState is the data a conflict is about.
type ConflictState struct {
	Data         json.RawMessage `json:"data"`
	Timestamp    int64           `json:"timestamp"`
	UserID       string          `json:"userId"`
	ConflictType string          `json:"conflictType,omitempty"`
}

// ConflictResolution is both the pending-conflict record and the payload of
// conflict envelopes.
type ConflictResolution struct {
	Strategy   Strategy      `json:"strategy"`
	Resolved   bool          `json:"resolved"`
	FinalState ConflictState `json:"finalState"`
}
