// Package docstore defines the memo store the collaboration engine writes to,
// with an in-memory implementation and a bbolt-backed one for the agent.
package docstore

import (
	"errors"
	"time"
)

// ErrNotFound is returned for memos that do not exist.
var ErrNotFound = errors.New("memo not found")

// ErrExists is returned by Create for a memo ID that is already taken.
var ErrExists = errors.New("memo already exists")

// Default size of a freshly created memo.
const (
	DefaultWidth  = 200
	DefaultHeight = 150
)

// Point is a canvas position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Document is a positioned, resizable text memo.
type Document struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Text   *string
	Width  *float64
	Height *float64
}

func (p Patch) apply(d *Document) {
	if p.Text != nil {
		d.Text = *p.Text
	}
	if p.Width != nil {
		d.Width = *p.Width
	}
	if p.Height != nil {
		d.Height = *p.Height
	}
}

// Store is the authoritative memo storage the coordinator mutates.
type Store interface {
	Create(id string, pos Point) error
	Delete(id string) error
	UpdatePosition(id string, x, y float64) error
	Get(id string) (Document, error)
	Update(id string, patch Patch) error
	List() ([]Document, error)
}

func newDocument(id string, pos Point, now time.Time) Document {
	return Document{ID: id, X: pos.X, Y: pos.Y, Width: DefaultWidth, Height: DefaultHeight, UpdatedAt: now}
}
