package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimestampNeverGoesBack(t *testing.T) {
	now := time.UnixMilli(10_000)
	s := New("ws", "u1", "u1@example.com").WithClock(func() time.Time { return now })

	assert.Equal(t, int64(10_000), s.Timestamp())

	now = time.UnixMilli(9_000) // wall clock stepped backwards
	assert.Equal(t, int64(10_000), s.Timestamp())

	now = time.UnixMilli(10_500)
	assert.Equal(t, int64(10_500), s.Timestamp())
}
