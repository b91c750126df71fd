package docstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "memos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return map[string]Store{"memory": NewMemory(), "bolt": b}
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create("m1", Point{X: 10, Y: 20}))
			assert.ErrorIs(t, s.Create("m1", Point{}), ErrExists)

			d, err := s.Get("m1")
			require.NoError(t, err)
			assert.Equal(t, 10.0, d.X)
			assert.Equal(t, 20.0, d.Y)
			assert.Equal(t, float64(DefaultWidth), d.Width)
			assert.Empty(t, d.Text)

			require.NoError(t, s.UpdatePosition("m1", 30, 40))
			text := "hello"
			width := 320.0
			require.NoError(t, s.Update("m1", Patch{Text: &text, Width: &width}))

			d, err = s.Get("m1")
			require.NoError(t, err)
			assert.Equal(t, 30.0, d.X)
			assert.Equal(t, 40.0, d.Y)
			assert.Equal(t, "hello", d.Text)
			assert.Equal(t, 320.0, d.Width)
			assert.Equal(t, float64(DefaultHeight), d.Height)

			require.NoError(t, s.Create("m0", Point{}))
			all, err := s.List()
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "m0", all[0].ID)

			require.NoError(t, s.Delete("m1"))
			_, err = s.Get("m1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete("m1"), ErrNotFound)
			assert.ErrorIs(t, s.UpdatePosition("m1", 0, 0), ErrNotFound)
			assert.ErrorIs(t, s.Update("m1", Patch{}), ErrNotFound)
		})
	}
}

func TestBoltPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memos.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Create("m1", Point{X: 1, Y: 2}))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer b.Close()
	d, err := b.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, d.Y)
}
