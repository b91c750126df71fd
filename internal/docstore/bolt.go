package docstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var memosBucket = []byte("memos")

// Bolt is a Store persisted in a bbolt file. Each memo is one JSON value
// keyed by its ID.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the store file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open memo store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(memosBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create memos bucket: %w", err)
	}
	return &Bolt{db: db, now: time.Now}, nil
}

// Close releases the file lock.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Create(id string, pos Point) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(memosBucket)
		if bk.Get([]byte(id)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, id)
		}
		return put(bk, newDocument(id, pos, b.now()))
	})
}

func (b *Bolt) Delete(id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(memosBucket)
		if bk.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return bk.Delete([]byte(id))
	})
}

func (b *Bolt) UpdatePosition(id string, x, y float64) error {
	return b.modify(id, func(d *Document) {
		d.X, d.Y = x, y
	})
}

func (b *Bolt) Update(id string, patch Patch) error {
	return b.modify(id, patch.apply)
}

func (b *Bolt) Get(id string) (Document, error) {
	var d Document
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = get(tx.Bucket(memosBucket), id)
		return err
	})
	return d, err
}

// List returns every memo in key order.
func (b *Bolt) List() ([]Document, error) {
	var out []Document
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(memosBucket).ForEach(func(k, v []byte) error {
			var d Document
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode memo %s: %w", k, err)
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) modify(id string, fn func(*Document)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(memosBucket)
		d, err := get(bk, id)
		if err != nil {
			return err
		}
		fn(&d)
		d.UpdatedAt = b.now()
		return put(bk, d)
	})
}

func get(bk *bolt.Bucket, id string) (Document, error) {
	v := bk.Get([]byte(id))
	if v == nil {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var d Document
	if err := json.Unmarshal(v, &d); err != nil {
		return Document{}, fmt.Errorf("decode memo %s: %w", id, err)
	}
	return d, nil
}

func put(bk *bolt.Bucket, d Document) error {
	v, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode memo %s: %w", d.ID, err)
	}
	return bk.Put([]byte(d.ID), v)
}
