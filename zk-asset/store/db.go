package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Collections of the wallet database.
const (
	Notes        = "notes"
	TreeLeaves   = "tree_leaves"
	Payloads     = "payloads"
	Transactions = "transactions"
	Meta         = "meta"
	Vault        = "vault"
)

var collections = []string{Notes, TreeLeaves, Payloads, Transactions, Meta, Vault}

var ErrNotFound = errors.New("not found")

type Reader interface {
	// Get returns a copy of the value, or ErrNotFound.
	Get(collection, key string) ([]byte, error)
	// ForEach visits every entry of collection in key order.
	ForEach(collection string, fn func(key string, value []byte) error) error
}

type Writer interface {
	Put(collection, key string, value []byte) error
	Delete(collection, key string) error
}

// Batch is the view of a single atomic update.
type Batch interface {
	Reader
	Writer
}

// KV is a key-value store over named collections.
type KV interface {
	Reader
	Writer
	// Update runs fn in one atomic write transaction.
	Update(fn func(Batch) error) error
	Clear(collection string) error
	Close() error
}

// DB is a KV backed by a single bbolt file.
type DB struct {
	path string
	db   *bolt.DB
}

var _ KV = (*DB)(nil)

func Open(dir string) (*DB, error) {
	if dir == "" {
		return nil, fmt.Errorf("data dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, "wallet.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, c := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("create bucket %s: %w", c, err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return &DB{path: path, db: bdb}, nil
}

func (d *DB) Path() string { return d.path }

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Get(collection, key string) ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = (&batch{tx: tx}).Get(collection, key)
		return err
	})
	return out, err
}

func (d *DB) ForEach(collection string, fn func(key string, value []byte) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return (&batch{tx: tx}).ForEach(collection, fn)
	})
}

func (d *DB) Put(collection, key string, value []byte) error {
	return d.Update(func(b Batch) error {
		return b.Put(collection, key, value)
	})
}

func (d *DB) Delete(collection, key string) error {
	return d.Update(func(b Batch) error {
		return b.Delete(collection, key)
	})
}

func (d *DB) Update(fn func(Batch) error) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return fn(&batch{tx: tx})
	})
}

func (d *DB) Clear(collection string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(collection)) == nil {
			return fmt.Errorf("unknown collection %s", collection)
		}
		if err := tx.DeleteBucket([]byte(collection)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(collection))
		return err
	})
}

type batch struct {
	tx *bolt.Tx
}

func (b *batch) bucket(collection string) (*bolt.Bucket, error) {
	bkt := b.tx.Bucket([]byte(collection))
	if bkt == nil {
		return nil, fmt.Errorf("unknown collection %s", collection)
	}
	return bkt, nil
}

func (b *batch) Get(collection, key string) ([]byte, error) {
	bkt, err := b.bucket(collection)
	if err != nil {
		return nil, err
	}
	v := bkt.Get([]byte(key))
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *batch) ForEach(collection string, fn func(key string, value []byte) error) error {
	bkt, err := b.bucket(collection)
	if err != nil {
		return err
	}
	return bkt.ForEach(func(k, v []byte) error {
		return fn(string(k), append([]byte(nil), v...))
	})
}

func (b *batch) Put(collection, key string, value []byte) error {
	bkt, err := b.bucket(collection)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(key), value)
}

func (b *batch) Delete(collection, key string) error {
	bkt, err := b.bucket(collection)
	if err != nil {
		return err
	}
	return bkt.Delete([]byte(key))
}
