package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTestDB(t *testing.T) *DB {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetPutDelete(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Get(Notes, "a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put(Notes, "a", []byte("1")))
	v, err := db.Get(Notes, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, db.Delete(Notes, "a"))
	_, err = db.Get(Notes, "a")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.Get("nope", "a")
	require.ErrorContains(t, err, "unknown collection")
}

func TestUpdateIsAtomic(t *testing.T) {
	db := openTestDB(t)

	boom := errors.New("boom")
	err := db.Update(func(b Batch) error {
		require.NoError(t, b.Put(Notes, "n1", []byte("x")))
		require.NoError(t, b.Put(Transactions, "t1", []byte("y")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Get(Notes, "n1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = db.Get(Transactions, "t1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Update(func(b Batch) error {
		if err := b.Put(Notes, "n1", []byte("x")); err != nil {
			return err
		}
		// reads inside the batch see its own writes
		v, err := b.Get(Notes, "n1")
		require.NoError(t, err)
		require.Equal(t, []byte("x"), v)
		return b.Put(Transactions, "t1", []byte("y"))
	}))
	_, err = db.Get(Transactions, "t1")
	require.NoError(t, err)
}

func TestJSONHelpersAndFilter(t *testing.T) {
	db := openTestDB(t)

	for i, name := range []string{"c", "a", "b"} {
		require.NoError(t, PutJSON(db, Payloads, name, &record{Name: name, Count: i}))
	}

	r, err := GetJSON[record](db, Payloads, "a")
	require.NoError(t, err)
	require.Equal(t, 1, r.Count)

	all, err := Filter[record](db, Payloads, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].Name) // key order
	require.Equal(t, "c", all[2].Name)

	some, err := Filter(db, Payloads, func(r *record) bool { return r.Count > 0 })
	require.NoError(t, err)
	require.Len(t, some, 2)

	require.NoError(t, db.Clear(Payloads))
	all, err = Filter[record](db, Payloads, nil)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Put(Meta, IndexKey(7), []byte("seven")))
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	v, err := db.Get(Meta, IndexKey(7))
	require.NoError(t, err)
	require.Equal(t, []byte("seven"), v)
	require.Less(t, IndexKey(9), IndexKey(10))
}
