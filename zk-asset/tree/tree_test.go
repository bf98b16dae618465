package tree

import (
	"sync"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/store"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/stretchr/testify/require"
)

func leaf(v uint64) fr.Element {
	return utils.HashFields(utils.FieldFromUint64(v))
}

func TestEmptyRoot(t *testing.T) {
	tr, err := New(DefaultLevels, nil)
	require.NoError(t, err)

	zeros := ZeroNodes(DefaultLevels)
	root := tr.Root()
	require.True(t, root.Equal(&zeros[DefaultLevels-1]))
	require.Equal(t, 11, tr.Depth())
	require.Equal(t, uint64(2048), tr.Capacity())
}

func TestSmallTreeRoot(t *testing.T) {
	tr, err := New(3, nil)
	require.NoError(t, err)

	a, b := leaf(1), leaf(2)
	require.NoError(t, tr.Append(0, a))
	require.NoError(t, tr.Append(1, b))

	z := utils.EmptyLeaf()
	expected := utils.HashFields(utils.HashFields(a, b), utils.HashFields(z, z))
	root := tr.Root()
	require.True(t, expected.Equal(&root))

	// leaf 2 is the left child of the right subtree
	c := leaf(3)
	require.NoError(t, tr.Append(2, c))
	expected = utils.HashFields(utils.HashFields(a, b), utils.HashFields(c, z))
	root = tr.Root()
	require.True(t, expected.Equal(&root))
}

func TestProofs(t *testing.T) {
	tr, err := New(5, nil)
	require.NoError(t, err)

	for i := uint64(0); i < 9; i++ {
		require.NoError(t, tr.Append(i, leaf(i)))
	}
	root := tr.Root()

	for i := uint64(0); i < 9; i++ {
		path, err := tr.Proof(i)
		require.NoError(t, err)
		require.Len(t, path.Siblings, 4)
		require.Equal(t, uint8(1-i%2), path.Indices[0])
		require.True(t, VerifyProof(root, leaf(i), path), "leaf %d", i)
		require.False(t, VerifyProof(root, leaf(i+100), path))
	}

	_, err = tr.Proof(12)
	require.ErrorIs(t, err, ErrLeafNotFound)
}

func TestAppendRules(t *testing.T) {
	tr, err := New(3, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Append(0, leaf(1)))
	before := tr.Root()

	// same value again is a no-op
	require.NoError(t, tr.Append(0, leaf(1)))
	after := tr.Root()
	require.True(t, before.Equal(&after))

	require.ErrorIs(t, tr.Append(0, leaf(2)), ErrLeafConflict)
	require.ErrorIs(t, tr.Append(4, leaf(2)), ErrIndexOverflow)

	idx, ok := tr.IndexOf(leaf(1))
	require.True(t, ok)
	require.Equal(t, uint64(0), idx)
	_, ok = tr.IndexOf(leaf(9))
	require.False(t, ok)
	require.Equal(t, uint64(1), tr.NextIndex())
}

func TestPersistence(t *testing.T) {
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	tr, err := New(6, db)
	require.NoError(t, err)
	require.NoError(t, tr.AppendBatch([]types.TreeLeaf{
		{Index: 0, Value: leaf(10)},
		{Index: 1, Value: leaf(11)},
		{Index: 2, Value: leaf(12)},
	}))
	root := tr.Root()

	reloaded, err := New(6, db)
	require.NoError(t, err)
	root2 := reloaded.Root()
	require.True(t, root.Equal(&root2))
	require.Equal(t, 3, reloaded.Len())
	require.Equal(t, uint64(3), reloaded.NextIndex())

	// a conflicting batch leaves nothing behind
	err = reloaded.AppendBatch([]types.TreeLeaf{
		{Index: 3, Value: leaf(13)},
		{Index: 1, Value: leaf(99)},
	})
	require.ErrorIs(t, err, ErrLeafConflict)
	_, ok := reloaded.Leaf(3)
	require.False(t, ok)

	require.NoError(t, reloaded.Reset())
	require.Equal(t, 0, reloaded.Len())
	empty, err := New(6, db)
	require.NoError(t, err)
	require.Equal(t, 0, empty.Len())
}

func TestProofsShareRoot(t *testing.T) {
	tr, err := New(5, nil)
	require.NoError(t, err)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, tr.Append(i, leaf(i)))
	}

	root, paths, err := tr.Proofs([]uint64{1, 4})
	require.NoError(t, err)
	require.True(t, VerifyProof(root, leaf(1), paths[0]))
	require.True(t, VerifyProof(root, leaf(4), paths[1]))

	_, _, err = tr.Proofs([]uint64{1, 9})
	require.ErrorIs(t, err, ErrLeafNotFound)
}

// Readers inside a kv transaction must not wait on an append that is itself
// waiting for that transaction.
func TestReadInsideUpdateWhileAppending(t *testing.T) {
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	tr, err := New(10, db)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := uint64(0); i < 300; i++ {
				_ = tr.Append(i, leaf(i))
			}
		}()
		go func() {
			defer wg.Done()
			for i := uint64(0); i < 300; i++ {
				_ = db.Update(func(b store.Batch) error {
					tr.IndexOf(leaf(i))
					return nil
				})
			}
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("append and kv reader blocked each other")
	}
	require.Equal(t, 300, tr.Len())
}
