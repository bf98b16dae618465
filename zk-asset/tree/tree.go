package tree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/store"
	"github.com/kysee/zkbank/zk-asset/types"
)

// DefaultLevels is the tree height the circuits are compiled for.
// A tree of L levels has L-1 hashing steps and 2^(L-1) leaves.
const DefaultLevels = 12

var (
	ErrLeafConflict  = errors.New("leaf index already holds a different value")
	ErrIndexOverflow = errors.New("leaf index out of range")
	ErrLeafNotFound  = errors.New("leaf not found")
)

// Tree is the local mirror of the on-chain commitment tree.
// Missing leaves hold utils.EmptyLeaf(), so the root of a sparse tree is well defined.
//
// Writers are serialized by appendMtx and persist without holding mtx, so a
// reader may call Tree methods from inside a kv transaction.
type Tree struct {
	appendMtx sync.Mutex
	mtx       sync.RWMutex

	levels int
	kv     store.KV
	zeros  []fr.Element

	// nodes[level][index]; only non-default nodes are kept
	nodes []map[uint64]fr.Element
	index map[fr.Element]uint64
	next  uint64
}

// New returns a tree of the given height. When kv is not nil, the leaves
// already persisted in store.TreeLeaves are loaded and every append is persisted.
func New(levels int, kv store.KV) (*Tree, error) {
	if levels < 2 || levels > 32 {
		return nil, fmt.Errorf("unsupported tree levels: %d", levels)
	}
	t := &Tree{
		levels: levels,
		kv:     kv,
		zeros:  ZeroNodes(levels),
	}
	t.resetNodes()

	if kv != nil {
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ZeroNodes returns the default node of every level:
// zeros[0] = EmptyLeaf, zeros[i] = H(zeros[i-1], zeros[i-1]).
func ZeroNodes(levels int) []fr.Element {
	zeros := make([]fr.Element, levels)
	zeros[0] = utils.EmptyLeaf()
	for i := 1; i < levels; i++ {
		zeros[i] = utils.HashFields(zeros[i-1], zeros[i-1])
	}
	return zeros
}

func (t *Tree) resetNodes() {
	t.nodes = make([]map[uint64]fr.Element, t.levels)
	for i := range t.nodes {
		t.nodes[i] = make(map[uint64]fr.Element)
	}
	t.index = make(map[fr.Element]uint64)
	t.next = 0
}

func (t *Tree) load() error {
	leaves, err := store.Filter[types.TreeLeaf](t.kv, store.TreeLeaves, nil)
	if err != nil {
		return fmt.Errorf("load leaves: %w", err)
	}
	for _, l := range leaves {
		if l.Index >= t.Capacity() {
			return fmt.Errorf("%w: %d", ErrIndexOverflow, l.Index)
		}
		t.insert(l.Index, l.Value)
	}
	return nil
}

func (t *Tree) Levels() int {
	return t.levels
}

// Depth is the length of an inclusion path.
func (t *Tree) Depth() int {
	return t.levels - 1
}

func (t *Tree) Capacity() uint64 {
	return uint64(1) << uint(t.levels-1)
}

// Append places value at index. Re-appending the same value is a no-op.
func (t *Tree) Append(index uint64, value fr.Element) error {
	return t.AppendBatch([]types.TreeLeaf{{Index: index, Value: value}})
}

// AppendBatch appends leaves atomically: either all of them are persisted
// and inserted, or none.
func (t *Tree) AppendBatch(leaves []types.TreeLeaf) error {
	t.appendMtx.Lock()
	defer t.appendMtx.Unlock()

	fresh, err := t.fresh(leaves)
	if err != nil || len(fresh) == 0 {
		return err
	}

	if t.kv != nil {
		if err := t.kv.Update(func(b store.Batch) error {
			for i := range fresh {
				if err := store.PutJSON(b, store.TreeLeaves, store.IndexKey(fresh[i].Index), &fresh[i]); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("persist leaves: %w", err)
		}
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	for _, l := range fresh {
		t.insert(l.Index, l.Value)
	}
	return nil
}

// fresh drops the leaves already held and checks the rest.
func (t *Tree) fresh(leaves []types.TreeLeaf) ([]types.TreeLeaf, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	out := make([]types.TreeLeaf, 0, len(leaves))
	seen := make(map[uint64]fr.Element, len(leaves))
	for _, l := range leaves {
		if l.Index >= t.Capacity() {
			return nil, fmt.Errorf("%w: %d", ErrIndexOverflow, l.Index)
		}
		cur, ok := t.nodes[0][l.Index]
		if !ok {
			cur, ok = seen[l.Index]
		}
		if ok {
			if !cur.Equal(&l.Value) {
				return nil, fmt.Errorf("%w: index %d", ErrLeafConflict, l.Index)
			}
			continue
		}
		seen[l.Index] = l.Value
		out = append(out, l)
	}
	return out, nil
}

// insert updates the nodes on the path of index. The caller holds the lock.
func (t *Tree) insert(index uint64, value fr.Element) {
	t.nodes[0][index] = value
	if _, ok := t.index[value]; !ok {
		t.index[value] = index
	}
	if index >= t.next {
		t.next = index + 1
	}

	cur, idx := value, index
	for level := 1; level < t.levels; level++ {
		var left, right fr.Element
		if idx%2 == 0 {
			left, right = cur, t.node(level-1, idx+1)
		} else {
			left, right = t.node(level-1, idx-1), cur
		}
		cur = utils.HashFields(left, right)
		idx >>= 1
		t.nodes[level][idx] = cur
	}
}

func (t *Tree) node(level int, idx uint64) fr.Element {
	if v, ok := t.nodes[level][idx]; ok {
		return v
	}
	return t.zeros[level]
}

// Root returns the node at the top level.
func (t *Tree) Root() fr.Element {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.node(t.levels-1, 0)
}

// Proof returns the sibling path of the leaf at index.
func (t *Tree) Proof(index uint64) (types.MerklePath, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.proof(index)
}

// Proofs returns the root and the paths of indices read at the same moment,
// so every path hashes to the returned root.
func (t *Tree) Proofs(indices []uint64) (fr.Element, []types.MerklePath, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	paths := make([]types.MerklePath, len(indices))
	for i, idx := range indices {
		p, err := t.proof(idx)
		if err != nil {
			return fr.Element{}, nil, err
		}
		paths[i] = p
	}
	return t.node(t.levels-1, 0), paths, nil
}

func (t *Tree) proof(index uint64) (types.MerklePath, error) {
	if _, ok := t.nodes[0][index]; !ok {
		return types.MerklePath{}, fmt.Errorf("%w: index %d", ErrLeafNotFound, index)
	}

	depth := t.levels - 1
	path := types.MerklePath{
		Siblings: make([]fr.Element, depth),
		Indices:  make([]uint8, depth),
	}
	idx := index
	for level := 0; level < depth; level++ {
		path.Siblings[level] = t.node(level, idx^1)
		if idx%2 == 0 {
			path.Indices[level] = 1
		}
		idx >>= 1
	}
	return path, nil
}

// VerifyProof recomputes the root from leaf and path.
func VerifyProof(root, leaf fr.Element, path types.MerklePath) bool {
	if len(path.Siblings) != len(path.Indices) {
		return false
	}
	cur := leaf
	for i := range path.Siblings {
		if path.Indices[i] == 1 {
			cur = utils.HashFields(cur, path.Siblings[i])
		} else {
			cur = utils.HashFields(path.Siblings[i], cur)
		}
	}
	return cur.Equal(&root)
}

// IndexOf returns the first index holding value.
func (t *Tree) IndexOf(value fr.Element) (uint64, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	idx, ok := t.index[value]
	return idx, ok
}

func (t *Tree) Leaf(index uint64) (fr.Element, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	v, ok := t.nodes[0][index]
	return v, ok
}

// NextIndex is one past the highest index seen.
func (t *Tree) NextIndex() uint64 {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.next
}

// Len is the number of leaves held.
func (t *Tree) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.nodes[0])
}

// Reset drops every leaf, persisted ones included.
func (t *Tree) Reset() error {
	t.appendMtx.Lock()
	defer t.appendMtx.Unlock()
	if t.kv != nil {
		if err := t.kv.Clear(store.TreeLeaves); err != nil {
			return err
		}
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.resetNodes()
	return nil
}
