package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/utils"
	"github.com/stretchr/testify/require"
)

var testAsset = common.HexToAddress("0x1111111111111111111111111111111111111111")

func newTestNote(t *testing.T, amount uint64) *Note {
	owner, err := utils.RandomField()
	require.NoError(t, err)
	n, err := NewNote(testAsset, uint256.NewInt(amount), owner)
	require.NoError(t, err)
	return n
}

func TestNoteCommitment(t *testing.T) {
	n := newTestNote(t, 10)

	c0, c1 := n.Commitment(), n.Commitment()
	require.True(t, c0.Equal(&c1))

	// any field change moves the commitment
	m := *n
	m.Amount = uint256.NewInt(11)
	c2 := m.Commitment()
	require.False(t, c0.Equal(&c2))

	m = *n
	m.Secret = utils.FieldFromUint64(7)
	c3 := m.Commitment()
	require.False(t, c0.Equal(&c3))

	require.Equal(t, NoteID(c0), n.ID())
}

func TestNoteNullifier(t *testing.T) {
	n := newTestNote(t, 10)

	nf0, nf1 := n.Nullifier(3), n.Nullifier(3)
	require.True(t, nf0.Equal(&nf1))

	nf2 := n.Nullifier(4)
	require.False(t, nf0.Equal(&nf2))

	expected := utils.HashFields(
		utils.FieldFromUint64(3),
		n.Owner,
		n.Secret,
		utils.FieldFromAddress(n.AssetID),
		utils.FieldFromUint256(n.Amount),
	)
	require.True(t, expected.Equal(&nf0))

	empty := EmptyInput()
	nfe := empty.Nullifier()
	require.True(t, nfe.IsZero())
}

func TestSecretNoteRLP(t *testing.T) {
	n := newTestNote(t, 12345)
	bz := n.ToSecretNote().Bytes()

	sn, err := DecodeSecretNote(bz)
	require.NoError(t, err)
	back := sn.ToNote()
	require.Equal(t, n.ID(), back.ID())
	require.Equal(t, n.Amount.Uint64(), back.Amount.Uint64())

	_, err = DecodeSecretNote(bz[:len(bz)-1])
	require.Error(t, err)
}

func TestOwnedNoteJSON(t *testing.T) {
	n := newTestNote(t, 5)
	idx := uint64(9)
	o := NewOwnedNote(n, &idx, "payload-1")
	o.IsUsed = true

	bz, err := json.Marshal(o)
	require.NoError(t, err)

	var back OwnedNote
	require.NoError(t, json.Unmarshal(bz, &back))
	require.Equal(t, o.ID, back.ID)
	require.Equal(t, o.ID, back.Note.ID())
	require.True(t, back.IsUsed)
	require.Equal(t, idx, *back.LeafIndex)
	require.Equal(t, "payload-1", back.PayloadID)
}

func TestOutputHashes(t *testing.T) {
	n := newTestNote(t, 6)

	pay := Output{Kind: OutputPayment, Note: n}
	h := pay.Hash()
	c := n.Commitment()
	require.True(t, h.Equal(&c))

	ext := ExternalOutput(testAsset, uint256.NewInt(6), common.HexToAddress("0x22"))
	he := ext.Hash()
	require.True(t, he.IsZero())
	ah := ext.ExitAddressHash()
	require.False(t, ah.IsZero())

	empty := EmptyOutput()
	h0 := empty.Hash()
	require.True(t, h0.IsZero())
	require.True(t, empty.Amount().IsZero())
}

func TestChainRejectedError(t *testing.T) {
	rej := NewChainRejected("execution reverted: Nullifier already spent", nil)
	require.True(t, rej.NullifierSpent())
	require.True(t, errors.Is(rej, ErrNullifierSpent))
	require.True(t, IsNullifierSpent(fmt.Errorf("submit: %w", rej)))

	stale := NewChainRejected("unknown merkle root", nil)
	require.False(t, stale.NullifierSpent())
	require.False(t, IsNullifierSpent(stale))

	wrapped := NewChainRejected("reverted", ErrNullifierSpent)
	require.True(t, wrapped.NullifierSpent())
}
