package chain

import (
	"context"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/prover"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/stretchr/testify/require"
)

var (
	assetX = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	exitTo = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func deposit(cm fr.Element, amount uint64) *Submission {
	asset, value := utils.FieldFromAddress(assetX), utils.FieldFromUint64(amount)
	return &Submission{
		Kind:   SubmitDeposit,
		Asset:  assetX,
		Amount: uint256.NewInt(amount),
		Proof:  cm.Marshal(),
		PublicInputs: [][32]byte{
			cm.Bytes(),
			asset.Bytes(),
			value.Bytes(),
		},
		Payloads: [][]byte{[]byte("deposit payload")},
	}
}

func transfer(root fr.Element, nf, out fr.Element) *Submission {
	p := &TransactPublic{Root: root}
	p.Nullifiers[0] = nf
	p.OutputHashes[0] = out
	return &Submission{
		Kind:         SubmitTransfer,
		Proof:        nf.Marshal(),
		PublicInputs: p.Encode(),
		Payloads:     [][]byte{[]byte("payment"), nil, nil},
	}
}

func withdraw(root fr.Element, nf fr.Element, amount uint64) *Submission {
	p := &TransactPublic{Root: root}
	p.Nullifiers[0] = nf
	p.ExitAssets[0] = assetX
	p.ExitAmounts[0] = uint256.NewInt(amount)
	p.ExitAddresses[0] = exitTo
	p.ExitAddressHashes[0] = utils.HashFields(utils.FieldFromAddress(exitTo))
	return &Submission{
		Kind:         SubmitWithdraw,
		Proof:        nf.Marshal(),
		PublicInputs: p.Encode(),
		Payloads:     [][]byte{nil, nil, nil},
	}
}

func newLedger(t *testing.T, opts ...LedgerOption) *Ledger {
	l, err := NewLedger(4, opts...)
	require.NoError(t, err)
	return l
}

func TestTransactPublicEncoding(t *testing.T) {
	sub := withdraw(utils.FieldFromUint64(1), utils.FieldFromUint64(2), 9)
	require.Len(t, sub.PublicInputs, TransactPublicInputs)

	p, err := DecodeTransactPublic(sub.PublicInputs)
	require.NoError(t, err)
	require.Equal(t, assetX, p.ExitAssets[0])
	require.Equal(t, exitTo, p.ExitAddresses[0])
	require.Equal(t, uint64(9), p.ExitAmounts[0].Uint64())
	require.True(t, p.ExitAmounts[1].IsZero())
	require.Equal(t, sub.PublicInputs, p.Encode())

	_, err = DecodeTransactPublic(sub.PublicInputs[:3])
	require.ErrorIs(t, err, ErrMalformedSubmission)
}

func TestLedgerDepositAndTransfer(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, WithAutoMine())

	cm := utils.FieldFromUint64(11)
	hash, err := l.Submit(ctx, deposit(cm, 10))
	require.NoError(t, err)
	r, err := l.Receipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, ReceiptSuccess, r.Status)
	require.Equal(t, uint64(10), l.PoolBalance(assetX).Uint64())

	root, err := l.CurrentRoot(ctx)
	require.NoError(t, err)

	nf, out := utils.FieldFromUint64(21), utils.FieldFromUint64(31)
	hash, err = l.Submit(ctx, transfer(root, nf, out))
	require.NoError(t, err)
	r, err = l.Receipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, ReceiptSuccess, r.Status)

	spent, err := l.NullifierSpent(ctx, nf)
	require.NoError(t, err)
	require.True(t, spent)

	leaves, err := l.Leaves(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	require.True(t, leaves[0].Value.Equal(&cm))
	require.True(t, leaves[1].Value.Equal(&out))

	tail, err := l.Leaves(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, uint64(1), tail[0].Index)

	// empty payload slots are not emitted
	payloads, next, err := l.Payloads(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	require.Equal(t, uint64(2), next)
	require.Equal(t, "1", payloads[1].ID)
	require.Equal(t, []byte("payment"), payloads[1].Ciphertext)

	payloads, next, err = l.Payloads(ctx, next, 10)
	require.NoError(t, err)
	require.Empty(t, payloads)
	require.Equal(t, uint64(2), next)
}

func TestLedgerRejects(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, WithAutoMine())

	_, err := l.Submit(ctx, deposit(utils.FieldFromUint64(1), 10))
	require.NoError(t, err)
	root, _ := l.CurrentRoot(ctx)
	nf := utils.FieldFromUint64(5)
	_, err = l.Submit(ctx, transfer(root, nf, utils.FieldFromUint64(6)))
	require.NoError(t, err)

	var rej *types.ChainRejectedError

	_, err = l.Submit(ctx, transfer(root, nf, utils.FieldFromUint64(7)))
	require.ErrorAs(t, err, &rej)
	require.True(t, types.IsNullifierSpent(err))

	_, err = l.Submit(ctx, transfer(utils.FieldFromUint64(99), utils.FieldFromUint64(8), fr.Element{}))
	require.ErrorAs(t, err, &rej)
	require.Contains(t, rej.Reason, "root")
	require.False(t, types.IsNullifierSpent(err))

	// the pool only holds 10
	_, err = l.Submit(ctx, withdraw(root, utils.FieldFromUint64(9), 11))
	require.ErrorAs(t, err, &rej)

	// a transfer must not carry exits
	sub := withdraw(root, utils.FieldFromUint64(9), 1)
	sub.Kind = SubmitTransfer
	_, err = l.Submit(ctx, sub)
	require.ErrorAs(t, err, &rej)

	sub = deposit(utils.FieldFromUint64(3), 4)
	sub.Amount = uint256.NewInt(5)
	_, err = l.Submit(ctx, sub)
	require.ErrorAs(t, err, &rej)

	_, err = l.Submit(ctx, &Submission{Kind: SubmitTransfer})
	require.ErrorIs(t, err, ErrMalformedSubmission)

	l.FailNextSubmit("out of gas")
	_, err = l.Submit(ctx, deposit(utils.FieldFromUint64(3), 4))
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "out of gas", rej.Reason)
	_, err = l.Submit(ctx, deposit(utils.FieldFromUint64(3), 4))
	require.NoError(t, err)
}

func TestLedgerWithdraw(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, WithAutoMine())

	_, err := l.Submit(ctx, deposit(utils.FieldFromUint64(1), 10))
	require.NoError(t, err)
	root, _ := l.CurrentRoot(ctx)

	hash, err := l.Submit(ctx, withdraw(root, utils.FieldFromUint64(2), 7))
	require.NoError(t, err)
	r, _ := l.Receipt(ctx, hash)
	require.Equal(t, ReceiptSuccess, r.Status)
	require.Equal(t, uint64(3), l.PoolBalance(assetX).Uint64())

	// no leaf for the exit output
	leaves, _ := l.Leaves(ctx, 0, 0)
	require.Len(t, leaves, 1)
}

func TestLedgerMempool(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Submit(ctx, deposit(utils.FieldFromUint64(1), 10))
	require.NoError(t, err)
	l.Mine()
	root, _ := l.CurrentRoot(ctx)

	// both pass the pre-check; the second reverts when mined
	nf := utils.FieldFromUint64(2)
	first, err := l.Submit(ctx, transfer(root, nf, utils.FieldFromUint64(3)))
	require.NoError(t, err)
	second, err := l.Submit(ctx, transfer(root, nf, utils.FieldFromUint64(4)))
	require.NoError(t, err)

	r, _ := l.Receipt(ctx, first)
	require.Equal(t, ReceiptPending, r.Status)

	l.Mine()
	r, _ = l.Receipt(ctx, first)
	require.Equal(t, ReceiptSuccess, r.Status)
	r, _ = l.Receipt(ctx, second)
	require.Equal(t, ReceiptReverted, r.Status)
	require.Contains(t, r.Reason, "nullifier")

	dropped, err := l.Submit(ctx, deposit(utils.FieldFromUint64(5), 1))
	require.NoError(t, err)
	l.Drop(dropped)
	l.Mine()
	r, _ = l.Receipt(ctx, dropped)
	require.Equal(t, ReceiptPending, r.Status)
	require.Equal(t, uint64(10), l.PoolBalance(assetX).Uint64())
}

func TestLedgerRootHistory(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(6, WithAutoMine())
	require.NoError(t, err)

	old, _ := l.CurrentRoot(ctx)
	for i := uint64(0); i < RootHistorySize; i++ {
		_, err := l.Submit(ctx, deposit(utils.FieldFromUint64(100+i), 1))
		require.NoError(t, err)
	}
	_, err = l.Submit(ctx, transfer(old, utils.FieldFromUint64(1), fr.Element{}))
	require.Error(t, err)

	recent, _ := l.CurrentRoot(ctx)
	_, err = l.Submit(ctx, deposit(utils.FieldFromUint64(1), 1))
	require.NoError(t, err)
	_, err = l.Submit(ctx, transfer(recent, utils.FieldFromUint64(2), fr.Element{}))
	require.NoError(t, err)
}

func TestLedgerTreeFull(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(2, WithAutoMine())
	require.NoError(t, err)

	_, err = l.Submit(ctx, deposit(utils.FieldFromUint64(1), 1))
	require.NoError(t, err)
	_, err = l.Submit(ctx, deposit(utils.FieldFromUint64(2), 1))
	require.NoError(t, err)
	_, err = l.Submit(ctx, deposit(utils.FieldFromUint64(3), 1))
	require.ErrorContains(t, err, "full")
}

type rejectAll struct{ calls int }

func (r *rejectAll) Verify(*prover.Proof) error {
	r.calls++
	return prover.ErrInvalidInputs
}

func TestLedgerVerifier(t *testing.T) {
	v := &rejectAll{}
	l := newLedger(t, WithVerifier(v), WithAutoMine())

	_, err := l.Submit(context.Background(), deposit(utils.FieldFromUint64(1), 1))
	var rej *types.ChainRejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "invalid proof", rej.Reason)
	require.ErrorIs(t, err, prover.ErrInvalidInputs)
	require.Equal(t, 1, v.calls)
}
