package prover

import (
	"context"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"
	"github.com/ethereum/go-ethereum/common"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
)

var ErrInvalidInputs = errors.New("invalid prover inputs")

type CircuitID uint8

const (
	CircuitTransact CircuitID = iota + 1
	CircuitDeposit
)

func (id CircuitID) String() string {
	switch id {
	case CircuitTransact:
		return "transact"
	case CircuitDeposit:
		return "deposit"
	default:
		return fmt.Sprintf("circuit(%d)", uint8(id))
	}
}

// Prover is the external proving engine. Execute solves the circuit for the
// given inputs; GenerateProof turns the solved witness into a proof.
type Prover interface {
	Execute(ctx context.Context, in Inputs) (*Witness, error)
	GenerateProof(ctx context.Context, w *Witness, opts ...ProofOption) (*Proof, error)
}

// Inputs is one of *TransactInputs or *DepositInputs.
type Inputs interface {
	Circuit() CircuitID
	Validate(levels int) error
	// Public returns the public inputs in circuit order.
	Public() []fr.Element
	assign(depth int) frontend.Circuit
}

// Witness is a solved assignment. Public is in circuit order.
type Witness struct {
	Circuit CircuitID
	Public  [][32]byte

	full witness.Witness
}

func NewWitness(id CircuitID, public []fr.Element) *Witness {
	return &Witness{Circuit: id, Public: toBytes(public)}
}

type Proof struct {
	Circuit      CircuitID
	Bytes        []byte
	PublicInputs [][32]byte
}

type proofConfig struct {
	log *zerolog.Logger
}

type ProofOption func(*proofConfig)

// WithSolverLogger forwards l to the constraint solver.
func WithSolverLogger(l zerolog.Logger) ProofOption {
	return func(c *proofConfig) {
		c.log = &l
	}
}

func toBytes(xs []fr.Element) [][32]byte {
	out := make([][32]byte, len(xs))
	for i := range xs {
		out[i] = xs[i].Bytes()
	}
	return out
}

// TransactInputs are the private and public values of one spend, with every
// slot already padded to types.NoteArity.
type TransactInputs struct {
	Root        fr.Element
	OwnerSecret fr.Element

	Inputs       []types.Input
	Outputs      []types.Output
	Nullifiers   []fr.Element
	OutputHashes []fr.Element
}

func (t *TransactInputs) Circuit() CircuitID { return CircuitTransact }

func (t *TransactInputs) Validate(levels int) error {
	depth := levels - 1
	switch {
	case len(t.Inputs) != types.NoteArity,
		len(t.Outputs) != types.NoteArity,
		len(t.Nullifiers) != types.NoteArity,
		len(t.OutputHashes) != types.NoteArity:
		return fmt.Errorf("%w: arity %d/%d/%d/%d", ErrInvalidInputs,
			len(t.Inputs), len(t.Outputs), len(t.Nullifiers), len(t.OutputHashes))
	case t.Inputs[0].IsEmpty():
		return fmt.Errorf("%w: first input is empty", ErrInvalidInputs)
	}

	owner := utils.HashFields(t.OwnerSecret)
	for i := range t.Inputs {
		in := &t.Inputs[i]
		nf := in.Nullifier()
		if !nf.Equal(&t.Nullifiers[i]) {
			return fmt.Errorf("%w: nullifier %d", ErrInvalidInputs, i)
		}
		if in.IsEmpty() {
			continue
		}
		if len(in.Path.Siblings) != depth || len(in.Path.Indices) != depth {
			return fmt.Errorf("%w: input %d path length %d/%d, want %d", ErrInvalidInputs,
				i, len(in.Path.Siblings), len(in.Path.Indices), depth)
		}
		if in.LeafIndex >= uint64(1)<<depth {
			return fmt.Errorf("%w: input %d leaf index %d", ErrInvalidInputs, i, in.LeafIndex)
		}
		if !in.Note.Note.Owner.Equal(&owner) {
			return fmt.Errorf("%w: input %d is not owned by the signer", ErrInvalidInputs, i)
		}
		if in.Note.Note.Amount.BitLen() > AmountBits {
			return fmt.Errorf("%w: input %d amount too large", ErrInvalidInputs, i)
		}
	}
	for i := range t.Outputs {
		out := &t.Outputs[i]
		h := out.Hash()
		if !h.Equal(&t.OutputHashes[i]) {
			return fmt.Errorf("%w: output hash %d", ErrInvalidInputs, i)
		}
		if out.Amount().BitLen() > AmountBits {
			return fmt.Errorf("%w: output %d amount too large", ErrInvalidInputs, i)
		}
		if out.Kind == types.OutputExternal && out.ExternalAddress == (common.Address{}) {
			return fmt.Errorf("%w: output %d has no exit address", ErrInvalidInputs, i)
		}
	}
	return nil
}

func (t *TransactInputs) exits() (assets, amounts, addrs, addrHashes [types.NoteArity]fr.Element) {
	for i := range t.Outputs {
		out := &t.Outputs[i]
		if out.Kind != types.OutputExternal {
			continue
		}
		assets[i] = utils.FieldFromAddress(out.Note.AssetID)
		amounts[i] = utils.FieldFromUint256(out.Note.Amount)
		addrs[i] = utils.FieldFromAddress(out.ExternalAddress)
		addrHashes[i] = out.ExitAddressHash()
	}
	return
}

func (t *TransactInputs) Public() []fr.Element {
	assets, amounts, addrs, addrHashes := t.exits()
	out := make([]fr.Element, 0, 1+6*types.NoteArity)
	out = append(out, t.Root)
	out = append(out, t.Nullifiers...)
	out = append(out, t.OutputHashes...)
	out = append(out, assets[:]...)
	out = append(out, amounts[:]...)
	out = append(out, addrs[:]...)
	out = append(out, addrHashes[:]...)
	return out
}

func (t *TransactInputs) assign(depth int) frontend.Circuit {
	c := NewTransactCircuit(depth)
	assets, amounts, addrs, addrHashes := t.exits()

	c.Root = t.Root
	for i := 0; i < types.NoteArity; i++ {
		c.Nullifiers[i] = t.Nullifiers[i]
		c.OutputHashes[i] = t.OutputHashes[i]
		c.ExitAssets[i] = assets[i]
		c.ExitAmounts[i] = amounts[i]
		c.ExitAddresses[i] = addrs[i]
		c.ExitAddressHashes[i] = addrHashes[i]
		assignInput(&c.InputNotes[i], &t.Inputs[i], t.OwnerSecret)
		assignOutput(&c.OutputNotes[i], &t.Outputs[i])
	}
	return c
}

func assignInput(dst *InputNote, in *types.Input, ownerSecret fr.Element) {
	if in.IsEmpty() {
		dst.AssetID, dst.AssetAmount, dst.Owner, dst.OwnerSecret, dst.Secret, dst.LeafIndex = 0, 0, 0, 0, 0, 0
		for j := range dst.Path {
			dst.Path[j], dst.PathIndices[j] = 0, 0
		}
		return
	}
	n := &in.Note.Note
	dst.AssetID = utils.FieldFromAddress(n.AssetID)
	dst.AssetAmount = utils.FieldFromUint256(n.Amount)
	dst.Owner = n.Owner
	dst.OwnerSecret = ownerSecret
	dst.Secret = n.Secret
	dst.LeafIndex = in.LeafIndex
	for j := range dst.Path {
		dst.Path[j] = in.Path.Siblings[j]
		dst.PathIndices[j] = uint64(in.Path.Indices[j])
	}
}

func assignOutput(dst *OutputNote, out *types.Output) {
	dst.Owner, dst.Secret, dst.AssetID, dst.AssetAmount, dst.ExternalAddress = 0, 0, 0, 0, 0
	switch out.Kind {
	case types.OutputPayment, types.OutputChange:
		dst.Owner = out.Note.Owner
		dst.Secret = out.Note.Secret
		dst.AssetID = utils.FieldFromAddress(out.Note.AssetID)
		dst.AssetAmount = utils.FieldFromUint256(out.Note.Amount)
	case types.OutputExternal:
		dst.AssetID = utils.FieldFromAddress(out.Note.AssetID)
		dst.AssetAmount = utils.FieldFromUint256(out.Note.Amount)
		dst.ExternalAddress = utils.FieldFromAddress(out.ExternalAddress)
	}
}

// DepositInputs prove the commitment of a freshly created note.
type DepositInputs struct {
	Note *types.Note
}

func (d *DepositInputs) Circuit() CircuitID { return CircuitDeposit }

func (d *DepositInputs) Validate(int) error {
	switch {
	case d.Note == nil:
		return fmt.Errorf("%w: missing note", ErrInvalidInputs)
	case d.Note.Owner.IsZero():
		return fmt.Errorf("%w: note has no owner", ErrInvalidInputs)
	case d.Note.Amount == nil || d.Note.Amount.BitLen() > AmountBits:
		return fmt.Errorf("%w: bad amount", ErrInvalidInputs)
	}
	return nil
}

func (d *DepositInputs) Public() []fr.Element {
	return []fr.Element{
		d.Note.Commitment(),
		utils.FieldFromAddress(d.Note.AssetID),
		utils.FieldFromUint256(d.Note.Amount),
	}
}

func (d *DepositInputs) assign(int) frontend.Circuit {
	return &DepositCircuit{
		Hash:    d.Note.Commitment(),
		AssetID: utils.FieldFromAddress(d.Note.AssetID),
		Amount:  utils.FieldFromUint256(d.Note.Amount),
		Owner:   d.Note.Owner,
		Secret:  d.Note.Secret,
	}
}
