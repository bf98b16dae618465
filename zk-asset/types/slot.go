package types

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/utils"
)

// MerklePath is an inclusion path from a leaf to the root.
// Indices[i] is 1 when the node at level i is the left child.
type MerklePath struct {
	Siblings []fr.Element
	Indices  []uint8
}

type InputKind uint8

const (
	InputEmpty InputKind = iota
	InputReal
)

// Input is one input slot of a spend.
type Input struct {
	Kind      InputKind
	Note      *OwnedNote
	LeafIndex uint64
	Path      MerklePath
}

func EmptyInput() Input {
	return Input{Kind: InputEmpty}
}

func (in *Input) IsEmpty() bool {
	return in.Kind == InputEmpty
}

// Nullifier returns the nullifier published when the input is spent; zero for an empty input.
func (in *Input) Nullifier() fr.Element {
	if in.IsEmpty() {
		return fr.Element{}
	}
	return in.Note.Note.Nullifier(in.LeafIndex)
}

type OutputKind uint8

const (
	OutputEmpty OutputKind = iota
	OutputPayment
	OutputChange
	OutputExternal
)

func (k OutputKind) String() string {
	switch k {
	case OutputPayment:
		return "payment"
	case OutputChange:
		return "change"
	case OutputExternal:
		return "external"
	default:
		return "empty"
	}
}

// Output is one output slot of a spend.
// Payment and change outputs carry a note and the recipient it is encrypted for.
// External outputs leave the pool to ExternalAddress and carry only asset and amount.
type Output struct {
	Kind            OutputKind
	Note            *Note
	Recipient       *Recipient
	ExternalAddress common.Address
}

func EmptyOutput() Output {
	return Output{Kind: OutputEmpty}
}

func ExternalOutput(asset common.Address, amount *uint256.Int, to common.Address) Output {
	return Output{
		Kind: OutputExternal,
		Note: &Note{
			AssetID: asset,
			Amount:  new(uint256.Int).Set(amount),
		},
		ExternalAddress: to,
	}
}

func (o *Output) IsEmpty() bool {
	return o.Kind == OutputEmpty
}

// Hash is the commitment inserted into the tree, zero for empty and external outputs.
func (o *Output) Hash() fr.Element {
	switch o.Kind {
	case OutputPayment, OutputChange:
		return o.Note.Commitment()
	default:
		return fr.Element{}
	}
}

func (o *Output) Amount() *uint256.Int {
	if o.Note == nil {
		return new(uint256.Int)
	}
	return o.Note.Amount
}

// ExitAddressHash is H(exit_address) for external outputs and zero otherwise.
func (o *Output) ExitAddressHash() fr.Element {
	if o.Kind != OutputExternal {
		return fr.Element{}
	}
	return utils.HashFields(utils.FieldFromAddress(o.ExternalAddress))
}
