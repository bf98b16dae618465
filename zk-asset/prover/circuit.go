package prover

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash"
	"github.com/consensys/gnark/std/permutation/poseidon2"
	"github.com/kysee/zkbank/zk-asset/types"
)

// AmountBits bounds every amount inside the circuits so that sums cannot wrap the field.
const AmountBits = 128

type InputNote struct {
	AssetID     frontend.Variable
	AssetAmount frontend.Variable
	Owner       frontend.Variable
	OwnerSecret frontend.Variable
	Secret      frontend.Variable
	LeafIndex   frontend.Variable
	Path        []frontend.Variable
	PathIndices []frontend.Variable
}

type OutputNote struct {
	Owner           frontend.Variable
	Secret          frontend.Variable
	AssetID         frontend.Variable
	AssetAmount     frontend.Variable
	ExternalAddress frontend.Variable
}

// TransactCircuit proves a 3-in/3-out spend against Root.
// An input with Owner == 0 is empty; an output with Owner == 0 is empty, or
// external when ExternalAddress != 0.
type TransactCircuit struct {
	Root              frontend.Variable                  `gnark:",public"`
	Nullifiers        [types.NoteArity]frontend.Variable `gnark:",public"`
	OutputHashes      [types.NoteArity]frontend.Variable `gnark:",public"`
	ExitAssets        [types.NoteArity]frontend.Variable `gnark:",public"`
	ExitAmounts       [types.NoteArity]frontend.Variable `gnark:",public"`
	ExitAddresses     [types.NoteArity]frontend.Variable `gnark:",public"`
	ExitAddressHashes [types.NoteArity]frontend.Variable `gnark:",public"`

	InputNotes  [types.NoteArity]InputNote
	OutputNotes [types.NoteArity]OutputNote
}

// NewTransactCircuit allocates a circuit whose paths have depth siblings.
func NewTransactCircuit(depth int) *TransactCircuit {
	c := &TransactCircuit{}
	for i := range c.InputNotes {
		c.InputNotes[i].Path = make([]frontend.Variable, depth)
		c.InputNotes[i].PathIndices = make([]frontend.Variable, depth)
	}
	return c
}

type hasher func(xs ...frontend.Variable) frontend.Variable

func newHasher(api frontend.API) (hasher, error) {
	p, err := poseidon2.NewPoseidon2FromParameters(api, 2, 6, 50)
	if err != nil {
		return nil, err
	}
	h := hash.NewMerkleDamgardHasher(api, p, 0)
	return func(xs ...frontend.Variable) frontend.Variable {
		h.Reset()
		h.Write(xs...)
		return h.Sum()
	}, nil
}

func (c *TransactCircuit) Define(api frontend.API) error {
	H, err := newHasher(api)
	if err != nil {
		return err
	}

	// a spend consumes at least one note; its asset is the asset of the spend
	asset := c.InputNotes[0].AssetID
	api.AssertIsEqual(api.IsZero(c.InputNotes[0].Owner), 0)

	sumIn := frontend.Variable(0)
	for i := range c.InputNotes {
		in := &c.InputNotes[i]
		empty := api.IsZero(in.Owner)
		live := api.Sub(1, empty)

		api.ToBinary(in.AssetAmount, AmountBits)
		api.AssertIsEqual(api.Mul(empty, in.AssetAmount), 0)

		// ownership
		api.AssertIsEqual(api.Mul(live, api.Sub(H(in.OwnerSecret), in.Owner)), 0)

		// membership
		cm := H(in.AssetID, in.AssetAmount, in.Owner, in.Secret)
		root := c.merkleRoot(api, H, cm, in, live)
		api.AssertIsEqual(api.Mul(live, api.Sub(root, c.Root)), 0)

		nf := H(in.LeafIndex, in.Owner, in.Secret, in.AssetID, in.AssetAmount)
		api.AssertIsEqual(c.Nullifiers[i], api.Select(empty, 0, nf))

		api.AssertIsEqual(api.Mul(live, api.Sub(in.AssetID, asset)), 0)
		sumIn = api.Add(sumIn, in.AssetAmount)
	}

	sumOut := frontend.Variable(0)
	for i := range c.OutputNotes {
		out := &c.OutputNotes[i]
		api.ToBinary(out.AssetAmount, AmountBits)

		shielded := api.Sub(1, api.IsZero(out.Owner))
		external := api.Sub(1, api.IsZero(out.ExternalAddress))
		api.AssertIsEqual(api.Mul(shielded, external), 0)
		used := api.Add(shielded, external)
		api.AssertIsEqual(api.Mul(api.Sub(1, used), out.AssetAmount), 0)
		api.AssertIsEqual(api.Mul(used, api.Sub(out.AssetID, asset)), 0)

		cm := H(out.AssetID, out.AssetAmount, out.Owner, out.Secret)
		api.AssertIsEqual(c.OutputHashes[i], api.Select(shielded, cm, 0))

		api.AssertIsEqual(c.ExitAddresses[i], out.ExternalAddress)
		api.AssertIsEqual(c.ExitAssets[i], api.Select(external, out.AssetID, 0))
		api.AssertIsEqual(c.ExitAmounts[i], api.Select(external, out.AssetAmount, 0))
		api.AssertIsEqual(c.ExitAddressHashes[i], api.Select(external, H(out.ExternalAddress), 0))

		sumOut = api.Add(sumOut, out.AssetAmount)
	}

	api.AssertIsEqual(sumIn, sumOut)
	return nil
}

// merkleRoot folds the path of in over leaf. PathIndices[j] == 1 means the
// running node is the left child; for live inputs it must agree with bit j of LeafIndex.
func (c *TransactCircuit) merkleRoot(api frontend.API, H hasher, leaf frontend.Variable, in *InputNote, live frontend.Variable) frontend.Variable {
	bits := api.ToBinary(in.LeafIndex, len(in.Path))
	cur := leaf
	for j := range in.Path {
		dir := in.PathIndices[j]
		api.AssertIsBoolean(dir)
		api.AssertIsEqual(api.Mul(live, api.Sub(dir, api.Sub(1, bits[j]))), 0)

		left := api.Select(dir, cur, in.Path[j])
		right := api.Select(dir, in.Path[j], cur)
		cur = H(left, right)
	}
	return cur
}

// DepositCircuit proves that Hash commits to Amount of AssetID for some owner.
type DepositCircuit struct {
	Hash    frontend.Variable `gnark:",public"`
	AssetID frontend.Variable `gnark:",public"`
	Amount  frontend.Variable `gnark:",public"`

	Owner  frontend.Variable
	Secret frontend.Variable
}

func (c *DepositCircuit) Define(api frontend.API) error {
	H, err := newHasher(api)
	if err != nil {
		return err
	}
	api.ToBinary(c.Amount, AmountBits)
	api.AssertIsEqual(api.IsZero(c.Owner), 0)
	api.AssertIsEqual(c.Hash, H(c.AssetID, c.Amount, c.Owner, c.Secret))
	return nil
}
