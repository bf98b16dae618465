package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/zk-asset/notes"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidRequest = errors.New("invalid spend request")
	ErrLeafUnknown    = errors.New("note is not in the local tree yet")
)

// NoteSource hands out reserved notes.
type NoteSource interface {
	Reserve(token string, asset common.Address, pick notes.PickFunc) ([]*types.OwnedNote, error)
	Release(token string)
}

// PathSource produces inclusion paths against the current local root.
type PathSource interface {
	// Proofs returns the root together with paths that hash to it.
	Proofs(indices []uint64) (fr.Element, []types.MerklePath, error)
	IndexOf(value fr.Element) (uint64, bool)
}

// Request describes one spend. Exactly one of To and ExitAddress is set:
// To makes a private payment, ExitAddress a withdrawal out of the pool.
type Request struct {
	Asset  common.Address
	Amount *uint256.Int

	To          *types.Recipient
	ExitAddress *common.Address

	// Self receives the change.
	Self *types.Recipient

	// MaxInputs bounds the number of real inputs; 0 means types.NoteArity.
	MaxInputs int
}

func (r *Request) validate() error {
	switch {
	case r.Amount == nil || r.Amount.IsZero():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case (r.To == nil) == (r.ExitAddress == nil):
		return fmt.Errorf("%w: exactly one of recipient and exit address", ErrInvalidRequest)
	case r.ExitAddress != nil && *r.ExitAddress == (common.Address{}):
		return fmt.Errorf("%w: zero exit address", ErrInvalidRequest)
	case r.Self == nil:
		return fmt.Errorf("%w: missing change recipient", ErrInvalidRequest)
	case r.MaxInputs < 0 || r.MaxInputs > types.NoteArity:
		return fmt.Errorf("%w: max inputs %d", ErrInvalidRequest, r.MaxInputs)
	}
	return nil
}

// Spend is a fully padded spend, ready for the prover.
// Its notes stay reserved under Token until Release.
type Spend struct {
	Token string

	Asset  common.Address
	Amount *uint256.Int
	Change *uint256.Int

	Root         fr.Element
	Inputs       [types.NoteArity]types.Input
	Outputs      [types.NoteArity]types.Output
	Nullifiers   [types.NoteArity]fr.Element
	OutputHashes [types.NoteArity]fr.Element
}

// Selected returns the real input notes.
func (s *Spend) Selected() []*types.OwnedNote {
	var out []*types.OwnedNote
	for i := range s.Inputs {
		if !s.Inputs[i].IsEmpty() {
			out = append(out, s.Inputs[i].Note)
		}
	}
	return out
}

func (s *Spend) IsWithdrawal() bool {
	for i := range s.Outputs {
		if s.Outputs[i].Kind == types.OutputExternal {
			return true
		}
	}
	return false
}

type Builder struct {
	notes NoteSource
	paths PathSource
	log   zerolog.Logger
}

func New(ns NoteSource, ps PathSource, log zerolog.Logger) *Builder {
	return &Builder{
		notes: ns,
		paths: ps,
		log:   log.With().Str("module", "builder").Logger(),
	}
}

// Select accumulates notes in the given order until the total reaches target
// or maxInputs notes are taken. It fails with ErrInsufficientFunds when the
// total stays below target.
func Select(available []*types.OwnedNote, target *uint256.Int, maxInputs int) ([]*types.OwnedNote, *uint256.Int, error) {
	if maxInputs <= 0 || maxInputs > types.NoteArity {
		maxInputs = types.NoteArity
	}
	total := new(uint256.Int)
	var selected []*types.OwnedNote
	for _, n := range available {
		if len(selected) == maxInputs || !total.Lt(target) {
			break
		}
		selected = append(selected, n)
		total.Add(total, n.Note.Amount)
	}
	if total.Lt(target) {
		return nil, nil, fmt.Errorf("%w: have %s, need %s", types.ErrInsufficientFunds, total.Dec(), target.Dec())
	}
	return selected, total, nil
}

// BuildSpend selects and reserves inputs, then builds the padded input and
// output slots with their nullifiers and output hashes. On error nothing stays
// reserved.
func (b *Builder) BuildSpend(ctx context.Context, req *Request) (spend *Spend, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	var total *uint256.Int
	selected, err := b.notes.Reserve(token, req.Asset, func(avail []*types.OwnedNote) ([]*types.OwnedNote, error) {
		sel, sum, err := Select(avail, req.Amount, req.MaxInputs)
		total = sum
		return sel, err
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			b.notes.Release(token)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spend = &Spend{
		Token:  token,
		Asset:  req.Asset,
		Amount: new(uint256.Int).Set(req.Amount),
		Change: new(uint256.Int).Sub(total, req.Amount),
	}

	for i := range spend.Inputs {
		spend.Inputs[i] = types.EmptyInput()
	}
	if err := b.inputs(spend, selected); err != nil {
		return nil, err
	}

	var outs []types.Output
	if req.To != nil {
		pay, err := types.NewNote(req.Asset, req.Amount, req.To.Owner)
		if err != nil {
			return nil, err
		}
		outs = append(outs, types.Output{Kind: types.OutputPayment, Note: pay, Recipient: req.To})
	} else {
		outs = append(outs, types.ExternalOutput(req.Asset, req.Amount, *req.ExitAddress))
	}
	if !spend.Change.IsZero() {
		change, err := types.NewNote(req.Asset, spend.Change, req.Self.Owner)
		if err != nil {
			return nil, err
		}
		outs = append(outs, types.Output{Kind: types.OutputChange, Note: change, Recipient: req.Self})
	}
	for i := range spend.Outputs {
		if i < len(outs) {
			spend.Outputs[i] = outs[i]
		} else {
			spend.Outputs[i] = types.EmptyOutput()
		}
	}

	for i := range spend.Inputs {
		spend.Nullifiers[i] = spend.Inputs[i].Nullifier()
	}
	for i := range spend.Outputs {
		spend.OutputHashes[i] = spend.Outputs[i].Hash()
	}

	if err := spend.checkBalance(); err != nil {
		return nil, err
	}

	b.log.Debug().
		Str("token", token).
		Int("inputs", len(selected)).
		Str("amount", req.Amount.Dec()).
		Str("change", spend.Change.Dec()).
		Bool("withdraw", req.ExitAddress != nil).
		Msg("spend built")
	return spend, nil
}

// inputs fills the input slots and the root their paths were taken against.
func (b *Builder) inputs(spend *Spend, selected []*types.OwnedNote) error {
	idxs := make([]uint64, len(selected))
	for i, n := range selected {
		if n.LeafIndex != nil {
			idxs[i] = *n.LeafIndex
			continue
		}
		found, ok := b.paths.IndexOf(n.Note.Commitment())
		if !ok {
			return fmt.Errorf("%w: %s", ErrLeafUnknown, n.ID)
		}
		idxs[i] = found
	}

	root, paths, err := b.paths.Proofs(idxs)
	if err != nil {
		return err
	}
	spend.Root = root
	for i, n := range selected {
		spend.Inputs[i] = types.Input{
			Kind:      types.InputReal,
			Note:      n,
			LeafIndex: idxs[i],
			Path:      paths[i],
		}
	}
	return nil
}

// checkBalance asserts sum(inputs) == amount + change == sum(outputs).
func (s *Spend) checkBalance() error {
	in, out := new(uint256.Int), new(uint256.Int)
	for i := range s.Inputs {
		if !s.Inputs[i].IsEmpty() {
			in.Add(in, s.Inputs[i].Note.Note.Amount)
		}
	}
	for i := range s.Outputs {
		out.Add(out, s.Outputs[i].Amount())
	}
	want := new(uint256.Int).Add(s.Amount, s.Change)
	if !in.Eq(want) || !out.Eq(want) {
		return fmt.Errorf("unbalanced spend: in %s, out %s, want %s", in.Dec(), out.Dec(), want.Dec())
	}
	return nil
}

// Release frees the notes reserved for s.
func (b *Builder) Release(s *Spend) {
	if s != nil {
		b.notes.Release(s.Token)
	}
}

// Deposit is a fresh note created for the depositor.
type Deposit struct {
	Note       *types.Note
	Commitment fr.Element
	Recipient  *types.Recipient
}

// BuildDeposit creates the note that a deposit of amount will insert into the tree.
func BuildDeposit(asset common.Address, amount *uint256.Int, to *types.Recipient) (*Deposit, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if to == nil {
		return nil, fmt.Errorf("%w: missing recipient", ErrInvalidRequest)
	}
	n, err := types.NewNote(asset, amount, to.Owner)
	if err != nil {
		return nil, err
	}
	return &Deposit{
		Note:       n,
		Commitment: n.Commitment(),
		Recipient:  to,
	}, nil
}
