package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/zk-asset/prover"
	"github.com/kysee/zkbank/zk-asset/types"
)

// RootHistorySize is how many recent roots the pool accepts proofs against.
const RootHistorySize = 30

var ErrMalformedSubmission = errors.New("malformed submission")

type SubmissionKind uint8

const (
	SubmitDeposit SubmissionKind = iota + 1
	SubmitTransfer
	SubmitWithdraw
)

func (k SubmissionKind) String() string {
	switch k {
	case SubmitDeposit:
		return "deposit"
	case SubmitTransfer:
		return "transfer"
	case SubmitWithdraw:
		return "transferExternal"
	default:
		return fmt.Sprintf("submission(%d)", uint8(k))
	}
}

func (k SubmissionKind) Circuit() prover.CircuitID {
	if k == SubmitDeposit {
		return prover.CircuitDeposit
	}
	return prover.CircuitTransact
}

// Submission is one call into the pool contract. Asset and Amount are only
// used by deposits, which pull the tokens in. Payloads hold one entry per
// output slot; empty and external slots carry a zero-length payload.
type Submission struct {
	Kind         SubmissionKind
	Asset        common.Address
	Amount       *uint256.Int
	Proof        []byte
	PublicInputs [][32]byte
	Payloads     [][]byte
}

func (s *Submission) validate() error {
	switch s.Kind {
	case SubmitDeposit:
		if len(s.PublicInputs) != 3 {
			return fmt.Errorf("%w: deposit has %d public inputs", ErrMalformedSubmission, len(s.PublicInputs))
		}
		if s.Amount == nil || s.Amount.IsZero() {
			return fmt.Errorf("%w: deposit amount", ErrMalformedSubmission)
		}
	case SubmitTransfer, SubmitWithdraw:
		if len(s.PublicInputs) != TransactPublicInputs {
			return fmt.Errorf("%w: %v has %d public inputs", ErrMalformedSubmission, s.Kind, len(s.PublicInputs))
		}
		if len(s.Payloads) != types.NoteArity {
			return fmt.Errorf("%w: %d payloads", ErrMalformedSubmission, len(s.Payloads))
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrMalformedSubmission, s.Kind)
	}
	return nil
}

// TransactPublicInputs is root, then nullifiers, output hashes, exit assets,
// exit amounts, exit addresses and exit address hashes, NoteArity each.
const TransactPublicInputs = 1 + 6*types.NoteArity

// TransactPublic is a decoded view of the transact public inputs.
type TransactPublic struct {
	Root              fr.Element
	Nullifiers        [types.NoteArity]fr.Element
	OutputHashes      [types.NoteArity]fr.Element
	ExitAssets        [types.NoteArity]common.Address
	ExitAmounts       [types.NoteArity]*uint256.Int
	ExitAddresses     [types.NoteArity]common.Address
	ExitAddressHashes [types.NoteArity]fr.Element
}

func DecodeTransactPublic(in [][32]byte) (*TransactPublic, error) {
	if len(in) != TransactPublicInputs {
		return nil, fmt.Errorf("%w: %d public inputs", ErrMalformedSubmission, len(in))
	}
	const n = types.NoteArity
	p := &TransactPublic{}
	p.Root.SetBytes(in[0][:])
	for i := 0; i < n; i++ {
		p.Nullifiers[i].SetBytes(in[1+i][:])
		p.OutputHashes[i].SetBytes(in[1+n+i][:])
		p.ExitAssets[i] = common.BytesToAddress(in[1+2*n+i][:])
		p.ExitAmounts[i] = new(uint256.Int).SetBytes32(in[1+3*n+i][:])
		p.ExitAddresses[i] = common.BytesToAddress(in[1+4*n+i][:])
		p.ExitAddressHashes[i].SetBytes(in[1+5*n+i][:])
	}
	return p, nil
}

type ReceiptStatus uint8

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSuccess
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptSuccess:
		return "success"
	case ReceiptReverted:
		return "reverted"
	default:
		return "pending"
	}
}

type Receipt struct {
	Hash   common.Hash
	Status ReceiptStatus
	Block  uint64
	Reason string
}

// Client is the pool contract as seen by the wallet.
type Client interface {
	CurrentRoot(ctx context.Context) (fr.Element, error)
	// Submit sends s. An error that is a *types.ChainRejectedError means the
	// call was refused before it reached a block.
	Submit(ctx context.Context, s *Submission) (common.Hash, error)
	// Receipt reports ReceiptPending for hashes the chain has not included (yet).
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	Leaves(ctx context.Context, from uint64, limit int) ([]types.TreeLeaf, error)
	// Payloads returns payloads after cursor and the cursor to resume from.
	Payloads(ctx context.Context, cursor uint64, limit int) ([]types.EncryptedPayload, uint64, error)
	NullifierSpent(ctx context.Context, nf fr.Element) (bool, error)
}

// Verifier checks proofs before a submission is accepted.
type Verifier interface {
	Verify(proof *prover.Proof) error
}

// Encode is the inverse of DecodeTransactPublic.
func (p *TransactPublic) Encode() [][32]byte {
	const n = types.NoteArity
	out := make([][32]byte, TransactPublicInputs)
	out[0] = p.Root.Bytes()
	for i := 0; i < n; i++ {
		out[1+i] = p.Nullifiers[i].Bytes()
		out[1+n+i] = p.OutputHashes[i].Bytes()
		out[1+2*n+i] = common.BytesToHash(p.ExitAssets[i].Bytes())
		if p.ExitAmounts[i] != nil {
			out[1+3*n+i] = p.ExitAmounts[i].Bytes32()
		}
		out[1+4*n+i] = common.BytesToHash(p.ExitAddresses[i].Bytes())
		out[1+5*n+i] = p.ExitAddressHashes[i].Bytes()
	}
	return out
}
