package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type TxKind string

const (
	TxDeposit  TxKind = "Deposit"
	TxTransfer TxKind = "Transfer"
	TxWithdraw TxKind = "Withdraw"
	TxApproval TxKind = "Approval"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxStage is the orchestrator phase a transaction reached.
type TxStage string

const (
	StageBuilding  TxStage = "building"
	StageProved    TxStage = "proved"
	StageSubmitted TxStage = "submitted"
	StageSettled   TxStage = "settled"
)

// NoteRef links a transaction to a note by commitment.
type NoteRef struct {
	ID        string     `json:"id"`
	Kind      OutputKind `json:"kind,omitempty"`
	Nullifier string     `json:"nullifier,omitempty"`
}

// Transaction is the local record of an attempted on-chain action.
type Transaction struct {
	ID     string
	Kind   TxKind
	Status TxStatus
	Stage  TxStage

	Asset  common.Address
	Amount *uint256.Int

	Inputs  []NoteRef
	Outputs []NoteRef

	// PendingNotes are outputs owned by this identity, added to the note store on confirmation.
	PendingNotes []*OwnedNote

	ChainTxHash *common.Hash
	Error       string

	CreatedAt   time.Time
	SubmittedAt time.Time
	SettledAt   time.Time
}

func NewTransaction(kind TxKind, asset common.Address, amount *uint256.Int) *Transaction {
	return &Transaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    TxPending,
		Stage:     StageBuilding,
		Asset:     asset,
		Amount:    new(uint256.Int).Set(amount),
		CreatedAt: time.Now().UTC(),
	}
}

func (tx *Transaction) IsPending() bool {
	return tx.Status == TxPending
}

func (tx *Transaction) InputIDs() []string {
	ids := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		ids = append(ids, in.ID)
	}
	return ids
}

func (tx *Transaction) Confirm(now time.Time) {
	tx.Status = TxConfirmed
	tx.Stage = StageSettled
	tx.Error = ""
	tx.SettledAt = now
}

func (tx *Transaction) Fail(now time.Time, reason string) {
	tx.Status = TxFailed
	tx.Stage = StageSettled
	tx.Error = reason
	tx.SettledAt = now
}

type transactionJSON struct {
	ID           string       `json:"id"`
	Kind         TxKind       `json:"type"`
	Status       TxStatus     `json:"status"`
	Stage        TxStage      `json:"stage"`
	Asset        string       `json:"asset"`
	Amount       string       `json:"amount"`
	Inputs       []NoteRef    `json:"input_notes"`
	Outputs      []NoteRef    `json:"output_notes"`
	PendingNotes []*OwnedNote `json:"pending_notes,omitempty"`
	ChainTxHash  *common.Hash `json:"chain_tx_hash,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	SubmittedAt  time.Time    `json:"submitted_at,omitempty"`
	SettledAt    time.Time    `json:"settled_at,omitempty"`
}

func (tx *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(&transactionJSON{
		ID:           tx.ID,
		Kind:         tx.Kind,
		Status:       tx.Status,
		Stage:        tx.Stage,
		Asset:        tx.Asset.Hex(),
		Amount:       EncodeAmount(tx.Amount),
		Inputs:       tx.Inputs,
		Outputs:      tx.Outputs,
		PendingNotes: tx.PendingNotes,
		ChainTxHash:  tx.ChainTxHash,
		Error:        tx.Error,
		CreatedAt:    tx.CreatedAt,
		SubmittedAt:  tx.SubmittedAt,
		SettledAt:    tx.SettledAt,
	})
}

func (tx *Transaction) UnmarshalJSON(bz []byte) error {
	var j transactionJSON
	if err := json.Unmarshal(bz, &j); err != nil {
		return err
	}
	amount, err := DecodeAmount(j.Amount)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(j.Asset) {
		return fmt.Errorf("wrong asset: %s", j.Asset)
	}
	*tx = Transaction{
		ID:           j.ID,
		Kind:         j.Kind,
		Status:       j.Status,
		Stage:        j.Stage,
		Asset:        common.HexToAddress(j.Asset),
		Amount:       amount,
		Inputs:       j.Inputs,
		Outputs:      j.Outputs,
		PendingNotes: j.PendingNotes,
		ChainTxHash:  j.ChainTxHash,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		SubmittedAt:  j.SubmittedAt,
		SettledAt:    j.SettledAt,
	}
	return nil
}

// TreeLeaf mirrors one slot of the on-chain commitment tree.
type TreeLeaf struct {
	Index uint64
	Value fr.Element
}

type treeLeafJSON struct {
	Index uint64 `json:"leaf_index"`
	Value string `json:"leaf_value"`
}

func (l *TreeLeaf) MarshalJSON() ([]byte, error) {
	return json.Marshal(&treeLeafJSON{Index: l.Index, Value: EncodeField(l.Value)})
}

func (l *TreeLeaf) UnmarshalJSON(bz []byte) error {
	var j treeLeafJSON
	if err := json.Unmarshal(bz, &j); err != nil {
		return err
	}
	v, err := DecodeField(j.Value)
	if err != nil {
		return err
	}
	l.Index, l.Value = j.Index, v
	return nil
}

// EncryptedPayload is a note payload broadcast on chain for some recipient.
type EncryptedPayload struct {
	ID               string `json:"id"`
	Ciphertext       []byte `json:"ciphertext"`
	DecryptAttempted bool   `json:"decrypt_attempted"`
}
