package types

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/utils"
)

// NoteArity is the number of input and output note slots of a spend.
const NoteArity = 3

// Note is a confidential UTXO. It is immutable; spending only flips OwnedNote.IsUsed.
type Note struct {
	AssetID common.Address
	Amount  *uint256.Int

	// Owner is H(owner_secret) of the owning account.
	Owner fr.Element

	// Secret is the random blinding element chosen at creation.
	Secret fr.Element
}

func NewNote(asset common.Address, amount *uint256.Int, owner fr.Element) (*Note, error) {
	secret, err := utils.RandomField()
	if err != nil {
		return nil, err
	}
	return &Note{
		AssetID: asset,
		Amount:  new(uint256.Int).Set(amount),
		Owner:   owner,
		Secret:  secret,
	}, nil
}

// Commitment returns H(asset_id, asset_amount, owner, secret), the tree leaf value of the note.
func (n *Note) Commitment() fr.Element {
	return utils.HashFields(
		utils.FieldFromAddress(n.AssetID),
		utils.FieldFromUint256(n.Amount),
		n.Owner,
		n.Secret,
	)
}

func (n *Note) ID() string {
	return NoteID(n.Commitment())
}

// Nullifier returns H(leaf_index, owner, secret, asset_id, asset_amount).
func (n *Note) Nullifier(leafIndex uint64) fr.Element {
	return utils.HashFields(
		utils.FieldFromUint64(leafIndex),
		n.Owner,
		n.Secret,
		utils.FieldFromAddress(n.AssetID),
		utils.FieldFromUint256(n.Amount),
	)
}

func (n *Note) ToSecretNote() *SecretNote {
	return &SecretNote{
		Secret:  n.Secret,
		Owner:   n.Owner,
		AssetID: n.AssetID,
		Amount:  new(uint256.Int).Set(n.Amount),
	}
}

// NoteID is the hex form of a commitment, used as the store key of a note.
func NoteID(commitment fr.Element) string {
	return EncodeField(commitment)
}

// SecretNote is the plaintext that is encrypted for the recipient of an output.
type SecretNote struct {
	Secret  fr.Element
	Owner   fr.Element
	AssetID common.Address
	Amount  *uint256.Int
}

func DecodeSecretNote(bz []byte) (*SecretNote, error) {
	sn := new(SecretNote)
	if err := rlp.DecodeBytes(bz, sn); err != nil {
		return nil, err
	}
	return sn, nil
}

// Bytes returns the RLP-encoded representation of the SecretNote as a byte slice.
// It panics if the encoding fails.
func (sn *SecretNote) Bytes() []byte {
	b, err := rlp.EncodeToBytes(sn)
	if err != nil {
		panic(fmt.Sprintf("failed to RLP encode SecretNote: %v", err))
	}
	return b
}

func (sn *SecretNote) ToNote() *Note {
	return &Note{
		AssetID: sn.AssetID,
		Amount:  new(uint256.Int).Set(sn.Amount),
		Owner:   sn.Owner,
		Secret:  sn.Secret,
	}
}

// EncodeRLP implements rlp.Encoder.
func (sn *SecretNote) EncodeRLP(w io.Writer) error {
	secret, owner := sn.Secret.Bytes(), sn.Owner.Bytes()
	amount := new(big.Int)
	if sn.Amount != nil {
		amount = sn.Amount.ToBig()
	}
	return rlp.Encode(w, []interface{}{
		secret[:],
		owner[:],
		sn.AssetID,
		amount,
	})
}

// DecodeRLP implements rlp.Decoder.
func (sn *SecretNote) DecodeRLP(s *rlp.Stream) error {
	var temp struct {
		Secret  []byte
		Owner   []byte
		AssetID common.Address
		Amount  *big.Int
	}
	if err := s.Decode(&temp); err != nil {
		return err
	}
	if err := sn.Secret.SetBytesCanonical(temp.Secret); err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	if err := sn.Owner.SetBytesCanonical(temp.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	amount, overflow := uint256.FromBig(temp.Amount)
	if overflow {
		return fmt.Errorf("amount value overflows uint256")
	}
	sn.AssetID = temp.AssetID
	sn.Amount = amount
	return nil
}

// OwnedNote is a note of the local identity as kept by the note store.
type OwnedNote struct {
	ID        string
	Note      Note
	IsUsed    bool
	LeafIndex *uint64
	PayloadID string
	CreatedAt time.Time
}

func NewOwnedNote(n *Note, leafIndex *uint64, payloadID string) *OwnedNote {
	return &OwnedNote{
		ID:        n.ID(),
		Note:      *n,
		LeafIndex: leafIndex,
		PayloadID: payloadID,
		CreatedAt: time.Now().UTC(),
	}
}

func (o *OwnedNote) Clone() *OwnedNote {
	c := *o
	c.Note.Amount = new(uint256.Int).Set(o.Note.Amount)
	if o.LeafIndex != nil {
		idx := *o.LeafIndex
		c.LeafIndex = &idx
	}
	return &c
}

type ownedNoteJSON struct {
	ID          string    `json:"id"`
	AssetID     string    `json:"asset_id"`
	AssetAmount string    `json:"asset_amount"`
	Owner       string    `json:"owner"`
	Secret      string    `json:"secret"`
	IsUsed      bool      `json:"is_used"`
	LeafIndex   *uint64   `json:"leaf_index,omitempty"`
	PayloadID   string    `json:"payload_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (o *OwnedNote) MarshalJSON() ([]byte, error) {
	return json.Marshal(&ownedNoteJSON{
		ID:          o.ID,
		AssetID:     o.Note.AssetID.Hex(),
		AssetAmount: EncodeAmount(o.Note.Amount),
		Owner:       EncodeField(o.Note.Owner),
		Secret:      EncodeField(o.Note.Secret),
		IsUsed:      o.IsUsed,
		LeafIndex:   o.LeafIndex,
		PayloadID:   o.PayloadID,
		CreatedAt:   o.CreatedAt,
	})
}

func (o *OwnedNote) UnmarshalJSON(bz []byte) error {
	var j ownedNoteJSON
	if err := json.Unmarshal(bz, &j); err != nil {
		return err
	}
	amount, err := DecodeAmount(j.AssetAmount)
	if err != nil {
		return err
	}
	owner, err := DecodeField(j.Owner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	secret, err := DecodeField(j.Secret)
	if err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	if !common.IsHexAddress(j.AssetID) {
		return fmt.Errorf("wrong asset id: %s", j.AssetID)
	}
	*o = OwnedNote{
		ID: j.ID,
		Note: Note{
			AssetID: common.HexToAddress(j.AssetID),
			Amount:  amount,
			Owner:   owner,
			Secret:  secret,
		},
		IsUsed:    j.IsUsed,
		LeafIndex: j.LeafIndex,
		PayloadID: j.PayloadID,
		CreatedAt: j.CreatedAt,
	}
	return nil
}
