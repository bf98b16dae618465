package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T) *Account {
	root, err := NewRootSecret()
	require.NoError(t, err)
	acct, err := DeriveAccount(root)
	require.NoError(t, err)
	return acct
}

func TestEnvelopeRoundTrip(t *testing.T) {
	alice, bob := newAccount(t), newAccount(t)

	note, err := types.NewNote(common.HexToAddress("0xabc"), uint256.NewInt(42), bob.Owner)
	require.NoError(t, err)

	payload, err := EncryptNote(note, bob.Recipient())
	require.NoError(t, err)

	got, err := DecryptNote(payload, bob.Envelope)
	require.NoError(t, err)
	require.Equal(t, note.ID(), got.ID())
	require.Equal(t, uint64(42), got.Amount.Uint64())

	// a mismatched key never yields data
	_, err = DecryptNote(payload, alice.Envelope)
	require.ErrorIs(t, err, types.ErrNotForMe)
}

func TestDecryptGarbage(t *testing.T) {
	acct := newAccount(t)

	for _, payload := range [][]byte{
		nil,
		{0x01, 0x02},
		make([]byte, 80),
	} {
		_, err := Decrypt(payload, acct.Envelope)
		require.ErrorIs(t, err, types.ErrNotForMe)
	}

	// valid envelope, plaintext is not a note
	payload, err := EncryptFor([]byte("not rlp"), &acct.Envelope.PublicKey)
	require.NoError(t, err)
	_, err = DecryptNote(payload, acct.Envelope)
	require.ErrorIs(t, err, types.ErrNotForMe)

	// tampered ciphertext
	note, err := types.NewNote(common.Address{}, uint256.NewInt(1), acct.Owner)
	require.NoError(t, err)
	payload, err = EncryptNote(note, acct.Recipient())
	require.NoError(t, err)
	payload[len(payload)-1] ^= 0xff
	_, err = DecryptNote(payload, acct.Envelope)
	require.ErrorIs(t, err, types.ErrNotForMe)
}

func TestDeriveAccount(t *testing.T) {
	root, err := NewRootSecret()
	require.NoError(t, err)

	a0, err := DeriveAccount(root)
	require.NoError(t, err)
	a1, err := DeriveAccount(root)
	require.NoError(t, err)

	require.Equal(t, a0.Address, a1.Address)
	require.True(t, a0.Owner.Equal(&a1.Owner))
	require.Equal(t, a0.Envelope.PublicKey.Bytes(), a1.Envelope.PublicKey.Bytes())
	require.Equal(t, a0.Recipient().Address(), a1.Recipient().Address())

	owner := OwnerOf(a0.OwnerSecret)
	require.True(t, owner.Equal(&a0.Owner))

	a0.Wipe()
	require.True(t, a0.OwnerSecret.IsZero())
	require.Zero(t, a0.SigningKey.D.Sign())

	// the wiped copy does not affect an independently derived one
	require.False(t, a1.OwnerSecret.IsZero())

	_, err = DeriveAccount(root[:16])
	require.Error(t, err)
}
