package crypto

import (
	crand "crypto/rand"
	"fmt"

	jubjub "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/types"
)

// EncryptFor encrypts plaintext for the holder of recipient.
// The result is [ephemeral public key(32) | ciphertext].
func EncryptFor(plaintext []byte, recipient *jubjub.PublicKey) ([]byte, error) {
	ephemeral, err := jubjub.GenerateKey(crand.Reader)
	if err != nil {
		return nil, err
	}
	defer func() { *ephemeral = jubjub.PrivateKey{} }()

	key, nonce, err := envelopeKey(ephemeral, recipient)
	if err != nil {
		return nil, err
	}
	defer utils.Wipe(key)

	epk := ephemeral.PublicKey.Bytes()
	ct, err := Seal(key, nonce, plaintext, epk)
	if err != nil {
		return nil, err
	}
	return append(epk, ct...), nil
}

// Decrypt opens a payload made by EncryptFor. Any failure, whatever the cause,
// is reported as types.ErrNotForMe.
func Decrypt(payload []byte, own *jubjub.PrivateKey) ([]byte, error) {
	if len(payload) <= EnvelopePubSize {
		return nil, fmt.Errorf("%w: short payload", types.ErrNotForMe)
	}
	epkBytes := payload[:EnvelopePubSize]

	epk := NewPub()
	if _, err := epk.SetBytes(epkBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNotForMe, err)
	}

	key, nonce, err := envelopeKey(own, epk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNotForMe, err)
	}
	defer utils.Wipe(key)

	pt, err := Open(key, nonce, payload[EnvelopePubSize:], epkBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNotForMe, err)
	}
	return pt, nil
}

// EncryptNote encrypts the plaintext of n for recipient.
func EncryptNote(n *types.Note, recipient *types.Recipient) ([]byte, error) {
	if recipient == nil || recipient.Envelope == nil {
		return nil, fmt.Errorf("recipient has no envelope key")
	}
	return EncryptFor(n.ToSecretNote().Bytes(), recipient.Envelope)
}

// DecryptNote decrypts a note payload. Malformed plaintexts are not for us either.
func DecryptNote(payload []byte, own *jubjub.PrivateKey) (*types.Note, error) {
	pt, err := Decrypt(payload, own)
	if err != nil {
		return nil, err
	}
	sn, err := types.DecodeSecretNote(pt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNotForMe, err)
	}
	return sn.ToNote(), nil
}

func envelopeKey(priv *jubjub.PrivateKey, pub *jubjub.PublicKey) ([]byte, []byte, error) {
	shared, err := ECDHEComputeSharedSecret(priv, pub)
	if err != nil {
		return nil, nil, err
	}
	defer utils.Wipe(shared)

	ks, err := SaplingKDF(shared, KeySize+NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return ks[:KeySize], ks[KeySize:], nil
}
