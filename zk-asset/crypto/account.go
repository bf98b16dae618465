package crypto

import (
	"bytes"
	"crypto/ecdsa"
	crand "crypto/rand"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	jubjub "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/types"
)

// RootSecretSize is the size of the root secret kept in the vault.
const RootSecretSize = 32

var (
	signingDomain  = []byte("zkbank/signing")
	envelopeDomain = []byte("zkbank/envelope")
)

// Account holds every private key derived from a root secret.
// It is owned by a single operation and must be wiped when that operation ends.
type Account struct {
	SigningKey *ecdsa.PrivateKey

	// OwnerSecret is the signing key reduced into the field; Owner = H(OwnerSecret).
	OwnerSecret fr.Element
	Owner       fr.Element

	// Envelope decrypts note payloads addressed to this account.
	Envelope *jubjub.PrivateKey

	Address common.Address
}

func NewRootSecret() ([]byte, error) {
	root := make([]byte, RootSecretSize)
	if _, err := crand.Read(root); err != nil {
		return nil, err
	}
	return root, nil
}

// DeriveAccount derives the account keys of root deterministically.
func DeriveAccount(root []byte) (*Account, error) {
	if len(root) != RootSecretSize {
		return nil, fmt.Errorf("root secret must be %d bytes", RootSecretSize)
	}

	seed := ethcrypto.Keccak256(root, signingDomain)
	defer utils.Wipe(seed)
	signingKey, err := ethcrypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	acct := &Account{
		SigningKey:  signingKey,
		OwnerSecret: utils.FieldFromBig(signingKey.D),
		Address:     ethcrypto.PubkeyToAddress(signingKey.PublicKey),
	}
	acct.Owner = OwnerOf(acct.OwnerSecret)

	d := ethcrypto.FromECDSA(signingKey)
	envSeed := ethcrypto.Keccak256(d, envelopeDomain)
	utils.Wipe(d)
	defer utils.Wipe(envSeed)

	// GenerateKey reads exactly one 32 byte seed, so a fixed reader makes it deterministic.
	acct.Envelope, err = jubjub.GenerateKey(bytes.NewReader(envSeed))
	if err != nil {
		acct.Wipe()
		return nil, fmt.Errorf("envelope key: %w", err)
	}
	return acct, nil
}

// OwnerOf returns the owner commitment H(ownerSecret).
func OwnerOf(ownerSecret fr.Element) fr.Element {
	return utils.HashFields(ownerSecret)
}

func (a *Account) Recipient() *types.Recipient {
	pub := a.Envelope.PublicKey
	return &types.Recipient{
		Owner:    a.Owner,
		Envelope: &pub,
	}
}

// Wipe erases the private material of the account.
func (a *Account) Wipe() {
	if a == nil {
		return
	}
	if a.SigningKey != nil && a.SigningKey.D != nil {
		a.SigningKey.D.SetInt64(0)
	}
	utils.WipeField(&a.OwnerSecret)
	if a.Envelope != nil {
		*a.Envelope = jubjub.PrivateKey{}
	}
}
