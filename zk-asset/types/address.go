package types

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	jubjub "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
)

const (
	ver        = 0x01
	addrPrefix = "zb"
)

func EncodeAddress(payload []byte) string {
	return addrPrefix + base58.CheckEncode(payload, ver)
}

func DecodeAddress(addr string) ([]byte, error) {
	if !strings.HasPrefix(addr, addrPrefix) {
		if len(addr) > 2 {
			addr = addr[:2]
		}
		return nil, fmt.Errorf("wrong prefix: got(%s)", addr)
	}
	bz, _ver, err := base58.CheckDecode(addr[len(addrPrefix):])
	if err != nil {
		return nil, err
	}
	if _ver != ver {
		return nil, fmt.Errorf("wrong version: expected(%d), got(%d)", ver, _ver)
	}
	return bz, nil
}

// Recipient is the public half of an account: the owner commitment that goes into
// notes and the envelope key that output payloads are encrypted to.
type Recipient struct {
	Owner    fr.Element
	Envelope *jubjub.PublicKey
}

// Address encodes the recipient as a private address: owner(32) | envelope pubkey(32).
func (r *Recipient) Address() string {
	owner := r.Owner.Bytes()
	payload := append(owner[:], r.Envelope.Bytes()...)
	return EncodeAddress(payload)
}

func ParseAddress(addr string) (*Recipient, error) {
	bz, err := DecodeAddress(addr)
	if err != nil {
		return nil, err
	}
	if len(bz) != 2*fr.Bytes {
		return nil, fmt.Errorf("wrong address length: expected(%d), got(%d)", 2*fr.Bytes, len(bz))
	}
	r := &Recipient{Envelope: new(jubjub.PublicKey)}
	if err := r.Owner.SetBytesCanonical(bz[:fr.Bytes]); err != nil {
		return nil, fmt.Errorf("wrong owner: %w", err)
	}
	if _, err := r.Envelope.SetBytes(bz[fr.Bytes:]); err != nil {
		return nil, fmt.Errorf("wrong envelope key: %w", err)
	}
	return r, nil
}
