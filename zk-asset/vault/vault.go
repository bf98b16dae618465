package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/crypto"
	"github.com/kysee/zkbank/zk-asset/store"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"
)

const (
	RecordVersion = 1
	Iterations    = 100_000

	credentialKey = "credential"
	recordKey     = "record"
)

// DefaultSalt is used when a record carries no salt of its own.
var DefaultSalt = []byte("zkbank.vault.fixed-salt")

var (
	ErrNotRegistered = errors.New("no passkey registered")
	ErrEmpty         = errors.New("vault is empty")
)

// CredentialRef identifies a passkey credential. It holds no secret.
type CredentialRef struct {
	ID        []byte    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Passkey is the platform authenticator. Authenticate returns the raw
// authenticator bytes, which must be the same for the same credential.
type Passkey interface {
	Create(ctx context.Context, identity string) (*CredentialRef, error)
	Authenticate(ctx context.Context) ([]byte, error)
}

// Record is the encrypted root secret as persisted.
type Record struct {
	Version    int    `json:"version"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Salt       []byte `json:"salt,omitempty"`
	Username   string `json:"username"`
}

// Vault keeps one root secret encrypted under a key derived from the passkey.
// The key exists only for the duration of a single call.
type Vault struct {
	mtx sync.Mutex
	kv  store.KV
	pk  Passkey
	log zerolog.Logger
}

func New(kv store.KV, pk Passkey, log zerolog.Logger) *Vault {
	return &Vault{
		kv:  kv,
		pk:  pk,
		log: log.With().Str("module", "vault").Logger(),
	}
}

// Register creates a passkey credential for identity, unless one exists.
func (v *Vault) Register(ctx context.Context, identity string) (*CredentialRef, error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if ref, err := v.credential(); err == nil {
		return ref, nil
	} else if !errors.Is(err, ErrNotRegistered) {
		return nil, err
	}

	ref, err := v.pk.Create(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAuthFailed, err)
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: no credential created", types.ErrAuthFailed)
	}
	if ref.Username == "" {
		ref.Username = identity
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	if err := store.PutJSON(v.kv, store.Vault, credentialKey, ref); err != nil {
		return nil, err
	}
	v.log.Info().Str("username", ref.Username).Msg("passkey registered")
	return ref, nil
}

func (v *Vault) credential() (*CredentialRef, error) {
	ref, err := store.GetJSON[CredentialRef](v.kv, store.Vault, credentialKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	return ref, err
}

// Registered reports whether a passkey credential is known.
func (v *Vault) Registered() bool {
	_, err := v.credential()
	return err == nil
}

// Exists reports whether a secret is stored.
func (v *Vault) Exists() bool {
	_, err := v.kv.Get(store.Vault, recordKey)
	return err == nil
}

// Username of the registered credential, empty if none.
func (v *Vault) Username() string {
	ref, err := v.credential()
	if err != nil {
		return ""
	}
	return ref.Username
}

// deriveKey authenticates and stretches the authenticator output into a
// cipher key. The caller wipes the key.
func (v *Vault) deriveKey(ctx context.Context, salt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAuthFailed, err)
	}
	auth, err := v.pk.Authenticate(ctx)
	defer utils.Wipe(auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAuthFailed, err)
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: empty authenticator data", types.ErrAuthFailed)
	}
	if len(salt) == 0 {
		salt = DefaultSalt
	}
	return pbkdf2.Key(auth, salt, Iterations, crypto.KeySize, sha256.New), nil
}

// Store encrypts secret and replaces the stored record.
func (v *Vault) Store(ctx context.Context, secret []byte) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	ref, err := v.credential()
	if err != nil {
		return err
	}

	key, err := v.deriveKey(ctx, nil)
	if err != nil {
		return err
	}
	defer utils.Wipe(key)

	iv := make([]byte, crypto.NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return err
	}
	ct, err := crypto.Seal(key, iv, secret, nil)
	if err != nil {
		return err
	}
	rec := &Record{
		Version:    RecordVersion,
		IV:         iv,
		Ciphertext: ct,
		Username:   ref.Username,
	}
	if err := store.PutJSON(v.kv, store.Vault, recordKey, rec); err != nil {
		return err
	}
	v.log.Info().Msg("secret stored")
	return nil
}

// Unlock authenticates and returns the decrypted secret. The caller owns the
// returned bytes and must wipe them; WithSecret does it for you.
func (v *Vault) Unlock(ctx context.Context) ([]byte, error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	rec, err := store.GetJSON[Record](v.kv, store.Vault, recordKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrCorruptedVault, err)
	}
	if rec.Version != RecordVersion || len(rec.IV) != crypto.NonceSize || len(rec.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: malformed record", types.ErrCorruptedVault)
	}

	key, err := v.deriveKey(ctx, rec.Salt)
	if err != nil {
		return nil, err
	}
	defer utils.Wipe(key)

	secret, err := crypto.Open(key, rec.IV, rec.Ciphertext, nil)
	if err != nil {
		v.log.Error().Msg("vault record does not decrypt")
		return nil, fmt.Errorf("%w: %w", types.ErrCorruptedVault, err)
	}
	return secret, nil
}

// WithSecret unlocks the vault, passes the secret to fn and wipes it when fn returns.
func (v *Vault) WithSecret(ctx context.Context, fn func(secret []byte) error) error {
	secret, err := v.Unlock(ctx)
	if err != nil {
		return err
	}
	defer utils.Wipe(secret)
	return fn(secret)
}

// Reset forgets the stored secret and the credential.
func (v *Vault) Reset() error {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.kv.Clear(store.Vault)
}
