package vault

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/kysee/zkbank/zk-asset/store"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakePasskey struct {
	auth    []byte
	err     error
	created int
	calls   int
	// handed out, to check they get wiped
	given [][]byte
}

func (p *fakePasskey) Create(ctx context.Context, identity string) (*CredentialRef, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.created++
	return &CredentialRef{ID: []byte("cred-" + identity)}, nil
}

func (p *fakePasskey) Authenticate(ctx context.Context) ([]byte, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if p.auth == nil {
		return nil, nil
	}
	out := append([]byte(nil), p.auth...)
	p.given = append(p.given, out)
	return out, nil
}

func newVault(t *testing.T) (*Vault, *fakePasskey, *store.DB) {
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	pk := &fakePasskey{auth: []byte("authenticator-data")}
	return New(db, pk, zerolog.Nop()), pk, db
}

func TestStoreUnlock(t *testing.T) {
	ctx := context.Background()
	v, pk, db := newVault(t)

	require.False(t, v.Exists())
	require.ErrorIs(t, v.Store(ctx, []byte("x")), ErrNotRegistered)

	ref, err := v.Register(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", ref.Username)
	_, err = v.Register(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, pk.created)
	require.Equal(t, "alice", v.Username())

	_, err = v.Unlock(ctx)
	require.ErrorIs(t, err, ErrEmpty)

	secret := bytes.Repeat([]byte{7}, 32)
	require.NoError(t, v.Store(ctx, secret))
	require.True(t, v.Exists())

	// nothing in plaintext on disk
	raw, err := db.Get(store.Vault, recordKey)
	require.NoError(t, err)
	require.False(t, bytes.Contains(raw, secret))
	rec, err := store.GetJSON[Record](db, store.Vault, recordKey)
	require.NoError(t, err)
	require.Len(t, rec.IV, 12)
	require.Equal(t, RecordVersion, rec.Version)

	got, err := v.Unlock(ctx)
	require.NoError(t, err)
	require.Equal(t, secret, got)

	// authenticator bytes are wiped after use
	for _, g := range pk.given {
		require.Equal(t, make([]byte, len(g)), g)
	}
}

func TestFreshNonce(t *testing.T) {
	ctx := context.Background()
	v, _, db := newVault(t)
	_, err := v.Register(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, v.Store(ctx, []byte("same")))
	a, _ := store.GetJSON[Record](db, store.Vault, recordKey)
	require.NoError(t, v.Store(ctx, []byte("same")))
	b, _ := store.GetJSON[Record](db, store.Vault, recordKey)
	require.NotEqual(t, a.IV, b.IV)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestAuthFailed(t *testing.T) {
	ctx := context.Background()
	v, pk, _ := newVault(t)
	_, err := v.Register(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, []byte("secret")))

	pk.err = errors.New("user cancelled")
	_, err = v.Unlock(ctx)
	require.ErrorIs(t, err, types.ErrAuthFailed)
	require.ErrorIs(t, v.Store(ctx, []byte("other")), types.ErrAuthFailed)

	pk.err = nil
	pk.auth = nil
	_, err = v.Unlock(ctx)
	require.ErrorIs(t, err, types.ErrAuthFailed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	pk.auth = []byte("authenticator-data")
	_, err = v.Unlock(cancelled)
	require.ErrorIs(t, err, types.ErrAuthFailed)

	// retry works and the record is untouched
	got, err := v.Unlock(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)
}

func TestCorruptedVault(t *testing.T) {
	ctx := context.Background()
	v, pk, db := newVault(t)
	_, err := v.Register(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, []byte("secret")))

	// another authenticator derives another key
	pk.auth = []byte("other-device")
	_, err = v.Unlock(ctx)
	require.ErrorIs(t, err, types.ErrCorruptedVault)
	pk.auth = []byte("authenticator-data")

	rec, err := store.GetJSON[Record](db, store.Vault, recordKey)
	require.NoError(t, err)
	rec.Ciphertext[0] ^= 1
	require.NoError(t, store.PutJSON(db, store.Vault, recordKey, rec))
	_, err = v.Unlock(ctx)
	require.ErrorIs(t, err, types.ErrCorruptedVault)

	require.NoError(t, db.Put(store.Vault, recordKey, []byte("{not json")))
	_, err = v.Unlock(ctx)
	require.ErrorIs(t, err, types.ErrCorruptedVault)
}

func TestRecordSalt(t *testing.T) {
	ctx := context.Background()
	v, _, db := newVault(t)
	_, err := v.Register(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, []byte("secret")))

	// a salt other than the default changes the key
	rec, _ := store.GetJSON[Record](db, store.Vault, recordKey)
	rec.Salt = []byte("per-record")
	require.NoError(t, store.PutJSON(db, store.Vault, recordKey, rec))
	_, err = v.Unlock(ctx)
	require.ErrorIs(t, err, types.ErrCorruptedVault)
}

func TestWithSecretAndReset(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newVault(t)
	_, err := v.Register(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, []byte("secret")))

	var seen []byte
	err = v.WithSecret(ctx, func(secret []byte) error {
		require.Equal(t, []byte("secret"), secret)
		seen = secret
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, make([]byte, 6), seen)

	boom := errors.New("boom")
	require.ErrorIs(t, v.WithSecret(ctx, func([]byte) error { return boom }), boom)

	require.NoError(t, v.Reset())
	require.False(t, v.Exists())
	require.False(t, v.Registered())
}
