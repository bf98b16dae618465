package wallet

import (
	"context"
	"errors"
	"runtime"
	"strconv"

	jubjub "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/kysee/zkbank/zk-asset/crypto"
	"github.com/kysee/zkbank/zk-asset/store"
	"github.com/kysee/zkbank/zk-asset/types"
	"golang.org/x/sync/errgroup"
)

const payloadCursorKey = "payload_cursor"

// Sync pulls new leaves and payloads from the chain, then adds the notes
// addressed to this account.
func (w *Wallet) Sync(ctx context.Context) error {
	return w.withAccount(ctx, func(acct *crypto.Account) error {
		return w.sync(ctx, acct)
	})
}

func (w *Wallet) sync(ctx context.Context, acct *crypto.Account) error {
	w.syncMtx.Lock()
	defer w.syncMtx.Unlock()

	start, err := w.payloadCursor()
	if err != nil {
		return err
	}

	var (
		leaves   []types.TreeLeaf
		payloads []types.EncryptedPayload
		next     uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		leaves, err = w.fetchLeaves(gctx)
		return err
	})
	g.Go(func() (err error) {
		payloads, next, err = w.fetchPayloads(gctx, start)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := w.tree.AppendBatch(leaves); err != nil {
		return err
	}
	if err := w.storePayloads(start, payloads, next); err != nil {
		return err
	}
	if err := w.scan(ctx, acct); err != nil {
		return err
	}
	if err := w.fillLeafIndices(); err != nil {
		return err
	}
	w.log.Debug().Int("leaves", len(leaves)).Int("payloads", len(payloads)).Msg("synced")
	return nil
}

// syncLeaves only mirrors the tree; it needs no keys.
func (w *Wallet) syncLeaves(ctx context.Context) error {
	w.syncMtx.Lock()
	defer w.syncMtx.Unlock()

	leaves, err := w.fetchLeaves(ctx)
	if err != nil {
		return err
	}
	if err := w.tree.AppendBatch(leaves); err != nil {
		return err
	}
	return w.fillLeafIndices()
}

func (w *Wallet) fetchLeaves(ctx context.Context) ([]types.TreeLeaf, error) {
	var out []types.TreeLeaf
	from := w.tree.NextIndex()
	for {
		page, err := w.chain.Leaves(ctx, from, w.cfg.SyncPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < w.cfg.SyncPageSize {
			return out, nil
		}
		from = page[len(page)-1].Index + 1
	}
}

func (w *Wallet) fetchPayloads(ctx context.Context, cursor uint64) ([]types.EncryptedPayload, uint64, error) {
	var out []types.EncryptedPayload
	for {
		page, next, err := w.chain.Payloads(ctx, cursor, w.cfg.SyncPageSize)
		if err != nil {
			return nil, cursor, err
		}
		out = append(out, page...)
		cursor = next
		if len(page) < w.cfg.SyncPageSize {
			return out, cursor, nil
		}
	}
}

func (w *Wallet) payloadCursor() (uint64, error) {
	bz, err := w.db.Get(store.Meta, payloadCursorKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(bz), 10, 64)
}

// storePayloads keeps the new payloads undecrypted and moves the cursor in
// the same batch.
func (w *Wallet) storePayloads(start uint64, payloads []types.EncryptedPayload, next uint64) error {
	return w.db.Update(func(b store.Batch) error {
		for i := range payloads {
			p := payloads[i]
			p.DecryptAttempted = false
			if err := store.PutJSON(b, store.Payloads, store.IndexKey(start+uint64(i)), &p); err != nil {
				return err
			}
		}
		return b.Put(store.Meta, payloadCursorKey, []byte(strconv.FormatUint(next, 10)))
	})
}

type decrypted struct {
	key     string
	payload *types.EncryptedPayload
	note    *types.Note
}

// tryDecrypt opens every payload it can with own. Payloads for other
// recipients yield nil entries.
func tryDecrypt(ctx context.Context, payloads []*types.EncryptedPayload, own *jubjub.PrivateKey) ([]*types.Note, error) {
	out := make([]*types.Note, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range payloads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := crypto.DecryptNote(payloads[i].Ciphertext, own)
			if err != nil {
				// every failure means not for us
				return nil
			}
			out[i] = n
			return nil
		})
	}
	return out, g.Wait()
}

// scan decrypts the payloads not attempted yet and adds the notes found,
// spent if their nullifier is already used on chain.
func (w *Wallet) scan(ctx context.Context, acct *crypto.Account) error {
	var (
		keys     []string
		payloads []*types.EncryptedPayload
	)
	err := store.Each(w.db, store.Payloads, func(key string, p *types.EncryptedPayload) error {
		if !p.DecryptAttempted {
			keys = append(keys, key)
			payloads = append(payloads, p)
		}
		return nil
	})
	if err != nil || len(payloads) == 0 {
		return err
	}

	found, err := tryDecrypt(ctx, payloads, acct.Envelope)
	if err != nil {
		return err
	}

	var mine []decrypted
	for i, n := range found {
		if n == nil {
			continue
		}
		if !n.Owner.Equal(&acct.Owner) {
			w.log.Warn().Str("payload", payloads[i].ID).Msg("payload decrypts but names another owner")
			continue
		}
		mine = append(mine, decrypted{key: keys[i], payload: payloads[i], note: n})
	}

	owned := make([]*types.OwnedNote, len(mine))
	spent := make([]bool, len(mine))
	for i, d := range mine {
		var idx *uint64
		if at, ok := w.tree.IndexOf(d.note.Commitment()); ok {
			idx = &at
			if spent[i], err = w.chain.NullifierSpent(ctx, d.note.Nullifier(at)); err != nil {
				return err
			}
		}
		owned[i] = types.NewOwnedNote(d.note, idx, d.payload.ID)
		owned[i].IsUsed = spent[i]
	}

	return w.db.Update(func(b store.Batch) error {
		for i := range owned {
			if err := w.notes.AddIn(b, owned[i]); err != nil {
				return err
			}
			if spent[i] {
				if err := w.notes.MarkChainSpentIn(b, []string{owned[i].ID}); err != nil {
					return err
				}
			}
		}
		for i := range payloads {
			payloads[i].DecryptAttempted = true
			if err := store.PutJSON(b, store.Payloads, keys[i], payloads[i]); err != nil {
				return err
			}
		}
		if len(owned) > 0 {
			w.log.Info().Int("notes", len(owned)).Msg("received notes")
		}
		return nil
	})
}

// fillLeafIndices records the tree position of notes that were added before
// their leaf was seen.
func (w *Wallet) fillLeafIndices() error {
	all, err := w.notes.All()
	if err != nil {
		return err
	}
	for _, n := range all {
		if n.LeafIndex != nil {
			continue
		}
		if idx, ok := w.tree.IndexOf(n.Note.Commitment()); ok {
			if err := w.notes.SetLeafIndex(n.ID, idx); err != nil {
				return err
			}
		}
	}
	return nil
}
