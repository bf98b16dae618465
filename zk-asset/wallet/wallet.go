package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/builder"
	"github.com/kysee/zkbank/zk-asset/chain"
	"github.com/kysee/zkbank/zk-asset/crypto"
	"github.com/kysee/zkbank/zk-asset/notes"
	"github.com/kysee/zkbank/zk-asset/prover"
	"github.com/kysee/zkbank/zk-asset/store"
	"github.com/kysee/zkbank/zk-asset/tree"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/kysee/zkbank/zk-asset/vault"
	"github.com/rs/zerolog"
)

// Deps are the external services of a wallet.
type Deps struct {
	Passkey vault.Passkey
	Prover  prover.Prover
	Chain   chain.Client
}

// Wallet is one confidential identity: its vault, commitment tree mirror,
// notes and transaction history, all kept in one database.
type Wallet struct {
	cfg Config
	log zerolog.Logger

	db      *store.DB
	vault   *vault.Vault
	tree    *tree.Tree
	notes   *notes.Store
	builder *builder.Builder

	prover prover.Prover
	chain  chain.Client

	syncMtx sync.Mutex

	watchMtx    sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func Open(cfg Config, deps Deps) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Passkey == nil || deps.Prover == nil || deps.Chain == nil {
		return nil, errors.New("passkey, prover and chain are required")
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	tr, err := tree.New(cfg.TreeLevels, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log := cfg.Logger.With().Str("module", "wallet").Logger()
	ns := notes.New(db, cfg.Logger)
	w := &Wallet{
		cfg:     cfg,
		log:     log,
		db:      db,
		vault:   vault.New(db, deps.Passkey, cfg.Logger),
		tree:    tr,
		notes:   ns,
		builder: builder.New(ns, tr, cfg.Logger),
		prover:  deps.Prover,
		chain:   deps.Chain,
	}
	if err := w.resume(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("dir", cfg.DataDir).Uint64("leaves", tr.NextIndex()).Msg("wallet opened")
	return w, nil
}

// resume re-reserves the inputs of transactions left pending by a previous run.
func (w *Wallet) resume() error {
	pending, err := store.Filter(w.db, store.Transactions, func(tx *types.Transaction) bool {
		return tx.IsPending()
	})
	if err != nil {
		return err
	}
	for _, tx := range pending {
		if err := w.notes.ReserveIDs(tx.ID, tx.InputIDs()); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		w.log.Info().Int("pending", len(pending)).Msg("resuming pending transactions")
	}
	return nil
}

func (w *Wallet) Close() error {
	w.Stop()
	return w.db.Close()
}

func (w *Wallet) Vault() *vault.Vault {
	return w.vault
}

// Create registers a passkey for identity, stores a fresh root secret and
// returns the private address of the new account.
func (w *Wallet) Create(ctx context.Context, identity string) (string, error) {
	root, err := crypto.NewRootSecret()
	if err != nil {
		return "", err
	}
	defer utils.Wipe(root)
	return w.Import(ctx, identity, root)
}

// Import is Create with a known root secret.
func (w *Wallet) Import(ctx context.Context, identity string, root []byte) (string, error) {
	acct, err := crypto.DeriveAccount(root)
	if err != nil {
		return "", err
	}
	defer acct.Wipe()

	if _, err := w.vault.Register(ctx, identity); err != nil {
		return "", err
	}
	if err := w.vault.Store(ctx, root); err != nil {
		return "", err
	}
	return acct.Recipient().Address(), nil
}

// withAccount unlocks the vault and derives the account for the duration of fn.
func (w *Wallet) withAccount(ctx context.Context, fn func(acct *crypto.Account) error) error {
	return w.vault.WithSecret(ctx, func(root []byte) error {
		acct, err := crypto.DeriveAccount(root)
		if err != nil {
			return fmt.Errorf("%w: %w", types.ErrCorruptedVault, err)
		}
		defer acct.Wipe()
		return fn(acct)
	})
}

// Address returns the private address that other wallets pay to.
func (w *Wallet) Address(ctx context.Context) (addr string, err error) {
	err = w.withAccount(ctx, func(acct *crypto.Account) error {
		addr = acct.Recipient().Address()
		return nil
	})
	return
}

// Balance is the sum of unspent notes of asset. Notes held by pending
// spends are already marked spent and not counted.
func (w *Wallet) Balance(asset common.Address) (*uint256.Int, error) {
	return w.notes.TotalUnspent(asset)
}

func (w *Wallet) Notes() ([]*types.OwnedNote, error) {
	return w.notes.All()
}

// Transactions returns the history, oldest first.
func (w *Wallet) Transactions() ([]*types.Transaction, error) {
	txs, err := store.Filter[types.Transaction](w.db, store.Transactions, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	return txs, nil
}

func (w *Wallet) Transaction(id string) (*types.Transaction, error) {
	tx, err := store.GetJSON[types.Transaction](w.db, store.Transactions, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrTxNotFound, id)
	}
	return tx, err
}

// Reset forgets notes, tree, payloads and history. The vault is kept.
func (w *Wallet) Reset() error {
	w.syncMtx.Lock()
	defer w.syncMtx.Unlock()

	if err := w.notes.Reset(); err != nil {
		return err
	}
	if err := w.tree.Reset(); err != nil {
		return err
	}
	for _, c := range []string{store.Payloads, store.Transactions, store.Meta} {
		if err := w.db.Clear(c); err != nil {
			return err
		}
	}
	w.log.Info().Msg("wallet reset")
	return nil
}

// Deposit moves amount of asset into the pool as a new note of this account.
func (w *Wallet) Deposit(ctx context.Context, asset common.Address, amount *uint256.Int) (tx *types.Transaction, err error) {
	err = w.withAccount(ctx, func(acct *crypto.Account) error {
		tx, err = w.deposit(ctx, acct, asset, amount)
		return err
	})
	return tx, err
}

func (w *Wallet) deposit(ctx context.Context, acct *crypto.Account, asset common.Address, amount *uint256.Int) (*types.Transaction, error) {
	self := acct.Recipient()
	d, err := builder.BuildDeposit(asset, amount, self)
	if err != nil {
		return nil, err
	}

	proof, err := w.prove(ctx, &prover.DepositInputs{Note: d.Note})
	if err != nil {
		return nil, err
	}
	payload, err := crypto.EncryptNote(d.Note, self)
	if err != nil {
		return nil, err
	}

	if approver, ok := w.chain.(chain.Approver); ok {
		if err := w.approve(ctx, approver, asset, amount); err != nil {
			return nil, err
		}
	}

	tx := w.newTransaction(types.TxDeposit, asset, amount)
	tx.Outputs = []types.NoteRef{{ID: d.Note.ID(), Kind: types.OutputChange}}
	tx.PendingNotes = []*types.OwnedNote{types.NewOwnedNote(d.Note, nil, "")}
	if err := store.PutJSON(w.db, store.Transactions, tx.ID, tx); err != nil {
		return nil, err
	}

	return w.submit(ctx, tx, &chain.Submission{
		Kind:         chain.SubmitDeposit,
		Asset:        asset,
		Amount:       amount,
		Proof:        proof.Bytes,
		PublicInputs: proof.PublicInputs,
		Payloads:     [][]byte{payload},
	})
}

// approve records an ERC-20 approval for the pool as its own transaction.
func (w *Wallet) approve(ctx context.Context, approver chain.Approver, asset common.Address, amount *uint256.Int) error {
	tx := w.newTransaction(types.TxApproval, asset, amount)
	hash, err := approver.Approve(ctx, asset, amount)
	if err != nil && !errors.Is(err, types.ErrChainUnknown) {
		tx.Fail(w.cfg.now(), err.Error())
		return errors.Join(err, store.PutJSON(w.db, store.Transactions, tx.ID, tx))
	}
	if hash != (common.Hash{}) {
		tx.ChainTxHash = &hash
		tx.Stage = types.StageSubmitted
		tx.SubmittedAt = w.cfg.now()
	}
	return store.PutJSON(w.db, store.Transactions, tx.ID, tx)
}

// Transfer pays amount of asset to the private address to.
func (w *Wallet) Transfer(ctx context.Context, to string, asset common.Address, amount *uint256.Int) (*types.Transaction, error) {
	rcpt, err := types.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", builder.ErrInvalidRequest, err)
	}
	return w.spend(ctx, types.TxTransfer, &builder.Request{
		Asset:  asset,
		Amount: amount,
		To:     rcpt,
	})
}

// Withdraw sends amount of asset out of the pool to a plain chain address.
func (w *Wallet) Withdraw(ctx context.Context, to common.Address, asset common.Address, amount *uint256.Int) (*types.Transaction, error) {
	return w.spend(ctx, types.TxWithdraw, &builder.Request{
		Asset:       asset,
		Amount:      amount,
		ExitAddress: &to,
	})
}

func (w *Wallet) spend(ctx context.Context, kind types.TxKind, req *builder.Request) (tx *types.Transaction, err error) {
	err = w.withAccount(ctx, func(acct *crypto.Account) error {
		if err := w.freshRoot(ctx, acct); err != nil {
			return err
		}
		req.Self = acct.Recipient()
		req.MaxInputs = w.cfg.MaxInputs
		tx, err = w.proveAndSubmit(ctx, acct, kind, req)
		return err
	})
	return tx, err
}

// freshRoot syncs when the local root is not the chain root.
func (w *Wallet) freshRoot(ctx context.Context, acct *crypto.Account) error {
	chainRoot, err := w.chain.CurrentRoot(ctx)
	if err != nil {
		return fmt.Errorf("chain root: %w", err)
	}
	local := w.tree.Root()
	if local.Equal(&chainRoot) {
		return nil
	}
	if err := w.sync(ctx, acct); err != nil {
		return err
	}
	local = w.tree.Root()
	if local.Equal(&chainRoot) {
		return nil
	}
	if w.cfg.AllowStaleRoot {
		w.log.Warn().Msg("proving against a stale root")
		return nil
	}
	return types.ErrStaleRoot
}

func (w *Wallet) proveAndSubmit(ctx context.Context, acct *crypto.Account, kind types.TxKind, req *builder.Request) (*types.Transaction, error) {
	sp, err := w.builder.BuildSpend(ctx, req)
	if err != nil {
		return nil, err
	}

	proof, err := w.prove(ctx, &prover.TransactInputs{
		Root:         sp.Root,
		OwnerSecret:  acct.OwnerSecret,
		Inputs:       sp.Inputs[:],
		Outputs:      sp.Outputs[:],
		Nullifiers:   sp.Nullifiers[:],
		OutputHashes: sp.OutputHashes[:],
	})
	if err != nil {
		w.builder.Release(sp)
		return nil, err
	}

	payloads := make([][]byte, types.NoteArity)
	for i, out := range sp.Outputs {
		if out.Kind != types.OutputPayment && out.Kind != types.OutputChange {
			continue
		}
		if payloads[i], err = crypto.EncryptNote(out.Note, out.Recipient); err != nil {
			w.builder.Release(sp)
			return nil, err
		}
	}

	tx := w.newTransaction(kind, req.Asset, req.Amount)
	for i, in := range sp.Inputs {
		if in.IsEmpty() {
			continue
		}
		tx.Inputs = append(tx.Inputs, types.NoteRef{ID: in.Note.ID, Nullifier: types.EncodeField(sp.Nullifiers[i])})
	}
	for _, out := range sp.Outputs {
		switch out.Kind {
		case types.OutputPayment, types.OutputChange:
			tx.Outputs = append(tx.Outputs, types.NoteRef{ID: out.Note.ID(), Kind: out.Kind})
			if out.Note.Owner.Equal(&acct.Owner) {
				tx.PendingNotes = append(tx.PendingNotes, types.NewOwnedNote(out.Note, nil, ""))
			}
		case types.OutputExternal:
			tx.Outputs = append(tx.Outputs, types.NoteRef{Kind: out.Kind})
		}
	}

	// the record and the spent flags land together, before anything is sent
	ids := tx.InputIDs()
	err = w.db.Update(func(b store.Batch) error {
		if err := store.PutJSON(b, store.Transactions, tx.ID, tx); err != nil {
			return err
		}
		return w.notes.MarkSpentIn(b, tx.ID, ids)
	})
	w.builder.Release(sp)
	if err != nil {
		return nil, err
	}
	if err := w.notes.ReserveIDs(tx.ID, ids); err != nil {
		return nil, err
	}

	sub := &chain.Submission{
		Kind:         chain.SubmitTransfer,
		Proof:        proof.Bytes,
		PublicInputs: proof.PublicInputs,
		Payloads:     payloads,
	}
	if sp.IsWithdrawal() {
		sub.Kind = chain.SubmitWithdraw
	}
	return w.submit(ctx, tx, sub)
}

// prove checks in before the prover sees it; a malformed witness is a bug
// here, not something the circuit is left to catch.
func (w *Wallet) prove(ctx context.Context, in prover.Inputs) (*prover.Proof, error) {
	if err := in.Validate(w.cfg.TreeLevels); err != nil {
		return nil, proverErr(err)
	}
	wit, err := w.prover.Execute(ctx, in)
	if err != nil {
		return nil, proverErr(err)
	}
	proof, err := w.prover.GenerateProof(ctx, wit)
	if err != nil {
		return nil, proverErr(err)
	}
	return proof, nil
}

func proverErr(err error) error {
	if errors.Is(err, types.ErrProver) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrProver, err)
}

func (w *Wallet) newTransaction(kind types.TxKind, asset common.Address, amount *uint256.Int) *types.Transaction {
	tx := types.NewTransaction(kind, asset, amount)
	tx.CreatedAt = w.cfg.now()
	tx.Stage = types.StageProved
	return tx
}

// submit sends a recorded transaction. From here on the caller's
// cancellation no longer applies: the outcome is always written to tx.
// Only a rejection settles tx as failed. Any other error leaves it pending
// for the watcher, with the hash when one is known.
func (w *Wallet) submit(ctx context.Context, tx *types.Transaction, sub *chain.Submission) (*types.Transaction, error) {
	hash, err := w.chain.Submit(ctx, sub)
	ctx = context.WithoutCancel(ctx)

	var rejected *types.ChainRejectedError
	if errors.As(err, &rejected) {
		spent := rejected.NullifierSpent() || w.anyNullifierSpent(ctx, tx)
		if serr := w.settleFailed(tx.ID, err.Error(), spent); serr != nil {
			return tx, errors.Join(err, serr)
		}
		if failed, ferr := w.Transaction(tx.ID); ferr == nil {
			tx = failed
		}
		w.log.Warn().Str("tx", tx.ID).Bool("nullifier_spent", spent).Err(err).Msg("submission rejected")
		return tx, err
	}

	if hash != (common.Hash{}) {
		// the watcher may have settled tx already; only add the hash
		perr := w.db.Update(func(b store.Batch) error {
			cur, gerr := store.GetJSON[types.Transaction](b, store.Transactions, tx.ID)
			if gerr != nil {
				return gerr
			}
			cur.ChainTxHash = &hash
			if cur.IsPending() {
				cur.Stage = types.StageSubmitted
				cur.SubmittedAt = w.cfg.now()
			}
			tx = cur
			return store.PutJSON(b, store.Transactions, cur.ID, cur)
		})
		if perr != nil {
			return tx, errors.Join(err, perr)
		}
	}
	if err != nil {
		if !errors.Is(err, types.ErrChainUnknown) {
			err = fmt.Errorf("%w: %w", types.ErrChainUnknown, err)
		}
		w.log.Warn().Str("tx", tx.ID).Err(err).Msg("submission outcome unknown")
		return tx, err
	}
	w.log.Info().Str("tx", tx.ID).Str("kind", string(tx.Kind)).Str("hash", hash.Hex()).Msg("submitted")
	return tx, nil
}
