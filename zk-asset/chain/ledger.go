package chain

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/prover"
	"github.com/kysee/zkbank/zk-asset/tree"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
)

type ledgerTx struct {
	sub     *Submission
	receipt Receipt
}

// Ledger is an in-memory pool contract. Submissions are checked like a gas
// estimate would check them and then wait for Mine, unless AutoMine is set.
type Ledger struct {
	mtx sync.Mutex

	tree       *tree.Tree
	roots      []fr.Element
	nullifiers map[fr.Element]struct{}
	payloads   [][]byte
	pool       map[common.Address]*uint256.Int

	txs     map[common.Hash]*ledgerTx
	mempool []common.Hash
	block   uint64
	nonce   uint64

	verifier Verifier
	autoMine bool
	failNext string

	log zerolog.Logger
}

var _ Client = (*Ledger)(nil)

type LedgerOption func(*Ledger)

// WithVerifier makes the ledger check every proof.
func WithVerifier(v Verifier) LedgerOption {
	return func(l *Ledger) { l.verifier = v }
}

// WithAutoMine includes every accepted submission in its own block at once.
func WithAutoMine() LedgerOption {
	return func(l *Ledger) { l.autoMine = true }
}

func WithLedgerLogger(log zerolog.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log }
}

func NewLedger(levels int, opts ...LedgerOption) (*Ledger, error) {
	tr, err := tree.New(levels, nil)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		tree:       tr,
		roots:      []fr.Element{tr.Root()},
		nullifiers: make(map[fr.Element]struct{}),
		pool:       make(map[common.Address]*uint256.Int),
		txs:        make(map[common.Hash]*ledgerTx),
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With().Str("module", "ledger").Logger()
	return l, nil
}

// FailNextSubmit makes the next Submit fail with reason.
func (l *Ledger) FailNextSubmit(reason string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.failNext = reason
}

// Drop forgets a transaction still in the mempool, as if it was evicted.
func (l *Ledger) Drop(hash common.Hash) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for i, h := range l.mempool {
		if h == hash {
			l.mempool = append(l.mempool[:i], l.mempool[i+1:]...)
			delete(l.txs, hash)
			return
		}
	}
}

func (l *Ledger) CurrentRoot(ctx context.Context) (fr.Element, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.tree.Root(), nil
}

func (l *Ledger) Submit(ctx context.Context, s *Submission) (common.Hash, error) {
	if err := s.validate(); err != nil {
		return common.Hash{}, types.NewChainRejected(err.Error(), err)
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	if reason := l.failNext; reason != "" {
		l.failNext = ""
		return common.Hash{}, types.NewChainRejected(reason, nil)
	}
	if err := l.check(s); err != nil {
		return common.Hash{}, err
	}

	l.nonce++
	hash := crypto.Keccak256Hash(s.Proof, strconv.AppendUint(nil, l.nonce, 10))
	l.txs[hash] = &ledgerTx{sub: s, receipt: Receipt{Hash: hash, Status: ReceiptPending}}
	l.mempool = append(l.mempool, hash)
	l.log.Debug().Stringer("kind", s.Kind).Str("hash", hash.Hex()).Msg("submission accepted")

	if l.autoMine {
		l.mine()
	}
	return hash, nil
}

// Mine executes every queued submission in one block.
func (l *Ledger) Mine() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.mine()
}

func (l *Ledger) mine() {
	if len(l.mempool) == 0 {
		return
	}
	l.block++
	for _, hash := range l.mempool {
		tx := l.txs[hash]
		tx.receipt.Block = l.block
		if err := l.check(tx.sub); err != nil {
			tx.receipt.Status = ReceiptReverted
			tx.receipt.Reason = err.Error()
			l.log.Debug().Str("hash", hash.Hex()).Err(err).Msg("reverted")
			continue
		}
		if err := l.apply(tx.sub); err != nil {
			tx.receipt.Status = ReceiptReverted
			tx.receipt.Reason = err.Error()
			continue
		}
		tx.receipt.Status = ReceiptSuccess
	}
	l.mempool = l.mempool[:0]
}

func (l *Ledger) knownRoot(root fr.Element) bool {
	for i := range l.roots {
		if l.roots[i].Equal(&root) {
			return true
		}
	}
	return false
}

// check mirrors the contract's require statements.
func (l *Ledger) check(s *Submission) error {
	if l.verifier != nil {
		err := l.verifier.Verify(&prover.Proof{
			Circuit:      s.Kind.Circuit(),
			Bytes:        s.Proof,
			PublicInputs: s.PublicInputs,
		})
		if err != nil {
			return types.NewChainRejected("invalid proof", err)
		}
	}

	if s.Kind == SubmitDeposit {
		var asset, amount fr.Element
		asset.SetBytes(s.PublicInputs[1][:])
		amount.SetBytes(s.PublicInputs[2][:])
		wantAsset, wantAmount := utils.FieldFromAddress(s.Asset), utils.FieldFromUint256(s.Amount)
		if !asset.Equal(&wantAsset) || !amount.Equal(&wantAmount) {
			return types.NewChainRejected("deposit does not match its proof", nil)
		}
		return l.checkCapacity(1)
	}

	pub, err := DecodeTransactPublic(s.PublicInputs)
	if err != nil {
		return types.NewChainRejected(err.Error(), err)
	}
	if !l.knownRoot(pub.Root) {
		return types.NewChainRejected("unknown merkle root", nil)
	}
	seen := make(map[fr.Element]struct{})
	for i := range pub.Nullifiers {
		nf := pub.Nullifiers[i]
		if nf.IsZero() {
			continue
		}
		if _, ok := l.nullifiers[nf]; ok {
			return types.NewChainRejected("nullifier already spent", types.ErrNullifierSpent)
		}
		if _, ok := seen[nf]; ok {
			return types.NewChainRejected("duplicate nullifier", nil)
		}
		seen[nf] = struct{}{}
	}

	exits := false
	for i := range pub.ExitAmounts {
		if pub.ExitAmounts[i].IsZero() {
			continue
		}
		exits = true
		have := l.pool[pub.ExitAssets[i]]
		if have == nil || have.Lt(pub.ExitAmounts[i]) {
			return types.NewChainRejected("pool balance too low", nil)
		}
	}
	if exits != (s.Kind == SubmitWithdraw) {
		return types.NewChainRejected(fmt.Sprintf("%v with exit outputs=%v", s.Kind, exits), nil)
	}

	n := 0
	for i := range pub.OutputHashes {
		if !pub.OutputHashes[i].IsZero() {
			n++
		}
	}
	return l.checkCapacity(n)
}

func (l *Ledger) checkCapacity(n int) error {
	if l.tree.NextIndex()+uint64(n) > l.tree.Capacity() {
		return types.NewChainRejected("merkle tree is full", nil)
	}
	return nil
}

func (l *Ledger) insert(leaf fr.Element) error {
	if err := l.tree.Append(l.tree.NextIndex(), leaf); err != nil {
		return err
	}
	l.roots = append(l.roots, l.tree.Root())
	if len(l.roots) > RootHistorySize {
		l.roots = l.roots[len(l.roots)-RootHistorySize:]
	}
	return nil
}

func (l *Ledger) emit(payloads [][]byte) {
	for _, p := range payloads {
		if len(p) > 0 {
			l.payloads = append(l.payloads, append([]byte(nil), p...))
		}
	}
}

func (l *Ledger) apply(s *Submission) error {
	if s.Kind == SubmitDeposit {
		var cm fr.Element
		cm.SetBytes(s.PublicInputs[0][:])
		if err := l.insert(cm); err != nil {
			return err
		}
		bal := l.pool[s.Asset]
		if bal == nil {
			bal = new(uint256.Int)
			l.pool[s.Asset] = bal
		}
		bal.Add(bal, s.Amount)
		l.emit(s.Payloads)
		return nil
	}

	pub, err := DecodeTransactPublic(s.PublicInputs)
	if err != nil {
		return err
	}
	for i := range pub.Nullifiers {
		if !pub.Nullifiers[i].IsZero() {
			l.nullifiers[pub.Nullifiers[i]] = struct{}{}
		}
	}
	for i := range pub.OutputHashes {
		if pub.OutputHashes[i].IsZero() {
			continue
		}
		if err := l.insert(pub.OutputHashes[i]); err != nil {
			return err
		}
	}
	for i := range pub.ExitAmounts {
		if !pub.ExitAmounts[i].IsZero() {
			l.pool[pub.ExitAssets[i]].Sub(l.pool[pub.ExitAssets[i]], pub.ExitAmounts[i])
		}
	}
	l.emit(s.Payloads)
	return nil
}

func (l *Ledger) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	tx, ok := l.txs[hash]
	if !ok {
		return &Receipt{Hash: hash, Status: ReceiptPending}, nil
	}
	r := tx.receipt
	return &r, nil
}

func (l *Ledger) Leaves(ctx context.Context, from uint64, limit int) ([]types.TreeLeaf, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	var out []types.TreeLeaf
	for i := from; i < l.tree.NextIndex() && (limit <= 0 || len(out) < limit); i++ {
		v, ok := l.tree.Leaf(i)
		if !ok {
			break
		}
		out = append(out, types.TreeLeaf{Index: i, Value: v})
	}
	return out, nil
}

func (l *Ledger) Payloads(ctx context.Context, cursor uint64, limit int) ([]types.EncryptedPayload, uint64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	var out []types.EncryptedPayload
	next := cursor
	for ; next < uint64(len(l.payloads)) && (limit <= 0 || len(out) < limit); next++ {
		out = append(out, types.EncryptedPayload{
			ID:         strconv.FormatUint(next, 10),
			Ciphertext: append([]byte(nil), l.payloads[next]...),
		})
	}
	return out, next, nil
}

func (l *Ledger) NullifierSpent(ctx context.Context, nf fr.Element) (bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	_, ok := l.nullifiers[nf]
	return ok, nil
}

// PoolBalance is the amount of asset held by the pool.
func (l *Ledger) PoolBalance(asset common.Address) *uint256.Int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if b := l.pool[asset]; b != nil {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}
