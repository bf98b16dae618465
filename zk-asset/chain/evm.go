package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
)

const poolABI = `[
 {"type":"function","name":"getLastRoot","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"nullifierUsed","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[
  {"name":"token","type":"address"},{"name":"amount","type":"uint64"},{"name":"proof","type":"bytes"},
  {"name":"publicInputs","type":"bytes32[]"},{"name":"payload","type":"bytes[]"}],"outputs":[]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
  {"name":"proof","type":"bytes"},{"name":"publicInputs","type":"bytes32[]"},{"name":"payload","type":"bytes[]"}],"outputs":[]},
 {"type":"function","name":"transferExternal","stateMutability":"nonpayable","inputs":[
  {"name":"proof","type":"bytes"},{"name":"publicInputs","type":"bytes32[]"},{"name":"payload","type":"bytes[]"}],"outputs":[]},
 {"type":"event","name":"LeafInserted","anonymous":false,"inputs":[
  {"name":"leafIndex","type":"uint256","indexed":true},{"name":"leafValue","type":"bytes32","indexed":false}]},
 {"type":"event","name":"NotePayload","anonymous":false,"inputs":[{"name":"encryptedNote","type":"bytes","indexed":false}]},
 {"type":"event","name":"NullifierUsed","anonymous":false,"inputs":[{"name":"nullifier","type":"bytes32","indexed":false}]}
]`

const erc20ABI = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
  {"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	poolABIParsed  = mustABI(poolABI)
	erc20ABIParsed = mustABI(erc20ABI)
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// Backend is the subset of *ethclient.Client the adapter needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	ChainID(ctx context.Context) (*big.Int, error)
}

// Approver is implemented by clients that must approve token transfers
// before a deposit can pull them.
type Approver interface {
	Approve(ctx context.Context, asset common.Address, amount *uint256.Int) (common.Hash, error)
}

type EVMConfig struct {
	Pool common.Address
	// FromBlock bounds the log scans to blocks after the pool deployment.
	FromBlock uint64
	Log       zerolog.Logger
}

// Signer signs pool transactions. SignTx is called once per transaction, so
// an implementation can derive its key, sign and drop it.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
}

// KeySigner signs with a fixed key. It is meant for a relayer or fee payer
// account, never for keys derived from the vault secret.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (k *KeySigner) Address() common.Address {
	return k.addr
}

func (k *KeySigner) SignTx(_ context.Context, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), k.key)
}

// EVM talks to a deployed pool contract. It holds no key; every transaction
// goes through the Signer.
type EVM struct {
	backend Backend
	pool    common.Address
	from    uint64
	signer  Signer
	sender  common.Address
	log     zerolog.Logger

	// where the next page of each scan starts, so paging does not rescan
	// from the deployment block
	hintMtx     sync.Mutex
	leafHint    scanHint
	payloadHint scanHint
}

// scanHint says that cursor is reached by scanning from block, where the first
// log at or after block has ordinal base.
type scanHint struct {
	cursor uint64
	block  uint64
	base   uint64
}

var (
	_ Client   = (*EVM)(nil)
	_ Approver = (*EVM)(nil)
)

func NewEVM(backend Backend, signer Signer, cfg EVMConfig) *EVM {
	return &EVM{
		backend: backend,
		pool:    cfg.Pool,
		from:    cfg.FromBlock,
		signer:  signer,
		sender:  signer.Address(),
		log:     cfg.Log.With().Str("module", "evm").Str("pool", cfg.Pool.Hex()).Logger(),
	}
}

func (e *EVM) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := poolABIParsed.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &e.pool, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return poolABIParsed.Unpack(method, out)
}

func (e *EVM) CurrentRoot(ctx context.Context) (fr.Element, error) {
	out, err := e.call(ctx, "getLastRoot")
	if err != nil {
		return fr.Element{}, err
	}
	root, ok := out[0].([32]byte)
	if !ok {
		return fr.Element{}, fmt.Errorf("getLastRoot returned %T", out[0])
	}
	return utils.FieldFromHash(root), nil
}

func (e *EVM) NullifierSpent(ctx context.Context, nf fr.Element) (bool, error) {
	out, err := e.call(ctx, "nullifierUsed", [32]byte(utils.FieldToHash(nf)))
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("nullifierUsed returned %T", out[0])
	}
	return used, nil
}

func (e *EVM) pack(s *Submission) ([]byte, error) {
	payloads := s.Payloads
	if payloads == nil {
		payloads = [][]byte{}
	}
	if s.Kind == SubmitDeposit {
		if !s.Amount.IsUint64() {
			return nil, fmt.Errorf("%w: deposit amount exceeds uint64", ErrMalformedSubmission)
		}
		return poolABIParsed.Pack("deposit", s.Asset, s.Amount.Uint64(), s.Proof, s.PublicInputs, payloads)
	}
	return poolABIParsed.Pack(s.Kind.String(), s.Proof, s.PublicInputs, payloads)
}

func (e *EVM) Submit(ctx context.Context, s *Submission) (common.Hash, error) {
	if err := s.validate(); err != nil {
		return common.Hash{}, types.NewChainRejected(err.Error(), err)
	}
	data, err := e.pack(s)
	if err != nil {
		return common.Hash{}, types.NewChainRejected(err.Error(), err)
	}
	return e.send(ctx, e.pool, data)
}

func (e *EVM) Approve(ctx context.Context, asset common.Address, amount *uint256.Int) (common.Hash, error) {
	data, err := erc20ABIParsed.Pack("approve", e.pool, amount.ToBig())
	if err != nil {
		return common.Hash{}, err
	}
	return e.send(ctx, asset, data)
}

// send estimates, signs and broadcasts a call. A revert during estimation is
// a *types.ChainRejectedError; a failed broadcast of a signed transaction
// returns its hash with types.ErrChainUnknown.
func (e *EVM) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: e.sender, To: &to, Data: data})
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return common.Hash{}, types.NewChainRejected(reason, err)
		}
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	nonce, err := e.backend.PendingNonceAt(ctx, e.sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	price, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	chainID, err := e.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id: %w", err)
	}

	tx, err := e.signer.SignTx(ctx, ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: price,
		Data:     data,
	}), chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, tx); err != nil {
		return tx.Hash(), fmt.Errorf("%w: send %s: %w", types.ErrChainUnknown, tx.Hash().Hex(), err)
	}
	e.log.Debug().Str("hash", tx.Hash().Hex()).Uint64("gas", gas).Msg("sent")
	return tx.Hash(), nil
}

type dataError interface {
	ErrorData() interface{}
}

// revertReason reports whether err is an execution revert and decodes its
// Error(string) data when the node returns it.
func revertReason(err error) (string, bool) {
	var de dataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(raw); uerr == nil {
					return reason, true
				}
			}
		}
		return err.Error(), true
	}
	if strings.Contains(err.Error(), "revert") {
		return err.Error(), true
	}
	return "", false
}

func (e *EVM) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := e.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &Receipt{Hash: hash, Status: ReceiptPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	out := &Receipt{Hash: hash, Status: ReceiptSuccess}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	if r.Status != ethtypes.ReceiptStatusSuccessful {
		out.Status = ReceiptReverted
		out.Reason = "execution reverted"
	}
	return out, nil
}

func (e *EVM) logs(ctx context.Context, event string, fromBlock uint64) ([]ethtypes.Log, error) {
	logs, err := e.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{e.pool},
		Topics:    [][]common.Hash{{poolABIParsed.Events[event].ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", event, err)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	return logs, nil
}

// start returns the scan start for cursor, the deployment block unless a
// previous page left a hint for exactly that cursor.
func (e *EVM) start(h *scanHint, cursor uint64) scanHint {
	e.hintMtx.Lock()
	defer e.hintMtx.Unlock()
	if h.cursor == cursor && h.block >= e.from {
		return *h
	}
	return scanHint{cursor: cursor, block: e.from}
}

func (e *EVM) remember(h *scanHint, next scanHint) {
	e.hintMtx.Lock()
	defer e.hintMtx.Unlock()
	*h = next
}

func (e *EVM) Leaves(ctx context.Context, from uint64, limit int) ([]types.TreeLeaf, error) {
	st := e.start(&e.leafHint, from)
	logs, err := e.logs(ctx, "LeafInserted", st.block)
	if err != nil {
		return nil, err
	}
	var (
		out  []types.TreeLeaf
		last uint64
	)
	for _, lg := range logs {
		if len(lg.Topics) < 2 || len(lg.Data) < 32 {
			continue
		}
		idx := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if !idx.IsUint64() || idx.Uint64() < from {
			continue
		}
		out = append(out, types.TreeLeaf{Index: idx.Uint64(), Value: utils.FieldFromHash(common.BytesToHash(lg.Data[:32]))})
		last = lg.BlockNumber
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(out) > 0 {
		e.remember(&e.leafHint, scanHint{cursor: out[len(out)-1].Index + 1, block: last})
	}
	return out, nil
}

// Payloads numbers NotePayload events in log order from the deployment block;
// the cursor is that ordinal and the payload id is "<tx hash>:<log index>".
func (e *EVM) Payloads(ctx context.Context, cursor uint64, limit int) ([]types.EncryptedPayload, uint64, error) {
	st := e.start(&e.payloadHint, cursor)
	logs, err := e.logs(ctx, "NotePayload", st.block)
	if err != nil {
		return nil, cursor, err
	}
	if cursor < st.base {
		return nil, cursor, fmt.Errorf("payload cursor %d before scan base %d", cursor, st.base)
	}

	var out []types.EncryptedPayload
	pos := cursor - st.base
	for ; pos < uint64(len(logs)) && (limit <= 0 || len(out) < limit); pos++ {
		lg := logs[pos]
		vals, err := poolABIParsed.Unpack("NotePayload", lg.Data)
		if err != nil {
			return nil, cursor, fmt.Errorf("decode payload %s: %w", lg.TxHash.Hex(), err)
		}
		ct, _ := vals[0].([]byte)
		out = append(out, types.EncryptedPayload{
			ID:         lg.TxHash.Hex() + ":" + strconv.FormatUint(uint64(lg.Index), 10),
			Ciphertext: ct,
		})
	}
	next := st.base + pos

	if len(out) > 0 {
		// restart the next page at the block of the last payload returned
		block := logs[pos-1].BlockNumber
		first := pos - 1
		for first > 0 && logs[first-1].BlockNumber == block {
			first--
		}
		e.remember(&e.payloadHint, scanHint{cursor: next, block: block, base: st.base + first})
	}
	return out, next, nil
}
