package notes

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/zk-asset/store"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
)

// PickFunc chooses inputs among the available notes of an asset.
type PickFunc func(available []*types.OwnedNote) ([]*types.OwnedNote, error)

// Store is the set of notes owned by the local identity.
//
// Besides the persisted is_used flag it keeps an in-memory reservation per
// note, so that a note chosen by one in-flight spend cannot be chosen by another
// until the reservation token is released.
type Store struct {
	mtx      sync.Mutex
	kv       store.KV
	reserved map[string]string // note id -> reservation token
	log      zerolog.Logger
}

func New(kv store.KV, log zerolog.Logger) *Store {
	return &Store{
		kv:       kv,
		reserved: make(map[string]string),
		log:      log.With().Str("module", "notes").Logger(),
	}
}

// Add stores n. Adding a note that is already known keeps its spent flag and
// only fills in a missing leaf index or payload reference.
func (s *Store) Add(n *types.OwnedNote) error {
	return s.kv.Update(func(b store.Batch) error {
		return s.AddIn(b, n)
	})
}

func (s *Store) AddIn(b store.Batch, n *types.OwnedNote) error {
	if n.ID != n.Note.ID() {
		return fmt.Errorf("note id %s does not match its commitment", n.ID)
	}
	cur, err := store.GetJSON[types.OwnedNote](b, store.Notes, n.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.log.Debug().Str("note", n.ID).Str("amount", n.Note.Amount.Dec()).Msg("add note")
		return store.PutJSON(b, store.Notes, n.ID, n)
	case err != nil:
		return err
	}
	changed := false
	if cur.LeafIndex == nil && n.LeafIndex != nil {
		idx := *n.LeafIndex
		cur.LeafIndex = &idx
		changed = true
	}
	if cur.PayloadID == "" && n.PayloadID != "" {
		cur.PayloadID = n.PayloadID
		changed = true
	}
	if !changed {
		return nil
	}
	return store.PutJSON(b, store.Notes, cur.ID, cur)
}

func (s *Store) Get(id string) (*types.OwnedNote, error) {
	n, err := store.GetJSON[types.OwnedNote](s.kv, store.Notes, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrNoteNotFound, id)
	}
	return n, err
}

// All returns every note in store order, spent ones included.
func (s *Store) All() ([]*types.OwnedNote, error) {
	return store.Filter[types.OwnedNote](s.kv, store.Notes, nil)
}

// UnspentFor returns the unspent notes of asset in store order.
func (s *Store) UnspentFor(asset common.Address) ([]*types.OwnedNote, error) {
	return store.Filter(s.kv, store.Notes, func(n *types.OwnedNote) bool {
		return !n.IsUsed && n.Note.AssetID == asset
	})
}

// TotalUnspent sums UnspentFor(asset). Reserved notes are still counted.
func (s *Store) TotalUnspent(asset common.Address) (*uint256.Int, error) {
	ns, err := s.UnspentFor(asset)
	if err != nil {
		return nil, err
	}
	total := new(uint256.Int)
	for _, n := range ns {
		total.Add(total, n.Note.Amount)
	}
	return total, nil
}

// Available returns the unspent, unreserved notes of asset.
func (s *Store) Available(asset common.Address) ([]*types.OwnedNote, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.available(asset)
}

func (s *Store) available(asset common.Address) ([]*types.OwnedNote, error) {
	ns, err := s.UnspentFor(asset)
	if err != nil {
		return nil, err
	}
	out := ns[:0]
	for _, n := range ns {
		if _, ok := s.reserved[n.ID]; !ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Reserve runs pick over the available notes of asset and reserves its choice
// under token. Selection and reservation happen under one lock, so concurrent
// callers never get the same note. Nothing is reserved when pick fails.
func (s *Store) Reserve(token string, asset common.Address, pick PickFunc) ([]*types.OwnedNote, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	avail, err := s.available(asset)
	if err != nil {
		return nil, err
	}
	chosen, err := pick(avail)
	if err != nil {
		return nil, err
	}
	for _, n := range chosen {
		if holder, ok := s.reserved[n.ID]; ok && holder != token {
			return nil, fmt.Errorf("%w: %s", types.ErrNoteReserved, n.ID)
		}
	}
	for _, n := range chosen {
		s.reserved[n.ID] = token
	}
	s.log.Debug().Str("token", token).Int("notes", len(chosen)).Msg("reserve notes")
	return chosen, nil
}

// ReserveIDs reserves known notes by id, e.g. the inputs of a pending
// transaction found after a restart.
func (s *Store) ReserveIDs(token string, ids []string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, id := range ids {
		if holder, ok := s.reserved[id]; ok && holder != token {
			return fmt.Errorf("%w: %s", types.ErrNoteReserved, id)
		}
	}
	for _, id := range ids {
		s.reserved[id] = token
	}
	return nil
}

// Release drops every reservation held by token.
func (s *Store) Release(token string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := 0
	for id, holder := range s.reserved {
		if holder == token {
			delete(s.reserved, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debug().Str("token", token).Int("notes", n).Msg("release notes")
	}
}

func (s *Store) IsReserved(id string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.reserved[id]
	return ok
}

func (s *Store) ReservedCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.reserved)
}

// MarkSpent flips is_used of ids. The spending transaction txID must already be
// recorded in store.Transactions, otherwise ErrUnrecordedSpend is returned and
// nothing changes.
func (s *Store) MarkSpent(txID string, ids []string) error {
	return s.kv.Update(func(b store.Batch) error {
		return s.MarkSpentIn(b, txID, ids)
	})
}

// MarkSpentIn is MarkSpent inside the caller's batch; the transaction record
// may be written earlier in the same batch.
func (s *Store) MarkSpentIn(b store.Batch, txID string, ids []string) error {
	if _, err := b.Get(store.Transactions, txID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", types.ErrUnrecordedSpend, txID)
		}
		return err
	}
	return s.setUsed(b, ids, true)
}

// MarkChainSpentIn flips is_used of notes whose nullifier is already
// consumed on chain, by this or another client.
func (s *Store) MarkChainSpentIn(b store.Batch, ids []string) error {
	return s.setUsed(b, ids, true)
}

// UnspendIn makes ids selectable again after their spend failed.
func (s *Store) UnspendIn(b store.Batch, ids []string) error {
	return s.setUsed(b, ids, false)
}

func (s *Store) setUsed(b store.Batch, ids []string, used bool) error {
	for _, id := range ids {
		n, err := store.GetJSON[types.OwnedNote](b, store.Notes, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", types.ErrNoteNotFound, id)
		} else if err != nil {
			return err
		}
		if n.IsUsed == used {
			continue
		}
		n.IsUsed = used
		if err := store.PutJSON(b, store.Notes, id, n); err != nil {
			return err
		}
	}
	return nil
}

// SetLeafIndex records where the note sits in the commitment tree.
func (s *Store) SetLeafIndex(id string, index uint64) error {
	return s.kv.Update(func(b store.Batch) error {
		n, err := store.GetJSON[types.OwnedNote](b, store.Notes, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", types.ErrNoteNotFound, id)
		} else if err != nil {
			return err
		}
		n.LeafIndex = &index
		return store.PutJSON(b, store.Notes, id, n)
	})
}

// Reset forgets every note and reservation.
func (s *Store) Reset() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.reserved = make(map[string]string)
	return s.kv.Clear(store.Notes)
}
