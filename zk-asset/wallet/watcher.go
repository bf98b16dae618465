package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kysee/zkbank/zk-asset/chain"
	"github.com/kysee/zkbank/zk-asset/store"
	"github.com/kysee/zkbank/zk-asset/types"
)

// CheckPending settles every pending transaction the chain has decided.
// Calling it again for an already settled transaction changes nothing.
func (w *Wallet) CheckPending(ctx context.Context) error {
	if err := w.syncLeaves(ctx); err != nil {
		return fmt.Errorf("sync leaves: %w", err)
	}
	pending, err := store.Filter(w.db, store.Transactions, func(tx *types.Transaction) bool {
		return tx.IsPending()
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.check(ctx, tx); err != nil {
			errs = append(errs, fmt.Errorf("tx %s: %w", tx.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Wallet) check(ctx context.Context, tx *types.Transaction) error {
	now := w.cfg.now()

	if tx.ChainTxHash == nil {
		// never reached the chain as far as we know
		if w.anyNullifierSpent(ctx, tx) || w.depositLanded(tx) {
			return w.settleConfirmed(tx.ID)
		}
		if now.Sub(tx.CreatedAt) > w.cfg.ConfirmTimeout {
			return w.settleFailed(tx.ID, "not observed on chain", false)
		}
		return nil
	}

	rcpt, err := w.chain.Receipt(ctx, *tx.ChainTxHash)
	if err != nil {
		return err
	}
	switch rcpt.Status {
	case chain.ReceiptSuccess:
		return w.settleConfirmed(tx.ID)
	case chain.ReceiptReverted:
		reason := rcpt.Reason
		if reason == "" {
			reason = "reverted"
		}
		return w.settleFailed(tx.ID, reason, w.anyNullifierSpent(ctx, tx))
	}

	if now.Sub(submittedAt(tx)) <= w.cfg.ConfirmTimeout {
		return nil
	}
	if w.anyNullifierSpent(ctx, tx) {
		return w.settleConfirmed(tx.ID)
	}
	return w.settleFailed(tx.ID, "confirmation timeout", false)
}

func submittedAt(tx *types.Transaction) time.Time {
	if tx.SubmittedAt.IsZero() {
		return tx.CreatedAt
	}
	return tx.SubmittedAt
}

// depositLanded reports whether every note a deposit creates is in the tree.
func (w *Wallet) depositLanded(tx *types.Transaction) bool {
	if tx.Kind != types.TxDeposit || len(tx.PendingNotes) == 0 {
		return false
	}
	for _, n := range tx.PendingNotes {
		if _, ok := w.tree.IndexOf(n.Note.Commitment()); !ok {
			return false
		}
	}
	return true
}

// anyNullifierSpent asks the chain about the inputs of tx. Lookup errors
// count as not spent.
func (w *Wallet) anyNullifierSpent(ctx context.Context, tx *types.Transaction) bool {
	for _, in := range tx.Inputs {
		if in.Nullifier == "" {
			continue
		}
		nf, err := types.DecodeField(in.Nullifier)
		if err != nil {
			w.log.Error().Err(err).Str("tx", tx.ID).Msg("bad nullifier in record")
			continue
		}
		spent, err := w.chain.NullifierSpent(ctx, nf)
		if err != nil {
			w.log.Warn().Err(err).Str("tx", tx.ID).Msg("nullifier lookup")
			continue
		}
		if spent {
			return true
		}
	}
	return false
}

// settleConfirmed marks txID confirmed, keeps its inputs spent and adds the
// outputs it owns.
func (w *Wallet) settleConfirmed(txID string) error {
	settled := false
	err := w.db.Update(func(b store.Batch) error {
		tx, err := store.GetJSON[types.Transaction](b, store.Transactions, txID)
		if err != nil {
			return err
		}
		if !tx.IsPending() {
			return nil
		}
		tx.Confirm(w.cfg.now())
		if err := w.notes.MarkSpentIn(b, tx.ID, tx.InputIDs()); err != nil {
			return err
		}
		for _, n := range tx.PendingNotes {
			if n.LeafIndex == nil {
				if idx, ok := w.tree.IndexOf(n.Note.Commitment()); ok {
					n.LeafIndex = &idx
				}
			}
			if err := w.notes.AddIn(b, n); err != nil {
				return err
			}
		}
		settled = true
		return store.PutJSON(b, store.Transactions, tx.ID, tx)
	})
	if err != nil {
		return err
	}
	w.notes.Release(txID)
	if settled {
		w.log.Info().Str("tx", txID).Msg("confirmed")
	}
	return nil
}

// settleFailed marks txID failed. Its inputs become spendable again unless
// their nullifiers are already used on chain.
func (w *Wallet) settleFailed(txID, reason string, spent bool) error {
	settled := false
	err := w.db.Update(func(b store.Batch) error {
		tx, err := store.GetJSON[types.Transaction](b, store.Transactions, txID)
		if err != nil {
			return err
		}
		if !tx.IsPending() {
			return nil
		}
		tx.Fail(w.cfg.now(), reason)
		if !spent {
			if err := w.notes.UnspendIn(b, tx.InputIDs()); err != nil {
				return err
			}
		}
		settled = true
		return store.PutJSON(b, store.Transactions, tx.ID, tx)
	})
	if err != nil {
		return err
	}
	w.notes.Release(txID)
	if settled {
		w.log.Warn().Str("tx", txID).Str("reason", reason).Bool("nullifier_spent", spent).Msg("failed")
	}
	return nil
}

// Start runs CheckPending now and then every PollInterval until Stop.
func (w *Wallet) Start(ctx context.Context) {
	w.watchMtx.Lock()
	defer w.watchMtx.Unlock()
	if w.watchCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.watchCancel, w.watchDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := w.CheckPending(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("check pending")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the loop started by Start and waits for it.
func (w *Wallet) Stop() {
	w.watchMtx.Lock()
	cancel, done := w.watchCancel, w.watchDone
	w.watchCancel, w.watchDone = nil, nil
	w.watchMtx.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
