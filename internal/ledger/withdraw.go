package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/models"
)

// Withdrawal settlement outcomes.
const (
	OutcomeSettled = "settled"
	OutcomeFailed  = "failed"
)

// WithdrawArgs start a two-phase withdrawal to an external destination.
type WithdrawArgs struct {
	WalletID       string
	Amount         decimal.Decimal
	DestinationRef string
	IdempotencyKey string
	PIN            string
	Metadata       models.JSONB
}

// Withdraw reserves the amount with an internal hold and writes a
// WITHDRAWAL entry in PENDING. Available is untouched until settlement;
// only the spendable headroom shrinks. The destination reference is
// encrypted at rest when an encryptor is configured.
func (e *Engine) Withdraw(ctx context.Context, args WithdrawArgs) (*Result, error) {
	hash := requestHash("withdraw", args.WalletID, args.Amount.String(), args.DestinationRef)

	var res *Result
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, args.WalletID)
		if err != nil {
			return err
		}
		if replay, err := findReplay(ctx, tx, w.ID, args.IdempotencyKey, hash); replay != nil || err != nil {
			res = replay
			return err
		}
		if err := debitAllowed(w, args.PIN); err != nil {
			return err
		}
		if !args.Amount.IsPositive() || !currency.HasValidPrecision(args.Amount, w.Currency) {
			return ErrInvalidAmount
		}
		if err := checkHeadroom(w, args.Amount); err != nil {
			return err
		}
		if err := e.checkLimits(ctx, tx, w, args.Amount); err != nil {
			return err
		}

		dest := args.DestinationRef
		if e.destEnc != nil {
			if dest, err = e.destEnc.Encrypt(dest); err != nil {
				return fmt.Errorf("encrypt destination: %w", err)
			}
		}
		now := e.now().UTC()
		txnID := uuid.New().String()
		h := &models.Hold{
			ID:             uuid.New().String(),
			WalletID:       w.ID,
			Amount:         args.Amount,
			CapturedAmount: decimal.Zero,
			Reason:         "withdrawal",
			ReferenceType:  "withdrawal",
			ReferenceID:    txnID,
			Status:         models.HoldActive,
			IdempotencyKey: args.IdempotencyKey + ":hold",
			CreatedAt:      now,
		}
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
		meta := models.JSONB{}
		for k, v := range args.Metadata {
			meta[k] = v
		}
		meta["destination_ref"] = dest
		meta["hold_id"] = h.ID
		txn := &models.Transaction{
			ID:             txnID,
			WalletID:       w.ID,
			Type:           models.TxnWithdrawal,
			Amount:         args.Amount,
			Currency:       w.Currency,
			BalanceAfter:   w.Available,
			Status:         models.TxnPending,
			ReferenceType:  "payout",
			IdempotencyKey: args.IdempotencyKey,
			RequestHash:    hash,
			Metadata:       meta,
			CreatedAt:      now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		w.Held = w.Held.Add(args.Amount)
		if err := tx.UpdateWalletBalances(ctx, w); err != nil {
			return err
		}
		res = &Result{Transaction: txn}
		return nil
	})
	if err != nil {
		return e.replayAfterConflict(ctx, args.WalletID, args.IdempotencyKey, hash, err)
	}
	return res, nil
}

// SettleWithdrawal finishes a PENDING withdrawal. settled captures the
// internal hold and debits available; failed releases the hold with no
// balance effect. Settling an already-settled withdrawal is idempotent
// when the outcome agrees and ErrAlreadySettled when it does not.
func (e *Engine) SettleWithdrawal(ctx context.Context, transactionID, outcome, reason string) (*Result, error) {
	if outcome != OutcomeSettled && outcome != OutcomeFailed {
		return nil, fmt.Errorf("unknown withdrawal outcome %q", outcome)
	}
	seed, err := e.store.Transaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if seed.Type != models.TxnWithdrawal {
		return nil, ErrNotWithdrawal
	}

	var res *Result
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, seed.WalletID)
		if err != nil {
			return err
		}
		txn, err := tx.Transaction(ctx, transactionID)
		if err != nil {
			return err
		}
		switch txn.Status {
		case models.TxnCompleted:
			if outcome == OutcomeSettled {
				res = &Result{Transaction: txn, Replayed: true}
				return nil
			}
			return ErrAlreadySettled
		case models.TxnFailed:
			if outcome == OutcomeFailed {
				res = &Result{Transaction: txn, Replayed: true}
				return nil
			}
			return ErrAlreadySettled
		case models.TxnPending:
		default:
			return ErrAlreadySettled
		}

		h, err := tx.HoldByKey(ctx, w.ID, txn.IdempotencyKey+":hold")
		if err != nil {
			return err
		}
		now := e.now().UTC()
		if outcome == OutcomeSettled {
			txn.Status = models.TxnCompleted
			txn.BalanceAfter = w.Available.Sub(txn.Amount)
			txn.CompletedAt = &now
			h.Status = models.HoldCaptured
			h.CapturedAmount = h.Amount
			w.Available = txn.BalanceAfter
		} else {
			txn.Status = models.TxnFailed
			if txn.Metadata == nil {
				txn.Metadata = models.JSONB{}
			}
			txn.Metadata["failure_reason"] = reason
			h.Status = models.HoldReleased
		}
		h.SettledAt = &now
		if err := tx.UpdateTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}
		w.Held = w.Held.Sub(h.Amount)
		if err := tx.UpdateWalletBalances(ctx, w); err != nil {
			return err
		}
		res = &Result{Transaction: txn}
		return nil
	})
	return res, err
}

// TimeoutWithdrawals fails withdrawals that stayed PENDING longer than
// maxAge. Returns the failed entries for event emission.
func (e *Engine) TimeoutWithdrawals(ctx context.Context, maxAge time.Duration, limit int) ([]Result, error) {
	stale, err := e.store.StaleWithdrawals(ctx, e.now().UTC().Add(-maxAge), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(stale))
	for i := range stale {
		res, err := e.SettleWithdrawal(ctx, stale[i].ID, OutcomeFailed, "withdrawal timed out")
		if err != nil {
			e.log.WithError(err).WithField("transaction_id", stale[i].ID).Warn("Failed to time out withdrawal")
			continue
		}
		if !res.Replayed {
			out = append(out, *res)
		}
	}
	return out, nil
}
