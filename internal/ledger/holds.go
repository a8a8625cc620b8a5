package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/models"
)

// HoldArgs reserve part of a wallet's spendable balance.
type HoldArgs struct {
	WalletID       string
	Amount         decimal.Decimal
	Reason         string
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	PIN            string
	ExpiresAt      *time.Time
}

// HoldResult pairs the hold with its zero-effect HOLD audit entry.
type HoldResult struct {
	Hold        *models.Hold
	Transaction *models.Transaction
	Replayed    bool
}

// CaptureArgs convert a hold (or part of it) into a debit. A zero Amount
// captures the full hold.
type CaptureArgs struct {
	HoldID         string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// CaptureResult pairs the settled hold with the moving DEBIT entry.
type CaptureResult struct {
	Hold        *models.Hold
	Transaction *models.Transaction
	Replayed    bool
}

// Hold reserves amount against the wallet's spendable balance. Available is
// untouched; the reservation narrows headroom for further debits and holds.
// The HOLD ledger entry is audit-only with balance_after unchanged.
func (e *Engine) Hold(ctx context.Context, args HoldArgs) (*HoldResult, error) {
	hash := requestHash("hold", args.WalletID, args.Amount.String(), args.Reason, args.ReferenceType, args.ReferenceID)

	var res *HoldResult
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, args.WalletID)
		if err != nil {
			return err
		}
		replay, err := findReplay(ctx, tx, w.ID, args.IdempotencyKey, hash)
		if err != nil {
			return err
		}
		if replay != nil {
			h, err := tx.HoldByKey(ctx, w.ID, args.IdempotencyKey)
			if err != nil {
				return err
			}
			res = &HoldResult{Hold: h, Transaction: replay.Transaction, Replayed: true}
			return nil
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
		now := e.now().UTC()
		h := &models.Hold{
			ID:             uuid.New().String(),
			WalletID:       w.ID,
			Amount:         args.Amount,
			CapturedAmount: decimal.Zero,
			Reason:         args.Reason,
			ReferenceType:  args.ReferenceType,
			ReferenceID:    args.ReferenceID,
			Status:         models.HoldActive,
			IdempotencyKey: args.IdempotencyKey,
			ExpiresAt:      args.ExpiresAt,
			CreatedAt:      now,
		}
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
		audit := e.auditEntry(w, models.TxnHold, args.Amount, "hold", h.ID, args.IdempotencyKey, hash)
		if err := tx.InsertTransaction(ctx, audit); err != nil {
			return err
		}
		w.Held = w.Held.Add(args.Amount)
		if err := tx.UpdateWalletBalances(ctx, w); err != nil {
			return err
		}
		res = &HoldResult{Hold: h, Transaction: audit}
		return nil
	})
	if err != nil {
		return e.holdReplayAfterConflict(ctx, args.WalletID, args.IdempotencyKey, hash, err)
	}
	return res, nil
}

// CaptureHold converts up to the held amount into a DEBIT. The full hold is
// settled either way: the captured part moves out of available, the
// remainder is restored to headroom with a RELEASE audit entry.
func (e *Engine) CaptureHold(ctx context.Context, args CaptureArgs) (*CaptureResult, error) {
	seed, err := e.store.Hold(ctx, args.HoldID)
	if err != nil {
		return nil, err
	}
	hash := requestHash("capture", args.HoldID, args.Amount.String())

	var res *CaptureResult
	var expired bool
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, seed.WalletID)
		if err != nil {
			return err
		}
		replay, err := findReplay(ctx, tx, w.ID, args.IdempotencyKey, hash)
		if err != nil {
			return err
		}
		if replay != nil {
			h, err := tx.Hold(ctx, args.HoldID)
			if err != nil {
				return err
			}
			res = &CaptureResult{Hold: h, Transaction: replay.Transaction, Replayed: true}
			return nil
		}
		h, err := tx.Hold(ctx, args.HoldID)
		if err != nil {
			return err
		}
		if h.Status != models.HoldActive {
			return ErrHoldNotActive
		}
		now := e.now().UTC()
		if h.Expired(now) {
			// Commit the expiry here rather than waiting for the sweep;
			// the capture itself still fails with HoldExpired.
			if err := e.settleHold(ctx, tx, w, h, models.HoldExpired, "expire:"+h.ID); err != nil {
				return err
			}
			expired = true
			return nil
		}
		if err := statusAllowsDebit(w); err != nil {
			return err
		}
		amt := args.Amount
		if amt.IsZero() {
			amt = h.Amount
		}
		if !amt.IsPositive() || !currency.HasValidPrecision(amt, w.Currency) {
			return ErrInvalidAmount
		}
		if amt.GreaterThan(h.Amount) {
			return ErrAmountExceedsHold
		}
		if err := e.checkLimits(ctx, tx, w, amt); err != nil {
			return err
		}

		debit := &models.Transaction{
			ID:             uuid.New().String(),
			WalletID:       w.ID,
			Type:           models.TxnDebit,
			Amount:         amt,
			Currency:       w.Currency,
			BalanceAfter:   w.Available.Sub(amt),
			Status:         models.TxnCompleted,
			ReferenceType:  "hold",
			ReferenceID:    h.ID,
			IdempotencyKey: args.IdempotencyKey,
			RequestHash:    hash,
			CreatedAt:      now,
			CompletedAt:    &now,
		}
		if err := tx.InsertTransaction(ctx, debit); err != nil {
			return err
		}
		if rest := h.Amount.Sub(amt); rest.IsPositive() {
			release := e.auditEntry(w, models.TxnRelease, rest, "hold", h.ID, args.IdempotencyKey+":release", hash)
			release.BalanceAfter = debit.BalanceAfter
			if err := tx.InsertTransaction(ctx, release); err != nil {
				return err
			}
		}
		h.Status = models.HoldCaptured
		h.CapturedAmount = amt
		h.SettledAt = &now
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}
		w.Available = debit.BalanceAfter
		w.Held = w.Held.Sub(h.Amount)
		if err := tx.UpdateWalletBalances(ctx, w); err != nil {
			return err
		}
		res = &CaptureResult{Hold: h, Transaction: debit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrHoldExpired
	}
	return res, nil
}

// ReleaseHold cancels a hold and restores its headroom. Releasing a hold
// that already settled is a no-op and reports the settled state.
func (e *Engine) ReleaseHold(ctx context.Context, holdID string) (*models.Hold, error) {
	seed, err := e.store.Hold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	var out *models.Hold
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, seed.WalletID)
		if err != nil {
			return err
		}
		h, err := tx.Hold(ctx, holdID)
		if err != nil {
			return err
		}
		if h.Status != models.HoldActive {
			out = h
			return nil
		}
		if err := e.settleHold(ctx, tx, w, h, models.HoldReleased, "release:"+h.ID); err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// ExpireHold transitions an ACTIVE hold past its expiry to EXPIRED and
// restores headroom. The sweep job calls this per hold.
func (e *Engine) ExpireHold(ctx context.Context, holdID string) (*models.Hold, error) {
	seed, err := e.store.Hold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	var out *models.Hold
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, seed.WalletID)
		if err != nil {
			return err
		}
		h, err := tx.Hold(ctx, holdID)
		if err != nil {
			return err
		}
		if h.Status != models.HoldActive {
			out = h
			return nil
		}
		if !h.Expired(e.now().UTC()) {
			return ErrHoldNotActive
		}
		if err := e.settleHold(ctx, tx, w, h, models.HoldExpired, "expire:"+h.ID); err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// SweepExpiredHolds expires up to limit overdue holds and returns them.
// Per-hold failures are logged and skipped so one bad row cannot stall the
// sweep.
func (e *Engine) SweepExpiredHolds(ctx context.Context, limit int) ([]models.Hold, error) {
	overdue, err := e.store.ExpiredHolds(ctx, e.now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	swept := make([]models.Hold, 0, len(overdue))
	for i := range overdue {
		h, err := e.ExpireHold(ctx, overdue[i].ID)
		if err != nil {
			e.log.WithError(err).WithField("hold_id", overdue[i].ID).Warn("Failed to expire hold")
			continue
		}
		if h.Status == models.HoldExpired {
			swept = append(swept, *h)
		}
	}
	return swept, nil
}

// Holds lists a wallet's active holds.
func (e *Engine) Holds(ctx context.Context, walletID string) ([]models.Hold, error) {
	return e.store.ActiveHolds(ctx, walletID)
}

// GetHold reads a single hold.
func (e *Engine) GetHold(ctx context.Context, holdID string) (*models.Hold, error) {
	return e.store.Hold(ctx, holdID)
}

// settleHold finishes an ACTIVE hold without capturing anything: the full
// amount returns to headroom and a RELEASE audit entry records it.
func (e *Engine) settleHold(ctx context.Context, tx Tx, w *models.Wallet, h *models.Hold, status models.HoldStatus, auditKey string) error {
	now := e.now().UTC()
	audit := e.auditEntry(w, models.TxnRelease, h.Amount, "hold", h.ID, auditKey, requestHash("release", h.ID, string(status)))
	if err := tx.InsertTransaction(ctx, audit); err != nil {
		return err
	}
	h.Status = status
	h.SettledAt = &now
	if err := tx.UpdateHold(ctx, h); err != nil {
		return err
	}
	w.Held = w.Held.Sub(h.Amount)
	return tx.UpdateWalletBalances(ctx, w)
}

// auditEntry builds a zero-effect HOLD or RELEASE entry. balance_after
// records the unchanged available balance.
func (e *Engine) auditEntry(w *models.Wallet, typ models.TransactionType, amount decimal.Decimal, refType, refID, key, hash string) *models.Transaction {
	now := e.now().UTC()
	return &models.Transaction{
		ID:             uuid.New().String(),
		WalletID:       w.ID,
		Type:           typ,
		Amount:         amount,
		Currency:       w.Currency,
		BalanceAfter:   w.Available,
		Status:         models.TxnCompleted,
		ReferenceType:  refType,
		ReferenceID:    refID,
		IdempotencyKey: key,
		RequestHash:    hash,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
}

// holdReplayAfterConflict mirrors replayAfterConflict for hold creation.
func (e *Engine) holdReplayAfterConflict(ctx context.Context, walletID, key, hash string, cause error) (*HoldResult, error) {
	replay, err := e.replayAfterConflict(ctx, walletID, key, hash, cause)
	if err != nil {
		return nil, err
	}
	h, err := e.store.HoldByKey(ctx, walletID, key)
	if err != nil {
		return nil, err
	}
	return &HoldResult{Hold: h, Transaction: replay.Transaction, Replayed: true}, nil
}
