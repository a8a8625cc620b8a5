package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerworks/pkg/auth"
	"ledgerworks/pkg/crypto"
	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

// Engine is the sole mutator of wallet balances. Every balance change goes
// through a store transaction that locks the wallet row, so per-wallet
// mutations are serialized regardless of how many engine instances run.
type Engine struct {
	store   Store
	log     logging.Logger
	now     func() time.Time
	destEnc *crypto.FieldEncryptor
}

// Option customizes engine construction.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDestinationEncryptor encrypts withdrawal destination references
// before they are persisted in transaction metadata.
func WithDestinationEncryptor(enc *crypto.FieldEncryptor) Option {
	return func(e *Engine) { e.destEnc = enc }
}

// NewEngine wires an engine over its store.
func NewEngine(store Store, log logging.Logger, opts ...Option) *Engine {
	e := &Engine{store: store, log: log, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MutationArgs are the caller-supplied fields of a credit or debit.
type MutationArgs struct {
	WalletID       string
	Amount         decimal.Decimal
	Currency       string
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	PIN            string
	Metadata       models.JSONB
}

// Result pairs a committed transaction with the replay flag.
type Result struct {
	Transaction *models.Transaction
	Replayed    bool
}

// Balance is a read-only snapshot of a wallet's balances.
type Balance struct {
	WalletID  string
	Currency  string
	Available decimal.Decimal
	Held      decimal.Decimal
	Spendable decimal.Decimal
	Status    models.WalletStatus
}

// Credit adds funds to a wallet. Credits are accepted on SUSPENDED wallets
// and rejected only when the wallet is CLOSED.
func (e *Engine) Credit(ctx context.Context, args MutationArgs) (*Result, error) {
	cur := currency.Normalize(args.Currency)
	if err := validateAmount(args.Amount, cur); err != nil {
		return nil, err
	}
	hash := requestHash("credit", args.WalletID, args.Amount.String(), cur, args.ReferenceType, args.ReferenceID)

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
		if w.Status == models.WalletClosed {
			return ErrWalletClosed
		}
		if cur != w.Currency {
			return ErrCurrencyMismatch
		}
		txn := e.newEntry(w, models.TxnCredit, args, w.Available.Add(args.Amount), hash)
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		w.Available = txn.BalanceAfter
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

// Debit removes funds from a wallet. The wallet must be ACTIVE, the amount
// must fit within spendable headroom down to the credit floor, and rolling
// daily/monthly debit limits are enforced inside the same transaction.
func (e *Engine) Debit(ctx context.Context, args MutationArgs) (*Result, error) {
	cur := currency.Normalize(args.Currency)
	if err := validateAmount(args.Amount, cur); err != nil {
		return nil, err
	}
	hash := requestHash("debit", args.WalletID, args.Amount.String(), cur, args.ReferenceType, args.ReferenceID)

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
		if cur != w.Currency {
			return ErrCurrencyMismatch
		}
		if err := checkHeadroom(w, args.Amount); err != nil {
			return err
		}
		if err := e.checkLimits(ctx, tx, w, args.Amount); err != nil {
			return err
		}
		txn := e.newEntry(w, models.TxnDebit, args, w.Available.Sub(args.Amount), hash)
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		w.Available = txn.BalanceAfter
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

// Reverse marks a completed inbound credit REVERSED and writes the
// compensating debit entry. Both entries stay in the signed sum, so the
// pair nets to zero. Used when a provider reverses a settled payment.
func (e *Engine) Reverse(ctx context.Context, transactionID, idempotencyKey string, metadata models.JSONB) (*Result, error) {
	original, err := e.store.Transaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	hash := requestHash("reverse", original.WalletID, transactionID)

	var res *Result
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, original.WalletID)
		if err != nil {
			return err
		}
		if replay, err := findReplay(ctx, tx, w.ID, idempotencyKey, hash); replay != nil || err != nil {
			res = replay
			return err
		}
		orig, err := tx.Transaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if orig.Type != models.TxnCredit || orig.Status != models.TxnCompleted {
			return fmt.Errorf("transaction %s is not a completed credit: %w", transactionID, ErrTransactionNotFound)
		}
		orig.Status = models.TxnReversed
		if err := tx.UpdateTransaction(ctx, orig); err != nil {
			return err
		}
		comp := e.newEntry(w, models.TxnDebit, MutationArgs{
			Amount:         orig.Amount,
			Currency:       w.Currency,
			ReferenceType:  "reversal",
			ReferenceID:    orig.ID,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
		}, w.Available.Sub(orig.Amount), hash)
		if err := tx.InsertTransaction(ctx, comp); err != nil {
			return err
		}
		w.Available = comp.BalanceAfter
		if err := tx.UpdateWalletBalances(ctx, w); err != nil {
			return err
		}
		res = &Result{Transaction: comp}
		return nil
	})
	if err != nil {
		return e.replayAfterConflict(ctx, original.WalletID, idempotencyKey, hash, err)
	}
	return res, nil
}

// GetBalance reads the latest committed balances without locking.
func (e *Engine) GetBalance(ctx context.Context, walletID string) (*Balance, error) {
	w, err := e.store.Wallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		WalletID:  w.ID,
		Currency:  w.Currency,
		Available: w.Available,
		Held:      w.Held,
		Spendable: w.Spendable(),
		Status:    w.Status,
	}, nil
}

// newEntry builds a COMPLETED ledger entry for an immediate mutation.
func (e *Engine) newEntry(w *models.Wallet, typ models.TransactionType, args MutationArgs, balanceAfter decimal.Decimal, hash string) *models.Transaction {
	now := e.now().UTC()
	return &models.Transaction{
		ID:             uuid.New().String(),
		WalletID:       w.ID,
		Type:           typ,
		Amount:         args.Amount,
		Currency:       w.Currency,
		BalanceAfter:   balanceAfter,
		Status:         models.TxnCompleted,
		ReferenceType:  args.ReferenceType,
		ReferenceID:    args.ReferenceID,
		IdempotencyKey: args.IdempotencyKey,
		RequestHash:    hash,
		Metadata:       args.Metadata,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
}

// findReplay returns the original result when the idempotency key was
// already consumed by an identical request. It runs under the wallet lock,
// so a nil, nil return means the key is free for the rest of the
// transaction.
func findReplay(ctx context.Context, q Queries, walletID, key, hash string) (*Result, error) {
	existing, err := q.TransactionByKey(ctx, walletID, key)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if existing.RequestHash != hash {
		return nil, ErrIdempotencyConflict
	}
	return &Result{Transaction: existing, Replayed: true}, nil
}

// replayAfterConflict resolves a unique-constraint loss after rollback: if
// a concurrent identical request claimed the key first, return its result.
func (e *Engine) replayAfterConflict(ctx context.Context, walletID, key, hash string, cause error) (*Result, error) {
	if !errors.Is(cause, ErrDuplicateKey) {
		return nil, cause
	}
	existing, err := e.store.TransactionByKey(ctx, walletID, key)
	if err != nil {
		return nil, cause
	}
	if existing.RequestHash != hash {
		return nil, ErrIdempotencyConflict
	}
	return &Result{Transaction: existing, Replayed: true}, nil
}

// statusAllowsDebit rejects debit-side operations on CLOSED and SUSPENDED
// wallets. Credits only require the wallet to be open.
func statusAllowsDebit(w *models.Wallet) error {
	switch w.Status {
	case models.WalletClosed:
		return ErrWalletClosed
	case models.WalletSuspended:
		return ErrWalletSuspended
	}
	return nil
}

// debitAllowed gates caller-initiated debit-side operations on wallet
// status and, when a PIN is configured, on the PIN factor. Capture of an
// authorized hold skips the PIN; it was presented when the hold was placed.
func debitAllowed(w *models.Wallet, pin string) error {
	if err := statusAllowsDebit(w); err != nil {
		return err
	}
	if !w.HasPIN() {
		return nil
	}
	if pin == "" {
		return ErrPINRequired
	}
	if !auth.CheckPIN(pin, *w.PINHash) {
		return ErrPINInvalid
	}
	return nil
}

// checkHeadroom enforces spendable − amount ≥ credit_floor. The floor is
// zero or negative; a negative floor grants that much overdraft.
func checkHeadroom(w *models.Wallet, amount decimal.Decimal) error {
	if w.Spendable().Sub(amount).LessThan(w.CreditFloor) {
		return ErrInsufficientFunds
	}
	return nil
}

// checkLimits enforces the rolling 24h and 30d debit windows. Sums are
// taken inside the mutation transaction so concurrent debits cannot both
// slip under the limit.
func (e *Engine) checkLimits(ctx context.Context, tx Tx, w *models.Wallet, amount decimal.Decimal) error {
	now := e.now().UTC()
	if w.DailyLimit != nil {
		spent, err := tx.DebitsSince(ctx, w.ID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(*w.DailyLimit) {
			return ErrDailyLimitExceeded
		}
	}
	if w.MonthlyLimit != nil {
		spent, err := tx.DebitsSince(ctx, w.ID, now.Add(-30*24*time.Hour))
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(*w.MonthlyLimit) {
			return ErrMonthlyLimitExceeded
		}
	}
	return nil
}

// validateAmount rejects non-positive amounts, unsupported currencies and
// amounts carrying more precision than the currency's minor units.
func validateAmount(amount decimal.Decimal, cur string) error {
	if !currency.IsSupported(cur) {
		return ErrUnsupportedCurrency
	}
	if !amount.IsPositive() || !currency.HasValidPrecision(amount, cur) {
		return ErrInvalidAmount
	}
	return nil
}
