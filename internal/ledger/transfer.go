package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/models"
)

// TransferArgs move funds between two same-currency wallets atomically.
type TransferArgs struct {
	FromWalletID   string
	ToWalletID     string
	Amount         decimal.Decimal
	Currency       string
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	PIN            string
	Metadata       models.JSONB
}

// TransferResult carries both committed legs of a transfer or exchange.
type TransferResult struct {
	TransferID string
	Out        *models.Transaction
	In         *models.Transaction
	Replayed   bool
}

// ExchangeSettlementArgs move funds across a currency boundary: a debit in
// the source currency and a credit in the destination currency, linked by
// one transfer id and annotated with the applied rate.
type ExchangeSettlementArgs struct {
	FromWalletID   string
	ToWalletID     string
	FromAmount     decimal.Decimal
	ToAmount       decimal.Decimal
	Rate           decimal.Decimal
	QuoteID        string
	IdempotencyKey string
	PIN            string
}

// Transfer debits the source wallet and credits the destination in one
// store transaction. Wallets are locked in ascending id order so two
// opposite transfers cannot deadlock. The idempotency key belongs to the
// debit leg; the credit leg derives key + ":in".
func (e *Engine) Transfer(ctx context.Context, args TransferArgs) (*TransferResult, error) {
	if args.FromWalletID == args.ToWalletID {
		return nil, ErrSameWalletTransfer
	}
	cur := currency.Normalize(args.Currency)
	if err := validateAmount(args.Amount, cur); err != nil {
		return nil, err
	}
	hash := requestHash("transfer", args.FromWalletID, args.ToWalletID, args.Amount.String(), cur, args.ReferenceType, args.ReferenceID)

	var res *TransferResult
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		from, to, err := lockPair(ctx, tx, args.FromWalletID, args.ToWalletID)
		if err != nil {
			return err
		}
		if replay, err := transferReplay(ctx, tx, from.ID, to.ID, args.IdempotencyKey, hash); replay != nil || err != nil {
			res = replay
			return err
		}
		if err := debitAllowed(from, args.PIN); err != nil {
			return err
		}
		if from.Currency != cur || to.Currency != cur {
			return ErrCurrencyMismatch
		}
		if to.Status == models.WalletClosed {
			return ErrWalletClosed
		}
		if err := checkHeadroom(from, args.Amount); err != nil {
			return err
		}
		if err := e.checkLimits(ctx, tx, from, args.Amount); err != nil {
			return err
		}

		transferID := uuid.New().String()
		out := e.newEntry(from, models.TxnTransferOut, MutationArgs{
			Amount:         args.Amount,
			ReferenceType:  args.ReferenceType,
			ReferenceID:    args.ReferenceID,
			IdempotencyKey: args.IdempotencyKey,
			Metadata:       args.Metadata,
		}, from.Available.Sub(args.Amount), hash)
		out.TransferID = &transferID
		in := e.newEntry(to, models.TxnTransferIn, MutationArgs{
			Amount:         args.Amount,
			ReferenceType:  args.ReferenceType,
			ReferenceID:    args.ReferenceID,
			IdempotencyKey: args.IdempotencyKey + ":in",
			Metadata:       args.Metadata,
		}, to.Available.Add(args.Amount), hash)
		in.TransferID = &transferID

		if err := tx.InsertTransaction(ctx, out); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, in); err != nil {
			return err
		}
		from.Available = out.BalanceAfter
		to.Available = in.BalanceAfter
		if err := tx.UpdateWalletBalances(ctx, from); err != nil {
			return err
		}
		if err := tx.UpdateWalletBalances(ctx, to); err != nil {
			return err
		}
		res = &TransferResult{TransferID: transferID, Out: out, In: in}
		return nil
	})
	if err != nil {
		return e.transferReplayAfterConflict(ctx, args.FromWalletID, args.ToWalletID, args.IdempotencyKey, hash, err)
	}
	return res, nil
}

// SettleExchange commits the two legs of a currency exchange. The rate
// validation happened without locks; by the time this runs both amounts
// are fixed, so the legs commit or roll back together like a transfer.
func (e *Engine) SettleExchange(ctx context.Context, args ExchangeSettlementArgs) (*TransferResult, error) {
	if args.FromWalletID == args.ToWalletID {
		return nil, ErrSameWalletTransfer
	}
	hash := requestHash("exchange", args.FromWalletID, args.ToWalletID,
		args.FromAmount.String(), args.ToAmount.String(), args.Rate.String())

	var res *TransferResult
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		from, to, err := lockPair(ctx, tx, args.FromWalletID, args.ToWalletID)
		if err != nil {
			return err
		}
		if replay, err := transferReplay(ctx, tx, from.ID, to.ID, args.IdempotencyKey, hash); replay != nil || err != nil {
			res = replay
			return err
		}
		if err := debitAllowed(from, args.PIN); err != nil {
			return err
		}
		if from.Currency == to.Currency {
			return ErrCurrencyMismatch
		}
		if to.Status == models.WalletClosed {
			return ErrWalletClosed
		}
		if !args.FromAmount.IsPositive() || !currency.HasValidPrecision(args.FromAmount, from.Currency) {
			return ErrInvalidAmount
		}
		if !args.ToAmount.IsPositive() || !currency.HasValidPrecision(args.ToAmount, to.Currency) {
			return ErrInvalidAmount
		}
		if err := checkHeadroom(from, args.FromAmount); err != nil {
			return err
		}
		if err := e.checkLimits(ctx, tx, from, args.FromAmount); err != nil {
			return err
		}

		exchangeID := uuid.New().String()
		out := e.newEntry(from, models.TxnDebit, MutationArgs{
			Amount:         args.FromAmount,
			ReferenceType:  "exchange",
			ReferenceID:    args.QuoteID,
			IdempotencyKey: args.IdempotencyKey,
		}, from.Available.Sub(args.FromAmount), hash)
		out.TransferID = &exchangeID
		out.ExchangeRate = &args.Rate
		out.CounterAmount = &args.ToAmount
		out.CounterCurrency = &to.Currency

		in := e.newEntry(to, models.TxnCredit, MutationArgs{
			Amount:         args.ToAmount,
			ReferenceType:  "exchange",
			ReferenceID:    args.QuoteID,
			IdempotencyKey: args.IdempotencyKey + ":in",
		}, to.Available.Add(args.ToAmount), hash)
		in.TransferID = &exchangeID
		in.ExchangeRate = &args.Rate
		in.CounterAmount = &args.FromAmount
		in.CounterCurrency = &from.Currency

		if err := tx.InsertTransaction(ctx, out); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, in); err != nil {
			return err
		}
		from.Available = out.BalanceAfter
		to.Available = in.BalanceAfter
		if err := tx.UpdateWalletBalances(ctx, from); err != nil {
			return err
		}
		if err := tx.UpdateWalletBalances(ctx, to); err != nil {
			return err
		}
		res = &TransferResult{TransferID: exchangeID, Out: out, In: in}
		return nil
	})
	if err != nil {
		return e.transferReplayAfterConflict(ctx, args.FromWalletID, args.ToWalletID, args.IdempotencyKey, hash, err)
	}
	return res, nil
}

// lockPair locks two wallets in ascending id order and hands them back in
// caller order. The fixed order is what keeps opposite-direction transfers
// deadlock-free.
func lockPair(ctx context.Context, tx Tx, aID, bID string) (a, b *models.Wallet, err error) {
	first, second := aID, bID
	if second < first {
		first, second = second, first
	}
	w1, err := tx.WalletForUpdate(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	w2, err := tx.WalletForUpdate(ctx, second)
	if err != nil {
		return nil, nil, err
	}
	if w1.ID == aID {
		return w1, w2, nil
	}
	return w2, w1, nil
}

// transferReplay resolves an idempotent replay of a two-leg mutation. Both
// legs committed atomically, so when the debit leg exists its paired credit
// leg does too.
func transferReplay(ctx context.Context, q Queries, fromID, toID, key, hash string) (*TransferResult, error) {
	out, err := q.TransactionByKey(ctx, fromID, key)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if out.RequestHash != hash {
		return nil, ErrIdempotencyConflict
	}
	in, err := q.TransactionByKey(ctx, toID, key+":in")
	if err != nil {
		return nil, err
	}
	transferID := ""
	if out.TransferID != nil {
		transferID = *out.TransferID
	}
	return &TransferResult{TransferID: transferID, Out: out, In: in, Replayed: true}, nil
}

func (e *Engine) transferReplayAfterConflict(ctx context.Context, fromID, toID, key, hash string, cause error) (*TransferResult, error) {
	if !errors.Is(cause, ErrDuplicateKey) {
		return nil, cause
	}
	replay, err := transferReplay(ctx, e.store, fromID, toID, key, hash)
	if err != nil || replay == nil {
		return nil, cause
	}
	return replay, nil
}
