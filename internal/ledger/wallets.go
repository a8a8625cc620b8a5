package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerworks/pkg/auth"
	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/models"
)

// CreateWalletArgs opens a wallet for a (business, currency) pair.
type CreateWalletArgs struct {
	BusinessID   string
	Currency     string
	DailyLimit   *decimal.Decimal
	MonthlyLimit *decimal.Decimal
	CreditFloor  *decimal.Decimal
}

// CreateWallet opens a wallet. Creation is idempotent on the
// (business, currency) unique key: when the pair already has a wallet it
// is returned with created = false.
func (e *Engine) CreateWallet(ctx context.Context, args CreateWalletArgs) (w *models.Wallet, created bool, err error) {
	cur := currency.Normalize(args.Currency)
	if !currency.IsSupported(cur) {
		return nil, false, ErrUnsupportedCurrency
	}
	if err := validateLimits(args.DailyLimit, args.MonthlyLimit); err != nil {
		return nil, false, err
	}
	floor := decimal.Zero
	if args.CreditFloor != nil {
		if args.CreditFloor.IsPositive() {
			return nil, false, ErrInvalidAmount
		}
		floor = *args.CreditFloor
	}

	now := e.now().UTC()
	w = &models.Wallet{
		ID:           uuid.New().String(),
		BusinessID:   args.BusinessID,
		Currency:     cur,
		Available:    decimal.Zero,
		Held:         decimal.Zero,
		DailyLimit:   args.DailyLimit,
		MonthlyLimit: args.MonthlyLimit,
		CreditFloor:  floor,
		Status:       models.WalletActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertWallet(ctx, w)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateWallet) {
			existing, gerr := e.store.WalletByOwner(ctx, args.BusinessID, cur)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return w, true, nil
}

// EnsureWallet returns the wallet for (business, currency), creating it on
// first activity.
func (e *Engine) EnsureWallet(ctx context.Context, businessID, cur string) (*models.Wallet, error) {
	w, err := e.store.WalletByOwner(ctx, businessID, currency.Normalize(cur))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}
	w, _, err = e.CreateWallet(ctx, CreateWalletArgs{BusinessID: businessID, Currency: cur})
	return w, err
}

// Wallet reads a single wallet.
func (e *Engine) Wallet(ctx context.Context, id string) (*models.Wallet, error) {
	return e.store.Wallet(ctx, id)
}

// WalletByOwner reads the wallet for a (business, currency) pair without
// creating it.
func (e *Engine) WalletByOwner(ctx context.Context, businessID, cur string) (*models.Wallet, error) {
	return e.store.WalletByOwner(ctx, businessID, currency.Normalize(cur))
}

// Wallets lists a business's wallets.
func (e *Engine) Wallets(ctx context.Context, businessID string) ([]models.Wallet, error) {
	return e.store.WalletsByOwner(ctx, businessID)
}

// Transaction reads a single ledger entry.
func (e *Engine) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	return e.store.Transaction(ctx, id)
}

// TransactionByReference finds the wallet's earliest entry for an external
// reference, such as the credit recorded for a provider payment id.
func (e *Engine) TransactionByReference(ctx context.Context, walletID, refType, refID string) (*models.Transaction, error) {
	return e.store.TransactionByReference(ctx, walletID, refType, refID)
}

// Transactions pages a wallet's ledger entries, newest first.
func (e *Engine) Transactions(ctx context.Context, walletID string, filter TransactionFilter) ([]models.Transaction, error) {
	return e.store.Transactions(ctx, walletID, filter)
}

// SetPIN configures the wallet's PIN factor. Debit-side operations on the
// wallet require the PIN from then on.
func (e *Engine) SetPIN(ctx context.Context, walletID, pin string) error {
	if !auth.ValidPINFormat(pin) {
		return ErrPINFormat
	}
	hash, err := auth.HashPIN(pin)
	if err != nil {
		return err
	}
	return e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if w.Status == models.WalletClosed {
			return ErrWalletClosed
		}
		w.PINHash = &hash
		return tx.UpdateWalletProfile(ctx, w)
	})
}

// SetStatus transitions the wallet lifecycle state. Closing requires all
// holds settled first so no reserved funds are stranded.
func (e *Engine) SetStatus(ctx context.Context, walletID string, status models.WalletStatus) (*models.Wallet, error) {
	switch status {
	case models.WalletActive, models.WalletSuspended, models.WalletClosed:
	default:
		return nil, errors.New("unknown wallet status: " + string(status))
	}
	var out *models.Wallet
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if status == models.WalletClosed && !w.Held.IsZero() {
			return ErrHoldsOutstanding
		}
		w.Status = status
		if err := tx.UpdateWalletProfile(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// SetLimits updates the rolling debit limits. Nil clears a limit.
func (e *Engine) SetLimits(ctx context.Context, walletID string, daily, monthly *decimal.Decimal) (*models.Wallet, error) {
	if err := validateLimits(daily, monthly); err != nil {
		return nil, err
	}
	var out *models.Wallet
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if w.Status == models.WalletClosed {
			return ErrWalletClosed
		}
		w.DailyLimit = daily
		w.MonthlyLimit = monthly
		if err := tx.UpdateWalletProfile(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

func validateLimits(daily, monthly *decimal.Decimal) error {
	if daily != nil && !daily.IsPositive() {
		return ErrInvalidAmount
	}
	if monthly != nil && !monthly.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
