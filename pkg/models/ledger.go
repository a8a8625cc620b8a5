package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletStatus is the lifecycle state of a wallet.
type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletClosed    WalletStatus = "CLOSED"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxnCredit      TransactionType = "CREDIT"
	TxnDebit       TransactionType = "DEBIT"
	TxnTransferIn  TransactionType = "TRANSFER_IN"
	TxnTransferOut TransactionType = "TRANSFER_OUT"
	TxnHold        TransactionType = "HOLD"
	TxnRelease     TransactionType = "RELEASE"
	TxnWithdrawal  TransactionType = "WITHDRAWAL"
)

// TransactionStatus is the state of a ledger entry. Entries are append-only;
// status is the only mutable column.
type TransactionStatus string

const (
	TxnPending   TransactionStatus = "PENDING"
	TxnCompleted TransactionStatus = "COMPLETED"
	TxnFailed    TransactionStatus = "FAILED"
	TxnReversed  TransactionStatus = "REVERSED"
)

// HoldStatus is the lifecycle state of a hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "ACTIVE"
	HoldCaptured HoldStatus = "CAPTURED"
	HoldReleased HoldStatus = "RELEASED"
	HoldExpired  HoldStatus = "EXPIRED"
)

// Wallet is a per-business, per-currency balance record. Available and Held
// are projections over the transaction log and the active holds; Version
// guards concurrent writers.
type Wallet struct {
	ID           string           `json:"id" db:"id"`
	BusinessID   string           `json:"business_id" db:"business_id"`
	Currency     string           `json:"currency" db:"currency"`
	Available    decimal.Decimal  `json:"available" db:"available"`
	Held         decimal.Decimal  `json:"held" db:"held"`
	DailyLimit   *decimal.Decimal `json:"daily_limit,omitempty" db:"daily_limit"`
	MonthlyLimit *decimal.Decimal `json:"monthly_limit,omitempty" db:"monthly_limit"`

	// CreditFloor is zero or negative; a negative floor permits overdraft
	// down to that amount.
	CreditFloor decimal.Decimal `json:"credit_floor" db:"credit_floor"`

	Status    WalletStatus `json:"status" db:"status"`
	PINHash   *string      `json:"-" db:"pin_hash"`
	Version   int64        `json:"version" db:"version"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// Spendable returns the balance new debits and holds may draw on.
func (w *Wallet) Spendable() decimal.Decimal {
	return w.Available.Sub(w.Held)
}

// HasPIN reports whether a PIN factor is configured.
func (w *Wallet) HasPIN() bool {
	return w.PINHash != nil && *w.PINHash != ""
}

// Transaction is an immutable ledger entry. BalanceAfter snapshots the
// wallet's available balance as of this entry; HOLD and RELEASE entries
// record the snapshot unchanged.
type Transaction struct {
	ID           string            `json:"id" db:"id"`
	WalletID     string            `json:"wallet_id" db:"wallet_id"`
	Type         TransactionType   `json:"type" db:"type"`
	Amount       decimal.Decimal   `json:"amount" db:"amount"`
	Currency     string            `json:"currency" db:"currency"`
	BalanceAfter decimal.Decimal   `json:"balance_after" db:"balance_after"`
	Status       TransactionStatus `json:"status" db:"status"`

	ReferenceType string `json:"reference_type" db:"reference_type"`
	ReferenceID   string `json:"reference_id" db:"reference_id"`

	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`
	RequestHash    string `json:"-" db:"request_hash"`

	// TransferID links the two legs of a transfer or exchange.
	TransferID *string `json:"transfer_id,omitempty" db:"transfer_id"`

	// Exchange legs record the applied rate and the opposite leg's amount.
	ExchangeRate    *decimal.Decimal `json:"exchange_rate,omitempty" db:"exchange_rate"`
	CounterAmount   *decimal.Decimal `json:"counter_amount,omitempty" db:"counter_amount"`
	CounterCurrency *string          `json:"counter_currency,omitempty" db:"counter_currency"`

	Metadata    JSONB      `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SignedAmount returns the entry's contribution to the available balance.
// HOLD and RELEASE entries are audit-only and contribute zero, as do
// entries in any status other than COMPLETED and REVERSED-from-COMPLETED.
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Status != TxnCompleted && t.Status != TxnReversed {
		return decimal.Zero
	}
	switch t.Type {
	case TxnCredit, TxnTransferIn:
		return t.Amount
	case TxnDebit, TxnTransferOut, TxnWithdrawal:
		return t.Amount.Neg()
	default:
		return decimal.Zero
	}
}

// Hold is a reservation against a wallet's spendable balance. CapturedAmount
// records how much of the hold converted into a debit; the remainder was
// restored on settlement.
type Hold struct {
	ID             string          `json:"id" db:"id"`
	WalletID       string          `json:"wallet_id" db:"wallet_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	CapturedAmount decimal.Decimal `json:"captured_amount" db:"captured_amount"`
	Reason         string          `json:"reason" db:"reason"`
	ReferenceType  string          `json:"reference_type" db:"reference_type"`
	ReferenceID    string          `json:"reference_id" db:"reference_id"`
	Status         HoldStatus      `json:"status" db:"status"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Expired reports whether the hold has an expiry in the past as of now.
func (h *Hold) Expired(now time.Time) bool {
	return h.ExpiresAt != nil && now.After(*h.ExpiresAt)
}
