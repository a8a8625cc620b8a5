package ledger

import "errors"

// Operation failures surfaced to callers. Handlers translate these into
// HTTP responses via Code; anything not listed here is an internal error.
var (
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrWalletClosed         = errors.New("wallet is closed")
	ErrWalletSuspended      = errors.New("wallet is suspended")
	ErrInvalidAmount        = errors.New("amount must be positive with valid precision")
	ErrUnsupportedCurrency  = errors.New("unsupported currency")
	ErrCurrencyMismatch     = errors.New("currency does not match wallet currency")
	ErrInsufficientFunds    = errors.New("insufficient spendable balance")
	ErrDailyLimitExceeded   = errors.New("daily debit limit exceeded")
	ErrMonthlyLimitExceeded = errors.New("monthly debit limit exceeded")
	ErrHoldNotFound         = errors.New("hold not found")
	ErrHoldNotActive        = errors.New("hold is not active")
	ErrHoldExpired          = errors.New("hold has expired")
	ErrAmountExceedsHold    = errors.New("capture amount exceeds hold amount")
	ErrSameWalletTransfer   = errors.New("cannot transfer to the same wallet")
	ErrIdempotencyConflict  = errors.New("idempotency key reused with a different request")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrNotWithdrawal        = errors.New("transaction is not a withdrawal")
	ErrAlreadySettled       = errors.New("withdrawal already settled with a different outcome")
	ErrPINRequired          = errors.New("wallet pin required")
	ErrPINInvalid           = errors.New("wallet pin invalid")
	ErrPINFormat            = errors.New("pin must be 4 to 8 digits")
	ErrHoldsOutstanding     = errors.New("wallet has active holds")
)

// Store-level sentinels. The Postgres store maps driver errors onto these so
// the engine never inspects pq error codes directly.
var (
	ErrDuplicateKey    = errors.New("idempotency key already used for this wallet")
	ErrDuplicateWallet = errors.New("wallet already exists for business and currency")
	ErrStaleWallet     = errors.New("wallet version changed under transaction")
)

// Code returns the stable wire code for a ledger error, or "INTERNAL" for
// anything unrecognized.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		return "WALLET_NOT_FOUND"
	case errors.Is(err, ErrWalletClosed):
		return "WALLET_CLOSED"
	case errors.Is(err, ErrWalletSuspended):
		return "WALLET_SUSPENDED"
	case errors.Is(err, ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ErrUnsupportedCurrency):
		return "UNSUPPORTED_CURRENCY"
	case errors.Is(err, ErrCurrencyMismatch):
		return "CURRENCY_MISMATCH"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrDailyLimitExceeded):
		return "DAILY_LIMIT_EXCEEDED"
	case errors.Is(err, ErrMonthlyLimitExceeded):
		return "MONTHLY_LIMIT_EXCEEDED"
	case errors.Is(err, ErrHoldNotFound):
		return "HOLD_NOT_FOUND"
	case errors.Is(err, ErrHoldNotActive):
		return "HOLD_NOT_ACTIVE"
	case errors.Is(err, ErrHoldExpired):
		return "HOLD_EXPIRED"
	case errors.Is(err, ErrAmountExceedsHold):
		return "AMOUNT_EXCEEDS_HOLD"
	case errors.Is(err, ErrSameWalletTransfer):
		return "SAME_WALLET_TRANSFER"
	case errors.Is(err, ErrIdempotencyConflict):
		return "IDEMPOTENCY_CONFLICT"
	case errors.Is(err, ErrTransactionNotFound):
		return "TRANSACTION_NOT_FOUND"
	case errors.Is(err, ErrNotWithdrawal):
		return "NOT_A_WITHDRAWAL"
	case errors.Is(err, ErrAlreadySettled):
		return "WITHDRAWAL_ALREADY_SETTLED"
	case errors.Is(err, ErrPINRequired):
		return "PIN_REQUIRED"
	case errors.Is(err, ErrPINInvalid):
		return "PIN_INVALID"
	case errors.Is(err, ErrPINFormat):
		return "PIN_FORMAT"
	case errors.Is(err, ErrHoldsOutstanding):
		return "HOLDS_OUTSTANDING"
	default:
		return "INTERNAL"
	}
}
