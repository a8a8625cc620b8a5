package handlers

import (
	"errors"
	"net/http"

	"ledgerworks/internal/exchange"
	"ledgerworks/internal/ledger"
	"ledgerworks/internal/reconcile"
	paymasterapi "ledgerworks/pkg/api/paymaster"
	"ledgerworks/pkg/middleware"
)

// respondLedgerError translates a ledger or exchange engine error into an
// HTTP response. When a balance rule rejected the operation the wallet's
// pre-operation snapshot rides along in details so callers can see what was
// actually spendable.
func respondLedgerError(c middleware.Context, walletID string, err error) {
	status := ledgerStatus(err)
	if status == http.StatusInternalServerError {
		logger.WithError(err).Error("Ledger operation failed")
		c.JSON(status, paymasterapi.ErrorResponse{Error: "Internal error", Code: "INTERNAL"})
		return
	}
	resp := paymasterapi.ErrorResponse{Error: err.Error(), Code: errorCode(err)}
	if wantsBalanceSnapshot(err) && walletID != "" {
		if bal, berr := ledgerEng.GetBalance(c.Request.Context(), walletID); berr == nil {
			resp.Details = map[string]interface{}{
				"available": bal.Available,
				"held":      bal.Held,
				"spendable": bal.Spendable,
			}
		}
	}
	c.JSON(status, resp)
}

func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, ledger.ErrHoldNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnsupportedCurrency),
		errors.Is(err, ledger.ErrPINFormat),
		errors.Is(err, ledger.ErrSameWalletTransfer):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrPINRequired),
		errors.Is(err, ledger.ErrPINInvalid):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrDailyLimitExceeded),
		errors.Is(err, ledger.ErrMonthlyLimitExceeded),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrAmountExceedsHold):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrHoldExpired):
		return http.StatusGone
	case errors.Is(err, ledger.ErrWalletClosed),
		errors.Is(err, ledger.ErrWalletSuspended),
		errors.Is(err, ledger.ErrHoldNotActive),
		errors.Is(err, ledger.ErrHoldsOutstanding),
		errors.Is(err, ledger.ErrIdempotencyConflict),
		errors.Is(err, ledger.ErrNotWithdrawal),
		errors.Is(err, ledger.ErrAlreadySettled),
		errors.Is(err, exchange.ErrRateExpired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	if errors.Is(err, exchange.ErrRateExpired) {
		return "RATE_EXPIRED"
	}
	return ledger.Code(err)
}

// wantsBalanceSnapshot reports whether err is a balance-rule rejection
// whose response should carry the wallet snapshot.
func wantsBalanceSnapshot(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrDailyLimitExceeded) ||
		errors.Is(err, ledger.ErrMonthlyLimitExceeded)
}

// respondReconcileError translates a reconciliation engine error.
func respondReconcileError(c middleware.Context, err error) {
	var status int
	switch {
	case errors.Is(err, reconcile.ErrRuleNotFound),
		errors.Is(err, reconcile.ErrBatchNotFound),
		errors.Is(err, reconcile.ErrMatchNotFound),
		errors.Is(err, reconcile.ErrRecordNotFound),
		errors.Is(err, reconcile.ErrTransactionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, reconcile.ErrInvalidRule),
		errors.Is(err, reconcile.ErrInvalidRecord),
		errors.Is(err, reconcile.ErrInvalidDateRange):
		status = http.StatusBadRequest
	case errors.Is(err, reconcile.ErrRecordConsumed),
		errors.Is(err, reconcile.ErrBatchNotPending):
		status = http.StatusConflict
	case errors.Is(err, reconcile.ErrRuleConflict):
		status = http.StatusUnprocessableEntity
	default:
		logger.WithError(err).Error("Reconciliation operation failed")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Internal error", Code: "INTERNAL"})
		return
	}
	c.JSON(status, paymasterapi.ErrorResponse{Error: err.Error(), Code: reconcile.Code(err)})
}
