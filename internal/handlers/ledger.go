package handlers

import (
	"net/http"

	"ledgerworks/internal/ledger"
	paymasterapi "ledgerworks/pkg/api/paymaster"
	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/middleware"
	"ledgerworks/pkg/models"
)

// Ledger Mutation Endpoints

func txnResponse(t *models.Transaction, replayed bool) paymasterapi.TransactionResponse {
	return paymasterapi.TransactionResponse{
		TransactionID: t.ID,
		Status:        t.Status,
		BalanceAfter:  t.BalanceAfter,
		Replayed:      replayed,
	}
}

// CreditWallet adds funds to a wallet. Replays of the same idempotency key
// return the original transaction without moving money again.
func CreditWallet(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	var req paymasterapi.MutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	result, err := ledgerEng.Credit(c.Request.Context(), ledger.MutationArgs{
		WalletID:       w.ID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		PIN:            req.PIN,
		Metadata:       req.Metadata,
	})
	if err != nil {
		countOperation("credit", "error")
		respondLedgerError(c, w.ID, err)
		return
	}

	countOperation("credit", "ok")
	if !result.Replayed {
		emitLedgerEvent(eventWalletCredited, w.BusinessID, result.Transaction, nil)
	}
	c.JSON(http.StatusOK, txnResponse(result.Transaction, result.Replayed))
}

// DebitWallet removes funds from a wallet, subject to spendable balance,
// wallet status, limits and the PIN factor when one is set.
func DebitWallet(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	var req paymasterapi.MutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	result, err := ledgerEng.Debit(c.Request.Context(), ledger.MutationArgs{
		WalletID:       w.ID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		PIN:            req.PIN,
		Metadata:       req.Metadata,
	})
	if err != nil {
		countOperation("debit", "error")
		respondLedgerError(c, w.ID, err)
		return
	}

	countOperation("debit", "ok")
	if !result.Replayed {
		emitLedgerEvent(eventWalletDebited, w.BusinessID, result.Transaction, nil)
	}
	c.JSON(http.StatusOK, txnResponse(result.Transaction, result.Replayed))
}

// CreateWithdrawal starts a two-phase withdrawal: funds move under an
// internal hold and the transaction stays PENDING until a settlement
// webhook, the operator override or the timeout job resolves it.
func CreateWithdrawal(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	var req paymasterapi.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	if currency.Normalize(req.Currency) != w.Currency {
		respondLedgerError(c, w.ID, ledger.ErrCurrencyMismatch)
		return
	}

	result, err := ledgerEng.Withdraw(c.Request.Context(), ledger.WithdrawArgs{
		WalletID:       w.ID,
		Amount:         req.Amount,
		DestinationRef: req.DestinationRef,
		IdempotencyKey: req.IdempotencyKey,
		PIN:            req.PIN,
		Metadata:       req.Metadata,
	})
	if err != nil {
		countOperation("withdraw", "error")
		respondLedgerError(c, w.ID, err)
		return
	}

	countOperation("withdraw", "ok")
	if !result.Replayed {
		emitLedgerEvent(eventWithdrawalPending, w.BusinessID, result.Transaction, map[string]interface{}{
			"destination_ref": req.DestinationRef,
		})
	}
	c.JSON(http.StatusAccepted, txnResponse(result.Transaction, result.Replayed))
}

// SettleWithdrawal resolves a pending withdrawal from the service surface.
// Providers normally settle through webhooks; this endpoint covers manual
// operator intervention and providers without webhook support.
func SettleWithdrawal(c middleware.Context) {
	transactionID := c.Param("id")
	var req paymasterapi.SettleWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	if req.Outcome != ledger.OutcomeSettled && req.Outcome != ledger.OutcomeFailed {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Outcome must be settled or failed"})
		return
	}

	result, err := ledgerEng.SettleWithdrawal(c.Request.Context(), transactionID, req.Outcome, req.Notes)
	if err != nil {
		countOperation("settle_withdrawal", "error")
		respondLedgerError(c, "", err)
		return
	}

	countOperation("settle_withdrawal", "ok")
	if !result.Replayed {
		eventType := eventWithdrawalSettled
		if req.Outcome == ledger.OutcomeFailed {
			eventType = eventWithdrawalFailed
		}
		emitLedgerEvent(eventType, businessIDForTransaction(c, result.Transaction), result.Transaction, map[string]interface{}{
			"outcome": req.Outcome,
		})
	}
	logger.WithFields(logging.Fields{
		"transaction_id": transactionID,
		"outcome":        req.Outcome,
	}).Info("Withdrawal settled via service endpoint")
	c.JSON(http.StatusOK, txnResponse(result.Transaction, result.Replayed))
}

// businessIDForTransaction resolves the owning business for event
// enrichment. Failures fall back to empty rather than failing the request.
func businessIDForTransaction(c middleware.Context, t *models.Transaction) string {
	if t == nil {
		return ""
	}
	w, err := ledgerEng.Wallet(c.Request.Context(), t.WalletID)
	if err != nil {
		return ""
	}
	return w.BusinessID
}
