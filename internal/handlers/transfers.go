package handlers

import (
	"net/http"

	"ledgerworks/internal/ledger"
	paymasterapi "ledgerworks/pkg/api/paymaster"
	"ledgerworks/pkg/middleware"
)

// Transfer Endpoints

// CreateTransfer moves funds between two wallets atomically. The caller
// must own the source wallet; the destination may belong to another
// business as long as it is open and holds the same currency.
func CreateTransfer(c middleware.Context) {
	var req paymasterapi.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	src, ok := walletForBusiness(c, req.FromWalletID)
	if !ok {
		return
	}

	result, err := ledgerEng.Transfer(c.Request.Context(), ledger.TransferArgs{
		FromWalletID:   src.ID,
		ToWalletID:     req.ToWalletID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		PIN:            req.PIN,
		Metadata:       req.Metadata,
	})
	if err != nil {
		countOperation("transfer", "error")
		respondLedgerError(c, src.ID, err)
		return
	}

	countOperation("transfer", "ok")
	if !result.Replayed {
		emitLedgerEvent(eventTransferSettled, src.BusinessID, result.Out, map[string]interface{}{
			"transfer_id":  result.TransferID,
			"to_wallet_id": req.ToWalletID,
		})
	}

	out := txnResponse(result.Out, result.Replayed)
	in := txnResponse(result.In, result.Replayed)
	c.JSON(http.StatusOK, paymasterapi.TransferResponse{
		TransferID: result.TransferID,
		Debit:      &out,
		Credit:     &in,
		Replayed:   result.Replayed,
	})
}
