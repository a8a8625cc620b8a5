package handlers

import (
	"net/http"
	"time"

	"ledgerworks/internal/ledger"
	paymasterapi "ledgerworks/pkg/api/paymaster"
	"ledgerworks/pkg/middleware"
	"ledgerworks/pkg/models"
)

// Hold Endpoints

func holdResponse(h *models.Hold, txn *models.Transaction, replayed bool) paymasterapi.HoldResponse {
	resp := paymasterapi.HoldResponse{
		HoldID:   h.ID,
		Status:   h.Status,
		Amount:   h.Amount,
		Captured: h.CapturedAmount,
		Replayed: replayed,
	}
	if txn != nil {
		t := txnResponse(txn, replayed)
		resp.Transaction = &t
	}
	return resp
}

// CreateHold reserves spendable funds without moving them. Held funds are
// excluded from the spendable balance until captured or released.
func CreateHold(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	var req paymasterapi.HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != nil {
		if *req.ExpiresIn <= 0 {
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "expires_in_seconds must be positive"})
			return
		}
		t := time.Now().Add(time.Duration(*req.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	result, err := ledgerEng.Hold(c.Request.Context(), ledger.HoldArgs{
		WalletID:       w.ID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		PIN:            req.PIN,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		countOperation("hold", "error")
		respondLedgerError(c, w.ID, err)
		return
	}

	countOperation("hold", "ok")
	if !result.Replayed {
		emitLedgerEvent(eventHoldPlaced, w.BusinessID, result.Transaction, map[string]interface{}{
			"hold_id": result.Hold.ID,
			"reason":  result.Hold.Reason,
		})
	}
	c.JSON(http.StatusCreated, holdResponse(result.Hold, result.Transaction, result.Replayed))
}

// GetHold returns one hold, scoped through its wallet's business.
func GetHold(c middleware.Context) {
	h, ok := holdForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, holdResponse(h, nil, false))
}

// CaptureHold converts reserved funds into a settled debit. A zero or
// omitted amount captures the full remaining hold; partial captures keep
// the hold active with the remainder still reserved.
func CaptureHold(c middleware.Context) {
	h, ok := holdForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	var req paymasterapi.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	result, err := ledgerEng.CaptureHold(c.Request.Context(), ledger.CaptureArgs{
		HoldID:         h.ID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		countOperation("capture", "error")
		respondLedgerError(c, h.WalletID, err)
		return
	}

	countOperation("capture", "ok")
	if !result.Replayed {
		emitLedgerEvent(eventHoldCaptured, c.GetString("business_id"), result.Transaction, map[string]interface{}{
			"hold_id":     result.Hold.ID,
			"hold_status": string(result.Hold.Status),
		})
	}
	c.JSON(http.StatusOK, holdResponse(result.Hold, result.Transaction, result.Replayed))
}

// ReleaseHold returns reserved funds to the spendable balance. Releasing a
// hold that is already settled is a no-op.
func ReleaseHold(c middleware.Context) {
	h, ok := holdForBusiness(c, c.Param("id"))
	if !ok {
		return
	}

	released, err := ledgerEng.ReleaseHold(c.Request.Context(), h.ID)
	if err != nil {
		countOperation("release", "error")
		respondLedgerError(c, h.WalletID, err)
		return
	}

	countOperation("release", "ok")
	if released.Status == models.HoldReleased && h.Status == models.HoldActive {
		emitLedgerEvent(eventHoldReleased, c.GetString("business_id"), nil, map[string]interface{}{
			"hold_id":   released.ID,
			"wallet_id": released.WalletID,
			"amount":    released.Amount.String(),
		})
	}
	c.JSON(http.StatusOK, holdResponse(released, nil, false))
}

// holdForBusiness loads a hold and checks the owning wallet's business.
// Holds of other businesses read as not found.
func holdForBusiness(c middleware.Context, holdID string) (*models.Hold, bool) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return nil, false
	}
	if holdID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Hold ID required"})
		return nil, false
	}
	h, err := ledgerEng.GetHold(c.Request.Context(), holdID)
	if err != nil {
		respondLedgerError(c, "", err)
		return nil, false
	}
	w, err := ledgerEng.Wallet(c.Request.Context(), h.WalletID)
	if err != nil {
		respondLedgerError(c, "", err)
		return nil, false
	}
	if w.BusinessID != businessID {
		c.JSON(http.StatusNotFound, paymasterapi.ErrorResponse{Error: "Hold not found", Code: "HOLD_NOT_FOUND"})
		return nil, false
	}
	return h, true
}
