package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledgerworks/internal/ledger"
	paymasterapi "ledgerworks/pkg/api/paymaster"
	"ledgerworks/pkg/api/common"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/middleware"
	"ledgerworks/pkg/models"
	"ledgerworks/pkg/pagination"
)

// Wallet API Endpoints

// CreateWallet opens a wallet for one currency under the calling business.
// Creation is idempotent on the (business, currency) pair: re-posting the
// same currency returns the existing wallet with 200 instead of 201.
func CreateWallet(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}

	var req paymasterapi.CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	w, created, err := ledgerEng.CreateWallet(c.Request.Context(), ledger.CreateWalletArgs{
		BusinessID:   businessID,
		Currency:     req.Currency,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
		CreditFloor:  req.CreditFloor,
	})
	if err != nil {
		respondLedgerError(c, "", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	logger.WithFields(logging.Fields{
		"business_id": businessID,
		"wallet_id":   w.ID,
		"currency":    w.Currency,
		"created":     created,
	}).Info("Wallet create request handled")
	c.JSON(status, w)
}

// ListWallets returns all wallets of the calling business.
func ListWallets(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}

	wallets, err := ledgerEng.Wallets(c.Request.Context(), businessID)
	if err != nil {
		respondLedgerError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, paymasterapi.WalletsResponse{Wallets: wallets, Count: len(wallets)})
}

// GetWallet returns one wallet scoped to the calling business.
func GetWallet(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, w)
}

// GetBalance reports the wallet's three balance views.
func GetBalance(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	bal, err := ledgerEng.GetBalance(c.Request.Context(), w.ID)
	if err != nil {
		respondLedgerError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, paymasterapi.BalanceResponse{
		WalletID:  bal.WalletID,
		Currency:  bal.Currency,
		Available: bal.Available,
		Held:      bal.Held,
		Spendable: bal.Spendable,
	})
}

// ListTransactions pages a wallet's ledger entries newest first. Supports
// cursor, limit, type, status, from and to query parameters.
func ListTransactions(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}

	filter, ok := transactionFilterFromQuery(c)
	if !ok {
		return
	}

	txns, err := ledgerEng.Transactions(c.Request.Context(), w.ID, filter)
	if err != nil {
		respondLedgerError(c, "", err)
		return
	}

	resp := paymasterapi.ListTransactionsResponse{Transactions: txns}
	if filter.Limit > 0 && len(txns) == filter.Limit {
		last := txns[len(txns)-1]
		resp.NextCursor = pagination.EncodeCursor(last.CreatedAt, last.ID)
	}
	c.JSON(http.StatusOK, resp)
}

func transactionFilterFromQuery(c middleware.Context) (ledger.TransactionFilter, bool) {
	filter := ledger.TransactionFilter{Limit: pagination.DefaultLimit}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid limit"})
			return filter, false
		}
		filter.Limit = pagination.ClampLimit(n)
	}
	if raw := c.Query("cursor"); raw != "" {
		cursor, err := pagination.DecodeCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid cursor"})
			return filter, false
		}
		ts := cursor.Timestamp
		filter.BeforeCreatedAt = &ts
		filter.BeforeID = cursor.ID
	}
	for _, raw := range strings.Split(c.Query("type"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.Types = append(filter.Types, models.TransactionType(strings.ToUpper(raw)))
		}
	}
	for _, raw := range strings.Split(c.Query("status"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.Statuses = append(filter.Statuses, models.TransactionStatus(strings.ToUpper(raw)))
		}
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid from timestamp, want RFC3339"})
			return filter, false
		}
		filter.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid to timestamp, want RFC3339"})
			return filter, false
		}
		filter.To = &t
	}
	return filter, true
}

// SetWalletPIN configures the wallet's PIN factor. All debit-side
// operations require the PIN from then on.
func SetWalletPIN(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	var req paymasterapi.SetPINRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	if err := ledgerEng.SetPIN(c.Request.Context(), w.ID, req.PIN); err != nil {
		respondLedgerError(c, "", err)
		return
	}
	logger.WithField("wallet_id", w.ID).Info("Wallet PIN configured")
	c.JSON(http.StatusOK, common.SuccessResponse{Success: true, Message: "PIN configured"})
}

// SetWalletStatus transitions the wallet between ACTIVE, SUSPENDED and
// CLOSED. Closing a wallet with active holds is rejected.
func SetWalletStatus(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	var req paymasterapi.SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	switch req.Status {
	case models.WalletActive, models.WalletSuspended, models.WalletClosed:
	default:
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Unknown wallet status"})
		return
	}
	updated, err := ledgerEng.SetStatus(c.Request.Context(), w.ID, req.Status)
	if err != nil {
		respondLedgerError(c, "", err)
		return
	}
	logger.WithFields(logging.Fields{
		"wallet_id": w.ID,
		"status":    updated.Status,
	}).Info("Wallet status changed")
	c.JSON(http.StatusOK, updated)
}

// SetWalletLimits updates the rolling debit limits. A null limit clears it.
func SetWalletLimits(c middleware.Context) {
	w, ok := walletForBusiness(c, c.Param("id"))
	if !ok {
		return
	}
	var req paymasterapi.SetLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	updated, err := ledgerEng.SetLimits(c.Request.Context(), w.ID, req.DailyLimit, req.MonthlyLimit)
	if err != nil {
		respondLedgerError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// walletForBusiness loads a wallet and enforces business scope. Wallets of
// other businesses read as not found so ids do not leak across owners.
func walletForBusiness(c middleware.Context, walletID string) (*models.Wallet, bool) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return nil, false
	}
	if walletID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Wallet ID required"})
		return nil, false
	}
	w, err := ledgerEng.Wallet(c.Request.Context(), walletID)
	if err != nil {
		respondLedgerError(c, "", err)
		return nil, false
	}
	if w.BusinessID != businessID {
		c.JSON(http.StatusNotFound, paymasterapi.ErrorResponse{Error: "Wallet not found", Code: "WALLET_NOT_FOUND"})
		return nil, false
	}
	return w, true
}
