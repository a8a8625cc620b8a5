package handlers

import (
	"net/http"

	"ledgerworks/internal/exchange"
	paymasterapi "ledgerworks/pkg/api/paymaster"
	"ledgerworks/pkg/middleware"
)

// Exchange Endpoints

// QuoteExchange prices a conversion between two of the business's
// currencies. The quoted rate stays honored for the validity window even
// if the live rate moves.
func QuoteExchange(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	var req paymasterapi.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	quote, err := exchangeEng.Quote(c.Request.Context(), req.FromCurrency, req.ToCurrency, req.Amount)
	if err != nil {
		countOperation("quote", "error")
		respondLedgerError(c, "", err)
		return
	}

	countOperation("quote", "ok")
	c.JSON(http.StatusOK, paymasterapi.QuoteResponse{
		QuoteID:      quote.ID,
		FromCurrency: quote.FromCurrency,
		ToCurrency:   quote.ToCurrency,
		Rate:         quote.Rate,
		FromAmount:   quote.FromAmount,
		ToAmount:     quote.ToAmount,
		ExpiresAt:    quote.ExpiresAt,
	})
}

// CreateExchange converts between the business's wallets at the current
// rate, honoring a quoted rate within the slippage tolerance. Both legs
// settle atomically or not at all.
func CreateExchange(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	var req paymasterapi.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	result, err := exchangeEng.Exchange(c.Request.Context(), exchange.ExchangeArgs{
		BusinessID:     businessID,
		FromCurrency:   req.FromCurrency,
		ToCurrency:     req.ToCurrency,
		Amount:         req.Amount,
		ExpectedRate:   req.ExpectedRate,
		IdempotencyKey: req.IdempotencyKey,
		PIN:            req.PIN,
	})
	if err != nil {
		countOperation("exchange", "error")
		respondLedgerError(c, exchangeSnapshotWallet(c, businessID, req.FromCurrency, err), err)
		return
	}

	countOperation("exchange", "ok")
	if !result.Replayed {
		emitLedgerEvent(eventExchangeSettled, businessID, result.Out, map[string]interface{}{
			"exchange_id":  result.ExchangeID,
			"applied_rate": result.AppliedRate.String(),
			"to_currency":  req.ToCurrency,
		})
	}

	out := txnResponse(result.Out, result.Replayed)
	in := txnResponse(result.In, result.Replayed)
	c.JSON(http.StatusOK, paymasterapi.ExchangeResponse{
		ExchangeID:  result.ExchangeID,
		AppliedRate: result.AppliedRate,
		Debit:       &out,
		Credit:      &in,
		Replayed:    result.Replayed,
	})
}

// exchangeSnapshotWallet resolves the source wallet id so balance-rule
// rejections can include the usual balance snapshot. Only consulted for
// errors that want one.
func exchangeSnapshotWallet(c middleware.Context, businessID, fromCurrency string, err error) string {
	if !wantsBalanceSnapshot(err) {
		return ""
	}
	w, werr := ledgerEng.WalletByOwner(c.Request.Context(), businessID, fromCurrency)
	if werr != nil {
		return ""
	}
	return w.ID
}
