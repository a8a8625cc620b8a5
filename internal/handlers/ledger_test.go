package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	paymasterapi "ledgerworks/pkg/api/paymaster"
)

func TestCreditThenDebitAdjustsBalance(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")

	credit := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/credit", map[string]interface{}{
		"amount":          json.Number("100.50"),
		"currency":        "EUR",
		"idempotency_key": "credit-1",
	})
	if credit.Code != http.StatusOK {
		t.Fatalf("credit: status %d body %s", credit.Code, credit.Body.String())
	}
	var creditResp paymasterapi.TransactionResponse
	decodeBody(t, credit, &creditResp)
	if !creditResp.BalanceAfter.Equal(dec("100.50")) {
		t.Errorf("balance after credit = %s, want 100.50", creditResp.BalanceAfter)
	}
	if creditResp.Replayed {
		t.Errorf("fresh credit marked replayed")
	}

	debit := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/debit", map[string]interface{}{
		"amount":          json.Number("40.50"),
		"currency":        "EUR",
		"idempotency_key": "debit-1",
	})
	if debit.Code != http.StatusOK {
		t.Fatalf("debit: status %d body %s", debit.Code, debit.Body.String())
	}
	var debitResp paymasterapi.TransactionResponse
	decodeBody(t, debit, &debitResp)
	if !debitResp.BalanceAfter.Equal(dec("60")) {
		t.Errorf("balance after debit = %s, want 60", debitResp.BalanceAfter)
	}
}

func TestCreditReplaySameKey(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")

	body := map[string]interface{}{
		"amount":          json.Number("25"),
		"currency":        "EUR",
		"idempotency_key": "credit-replay",
	}
	first := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/credit", body)
	if first.Code != http.StatusOK {
		t.Fatalf("first credit: status %d", first.Code)
	}
	var firstResp paymasterapi.TransactionResponse
	decodeBody(t, first, &firstResp)

	second := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/credit", body)
	if second.Code != http.StatusOK {
		t.Fatalf("replayed credit: status %d body %s", second.Code, second.Body.String())
	}
	var secondResp paymasterapi.TransactionResponse
	decodeBody(t, second, &secondResp)
	if !secondResp.Replayed {
		t.Fatalf("expected replayed response")
	}
	if secondResp.TransactionID != firstResp.TransactionID {
		t.Fatalf("replay returned a different transaction: %s vs %s", secondResp.TransactionID, firstResp.TransactionID)
	}
	if !secondResp.BalanceAfter.Equal(firstResp.BalanceAfter) {
		t.Fatalf("replay changed the balance: %s vs %s", secondResp.BalanceAfter, firstResp.BalanceAfter)
	}
}

func TestIdempotencyKeyReuseConflicts(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")
	f.credit(t, walletID, "100", "EUR", "fund-1")

	first := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/debit", map[string]interface{}{
		"amount":          json.Number("10"),
		"currency":        "EUR",
		"idempotency_key": "spend-1",
	})
	if first.Code != http.StatusOK {
		t.Fatalf("first debit: status %d", first.Code)
	}

	conflicting := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/debit", map[string]interface{}{
		"amount":          json.Number("20"),
		"currency":        "EUR",
		"idempotency_key": "spend-1",
	})
	if conflicting.Code != http.StatusConflict {
		t.Fatalf("conflicting reuse: status %d, want 409", conflicting.Code)
	}
	var resp paymasterapi.ErrorResponse
	decodeBody(t, conflicting, &resp)
	if resp.Code != "IDEMPOTENCY_CONFLICT" {
		t.Fatalf("expected IDEMPOTENCY_CONFLICT, got %q", resp.Code)
	}
}

func TestDebitInsufficientFundsIncludesSnapshot(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")
	f.credit(t, walletID, "30", "EUR", "fund-1")

	w := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/debit", map[string]interface{}{
		"amount":          json.Number("50"),
		"currency":        "EUR",
		"idempotency_key": "spend-1",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d body %s", w.Code, w.Body.String())
	}
	var resp paymasterapi.ErrorResponse
	decodeBody(t, w, &resp)
	if resp.Code != "INSUFFICIENT_FUNDS" {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %q", resp.Code)
	}
	if resp.Details == nil {
		t.Fatalf("expected a balance snapshot in details")
	}
	if got := resp.Details["spendable"]; got != "30" {
		t.Errorf("details.spendable = %v, want 30", got)
	}
}

func TestMutationRequestValidation(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")

	missingKey := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/credit", map[string]interface{}{
		"amount":   json.Number("10"),
		"currency": "EUR",
	})
	if missingKey.Code != http.StatusBadRequest {
		t.Fatalf("missing idempotency key: status %d, want 400", missingKey.Code)
	}

	wrongCurrency := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/credit", map[string]interface{}{
		"amount":          json.Number("10"),
		"currency":        "USD",
		"idempotency_key": "credit-1",
	})
	if wrongCurrency.Code != http.StatusUnprocessableEntity {
		t.Fatalf("currency mismatch: status %d, want 422", wrongCurrency.Code)
	}
}

func TestPINGatesDebits(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")
	f.credit(t, walletID, "100", "EUR", "fund-1")

	setPIN := doJSON(t, f.router, http.MethodPut, "/wallets/"+walletID+"/pin", map[string]interface{}{
		"pin": "4321",
	})
	if setPIN.Code != http.StatusOK {
		t.Fatalf("set pin: status %d body %s", setPIN.Code, setPIN.Body.String())
	}

	noPIN := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/debit", map[string]interface{}{
		"amount":          json.Number("10"),
		"currency":        "EUR",
		"idempotency_key": "spend-1",
	})
	if noPIN.Code != http.StatusForbidden {
		t.Fatalf("debit without pin: status %d, want 403", noPIN.Code)
	}

	badPIN := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/debit", map[string]interface{}{
		"amount":          json.Number("10"),
		"currency":        "EUR",
		"idempotency_key": "spend-2",
		"pin":             "0000",
	})
	if badPIN.Code != http.StatusForbidden {
		t.Fatalf("debit with wrong pin: status %d, want 403", badPIN.Code)
	}

	goodPIN := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/debit", map[string]interface{}{
		"amount":          json.Number("10"),
		"currency":        "EUR",
		"idempotency_key": "spend-3",
		"pin":             "4321",
	})
	if goodPIN.Code != http.StatusOK {
		t.Fatalf("debit with pin: status %d body %s", goodPIN.Code, goodPIN.Body.String())
	}
}

func TestWithdrawalLifecycleViaServiceSettlement(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")
	f.credit(t, walletID, "200", "EUR", "fund-1")

	create := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/withdrawals", map[string]interface{}{
		"amount":          json.Number("80"),
		"currency":        "EUR",
		"destination_ref": "iban:DE02120300000000202051",
		"idempotency_key": "payout-1",
	})
	if create.Code != http.StatusAccepted {
		t.Fatalf("create withdrawal: status %d body %s", create.Code, create.Body.String())
	}
	var pending paymasterapi.TransactionResponse
	decodeBody(t, create, &pending)
	if pending.Status != "PENDING" {
		t.Fatalf("withdrawal status = %s, want PENDING", pending.Status)
	}

	// Held, not gone: spendable drops but available is untouched.
	balance := doJSON(t, f.router, http.MethodGet, "/wallets/"+walletID+"/balance", nil)
	var bal paymasterapi.BalanceResponse
	decodeBody(t, balance, &bal)
	if !bal.Available.Equal(dec("200")) {
		t.Errorf("available = %s, want 200 while pending", bal.Available)
	}
	if !bal.Spendable.Equal(dec("120")) {
		t.Errorf("spendable = %s, want 120 while pending", bal.Spendable)
	}

	settle := doJSON(t, f.router, http.MethodPost, "/internal/withdrawals/"+pending.TransactionID+"/settle", map[string]interface{}{
		"outcome": "settled",
	})
	if settle.Code != http.StatusOK {
		t.Fatalf("settle: status %d body %s", settle.Code, settle.Body.String())
	}
	var settled paymasterapi.TransactionResponse
	decodeBody(t, settle, &settled)
	if settled.Status != "COMPLETED" {
		t.Fatalf("settled status = %s, want COMPLETED", settled.Status)
	}

	after := doJSON(t, f.router, http.MethodGet, "/wallets/"+walletID+"/balance", nil)
	decodeBody(t, after, &bal)
	if !bal.Available.Equal(dec("120")) {
		t.Errorf("available = %s, want 120 after settlement", bal.Available)
	}

	// Settling again with the same outcome is idempotent.
	again := doJSON(t, f.router, http.MethodPost, "/internal/withdrawals/"+pending.TransactionID+"/settle", map[string]interface{}{
		"outcome": "settled",
	})
	if again.Code != http.StatusOK {
		t.Fatalf("repeat settle: status %d body %s", again.Code, again.Body.String())
	}

	// A contradicting outcome is not.
	flip := doJSON(t, f.router, http.MethodPost, "/internal/withdrawals/"+pending.TransactionID+"/settle", map[string]interface{}{
		"outcome": "failed",
	})
	if flip.Code != http.StatusConflict {
		t.Fatalf("contradicting settle: status %d, want 409", flip.Code)
	}
}

func TestWithdrawalFailureRestoresFunds(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")
	f.credit(t, walletID, "100", "EUR", "fund-1")

	create := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/withdrawals", map[string]interface{}{
		"amount":          json.Number("60"),
		"currency":        "EUR",
		"destination_ref": "acct:12345",
		"idempotency_key": "payout-1",
	})
	if create.Code != http.StatusAccepted {
		t.Fatalf("create withdrawal: status %d body %s", create.Code, create.Body.String())
	}
	var pending paymasterapi.TransactionResponse
	decodeBody(t, create, &pending)

	fail := doJSON(t, f.router, http.MethodPost, "/internal/withdrawals/"+pending.TransactionID+"/settle", map[string]interface{}{
		"outcome": "failed",
		"notes":   "bank rejected account",
	})
	if fail.Code != http.StatusOK {
		t.Fatalf("fail settle: status %d body %s", fail.Code, fail.Body.String())
	}

	balance := doJSON(t, f.router, http.MethodGet, "/wallets/"+walletID+"/balance", nil)
	var bal paymasterapi.BalanceResponse
	decodeBody(t, balance, &bal)
	if !bal.Available.Equal(dec("100")) {
		t.Errorf("available = %s, want 100 after failed payout", bal.Available)
	}
	if !bal.Spendable.Equal(dec("100")) {
		t.Errorf("spendable = %s, want 100 after failed payout", bal.Spendable)
	}
}

func TestWithdrawalCurrencyMustMatchWallet(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")
	f.credit(t, walletID, "100", "EUR", "fund-1")

	w := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/withdrawals", map[string]interface{}{
		"amount":          json.Number("10"),
		"currency":        "USD",
		"destination_ref": "acct:1",
		"idempotency_key": "payout-1",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body %s", w.Code, w.Body.String())
	}
	var resp paymasterapi.ErrorResponse
	decodeBody(t, w, &resp)
	if resp.Code != "CURRENCY_MISMATCH" {
		t.Fatalf("expected CURRENCY_MISMATCH, got %q", resp.Code)
	}
}

func TestSettleWithdrawalRejectsUnknownOutcome(t *testing.T) {
	f := newFixture(t)

	w := doJSON(t, f.router, http.MethodPost, "/internal/withdrawals/some-id/settle", map[string]interface{}{
		"outcome": "maybe",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body %s", w.Code, w.Body.String())
	}
}
