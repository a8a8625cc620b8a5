package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"ledgerworks/internal/ledger"
	paymasterapi "ledgerworks/pkg/api/paymaster"
)

func TestTransferMovesFundsBetweenBusinesses(t *testing.T) {
	f := newFixture(t)
	srcID := f.createWallet(t, "EUR")
	f.credit(t, srcID, "100", "EUR", "fund-1")

	dst, _, err := ledgerEng.CreateWallet(context.Background(), ledger.CreateWalletArgs{
		BusinessID: otherBusinessID,
		Currency:   "EUR",
	})
	if err != nil {
		t.Fatalf("create destination wallet: %v", err)
	}

	w := doJSON(t, f.router, http.MethodPost, "/transfers", map[string]interface{}{
		"from_wallet_id":  srcID,
		"to_wallet_id":    dst.ID,
		"amount":          json.Number("35"),
		"currency":        "EUR",
		"idempotency_key": "pay-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("transfer: status %d body %s", w.Code, w.Body.String())
	}
	var resp paymasterapi.TransferResponse
	decodeBody(t, w, &resp)
	if resp.TransferID == "" {
		t.Fatalf("transfer returned no id")
	}
	if resp.Debit == nil || resp.Credit == nil {
		t.Fatalf("transfer missing a leg: %+v", resp)
	}
	if !resp.Debit.BalanceAfter.Equal(dec("65")) {
		t.Errorf("source balance = %s, want 65", resp.Debit.BalanceAfter)
	}
	if !resp.Credit.BalanceAfter.Equal(dec("35")) {
		t.Errorf("destination balance = %s, want 35", resp.Credit.BalanceAfter)
	}
}

func TestTransferReplayReturnsBothLegs(t *testing.T) {
	f := newFixture(t)
	srcID := f.createWallet(t, "EUR")
	f.credit(t, srcID, "100", "EUR", "fund-1")
	dst, _, err := ledgerEng.CreateWallet(context.Background(), ledger.CreateWalletArgs{
		BusinessID: otherBusinessID,
		Currency:   "EUR",
	})
	if err != nil {
		t.Fatalf("create destination wallet: %v", err)
	}

	body := map[string]interface{}{
		"from_wallet_id":  srcID,
		"to_wallet_id":    dst.ID,
		"amount":          json.Number("10"),
		"currency":        "EUR",
		"idempotency_key": "pay-replay",
	}
	first := doJSON(t, f.router, http.MethodPost, "/transfers", body)
	if first.Code != http.StatusOK {
		t.Fatalf("first transfer: status %d", first.Code)
	}
	var firstResp paymasterapi.TransferResponse
	decodeBody(t, first, &firstResp)

	second := doJSON(t, f.router, http.MethodPost, "/transfers", body)
	if second.Code != http.StatusOK {
		t.Fatalf("replayed transfer: status %d body %s", second.Code, second.Body.String())
	}
	var secondResp paymasterapi.TransferResponse
	decodeBody(t, second, &secondResp)
	if !secondResp.Replayed {
		t.Fatalf("expected replayed response")
	}
	if secondResp.TransferID != firstResp.TransferID {
		t.Fatalf("replay returned different transfer: %s vs %s", secondResp.TransferID, firstResp.TransferID)
	}
	if !secondResp.Debit.BalanceAfter.Equal(firstResp.Debit.BalanceAfter) {
		t.Fatalf("replay moved money again")
	}
}

func TestTransferRequiresSourceOwnership(t *testing.T) {
	f := newFixture(t)
	srcID := f.createWallet(t, "EUR")
	f.credit(t, srcID, "100", "EUR", "fund-1")

	foreign := f.routerFor(otherBusinessID)
	w := doJSON(t, foreign, http.MethodPost, "/transfers", map[string]interface{}{
		"from_wallet_id":  srcID,
		"to_wallet_id":    srcID,
		"amount":          json.Number("10"),
		"currency":        "EUR",
		"idempotency_key": "steal-1",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign source wallet: status %d, want 404", w.Code)
	}
}

func TestTransferToSameWalletRejected(t *testing.T) {
	f := newFixture(t)
	srcID := f.createWallet(t, "EUR")
	f.credit(t, srcID, "100", "EUR", "fund-1")

	w := doJSON(t, f.router, http.MethodPost, "/transfers", map[string]interface{}{
		"from_wallet_id":  srcID,
		"to_wallet_id":    srcID,
		"amount":          json.Number("10"),
		"currency":        "EUR",
		"idempotency_key": "self-1",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("self transfer: status %d, want 400", w.Code)
	}
	var resp paymasterapi.ErrorResponse
	decodeBody(t, w, &resp)
	if resp.Code != "SAME_WALLET_TRANSFER" {
		t.Fatalf("expected SAME_WALLET_TRANSFER, got %q", resp.Code)
	}
}
