package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	paymasterapi "ledgerworks/pkg/api/paymaster"
)

func TestWebhookUnknownProvider(t *testing.T) {
	f := newFixture(t)

	w := doWebhook(t, f.router, "paypal", []byte(`{}`), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown provider: status %d, want 404", w.Code)
	}
}

func TestWebhookMissingSecret(t *testing.T) {
	f := newFixture(t)
	t.Setenv("WEBHOOK_SECRET_RAZORPAY", "")

	w := doWebhook(t, f.router, "razorpay", []byte(`{"event":"payment.captured"}`), map[string]string{
		"X-Razorpay-Signature": "deadbeef",
		"X-Razorpay-Event-Id":  "evt_no_secret",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing secret: status %d, want 503", w.Code)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	f := newFixture(t)
	t.Setenv("WEBHOOK_SECRET_RAZORPAY", "unit-test-secret")

	w := doWebhook(t, f.router, "razorpay", []byte(`{"event":"payment.captured"}`), map[string]string{
		"X-Razorpay-Signature": "deadbeef",
		"X-Razorpay-Event-Id":  "evt_bad_sig",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status %d, want 401", w.Code)
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	f := newFixture(t)
	t.Setenv("WEBHOOK_SECRET_RAZORPAY", "unit-test-secret")

	body := []byte(`not-json`)
	w := doWebhook(t, f.router, "razorpay", body, map[string]string{
		"X-Razorpay-Signature": razorpaySignature(body, "unit-test-secret"),
		"X-Razorpay-Event-Id":  "evt_bad_body",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload: status %d, want 400", w.Code)
	}
}

func TestWebhookIgnoredEventTypeAcked(t *testing.T) {
	f := newFixture(t)
	t.Setenv("WEBHOOK_SECRET_RAZORPAY", "unit-test-secret")

	body := mustJSON(t, map[string]interface{}{
		"event": "payment.authorized",
	})
	w := doWebhook(t, f.router, "razorpay", body, map[string]string{
		"X-Razorpay-Signature": razorpaySignature(body, "unit-test-secret"),
		"X-Razorpay-Event-Id":  "evt_authorized",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ignored event: status %d body %s", w.Code, w.Body.String())
	}
	var resp paymasterapi.WebhookResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ignored" {
		t.Fatalf("status = %q, want ignored", resp.Status)
	}
}

func TestWebhookPaymentCapturedCreditsWalletOnce(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()
	db = mockDB

	t.Setenv("WEBHOOK_SECRET_RAZORPAY", "unit-test-secret")

	body := mustJSON(t, map[string]interface{}{
		"event": "payment.captured",
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":       "pay_991",
					"amount":   2500,
					"currency": "EUR",
					"notes":    map[string]string{"wallet_id": walletID},
				},
			},
		},
	})
	headers := map[string]string{
		"X-Razorpay-Signature": razorpaySignature(body, "unit-test-secret"),
		"X-Razorpay-Event-Id":  "evt_rzp_100",
	}

	mock.ExpectExec("INSERT INTO paymaster.webhook_events").
		WithArgs("razorpay", "evt_rzp_100", "payment.captured").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE paymaster.webhook_events").
		WithArgs("processed", "razorpay", "evt_rzp_100").
		WillReturnResult(sqlmock.NewResult(0, 1))

	first := doWebhook(t, f.router, "razorpay", body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: status %d body %s", first.Code, first.Body.String())
	}
	var resp paymasterapi.WebhookResponse
	decodeBody(t, first, &resp)
	if resp.Status != "processed" {
		t.Fatalf("first delivery status = %q, want processed", resp.Status)
	}
	if got := walletBalance(t, f, walletID).Available; !got.Equal(dec("25")) {
		t.Fatalf("available after capture = %s, want 25", got)
	}

	// Redelivery loses the claim race and must not credit again.
	mock.ExpectExec("INSERT INTO paymaster.webhook_events").
		WithArgs("razorpay", "evt_rzp_100", "payment.captured").
		WillReturnResult(sqlmock.NewResult(0, 0))

	second := doWebhook(t, f.router, "razorpay", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("second delivery: status %d body %s", second.Code, second.Body.String())
	}
	decodeBody(t, second, &resp)
	if resp.Status != "already_processed" {
		t.Fatalf("second delivery status = %q, want already_processed", resp.Status)
	}
	if got := walletBalance(t, f, walletID).Available; !got.Equal(dec("25")) {
		t.Fatalf("available after redelivery = %s, want 25", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookStripePaymentCaptured(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()
	db = mockDB

	t.Setenv("WEBHOOK_SECRET_STRIPE", "unit-test-secret")

	object := mustJSON(t, map[string]interface{}{
		"id":              "pi_777",
		"amount_received": 1250,
		"currency":        "eur",
		"metadata":        map[string]string{"wallet_id": walletID},
	})
	body := mustJSON(t, map[string]interface{}{
		"id":   "evt_st_77",
		"type": "payment_intent.succeeded",
		"data": map[string]interface{}{"object": json.RawMessage(object)},
	})

	mock.ExpectExec("INSERT INTO paymaster.webhook_events").
		WithArgs("stripe", "evt_st_77", "payment.captured").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE paymaster.webhook_events").
		WithArgs("processed", "stripe", "evt_st_77").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doWebhook(t, f.router, "stripe", body, map[string]string{
		"Stripe-Signature": stripeSignatureHeader(body, "unit-test-secret", f.clock.Now().Unix()),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("stripe capture: status %d body %s", w.Code, w.Body.String())
	}
	if got := walletBalance(t, f, walletID).Available; !got.Equal(dec("12.5")) {
		t.Fatalf("available = %s, want 12.5", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookPayoutSettlesWithdrawal(t *testing.T) {
	f := newFixture(t)
	walletID := f.createWallet(t, "EUR")
	f.credit(t, walletID, "100", "EUR", "seed-payout")

	withdraw := doJSON(t, f.router, http.MethodPost, "/wallets/"+walletID+"/withdrawals", map[string]interface{}{
		"amount":          json.Number("40"),
		"currency":        "EUR",
		"destination_ref": "bank:DE02",
		"idempotency_key": "wd-payout-1",
	})
	if withdraw.Code != http.StatusAccepted {
		t.Fatalf("withdraw: status %d body %s", withdraw.Code, withdraw.Body.String())
	}
	var pending paymasterapi.TransactionResponse
	decodeBody(t, withdraw, &pending)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()
	db = mockDB

	t.Setenv("WEBHOOK_SECRET_RAZORPAY", "unit-test-secret")

	body := mustJSON(t, map[string]interface{}{
		"event": "payout.processed",
		"payload": map[string]interface{}{
			"payout": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":           "pout_55",
					"reference_id": pending.TransactionID,
				},
			},
		},
	})

	mock.ExpectExec("INSERT INTO paymaster.webhook_events").
		WithArgs("razorpay", "evt_rzp_200", "payout.settled").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE paymaster.webhook_events").
		WithArgs("processed", "razorpay", "evt_rzp_200").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doWebhook(t, f.router, "razorpay", body, map[string]string{
		"X-Razorpay-Signature": razorpaySignature(body, "unit-test-secret"),
		"X-Razorpay-Event-Id":  "evt_rzp_200",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("payout webhook: status %d body %s", w.Code, w.Body.String())
	}
	var resp paymasterapi.WebhookResponse
	decodeBody(t, w, &resp)
	if resp.Status != "processed" {
		t.Fatalf("status = %q, want processed", resp.Status)
	}

	balance := walletBalance(t, f, walletID)
	if !balance.Available.Equal(dec("60")) {
		t.Errorf("available after settlement = %s, want 60", balance.Available)
	}
	if !balance.Spendable.Equal(dec("60")) {
		t.Errorf("spendable after settlement = %s, want 60", balance.Spendable)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookWithoutRoutingHintsAcked(t *testing.T) {
	f := newFixture(t)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()
	db = mockDB

	t.Setenv("WEBHOOK_SECRET_RAZORPAY", "unit-test-secret")

	body := mustJSON(t, map[string]interface{}{
		"event": "payment.captured",
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":       "pay_orphan",
					"amount":   5000,
					"currency": "EUR",
				},
			},
		},
	})

	mock.ExpectExec("INSERT INTO paymaster.webhook_events").
		WithArgs("razorpay", "evt_rzp_300", "payment.captured").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE paymaster.webhook_events").
		WithArgs("unroutable", "razorpay", "evt_rzp_300").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doWebhook(t, f.router, "razorpay", body, map[string]string{
		"X-Razorpay-Signature": razorpaySignature(body, "unit-test-secret"),
		"X-Razorpay-Event-Id":  "evt_rzp_300",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unroutable event: status %d body %s", w.Code, w.Body.String())
	}
	var resp paymasterapi.WebhookResponse
	decodeBody(t, w, &resp)
	if resp.Status != "unroutable" {
		t.Fatalf("status = %q, want unroutable", resp.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func doWebhook(t *testing.T, router *gin.Engine, provider string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func walletBalance(t *testing.T, f *fixture, walletID string) paymasterapi.BalanceResponse {
	t.Helper()
	w := doJSON(t, f.router, http.MethodGet, "/wallets/"+walletID+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get balance: status %d body %s", w.Code, w.Body.String())
	}
	var b paymasterapi.BalanceResponse
	decodeBody(t, w, &b)
	return b
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func razorpaySignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func stripeSignatureHeader(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
