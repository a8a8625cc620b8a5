package webhooks

import (
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
)

func razorpayHeaders(eventID string) http.Header {
	h := http.Header{}
	h.Set("X-Razorpay-Event-Id", eventID)
	return h
}

func TestDecodeRazorpayPaymentCaptured(t *testing.T) {
	body := []byte(`{
		"event": "payment.captured",
		"payload": {
			"payment": {
				"entity": {
					"id": "pay_29QQoUBi66xm2f",
					"amount": 50000,
					"currency": "INR",
					"status": "captured",
					"notes": {"wallet_id": "wal-1", "business_id": "biz-1"}
				}
			}
		}
	}`)

	ev, err := Decode(ProviderRazorpay, body, razorpayHeaders("evt_rzp_1"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventPaymentCaptured {
		t.Fatalf("Type = %q, want %q", ev.Type, EventPaymentCaptured)
	}
	if ev.ID != "evt_rzp_1" {
		t.Errorf("ID = %q, want evt_rzp_1", ev.ID)
	}
	if ev.Reference != "pay_29QQoUBi66xm2f" {
		t.Errorf("Reference = %q", ev.Reference)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("500")) {
		t.Errorf("Amount = %s, want 500 (paise converted)", ev.Amount)
	}
	if ev.Currency != "INR" {
		t.Errorf("Currency = %q, want INR", ev.Currency)
	}
	if ev.WalletID != "wal-1" || ev.BusinessID != "biz-1" {
		t.Errorf("routing = (%q, %q), want (wal-1, biz-1)", ev.WalletID, ev.BusinessID)
	}
}

func TestDecodeRazorpayEmptyNotesArray(t *testing.T) {
	// Razorpay serializes an empty notes object as [].
	body := []byte(`{
		"event": "payment.captured",
		"payload": {
			"payment": {
				"entity": {"id": "pay_1", "amount": 100, "currency": "INR", "notes": []}
			}
		}
	}`)

	ev, err := Decode(ProviderRazorpay, body, razorpayHeaders("evt_rzp_2"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.WalletID != "" || ev.BusinessID != "" {
		t.Errorf("routing = (%q, %q), want empty", ev.WalletID, ev.BusinessID)
	}
}

func TestDecodeRazorpayPayouts(t *testing.T) {
	processed := []byte(`{
		"event": "payout.processed",
		"payload": {
			"payout": {
				"entity": {"id": "pout_1", "amount": 50000, "currency": "INR", "reference_id": "txn-77"}
			}
		}
	}`)
	ev, err := Decode(ProviderRazorpay, processed, razorpayHeaders("evt_rzp_3"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventPayoutSettled {
		t.Fatalf("Type = %q, want %q", ev.Type, EventPayoutSettled)
	}
	if ev.TransactionID != "txn-77" {
		t.Errorf("TransactionID = %q, want txn-77", ev.TransactionID)
	}

	failed := []byte(`{
		"event": "payout.failed",
		"payload": {
			"payout": {
				"entity": {
					"id": "pout_2",
					"failure_reason": "beneficiary account blocked",
					"notes": {"transaction_id": "txn-78"}
				}
			}
		}
	}`)
	ev, err = Decode(ProviderRazorpay, failed, razorpayHeaders("evt_rzp_4"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventPayoutFailed {
		t.Fatalf("Type = %q, want %q", ev.Type, EventPayoutFailed)
	}
	if ev.TransactionID != "txn-78" {
		t.Errorf("TransactionID = %q, want txn-78 (from notes)", ev.TransactionID)
	}
	if ev.Reason != "beneficiary account blocked" {
		t.Errorf("Reason = %q", ev.Reason)
	}

	reversed := []byte(`{
		"event": "payout.reversed",
		"payload": {"payout": {"entity": {"id": "pout_3", "reference_id": "txn-79"}}}
	}`)
	ev, err = Decode(ProviderRazorpay, reversed, razorpayHeaders("evt_rzp_5"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventPayoutFailed {
		t.Fatalf("Type = %q, want %q", ev.Type, EventPayoutFailed)
	}
	if ev.Reason != "payout.reversed" {
		t.Errorf("Reason = %q, want the raw event name", ev.Reason)
	}
}

func TestDecodeRazorpayDisputeLost(t *testing.T) {
	body := []byte(`{
		"event": "payment.dispute.lost",
		"payload": {
			"dispute": {
				"entity": {"id": "disp_1", "payment_id": "pay_9", "amount": 120000, "currency": "INR"}
			},
			"payment": {
				"entity": {"id": "pay_9", "notes": {"wallet_id": "wal-9"}}
			}
		}
	}`)

	ev, err := Decode(ProviderRazorpay, body, razorpayHeaders("evt_rzp_6"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventPaymentReversed {
		t.Fatalf("Type = %q, want %q", ev.Type, EventPaymentReversed)
	}
	if ev.PaymentID != "pay_9" {
		t.Errorf("PaymentID = %q, want pay_9", ev.PaymentID)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("1200")) {
		t.Errorf("Amount = %s, want 1200", ev.Amount)
	}
	if ev.WalletID != "wal-9" {
		t.Errorf("WalletID = %q, want wal-9 (from the payment notes)", ev.WalletID)
	}
}

func TestDecodeRazorpayUnrecognizedEvent(t *testing.T) {
	body := []byte(`{"event": "payment.authorized", "payload": {}}`)
	ev, err := Decode(ProviderRazorpay, body, razorpayHeaders("evt_rzp_7"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != "" {
		t.Errorf("Type = %q, want empty for an event the ledger ignores", ev.Type)
	}
	if ev.RawType != "payment.authorized" {
		t.Errorf("RawType = %q", ev.RawType)
	}
}

func TestDecodeStripeEvents(t *testing.T) {
	captured := []byte(`{
		"id": "evt_st_1",
		"type": "payment_intent.succeeded",
		"data": {
			"object": {
				"id": "pi_3MtwBw",
				"amount": 12050,
				"amount_received": 12050,
				"currency": "usd",
				"metadata": {"wallet_id": "wal-2"}
			}
		}
	}`)
	ev, err := Decode(ProviderStripe, captured, http.Header{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventPaymentCaptured || ev.ID != "evt_st_1" {
		t.Fatalf("decoded (%q, %q)", ev.Type, ev.ID)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("120.50")) {
		t.Errorf("Amount = %s, want 120.50", ev.Amount)
	}
	if ev.Currency != "USD" {
		t.Errorf("Currency = %q, want USD", ev.Currency)
	}
	if ev.WalletID != "wal-2" {
		t.Errorf("WalletID = %q", ev.WalletID)
	}

	refunded := []byte(`{
		"id": "evt_st_2",
		"type": "charge.refunded",
		"data": {
			"object": {
				"id": "ch_3MtwBw",
				"amount": 12050,
				"amount_refunded": 2500,
				"currency": "usd",
				"payment_intent": "pi_3MtwBw",
				"metadata": {"wallet_id": "wal-2"}
			}
		}
	}`)
	ev, err = Decode(ProviderStripe, refunded, http.Header{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventRefundProcessed {
		t.Fatalf("Type = %q, want %q", ev.Type, EventRefundProcessed)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("25")) {
		t.Errorf("Amount = %s, want 25 (refunded portion only)", ev.Amount)
	}
	if ev.PaymentID != "pi_3MtwBw" {
		t.Errorf("PaymentID = %q, want pi_3MtwBw", ev.PaymentID)
	}

	payout := []byte(`{
		"id": "evt_st_3",
		"type": "payout.paid",
		"data": {"object": {"id": "po_1", "metadata": {"transaction_id": "txn-80"}}}
	}`)
	ev, err = Decode(ProviderStripe, payout, http.Header{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventPayoutSettled || ev.TransactionID != "txn-80" {
		t.Errorf("decoded (%q, %q), want (payout.settled, txn-80)", ev.Type, ev.TransactionID)
	}

	unknown := []byte(`{"id": "evt_st_4", "type": "invoice.created", "data": {"object": {"id": "in_1"}}}`)
	ev, err = Decode(ProviderStripe, unknown, http.Header{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != "" || ev.RawType != "invoice.created" {
		t.Errorf("decoded (%q, %q), want ignored event", ev.Type, ev.RawType)
	}
}

func TestDecodeCashfreePayment(t *testing.T) {
	body := []byte(`{
		"type": "PAYMENT_SUCCESS_WEBHOOK",
		"data": {
			"order": {
				"order_id": "order_413462",
				"order_tags": {"wallet_id": "wal-3", "business_id": "biz-3"}
			},
			"payment": {
				"cf_payment_id": 12376412,
				"payment_status": "SUCCESS",
				"payment_amount": 350.25,
				"payment_currency": "INR"
			}
		}
	}`)

	ev, err := Decode(ProviderCashfree, body, http.Header{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventPaymentCaptured {
		t.Fatalf("Type = %q, want %q", ev.Type, EventPaymentCaptured)
	}
	if ev.ID != "PAYMENT_SUCCESS_WEBHOOK:12376412" {
		t.Errorf("ID = %q, want synthesized id", ev.ID)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("350.25")) {
		t.Errorf("Amount = %s, want 350.25", ev.Amount)
	}
	if ev.WalletID != "wal-3" || ev.BusinessID != "biz-3" {
		t.Errorf("routing = (%q, %q)", ev.WalletID, ev.BusinessID)
	}
}

func TestDecodeCashfreeRefund(t *testing.T) {
	success := []byte(`{
		"type": "REFUND_STATUS_WEBHOOK",
		"data": {
			"order": {"order_id": "order_413462", "order_tags": {"wallet_id": "wal-3"}},
			"refund": {
				"cf_refund_id": 11325632,
				"refund_id": "refund_order_413462",
				"cf_payment_id": 12376412,
				"refund_status": "SUCCESS",
				"refund_amount": 100.00,
				"refund_currency": "INR"
			}
		}
	}`)
	ev, err := Decode(ProviderCashfree, success, http.Header{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != EventRefundProcessed {
		t.Fatalf("Type = %q, want %q", ev.Type, EventRefundProcessed)
	}
	if ev.ID != "REFUND_STATUS_WEBHOOK:refund_order_413462:SUCCESS" {
		t.Errorf("ID = %q", ev.ID)
	}
	if ev.PaymentID != "12376412" {
		t.Errorf("PaymentID = %q, want 12376412", ev.PaymentID)
	}

	pending := []byte(`{
		"type": "REFUND_STATUS_WEBHOOK",
		"data": {"refund": {"refund_id": "refund_order_413462", "refund_status": "PENDING"}}
	}`)
	ev, err = Decode(ProviderCashfree, pending, http.Header{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != "" {
		t.Errorf("Type = %q, want empty for a pending refund", ev.Type)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	if _, err := Decode("paypal", []byte(`{}`), http.Header{}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unknown provider error = %v, want ErrUnknownProvider", err)
	}

	for _, provider := range []string{ProviderStripe, ProviderRazorpay, ProviderCashfree} {
		if _, err := Decode(provider, []byte(`not json`), razorpayHeaders("evt_x")); !errors.Is(err, ErrBadPayload) {
			t.Errorf("%s garbage body error = %v, want ErrBadPayload", provider, err)
		}
	}

	// Razorpay deliveries without the event id header cannot be claimed
	// idempotently, so they are rejected outright.
	body := []byte(`{"event": "payment.captured", "payload": {"payment": {"entity": {"id": "pay_1", "amount": 100, "currency": "INR"}}}}`)
	if _, err := Decode(ProviderRazorpay, body, http.Header{}); !errors.Is(err, ErrBadPayload) {
		t.Errorf("missing event id error = %v, want ErrBadPayload", err)
	}

	if _, err := Decode(ProviderStripe, []byte(`{"type": "payout.paid"}`), http.Header{}); !errors.Is(err, ErrBadPayload) {
		t.Errorf("stripe body without id error = %v, want ErrBadPayload", err)
	}

	incomplete := []byte(`{"event": "payment.captured", "payload": {"payment": {"entity": {"id": "", "amount": 0}}}}`)
	if _, err := Decode(ProviderRazorpay, incomplete, razorpayHeaders("evt_y")); !errors.Is(err, ErrBadPayload) {
		t.Errorf("incomplete entity error = %v, want ErrBadPayload", err)
	}
}
