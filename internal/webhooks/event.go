package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"ledgerworks/pkg/currency"
)

// Canonical event types the ledger acts on. Provider-native names are
// mapped onto these during decode.
const (
	EventPaymentCaptured = "payment.captured"
	EventRefundProcessed = "refund.processed"
	EventPayoutSettled   = "payout.settled"
	EventPayoutFailed    = "payout.failed"
	EventPaymentReversed = "payment.reversed"
)

var (
	// ErrUnknownProvider means no decoder exists for the provider name.
	ErrUnknownProvider = errors.New("unknown webhook provider")
	// ErrBadPayload means the body did not parse as the provider's schema.
	ErrBadPayload = errors.New("malformed webhook payload")
)

// Event is one provider callback reduced to the fields a ledger call
// needs. ID is the idempotency scope: redeliveries of the same provider
// event decode to the same ID every time.
type Event struct {
	Provider string
	ID       string
	Type     string // canonical type, empty when the ledger has no action
	RawType  string // provider-native event name, kept for logs

	WalletID      string
	BusinessID    string
	Amount        decimal.Decimal
	Currency      string
	Reference     string // provider-side payment, refund, payout or dispute id
	PaymentID     string // originating provider payment for refunds and reversals
	TransactionID string // ledger withdrawal targeted by payout events
	Reason        string // provider failure detail on failed payouts
}

// Decode parses a provider body into the canonical event. Events the
// provider sends but the ledger does not act on decode with Type == ""
// so the caller can acknowledge them without retries.
func Decode(provider string, body []byte, headers http.Header) (*Event, error) {
	switch provider {
	case ProviderStripe:
		return decodeStripe(body)
	case ProviderRazorpay:
		return decodeRazorpay(body, headers)
	case ProviderCashfree:
		return decodeCashfree(body)
	default:
		return nil, ErrUnknownProvider
	}
}

type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	PaymentIntent  string            `json:"payment_intent"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
}

func decodeStripe(body []byte) (*Event, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrBadPayload)
	}

	var obj stripeObject
	if len(env.Data.Object) > 0 {
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}

	ev := &Event{Provider: ProviderStripe, ID: env.ID, RawType: env.Type}
	switch env.Type {
	case "payment_intent.succeeded":
		if obj.ID == "" {
			return nil, fmt.Errorf("%w: incomplete payment intent", ErrBadPayload)
		}
		ev.Type = EventPaymentCaptured
		ev.Reference = obj.ID
		ev.Currency = currency.Normalize(obj.Currency)
		amount := obj.AmountReceived
		if amount == 0 {
			amount = obj.Amount
		}
		ev.Amount = currency.FromMinorUnits(amount, ev.Currency)
		ev.WalletID = obj.Metadata["wallet_id"]
		ev.BusinessID = obj.Metadata["business_id"]
	case "charge.refunded":
		if obj.ID == "" {
			return nil, fmt.Errorf("%w: incomplete charge", ErrBadPayload)
		}
		ev.Type = EventRefundProcessed
		ev.Reference = obj.ID
		ev.PaymentID = obj.PaymentIntent
		ev.Currency = currency.Normalize(obj.Currency)
		ev.Amount = currency.FromMinorUnits(obj.AmountRefunded, ev.Currency)
		ev.WalletID = obj.Metadata["wallet_id"]
		ev.BusinessID = obj.Metadata["business_id"]
	case "payout.paid":
		ev.Type = EventPayoutSettled
		ev.Reference = obj.ID
		ev.TransactionID = obj.Metadata["transaction_id"]
	case "payout.failed":
		ev.Type = EventPayoutFailed
		ev.Reference = obj.ID
		ev.TransactionID = obj.Metadata["transaction_id"]
		ev.Reason = obj.FailureMessage
	}
	return ev, nil
}

// razorpayNotes tolerates Razorpay sending [] in place of an empty notes
// object.
type razorpayNotes map[string]any

func (n *razorpayNotes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == '[' || bytes.Equal(trimmed, []byte("null")) {
		*n = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*n = m
	return nil
}

func (n razorpayNotes) get(key string) string {
	val, ok := n[key]
	if !ok || val == nil {
		return ""
	}
	return fmt.Sprint(val)
}

type razorpayEntity struct {
	ID            string        `json:"id"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	Status        string        `json:"status"`
	PaymentID     string        `json:"payment_id"`
	ReferenceID   string        `json:"reference_id"`
	FailureReason string        `json:"failure_reason"`
	Notes         razorpayNotes `json:"notes"`
}

type razorpayEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"refund"`
		Payout struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"payout"`
		Dispute struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"dispute"`
	} `json:"payload"`
}

func decodeRazorpay(body []byte, headers http.Header) (*Event, error) {
	var env razorpayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrBadPayload)
	}
	eventID := headers.Get("X-Razorpay-Event-Id")
	if eventID == "" {
		return nil, fmt.Errorf("%w: missing X-Razorpay-Event-Id", ErrBadPayload)
	}

	ev := &Event{Provider: ProviderRazorpay, ID: eventID, RawType: env.Event}
	switch env.Event {
	case "payment.captured":
		entity := env.Payload.Payment.Entity
		if entity.ID == "" || entity.Amount <= 0 {
			return nil, fmt.Errorf("%w: incomplete payment entity", ErrBadPayload)
		}
		ev.Type = EventPaymentCaptured
		ev.Reference = entity.ID
		ev.Currency = currency.Normalize(entity.Currency)
		ev.Amount = currency.FromMinorUnits(entity.Amount, ev.Currency)
		ev.WalletID = entity.Notes.get("wallet_id")
		ev.BusinessID = entity.Notes.get("business_id")
	case "refund.processed":
		entity := env.Payload.Refund.Entity
		if entity.ID == "" || entity.Amount <= 0 {
			return nil, fmt.Errorf("%w: incomplete refund entity", ErrBadPayload)
		}
		ev.Type = EventRefundProcessed
		ev.Reference = entity.ID
		ev.PaymentID = entity.PaymentID
		ev.Currency = currency.Normalize(entity.Currency)
		ev.Amount = currency.FromMinorUnits(entity.Amount, ev.Currency)
		ev.WalletID = entity.Notes.get("wallet_id")
		ev.BusinessID = entity.Notes.get("business_id")
	case "payout.processed":
		entity := env.Payload.Payout.Entity
		if entity.ID == "" {
			return nil, fmt.Errorf("%w: incomplete payout entity", ErrBadPayload)
		}
		ev.Type = EventPayoutSettled
		ev.Reference = entity.ID
		ev.TransactionID = payoutTransactionID(entity)
	case "payout.failed", "payout.reversed":
		entity := env.Payload.Payout.Entity
		if entity.ID == "" {
			return nil, fmt.Errorf("%w: incomplete payout entity", ErrBadPayload)
		}
		ev.Type = EventPayoutFailed
		ev.Reference = entity.ID
		ev.TransactionID = payoutTransactionID(entity)
		ev.Reason = entity.FailureReason
		if ev.Reason == "" {
			ev.Reason = env.Event
		}
	case "payment.dispute.lost":
		dispute := env.Payload.Dispute.Entity
		payment := env.Payload.Payment.Entity
		if dispute.ID == "" {
			return nil, fmt.Errorf("%w: incomplete dispute entity", ErrBadPayload)
		}
		ev.Type = EventPaymentReversed
		ev.Reference = dispute.ID
		ev.PaymentID = dispute.PaymentID
		if ev.PaymentID == "" {
			ev.PaymentID = payment.ID
		}
		ev.Currency = currency.Normalize(dispute.Currency)
		ev.Amount = currency.FromMinorUnits(dispute.Amount, ev.Currency)
		ev.WalletID = payment.Notes.get("wallet_id")
		ev.BusinessID = payment.Notes.get("business_id")
	}
	return ev, nil
}

// payoutTransactionID prefers the reference we set when creating the
// payout, falling back to the notes copy.
func payoutTransactionID(entity razorpayEntity) string {
	if entity.ReferenceID != "" {
		return entity.ReferenceID
	}
	return entity.Notes.get("transaction_id")
}

type cashfreeEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID   string            `json:"order_id"`
			OrderTags map[string]string `json:"order_tags"`
		} `json:"order"`
		Payment struct {
			CFPaymentID     json.Number     `json:"cf_payment_id"`
			PaymentStatus   string          `json:"payment_status"`
			PaymentAmount   decimal.Decimal `json:"payment_amount"`
			PaymentCurrency string          `json:"payment_currency"`
		} `json:"payment"`
		Refund struct {
			CFRefundID     json.Number     `json:"cf_refund_id"`
			RefundID       string          `json:"refund_id"`
			CFPaymentID    json.Number     `json:"cf_payment_id"`
			RefundStatus   string          `json:"refund_status"`
			RefundAmount   decimal.Decimal `json:"refund_amount"`
			RefundCurrency string          `json:"refund_currency"`
		} `json:"refund"`
	} `json:"data"`
}

// decodeCashfree handles the payment-gateway webhook family. Cashfree
// payloads carry no event id, so one is synthesized from the event type
// and the provider object id, stable across redeliveries.
func decodeCashfree(body []byte) (*Event, error) {
	var env cashfreeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrBadPayload)
	}

	ev := &Event{Provider: ProviderCashfree, ID: env.Type, RawType: env.Type}
	switch env.Type {
	case "PAYMENT_SUCCESS_WEBHOOK":
		payment := env.Data.Payment
		ref := payment.CFPaymentID.String()
		if ref == "" {
			return nil, fmt.Errorf("%w: missing payment id", ErrBadPayload)
		}
		ev.Type = EventPaymentCaptured
		ev.ID = env.Type + ":" + ref
		ev.Reference = ref
		ev.Currency = currency.Normalize(payment.PaymentCurrency)
		ev.Amount = payment.PaymentAmount
		ev.WalletID = env.Data.Order.OrderTags["wallet_id"]
		ev.BusinessID = env.Data.Order.OrderTags["business_id"]
	case "REFUND_STATUS_WEBHOOK":
		refund := env.Data.Refund
		ref := refund.RefundID
		if ref == "" {
			ref = refund.CFRefundID.String()
		}
		if ref == "" {
			return nil, fmt.Errorf("%w: missing refund id", ErrBadPayload)
		}
		ev.ID = env.Type + ":" + ref + ":" + refund.RefundStatus
		if refund.RefundStatus != "SUCCESS" {
			return ev, nil
		}
		ev.Type = EventRefundProcessed
		ev.Reference = ref
		ev.PaymentID = refund.CFPaymentID.String()
		ev.Currency = currency.Normalize(refund.RefundCurrency)
		ev.Amount = refund.RefundAmount
		ev.WalletID = env.Data.Order.OrderTags["wallet_id"]
		ev.BusinessID = env.Data.Order.OrderTags["business_id"]
	}
	return ev, nil
}
