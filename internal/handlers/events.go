package handlers

import (
	"time"

	"github.com/google/uuid"

	"ledgerworks/pkg/kafka"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

// Ledger event types published to ledger.events. Consumers treat the stream
// as at-least-once; every event carries the transaction id for dedup.
const (
	eventWalletCredited    = "wallet.credited"
	eventWalletDebited     = "wallet.debited"
	eventHoldPlaced        = "hold.placed"
	eventHoldCaptured      = "hold.captured"
	eventHoldReleased      = "hold.released"
	eventHoldExpired       = "hold.expired"
	eventTransferSettled   = "transfer.settled"
	eventExchangeSettled   = "exchange.settled"
	eventWithdrawalPending = "withdrawal.pending"
	eventWithdrawalSettled = "withdrawal.settled"
	eventWithdrawalFailed  = "withdrawal.failed"
	eventCreditReversed    = "credit.reversed"
)

// emitLedgerEvent publishes a ledger event after the database commit. The
// ledger write is the source of truth: publish failures are logged and
// never unwind the transaction. Events for hold releases carry no
// transaction; wallet routing then comes from the data payload.
func emitLedgerEvent(eventType, businessID string, txn *models.Transaction, data map[string]interface{}) {
	if producer == nil {
		return
	}

	event := &kafka.LedgerEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Source:        "paymaster",
		BusinessID:    businessID,
		Data:          data,
		SchemaVersion: "1.0",
	}
	if txn != nil {
		event.WalletID = txn.WalletID
		event.TransactionID = txn.ID
		event.Amount = txn.Amount.String()
		event.Currency = txn.Currency
	} else if walletID, ok := data["wallet_id"].(string); ok {
		event.WalletID = walletID
	}

	if err := producer.PublishLedgerEvent(event); err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"event_type": eventType,
			"wallet_id":  event.WalletID,
		}).Warn("Failed to publish ledger event")
	}
}
