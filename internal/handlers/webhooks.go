package handlers

import (
	"context"
	"errors"
	"net/http"

	"ledgerworks/internal/ledger"
	"ledgerworks/internal/webhooks"
	paymasterapi "ledgerworks/pkg/api/paymaster"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/middleware"
	"ledgerworks/pkg/models"
)

// Webhook processing outcomes recorded on the event row and reported to
// the provider. Rejections and unroutable events still acknowledge with
// 200 so providers stop redelivering them; only infrastructure failures
// return 500 to trigger a retry.
const (
	webhookProcessed        = "processed"
	webhookAlreadyProcessed = "already_processed"
	webhookIgnored          = "ignored"
	webhookRejected         = "rejected"
	webhookUnroutable       = "unroutable"
)

// HandleProviderWebhook ingests one provider callback: verify the
// signature against the provider's strategy, decode to a canonical event,
// claim the (provider, event_id) pair and apply the ledger action. The
// claim row makes redeliveries no-ops even across instances.
func HandleProviderWebhook(c middleware.Context) {
	provider := c.Param("provider")
	if !webhookReg.Known(provider) {
		c.JSON(http.StatusNotFound, paymasterapi.ErrorResponse{Error: "Unknown provider"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Unreadable body"})
		return
	}

	if webhookReg.Secret(provider) == "" {
		logger.WithField("provider", provider).Error("Webhook secret not configured")
		c.JSON(http.StatusServiceUnavailable, paymasterapi.ErrorResponse{Error: "Provider not configured"})
		return
	}

	if !webhookReg.Verify(provider, body, c.Request.Header) {
		countSignatureFailure(provider)
		logger.WithFields(logging.Fields{
			"provider":    provider,
			"remote_addr": c.ClientIP(),
		}).Warn("Webhook signature verification failed")
		c.JSON(http.StatusUnauthorized, paymasterapi.ErrorResponse{Error: "Invalid signature"})
		return
	}

	evt, err := webhooks.Decode(provider, body, c.Request.Header)
	if err != nil {
		logger.WithError(err).WithField("provider", provider).Warn("Webhook payload failed to decode")
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Malformed payload"})
		return
	}

	if evt.Type == "" {
		logger.WithFields(logging.Fields{
			"provider":   provider,
			"event_type": evt.RawType,
		}).Debug("Ignoring webhook event type")
		countWebhook(provider, webhookIgnored)
		c.JSON(http.StatusOK, paymasterapi.WebhookResponse{Status: webhookIgnored, EventID: evt.ID})
		return
	}

	ctx := c.Request.Context()
	claimed, err := claimWebhookEvent(ctx, evt)
	if err != nil {
		logger.WithError(err).WithField("provider", provider).Error("Failed to claim webhook event")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Internal error", Code: "INTERNAL"})
		return
	}
	if !claimed {
		countWebhook(provider, webhookAlreadyProcessed)
		c.JSON(http.StatusOK, paymasterapi.WebhookResponse{Status: webhookAlreadyProcessed, EventID: evt.ID})
		return
	}

	outcome, err := applyWebhookEvent(ctx, evt)
	if err != nil {
		// Infrastructure failure: free the claim so the provider's
		// redelivery can try again.
		releaseWebhookEvent(evt)
		logger.WithError(err).WithFields(logging.Fields{
			"provider": provider,
			"event_id": evt.ID,
			"type":     evt.Type,
		}).Error("Failed to apply webhook event")
		countWebhook(provider, "error")
		c.JSON(http.StatusInternalServerError, paymasterapi.ErrorResponse{Error: "Internal error", Code: "INTERNAL"})
		return
	}

	if err := finishWebhookEvent(ctx, evt, outcome); err != nil {
		// The ledger action committed; the row just keeps its claim
		// marker. Redeliveries still dedup on the unique key.
		logger.WithError(err).WithField("event_id", evt.ID).Warn("Failed to mark webhook event outcome")
	}
	countWebhook(provider, outcome)

	logger.WithFields(logging.Fields{
		"provider": provider,
		"event_id": evt.ID,
		"type":     evt.Type,
		"outcome":  outcome,
	}).Info("Webhook event handled")
	c.JSON(http.StatusOK, paymasterapi.WebhookResponse{Status: outcome, EventID: evt.ID})
}

// claimWebhookEvent inserts the dedup row. A false return means another
// delivery of the same event already claimed it.
func claimWebhookEvent(ctx context.Context, evt *webhooks.Event) (bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT INTO paymaster.webhook_events (provider, event_id, event_type, outcome)
		VALUES ($1, $2, $3, 'processing')
		ON CONFLICT (provider, event_id) DO NOTHING`,
		evt.Provider, evt.ID, evt.Type)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// finishWebhookEvent records the terminal outcome on the claim row.
func finishWebhookEvent(ctx context.Context, evt *webhooks.Event, outcome string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE paymaster.webhook_events
		SET outcome = $1, processed_at = now()
		WHERE provider = $2 AND event_id = $3`,
		outcome, evt.Provider, evt.ID)
	return err
}

// releaseWebhookEvent drops an unfinished claim after an infrastructure
// failure. Uses a fresh context so a canceled request still releases.
func releaseWebhookEvent(evt *webhooks.Event) {
	_, err := db.ExecContext(context.Background(), `
		DELETE FROM paymaster.webhook_events
		WHERE provider = $1 AND event_id = $2 AND processed_at IS NULL`,
		evt.Provider, evt.ID)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"provider": evt.Provider,
			"event_id": evt.ID,
		}).Error("Failed to release webhook claim")
	}
}

// applyWebhookEvent runs the ledger action for a claimed event. Business
// rejections (closed wallet, currency mismatch, unknown transaction state)
// resolve to an outcome with a nil error: the provider gets a 200 and no
// redelivery loop. Only infrastructure errors propagate.
func applyWebhookEvent(ctx context.Context, evt *webhooks.Event) (string, error) {
	key := evt.Provider + ":" + evt.ID

	switch evt.Type {
	case webhooks.EventPaymentCaptured:
		w, err := walletForWebhook(ctx, evt, true)
		if err != nil {
			return webhookOutcomeForError(evt, err)
		}
		if w == nil {
			return unroutable(evt, "no wallet or business reference")
		}
		result, err := ledgerEng.Credit(ctx, ledger.MutationArgs{
			WalletID:       w.ID,
			Amount:         evt.Amount,
			Currency:       evt.Currency,
			ReferenceType:  "payment",
			ReferenceID:    evt.Reference,
			IdempotencyKey: key,
			Metadata:       webhookMetadata(evt),
		})
		if err != nil {
			return webhookOutcomeForError(evt, err)
		}
		if !result.Replayed {
			emitLedgerEvent(eventWalletCredited, w.BusinessID, result.Transaction, map[string]interface{}{
				"provider": evt.Provider,
			})
		}
		return webhookProcessed, nil

	case webhooks.EventRefundProcessed:
		w, err := walletForWebhook(ctx, evt, false)
		if err != nil {
			return webhookOutcomeForError(evt, err)
		}
		if w == nil {
			return unroutable(evt, "no wallet or business reference")
		}
		meta := webhookMetadata(evt)
		meta["payment_id"] = evt.PaymentID
		result, err := ledgerEng.Debit(ctx, ledger.MutationArgs{
			WalletID:       w.ID,
			Amount:         evt.Amount,
			Currency:       evt.Currency,
			ReferenceType:  "refund",
			ReferenceID:    evt.Reference,
			IdempotencyKey: key,
			Metadata:       meta,
		})
		if err != nil {
			return webhookOutcomeForError(evt, err)
		}
		if !result.Replayed {
			emitLedgerEvent(eventWalletDebited, w.BusinessID, result.Transaction, map[string]interface{}{
				"provider": evt.Provider,
				"refund":   evt.Reference,
			})
		}
		return webhookProcessed, nil

	case webhooks.EventPayoutSettled, webhooks.EventPayoutFailed:
		if evt.TransactionID == "" {
			return unroutable(evt, "payout carries no transaction reference")
		}
		outcome := ledger.OutcomeSettled
		eventType := eventWithdrawalSettled
		if evt.Type == webhooks.EventPayoutFailed {
			outcome = ledger.OutcomeFailed
			eventType = eventWithdrawalFailed
		}
		result, err := ledgerEng.SettleWithdrawal(ctx, evt.TransactionID, outcome, evt.Reason)
		if err != nil {
			return webhookOutcomeForError(evt, err)
		}
		if !result.Replayed {
			emitLedgerEvent(eventType, "", result.Transaction, map[string]interface{}{
				"provider":   evt.Provider,
				"payout_ref": evt.Reference,
			})
		}
		return webhookProcessed, nil

	case webhooks.EventPaymentReversed:
		w, err := walletForWebhook(ctx, evt, false)
		if err != nil {
			return webhookOutcomeForError(evt, err)
		}
		if w == nil || evt.PaymentID == "" {
			return unroutable(evt, "no wallet or payment reference")
		}
		original, err := ledgerEng.TransactionByReference(ctx, w.ID, "payment", evt.PaymentID)
		if err != nil {
			if errors.Is(err, ledger.ErrTransactionNotFound) {
				return unroutable(evt, "no ledger credit for disputed payment")
			}
			return webhookOutcomeForError(evt, err)
		}
		meta := webhookMetadata(evt)
		meta["dispute"] = evt.Reference
		result, err := ledgerEng.Reverse(ctx, original.ID, key, meta)
		if err != nil {
			return webhookOutcomeForError(evt, err)
		}
		if !result.Replayed {
			emitLedgerEvent(eventCreditReversed, w.BusinessID, result.Transaction, map[string]interface{}{
				"provider":    evt.Provider,
				"reversed_id": original.ID,
			})
		}
		return webhookProcessed, nil
	}

	return unroutable(evt, "no handler for event type")
}

// webhookOutcomeForError sorts ledger failures: coded errors are business
// decisions the provider cannot fix by retrying, everything else is
// infrastructure and propagates for a 500.
func webhookOutcomeForError(evt *webhooks.Event, err error) (string, error) {
	if ledger.Code(err) == "INTERNAL" {
		return "", err
	}
	logger.WithError(err).WithFields(logging.Fields{
		"provider": evt.Provider,
		"event_id": evt.ID,
		"type":     evt.Type,
	}).Warn("Webhook event rejected by ledger")
	return webhookRejected, nil
}

func unroutable(evt *webhooks.Event, reason string) (string, error) {
	logger.WithFields(logging.Fields{
		"provider": evt.Provider,
		"event_id": evt.ID,
		"type":     evt.Type,
		"reason":   reason,
	}).Warn("Webhook event unroutable")
	return webhookUnroutable, nil
}

// walletForWebhook resolves the wallet an event routes to. A direct
// wallet id wins; otherwise the business reference resolves by currency,
// creating the wallet on first credit when create is set. A nil wallet
// with nil error means the event carried no routing at all.
func walletForWebhook(ctx context.Context, evt *webhooks.Event, create bool) (*models.Wallet, error) {
	if evt.WalletID != "" {
		return ledgerEng.Wallet(ctx, evt.WalletID)
	}
	if evt.BusinessID == "" {
		return nil, nil
	}
	if create {
		return ledgerEng.EnsureWallet(ctx, evt.BusinessID, evt.Currency)
	}
	return ledgerEng.WalletByOwner(ctx, evt.BusinessID, evt.Currency)
}

func webhookMetadata(evt *webhooks.Event) models.JSONB {
	return models.JSONB{
		"provider":       evt.Provider,
		"provider_event": evt.ID,
		"provider_type":  evt.RawType,
	}
}
