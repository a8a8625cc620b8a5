package handlers

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"ledgerworks/internal/ledger"
	"ledgerworks/internal/reconcile"
	"ledgerworks/pkg/config"
	"ledgerworks/pkg/kafka"
	"ledgerworks/pkg/logging"
)

// JobManager runs the ledger's background maintenance loops
type JobManager struct {
	db         *sql.DB
	logger     logging.Logger
	ledger     *ledger.Engine
	reconciler *reconcile.Engine
	consumer   *kafka.Consumer
	producer   *kafka.KafkaProducer
	stopCh     chan struct{}

	holdSweepInterval time.Duration
	reconRunInterval  time.Duration
	timeoutInterval   time.Duration
	withdrawalTimeout time.Duration
	retentionInterval time.Duration
	webhookRetention  time.Duration
	batchSize         int
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger, ledgerEngine *ledger.Engine, reconEngine *reconcile.Engine, producer *kafka.KafkaProducer) *JobManager {
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "paymaster")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "paymaster-statements")

	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, log)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka consumer for statement ingest")
		// Keep the API running without the consumer; HTTP ingest still works
	}

	return &JobManager{
		db:         database,
		logger:     log,
		ledger:     ledgerEngine,
		reconciler: reconEngine,
		consumer:   consumer,
		producer:   producer,
		stopCh:     make(chan struct{}),

		holdSweepInterval: config.GetEnvDuration("HOLD_SWEEP_INTERVAL", 30*time.Second),
		reconRunInterval:  config.GetEnvDuration("RECON_RUN_INTERVAL", 15*time.Second),
		timeoutInterval:   config.GetEnvDuration("WITHDRAWAL_TIMEOUT_INTERVAL", 5*time.Minute),
		withdrawalTimeout: config.GetEnvDuration("WITHDRAWAL_TIMEOUT", 24*time.Hour),
		retentionInterval: config.GetEnvDuration("WEBHOOK_TRIM_INTERVAL", time.Hour),
		webhookRetention:  config.GetEnvDuration("WEBHOOK_RETENTION", 30*24*time.Hour),
		batchSize:         config.GetEnvInt("JOB_BATCH_SIZE", 100),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting ledger job manager")

	if jm.consumer != nil {
		jm.consumer.AddHandler(kafka.TopicLedgerStatements, jm.handleStatementLine)
		go func() {
			if err := jm.consumer.Start(ctx); err != nil {
				jm.logger.WithError(err).Error("Kafka consumer exited with error")
			}
		}()
	}

	go jm.runHoldSweep(ctx)
	go jm.runWithdrawalTimeouts(ctx)
	go jm.runReconciliation(ctx)
	go jm.runWebhookTrim(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping ledger job manager")
	if jm.consumer != nil {
		jm.consumer.Close()
	}
	close(jm.stopCh)
}

// ConsumerClient exposes the statement consumer's client for health checks.
// Nil when the consumer could not be created.
func (jm *JobManager) ConsumerClient() *kgo.Client {
	if jm.consumer == nil {
		return nil
	}
	return jm.consumer.GetClient()
}

// handleStatementLine consumes external statement lines from Kafka and
// feeds them into the reconciliation store. Malformed and invalid lines
// go to the DLQ so one bad line never wedges the partition.
func (jm *JobManager) handleStatementLine(ctx context.Context, msg kafka.Message) error {
	line, err := kafka.DecodeStatementLine(msg.Value)
	if err != nil {
		jm.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Dropping malformed statement line")
		jm.sendToDLQ(msg, err)
		return nil
	}
	recordDate, err := line.Date()
	if err != nil {
		jm.sendToDLQ(msg, err)
		return nil
	}

	result, err := jm.reconciler.IngestRecords(ctx, []reconcile.RecordInput{{
		BusinessID:   line.BusinessID,
		Source:       line.Source,
		ExternalRef:  line.ExternalRef,
		Counterparty: line.Counterparty,
		Amount:       line.Amount,
		Currency:     line.Currency,
		RecordDate:   recordDate,
		Raw:          line.Raw,
	}})
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidRecord) {
			jm.logger.WithError(err).WithFields(logging.Fields{
				"source":       line.Source,
				"external_ref": line.ExternalRef,
			}).Warn("Dropping invalid statement line")
			jm.sendToDLQ(msg, err)
			return nil
		}
		jm.logger.WithError(err).WithFields(logging.Fields{
			"source":       line.Source,
			"external_ref": line.ExternalRef,
		}).Error("Failed to ingest statement line")
		return err // Redeliver
	}

	jm.logger.WithFields(logging.Fields{
		"source":       line.Source,
		"external_ref": line.ExternalRef,
		"inserted":     result.Inserted,
		"updated":      result.Updated,
	}).Debug("Statement line ingested")
	return nil
}

// sendToDLQ forwards a poisoned statement line to the DLQ topic with the
// failure attached.
func (jm *JobManager) sendToDLQ(msg kafka.Message, cause error) {
	if jm.producer == nil {
		return
	}
	payload, err := kafka.EncodeDLQMessage(msg, cause, "paymaster-statements")
	if err != nil {
		jm.logger.WithError(err).Error("Failed to encode DLQ message")
		return
	}
	if err := jm.producer.ProduceMessage(kafka.TopicLedgerStatementsDLQ, msg.Key, payload, nil); err != nil {
		jm.logger.WithError(err).WithField("topic", kafka.TopicLedgerStatementsDLQ).Error("Failed to produce DLQ message")
	}
}

// runHoldSweep expires overdue holds and restores their headroom
func (jm *JobManager) runHoldSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.holdSweepInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting hold expiry sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepExpiredHolds(ctx)
		}
	}
}

func (jm *JobManager) sweepExpiredHolds(ctx context.Context) {
	expired, err := jm.ledger.SweepExpiredHolds(ctx, jm.batchSize)
	if err != nil {
		jm.logger.WithError(err).Error("Hold expiry sweep failed")
		return
	}
	if len(expired) == 0 {
		return
	}

	for _, h := range expired {
		emitLedgerEvent(eventHoldExpired, "", nil, map[string]interface{}{
			"hold_id":   h.ID,
			"wallet_id": h.WalletID,
			"amount":    h.Amount.String(),
		})
	}
	jm.logger.WithField("count", len(expired)).Info("Expired overdue holds")
}

// runWithdrawalTimeouts fails withdrawals that stayed pending too long
func (jm *JobManager) runWithdrawalTimeouts(ctx context.Context) {
	ticker := time.NewTicker(jm.timeoutInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting withdrawal timeout job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.timeoutWithdrawals(ctx)
		}
	}
}

func (jm *JobManager) timeoutWithdrawals(ctx context.Context) {
	results, err := jm.ledger.TimeoutWithdrawals(ctx, jm.withdrawalTimeout, jm.batchSize)
	if err != nil {
		jm.logger.WithError(err).Error("Withdrawal timeout sweep failed")
		return
	}
	if len(results) == 0 {
		return
	}

	for _, r := range results {
		emitLedgerEvent(eventWithdrawalFailed, "", r.Transaction, map[string]interface{}{
			"reason": "timeout",
		})
	}
	jm.logger.WithField("count", len(results)).Info("Timed out stale withdrawals")
}

// runReconciliation executes queued reconciliation batches
func (jm *JobManager) runReconciliation(ctx context.Context) {
	ticker := time.NewTicker(jm.reconRunInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting reconciliation runner job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.runPendingBatches(ctx)
		}
	}
}

func (jm *JobManager) runPendingBatches(ctx context.Context) {
	n, err := jm.reconciler.RunPending(ctx, jm.batchSize)
	if err != nil {
		jm.logger.WithError(err).Error("Reconciliation runner failed")
		return
	}
	if n == 0 {
		return
	}
	if metrics != nil && metrics.ReconcileBatches != nil {
		metrics.ReconcileBatches.WithLabelValues("executed").Add(float64(n))
	}
	jm.logger.WithField("count", n).Info("Ran reconciliation batches")
}

// runWebhookTrim prunes webhook event rows past the retention window
func (jm *JobManager) runWebhookTrim(ctx context.Context) {
	ticker := time.NewTicker(jm.retentionInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting webhook retention job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.trimWebhookEvents(ctx)
		}
	}
}

func (jm *JobManager) trimWebhookEvents(ctx context.Context) {
	cutoff := time.Now().Add(-jm.webhookRetention)
	result, err := jm.db.ExecContext(ctx, `
		DELETE FROM paymaster.webhook_events
		WHERE received_at < $1`, cutoff)
	if err != nil {
		jm.logger.WithError(err).Error("Webhook event trim failed")
		return
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		jm.logger.WithField("deleted", deleted).Info("Trimmed old webhook events")
	}
}
