package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"ledgerworks/internal/exchange"
	"ledgerworks/internal/ledger"
	"ledgerworks/internal/reconcile"
	"ledgerworks/internal/webhooks"
	"ledgerworks/pkg/kafka"
	"ledgerworks/pkg/logging"
)

var (
	db          *sql.DB
	logger      logging.Logger
	metrics     *PaymasterMetrics
	ledgerEng   *ledger.Engine
	exchangeEng *exchange.Engine
	reconEng    *reconcile.Engine
	webhookReg  *webhooks.Registry
	producer    *kafka.KafkaProducer
)

// PaymasterMetrics holds all Prometheus metrics for Paymaster
type PaymasterMetrics struct {
	LedgerOperations         *prometheus.CounterVec
	WebhookEvents            *prometheus.CounterVec
	WebhookSignatureFailures *prometheus.CounterVec
	ReconcileBatches         *prometheus.CounterVec
	DBQueries                *prometheus.CounterVec
	DBDuration               *prometheus.HistogramVec
	DBConnections            *prometheus.GaugeVec
}

// Engines bundles the domain engines and outbound plumbing the handlers
// call into.
type Engines struct {
	Ledger    *ledger.Engine
	Exchange  *exchange.Engine
	Reconcile *reconcile.Engine
	Webhooks  *webhooks.Registry
	Producer  *kafka.KafkaProducer
}

// Init initializes the handlers with database, logger, metrics and engines
func Init(database *sql.DB, log logging.Logger, paymasterMetrics *PaymasterMetrics, engines Engines) {
	db = database
	logger = log
	metrics = paymasterMetrics
	ledgerEng = engines.Ledger
	exchangeEng = engines.Exchange
	reconEng = engines.Reconcile
	webhookReg = engines.Webhooks
	producer = engines.Producer
}

// countOperation increments the per-operation counter. Metrics are optional
// so tests can run without a collector.
func countOperation(operation, status string) {
	if metrics == nil || metrics.LedgerOperations == nil {
		return
	}
	metrics.LedgerOperations.WithLabelValues(operation, status).Inc()
}

func countWebhook(provider, outcome string) {
	if metrics == nil || metrics.WebhookEvents == nil {
		return
	}
	metrics.WebhookEvents.WithLabelValues(provider, outcome).Inc()
}

func countSignatureFailure(provider string) {
	if metrics == nil || metrics.WebhookSignatureFailures == nil {
		return
	}
	metrics.WebhookSignatureFailures.WithLabelValues(provider).Inc()
}

func countBatch(status string) {
	if metrics == nil || metrics.ReconcileBatches == nil {
		return
	}
	metrics.ReconcileBatches.WithLabelValues(status).Inc()
}
