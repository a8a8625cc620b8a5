package main

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerworks/internal/exchange"
	"ledgerworks/internal/handlers"
	"ledgerworks/internal/ledger"
	ledgerpg "ledgerworks/internal/ledger/postgres"
	"ledgerworks/internal/reconcile"
	reconcilepg "ledgerworks/internal/reconcile/postgres"
	"ledgerworks/internal/webhooks"
	"ledgerworks/pkg/auth"
	"ledgerworks/pkg/cache"
	"ledgerworks/pkg/config"
	"ledgerworks/pkg/crypto"
	"ledgerworks/pkg/database"
	"ledgerworks/pkg/kafka"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/monitoring"
	"ledgerworks/pkg/redis"
	"ledgerworks/pkg/server"
	"ledgerworks/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("paymaster")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Paymaster (Ledger API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	rateProviderURL := config.RequireEnv("EXCHANGE_RATE_URL")

	// Connect to database and apply the embedded schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}
	if err := database.ApplySeeds(context.Background(), db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database seeds")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("paymaster", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("paymaster", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Redis is optional; quotes fall back to process memory without it
	var quoteStore exchange.QuoteStore
	if redisAddr := config.GetEnv("REDIS_ADDR", ""); redisAddr != "" {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err := redis.NewUniversalClient(pingCtx, redis.Config{
			Mode:     redis.ModeSingle,
			Addrs:    []string{redisAddr},
			Password: config.GetEnv("REDIS_PASSWORD", ""),
		})
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Redis; exchange quotes held in process memory")
		} else {
			defer redisClient.Close()
			quoteStore = exchange.NewRedisQuoteStore(redisClient)
			healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
		}
	}
	if quoteStore == nil {
		quoteStore = exchange.NewMemoryQuoteStore()
	}

	// Kafka producer for post-commit ledger events. The ledger keeps
	// working without it; events are simply not published.
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	producer, err := kafka.NewKafkaProducer(brokers, logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to create Kafka producer; ledger events disabled")
		producer = nil
	} else {
		defer producer.Close()
		healthChecker.AddCheck("kafka-producer", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
	}

	// Create custom ledger metrics
	metrics := &handlers.PaymasterMetrics{
		LedgerOperations:         metricsCollector.NewCounter("ledger_operations_total", "Ledger operations", []string{"operation", "status"}),
		WebhookEvents:            metricsCollector.NewCounter("webhook_events_total", "Webhook events by outcome", []string{"provider", "outcome"}),
		WebhookSignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total", "Webhook signature verification failures", []string{"provider"}),
		ReconcileBatches:         metricsCollector.NewCounter("reconciliation_batches_total", "Reconciliation batches by status", []string{"status"}),
	}
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	ruleCacheEvents := metricsCollector.NewCounter("rule_cache_events_total", "Reconciliation rule cache events", []string{"event"})
	cacheHooks := cache.MetricsHooks{
		OnHit:   func(map[string]string) { ruleCacheEvents.WithLabelValues("hit").Inc() },
		OnMiss:  func(map[string]string) { ruleCacheEvents.WithLabelValues("miss").Inc() },
		OnStale: func(map[string]string) { ruleCacheEvents.WithLabelValues("stale").Inc() },
		OnStore: func(map[string]string) { ruleCacheEvents.WithLabelValues("store").Inc() },
		OnError: func(map[string]string) { ruleCacheEvents.WithLabelValues("error").Inc() },
	}

	// Wire the engines over their Postgres stores
	ledgerOpts := []ledger.Option{}
	if encSecret := config.GetEnv("FIELD_ENCRYPTION_SECRET", ""); encSecret != "" {
		destEnc, err := crypto.DeriveFieldEncryptor([]byte(encSecret), "withdrawal-destinations")
		if err != nil {
			logger.WithError(err).Fatal("Failed to derive field encryption key")
		}
		ledgerOpts = append(ledgerOpts, ledger.WithDestinationEncryptor(destEnc))
	} else {
		logger.Warn("FIELD_ENCRYPTION_SECRET not set; withdrawal destinations stored in plaintext")
	}
	ledgerEngine := ledger.NewEngine(ledgerpg.NewStore(db), logger, ledgerOpts...)

	rateClient := exchange.NewRateClient(exchange.RateClientConfig{
		BaseURL: rateProviderURL,
		APIKey:  config.GetEnv("EXCHANGE_RATE_API_KEY", ""),
		Timeout: config.GetEnvDuration("EXCHANGE_RATE_TIMEOUT", 10*time.Second),
		Logger:  logger,
	})
	exchangeEngine := exchange.NewEngine(ledgerEngine, rateClient, quoteStore, logger, exchange.Config{
		QuoteValidity:     config.GetEnvDuration("QUOTE_VALIDITY", time.Minute),
		SlippageTolerance: config.GetEnvDecimal("EXCHANGE_SLIPPAGE_TOLERANCE", decimal.Zero),
	})

	reconEngine := reconcile.NewEngine(reconcilepg.NewStore(db), logger, reconcile.WithCacheMetrics(cacheHooks))

	// Initialize handlers
	handlers.Init(db, logger, metrics, handlers.Engines{
		Ledger:    ledgerEngine,
		Exchange:  exchangeEngine,
		Reconcile: reconEngine,
		Webhooks:  webhooks.NewRegistry(),
		Producer:  producer,
	})

	// Initialize and start JobManager for background ledger tasks
	jobManager := handlers.NewJobManager(db, logger, ledgerEngine, reconEngine, producer)
	if client := jobManager.ConsumerClient(); client != nil {
		healthChecker.AddCheck("kafka-consumer", monitoring.KafkaConsumerHealthCheck(client))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background ledger jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "paymaster", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/ledger/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/wallets", handlers.CreateWallet)
			protected.GET("/wallets", handlers.ListWallets)
			protected.GET("/wallets/:id", handlers.GetWallet)
			protected.GET("/wallets/:id/balance", handlers.GetBalance)
			protected.GET("/wallets/:id/transactions", handlers.ListTransactions)
			protected.PUT("/wallets/:id/pin", handlers.SetWalletPIN)
			protected.PUT("/wallets/:id/status", handlers.SetWalletStatus)
			protected.PUT("/wallets/:id/limits", handlers.SetWalletLimits)

			protected.POST("/wallets/:id/credit", handlers.CreditWallet)
			protected.POST("/wallets/:id/debit", handlers.DebitWallet)
			protected.POST("/wallets/:id/withdrawals", handlers.CreateWithdrawal)

			protected.POST("/wallets/:id/holds", handlers.CreateHold)
			protected.GET("/holds/:id", handlers.GetHold)
			protected.POST("/holds/:id/capture", handlers.CaptureHold)
			protected.POST("/holds/:id/release", handlers.ReleaseHold)

			protected.POST("/transfers", handlers.CreateTransfer)

			protected.POST("/exchange/quote", handlers.QuoteExchange)
			protected.POST("/exchange", handlers.CreateExchange)

			protected.GET("/reconciliation/rules", handlers.ListRules)
			protected.POST("/reconciliation/rules", handlers.CreateRule)
			protected.PUT("/reconciliation/rules/:id", handlers.UpdateRule)
			protected.POST("/reconciliation/batches", handlers.StartReconciliationBatch)
			protected.GET("/reconciliation/batches/:id", handlers.GetReconciliationBatch)
			protected.GET("/reconciliation/batches/:id/matches", handlers.GetBatchMatches)
			protected.POST("/reconciliation/manual-match", handlers.ManualMatch)
		}

		// Webhook endpoints (no auth required, signature verified)
		router.POST("/webhooks/:provider", handlers.HandleProviderWebhook)

		// Statement ingest and operator endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/internal/records", handlers.IngestRecords)
			serviceAPI.POST("/internal/withdrawals/:id/settle", handlers.SettleWithdrawal)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("paymaster", "18003")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
