package testutil

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"ledgerworks/pkg/models"
)

// DatabaseFixtures provides test data fixtures for database testing
type DatabaseFixtures struct{}

// NewDatabaseFixtures creates a new database fixtures helper
func NewDatabaseFixtures() *DatabaseFixtures {
	return &DatabaseFixtures{}
}

// WalletWithNulls creates a fresh wallet with NULL optional fields
func (f *DatabaseFixtures) WalletWithNulls() *models.Wallet {
	return &models.Wallet{
		ID:           "wallet-null-test",
		BusinessID:   "business-123",
		Currency:     "EUR",
		Available:    decimal.Zero,
		Held:         decimal.Zero,
		DailyLimit:   nil, // NULL pointer
		MonthlyLimit: nil, // NULL pointer
		CreditFloor:  decimal.Zero,
		Status:       models.WalletActive,
		PINHash:      nil, // NULL pointer
		Version:      1,
		CreatedAt:    time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

// WalletFunded creates a valid funded wallet with all optional fields set
func (f *DatabaseFixtures) WalletFunded() *models.Wallet {
	daily := decimal.RequireFromString("5000.00")
	monthly := decimal.RequireFromString("50000.00")
	pinHash := "$2a$10$abcdefghijklmnopqrstuvwxyz012345678901234567890123456"

	return &models.Wallet{
		ID:           "wallet-funded-test",
		BusinessID:   "business-123",
		Currency:     "EUR",
		Available:    decimal.RequireFromString("1250.75"),
		Held:         decimal.RequireFromString("100.00"),
		DailyLimit:   &daily,
		MonthlyLimit: &monthly,
		CreditFloor:  decimal.RequireFromString("-200.00"),
		Status:       models.WalletActive,
		PINHash:      &pinHash,
		Version:      7,
		CreatedAt:    time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
	}
}

// TransactionWithNulls creates a pending withdrawal with NULL optional fields
func (f *DatabaseFixtures) TransactionWithNulls() *models.Transaction {
	return &models.Transaction{
		ID:             "txn-null-test",
		WalletID:       "wallet-null-test",
		Type:           models.TxnWithdrawal,
		Amount:         decimal.RequireFromString("40.00"),
		Currency:       "EUR",
		BalanceAfter:   decimal.RequireFromString("60.00"),
		Status:         models.TxnPending,
		ReferenceType:  "withdrawal",
		ReferenceID:    "wd-55",
		IdempotencyKey: "idem-null-1",
		RequestHash:    "sha256:deadbeef",
		TransferID:     nil, // NULL pointer
		ExchangeRate:   nil, // NULL pointer
		CounterAmount:  nil, // NULL pointer
		Metadata:       nil, // NULL jsonb
		CreatedAt:      time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC),
		CompletedAt:    nil, // NULL pointer
	}
}

// TransactionExchangeLeg creates a completed exchange debit leg with all
// optional fields populated
func (f *DatabaseFixtures) TransactionExchangeLeg() *models.Transaction {
	transferID := "xfer-991"
	rate := decimal.RequireFromString("0.9214")
	counterAmount := decimal.RequireFromString("92.14")
	counterCurrency := "USD"
	completedAt := time.Date(2025, 1, 15, 12, 0, 5, 0, time.UTC)

	return &models.Transaction{
		ID:              "txn-exchange-test",
		WalletID:        "wallet-funded-test",
		Type:            models.TxnTransferOut,
		Amount:          decimal.RequireFromString("100.00"),
		Currency:        "EUR",
		BalanceAfter:    decimal.RequireFromString("1150.75"),
		Status:          models.TxnCompleted,
		ReferenceType:   "exchange",
		ReferenceID:     "quote-31",
		IdempotencyKey:  "idem-exchange-1",
		RequestHash:     "sha256:cafebabe",
		TransferID:      &transferID,
		ExchangeRate:    &rate,
		CounterAmount:   &counterAmount,
		CounterCurrency: &counterCurrency,
		Metadata:        models.JSONB{"quote_id": "quote-31"},
		CreatedAt:       time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		CompletedAt:     &completedAt,
	}
}

// HoldWithExpiry creates an active hold with an expiry window
func (f *DatabaseFixtures) HoldWithExpiry() *models.Hold {
	expiresAt := time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC)

	return &models.Hold{
		ID:             "hold-expiry-test",
		WalletID:       "wallet-funded-test",
		Amount:         decimal.RequireFromString("100.00"),
		CapturedAmount: decimal.Zero,
		Reason:         "card authorization",
		ReferenceType:  "payment",
		ReferenceID:    "pay-771",
		Status:         models.HoldActive,
		IdempotencyKey: "idem-hold-1",
		ExpiresAt:      &expiresAt,
		CreatedAt:      time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		SettledAt:      nil, // NULL pointer
	}
}

// ExternalRecordImported creates an imported statement line
func (f *DatabaseFixtures) ExternalRecordImported() *models.ExternalRecord {
	return &models.ExternalRecord{
		ID:           "rec-import-test",
		BusinessID:   "business-123",
		Source:       "bank_statement",
		ExternalRef:  "stmt-2025-001",
		Counterparty: "ACME GMBH",
		Amount:       decimal.RequireFromString("100.00"),
		Currency:     "EUR",
		RecordDate:   time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC),
		Raw:          models.JSONB{"line": 17},
		ImportedAt:   time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC),
	}
}

// GetWalletColumns returns the column names for wallet queries
func (f *DatabaseFixtures) GetWalletColumns() []string {
	return []string{
		"id", "business_id", "currency", "available", "held",
		"daily_limit", "monthly_limit", "credit_floor", "status", "pin_hash",
		"version", "created_at", "updated_at",
	}
}

// GetWalletRowData returns row data for a given Wallet model
func (f *DatabaseFixtures) GetWalletRowData(data *models.Wallet) []driver.Value {
	return []driver.Value{
		data.ID, data.BusinessID, data.Currency, data.Available.String(), data.Held.String(),
		nullableDecimal(data.DailyLimit), nullableDecimal(data.MonthlyLimit),
		data.CreditFloor.String(), string(data.Status), nullableString(data.PINHash),
		data.Version, data.CreatedAt, data.UpdatedAt,
	}
}

// GetTransactionColumns returns the column names for transaction queries
func (f *DatabaseFixtures) GetTransactionColumns() []string {
	return []string{
		"id", "wallet_id", "type", "amount", "currency", "balance_after", "status",
		"reference_type", "reference_id", "idempotency_key", "request_hash",
		"transfer_id", "exchange_rate", "counter_amount", "counter_currency",
		"metadata", "created_at", "completed_at",
	}
}

// GetTransactionRowData returns row data for a given Transaction model
func (f *DatabaseFixtures) GetTransactionRowData(data *models.Transaction) []driver.Value {
	return []driver.Value{
		data.ID, data.WalletID, string(data.Type), data.Amount.String(), data.Currency,
		data.BalanceAfter.String(), string(data.Status),
		data.ReferenceType, data.ReferenceID, data.IdempotencyKey, data.RequestHash,
		nullableString(data.TransferID), nullableDecimal(data.ExchangeRate),
		nullableDecimal(data.CounterAmount), nullableString(data.CounterCurrency),
		jsonbBytes(data.Metadata), data.CreatedAt, nullableTime(data.CompletedAt),
	}
}

// GetHoldColumns returns the column names for hold queries
func (f *DatabaseFixtures) GetHoldColumns() []string {
	return []string{
		"id", "wallet_id", "amount", "captured_amount", "reason",
		"reference_type", "reference_id", "status", "idempotency_key",
		"expires_at", "created_at", "settled_at",
	}
}

// GetHoldRowData returns row data for a given Hold model
func (f *DatabaseFixtures) GetHoldRowData(data *models.Hold) []driver.Value {
	return []driver.Value{
		data.ID, data.WalletID, data.Amount.String(), data.CapturedAmount.String(), data.Reason,
		data.ReferenceType, data.ReferenceID, string(data.Status), data.IdempotencyKey,
		nullableTime(data.ExpiresAt), data.CreatedAt, nullableTime(data.SettledAt),
	}
}

// GetExternalRecordColumns returns the column names for external record queries
func (f *DatabaseFixtures) GetExternalRecordColumns() []string {
	return []string{
		"id", "business_id", "source", "external_ref", "counterparty",
		"amount", "currency", "record_date", "raw", "imported_at",
	}
}

// GetExternalRecordRowData returns row data for a given ExternalRecord model
func (f *DatabaseFixtures) GetExternalRecordRowData(data *models.ExternalRecord) []driver.Value {
	return []driver.Value{
		data.ID, data.BusinessID, data.Source, data.ExternalRef, data.Counterparty,
		data.Amount.String(), data.Currency, data.RecordDate,
		jsonbBytes(data.Raw), data.ImportedAt,
	}
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func jsonbBytes(j models.JSONB) interface{} {
	if j == nil {
		return nil
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return nil
	}
	return raw
}

// NullTimeValue represents a nullable time value for SQL mocking
type NullTimeValue struct {
	Time  time.Time
	Valid bool
}

// Match implements sqlmock.Argument interface
func (n NullTimeValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case time.Time:
		return n.Valid && val.Equal(n.Time)
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullStringValue represents a nullable string value for SQL mocking
type NullStringValue struct {
	String string
	Valid  bool
}

// Match implements sqlmock.Argument interface
func (n NullStringValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case string:
		return n.Valid && val == n.String
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullDecimalValue represents a nullable decimal value for SQL mocking
type NullDecimalValue struct {
	Decimal decimal.Decimal
	Valid   bool
}

// Match implements sqlmock.Argument interface
func (n NullDecimalValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case string:
		parsed, err := decimal.NewFromString(val)
		return err == nil && n.Valid && parsed.Equal(n.Decimal)
	case []byte:
		parsed, err := decimal.NewFromString(string(val))
		return err == nil && n.Valid && parsed.Equal(n.Decimal)
	case float64:
		return n.Valid && decimal.NewFromFloat(val).Equal(n.Decimal)
	case nil:
		return !n.Valid
	default:
		return false
	}
}
