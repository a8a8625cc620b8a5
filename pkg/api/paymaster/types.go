package paymaster

import (
	"time"

	"github.com/shopspring/decimal"

	"ledgerworks/pkg/api/common"
	"ledgerworks/pkg/models"
)

// ErrorResponse is a type alias to the common error response
type ErrorResponse = common.ErrorResponse

// CreateWalletRequest opens a wallet for one currency under the
// authenticated business.
type CreateWalletRequest struct {
	Currency     string           `json:"currency" binding:"required"`
	DailyLimit   *decimal.Decimal `json:"daily_limit,omitempty"`
	MonthlyLimit *decimal.Decimal `json:"monthly_limit,omitempty"`
	CreditFloor  *decimal.Decimal `json:"credit_floor,omitempty"`
}

// MutationRequest is the shared body of credit, debit and withdrawal calls.
type MutationRequest struct {
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	ReferenceType  string          `json:"reference_type"`
	ReferenceID    string          `json:"reference_id"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	PIN            string          `json:"pin,omitempty"`
	Metadata       models.JSONB    `json:"metadata,omitempty"`
}

// TransactionResponse is returned by every mutating ledger call. Replayed
// marks responses served from a previously completed transaction with the
// same idempotency key.
type TransactionResponse struct {
	TransactionID string                   `json:"transaction_id"`
	Status        models.TransactionStatus `json:"status"`
	BalanceAfter  decimal.Decimal          `json:"balance_after"`
	Replayed      bool                     `json:"replayed"`
}

// BalanceResponse reports the three balance views of a wallet.
type BalanceResponse struct {
	WalletID  string          `json:"wallet_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	Spendable decimal.Decimal `json:"spendable"`
}

// HoldRequest reserves funds against a wallet.
type HoldRequest struct {
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Reason         string          `json:"reason"`
	ReferenceType  string          `json:"reference_type"`
	ReferenceID    string          `json:"reference_id"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	ExpiresIn      *int            `json:"expires_in_seconds,omitempty"`
	PIN            string          `json:"pin,omitempty"`
}

// HoldResponse describes a hold and, when a capture produced one, the
// resulting debit.
type HoldResponse struct {
	HoldID      string               `json:"hold_id"`
	Status      models.HoldStatus    `json:"status"`
	Amount      decimal.Decimal      `json:"amount"`
	Captured    decimal.Decimal      `json:"captured"`
	Transaction *TransactionResponse `json:"transaction,omitempty"`
	Replayed    bool                 `json:"replayed"`
}

// CaptureRequest settles part or all of a hold into a debit. A zero or
// omitted amount captures the full hold.
type CaptureRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
}

// WithdrawalRequest starts a two-phase withdrawal to an external
// destination. The transaction stays PENDING until settlement arrives by
// webhook, operator override or timeout.
type WithdrawalRequest struct {
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	DestinationRef string          `json:"destination_ref" binding:"required"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	PIN            string          `json:"pin,omitempty"`
	Metadata       models.JSONB    `json:"metadata,omitempty"`
}

// TransferRequest moves funds between two wallets of the same currency.
type TransferRequest struct {
	FromWalletID   string          `json:"from_wallet_id" binding:"required"`
	ToWalletID     string          `json:"to_wallet_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	ReferenceType  string          `json:"reference_type"`
	ReferenceID    string          `json:"reference_id"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	PIN            string          `json:"pin,omitempty"`
	Metadata       models.JSONB    `json:"metadata,omitempty"`
}

// TransferResponse reports both legs of a completed transfer.
type TransferResponse struct {
	TransferID string               `json:"transfer_id"`
	Debit      *TransactionResponse `json:"debit"`
	Credit     *TransactionResponse `json:"credit"`
	Replayed   bool                 `json:"replayed"`
}

// QuoteRequest asks for a conversion rate.
type QuoteRequest struct {
	FromCurrency string          `json:"from_currency" binding:"required"`
	ToCurrency   string          `json:"to_currency" binding:"required"`
	Amount       decimal.Decimal `json:"amount" binding:"required"`
}

// QuoteResponse carries a rate valid until ExpiresAt.
type QuoteResponse struct {
	QuoteID      string          `json:"quote_id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Rate         decimal.Decimal `json:"rate"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// ExchangeRequest executes a conversion previously quoted.
type ExchangeRequest struct {
	FromCurrency   string          `json:"from_currency" binding:"required"`
	ToCurrency     string          `json:"to_currency" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	ExpectedRate   decimal.Decimal `json:"expected_rate" binding:"required"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	PIN            string          `json:"pin,omitempty"`
}

// ExchangeResponse reports both settlement legs and the applied rate.
type ExchangeResponse struct {
	ExchangeID  string               `json:"exchange_id"`
	AppliedRate decimal.Decimal      `json:"applied_rate"`
	Debit       *TransactionResponse `json:"debit"`
	Credit      *TransactionResponse `json:"credit"`
	Replayed    bool                 `json:"replayed"`
}

// SetPINRequest configures the wallet PIN factor.
type SetPINRequest struct {
	PIN string `json:"pin" binding:"required"`
}

// SetLimitsRequest updates spend limits. Null clears a limit.
type SetLimitsRequest struct {
	DailyLimit   *decimal.Decimal `json:"daily_limit"`
	MonthlyLimit *decimal.Decimal `json:"monthly_limit"`
}

// SetStatusRequest transitions wallet status.
type SetStatusRequest struct {
	Status models.WalletStatus `json:"status" binding:"required"`
}

// WalletsResponse lists a business's wallets.
type WalletsResponse struct {
	Wallets []models.Wallet `json:"wallets"`
	Count   int             `json:"count"`
}

// ListTransactionsResponse is a keyset-paged transaction listing.
type ListTransactionsResponse struct {
	Transactions []models.Transaction `json:"transactions"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

// StartBatchRequest starts a reconciliation run over a date range.
type StartBatchRequest struct {
	StartDate         string `json:"start_date" binding:"required"` // YYYY-MM-DD
	EndDate           string `json:"end_date" binding:"required"`   // YYYY-MM-DD
	ReevaluateMatched bool   `json:"reevaluate_matched"`
}

// BatchStatusResponse reports batch state and summary counts.
type BatchStatusResponse struct {
	Batch models.ReconciliationBatch `json:"batch"`
}

// ManualMatchRequest resolves an exception by hand. The transaction's live
// match row is superseded, never overwritten.
type ManualMatchRequest struct {
	TransactionID    string `json:"transaction_id" binding:"required"`
	ExternalRecordID string `json:"external_record_id" binding:"required"`
	Notes            string `json:"notes"`
}

// RulesResponse lists a business's reconciliation rules.
type RulesResponse struct {
	Rules []models.ReconciliationRule `json:"rules"`
	Count int                         `json:"count"`
}

// MatchesResponse lists the decisions a batch has committed.
type MatchesResponse struct {
	Matches []models.ReconciliationMatch `json:"matches"`
	Count   int                          `json:"count"`
}

// RuleRequest creates or updates a reconciliation rule.
type RuleRequest struct {
	Name               string           `json:"name" binding:"required"`
	MatchType          models.MatchType `json:"match_type" binding:"required"`
	Priority           int              `json:"priority"`
	AmountTolerance    decimal.Decimal  `json:"amount_tolerance"`
	DateToleranceDays  int              `json:"date_tolerance_days"`
	AmountWeight       decimal.Decimal  `json:"amount_weight"`
	DateWeight         decimal.Decimal  `json:"date_weight"`
	CounterpartyWeight decimal.Decimal  `json:"counterparty_weight"`
	MinConfidence      decimal.Decimal  `json:"min_confidence"`
	Active             *bool            `json:"active"`
}

// RecordLine is one statement line in an ingest call.
type RecordLine struct {
	BusinessID   string                 `json:"business_id" binding:"required"`
	ExternalRef  string                 `json:"external_ref" binding:"required"`
	Counterparty string                 `json:"counterparty"`
	Amount       decimal.Decimal        `json:"amount" binding:"required"`
	Currency     string                 `json:"currency" binding:"required"`
	RecordDate   string                 `json:"record_date" binding:"required"` // YYYY-MM-DD
	Raw          map[string]interface{} `json:"raw,omitempty"`
}

// IngestRecordsRequest feeds external statement lines into the
// reconciliation store. Lines upsert on (source, external_ref).
type IngestRecordsRequest struct {
	Source  string       `json:"source" binding:"required"`
	Records []RecordLine `json:"records" binding:"required"`
}

// IngestRecordsResponse reports how many records were stored.
type IngestRecordsResponse struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// SettleWithdrawalRequest is the operator override for withdrawal settlement.
type SettleWithdrawalRequest struct {
	Outcome string `json:"outcome" binding:"required"` // settled or failed
	Notes   string `json:"notes"`
}

// WebhookResponse acknowledges a provider delivery. Duplicate deliveries
// get "already_processed"; event types the ledger does not act on get
// "ignored".
type WebhookResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}
