package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchType selects the comparison a reconciliation rule performs.
type MatchType string

const (
	MatchExact      MatchType = "EXACT"
	MatchReference  MatchType = "REFERENCE"
	MatchAmountDate MatchType = "AMOUNT_DATE"
	MatchFuzzy      MatchType = "FUZZY"
)

// BatchStatus is the state machine of a reconciliation run.
type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

// MatchStatus is the outcome recorded for one internal transaction.
type MatchStatus string

const (
	MatchMatched      MatchStatus = "MATCHED"
	MatchUnmatched    MatchStatus = "UNMATCHED"
	MatchManualReview MatchStatus = "MANUAL_REVIEW"
)

// ReconciliationRule is owner-scoped matching configuration. Rules are
// evaluated highest priority first; FUZZY rules combine proximity scores
// with the configured weights.
type ReconciliationRule struct {
	ID         string    `json:"id" db:"id"`
	BusinessID string    `json:"business_id" db:"business_id"`
	Name       string    `json:"name" db:"name"`
	MatchType  MatchType `json:"match_type" db:"match_type"`
	Priority   int       `json:"priority" db:"priority"`

	AmountTolerance   decimal.Decimal `json:"amount_tolerance" db:"amount_tolerance"`
	DateToleranceDays int             `json:"date_tolerance_days" db:"date_tolerance_days"`

	AmountWeight       decimal.Decimal `json:"amount_weight" db:"amount_weight"`
	DateWeight         decimal.Decimal `json:"date_weight" db:"date_weight"`
	CounterpartyWeight decimal.Decimal `json:"counterparty_weight" db:"counterparty_weight"`

	MinConfidence decimal.Decimal `json:"min_confidence" db:"min_confidence"`
	Active        bool            `json:"active" db:"active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// ExternalRecord is one line of an externally reported feed (bank statement,
// settlement file) awaiting reconciliation against the internal ledger.
type ExternalRecord struct {
	ID           string          `json:"id" db:"id"`
	BusinessID   string          `json:"business_id" db:"business_id"`
	Source       string          `json:"source" db:"source"`
	ExternalRef  string          `json:"external_ref" db:"external_ref"`
	Counterparty string          `json:"counterparty" db:"counterparty"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Currency     string          `json:"currency" db:"currency"`
	RecordDate   time.Time       `json:"record_date" db:"record_date"`
	Raw          JSONB           `json:"raw,omitempty" db:"raw"`
	ImportedAt   time.Time       `json:"imported_at" db:"imported_at"`
}

// ReconciliationBatch tracks one run over a date range. LastOffset is the
// count of internal transactions already decided, letting a failed run
// resume instead of restarting.
type ReconciliationBatch struct {
	ID         string      `json:"id" db:"id"`
	BusinessID string      `json:"business_id" db:"business_id"`
	StartDate  time.Time   `json:"start_date" db:"start_date"`
	EndDate    time.Time   `json:"end_date" db:"end_date"`
	Status     BatchStatus `json:"status" db:"status"`

	Total        int `json:"total" db:"total"`
	Matched      int `json:"matched" db:"matched"`
	Unmatched    int `json:"unmatched" db:"unmatched"`
	ManualReview int `json:"manual_review" db:"manual_review"`

	LastOffset        int     `json:"last_offset" db:"last_offset"`
	ReevaluateMatched bool    `json:"reevaluate_matched" db:"reevaluate_matched"`
	FailureReason     *string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ReconciliationMatch is the decision recorded for one internal transaction
// in one batch run. Later runs supersede rather than overwrite.
type ReconciliationMatch struct {
	ID               string          `json:"id" db:"id"`
	BatchID          string          `json:"batch_id" db:"batch_id"`
	TransactionID    string          `json:"transaction_id" db:"transaction_id"`
	ExternalRecordID *string         `json:"external_record_id,omitempty" db:"external_record_id"`
	RuleID           *string         `json:"rule_id,omitempty" db:"rule_id"`
	Confidence       decimal.Decimal `json:"confidence" db:"confidence"`
	AmountDelta      decimal.Decimal `json:"amount_delta" db:"amount_delta"`
	Status           MatchStatus     `json:"status" db:"status"`
	Manual           bool            `json:"manual" db:"manual"`
	Notes            string          `json:"notes" db:"notes"`
	SupersededBy     *string         `json:"superseded_by,omitempty" db:"superseded_by"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}
