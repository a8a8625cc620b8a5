package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Topic names used by the ledger daemon.
const (
	// TopicLedgerEvents carries outbound events for every committed ledger
	// mutation.
	TopicLedgerEvents = "ledger.events"
	// TopicLedgerStatements carries inbound external statement lines for
	// reconciliation.
	TopicLedgerStatements = "ledger.statements"
	// TopicLedgerStatementsDLQ receives statement lines that failed decoding
	// or storage.
	TopicLedgerStatementsDLQ = "ledger.statements.dlq"
)

// LedgerEvent is the wire format published to ledger.events after a ledger
// mutation commits. Amount is the decimal string of the mutated amount.
type LedgerEvent struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	BusinessID    string                 `json:"business_id,omitempty"`
	WalletID      string                 `json:"wallet_id,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Amount        string                 `json:"amount,omitempty"`
	Currency      string                 `json:"currency,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	SchemaVersion string                 `json:"schema_version"`
}

// StatementLine is the wire format consumed from ledger.statements. One line
// becomes one external record in the reconciliation store.
type StatementLine struct {
	BusinessID   string                 `json:"business_id"`
	Source       string                 `json:"source"`
	ExternalRef  string                 `json:"external_ref"`
	Counterparty string                 `json:"counterparty,omitempty"`
	Amount       decimal.Decimal        `json:"amount"`
	Currency     string                 `json:"currency"`
	RecordDate   string                 `json:"record_date"`
	Raw          map[string]interface{} `json:"raw,omitempty"`
}

// DecodeStatementLine parses and validates a statement line payload.
func DecodeStatementLine(value []byte) (StatementLine, error) {
	var line StatementLine
	if err := json.Unmarshal(value, &line); err != nil {
		return line, fmt.Errorf("decode statement line: %w", err)
	}
	if line.BusinessID == "" {
		return line, fmt.Errorf("statement line missing business_id")
	}
	if line.Source == "" {
		return line, fmt.Errorf("statement line missing source")
	}
	if line.ExternalRef == "" {
		return line, fmt.Errorf("statement line missing external_ref")
	}
	if line.Currency == "" {
		return line, fmt.Errorf("statement line missing currency")
	}
	if _, err := line.Date(); err != nil {
		return line, err
	}
	return line, nil
}

// Date parses the statement line's record date.
func (s StatementLine) Date() (time.Time, error) {
	d, err := time.Parse("2006-01-02", s.RecordDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("statement line record_date %q: %w", s.RecordDate, err)
	}
	return d, nil
}
