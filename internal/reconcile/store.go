package reconcile

import (
	"context"
	"time"

	"ledgerworks/pkg/models"
)

// DefaultRulesBusinessID owns the seeded default rule set. Businesses
// without rules of their own are evaluated against this set; it is not
// listed or editable through the rule endpoints.
const DefaultRulesBusinessID = "00000000-0000-0000-0000-000000000000"

// Store is the persistence boundary injected into the engine. The ledger
// tables are read-only from here; reconciliation never mutates wallets or
// transactions.
type Store interface {
	// Rules. ActiveRules falls back to the DefaultRulesBusinessID set when
	// the business has no active rules of its own.
	InsertRule(ctx context.Context, r *models.ReconciliationRule) error
	UpdateRule(ctx context.Context, r *models.ReconciliationRule) error
	Rule(ctx context.Context, id string) (*models.ReconciliationRule, error)
	Rules(ctx context.Context, businessID string) ([]models.ReconciliationRule, error)
	ActiveRules(ctx context.Context, businessID string) ([]models.ReconciliationRule, error)

	// External records. UpsertExternalRecord keys on (source, external_ref)
	// and reports whether a new row was created.
	UpsertExternalRecord(ctx context.Context, rec *models.ExternalRecord) (bool, error)
	ExternalRecord(ctx context.Context, id string) (*models.ExternalRecord, error)
	ExternalRecordsInRange(ctx context.Context, businessID string, start, end time.Time) ([]models.ExternalRecord, error)

	// Read-only view over the ledger for the matching pass. Only COMPLETED
	// value-moving entries qualify; HOLD and RELEASE audit rows are skipped.
	CompletedTransactions(ctx context.Context, businessID string, start, end time.Time) ([]models.Transaction, error)
	Transaction(ctx context.Context, id string) (*models.Transaction, error)

	// Batches. ClaimBatch moves the given PENDING batch to RUNNING;
	// ClaimNextBatch does the same for the oldest pending batch and returns
	// nil when the queue is empty.
	InsertBatch(ctx context.Context, b *models.ReconciliationBatch) error
	Batch(ctx context.Context, id string) (*models.ReconciliationBatch, error)
	UpdateBatch(ctx context.Context, b *models.ReconciliationBatch) error
	ClaimBatch(ctx context.Context, id string, at time.Time) (*models.ReconciliationBatch, error)
	ClaimNextBatch(ctx context.Context, at time.Time) (*models.ReconciliationBatch, error)

	// Matches. Supersession links an old decision to its replacement; live
	// rows are those with no successor.
	InsertMatch(ctx context.Context, m *models.ReconciliationMatch) error
	Match(ctx context.Context, id string) (*models.ReconciliationMatch, error)
	MatchesForBatch(ctx context.Context, batchID string) ([]models.ReconciliationMatch, error)
	LiveMatches(ctx context.Context, businessID string) ([]models.ReconciliationMatch, error)
	LiveMatchForTransaction(ctx context.Context, transactionID string) (*models.ReconciliationMatch, error)
	LiveMatchForRecord(ctx context.Context, externalRecordID string) (*models.ReconciliationMatch, error)
	SupersedeMatch(ctx context.Context, matchID, successorID string) error
}
