// Package postgres implements the reconciliation store over lib/pq.
// External records upsert on their (source, external_ref) identity and
// batch claims use SKIP LOCKED so concurrent runners never double-claim.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"ledgerworks/internal/reconcile"
	"ledgerworks/pkg/models"
)

const (
	ruleCols  = `id, business_id, name, match_type, priority, amount_tolerance, date_tolerance_days, amount_weight, date_weight, counterparty_weight, min_confidence, active, created_at, updated_at`
	recCols   = `id, business_id, source, external_ref, counterparty, amount, currency, record_date, raw, imported_at`
	batchCols = `id, business_id, start_date, end_date, status, total_transactions, matched, unmatched, manual_review, last_offset, reevaluate_matched, failure_reason, created_at, started_at, completed_at`
	matchCols = `id, batch_id, transaction_id, external_record_id, rule_id, confidence, amount_delta, status, manual, notes, superseded_by, created_at`
	txnCols   = `t.id, t.wallet_id, t.type, t.amount, t.currency, t.balance_after, t.status, t.reference_type, t.reference_id, t.idempotency_key, t.request_hash, t.transfer_id, t.exchange_rate, t.counter_amount, t.counter_currency, t.metadata, t.created_at, t.completed_at`
)

// Store implements reconcile.Store over a Postgres pool.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) InsertRule(ctx context.Context, r *models.ReconciliationRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paymaster.reconciliation_rules (`+ruleCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.BusinessID, r.Name, r.MatchType, r.Priority,
		r.AmountTolerance, r.DateToleranceDays,
		r.AmountWeight, r.DateWeight, r.CounterpartyWeight,
		r.MinConfidence, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: a rule named %q already exists", reconcile.ErrInvalidRule, r.Name)
		}
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *Store) UpdateRule(ctx context.Context, r *models.ReconciliationRule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE paymaster.reconciliation_rules
		SET name = $1, match_type = $2, priority = $3, amount_tolerance = $4, date_tolerance_days = $5,
		    amount_weight = $6, date_weight = $7, counterparty_weight = $8, min_confidence = $9,
		    active = $10, updated_at = $11
		WHERE id = $12`,
		r.Name, r.MatchType, r.Priority, r.AmountTolerance, r.DateToleranceDays,
		r.AmountWeight, r.DateWeight, r.CounterpartyWeight, r.MinConfidence,
		r.Active, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireOneRow(res, reconcile.ErrRuleNotFound)
}

func (s *Store) Rule(ctx context.Context, id string) (*models.ReconciliationRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM paymaster.reconciliation_rules WHERE id = $1`, id)
	return scanRule(row)
}

func (s *Store) Rules(ctx context.Context, businessID string) ([]models.ReconciliationRule, error) {
	return s.listRules(ctx, businessID, false)
}

// ActiveRules returns the business's active rules, or the seeded default
// set when it has none.
func (s *Store) ActiveRules(ctx context.Context, businessID string) ([]models.ReconciliationRule, error) {
	rules, err := s.listRules(ctx, businessID, true)
	if err != nil || len(rules) > 0 {
		return rules, err
	}
	if businessID == reconcile.DefaultRulesBusinessID {
		return rules, nil
	}
	return s.listRules(ctx, reconcile.DefaultRulesBusinessID, true)
}

func (s *Store) listRules(ctx context.Context, businessID string, activeOnly bool) ([]models.ReconciliationRule, error) {
	query := `SELECT ` + ruleCols + ` FROM paymaster.reconciliation_rules WHERE business_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, businessID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []models.ReconciliationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpsertExternalRecord inserts the record or refreshes the row already
// holding its (source, external_ref) identity. Reports whether a new row
// was created; rec.ID is rewritten to the stored row's id either way.
func (s *Store) UpsertExternalRecord(ctx context.Context, rec *models.ExternalRecord) (bool, error) {
	raw := rec.Raw
	if raw == nil {
		raw = models.JSONB{}
	}
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO paymaster.external_records (`+recCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source, external_ref) DO UPDATE
		SET business_id = EXCLUDED.business_id, counterparty = EXCLUDED.counterparty,
		    amount = EXCLUDED.amount, currency = EXCLUDED.currency,
		    record_date = EXCLUDED.record_date, raw = EXCLUDED.raw, imported_at = EXCLUDED.imported_at
		RETURNING id, (xmax = 0)`,
		rec.ID, rec.BusinessID, rec.Source, rec.ExternalRef, rec.Counterparty,
		rec.Amount, rec.Currency, rec.RecordDate, raw, rec.ImportedAt).
		Scan(&rec.ID, &created)
	if err != nil {
		return false, fmt.Errorf("upsert external record: %w", err)
	}
	return created, nil
}

func (s *Store) ExternalRecord(ctx context.Context, id string) (*models.ExternalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recCols+` FROM paymaster.external_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *Store) ExternalRecordsInRange(ctx context.Context, businessID string, start, end time.Time) ([]models.ExternalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recCols+` FROM paymaster.external_records
		WHERE business_id = $1 AND record_date >= $2 AND record_date < $3
		ORDER BY record_date ASC, id ASC`,
		businessID, start, end.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("list external records: %w", err)
	}
	defer rows.Close()
	var out []models.ExternalRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CompletedTransactions lists the business's settled value-moving entries
// for the window. HOLD and RELEASE entries never reconcile; they move no
// money.
func (s *Store) CompletedTransactions(ctx context.Context, businessID string, start, end time.Time) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnCols+` FROM paymaster.transactions t
		JOIN paymaster.wallets w ON w.id = t.wallet_id
		WHERE w.business_id = $1 AND t.status = 'COMPLETED'
		  AND t.type NOT IN ('HOLD', 'RELEASE')
		  AND COALESCE(t.completed_at, t.created_at) >= $2
		  AND COALESCE(t.completed_at, t.created_at) < $3
		ORDER BY t.created_at ASC, t.id ASC`,
		businessID, start, end.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("list completed transactions: %w", err)
	}
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txnCols+` FROM paymaster.transactions t WHERE t.id = $1`, id)
	return scanTransaction(row)
}

func (s *Store) InsertBatch(ctx context.Context, b *models.ReconciliationBatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paymaster.reconciliation_batches (`+batchCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, b.BusinessID, b.StartDate, b.EndDate, b.Status,
		b.Total, b.Matched, b.Unmatched, b.ManualReview,
		b.LastOffset, b.ReevaluateMatched, nullString(b.FailureReason),
		b.CreatedAt, nullTime(b.StartedAt), nullTime(b.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *Store) Batch(ctx context.Context, id string) (*models.ReconciliationBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchCols+` FROM paymaster.reconciliation_batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (s *Store) UpdateBatch(ctx context.Context, b *models.ReconciliationBatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE paymaster.reconciliation_batches
		SET status = $1, total_transactions = $2, matched = $3, unmatched = $4, manual_review = $5,
		    last_offset = $6, failure_reason = $7, started_at = $8, completed_at = $9
		WHERE id = $10`,
		b.Status, b.Total, b.Matched, b.Unmatched, b.ManualReview,
		b.LastOffset, nullString(b.FailureReason), nullTime(b.StartedAt), nullTime(b.CompletedAt), b.ID)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	return requireOneRow(res, reconcile.ErrBatchNotFound)
}

func (s *Store) ClaimBatch(ctx context.Context, id string, at time.Time) (*models.ReconciliationBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE paymaster.reconciliation_batches
		SET status = 'RUNNING', started_at = $2
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+batchCols, id, at)
	b, err := scanBatch(row)
	if errors.Is(err, reconcile.ErrBatchNotFound) {
		// Distinguish a missing batch from one in the wrong state.
		if _, lookupErr := s.Batch(ctx, id); lookupErr == nil {
			return nil, reconcile.ErrBatchNotPending
		}
		return nil, reconcile.ErrBatchNotFound
	}
	return b, err
}

func (s *Store) ClaimNextBatch(ctx context.Context, at time.Time) (*models.ReconciliationBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE paymaster.reconciliation_batches
		SET status = 'RUNNING', started_at = $1
		WHERE id = (
			SELECT id FROM paymaster.reconciliation_batches
			WHERE status = 'PENDING'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+batchCols, at)
	b, err := scanBatch(row)
	if errors.Is(err, reconcile.ErrBatchNotFound) {
		return nil, nil
	}
	return b, err
}

func (s *Store) InsertMatch(ctx context.Context, m *models.ReconciliationMatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paymaster.reconciliation_matches (`+matchCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.BatchID, m.TransactionID, nullString(m.ExternalRecordID), nullString(m.RuleID),
		m.Confidence, m.AmountDelta, m.Status, m.Manual, m.Notes,
		nullString(m.SupersededBy), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (s *Store) Match(ctx context.Context, id string) (*models.ReconciliationMatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matchCols+` FROM paymaster.reconciliation_matches WHERE id = $1`, id)
	return scanMatch(row)
}

func (s *Store) MatchesForBatch(ctx context.Context, batchID string) ([]models.ReconciliationMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+matchCols+` FROM paymaster.reconciliation_matches
		WHERE batch_id = $1
		ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch matches: %w", err)
	}
	defer rows.Close()
	return scanMatches(rows)
}

func (s *Store) LiveMatches(ctx context.Context, businessID string) ([]models.ReconciliationMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.batch_id, m.transaction_id, m.external_record_id, m.rule_id, m.confidence,
		       m.amount_delta, m.status, m.manual, m.notes, m.superseded_by, m.created_at
		FROM paymaster.reconciliation_matches m
		JOIN paymaster.reconciliation_batches b ON b.id = m.batch_id
		WHERE b.business_id = $1 AND m.superseded_by IS NULL
		ORDER BY m.created_at ASC, m.id ASC`, businessID)
	if err != nil {
		return nil, fmt.Errorf("list live matches: %w", err)
	}
	defer rows.Close()
	return scanMatches(rows)
}

func (s *Store) LiveMatchForTransaction(ctx context.Context, transactionID string) (*models.ReconciliationMatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+matchCols+` FROM paymaster.reconciliation_matches
		WHERE transaction_id = $1 AND superseded_by IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, transactionID)
	return scanMatch(row)
}

func (s *Store) LiveMatchForRecord(ctx context.Context, externalRecordID string) (*models.ReconciliationMatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+matchCols+` FROM paymaster.reconciliation_matches
		WHERE external_record_id = $1 AND superseded_by IS NULL
		ORDER BY (status = 'MATCHED') DESC, created_at DESC, id DESC
		LIMIT 1`, externalRecordID)
	return scanMatch(row)
}

func (s *Store) SupersedeMatch(ctx context.Context, matchID, successorID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE paymaster.reconciliation_matches SET superseded_by = $2 WHERE id = $1`,
		matchID, successorID)
	if err != nil {
		return fmt.Errorf("supersede match: %w", err)
	}
	return requireOneRow(res, reconcile.ErrMatchNotFound)
}

// Scanners.

func scanRule(row rowScanner) (*models.ReconciliationRule, error) {
	var r models.ReconciliationRule
	err := row.Scan(&r.ID, &r.BusinessID, &r.Name, &r.MatchType, &r.Priority,
		&r.AmountTolerance, &r.DateToleranceDays,
		&r.AmountWeight, &r.DateWeight, &r.CounterpartyWeight,
		&r.MinConfidence, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reconcile.ErrRuleNotFound
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	return &r, nil
}

func scanRecord(row rowScanner) (*models.ExternalRecord, error) {
	var r models.ExternalRecord
	err := row.Scan(&r.ID, &r.BusinessID, &r.Source, &r.ExternalRef, &r.Counterparty,
		&r.Amount, &r.Currency, &r.RecordDate, &r.Raw, &r.ImportedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reconcile.ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan external record: %w", err)
	}
	return &r, nil
}

func scanBatch(row rowScanner) (*models.ReconciliationBatch, error) {
	var b models.ReconciliationBatch
	var failureReason sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&b.ID, &b.BusinessID, &b.StartDate, &b.EndDate, &b.Status,
		&b.Total, &b.Matched, &b.Unmatched, &b.ManualReview,
		&b.LastOffset, &b.ReevaluateMatched, &failureReason,
		&b.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reconcile.ErrBatchNotFound
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	if failureReason.Valid {
		b.FailureReason = &failureReason.String
	}
	if startedAt.Valid {
		v := startedAt.Time
		b.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		b.CompletedAt = &v
	}
	return &b, nil
}

func scanMatch(row rowScanner) (*models.ReconciliationMatch, error) {
	var m models.ReconciliationMatch
	var recordID, ruleID, supersededBy sql.NullString
	err := row.Scan(&m.ID, &m.BatchID, &m.TransactionID, &recordID, &ruleID,
		&m.Confidence, &m.AmountDelta, &m.Status, &m.Manual, &m.Notes,
		&supersededBy, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reconcile.ErrMatchNotFound
		}
		return nil, fmt.Errorf("scan match: %w", err)
	}
	if recordID.Valid {
		m.ExternalRecordID = &recordID.String
	}
	if ruleID.Valid {
		m.RuleID = &ruleID.String
	}
	if supersededBy.Valid {
		m.SupersededBy = &supersededBy.String
	}
	return &m, nil
}

func scanMatches(rows *sql.Rows) ([]models.ReconciliationMatch, error) {
	var out []models.ReconciliationMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var transferID, counterCur sql.NullString
	var rate, counterAmt decimal.NullDecimal
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.Currency, &t.BalanceAfter, &t.Status,
		&t.ReferenceType, &t.ReferenceID, &t.IdempotencyKey, &t.RequestHash,
		&transferID, &rate, &counterAmt, &counterCur, &t.Metadata, &t.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reconcile.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	if transferID.Valid {
		t.TransferID = &transferID.String
	}
	if rate.Valid {
		v := rate.Decimal
		t.ExchangeRate = &v
	}
	if counterAmt.Valid {
		v := counterAmt.Decimal
		t.CounterAmount = &v
	}
	if counterCur.Valid {
		t.CounterCurrency = &counterCur.String
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

// Null helpers.

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireOneRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
