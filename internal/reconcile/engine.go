// Package reconcile matches internal ledger transactions against externally
// reported records (bank statements, settlement files) using owner-scoped
// rules. It never mutates wallets; decisions are recorded as match rows and
// later runs supersede rather than overwrite them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerworks/pkg/cache"
	"ledgerworks/pkg/currency"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

const defaultRuleCacheTTL = 30 * time.Second

// Engine runs reconciliation batches over an injected Store.
type Engine struct {
	store Store
	log   logging.Logger
	now   func() time.Time

	ruleCache  *cache.Cache
	cacheTTL   time.Duration
	cacheHooks cache.MetricsHooks
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the engine clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRuleCacheTTL overrides how long a business's active rule set is cached.
func WithRuleCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

// WithCacheMetrics wires cache hit/miss counters into the rule cache.
func WithCacheMetrics(hooks cache.MetricsHooks) Option {
	return func(e *Engine) { e.cacheHooks = hooks }
}

// NewEngine creates a reconciliation engine over the given store.
func NewEngine(store Store, log logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		log:      log,
		now:      time.Now,
		cacheTTL: defaultRuleCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ruleCache = cache.New(cache.Options{TTL: e.cacheTTL}, e.cacheHooks)
	return e
}

func ruleCacheKey(businessID string) string { return "rules:" + businessID }

// CreateRule validates and stores a rule, then drops the owner's cached
// rule set so the next batch sees it.
func (e *Engine) CreateRule(ctx context.Context, r *models.ReconciliationRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	now := e.now().UTC()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := e.store.InsertRule(ctx, r); err != nil {
		return err
	}
	e.ruleCache.Delete(ruleCacheKey(r.BusinessID))
	return nil
}

// UpdateRule replaces a rule's configuration. The rule must belong to the
// calling business.
func (e *Engine) UpdateRule(ctx context.Context, r *models.ReconciliationRule) error {
	existing, err := e.store.Rule(ctx, r.ID)
	if err != nil {
		return err
	}
	if existing.BusinessID != r.BusinessID {
		return ErrRuleNotFound
	}
	if err := validateRule(r); err != nil {
		return err
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return err
	}
	e.ruleCache.Delete(ruleCacheKey(r.BusinessID))
	return nil
}

// Rules lists the business's rules, active or not.
func (e *Engine) Rules(ctx context.Context, businessID string) ([]models.ReconciliationRule, error) {
	return e.store.Rules(ctx, businessID)
}

func validateRule(r *models.ReconciliationRule) error {
	if r.BusinessID == "" {
		return fmt.Errorf("%w: business id required", ErrInvalidRule)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	switch r.MatchType {
	case models.MatchExact, models.MatchReference, models.MatchAmountDate, models.MatchFuzzy:
	default:
		return fmt.Errorf("%w: unknown match type %q", ErrInvalidRule, r.MatchType)
	}
	if r.AmountTolerance.IsNegative() || r.DateToleranceDays < 0 {
		return fmt.Errorf("%w: tolerances must not be negative", ErrInvalidRule)
	}
	if r.AmountWeight.IsNegative() || r.DateWeight.IsNegative() || r.CounterpartyWeight.IsNegative() {
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidRule)
	}
	if r.MinConfidence.IsNegative() || r.MinConfidence.GreaterThan(one) {
		return fmt.Errorf("%w: min confidence must be between 0 and 1", ErrInvalidRule)
	}
	return nil
}

// activeRules returns the cached active rule set sorted for evaluation:
// priority descending, then oldest first so equal-priority order is stable.
func (e *Engine) activeRules(ctx context.Context, businessID string) ([]models.ReconciliationRule, error) {
	v, ok, err := e.ruleCache.Get(ctx, ruleCacheKey(businessID), func(ctx context.Context, _ string) (interface{}, bool, error) {
		rules, err := e.store.ActiveRules(ctx, businessID)
		if err != nil {
			return nil, false, err
		}
		sortRules(rules)
		return rules, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return v.([]models.ReconciliationRule), nil
}

func sortRules(rules []models.ReconciliationRule) {
	sort.Slice(rules, func(i, j int) bool { return ruleBefore(&rules[i], &rules[j]) })
}

func ruleBefore(a, b *models.ReconciliationRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// RecordInput is one externally reported line submitted for reconciliation.
type RecordInput struct {
	BusinessID   string
	Source       string
	ExternalRef  string
	Counterparty string
	Amount       decimal.Decimal
	Currency     string
	RecordDate   time.Time
	Raw          map[string]interface{}
}

// IngestResult summarizes an ingest call.
type IngestResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// IngestRecords upserts external records keyed on (source, external_ref).
// Redelivered lines update in place rather than duplicating.
func (e *Engine) IngestRecords(ctx context.Context, inputs []RecordInput) (*IngestResult, error) {
	res := &IngestResult{}
	for i := range inputs {
		rec, err := e.recordFromInput(&inputs[i])
		if err != nil {
			return res, err
		}
		created, err := e.store.UpsertExternalRecord(ctx, rec)
		if err != nil {
			return res, fmt.Errorf("upsert record %s/%s: %w", rec.Source, rec.ExternalRef, err)
		}
		if created {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (e *Engine) recordFromInput(in *RecordInput) (*models.ExternalRecord, error) {
	switch {
	case in.BusinessID == "":
		return nil, fmt.Errorf("%w: business id required", ErrInvalidRecord)
	case in.Source == "":
		return nil, fmt.Errorf("%w: source required", ErrInvalidRecord)
	case in.ExternalRef == "":
		return nil, fmt.Errorf("%w: external ref required", ErrInvalidRecord)
	case in.Amount.IsZero():
		return nil, fmt.Errorf("%w: amount required", ErrInvalidRecord)
	case in.RecordDate.IsZero():
		return nil, fmt.Errorf("%w: record date required", ErrInvalidRecord)
	}
	cur := currency.Normalize(in.Currency)
	if !currency.IsSupported(cur) {
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrInvalidRecord, in.Currency)
	}
	return &models.ExternalRecord{
		ID:           uuid.New().String(),
		BusinessID:   in.BusinessID,
		Source:       in.Source,
		ExternalRef:  in.ExternalRef,
		Counterparty: in.Counterparty,
		Amount:       in.Amount,
		Currency:     cur,
		RecordDate:   in.RecordDate.UTC(),
		Raw:          models.JSONB(in.Raw),
		ImportedAt:   e.now().UTC(),
	}, nil
}

// BatchArgs describe a reconciliation run to queue.
type BatchArgs struct {
	BusinessID        string
	StartDate         time.Time
	EndDate           time.Time
	ReevaluateMatched bool
}

// StartBatch queues a run over the date range. The batch runner picks it up
// on its next tick; RunBatch executes it immediately.
func (e *Engine) StartBatch(ctx context.Context, args BatchArgs) (*models.ReconciliationBatch, error) {
	if args.StartDate.IsZero() || args.EndDate.IsZero() || args.StartDate.After(args.EndDate) {
		return nil, ErrInvalidDateRange
	}
	b := &models.ReconciliationBatch{
		ID:                uuid.New().String(),
		BusinessID:        args.BusinessID,
		StartDate:         args.StartDate.UTC(),
		EndDate:           args.EndDate.UTC(),
		Status:            models.BatchPending,
		ReevaluateMatched: args.ReevaluateMatched,
		CreatedAt:         e.now().UTC(),
	}
	if err := e.store.InsertBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBatch returns a batch scoped to the business.
func (e *Engine) GetBatch(ctx context.Context, businessID, batchID string) (*models.ReconciliationBatch, error) {
	b, err := e.store.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.BusinessID != businessID {
		return nil, ErrBatchNotFound
	}
	return b, nil
}

// BatchMatches lists the decisions a batch has committed so far.
func (e *Engine) BatchMatches(ctx context.Context, businessID, batchID string) ([]models.ReconciliationMatch, error) {
	if _, err := e.GetBatch(ctx, businessID, batchID); err != nil {
		return nil, err
	}
	return e.store.MatchesForBatch(ctx, batchID)
}

// RunBatch claims the given pending batch and processes it to completion.
func (e *Engine) RunBatch(ctx context.Context, batchID string) error {
	b, err := e.store.ClaimBatch(ctx, batchID, e.now().UTC())
	if err != nil {
		return err
	}
	return e.run(ctx, b)
}

// RunPending claims and runs queued batches, oldest first, up to limit.
// Returns how many batches reached a terminal state.
func (e *Engine) RunPending(ctx context.Context, limit int) (int, error) {
	processed := 0
	for limit <= 0 || processed < limit {
		b, err := e.store.ClaimNextBatch(ctx, e.now().UTC())
		if err != nil {
			return processed, err
		}
		if b == nil {
			return processed, nil
		}
		if err := e.run(ctx, b); err != nil {
			if ctx.Err() != nil {
				return processed, err
			}
			// Batch already marked FAILED; keep draining the queue.
			e.log.WithError(err).WithField("batch_id", b.ID).Warn("Reconciliation batch failed")
		}
		processed++
	}
	return processed, nil
}

// run processes a claimed batch. Decisions commit one at a time with the
// batch offset checkpointed after each, so an interrupted run resumes where
// it stopped and committed decisions stay valid.
func (e *Engine) run(ctx context.Context, b *models.ReconciliationBatch) error {
	rules, err := e.activeRules(ctx, b.BusinessID)
	if err != nil {
		return e.failBatch(b, fmt.Errorf("load rules: %w", err))
	}
	txns, err := e.store.CompletedTransactions(ctx, b.BusinessID, b.StartDate, b.EndDate)
	if err != nil {
		return e.failBatch(b, fmt.Errorf("load transactions: %w", err))
	}

	// Widen the record window by the largest date tolerance so feeds that
	// settle a day or two outside the range still qualify.
	spill := 0
	for i := range rules {
		if rules[i].DateToleranceDays > spill {
			spill = rules[i].DateToleranceDays
		}
	}
	spillDur := time.Duration(spill) * 24 * time.Hour
	records, err := e.store.ExternalRecordsInRange(ctx, b.BusinessID, b.StartDate.Add(-spillDur), b.EndDate.Add(spillDur))
	if err != nil {
		return e.failBatch(b, fmt.Errorf("load external records: %w", err))
	}
	live, err := e.store.LiveMatches(ctx, b.BusinessID)
	if err != nil {
		return e.failBatch(b, fmt.Errorf("load prior matches: %w", err))
	}

	inRange := make(map[string]bool, len(txns))
	for i := range txns {
		inRange[txns[i].ID] = true
	}

	// Prior decisions partition three ways: this batch's own rows (already
	// decided, skip on resume), other batches' MATCHED rows (their records
	// stay consumed unless this run re-evaluates them), and other batches'
	// exception rows (re-decided and superseded).
	decidedThisRun := make(map[string]bool)
	priorByTxn := make(map[string]*models.ReconciliationMatch)
	consumed := make(map[string]bool)
	for i := range live {
		m := &live[i]
		if m.BatchID == b.ID {
			decidedThisRun[m.TransactionID] = true
			if m.ExternalRecordID != nil {
				consumed[*m.ExternalRecordID] = true
			}
			continue
		}
		priorByTxn[m.TransactionID] = m
		if m.Status != models.MatchMatched || m.ExternalRecordID == nil {
			continue
		}
		if b.ReevaluateMatched && inRange[m.TransactionID] {
			continue
		}
		consumed[*m.ExternalRecordID] = true
	}

	eligible := make([]models.Transaction, 0, len(txns))
	for i := range txns {
		if prior := priorByTxn[txns[i].ID]; prior != nil && prior.Status == models.MatchMatched && !b.ReevaluateMatched {
			continue
		}
		eligible = append(eligible, txns[i])
	}

	// Recount from committed rows so a resumed run's counters do not drift.
	own, err := e.store.MatchesForBatch(ctx, b.ID)
	if err != nil {
		return e.failBatch(b, fmt.Errorf("load batch matches: %w", err))
	}
	b.Matched, b.Unmatched, b.ManualReview = 0, 0, 0
	for i := range own {
		countMatch(b, own[i].Status)
	}
	b.Total = len(eligible)

	for i := b.LastOffset; i < len(eligible); i++ {
		if ctx.Err() != nil {
			e.requeueBatch(b)
			return ctx.Err()
		}
		txn := &eligible[i]
		if decidedThisRun[txn.ID] {
			b.LastOffset = i + 1
			continue
		}

		cand, err := decide(txn, rules, records, consumed)
		if err != nil {
			return e.failBatch(b, err)
		}
		m := e.buildMatch(b, txn, cand)
		if err := e.store.InsertMatch(ctx, m); err != nil {
			return e.failBatch(b, fmt.Errorf("record decision for %s: %w", txn.ID, err))
		}
		if cand != nil {
			consumed[cand.record.ID] = true
		}
		if prior := priorByTxn[txn.ID]; prior != nil {
			if err := e.store.SupersedeMatch(ctx, prior.ID, m.ID); err != nil {
				return e.failBatch(b, fmt.Errorf("supersede match %s: %w", prior.ID, err))
			}
		}
		countMatch(b, m.Status)
		b.LastOffset = i + 1
		if err := e.store.UpdateBatch(ctx, b); err != nil {
			return e.failBatch(b, fmt.Errorf("checkpoint batch: %w", err))
		}
	}

	now := e.now().UTC()
	b.Status = models.BatchCompleted
	b.CompletedAt = &now
	if err := e.store.UpdateBatch(ctx, b); err != nil {
		return fmt.Errorf("complete batch %s: %w", b.ID, err)
	}
	e.log.WithFields(logging.Fields{
		"batch_id":      b.ID,
		"business_id":   b.BusinessID,
		"total":         b.Total,
		"matched":       b.Matched,
		"unmatched":     b.Unmatched,
		"manual_review": b.ManualReview,
	}).Info("Reconciliation batch completed")
	return nil
}

func (e *Engine) buildMatch(b *models.ReconciliationBatch, txn *models.Transaction, cand *candidate) *models.ReconciliationMatch {
	m := &models.ReconciliationMatch{
		ID:            uuid.New().String(),
		BatchID:       b.ID,
		TransactionID: txn.ID,
		Confidence:    decimal.Zero,
		AmountDelta:   decimal.Zero,
		Status:        models.MatchUnmatched,
		CreatedAt:     e.now().UTC(),
	}
	if cand != nil {
		recID := cand.record.ID
		ruleID := cand.rule.ID
		m.ExternalRecordID = &recID
		m.RuleID = &ruleID
		m.Confidence = cand.confidence
		m.AmountDelta = cand.delta
		m.Status = cand.status
		m.Notes = cand.note
	}
	return m
}

func countMatch(b *models.ReconciliationBatch, s models.MatchStatus) {
	switch s {
	case models.MatchMatched:
		b.Matched++
	case models.MatchManualReview:
		b.ManualReview++
	default:
		b.Unmatched++
	}
}

// failBatch marks the batch FAILED with the cause and the offset it stopped
// at, then returns the cause.
func (e *Engine) failBatch(b *models.ReconciliationBatch, cause error) error {
	reason := cause.Error()
	now := e.now().UTC()
	b.Status = models.BatchFailed
	b.FailureReason = &reason
	b.CompletedAt = &now
	if err := e.store.UpdateBatch(context.Background(), b); err != nil {
		e.log.WithError(err).WithField("batch_id", b.ID).Error("Failed to record batch failure")
	}
	return cause
}

// requeueBatch returns a cancelled batch to the queue with its checkpoint
// intact so the next runner tick resumes it.
func (e *Engine) requeueBatch(b *models.ReconciliationBatch) {
	b.Status = models.BatchPending
	if err := e.store.UpdateBatch(context.Background(), b); err != nil {
		e.log.WithError(err).WithField("batch_id", b.ID).Error("Failed to requeue cancelled batch")
	}
}

// ManualMatchArgs resolve one exception by hand.
type ManualMatchArgs struct {
	BusinessID       string
	TransactionID    string
	ExternalRecordID string
	Notes            string
}

// ManualMatch links a transaction to an external record by operator
// decision, superseding the transaction's live match row. The prior row is
// kept for audit; batch counters move from the exception bucket to matched.
func (e *Engine) ManualMatch(ctx context.Context, args ManualMatchArgs) (*models.ReconciliationMatch, error) {
	prior, err := e.store.LiveMatchForTransaction(ctx, args.TransactionID)
	if err != nil {
		return nil, err
	}
	batch, err := e.store.Batch(ctx, prior.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.BusinessID != args.BusinessID {
		return nil, ErrMatchNotFound
	}

	rec, err := e.store.ExternalRecord(ctx, args.ExternalRecordID)
	if err != nil {
		return nil, err
	}
	if rec.BusinessID != args.BusinessID {
		return nil, ErrRecordNotFound
	}
	holder, err := e.store.LiveMatchForRecord(ctx, rec.ID)
	switch {
	case err == nil:
		if holder.TransactionID != args.TransactionID && holder.Status == models.MatchMatched {
			return nil, ErrRecordConsumed
		}
	case !errors.Is(err, ErrMatchNotFound):
		return nil, err
	}

	txn, err := e.store.Transaction(ctx, args.TransactionID)
	if err != nil {
		return nil, err
	}

	recID := rec.ID
	m := &models.ReconciliationMatch{
		ID:               uuid.New().String(),
		BatchID:          prior.BatchID,
		TransactionID:    args.TransactionID,
		ExternalRecordID: &recID,
		Confidence:       one,
		AmountDelta:      txn.Amount.Sub(rec.Amount.Abs()).Abs(),
		Status:           models.MatchMatched,
		Manual:           true,
		Notes:            args.Notes,
		CreatedAt:        e.now().UTC(),
	}
	if err := e.store.InsertMatch(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.SupersedeMatch(ctx, prior.ID, m.ID); err != nil {
		return nil, err
	}

	if prior.Status != models.MatchMatched {
		batch.Matched++
		switch prior.Status {
		case models.MatchUnmatched:
			if batch.Unmatched > 0 {
				batch.Unmatched--
			}
		case models.MatchManualReview:
			if batch.ManualReview > 0 {
				batch.ManualReview--
			}
		}
		if err := e.store.UpdateBatch(ctx, batch); err != nil {
			e.log.WithError(err).WithField("batch_id", batch.ID).Warn("Failed to update batch counts after manual match")
		}
	}
	return m, nil
}
