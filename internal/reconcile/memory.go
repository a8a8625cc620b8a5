package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgerworks/pkg/models"
)

// MemoryStore is an in-process Store for tests. Reads return copies so
// callers never alias stored state. Internal transactions are seeded
// directly since reconciliation only ever reads the ledger.
type MemoryStore struct {
	mu      sync.Mutex
	rules   map[string]*models.ReconciliationRule
	records map[string]*models.ExternalRecord
	recKey  map[string]string // source|external_ref -> record id
	txns    map[string]*models.Transaction
	txnBiz  map[string]string // transaction id -> business id
	batches map[string]*models.ReconciliationBatch
	matches map[string]*models.ReconciliationMatch
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:   make(map[string]*models.ReconciliationRule),
		records: make(map[string]*models.ExternalRecord),
		recKey:  make(map[string]string),
		txns:    make(map[string]*models.Transaction),
		txnBiz:  make(map[string]string),
		batches: make(map[string]*models.ReconciliationBatch),
		matches: make(map[string]*models.ReconciliationMatch),
	}
}

func recPairKey(source, ref string) string { return source + "\x00" + ref }

// AddTransaction seeds one ledger transaction owned by the business.
func (m *MemoryStore) AddTransaction(businessID string, t *models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[t.ID] = cloneTransaction(t)
	m.txnBiz[t.ID] = businessID
}

func (m *MemoryStore) InsertRule(ctx context.Context, r *models.ReconciliationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = cloneRule(r)
	return nil
}

func (m *MemoryStore) UpdateRule(ctx context.Context, r *models.ReconciliationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return ErrRuleNotFound
	}
	m.rules[r.ID] = cloneRule(r)
	return nil
}

func (m *MemoryStore) Rule(ctx context.Context, id string) (*models.ReconciliationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return cloneRule(r), nil
}

func (m *MemoryStore) Rules(ctx context.Context, businessID string) ([]models.ReconciliationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReconciliationRule
	for _, r := range m.rules {
		if r.BusinessID == businessID {
			out = append(out, *cloneRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return ruleBefore(&out[i], &out[j]) })
	return out, nil
}

func (m *MemoryStore) ActiveRules(ctx context.Context, businessID string) ([]models.ReconciliationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.activeRulesLocked(businessID)
	if len(out) == 0 && businessID != DefaultRulesBusinessID {
		out = m.activeRulesLocked(DefaultRulesBusinessID)
	}
	sort.Slice(out, func(i, j int) bool { return ruleBefore(&out[i], &out[j]) })
	return out, nil
}

func (m *MemoryStore) activeRulesLocked(businessID string) []models.ReconciliationRule {
	var out []models.ReconciliationRule
	for _, r := range m.rules {
		if r.BusinessID == businessID && r.Active {
			out = append(out, *cloneRule(r))
		}
	}
	return out
}

func (m *MemoryStore) UpsertExternalRecord(ctx context.Context, rec *models.ExternalRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recPairKey(rec.Source, rec.ExternalRef)
	if id, ok := m.recKey[key]; ok {
		next := cloneRecord(rec)
		next.ID = id
		m.records[id] = next
		return false, nil
	}
	m.records[rec.ID] = cloneRecord(rec)
	m.recKey[key] = rec.ID
	return true, nil
}

func (m *MemoryStore) ExternalRecord(ctx context.Context, id string) (*models.ExternalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryStore) ExternalRecordsInRange(ctx context.Context, businessID string, start, end time.Time) ([]models.ExternalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := end.Add(24 * time.Hour)
	var out []models.ExternalRecord
	for _, r := range m.records {
		if r.BusinessID != businessID {
			continue
		}
		if r.RecordDate.Before(start) || !r.RecordDate.Before(cutoff) {
			continue
		}
		out = append(out, *cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordDate.Equal(out[j].RecordDate) {
			return out[i].RecordDate.Before(out[j].RecordDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CompletedTransactions(ctx context.Context, businessID string, start, end time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := end.Add(24 * time.Hour)
	var out []models.Transaction
	for _, t := range m.txns {
		if m.txnBiz[t.ID] != businessID || t.Status != models.TxnCompleted {
			continue
		}
		if t.Type == models.TxnHold || t.Type == models.TxnRelease {
			continue
		}
		when := t.CreatedAt
		if t.CompletedAt != nil {
			when = *t.CompletedAt
		}
		if when.Before(start) || !when.Before(cutoff) {
			continue
		}
		out = append(out, *cloneTransaction(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (m *MemoryStore) InsertBatch(ctx context.Context, b *models.ReconciliationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = cloneBatch(b)
	return nil
}

func (m *MemoryStore) Batch(ctx context.Context, id string) (*models.ReconciliationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (m *MemoryStore) UpdateBatch(ctx context.Context, b *models.ReconciliationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; !ok {
		return ErrBatchNotFound
	}
	m.batches[b.ID] = cloneBatch(b)
	return nil
}

func (m *MemoryStore) ClaimBatch(ctx context.Context, id string, at time.Time) (*models.ReconciliationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	if b.Status != models.BatchPending {
		return nil, ErrBatchNotPending
	}
	m.claimLocked(b, at)
	return cloneBatch(b), nil
}

func (m *MemoryStore) ClaimNextBatch(ctx context.Context, at time.Time) (*models.ReconciliationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *models.ReconciliationBatch
	for _, b := range m.batches {
		if b.Status != models.BatchPending {
			continue
		}
		if next == nil || b.CreatedAt.Before(next.CreatedAt) || (b.CreatedAt.Equal(next.CreatedAt) && b.ID < next.ID) {
			next = b
		}
	}
	if next == nil {
		return nil, nil
	}
	m.claimLocked(next, at)
	return cloneBatch(next), nil
}

func (m *MemoryStore) claimLocked(b *models.ReconciliationBatch, at time.Time) {
	b.Status = models.BatchRunning
	started := at
	b.StartedAt = &started
}

func (m *MemoryStore) InsertMatch(ctx context.Context, match *models.ReconciliationMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[match.ID] = cloneMatch(match)
	return nil
}

func (m *MemoryStore) Match(ctx context.Context, id string) (*models.ReconciliationMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return cloneMatch(match), nil
}

func (m *MemoryStore) MatchesForBatch(ctx context.Context, batchID string) ([]models.ReconciliationMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReconciliationMatch
	for _, match := range m.matches {
		if match.BatchID == batchID {
			out = append(out, *cloneMatch(match))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) LiveMatches(ctx context.Context, businessID string) ([]models.ReconciliationMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReconciliationMatch
	for _, match := range m.matches {
		if match.SupersededBy != nil {
			continue
		}
		b, ok := m.batches[match.BatchID]
		if !ok || b.BusinessID != businessID {
			continue
		}
		out = append(out, *cloneMatch(match))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) LiveMatchForTransaction(ctx context.Context, transactionID string) (*models.ReconciliationMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.ReconciliationMatch
	for _, match := range m.matches {
		if match.TransactionID != transactionID || match.SupersededBy != nil {
			continue
		}
		if latest == nil || match.CreatedAt.After(latest.CreatedAt) {
			latest = match
		}
	}
	if latest == nil {
		return nil, ErrMatchNotFound
	}
	return cloneMatch(latest), nil
}

func (m *MemoryStore) LiveMatchForRecord(ctx context.Context, externalRecordID string) (*models.ReconciliationMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.ReconciliationMatch
	for _, match := range m.matches {
		if match.SupersededBy != nil || match.ExternalRecordID == nil || *match.ExternalRecordID != externalRecordID {
			continue
		}
		// A MATCHED row is the consuming one; exception rows only count when
		// nothing better references the record.
		if found == nil || (match.Status == models.MatchMatched && found.Status != models.MatchMatched) {
			found = match
		}
	}
	if found == nil {
		return nil, ErrMatchNotFound
	}
	return cloneMatch(found), nil
}

func (m *MemoryStore) SupersedeMatch(ctx context.Context, matchID, successorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[matchID]
	if !ok {
		return ErrMatchNotFound
	}
	succ := successorID
	match.SupersededBy = &succ
	return nil
}

func cloneRule(r *models.ReconciliationRule) *models.ReconciliationRule {
	c := *r
	return &c
}

func cloneRecord(r *models.ExternalRecord) *models.ExternalRecord {
	c := *r
	if r.Raw != nil {
		c.Raw = make(models.JSONB, len(r.Raw))
		for k, v := range r.Raw {
			c.Raw[k] = v
		}
	}
	return &c
}

func cloneBatch(b *models.ReconciliationBatch) *models.ReconciliationBatch {
	c := *b
	if b.FailureReason != nil {
		v := *b.FailureReason
		c.FailureReason = &v
	}
	if b.StartedAt != nil {
		v := *b.StartedAt
		c.StartedAt = &v
	}
	if b.CompletedAt != nil {
		v := *b.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func cloneMatch(m *models.ReconciliationMatch) *models.ReconciliationMatch {
	c := *m
	if m.ExternalRecordID != nil {
		v := *m.ExternalRecordID
		c.ExternalRecordID = &v
	}
	if m.RuleID != nil {
		v := *m.RuleID
		c.RuleID = &v
	}
	if m.SupersededBy != nil {
		v := *m.SupersededBy
		c.SupersededBy = &v
	}
	return &c
}

func cloneTransaction(t *models.Transaction) *models.Transaction {
	c := *t
	if t.TransferID != nil {
		v := *t.TransferID
		c.TransferID = &v
	}
	if t.ExchangeRate != nil {
		v := *t.ExchangeRate
		c.ExchangeRate = &v
	}
	if t.CounterAmount != nil {
		v := *t.CounterAmount
		c.CounterAmount = &v
	}
	if t.CounterCurrency != nil {
		v := *t.CounterCurrency
		c.CounterCurrency = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Metadata != nil {
		c.Metadata = make(models.JSONB, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
