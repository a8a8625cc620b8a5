package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgerworks/pkg/models"
)

// MemoryStore is an in-process Store for tests. One mutex stands in for
// the database row locks: WithinTx holds it for the whole transaction,
// which serializes mutations the same way the wallet row lock does.
// Reads return copies so callers never alias stored state.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*models.Wallet
	txns    map[string]*models.Transaction
	holds   map[string]*models.Hold
	txnKey  map[string]string // walletID|key -> transaction id
	holdKey map[string]string // walletID|key -> hold id
	owner   map[string]string // businessID|currency -> wallet id
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*models.Wallet),
		txns:    make(map[string]*models.Transaction),
		holds:   make(map[string]*models.Hold),
		txnKey:  make(map[string]string),
		holdKey: make(map[string]string),
		owner:   make(map[string]string),
	}
}

func memKey(a, b string) string { return a + "\x00" + b }

// WithinTx runs fn under the store mutex and rolls back by snapshot
// restore when fn fails.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(&memTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	wallets map[string]*models.Wallet
	txns    map[string]*models.Transaction
	holds   map[string]*models.Hold
	txnKey  map[string]string
	holdKey map[string]string
	owner   map[string]string
}

func (m *MemoryStore) snapshot() memSnapshot {
	s := memSnapshot{
		wallets: make(map[string]*models.Wallet, len(m.wallets)),
		txns:    make(map[string]*models.Transaction, len(m.txns)),
		holds:   make(map[string]*models.Hold, len(m.holds)),
		txnKey:  make(map[string]string, len(m.txnKey)),
		holdKey: make(map[string]string, len(m.holdKey)),
		owner:   make(map[string]string, len(m.owner)),
	}
	for k, v := range m.wallets {
		s.wallets[k] = cloneWallet(v)
	}
	for k, v := range m.txns {
		s.txns[k] = cloneTxn(v)
	}
	for k, v := range m.holds {
		s.holds[k] = cloneHold(v)
	}
	for k, v := range m.txnKey {
		s.txnKey[k] = v
	}
	for k, v := range m.holdKey {
		s.holdKey[k] = v
	}
	for k, v := range m.owner {
		s.owner[k] = v
	}
	return s
}

func (m *MemoryStore) restore(s memSnapshot) {
	m.wallets = s.wallets
	m.txns = s.txns
	m.holds = s.holds
	m.txnKey = s.txnKey
	m.holdKey = s.holdKey
	m.owner = s.owner
}

// Read surface shared by the store and its transactions. The withLock
// variants are used outside transactions.

func (m *MemoryStore) Wallet(ctx context.Context, id string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walletLocked(id)
}

func (m *MemoryStore) walletLocked(id string) (*models.Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneWallet(w), nil
}

func (m *MemoryStore) WalletByOwner(ctx context.Context, businessID, cur string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walletByOwnerLocked(businessID, cur)
}

func (m *MemoryStore) walletByOwnerLocked(businessID, cur string) (*models.Wallet, error) {
	id, ok := m.owner[memKey(businessID, cur)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return m.walletLocked(id)
}

func (m *MemoryStore) WalletsByOwner(ctx context.Context, businessID string) ([]models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walletsByOwnerLocked(businessID)
}

func (m *MemoryStore) walletsByOwnerLocked(businessID string) ([]models.Wallet, error) {
	var out []models.Wallet
	for _, w := range m.wallets {
		if w.BusinessID == businessID {
			out = append(out, *cloneWallet(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *MemoryStore) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactionLocked(id)
}

func (m *MemoryStore) transactionLocked(id string) (*models.Transaction, error) {
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTxn(t), nil
}

func (m *MemoryStore) TransactionByKey(ctx context.Context, walletID, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactionByKeyLocked(walletID, key)
}

func (m *MemoryStore) transactionByKeyLocked(walletID, key string) (*models.Transaction, error) {
	id, ok := m.txnKey[memKey(walletID, key)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.transactionLocked(id)
}

func (m *MemoryStore) TransactionByReference(ctx context.Context, walletID, refType, refID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactionByReferenceLocked(walletID, refType, refID)
}

func (m *MemoryStore) transactionByReferenceLocked(walletID, refType, refID string) (*models.Transaction, error) {
	var found *models.Transaction
	for _, t := range m.txns {
		if t.WalletID != walletID || t.ReferenceType != refType || t.ReferenceID != refID {
			continue
		}
		if found == nil || t.CreatedAt.Before(found.CreatedAt) ||
			(t.CreatedAt.Equal(found.CreatedAt) && t.ID < found.ID) {
			found = t
		}
	}
	if found == nil {
		return nil, ErrTransactionNotFound
	}
	return cloneTxn(found), nil
}

func (m *MemoryStore) TransactionsByTransfer(ctx context.Context, transferID string) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactionsByTransferLocked(transferID)
}

func (m *MemoryStore) transactionsByTransferLocked(transferID string) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, t := range m.txns {
		if t.TransferID != nil && *t.TransferID == transferID {
			out = append(out, *cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *MemoryStore) Transactions(ctx context.Context, walletID string, filter TransactionFilter) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactionsLocked(walletID, filter)
}

func (m *MemoryStore) transactionsLocked(walletID string, filter TransactionFilter) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, t := range m.txns {
		if t.WalletID != walletID {
			continue
		}
		if !matchesFilter(t, filter) {
			continue
		}
		out = append(out, *cloneTxn(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(t *models.Transaction, f TransactionFilter) bool {
	if len(f.Types) > 0 && !containsType(f.Types, t.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !t.CreatedAt.Before(*f.To) {
		return false
	}
	if f.BeforeCreatedAt != nil {
		if t.CreatedAt.After(*f.BeforeCreatedAt) {
			return false
		}
		if t.CreatedAt.Equal(*f.BeforeCreatedAt) && (f.BeforeID == "" || t.ID >= f.BeforeID) {
			return false
		}
	}
	return true
}

func containsType(ts []models.TransactionType, t models.TransactionType) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []models.TransactionStatus, s models.TransactionStatus) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Hold(ctx context.Context, id string) (*models.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdLocked(id)
}

func (m *MemoryStore) holdLocked(id string) (*models.Hold, error) {
	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return cloneHold(h), nil
}

func (m *MemoryStore) HoldByKey(ctx context.Context, walletID, key string) (*models.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdByKeyLocked(walletID, key)
}

func (m *MemoryStore) holdByKeyLocked(walletID, key string) (*models.Hold, error) {
	id, ok := m.holdKey[memKey(walletID, key)]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return m.holdLocked(id)
}

func (m *MemoryStore) ActiveHolds(ctx context.Context, walletID string) ([]models.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeHoldsLocked(walletID)
}

func (m *MemoryStore) activeHoldsLocked(walletID string) ([]models.Hold, error) {
	var out []models.Hold
	for _, h := range m.holds {
		if h.WalletID == walletID && h.Status == models.HoldActive {
			out = append(out, *cloneHold(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Hold
	for _, h := range m.holds {
		if h.Status == models.HoldActive && h.Expired(now) {
			out = append(out, *cloneHold(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) StaleWithdrawals(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, t := range m.txns {
		if t.Type == models.TxnWithdrawal && t.Status == models.TxnPending && t.CreatedAt.Before(cutoff) {
			out = append(out, *cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx is the write surface. The store mutex is already held.
type memTx struct {
	store *MemoryStore
}

func (t *memTx) Wallet(ctx context.Context, id string) (*models.Wallet, error) {
	return t.store.walletLocked(id)
}

func (t *memTx) WalletByOwner(ctx context.Context, businessID, cur string) (*models.Wallet, error) {
	return t.store.walletByOwnerLocked(businessID, cur)
}

func (t *memTx) WalletsByOwner(ctx context.Context, businessID string) ([]models.Wallet, error) {
	return t.store.walletsByOwnerLocked(businessID)
}

func (t *memTx) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	return t.store.transactionLocked(id)
}

func (t *memTx) TransactionByKey(ctx context.Context, walletID, key string) (*models.Transaction, error) {
	return t.store.transactionByKeyLocked(walletID, key)
}

func (t *memTx) TransactionByReference(ctx context.Context, walletID, refType, refID string) (*models.Transaction, error) {
	return t.store.transactionByReferenceLocked(walletID, refType, refID)
}

func (t *memTx) TransactionsByTransfer(ctx context.Context, transferID string) ([]models.Transaction, error) {
	return t.store.transactionsByTransferLocked(transferID)
}

func (t *memTx) Transactions(ctx context.Context, walletID string, filter TransactionFilter) ([]models.Transaction, error) {
	return t.store.transactionsLocked(walletID, filter)
}

func (t *memTx) Hold(ctx context.Context, id string) (*models.Hold, error) {
	return t.store.holdLocked(id)
}

func (t *memTx) HoldByKey(ctx context.Context, walletID, key string) (*models.Hold, error) {
	return t.store.holdByKeyLocked(walletID, key)
}

func (t *memTx) ActiveHolds(ctx context.Context, walletID string) ([]models.Hold, error) {
	return t.store.activeHoldsLocked(walletID)
}

func (t *memTx) WalletForUpdate(ctx context.Context, id string) (*models.Wallet, error) {
	return t.store.walletLocked(id)
}

func (t *memTx) InsertWallet(ctx context.Context, w *models.Wallet) error {
	key := memKey(w.BusinessID, w.Currency)
	if _, exists := t.store.owner[key]; exists {
		return ErrDuplicateWallet
	}
	t.store.wallets[w.ID] = cloneWallet(w)
	t.store.owner[key] = w.ID
	return nil
}

func (t *memTx) UpdateWalletBalances(ctx context.Context, w *models.Wallet) error {
	stored, ok := t.store.wallets[w.ID]
	if !ok {
		return ErrWalletNotFound
	}
	if stored.Version != w.Version {
		return ErrStaleWallet
	}
	next := cloneWallet(w)
	next.Version = w.Version + 1
	next.UpdatedAt = time.Now().UTC()
	t.store.wallets[w.ID] = next
	return nil
}

func (t *memTx) UpdateWalletProfile(ctx context.Context, w *models.Wallet) error {
	return t.UpdateWalletBalances(ctx, w)
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	key := memKey(txn.WalletID, txn.IdempotencyKey)
	if _, exists := t.store.txnKey[key]; exists {
		return ErrDuplicateKey
	}
	t.store.txns[txn.ID] = cloneTxn(txn)
	t.store.txnKey[key] = txn.ID
	return nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	if _, ok := t.store.txns[txn.ID]; !ok {
		return ErrTransactionNotFound
	}
	t.store.txns[txn.ID] = cloneTxn(txn)
	return nil
}

func (t *memTx) InsertHold(ctx context.Context, h *models.Hold) error {
	key := memKey(h.WalletID, h.IdempotencyKey)
	if _, exists := t.store.holdKey[key]; exists {
		return ErrDuplicateKey
	}
	t.store.holds[h.ID] = cloneHold(h)
	t.store.holdKey[key] = h.ID
	return nil
}

func (t *memTx) UpdateHold(ctx context.Context, h *models.Hold) error {
	if _, ok := t.store.holds[h.ID]; !ok {
		return ErrHoldNotFound
	}
	t.store.holds[h.ID] = cloneHold(h)
	return nil
}

func (t *memTx) DebitsSince(ctx context.Context, walletID string, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, txn := range t.store.txns {
		if txn.WalletID != walletID || txn.Status != models.TxnCompleted {
			continue
		}
		switch txn.Type {
		case models.TxnDebit, models.TxnTransferOut, models.TxnWithdrawal:
		default:
			continue
		}
		if txn.CompletedAt != nil && !txn.CompletedAt.Before(since) {
			total = total.Add(txn.Amount)
		}
	}
	return total, nil
}

func cloneWallet(w *models.Wallet) *models.Wallet {
	c := *w
	if w.DailyLimit != nil {
		v := *w.DailyLimit
		c.DailyLimit = &v
	}
	if w.MonthlyLimit != nil {
		v := *w.MonthlyLimit
		c.MonthlyLimit = &v
	}
	if w.PINHash != nil {
		v := *w.PINHash
		c.PINHash = &v
	}
	return &c
}

func cloneTxn(t *models.Transaction) *models.Transaction {
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

func cloneHold(h *models.Hold) *models.Hold {
	c := *h
	if h.ExpiresAt != nil {
		v := *h.ExpiresAt
		c.ExpiresAt = &v
	}
	if h.SettledAt != nil {
		v := *h.SettledAt
		c.SettledAt = &v
	}
	return &c
}
