// Package postgres implements the ledger store over lib/pq. Wallet row
// locks (SELECT ... FOR UPDATE) serialize balance mutations; unique
// violations surface as the ledger's duplicate sentinels.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"ledgerworks/internal/ledger"
	"ledgerworks/pkg/models"
)

const (
	walletCols = `id, business_id, currency, available, held, daily_limit, monthly_limit, credit_floor, status, pin_hash, version, created_at, updated_at`
	txnCols    = `id, wallet_id, type, amount, currency, balance_after, status, reference_type, reference_id, idempotency_key, request_hash, transfer_id, exchange_rate, counter_amount, counter_currency, metadata, created_at, completed_at`
	holdCols   = `id, wallet_id, amount, captured_amount, reason, reference_type, reference_id, status, idempotency_key, expires_at, created_at, settled_at`
)

// Store implements ledger.Store over a Postgres pool.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// querier is satisfied by *sql.DB and *sql.Tx so reads run in both scopes.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// WithinTx runs fn inside one database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbTx.Rollback() //nolint:errcheck // rollback is best-effort cleanup
	if err := fn(&pgTx{q: dbTx}); err != nil {
		return err
	}
	return dbTx.Commit()
}

func (s *Store) Wallet(ctx context.Context, id string) (*models.Wallet, error) {
	return getWallet(ctx, s.db, id, false)
}

func (s *Store) WalletByOwner(ctx context.Context, businessID, cur string) (*models.Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM paymaster.wallets WHERE business_id = $1 AND currency = $2`,
		businessID, cur)
	return scanWallet(row)
}

func (s *Store) WalletsByOwner(ctx context.Context, businessID string) ([]models.Wallet, error) {
	return listWallets(ctx, s.db, businessID)
}

func (s *Store) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

func (s *Store) TransactionByKey(ctx context.Context, walletID, key string) (*models.Transaction, error) {
	return getTransactionByKey(ctx, s.db, walletID, key)
}

func (s *Store) TransactionByReference(ctx context.Context, walletID, refType, refID string) (*models.Transaction, error) {
	return getTransactionByReference(ctx, s.db, walletID, refType, refID)
}

func (s *Store) TransactionsByTransfer(ctx context.Context, transferID string) ([]models.Transaction, error) {
	return listTransactionsByTransfer(ctx, s.db, transferID)
}

func (s *Store) Transactions(ctx context.Context, walletID string, filter ledger.TransactionFilter) ([]models.Transaction, error) {
	return listTransactions(ctx, s.db, walletID, filter)
}

func (s *Store) Hold(ctx context.Context, id string) (*models.Hold, error) {
	return getHold(ctx, s.db, id)
}

func (s *Store) HoldByKey(ctx context.Context, walletID, key string) (*models.Hold, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+holdCols+` FROM paymaster.holds WHERE wallet_id = $1 AND idempotency_key = $2`,
		walletID, key)
	return scanHold(row)
}

func (s *Store) ActiveHolds(ctx context.Context, walletID string) ([]models.Hold, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+holdCols+` FROM paymaster.holds WHERE wallet_id = $1 AND status = 'ACTIVE' ORDER BY created_at ASC`,
		walletID)
	if err != nil {
		return nil, fmt.Errorf("list active holds: %w", err)
	}
	defer rows.Close()
	return scanHolds(rows)
}

func (s *Store) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+holdCols+` FROM paymaster.holds
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()
	return scanHolds(rows)
}

func (s *Store) StaleWithdrawals(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnCols+` FROM paymaster.transactions
		WHERE type = 'WITHDRAWAL' AND status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale withdrawals: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// pgTx is the write surface over one open transaction.
type pgTx struct {
	q *sql.Tx
}

func (t *pgTx) Wallet(ctx context.Context, id string) (*models.Wallet, error) {
	return getWallet(ctx, t.q, id, false)
}

func (t *pgTx) WalletForUpdate(ctx context.Context, id string) (*models.Wallet, error) {
	return getWallet(ctx, t.q, id, true)
}

func (t *pgTx) WalletByOwner(ctx context.Context, businessID, cur string) (*models.Wallet, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM paymaster.wallets WHERE business_id = $1 AND currency = $2`,
		businessID, cur)
	return scanWallet(row)
}

func (t *pgTx) WalletsByOwner(ctx context.Context, businessID string) ([]models.Wallet, error) {
	return listWallets(ctx, t.q, businessID)
}

func (t *pgTx) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	return getTransaction(ctx, t.q, id)
}

func (t *pgTx) TransactionByKey(ctx context.Context, walletID, key string) (*models.Transaction, error) {
	return getTransactionByKey(ctx, t.q, walletID, key)
}

func (t *pgTx) TransactionByReference(ctx context.Context, walletID, refType, refID string) (*models.Transaction, error) {
	return getTransactionByReference(ctx, t.q, walletID, refType, refID)
}

func (t *pgTx) TransactionsByTransfer(ctx context.Context, transferID string) ([]models.Transaction, error) {
	return listTransactionsByTransfer(ctx, t.q, transferID)
}

func (t *pgTx) Transactions(ctx context.Context, walletID string, filter ledger.TransactionFilter) ([]models.Transaction, error) {
	return listTransactions(ctx, t.q, walletID, filter)
}

func (t *pgTx) Hold(ctx context.Context, id string) (*models.Hold, error) {
	return getHold(ctx, t.q, id)
}

func (t *pgTx) HoldByKey(ctx context.Context, walletID, key string) (*models.Hold, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+holdCols+` FROM paymaster.holds WHERE wallet_id = $1 AND idempotency_key = $2`,
		walletID, key)
	return scanHold(row)
}

func (t *pgTx) ActiveHolds(ctx context.Context, walletID string) ([]models.Hold, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+holdCols+` FROM paymaster.holds WHERE wallet_id = $1 AND status = 'ACTIVE' ORDER BY created_at ASC`,
		walletID)
	if err != nil {
		return nil, fmt.Errorf("list active holds: %w", err)
	}
	defer rows.Close()
	return scanHolds(rows)
}

func (t *pgTx) InsertWallet(ctx context.Context, w *models.Wallet) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO paymaster.wallets (`+walletCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.BusinessID, w.Currency, w.Available, w.Held,
		nullDecimal(w.DailyLimit), nullDecimal(w.MonthlyLimit), w.CreditFloor,
		w.Status, nullString(w.PINHash), w.Version, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return mapUniqueViolation(err, "insert wallet")
	}
	return nil
}

func (t *pgTx) UpdateWalletBalances(ctx context.Context, w *models.Wallet) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE paymaster.wallets
		SET available = $1, held = $2, version = version + 1, updated_at = now()
		WHERE id = $3 AND version = $4`,
		w.Available, w.Held, w.ID, w.Version)
	if err != nil {
		return fmt.Errorf("update wallet balances: %w", err)
	}
	return requireOneRow(res, ledger.ErrStaleWallet)
}

func (t *pgTx) UpdateWalletProfile(ctx context.Context, w *models.Wallet) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE paymaster.wallets
		SET daily_limit = $1, monthly_limit = $2, credit_floor = $3, status = $4, pin_hash = $5,
		    version = version + 1, updated_at = now()
		WHERE id = $6 AND version = $7`,
		nullDecimal(w.DailyLimit), nullDecimal(w.MonthlyLimit), w.CreditFloor,
		w.Status, nullString(w.PINHash), w.ID, w.Version)
	if err != nil {
		return fmt.Errorf("update wallet profile: %w", err)
	}
	return requireOneRow(res, ledger.ErrStaleWallet)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	meta := txn.Metadata
	if meta == nil {
		meta = models.JSONB{}
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO paymaster.transactions (`+txnCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		txn.ID, txn.WalletID, txn.Type, txn.Amount, txn.Currency, txn.BalanceAfter, txn.Status,
		txn.ReferenceType, txn.ReferenceID, txn.IdempotencyKey, txn.RequestHash,
		nullString(txn.TransferID), nullDecimal(txn.ExchangeRate), nullDecimal(txn.CounterAmount),
		nullString(txn.CounterCurrency), meta, txn.CreatedAt, nullTime(txn.CompletedAt))
	if err != nil {
		return mapUniqueViolation(err, "insert transaction")
	}
	return nil
}

func (t *pgTx) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	meta := txn.Metadata
	if meta == nil {
		meta = models.JSONB{}
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE paymaster.transactions
		SET status = $1, balance_after = $2, completed_at = $3, metadata = $4
		WHERE id = $5`,
		txn.Status, txn.BalanceAfter, nullTime(txn.CompletedAt), meta, txn.ID)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return requireOneRow(res, ledger.ErrTransactionNotFound)
}

func (t *pgTx) InsertHold(ctx context.Context, h *models.Hold) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO paymaster.holds (`+holdCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		h.ID, h.WalletID, h.Amount, h.CapturedAmount, h.Reason, h.ReferenceType, h.ReferenceID,
		h.Status, h.IdempotencyKey, nullTime(h.ExpiresAt), h.CreatedAt, nullTime(h.SettledAt))
	if err != nil {
		return mapUniqueViolation(err, "insert hold")
	}
	return nil
}

func (t *pgTx) UpdateHold(ctx context.Context, h *models.Hold) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE paymaster.holds
		SET status = $1, captured_amount = $2, settled_at = $3
		WHERE id = $4`,
		h.Status, h.CapturedAmount, nullTime(h.SettledAt), h.ID)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	return requireOneRow(res, ledger.ErrHoldNotFound)
}

func (t *pgTx) DebitsSince(ctx context.Context, walletID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM paymaster.transactions
		WHERE wallet_id = $1 AND status = 'COMPLETED'
		  AND type IN ('DEBIT', 'TRANSFER_OUT', 'WITHDRAWAL')
		  AND completed_at >= $2`, walletID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum debits: %w", err)
	}
	return total, nil
}

// Shared query helpers.

func getWallet(ctx context.Context, q querier, id string, forUpdate bool) (*models.Wallet, error) {
	query := `SELECT ` + walletCols + ` FROM paymaster.wallets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanWallet(q.QueryRowContext(ctx, query, id))
}

func listWallets(ctx context.Context, q querier, businessID string) ([]models.Wallet, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+walletCols+` FROM paymaster.wallets WHERE business_id = $1 ORDER BY currency ASC`,
		businessID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()
	var out []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func getTransaction(ctx context.Context, q querier, id string) (*models.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+txnCols+` FROM paymaster.transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func getTransactionByKey(ctx context.Context, q querier, walletID, key string) (*models.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+txnCols+` FROM paymaster.transactions WHERE wallet_id = $1 AND idempotency_key = $2`,
		walletID, key)
	return scanTransaction(row)
}

func getTransactionByReference(ctx context.Context, q querier, walletID, refType, refID string) (*models.Transaction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+txnCols+` FROM paymaster.transactions
		WHERE wallet_id = $1 AND reference_type = $2 AND reference_id = $3
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, walletID, refType, refID)
	return scanTransaction(row)
}

func listTransactionsByTransfer(ctx context.Context, q querier, transferID string) ([]models.Transaction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+txnCols+` FROM paymaster.transactions WHERE transfer_id = $1 ORDER BY type ASC`,
		transferID)
	if err != nil {
		return nil, fmt.Errorf("list transfer legs: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func listTransactions(ctx context.Context, q querier, walletID string, filter ledger.TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + txnCols + ` FROM paymaster.transactions WHERE wallet_id = $1`
	args := []interface{}{walletID}
	idx := 2

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query += fmt.Sprintf(" AND type = ANY($%d)", idx)
		args = append(args, pq.Array(types))
		idx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", idx)
		args = append(args, pq.Array(statuses))
		idx++
	}
	if filter.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		query += fmt.Sprintf(" AND created_at < $%d", idx)
		args = append(args, *filter.To)
		idx++
	}
	if filter.BeforeCreatedAt != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d::timestamptz, $%d::uuid)", idx, idx+1)
		args = append(args, *filter.BeforeCreatedAt, filter.BeforeID)
		idx += 2
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func getHold(ctx context.Context, q querier, id string) (*models.Hold, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+holdCols+` FROM paymaster.holds WHERE id = $1`, id)
	return scanHold(row)
}

// Scanners.

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var w models.Wallet
	var daily, monthly decimal.NullDecimal
	var pinHash sql.NullString
	err := row.Scan(&w.ID, &w.BusinessID, &w.Currency, &w.Available, &w.Held,
		&daily, &monthly, &w.CreditFloor, &w.Status, &pinHash, &w.Version,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrWalletNotFound
		}
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	w.DailyLimit = fromNullDecimal(daily)
	w.MonthlyLimit = fromNullDecimal(monthly)
	if pinHash.Valid {
		w.PINHash = &pinHash.String
	}
	return &w, nil
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
			return nil, ledger.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	if transferID.Valid {
		t.TransferID = &transferID.String
	}
	t.ExchangeRate = fromNullDecimal(rate)
	t.CounterAmount = fromNullDecimal(counterAmt)
	if counterCur.Valid {
		t.CounterCurrency = &counterCur.String
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]models.Transaction, error) {
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

func scanHold(row rowScanner) (*models.Hold, error) {
	var h models.Hold
	var expiresAt, settledAt sql.NullTime
	err := row.Scan(&h.ID, &h.WalletID, &h.Amount, &h.CapturedAmount, &h.Reason,
		&h.ReferenceType, &h.ReferenceID, &h.Status, &h.IdempotencyKey,
		&expiresAt, &h.CreatedAt, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrHoldNotFound
		}
		return nil, fmt.Errorf("scan hold: %w", err)
	}
	if expiresAt.Valid {
		v := expiresAt.Time
		h.ExpiresAt = &v
	}
	if settledAt.Valid {
		v := settledAt.Time
		h.SettledAt = &v
	}
	return &h, nil
}

func scanHolds(rows *sql.Rows) ([]models.Hold, error) {
	var out []models.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// Null helpers.

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}

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

// mapUniqueViolation turns Postgres 23505 errors into the ledger's
// duplicate sentinels so the engine can resolve idempotent replays.
func mapUniqueViolation(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "business_id_currency") {
			return fmt.Errorf("%s: %w", op, ledger.ErrDuplicateWallet)
		}
		return fmt.Errorf("%s: %w", op, ledger.ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
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
