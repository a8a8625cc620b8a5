package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"ledgerworks/internal/ledger"
	"ledgerworks/pkg/models"
	"ledgerworks/pkg/testutil"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func walletRow(id string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "business_id", "currency", "available", "held",
		"daily_limit", "monthly_limit", "credit_floor", "status", "pin_hash",
		"version", "created_at", "updated_at",
	}).AddRow(
		id, "biz-1", "INR", "1000.00", "250.00",
		nil, nil, "0", "ACTIVE", nil,
		int64(3), now, now,
	)
}

func TestWalletForUpdateLocksRow(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	walletID := uuid.New().String()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM paymaster.wallets WHERE id(.+)FOR UPDATE").
		WithArgs(walletID).
		WillReturnRows(walletRow(walletID))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		w, err := tx.WalletForUpdate(context.Background(), walletID)
		if err != nil {
			return err
		}
		if !w.Available.Equal(decimal.RequireFromString("1000.00")) {
			t.Fatalf("expected available 1000.00, got %s", w.Available)
		}
		if !w.Held.Equal(decimal.RequireFromString("250.00")) {
			t.Fatalf("expected held 250.00, got %s", w.Held)
		}
		if w.DailyLimit != nil || w.PINHash != nil {
			t.Fatalf("expected null limit and pin hash to stay nil")
		}
		if w.Version != 3 {
			t.Fatalf("expected version 3, got %d", w.Version)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWalletNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("FROM paymaster.wallets WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Wallet(context.Background(), "missing")
	if !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected WalletNotFound, got %v", err)
	}
}

func TestInsertTransactionDuplicateKey(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO paymaster.transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_wallet_id_idempotency_key_key"})
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertTransaction(context.Background(), &models.Transaction{
			ID:       uuid.New().String(),
			WalletID: uuid.New().String(),
			Type:     models.TxnCredit,
			Amount:   decimal.RequireFromString("10"),
			Currency: "INR",
			Status:   models.TxnCompleted,
		})
	})
	if !errors.Is(err, ledger.ErrDuplicateKey) {
		t.Fatalf("expected DuplicateKey, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertWalletDuplicatePair(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO paymaster.wallets").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "wallets_business_id_currency_key"})
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertWallet(context.Background(), &models.Wallet{
			ID:         uuid.New().String(),
			BusinessID: "biz-1",
			Currency:   "INR",
			Status:     models.WalletActive,
		})
	})
	if !errors.Is(err, ledger.ErrDuplicateWallet) {
		t.Fatalf("expected DuplicateWallet, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateWalletBalancesStaleVersion(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE paymaster.wallets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return tx.UpdateWalletBalances(context.Background(), &models.Wallet{
			ID:        uuid.New().String(),
			Available: decimal.Zero,
			Held:      decimal.Zero,
			Version:   7,
		})
	})
	if !errors.Is(err, ledger.ErrStaleWallet) {
		t.Fatalf("expected StaleWallet, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListTransactionsBuildsFilterQuery(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	walletID := uuid.New().String()
	before := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	beforeID := uuid.New().String()

	want := `SELECT ` + txnCols + ` FROM paymaster.transactions WHERE wallet_id = $1` +
		` AND type = ANY($2) AND status = ANY($3)` +
		` AND (created_at, id) < ($4::timestamptz, $5::uuid)` +
		` ORDER BY created_at DESC, id DESC LIMIT 2`
	mock.ExpectQuery(regexp.QuoteMeta(want)).
		WithArgs(walletID, sqlmock.AnyArg(), sqlmock.AnyArg(), before, beforeID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "wallet_id", "type", "amount", "currency", "balance_after", "status",
			"reference_type", "reference_id", "idempotency_key", "request_hash",
			"transfer_id", "exchange_rate", "counter_amount", "counter_currency",
			"metadata", "created_at", "completed_at",
		}).AddRow(
			uuid.New().String(), walletID, "DEBIT", "100.00", "INR", "900.00", "COMPLETED",
			"hold", uuid.New().String(), "cap-1", "deadbeef",
			nil, nil, nil, nil,
			[]byte(`{"channel":"api"}`), before.Add(-time.Hour), before.Add(-time.Hour),
		))

	txns, err := store.Transactions(context.Background(), walletID, ledger.TransactionFilter{
		Types:           []models.TransactionType{models.TxnDebit, models.TxnWithdrawal},
		Statuses:        []models.TransactionStatus{models.TxnCompleted},
		BeforeCreatedAt: &before,
		BeforeID:        beforeID,
		Limit:           2,
	})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 row, got %d", len(txns))
	}
	if txns[0].Type != models.TxnDebit || !txns[0].Amount.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("unexpected row %s %s", txns[0].Type, txns[0].Amount)
	}
	if txns[0].Metadata["channel"] != "api" {
		t.Fatalf("metadata did not scan: %v", txns[0].Metadata)
	}
	if txns[0].CompletedAt == nil {
		t.Fatalf("expected completed_at to scan")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDebitsSinceSumsWindow(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	walletID := uuid.New().String()
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(walletID, since).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("450.50"))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		total, err := tx.DebitsSince(context.Background(), walletID, since)
		if err != nil {
			return err
		}
		if !total.Equal(decimal.RequireFromString("450.50")) {
			t.Fatalf("expected 450.50, got %s", total)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHoldByKeyNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("FROM paymaster.holds WHERE wallet_id").
		WithArgs("w-1", "missing-key").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.HoldByKey(context.Background(), "w-1", "missing-key")
	if !errors.Is(err, ledger.ErrHoldNotFound) {
		t.Fatalf("expected HoldNotFound, got %v", err)
	}
}

func TestCallbackErrorRollsBack(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransactionScanExchangeLeg(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	fixtures := testutil.NewDatabaseFixtures()
	want := fixtures.TransactionExchangeLeg()
	mock.ExpectQuery("FROM paymaster.transactions WHERE id").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(want)...))

	got, err := store.Transaction(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if got.TransferID == nil || *got.TransferID != *want.TransferID {
		t.Fatalf("transfer_id did not scan: %v", got.TransferID)
	}
	if got.ExchangeRate == nil || !got.ExchangeRate.Equal(*want.ExchangeRate) {
		t.Fatalf("exchange_rate did not scan: %v", got.ExchangeRate)
	}
	if got.CounterAmount == nil || !got.CounterAmount.Equal(*want.CounterAmount) {
		t.Fatalf("counter_amount did not scan: %v", got.CounterAmount)
	}
	if got.CounterCurrency == nil || *got.CounterCurrency != "USD" {
		t.Fatalf("counter_currency did not scan: %v", got.CounterCurrency)
	}
	if got.Metadata["quote_id"] != "quote-31" {
		t.Fatalf("metadata did not scan: %v", got.Metadata)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(*want.CompletedAt) {
		t.Fatalf("completed_at did not scan: %v", got.CompletedAt)
	}
}

func TestTransactionScanNullableFields(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	fixtures := testutil.NewDatabaseFixtures()
	want := fixtures.TransactionWithNulls()
	mock.ExpectQuery("FROM paymaster.transactions WHERE id").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(want)...))

	got, err := store.Transaction(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if got.TransferID != nil || got.ExchangeRate != nil || got.CounterAmount != nil || got.CounterCurrency != nil {
		t.Fatalf("expected null optional columns to stay nil")
	}
	if got.Metadata != nil {
		t.Fatalf("expected null metadata, got %v", got.Metadata)
	}
	if got.CompletedAt != nil {
		t.Fatalf("expected null completed_at, got %v", got.CompletedAt)
	}
	if got.Status != models.TxnPending {
		t.Fatalf("expected pending status, got %s", got.Status)
	}
}

func TestHoldScanExpiryWindow(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	fixtures := testutil.NewDatabaseFixtures()
	want := fixtures.HoldWithExpiry()
	mock.ExpectQuery("FROM paymaster.holds WHERE id").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetHoldColumns()).
			AddRow(fixtures.GetHoldRowData(want)...))

	got, err := store.Hold(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*want.ExpiresAt) {
		t.Fatalf("expires_at did not scan: %v", got.ExpiresAt)
	}
	if got.SettledAt != nil {
		t.Fatalf("expected null settled_at, got %v", got.SettledAt)
	}
	if !got.Expired(want.ExpiresAt.Add(time.Minute)) {
		t.Fatalf("expected hold past expiry to report expired")
	}
	if got.Expired(want.ExpiresAt.Add(-time.Minute)) {
		t.Fatalf("expected hold before expiry to report active")
	}
}
