package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ledgerworks/pkg/models"
)

// TransactionFilter narrows and pages a wallet's transaction listing.
// Cursor position is keyset-based on (created_at, id) descending.
type TransactionFilter struct {
	Types    []models.TransactionType
	Statuses []models.TransactionStatus
	From     *time.Time
	To       *time.Time

	BeforeCreatedAt *time.Time
	BeforeID        string
	Limit           int
}

// Queries are the reads available both on the Store and inside a
// transaction. Reads inside a transaction observe its uncommitted writes.
type Queries interface {
	Wallet(ctx context.Context, id string) (*models.Wallet, error)
	WalletByOwner(ctx context.Context, businessID, currency string) (*models.Wallet, error)
	WalletsByOwner(ctx context.Context, businessID string) ([]models.Wallet, error)

	Transaction(ctx context.Context, id string) (*models.Transaction, error)
	TransactionByKey(ctx context.Context, walletID, idempotencyKey string) (*models.Transaction, error)
	// TransactionByReference finds the earliest transaction recorded for an
	// external reference, e.g. the original credit for a provider payment id.
	TransactionByReference(ctx context.Context, walletID, referenceType, referenceID string) (*models.Transaction, error)
	TransactionsByTransfer(ctx context.Context, transferID string) ([]models.Transaction, error)
	Transactions(ctx context.Context, walletID string, filter TransactionFilter) ([]models.Transaction, error)

	Hold(ctx context.Context, id string) (*models.Hold, error)
	HoldByKey(ctx context.Context, walletID, idempotencyKey string) (*models.Hold, error)
	ActiveHolds(ctx context.Context, walletID string) ([]models.Hold, error)
}

// Tx is the write surface of a single store transaction. Implementations
// return ErrDuplicateKey, ErrDuplicateWallet and ErrStaleWallet so the
// engine can react without knowing the driver.
type Tx interface {
	Queries

	// WalletForUpdate locks the wallet row for the rest of the transaction.
	// All balance writers take this lock first, which serializes mutations
	// per wallet.
	WalletForUpdate(ctx context.Context, id string) (*models.Wallet, error)

	InsertWallet(ctx context.Context, w *models.Wallet) error
	// UpdateWalletBalances persists available/held guarded by w.Version and
	// increments the version on success.
	UpdateWalletBalances(ctx context.Context, w *models.Wallet) error
	// UpdateWalletProfile persists status, limits, floor and pin hash.
	UpdateWalletProfile(ctx context.Context, w *models.Wallet) error

	InsertTransaction(ctx context.Context, t *models.Transaction) error
	UpdateTransaction(ctx context.Context, t *models.Transaction) error

	InsertHold(ctx context.Context, h *models.Hold) error
	UpdateHold(ctx context.Context, h *models.Hold) error

	// DebitsSince sums COMPLETED debit-side amounts (DEBIT, TRANSFER_OUT,
	// WITHDRAWAL) completed at or after since. Used for rolling limits.
	DebitsSince(ctx context.Context, walletID string, since time.Time) (decimal.Decimal, error)
}

// Store is the persistence boundary injected into the engine.
type Store interface {
	Queries

	// WithinTx runs fn in a single transaction, committing when fn returns
	// nil and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// ExpiredHolds lists ACTIVE holds whose expiry has passed, oldest first.
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error)

	// StaleWithdrawals lists PENDING withdrawal transactions created before
	// cutoff, oldest first.
	StaleWithdrawals(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)
}
