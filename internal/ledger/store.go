package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/models"
)

// Store is the persistence boundary of the ledger. Every account mutation
// happens inside InTx; a write whose expected version no longer matches fails
// the whole transaction with errVersionConflict and the unit is retried.
type Store interface {
	GetAccount(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error)
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListEntries(ctx context.Context, userID uuid.UUID, currency models.Currency, limit int) ([]*models.LedgerEntry, error)
	ListTransfers(ctx context.Context, userID uuid.UUID, currency models.Currency, after *Cursor, limit int) ([]*models.TransferRecord, error)
	TransferSummary(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.TransferSummary, error)
	// ListAccountsAnchoredBefore pages through open accounts whose anchor is
	// older than before, ordered by (user_id, currency).
	ListAccountsAnchoredBefore(ctx context.Context, before time.Time, after *AccountKey, limit int) ([]*models.ScoreAccount, error)
}

// Tx is one atomic unit. Reads see committed state; writes become visible
// together at commit or not at all.
type Tx interface {
	GetAccount(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error)
	// InsertAccount fails with errVersionConflict when the row already exists.
	InsertAccount(ctx context.Context, a *models.ScoreAccount) error
	// UpdateAccount writes a only if the stored version still equals prevVersion.
	UpdateAccount(ctx context.Context, a *models.ScoreAccount, prevVersion int64) error
	InsertEntry(ctx context.Context, e *models.LedgerEntry) error
	InsertTransfer(ctx context.Context, t *models.TransferRecord) error
}

// AccountKey identifies one score account.
type AccountKey struct {
	UserID   uuid.UUID
	Currency models.Currency
}

// Cursor marks the last transfer of a page. Pages are ordered newest first.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}
