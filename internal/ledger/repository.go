package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emberdate/backend/internal/models"
)

// Repository is the Postgres Store. Reads inside a unit are plain reads; the
// UPDATE ... WHERE version = $prev is the concurrency gate.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const accountColumns = `user_id, currency, initial, earned, manual_bonus, decayed, received, given, refunded,
	last_anchor, version, created_at, updated_at, closed_at`

func scanAccount(row pgx.Row) (*models.ScoreAccount, error) {
	var a models.ScoreAccount
	err := row.Scan(&a.UserID, &a.Currency, &a.Initial, &a.Earned, &a.ManualBonus, &a.Decayed,
		&a.Received, &a.Given, &a.Refunded, &a.LastAnchor, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) GetAccount(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM score_accounts WHERE user_id = $1 AND currency = $2`, userID, currency))
}

// InTx maps serialization failures and deadlocks to a version conflict so the
// unit is retried like any other lost race.
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{tx: tx}); err != nil {
		return asConflict(err)
	}
	return asConflict(tx.Commit(ctx))
}

func asConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", pgErr.Code, errVersionConflict)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAccount(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error) {
	return scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM score_accounts WHERE user_id = $1 AND currency = $2`, userID, currency))
}

func (t *pgTx) InsertAccount(ctx context.Context, a *models.ScoreAccount) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO score_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, a.UserID, a.Currency, a.Initial, a.Earned, a.ManualBonus, a.Decayed, a.Received, a.Given, a.Refunded,
		a.LastAnchor, a.Version, a.CreatedAt, a.UpdatedAt, a.ClosedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert %s/%s: %w", a.UserID, a.Currency, errVersionConflict)
	}
	return nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *models.ScoreAccount, prevVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE score_accounts
		SET initial = $3, earned = $4, manual_bonus = $5, decayed = $6, received = $7, given = $8,
		    refunded = $9, last_anchor = $10, version = $11, updated_at = $12, closed_at = $13
		WHERE user_id = $1 AND currency = $2 AND version = $14
	`, a.UserID, a.Currency, a.Initial, a.Earned, a.ManualBonus, a.Decayed, a.Received, a.Given,
		a.Refunded, a.LastAnchor, a.Version, a.UpdatedAt, a.ClosedAt, prevVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s/%s at version %d: %w", a.UserID, a.Currency, prevVersion, errVersionConflict)
	}
	return nil
}

func (t *pgTx) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, currency, kind, delta, total_after, version, transfer_id, source_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, e.Currency, e.Kind, e.Delta, e.TotalAfter, e.Version, e.TransferID, e.SourceKind, e.CreatedAt)
	return err
}

func (t *pgTx) InsertTransfer(ctx context.Context, rec *models.TransferRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transfers (id, payer_id, recipient_id, currency, amount_paid, score_transferred, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.PayerID, rec.RecipientID, rec.Currency, rec.AmountPaid, rec.ScoreTransferred, rec.CreatedAt)
	return err
}

func (r *Repository) ListEntries(ctx context.Context, userID uuid.UUID, currency models.Currency, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, currency, kind, delta, total_after, version, transfer_id, source_kind, created_at
		FROM ledger_entries WHERE user_id = $1 AND currency = $2
		ORDER BY version DESC, created_at DESC LIMIT $3
	`, userID, currency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Currency, &e.Kind, &e.Delta, &e.TotalAfter, &e.Version,
			&e.TransferID, &e.SourceKind, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func (r *Repository) ListTransfers(ctx context.Context, userID uuid.UUID, currency models.Currency, after *Cursor, limit int) ([]*models.TransferRecord, error) {
	var (
		rows pgx.Rows
		err  error
	)
	const base = `
		SELECT id, payer_id, recipient_id, currency, amount_paid, score_transferred, created_at
		FROM transfers
		WHERE currency = $1 AND (payer_id = $2 OR recipient_id = $2)`
	if after == nil {
		rows, err = r.pool.Query(ctx, base+` ORDER BY created_at DESC, id DESC LIMIT $3`, currency, userID, limit)
	} else {
		rows, err = r.pool.Query(ctx, base+` AND (created_at, id) < ($3, $4) ORDER BY created_at DESC, id DESC LIMIT $5`,
			currency, userID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.TransferRecord
	for rows.Next() {
		var t models.TransferRecord
		if err := rows.Scan(&t.ID, &t.PayerID, &t.RecipientID, &t.Currency, &t.AmountPaid, &t.ScoreTransferred, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

func (r *Repository) TransferSummary(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.TransferSummary, error) {
	sum := &models.TransferSummary{UserID: userID, Currency: currency}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(score_transferred) FILTER (WHERE payer_id = $1), 0),
			COALESCE(SUM(score_transferred) FILTER (WHERE recipient_id = $1), 0),
			COUNT(*) FILTER (WHERE payer_id = $1),
			COUNT(*) FILTER (WHERE recipient_id = $1)
		FROM transfers
		WHERE currency = $2 AND (payer_id = $1 OR recipient_id = $1)
	`, userID, currency).Scan(&sum.Given, &sum.Received, &sum.CountGiven, &sum.CountReceived)
	if err != nil {
		return nil, err
	}
	return sum, nil
}

func (r *Repository) ListAccountsAnchoredBefore(ctx context.Context, before time.Time, after *AccountKey, limit int) ([]*models.ScoreAccount, error) {
	afterUser, afterCurrency := uuid.Nil, models.Currency("")
	if after != nil {
		afterUser, afterCurrency = after.UserID, after.Currency
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM score_accounts
		WHERE closed_at IS NULL AND last_anchor < $1 AND (user_id, currency) > ($2, $3)
		ORDER BY user_id, currency LIMIT $4
	`, before, afterUser, afterCurrency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ScoreAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
