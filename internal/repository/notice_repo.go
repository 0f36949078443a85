package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emberdate/backend/internal/models"
)

type NoticeRepo struct {
	pool *pgxpool.Pool
}

func NewNoticeRepo(pool *pgxpool.Pool) *NoticeRepo {
	return &NoticeRepo{pool: pool}
}

// Insert writes a batch of notices. Ids are preassigned, so a retried job
// does not duplicate rows.
func (r *NoticeRepo) Insert(ctx context.Context, notices []models.Notice) error {
	if len(notices) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, n := range notices {
		batch.Queue(`
			INSERT INTO notices (id, user_id, kind, counterparty_id, currency, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, n.ID, n.UserID, n.Kind, n.CounterpartyID, n.Currency, n.Amount, n.CreatedAt)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// ListByUser returns a user's notices, newest first.
func (r *NoticeRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Notice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, kind, counterparty_id, currency, amount, created_at
		FROM notices WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Notice{}
	for rows.Next() {
		var n models.Notice
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.CounterpartyID, &n.Currency, &n.Amount, &n.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}

// MarkRead stamps read_at on every unread notice of the user.
func (r *NoticeRepo) MarkRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notices SET read_at = $2 WHERE user_id = $1 AND read_at IS NULL
	`, userID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
