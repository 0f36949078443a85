package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emberdate/backend/internal/models"
)

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, collaborator, key_hash, key_prefix, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, k.ID, k.Collaborator, k.KeyHash, k.KeyPrefix, k.IsActive).Scan(&k.CreatedAt)
}

// Revoke deactivates a key; rows are kept for audit.
func (r *APIKeyRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "UPDATE api_keys SET is_active = FALSE WHERE id = $1", id)
	return err
}

// List returns all keys, newest first.
func (r *APIKeyRepo) List(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, collaborator, key_hash, key_prefix, is_active, created_at
		FROM api_keys ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.APIKey{}
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Collaborator, &k.KeyHash, &k.KeyPrefix, &k.IsActive, &k.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &k)
	}
	return list, rows.Err()
}

// FindByKeyHash returns the active key with the given hash.
func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var k models.APIKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, collaborator, key_hash, key_prefix, is_active, created_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = TRUE
	`, keyHash).Scan(&k.ID, &k.Collaborator, &k.KeyHash, &k.KeyPrefix, &k.IsActive, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
