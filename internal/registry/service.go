// Package registry issues and revokes the API keys collaborator services use
// on the write API.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/middleware"
	"github.com/emberdate/backend/internal/models"
)

const keyPrefix = "ember_"

var ErrInvalidCollaborator = errors.New("collaborator name must contain letters or digits")

// KeyStore is implemented by repository.APIKeyRepo.
type KeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
	Revoke(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*models.APIKey, error)
}

// IssuedKey carries the raw key. It is shown once and never stored.
type IssuedKey struct {
	*models.APIKey
	RawKey string `json:"raw_key"`
}

type Service struct {
	store KeyStore
}

func NewService(store KeyStore) *Service {
	return &Service{store: store}
}

var slugSanitize = regexp.MustCompile(`[^a-z0-9-]+`)

// normalizeCollaborator lowercases and slugs the name so log lines and key
// listings group consistently.
func normalizeCollaborator(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	return slugSanitize.ReplaceAllString(s, "")
}

func (s *Service) IssueKey(ctx context.Context, collaborator string) (*IssuedKey, error) {
	name := normalizeCollaborator(collaborator)
	if strings.Trim(name, "-") == "" {
		return nil, ErrInvalidCollaborator
	}
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw := keyPrefix + hex.EncodeToString(rawBytes)
	k := &models.APIKey{
		ID:           uuid.New(),
		Collaborator: name,
		KeyHash:      middleware.HashKey(raw),
		KeyPrefix:    raw[:len(keyPrefix)+8],
		IsActive:     true,
	}
	if err := s.store.Create(ctx, k); err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}
	return &IssuedKey{APIKey: k, RawKey: raw}, nil
}

func (s *Service) ListKeys(ctx context.Context) ([]*models.APIKey, error) {
	return s.store.List(ctx)
}

func (s *Service) RevokeKey(ctx context.Context, id uuid.UUID) error {
	return s.store.Revoke(ctx, id)
}
