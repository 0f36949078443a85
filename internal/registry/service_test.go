package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/middleware"
	"github.com/emberdate/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type memKeys struct {
	keys      []*models.APIKey
	createErr error
}

func (m *memKeys) Create(_ context.Context, k *models.APIKey) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.keys = append(m.keys, k)
	return nil
}

func (m *memKeys) Revoke(_ context.Context, id uuid.UUID) error {
	for _, k := range m.keys {
		if k.ID == id {
			k.IsActive = false
		}
	}
	return nil
}

func (m *memKeys) List(context.Context) ([]*models.APIKey, error) { return m.keys, nil }

// FindByKeyHash lets the store double as the auth middleware's repo.
func (m *memKeys) FindByKeyHash(_ context.Context, hash string) (*models.APIKey, error) {
	for _, k := range m.keys {
		if k.KeyHash == hash && k.IsActive {
			return k, nil
		}
	}
	return nil, errors.New("not found")
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestIssueKey(t *testing.T) {
	store := &memKeys{}
	svc := NewService(store)

	issued, err := svc.IssueKey(context.Background(), "  Match Detector! ")
	if err != nil {
		t.Fatal(err)
	}
	if issued.Collaborator != "match-detector" {
		t.Errorf("collaborator %q", issued.Collaborator)
	}
	if !strings.HasPrefix(issued.RawKey, keyPrefix) || !strings.HasPrefix(issued.RawKey, issued.KeyPrefix) {
		t.Errorf("raw key %q, prefix %q", issued.RawKey, issued.KeyPrefix)
	}
	if issued.KeyHash != middleware.HashKey(issued.RawKey) || strings.Contains(issued.KeyHash, issued.RawKey) {
		t.Error("stored hash does not match raw key")
	}

	found, err := store.FindByKeyHash(context.Background(), middleware.HashKey(issued.RawKey))
	if err != nil || found.ID != issued.ID {
		t.Fatalf("lookup by hash: %v %v", found, err)
	}

	if err := svc.RevokeKey(context.Background(), issued.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FindByKeyHash(context.Background(), issued.KeyHash); err == nil {
		t.Error("revoked key still resolves")
	}
}

func TestIssueKeyRejectsEmptyName(t *testing.T) {
	svc := NewService(&memKeys{})
	for _, name := range []string{"", "   ", "!!!", "---"} {
		if _, err := svc.IssueKey(context.Background(), name); !errors.Is(err, ErrInvalidCollaborator) {
			t.Errorf("%q: expected ErrInvalidCollaborator, got %v", name, err)
		}
	}
}

func TestIssueKeyStoreFailure(t *testing.T) {
	svc := NewService(&memKeys{createErr: errors.New("db down")})
	if _, err := svc.IssueKey(context.Background(), "payments"); err == nil {
		t.Error("expected store error")
	}
}

func TestIssuedKeysAreUnique(t *testing.T) {
	store := &memKeys{}
	svc := NewService(store)
	a, _ := svc.IssueKey(context.Background(), "payments")
	b, _ := svc.IssueKey(context.Background(), "payments")
	if a.RawKey == b.RawKey || a.ID == b.ID {
		t.Error("two issues produced the same key")
	}
	list, _ := svc.ListKeys(context.Background())
	if len(list) != 2 {
		t.Errorf("listed %d keys", len(list))
	}
}
