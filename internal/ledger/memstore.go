package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/models"
)

// MemStore is an in-memory Store with the same optimistic-concurrency
// semantics as the Postgres store. Transactions read committed state, stage
// their writes, and validate every expected version at commit.
type MemStore struct {
	mu        sync.Mutex
	accounts  map[AccountKey]*models.ScoreAccount
	entries   []*models.LedgerEntry
	transfers []*models.TransferRecord

	// beforeCommit runs after a unit staged its writes and before they are
	// validated. Tests use it to interleave a competing writer.
	beforeCommit func()
}

func NewMemStore() *MemStore {
	return &MemStore{accounts: make(map[AccountKey]*models.ScoreAccount)}
}

func (s *MemStore) GetAccount(_ context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[AccountKey{userID, currency}]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.Clone(), nil
}

type memWrite struct {
	account *models.ScoreAccount
	prev    int64
	insert  bool
}

type memTx struct {
	s         *MemStore
	writes    map[AccountKey]memWrite
	order     []AccountKey
	entries   []*models.LedgerEntry
	transfers []*models.TransferRecord
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{s: s, writes: make(map[AccountKey]memWrite)}
	if err := fn(tx); err != nil {
		return err
	}
	if hook := s.beforeCommit; hook != nil {
		hook()
	}
	return tx.commit()
}

func (t *memTx) GetAccount(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error) {
	if w, ok := t.writes[AccountKey{userID, currency}]; ok {
		return w.account.Clone(), nil
	}
	return t.s.GetAccount(ctx, userID, currency)
}

func (t *memTx) InsertAccount(_ context.Context, a *models.ScoreAccount) error {
	return t.stage(a, 0, true)
}

func (t *memTx) UpdateAccount(_ context.Context, a *models.ScoreAccount, prevVersion int64) error {
	return t.stage(a, prevVersion, false)
}

func (t *memTx) stage(a *models.ScoreAccount, prev int64, insert bool) error {
	key := AccountKey{a.UserID, a.Currency}
	if w, ok := t.writes[key]; ok {
		// A second write in the same unit keeps the first expectation.
		prev, insert = w.prev, w.insert
	} else {
		t.order = append(t.order, key)
	}
	t.writes[key] = memWrite{account: a.Clone(), prev: prev, insert: insert}
	return nil
}

func (t *memTx) InsertEntry(_ context.Context, e *models.LedgerEntry) error {
	cp := *e
	t.entries = append(t.entries, &cp)
	return nil
}

func (t *memTx) InsertTransfer(_ context.Context, r *models.TransferRecord) error {
	cp := *r
	t.transfers = append(t.transfers, &cp)
	return nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range t.order {
		w := t.writes[key]
		cur, exists := s.accounts[key]
		switch {
		case w.insert && exists:
			return fmt.Errorf("insert %s/%s: %w", key.UserID, key.Currency, errVersionConflict)
		case !w.insert && (!exists || cur.Version != w.prev):
			return fmt.Errorf("update %s/%s: %w", key.UserID, key.Currency, errVersionConflict)
		}
	}
	for _, key := range t.order {
		s.accounts[key] = t.writes[key].account
	}
	s.entries = append(s.entries, t.entries...)
	s.transfers = append(s.transfers, t.transfers...)
	return nil
}

func (s *MemStore) ListEntries(_ context.Context, userID uuid.UUID, currency models.Currency, limit int) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if e.UserID == userID && e.Currency == currency {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// transferBefore orders newest first with the id as tiebreaker.
func transferBefore(a, b *models.TransferRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return strings.Compare(a.ID.String(), b.ID.String()) > 0
}

func (s *MemStore) ListTransfers(_ context.Context, userID uuid.UUID, currency models.Currency, after *Cursor, limit int) ([]*models.TransferRecord, error) {
	s.mu.Lock()
	var all []*models.TransferRecord
	for _, r := range s.transfers {
		if r.Currency == currency && (r.PayerID == userID || r.RecipientID == userID) {
			cp := *r
			all = append(all, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return transferBefore(all[i], all[j]) })
	var out []*models.TransferRecord
	for _, r := range all {
		if after != nil && !transferBefore(&models.TransferRecord{CreatedAt: after.CreatedAt, ID: after.ID}, r) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) TransferSummary(_ context.Context, userID uuid.UUID, currency models.Currency) (*models.TransferSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := &models.TransferSummary{UserID: userID, Currency: currency, Given: decimal.Zero, Received: decimal.Zero}
	for _, r := range s.transfers {
		if r.Currency != currency {
			continue
		}
		if r.PayerID == userID {
			sum.Given = sum.Given.Add(r.ScoreTransferred)
			sum.CountGiven++
		}
		if r.RecipientID == userID {
			sum.Received = sum.Received.Add(r.ScoreTransferred)
			sum.CountReceived++
		}
	}
	return sum, nil
}

func keyLess(a, b AccountKey) bool {
	if c := strings.Compare(a.UserID.String(), b.UserID.String()); c != 0 {
		return c < 0
	}
	return a.Currency < b.Currency
}

func (s *MemStore) ListAccountsAnchoredBefore(_ context.Context, before time.Time, after *AccountKey, limit int) ([]*models.ScoreAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []AccountKey
	for k, a := range s.accounts {
		if a.Closed() || !a.LastAnchor.Before(before) {
			continue
		}
		if after != nil && !keyLess(*after, k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	if len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]*models.ScoreAccount, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.accounts[k].Clone())
	}
	return out, nil
}
