package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/metrics"
	"github.com/emberdate/backend/internal/models"
)

// runUnit executes fn in a store transaction, retrying the whole unit on a
// version conflict. The unit is detached from caller cancellation: once
// started it either commits or fails on its own terms.
func (s *Service) runUnit(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err = s.store.InTx(ctx, func(tx Tx) error { return fn(ctx, tx) })
		if !errors.Is(err, errVersionConflict) {
			return err
		}
		metrics.LedgerConflicts.Inc()
		s.log.Debug("version conflict, retrying", "op", op, "attempt", attempt)
		if attempt < s.cfg.MaxAttempts {
			time.Sleep(s.backoff(attempt))
		}
	}
	metrics.LedgerContention.Inc()
	s.log.Warn("retry budget exhausted", "op", op, "attempts", s.cfg.MaxAttempts, "error", err)
	return fmt.Errorf("%s: %w", op, ErrLedgerContention)
}

// backoff doubles per attempt with up to one base interval of jitter.
func (s *Service) backoff(attempt int) time.Duration {
	base := s.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}
	return base<<(attempt-1) + rand.N(base)
}

// stripedMutex serializes work per key without a map that grows with users.
// Unrelated keys may share a stripe; that only costs parallelism.
type stripedMutex struct {
	stripes [64]sync.Mutex
}

func (m *stripedMutex) lock(userID uuid.UUID, currency models.Currency) func() {
	h := uint32(2166136261)
	for _, b := range userID {
		h = (h ^ uint32(b)) * 16777619
	}
	for i := 0; i < len(currency); i++ {
		h = (h ^ uint32(currency[i])) * 16777619
	}
	mu := &m.stripes[h%uint32(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}
