package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emberdate/backend/internal/metrics"
	"github.com/emberdate/backend/internal/models"
)

// PresenceSyncer is implemented by presence readers that merge sessions
// held by other instances.
type PresenceSyncer interface {
	Sync(ctx context.Context) error
}

// SweepDecay settles pending decay for offline users whose anchor is older
// than minAge. It goes through ApplyEvent like any other writer, so a sweep
// racing a transfer on the same account is resolved by the version check.
// Accounts that hit contention are skipped and picked up by the next sweep.
//
// Settled decay is permanent, so presence is refreshed from every instance
// first and the sweep does not run on a stale view.
func (s *Service) SweepDecay(ctx context.Context, minAge time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if ps, ok := s.presence.(PresenceSyncer); ok {
		if err := ps.Sync(ctx); err != nil {
			return 0, fmt.Errorf("refresh presence before sweep: %w", err)
		}
	}
	before := s.now().Add(-minAge)
	settled := 0
	var after *AccountKey
	for {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		page, err := s.store.ListAccountsAnchoredBefore(ctx, before, after, batchSize)
		if err != nil {
			return settled, err
		}
		for _, a := range page {
			if s.presenceOf(a.UserID).IsOnline {
				continue
			}
			out, err := s.ApplyEvent(ctx, Event{
				UserID:     a.UserID,
				Currency:   a.Currency,
				Kind:       models.EntryDecaySettlement,
				SourceKind: "sweep",
			})
			switch {
			case errors.Is(err, ErrLedgerContention), errors.Is(err, ErrAccountClosed), errors.Is(err, ErrUnknownCurrency):
				s.log.Warn("sweep skipped account", "user_id", a.UserID, "currency", a.Currency, "error", err)
				continue
			case err != nil:
				return settled, err
			}
			if out.Version != a.Version {
				settled++
				metrics.SweepSettled.Inc()
			}
		}
		if len(page) < batchSize {
			return settled, nil
		}
		last := page[len(page)-1]
		after = &AccountKey{UserID: last.UserID, Currency: last.Currency}
	}
}
