// Package ledger is the only writer of score accounts. Every mutation settles
// pending decay, applies its delta, bumps the account version and commits
// conditioned on the version it read.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/decay"
	"github.com/emberdate/backend/internal/metrics"
	"github.com/emberdate/backend/internal/models"
)

// Currency is the ledger configuration of one currency.
type Currency struct {
	Code            models.Currency
	Decay           decay.Policy
	InitialGrant    decimal.Decimal
	MinutesPerPoint decimal.Decimal
	// AllowNegative lets non-transfer debits take the effective total below zero.
	AllowNegative bool
	// AllowNegativeRecipient lets users with a negative effective total receive transfers.
	AllowNegativeRecipient bool
}

type Config struct {
	Currencies   []Currency
	MaxAttempts  int
	RetryBackoff time.Duration
}

// DefaultCurrencies returns reputation (1 point per offline minute) and
// credit (0.01 per offline second).
func DefaultCurrencies() []Currency {
	return []Currency{
		{
			Code:            models.CurrencyReputation,
			Decay:           decay.Policy{Mode: decay.ModeWholeMinute, Rate: decimal.NewFromInt(1)},
			InitialGrant:    decimal.NewFromInt(100),
			MinutesPerPoint: decimal.NewFromInt(1),
		},
		{
			Code:            models.CurrencyCredit,
			Decay:           decay.Policy{Mode: decay.ModeContinuous, Rate: decimal.RequireFromString("0.01")},
			InitialGrant:    decimal.Zero,
			MinutesPerPoint: decimal.NewFromInt(1),
		},
	}
}

// PresenceReader is the read side of the presence tracker.
type PresenceReader interface {
	Get(userID uuid.UUID) models.PresenceRecord
}

// Notifier receives a score update after its unit commits.
type Notifier interface {
	Publish(ctx context.Context, u models.ScoreUpdate)
}

// NoticeEnqueuer schedules user notices after a transfer or refund commits.
type NoticeEnqueuer interface {
	EnqueueNotices(ctx context.Context, notices []models.Notice) error
}

// Event is one ledger mutation request.
type Event struct {
	UserID     uuid.UUID
	Currency   models.Currency
	Kind       models.EntryKind
	Delta      decimal.Decimal
	SourceKind string
	// Correction allows a negative earned delta.
	Correction bool
}

// EffectiveScore is the decay-projected view returned to readers.
type EffectiveScore struct {
	UserID           uuid.UUID       `json:"user_id"`
	Currency         models.Currency `json:"currency"`
	EffectiveTotal   decimal.Decimal `json:"effective_total"`
	PendingDecay     decimal.Decimal `json:"pending_decay"`
	IsDecaying       bool            `json:"is_decaying"`
	MinutesRemaining decimal.Decimal `json:"minutes_remaining"`
	Version          int64           `json:"version"`
}

// Snapshot is the authoritative state used as the polling backstop.
type Snapshot struct {
	Account          *models.ScoreAccount  `json:"account"`
	Total            decimal.Decimal       `json:"total"`
	Projection       decay.Projection      `json:"projection"`
	Presence         models.PresenceRecord `json:"presence"`
	MinutesRemaining decimal.Decimal       `json:"minutes_remaining"`
	At               time.Time             `json:"at"`
}

type Service struct {
	store      Store
	cfg        Config
	currencies map[models.Currency]Currency
	presence   PresenceReader
	notifier   Notifier
	notices    NoticeEnqueuer
	log        *slog.Logger
	now        func() time.Time
	payerLocks stripedMutex
}

// NewService validates cfg. presence may be nil until SetPresence is called;
// until then every user reads as offline since their anchor.
func NewService(store Store, cfg Config, log *slog.Logger) (*Service, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = DefaultCurrencies()
	}
	if log == nil {
		log = slog.Default()
	}
	cur := make(map[models.Currency]Currency, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		if err := c.Decay.Validate(); err != nil {
			return nil, fmt.Errorf("currency %s: %w", c.Code, err)
		}
		if c.InitialGrant.IsNegative() {
			return nil, fmt.Errorf("currency %s: initial grant must not be negative", c.Code)
		}
		if c.MinutesPerPoint.IsZero() {
			c.MinutesPerPoint = decimal.NewFromInt(1)
		}
		cur[c.Code] = c
	}
	return &Service{
		store:      store,
		cfg:        cfg,
		currencies: cur,
		log:        log.With("component", "ledger"),
		now:        time.Now,
	}, nil
}

func (s *Service) SetPresence(p PresenceReader)       { s.presence = p }
func (s *Service) SetNotifier(n Notifier)             { s.notifier = n }
func (s *Service) SetNoticeEnqueuer(n NoticeEnqueuer) { s.notices = n }

// Currencies returns the configured currency codes in configuration order.
func (s *Service) Currencies() []models.Currency {
	out := make([]models.Currency, 0, len(s.cfg.Currencies))
	for _, c := range s.cfg.Currencies {
		out = append(out, c.Code)
	}
	return out
}

func (s *Service) currency(code models.Currency) (Currency, error) {
	c, ok := s.currencies[code]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

func (s *Service) presenceOf(userID uuid.UUID) models.PresenceRecord {
	if s.presence == nil {
		return models.PresenceRecord{UserID: userID}
	}
	return s.presence.Get(userID)
}

// ---------------------------------------------------------------------------
// Write paths
// ---------------------------------------------------------------------------

// ApplyEvent runs one event as an atomic read-modify-write on the account.
// transfer_debit and transfer_credit are rejected; use SettleTransfer.
func (s *Service) ApplyEvent(ctx context.Context, ev Event) (*models.ScoreAccount, error) {
	cur, err := s.currency(ev.Currency)
	if err != nil {
		return nil, err
	}
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}
	switch ev.Kind {
	case models.EntryTransferDebit, models.EntryTransferCredit:
		return nil, fmt.Errorf("%w: %s", ErrTransferOnly, ev.Kind)
	case models.EntryInitialGrant:
		return s.GrantInitial(ctx, ev.UserID, ev.Currency, ev.Delta)
	}
	if err := validateDelta(ev); err != nil {
		return nil, err
	}

	var out *models.ScoreAccount
	var updates []models.ScoreUpdate
	err = s.runUnit(ctx, string(ev.Kind), func(ctx context.Context, tx Tx) error {
		updates = updates[:0]
		now := s.now()
		a, created, err := s.loadForEvent(ctx, tx, cur, ev, now)
		if err != nil {
			return err
		}
		prev := a.Version
		pr := s.presenceOf(ev.UserID)
		proj := decay.Project(cur.Decay, a, pr, now)

		if ev.Kind == models.EntryDecaySettlement && !proj.PendingDecay.IsPositive() && !created {
			out = a
			return nil
		}
		if ev.Delta.IsNegative() && !cur.AllowNegative && proj.EffectiveTotal.Add(ev.Delta).IsNegative() {
			return fmt.Errorf("%w: effective total %s, delta %s", ErrInsufficientBalance, proj.EffectiveTotal, ev.Delta)
		}

		a.Version++
		entries := settle(a, proj, now)
		if created && a.Initial.IsPositive() {
			entries = append(entries, newEntry(a, models.EntryInitialGrant, a.Initial, "open", now))
		}
		switch ev.Kind {
		case models.EntryEarned:
			a.Earned = a.Earned.Add(ev.Delta)
		case models.EntryManualBonus:
			a.ManualBonus = a.ManualBonus.Add(ev.Delta)
		case models.EntryRefund:
			a.Refunded = a.Refunded.Add(ev.Delta)
		}
		if ev.Kind == models.EntryDecaySettlement && !pr.IsOnline && !proj.Since.IsZero() {
			// Carry the unconsumed partial minute forward.
			a.LastAnchor = proj.Since.Add(proj.Consumed)
		} else {
			a.LastAnchor = now
		}
		a.UpdatedAt = now
		if ev.Kind != models.EntryDecaySettlement {
			entries = append(entries, newEntry(a, ev.Kind, ev.Delta, ev.SourceKind, now))
		}
		stampEntries(entries, a)

		if err := writeAccount(ctx, tx, a, prev, created); err != nil {
			return err
		}
		if err := insertEntries(ctx, tx, entries); err != nil {
			return err
		}
		out = a
		updates = append(updates, scoreUpdate(a, string(ev.Kind), now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerEvents.WithLabelValues(string(ev.Kind), string(ev.Currency)).Inc()
	s.publish(ctx, updates)
	return out, nil
}

func validateDelta(ev Event) error {
	switch ev.Kind {
	case models.EntryEarned:
		if ev.Delta.IsZero() || (ev.Delta.IsNegative() && !ev.Correction) {
			return fmt.Errorf("%w: earned delta %s", ErrInvalidAmount, ev.Delta)
		}
	case models.EntryManualBonus:
		if ev.Delta.IsZero() {
			return fmt.Errorf("%w: manual bonus must not be zero", ErrInvalidAmount)
		}
	case models.EntryRefund:
		if !ev.Delta.IsPositive() {
			return fmt.Errorf("%w: refund must be positive", ErrInvalidAmount)
		}
	case models.EntryDecaySettlement:
		if !ev.Delta.IsZero() {
			return fmt.Errorf("%w: decay settlement carries no delta", ErrInvalidAmount)
		}
	}
	return nil
}

// loadForEvent reads the account, creating it with the currency's initial
// grant when the event is one that opens accounts.
func (s *Service) loadForEvent(ctx context.Context, tx Tx, cur Currency, ev Event, now time.Time) (*models.ScoreAccount, bool, error) {
	a, err := tx.GetAccount(ctx, ev.UserID, cur.Code)
	switch {
	case err == nil:
		if a.Closed() {
			return nil, false, ErrAccountClosed
		}
		return a, false, nil
	case !errors.Is(err, ErrAccountNotFound):
		return nil, false, err
	}
	switch ev.Kind {
	case models.EntryEarned, models.EntryManualBonus, models.EntryRefund:
		return openAccount(ev.UserID, cur, now), true, nil
	}
	return nil, false, err
}

func openAccount(userID uuid.UUID, cur Currency, now time.Time) *models.ScoreAccount {
	a := models.NewScoreAccount(userID, cur.Code, now)
	a.Initial = cur.InitialGrant
	return a
}

// GrantInitial applies the one-time initial grant. A second grant is rejected.
func (s *Service) GrantInitial(ctx context.Context, userID uuid.UUID, currency models.Currency, amount decimal.Decimal) (*models.ScoreAccount, error) {
	cur, err := s.currency(currency)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: grant must be positive", ErrInvalidAmount)
	}
	var out *models.ScoreAccount
	var updates []models.ScoreUpdate
	err = s.runUnit(ctx, "initial_grant", func(ctx context.Context, tx Tx) error {
		updates = updates[:0]
		now := s.now()
		a, err := tx.GetAccount(ctx, userID, currency)
		created := false
		switch {
		case errors.Is(err, ErrAccountNotFound):
			a, created = models.NewScoreAccount(userID, currency, now), true
		case err != nil:
			return err
		case a.Closed():
			return ErrAccountClosed
		case !a.Initial.IsZero():
			return ErrAlreadyGranted
		}
		prev := a.Version
		proj := decay.Project(cur.Decay, a, s.presenceOf(userID), now)
		a.Version++
		entries := settle(a, proj, now)
		a.Initial = amount
		a.LastAnchor = now
		a.UpdatedAt = now
		entries = append(entries, newEntry(a, models.EntryInitialGrant, amount, "grant", now))
		stampEntries(entries, a)
		if err := writeAccount(ctx, tx, a, prev, created); err != nil {
			return err
		}
		if err := insertEntries(ctx, tx, entries); err != nil {
			return err
		}
		out = a
		updates = append(updates, scoreUpdate(a, string(models.EntryInitialGrant), now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerEvents.WithLabelValues(string(models.EntryInitialGrant), string(currency)).Inc()
	s.publish(ctx, updates)
	return out, nil
}

// EnsureAccount opens the account with the configured initial grant if it
// does not exist yet, and returns it either way.
func (s *Service) EnsureAccount(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error) {
	cur, err := s.currency(currency)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAccount(ctx, userID, currency)
	if err == nil || !errors.Is(err, ErrAccountNotFound) {
		return a, err
	}
	var out *models.ScoreAccount
	err = s.runUnit(ctx, "open_account", func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAccount(ctx, userID, currency)
		if err == nil {
			out = a
			return nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		now := s.now()
		a = openAccount(userID, cur, now)
		a.Version = 1
		if err := tx.InsertAccount(ctx, a); err != nil {
			return err
		}
		if a.Initial.IsPositive() {
			e := newEntry(a, models.EntryInitialGrant, a.Initial, "open", now)
			e.Version = a.Version
			if err := tx.InsertEntry(ctx, e); err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenAccounts opens every configured currency for a new user.
func (s *Service) OpenAccounts(ctx context.Context, userID uuid.UUID) error {
	for _, c := range s.cfg.Currencies {
		if _, err := s.EnsureAccount(ctx, userID, c.Code); err != nil {
			return fmt.Errorf("open %s account: %w", c.Code, err)
		}
	}
	return nil
}

// RecordEarned credits a qualifying action reported by a collaborator.
func (s *Service) RecordEarned(ctx context.Context, userID uuid.UUID, currency models.Currency, amount decimal.Decimal, sourceKind string) (*models.ScoreAccount, error) {
	return s.ApplyEvent(ctx, Event{UserID: userID, Currency: currency, Kind: models.EntryEarned, Delta: amount, SourceKind: sourceKind})
}

// ApplyManualBonus applies an administrative adjustment, positive or negative.
func (s *Service) ApplyManualBonus(ctx context.Context, userID uuid.UUID, currency models.Currency, amount decimal.Decimal, reason string) (*models.ScoreAccount, error) {
	return s.ApplyEvent(ctx, Event{UserID: userID, Currency: currency, Kind: models.EntryManualBonus, Delta: amount, SourceKind: reason})
}

// Reconnect settles the decay a user accrued while offline, up to at. It is
// the presence tracker's offline to online hook; prev is the record the user
// is leaving. Accounts are opened lazily here too.
func (s *Service) Reconnect(ctx context.Context, userID uuid.UUID, prev models.PresenceRecord, at time.Time) error {
	for _, c := range s.cfg.Currencies {
		if err := s.settleOnReconnect(ctx, userID, c, prev, at); err != nil {
			return fmt.Errorf("settle %s: %w", c.Code, err)
		}
	}
	return nil
}

func (s *Service) settleOnReconnect(ctx context.Context, userID uuid.UUID, cur Currency, prev models.PresenceRecord, at time.Time) error {
	if _, err := s.EnsureAccount(ctx, userID, cur.Code); err != nil {
		return err
	}
	var updates []models.ScoreUpdate
	err := s.runUnit(ctx, "reconnect", func(ctx context.Context, tx Tx) error {
		updates = updates[:0]
		a, err := tx.GetAccount(ctx, userID, cur.Code)
		if err != nil {
			return err
		}
		if a.Closed() {
			return nil
		}
		proj := decay.Project(cur.Decay, a, prev, at)
		if !proj.PendingDecay.IsPositive() {
			return nil
		}
		prevVersion := a.Version
		a.Version++
		entries := settle(a, proj, at)
		a.LastAnchor = at
		a.UpdatedAt = at
		stampEntries(entries, a)
		if err := tx.UpdateAccount(ctx, a, prevVersion); err != nil {
			return err
		}
		if err := insertEntries(ctx, tx, entries); err != nil {
			return err
		}
		updates = append(updates, scoreUpdate(a, "reconnect", at))
		return nil
	})
	if err != nil {
		return err
	}
	if len(updates) > 0 {
		metrics.LedgerEvents.WithLabelValues(string(models.EntryDecaySettlement), string(cur.Code)).Inc()
	}
	s.publish(ctx, updates)
	return nil
}

// CloseAccount settles decay and writes a manual correction that brings the
// total to zero, then stamps closedAt. Rows are never deleted.
func (s *Service) CloseAccount(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error) {
	cur, err := s.currency(currency)
	if err != nil {
		return nil, err
	}
	var out *models.ScoreAccount
	var updates []models.ScoreUpdate
	err = s.runUnit(ctx, "close_account", func(ctx context.Context, tx Tx) error {
		updates = updates[:0]
		now := s.now()
		a, err := tx.GetAccount(ctx, userID, currency)
		if err != nil {
			return err
		}
		if a.Closed() {
			out = a
			return nil
		}
		prev := a.Version
		proj := decay.Project(cur.Decay, a, s.presenceOf(userID), now)
		a.Version++
		entries := settle(a, proj, now)
		if remaining := a.Total(); !remaining.IsZero() {
			a.ManualBonus = a.ManualBonus.Sub(remaining)
			entries = append(entries, newEntry(a, models.EntryManualBonus, remaining.Neg(), "account_closed", now))
		}
		a.LastAnchor = now
		a.UpdatedAt = now
		a.ClosedAt = &now
		stampEntries(entries, a)
		if err := tx.UpdateAccount(ctx, a, prev); err != nil {
			return err
		}
		if err := insertEntries(ctx, tx, entries); err != nil {
			return err
		}
		out = a
		updates = append(updates, scoreUpdate(a, "account_closed", now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, updates)
	return out, nil
}

// ---------------------------------------------------------------------------
// Read paths
// ---------------------------------------------------------------------------

// GetEffectiveScore projects the stored baseline to now. It never writes.
func (s *Service) GetEffectiveScore(ctx context.Context, userID uuid.UUID, currency models.Currency) (*EffectiveScore, error) {
	cur, err := s.currency(currency)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAccount(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	proj := decay.Project(cur.Decay, a, s.presenceOf(userID), s.now())
	return &EffectiveScore{
		UserID:           userID,
		Currency:         currency,
		EffectiveTotal:   proj.EffectiveTotal,
		PendingDecay:     proj.PendingDecay,
		IsDecaying:       proj.IsDecaying,
		MinutesRemaining: decay.TimeBank(proj.EffectiveTotal, cur.MinutesPerPoint),
		Version:          a.Version,
	}, nil
}

// GetAccountSnapshot returns the stored account with its projection and the
// owner's presence.
func (s *Service) GetAccountSnapshot(ctx context.Context, userID uuid.UUID, currency models.Currency) (*Snapshot, error) {
	cur, err := s.currency(currency)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAccount(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	now := s.now()
	pr := s.presenceOf(userID)
	proj := decay.Project(cur.Decay, a, pr, now)
	return &Snapshot{
		Account:          a,
		Total:            a.Total(),
		Projection:       proj,
		Presence:         pr,
		MinutesRemaining: decay.TimeBank(proj.EffectiveTotal, cur.MinutesPerPoint),
		At:               now,
	}, nil
}

// CurrentScores returns one update per open account of the user, projected to
// now. Feed subscribers receive these as their initial state.
func (s *Service) CurrentScores(ctx context.Context, userID uuid.UUID) ([]models.ScoreUpdate, error) {
	now := s.now()
	pr := s.presenceOf(userID)
	var out []models.ScoreUpdate
	for _, c := range s.cfg.Currencies {
		a, err := s.store.GetAccount(ctx, userID, c.Code)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		u := scoreUpdate(a, "snapshot", now)
		u.EffectiveTotal = decay.Project(c.Decay, a, pr, now).EffectiveTotal
		out = append(out, u)
	}
	return out, nil
}

// ListEntries returns the newest audit entries of an account.
func (s *Service) ListEntries(ctx context.Context, userID uuid.UUID, currency models.Currency, limit int) ([]*models.LedgerEntry, error) {
	if _, err := s.currency(currency); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, userID, currency, clampLimit(limit))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// settle folds pending decay into a and returns the settlement entry, if any.
// a.Version must already be bumped.
func settle(a *models.ScoreAccount, proj decay.Projection, now time.Time) []*models.LedgerEntry {
	if !proj.PendingDecay.IsPositive() {
		return nil
	}
	a.Decayed = a.Decayed.Add(proj.PendingDecay)
	return []*models.LedgerEntry{newEntry(a, models.EntryDecaySettlement, proj.PendingDecay.Neg(), "decay", now)}
}

func newEntry(a *models.ScoreAccount, kind models.EntryKind, delta decimal.Decimal, source string, now time.Time) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:         uuid.New(),
		UserID:     a.UserID,
		Currency:   a.Currency,
		Kind:       kind,
		Delta:      delta,
		SourceKind: source,
		CreatedAt:  now,
	}
}

// stampEntries fills the running total and the final version. Entries are in
// application order, so the last one ends at a.Total().
func stampEntries(entries []*models.LedgerEntry, a *models.ScoreAccount) {
	running := a.Total()
	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].TotalAfter = running
		entries[i].Version = a.Version
		running = running.Sub(entries[i].Delta)
	}
}

func writeAccount(ctx context.Context, tx Tx, a *models.ScoreAccount, prev int64, created bool) error {
	if created {
		return tx.InsertAccount(ctx, a)
	}
	return tx.UpdateAccount(ctx, a, prev)
}

func insertEntries(ctx context.Context, tx Tx, entries []*models.LedgerEntry) error {
	for _, e := range entries {
		if err := tx.InsertEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func scoreUpdate(a *models.ScoreAccount, reason string, now time.Time) models.ScoreUpdate {
	total := a.Total()
	return models.ScoreUpdate{
		UserID:         a.UserID,
		Currency:       a.Currency,
		NewTotal:       total,
		EffectiveTotal: total,
		Version:        a.Version,
		Reason:         reason,
		At:             now,
	}
}

// publish is best-effort and runs after commit.
func (s *Service) publish(ctx context.Context, updates []models.ScoreUpdate) {
	if s.notifier == nil {
		return
	}
	for _, u := range updates {
		s.notifier.Publish(ctx, u)
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 200:
		return 200
	}
	return limit
}
