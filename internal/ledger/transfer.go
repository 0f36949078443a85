package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/decay"
	"github.com/emberdate/backend/internal/metrics"
	"github.com/emberdate/backend/internal/models"
)

// SettleTransfer moves scoreAmount from payer to recipient after the payment
// collaborator confirmed paidAmount. The payer's balance is checked against
// the decay-projected total, and the debit, credit and transfer record commit
// together or not at all. Transfers from one payer are serialized in-process;
// the version check covers concurrent instances.
func (s *Service) SettleTransfer(ctx context.Context, payerID, recipientID uuid.UUID, currency models.Currency, scoreAmount, paidAmount decimal.Decimal) (*models.TransferRecord, error) {
	cur, err := s.currency(currency)
	if err != nil {
		return nil, err
	}
	if payerID == recipientID {
		return nil, fmt.Errorf("%w: payer and recipient are the same user", ErrInvalidTransferTarget)
	}
	if !scoreAmount.IsPositive() || paidAmount.IsNegative() {
		return nil, fmt.Errorf("%w: score %s, paid %s", ErrInvalidAmount, scoreAmount, paidAmount)
	}

	unlock := s.payerLocks.lock(payerID, currency)
	defer unlock()

	var rec *models.TransferRecord
	var updates []models.ScoreUpdate
	err = s.runUnit(ctx, "settle_transfer", func(ctx context.Context, tx Tx) error {
		updates = updates[:0]
		now := s.now()
		payer, recipient, err := s.loadPair(ctx, tx, payerID, recipientID, currency, ErrInvalidTransferTarget)
		if err != nil {
			return err
		}

		payerProj := decay.Project(cur.Decay, payer, s.presenceOf(payerID), now)
		if payerProj.EffectiveTotal.LessThan(scoreAmount) {
			return fmt.Errorf("%w: effective total %s, transfer %s", ErrInsufficientBalance, payerProj.EffectiveTotal, scoreAmount)
		}
		recipientProj := decay.Project(cur.Decay, recipient, s.presenceOf(recipientID), now)
		if recipientProj.EffectiveTotal.IsNegative() && !cur.AllowNegativeRecipient {
			return fmt.Errorf("%w: recipient balance is negative", ErrInvalidTransferTarget)
		}

		rec = &models.TransferRecord{
			ID:               uuid.New(),
			PayerID:          payerID,
			RecipientID:      recipientID,
			Currency:         currency,
			AmountPaid:       paidAmount,
			ScoreTransferred: scoreAmount,
			CreatedAt:        now,
		}

		payerPrev, recipientPrev := payer.Version, recipient.Version
		payer.Version++
		recipient.Version++
		payerEntries := settle(payer, payerProj, now)
		recipientEntries := settle(recipient, recipientProj, now)

		payer.Given = payer.Given.Add(scoreAmount)
		recipient.Received = recipient.Received.Add(scoreAmount)
		debit := newEntry(payer, models.EntryTransferDebit, scoreAmount.Neg(), "transfer", now)
		debit.TransferID = &rec.ID
		credit := newEntry(recipient, models.EntryTransferCredit, scoreAmount, "transfer", now)
		credit.TransferID = &rec.ID
		payerEntries = append(payerEntries, debit)
		recipientEntries = append(recipientEntries, credit)

		for _, a := range []*models.ScoreAccount{payer, recipient} {
			a.LastAnchor = now
			a.UpdatedAt = now
		}
		stampEntries(payerEntries, payer)
		stampEntries(recipientEntries, recipient)

		if err := updatePair(ctx, tx, payer, payerPrev, recipient, recipientPrev); err != nil {
			return err
		}
		if err := tx.InsertTransfer(ctx, rec); err != nil {
			return err
		}
		if err := insertEntries(ctx, tx, append(payerEntries, recipientEntries...)); err != nil {
			return err
		}
		updates = append(updates,
			scoreUpdate(payer, "transfer_sent", now),
			scoreUpdate(recipient, "transfer_received", now),
		)
		return nil
	})
	if err != nil {
		metrics.Transfers.WithLabelValues(string(currency), outcome(err)).Inc()
		return nil, err
	}
	metrics.Transfers.WithLabelValues(string(currency), "settled").Inc()
	s.log.Info("transfer settled",
		"transfer_id", rec.ID, "payer_id", payerID, "recipient_id", recipientID,
		"currency", currency, "score", scoreAmount.String(), "paid", paidAmount.String())

	s.publish(ctx, updates)
	s.enqueueNotices(ctx, []models.Notice{
		newNotice(recipientID, models.NoticeScoreStolen, payerID, currency, scoreAmount, rec.CreatedAt),
		newNotice(payerID, models.NoticeScoreLost, recipientID, currency, scoreAmount, rec.CreatedAt),
	})
	return rec, nil
}

// RefundPair credits amountEach to both users in one unit. A conflict on
// either account retries the whole unit, so one side is never credited alone.
// Missing accounts are opened inside the unit like any other credit.
func (s *Service) RefundPair(ctx context.Context, userA, userB uuid.UUID, currency models.Currency, amountEach decimal.Decimal) (*models.ScoreAccount, *models.ScoreAccount, error) {
	cur, err := s.currency(currency)
	if err != nil {
		return nil, nil, err
	}
	if userA == userB {
		return nil, nil, fmt.Errorf("%w: refund needs two distinct users", ErrInvalidTransferTarget)
	}
	if !amountEach.IsPositive() {
		return nil, nil, fmt.Errorf("%w: refund must be positive", ErrInvalidAmount)
	}

	var outA, outB *models.ScoreAccount
	var updates []models.ScoreUpdate
	err = s.runUnit(ctx, "refund_pair", func(ctx context.Context, tx Tx) error {
		updates = updates[:0]
		now := s.now()
		accts, created, err := s.loadRefundPair(ctx, tx, cur, userA, userB, now)
		if err != nil {
			return err
		}
		a, b := accts[userA], accts[userB]
		prevA, prevB := a.Version, b.Version
		var entries []*models.LedgerEntry
		for _, acct := range []*models.ScoreAccount{a, b} {
			proj := decay.Project(cur.Decay, acct, s.presenceOf(acct.UserID), now)
			acct.Version++
			es := settle(acct, proj, now)
			if created[acct.UserID] && acct.Initial.IsPositive() {
				es = append(es, newEntry(acct, models.EntryInitialGrant, acct.Initial, "open", now))
			}
			acct.Refunded = acct.Refunded.Add(amountEach)
			acct.LastAnchor = now
			acct.UpdatedAt = now
			es = append(es, newEntry(acct, models.EntryRefund, amountEach, "refund_pair", now))
			stampEntries(es, acct)
			entries = append(entries, es...)
		}
		for _, id := range orderedPair(userA, userB) {
			acct, prev := a, prevA
			if id == userB {
				acct, prev = b, prevB
			}
			if err := writeAccount(ctx, tx, acct, prev, created[id]); err != nil {
				return err
			}
		}
		if err := insertEntries(ctx, tx, entries); err != nil {
			return err
		}
		outA, outB = a, b
		updates = append(updates, scoreUpdate(a, "refund", now), scoreUpdate(b, "refund", now))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.LedgerEvents.WithLabelValues(string(models.EntryRefund), string(currency)).Add(2)
	s.publish(ctx, updates)
	now := s.now()
	s.enqueueNotices(ctx, []models.Notice{
		newNotice(userA, models.NoticeRefund, userB, currency, amountEach, now),
		newNotice(userB, models.NoticeRefund, userA, currency, amountEach, now),
	})
	return outA, outB, nil
}

// orderedPair returns a and b in lock order.
func orderedPair(a, b uuid.UUID) []uuid.UUID {
	if strings.Compare(b.String(), a.String()) < 0 {
		return []uuid.UUID{b, a}
	}
	return []uuid.UUID{a, b}
}

// loadRefundPair reads both accounts in lock order, opening missing ones.
// Closed accounts are rejected.
func (s *Service) loadRefundPair(ctx context.Context, tx Tx, cur Currency, a, b uuid.UUID, now time.Time) (map[uuid.UUID]*models.ScoreAccount, map[uuid.UUID]bool, error) {
	got := make(map[uuid.UUID]*models.ScoreAccount, 2)
	created := make(map[uuid.UUID]bool, 2)
	for _, id := range orderedPair(a, b) {
		acct, isNew, err := s.loadForEvent(ctx, tx, cur, Event{UserID: id, Currency: cur.Code, Kind: models.EntryRefund}, now)
		if err != nil {
			return nil, nil, fmt.Errorf("refund %s: %w", id, err)
		}
		got[id], created[id] = acct, isNew
	}
	return got, created, nil
}

// loadPair reads two accounts in a fixed order. A missing or closed account
// is reported as missing.
func (s *Service) loadPair(ctx context.Context, tx Tx, a, b uuid.UUID, currency models.Currency, missing error) (*models.ScoreAccount, *models.ScoreAccount, error) {
	got := make(map[uuid.UUID]*models.ScoreAccount, 2)
	for _, id := range orderedPair(a, b) {
		acct, err := tx.GetAccount(ctx, id, currency)
		if errors.Is(err, ErrAccountNotFound) {
			return nil, nil, fmt.Errorf("%w: no %s account for %s", missing, currency, id)
		}
		if err != nil {
			return nil, nil, err
		}
		if acct.Closed() {
			return nil, nil, fmt.Errorf("%w: %s account for %s is closed", missing, currency, id)
		}
		got[id] = acct
	}
	return got[a], got[b], nil
}

func updatePair(ctx context.Context, tx Tx, a *models.ScoreAccount, prevA int64, b *models.ScoreAccount, prevB int64) error {
	if strings.Compare(b.UserID.String(), a.UserID.String()) < 0 {
		a, b, prevA, prevB = b, a, prevB, prevA
	}
	if err := tx.UpdateAccount(ctx, a, prevA); err != nil {
		return err
	}
	return tx.UpdateAccount(ctx, b, prevB)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidTransferTarget):
		return "invalid_target"
	case errors.Is(err, ErrLedgerContention):
		return "contention"
	}
	return "error"
}

func newNotice(userID uuid.UUID, kind string, counterparty uuid.UUID, currency models.Currency, amount decimal.Decimal, at time.Time) models.Notice {
	return models.Notice{
		ID:             uuid.New(),
		UserID:         userID,
		Kind:           kind,
		CounterpartyID: counterparty,
		Currency:       currency,
		Amount:         amount,
		CreatedAt:      at,
	}
}

// enqueueNotices is best-effort: the settlement already committed.
func (s *Service) enqueueNotices(ctx context.Context, notices []models.Notice) {
	if s.notices == nil {
		return
	}
	if err := s.notices.EnqueueNotices(context.WithoutCancel(ctx), notices); err != nil {
		s.log.Error("enqueue notices failed", "count", len(notices), "error", err)
	}
}

// ---------------------------------------------------------------------------
// Transfer history
// ---------------------------------------------------------------------------

// TransferSummary aggregates the user's settled transfers from the transfer
// records themselves.
func (s *Service) TransferSummary(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.TransferSummary, error) {
	if _, err := s.currency(currency); err != nil {
		return nil, err
	}
	return s.store.TransferSummary(ctx, userID, currency)
}

// ListTransfers returns one page of the user's transfers, newest first, and
// the cursor of the next page ("" when there is none).
func (s *Service) ListTransfers(ctx context.Context, userID uuid.UUID, currency models.Currency, cursor string, limit int) ([]*models.TransferRecord, string, error) {
	if _, err := s.currency(currency); err != nil {
		return nil, "", err
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)
	page, err := s.store.ListTransfers(ctx, userID, currency, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(page) > limit {
		page = page[:limit]
		last := page[len(page)-1]
		next = EncodeCursor(&Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, next, nil
}

// EncodeCursor returns an opaque page token.
func EncodeCursor(c *Cursor) string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token from EncodeCursor. The empty token is the first page.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: uid}, nil
}
