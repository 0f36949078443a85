package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/models"
	"github.com/emberdate/backend/internal/presence"
)

func TestSettleTransferValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := uuid.New()
	h.grant(t, payer, 10)
	h.presence.online(payer)

	tests := []struct {
		name      string
		recipient uuid.UUID
		amount    decimal.Decimal
		want      error
	}{
		{"self transfer", payer, dec(1), ErrInvalidTransferTarget},
		{"unknown recipient", uuid.New(), dec(1), ErrInvalidTransferTarget},
		{"zero amount", uuid.New(), decimal.Zero, ErrInvalidAmount},
		{"negative amount", uuid.New(), dec(-1), ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SettleTransfer(ctx, payer, tt.recipient, models.CurrencyReputation, tt.amount, dec(1))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if got := h.total(t, payer); !got.Equal(dec(10)) {
		t.Errorf("payer total changed to %s", got)
	}
}

func TestSettleTransferChecksEffectiveBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer, recipient := uuid.New(), uuid.New()
	h.grant(t, payer, 10)
	h.grant(t, recipient, 1)
	h.presence.offline(payer, t0)
	h.presence.online(recipient)
	h.clock.Set(t0.Add(8 * time.Minute))

	_, err := h.svc.SettleTransfer(ctx, payer, recipient, models.CurrencyReputation, dec(3), dec(1))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	// Nothing moved: not even the payer's pending decay was settled.
	a, _ := h.store.GetAccount(ctx, payer, models.CurrencyReputation)
	if a.Version != 1 || !a.Decayed.IsZero() {
		t.Errorf("payer mutated: version=%d decayed=%s", a.Version, a.Decayed)
	}
	if len(h.notices.notices) != 0 {
		t.Errorf("no notices expected, got %d", len(h.notices.notices))
	}
}

func TestSettleTransferNegativeRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer, recipient := uuid.New(), uuid.New()
	h.grant(t, payer, 10)
	h.grant(t, recipient, 1)
	h.presence.online(payer)
	h.presence.offline(recipient, t0)
	h.clock.Set(t0.Add(5 * time.Minute))

	_, err := h.svc.SettleTransfer(ctx, payer, recipient, models.CurrencyReputation, dec(3), dec(1))
	if !errors.Is(err, ErrInvalidTransferTarget) {
		t.Fatalf("got %v, want ErrInvalidTransferTarget", err)
	}

	cur := h.svc.currencies[models.CurrencyReputation]
	cur.AllowNegativeRecipient = true
	h.svc.currencies[models.CurrencyReputation] = cur
	if _, err := h.svc.SettleTransfer(ctx, payer, recipient, models.CurrencyReputation, dec(3), dec(1)); err != nil {
		t.Fatalf("with negative recipients allowed: %v", err)
	}
	// 1 - 5 decayed + 3 received
	if got := h.total(t, recipient); !got.Equal(dec(-1)) {
		t.Errorf("recipient total: got %s, want -1", got)
	}
}

func TestTransferConservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, u := range users {
		h.grant(t, u, int64(10*(i+1)))
		h.presence.online(u)
	}
	sum := func() decimal.Decimal {
		s := decimal.Zero
		for _, u := range users {
			s = s.Add(h.total(t, u))
		}
		return s
	}
	before := sum()

	moves := []struct {
		from, to int
		amount   int64
	}{{0, 1, 4}, {2, 0, 11}, {1, 2, 7}, {0, 2, 15}, {2, 1, 1}}
	for _, m := range moves {
		if _, err := h.svc.SettleTransfer(ctx, users[m.from], users[m.to], models.CurrencyReputation, dec(m.amount), dec(1)); err != nil {
			t.Fatalf("transfer %d->%d: %v", m.from, m.to, err)
		}
	}
	if after := sum(); !after.Equal(before) {
		t.Errorf("sum changed: %s -> %s", before, after)
	}

	for _, u := range users {
		a, _ := h.store.GetAccount(ctx, u, models.CurrencyReputation)
		s, err := h.svc.TransferSummary(ctx, u, models.CurrencyReputation)
		if err != nil {
			t.Fatal(err)
		}
		if !s.Given.Equal(a.Given) || !s.Received.Equal(a.Received) {
			t.Errorf("summary %+v does not match account given=%s received=%s", s, a.Given, a.Received)
		}
	}
}

func TestNoDoubleSpend(t *testing.T) {
	for run := 0; run < 20; run++ {
		h := newHarness(t)
		payer, r1, r2 := uuid.New(), uuid.New(), uuid.New()
		h.grant(t, payer, 10)
		h.grant(t, r1, 1)
		h.grant(t, r2, 1)
		for _, u := range []uuid.UUID{payer, r1, r2} {
			h.presence.online(u)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, r := range []uuid.UUID{r1, r2} {
			wg.Add(1)
			go func(i int, r uuid.UUID) {
				defer wg.Done()
				_, errs[i] = h.svc.SettleTransfer(context.Background(), payer, r, models.CurrencyReputation, dec(6), dec(1))
			}(i, r)
		}
		wg.Wait()

		ok, insufficient := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				insufficient++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || insufficient != 1 {
			t.Fatalf("run %d: ok=%d insufficient=%d", run, ok, insufficient)
		}
		if got := h.total(t, payer); !got.Equal(dec(4)) {
			t.Fatalf("run %d: payer total %s, want 4", run, got)
		}
	}
}

func TestTransferNotices(t *testing.T) {
	h := newHarness(t)
	payer, recipient := uuid.New(), uuid.New()
	h.grant(t, payer, 10)
	h.grant(t, recipient, 1)
	h.presence.online(payer)
	h.presence.online(recipient)
	h.notices.err = errors.New("queue down")

	// A failing notice queue must not fail a committed transfer.
	if _, err := h.svc.SettleTransfer(context.Background(), payer, recipient, models.CurrencyReputation, dec(2), dec(1)); err != nil {
		t.Fatalf("SettleTransfer: %v", err)
	}
	if len(h.notices.notices) != 2 {
		t.Fatalf("notices: got %d, want 2", len(h.notices.notices))
	}
	byUser := map[uuid.UUID]models.Notice{}
	for _, n := range h.notices.notices {
		byUser[n.UserID] = n
	}
	if byUser[recipient].Kind != models.NoticeScoreStolen || byUser[payer].Kind != models.NoticeScoreLost {
		t.Errorf("notice kinds: %+v", byUser)
	}
}

// ---------------------------------------------------------------------------
// RefundPair
// ---------------------------------------------------------------------------

func TestRefundPairRetriesAsAWhole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	h.grant(t, a, 5)
	h.grant(t, b, 5)
	h.presence.online(a)
	h.presence.online(b)

	// The first commit loses a race against a concurrent writer on B.
	commits := 0
	h.store.beforeCommit = func() {
		commits++
		if commits == 1 {
			h.store.mu.Lock()
			h.store.accounts[AccountKey{b, models.CurrencyReputation}].Version++
			h.store.mu.Unlock()
		}
	}

	outA, outB, err := h.svc.RefundPair(ctx, a, b, models.CurrencyReputation, dec(20))
	if err != nil {
		t.Fatalf("RefundPair: %v", err)
	}
	if commits != 2 {
		t.Errorf("commit attempts: got %d, want 2", commits)
	}
	for _, acct := range []*models.ScoreAccount{outA, outB} {
		if !acct.Refunded.Equal(dec(20)) || !acct.Total().Equal(dec(25)) {
			t.Errorf("%s: refunded=%s total=%s", acct.UserID, acct.Refunded, acct.Total())
		}
	}
	entries, _ := h.svc.ListEntries(ctx, a, models.CurrencyReputation, 10)
	refunds := 0
	for _, e := range entries {
		if e.Kind == models.EntryRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("refund entries for A: got %d, want 1", refunds)
	}
}

func TestRefundPairContentionCreditsNobody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	h.grant(t, a, 5)
	h.grant(t, b, 5)

	h.store.beforeCommit = func() {
		h.store.mu.Lock()
		h.store.accounts[AccountKey{b, models.CurrencyReputation}].Version++
		h.store.mu.Unlock()
	}

	_, _, err := h.svc.RefundPair(ctx, a, b, models.CurrencyReputation, dec(20))
	if !errors.Is(err, ErrLedgerContention) {
		t.Fatalf("got %v, want ErrLedgerContention", err)
	}
	h.store.beforeCommit = nil
	for _, u := range []uuid.UUID{a, b} {
		acct, _ := h.store.GetAccount(ctx, u, models.CurrencyReputation)
		if !acct.Refunded.IsZero() {
			t.Errorf("%s was credited alone: refunded=%s", u, acct.Refunded)
		}
	}
}

func TestRefundPairOpensMissingAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, fresh := uuid.New(), uuid.New()
	h.grant(t, a, 5)
	h.presence.online(a)

	outA, outFresh, err := h.svc.RefundPair(ctx, a, fresh, models.CurrencyReputation, dec(1))
	if err != nil {
		t.Fatalf("RefundPair: %v", err)
	}
	if !outA.Total().Equal(dec(6)) || !outFresh.Total().Equal(dec(1)) {
		t.Errorf("totals: %s and %s, want 6 and 1", outA.Total(), outFresh.Total())
	}
	if got := h.total(t, fresh); !got.Equal(dec(1)) || outFresh.Version != 1 {
		t.Errorf("opened account: total %s version %d", got, outFresh.Version)
	}
	entries, _ := h.svc.ListEntries(ctx, fresh, models.CurrencyReputation, 10)
	if len(entries) != 1 || entries[0].Kind != models.EntryRefund {
		t.Errorf("entries of the opened account: %+v", entries)
	}
}

func TestRefundPairRejectsClosedAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	h.grant(t, a, 5)
	h.grant(t, b, 5)
	if _, err := h.svc.CloseAccount(ctx, b, models.CurrencyReputation); err != nil {
		t.Fatalf("CloseAccount: %v", err)
	}
	_, _, err := h.svc.RefundPair(ctx, a, b, models.CurrencyReputation, dec(1))
	if !errors.Is(err, ErrAccountClosed) {
		t.Errorf("got %v, want ErrAccountClosed", err)
	}
	if got := h.total(t, a); !got.Equal(dec(5)) {
		t.Errorf("open side credited alone: %s", got)
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestListTransfersPagination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer, recipient := uuid.New(), uuid.New()
	h.grant(t, payer, 100)
	h.grant(t, recipient, 1)
	h.presence.online(payer)
	h.presence.online(recipient)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		h.clock.Set(t0.Add(time.Duration(i) * time.Second))
		rec, err := h.svc.SettleTransfer(ctx, payer, recipient, models.CurrencyReputation, dec(1), dec(1))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	var got []uuid.UUID
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
		page, next, err := h.svc.ListTransfers(ctx, recipient, models.CurrencyReputation, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range page {
			got = append(got, r.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if len(got) != 5 {
		t.Fatalf("got %d transfers, want 5", len(got))
	}
	for i := range got {
		if got[i] != ids[len(ids)-1-i] {
			t.Errorf("position %d: not newest-first", i)
		}
	}
}

func TestCursorRoundTripAndGarbage(t *testing.T) {
	c := &Cursor{CreatedAt: t0.Add(1234 * time.Nanosecond), ID: uuid.New()}
	got, err := DecodeCursor(EncodeCursor(c))
	if err != nil || !got.CreatedAt.Equal(c.CreatedAt) || got.ID != c.ID {
		t.Errorf("round trip: %+v, %v", got, err)
	}
	if _, err := DecodeCursor("not-a-cursor"); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("garbage cursor: got %v", err)
	}
	if c, err := DecodeCursor(""); c != nil || err != nil {
		t.Errorf("empty cursor: %v, %v", c, err)
	}
}

// ---------------------------------------------------------------------------
// Sweep
// ---------------------------------------------------------------------------

func TestSweepDecaySettlesOfflineOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offline, online := uuid.New(), uuid.New()
	h.grant(t, offline, 100)
	h.grant(t, online, 100)
	h.presence.offline(offline, t0)
	h.presence.online(online)
	h.clock.Set(t0.Add(2 * time.Hour))

	n, err := h.svc.SweepDecay(ctx, time.Hour, 1)
	if err != nil {
		t.Fatalf("SweepDecay: %v", err)
	}
	if n != 1 {
		t.Errorf("settled: got %d, want 1", n)
	}
	if got := h.total(t, offline); !got.Equal(dec(-20)) {
		t.Errorf("offline total: got %s, want -20", got)
	}
	if got := h.total(t, online); !got.Equal(dec(100)) {
		t.Errorf("online total: got %s, want 100", got)
	}

	// A second sweep has nothing older than an hour left to settle.
	if n, _ := h.svc.SweepDecay(ctx, time.Hour, 10); n != 0 {
		t.Errorf("second sweep settled %d", n)
	}
}

func TestSweepSkipsUserOnlineOnAnotherInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := uuid.New()
	h.grant(t, user, 100)

	shared := presence.NewMemStore()
	local := presence.NewTracker(presence.Config{HeartbeatTimeout: time.Hour, InstanceID: "a"}, shared, nil)
	peer := presence.NewTracker(presence.Config{HeartbeatTimeout: time.Hour, InstanceID: "b"}, shared, nil)
	h.svc.SetPresence(local)
	if err := peer.Attach(ctx, user, "ws"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	h.clock.Set(t0.Add(30 * time.Minute))
	n, err := h.svc.SweepDecay(ctx, time.Minute, 10)
	if err != nil {
		t.Fatalf("SweepDecay: %v", err)
	}
	if n != 0 {
		t.Errorf("settled %d accounts of a user online elsewhere", n)
	}
	if got := h.total(t, user); !got.Equal(dec(100)) {
		t.Errorf("stored total: got %s, want 100", got)
	}
	score, err := h.svc.GetEffectiveScore(ctx, user, models.CurrencyReputation)
	if err != nil {
		t.Fatal(err)
	}
	if score.IsDecaying || !score.EffectiveTotal.Equal(dec(100)) {
		t.Errorf("effective score: %+v, want frozen at 100", score)
	}
}

type failingSync struct{ *fakePresence }

func (failingSync) Sync(context.Context) error { return errors.New("presence store down") }

func TestSweepRefusesStalePresence(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.grant(t, user, 100)
	h.presence.offline(user, t0)
	h.svc.SetPresence(failingSync{h.presence})
	h.clock.Set(t0.Add(2 * time.Hour))

	if _, err := h.svc.SweepDecay(context.Background(), time.Hour, 10); err == nil {
		t.Fatal("sweep ran without a fresh presence view")
	}
	if got := h.total(t, user); !got.Equal(dec(100)) {
		t.Errorf("stored total: got %s, want 100", got)
	}
}
