package feed

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/models"
)

func update(user uuid.UUID, version int64, total int64) models.ScoreUpdate {
	return models.ScoreUpdate{
		UserID:   user,
		Currency: models.CurrencyReputation,
		NewTotal: decimal.NewFromInt(total),
		Version:  version,
		At:       time.Now(),
	}
}

func TestHubRoutesByWatchedUser(t *testing.T) {
	h := NewHub(nil)
	alice, bob := uuid.New(), uuid.New()
	a := h.Subscribe(4)
	b := h.Subscribe(4)
	h.Watch(a, alice)
	h.Watch(b, alice)
	h.Watch(b, bob)

	if n := h.PublishLocal(update(alice, 1, 10)); n != 2 {
		t.Errorf("alice update reached %d subscribers, want 2", n)
	}
	if n := h.PublishLocal(update(bob, 1, 10)); n != 1 {
		t.Errorf("bob update reached %d subscribers, want 1", n)
	}
	if len(a.C()) != 1 || len(b.C()) != 2 {
		t.Errorf("buffered: a=%d b=%d", len(a.C()), len(b.C()))
	}
}

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil)
	user := uuid.New()
	slow := h.Subscribe(1)
	h.Watch(slow, user)

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 10; i++ {
			h.PublishLocal(update(user, i, i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	msg := <-slow.C()
	if msg.Update.Version != 1 {
		t.Errorf("kept version %d, want the first one", msg.Update.Version)
	}
}

func TestHubRemoveClosesAndUnwatches(t *testing.T) {
	h := NewHub(nil)
	user := uuid.New()
	s := h.Subscribe(1)
	h.Watch(s, user)
	h.Remove(s)
	h.Remove(s)

	if _, ok := <-s.C(); ok {
		t.Error("channel should be closed")
	}
	if h.Watchers(user) != 0 {
		t.Errorf("watchers after remove: %d", h.Watchers(user))
	}
	if n := h.PublishLocal(update(user, 1, 1)); n != 0 {
		t.Errorf("removed subscriber received %d messages", n)
	}
	if h.Deliver(s, Message{Type: TypePong}) {
		t.Error("deliver to removed subscriber should fail")
	}
}

func TestHubPresenceMessages(t *testing.T) {
	h := NewHub(nil)
	user := uuid.New()
	s := h.Subscribe(1)
	h.Watch(s, user)
	h.PublishPresence(models.PresenceRecord{UserID: user, IsOnline: true})

	msg := <-s.C()
	if msg.Type != TypePresence || msg.Presence == nil || !msg.Presence.IsOnline {
		t.Errorf("presence message: %+v", msg)
	}
}

func TestReconcilerIsIdempotent(t *testing.T) {
	r := NewReconciler()
	user := uuid.New()

	if !r.Apply(update(user, 2, 20)) {
		t.Fatal("first update should apply")
	}
	if r.Apply(update(user, 2, 20)) {
		t.Error("duplicate push should not apply")
	}
	if r.Apply(update(user, 1, 10)) {
		t.Error("older poll should not apply")
	}
	got, _ := r.Get(user, models.CurrencyReputation)
	if got.Version != 2 || !got.NewTotal.Equal(decimal.NewFromInt(20)) {
		t.Errorf("displayed: %+v", got)
	}
	if !r.Apply(update(user, 3, 15)) {
		t.Error("newer update should apply")
	}
	if len(r.Snapshot()) != 1 {
		t.Errorf("snapshot size: %d", len(r.Snapshot()))
	}
}

func TestReconcilerPushThenPollConverge(t *testing.T) {
	pushFirst, pollFirst := NewReconciler(), NewReconciler()
	user := uuid.New()
	push := update(user, 5, 7)
	poll := update(user, 5, 7)
	poll.Reason = "poll"

	pushFirst.Apply(push)
	pushFirst.Apply(poll)
	pollFirst.Apply(poll)
	pollFirst.Apply(push)

	a, _ := pushFirst.Get(user, models.CurrencyReputation)
	b, _ := pollFirst.Get(user, models.CurrencyReputation)
	if a.Version != b.Version || !a.NewTotal.Equal(b.NewTotal) {
		t.Errorf("orders diverged: %+v vs %+v", a, b)
	}
}

func TestReconcilerRefreshesDecayAtSameVersion(t *testing.T) {
	r := NewReconciler()
	user := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	shown := update(user, 3, 10)
	shown.EffectiveTotal, shown.At = decimal.NewFromInt(10), at
	r.Apply(shown)

	later := shown
	later.EffectiveTotal, later.At, later.Reason = decimal.NewFromInt(-35), at.Add(45*time.Minute), "poll"
	if !r.Apply(later) {
		t.Fatal("a later read of the same version should refresh the effective total")
	}
	got, _ := r.Get(user, models.CurrencyReputation)
	if got.Version != 3 || !got.NewTotal.Equal(decimal.NewFromInt(10)) || !got.EffectiveTotal.Equal(decimal.NewFromInt(-35)) {
		t.Errorf("displayed: %+v", got)
	}

	// An earlier read of the same version never undoes the countdown.
	if r.Apply(shown) {
		t.Error("earlier read applied")
	}
	got, _ = r.Get(user, models.CurrencyReputation)
	if !got.EffectiveTotal.Equal(decimal.NewFromInt(-35)) {
		t.Errorf("effective moved back to %s", got.EffectiveTotal)
	}
}
