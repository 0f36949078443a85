package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/models"
)

// fakeAPI serves the snapshot endpoint and a websocket that pushes whatever
// is sent on push.
type fakeAPI struct {
	mu      sync.Mutex
	version int64
	total   int64
	decayed int64
	polls   int
	push    chan models.ScoreUpdate
	watched chan uuid.UUID
}

func (f *fakeAPI) handler(user uuid.UUID) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/scores/{userID}/{currency}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.PathValue("userID") != user.String() || r.PathValue("currency") != string(models.CurrencyReputation) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.mu.Lock()
		f.polls++
		body := map[string]any{
			"account":    map[string]any{"user_id": user, "currency": models.CurrencyReputation, "version": f.version},
			"total":      decimal.NewFromInt(f.total),
			"projection": map[string]any{"effective_total": decimal.NewFromInt(f.total - f.decayed)},
			"at":         time.Now(),
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(body)
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg Message
		if err := conn.ReadJSON(&msg); err == nil && msg.UserID != nil {
			f.watched <- *msg.UserID
		}
		for u := range f.push {
			if err := conn.WriteJSON(Message{Type: TypeScore, Update: &u}); err != nil {
				return
			}
		}
	})
	return mux
}

func TestWatcherPollAppliesSnapshots(t *testing.T) {
	user := uuid.New()
	api := &fakeAPI{version: 3, total: 12}
	srv := httptest.NewServer(api.handler(user))
	defer srv.Close()

	w := NewWatcher(WatcherConfig{BaseURL: srv.URL, Token: "tok", Users: []uuid.UUID{user}}, nil)
	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	got, ok := w.Current(user, models.CurrencyReputation)
	if !ok || got.Version != 3 || !got.NewTotal.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("after poll: %+v ok=%v", got, ok)
	}
	// The credit snapshot 404s: no account is not an error.
	if _, ok := w.Current(user, models.CurrencyCredit); ok {
		t.Error("credit balance should be absent")
	}

	// A stale poll never moves the display backwards.
	api.mu.Lock()
	api.version, api.total = 2, 50
	api.mu.Unlock()
	w.Poll(context.Background())
	got, _ = w.Current(user, models.CurrencyReputation)
	if got.Version != 3 {
		t.Errorf("stale poll applied: %+v", got)
	}
}

func TestWatcherPollShowsDecayWithoutWrites(t *testing.T) {
	user := uuid.New()
	api := &fakeAPI{version: 3, total: 10}
	srv := httptest.NewServer(api.handler(user))
	defer srv.Close()

	w := NewWatcher(WatcherConfig{
		BaseURL:    srv.URL,
		Token:      "tok",
		Users:      []uuid.UUID{user},
		Currencies: []models.Currency{models.CurrencyReputation},
	}, nil)
	var changes []models.ScoreUpdate
	w.OnChange(func(u models.ScoreUpdate) { changes = append(changes, u) })

	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	api.mu.Lock()
	api.decayed = 45
	api.mu.Unlock()
	time.Sleep(time.Millisecond)
	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	got, _ := w.Current(user, models.CurrencyReputation)
	if got.Version != 3 || !got.EffectiveTotal.Equal(decimal.NewFromInt(-35)) {
		t.Fatalf("displayed after decay: %+v", got)
	}
	if len(changes) != 2 || !changes[1].EffectiveTotal.Equal(decimal.NewFromInt(-35)) {
		t.Errorf("changes: %+v", changes)
	}
}

func TestWatcherMergesPushAndPoll(t *testing.T) {
	user := uuid.New()
	api := &fakeAPI{version: 1, total: 10, push: make(chan models.ScoreUpdate, 4), watched: make(chan uuid.UUID, 1)}
	srv := httptest.NewServer(api.handler(user))
	defer srv.Close()
	defer close(api.push)

	w := NewWatcher(WatcherConfig{
		BaseURL:      srv.URL,
		Token:        "tok",
		Users:        []uuid.UUID{user},
		Currencies:   []models.Currency{models.CurrencyReputation},
		PollInterval: time.Hour,
	}, nil)
	changes := make(chan models.ScoreUpdate, 8)
	w.OnChange(func(u models.ScoreUpdate) { changes <- u })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	first := <-changes
	if first.Reason != "poll" || first.Version != 1 {
		t.Fatalf("first change: %+v", first)
	}
	select {
	case got := <-api.watched:
		if got != user {
			t.Errorf("watched %s, want %s", got, user)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never subscribed over websocket")
	}

	pushed := update(user, 2, 7)
	pushed.Reason = "transfer_sent"
	api.push <- pushed
	api.push <- pushed

	select {
	case got := <-changes:
		if got.Version != 2 || got.Reason != "transfer_sent" {
			t.Errorf("pushed change: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push not applied")
	}
	select {
	case dup := <-changes:
		t.Errorf("duplicate push changed the display: %+v", dup)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherWebsocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://localhost:8080":    "ws://localhost:8080/ws",
		"https://api.example.com/": "wss://api.example.com/ws",
	} {
		w := NewWatcher(WatcherConfig{BaseURL: in}, nil)
		got, err := w.wsURL()
		if err != nil || !strings.EqualFold(got, want) {
			t.Errorf("wsURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}
