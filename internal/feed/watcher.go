package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/models"
)

// DefaultPollInterval bounds how stale a displayed balance can get after a
// missed push: one interval plus one request round trip.
const DefaultPollInterval = 90 * time.Second

type WatcherConfig struct {
	// BaseURL is the API root, e.g. http://localhost:8080.
	BaseURL      string
	Token        string
	Users        []uuid.UUID
	Currencies   []models.Currency
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// accountSnapshot is the subset of the snapshot endpoint the watcher needs.
type accountSnapshot struct {
	Account struct {
		UserID   uuid.UUID       `json:"user_id"`
		Currency models.Currency `json:"currency"`
		Version  int64           `json:"version"`
	} `json:"account"`
	Projection struct {
		EffectiveTotal decimal.Decimal `json:"effective_total"`
	} `json:"projection"`
	Total decimal.Decimal `json:"total"`
	At    time.Time       `json:"at"`
}

// Watcher keeps a local view of a set of balances current by merging
// websocket pushes with periodic polls through one Reconciler.
type Watcher struct {
	cfg    WatcherConfig
	rec    *Reconciler
	log    *slog.Logger
	dialer websocket.Dialer

	mu         sync.Mutex
	onChange   func(models.ScoreUpdate)
	onPresence func(models.PresenceRecord)
}

func NewWatcher(cfg WatcherConfig, log *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = []models.Currency{models.CurrencyReputation, models.CurrencyCredit}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		rec:    NewReconciler(),
		log:    log.With("component", "feed-watcher"),
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// OnChange is called for every update that changed the displayed state.
func (w *Watcher) OnChange(fn func(models.ScoreUpdate)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

func (w *Watcher) OnPresence(fn func(models.PresenceRecord)) {
	w.mu.Lock()
	w.onPresence = fn
	w.mu.Unlock()
}

func (w *Watcher) Current(userID uuid.UUID, currency models.Currency) (models.ScoreUpdate, bool) {
	return w.rec.Get(userID, currency)
}

func (w *Watcher) apply(u models.ScoreUpdate) {
	if !w.rec.Apply(u) {
		return
	}
	u, _ = w.rec.Get(u.UserID, u.Currency)
	w.mu.Lock()
	fn := w.onChange
	w.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// Run polls once, then keeps the push channel connected and polls every
// PollInterval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Poll(ctx); err != nil {
		w.log.Warn("initial poll failed", "error", err)
	}
	go w.pushLoop(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.log.Warn("poll failed", "error", err)
			}
		}
	}
}

// Poll fetches the authoritative snapshot of every watched balance.
func (w *Watcher) Poll(ctx context.Context) error {
	var firstErr error
	for _, userID := range w.cfg.Users {
		for _, currency := range w.cfg.Currencies {
			u, err := w.fetch(ctx, userID, currency)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if u != nil {
				w.apply(*u)
			}
		}
	}
	return firstErr
}

func (w *Watcher) fetch(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreUpdate, error) {
	endpoint := fmt.Sprintf("%s/api/v1/scores/%s/%s/snapshot", strings.TrimRight(w.cfg.BaseURL, "/"), userID, currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s/%s: %w", userID, currency, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("poll %s/%s: status %d", userID, currency, resp.StatusCode)
	}
	var snap accountSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &models.ScoreUpdate{
		UserID:         snap.Account.UserID,
		Currency:       snap.Account.Currency,
		NewTotal:       snap.Total,
		EffectiveTotal: snap.Projection.EffectiveTotal,
		Version:        snap.Account.Version,
		Reason:         "poll",
		At:             snap.At,
	}, nil
}

func (w *Watcher) wsURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(w.cfg.BaseURL, "/") + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (w *Watcher) pushLoop(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := w.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("push channel lost, polling covers the gap", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// listen holds one websocket session until it fails or ctx ends.
func (w *Watcher) listen(ctx context.Context) error {
	endpoint, err := w.wsURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, _, err := w.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for _, userID := range w.cfg.Users {
		id := userID
		if err := conn.WriteJSON(Message{Type: TypeWatch, UserID: &id}); err != nil {
			return fmt.Errorf("watch %s: %w", userID, err)
		}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case TypeScore:
			if msg.Update != nil {
				w.apply(*msg.Update)
			}
		case TypePresence:
			w.mu.Lock()
			fn := w.onPresence
			w.mu.Unlock()
			if fn != nil && msg.Presence != nil {
				fn(*msg.Presence)
			}
		case TypeError:
			w.log.Warn("server rejected message", "error", msg.Error)
		}
	}
}
