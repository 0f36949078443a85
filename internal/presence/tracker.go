// Package presence tracks which users are connected and when each one was
// last seen. It is the only writer of presence state; everything else reads
// PresenceRecord snapshots.
//
// A user is online while at least one attached session has heartbeated within
// HeartbeatTimeout. A silent session is presumed dead, never presumed alive:
// decay must accrue for a dropped connection rather than freeze forever.
//
// Sessions may live on other instances. Each tracker publishes leases for its
// own sessions through the Store and merges the leases of its peers on Sync,
// so every instance sees a user connected anywhere as online.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/metrics"
	"github.com/emberdate/backend/internal/models"
)

// DefaultSession is used by MarkOnline when the caller has no session of its own.
const DefaultSession = "default"

// OnlineFunc runs before a user flips from offline to online. prev is the
// offline record the user is leaving. If it fails the user stays offline.
type OnlineFunc func(ctx context.Context, userID uuid.UUID, prev models.PresenceRecord, at time.Time) error

// ChangeFunc observes a committed online or offline transition.
type ChangeFunc func(rec models.PresenceRecord)

// Store shares presence between instances and across restarts.
type Store interface {
	// SaveOffline records a last-seen time and drops instance's lease on the user.
	SaveOffline(ctx context.Context, instance string, userID uuid.UUID, at time.Time) error
	// RenewSessions refreshes instance's leases with each user's last heartbeat.
	RenewSessions(ctx context.Context, instance string, heartbeats map[uuid.UUID]time.Time) error
	LoadLastSeen(ctx context.Context) (map[uuid.UUID]time.Time, error)
	// LoadRemote returns leases of other instances heartbeated after
	// aliveSince and last-seen rows changed since cursor.
	LoadRemote(ctx context.Context, instance string, aliveSince time.Time, cursor int64) (Remote, error)
}

// Config controls heartbeat expiry and identifies this instance's leases.
type Config struct {
	HeartbeatTimeout time.Duration
	ReapInterval     time.Duration
	InstanceID       string
}

// DefaultConfig returns a 90s heartbeat timeout reaped every 15s.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 90 * time.Second,
		ReapInterval:     15 * time.Second,
	}
}

type entry struct {
	sessions      map[string]time.Time
	online        bool
	lastSeen      time.Time
	lastHeartbeat time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg      Config
	store    Store
	onOnline OnlineFunc
	onChange ChangeFunc
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	users map[uuid.UUID]*entry
	// remote holds the latest heartbeat of users with sessions on other instances.
	remote map[uuid.UUID]time.Time
	cursor int64
}

// NewTracker returns a tracker. store may be nil, in which case presence is
// purely in-memory.
func NewTracker(cfg Config, store Store, log *slog.Logger) *Tracker {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		cfg:    cfg,
		store:  store,
		log:    log.With("component", "presence", "instance", cfg.InstanceID),
		now:    time.Now,
		users:  make(map[uuid.UUID]*entry),
		remote: make(map[uuid.UUID]time.Time),
	}
}

// OnOnline sets the offline to online hook. Call before serving traffic.
func (t *Tracker) OnOnline(fn OnlineFunc) { t.onOnline = fn }

// OnChange sets the transition observer. Call before serving traffic.
func (t *Tracker) OnChange(fn ChangeFunc) { t.onChange = fn }

// MarkOnline attaches the default session. Calling it again only refreshes
// the heartbeat.
func (t *Tracker) MarkOnline(ctx context.Context, userID uuid.UUID) error {
	return t.Attach(ctx, userID, DefaultSession)
}

// Heartbeat refreshes a session, re-attaching it if it had expired.
func (t *Tracker) Heartbeat(ctx context.Context, userID uuid.UUID, sessionID string) error {
	return t.Attach(ctx, userID, sessionID)
}

// Attach registers a live session for the user. If the user was offline the
// online hook runs first, outside the lock.
func (t *Tracker) Attach(ctx context.Context, userID uuid.UUID, sessionID string) error {
	now := t.now()

	t.mu.Lock()
	e := t.entryLocked(userID)
	if e.online && !t.expired(e, now) {
		e.sessions[sessionID] = now
		e.lastHeartbeat = now
		t.mu.Unlock()
		return nil
	}
	prev := t.recordLocked(userID, e, now)
	t.mu.Unlock()

	if t.onOnline != nil {
		if err := t.onOnline(ctx, userID, prev, now); err != nil {
			return fmt.Errorf("presence: settle on reconnect: %w", err)
		}
	}

	t.mu.Lock()
	e = t.entryLocked(userID)
	if !e.online || t.expired(e, now) {
		e.sessions = make(map[string]time.Time)
		if !e.online {
			metrics.PresenceOnline.Inc()
		}
	}
	e.online = true
	e.sessions[sessionID] = now
	e.lastHeartbeat = now
	rec := t.recordLocked(userID, e, now)
	t.mu.Unlock()

	// Peers learn about the session now rather than at the next checkpoint.
	if t.store != nil {
		if err := t.store.RenewSessions(ctx, t.cfg.InstanceID, map[uuid.UUID]time.Time{userID: now}); err != nil {
			t.log.Error("publish session lease failed", "user_id", userID, "error", err)
		}
	}
	if t.onChange != nil {
		t.onChange(rec)
	}
	return nil
}

// Detach removes one session. The user goes offline when none remain.
func (t *Tracker) Detach(ctx context.Context, userID uuid.UUID, sessionID string) {
	now := t.now()
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(e.sessions, sessionID)
	if !e.online || len(e.sessions) > 0 {
		t.mu.Unlock()
		return
	}
	rec := t.goOfflineLocked(userID, e, now, false)
	view := t.overlayLocked(rec, now)
	t.mu.Unlock()
	t.afterOffline(ctx, rec, view)
}

// MarkOffline drops every session of the user. It is a no-op for offline users.
func (t *Tracker) MarkOffline(ctx context.Context, userID uuid.UUID) {
	now := t.now()
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok || !e.online {
		t.mu.Unlock()
		return
	}
	e.sessions = make(map[string]time.Time)
	rec := t.goOfflineLocked(userID, e, now, false)
	view := t.overlayLocked(rec, now)
	t.mu.Unlock()
	t.afterOffline(ctx, rec, view)
}

// Get returns the user's presence as of now, across every instance as of the
// last Sync. A user whose sessions all missed the heartbeat deadline is
// reported offline and stale, last seen at the last heartbeat.
func (t *Tracker) Get(userID uuid.UUID) models.PresenceRecord {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	if !ok {
		e = &entry{}
	}
	return t.recordLocked(userID, e, now)
}

// IsOnline reports whether the user has a live session.
func (t *Tracker) IsOnline(userID uuid.UUID) bool { return t.Get(userID).IsOnline }

// LastSeenAt returns the time of the user's last online to offline transition.
func (t *Tracker) LastSeenAt(userID uuid.UUID) time.Time { return t.Get(userID).LastSeenAt }

// OnlineCount returns the number of users with a live session on this instance.
func (t *Tracker) OnlineCount() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.users {
		if e.online && !t.expired(e, now) {
			n++
		}
	}
	return n
}

// Reap turns expired online users into real offline transitions and returns
// how many it found.
func (t *Tracker) Reap(ctx context.Context) int {
	now := t.now()
	var recs, views []models.PresenceRecord
	t.mu.Lock()
	for id, e := range t.users {
		if e.online && t.expired(e, now) {
			e.sessions = make(map[string]time.Time)
			recs = append(recs, t.goOfflineLocked(id, e, now, true))
			views = append(views, t.overlayLocked(recs[len(recs)-1], now))
		}
	}
	t.mu.Unlock()

	for i, rec := range recs {
		metrics.PresenceExpired.Inc()
		t.log.Info("heartbeat expired, user presumed offline", "user_id", rec.UserID, "last_heartbeat", rec.LastHeartbeat)
		t.afterOffline(ctx, rec, views[i])
	}
	return len(recs)
}

// Checkpoint renews the lease of every locally online user. The stored
// heartbeat doubles as last-seen, so a restart or a peer rebuilds them as
// offline from roughly the moment this process died.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	now := t.now()
	seen := make(map[uuid.UUID]time.Time)
	t.mu.Lock()
	for id, e := range t.users {
		if e.online && !t.expired(e, now) {
			seen[id] = e.lastHeartbeat
		}
	}
	t.mu.Unlock()
	if len(seen) == 0 {
		return nil
	}
	return t.store.RenewSessions(ctx, t.cfg.InstanceID, seen)
}

// Restore rebuilds the tracker from the store. Every user comes back offline
// at their last persisted timestamp.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	seen, err := t.store.LoadLastSeen(ctx)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, at := range seen {
		if _, ok := t.users[id]; ok {
			continue
		}
		t.users[id] = &entry{
			sessions:      make(map[string]time.Time),
			lastSeen:      at,
			lastHeartbeat: at,
		}
	}
	return len(seen), nil
}

// Sync pulls the leases and last-seen changes other instances published. A
// user whose remote lease lapsed without an offline row is taken to be last
// seen at that lease's final heartbeat.
func (t *Tracker) Sync(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	now := t.now()
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	r, err := t.store.LoadRemote(ctx, t.cfg.InstanceID, now.Add(-t.cfg.HeartbeatTimeout), cursor)
	if err != nil {
		return fmt.Errorf("presence: sync: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, hb := range t.remote {
		if _, still := r.Online[id]; !still {
			t.seenLocked(id, hb)
		}
	}
	for id, at := range r.LastSeen {
		t.seenLocked(id, at)
	}
	if r.Online == nil {
		r.Online = make(map[uuid.UUID]time.Time)
	}
	t.remote = r.Online
	t.cursor = r.Cursor
	return nil
}

// Run reaps, checkpoints and syncs every ReapInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Reap(ctx)
			if err := t.Checkpoint(ctx); err != nil {
				t.log.Error("presence checkpoint failed", "error", err)
			}
			if err := t.Sync(ctx); err != nil {
				t.log.Error("presence sync failed", "error", err)
			}
		}
	}
}

func (t *Tracker) entryLocked(userID uuid.UUID) *entry {
	e, ok := t.users[userID]
	if !ok {
		e = &entry{sessions: make(map[string]time.Time)}
		t.users[userID] = e
	}
	return e
}

func (t *Tracker) expired(e *entry, now time.Time) bool {
	return now.Sub(e.lastHeartbeat) > t.cfg.HeartbeatTimeout
}

// seenLocked moves a user's last-seen forward, never back.
func (t *Tracker) seenLocked(userID uuid.UUID, at time.Time) {
	e := t.entryLocked(userID)
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
}

func (t *Tracker) recordLocked(userID uuid.UUID, e *entry, now time.Time) models.PresenceRecord {
	rec := models.PresenceRecord{
		UserID:        userID,
		IsOnline:      e.online,
		LastSeenAt:    e.lastSeen,
		LastHeartbeat: e.lastHeartbeat,
		Sessions:      len(e.sessions),
	}
	if e.online && t.expired(e, now) {
		rec.IsOnline = false
		rec.LastSeenAt = e.lastHeartbeat
		rec.Sessions = 0
		rec.Stale = true
	}
	return t.overlayLocked(rec, now)
}

// overlayLocked merges sessions held by other instances into a local record.
func (t *Tracker) overlayLocked(rec models.PresenceRecord, now time.Time) models.PresenceRecord {
	hb, ok := t.remote[rec.UserID]
	if !ok {
		return rec
	}
	if now.Sub(hb) <= t.cfg.HeartbeatTimeout {
		rec.IsOnline = true
		rec.Stale = false
		if hb.After(rec.LastHeartbeat) {
			rec.LastHeartbeat = hb
		}
		return rec
	}
	// The peer stopped renewing since the last sync.
	if !rec.IsOnline && hb.After(rec.LastSeenAt) {
		rec.LastSeenAt = hb
	}
	return rec
}

// goOfflineLocked flips e offline. Expired users are stamped at their last
// heartbeat since the connection was already dead then.
func (t *Tracker) goOfflineLocked(userID uuid.UUID, e *entry, now time.Time, expired bool) models.PresenceRecord {
	e.online = false
	e.lastSeen = now
	if expired {
		e.lastSeen = e.lastHeartbeat
	}
	metrics.PresenceOnline.Dec()
	return models.PresenceRecord{
		UserID:        userID,
		LastSeenAt:    e.lastSeen,
		LastHeartbeat: e.lastHeartbeat,
		Stale:         expired,
	}
}

// afterOffline persists the local transition rec and reports view, the
// user's presence across instances, which stays online while a peer holds a
// session.
func (t *Tracker) afterOffline(ctx context.Context, rec, view models.PresenceRecord) {
	if t.store != nil {
		if err := t.store.SaveOffline(ctx, t.cfg.InstanceID, rec.UserID, rec.LastSeenAt); err != nil {
			t.log.Error("persist last seen failed", "user_id", rec.UserID, "error", err)
		}
	}
	if t.onChange != nil {
		t.onChange(view)
	}
}
