package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Remote is the presence other instances have published.
type Remote struct {
	// Online maps users with a live session elsewhere to their latest heartbeat.
	Online map[uuid.UUID]time.Time
	// LastSeen holds last-seen timestamps written since the requested cursor.
	LastSeen map[uuid.UUID]time.Time
	// Cursor is passed back on the next load to fetch only newer changes.
	Cursor int64
}

// syncOverlap re-reads changes this far behind the cursor so rows from
// transactions that committed late are not skipped.
const syncOverlap = 30 * time.Second

// PGStore keeps one last-seen row per user in the presence table and one
// session lease per user and instance in presence_sessions.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const upsertLastSeen = `
	INSERT INTO presence (user_id, last_seen_at, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (user_id) DO UPDATE
	SET last_seen_at = GREATEST(presence.last_seen_at, EXCLUDED.last_seen_at),
	    updated_at = NOW()
`

const upsertSession = `
	INSERT INTO presence_sessions (user_id, instance_id, last_heartbeat)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id, instance_id) DO UPDATE
	SET last_heartbeat = GREATEST(presence_sessions.last_heartbeat, EXCLUDED.last_heartbeat)
`

// SaveOffline records the user's last-seen time and drops this instance's
// lease. The last-seen row is written first so a reader never sees the lease
// gone without the timestamp that replaces it.
func (s *PGStore) SaveOffline(ctx context.Context, instance string, userID uuid.UUID, at time.Time) error {
	batch := &pgx.Batch{}
	batch.Queue(upsertLastSeen, userID, at)
	batch.Queue(`DELETE FROM presence_sessions WHERE user_id = $1 AND instance_id = $2`, userID, instance)
	return s.pool.SendBatch(ctx, batch).Close()
}

// RenewSessions refreshes this instance's leases. Last-seen moves along with
// them so a crashed instance leaves its users offline at their last heartbeat.
func (s *PGStore) RenewSessions(ctx context.Context, instance string, heartbeats map[uuid.UUID]time.Time) error {
	batch := &pgx.Batch{}
	for id, at := range heartbeats {
		batch.Queue(upsertSession, id, instance, at)
		batch.Queue(upsertLastSeen, id, at)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PGStore) LoadLastSeen(ctx context.Context) (map[uuid.UUID]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, last_seen_at FROM presence`)
	if err != nil {
		return nil, err
	}
	return collectTimes(rows)
}

// LoadRemote reads live leases held by other instances and the last-seen rows
// changed since cursor. The cursor is database time in microseconds.
func (s *PGStore) LoadRemote(ctx context.Context, instance string, aliveSince time.Time, cursor int64) (Remote, error) {
	var dbNow time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&dbNow); err != nil {
		return Remote{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, MAX(last_heartbeat)
		FROM presence_sessions
		WHERE instance_id <> $1 AND last_heartbeat > $2
		GROUP BY user_id`, instance, aliveSince)
	if err != nil {
		return Remote{}, err
	}
	online, err := collectTimes(rows)
	if err != nil {
		return Remote{}, err
	}
	changedSince := time.Time{}
	if cursor > 0 {
		changedSince = time.UnixMicro(cursor).Add(-syncOverlap)
	}
	rows, err = s.pool.Query(ctx, `SELECT user_id, last_seen_at FROM presence WHERE updated_at > $1`, changedSince)
	if err != nil {
		return Remote{}, err
	}
	seen, err := collectTimes(rows)
	if err != nil {
		return Remote{}, err
	}
	return Remote{Online: online, LastSeen: seen, Cursor: dbNow.UnixMicro()}, nil
}

func collectTimes(rows pgx.Rows) (map[uuid.UUID]time.Time, error) {
	defer rows.Close()
	out := make(map[uuid.UUID]time.Time)
	for rows.Next() {
		var id uuid.UUID
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}

// MemStore is an in-process Store. Trackers sharing one MemStore behave like
// instances sharing the presence tables.
type MemStore struct {
	mu       sync.Mutex
	seen     map[uuid.UUID]time.Time
	changed  map[uuid.UUID]int64
	seq      int64
	sessions map[uuid.UUID]map[string]time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		seen:     make(map[uuid.UUID]time.Time),
		changed:  make(map[uuid.UUID]int64),
		sessions: make(map[uuid.UUID]map[string]time.Time),
	}
}

func (s *MemStore) saveLastSeenLocked(id uuid.UUID, at time.Time) {
	if at.After(s.seen[id]) {
		s.seen[id] = at
	}
	s.seq++
	s.changed[id] = s.seq
}

func (s *MemStore) SaveOffline(_ context.Context, instance string, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLastSeenLocked(id, at)
	delete(s.sessions[id], instance)
	return nil
}

func (s *MemStore) RenewSessions(_ context.Context, instance string, heartbeats map[uuid.UUID]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range heartbeats {
		if s.sessions[id] == nil {
			s.sessions[id] = make(map[string]time.Time)
		}
		if at.After(s.sessions[id][instance]) {
			s.sessions[id][instance] = at
		}
		s.saveLastSeenLocked(id, at)
	}
	return nil
}

func (s *MemStore) LoadLastSeen(context.Context) (map[uuid.UUID]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]time.Time, len(s.seen))
	for k, v := range s.seen {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) LoadRemote(_ context.Context, instance string, aliveSince time.Time, cursor int64) (Remote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Remote{Online: make(map[uuid.UUID]time.Time), LastSeen: make(map[uuid.UUID]time.Time), Cursor: s.seq}
	for id, byInstance := range s.sessions {
		for inst, hb := range byInstance {
			if inst != instance && hb.After(aliveSince) && hb.After(r.Online[id]) {
				r.Online[id] = hb
			}
		}
	}
	for id, seq := range s.changed {
		if seq > cursor {
			r.LastSeen[id] = s.seen[id]
		}
	}
	return r, nil
}
