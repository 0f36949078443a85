// Package feed delivers score updates to connected sessions. Updates are
// pushed over websockets, fanned out between instances over Kafka, and merged
// by clients keyed on the account version so a missed or duplicated push is
// healed by the next poll.
package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/metrics"
	"github.com/emberdate/backend/internal/models"
)

// TopicScoreUpdated is the Kafka topic and the reason-agnostic event name.
const TopicScoreUpdated = "score.updated"

type MessageType string

const (
	TypeScore    MessageType = "score"
	TypePresence MessageType = "presence"
	TypeWatch    MessageType = "watch"
	TypeUnwatch  MessageType = "unwatch"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeError    MessageType = "error"
)

// Message is the websocket envelope in both directions.
type Message struct {
	Type     MessageType            `json:"type"`
	Update   *models.ScoreUpdate    `json:"update,omitempty"`
	Presence *models.PresenceRecord `json:"presence,omitempty"`
	UserID   *uuid.UUID             `json:"user_id,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Subscriber is one connected session. Messages arrive on C until the
// subscriber is removed from the hub.
type Subscriber struct {
	id       uint64
	send     chan Message
	watching map[uuid.UUID]struct{}
}

func (s *Subscriber) C() <-chan Message { return s.send }

// Hub routes updates to the subscribers watching the affected user. Delivery
// never blocks: a subscriber whose buffer is full misses the message and
// catches up on its next poll.
type Hub struct {
	mu     sync.RWMutex
	byUser map[uuid.UUID]map[*Subscriber]struct{}
	nextID atomic.Uint64
	log    *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		byUser: make(map[uuid.UUID]map[*Subscriber]struct{}),
		log:    log.With("component", "feed-hub"),
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 32
	}
	metrics.FeedClients.Inc()
	return &Subscriber{
		id:       h.nextID.Add(1),
		send:     make(chan Message, buffer),
		watching: make(map[uuid.UUID]struct{}),
	}
}

func (h *Hub) Watch(s *Subscriber, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.watching == nil {
		return
	}
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.byUser[userID] = set
	}
	set[s] = struct{}{}
	s.watching[userID] = struct{}{}
}

func (h *Hub) Unwatch(s *Subscriber, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unwatchLocked(s, userID)
}

func (h *Hub) unwatchLocked(s *Subscriber, userID uuid.UUID) {
	delete(s.watching, userID)
	if set, ok := h.byUser[userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, userID)
		}
	}
}

// Remove unwatches everything and closes C. It is safe to call twice.
func (h *Hub) Remove(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.watching == nil {
		return
	}
	for userID := range s.watching {
		h.unwatchLocked(s, userID)
	}
	s.watching = nil
	close(s.send)
	metrics.FeedClients.Dec()
}

// Deliver sends msg to s alone, e.g. initial state after a watch.
func (h *Hub) Deliver(s *Subscriber, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.watching == nil {
		return false
	}
	return h.offer(s, msg)
}

// PublishLocal fans an update out to this instance's watchers.
func (h *Hub) PublishLocal(u models.ScoreUpdate) int {
	return h.broadcast(u.UserID, Message{Type: TypeScore, Update: &u})
}

// PublishPresence tells watchers that a user went online or offline.
// Presence messages are informational and carry no version.
func (h *Hub) PublishPresence(rec models.PresenceRecord) int {
	return h.broadcast(rec.UserID, Message{Type: TypePresence, Presence: &rec})
}

// Watchers returns how many subscribers watch userID.
func (h *Hub) Watchers(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

func (h *Hub) broadcast(userID uuid.UUID, msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for s := range h.byUser[userID] {
		if h.offer(s, msg) {
			sent++
		}
	}
	return sent
}

func (h *Hub) offer(s *Subscriber, msg Message) bool {
	select {
	case s.send <- msg:
		return true
	default:
		metrics.FeedDropped.Inc()
		h.log.Debug("subscriber buffer full, message dropped", "subscriber", s.id, "type", msg.Type)
		return false
	}
}
