package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PresenceRecord is the read-only view of a user's connection state.
// Stale is set when the user is reported offline because every session
// missed its heartbeat deadline.
type PresenceRecord struct {
	UserID        uuid.UUID `json:"user_id"`
	IsOnline      bool      `json:"is_online"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Sessions      int       `json:"sessions"`
	Stale         bool      `json:"stale,omitempty"`
}

// ScoreUpdate is the payload of the score.updated topic.
type ScoreUpdate struct {
	UserID         uuid.UUID       `json:"user_id"`
	Currency       Currency        `json:"currency"`
	NewTotal       decimal.Decimal `json:"new_total"`
	EffectiveTotal decimal.Decimal `json:"effective_total"`
	Version        int64           `json:"version"`
	Reason         string          `json:"reason"`
	At             time.Time       `json:"at"`
}

// Notice kinds.
const (
	NoticeScoreStolen = "score_stolen"
	NoticeScoreLost   = "score_lost"
	NoticeRefund      = "refund"
)

// Notice is a best-effort notification written after a transfer or refund commits.
type Notice struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Kind           string          `json:"kind"`
	CounterpartyID uuid.UUID       `json:"counterparty_id"`
	Currency       Currency        `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	CreatedAt      time.Time       `json:"created_at"`
}
