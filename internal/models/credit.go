package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind is the closed set of ledger event kinds.
type EntryKind string

const (
	EntryInitialGrant    EntryKind = "initial_grant"
	EntryEarned          EntryKind = "earned"
	EntryManualBonus     EntryKind = "manual_bonus"
	EntryDecaySettlement EntryKind = "decay_settlement"
	EntryTransferDebit   EntryKind = "transfer_debit"
	EntryTransferCredit  EntryKind = "transfer_credit"
	EntryRefund          EntryKind = "refund"
)

var entryKinds = map[EntryKind]bool{
	EntryInitialGrant:    true,
	EntryEarned:          true,
	EntryManualBonus:     true,
	EntryDecaySettlement: true,
	EntryTransferDebit:   true,
	EntryTransferCredit:  true,
	EntryRefund:          true,
}

// Valid reports whether k is one of the known kinds.
func (k EntryKind) Valid() bool { return entryKinds[k] }

// LedgerEntry is one append-only audit row. Delta is the signed effect on Total.
type LedgerEntry struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	Currency   Currency        `json:"currency"`
	Kind       EntryKind       `json:"kind"`
	Delta      decimal.Decimal `json:"delta"`
	TotalAfter decimal.Decimal `json:"total_after"`
	Version    int64           `json:"version"`
	TransferID *uuid.UUID      `json:"transfer_id,omitempty"`
	SourceKind string          `json:"source_kind,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
