package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency names a score currency. Each user has at most one ScoreAccount per currency.
type Currency string

const (
	CurrencyReputation Currency = "reputation"
	CurrencyCredit     Currency = "credit"
)

// ScoreAccount is the persisted baseline of one user's balance in one currency.
// Components only grow (except earned/manual_bonus corrections); the balance
// is always derived through Total.
type ScoreAccount struct {
	UserID      uuid.UUID       `json:"user_id"`
	Currency    Currency        `json:"currency"`
	Initial     decimal.Decimal `json:"initial"`
	Earned      decimal.Decimal `json:"earned"`
	ManualBonus decimal.Decimal `json:"manual_bonus"`
	Decayed     decimal.Decimal `json:"decayed"`
	Received    decimal.Decimal `json:"received"`
	Given       decimal.Decimal `json:"given"`
	Refunded    decimal.Decimal `json:"refunded"`
	LastAnchor  time.Time       `json:"last_anchor"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

// NewScoreAccount returns an empty account anchored at now. Version starts at 0
// and becomes 1 on first write.
func NewScoreAccount(userID uuid.UUID, currency Currency, now time.Time) *ScoreAccount {
	return &ScoreAccount{
		UserID:      userID,
		Currency:    currency,
		Initial:     decimal.Zero,
		Earned:      decimal.Zero,
		ManualBonus: decimal.Zero,
		Decayed:     decimal.Zero,
		Received:    decimal.Zero,
		Given:       decimal.Zero,
		Refunded:    decimal.Zero,
		LastAnchor:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Total is initial + earned + manual_bonus + received + refunded - given - decayed.
// It may be negative.
func (a *ScoreAccount) Total() decimal.Decimal {
	return a.Initial.
		Add(a.Earned).
		Add(a.ManualBonus).
		Add(a.Received).
		Add(a.Refunded).
		Sub(a.Given).
		Sub(a.Decayed)
}

// Closed reports whether the account was zeroed on removal.
func (a *ScoreAccount) Closed() bool { return a.ClosedAt != nil }

// Clone returns a deep copy safe to mutate.
func (a *ScoreAccount) Clone() *ScoreAccount {
	cp := *a
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
