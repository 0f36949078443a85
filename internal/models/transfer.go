package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferRecord is the immutable record of one settled steal.
// AmountPaid is the external payment and is informational only.
type TransferRecord struct {
	ID               uuid.UUID       `json:"id"`
	PayerID          uuid.UUID       `json:"payer_id"`
	RecipientID      uuid.UUID       `json:"recipient_id"`
	Currency         Currency        `json:"currency"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	ScoreTransferred decimal.Decimal `json:"score_transferred"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TransferSummary aggregates a user's transfers in one currency.
type TransferSummary struct {
	UserID        uuid.UUID       `json:"user_id"`
	Currency      Currency        `json:"currency"`
	Given         decimal.Decimal `json:"given"`
	Received      decimal.Decimal `json:"received"`
	CountGiven    int64           `json:"count_given"`
	CountReceived int64           `json:"count_received"`
}
