package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a collaborator service (swipe/match/referral detectors,
// the payment collaborator) on the write API.
type APIKey struct {
	ID           uuid.UUID `json:"id"`
	Collaborator string    `json:"collaborator"`
	KeyHash      string    `json:"-"`
	KeyPrefix    string    `json:"key_prefix"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}
