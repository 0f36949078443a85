// Package decay projects a persisted score baseline forward in time.
//
// Nothing here mutates state: every reader derives the same effective value
// from the same stored total and presence record, so any number of sessions
// can render an identical countdown without coordinating. Storage only changes
// when the ledger settles a projection.
package decay

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/models"
)

// Mode selects how elapsed offline time turns into decay.
type Mode string

const (
	// ModeWholeMinute decays Rate points per elapsed whole minute.
	ModeWholeMinute Mode = "whole_minute"
	// ModeContinuous decays Rate points per second, truncated to two decimals.
	ModeContinuous Mode = "continuous"
)

// Policy is the decay configuration of one currency.
type Policy struct {
	Mode Mode
	// Rate is points per minute for ModeWholeMinute and per second for ModeContinuous.
	Rate decimal.Decimal
}

// Validate rejects unknown modes and negative rates.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeWholeMinute, ModeContinuous:
	default:
		return fmt.Errorf("unknown decay mode %q", p.Mode)
	}
	if p.Rate.IsNegative() {
		return fmt.Errorf("decay rate must not be negative")
	}
	return nil
}

// Projection is the decay-adjusted view of an account at one instant.
type Projection struct {
	EffectiveTotal decimal.Decimal `json:"effective_total"`
	PendingDecay   decimal.Decimal `json:"pending_decay"`
	IsDecaying     bool            `json:"is_decaying"`
	// Since is where the decay clock started; zero while online.
	Since time.Time `json:"since,omitempty"`
	// Consumed is the clock time PendingDecay accounts for. For whole-minute
	// decay the partial trailing minute is not consumed.
	Consumed time.Duration `json:"-"`
}

// Project computes the effective total of a at now given the owner's presence.
// The decay clock starts at the later of the last offline transition and the
// account's last anchor, so decay already settled is never counted twice.
func Project(p Policy, a *models.ScoreAccount, pr models.PresenceRecord, now time.Time) Projection {
	total := a.Total()
	out := Projection{EffectiveTotal: total, PendingDecay: decimal.Zero}
	if pr.IsOnline {
		return out
	}

	since := a.LastAnchor
	if pr.LastSeenAt.After(since) {
		since = pr.LastSeenAt
	}
	if since.IsZero() {
		return out
	}
	out.Since = since

	elapsed := now.Sub(since)
	if elapsed <= 0 || !p.Rate.IsPositive() {
		return out
	}

	var pending decimal.Decimal
	switch p.Mode {
	case ModeContinuous:
		seconds := decimal.New(elapsed.Milliseconds(), -3)
		pending = seconds.Mul(p.Rate).Truncate(2)
		out.Consumed = elapsed
	default:
		minutes := int64(elapsed / time.Minute)
		pending = decimal.NewFromInt(minutes).Mul(p.Rate)
		out.Consumed = time.Duration(minutes) * time.Minute
	}

	out.PendingDecay = pending
	out.EffectiveTotal = total.Sub(pending)
	out.IsDecaying = pending.IsPositive()
	return out
}

// TimeBank converts a total into minutes of gated activity. Negative totals
// convert to zero minutes.
func TimeBank(total, minutesPerPoint decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	return total.Mul(minutesPerPoint)
}
