package decay

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func reputationPolicy() Policy {
	return Policy{Mode: ModeWholeMinute, Rate: decimal.NewFromInt(1)}
}

func creditPolicy() Policy {
	return Policy{Mode: ModeContinuous, Rate: decimal.RequireFromString("0.01")}
}

func accountWithTotal(total int64, anchor time.Time) *models.ScoreAccount {
	a := models.NewScoreAccount(uuid.New(), models.CurrencyReputation, anchor)
	a.Initial = decimal.NewFromInt(total)
	return a
}

func offlineSince(at time.Time) models.PresenceRecord {
	return models.PresenceRecord{IsOnline: false, LastSeenAt: at}
}

// ---------------------------------------------------------------------------
// Scenario: total=10, offline at t=0, read at t=300s.
// ---------------------------------------------------------------------------

func TestProject_FiveMinutesOffline(t *testing.T) {
	a := accountWithTotal(10, t0)
	p := Project(reputationPolicy(), a, offlineSince(t0), t0.Add(300*time.Second))

	if !p.EffectiveTotal.Equal(decimal.NewFromInt(5)) {
		t.Errorf("effective total: got %s, want 5", p.EffectiveTotal)
	}
	if !p.PendingDecay.Equal(decimal.NewFromInt(5)) {
		t.Errorf("pending decay: got %s, want 5", p.PendingDecay)
	}
	if !p.IsDecaying {
		t.Error("expected isDecaying=true")
	}
	if p.Consumed != 5*time.Minute {
		t.Errorf("consumed: got %s, want 5m", p.Consumed)
	}
}

func TestProject_PartialMinuteIsFloored(t *testing.T) {
	a := accountWithTotal(10, t0)
	p := Project(reputationPolicy(), a, offlineSince(t0), t0.Add(119*time.Second))

	if !p.PendingDecay.Equal(decimal.NewFromInt(1)) {
		t.Errorf("pending decay: got %s, want 1", p.PendingDecay)
	}
	if p.Consumed != time.Minute {
		t.Errorf("consumed: got %s, want 1m", p.Consumed)
	}

	p = Project(reputationPolicy(), a, offlineSince(t0), t0.Add(59*time.Second))
	if !p.PendingDecay.IsZero() || p.IsDecaying {
		t.Errorf("under a minute should not decay, got pending=%s decaying=%v", p.PendingDecay, p.IsDecaying)
	}
}

func TestProject_OnlineFreeze(t *testing.T) {
	a := accountWithTotal(10, t0)
	online := models.PresenceRecord{IsOnline: true, LastSeenAt: t0.Add(-time.Hour)}

	start := Project(reputationPolicy(), a, online, t0)
	end := Project(reputationPolicy(), a, online, t0.Add(6*time.Hour))

	if !start.EffectiveTotal.Equal(end.EffectiveTotal) {
		t.Errorf("online total changed: %s -> %s", start.EffectiveTotal, end.EffectiveTotal)
	}
	if end.IsDecaying || !end.PendingDecay.IsZero() {
		t.Error("online account must not decay")
	}
}

func TestProject_Monotonic(t *testing.T) {
	for _, pol := range []Policy{reputationPolicy(), creditPolicy()} {
		a := accountWithTotal(50, t0)
		prev := Project(pol, a, offlineSince(t0), t0)
		for s := 1; s <= 4000; s += 7 {
			cur := Project(pol, a, offlineSince(t0), t0.Add(time.Duration(s)*time.Second))
			if cur.EffectiveTotal.GreaterThan(prev.EffectiveTotal) {
				t.Fatalf("%s: effective total increased at %ds: %s -> %s", pol.Mode, s, prev.EffectiveTotal, cur.EffectiveTotal)
			}
			prev = cur
		}
	}
}

func TestProject_AnchorAfterLastSeen(t *testing.T) {
	// A sweep settled decay up to t0+10m while the user stayed offline since t0.
	a := accountWithTotal(10, t0.Add(10*time.Minute))
	p := Project(reputationPolicy(), a, offlineSince(t0), t0.Add(12*time.Minute))

	if !p.PendingDecay.Equal(decimal.NewFromInt(2)) {
		t.Errorf("pending decay: got %s, want 2 (clock starts at anchor)", p.PendingDecay)
	}
	if !p.Since.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("since: got %s", p.Since)
	}
}

func TestProject_NoPresenceRecordUsesAnchor(t *testing.T) {
	a := accountWithTotal(10, t0)
	p := Project(reputationPolicy(), a, models.PresenceRecord{}, t0.Add(3*time.Minute))
	if !p.PendingDecay.Equal(decimal.NewFromInt(3)) {
		t.Errorf("pending decay: got %s, want 3", p.PendingDecay)
	}
}

func TestProject_NegativeTotalsAreNotFloored(t *testing.T) {
	a := accountWithTotal(2, t0)
	p := Project(reputationPolicy(), a, offlineSince(t0), t0.Add(5*time.Minute))
	if !p.EffectiveTotal.Equal(decimal.NewFromInt(-3)) {
		t.Errorf("effective total: got %s, want -3", p.EffectiveTotal)
	}
}

func TestProject_ContinuousTwoDecimals(t *testing.T) {
	a := accountWithTotal(10, t0)
	// 90.5s * 0.01/s = 0.905 -> truncated to 0.90
	p := Project(creditPolicy(), a, offlineSince(t0), t0.Add(90500*time.Millisecond))
	if !p.PendingDecay.Equal(decimal.RequireFromString("0.90")) {
		t.Errorf("pending decay: got %s, want 0.90", p.PendingDecay)
	}
	if !p.EffectiveTotal.Equal(decimal.RequireFromString("9.10")) {
		t.Errorf("effective total: got %s, want 9.10", p.EffectiveTotal)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := (Policy{Mode: "hourly", Rate: decimal.NewFromInt(1)}).Validate(); err == nil {
		t.Error("expected unknown mode error")
	}
	if err := (Policy{Mode: ModeWholeMinute, Rate: decimal.NewFromInt(-1)}).Validate(); err == nil {
		t.Error("expected negative rate error")
	}
	if err := reputationPolicy().Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTimeBank(t *testing.T) {
	tests := []struct {
		total, perPoint, want string
	}{
		{"10", "1", "10"},
		{"10", "2.5", "25"},
		{"0", "1", "0"},
		{"-4", "1", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.total+"x"+tt.perPoint, func(t *testing.T) {
			got := TimeBank(decimal.RequireFromString(tt.total), decimal.RequireFromString(tt.perPoint))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("TimeBank = %s, want %s", got, tt.want)
			}
		})
	}
}
