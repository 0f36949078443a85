package feed

import (
	"sync"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/models"
)

// Key identifies one displayed balance.
type Key struct {
	UserID   uuid.UUID
	Currency models.Currency
}

// Reconciler is the client-side merge shared by push and poll. An update is
// applied only if its version is newer than the one already shown, so
// duplicates and late polls never move the stored total backwards.
//
// Decay changes the effective total without a write, so an update carrying
// the shown version but a later At still refreshes EffectiveTotal.
type Reconciler struct {
	mu      sync.RWMutex
	applied map[Key]models.ScoreUpdate
}

func NewReconciler() *Reconciler {
	return &Reconciler{applied: make(map[Key]models.ScoreUpdate)}
}

// Apply merges u and reports whether it changed the displayed state.
func (r *Reconciler) Apply(u models.ScoreUpdate) bool {
	k := Key{u.UserID, u.Currency}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.applied[k]
	switch {
	case !ok || u.Version > cur.Version:
		r.applied[k] = u
		return true
	case u.Version < cur.Version || !u.At.After(cur.At):
		return false
	}
	changed := !u.EffectiveTotal.Equal(cur.EffectiveTotal)
	cur.EffectiveTotal = u.EffectiveTotal
	cur.At = u.At
	if changed {
		cur.Reason = u.Reason
	}
	r.applied[k] = cur
	return changed
}

func (r *Reconciler) Get(userID uuid.UUID, currency models.Currency) (models.ScoreUpdate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.applied[Key{userID, currency}]
	return u, ok
}

// Snapshot returns a copy of every applied update.
func (r *Reconciler) Snapshot() map[Key]models.ScoreUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Key]models.ScoreUpdate, len(r.applied))
	for k, v := range r.applied {
		out[k] = v
	}
	return out
}
