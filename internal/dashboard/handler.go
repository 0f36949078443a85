package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/emberdate/backend/internal/auth"
	"github.com/emberdate/backend/internal/handlers"
	"github.com/emberdate/backend/internal/ledger"
	"github.com/emberdate/backend/internal/middleware"
	"github.com/emberdate/backend/internal/models"
)

// ScoreReader is the read side of the ledger.
type ScoreReader interface {
	GetEffectiveScore(ctx context.Context, userID uuid.UUID, currency models.Currency) (*ledger.EffectiveScore, error)
	GetAccountSnapshot(ctx context.Context, userID uuid.UUID, currency models.Currency) (*ledger.Snapshot, error)
	CurrentScores(ctx context.Context, userID uuid.UUID) ([]models.ScoreUpdate, error)
	TransferSummary(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.TransferSummary, error)
	ListTransfers(ctx context.Context, userID uuid.UUID, currency models.Currency, cursor string, limit int) ([]*models.TransferRecord, string, error)
	ListEntries(ctx context.Context, userID uuid.UUID, currency models.Currency, limit int) ([]*models.LedgerEntry, error)
}

type UserReader interface {
	GetUser(ctx context.Context, id uuid.UUID) (*auth.User, error)
}

type NoticeReader interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Notice, error)
	MarkRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
}

// PresenceControl lets clients without a websocket report presence over HTTP.
type PresenceControl interface {
	MarkOnline(ctx context.Context, userID uuid.UUID) error
	MarkOffline(ctx context.Context, userID uuid.UUID)
	Get(userID uuid.UUID) models.PresenceRecord
}

// Handler serves the user-facing /api/v1 read API. Every route expects
// middleware.UserAuth in front of it.
type Handler struct {
	scores   ScoreReader
	users    UserReader
	notices  NoticeReader
	presence PresenceControl
	log      *slog.Logger
}

func NewHandler(scores ScoreReader, users UserReader, notices NoticeReader, presence PresenceControl, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{scores: scores, users: users, notices: notices, presence: presence, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

// accountPath parses {userID} and {currency}.
func accountPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, models.Currency, bool) {
	id, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, "", false
	}
	return id, models.Currency(r.PathValue("currency")), true
}

// GET /api/v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	me := middleware.UserIDFromCtx(r.Context())
	u, err := h.users.GetUser(r.Context(), me)
	if err != nil {
		h.log.Error("get user failed", "user_id", me, "error", err)
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	scores, err := h.scores.CurrentScores(r.Context(), me)
	if err != nil {
		handlers.WriteLedgerError(w, h.log, err)
		return
	}
	if scores == nil {
		scores = []models.ScoreUpdate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":     u,
		"scores":   scores,
		"presence": h.presence.Get(me),
	})
}

// GET /api/v1/scores/{userID}/{currency}
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	userID, currency, ok := accountPath(w, r)
	if !ok {
		return
	}
	score, err := h.scores.GetEffectiveScore(r.Context(), userID, currency)
	if err != nil {
		handlers.WriteLedgerError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// GET /api/v1/scores/{userID}/{currency}/snapshot is the polling backstop of
// the push feed.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, currency, ok := accountPath(w, r)
	if !ok {
		return
	}
	snap, err := h.scores.GetAccountSnapshot(r.Context(), userID, currency)
	if err != nil {
		handlers.WriteLedgerError(w, h.log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, snap)
}

// GET /api/v1/scores/{userID}/{currency}/transfers/summary
func (h *Handler) GetTransferSummary(w http.ResponseWriter, r *http.Request) {
	userID, currency, ok := accountPath(w, r)
	if !ok {
		return
	}
	sum, err := h.scores.TransferSummary(r.Context(), userID, currency)
	if err != nil {
		handlers.WriteLedgerError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /api/v1/scores/{userID}/{currency}/entries is limited to the owner.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, currency, ok := accountPath(w, r)
	if !ok {
		return
	}
	if userID != middleware.UserIDFromCtx(r.Context()) {
		writeError(w, http.StatusForbidden, "entries are private")
		return
	}
	entries, err := h.scores.ListEntries(r.Context(), userID, currency, queryLimit(r))
	if err != nil {
		handlers.WriteLedgerError(w, h.log, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/v1/transfers?currency=&cursor=&limit=
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	me := middleware.UserIDFromCtx(r.Context())
	q := r.URL.Query()
	currency := models.Currency(q.Get("currency"))
	if currency == "" {
		currency = models.CurrencyReputation
	}
	list, next, err := h.scores.ListTransfers(r.Context(), me, currency, q.Get("cursor"), queryLimit(r))
	if err != nil {
		handlers.WriteLedgerError(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.TransferRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": list, "next_cursor": next})
}

// GET /api/v1/notices
func (h *Handler) ListNotices(w http.ResponseWriter, r *http.Request) {
	me := middleware.UserIDFromCtx(r.Context())
	limit := queryLimit(r)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := h.notices.ListByUser(r.Context(), me, limit)
	if err != nil {
		h.log.Error("list notices failed", "user_id", me, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/v1/notices/read
func (h *Handler) MarkNoticesRead(w http.ResponseWriter, r *http.Request) {
	me := middleware.UserIDFromCtx(r.Context())
	n, err := h.notices.MarkRead(r.Context(), me, time.Now())
	if err != nil {
		h.log.Error("mark notices read failed", "user_id", me, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

// POST /api/v1/presence/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	me := middleware.UserIDFromCtx(r.Context())
	if err := h.presence.MarkOnline(r.Context(), me); err != nil {
		// The user stays offline; decay keeps accruing until a heartbeat succeeds.
		h.log.Warn("heartbeat rejected", "user_id", me, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "presence update failed, retry")
		return
	}
	writeJSON(w, http.StatusOK, h.presence.Get(me))
}

// POST /api/v1/presence/offline
func (h *Handler) GoOffline(w http.ResponseWriter, r *http.Request) {
	me := middleware.UserIDFromCtx(r.Context())
	h.presence.MarkOffline(r.Context(), me)
	writeJSON(w, http.StatusOK, h.presence.Get(me))
}
