package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/emberdate/backend/internal/ledger"
	"github.com/emberdate/backend/internal/middleware"
	"github.com/emberdate/backend/internal/models"
)

// ScoreWriter is the ledger surface exposed to collaborator services.
type ScoreWriter interface {
	GrantInitial(ctx context.Context, userID uuid.UUID, currency models.Currency, amount decimal.Decimal) (*models.ScoreAccount, error)
	ApplyEvent(ctx context.Context, ev ledger.Event) (*models.ScoreAccount, error)
	ApplyManualBonus(ctx context.Context, userID uuid.UUID, currency models.Currency, amount decimal.Decimal, reason string) (*models.ScoreAccount, error)
	SettleTransfer(ctx context.Context, payerID, recipientID uuid.UUID, currency models.Currency, scoreAmount, paidAmount decimal.Decimal) (*models.TransferRecord, error)
	RefundPair(ctx context.Context, userA, userB uuid.UUID, currency models.Currency, amountEach decimal.Decimal) (*models.ScoreAccount, *models.ScoreAccount, error)
	CloseAccount(ctx context.Context, userID uuid.UUID, currency models.Currency) (*models.ScoreAccount, error)
}

// CollaboratorHandler serves the /v1 write API used by the action detectors
// and the payment collaborator.
type CollaboratorHandler struct {
	Ledger ScoreWriter
	Logger *slog.Logger
}

type accountResponse struct {
	*models.ScoreAccount
	Total decimal.Decimal `json:"total"`
}

func toResponse(a *models.ScoreAccount) accountResponse {
	return accountResponse{ScoreAccount: a, Total: a.Total()}
}

func (h *CollaboratorHandler) log() *slog.Logger {
	l := h.Logger
	if l == nil {
		l = slog.Default()
	}
	return l
}

func (h *CollaboratorHandler) caller(r *http.Request) string {
	if k := middleware.APIKeyFromCtx(r.Context()); k != nil {
		return k.Collaborator
	}
	return ""
}

// --- POST /v1/grants ---

type grantRequest struct {
	UserID   uuid.UUID       `json:"user_id"`
	Currency models.Currency `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

func (h *CollaboratorHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid JSON or missing user_id")
		return
	}
	a, err := h.Ledger.GrantInitial(r.Context(), req.UserID, req.Currency, req.Amount)
	if err != nil {
		WriteLedgerError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(a))
}

// --- POST /v1/earned ---

type earnedRequest struct {
	UserID     uuid.UUID       `json:"user_id"`
	Currency   models.Currency `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	SourceKind string          `json:"source_kind"`
	Correction bool            `json:"correction"`
}

// RecordEarned accepts qualifying actions (swipes, matches, referrals). A
// negative amount is only accepted with correction set.
func (h *CollaboratorHandler) RecordEarned(w http.ResponseWriter, r *http.Request) {
	var req earnedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid JSON or missing user_id")
		return
	}
	if req.SourceKind == "" {
		writeError(w, http.StatusBadRequest, "source_kind is required")
		return
	}
	a, err := h.Ledger.ApplyEvent(r.Context(), ledger.Event{
		UserID:     req.UserID,
		Currency:   req.Currency,
		Kind:       models.EntryEarned,
		Delta:      req.Amount,
		SourceKind: req.SourceKind,
		Correction: req.Correction,
	})
	if err != nil {
		WriteLedgerError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(a))
}

// --- POST /v1/manual-bonus ---

type manualBonusRequest struct {
	UserID   uuid.UUID       `json:"user_id"`
	Currency models.Currency `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
}

func (h *CollaboratorHandler) ManualBonus(w http.ResponseWriter, r *http.Request) {
	var req manualBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid JSON or missing user_id")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	a, err := h.Ledger.ApplyManualBonus(r.Context(), req.UserID, req.Currency, req.Amount, req.Reason)
	if err != nil {
		WriteLedgerError(w, h.log(), err)
		return
	}
	h.log().Info("manual bonus applied", "user_id", req.UserID, "currency", req.Currency,
		"amount", req.Amount.String(), "reason", req.Reason, "collaborator", h.caller(r))
	writeJSON(w, http.StatusOK, toResponse(a))
}

// --- POST /v1/transfers ---

type transferRequest struct {
	PayerID     uuid.UUID       `json:"payer_id"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	Currency    models.Currency `json:"currency"`
	ScoreAmount decimal.Decimal `json:"score_amount"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
}

// SettleTransfer is called by the payment collaborator once the off-band
// payment is verified.
func (h *CollaboratorHandler) SettleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PayerID == uuid.Nil || req.RecipientID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "payer_id and recipient_id are required")
		return
	}
	rec, err := h.Ledger.SettleTransfer(r.Context(), req.PayerID, req.RecipientID, req.Currency, req.ScoreAmount, req.PaidAmount)
	if err != nil {
		WriteLedgerError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// --- POST /v1/refunds ---

type refundRequest struct {
	UserA      uuid.UUID       `json:"user_a"`
	UserB      uuid.UUID       `json:"user_b"`
	Currency   models.Currency `json:"currency"`
	AmountEach decimal.Decimal `json:"amount_each"`
}

func (h *CollaboratorHandler) RefundPair(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserA == uuid.Nil || req.UserB == uuid.Nil {
		writeError(w, http.StatusBadRequest, "user_a and user_b are required")
		return
	}
	a, b, err := h.Ledger.RefundPair(r.Context(), req.UserA, req.UserB, req.Currency, req.AmountEach)
	if err != nil {
		WriteLedgerError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]accountResponse{"user_a": toResponse(a), "user_b": toResponse(b)})
}

// --- DELETE /v1/accounts/{userID}/{currency} ---

func (h *CollaboratorHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	a, err := h.Ledger.CloseAccount(r.Context(), userID, models.Currency(r.PathValue("currency")))
	if err != nil {
		WriteLedgerError(w, h.log(), err)
		return
	}
	h.log().Info("account closed", "user_id", userID, "currency", a.Currency, "collaborator", h.caller(r))
	writeJSON(w, http.StatusOK, toResponse(a))
}
