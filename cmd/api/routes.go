package main

import (
	"log/slog"
	"net/http"

	"github.com/emberdate/backend/internal/handlers"
	"github.com/emberdate/backend/internal/middleware"
	"github.com/emberdate/backend/internal/services"
)

// RegisterV1Routes adds the collaborator write API to the given mux.
// Middleware chain: APIKeyAuth -> RateLimiter -> ValidateJSON (body routes) -> handler.
func RegisterV1Routes(
	mux *http.ServeMux,
	apiKeyRepo middleware.APIKeyRepo,
	ledger handlers.ScoreWriter,
	validator *services.Validator,
	limiter *middleware.RateLimiter,
	logger *slog.Logger,
) {
	ch := &handlers.CollaboratorHandler{
		Ledger: ledger,
		Logger: logger.With("component", "collaborator-api"),
	}

	auth := middleware.APIKeyAuth(apiKeyRepo)
	guard := func(h http.Handler) http.Handler {
		return auth(limiter.Handler(h))
	}
	withSchema := func(schema string, h http.HandlerFunc) http.Handler {
		return guard(middleware.ValidateJSON(validator, schema)(h))
	}

	// Action detectors
	mux.Handle("POST /v1/grants", withSchema(services.SchemaGrant, ch.Grant))
	mux.Handle("POST /v1/earned", withSchema(services.SchemaEarned, ch.RecordEarned))
	mux.Handle("POST /v1/manual-bonus", withSchema(services.SchemaManualBonus, ch.ManualBonus))

	// Payment collaborator
	mux.Handle("POST /v1/transfers", withSchema(services.SchemaTransfer, ch.SettleTransfer))
	mux.Handle("POST /v1/refunds", withSchema(services.SchemaRefund, ch.RefundPair))

	mux.Handle("DELETE /v1/accounts/{userID}/{currency}", guard(http.HandlerFunc(ch.CloseAccount)))
}
