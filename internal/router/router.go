package router

import (
	"net/http"

	"github.com/emberdate/backend/internal/auth"
	"github.com/emberdate/backend/internal/dashboard"
	"github.com/emberdate/backend/internal/middleware"
)

// New returns an http.Handler that serves the user API under /api/v1.
// Auth routes are public; everything else requires a user token and is rate
// limited per user.
func New(authHandler *auth.Handler, dashHandler *dashboard.Handler, tokens middleware.TokenParser, limiter *middleware.RateLimiter) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	public := limiter.Handler
	mux.Handle("POST "+base+"/auth/register", public(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST "+base+"/auth/login", public(http.HandlerFunc(authHandler.Login)))

	userAuth := middleware.UserAuth(tokens)
	user := func(h http.HandlerFunc) http.Handler {
		return userAuth(limiter.Handler(h))
	}

	mux.Handle("GET "+base+"/me", user(dashHandler.GetMe))

	mux.Handle("GET "+base+"/scores/{userID}/{currency}", user(dashHandler.GetScore))
	mux.Handle("GET "+base+"/scores/{userID}/{currency}/snapshot", user(dashHandler.GetSnapshot))
	mux.Handle("GET "+base+"/scores/{userID}/{currency}/entries", user(dashHandler.ListEntries))
	mux.Handle("GET "+base+"/scores/{userID}/{currency}/transfers/summary", user(dashHandler.GetTransferSummary))
	mux.Handle("GET "+base+"/transfers", user(dashHandler.ListTransfers))

	mux.Handle("GET "+base+"/notices", user(dashHandler.ListNotices))
	mux.Handle("POST "+base+"/notices/read", user(dashHandler.MarkNoticesRead))

	mux.Handle("POST "+base+"/presence/heartbeat", user(dashHandler.Heartbeat))
	mux.Handle("POST "+base+"/presence/offline", user(dashHandler.GoOffline))

	return mux
}
