package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/emberdate/backend/internal/auth"
	"github.com/emberdate/backend/internal/config"
	"github.com/emberdate/backend/internal/dashboard"
	"github.com/emberdate/backend/internal/db"
	"github.com/emberdate/backend/internal/feed"
	"github.com/emberdate/backend/internal/jobs"
	"github.com/emberdate/backend/internal/ledger"
	"github.com/emberdate/backend/internal/metrics"
	"github.com/emberdate/backend/internal/middleware"
	"github.com/emberdate/backend/internal/models"
	"github.com/emberdate/backend/internal/presence"
	"github.com/emberdate/backend/internal/repository"
	"github.com/emberdate/backend/internal/router"
	"github.com/emberdate/backend/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := db.ApplyPool(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(pool), ledger.Config{Currencies: cfg.Currencies}, logger)
	if err != nil {
		slog.Error("Invalid ledger configuration", "error", err)
		os.Exit(1)
	}

	// Feed: with Kafka configured every instance publishes to the topic and
	// consumes it back into its local hub; otherwise the hub is fed directly.
	hub := feed.NewHub(logger)
	var broadcaster *feed.Broadcaster
	if len(cfg.KafkaBrokers) > 0 {
		broadcaster = feed.NewBroadcaster(hub, feed.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		consumer := feed.NewConsumer(feed.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup), hub, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Kafka consumer stopped", "error", err)
			}
		}()
		slog.Info("Score feed fan-out via Kafka", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroup)
	} else {
		broadcaster = feed.NewBroadcaster(hub, nil, logger)
		slog.Warn("KAFKA_BROKERS not set; score updates reach only this instance")
	}
	defer broadcaster.Close()
	ledgerSvc.SetNotifier(broadcaster)

	// Presence: settle offline decay before the user flips online.
	// Sessions are shared with the other instances through the presence
	// tables, so a user connected anywhere reads as online everywhere.
	tracker := presence.NewTracker(presence.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ReapInterval:     cfg.ReapInterval,
		InstanceID:       cfg.InstanceID,
	}, presence.NewPGStore(pool), logger)
	tracker.OnOnline(ledgerSvc.Reconnect)
	tracker.OnChange(func(rec models.PresenceRecord) { hub.PublishPresence(rec) })
	if n, err := tracker.Restore(ctx); err != nil {
		slog.Warn("Presence restore failed; last-seen times start empty", "error", err)
	} else {
		slog.Info("Presence restored", "users", n)
	}
	if err := tracker.Sync(ctx); err != nil {
		slog.Warn("Initial presence sync failed; retrying on the reap interval", "error", err)
	}
	ledgerSvc.SetPresence(tracker)

	// Jobs: the enqueuer inserts through the River client created below.
	noticeRepo := repository.NewNoticeRepo(pool)
	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewDecaySweepWorker(ledgerSvc, logger))
	river.AddWorker(workers, jobs.NewScoreNoticeWorker(noticeRepo))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			jobs.PeriodicSweep(cfg.SweepInterval, cfg.SweepMinAge, cfg.SweepBatch),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	ledgerSvc.SetNoticeEnqueuer(jobs.NewEnqueuer(func(ctx context.Context, args river.JobArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}))

	// Auth
	authSvc := auth.NewService(auth.NewRepository(pool), ledgerSvc, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	dashHandler := dashboard.NewHandler(ledgerSvc, authSvc, noticeRepo, tracker, logger)
	apiV1Router := router.New(authHandler, dashHandler, authSvc, limiter)

	wsCfg := feed.DefaultServerConfig()
	wsCfg.AllowedOrigins = cfg.AllowedOrigins
	wsServer := feed.NewServer(hub, authSvc, tracker, ledgerSvc, wsCfg, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiV1Router)
	mux.Handle("GET /ws", wsServer)
	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Collaborator schema init failed", "error", err)
		os.Exit(1)
	}
	RegisterV1Routes(mux, repository.NewAPIKeyRepo(pool), ledgerSvc, validator, limiter, logger)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"db unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	go func() {
		if err := riverClient.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()
	go tracker.Run(ctx)
	go limiter.Run(ctx, time.Minute)

	serverAddr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           metrics.Instrument(corsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River stop failed", "error", err)
		}
		if err := tracker.Checkpoint(shutdownCtx); err != nil {
			slog.Error("Presence checkpoint failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("Server stopped")
}
