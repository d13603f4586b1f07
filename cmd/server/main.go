package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/config"
	"github.com/stemsi/exroom-backend/internal/database"
	"github.com/stemsi/exroom-backend/internal/gateway"
	"github.com/stemsi/exroom-backend/internal/handler"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/middleware"
	"github.com/stemsi/exroom-backend/internal/repository"
	"github.com/stemsi/exroom-backend/internal/router"
	"github.com/stemsi/exroom-backend/internal/service"
	"github.com/stemsi/exroom-backend/internal/validator"
	ws "github.com/stemsi/exroom-backend/internal/websocket"
	"github.com/stemsi/exroom-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("instance_id", cfg.InstanceID).
		Msg("Starting ExRoom Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	catalog, err := database.NewCatalogDB(pool, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open quiz catalog")
	}

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	roomRepo := repository.NewRoomRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)
	banRepo := repository.NewBanRepository(pool)
	violationRepo := repository.NewViolationRepository(pool)
	quizRepo := repository.NewQuizRepository(catalog)
	stateRepo := repository.NewRoomStateRepository(rdb, cfg.PresenceTTL)

	// ─── Broadcast Hub ─────────────────────────────────────────────────
	hub := ws.NewHub(rdb, cfg.InstanceID, log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go func() {
		if err := hub.Run(hubCtx); err != nil {
			log.Error().Err(err).Msg("Hub relay stopped")
		}
	}()
	select {
	case <-hub.Ready():
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Hub relay not ready, cross-instance broadcasts may be missed")
	}

	// ─── Initialize Services ──────────────────────────────────────────
	clk := clockwork.NewRealClock()
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	submissionService := service.NewSubmissionService(submissionRepo, roomRepo, quizRepo, stateRepo, hub, clk, log)
	violationService := service.NewViolationService(roomRepo, submissionRepo, stateRepo, clk, log)
	roomService := service.NewRoomService(service.RoomDeps{
		Rooms:       roomRepo,
		Bans:        banRepo,
		Quizzes:     quizRepo,
		Presence:    stateRepo,
		Submissions: submissionService,
		Hub:         hub,
		Clock:       clk,
		Log:         log,
	})

	// ─── Session Gateway ──────────────────────────────────────────────
	dispatcher := gateway.NewDispatcher(cfg.CommandTimeout, cfg.RoomMailboxSize, log)
	violationLimiter := middleware.NewRateLimiter(cfg.ViolationsPerMinute, time.Minute)
	gw := gateway.New(gateway.Deps{
		Rooms:       roomService,
		Submissions: submissionService,
		Violations:  violationService,
		Members:     hub,
		Dispatcher:  dispatcher,
		Limiter:     violationLimiter,
		Log:         log,
	})

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Room: handler.NewRoomHandler(roomService, submissionService, log),
		WS:   handler.NewWSHandler(gw, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	violationWorker := worker.NewViolationWorker(violationRepo, rdb, log)
	workerDone := make(chan struct{})
	go func() {
		violationWorker.Start(workerCtx)
		close(workerDone)
	}()

	// ─── Recover Running Rooms ────────────────────────────────────────
	// Overdue rooms are ended and live deadlines re-armed BEFORE accepting
	// traffic, so no timer is missing when clients reconnect.
	recovery := service.NewRecoveryJob(roomService, cfg.RecoverySchedule, log)
	if err := recovery.Start(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule recovery")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r, routeLimiter := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked sockets
	// are not tracked by Shutdown; their read loops end when the process does.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	routeLimiter.Stop()
	violationLimiter.Stop()

	// 2. Drain queued room commands. Deadlines stay in Postgres; another
	// instance or the next start re-arms them through recovery.
	dispatcher.Close()
	roomService.Deadlines().Stop()

	// 3. Stop background workers and wait for the audit queue to flush.
	workerCancel()
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Violation worker did not stop in time")
	}
	hubCancel()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
