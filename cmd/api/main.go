package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parallel-dialer/internal/auth"
	"parallel-dialer/internal/config"
	"parallel-dialer/internal/dialgroup"
	"parallel-dialer/internal/history"
	"parallel-dialer/internal/numbers"
	"parallel-dialer/internal/telephony"
	"parallel-dialer/pkg/logger"
	"parallel-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// History is optional; without Postgres the coordinator runs purely on
	// the TTL-bounded store.
	var db *sql.DB
	var recorder dialgroup.OutcomeRecorder
	if cfg.HistoryEnabled() {
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		rec, err := history.NewRecorder(db)
		if err != nil {
			log.Error("history init failed", "err", err)
			os.Exit(1)
		}
		recorder = rec
	}

	store, err := dialgroup.NewRedisStore(rdb)
	if err != nil {
		log.Error("store init failed", "err", err)
		os.Exit(1)
	}

	provider := telephony.NewTwilioProvider(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	policy := numbers.NewPolicy(nil, cfg.Dialer.MaxDistanceMiles)

	coordinator := dialgroup.NewCoordinator(store, provider, policy, dialgroup.Options{
		GroupTTL:   cfg.Dialer.GroupTTL,
		Stagger:    cfg.Dialer.Stagger,
		MinNumbers: cfg.Dialer.MinNumbers,
		IDAttempts: cfg.Dialer.IDAttempts,
		History:    recorder,
	})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, cfg, coordinator, rdb, auth.RequireAccessToken(verifier))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", provider.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
