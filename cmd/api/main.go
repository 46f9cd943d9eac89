package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hexpulse/api/internal/app"
	"hexpulse/api/internal/config"
	"hexpulse/api/internal/hexgrid"
	"hexpulse/api/internal/logging"
	"hexpulse/api/internal/session"
	"hexpulse/api/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	migrations, err := store.MigrationSource(cfg.MigrationsDir)
	if err != nil {
		logging.Fatal().Err(err).Msg("migration source unavailable")
	}
	if err := store.ApplyMigrations(ctx, db, migrations, cfg.MigrationTimeout); err != nil {
		logging.Fatal().Err(err).Msg("migrations failed")
	}

	guardCfg := store.DefaultGuardConfig()
	guardCfg.Timeout = cfg.StoreTimeout
	dataStore := store.NewPostgresStore(db, guardCfg)

	opts := app.Options{Grid: hexgrid.NewH3()}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logging.Info().Msg("using redis for session lookup with postgres fallback")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logging.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		opts.Sessions = session.Chain{redisStore, dataStore}
	} else {
		logging.Info().Msg("using postgres for session lookup")
	}
	if cfg.SessionSecret == "" {
		logging.Warn().Msg("SESSION_SECRET is empty; session hashes are unkeyed")
	}
	if cfg.OperatorKeyHash == "" {
		logging.Warn().Msg("OPERATOR_KEY_HASH is empty; operator routes are disabled")
	}

	service := app.New(cfg, dataStore, opts)
	httpServer := app.NewHTTPServer(service, app.ServerOptions{
		CORSOrigin:     cfg.CORSOrigin,
		SubmitIPLimit:  cfg.SubmitIPLimit,
		SubmitIPWindow: cfg.SubmitIPWindow,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.Info().
			Str("addr", cfg.Addr).
			Int("k", cfg.KThreshold).
			Float64("noise_b", cfg.NoiseScale).
			Msg("hexpulse api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown error")
	}
}
