package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mailbeam/mailbeam/internal/api"
	"github.com/mailbeam/mailbeam/internal/config"
	"github.com/mailbeam/mailbeam/internal/dispatch"
	"github.com/mailbeam/mailbeam/internal/importer"
	"github.com/mailbeam/mailbeam/internal/mailing"
	"github.com/mailbeam/mailbeam/internal/notify"
	"github.com/mailbeam/mailbeam/internal/pkg/distlock"
	"github.com/mailbeam/mailbeam/internal/segment"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, segment cache disabled")
			redisClient = nil
		}
	}

	store := mailing.NewStore(db)
	cache := mailing.NewSegmentCache(redisClient, cfg.Redis.CacheTTL())
	resolver := segment.NewResolver(store, segment.NewPushdownBackend(db), cache, log)

	locks := func(key string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, cfg.Import.LockTTL())
	}
	imp := importer.New(store, cache, locks, cfg.Import.BatchSize, log)

	var notifier notify.Notifier
	if cfg.SES.DryRun {
		notifier = notify.NewLogNotifier(log)
	} else {
		notifier, err = notify.NewSESNotifier(context.Background(),
			cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region,
			cfg.SES.FromEmail, cfg.SES.FromName, log)
		if err != nil {
			// Dispatch will fail with ErrProviderUnavailable; the rest
			// of the API stays up.
			log.Warn().Err(err).Msg("ses notifier unavailable")
			notifier = nil
		}
	}
	if notifier != nil {
		notifier = notify.NewRateLimited(notifier, cfg.Dispatch.SendsPerSecond)
	}

	dispatcher := dispatch.New(store, resolver, notifier,
		cfg.Dispatch.Workers, cfg.Dispatch.SendTimeout(), log)

	srv := api.NewServer(store, resolver, imp, dispatcher, api.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		DevMode:        cfg.Auth.DevMode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: int64(cfg.Import.MaxUploadSizeMB) << 20,
		Cache:          cache,
	}, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
