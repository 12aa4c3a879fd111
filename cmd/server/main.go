package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"roomrelay/internal/adapters/httpapi"
	"roomrelay/internal/app"
	"roomrelay/internal/auth"
	"roomrelay/internal/config"
	"roomrelay/internal/store/redispresence"
	"roomrelay/internal/store/sqlite"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	policy := app.PolicyMulti
	if cfg.SessionPolicy == "single" {
		policy = app.PolicySingle
	}

	registry := app.NewRegistry(policy)
	rooms := app.NewRooms(store, registry)
	rooms.SetSeqSeeder(store)
	presence := app.NewPresence(rooms, registry, cfg.PresenceDebounce)
	typing := app.NewTyping(cfg.TypingTTL, nil)
	broadcaster := app.NewBroadcaster(rooms, registry, store, cfg.MaxMessageLen)
	verifier := auth.NewJWTVerifier(cfg.Secret)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, presence mirror disabled")
		} else {
			presence.SetMirror(redispresence.New(rdb))
			log.Info().Str("addr", cfg.RedisAddr).Msg("presence mirror enabled")
		}
	}

	orch := app.NewOrchestrator(registry, rooms, presence, typing, broadcaster, store, verifier, app.KickSlowPolicy{}, app.Options{
		HistoryLimit: cfg.HistoryLimit,
		IdleTimeout:  cfg.IdleTimeout,
	})

	server := httpapi.NewServer(cfg, orch, store, store)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: server.SetupRouter(ctx),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		typing.Run(gctx, cfg.TypingSweep)
		return nil
	})
	g.Go(func() error {
		orch.RunIdleReaper(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("room relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("server exited gracefully")
}
