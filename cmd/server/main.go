// Command server runs the marketplace messaging API and its WebSocket gateway.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/tbourn/go-market-chat/internal/auth"
	"github.com/tbourn/go-market-chat/internal/config"
	httpapi "github.com/tbourn/go-market-chat/internal/http"
	"github.com/tbourn/go-market-chat/internal/observability"
	"github.com/tbourn/go-market-chat/internal/push"
	"github.com/tbourn/go-market-chat/internal/realtime"
	"github.com/tbourn/go-market-chat/internal/repo"
	"github.com/tbourn/go-market-chat/internal/services"
	"github.com/tbourn/go-market-chat/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	purgeInterval   = time.Hour
	shutdownTimeout = 15 * time.Second
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	instance := sysutil.InstanceID()
	logger := sysutil.SetupLogger(sysutil.LogOptions{
		Level:    cfg.LogLevel,
		Pretty:   cfg.LogPretty,
		Service:  cfg.OTEL.ServiceName,
		Instance: instance,
	})
	if envErr != nil {
		logger.Debug().Msg("no .env file, using process environment")
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, observability.ServiceInfo{
		Version:  version,
		Instance: instance,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}

	db, err := repo.Open(cfg.DB)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}
	if err := repo.InstrumentTracing(db); err != nil {
		logger.Warn().Err(err).Msg("gorm tracing disabled")
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal().Err(err).Msg("database handle")
	}

	verifier := auth.NewVerifier(cfg.JWT)

	// The gateway authorizes joins through the conversation service, and the
	// service announces block changes through the gateway.
	conversations := services.NewConversationService(db, nil)
	hub := realtime.NewHub(cfg.Gateway, verifier, conversations, realtime.WithLogger(logger))
	conversations.Broadcaster = hub

	var bridge *realtime.Bridge
	if cfg.Redis.URL != "" {
		bridge, err = realtime.NewBridge(ctx, cfg.Redis, instance)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		bridge.Attach(ctx, hub)
		logger.Info().Str("channel", cfg.Redis.Channel).Str("bridge_instance", bridge.Instance()).Msg("cross-instance fan-out enabled")
	}

	deliverer, err := push.New(cfg.Push)
	if err != nil {
		logger.Fatal().Err(err).Msg("init push")
	}
	if !cfg.Push.Enabled() {
		logger.Warn().Msg("VAPID keys missing, push notifications disabled")
	}
	pushes := services.NewPushService(db, deliverer)

	messages := services.NewMessageService(db, conversations, hub, pushes)
	messages.MaxContentRunes = cfg.MessageMaxRunes
	messages.IdempotencyTTL = cfg.IdempotencyTTL
	reactions := services.NewReactionService(db, conversations, hub)

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:            db,
		Verifier:      verifier,
		Gateway:       hub,
		Conversations: conversations,
		Messages:      messages,
		Reactions:     reactions,
		Push:          pushes,
	}, cfg)

	go purgeLoop(ctx, messages)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
	hub.Stop()
	if bridge != nil {
		errs = multierr.Append(errs, bridge.Close())
	}
	errs = multierr.Append(errs, otelShutdown(shutdownCtx))
	errs = multierr.Append(errs, sqlDB.Close())
	if errs != nil {
		logger.Error().Err(errs).Msg("shutdown")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}

// purgeLoop drops expired idempotency keys until ctx ends.
func purgeLoop(ctx context.Context, messages *services.MessageService) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := messages.PurgeExpiredKeys(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency keys")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("idempotency keys purged")
			}
		}
	}
}
