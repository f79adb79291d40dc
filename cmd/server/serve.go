package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iliyamo/parking-slot-reservation/internal/config"
	"github.com/iliyamo/parking-slot-reservation/internal/database"
	"github.com/iliyamo/parking-slot-reservation/internal/handler"
	"github.com/iliyamo/parking-slot-reservation/internal/middleware"
	"github.com/iliyamo/parking-slot-reservation/internal/queue"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
	"github.com/iliyamo/parking-slot-reservation/internal/router"
	"github.com/iliyamo/parking-slot-reservation/internal/service"
)

func newServeCmd() *cobra.Command {
	var withConsumer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the availability tracker and the expiry reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), withConsumer)
		},
	}
	cmd.Flags().BoolVar(&withConsumer, "with-consumer", false, "also run the event log consumer in this process")
	return cmd
}

func runServe(ctx context.Context, withConsumer bool) error {
	cfg := config.Load() // Load environment config
	logger := config.NewLogger(cfg.Logging)

	rules, err := service.RulesFromConfig(cfg.Policy)
	if err != nil {
		return err
	}

	rdb, err := config.NewRedisClient(config.LoadRedisConfig())
	if err != nil {
		return err
	}
	store := repository.NewRedisSlotStore(rdb, cfg.SlotKeyPrefix, logger)
	store.SetMaxRetries(cfg.Policy.StoreMaxRetries)
	defer store.Close()

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var events service.EventPublisher
	if cfg.Events.Enabled {
		pub := queue.NewPublisher(cfg.Events.URL, logger)
		defer pub.Close()
		buffered := queue.NewBufferedPublisher(pub, 1024, 2*time.Second, logger)
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := buffered.Close(drainCtx); err != nil {
				logger.Warn().Err(err).Msg("slot events left undelivered at shutdown")
			}
		}()
		events = buffered
		if withConsumer {
			go func() {
				if err := queue.StartEventConsumer(ctx, cfg.Events.URL, cfg.Events.LogDir, logger); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("event consumer stopped")
				}
			}()
		}
	}

	reconciler := service.NewReconciler(store, events, logger)
	tracker := service.NewTracker(store, reconciler, logger)
	go func() {
		if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("availability tracker stopped")
		}
	}()

	engine := service.NewEngine(store, tracker, service.Options{
		Rules:         rules,
		CommitTimeout: cfg.Policy.CommitTimeout,
		Events:        events,
		Logger:        logger,
	})

	e := newEcho(logger)
	router.RegisterRoutes(e, tracker)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, repository.NewUserRepo(db), repository.NewTokenRepo(db)), cfg.JWTSecret)
	router.RegisterSlots(e,
		handler.NewSlotHandler(tracker, logger),
		handler.NewReservationHandler(engine),
		cfg.JWTSecret,
		router.SlotRouteOptions{
			RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, logger),
			Cache:     middleware.NewRedisCache(config.LoadCacheConfig(), rdb, logger),
		},
	)

	addr := ":" + cfg.Port // Address string with port
	logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("listening")

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newEcho(logger zerolog.Logger) *echo.Echo {
	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	return e
}
