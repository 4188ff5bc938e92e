package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/app"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/auth"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/config"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/database"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/handlers"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/logging"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/router"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/service"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/websocket"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.LoadConfig()
	logger := logging.New(cfg.LogLevel, cfg.Environment)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(logger)

	deps, err := app.New(ctx, cfg, logger, hub)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close dependencies")
		}
	}()

	if err := database.Migrate(ctx, deps.Pool); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}

	// Initialize services
	bookingService := service.NewBookingService(deps.Store, deps.Inventory, deps.Gateway, service.Config{
		SessionTTL:          cfg.CheckoutSessionTTL,
		CompensationRetries: cfg.CompensationRetries,
		Broadcaster:         hub,
	}, logger)

	h := handlers.NewHandler(bookingService, deps.Reconciler, deps.Accounts, logger)
	r := router.SetupRouter(h, auth.NewAuthenticator(cfg.JWTSecret, logger), hub, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("API server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
