package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dfci-online/luminate-cookbook/internal/api"
	"github.com/dfci-online/luminate-cookbook/internal/authstate"
	"github.com/dfci-online/luminate-cookbook/internal/browser"
	"github.com/dfci-online/luminate-cookbook/internal/config"
	"github.com/dfci-online/luminate-cookbook/internal/pagebuilder"
	"github.com/dfci-online/luminate-cookbook/internal/ratelimit"
	"github.com/dfci-online/luminate-cookbook/internal/session"
	"github.com/dfci-online/luminate-cookbook/internal/stream"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	log.Info("Starting Luminate Cookbook...")

	// Browser automation runtime.
	launcher := browser.NewLauncher(browser.Config{
		LoginURL:         cfg.LoginURL,
		ImageLibraryURL:  cfg.ImageLibraryURL,
		ImageBaseURL:     cfg.ImageBaseURL,
		Headless:         cfg.Headless,
		OperationTimeout: cfg.OperationTimeout,
	}, log)
	if err := launcher.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start browser automation runtime")
	}
	defer launcher.Stop()
	log.Info("Browser automation runtime ready")

	// Saved-login persistence.
	authStore, err := authstate.NewStore(cfg.AuthStateDir, cfg.AuthStateTTL)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize auth state store")
	}

	// Session lifecycle manager.
	registry := session.NewRegistry(cfg.MaxSessions)
	factory := func(ctx context.Context, storageStatePath string) (session.AutomationContext, error) {
		return launcher.NewContext(ctx, storageStatePath)
	}
	manager := session.NewManager(registry, factory, authStore, session.Options{
		SessionTTL:       cfg.SessionTTL,
		SecondFactorWait: cfg.SecondFactorWait,
		CleanupInterval:  cfg.CleanupInterval,
		RemovalGrace:     cfg.RemovalGrace,
		Workers:          cfg.AutomationWorkers,
	}, log)
	log.WithFields(logrus.Fields{
		"capacity": cfg.MaxSessions,
		"ttl":      cfg.SessionTTL,
	}).Info("Session manager initialized")

	// Background cleanup sweep.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go manager.Run(sweepCtx)

	decomposer := pagebuilder.New(cfg.SiteBaseURL, log)
	limiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	manager.OnSweep(func(time.Time) { limiter.Prune(time.Hour) })
	streamServer := stream.NewServer(manager, time.Second, log)

	handler := api.NewHandler(manager, decomposer, log)
	router := handler.SetupRoutes(streamServer, limiter, cfg.RateLimitPerHour, log)
	log.Info("HTTP routes configured")

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gracefully...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	// Close any browser sessions still alive.
	manager.Shutdown()
	log.Info("Server stopped cleanly")
}
