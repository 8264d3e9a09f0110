package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jordimassana/bankfeed/internal/adapter/jsonfeed"
	"github.com/jordimassana/bankfeed/internal/config"
	"github.com/jordimassana/bankfeed/internal/handler"
	"github.com/jordimassana/bankfeed/internal/scrape"
	"github.com/jordimassana/bankfeed/internal/server"
	"github.com/jordimassana/bankfeed/internal/service"
	"github.com/jordimassana/bankfeed/internal/session"
	"github.com/jordimassana/bankfeed/internal/storage"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.Logging.Level)
	defer log.Sync()

	ctx := context.Background()
	log.Info(ctx, "Starting application")

	repo := storage.NewMemoryStore()
	log.Info(ctx, "Repository initialized")

	sess := session.New(log)
	feed := jsonfeed.New(cfg.Feed.BaseURL, sess, cfg.Feed.Proxies, log)
	log.Info(ctx, "Feed adapter initialized",
		"base_url", cfg.Feed.BaseURL,
		"proxies", len(cfg.Feed.Proxies),
	)

	scraper := scrape.New(feed, feed, repo, log, scrape.Config{
		DetailWorkers: cfg.Scrape.DetailWorkers,
		FaultCeiling:  cfg.Scrape.FaultCeiling,
	})
	scrapeService := service.NewScrapeService(repo, scraper, log)
	log.Info(ctx, "Services initialized")

	scrapeHandler := handler.NewScrapeHandler(scrapeService, log)
	healthHandler := handler.NewHealthHandler()
	log.Info(ctx, "Handlers initialized")

	srv := server.New(cfg, log, scrapeHandler, healthHandler)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "Failed to start HTTP server",
				"error", err,
			)
		}
	}()

	log.Info(ctx, "Application started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(ctx, "Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "HTTP server shutdown error",
			"error", err,
		)
	}

	log.Info(ctx, "Application stopped gracefully")
}
