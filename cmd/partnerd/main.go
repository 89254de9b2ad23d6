package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/popraf/librarynet/internal/auth"
	"github.com/popraf/librarynet/internal/config"
	"github.com/popraf/librarynet/internal/partner"
	"github.com/popraf/librarynet/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.LoadPartner()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Partner availability service starting")

	// Open the mock federated catalog
	log.Info("Opening partner catalog", zap.String("path", cfg.SQLitePath))
	store, err := partner.OpenStore(context.Background(), cfg.SQLitePath)
	if err != nil {
		log.Fatal("Failed to open partner catalog", zap.Error(err))
	}
	defer store.Close()

	if err := store.Seed(context.Background(), partner.DefaultSeed()); err != nil {
		log.Fatal("Failed to seed partner catalog", zap.Error(err))
	}

	// Relayed tokens are re-verified against the issuing authority
	introspector := auth.NewIntrospector(cfg.IntrospectURL, cfg.UpstreamTimeout, log)

	// HTTP server
	server := partner.NewServer(store, introspector, cfg.PrimaryBaseURL, cfg.UpstreamTimeout, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      server.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Server stopped")
}
