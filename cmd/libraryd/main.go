package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/popraf/librarynet/internal/clients"
	"github.com/popraf/librarynet/internal/config"
	"github.com/popraf/librarynet/internal/db"
	"github.com/popraf/librarynet/internal/events"
	"github.com/popraf/librarynet/internal/httpapi"
	"github.com/popraf/librarynet/internal/obs"
	"github.com/popraf/librarynet/internal/orchestrator"
	"github.com/popraf/librarynet/internal/repo"
	"github.com/popraf/librarynet/internal/workers"
	"github.com/popraf/librarynet/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Library service starting")

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Initialize repositories
	catalogRepo := repo.NewCatalogRepository(database, log)
	reservationRepo := repo.NewReservationRepository(database, log)

	// Connect to RabbitMQ
	log.Info("Connecting to RabbitMQ")
	publisher, err := events.NewPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer publisher.Close()

	// Metrics
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	// Partner availability client
	partnerClient := clients.NewAvailabilityClient(clients.Config{
		BaseURL: cfg.PartnerBaseURL,
		Timeout: cfg.PartnerTimeout,
	}, metrics, log)

	// Reservation orchestrator
	orch := orchestrator.New(database, catalogRepo, reservationRepo, partnerClient, publisher, metrics, log)

	// Reminder worker
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	reminder := workers.NewReminder(reservationRepo, publisher, metrics, cfg.ReminderEvery, cfg.ReminderWindow, log)
	reminder.Start(workerCtx)

	// HTTP server
	server := httpapi.NewServer(database, catalogRepo, reservationRepo, orch, publisher, []byte(cfg.JWTSecret), log)
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
	stopWorker()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Server stopped")
}
