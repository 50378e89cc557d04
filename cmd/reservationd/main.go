package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Profusion-AI/cardmint-sub005/internal/clock"
	"github.com/Profusion-AI/cardmint-sub005/internal/config"
	"github.com/Profusion-AI/cardmint-sub005/internal/db"
	"github.com/Profusion-AI/cardmint-sub005/internal/engine"
	"github.com/Profusion-AI/cardmint-sub005/internal/events"
	grpcserver "github.com/Profusion-AI/cardmint-sub005/internal/grpc"
	"github.com/Profusion-AI/cardmint-sub005/internal/httpapi"
	"github.com/Profusion-AI/cardmint-sub005/internal/ratelimit"
	"github.com/Profusion-AI/cardmint-sub005/internal/reconciler"
	"github.com/Profusion-AI/cardmint-sub005/internal/repo"
	"github.com/Profusion-AI/cardmint-sub005/pkg/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Reservation service starting")

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

	clk := clock.Real{}

	// Initialize repository
	reservationRepo := repo.NewReservationRepository(database, clk, log)

	// Connect to RabbitMQ
	log.Info("Connecting to RabbitMQ")
	publisher, err := events.NewPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer publisher.Close()

	// Initialize rate limiter and reservation engine
	limiter := ratelimit.NewLimiter(database, clk, cfg.RateLimitWindow, log)
	eng := engine.NewEngine(reservationRepo, limiter, publisher, clk, log, engine.Options{
		ReservationTTL:     cfg.ReservationTTL,
		MaxItemsPerCall:    cfg.MaxItemsPerCall,
		MaxItemsPerSession: cfg.MaxItemsPerSession,
		MaxHoldWindow:      cfg.MaxHoldWindow,
		RateLimitPerWindow: cfg.RateLimitPerWindow,
	})

	// Start the expiry reconciler
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweeper := reconciler.NewReconciler(reservationRepo, publisher, clk, cfg.SweepInterval, log)
	go sweeper.Run(sweepCtx)

	// Create gRPC server
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(log)),
	)

	// Register health service
	healthServer := grpcserver.NewHealthServer(database, publisher, log)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	go func() {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	// Start HTTP server for the cart API
	httpMux := http.NewServeMux()
	httpapi.NewHandler(eng, database, publisher, log).RegisterRoutes(httpMux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      httpMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
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

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop gRPC server
	grpcServer.GracefulStop()

	// Stop the reconciler
	stopSweep()

	log.Info("Server stopped")
}
