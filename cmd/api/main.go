package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rkona/roadsense-server/internal/alerts"
	"github.com/rkona/roadsense-server/internal/api"
	"github.com/rkona/roadsense-server/internal/cache"
	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/database"
	"github.com/rkona/roadsense-server/internal/quality"
	"github.com/rkona/roadsense-server/internal/queue"
	"github.com/rkona/roadsense-server/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("Starting API Service...")

	// Connect to database
	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

	// Run migrations
	if err := db.RunMigrations("migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Connect to Redis for the snapshot cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	var snapshotCache quality.Cache
	if err := redisClient.Ping(ctx).Err(); err != nil {
		fmt.Printf("Note: Redis unavailable, snapshot cache disabled: %v\n", err)
	} else {
		snapshotCache = cache.NewSnapshotCache(redisClient, 24*time.Hour)
		fmt.Println("Connected to Redis")
	}

	// Confirmation notices go out when interactive validations promote a
	// record, same as on the ingest path
	confirmProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicConfirmations)
	defer confirmProducer.Close()
	notifier := queue.NewConfirmationPublisher(confirmProducer)

	engine := consensus.NewEngine(db, notifier)
	aggregator := quality.NewAggregator(db, snapshotCache)
	checker := alerts.NewChecker(alerts.Config{
		StandardRadiusM: cfg.Alerts.StandardRadiusM,
		ElevatedRadiusM: cfg.Alerts.ElevatedRadiusM,
	}, db)

	srv := api.NewServer(engine, db, aggregator, checker)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPServer.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
	}

	go func() {
		fmt.Printf("HTTP server listening on :%d\n", cfg.HTTPServer.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	fmt.Println("\n✓ API Service is running")
	fmt.Printf("✓ Listening on port %d\n", cfg.HTTPServer.Port)
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("HTTP server shutdown: %v\n", err)
	}
	fmt.Println("API Service stopped")
}
