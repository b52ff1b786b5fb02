package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rkona/roadsense-server/internal/cache"
	"github.com/rkona/roadsense-server/internal/database"
	"github.com/rkona/roadsense-server/internal/quality"
	"github.com/rkona/roadsense-server/internal/timer"
	"github.com/rkona/roadsense-server/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("Starting Aggregation Service...")

	// Connect to database
	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

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

	// Create timer scheduler
	scheduler := timer.NewScheduler()
	scheduler.Start()
	defer scheduler.Stop()
	fmt.Println("Timer scheduler started")

	aggregator := quality.NewAggregator(db, snapshotCache)

	// Schedule the periodic quality sweep
	scheduleQualitySweep(ctx, scheduler, aggregator, cfg.Aggregation.SweepInterval)

	fmt.Println("\n✓ Aggregation Service is running")
	fmt.Printf("✓ Sweep interval: %s\n", cfg.Aggregation.SweepInterval)
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}

// scheduleQualitySweep reschedules itself after every run: each sweep
// recomputes exactly the streets whose ledger changed since the previous
// sweep started.
func scheduleQualitySweep(ctx context.Context, sched *timer.Scheduler, agg *quality.Aggregator, interval time.Duration) {
	taskID := "quality-sweep"

	var scheduleNext func(since time.Time)
	scheduleNext = func(since time.Time) {
		nextRun := time.Now().Add(interval)
		fmt.Printf("Next quality sweep scheduled for: %s\n", nextRun.Format("2006-01-02 15:04:05"))

		callback := func() {
			start := time.Now()
			fmt.Println("\n--- Running Quality Sweep ---")
			count, err := agg.RecomputeActiveSince(ctx, since)
			if err != nil {
				log.Printf("Quality sweep failed: %v\n", err)
				// Keep the window open so the next sweep retries it.
				scheduleNext(since)
				return
			}
			fmt.Printf("--- Quality Sweep Complete (%d streets) ---\n", count)

			scheduleNext(start)
		}

		sched.Schedule(taskID, nextRun, callback)
	}

	scheduleNext(time.Now().Add(-interval))
}
