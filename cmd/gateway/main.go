package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rkona/roadsense-server/internal/connection"
	"github.com/rkona/roadsense-server/internal/queue"
	"github.com/rkona/roadsense-server/internal/server"
	"github.com/rkona/roadsense-server/internal/timer"
	"github.com/rkona/roadsense-server/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("Starting Gateway Service...")

	// Create Kafka topics
	if err := queue.CreateTopic(
		cfg.Kafka.Brokers,
		cfg.Kafka.TopicEvents,
		cfg.Kafka.NumPartitions,
		1, // replication factor
	); err != nil {
		fmt.Printf("Note: Topic creation failed (may already exist): %v\n", err)
	}

	if err := queue.CreateTopic(
		cfg.Kafka.Brokers,
		cfg.Kafka.TopicConfirmations,
		1, // single partition for confirmations
		1, // replication factor
	); err != nil {
		fmt.Printf("Note: Topic creation failed (may already exist): %v\n", err)
	}

	// Create Kafka producer for raw events
	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	fmt.Println("Kafka producer initialized")

	// Create connection manager
	connManager := connection.NewManager(cfg.TCPServer.MaxConnections)
	fmt.Println("Connection manager initialized")

	// Create timer scheduler for inactivity eviction
	scheduler := timer.NewScheduler()
	scheduler.Start()
	defer scheduler.Stop()
	fmt.Println("Timer scheduler started")

	workerCount := runtime.NumCPU() * 4
	gateway := server.NewGateway(
		&cfg.TCPServer,
		connManager,
		scheduler,
		producer,
		workerCount,
		1000,
	)

	if err := gateway.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}
	defer gateway.Stop()

	// Print statistics periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := connManager.Stats()
			fmt.Printf("\n--- Gateway Statistics ---\n")
			fmt.Printf("Active Connections: %d / %d\n", stats.TotalConnections, stats.MaxConnections)
			fmt.Printf("Unique Devices: %d\n", stats.UniqueDevices)
			fmt.Printf("Pending Timers: %d\n", scheduler.Pending())
			fmt.Printf("--------------------------\n\n")
		}
	}()

	fmt.Println("\n✓ Gateway Service is running")
	fmt.Printf("✓ Listening on port %d\n", cfg.TCPServer.Port)
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
