package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/database"
	"github.com/rkona/roadsense-server/internal/queue"
	"github.com/rkona/roadsense-server/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("Starting Ingest Worker Service...")

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

	if err := db.RunMigrations("migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Confirmation notices go out when the ledger promotes a record
	confirmProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicConfirmations)
	defer confirmProducer.Close()
	notifier := queue.NewConfirmationPublisher(confirmProducer)

	engine := consensus.NewEngine(db, notifier)

	// Create Kafka consumer for raw events
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, "ingest-group")
	defer consumer.Close()
	fmt.Println("Kafka consumer created (registering with broker...)")

	writer := queue.NewEventWriter(consumer, engine)
	ctx := context.Background()
	writer.Start(ctx)
	fmt.Println("Event writer started")

	// Print ingest stats periodically
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			created, merged, errors := writer.Counts()
			fmt.Printf("Ingest stats: Created=%d, Merged=%d, Errors=%d\n", created, merged, errors)
		}
	}()

	fmt.Println("\n✓ Ingest Worker Service is running")
	fmt.Println("✓ Consuming raw events and applying them to the ledger")
	fmt.Println("✓ Press Ctrl+C to stop")
	fmt.Println("\nWaiting for events...")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
	writer.Stop()
	fmt.Println("Ingest Worker Service stopped")
}
