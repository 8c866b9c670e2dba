package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"faceattend/internal/config"
	"faceattend/internal/face"
	"faceattend/internal/profile"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

// Worker consumes sample messages and refreshes the stored embedding
// average for the touched profile. Keeping the recompute off the
// interactive path means the mean can go briefly stale; matching never
// depends on it.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "faceattend:samples")
	}

	profiles := profile.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "sample" {
			continue
		}

		identityID := string(msg.Body)
		log.Printf("recomputing average for %s", identityID)

		if err := profiles.RecomputeAverage(ctx, identityID); err != nil {
			switch {
			case errors.Is(err, profile.ErrNotFound):
				log.Printf("profile %s gone, skipping", identityID)
			case errors.Is(err, face.ErrDimensionMismatch):
				// Corrupt samples must not poison the stored average.
				log.Printf("profile %s has mismatched samples, average left untouched: %v", identityID, err)
			default:
				log.Printf("recompute for %s failed: %v", identityID, err)
			}
			continue
		}

		log.Printf("profile %s average refreshed", identityID)
		time.Sleep(10 * time.Millisecond)
	}

	log.Println("worker stopped")
}
