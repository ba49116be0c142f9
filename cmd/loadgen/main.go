// loadgen seeds the queue with synthetic fetch tasks for smoke and load
// runs against a worker fleet.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"

	"github.com/google/uuid"

	"scrapeq/internal/queue"
)

func main() {
	dbPath := flag.String("db", "scrapeq.db", "Path to the queue database file")
	count := flag.Int("count", 100, "Number of tasks to enqueue")
	taskType := flag.String("type", "fetch", "Task type to enqueue")
	urlBase := flag.String("url-base", "http://localhost:9090/item", "Base URL for synthetic payloads")
	spreadPriority := flag.Bool("spread-priority", true, "Randomise priorities across the supported range")
	flag.Parse()

	store, err := queue.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open queue store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	runID := uuid.NewString()[:8]

	for i := 0; i < *count; i++ {
		payload, _ := json.Marshal(map[string]string{
			"url":         fmt.Sprintf("%s/%d", *urlBase, i),
			"source":      "loadgen",
			"external_id": fmt.Sprintf("%s-%d", runID, i),
		})
		priority := queue.DefaultPriority
		if *spreadPriority {
			priority = rand.Intn(queue.MaxPriority + 1)
		}
		id, err := store.Enqueue(ctx, queue.EnqueueRequest{
			Type:           *taskType,
			Payload:        payload,
			Priority:       priority,
			IdempotencyKey: fmt.Sprintf("loadgen:%s:%d", runID, i),
		})
		if err != nil {
			log.Fatalf("Enqueue %d failed: %v", i, err)
		}
		if (i+1)%100 == 0 || i+1 == *count {
			fmt.Printf("enqueued %d/%d (last id %d)\n", i+1, *count, id)
		}
	}
}
