package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/V4T54L/invoice-router/internal/adapter/repository/blob"
	redisrepo "github.com/V4T54L/invoice-router/internal/adapter/repository/redis"
	"github.com/V4T54L/invoice-router/internal/domain"
)

var senders = []struct{ address, name string }{
	{"billing@knownvendor.com", "Known Vendor Ltd"},
	{"invoices@acme.com", "ACME Inc."},
	{"ap@globex.io", "Globex Corporation"},
	{"noreply@unknown-supplier.net", "Unknown Supplier"},
}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis address or URL")
	attachmentDir := flag.String("attachments", "./data/attachments", "Attachment store directory shared with the consumer")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 100, "Messages per second limit")
	dupRatio := flag.Float64("dup", 0.1, "Fraction of messages that redeliver an earlier source item")
	flag.Parse()

	log.Printf("Starting load test against %s", *redisAddr)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d, Duplicates: %.0f%%", *concurrency, *duration, *rps, *dupRatio*100)

	client, err := redisrepo.NewClient(*redisAddr)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer client.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	queue := redisrepo.NewQueueRepository(client, redisrepo.QueueConfig{}, nil, nil, logger)

	store, err := blob.NewFilesystemStore(*attachmentDir)
	if err != nil {
		log.Fatalf("attachment store: %v", err)
	}
	ref, err := store.Put(context.Background(), []byte("%PDF-1.4\n% synthetic invoice\n"))
	if err != nil {
		log.Fatalf("store attachment: %v", err)
	}

	var wg sync.WaitGroup
	var successCount, errorCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), *rps/10+1)

	var mu sync.Mutex
	var seen []string

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				itemID := uuid.NewString()
				mu.Lock()
				if len(seen) > 0 && rand.Float64() < *dupRatio {
					itemID = seen[rand.IntN(len(seen))]
				} else {
					seen = append(seen, itemID)
				}
				mu.Unlock()

				txID, err := uuid.NewV7()
				if err != nil {
					errorCount.Add(1)
					continue
				}
				s := senders[rand.IntN(len(senders))]
				raw := domain.RawMessage{
					TransactionID:     txID.String(),
					SourceItemID:      itemID,
					InternetMessageID: fmt.Sprintf("<%s@load-tester>", itemID),
					SenderAddress:     s.address,
					SenderName:        s.name,
					Subject:           fmt.Sprintf("Invoice %d from worker %d", time.Now().UnixNano(), workerID),
					AttachmentRef:     ref,
					AttachmentName:    "invoice.pdf",
					ReceivedAt:        time.Now().UTC(),
				}

				if err := queue.Enqueue(ctx, domain.StreamRaw, raw.TransactionID, raw); err != nil {
					if ctx.Err() != nil {
						return
					}
					errorCount.Add(1)
					continue
				}
				successCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	total := successCount.Load() + errorCount.Load()
	log.Println("Load test finished.")
	log.Printf("Total Messages: %d", total)
	log.Printf("Enqueued: %d", successCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", float64(total)/duration.Seconds())
}
