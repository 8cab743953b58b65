package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
)

// SSEStats is sent once per second with the outcome rate since the last one.
type SSEStats struct {
	Rate      float64 `json:"rate"`
	Success   int     `json:"success"`
	Unmatched int     `json:"unmatched"`
	Error     int     `json:"error"`
}

// SSEBroker fans outcome events out to connected operator views. Events carry
// no PII; they are fed by the outcome channel subscription.
type SSEBroker struct {
	logger  *slog.Logger
	clients map[chan []byte]struct{}
	mu      sync.RWMutex
	events  chan domain.OutcomeEvent
}

// NewSSEBroker creates a new SSEBroker and starts its processing loop.
func NewSSEBroker(ctx context.Context, logger *slog.Logger) *SSEBroker {
	broker := &SSEBroker{
		logger:  logger.With("component", "sse_broker"),
		clients: make(map[chan []byte]struct{}),
		events:  make(chan domain.OutcomeEvent, 1000),
	}
	go broker.run(ctx)
	return broker
}

// ServeHTTP handles new client connections for the SSE stream.
func (b *SSEBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messageChan := make(chan []byte, 16)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messageChan:
			if !ok {
				return // Channel was closed
			}
			w.Write(msg)
			flusher.Flush()
		}
	}
}

// Publish queues an outcome for broadcast. It never blocks the caller.
func (b *SSEBroker) Publish(ev domain.OutcomeEvent) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("SSE event channel is full, dropping outcome", "transaction_id", ev.TransactionID)
	}
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *SSEBroker) addClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.logger.Info("SSE client connected")
}

func (b *SSEBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
		b.logger.Info("SSE client disconnected")
	}
}

func (b *SSEBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// A slow client misses messages rather than stalling the others.
		}
	}
}

func frame(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)), nil
}

// run is the main processing loop for the broker.
func (b *SSEBroker) run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var stats SSEStats
	lastTimestamp := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			switch ev.Kind {
			case domain.OutcomeSuccess:
				stats.Success++
			case domain.OutcomeUnmatched:
				stats.Unmatched++
			case domain.OutcomeError:
				stats.Error++
			}
			msg, err := frame("outcome", ev)
			if err != nil {
				b.logger.Error("Failed to marshal SSE outcome", "error", err)
				continue
			}
			b.broadcast(msg)
		case <-ticker.C:
			now := time.Now()
			if d := now.Sub(lastTimestamp).Seconds(); d > 0 {
				stats.Rate = float64(stats.Success+stats.Unmatched+stats.Error) / d
			}
			msg, err := frame("stats", stats)
			if err != nil {
				b.logger.Error("Failed to marshal SSE stats", "error", err)
				continue
			}
			b.broadcast(msg)

			// Reset for the next interval
			lastTimestamp = now
			stats = SSEStats{}
		}
	}
}
