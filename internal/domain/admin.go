package domain

import "time"

// ConsumerGroupInfo describes a stage's consumer group on its queue.
type ConsumerGroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	Lag             int64  `json:"lag"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// PendingMessageDetail is a leased, unacknowledged queue entry.
type PendingMessageDetail struct {
	ID         string        `json:"id"`
	Consumer   string        `json:"consumer"`
	IdleTime   time.Duration `json:"idle_time_ms"`
	RetryCount int64         `json:"retry_count"`
}

// PoisonEntry is a message parked after exhausting its attempts.
type PoisonEntry struct {
	ID             string    `json:"id"`
	OriginalStream string    `json:"original_stream"`
	Group          string    `json:"group"`
	Reason         string    `json:"reason"`
	FailedAt       time.Time `json:"failed_at"`
	Envelope       Envelope  `json:"envelope"`
}
