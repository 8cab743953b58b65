package domain

import "time"

// SubscriptionState is the lifecycle state of the push subscription.
type SubscriptionState string

const (
	SubscriptionAbsent   SubscriptionState = "absent"
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionExpiring SubscriptionState = "expiring"
	SubscriptionRenewed  SubscriptionState = "renewed"
	SubscriptionLapsed   SubscriptionState = "lapsed"
)

// Live reports whether push delivery is expected in this state.
func (s SubscriptionState) Live() bool {
	return s == SubscriptionActive || s == SubscriptionExpiring || s == SubscriptionRenewed
}

// SubscriptionRecord is the persisted subscription state. It has a single
// owner, the ingestion coordinator.
type SubscriptionRecord struct {
	ID        string            `json:"id"`
	State     SubscriptionState `json:"state"`
	ExpiresAt time.Time         `json:"expires_at"`
	RenewedAt time.Time         `json:"renewed_at"`
	LastError string            `json:"last_error,omitempty"`
}

// SourceAttachment is a file attached to a mailbox item.
type SourceAttachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// SourceItem is an inbound mailbox message.
type SourceItem struct {
	ID                string
	InternetMessageID string
	SenderAddress     string
	SenderName        string
	Subject           string
	ReceivedAt        time.Time
	HasAttachments    bool
}
