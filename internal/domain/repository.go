package domain

import (
	"context"
	"time"
)

// QueueRepository is a durable at-least-once queue with per-group leases.
// Entries read but not acknowledged within the lease become visible again.
type QueueRepository interface {
	// Enqueue appends a message body to stream.
	Enqueue(ctx context.Context, stream, txID string, body any) error

	// Read returns up to count envelopes for consumer, including entries whose
	// lease expired and delayed retries that have come due.
	Read(ctx context.Context, stream, group, consumer string, count int) ([]Envelope, error)

	// Ack marks envelopes as done for group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Retry acknowledges env and schedules a copy with the next attempt number
	// to become visible after delay.
	Retry(ctx context.Context, stream, group string, env Envelope, delay time.Duration) error

	// Poison moves env to the poison stream and acknowledges it.
	Poison(ctx context.Context, stream, group string, env Envelope, reason string) error

	// Requeue appends an existing envelope as a new entry, keeping its
	// attempt and replay flag. Used by operator replay and WAL recovery.
	Requeue(ctx context.Context, stream string, env Envelope) error
}

// AuditLedger is the source of truth for transaction outcomes. The dedup index
// lives alongside it and is only written in the same transaction as a ledger row.
type AuditLedger interface {
	// ClaimFingerprint admits a raw message. On ClaimAcquired a pending audit
	// row exists for rec.TransactionID. rec.Attempts is the delivery attempt;
	// a later attempt of the owning transaction takes over an unexpired claim.
	ClaimFingerprint(ctx context.Context, rec AuditRecord, ttl time.Duration) (Claim, error)

	// RecordDuplicate stores an audit note for a dropped delivery.
	RecordDuplicate(ctx context.Context, note DedupNote) error

	// BeginRouting takes the routing lease for rec.TransactionID, creating the
	// pending row from rec when it is missing. As with claims, a higher
	// rec.Attempts takes over a lease that has not expired yet.
	BeginRouting(ctx context.Context, rec AuditRecord, ttl time.Duration) (RoutingLease, error)

	// ReleaseRouting drops a routing lease so a retry can take it immediately.
	ReleaseRouting(ctx context.Context, txID string) error

	// RecordForward stores the downstream acknowledgment of txID. The first
	// recorded ack wins; a lease that finds one skips the forward.
	RecordForward(ctx context.Context, txID, ackID string) error

	// Finalize moves a pending (or missing) row to a final status and mirrors
	// the status into the dedup index. It reports whether this call performed
	// the transition.
	Finalize(ctx context.Context, rec AuditRecord) (bool, error)

	// MarkNotified records that the notify message was enqueued.
	MarkNotified(ctx context.Context, txID string) error

	// Reopen moves an error row back to pending for operator replay.
	Reopen(ctx context.Context, txID string) error

	Get(ctx context.Context, txID string) (*AuditRecord, error)
	Query(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

// DirectoryRepository is the counterparty directory.
type DirectoryRepository interface {
	LookupExact(ctx context.Context, identifier string) (*CounterpartyRecord, error)
	ListActive(ctx context.Context) ([]CounterpartyRecord, error)
	// Snapshot returns a point-in-time view for matching.
	Snapshot(ctx context.Context) (*DirectorySnapshot, error)
	// Upsert is used by the directory management surface only.
	Upsert(ctx context.Context, rec CounterpartyRecord) error
}

// AttachmentStore keeps attachment bytes addressed by reference.
type AttachmentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// MailboxSource is the inbound mailbox.
type MailboxSource interface {
	ListUnread(ctx context.Context, limit int) ([]SourceItem, error)
	GetItem(ctx context.Context, id string) (*SourceItem, error)
	FetchAttachments(ctx context.Context, id string) ([]SourceAttachment, error)
	MarkConsumed(ctx context.Context, id string) error
}

// SubscriptionClient manages the push subscription with the mailbox provider.
type SubscriptionClient interface {
	Create(ctx context.Context, expiry time.Time) (id string, expiresAt time.Time, err error)
	Renew(ctx context.Context, id string, expiry time.Time) (time.Time, error)
}

// SubscriptionStore persists the subscription state between restarts.
type SubscriptionStore interface {
	Load(ctx context.Context) (*SubscriptionRecord, error)
	Save(ctx context.Context, rec SubscriptionRecord) error
}

// ForwardRequest is what the routing stage hands to the downstream recipient.
type ForwardRequest struct {
	TransactionID  string
	Recipient      string
	AttachmentRef  string
	AttachmentName string
	Attachment     []byte
	Metadata       map[string]string
}

// ForwardAck is the explicit acknowledgment from the downstream recipient.
type ForwardAck struct {
	AckID      string
	AcceptedAt time.Time
}

// Forwarder delivers an invoice downstream. It must return an error unless the
// recipient explicitly acknowledged the delivery.
type Forwarder interface {
	Send(ctx context.Context, req ForwardRequest) (ForwardAck, error)
}

// FormattedMessage is a rendered notification.
type FormattedMessage struct {
	TransactionID string
	Kind          OutcomeKind
	Title         string
	Text          string
	Fields        []Field
}

// Field is one named value of a formatted notification.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Notifier posts to the notification channel. A single attempt is made.
type Notifier interface {
	Post(ctx context.Context, msg FormattedMessage) error
}

// NotifyGuard suppresses reposting the same notification after redelivery.
type NotifyGuard interface {
	// FirstDelivery reports whether key has not been seen before, recording it.
	FirstDelivery(ctx context.Context, key string) (bool, error)
}

// OutcomePublisher fans outcome events out to operator views in other
// processes. Publishing is best effort.
type OutcomePublisher interface {
	Publish(ctx context.Context, ev OutcomeEvent) error
}

// APIKeyRepository validates operator API keys for the admin surface.
type APIKeyRepository interface {
	IsValid(ctx context.Context, key string) (bool, error)
}

// WALRepository is the local failover buffer for raw enqueues.
type WALRepository interface {
	Write(ctx context.Context, env Envelope) error
	Replay(ctx context.Context, handler func(env Envelope) error) error
	Truncate(ctx context.Context) error
}

// QueueAdminRepository is used by operators to inspect and replay queues.
type QueueAdminRepository interface {
	GroupInfo(ctx context.Context, stream string) ([]ConsumerGroupInfo, error)
	PendingMessages(ctx context.Context, stream, group string, count int64) ([]PendingMessageDetail, error)
	ListPoison(ctx context.Context, stream string, count int64) ([]PoisonEntry, error)
	GetPoison(ctx context.Context, stream, id string) (*PoisonEntry, error)
	DeletePoison(ctx context.Context, stream, id string) error
}
