package domain

import (
	"encoding/json"
	"time"
)

// Queue names. Each stage reads one stream through its own consumer group.
const (
	StreamRaw      = "invoice:raw"
	StreamEnriched = "invoice:enriched"
	StreamNotify   = "invoice:notify"

	GroupExtract = "extract"
	GroupRoute   = "route"
	GroupNotify  = "notify"
)

// PoisonStream returns the terminal holding stream for a queue.
func PoisonStream(stream string) string { return stream + ":poison" }

// RetryKey returns the sorted set holding delayed retries for a queue.
func RetryKey(stream string) string { return stream + ":retry" }

// RawMessage is produced by the ingestion coordinator, one per attachment.
type RawMessage struct {
	TransactionID     string    `json:"transaction_id"`
	SourceItemID      string    `json:"source_item_id,omitempty"`
	InternetMessageID string    `json:"internet_message_id,omitempty"`
	AttachmentOrdinal int       `json:"attachment_ordinal"`
	SenderAddress     string    `json:"sender_address"`
	SenderName        string    `json:"sender_name,omitempty"`
	Subject           string    `json:"subject"`
	AttachmentRef     string    `json:"attachment_ref,omitempty"`
	AttachmentName    string    `json:"attachment_name,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// MatchMethod tags how a counterparty was resolved.
type MatchMethod string

const (
	MatchExact MatchMethod = "exact"
	MatchFuzzy MatchMethod = "fuzzy"
	MatchNone  MatchMethod = "none"
)

// MatchResult is the output of the matching engine.
type MatchResult struct {
	Counterparty *CounterpartyRecord `json:"counterparty,omitempty"`
	Confidence   float64             `json:"confidence"`
	Method       MatchMethod         `json:"method"`
	Identifier   string              `json:"identifier,omitempty"`
	// Candidate is the best fuzzy candidate, kept for rejected matches too.
	Candidate      string  `json:"candidate,omitempty"`
	CandidateScore float64 `json:"candidate_score,omitempty"`
	// Reason explains a rejected match.
	Reason string `json:"reason,omitempty"`
}

// Reasons recorded on rejected matches.
const (
	ReasonNoIdentifier   = "no_identifier"
	ReasonNoCandidates   = "no_candidates"
	ReasonBelowThreshold = "below_threshold"
	ReasonAmbiguous      = "ambiguous"
)

// Matched reports whether a counterparty was resolved.
func (m MatchResult) Matched() bool { return m.Counterparty != nil }

// EnrichedMessage is produced by the extraction stage. Counterparty and
// Enrichment are nil when the sender could not be matched.
type EnrichedMessage struct {
	TransactionID    string      `json:"transaction_id"`
	Fingerprint      string      `json:"fingerprint"`
	SenderAddress    string      `json:"sender_address"`
	Subject          string      `json:"subject"`
	CounterpartyID   *string     `json:"counterparty_id"`
	CounterpartyName *string     `json:"counterparty_name"`
	Enrichment       *Enrichment `json:"enrichment"`
	AttachmentRef    string      `json:"attachment_ref,omitempty"`
	AttachmentName   string      `json:"attachment_name,omitempty"`
	Match            MatchResult `json:"match"`
	UnmatchedReason  string      `json:"unmatched_reason,omitempty"`
	ReceivedAt       time.Time   `json:"received_at"`
}

// Matched reports whether the message carries a counterparty.
func (m EnrichedMessage) Matched() bool { return m.CounterpartyID != nil }

// OutcomeKind classifies a notification.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeUnmatched OutcomeKind = "unmatched"
	OutcomeError     OutcomeKind = "error"
)

// NotifyMessage is consumed by the notification dispatcher.
type NotifyMessage struct {
	TransactionID string            `json:"transaction_id"`
	Kind          OutcomeKind       `json:"kind"`
	Summary       string            `json:"summary"`
	Detail        map[string]string `json:"detail"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Envelope wraps a stage message on a queue.
type Envelope struct {
	ID            string          `json:"id,omitempty"`
	Stream        string          `json:"stream"`
	TransactionID string          `json:"transaction_id"`
	Attempt       int             `json:"attempt"`
	Replay        bool            `json:"replay,omitempty"`
	Body          json.RawMessage `json:"body"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return WrapPermanent(err)
	}
	return nil
}

// OutcomeEvent is broadcast to live operator views when a notification is
// dispatched. It carries no PII.
type OutcomeEvent struct {
	TransactionID string      `json:"transaction_id"`
	Kind          OutcomeKind `json:"kind"`
	Summary       string      `json:"summary"`
	At            time.Time   `json:"at"`
}
