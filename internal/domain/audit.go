package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// AuditStatus is the lifecycle state of a transaction in the ledger.
type AuditStatus string

const (
	// StatusPending marks an admitted transaction that has not finished yet.
	StatusPending   AuditStatus = "pending"
	StatusProcessed AuditStatus = "processed"
	StatusUnmatched AuditStatus = "unmatched"
	StatusError     AuditStatus = "error"
)

// Final reports whether the status ends a transaction's lifecycle.
func (s AuditStatus) Final() bool {
	return s == StatusProcessed || s == StatusUnmatched || s == StatusError
}

// Blocks reports whether a fingerprint with this status suppresses
// reprocessing. Unmatched does not block: the directory may have changed.
func (s AuditStatus) Blocks() bool {
	return s == StatusProcessed || s == StatusError
}

// Valid reports whether s is a known status.
func (s AuditStatus) Valid() bool {
	return s == StatusPending || s.Final()
}

// AuditRecord is one row of the audit ledger, keyed by transaction id.
type AuditRecord struct {
	TransactionID    string      `json:"transaction_id"`
	Period           string      `json:"period"`
	Fingerprint      string      `json:"fingerprint"`
	SenderAddress    string      `json:"sender_address"`
	Subject          string      `json:"subject"`
	CounterpartyID   *string     `json:"counterparty_id"`
	CounterpartyName *string     `json:"counterparty_name"`
	Enrichment       *Enrichment `json:"enrichment"`
	Status           AuditStatus `json:"status"`
	AttachmentRef    string      `json:"attachment_ref"`
	ErrorDetail      *string     `json:"error_detail"`
	MatchMethod      MatchMethod `json:"match_method,omitempty"`
	MatchConfidence  float64     `json:"match_confidence"`
	Attempts         int         `json:"attempts"`
	ReceivedAt       time.Time   `json:"received_at"`
	ProcessedAt      *time.Time  `json:"processed_at"`
	NotifiedAt       *time.Time  `json:"notified_at"`
	// ForwardAckID is the downstream acknowledgment, set once per transaction.
	ForwardAckID *string    `json:"forward_ack_id,omitempty"`
	ForwardedAt  *time.Time `json:"forwarded_at,omitempty"`
}

// PeriodOf returns the ledger partition key for t (calendar month, UTC).
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Fingerprint derives the dedup key for a raw message: the source message id
// when there is one, otherwise a hash over sender, subject and attachment.
func Fingerprint(m RawMessage) string {
	if id := strings.TrimSpace(m.SourceItemID); id != "" {
		if m.AttachmentRef == "" && m.AttachmentOrdinal == 0 {
			return "msg:" + id
		}
		return fmt.Sprintf("msg:%s#%d", id, m.AttachmentOrdinal)
	}
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(m.SenderAddress))))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(m.Subject)))
	h.Write([]byte{0})
	h.Write([]byte(m.AttachmentRef))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ClaimOutcome is the result of trying to admit a fingerprint.
type ClaimOutcome int

const (
	// ClaimAcquired means this transaction owns the fingerprint and proceeds.
	ClaimAcquired ClaimOutcome = iota
	// ClaimDuplicate means the fingerprint already finished as processed or error.
	ClaimDuplicate
	// ClaimInFlight means another delivery currently holds the fingerprint.
	ClaimInFlight
	// ClaimFinished means the delivery belongs to the owning transaction,
	// which has already reached a final status.
	ClaimFinished
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInFlight:
		return "in_flight"
	case ClaimFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Claim describes who owns a fingerprint after a claim attempt.
type Claim struct {
	Outcome      ClaimOutcome
	OwnerTxID    string
	OwnerStatus  AuditStatus
	Fingerprint  string
	Reprocessing bool
}

// LeaseOutcome is the result of trying to start routing a transaction.
type LeaseOutcome int

const (
	LeaseAcquired LeaseOutcome = iota
	LeaseFinal
	LeaseBusy
)

// RoutingLease is returned by BeginRouting.
type RoutingLease struct {
	Outcome LeaseOutcome
	Record  AuditRecord
}

// AuditFilter selects ledger rows for operators. Zero fields are ignored.
type AuditFilter struct {
	Period         string
	Status         AuditStatus
	CounterpartyID string
	Limit          int
	// After pages by transaction id, which sorts by time.
	After string
}

// DedupNote records a delivery dropped by the dedup check.
type DedupNote struct {
	Fingerprint   string    `json:"fingerprint"`
	TransactionID string    `json:"transaction_id"`
	OwnerTxID     string    `json:"owner_transaction_id"`
	OwnerStatus   string    `json:"owner_status"`
	NotedAt       time.Time `json:"noted_at"`
}
