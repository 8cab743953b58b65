package mocks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
)

type fingerprintRow struct {
	txID       string
	status     domain.AuditStatus
	claimUntil time.Time
	attempt    int
}

type routeClaim struct {
	until   time.Time
	attempt int
}

// MockLedger is an in-memory domain.AuditLedger with the same transition
// rules as the Postgres ledger.
type MockLedger struct {
	mu           sync.Mutex
	Records      map[string]*domain.AuditRecord
	fingerprints map[string]*fingerprintRow
	routes       map[string]routeClaim
	Notes        []domain.DedupNote

	// Down makes every call fail transiently.
	Down bool
	// FinalizeErrs are returned by successive Finalize calls before it succeeds.
	FinalizeErrs []error
	// RecordForwardErrs are returned by successive RecordForward calls.
	RecordForwardErrs []error
	Now               func() time.Time
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		Records:      make(map[string]*domain.AuditRecord),
		fingerprints: make(map[string]*fingerprintRow),
		routes:       make(map[string]routeClaim),
		Now:          time.Now,
	}
}

func (m *MockLedger) unavailable() error {
	if m.Down {
		return domain.WrapTransient(errLedgerDown)
	}
	return nil
}

var errLedgerDown = errors.New("ledger unavailable")

func (m *MockLedger) insertPendingLocked(rec domain.AuditRecord) {
	if _, ok := m.Records[rec.TransactionID]; ok {
		return
	}
	r := rec
	r.Status = domain.StatusPending
	if r.Period == "" {
		r.Period = domain.PeriodOf(m.Now())
	}
	m.Records[rec.TransactionID] = &r
}

func (m *MockLedger) ClaimFingerprint(ctx context.Context, rec domain.AuditRecord, ttl time.Duration) (domain.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return domain.Claim{}, err
	}
	now := m.Now()
	claim := domain.Claim{Fingerprint: rec.Fingerprint}
	row, ok := m.fingerprints[rec.Fingerprint]
	switch {
	case !ok:
		m.fingerprints[rec.Fingerprint] = &fingerprintRow{txID: rec.TransactionID, status: domain.StatusPending, claimUntil: now.Add(ttl), attempt: rec.Attempts}
	case row.txID == rec.TransactionID && row.status.Final():
		claim.OwnerTxID = row.txID
		claim.OwnerStatus = row.status
		claim.Outcome = domain.ClaimFinished
		return claim, nil
	case row.status == domain.StatusUnmatched:
		claim.Reprocessing = true
		*row = fingerprintRow{txID: rec.TransactionID, status: domain.StatusPending, claimUntil: now.Add(ttl), attempt: rec.Attempts}
	case row.txID == rec.TransactionID && row.status == domain.StatusPending &&
		(row.claimUntil.IsZero() || row.claimUntil.Before(now) || row.attempt < rec.Attempts):
		row.claimUntil = now.Add(ttl)
		row.attempt = rec.Attempts
		claim.Reprocessing = true
	default:
		claim.OwnerTxID = row.txID
		claim.OwnerStatus = row.status
		claim.Outcome = domain.ClaimInFlight
		if row.status.Blocks() {
			claim.Outcome = domain.ClaimDuplicate
		}
		return claim, nil
	}
	m.insertPendingLocked(rec)
	claim.Outcome = domain.ClaimAcquired
	claim.OwnerTxID = rec.TransactionID
	claim.OwnerStatus = domain.StatusPending
	return claim, nil
}

func (m *MockLedger) RecordDuplicate(ctx context.Context, note domain.DedupNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	m.Notes = append(m.Notes, note)
	return nil
}

func (m *MockLedger) BeginRouting(ctx context.Context, rec domain.AuditRecord, ttl time.Duration) (domain.RoutingLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return domain.RoutingLease{}, err
	}
	m.insertPendingLocked(rec)
	cur := m.Records[rec.TransactionID]
	if cur.Status.Final() {
		return domain.RoutingLease{Outcome: domain.LeaseFinal, Record: *cur}, nil
	}
	now := m.Now()
	held, ok := m.routes[rec.TransactionID]
	if ok && held.until.After(now) && held.attempt >= rec.Attempts {
		return domain.RoutingLease{Outcome: domain.LeaseBusy, Record: *cur}, nil
	}
	m.routes[rec.TransactionID] = routeClaim{until: now.Add(ttl), attempt: rec.Attempts}
	cur.Attempts = rec.Attempts
	return domain.RoutingLease{Outcome: domain.LeaseAcquired, Record: *cur}, nil
}

func (m *MockLedger) RecordForward(ctx context.Context, txID, ackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	if len(m.RecordForwardErrs) > 0 {
		err := m.RecordForwardErrs[0]
		m.RecordForwardErrs = m.RecordForwardErrs[1:]
		return err
	}
	cur, ok := m.Records[txID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.ForwardAckID == nil {
		now := m.Now()
		id := ackID
		cur.ForwardAckID = &id
		cur.ForwardedAt = &now
	}
	return nil
}

func (m *MockLedger) ReleaseRouting(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	delete(m.routes, txID)
	return nil
}

func (m *MockLedger) Finalize(ctx context.Context, rec domain.AuditRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return false, err
	}
	if len(m.FinalizeErrs) > 0 {
		err := m.FinalizeErrs[0]
		m.FinalizeErrs = m.FinalizeErrs[1:]
		return false, err
	}
	m.insertPendingLocked(rec)
	cur := m.Records[rec.TransactionID]
	if cur.Status != domain.StatusPending {
		return false, nil
	}
	now := m.Now()
	next := rec
	if next.Period == "" {
		next.Period = cur.Period
	}
	if next.Fingerprint == "" {
		next.Fingerprint = cur.Fingerprint
	}
	if next.ReceivedAt.IsZero() {
		next.ReceivedAt = cur.ReceivedAt
	}
	if next.SenderAddress == "" {
		next.SenderAddress = cur.SenderAddress
	}
	if next.Subject == "" {
		next.Subject = cur.Subject
	}
	if next.AttachmentRef == "" {
		next.AttachmentRef = cur.AttachmentRef
	}
	next.ProcessedAt = &now
	next.NotifiedAt = nil
	if cur.ForwardAckID != nil {
		next.ForwardAckID, next.ForwardedAt = cur.ForwardAckID, cur.ForwardedAt
	}
	*cur = next
	delete(m.routes, rec.TransactionID)
	if row, ok := m.fingerprints[next.Fingerprint]; ok && row.txID == rec.TransactionID {
		row.status = rec.Status
		row.claimUntil = time.Time{}
	}
	return true, nil
}

func (m *MockLedger) MarkNotified(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	cur, ok := m.Records[txID]
	if !ok {
		return domain.ErrNotFound
	}
	now := m.Now()
	cur.NotifiedAt = &now
	return nil
}

func (m *MockLedger) Reopen(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	cur, ok := m.Records[txID]
	if !ok || cur.Status != domain.StatusError {
		return domain.ErrNotFound
	}
	cur.Status = domain.StatusPending
	cur.ErrorDetail = nil
	cur.ProcessedAt = nil
	cur.NotifiedAt = nil
	if row, ok := m.fingerprints[cur.Fingerprint]; ok && row.txID == txID {
		row.status = domain.StatusPending
		row.claimUntil = time.Time{}
	}
	return nil
}

func (m *MockLedger) Get(ctx context.Context, txID string) (*domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return nil, err
	}
	cur, ok := m.Records[txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	r := *cur
	return &r, nil
}

func (m *MockLedger) Query(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return nil, err
	}
	var out []domain.AuditRecord
	for _, r := range m.Records {
		if f.Period != "" && r.Period != f.Period {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.CounterpartyID != "" && (r.CounterpartyID == nil || *r.CounterpartyID != f.CounterpartyID) {
			continue
		}
		if f.After != "" && strings.Compare(r.TransactionID, f.After) <= 0 {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ByFingerprint returns the records sharing fingerprint, in transaction order.
func (m *MockLedger) ByFingerprint(fp string) []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditRecord
	for _, r := range m.Records {
		if r.Fingerprint == fp {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}
