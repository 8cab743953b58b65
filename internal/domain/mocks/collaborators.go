package mocks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
)

// MockDirectory is an in-memory counterparty directory.
type MockDirectory struct {
	mu      sync.Mutex
	Records map[string]domain.CounterpartyRecord
	Err     error
}

func NewMockDirectory(records ...domain.CounterpartyRecord) *MockDirectory {
	d := &MockDirectory{Records: make(map[string]domain.CounterpartyRecord)}
	for _, r := range records {
		d.Records[r.Identifier] = r
	}
	return d
}

func (m *MockDirectory) LookupExact(ctx context.Context, identifier string) (*domain.CounterpartyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	r, ok := m.Records[identifier]
	if !ok || !r.Active {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (m *MockDirectory) ListActive(ctx context.Context) ([]domain.CounterpartyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.CounterpartyRecord
	for _, r := range m.Records {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (m *MockDirectory) Snapshot(ctx context.Context) (*domain.DirectorySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	records := make([]domain.CounterpartyRecord, 0, len(m.Records))
	for _, r := range m.Records {
		records = append(records, r)
	}
	return domain.NewDirectorySnapshot(records, time.Now()), nil
}

func (m *MockDirectory) Upsert(ctx context.Context, rec domain.CounterpartyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Records[rec.Identifier] = rec
	return nil
}

// MockAttachmentStore is a content-addressed in-memory store.
type MockAttachmentStore struct {
	mu     sync.Mutex
	Blobs  map[string][]byte
	PutErr error
	GetErr error
}

func NewMockAttachmentStore() *MockAttachmentStore {
	return &MockAttachmentStore{Blobs: make(map[string][]byte)}
}

func (m *MockAttachmentStore) Put(ctx context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return "", m.PutErr
	}
	sum := sha256.Sum256(data)
	ref := "sha256/" + hex.EncodeToString(sum[:])
	m.Blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *MockAttachmentStore) Get(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	b, ok := m.Blobs[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

// MockMailbox is an in-memory mailbox. Items stay unread until MarkConsumed.
type MockMailbox struct {
	mu          sync.Mutex
	Items       []domain.SourceItem
	Attachments map[string][]domain.SourceAttachment
	Consumed    map[string]int

	ListErr  error
	FetchErr error
	ItemErr  error
	// MarkErrs are returned by successive MarkConsumed calls before it succeeds.
	MarkErrs []error
}

func NewMockMailbox(items ...domain.SourceItem) *MockMailbox {
	return &MockMailbox{
		Items:       items,
		Attachments: make(map[string][]domain.SourceAttachment),
		Consumed:    make(map[string]int),
	}
}

func (m *MockMailbox) ListUnread(ctx context.Context, limit int) ([]domain.SourceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []domain.SourceItem
	for _, it := range m.Items {
		if m.Consumed[it.ID] > 0 {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockMailbox) GetItem(ctx context.Context, id string) (*domain.SourceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ItemErr != nil {
		return nil, m.ItemErr
	}
	for _, it := range m.Items {
		if it.ID == id {
			item := it
			return &item, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockMailbox) FetchAttachments(ctx context.Context, id string) ([]domain.SourceAttachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	return m.Attachments[id], nil
}

func (m *MockMailbox) MarkConsumed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.MarkErrs) > 0 {
		err := m.MarkErrs[0]
		m.MarkErrs = m.MarkErrs[1:]
		return err
	}
	m.Consumed[id]++
	return nil
}

// MockSubscriptionClient records subscription calls.
type MockSubscriptionClient struct {
	mu          sync.Mutex
	CreateErr   error
	RenewErr    error
	Creates     int
	Renewals    int
	NextID      string
	GrantExpiry func(requested time.Time) time.Time
}

func (m *MockSubscriptionClient) grant(requested time.Time) time.Time {
	if m.GrantExpiry != nil {
		return m.GrantExpiry(requested)
	}
	return requested
}

func (m *MockSubscriptionClient) Create(ctx context.Context, expiry time.Time) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Creates++
	if m.CreateErr != nil {
		return "", time.Time{}, m.CreateErr
	}
	id := m.NextID
	if id == "" {
		id = fmt.Sprintf("sub-%d", m.Creates)
	}
	return id, m.grant(expiry), nil
}

func (m *MockSubscriptionClient) Renew(ctx context.Context, id string, expiry time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Renewals++
	if m.RenewErr != nil {
		return time.Time{}, m.RenewErr
	}
	return m.grant(expiry), nil
}

// MockSubscriptionStore keeps the last saved record.
type MockSubscriptionStore struct {
	mu      sync.Mutex
	Record  *domain.SubscriptionRecord
	History []domain.SubscriptionState
	LoadErr error
	SaveErr error
}

func (m *MockSubscriptionStore) Load(ctx context.Context) (*domain.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.Record == nil {
		return nil, domain.ErrNotFound
	}
	r := *m.Record
	return &r, nil
}

func (m *MockSubscriptionStore) Save(ctx context.Context, rec domain.SubscriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Record = &rec
	m.History = append(m.History, rec.State)
	return nil
}

// MockForwarder acknowledges every request unless Errs has entries left.
type MockForwarder struct {
	mu   sync.Mutex
	Sent []domain.ForwardRequest
	// Errs are returned by successive Send calls before it succeeds.
	Errs []error
	// AlwaysErr fails every call when set.
	AlwaysErr error
	Calls     int
}

func (m *MockForwarder) Send(ctx context.Context, req domain.ForwardRequest) (domain.ForwardAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.AlwaysErr != nil {
		return domain.ForwardAck{}, m.AlwaysErr
	}
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		return domain.ForwardAck{}, err
	}
	m.Sent = append(m.Sent, req)
	return domain.ForwardAck{AckID: fmt.Sprintf("ack-%d", len(m.Sent)), AcceptedAt: time.Now()}, nil
}

// SentFor returns the acknowledged requests for txID.
func (m *MockForwarder) SentFor(txID string) []domain.ForwardRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ForwardRequest
	for _, r := range m.Sent {
		if r.TransactionID == txID {
			out = append(out, r)
		}
	}
	return out
}

// MockNotifier records posted notifications.
type MockNotifier struct {
	mu     sync.Mutex
	Posted []domain.FormattedMessage
	Err    error
	Calls  int
}

func (m *MockNotifier) Post(ctx context.Context, msg domain.FormattedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return m.Err
	}
	m.Posted = append(m.Posted, msg)
	return nil
}

// MockNotifyGuard is an in-memory SETNX.
type MockNotifyGuard struct {
	mu   sync.Mutex
	Seen map[string]bool
	Err  error
}

func (m *MockNotifyGuard) FirstDelivery(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if m.Seen == nil {
		m.Seen = make(map[string]bool)
	}
	if m.Seen[key] {
		return false, nil
	}
	m.Seen[key] = true
	return true, nil
}

// MockAPIKeyRepository accepts the keys in Keys.
type MockAPIKeyRepository struct {
	Keys  map[string]bool
	Err   error
	Calls int
}

func (m *MockAPIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	m.Calls++
	if m.Err != nil {
		return false, m.Err
	}
	return m.Keys[key], nil
}
