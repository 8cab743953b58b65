package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
)

type groupState struct {
	next    int
	pending map[string]domain.Envelope
	order   []string
	expired []string
}

// MockQueue is an in-memory domain.QueueRepository with consumer groups and
// lease expiry controlled by the test through ExpireLeases.
type MockQueue struct {
	mu       sync.Mutex
	seq      int
	streams  map[string][]domain.Envelope
	groups   map[string]*groupState
	Poisoned map[string][]domain.PoisonEntry
	Acked    map[string][]string
	Retries  []time.Duration

	EnqueueErr error
	ReadErr    error
	AckErr     error
	RetryErr   error
	PoisonErr  error
	Now        func() time.Time
}

func NewMockQueue() *MockQueue {
	return &MockQueue{
		streams:  make(map[string][]domain.Envelope),
		groups:   make(map[string]*groupState),
		Poisoned: make(map[string][]domain.PoisonEntry),
		Acked:    make(map[string][]string),
		Now:      time.Now,
	}
}

func (m *MockQueue) appendLocked(stream string, env domain.Envelope) {
	m.seq++
	env.ID = fmt.Sprintf("%d-0", m.seq)
	env.Stream = stream
	m.streams[stream] = append(m.streams[stream], env)
}

func (m *MockQueue) Enqueue(ctx context.Context, stream, txID string, body any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	m.appendLocked(stream, domain.Envelope{TransactionID: txID, Attempt: 1, Body: raw, EnqueuedAt: m.Now()})
	return nil
}

func (m *MockQueue) Requeue(ctx context.Context, stream string, env domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}
	m.appendLocked(stream, env)
	return nil
}

func (m *MockQueue) group(stream, group string) *groupState {
	key := stream + "|" + group
	g, ok := m.groups[key]
	if !ok {
		g = &groupState{pending: make(map[string]domain.Envelope)}
		m.groups[key] = g
	}
	return g
}

func (m *MockQueue) Read(ctx context.Context, stream, group, consumer string, count int) ([]domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	g := m.group(stream, group)
	var out []domain.Envelope
	for len(g.expired) > 0 && len(out) < count {
		id := g.expired[0]
		g.expired = g.expired[1:]
		env, ok := g.pending[id]
		if !ok {
			continue
		}
		env.Attempt++
		g.pending[id] = env
		out = append(out, env)
	}
	entries := m.streams[stream]
	for g.next < len(entries) && len(out) < count {
		env := entries[g.next]
		g.next++
		g.pending[env.ID] = env
		g.order = append(g.order, env.ID)
		out = append(out, env)
	}
	return out, nil
}

func (m *MockQueue) ackLocked(stream, group string, ids ...string) {
	g := m.group(stream, group)
	for _, id := range ids {
		delete(g.pending, id)
	}
	m.Acked[stream] = append(m.Acked[stream], ids...)
}

func (m *MockQueue) Ack(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.ackLocked(stream, group, ids...)
	return nil
}

// Retry makes the copy visible immediately; the requested delay is recorded.
func (m *MockQueue) Retry(ctx context.Context, stream, group string, env domain.Envelope, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RetryErr != nil {
		return m.RetryErr
	}
	m.ackLocked(stream, group, env.ID)
	m.Retries = append(m.Retries, delay)
	next := env
	next.Attempt++
	m.appendLocked(stream, next)
	return nil
}

func (m *MockQueue) Poison(ctx context.Context, stream, group string, env domain.Envelope, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PoisonErr != nil {
		return m.PoisonErr
	}
	m.seq++
	m.Poisoned[stream] = append(m.Poisoned[stream], domain.PoisonEntry{
		ID:             fmt.Sprintf("%d-0", m.seq),
		OriginalStream: stream,
		Group:          group,
		Reason:         reason,
		FailedAt:       m.Now(),
		Envelope:       env,
	})
	m.ackLocked(stream, group, env.ID)
	return nil
}

// ExpireLeases makes every pending entry of group visible again, as if the
// consumer holding it had died. Redelivery bumps the attempt.
func (m *MockQueue) ExpireLeases(stream, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.group(stream, group)
	for _, id := range g.order {
		if _, ok := g.pending[id]; ok {
			g.expired = append(g.expired, id)
		}
	}
}

// Messages returns every envelope ever appended to stream.
func (m *MockQueue) Messages(stream string) []domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Envelope(nil), m.streams[stream]...)
}

// Pending returns the number of unacknowledged entries of group.
func (m *MockQueue) Pending(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.group(stream, group).pending)
}

// PoisonEntries returns the poisoned entries of stream.
func (m *MockQueue) PoisonEntries(stream string) []domain.PoisonEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PoisonEntry(nil), m.Poisoned[stream]...)
}

// ListPoison and the other admin methods let the mock back the operator
// surface too.
func (m *MockQueue) ListPoison(ctx context.Context, stream string, count int64) ([]domain.PoisonEntry, error) {
	entries := m.PoisonEntries(stream)
	if count > 0 && int64(len(entries)) > count {
		entries = entries[:count]
	}
	return entries, nil
}

func (m *MockQueue) GetPoison(ctx context.Context, stream, id string) (*domain.PoisonEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Poisoned[stream] {
		if e.ID == id {
			entry := e
			return &entry, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockQueue) DeletePoison(ctx context.Context, stream, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.Poisoned[stream]
	for i, e := range entries {
		if e.ID == id {
			m.Poisoned[stream] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockQueue) GroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConsumerGroupInfo
	for key, g := range m.groups {
		s, name, _ := strings.Cut(key, "|")
		if s != stream {
			continue
		}
		out = append(out, domain.ConsumerGroupInfo{
			Name:    name,
			Pending: int64(len(g.pending)),
			Lag:     int64(len(m.streams[stream]) - g.next),
		})
	}
	return out, nil
}

func (m *MockQueue) PendingMessages(ctx context.Context, stream, group string, count int64) ([]domain.PendingMessageDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.group(stream, group)
	var out []domain.PendingMessageDetail
	for _, id := range g.order {
		if env, ok := g.pending[id]; ok {
			out = append(out, domain.PendingMessageDetail{ID: id, RetryCount: int64(env.Attempt)})
		}
	}
	return out, nil
}
