package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/pkg/resilience"
)

// ErrIllegalTransition is returned for a subscription state change the
// lifecycle does not allow.
var ErrIllegalTransition = errors.New("illegal subscription transition")

var subscriptionTransitions = map[domain.SubscriptionState][]domain.SubscriptionState{
	domain.SubscriptionAbsent:   {domain.SubscriptionActive},
	domain.SubscriptionActive:   {domain.SubscriptionExpiring},
	domain.SubscriptionRenewed:  {domain.SubscriptionExpiring},
	domain.SubscriptionExpiring: {domain.SubscriptionRenewed, domain.SubscriptionLapsed},
	domain.SubscriptionLapsed:   {domain.SubscriptionActive},
}

var allSubscriptionStates = []string{
	string(domain.SubscriptionAbsent), string(domain.SubscriptionActive), string(domain.SubscriptionExpiring),
	string(domain.SubscriptionRenewed), string(domain.SubscriptionLapsed),
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to domain.SubscriptionState) bool {
	for _, s := range subscriptionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SubscriptionConfig configures the push subscription lifecycle.
type SubscriptionConfig struct {
	Duration         time.Duration
	RenewMargin      time.Duration
	RecreateInterval time.Duration
	RenewAttempts    int
	RenewBackoff     resilience.Backoff
}

// SubscriptionManager owns the push subscription. It renews ahead of the
// persisted expiry and falls back to poll-only operation when it lapses.
type SubscriptionManager struct {
	client  domain.SubscriptionClient
	store   domain.SubscriptionStore
	alerter domain.Notifier
	cfg     SubscriptionConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu  sync.RWMutex
	rec domain.SubscriptionRecord
}

// NewSubscriptionManager creates a manager in state absent. alerter may be nil.
func NewSubscriptionManager(client domain.SubscriptionClient, store domain.SubscriptionStore, alerter domain.Notifier, cfg SubscriptionConfig, m *metrics.Metrics, logger *slog.Logger) *SubscriptionManager {
	if cfg.RecreateInterval <= 0 {
		cfg.RecreateInterval = 10 * time.Minute
	}
	if cfg.RenewAttempts <= 0 {
		cfg.RenewAttempts = 3
	}
	if cfg.RenewBackoff.Base <= 0 {
		cfg.RenewBackoff = resilience.Backoff{Base: 2 * time.Second, Max: 30 * time.Second}
	}
	return &SubscriptionManager{
		client:  client,
		store:   store,
		alerter: alerter,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "subscription"),
		now:     time.Now,
		rec:     domain.SubscriptionRecord{State: domain.SubscriptionAbsent},
	}
}

// State returns the current lifecycle state.
func (m *SubscriptionManager) State() domain.SubscriptionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.State
}

// Record returns a copy of the current subscription record.
func (m *SubscriptionManager) Record() domain.SubscriptionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec
}

// Live reports whether push notifications are expected.
func (m *SubscriptionManager) Live() bool { return m.State().Live() }

// Load restores the persisted record. A missing record leaves the state absent.
func (m *SubscriptionManager) Load(ctx context.Context) error {
	rec, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load subscription: %w", err)
	}
	m.mu.Lock()
	m.rec = *rec
	m.mu.Unlock()
	m.metrics.SetSubscriptionState(string(rec.State), allSubscriptionStates)
	m.logger.Info("subscription restored", "state", rec.State, "expires_at", rec.ExpiresAt)
	return nil
}

// Run drives the lifecycle until ctx is cancelled. Each wake-up is scheduled
// relative to the persisted expiry.
func (m *SubscriptionManager) Run(ctx context.Context) error {
	if err := m.Load(ctx); err != nil {
		m.logger.Error("starting without persisted subscription", "error", err)
	}
	for {
		wait := m.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Debug("next subscription check", "state", m.State(), "in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("subscription manager stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Step performs whatever action is due in the current state and returns how
// long to wait before the next step.
func (m *SubscriptionManager) Step(ctx context.Context) time.Duration {
	for {
		rec := m.Record()
		switch rec.State {
		case domain.SubscriptionAbsent, domain.SubscriptionLapsed:
			return m.create(ctx, rec)
		case domain.SubscriptionActive, domain.SubscriptionRenewed:
			due := rec.ExpiresAt.Add(-m.cfg.RenewMargin)
			if wait := due.Sub(m.now()); wait > 0 {
				return wait
			}
			if err := m.transition(ctx, domain.SubscriptionExpiring, func(r *domain.SubscriptionRecord) {}); err != nil {
				m.logger.Error("failed to enter expiring", "error", err)
				return m.cfg.RecreateInterval
			}
		case domain.SubscriptionExpiring:
			return m.renew(ctx, rec)
		default:
			m.logger.Error("unknown subscription state, resetting", "state", rec.State)
			m.mu.Lock()
			m.rec = domain.SubscriptionRecord{State: domain.SubscriptionAbsent}
			m.mu.Unlock()
		}
	}
}

func (m *SubscriptionManager) create(ctx context.Context, rec domain.SubscriptionRecord) time.Duration {
	id, expiresAt, err := m.client.Create(ctx, m.now().Add(m.cfg.Duration))
	if err != nil {
		m.logger.Warn("failed to create subscription, staying poll-only", "state", rec.State, "error", err)
		m.mu.Lock()
		m.rec.LastError = err.Error()
		saved := m.rec
		m.mu.Unlock()
		if serr := m.store.Save(ctx, saved); serr != nil {
			m.logger.Warn("failed to persist subscription", "error", serr)
		}
		return m.cfg.RecreateInterval
	}
	err = m.transition(ctx, domain.SubscriptionActive, func(r *domain.SubscriptionRecord) {
		r.ID = id
		r.ExpiresAt = expiresAt
		r.RenewedAt = m.now()
		r.LastError = ""
	})
	if err != nil {
		m.logger.Error("failed to record created subscription", "error", err)
	}
	m.logger.Info("subscription created", "subscription_id", id, "expires_at", expiresAt)
	return m.untilRenewal(expiresAt)
}

func (m *SubscriptionManager) renew(ctx context.Context, rec domain.SubscriptionRecord) time.Duration {
	var expiresAt time.Time
	err := resilience.Retry(ctx, m.logger, "renew subscription", m.cfg.RenewAttempts, m.cfg.RenewBackoff, nil, func(ctx context.Context) error {
		var rerr error
		expiresAt, rerr = m.client.Renew(ctx, rec.ID, m.now().Add(m.cfg.Duration))
		return rerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		m.logger.Error("subscription lapsed, falling back to poll-only", "subscription_id", rec.ID, "error", err)
		if terr := m.transition(ctx, domain.SubscriptionLapsed, func(r *domain.SubscriptionRecord) {
			r.LastError = err.Error()
		}); terr != nil {
			m.logger.Error("failed to record lapse", "error", terr)
		}
		m.alert(ctx, rec, err)
		return m.cfg.RecreateInterval
	}
	if terr := m.transition(ctx, domain.SubscriptionRenewed, func(r *domain.SubscriptionRecord) {
		r.ExpiresAt = expiresAt
		r.RenewedAt = m.now()
		r.LastError = ""
	}); terr != nil {
		m.logger.Error("failed to record renewal", "error", terr)
	}
	m.logger.Info("subscription renewed", "subscription_id", rec.ID, "expires_at", expiresAt)
	return m.untilRenewal(expiresAt)
}

func (m *SubscriptionManager) untilRenewal(expiresAt time.Time) time.Duration {
	wait := expiresAt.Add(-m.cfg.RenewMargin).Sub(m.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// transition applies a lifecycle change and persists it. A failed save is
// logged; the in-memory state still moves and the next save catches up.
func (m *SubscriptionManager) transition(ctx context.Context, to domain.SubscriptionState, mutate func(*domain.SubscriptionRecord)) error {
	m.mu.Lock()
	from := m.rec.State
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.rec.State = to
	mutate(&m.rec)
	saved := m.rec
	m.mu.Unlock()

	m.metrics.SetSubscriptionState(string(to), allSubscriptionStates)
	m.logger.Info("subscription state changed", "from", from, "to", to)
	if err := m.store.Save(ctx, saved); err != nil {
		m.logger.Warn("failed to persist subscription", "state", to, "error", err)
	}
	return nil
}

func (m *SubscriptionManager) alert(ctx context.Context, rec domain.SubscriptionRecord, cause error) {
	if m.alerter == nil {
		return
	}
	msg := domain.FormattedMessage{
		Kind:  domain.OutcomeError,
		Title: "Mailbox subscription lapsed",
		Text:  "Push delivery stopped; the mailbox is polled until the subscription is re-created.",
		Fields: []domain.Field{
			{Name: FieldStage, Value: "subscription"},
			{Name: FieldError, Value: cause.Error()},
			{Name: "subscription_id", Value: rec.ID},
			{Name: "expires_at", Value: rec.ExpiresAt.UTC().Format(time.RFC3339)},
		},
	}
	if err := m.alerter.Post(ctx, msg); err != nil {
		m.logger.Error("failed to post lapse alert", "error", err)
	}
}
