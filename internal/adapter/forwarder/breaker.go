package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/pkg/resilience"
)

// BreakerForwarder guards a forwarder with a circuit breaker. Rejected
// requests do not trip it; only failures a retry might fix do.
type BreakerForwarder struct {
	next    domain.Forwarder
	breaker *resilience.CircuitBreaker
}

func NewBreakerForwarder(next domain.Forwarder, name string, threshold int, reset time.Duration, m *metrics.Metrics, logger *slog.Logger) *BreakerForwarder {
	cb := resilience.NewCircuitBreaker(name, threshold, reset, logger, func(s resilience.State) {
		m.SetBreakerState(name, int(s))
	})
	m.SetBreakerState(name, int(resilience.StateClosed))
	return &BreakerForwarder{next: next, breaker: cb}
}

func (f *BreakerForwarder) Send(ctx context.Context, req domain.ForwardRequest) (domain.ForwardAck, error) {
	var ack domain.ForwardAck
	err := f.breaker.Execute(func() error {
		var err error
		ack, err = f.next.Send(ctx, req)
		return err
	}, func(err error) bool {
		return !domain.IsPermanent(err) && !errors.Is(err, context.Canceled)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return domain.ForwardAck{}, domain.WrapTransient(err)
	}
	return ack, err
}

// State exposes the breaker state for health reporting.
func (f *BreakerForwarder) State() resilience.State {
	return f.breaker.State()
}
