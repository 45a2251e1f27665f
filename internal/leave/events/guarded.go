package events

import (
	"context"
	"log/slog"

	"careleave/internal/leave/metrics"
	"careleave/pkg/platform/circuit"
)

// Guarded wraps a publisher with a circuit breaker. While the circuit is
// open events are dropped instead of waiting on an unhealthy broker.
type Guarded struct {
	primary Publisher
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// GuardedOption configures a Guarded publisher.
type GuardedOption func(*Guarded)

// WithLogger sets a logger for breaker transitions and delivery failures.
func WithLogger(logger *slog.Logger) GuardedOption {
	return func(g *Guarded) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) GuardedOption {
	return func(g *Guarded) {
		g.metrics = m
	}
}

// NewGuarded wraps primary with breaker.
func NewGuarded(primary Publisher, breaker *circuit.Breaker, opts ...GuardedOption) *Guarded {
	g := &Guarded{
		primary: primary,
		breaker: breaker,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Publish forwards event unless the circuit is open. Errors from the
// primary are returned after being recorded against the breaker.
func (g *Guarded) Publish(ctx context.Context, event TransitionEvent) error {
	if !g.breaker.Allow() {
		if g.metrics != nil {
			g.metrics.IncEventsDropped("circuit_open")
		}
		return nil
	}

	if err := g.primary.Publish(ctx, event); err != nil {
		_, change := g.breaker.RecordFailure()
		if change.Opened {
			g.logger.WarnContext(ctx, "event publisher circuit opened",
				"breaker", g.breaker.Name(),
				"error", err,
			)
		}
		if g.metrics != nil {
			g.metrics.IncEventsDropped("error")
			g.metrics.SetEventBreakerState(g.breaker.IsOpen())
		}
		return err
	}

	_, change := g.breaker.RecordSuccess()
	if change.Closed {
		g.logger.InfoContext(ctx, "event publisher circuit closed", "breaker", g.breaker.Name())
	}
	if g.metrics != nil {
		g.metrics.IncEventsPublished()
		g.metrics.SetEventBreakerState(g.breaker.IsOpen())
	}
	return nil
}
