package orchestrator

import (
	"log/slog"
	"time"

	"github.com/dreamware/fabric/internal/configstore"
	"github.com/dreamware/fabric/internal/metrics"
	"github.com/dreamware/fabric/internal/publisher"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithID sets the id used in logs. Defaults to a random UUID.
func WithID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.id = id
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records registry, sweep and publish counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock replaces time.Now for receipt stamps and the sweep.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithOfflineThreshold overrides DefaultOfflineThreshold.
func WithOfflineThreshold(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.threshold = d
		}
	}
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithResendInterval enables periodic republishing of every desired
// configuration to online nodes. Zero disables it.
func WithResendInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.resendInterval = d
		}
	}
}

// WithRetryPolicy sets the policy for config and event publishes.
func WithRetryPolicy(p publisher.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithConfigStore replaces the in-memory desired-config store.
func WithConfigStore(s configstore.Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.store = s
		}
	}
}
