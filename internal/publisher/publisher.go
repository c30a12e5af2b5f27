// Package publisher wraps a single bus publish call with a bounded
// exponential-backoff retry policy.
//
// Every message the node agent and the orchestrator must not lose to a
// transient bus error goes through Reliable.PublishWithRetry. The policy is
// plain configuration, so deployments tune it without code changes:
//
//	policy := publisher.DefaultPolicy() // 3 attempts, 100ms, x2, 2s cap
//	rp, err := publisher.New(b, policy, publisher.WithLogger(logger))
//	err = rp.PublishWithRetry(ctx, topic, payload)
//
// Errors that cannot succeed on retry (invalid topic, closed bus) stop
// immediately. When every attempt fails the last error is returned wrapped,
// never swallowed.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/metrics"
)

// Policy controls how a failed publish is retried.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"`     // total attempts including the first
	InitialInterval time.Duration `yaml:"initial_interval"` // wait before the second attempt
	MaxInterval     time.Duration `yaml:"max_interval"`     // cap on any single wait
	Multiplier      float64       `yaml:"multiplier"`       // growth factor between waits
	Jitter          float64       `yaml:"jitter"`           // randomization factor in [0,1)
}

// DefaultPolicy returns three attempts with 100ms doubling backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.1,
	}
}

// Validate rejects policies that could retry forever or never wait.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("publisher: max_attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialInterval <= 0:
		return fmt.Errorf("publisher: initial_interval must be positive")
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("publisher: max_interval must be >= initial_interval")
	case p.Multiplier < 1:
		return fmt.Errorf("publisher: multiplier must be >= 1, got %v", p.Multiplier)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("publisher: jitter must be in [0,1), got %v", p.Jitter)
	}
	return nil
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0 // bounded by attempts instead
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Option configures a Reliable publisher.
type Option func(*Reliable)

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reliable) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records attempts, retries and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reliable) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Reliable retries publishes against an unreliable bus.
type Reliable struct {
	pub     bus.Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	policy  Policy
}

// New validates policy and wraps pub.
func New(pub bus.Publisher, policy Policy, opts ...Option) (*Reliable, error) {
	if pub == nil {
		return nil, errors.New("publisher: nil bus publisher")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	r := &Reliable{
		pub:     pub,
		policy:  policy,
		logger:  slog.Default(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "publisher")
	return r, nil
}

// Policy returns the retry policy in effect.
func (r *Reliable) Policy() Policy {
	return r.policy
}

// PublishWithRetry publishes payload on topic, retrying transient failures
// with exponential backoff until the policy's attempt budget is spent or ctx
// is done. It returns nil as soon as one attempt succeeds.
func (r *Reliable) PublishWithRetry(ctx context.Context, topic string, payload []byte) error {
	kind := topicKind(topic)
	attempt := 0

	op := func() error {
		attempt++
		r.metrics.PublishAttempts.WithLabelValues(kind).Inc()
		if attempt > 1 {
			r.metrics.PublishRetries.WithLabelValues(kind).Inc()
		}
		err := r.pub.Publish(ctx, topic, payload)
		if err == nil {
			return nil
		}
		if errors.Is(err, bus.ErrInvalidTopic) || errors.Is(err, bus.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("publish failed, retrying",
			"topic", topic, "attempt", attempt, "max_attempts", r.policy.MaxAttempts,
			"backoff", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, r.policy.backOff(ctx), notify); err != nil {
		r.metrics.PublishFailures.WithLabelValues(kind).Inc()
		return fmt.Errorf("publish %s failed after %d attempt(s): %w", topic, attempt, err)
	}
	return nil
}

// topicKind labels metrics by the last topic segment (status, config, events).
func topicKind(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
