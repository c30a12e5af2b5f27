package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/metrics"
)

var errTransient = errors.New("connection reset")

// flakyPublisher fails the first failures calls, then succeeds.
type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyPublisher) Publish(context.Context, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return f.err
		}
		return errTransient
	}
	return nil
}

func (f *flakyPublisher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestPublishWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	fp := &flakyPublisher{failures: 2}
	m := metrics.New()
	rp, err := New(fp, fastPolicy(), WithMetrics(m))
	require.NoError(t, err)

	err = rp.PublishWithRetry(context.Background(), "node/n1/config", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, 3, fp.Calls())

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PublishAttempts.WithLabelValues("config")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishRetries.WithLabelValues("config")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("config")))
}

func TestPublishWithRetrySurfacesExhaustion(t *testing.T) {
	fp := &flakyPublisher{failures: 10}
	m := metrics.New()
	rp, err := New(fp, fastPolicy(), WithMetrics(m))
	require.NoError(t, err)

	err = rp.PublishWithRetry(context.Background(), "fabric/n1/status", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "3 attempt")
	assert.Equal(t, 3, fp.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("status")))
}

func TestPublishWithRetrySingleAttempt(t *testing.T) {
	fp := &flakyPublisher{failures: 1}
	policy := fastPolicy()
	policy.MaxAttempts = 1
	rp, err := New(fp, policy)
	require.NoError(t, err)

	assert.Error(t, rp.PublishWithRetry(context.Background(), "t", nil))
	assert.Equal(t, 1, fp.Calls())
}

func TestPublishWithRetryStopsOnPermanentErrors(t *testing.T) {
	for _, perm := range []error{bus.ErrInvalidTopic, bus.ErrClosed} {
		fp := &flakyPublisher{failures: 10, err: perm}
		rp, err := New(fp, fastPolicy())
		require.NoError(t, err)

		err = rp.PublishWithRetry(context.Background(), "t", nil)
		assert.ErrorIs(t, err, perm)
		assert.Equal(t, 1, fp.Calls(), "no retry for %v", perm)
	}
}

func TestPublishWithRetryHonoursContext(t *testing.T) {
	fp := &flakyPublisher{failures: 100}
	policy := Policy{
		MaxAttempts:     50,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
	rp, err := New(fp, policy)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = rp.PublishWithRetry(ctx, "t", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublishWithRetryOverMemoryBus(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	got := make(chan []byte, 1)
	_, err := b.Subscribe("node/*/events", func(_ string, p []byte) { got <- p })
	require.NoError(t, err)

	rp, err := New(b, DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, rp.PublishWithRetry(context.Background(), "node/n1/events", []byte("hi")))

	select {
	case p := <-got:
		assert.Equal(t, "hi", string(p))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	tests := map[string]func(*Policy){
		"zero attempts":       func(p *Policy) { p.MaxAttempts = 0 },
		"zero interval":       func(p *Policy) { p.InitialInterval = 0 },
		"cap below initial":   func(p *Policy) { p.MaxInterval = time.Millisecond },
		"shrinking":           func(p *Policy) { p.Multiplier = 0.5 },
		"jitter out of range": func(p *Policy) { p.Jitter = 1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := DefaultPolicy()
			mutate(&p)
			assert.Error(t, p.Validate())
			_, err := New(&flakyPublisher{}, p)
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsNilPublisher(t *testing.T) {
	_, err := New(nil, DefaultPolicy())
	assert.Error(t, err)
}
