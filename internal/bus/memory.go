package bus

import (
	"context"
	"sync"
)

// memoryQueueSize bounds the per-subscription backlog. Publish blocks
// (honouring its context) when a subscriber falls this far behind.
const memoryQueueSize = 256

type message struct {
	topic   string
	payload []byte
}

// Memory is an in-process Bus. Each subscription is served by its own
// goroutine so messages on one subscription are delivered in publish order
// and a handler may publish without re-entering the publisher.
type Memory struct {
	subs   map[uint64]*memorySub
	next   uint64
	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[uint64]*memorySub)}
}

// Publish delivers payload to every subscription whose pattern matches topic.
// Each subscriber receives its own copy of payload.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := checkTopic(topic, false); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		if matches(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		msg := message{topic: topic, payload: append([]byte(nil), payload...)}
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers h for every topic matching pattern.
func (m *Memory) Subscribe(pattern string, h Handler) (Subscription, error) {
	if err := checkTopic(pattern, true); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.next++
	s := &memorySub{
		bus:     m,
		id:      m.next,
		pattern: pattern,
		handler: h,
		queue:   make(chan message, memoryQueueSize),
		done:    make(chan struct{}),
	}
	m.subs[s.id] = s
	go s.run()
	return s, nil
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close stops every subscription. Further calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[uint64]*memorySub)
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (m *Memory) remove(id uint64) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

type memorySub struct {
	bus     *Memory
	handler Handler
	queue   chan message
	done    chan struct{}
	pattern string
	id      uint64
	once    sync.Once
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			// Unsubscribe may race with a queued message; drop it.
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(msg.topic, msg.payload)
		}
	}
}

func (s *memorySub) Pattern() string { return s.pattern }

func (s *memorySub) Unsubscribe() error {
	s.bus.remove(s.id)
	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}
