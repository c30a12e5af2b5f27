package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS adapts a NATS connection to Bus. Topic segments become subject
// tokens, so segments may not contain '.', '>' or whitespace.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// DialNATS connects to the NATS server(s) named in cfg.URL.
func DialNATS(ctx context.Context, cfg Config, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus", "transport", "nats")

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("async error", "subject", subject, "error", err)
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, r.err)
		}
		logger.Info("connected", "url", r.conn.ConnectedUrl())
		return NewNATS(r.conn, logger), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, ctx.Err())
	}
}

// NewNATS wraps an established connection.
func NewNATS(conn *nats.Conn, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{conn: conn, logger: logger}
}

// Publish sends payload on the subject derived from topic.
func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	subject, err := toSubject(topic, false)
	if err != nil {
		return err
	}
	if n.conn.IsClosed() {
		return ErrClosed
	}
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers h on the subject pattern derived from pattern.
func (n *NATS) Subscribe(pattern string, h Handler) (Subscription, error) {
	subject, err := toSubject(pattern, true)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(fromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return &natsSub{sub: sub, pattern: pattern}, nil
}

// Close drains the connection, letting in-flight handlers finish.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

type natsSub struct {
	sub     *nats.Subscription
	pattern string
}

func (s *natsSub) Pattern() string { return s.pattern }

func (s *natsSub) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats unsubscribe %s: %w", s.sub.Subject, err)
	}
	return nil
}

func toSubject(topic string, pattern bool) (string, error) {
	if err := checkTopic(topic, pattern); err != nil {
		return "", err
	}
	if strings.ContainsAny(topic, ".> \t\r\n") {
		return "", fmt.Errorf("%w: %q contains a character reserved by nats", ErrInvalidTopic, topic)
	}
	return strings.ReplaceAll(topic, separator, "."), nil
}

func fromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", separator)
}
