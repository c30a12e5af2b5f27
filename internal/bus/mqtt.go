package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttQoS is at-least-once, matching the delivery the protocol assumes.
const mqttQoS = 1

// MQTT adapts a paho client to Bus.
type MQTT struct {
	client  mqtt.Client
	logger  *slog.Logger
	timeout time.Duration
}

// DialMQTT connects to the broker named in cfg.URL (e.g. tcp://localhost:1883).
func DialMQTT(ctx context.Context, cfg Config, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus", "transport", "mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.ReconnectWait).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("connection lost", "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected", "broker", cfg.URL)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect to mqtt %s: %w", cfg.URL, err)
	}
	return &MQTT{client: client, logger: logger, timeout: cfg.ConnectTimeout}, nil
}

// Publish sends payload with QoS 1 and waits for the broker acknowledgement.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := checkTopic(topic, false); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q contains a character reserved by mqtt", ErrInvalidTopic, topic)
	}
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt publish %s: not connected", topic)
	}
	if err := waitToken(ctx, m.client.Publish(topic, mqttQoS, false, payload), m.timeout); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h on the topic filter derived from pattern.
func (m *MQTT) Subscribe(pattern string, h Handler) (Subscription, error) {
	filter, err := toFilter(pattern)
	if err != nil {
		return nil, err
	}
	tok := m.client.Subscribe(filter, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if err := waitToken(context.Background(), tok, m.timeout); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	return &mqttSub{bus: m, filter: filter, pattern: pattern}, nil
}

// Close disconnects, giving in-flight work a short grace period.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

type mqttSub struct {
	bus     *MQTT
	filter  string
	pattern string
}

func (s *mqttSub) Pattern() string { return s.pattern }

func (s *mqttSub) Unsubscribe() error {
	if !s.bus.client.IsConnectionOpen() {
		return nil
	}
	if err := waitToken(context.Background(), s.bus.client.Unsubscribe(s.filter), s.bus.timeout); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", s.filter, err)
	}
	return nil
}

func toFilter(pattern string) (string, error) {
	if err := checkTopic(pattern, true); err != nil {
		return "", err
	}
	if strings.ContainsAny(pattern, "+#") {
		return "", fmt.Errorf("%w: %q contains a character reserved by mqtt", ErrInvalidTopic, pattern)
	}
	segs := strings.Split(pattern, separator)
	for i, seg := range segs {
		if seg == wildcard {
			segs[i] = "+"
		}
	}
	return strings.Join(segs, separator), nil
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
